package semantic

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// Slot is the feature slot a term was extracted for
type Slot string

const (
	SlotMetric    Slot = "metric"
	SlotDimension Slot = "dimension"
	SlotFilter    Slot = "filter"
)

// accepts reports whether documents of type t can fill the slot
func (s Slot) accepts(t ObjectType) bool {
	switch s {
	case SlotMetric:
		return t == ObjectMetric
	case SlotDimension, SlotFilter:
		return t == ObjectDimension || t == ObjectField
	}
	return false
}

// SlotFor returns the slot a document fills when it enters through recall
func SlotFor(t ObjectType) Slot {
	if t == ObjectMetric {
		return SlotMetric
	}
	return SlotDimension
}

// MatchKind records how a candidate was found
type MatchKind string

const (
	MatchExact     MatchKind = "exact"
	MatchAlias     MatchKind = "alias"
	MatchFuzzy     MatchKind = "fuzzy"
	MatchSubstring MatchKind = "substring"
	MatchRecall    MatchKind = "recall"
)

const (
	scoreExact     = 1.0
	scoreAlias     = 0.9
	scoreFuzzyBase = 0.8
	scoreFuzzyStep = 0.1
	scoreSubstring = 0.5
)

// Term is one extracted feature string
type Term struct {
	Slot Slot   `json:"slot"`
	Text string `json:"text"`
}

// Candidate is a document matched for a term
type Candidate struct {
	Document  *Document `json:"document"`
	Slot      Slot      `json:"slot"`
	Term      string    `json:"term,omitempty"`
	Kind      MatchKind `json:"kind"`
	Score     float64   `json:"score"`
	Ambiguous bool      `json:"ambiguous,omitempty"`
}

// CandidateSet is the ordered output of matching, extended by recall
type CandidateSet []Candidate

// Contains reports whether a document with the given ID is in the set
func (cs CandidateSet) Contains(id string) bool {
	for _, c := range cs {
		if c.Document.ID() == id {
			return true
		}
	}
	return false
}

// Documents returns the distinct documents in first-seen order
func (cs CandidateSet) Documents() []*Document {
	seen := make(map[string]bool, len(cs))
	var out []*Document
	for _, c := range cs {
		if id := c.Document.ID(); !seen[id] {
			seen[id] = true
			out = append(out, c.Document)
		}
	}
	return out
}

// ForTerm returns the candidates of one term, best first. Terms compare by normalized text.
func (cs CandidateSet) ForTerm(slot Slot, term string) CandidateSet {
	n := Normalize(term)
	var out CandidateSet
	for _, c := range cs {
		if c.Slot == slot && c.Term != "" && Normalize(c.Term) == n {
			out = append(out, c)
		}
	}
	return out
}

// Terms returns the distinct (slot, term) pairs in order of appearance, skipping recall entries
func (cs CandidateSet) Terms() []Term {
	seen := make(map[Term]bool)
	var out []Term
	for _, c := range cs {
		t := Term{Slot: c.Slot, Text: c.Term}
		if c.Term == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// WithRecalled appends recalled documents not already present. Recalled candidates carry
// no term; their score is the similarity reported by recall.
func (cs CandidateSet) WithRecalled(docs []*Document, scores []float64) CandidateSet {
	out := append(CandidateSet(nil), cs...)
	for i, doc := range docs {
		if out.Contains(doc.ID()) {
			continue
		}
		score := 0.0
		if i < len(scores) {
			score = scores[i]
		}
		out = append(out, Candidate{Document: doc, Slot: SlotFor(doc.ObjectType), Kind: MatchRecall, Score: score})
	}
	return out
}

// Matcher performs deterministic lexical matching of terms against an index
type Matcher struct {
	// MaxEdits bounds the fuzzy tier; zero disables it
	MaxEdits int
	// MinFuzzyRunes is the shortest term eligible for fuzzy matching
	MinFuzzyRunes int
	// MinSubstringRunes is the shortest term eligible for substring matching
	MinSubstringRunes int
}

// NewMatcher returns a matcher with the default tiers
func NewMatcher() *Matcher {
	return &Matcher{MaxEdits: 2, MinFuzzyRunes: 4, MinSubstringRunes: 3}
}

// Match returns every candidate for every term. Exact and alias hits suppress the fuzzy and
// substring tiers for that term. When several documents tie for the best score of a term they
// are all returned tagged ambiguous. Disallowed documents are returned as well so governance
// can block them. Matching an empty index returns an empty set.
func (m *Matcher) Match(idx *Index, terms []Term) CandidateSet {
	var out CandidateSet
	if idx == nil {
		return out
	}

	seen := make(map[Term]bool)
	for _, term := range terms {
		n := Normalize(term.Text)
		key := Term{Slot: term.Slot, Text: n}
		if n == "" || seen[key] {
			continue
		}
		seen[key] = true

		hits := m.lexical(idx, term.Slot, n)
		if len(hits) == 0 {
			hits = m.approximate(idx, term.Slot, n)
		}
		out = append(out, finalize(hits, term)...)
	}
	return out
}

type hit struct {
	doc   *Document
	kind  MatchKind
	score float64
}

func keep(hits map[string]hit, h hit) {
	if prev, ok := hits[h.doc.ID()]; !ok || h.score > prev.score {
		hits[h.doc.ID()] = h
	}
}

func (m *Matcher) lexical(idx *Index, slot Slot, n string) map[string]hit {
	hits := make(map[string]hit)
	if doc, ok := idx.LookupNormalized(n); ok && slot.accepts(doc.ObjectType) {
		keep(hits, hit{doc, MatchExact, scoreExact})
	}
	for _, doc := range idx.ByAlias(n) {
		if !slot.accepts(doc.ObjectType) {
			continue
		}
		if Normalize(doc.Name) == n {
			keep(hits, hit{doc, MatchExact, scoreExact})
		} else {
			keep(hits, hit{doc, MatchAlias, scoreAlias})
		}
	}
	return hits
}

func (m *Matcher) approximate(idx *Index, slot Slot, n string) map[string]hit {
	hits := make(map[string]hit)
	termRunes := []rune(n)
	fuzzy := m.MaxEdits > 0 && len(termRunes) >= m.MinFuzzyRunes
	substring := m.MinSubstringRunes > 0 && len(termRunes) >= m.MinSubstringRunes

	for _, doc := range idx.Documents() {
		if !slot.accepts(doc.ObjectType) {
			continue
		}
		for _, alias := range doc.Aliases {
			if fuzzy && utf8.RuneCountInString(alias) >= m.MinFuzzyRunes {
				if d := editDistance(termRunes, []rune(alias), m.MaxEdits); d <= m.MaxEdits {
					keep(hits, hit{doc, MatchFuzzy, scoreFuzzyBase - scoreFuzzyStep*float64(d)})
					continue
				}
			}
			if substring && utf8.RuneCountInString(alias) >= m.MinSubstringRunes &&
				(strings.Contains(alias, n) || strings.Contains(n, alias)) {
				keep(hits, hit{doc, MatchSubstring, scoreSubstring})
			}
		}
	}
	return hits
}

func finalize(hits map[string]hit, term Term) CandidateSet {
	if len(hits) == 0 {
		return nil
	}

	list := make([]hit, 0, len(hits))
	for _, h := range hits {
		list = append(list, h)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].score != list[j].score {
			return list[i].score > list[j].score
		}
		return list[i].doc.ID() < list[j].doc.ID()
	})

	best := list[0].score
	tied := 0
	for _, h := range list {
		if h.score == best {
			tied++
		}
	}

	out := make(CandidateSet, 0, len(list))
	for _, h := range list {
		out = append(out, Candidate{
			Document:  h.doc,
			Slot:      term.Slot,
			Term:      term.Text,
			Kind:      h.kind,
			Score:     h.score,
			Ambiguous: tied > 1 && h.score == best,
		})
	}
	return out
}
