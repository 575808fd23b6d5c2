package plan

import (
	"context"
	"fmt"
	"strings"

	"github.com/seanankenbruck/semantic-bi/internal/observability"
	"github.com/seanankenbruck/semantic-bi/internal/semantic"
)

// AmbiguityStrategy decides how same-score matches of one term are resolved
type AmbiguityStrategy string

const (
	// PreferPrimary picks the option scoped to the primary dataset, or else the only
	// option reachable from it
	PreferPrimary AmbiguityStrategy = "prefer_primary"
	// Clarify never resolves ambiguity automatically
	Clarify AmbiguityStrategy = "clarify"
)

// ParseAmbiguityStrategy validates a configured strategy name
func ParseAmbiguityStrategy(s string) (AmbiguityStrategy, error) {
	switch AmbiguityStrategy(s) {
	case "", PreferPrimary:
		return PreferPrimary, nil
	case Clarify:
		return Clarify, nil
	}
	return "", fmt.Errorf("unknown ambiguity strategy %q", s)
}

const (
	confidenceSelected    = 0.8
	confidenceMatchesOnly = 0.4
)

// Merger builds a CandidatePlan from matched candidates, an optional proposal and the
// record's filters. Anything outside the candidate set is dropped.
type Merger struct {
	strategy AmbiguityStrategy
	logger   *observability.Logger
}

// NewMerger creates a merger
func NewMerger(strategy AmbiguityStrategy, logger *observability.Logger) *Merger {
	if strategy == "" {
		strategy = PreferPrimary
	}
	if logger == nil {
		logger = observability.NewLogger("merger")
	}
	return &Merger{strategy: strategy, logger: logger}
}

// Strategy returns the configured ambiguity strategy
func (m *Merger) Strategy() AmbiguityStrategy {
	return m.strategy
}

type mergeState struct {
	idx        *semantic.Index
	candidates semantic.CandidateSet
	allowed    map[string]*semantic.Document
	plan       *CandidatePlan
	primary    string
}

// Merge produces a fresh plan for one request
func (m *Merger) Merge(ctx context.Context, idx *semantic.Index, record QueryFeatureRecord, candidates semantic.CandidateSet, proposal *Proposal) *CandidatePlan {
	st := &mergeState{
		idx:        idx,
		candidates: candidates,
		allowed:    make(map[string]*semantic.Document),
		plan:       &CandidatePlan{Limit: record.Limit},
	}
	for _, doc := range candidates.Documents() {
		if doc.Allowed {
			st.allowed[doc.CanonicalName()] = doc
		}
	}

	m.collectBlocked(st)

	usedProposal := false
	if !proposal.Empty() {
		m.intersect(st, proposal)
		usedProposal = st.plan.HasSelection()
	}
	if proposal != nil {
		st.primary = m.proposedDataset(st, proposal)
	}

	if !st.plan.HasSelection() {
		m.fallback(st)
	}

	st.plan.Dataset = m.resolveDataset(st)
	if st.primary == "" {
		st.primary = st.plan.Dataset
	}

	timeMentions := m.mergeFilters(st, record.Filters)
	m.bindTime(st, record, timeMentions)

	p := st.plan
	switch {
	case usedProposal:
		p.Confidence = clamp(proposal.Confidence)
	case p.HasSelection():
		p.Confidence = confidenceSelected
	case len(candidates) > 0:
		p.Confidence = confidenceMatchesOnly
	}
	p.NeedClarification = (proposal != nil && proposal.NeedClarification) || len(p.Ambiguous) > 0

	m.logOutcome(ctx, p)
	return p
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// collectBlocked records user terms whose exact or alias match is a disallowed document
func (m *Merger) collectBlocked(st *mergeState) {
	seen := make(map[string]bool)
	for _, c := range st.candidates {
		if c.Document.Allowed || c.Term == "" {
			continue
		}
		if c.Kind != semantic.MatchExact && c.Kind != semantic.MatchAlias {
			continue
		}
		key := c.Term + "|" + c.Document.CanonicalName()
		if seen[key] {
			continue
		}
		seen[key] = true
		st.plan.Blocked = append(st.plan.Blocked, BlockedMatch{Slot: c.Slot, Term: c.Term, Canonical: c.Document.CanonicalName()})
	}
}

func containsRef(refs []CanonicalFieldRef, doc *semantic.Document) bool {
	for _, r := range refs {
		if r.Canonical() == doc.CanonicalName() {
			return true
		}
	}
	return false
}

// intersect keeps the proposed references present in the allowed candidate set
func (m *Merger) intersect(st *mergeState, proposal *Proposal) {
	p := st.plan
	for _, name := range proposal.TargetMetrics {
		doc, ok := st.allowed[name]
		switch {
		case !ok:
			p.Discard("metric", name, ReasonNotInCandidateSet)
		case doc.ObjectType != semantic.ObjectMetric:
			p.Discard("metric", name, ReasonWrongObjectType)
		case !containsRef(p.Metrics, doc):
			p.Metrics = append(p.Metrics, RefOf(doc))
		}
	}
	for _, name := range proposal.TargetDimensions {
		doc, ok := st.allowed[name]
		switch {
		case !ok:
			p.Discard("dimension", name, ReasonNotInCandidateSet)
		case doc.ObjectType != semantic.ObjectDimension && doc.ObjectType != semantic.ObjectField:
			p.Discard("dimension", name, ReasonWrongObjectType)
		case !containsRef(p.Dimensions, doc):
			p.Dimensions = append(p.Dimensions, RefOf(doc))
		}
	}
}

// proposedDataset returns the first proposed dataset backed by the candidate set
func (m *Merger) proposedDataset(st *mergeState, proposal *Proposal) string {
	chosen := ""
	for _, name := range proposal.CandidateDatasets {
		if !st.idx.IsDataset(name) {
			st.plan.Discard("dataset", name, ReasonUnknownDataset)
			continue
		}
		backed := false
		for _, doc := range st.allowed {
			if doc.Dataset == name {
				backed = true
				break
			}
		}
		if !backed {
			st.plan.Discard("dataset", name, ReasonNotInCandidateSet)
			continue
		}
		if chosen == "" {
			chosen = name
		}
	}
	return chosen
}

// resolve picks the document for one term. It returns the options when the term stays
// ambiguous and restricted=true when only disallowed documents matched.
func (m *Merger) resolve(st *mergeState, slot semantic.Slot, term string) (doc *semantic.Document, options []string, restricted bool) {
	var allowed semantic.CandidateSet
	matched := st.candidates.ForTerm(slot, term)
	for _, c := range matched {
		if c.Document.Allowed {
			allowed = append(allowed, c)
		}
	}
	if len(allowed) == 0 {
		return nil, nil, len(matched) > 0
	}

	best := allowed[0].Score
	var tied []*semantic.Document
	for _, c := range allowed {
		if c.Score == best {
			tied = append(tied, c.Document)
		}
	}
	if len(tied) == 1 {
		return tied[0], nil, false
	}

	if m.strategy == PreferPrimary && st.primary != "" {
		for _, d := range tied {
			if d.Dataset == st.primary {
				return d, nil, false
			}
		}
		var reachable []*semantic.Document
		for _, d := range tied {
			if st.idx.Reachable(st.primary, d.Dataset) {
				reachable = append(reachable, d)
			}
		}
		if len(reachable) == 1 {
			return reachable[0], nil, false
		}
	}

	for _, d := range tied {
		options = append(options, d.CanonicalName())
	}
	return nil, options, false
}

// fallback selects the top allowed match per metric and dimension term
func (m *Merger) fallback(st *mergeState) {
	terms := st.candidates.Terms()

	if st.primary == "" {
		for _, t := range terms {
			if t.Slot != semantic.SlotMetric {
				continue
			}
			if doc, _, _ := m.resolve(st, t.Slot, t.Text); doc != nil && st.idx.IsDataset(doc.Dataset) {
				st.primary = doc.Dataset
				break
			}
		}
	}

	p := st.plan
	for _, t := range terms {
		if t.Slot == semantic.SlotFilter {
			continue
		}
		kind := string(t.Slot)
		doc, options, restricted := m.resolve(st, t.Slot, t.Text)
		switch {
		case doc != nil && t.Slot == semantic.SlotMetric:
			if !containsRef(p.Metrics, doc) {
				p.Metrics = append(p.Metrics, RefOf(doc))
			}
		case doc != nil:
			if !containsRef(p.Dimensions, doc) {
				p.Dimensions = append(p.Dimensions, RefOf(doc))
			}
		case len(options) > 0:
			p.Ambiguous = append(p.Ambiguous, AmbiguousTerm{Slot: t.Slot, Term: t.Text, Options: options})
			p.Discard(kind, t.Text, ReasonAmbiguousField)
		case restricted:
			p.Discard(kind, t.Text, ReasonRestrictedField)
		}
	}
}

// resolveDataset names the primary dataset of the plan
func (m *Merger) resolveDataset(st *mergeState) string {
	if st.primary != "" {
		return st.primary
	}
	for _, r := range st.plan.Metrics {
		if st.idx.IsDataset(r.Dataset) {
			return r.Dataset
		}
	}
	for _, r := range st.plan.Dimensions {
		if st.idx.IsDataset(r.Dataset) {
			return r.Dataset
		}
	}
	return ""
}

// mergeFilters canonicalizes user filters. Filters on a time field are returned separately
// so they can be bound to the dataset's time axis.
func (m *Merger) mergeFilters(st *mergeState, filters []RawFilter) []CanonicalFilter {
	p := st.plan
	var timeMentions []CanonicalFilter
	for _, f := range filters {
		field := strings.TrimSpace(f.Field)
		doc, options, restricted := m.resolve(st, semantic.SlotFilter, f.Field)
		if doc == nil {
			switch {
			case len(options) > 0:
				p.Ambiguous = append(p.Ambiguous, AmbiguousTerm{Slot: semantic.SlotFilter, Term: f.Field, Options: options})
				p.Discard("filter", field, ReasonAmbiguousField)
			case restricted:
				p.Discard("filter", field, ReasonRestrictedField)
			default:
				p.Discard("filter", field, ReasonUnresolvedField)
			}
			continue
		}

		op, _ := ParseOperator(f.Operator)
		cf := CanonicalFilter{
			Field:    RefOf(doc),
			Operator: op,
			Values:   append([]interface{}(nil), f.Values...),
			Source:   SourceUser,
		}
		if doc.IsTime {
			timeMentions = append(timeMentions, cf)
			continue
		}
		p.Filters = append(p.Filters, cf)
	}
	return timeMentions
}

// bindTime binds the record's time range to the dataset's time dimension, then any typed
// time filters. A bound time filter is never replaced.
func (m *Merger) bindTime(st *mergeState, record QueryFeatureRecord, mentions []CanonicalFilter) {
	p := st.plan
	td, hasTD := st.idx.TimeDimension(p.Dataset)

	if record.HasTimeRange() {
		span := record.TimeStart + ".." + record.TimeEnd
		switch {
		case p.Dataset == "":
			p.Discard("time_range", span, ReasonNoDataset)
		case !hasTD:
			p.Discard("time_range", span, ReasonNoTimeDimension)
			p.Warnings = append(p.Warnings, fmt.Sprintf("dataset %s has no time dimension; time range ignored", p.Dataset))
		default:
			p.BindTimeFilter(timeRangeFilter(RefOf(td), record.TimeStart, record.TimeEnd))
		}
	}

	for _, tm := range mentions {
		if hasTD {
			tm.Field = RefOf(td)
		}
		if !p.BindTimeFilter(tm) {
			p.Discard("filter", tm.Field.Canonical(), ReasonTimeAlreadyBound)
		}
	}
}

func timeRangeFilter(field CanonicalFieldRef, start, end string) CanonicalFilter {
	f := CanonicalFilter{Field: field, Source: SourceTimeRange}
	switch {
	case start != "" && end != "":
		f.Operator = OpBetween
		f.Values = []interface{}{start, end}
	case start != "":
		f.Operator = OpGte
		f.Values = []interface{}{start}
	default:
		f.Operator = OpLte
		f.Values = []interface{}{end}
	}
	return f
}

func (m *Merger) logOutcome(ctx context.Context, p *CandidatePlan) {
	for _, d := range p.Discarded {
		m.logger.Warn(ctx, "merger discarded item", map[string]interface{}{
			"kind":   d.Kind,
			"value":  d.Value,
			"reason": d.Reason,
		})
	}
	for _, b := range p.Blocked {
		m.logger.Warn(ctx, "term matched a restricted field", map[string]interface{}{
			"term":      b.Term,
			"canonical": b.Canonical,
		})
	}
	m.logger.Debug(ctx, "plan merged", map[string]interface{}{
		"dataset":            p.Dataset,
		"metrics":            len(p.Metrics),
		"dimensions":         len(p.Dimensions),
		"filters":            len(p.Filters),
		"confidence":         p.Confidence,
		"ambiguous":          len(p.Ambiguous),
		"need_clarification": p.NeedClarification,
	})
}
