// Package plan holds the request-scoped resolution types and the candidate merger that
// turns matched candidates and a model proposal into one CandidatePlan.
package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/seanankenbruck/semantic-bi/internal/semantic"
)

// QueryFeatureRecord is the externally extracted description of a question
type QueryFeatureRecord struct {
	RawText    string      `json:"raw_text"`
	Metrics    []string    `json:"metrics,omitempty"`
	Dimensions []string    `json:"dimensions,omitempty"`
	Filters    []RawFilter `json:"filters,omitempty"`
	TimeStart  string      `json:"time_start,omitempty"`
	TimeEnd    string      `json:"time_end,omitempty"`
	Limit      int         `json:"limit,omitempty"`
}

// RawFilter is a filter as typed by the user or extracted by the model
type RawFilter struct {
	Field    string        `json:"field"`
	Operator string        `json:"operator"`
	Values   []interface{} `json:"values,omitempty"`
}

// UnmarshalJSON also accepts the short "op" and single "value" spellings
func (f *RawFilter) UnmarshalJSON(data []byte) error {
	var raw struct {
		Field    string          `json:"field"`
		Operator string          `json:"operator"`
		Op       string          `json:"op"`
		Values   []interface{}   `json:"values"`
		Value    json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	f.Field = raw.Field
	f.Operator = raw.Operator
	if f.Operator == "" {
		f.Operator = raw.Op
	}
	f.Values = raw.Values
	if f.Values == nil && len(raw.Value) > 0 {
		var v interface{}
		if err := json.Unmarshal(raw.Value, &v); err != nil {
			return err
		}
		if list, ok := v.([]interface{}); ok {
			f.Values = list
		} else {
			f.Values = []interface{}{v}
		}
	}
	return nil
}

// Terms returns the feature strings to match, one per slot entry
func (r QueryFeatureRecord) Terms() []semantic.Term {
	var terms []semantic.Term
	for _, m := range r.Metrics {
		terms = append(terms, semantic.Term{Slot: semantic.SlotMetric, Text: m})
	}
	for _, d := range r.Dimensions {
		terms = append(terms, semantic.Term{Slot: semantic.SlotDimension, Text: d})
	}
	for _, f := range r.Filters {
		terms = append(terms, semantic.Term{Slot: semantic.SlotFilter, Text: f.Field})
	}
	return terms
}

// Keywords returns the distinct non-empty feature strings for recall
func (r QueryFeatureRecord) Keywords() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, m := range r.Metrics {
		add(m)
	}
	for _, d := range r.Dimensions {
		add(d)
	}
	for _, f := range r.Filters {
		add(f.Field)
	}
	return out
}

// HasTimeRange reports whether either bound of the time range is set
func (r QueryFeatureRecord) HasTimeRange() bool {
	return r.TimeStart != "" || r.TimeEnd != ""
}

var timeLayouts = []string{"2006-01-02", time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"}

// ParseTime parses the date and timestamp forms accepted in time ranges and warehouse results
func ParseTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case []byte:
		return ParseTime(string(t))
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

// Validate checks the record's time range
func (r QueryFeatureRecord) Validate() error {
	var start, end time.Time
	var ok bool
	if r.TimeStart != "" {
		if start, ok = ParseTime(r.TimeStart); !ok {
			return fmt.Errorf("time_start %q is not a date", r.TimeStart)
		}
	}
	if r.TimeEnd != "" {
		if end, ok = ParseTime(r.TimeEnd); !ok {
			return fmt.Errorf("time_end %q is not a date", r.TimeEnd)
		}
	}
	if r.TimeStart != "" && r.TimeEnd != "" && end.Before(start) {
		return fmt.Errorf("time_end %s is before time_start %s", r.TimeEnd, r.TimeStart)
	}
	if r.Limit < 0 {
		return fmt.Errorf("limit must not be negative")
	}
	return nil
}

// CanonicalFieldRef is a field resolved to its semantic-layer definition. It is the only
// form of field reference allowed past the merger.
type CanonicalFieldRef struct {
	Dataset     string               `json:"dataset"`
	Table       string               `json:"table"`
	Name        string               `json:"name"`
	Expr        string               `json:"expr"`
	ObjectType  semantic.ObjectType  `json:"object_type"`
	Aggregation semantic.Aggregation `json:"aggregation,omitempty"`
	IsTime      bool                 `json:"is_time,omitempty"`
	Allowed     bool                 `json:"allowed"`
}

// RefOf builds a reference from an index document
func RefOf(doc *semantic.Document) CanonicalFieldRef {
	return CanonicalFieldRef{
		Dataset:     doc.Dataset,
		Table:       doc.Table,
		Name:        doc.Name,
		Expr:        doc.Expr,
		ObjectType:  doc.ObjectType,
		Aggregation: doc.Aggregation,
		IsTime:      doc.IsTime,
		Allowed:     doc.Allowed,
	}
}

// Canonical returns "<dataset>.<name>"
func (r CanonicalFieldRef) Canonical() string {
	return r.Dataset + "." + r.Name
}

// FilterSource records where a filter came from
type FilterSource string

const (
	SourceUser          FilterSource = "user"
	SourceTimeRange     FilterSource = "time_range"
	SourceAutoAdjusted  FilterSource = "auto_adjusted_time_bounds"
	SourceDefaultWindow FilterSource = "default_window"
)

// CanonicalFilter is a filter bound to a canonical field
type CanonicalFilter struct {
	Field    CanonicalFieldRef `json:"field"`
	Operator Operator          `json:"operator"`
	Values   []interface{}     `json:"values"`
	Source   FilterSource      `json:"source"`
}

// Discard reasons
const (
	ReasonNotInCandidateSet = "not_in_candidate_set"
	ReasonWrongObjectType   = "wrong_object_type"
	ReasonUnknownDataset    = "unknown_dataset"
	ReasonUnresolvedField   = "unresolved_field"
	ReasonRestrictedField   = "restricted_field"
	ReasonAmbiguousField    = "ambiguous_field"
	ReasonTimeAlreadyBound  = "time_filter_already_bound"
	ReasonNoTimeDimension   = "no_time_dimension"
	ReasonNoDataset         = "no_dataset"
)

// DiscardedItem is a proposal reference or filter the merger dropped
type DiscardedItem struct {
	Kind   string `json:"kind"`
	Value  string `json:"value"`
	Reason string `json:"reason"`
}

// BlockedMatch is a user term that matched a disallowed document
type BlockedMatch struct {
	Slot      semantic.Slot `json:"slot"`
	Term      string        `json:"term"`
	Canonical string        `json:"canonical"`
}

// AmbiguousTerm is a term left unresolved between several documents
type AmbiguousTerm struct {
	Slot    semantic.Slot `json:"slot"`
	Term    string        `json:"term"`
	Options []string      `json:"options"`
}

// Proposal is the reranker's advisory selection; every reference is a canonical name
type Proposal struct {
	TargetMetrics     []string `json:"target_metrics"`
	TargetDimensions  []string `json:"target_dimensions"`
	CandidateDatasets []string `json:"candidate_datasets"`
	Confidence        float64  `json:"confidence"`
	NeedClarification bool     `json:"need_clarification"`
}

// Empty reports whether the proposal selects nothing
func (p *Proposal) Empty() bool {
	return p == nil || (len(p.TargetMetrics) == 0 && len(p.TargetDimensions) == 0)
}

// CandidatePlan is the merged, request-private plan
type CandidatePlan struct {
	Metrics           []CanonicalFieldRef `json:"selected_metrics"`
	Dimensions        []CanonicalFieldRef `json:"selected_dimensions"`
	Filters           []CanonicalFilter   `json:"selected_filters"`
	Dataset           string              `json:"dataset"`
	Confidence        float64             `json:"confidence"`
	NeedClarification bool                `json:"need_clarification"`
	Limit             int                 `json:"limit,omitempty"`

	Blocked   []BlockedMatch  `json:"blocked,omitempty"`
	Ambiguous []AmbiguousTerm `json:"ambiguous,omitempty"`
	Discarded []DiscardedItem `json:"discarded,omitempty"`
	Warnings  []string        `json:"warnings,omitempty"`
	Degraded  bool            `json:"degraded,omitempty"`
}

// Clone returns a deep copy
func (p *CandidatePlan) Clone() *CandidatePlan {
	c := *p
	c.Metrics = append([]CanonicalFieldRef(nil), p.Metrics...)
	c.Dimensions = append([]CanonicalFieldRef(nil), p.Dimensions...)
	c.Filters = make([]CanonicalFilter, len(p.Filters))
	for i, f := range p.Filters {
		f.Values = append([]interface{}(nil), f.Values...)
		c.Filters[i] = f
	}
	c.Blocked = append([]BlockedMatch(nil), p.Blocked...)
	c.Ambiguous = append([]AmbiguousTerm(nil), p.Ambiguous...)
	c.Discarded = append([]DiscardedItem(nil), p.Discarded...)
	c.Warnings = append([]string(nil), p.Warnings...)
	return &c
}

// HasSelection reports whether any metric or dimension is selected
func (p *CandidatePlan) HasSelection() bool {
	return len(p.Metrics) > 0 || len(p.Dimensions) > 0
}

// Refs returns every selected and filtered reference in selection order
func (p *CandidatePlan) Refs() []CanonicalFieldRef {
	out := make([]CanonicalFieldRef, 0, len(p.Metrics)+len(p.Dimensions)+len(p.Filters))
	out = append(out, p.Metrics...)
	out = append(out, p.Dimensions...)
	for _, f := range p.Filters {
		out = append(out, f.Field)
	}
	return out
}

// PrimaryDataset is the dataset implied by the first metric, else the plan's dataset, else
// the dataset of the first dimension. It is "" when nothing in the plan belongs to a dataset.
func (p *CandidatePlan) PrimaryDataset(idx *semantic.Index) string {
	for _, m := range p.Metrics {
		if idx.IsDataset(m.Dataset) {
			return m.Dataset
		}
	}
	if idx.IsDataset(p.Dataset) {
		return p.Dataset
	}
	for _, d := range p.Dimensions {
		if idx.IsDataset(d.Dataset) {
			return d.Dataset
		}
	}
	return ""
}

// TimeFilter returns the bound time filter and its position, or -1
func (p *CandidatePlan) TimeFilter() (CanonicalFilter, int) {
	for i, f := range p.Filters {
		if f.Field.IsTime {
			return f, i
		}
	}
	return CanonicalFilter{}, -1
}

// BindTimeFilter adds f as the time filter unless one is already bound
func (p *CandidatePlan) BindTimeFilter(f CanonicalFilter) bool {
	if _, i := p.TimeFilter(); i >= 0 {
		return false
	}
	p.Filters = append([]CanonicalFilter{f}, p.Filters...)
	return true
}

// ReplaceTimeFilter swaps the bound time filter for f, binding it if none exists
func (p *CandidatePlan) ReplaceTimeFilter(f CanonicalFilter) {
	if _, i := p.TimeFilter(); i >= 0 {
		p.Filters[i] = f
		return
	}
	p.BindTimeFilter(f)
}

// Degrade lowers confidence by factor and records warnings
func (p *CandidatePlan) Degrade(factor float64, warnings ...string) {
	p.Degraded = true
	p.Confidence *= factor
	p.Warnings = append(p.Warnings, warnings...)
}

// Discard records a dropped item
func (p *CandidatePlan) Discard(kind, value, reason string) {
	p.Discarded = append(p.Discarded, DiscardedItem{Kind: kind, Value: value, Reason: reason})
}

// FilterSummary is the display form of a filter
type FilterSummary struct {
	Field    string        `json:"field"`
	Operator Operator      `json:"operator"`
	Values   []interface{} `json:"values"`
	Source   FilterSource  `json:"source"`
}

// Summary is the structured plan mirrored to the user for confirmation
type Summary struct {
	Metrics           []string        `json:"metrics"`
	Dimensions        []string        `json:"dimensions"`
	Dataset           string          `json:"dataset"`
	Filters           []FilterSummary `json:"filters"`
	NeedClarification bool            `json:"need_clarification"`
	Confidence        float64         `json:"confidence"`
}

// Summary returns the output-contract view of the plan
func (p *CandidatePlan) Summary() Summary {
	s := Summary{
		Metrics:           make([]string, 0, len(p.Metrics)),
		Dimensions:        make([]string, 0, len(p.Dimensions)),
		Dataset:           p.Dataset,
		Filters:           make([]FilterSummary, 0, len(p.Filters)),
		NeedClarification: p.NeedClarification,
		Confidence:        p.Confidence,
	}
	for _, m := range p.Metrics {
		s.Metrics = append(s.Metrics, m.Canonical())
	}
	for _, d := range p.Dimensions {
		s.Dimensions = append(s.Dimensions, d.Canonical())
	}
	for _, f := range p.Filters {
		s.Filters = append(s.Filters, FilterSummary{
			Field:    f.Field.Canonical(),
			Operator: f.Operator,
			Values:   f.Values,
			Source:   f.Source,
		})
	}
	return s
}

// Fingerprint identifies the compilable content of the plan. Confidence, warnings and
// filter sources do not contribute.
func (p *CandidatePlan) Fingerprint() string {
	type filterKey struct {
		Field    string        `json:"f"`
		Operator Operator      `json:"o"`
		Values   []interface{} `json:"v"`
	}
	key := struct {
		Metrics    []string    `json:"m"`
		Dimensions []string    `json:"d"`
		Filters    []filterKey `json:"w"`
		Dataset    string      `json:"ds"`
		Limit      int         `json:"l"`
	}{Dataset: p.Dataset, Limit: p.Limit}

	for _, m := range p.Metrics {
		key.Metrics = append(key.Metrics, m.Canonical())
	}
	for _, d := range p.Dimensions {
		key.Dimensions = append(key.Dimensions, d.Canonical())
	}
	for _, f := range p.Filters {
		key.Filters = append(key.Filters, filterKey{f.Field.Canonical(), f.Operator, f.Values})
	}

	data, _ := json.Marshal(key)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}
