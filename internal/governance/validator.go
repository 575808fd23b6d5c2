// Package governance validates candidate plans against policy with an ordered list of
// pure rules. The first failing rule decides the result.
package governance

import (
	"fmt"
	"strings"

	"github.com/seanankenbruck/semantic-bi/internal/errors"
	"github.com/seanankenbruck/semantic-bi/internal/plan"
	"github.com/seanankenbruck/semantic-bi/internal/semantic"
)

// Status is the validation outcome
type Status string

const (
	StatusOK      Status = "ok"
	StatusBlocked Status = "blocked"
)

// ValidationResult is the tagged outcome of validating a plan
type ValidationResult struct {
	Status        Status                   `json:"status"`
	ErrorCode     errors.ErrorCode         `json:"error_code,omitempty"`
	Message       string                   `json:"message,omitempty"`
	OffendingRefs []plan.CanonicalFieldRef `json:"offending_refs,omitempty"`
	Rule          string                   `json:"rule,omitempty"`
}

// OK reports whether every rule passed
func (r ValidationResult) OK() bool {
	return r.Status == StatusOK
}

// Err converts a blocked result to an error carrying the code and offending names
func (r ValidationResult) Err() error {
	if r.OK() {
		return nil
	}
	names := make([]string, 0, len(r.OffendingRefs))
	for _, ref := range r.OffendingRefs {
		names = append(names, ref.Canonical())
	}
	return errors.New(r.ErrorCode, r.Message).
		WithMetadata("rule", r.Rule).
		WithMetadata("offending_refs", names).
		WithSuggestion(suggestions[r.ErrorCode])
}

var suggestions = map[errors.ErrorCode]string{
	errors.ErrCodeBlockedMatch:           "Use a non-sensitive field or an aggregated metric instead",
	errors.ErrCodeEmptySelection:         "Name at least one metric or dimension",
	errors.ErrCodeInvalidCanonicalRef:    "The semantic layer changed; resubmit the question",
	errors.ErrCodeAmbiguousReference:     "Qualify the field with its dataset or entity",
	errors.ErrCodeTimeFilterRequired:     "Add a time range to the question",
	errors.ErrCodeTimeAxisIncomplete:     "Give both a start and an end date",
	errors.ErrCodeMultiDatasetNoJoinPath: "Pick metrics and dimensions from datasets that can be joined",
	errors.ErrCodeDatasetMismatch:        "Pick fields from the same dataset or one joined to it",
	errors.ErrCodeInvalidFilterBetween:   "A between filter needs exactly two values",
	errors.ErrCodeInvalidFilterValue:     "Give the filter a value",
	errors.ErrCodeInvalidFilterShape:     "Use a supported filter operator",
	errors.ErrCodeNoCompilableSelect:     "Select a metric or a dimension of a dataset",
}

// Pass is the result of a plan that passed every rule
func Pass() ValidationResult {
	return ValidationResult{Status: StatusOK}
}

func block(code errors.ErrorCode, message string, refs ...plan.CanonicalFieldRef) *ValidationResult {
	return &ValidationResult{Status: StatusBlocked, ErrorCode: code, Message: message, OffendingRefs: refs}
}

// Policy is the effective governance policy for one validation
type Policy struct {
	RequireTimeFilter bool
}

// Rule is one pure check. It returns nil when the plan passes.
type Rule struct {
	Name  string
	Check func(in Input) *ValidationResult
}

// Input is what a rule sees
type Input struct {
	Plan   *plan.CandidatePlan
	Index  *semantic.Index
	Policy Policy
}

// DefaultRules returns the rules in evaluation order
func DefaultRules() []Rule {
	return []Rule{
		{Name: "sensitive_field", Check: checkSensitive},
		{Name: "selection_non_empty", Check: checkSelection},
		{Name: "canonical_reference", Check: checkCanonicalRefs},
		{Name: "ambiguous_reference", Check: checkAmbiguity},
		{Name: "time_filter_mandate", Check: checkTimeFilter},
		{Name: "join_reachability", Check: checkDatasets},
		{Name: "filter_shape", Check: checkFilterShape},
		{Name: "compilability", Check: checkCompilable},
	}
}

// Validator applies rules in order
type Validator struct {
	rules []Rule
	// ForceTimeFilter requires a time filter even when the semantic layer does not
	ForceTimeFilter bool
}

// NewValidator creates a validator with the default rules
func NewValidator(forceTimeFilter bool) *Validator {
	return &Validator{rules: DefaultRules(), ForceTimeFilter: forceTimeFilter}
}

// NewValidatorWithRules creates a validator with custom rules
func NewValidatorWithRules(rules []Rule, forceTimeFilter bool) *Validator {
	return &Validator{rules: rules, ForceTimeFilter: forceTimeFilter}
}

// Rules returns the rule names in order
func (v *Validator) Rules() []string {
	out := make([]string, 0, len(v.rules))
	for _, r := range v.rules {
		out = append(out, r.Name)
	}
	return out
}

// Validate checks p against idx. It does not modify p and can be re-run on a corrected plan.
func (v *Validator) Validate(idx *semantic.Index, p *plan.CandidatePlan) ValidationResult {
	in := Input{
		Plan:   p,
		Index:  idx,
		Policy: Policy{RequireTimeFilter: v.ForceTimeFilter || idx.Policy().RequireTimeFilter},
	}
	for _, rule := range v.rules {
		if res := rule.Check(in); res != nil {
			res.Rule = rule.Name
			return *res
		}
	}
	return Pass()
}

// live returns the index document behind ref, if it still exists with the same type
func live(idx *semantic.Index, ref plan.CanonicalFieldRef) (*semantic.Document, bool) {
	doc, ok := idx.Lookup(ref.Canonical())
	if !ok || doc.ObjectType != ref.ObjectType {
		return nil, false
	}
	return doc, true
}

func checkSensitive(in Input) *ValidationResult {
	var offending []plan.CanonicalFieldRef
	for _, ref := range in.Plan.Refs() {
		doc, ok := live(in.Index, ref)
		if !ref.Allowed || (ok && !doc.Allowed) {
			offending = append(offending, ref)
		}
	}
	for _, b := range in.Plan.Blocked {
		if doc, ok := in.Index.Lookup(b.Canonical); ok {
			offending = append(offending, plan.RefOf(doc))
		}
	}
	if len(offending) == 0 {
		return nil
	}
	return block(errors.ErrCodeBlockedMatch,
		fmt.Sprintf("query references restricted fields: %s", joinNames(offending)), offending...)
}

func checkSelection(in Input) *ValidationResult {
	if in.Plan.HasSelection() {
		return nil
	}
	return block(errors.ErrCodeEmptySelection, "no metric or dimension was selected")
}

func checkCanonicalRefs(in Input) *ValidationResult {
	var offending []plan.CanonicalFieldRef
	for _, ref := range in.Plan.Refs() {
		if _, ok := live(in.Index, ref); !ok {
			offending = append(offending, ref)
		}
	}
	if in.Plan.Dataset != "" && !in.Index.IsDataset(in.Plan.Dataset) {
		offending = append(offending, plan.CanonicalFieldRef{Dataset: in.Plan.Dataset, ObjectType: semantic.ObjectDataset})
	}
	if len(offending) == 0 {
		return nil
	}
	return block(errors.ErrCodeInvalidCanonicalRef,
		fmt.Sprintf("references not in the semantic layer: %s", joinNames(offending)), offending...)
}

func checkAmbiguity(in Input) *ValidationResult {
	if len(in.Plan.Ambiguous) == 0 {
		return nil
	}
	var refs []plan.CanonicalFieldRef
	var parts []string
	for _, a := range in.Plan.Ambiguous {
		parts = append(parts, fmt.Sprintf("%q could be %s", a.Term, strings.Join(a.Options, " or ")))
		for _, o := range a.Options {
			if doc, ok := in.Index.Lookup(o); ok {
				refs = append(refs, plan.RefOf(doc))
			}
		}
	}
	return block(errors.ErrCodeAmbiguousReference, "ambiguous reference: "+strings.Join(parts, "; "), refs...)
}

func checkTimeFilter(in Input) *ValidationResult {
	tf, i := in.Plan.TimeFilter()
	if i < 0 {
		dataset := in.Plan.PrimaryDataset(in.Index)
		if !in.Policy.RequireTimeFilter {
			return nil
		}
		td, ok := in.Index.TimeDimension(dataset)
		if !ok {
			// datasets without a time axis cannot carry a time filter
			return nil
		}
		return block(errors.ErrCodeTimeFilterRequired,
			fmt.Sprintf("dataset %s requires a time filter on %s", dataset, td.CanonicalName()), plan.RefOf(td))
	}

	// a malformed between is a filter shape problem, reported later
	switch tf.Operator {
	case plan.OpGt, plan.OpGte, plan.OpLt, plan.OpLte:
		return block(errors.ErrCodeTimeAxisIncomplete,
			fmt.Sprintf("time filter on %s needs both a start and an end", tf.Field.Canonical()), tf.Field)
	}
	return nil
}

func isBlank(v interface{}) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

func checkDatasets(in Input) *ValidationResult {
	var datasets []string
	seen := make(map[string]bool)
	for _, ref := range in.Plan.Refs() {
		if in.Index.IsDataset(ref.Dataset) && !seen[ref.Dataset] {
			seen[ref.Dataset] = true
			datasets = append(datasets, ref.Dataset)
		}
	}

	if len(datasets) > 1 && !in.Index.Connected(datasets) {
		return block(errors.ErrCodeMultiDatasetNoJoinPath,
			fmt.Sprintf("no join path connects datasets %s", strings.Join(datasets, ", ")), refsOutside(in, datasets[0])...)
	}

	primary := in.Plan.PrimaryDataset(in.Index)
	if primary == "" {
		return nil
	}
	var offending []plan.CanonicalFieldRef
	for _, ref := range in.Plan.Refs() {
		if !in.Index.Reachable(primary, ref.Dataset) {
			offending = append(offending, ref)
		}
	}
	if in.Plan.Dataset != "" && !in.Index.Reachable(primary, in.Plan.Dataset) {
		offending = append(offending, plan.CanonicalFieldRef{Dataset: in.Plan.Dataset, ObjectType: semantic.ObjectDataset})
	}
	if len(offending) == 0 {
		return nil
	}
	return block(errors.ErrCodeDatasetMismatch,
		fmt.Sprintf("fields not joinable with dataset %s: %s", primary, joinNames(offending)), offending...)
}

func refsOutside(in Input, dataset string) []plan.CanonicalFieldRef {
	var out []plan.CanonicalFieldRef
	for _, ref := range in.Plan.Refs() {
		if !in.Index.Reachable(dataset, ref.Dataset) {
			out = append(out, ref)
		}
	}
	return out
}

func checkFilterShape(in Input) *ValidationResult {
	for i, f := range in.Plan.Filters {
		n := len(f.Values)
		switch {
		case f.Operator == plan.OpBetween:
			if n != 2 || isBlank(f.Values[0]) || isBlank(f.Values[1]) {
				return block(errors.ErrCodeInvalidFilterBetween,
					fmt.Sprintf("filter %d on %s: between needs exactly two values, got %d", i+1, f.Field.Canonical(), n), f.Field)
			}
		case !f.Operator.Valid():
			return block(errors.ErrCodeInvalidFilterShape,
				fmt.Sprintf("filter %d on %s: unsupported operator %q", i+1, f.Field.Canonical(), f.Operator), f.Field)
		default:
			min, max := f.Operator.Arity()
			if n < min || hasNil(f.Values) {
				return block(errors.ErrCodeInvalidFilterValue,
					fmt.Sprintf("filter %d on %s: %s needs a value", i+1, f.Field.Canonical(), f.Operator), f.Field)
			}
			if max >= 0 && n > max {
				return block(errors.ErrCodeInvalidFilterShape,
					fmt.Sprintf("filter %d on %s: %s takes at most %d values, got %d", i+1, f.Field.Canonical(), f.Operator, max, n), f.Field)
			}
			if !scalars(f.Values) {
				return block(errors.ErrCodeInvalidFilterShape,
					fmt.Sprintf("filter %d on %s: values must be scalars", i+1, f.Field.Canonical()), f.Field)
			}
		}
	}
	return nil
}

func hasNil(values []interface{}) bool {
	for _, v := range values {
		if v == nil {
			return true
		}
	}
	return false
}

func scalars(values []interface{}) bool {
	for _, v := range values {
		switch v.(type) {
		case []interface{}, map[string]interface{}:
			return false
		}
	}
	return true
}

func checkCompilable(in Input) *ValidationResult {
	if in.Plan.PrimaryDataset(in.Index) != "" {
		return nil
	}
	return block(errors.ErrCodeNoCompilableSelect,
		"selection has no metric or dataset dimension to select from", in.Plan.Dimensions...)
}

func joinNames(refs []plan.CanonicalFieldRef) string {
	names := make([]string, 0, len(refs))
	for _, r := range refs {
		if r.Name == "" {
			names = append(names, r.Dataset)
			continue
		}
		names = append(names, r.Canonical())
	}
	return strings.Join(names, ", ")
}
