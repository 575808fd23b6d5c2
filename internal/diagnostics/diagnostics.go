// Package diagnostics explains empty results and retries once with a corrected time range
package diagnostics

import (
	"context"
	"fmt"
	"time"

	"github.com/seanankenbruck/semantic-bi/internal/errors"
	"github.com/seanankenbruck/semantic-bi/internal/governance"
	"github.com/seanankenbruck/semantic-bi/internal/observability"
	"github.com/seanankenbruck/semantic-bi/internal/plan"
	"github.com/seanankenbruck/semantic-bi/internal/semantic"
	"github.com/seanankenbruck/semantic-bi/internal/sqlgen"
	"github.com/seanankenbruck/semantic-bi/internal/warehouse"
)

// Status is the diagnostic outcome
type Status string

const (
	StatusNotNeeded           Status = "not_needed"
	StatusNoTimeFilter        Status = "no_time_filter"
	StatusOverlaps            Status = "overlaps"
	StatusDatasetEmpty        Status = "dataset_empty"
	StatusSubstituted         Status = "substituted"
	StatusStillEmpty          Status = "still_empty"
	StatusRevalidationBlocked Status = "revalidation_blocked"
)

// Substitution picks the replacement range
type Substitution string

const (
	SubstituteDataRange     Substitution = "data_range"
	SubstituteDefaultWindow Substitution = "default_window"
)

// ParseSubstitution validates a configured substitution strategy
func ParseSubstitution(s string) (Substitution, error) {
	switch Substitution(s) {
	case "", SubstituteDataRange:
		return SubstituteDataRange, nil
	case SubstituteDefaultWindow:
		return SubstituteDefaultWindow, nil
	}
	return "", fmt.Errorf("unknown substitution %q", s)
}

// TimeRange is a displayable closed range; an empty side is open
type TimeRange struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

func (r *TimeRange) String() string {
	if r == nil {
		return "none"
	}
	return fmt.Sprintf("[%s, %s]", orOpen(r.Start), orOpen(r.End))
}

func orOpen(s string) string {
	if s == "" {
		return "open"
	}
	return s
}

// Report describes what diagnostics found and, after a retry, the final query and result
type Report struct {
	Status           Status                       `json:"status"`
	Message          string                       `json:"message"`
	Dataset          string                       `json:"dataset,omitempty"`
	RequestedRange   *TimeRange                   `json:"requested_range,omitempty"`
	DataRange        *TimeRange                   `json:"data_range,omitempty"`
	SubstitutedRange *TimeRange                   `json:"substituted_range,omitempty"`
	Retried          bool                         `json:"retried"`
	Validation       *governance.ValidationResult `json:"validation,omitempty"`
	Query            *sqlgen.CompiledQuery        `json:"-"`
	Result           *warehouse.Result            `json:"-"`
}

// Config holds diagnoser settings
type Config struct {
	Substitution      Substitution
	DefaultWindowDays int
	BoundsTimeout     time.Duration
}

// Diagnoser inspects empty results
type Diagnoser struct {
	executor  warehouse.Executor
	validator *governance.Validator
	compiler  *sqlgen.Compiler
	config    Config
	logger    *observability.Logger
}

// NewDiagnoser creates a diagnoser. The compiler must use the executor's dialect.
func NewDiagnoser(executor warehouse.Executor, validator *governance.Validator, compiler *sqlgen.Compiler, config Config, logger *observability.Logger) *Diagnoser {
	if config.Substitution == "" {
		config.Substitution = SubstituteDataRange
	}
	if config.DefaultWindowDays <= 0 {
		config.DefaultWindowDays = 30
	}
	if config.BoundsTimeout <= 0 {
		config.BoundsTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = observability.NewLogger("diagnostics")
	}
	return &Diagnoser{
		executor:  executor,
		validator: validator,
		compiler:  compiler,
		config:    config,
		logger:    logger,
	}
}

// Diagnose inspects the result of q. When it is empty because the requested time range
// misses the available data, the time filter is replaced, the plan is revalidated and
// recompiled, and the query runs exactly once more. Bounds-query and retry failures are
// returned as errors.
func (d *Diagnoser) Diagnose(ctx context.Context, idx *semantic.Index, q *sqlgen.CompiledQuery, res *warehouse.Result) (*Report, error) {
	report, err := d.diagnose(ctx, idx, q, res)
	if err != nil {
		return nil, err
	}
	observability.RecordDiagnosticsOutcome(string(report.Status))
	if report.Status != StatusNotNeeded {
		d.logger.Info(ctx, "Diagnostics finished", map[string]interface{}{
			"status":    report.Status,
			"dataset":   report.Dataset,
			"requested": report.RequestedRange.String(),
			"data":      report.DataRange.String(),
			"retried":   report.Retried,
		})
	}
	return report, nil
}

func (d *Diagnoser) diagnose(ctx context.Context, idx *semantic.Index, q *sqlgen.CompiledQuery, res *warehouse.Result) (*Report, error) {
	report := &Report{Status: StatusNotNeeded, Query: q, Result: res, Dataset: q.Dataset}
	if !res.Empty() {
		return report, nil
	}

	p := q.Plan
	if p == nil {
		p = &plan.CandidatePlan{}
	}
	tf, pos := p.TimeFilter()
	if pos < 0 {
		report.Status = StatusNoTimeFilter
		report.Message = "the query returned no rows and has no time filter to adjust"
		return report, nil
	}
	report.Dataset = tf.Field.Dataset
	report.RequestedRange = requestedRange(tf)

	first, last, err := d.bounds(ctx, idx, tf.Field.Dataset)
	if err != nil {
		return nil, err
	}
	if first == nil || last == nil {
		report.Status = StatusDatasetEmpty
		report.Message = fmt.Sprintf("dataset %s has no rows", tf.Field.Dataset)
		return report, nil
	}
	report.DataRange = &TimeRange{Start: display(first), End: display(last)}

	if overlaps(tf, first, last) {
		report.Status = StatusOverlaps
		report.Message = fmt.Sprintf("requested range %s overlaps the available data %s; the other filters matched no rows",
			report.RequestedRange, report.DataRange)
		return report, nil
	}

	substitute := d.substitute(tf.Field, first, last)
	report.SubstitutedRange = &TimeRange{Start: display(substitute.Values[0]), End: display(substitute.Values[1])}

	corrected := p.Clone()
	corrected.ReplaceTimeFilter(substitute)
	corrected.Warnings = append(corrected.Warnings, fmt.Sprintf("time range %s replaced by %s", report.RequestedRange, report.SubstitutedRange))

	if v := d.validator.Validate(idx, corrected); !v.OK() {
		report.Status = StatusRevalidationBlocked
		report.Validation = &v
		report.Message = fmt.Sprintf("the corrected plan was rejected: %s", v.Message)
		return report, nil
	}

	retry, err := d.compiler.Compile(idx, corrected)
	if err != nil {
		return nil, err
	}
	result, err := d.executor.Execute(ctx, retry.SQL, retry.Params)
	if err != nil {
		return nil, err
	}

	report.Retried = true
	report.Query = retry
	report.Result = result
	if result.Empty() {
		report.Status = StatusStillEmpty
		report.Message = fmt.Sprintf("requested range %s has no data (available %s); still empty after substituting %s",
			report.RequestedRange, report.DataRange, report.SubstitutedRange)
		return report, nil
	}
	report.Status = StatusSubstituted
	report.Message = fmt.Sprintf("requested range %s has no data (available %s); showing %s instead",
		report.RequestedRange, report.DataRange, report.SubstitutedRange)
	return report, nil
}

// bounds returns the raw MIN and MAX of the dataset's time dimension; both are nil for an
// empty dataset
func (d *Diagnoser) bounds(ctx context.Context, idx *semantic.Index, dataset string) (interface{}, interface{}, error) {
	bq, err := sqlgen.TimeBounds(idx, dataset)
	if err != nil {
		return nil, nil, errors.NewTimeBoundsError(err, dataset)
	}

	bctx, cancel := context.WithTimeout(ctx, d.config.BoundsTimeout)
	defer cancel()

	res, err := d.executor.Execute(bctx, bq.SQL, nil)
	if err != nil {
		if errors.CodeOf(err) == errors.ErrCodeRequestCancelled {
			return nil, nil, err
		}
		return nil, nil, errors.NewTimeBoundsError(err, dataset)
	}
	if res.Empty() {
		return nil, nil, nil
	}
	row := res.Rows[0]
	return row[bq.MinAlias], row[bq.MaxAlias], nil
}

func (d *Diagnoser) substitute(field plan.CanonicalFieldRef, first, last interface{}) plan.CanonicalFilter {
	if d.config.Substitution == SubstituteDefaultWindow {
		if end, ok := plan.ParseTime(last); ok {
			start := end.AddDate(0, 0, -(d.config.DefaultWindowDays - 1))
			return plan.CanonicalFilter{
				Field:    field,
				Operator: plan.OpBetween,
				Values:   []interface{}{start.Format("2006-01-02"), last},
				Source:   plan.SourceDefaultWindow,
			}
		}
	}
	return plan.CanonicalFilter{
		Field:    field,
		Operator: plan.OpBetween,
		Values:   []interface{}{first, last},
		Source:   plan.SourceAutoAdjusted,
	}
}

func requestedRange(tf plan.CanonicalFilter) *TimeRange {
	r := &TimeRange{}
	switch tf.Operator {
	case plan.OpBetween:
		if len(tf.Values) == 2 {
			r.Start, r.End = display(tf.Values[0]), display(tf.Values[1])
		}
	case plan.OpGt, plan.OpGte:
		if len(tf.Values) == 1 {
			r.Start = display(tf.Values[0])
		}
	case plan.OpLt, plan.OpLte:
		if len(tf.Values) == 1 {
			r.End = display(tf.Values[0])
		}
	case plan.OpEq:
		if len(tf.Values) == 1 {
			r.Start, r.End = display(tf.Values[0]), display(tf.Values[0])
		}
	}
	return r
}

// overlaps reports whether the requested range can intersect [first, last]. Unparseable
// bounds count as open.
func overlaps(tf plan.CanonicalFilter, first, last interface{}) bool {
	lo, okLo := plan.ParseTime(first)
	hi, okHi := plan.ParseTime(last)
	if !okLo || !okHi {
		return true
	}

	r := requestedRange(tf)
	if start, ok := plan.ParseTime(r.Start); ok && start.After(hi) {
		return false
	}
	if end, ok := plan.ParseTime(r.End); ok && end.Before(lo) {
		return false
	}
	return true
}

func display(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case time.Time:
		if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 {
			return t.Format("2006-01-02")
		}
		return t.Format(time.RFC3339)
	case string:
		return t
	}
	return fmt.Sprint(v)
}
