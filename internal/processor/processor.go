// Package processor runs the resolution pipeline: match, augment, merge, validate,
// compile, and optionally execute and diagnose. It also serves the HTTP API.
package processor

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/seanankenbruck/semantic-bi/internal/diagnostics"
	"github.com/seanankenbruck/semantic-bi/internal/errors"
	"github.com/seanankenbruck/semantic-bi/internal/governance"
	"github.com/seanankenbruck/semantic-bi/internal/observability"
	"github.com/seanankenbruck/semantic-bi/internal/plan"
	"github.com/seanankenbruck/semantic-bi/internal/retrieval"
	"github.com/seanankenbruck/semantic-bi/internal/semantic"
	"github.com/seanankenbruck/semantic-bi/internal/session"
	"github.com/seanankenbruck/semantic-bi/internal/sqlgen"
	"github.com/seanankenbruck/semantic-bi/internal/warehouse"
)

// History statuses
const (
	StatusResolved  = "resolved"
	StatusPending   = "pending_confirmation"
	StatusExecuted  = "executed"
	StatusBlocked   = "blocked"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"

	// StatusClarification means the plan was resolved but not executed because the
	// request is ambiguous
	StatusClarification = "needs_clarification"
)

// HistoryStore persists resolution outcomes
type HistoryStore interface {
	RecordResolution(ctx context.Context, rec semantic.ResolutionRecord) error
	RecentResolutions(ctx context.Context, limit int) ([]semantic.ResolutionRecord, error)
}

// ResolveRequest asks for a governed resolution of one feature record
type ResolveRequest struct {
	Record plan.QueryFeatureRecord `json:"record"`
	// Confirm stores the resolution for later confirmation instead of finishing it now
	Confirm bool   `json:"confirm,omitempty"`
	UserID  string `json:"-"`
}

// Resolution is the outcome of the resolve pipeline
type Resolution struct {
	IndexVersion          string                      `json:"index_version"`
	Plan                  plan.Summary                `json:"plan"`
	SQL                   string                      `json:"sql,omitempty"`
	Params                []interface{}               `json:"params,omitempty"`
	Validation            governance.ValidationResult `json:"validation"`
	Blocked               []plan.BlockedMatch         `json:"blocked,omitempty"`
	Ambiguous             []plan.AmbiguousTerm        `json:"ambiguous,omitempty"`
	Discarded             []plan.DiscardedItem        `json:"discarded,omitempty"`
	Warnings              []string                    `json:"warnings,omitempty"`
	Degraded              bool                        `json:"degraded"`
	Cached                bool                        `json:"cached"`
	ConfirmationID        string                      `json:"confirmation_id,omitempty"`
	ConfirmationExpiresAt *time.Time                  `json:"confirmation_expires_at,omitempty"`

	record    plan.QueryFeatureRecord
	candidate *plan.CandidatePlan
	compiled  *sqlgen.CompiledQuery
}

// QueryResponse is a resolution together with its executed result
type QueryResponse struct {
	Resolution     *Resolution         `json:"resolution"`
	Results        *QueryResults       `json:"results,omitempty"`
	Diagnostics    *diagnostics.Report `json:"diagnostics,omitempty"`
	ExecutedSQL    string              `json:"executed_sql,omitempty"`
	Clarification  string              `json:"clarification,omitempty"`
	ProcessingTime time.Duration       `json:"processing_time"`
}

// Dependencies wires the pipeline stages. Augmenter, Diagnoser, Cache, Pending and History
// are optional; Executor is only needed to run queries.
type Dependencies struct {
	Store     *semantic.Store
	Matcher   *semantic.Matcher
	Augmenter *retrieval.Augmenter
	Merger    *plan.Merger
	Validator *governance.Validator
	Compiler  *sqlgen.Compiler
	Executor  warehouse.Executor
	Diagnoser *diagnostics.Diagnoser
	Cache     *QueryCache
	Pending   *session.Manager
	History   HistoryStore
	Logger    *observability.Logger
}

// ProcessorConfig holds configuration for the processor
type ProcessorConfig struct {
	MaxResponseRows int
	HistoryTimeout  time.Duration
}

// Processor is the main service struct
type Processor struct {
	store     *semantic.Store
	matcher   *semantic.Matcher
	augmenter *retrieval.Augmenter
	merger    *plan.Merger
	validator *governance.Validator
	compiler  *sqlgen.Compiler
	executor  warehouse.Executor
	diagnoser *diagnostics.Diagnoser
	cache     *QueryCache
	pending   *session.Manager
	history   HistoryStore
	results   *ResultProcessor
	config    ProcessorConfig
	logger    *observability.Logger
}

// NewProcessor creates a processor. Store, Merger, Validator and Compiler are required.
func NewProcessor(deps Dependencies, config ProcessorConfig) (*Processor, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("processor requires a semantic store")
	case deps.Merger == nil:
		return nil, fmt.Errorf("processor requires a merger")
	case deps.Validator == nil:
		return nil, fmt.Errorf("processor requires a validator")
	case deps.Compiler == nil:
		return nil, fmt.Errorf("processor requires a compiler")
	}
	if deps.Matcher == nil {
		deps.Matcher = semantic.NewMatcher()
	}
	if deps.Logger == nil {
		deps.Logger = observability.NewLogger("processor")
	}
	if config.HistoryTimeout <= 0 {
		config.HistoryTimeout = 2 * time.Second
	}

	return &Processor{
		store:     deps.Store,
		matcher:   deps.Matcher,
		augmenter: deps.Augmenter,
		merger:    deps.Merger,
		validator: deps.Validator,
		compiler:  deps.Compiler,
		executor:  deps.Executor,
		diagnoser: deps.Diagnoser,
		cache:     deps.Cache,
		pending:   deps.Pending,
		history:   deps.History,
		results:   NewResultProcessor(config.MaxResponseRows),
		config:    config,
		logger:    deps.Logger,
	}, nil
}

// Store returns the semantic store the processor reads from
func (p *Processor) Store() *semantic.Store {
	return p.store
}

// Resolve turns a feature record into a validated plan and its SQL. A blocked plan returns
// the resolution together with the validation error. With Confirm set the resolution is
// stored and its confirmation ID returned; nothing is executed either way.
func (p *Processor) Resolve(ctx context.Context, req *ResolveRequest) (*Resolution, error) {
	start := time.Now()
	idx := p.store.Current()

	res, err := p.resolve(ctx, idx, req.Record)
	status := StatusResolved
	if err == nil && req.Confirm {
		err = p.stage(ctx, res, req.UserID)
		status = StatusPending
	}

	p.finish(ctx, "resolve", start, req.Record, req.UserID, idx.Version(), res, status, err)
	return res, err
}

// Query resolves the record and runs it against the warehouse. An empty result is diagnosed
// and, when the time range missed the data, retried once with a corrected range. A plan that
// needs clarification is returned without running.
func (p *Processor) Query(ctx context.Context, req *ResolveRequest) (*QueryResponse, error) {
	start := time.Now()
	idx := p.store.Current()

	res, err := p.resolve(ctx, idx, req.Record)
	resp := &QueryResponse{Resolution: res}
	status := StatusExecuted
	switch {
	case err != nil:
	case res.candidate.NeedClarification:
		status = StatusClarification
		resp.Clarification = clarification(res.candidate)
	default:
		err = p.run(ctx, idx, resp)
	}
	resp.ProcessingTime = time.Since(start)

	p.finish(ctx, "query", start, req.Record, req.UserID, idx.Version(), res, status, err)
	return resp, err
}

// clarification tells the caller what to disambiguate before the plan can run
func clarification(candidate *plan.CandidatePlan) string {
	if len(candidate.Ambiguous) == 0 {
		return "the request is ambiguous; refine it or confirm the resolved plan to run it"
	}
	terms := make([]string, 0, len(candidate.Ambiguous))
	for _, a := range candidate.Ambiguous {
		terms = append(terms, fmt.Sprintf("%q (%s)", a.Term, strings.Join(a.Options, ", ")))
	}
	return "choose one option for " + strings.Join(terms, "; ")
}

// Confirm executes a pending resolution. The stored plan is revalidated against the index
// published now, so a plan that became invalid after a reload is rejected. A confirmation
// ID can be used once, and only by the user who created it.
func (p *Processor) Confirm(ctx context.Context, id, userID string) (*QueryResponse, error) {
	start := time.Now()
	if p.pending == nil {
		return nil, errors.NewInvalidInputError("confirm", "confirmations are not enabled")
	}

	pending, err := p.pending.Get(ctx, id)
	if err == nil && pending.UserID != userID {
		err = session.ErrNotFound
	}
	if err == nil {
		pending, err = p.pending.Take(ctx, id)
	}
	if stderrors.Is(err, session.ErrNotFound) {
		return nil, errors.NewConfirmationNotFoundError(id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeCacheRead, "Failed to load pending resolution")
	}

	idx := p.store.Current()
	candidate := pending.Plan
	if candidate == nil {
		candidate = &plan.CandidatePlan{}
	}
	if pending.IndexVersion != idx.Version() {
		candidate.Warnings = append(candidate.Warnings,
			fmt.Sprintf("semantic layer changed since resolution (%s -> %s)", pending.IndexVersion, idx.Version()))
	}

	res := newResolution(idx, pending.Record, candidate)
	resp := &QueryResponse{Resolution: res}
	err = p.govern(ctx, idx, res)
	if err == nil {
		err = p.run(ctx, idx, resp)
	}
	resp.ProcessingTime = time.Since(start)

	p.finish(ctx, "confirm", start, pending.Record, userID, idx.Version(), res, StatusExecuted, err)
	return resp, err
}

// resolve runs the pipeline against one pinned index
func (p *Processor) resolve(ctx context.Context, idx *semantic.Index, record plan.QueryFeatureRecord) (*Resolution, error) {
	if err := record.Validate(); err != nil {
		return nil, errors.NewInvalidInputError("record", err.Error())
	}
	if record.RawText == "" && len(record.Terms()) == 0 {
		return nil, errors.New(errors.ErrCodeMissingRequired, "Empty feature record").
			WithDetails("The record has no raw text, metrics, dimensions or filters")
	}

	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelledError(err, "match")
	}
	candidates := p.matcher.Match(idx, record.Terms())

	var augmented *retrieval.Result
	var proposal *plan.Proposal
	if p.augmenter != nil {
		augmented = p.augmenter.Augment(ctx, idx, record, candidates)
		candidates = augmented.Candidates
		proposal = augmented.Proposal
	}

	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelledError(err, "merge")
	}
	candidate := p.merger.Merge(ctx, idx, record, candidates, proposal)
	if augmented != nil {
		p.augmenter.Apply(candidate, augmented)
	}

	res := newResolution(idx, record, candidate)
	return res, p.govern(ctx, idx, res)
}

// govern validates and compiles the resolution's plan
func (p *Processor) govern(ctx context.Context, idx *semantic.Index, res *Resolution) error {
	if err := ctx.Err(); err != nil {
		return errors.NewCancelledError(err, "validate")
	}
	res.Validation = p.validator.Validate(idx, res.candidate)
	if !res.Validation.OK() {
		return res.Validation.Err()
	}

	q, cached, err := p.compile(ctx, idx, res.candidate)
	if err != nil {
		return err
	}
	res.compiled = q
	res.SQL = q.SQL
	res.Params = q.Params
	res.Cached = cached
	return nil
}

// compile returns the cached SQL for the plan under this index version, compiling and
// storing it on a miss. Cache failures fall back to compiling.
func (p *Processor) compile(ctx context.Context, idx *semantic.Index, candidate *plan.CandidatePlan) (*sqlgen.CompiledQuery, bool, error) {
	fingerprint := candidate.Fingerprint()
	if p.cache != nil {
		q, err := p.cache.Get(ctx, idx.Version(), fingerprint)
		if err != nil {
			p.logger.Warn(ctx, "Compiled query cache read failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		if q != nil {
			q.Plan = candidate
			return q, true, nil
		}
	}

	q, err := p.compiler.Compile(idx, candidate)
	if err != nil {
		if errors.CodeOf(err) == "" {
			err = errors.NewCompilationError(err)
		}
		return nil, false, err
	}

	if p.cache != nil {
		if err := p.cache.Set(ctx, q); err != nil {
			p.logger.Warn(ctx, "Compiled query cache write failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
	return q, false, nil
}

// stage stores a governed resolution for confirmation
func (p *Processor) stage(ctx context.Context, res *Resolution, userID string) error {
	if p.pending == nil {
		return errors.NewInvalidInputError("confirm", "confirmations are not enabled")
	}

	pending := &session.Pending{
		UserID:       userID,
		Record:       res.record,
		Plan:         res.candidate,
		IndexVersion: res.IndexVersion,
		SQL:          res.SQL,
	}
	id, err := p.pending.Create(ctx, pending)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeCacheWrite, "Failed to store pending resolution")
	}
	res.ConfirmationID = id
	res.ConfirmationExpiresAt = &pending.ExpiresAt
	return nil
}

// run executes the compiled query and diagnoses an empty result
func (p *Processor) run(ctx context.Context, idx *semantic.Index, resp *QueryResponse) error {
	if p.executor == nil {
		return errors.New(errors.ErrCodeExecutionFailed, "No warehouse configured").
			WithSuggestion("Use /api/v1/resolve to obtain SQL without executing it.")
	}
	if err := ctx.Err(); err != nil {
		return errors.NewCancelledError(err, "execute")
	}

	q := resp.Resolution.compiled
	result, err := p.executor.Execute(ctx, q.SQL, q.Params)
	if err != nil {
		return err
	}
	resp.ExecutedSQL = q.SQL

	if p.diagnoser != nil {
		report, err := p.diagnoser.Diagnose(ctx, idx, q, result)
		if err != nil {
			return err
		}
		if report.Status != diagnostics.StatusNotNeeded {
			resp.Diagnostics = report
		}
		if report.Retried {
			q, result = report.Query, report.Result
			resp.ExecutedSQL = q.SQL
			resp.Resolution.Plan = q.Plan.Summary()
			resp.Resolution.Warnings = q.Plan.Warnings
		}
	}

	resp.Results = p.results.ProcessResults(q, result)
	return nil
}

func newResolution(idx *semantic.Index, record plan.QueryFeatureRecord, candidate *plan.CandidatePlan) *Resolution {
	return &Resolution{
		IndexVersion: idx.Version(),
		Plan:         candidate.Summary(),
		Blocked:      candidate.Blocked,
		Ambiguous:    candidate.Ambiguous,
		Discarded:    candidate.Discarded,
		Warnings:     candidate.Warnings,
		Degraded:     candidate.Degraded,
		record:       record,
		candidate:    candidate,
	}
}

// finish logs the outcome, records metrics and appends to the history
func (p *Processor) finish(ctx context.Context, operation string, start time.Time, record plan.QueryFeatureRecord, userID, version string, res *Resolution, status string, err error) {
	duration := time.Since(start)
	code := errors.CodeOf(err)
	if err != nil {
		status = failureStatus(code)
	}
	cached := res != nil && res.Cached
	observability.RecordResolveMetrics(duration, status, string(code), cached)
	if res != nil && !cached {
		for _, d := range res.Discarded {
			observability.RecordDiscarded(d.Kind, d.Reason)
		}
	}

	fields := map[string]interface{}{
		"operation":     operation,
		"status":        status,
		"index_version": version,
		"duration_ms":   duration.Milliseconds(),
		"cached":        cached,
	}
	switch {
	case err == nil:
		p.logger.Info(ctx, "Resolution completed", fields)
	case status == StatusBlocked:
		fields["error_code"] = code
		p.logger.Warn(ctx, "Resolution blocked", fields)
	default:
		p.logger.Error(ctx, "Resolution failed", err, fields)
	}

	p.record(ctx, record, userID, version, res, status, code)
}

func failureStatus(code errors.ErrorCode) string {
	switch errors.CategoryOf(code) {
	case errors.CategoryPolicy, errors.CategoryMalformedPlan:
		return StatusBlocked
	}
	if code == errors.ErrCodeRequestCancelled {
		return StatusCancelled
	}
	return StatusFailed
}

// record appends to the history. It outlives a cancelled request but not the history timeout.
func (p *Processor) record(ctx context.Context, record plan.QueryFeatureRecord, userID, version string, res *Resolution, status string, code errors.ErrorCode) {
	if p.history == nil {
		return
	}

	rec := semantic.ResolutionRecord{
		ID:           uuid.New().String(),
		QueryText:    record.RawText,
		IndexVersion: version,
		Status:       status,
		ErrorCode:    string(code),
		UserID:       userID,
		CreatedAt:    time.Now().UTC(),
	}
	if res != nil {
		rec.SQL = res.SQL
		if data, err := json.Marshal(res.Plan); err == nil {
			rec.Plan = data
		}
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.HistoryTimeout)
	defer cancel()
	if err := p.history.RecordResolution(ctx, rec); err != nil {
		p.logger.Warn(ctx, "Failed to record resolution history", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// History returns the most recent resolutions, newest first
func (p *Processor) History(ctx context.Context, limit int) ([]semantic.ResolutionRecord, error) {
	if p.history == nil {
		return []semantic.ResolutionRecord{}, nil
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	records, err := p.history.RecentResolutions(ctx, limit)
	if err != nil {
		return nil, errors.NewDatabaseQueryError(err, "recent resolutions")
	}
	return records, nil
}

// Documents lists the documents of the published index that queries may use, optionally of one type
func (p *Processor) Documents(objectType semantic.ObjectType) []*semantic.Document {
	idx := p.store.Current()
	var docs []*semantic.Document
	if objectType == "" {
		docs = idx.Documents()
	} else {
		docs = idx.DocumentsOfType(objectType)
	}

	out := make([]*semantic.Document, 0, len(docs))
	for _, d := range docs {
		if d.Allowed {
			out = append(out, d)
		}
	}
	return out
}

// Reload rebuilds the semantic index from its source
func (p *Processor) Reload(ctx context.Context) (*semantic.Index, error) {
	old := p.store.Current().Version()
	idx, err := p.store.Reload(ctx)
	if err != nil {
		return nil, errors.NewSemanticLayerError(err, "the configured source")
	}
	p.logger.Info(ctx, "Semantic index reloaded", map[string]interface{}{
		"previous_version": old,
		"version":          idx.Version(),
		"documents":        idx.Len(),
	})
	return idx, nil
}

// DescribeIndex reports the published index for health checks
func (p *Processor) DescribeIndex() (string, int, bool) {
	idx := p.store.Current()
	if idx == nil {
		return "", 0, false
	}
	return idx.Version(), idx.Len(), true
}
