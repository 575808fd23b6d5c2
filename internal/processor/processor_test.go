package processor

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seanankenbruck/semantic-bi/internal/diagnostics"
	"github.com/seanankenbruck/semantic-bi/internal/errors"
	"github.com/seanankenbruck/semantic-bi/internal/governance"
	"github.com/seanankenbruck/semantic-bi/internal/observability"
	"github.com/seanankenbruck/semantic-bi/internal/plan"
	"github.com/seanankenbruck/semantic-bi/internal/retrieval"
	"github.com/seanankenbruck/semantic-bi/internal/semantic"
	"github.com/seanankenbruck/semantic-bi/internal/semantic/semantictest"
	"github.com/seanankenbruck/semantic-bi/internal/session"
	"github.com/seanankenbruck/semantic-bi/internal/sqlgen"
	"github.com/seanankenbruck/semantic-bi/internal/warehouse"
	"github.com/seanankenbruck/semantic-bi/internal/warehouse/warehousetest"
)

func quietLogger() *observability.Logger {
	return observability.NewLogger("processor").WithOutput(io.Discard)
}

// memoryHistory keeps resolution records in insertion order
type memoryHistory struct {
	mu      sync.Mutex
	records []semantic.ResolutionRecord
}

func (h *memoryHistory) RecordResolution(ctx context.Context, rec semantic.ResolutionRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
	return nil
}

func (h *memoryHistory) RecentResolutions(ctx context.Context, limit int) ([]semantic.ResolutionRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]semantic.ResolutionRecord, 0, limit)
	for i := len(h.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, h.records[i])
	}
	return out, nil
}

func (h *memoryHistory) last(t *testing.T) semantic.ResolutionRecord {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(t, h.records)
	return h.records[len(h.records)-1]
}

type failingReranker struct{}

func (failingReranker) Rerank(ctx context.Context, text string, keywords []string, vocabulary []*semantic.Document) (*plan.Proposal, error) {
	return nil, fmt.Errorf("model unavailable")
}

// clarifyingReranker selects deposits by region but flags the request as ambiguous
type clarifyingReranker struct{}

func (clarifyingReranker) Rerank(ctx context.Context, text string, keywords []string, vocabulary []*semantic.Document) (*plan.Proposal, error) {
	return &plan.Proposal{
		TargetMetrics:     []string{"deposit_balance_daily.deposit_balance"},
		TargetDimensions:  []string{"branch.region"},
		Confidence:        0.5,
		NeedClarification: true,
	}, nil
}

// countingExecutor counts warehouse round trips
type countingExecutor struct {
	warehouse.Executor
	calls int
}

func (c *countingExecutor) Execute(ctx context.Context, query string, params []interface{}) (*warehouse.Result, error) {
	c.calls++
	return c.Executor.Execute(ctx, query, params)
}

type fixture struct {
	proc    *Processor
	store   *semantic.Store
	redis   *miniredis.Miniredis
	history *memoryHistory
}

func newFixture(t *testing.T, opts ...func(*Dependencies)) *fixture {
	t.Helper()
	logger := quietLogger()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	store := semantic.NewStore(semantictest.Index(t), nil)
	validator := governance.NewValidator(false)
	compiler := sqlgen.NewCompiler(sqlgen.DialectQuestion, 1000)
	executor := warehouse.NewSQLExecutor(warehousetest.Open(t), warehouse.Config{Driver: "sqlite3"}, logger)
	history := &memoryHistory{}

	deps := Dependencies{
		Store:     store,
		Merger:    plan.NewMerger(plan.PreferPrimary, logger),
		Validator: validator,
		Compiler:  compiler,
		Executor:  executor,
		Diagnoser: diagnostics.NewDiagnoser(executor, validator, compiler, diagnostics.Config{}, logger),
		Cache:     NewQueryCache(rdb, time.Minute),
		Pending:   session.NewManager(rdb, time.Minute),
		History:   history,
		Logger:    logger,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	proc, err := NewProcessor(deps, ProcessorConfig{})
	require.NoError(t, err)
	return &fixture{proc: proc, store: store, redis: mr, history: history}
}

func depositsByRegion(start, end string) plan.QueryFeatureRecord {
	return plan.QueryFeatureRecord{
		RawText:    "deposit balance by region",
		Metrics:    []string{"deposit balance"},
		Dimensions: []string{"region"},
		TimeStart:  start,
		TimeEnd:    end,
	}
}

// withoutRegion is the fixture layer after branch.region was removed
func withoutRegion(t *testing.T) *semantic.Index {
	t.Helper()
	yaml := strings.Replace(semantictest.LayerYAML,
		"        - name: region\n          expr: dim_branch.region\n          synonyms: [area]\n", "", 1)
	require.NotEqual(t, semantictest.LayerYAML, yaml)
	def, err := semantic.ParseLayer([]byte(yaml))
	require.NoError(t, err)
	idx, err := semantic.Build(def)
	require.NoError(t, err)
	return idx
}

func TestNewProcessor_RequiresStages(t *testing.T) {
	_, err := NewProcessor(Dependencies{}, ProcessorConfig{})
	assert.ErrorContains(t, err, "semantic store")

	_, err = NewProcessor(Dependencies{Store: semantic.NewStore(nil, nil)}, ProcessorConfig{})
	assert.ErrorContains(t, err, "merger")
}

func TestResolve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.proc.Resolve(ctx, &ResolveRequest{Record: depositsByRegion("2026-01-01", "2026-01-31"), UserID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, f.store.Current().Version(), res.IndexVersion)
	assert.True(t, res.Validation.OK())
	assert.Equal(t, []string{"deposit_balance_daily.deposit_balance"}, res.Plan.Metrics)
	assert.Equal(t, []string{"branch.region"}, res.Plan.Dimensions)
	assert.Equal(t, "deposit_balance_daily", res.Plan.Dataset)
	assert.Contains(t, res.SQL, "SUM(fact_deposit_balance_daily.balance)")
	assert.Contains(t, res.SQL, "LEFT JOIN dim_branch")
	assert.Equal(t, []interface{}{"2026-01-01", "2026-01-31"}, res.Params)
	assert.False(t, res.Cached)
	assert.Empty(t, res.ConfirmationID)

	rec := f.history.last(t)
	assert.Equal(t, StatusResolved, rec.Status)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, res.SQL, rec.SQL)
	assert.Contains(t, string(rec.Plan), "branch.region")
}

func TestResolve_Failures(t *testing.T) {
	tests := []struct {
		name           string
		record         plan.QueryFeatureRecord
		wantCode       errors.ErrorCode
		wantResolution bool
		wantStatus     string
	}{
		{
			name:       "empty record",
			record:     plan.QueryFeatureRecord{},
			wantCode:   errors.ErrCodeMissingRequired,
			wantStatus: StatusFailed,
		},
		{
			name:       "unparseable time range",
			record:     depositsByRegion("last tuesday", ""),
			wantCode:   errors.ErrCodeInvalidInput,
			wantStatus: StatusFailed,
		},
		{
			name: "restricted field",
			record: plan.QueryFeatureRecord{
				Metrics:    []string{"deposit balance"},
				Dimensions: []string{"id_number"},
				TimeStart:  "2026-01-01",
				TimeEnd:    "2026-01-31",
			},
			wantCode:       errors.ErrCodeBlockedMatch,
			wantResolution: true,
			wantStatus:     StatusBlocked,
		},
		{
			name:           "missing time filter",
			record:         plan.QueryFeatureRecord{Metrics: []string{"deposit balance"}},
			wantCode:       errors.ErrCodeTimeFilterRequired,
			wantResolution: true,
			wantStatus:     StatusBlocked,
		},
		{
			name:           "open time range",
			record:         depositsByRegion("2026-01-01", ""),
			wantCode:       errors.ErrCodeTimeAxisIncomplete,
			wantResolution: true,
			wantStatus:     StatusBlocked,
		},
		{
			name:           "nothing matched",
			record:         plan.QueryFeatureRecord{RawText: "weather", Metrics: []string{"weather"}},
			wantCode:       errors.ErrCodeEmptySelection,
			wantResolution: true,
			wantStatus:     StatusBlocked,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			res, err := f.proc.Resolve(context.Background(), &ResolveRequest{Record: tt.record})
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, errors.CodeOf(err))

			if tt.wantResolution {
				require.NotNil(t, res)
				assert.False(t, res.Validation.OK())
				assert.Equal(t, tt.wantCode, res.Validation.ErrorCode)
				assert.Empty(t, res.SQL, "blocked plans are never compiled")
			} else {
				assert.Nil(t, res)
			}
			assert.Equal(t, tt.wantStatus, f.history.last(t).Status)
			assert.Equal(t, string(tt.wantCode), f.history.last(t).ErrorCode)
		})
	}
}

func TestResolve_Cancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.proc.Resolve(ctx, &ResolveRequest{Record: depositsByRegion("2026-01-01", "2026-01-31")})
	assert.Equal(t, errors.ErrCodeRequestCancelled, errors.CodeOf(err))
	assert.Equal(t, StatusCancelled, f.history.last(t).Status, "history outlives the cancelled request")
}

func TestResolve_CacheIsKeyedByIndexVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := &ResolveRequest{Record: depositsByRegion("2026-01-01", "2026-01-31")}

	first, err := f.proc.Resolve(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.True(t, f.redis.Exists(f.proc.cache.Key(first.IndexVersion, first.candidate.Fingerprint())))

	second, err := f.proc.Resolve(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.SQL, second.SQL)
	assert.Equal(t, first.Params, second.Params)

	// a new index version never reads entries compiled against the old one
	yaml := strings.Replace(semantictest.LayerYAML, "synonyms: [area]", "synonyms: [area, zone]", 1)
	def, err := semantic.ParseLayer([]byte(yaml))
	require.NoError(t, err)
	idx, err := semantic.Build(def)
	require.NoError(t, err)
	require.NotEqual(t, first.IndexVersion, idx.Version())
	f.store.Swap(idx)

	third, err := f.proc.Resolve(ctx, req)
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.Equal(t, idx.Version(), third.IndexVersion)
}

func TestResolve_CacheUnavailable(t *testing.T) {
	f := newFixture(t)
	f.redis.Close()

	res, err := f.proc.Resolve(context.Background(), &ResolveRequest{Record: depositsByRegion("2026-01-01", "2026-01-31")})
	require.NoError(t, err, "cache failures fall back to compiling")
	assert.NotEmpty(t, res.SQL)
	assert.False(t, res.Cached)
}

func TestResolve_DegradedRetrieval(t *testing.T) {
	f := newFixture(t, func(d *Dependencies) {
		cfg := retrieval.DefaultConfig()
		d.Augmenter = retrieval.NewAugmenter(nil, failingReranker{}, cfg, quietLogger())
	})

	res, err := f.proc.Resolve(context.Background(), &ResolveRequest{Record: depositsByRegion("2026-01-01", "2026-01-31")})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.InDelta(t, 0.4, res.Plan.Confidence, 1e-9)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "model unavailable")
	assert.Equal(t, []string{"deposit_balance_daily.deposit_balance"}, res.Plan.Metrics)
}

func TestQuery(t *testing.T) {
	f := newFixture(t)

	resp, err := f.proc.Query(context.Background(), &ResolveRequest{Record: depositsByRegion("2026-01-01", "2026-01-31")})
	require.NoError(t, err)

	require.NotNil(t, resp.Results)
	assert.Equal(t, 2, resp.Results.TotalRows)
	assert.Nil(t, resp.Diagnostics)
	assert.Equal(t, resp.Resolution.SQL, resp.ExecutedSQL)

	regions := make([]string, 0, 2)
	for _, row := range resp.Results.Rows {
		regions = append(regions, row["branch_region"].(string))
	}
	sort.Strings(regions)
	assert.Equal(t, []string{"region_A", "region_B"}, regions)

	stats := resp.Results.Statistics["deposit_balance_daily_deposit_balance"]
	require.NotNil(t, stats)
	assert.InDelta(t, 5500, stats.Sum, 1e-9)
	assert.InDelta(t, 2500, stats.Min, 1e-9)
	assert.InDelta(t, 3000, stats.Max, 1e-9)

	assert.Equal(t, StatusExecuted, f.history.last(t).Status)
}

func TestQuery_EmptyRangeIsDiagnosedAndRetried(t *testing.T) {
	f := newFixture(t)

	resp, err := f.proc.Query(context.Background(), &ResolveRequest{Record: depositsByRegion("2024-01-01", "2024-12-31")})
	require.NoError(t, err)

	require.NotNil(t, resp.Diagnostics)
	assert.Equal(t, diagnostics.StatusSubstituted, resp.Diagnostics.Status)
	assert.Equal(t, 2, resp.Results.TotalRows)
	assert.NotEqual(t, resp.Resolution.SQL, "", "the original SQL is still reported")

	require.NotEmpty(t, resp.Resolution.Plan.Filters)
	tf := resp.Resolution.Plan.Filters[0]
	assert.Equal(t, []interface{}{"2026-01-01", "2026-01-31"}, tf.Values)
	assert.Equal(t, plan.SourceAutoAdjusted, tf.Source)
	assert.NotEmpty(t, resp.Resolution.Warnings)
}

func TestQuery_NeedsClarification(t *testing.T) {
	var ex *countingExecutor
	f := newFixture(t, func(d *Dependencies) {
		ex = &countingExecutor{Executor: d.Executor}
		d.Executor = ex
		d.Augmenter = retrieval.NewAugmenter(nil, clarifyingReranker{}, retrieval.DefaultConfig(), quietLogger())
	})

	resp, err := f.proc.Query(context.Background(), &ResolveRequest{Record: depositsByRegion("2026-01-01", "2026-01-31")})
	require.NoError(t, err)

	assert.Equal(t, 0, ex.calls)
	assert.Nil(t, resp.Results)
	assert.Empty(t, resp.ExecutedSQL)
	assert.NotEmpty(t, resp.Clarification)
	assert.True(t, resp.Resolution.Plan.NeedClarification)
	assert.NotEmpty(t, resp.Resolution.SQL, "the resolved SQL is still returned")
	assert.Equal(t, StatusClarification, f.history.last(t).Status)

	// a query without the flag still runs
	f = newFixture(t, func(d *Dependencies) {
		ex = &countingExecutor{Executor: d.Executor}
		d.Executor = ex
	})
	_, err = f.proc.Query(context.Background(), &ResolveRequest{Record: depositsByRegion("2026-01-01", "2026-01-31")})
	require.NoError(t, err)
	assert.Equal(t, 1, ex.calls)
}

func TestQuery_NoWarehouse(t *testing.T) {
	f := newFixture(t, func(d *Dependencies) {
		d.Executor = nil
		d.Diagnoser = nil
	})

	resp, err := f.proc.Query(context.Background(), &ResolveRequest{Record: depositsByRegion("2026-01-01", "2026-01-31")})
	assert.Equal(t, errors.ErrCodeExecutionFailed, errors.CodeOf(err))
	require.NotNil(t, resp.Resolution)
	assert.NotEmpty(t, resp.Resolution.SQL)
}

func TestConfirm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.proc.Resolve(ctx, &ResolveRequest{
		Record:  depositsByRegion("2026-01-01", "2026-01-31"),
		Confirm: true,
		UserID:  "u1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.ConfirmationID)
	require.NotNil(t, res.ConfirmationExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Minute), *res.ConfirmationExpiresAt, 5*time.Second)
	assert.Equal(t, StatusPending, f.history.last(t).Status)

	t.Run("other user", func(t *testing.T) {
		_, err := f.proc.Confirm(ctx, res.ConfirmationID, "u2")
		assert.Equal(t, errors.ErrCodeConfirmationNotFound, errors.CodeOf(err))
	})

	t.Run("owner executes once", func(t *testing.T) {
		resp, err := f.proc.Confirm(ctx, res.ConfirmationID, "u1")
		require.NoError(t, err)
		assert.Equal(t, 2, resp.Results.TotalRows)
		assert.Equal(t, res.SQL, resp.ExecutedSQL)

		_, err = f.proc.Confirm(ctx, res.ConfirmationID, "u1")
		assert.Equal(t, errors.ErrCodeConfirmationNotFound, errors.CodeOf(err))
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := f.proc.Confirm(ctx, "missing", "u1")
		assert.Equal(t, errors.ErrCodeConfirmationNotFound, errors.CodeOf(err))
	})

	t.Run("expired", func(t *testing.T) {
		res, err := f.proc.Resolve(ctx, &ResolveRequest{Record: depositsByRegion("2026-01-01", "2026-01-31"), Confirm: true})
		require.NoError(t, err)
		f.redis.FastForward(2 * time.Minute)

		_, err = f.proc.Confirm(ctx, res.ConfirmationID, "")
		assert.Equal(t, errors.ErrCodeConfirmationNotFound, errors.CodeOf(err))
	})
}

func TestConfirm_RevalidatesAgainstCurrentIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.proc.Resolve(ctx, &ResolveRequest{Record: depositsByRegion("2026-01-01", "2026-01-31"), Confirm: true})
	require.NoError(t, err)

	f.store.Swap(withoutRegion(t))

	resp, err := f.proc.Confirm(ctx, res.ConfirmationID, "")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidCanonicalRef, errors.CodeOf(err))
	require.NotNil(t, resp)
	assert.Nil(t, resp.Results)
	assert.Contains(t, resp.Resolution.Warnings[len(resp.Resolution.Warnings)-1], "semantic layer changed")
}

func TestConfirm_Disabled(t *testing.T) {
	f := newFixture(t, func(d *Dependencies) { d.Pending = nil })

	_, err := f.proc.Resolve(context.Background(), &ResolveRequest{Record: depositsByRegion("2026-01-01", "2026-01-31"), Confirm: true})
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))

	_, err = f.proc.Confirm(context.Background(), "any", "")
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
}

func TestHistoryAndDocuments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = f.proc.Resolve(ctx, &ResolveRequest{Record: depositsByRegion("2026-01-01", "2026-01-31")})
	}
	records, err := f.proc.History(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	metrics := f.proc.Documents(semantic.ObjectMetric)
	assert.Len(t, metrics, 4)
	for _, d := range f.proc.Documents("") {
		assert.True(t, d.Allowed, d.ID())
		assert.NotEqual(t, "customer.id_number", d.CanonicalName())
	}

	version, docs, loaded := f.proc.DescribeIndex()
	assert.True(t, loaded)
	assert.Equal(t, f.store.Current().Version(), version)
	assert.Equal(t, f.store.Current().Len(), docs)

	_, err = f.proc.Reload(ctx)
	assert.Equal(t, errors.ErrCodeSemanticLayerInvalid, errors.CodeOf(err), "a store without a source cannot reload")
}
