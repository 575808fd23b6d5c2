package plan_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seanankenbruck/semantic-bi/internal/plan"
	"github.com/seanankenbruck/semantic-bi/internal/semantic/semantictest"
)

func TestParseOperator(t *testing.T) {
	tests := []struct {
		in   string
		want plan.Operator
		ok   bool
	}{
		{"=", plan.OpEq, true},
		{"EQ", plan.OpEq, true},
		{"<>", plan.OpNe, true},
		{">=", plan.OpGte, true},
		{"not  in", plan.OpNotIn, true},
		{"Between", plan.OpBetween, true},
		{"is null", plan.OpIsNull, true},
		{"contains", plan.OpLike, true},
		{"!=", plan.OpNe, true},
		{">", plan.OpGt, true},
		{"lt", plan.OpLt, true},
		{"le", plan.OpLte, true},
		{"in", plan.OpIn, true},
		{"nin", plan.OpNotIn, true},
		{"IS NOT NULL", plan.OpIsNotNull, true},
		{"roughly", plan.Operator("roughly"), false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			op, ok := plan.ParseOperator(tt.in)
			assert.Equal(t, tt.want, op)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.ok, op.Valid())
		})
	}

	min, max := plan.OpBetween.Arity()
	assert.Equal(t, 2, min)
	assert.Equal(t, 2, max)
	min, max = plan.OpIn.Arity()
	assert.Equal(t, 1, min)
	assert.Equal(t, -1, max)
	assert.Equal(t, "NOT IN", plan.OpNotIn.SQL())
}

func TestRawFilter_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name string
		json string
		want plan.RawFilter
	}{
		{
			name: "long form",
			json: `{"field":"region","operator":"in","values":["a","b"]}`,
			want: plan.RawFilter{Field: "region", Operator: "in", Values: []interface{}{"a", "b"}},
		},
		{
			name: "short form with scalar",
			json: `{"field":"region","op":"=","value":"a"}`,
			want: plan.RawFilter{Field: "region", Operator: "=", Values: []interface{}{"a"}},
		},
		{
			name: "short form with list",
			json: `{"field":"biz_date","op":"between","value":["2024-01-01","2024-02-01"]}`,
			want: plan.RawFilter{Field: "biz_date", Operator: "between", Values: []interface{}{"2024-01-01", "2024-02-01"}},
		},
		{
			name: "null value",
			json: `{"field":"region","op":"=","value":null}`,
			want: plan.RawFilter{Field: "region", Operator: "=", Values: []interface{}{nil}},
		},
		{
			name: "no value",
			json: `{"field":"region","op":"is null"}`,
			want: plan.RawFilter{Field: "region", Operator: "is null"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got plan.RawFilter
			require.NoError(t, json.Unmarshal([]byte(tt.json), &got))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestQueryFeatureRecord(t *testing.T) {
	r := plan.QueryFeatureRecord{
		Metrics:    []string{"deposit balance", " deposit balance "},
		Dimensions: []string{"region"},
		Filters:    []plan.RawFilter{{Field: "region"}, {Field: "currency"}},
	}
	assert.Equal(t, []string{"deposit balance", "region", "currency"}, r.Keywords())
	assert.Len(t, r.Terms(), 5)
	assert.False(t, r.HasTimeRange())
	assert.NoError(t, r.Validate())

	tests := []struct {
		name   string
		record plan.QueryFeatureRecord
	}{
		{"bad start", plan.QueryFeatureRecord{TimeStart: "last year"}},
		{"bad end", plan.QueryFeatureRecord{TimeEnd: "2024-13-01"}},
		{"reversed", plan.QueryFeatureRecord{TimeStart: "2024-02-01", TimeEnd: "2024-01-01"}},
		{"negative limit", plan.QueryFeatureRecord{Limit: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.record.Validate())
		})
	}
}

func TestParseTime(t *testing.T) {
	for _, v := range []interface{}{"2024-01-31", "2024-01-31T10:00:00Z", "2024-01-31 10:00:00", []byte("2024-01-31")} {
		got, ok := plan.ParseTime(v)
		require.True(t, ok, v)
		assert.Equal(t, 2024, got.Year())
		assert.Equal(t, 31, got.Day())
	}
	_, ok := plan.ParseTime(42)
	assert.False(t, ok)
}

func testPlan(t *testing.T) *plan.CandidatePlan {
	idx := semantictest.Index(t)
	return &plan.CandidatePlan{
		Metrics:    []plan.CanonicalFieldRef{plan.RefOf(semantictest.MustLookup(t, idx, "deposit_balance_daily.deposit_balance"))},
		Dimensions: []plan.CanonicalFieldRef{plan.RefOf(semantictest.MustLookup(t, idx, "branch.region"))},
		Filters: []plan.CanonicalFilter{{
			Field:    plan.RefOf(semantictest.MustLookup(t, idx, "deposit_balance_daily.currency")),
			Operator: plan.OpIn,
			Values:   []interface{}{"USD", "EUR"},
			Source:   plan.SourceUser,
		}},
		Dataset:    "deposit_balance_daily",
		Confidence: 0.8,
	}
}

func TestCandidatePlan_TimeFilter(t *testing.T) {
	idx := semantictest.Index(t)
	p := testPlan(t)
	bizDate := plan.RefOf(semantictest.MustLookup(t, idx, "deposit_balance_daily.biz_date"))

	_, i := p.TimeFilter()
	assert.Equal(t, -1, i)

	first := plan.CanonicalFilter{Field: bizDate, Operator: plan.OpBetween, Values: []interface{}{"2024-01-01", "2024-12-31"}, Source: plan.SourceTimeRange}
	assert.True(t, p.BindTimeFilter(first))

	second := plan.CanonicalFilter{Field: bizDate, Operator: plan.OpGte, Values: []interface{}{"2020-01-01"}, Source: plan.SourceUser}
	assert.False(t, p.BindTimeFilter(second))

	tf, i := p.TimeFilter()
	assert.Equal(t, 0, i)
	assert.Equal(t, first, tf)

	adjusted := plan.CanonicalFilter{Field: bizDate, Operator: plan.OpBetween, Values: []interface{}{"2026-01-01", "2026-01-31"}, Source: plan.SourceAutoAdjusted}
	p.ReplaceTimeFilter(adjusted)
	tf, _ = p.TimeFilter()
	assert.Equal(t, adjusted, tf)
	assert.Len(t, p.Filters, 2)
}

func TestCandidatePlan_CloneIsDeep(t *testing.T) {
	p := testPlan(t)
	c := p.Clone()

	c.Metrics[0].Name = "changed"
	c.Filters[0].Values[0] = "GBP"
	c.Warnings = append(c.Warnings, "x")

	assert.Equal(t, "deposit_balance", p.Metrics[0].Name)
	assert.Equal(t, "USD", p.Filters[0].Values[0])
	assert.Empty(t, p.Warnings)
}

func TestCandidatePlan_Fingerprint(t *testing.T) {
	a := testPlan(t)
	b := testPlan(t)
	b.Confidence = 0.1
	b.Warnings = []string{"degraded"}
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	b.Filters[0].Values = []interface{}{"USD"}
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

func TestCandidatePlan_SummaryAndDegrade(t *testing.T) {
	p := testPlan(t)
	p.Degrade(0.5, "recall timed out")

	s := p.Summary()
	assert.Equal(t, []string{"deposit_balance_daily.deposit_balance"}, s.Metrics)
	assert.Equal(t, []string{"branch.region"}, s.Dimensions)
	assert.Equal(t, "deposit_balance_daily", s.Dataset)
	require.Len(t, s.Filters, 1)
	assert.Equal(t, "deposit_balance_daily.currency", s.Filters[0].Field)
	assert.InDelta(t, 0.4, s.Confidence, 1e-9)
	assert.True(t, p.Degraded)
	assert.Equal(t, []string{"recall timed out"}, p.Warnings)
}
