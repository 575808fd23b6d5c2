package semantic_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seanankenbruck/semantic-bi/internal/semantic"
	"github.com/seanankenbruck/semantic-bi/internal/semantic/semantictest"
)

func TestBuild_Documents(t *testing.T) {
	idx := semantictest.Index(t)

	balance := semantictest.MustLookup(t, idx, "deposit_balance_daily.deposit_balance")
	assert.Equal(t, semantic.ObjectMetric, balance.ObjectType)
	assert.Equal(t, semantic.AggSum, balance.Aggregation)
	assert.Equal(t, "fact_deposit_balance_daily", balance.Table)
	assert.Equal(t, "fact_deposit_balance_daily.balance", balance.Expr)
	assert.Contains(t, balance.Aliases, "deposit amount")
	assert.Contains(t, balance.Aliases, "deposit balance")
	assert.Contains(t, balance.Aliases, "fact deposit balance daily.balance")
	assert.True(t, balance.Allowed)

	idNumber := semantictest.MustLookup(t, idx, "customer.id_number")
	assert.Equal(t, semantic.ObjectField, idNumber.ObjectType)
	assert.False(t, idNumber.Allowed)
	assert.True(t, idNumber.Sensitive)

	bizDate := semantictest.MustLookup(t, idx, "deposit_balance_daily.biz_date")
	assert.True(t, bizDate.IsTime)
	assert.Equal(t, semantic.ObjectDimension, bizDate.ObjectType)

	ds, ok := idx.Dataset("deposit_balance_daily")
	require.True(t, ok)
	assert.Equal(t, "biz_date", ds.TimeDimension)
	assert.Equal(t, []string{"biz_date", "currency"}, ds.Dimensions)
	assert.Equal(t, []string{"deposit_balance", "account_count"}, ds.Metrics)

	td, ok := idx.TimeDimension("deposit_balance_daily")
	require.True(t, ok)
	assert.Equal(t, bizDate, td)
	_, ok = idx.TimeDimension("web_traffic")
	assert.False(t, ok)

	assert.Equal(t, "dim_branch", idx.TableOf("branch"))
	assert.True(t, idx.IsDataset("web_traffic"))
	assert.False(t, idx.IsDataset("branch"))
	assert.Equal(t, semantic.Policy{RequireTimeFilter: true, MaxRows: 1000, DefaultWindowDays: 30}, idx.Policy())
	assert.Len(t, idx.Datasets(), 3)
	assert.Len(t, idx.DocumentsOfType(semantic.ObjectEntity), 4)
}

func TestIndex_Version(t *testing.T) {
	a := semantictest.Index(t)
	b := semantictest.Index(t)
	assert.Equal(t, a.Version(), b.Version())
	assert.Len(t, a.Version(), 12)

	changed := strings.Replace(semantictest.LayerYAML, "max_rows: 1000", "max_rows: 500", 1)
	def, err := semantic.ParseLayer([]byte(changed))
	require.NoError(t, err)
	c, err := semantic.Build(def)
	require.NoError(t, err)
	assert.NotEqual(t, a.Version(), c.Version())
}

func TestIndex_JoinGraph(t *testing.T) {
	idx := semantictest.Index(t)

	assert.True(t, idx.Reachable("deposit_balance_daily", "calendar"))
	assert.True(t, idx.Reachable("calendar", "branch"))
	assert.False(t, idx.Reachable("deposit_balance_daily", "web_traffic"))
	assert.True(t, idx.Connected([]string{"deposit_balance_daily", "loan_balance_daily"}))
	assert.False(t, idx.Connected([]string{"deposit_balance_daily", "web_traffic"}))
	assert.True(t, idx.Connected([]string{"web_traffic"}))

	steps, ok := idx.JoinPath("deposit_balance_daily", []string{"branch", "calendar", "branch"})
	require.True(t, ok)
	assert.Equal(t, []semantic.JoinStep{
		{From: "deposit_balance_daily", To: "branch", Table: "dim_branch", On: "fact_deposit_balance_daily.branch_id = dim_branch.id"},
		{From: "deposit_balance_daily", To: "loan_balance_daily", Table: "fact_loan_balance_daily", On: "fact_deposit_balance_daily.customer_id = fact_loan_balance_daily.customer_id"},
		{From: "loan_balance_daily", To: "calendar", Table: "dim_calendar", On: "fact_loan_balance_daily.biz_date = dim_calendar.day"},
	}, steps)

	_, ok = idx.JoinPath("deposit_balance_daily", []string{"campaign"})
	assert.False(t, ok)

	steps, ok = idx.JoinPath("web_traffic", nil)
	assert.True(t, ok)
	assert.Empty(t, steps)
}

func TestEmptyIndex(t *testing.T) {
	idx := semantic.NewEmptyIndex()
	assert.Equal(t, 0, idx.Len())
	assert.NotEmpty(t, idx.Version())
	_, ok := idx.Lookup("anything.at_all")
	assert.False(t, ok)
}
