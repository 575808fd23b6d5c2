package semantic_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seanankenbruck/semantic-bi/internal/semantic"
)

func TestParseLayer_RejectsUnknownKeys(t *testing.T) {
	_, err := semantic.ParseLayer([]byte("semantic_layer:\n  datasetz: {}\n"))
	assert.Error(t, err)
}

func TestParseLayer_Empty(t *testing.T) {
	def, err := semantic.ParseLayer(nil)
	require.NoError(t, err)

	idx, err := semantic.Build(def)
	require.NoError(t, err)
	assert.Equal(t, 0, idx.Len())
}

func TestBuild_Problems(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		problem string
	}{
		{
			name: "missing from",
			yaml: `
semantic_layer:
  datasets:
    sales:
      metrics: [{name: revenue}]
`,
			problem: "dataset sales: from is required",
		},
		{
			name: "unknown join target",
			yaml: `
semantic_layer:
  datasets:
    sales:
      from: fact_sales
      joins: [{entity: store, on: a = b}]
`,
			problem: "join target store is not defined",
		},
		{
			name: "join to a dataset declared as entity",
			yaml: `
semantic_layer:
  entities:
    store: {table: dim_store}
  datasets:
    sales:
      from: fact_sales
      joins: [{dataset: store, on: a = b}]
`,
			problem: "join target store is not a dataset",
		},
		{
			name: "join without condition",
			yaml: `
semantic_layer:
  entities:
    store: {table: dim_store}
  datasets:
    sales:
      from: fact_sales
      joins: [{entity: store}]
`,
			problem: "join to store has no condition",
		},
		{
			name: "duplicate name in scope",
			yaml: `
semantic_layer:
  datasets:
    sales:
      from: fact_sales
      metrics: [{name: revenue}]
      dimensions: [{name: revenue}]
`,
			problem: `sales: duplicate name "revenue"`,
		},
		{
			name: "unknown metric type",
			yaml: `
semantic_layer:
  datasets:
    sales:
      from: fact_sales
      metrics: [{name: revenue, type: median}]
`,
			problem: `unknown metric type "median"`,
		},
		{
			name: "scope collision",
			yaml: `
semantic_layer:
  entities:
    sales: {table: dim_sales}
  datasets:
    sales:
      from: fact_sales
`,
			problem: `dataset "sales" collides with entity`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, err := semantic.ParseLayer([]byte(tt.yaml))
			require.NoError(t, err)

			_, err = semantic.Build(def)
			var buildErr *semantic.BuildError
			require.ErrorAs(t, err, &buildErr)
			assert.Contains(t, buildErr.Error(), tt.problem)
		})
	}
}

func TestBuild_SensitiveFieldCanBeAllowed(t *testing.T) {
	def, err := semantic.ParseLayer([]byte(`
semantic_layer:
  entities:
    customer:
      table: dim_customer
      sensitive_fields:
        - {name: birth_year, allowed: true}
        - {name: id_number}
`))
	require.NoError(t, err)
	idx, err := semantic.Build(def)
	require.NoError(t, err)

	birth, ok := idx.Lookup("customer.birth_year")
	require.True(t, ok)
	assert.True(t, birth.Allowed)
	assert.True(t, birth.Sensitive)
	assert.Equal(t, "birth_year", birth.Expr)

	id, ok := idx.Lookup("customer.id_number")
	require.True(t, ok)
	assert.False(t, id.Allowed)
}
