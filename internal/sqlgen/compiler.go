// Package sqlgen compiles validated plans into deterministic, parameterized SQL
package sqlgen

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/seanankenbruck/semantic-bi/internal/errors"
	"github.com/seanankenbruck/semantic-bi/internal/plan"
	"github.com/seanankenbruck/semantic-bi/internal/semantic"
)

// Dialect selects the bind placeholder style
type Dialect string

const (
	// DialectQuestion uses ? placeholders (sqlite, mysql)
	DialectQuestion Dialect = "question"
	// DialectDollar uses $1, $2 placeholders (postgres)
	DialectDollar Dialect = "dollar"
)

// DialectFor returns the placeholder dialect of a database/sql driver name
func DialectFor(driver string) Dialect {
	switch driver {
	case "postgres", "pgx", "cloudsqlpostgres":
		return DialectDollar
	}
	return DialectQuestion
}

// SelectItem is one column of the SELECT list
type SelectItem struct {
	Canonical string `json:"canonical"`
	Expr      string `json:"expr"`
	Alias     string `json:"alias"`
	Metric    bool   `json:"metric"`
}

// CompiledQuery is the SQL text of a plan with its bound values
type CompiledQuery struct {
	SQL          string              `json:"sql"`
	Params       []interface{}       `json:"params"`
	SelectList   []SelectItem        `json:"select_list"`
	GroupBy      []string            `json:"group_by,omitempty"`
	Dataset      string              `json:"dataset"`
	Joins        []semantic.JoinStep `json:"joins,omitempty"`
	Limit        int                 `json:"limit"`
	Fingerprint  string              `json:"fingerprint"`
	IndexVersion string              `json:"index_version"`
	Plan         *plan.CandidatePlan `json:"-"`
}

// Compiler turns validated plans into SQL
type Compiler struct {
	Dialect Dialect
	// MaxRows caps LIMIT together with the semantic layer's max_rows
	MaxRows int
}

// NewCompiler creates a compiler
func NewCompiler(dialect Dialect, maxRows int) *Compiler {
	return &Compiler{Dialect: dialect, MaxRows: maxRows}
}

type builder struct {
	dialect Dialect
	params  []interface{}
}

func (b *builder) bind(v interface{}) string {
	b.params = append(b.params, v)
	if b.dialect == DialectDollar {
		return "$" + strconv.Itoa(len(b.params))
	}
	return "?"
}

// Compile emits the SQL for p. The same plan and index always yield byte-identical SQL.
// References are re-resolved against idx; a disallowed one is refused even if the plan
// claims otherwise.
func (c *Compiler) Compile(idx *semantic.Index, p *plan.CandidatePlan) (*CompiledQuery, error) {
	metrics, err := resolveRefs(idx, p.Metrics)
	if err != nil {
		return nil, err
	}
	dims, err := resolveRefs(idx, p.Dimensions)
	if err != nil {
		return nil, err
	}

	filters := orderFilters(p.Filters)
	filterDocs := make([]*semantic.Document, len(filters))
	for i, f := range filters {
		docs, err := resolveRefs(idx, []plan.CanonicalFieldRef{f.Field})
		if err != nil {
			return nil, err
		}
		filterDocs[i] = docs[0]
	}

	primary := p.PrimaryDataset(idx)
	ds, ok := idx.Dataset(primary)
	if !ok {
		return nil, errors.NewCompilationError(fmt.Errorf("plan has no dataset to select from"))
	}

	// scopes in the order they are required: metrics, dimensions, filters
	var targets []string
	seen := map[string]bool{primary: true}
	for _, group := range [][]*semantic.Document{metrics, dims, filterDocs} {
		for _, doc := range group {
			if !seen[doc.Dataset] {
				seen[doc.Dataset] = true
				targets = append(targets, doc.Dataset)
			}
		}
	}
	joins, ok := idx.JoinPath(primary, targets)
	if !ok {
		return nil, errors.NewCompilationError(fmt.Errorf("no join path from %s to %s", primary, strings.Join(targets, ", ")))
	}

	q := &CompiledQuery{
		Dataset:      primary,
		Joins:        joins,
		Limit:        c.limit(idx, p.Limit),
		Fingerprint:  p.Fingerprint(),
		IndexVersion: idx.Version(),
		Plan:         p,
	}

	// type none expressions aggregate themselves, so any metric groups the dimensions
	aggregate := len(metrics) > 0
	selected := make(map[string]bool)
	for _, m := range metrics {
		if selected[m.CanonicalName()] {
			continue
		}
		selected[m.CanonicalName()] = true
		q.SelectList = append(q.SelectList, SelectItem{
			Canonical: m.CanonicalName(),
			Expr:      m.Aggregation.Apply(m.Expr),
			Alias:     Alias(m.CanonicalName()),
			Metric:    true,
		})
	}
	for _, d := range dims {
		if selected[d.CanonicalName()] {
			continue
		}
		selected[d.CanonicalName()] = true
		q.SelectList = append(q.SelectList, SelectItem{
			Canonical: d.CanonicalName(),
			Expr:      d.Expr,
			Alias:     Alias(d.CanonicalName()),
		})
		if aggregate {
			q.GroupBy = append(q.GroupBy, d.Expr)
		}
	}

	b := &builder{dialect: c.Dialect}
	var where []string
	for i, f := range filters {
		cond, err := b.condition(filterDocs[i].Expr, f)
		if err != nil {
			return nil, err
		}
		where = append(where, cond)
	}
	q.Params = b.params

	cols := make([]string, len(q.SelectList))
	for i, item := range q.SelectList {
		cols[i] = item.Expr + " AS " + item.Alias
	}

	lines := []string{
		"SELECT " + strings.Join(cols, ", "),
		"FROM " + ds.From,
	}
	for _, j := range joins {
		lines = append(lines, "LEFT JOIN "+j.Table+" ON "+j.On)
	}
	if len(where) > 0 {
		lines = append(lines, "WHERE "+strings.Join(where, " AND "))
	}
	if len(q.GroupBy) > 0 {
		lines = append(lines, "GROUP BY "+strings.Join(q.GroupBy, ", "))
	}
	lines = append(lines, "LIMIT "+strconv.Itoa(q.Limit))
	q.SQL = strings.Join(lines, "\n")

	return q, nil
}

// Alias is the output column name of a canonical field
func Alias(canonical string) string {
	return strings.ReplaceAll(canonical, ".", "_")
}

func (c *Compiler) limit(idx *semantic.Index, requested int) int {
	max := c.MaxRows
	if policy := idx.Policy().MaxRows; policy > 0 && (max <= 0 || policy < max) {
		max = policy
	}
	if requested <= 0 || (max > 0 && requested > max) {
		return max
	}
	return requested
}

func resolveRefs(idx *semantic.Index, refs []plan.CanonicalFieldRef) ([]*semantic.Document, error) {
	docs := make([]*semantic.Document, 0, len(refs))
	for _, ref := range refs {
		doc, ok := idx.Lookup(ref.Canonical())
		if !ok || doc.ObjectType != ref.ObjectType {
			return nil, errors.New(errors.ErrCodeInvalidCanonicalRef,
				fmt.Sprintf("%s is not in the semantic layer", ref.Canonical()))
		}
		if !ref.Allowed || !doc.Allowed {
			return nil, errors.New(errors.ErrCodeBlockedMatch,
				fmt.Sprintf("%s is restricted and cannot be compiled", ref.Canonical())).
				WithMetadata("offending_refs", []string{ref.Canonical()})
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// orderFilters puts the time filter first and keeps the rest in selection order
func orderFilters(filters []plan.CanonicalFilter) []plan.CanonicalFilter {
	out := make([]plan.CanonicalFilter, 0, len(filters))
	first := -1
	for i, f := range filters {
		if f.Field.IsTime {
			first = i
			out = append(out, f)
			break
		}
	}
	for i, f := range filters {
		if i != first {
			out = append(out, f)
		}
	}
	return out
}

func (b *builder) condition(expr string, f plan.CanonicalFilter) (string, error) {
	switch f.Operator {
	case plan.OpBetween:
		if len(f.Values) != 2 {
			return "", errors.NewCompilationError(fmt.Errorf("between on %s needs two values", f.Field.Canonical()))
		}
		return fmt.Sprintf("%s BETWEEN %s AND %s", expr, b.bind(f.Values[0]), b.bind(f.Values[1])), nil
	case plan.OpIn, plan.OpNotIn:
		if len(f.Values) == 0 {
			return "", errors.NewCompilationError(fmt.Errorf("%s on %s needs values", f.Operator, f.Field.Canonical()))
		}
		marks := make([]string, len(f.Values))
		for i, v := range f.Values {
			marks[i] = b.bind(v)
		}
		return fmt.Sprintf("%s %s (%s)", expr, f.Operator.SQL(), strings.Join(marks, ", ")), nil
	case plan.OpIsNull, plan.OpIsNotNull:
		return expr + " " + f.Operator.SQL(), nil
	case plan.OpEq, plan.OpNe, plan.OpGt, plan.OpGte, plan.OpLt, plan.OpLte, plan.OpLike:
		if len(f.Values) != 1 {
			return "", errors.NewCompilationError(fmt.Errorf("%s on %s needs one value", f.Operator, f.Field.Canonical()))
		}
		return fmt.Sprintf("%s %s %s", expr, f.Operator.SQL(), b.bind(f.Values[0])), nil
	}
	return "", errors.NewCompilationError(fmt.Errorf("unsupported operator %q", f.Operator))
}
