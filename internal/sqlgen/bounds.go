package sqlgen

import (
	"fmt"

	"github.com/seanankenbruck/semantic-bi/internal/plan"
	"github.com/seanankenbruck/semantic-bi/internal/semantic"
)

// BoundsQuery reads the available [min, max] of a dataset's time dimension
type BoundsQuery struct {
	SQL      string                 `json:"sql"`
	Dataset  string                 `json:"dataset"`
	Field    plan.CanonicalFieldRef `json:"field"`
	MinAlias string                 `json:"min_alias"`
	MaxAlias string                 `json:"max_alias"`
}

// TimeBounds builds the MIN/MAX query over the time dimension of dataset
func TimeBounds(idx *semantic.Index, dataset string) (*BoundsQuery, error) {
	ds, ok := idx.Dataset(dataset)
	if !ok {
		return nil, fmt.Errorf("unknown dataset %s", dataset)
	}
	td, ok := idx.TimeDimension(dataset)
	if !ok {
		return nil, fmt.Errorf("dataset %s has no time dimension", dataset)
	}

	q := &BoundsQuery{
		Dataset:  dataset,
		Field:    plan.RefOf(td),
		MinAlias: "min_" + td.Name,
		MaxAlias: "max_" + td.Name,
	}
	q.SQL = fmt.Sprintf("SELECT MIN(%s) AS %s, MAX(%s) AS %s\nFROM %s", td.Expr, q.MinAlias, td.Expr, q.MaxAlias, ds.From)
	return q, nil
}
