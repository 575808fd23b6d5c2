// Package semantic holds the semantic layer: its documents, the immutable index
// built from the layer definition, and the deterministic token matcher.
package semantic

import "fmt"

// ObjectType is the kind of a semantic document
type ObjectType string

const (
	ObjectMetric    ObjectType = "metric"
	ObjectDimension ObjectType = "dimension"
	ObjectField     ObjectType = "field"
	ObjectDataset   ObjectType = "dataset"
	ObjectEntity    ObjectType = "entity"
)

// Valid reports whether t is a known object type
func (t ObjectType) Valid() bool {
	switch t {
	case ObjectMetric, ObjectDimension, ObjectField, ObjectDataset, ObjectEntity:
		return true
	}
	return false
}

// Aggregation is the aggregate function applied to a metric expression
type Aggregation string

const (
	AggSum           Aggregation = "sum"
	AggAvg           Aggregation = "avg"
	AggCount         Aggregation = "count"
	AggCountDistinct Aggregation = "count_distinct"
	AggMin           Aggregation = "min"
	AggMax           Aggregation = "max"
	// AggNone marks an expression that is already aggregated, e.g. SUM(a)/COUNT(*)
	AggNone Aggregation = "none"
)

// ParseAggregation validates a metric type from the layer definition. Empty means sum.
func ParseAggregation(s string) (Aggregation, error) {
	switch Aggregation(s) {
	case "":
		return AggSum, nil
	case AggSum, AggAvg, AggCount, AggCountDistinct, AggMin, AggMax, AggNone:
		return Aggregation(s), nil
	}
	return "", fmt.Errorf("unknown metric type %q", s)
}

// Apply wraps expr in the aggregate function
func (a Aggregation) Apply(expr string) string {
	switch a {
	case AggSum:
		return "SUM(" + expr + ")"
	case AggAvg:
		return "AVG(" + expr + ")"
	case AggCount:
		return "COUNT(" + expr + ")"
	case AggCountDistinct:
		return "COUNT(DISTINCT " + expr + ")"
	case AggMin:
		return "MIN(" + expr + ")"
	case AggMax:
		return "MAX(" + expr + ")"
	}
	return expr
}

// Document is one entry of the semantic index. Documents are immutable once the
// index is built; callers must not modify the slices they expose.
type Document struct {
	ObjectType ObjectType `json:"object_type"`
	Name       string     `json:"name"`
	// Dataset is the owning dataset or entity. For dataset and entity documents it equals Name.
	Dataset     string      `json:"dataset"`
	Table       string      `json:"table,omitempty"`
	Expr        string      `json:"expr,omitempty"`
	Aggregation Aggregation `json:"aggregation,omitempty"`
	Aliases     []string    `json:"aliases"`
	Allowed     bool        `json:"allowed"`
	Sensitive   bool        `json:"sensitive"`
	IsTime      bool        `json:"is_time,omitempty"`
	Description string      `json:"description,omitempty"`
}

// CanonicalName is "<dataset-or-entity>.<name>", or just the name for dataset and entity documents
func (d *Document) CanonicalName() string {
	if d.ObjectType == ObjectDataset || d.ObjectType == ObjectEntity {
		return d.Name
	}
	return d.Dataset + "." + d.Name
}

// ID is the document identity used for deduplication across matcher and recall
func (d *Document) ID() string {
	return string(d.ObjectType) + ":" + d.CanonicalName()
}

// Selectable reports whether the document can appear in a SELECT or WHERE clause
func (d *Document) Selectable() bool {
	return d.ObjectType == ObjectMetric || d.ObjectType == ObjectDimension || d.ObjectType == ObjectField
}

// Dataset is a queryable fact source and a node of the join graph
type Dataset struct {
	Name          string   `json:"name"`
	From          string   `json:"from"`
	Metrics       []string `json:"metrics"`
	Dimensions    []string `json:"dimensions"`
	TimeDimension string   `json:"time_dimension,omitempty"`
	Joins         []Join   `json:"joins,omitempty"`
	Description   string   `json:"description,omitempty"`
}

// HasTimeDimension reports whether the dataset declares a time axis
func (d *Dataset) HasTimeDimension() bool {
	return d.TimeDimension != ""
}

// Join is an edge of the join graph
type Join struct {
	Target string `json:"target"`
	On     string `json:"on"`
}

// Entity is a lookup table joined into datasets; it contributes fields but no metrics
type Entity struct {
	Name   string   `json:"name"`
	Table  string   `json:"table"`
	Fields []string `json:"fields"`
}

// Policy holds the governance defaults declared in the semantic layer
type Policy struct {
	RequireTimeFilter bool `json:"require_time_filter"`
	MaxRows           int  `json:"max_rows,omitempty"`
	DefaultWindowDays int  `json:"default_window_days,omitempty"`
}

// JoinStep is one LEFT JOIN of a join path
type JoinStep struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Table string `json:"table"`
	On    string `json:"on"`
}
