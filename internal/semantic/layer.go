package semantic

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// LayerFile is the top-level document of a semantic-layer YAML file
type LayerFile struct {
	SemanticLayer LayerDefinition `yaml:"semantic_layer"`
}

// LayerDefinition declares entities, datasets and governance defaults
type LayerDefinition struct {
	Entities   map[string]EntityDef  `yaml:"entities"`
	Datasets   map[string]DatasetDef `yaml:"datasets"`
	Governance GovernanceDef         `yaml:"governance"`
}

// EntityDef declares a lookup table and its fields
type EntityDef struct {
	Table           string     `yaml:"table"`
	Description     string     `yaml:"description"`
	Synonyms        []string   `yaml:"synonyms"`
	Fields          []FieldDef `yaml:"fields"`
	SensitiveFields []FieldDef `yaml:"sensitive_fields"`
}

// DatasetDef declares a fact source, its metrics, dimensions and joins
type DatasetDef struct {
	From           string     `yaml:"from"`
	Description    string     `yaml:"description"`
	Synonyms       []string   `yaml:"synonyms"`
	Metrics        []FieldDef `yaml:"metrics"`
	Dimensions     []FieldDef `yaml:"dimensions"`
	TimeDimensions []FieldDef `yaml:"time_dimensions"`
	Joins          []JoinDef  `yaml:"joins"`
}

// FieldDef declares one metric, dimension or field
type FieldDef struct {
	Name        string   `yaml:"name"`
	Expr        string   `yaml:"expr"`
	Type        string   `yaml:"type"`
	Description string   `yaml:"description"`
	Synonyms    []string `yaml:"synonyms"`
	// Allowed only applies to sensitive fields, which default to blocked
	Allowed *bool `yaml:"allowed"`
}

// JoinDef declares an edge to an entity or another dataset
type JoinDef struct {
	Entity  string `yaml:"entity"`
	Dataset string `yaml:"dataset"`
	On      string `yaml:"on"`
}

// GovernanceDef holds layer-level policy
type GovernanceDef struct {
	DefaultQueryLimits struct {
		RequireTimeFilter bool `yaml:"require_time_filter"`
		MaxRows           int  `yaml:"max_rows"`
		DefaultWindowDays int  `yaml:"default_window_days"`
	} `yaml:"default_query_limits"`
}

// BuildError lists every problem found while building an index
type BuildError struct {
	Problems []string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("invalid semantic layer: %s", strings.Join(e.Problems, "; "))
}

// ParseLayer decodes a semantic-layer YAML document. Unknown keys are rejected.
func ParseLayer(data []byte) (*LayerDefinition, error) {
	var file LayerFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse semantic layer: %w", err)
	}
	return &file.SemanticLayer, nil
}

// LoadFile reads, parses and builds the index from a YAML file
func LoadFile(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read semantic layer %s: %w", path, err)
	}
	def, err := ParseLayer(data)
	if err != nil {
		return nil, err
	}
	return Build(def)
}

// Build validates a layer definition and produces an immutable index
func Build(def *LayerDefinition) (*Index, error) {
	b := &builder{
		def:    def,
		scopes: make(map[string]ObjectType),
		names:  make(map[string]bool),
	}
	return b.build()
}

type builder struct {
	def      *LayerDefinition
	docs     []*Document
	datasets []*Dataset
	entities []*Entity
	scopes   map[string]ObjectType
	names    map[string]bool
	problems []string
}

func (b *builder) fail(format string, args ...interface{}) {
	b.problems = append(b.problems, fmt.Sprintf(format, args...))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (b *builder) build() (*Index, error) {
	for _, name := range sortedKeys(b.def.Entities) {
		b.claimScope(name, ObjectEntity)
	}
	for _, name := range sortedKeys(b.def.Datasets) {
		b.claimScope(name, ObjectDataset)
	}

	for _, name := range sortedKeys(b.def.Entities) {
		b.addEntity(name, b.def.Entities[name])
	}
	for _, name := range sortedKeys(b.def.Datasets) {
		b.addDataset(name, b.def.Datasets[name])
	}

	if len(b.problems) > 0 {
		return nil, &BuildError{Problems: b.problems}
	}

	limits := b.def.Governance.DefaultQueryLimits
	policy := Policy{
		RequireTimeFilter: limits.RequireTimeFilter,
		MaxRows:           limits.MaxRows,
		DefaultWindowDays: limits.DefaultWindowDays,
	}
	return newIndex(b.docs, b.datasets, b.entities, policy)
}

func (b *builder) claimScope(name string, kind ObjectType) {
	if strings.TrimSpace(name) == "" || strings.Contains(name, ".") {
		b.fail("%s name %q must be non-empty and contain no dots", kind, name)
		return
	}
	if prev, ok := b.scopes[name]; ok {
		b.fail("%s %q collides with %s of the same name", kind, name, prev)
		return
	}
	b.scopes[name] = kind
}

func aliasesFor(name, expr string, synonyms []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, raw := range append(append([]string{name}, synonyms...), expr) {
		a := Normalize(raw)
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func (b *builder) addField(scope, table string, f FieldDef, doc *Document) bool {
	name := strings.TrimSpace(f.Name)
	if name == "" {
		b.fail("%s: field without a name", scope)
		return false
	}
	key := scope + "." + name
	if b.names[key] {
		b.fail("%s: duplicate name %q", scope, name)
		return false
	}
	b.names[key] = true

	doc.Name = name
	doc.Dataset = scope
	doc.Table = table
	doc.Expr = strings.TrimSpace(f.Expr)
	if doc.Expr == "" {
		doc.Expr = name
	}
	doc.Description = f.Description
	doc.Aliases = aliasesFor(name, doc.Expr, f.Synonyms)
	b.docs = append(b.docs, doc)
	return true
}

func (b *builder) addEntity(name string, def EntityDef) {
	if def.Table == "" {
		b.fail("entity %s: table is required", name)
	}

	entity := &Entity{Name: name, Table: def.Table}
	b.docs = append(b.docs, &Document{
		ObjectType:  ObjectEntity,
		Name:        name,
		Dataset:     name,
		Table:       def.Table,
		Aliases:     aliasesFor(name, "", def.Synonyms),
		Allowed:     true,
		Description: def.Description,
	})

	for _, f := range def.Fields {
		if b.addField(name, def.Table, f, &Document{ObjectType: ObjectField, Allowed: true}) {
			entity.Fields = append(entity.Fields, strings.TrimSpace(f.Name))
		}
	}
	for _, f := range def.SensitiveFields {
		allowed := f.Allowed != nil && *f.Allowed
		doc := &Document{ObjectType: ObjectField, Allowed: allowed, Sensitive: true}
		if b.addField(name, def.Table, f, doc) {
			entity.Fields = append(entity.Fields, strings.TrimSpace(f.Name))
		}
	}

	b.entities = append(b.entities, entity)
}

func (b *builder) addDataset(name string, def DatasetDef) {
	if def.From == "" {
		b.fail("dataset %s: from is required", name)
	}

	ds := &Dataset{Name: name, From: def.From, Description: def.Description}
	b.docs = append(b.docs, &Document{
		ObjectType:  ObjectDataset,
		Name:        name,
		Dataset:     name,
		Table:       def.From,
		Aliases:     aliasesFor(name, "", def.Synonyms),
		Allowed:     true,
		Description: def.Description,
	})

	for _, m := range def.Metrics {
		agg, err := ParseAggregation(m.Type)
		if err != nil {
			b.fail("dataset %s metric %s: %v", name, m.Name, err)
			continue
		}
		doc := &Document{ObjectType: ObjectMetric, Aggregation: agg, Allowed: true}
		if b.addField(name, def.From, m, doc) {
			ds.Metrics = append(ds.Metrics, doc.Name)
		}
	}

	for i, t := range def.TimeDimensions {
		doc := &Document{ObjectType: ObjectDimension, Allowed: true, IsTime: true}
		if b.addField(name, def.From, t, doc) {
			ds.Dimensions = append(ds.Dimensions, doc.Name)
			if i == 0 {
				ds.TimeDimension = doc.Name
			}
		}
	}

	for _, d := range def.Dimensions {
		doc := &Document{ObjectType: ObjectDimension, Allowed: true}
		if b.addField(name, def.From, d, doc) {
			ds.Dimensions = append(ds.Dimensions, doc.Name)
		}
	}

	for _, j := range def.Joins {
		target := j.Entity
		if target == "" {
			target = j.Dataset
		}
		switch {
		case target == "":
			b.fail("dataset %s: join without entity or dataset", name)
		case j.Entity != "" && j.Dataset != "":
			b.fail("dataset %s: join names both entity %s and dataset %s", name, j.Entity, j.Dataset)
		case b.scopes[target] == "":
			b.fail("dataset %s: join target %s is not defined", name, target)
		case j.Entity != "" && b.scopes[target] != ObjectEntity:
			b.fail("dataset %s: join target %s is not an entity", name, target)
		case j.Dataset != "" && b.scopes[target] != ObjectDataset:
			b.fail("dataset %s: join target %s is not a dataset", name, target)
		case strings.TrimSpace(j.On) == "":
			b.fail("dataset %s: join to %s has no condition", name, target)
		default:
			ds.Joins = append(ds.Joins, Join{Target: target, On: strings.TrimSpace(j.On)})
		}
	}

	b.datasets = append(b.datasets, ds)
}
