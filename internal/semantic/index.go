package semantic

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Index is an immutable snapshot of the semantic layer. It is safe for concurrent
// use; a reload builds a new Index instead of mutating this one.
type Index struct {
	version   string
	documents []*Document
	byID      map[string]*Document
	byName    map[string]*Document
	byNorm    map[string]*Document
	byAlias   map[string][]*Document
	datasets  map[string]*Dataset
	entities  map[string]*Entity
	graph     map[string][]edge
	policy    Policy
}

type edge struct {
	to string
	on string
}

// NewEmptyIndex returns an index with no documents. Matching against it yields no candidates.
func NewEmptyIndex() *Index {
	idx, _ := newIndex(nil, nil, nil, Policy{})
	return idx
}

// newIndex assembles an index from already validated parts
func newIndex(docs []*Document, datasets []*Dataset, entities []*Entity, policy Policy) (*Index, error) {
	idx := &Index{
		byID:     make(map[string]*Document, len(docs)),
		byName:   make(map[string]*Document, len(docs)),
		byNorm:   make(map[string]*Document, len(docs)),
		byAlias:  make(map[string][]*Document),
		datasets: make(map[string]*Dataset, len(datasets)),
		entities: make(map[string]*Entity, len(entities)),
		graph:    make(map[string][]edge),
		policy:   policy,
	}

	idx.documents = append(idx.documents, docs...)
	sort.Slice(idx.documents, func(i, j int) bool {
		return idx.documents[i].ID() < idx.documents[j].ID()
	})

	for _, doc := range idx.documents {
		idx.byID[doc.ID()] = doc
		if doc.Selectable() {
			idx.byName[doc.CanonicalName()] = doc
			idx.byNorm[Normalize(doc.CanonicalName())] = doc
		}
		for _, alias := range doc.Aliases {
			idx.byAlias[alias] = append(idx.byAlias[alias], doc)
		}
	}

	for _, e := range entities {
		idx.entities[e.Name] = e
	}

	sortedDatasets := append([]*Dataset(nil), datasets...)
	sort.Slice(sortedDatasets, func(i, j int) bool { return sortedDatasets[i].Name < sortedDatasets[j].Name })
	for _, ds := range sortedDatasets {
		idx.datasets[ds.Name] = ds
		for _, j := range ds.Joins {
			idx.graph[ds.Name] = append(idx.graph[ds.Name], edge{to: j.Target, on: j.On})
			idx.graph[j.Target] = append(idx.graph[j.Target], edge{to: ds.Name, on: j.On})
		}
	}

	version, err := fingerprint(idx.documents, sortedDatasets, policy)
	if err != nil {
		return nil, err
	}
	idx.version = version

	return idx, nil
}

func fingerprint(docs []*Document, datasets []*Dataset, policy Policy) (string, error) {
	payload := struct {
		Documents []*Document `json:"documents"`
		Datasets  []*Dataset  `json:"datasets"`
		Policy    Policy      `json:"policy"`
	}{docs, datasets, policy}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:12], nil
}

// Version is a content hash of the index; equal layers produce equal versions
func (idx *Index) Version() string {
	return idx.version
}

// Len returns the number of documents
func (idx *Index) Len() int {
	return len(idx.documents)
}

// Policy returns the governance defaults declared in the layer
func (idx *Index) Policy() Policy {
	return idx.policy
}

// Documents returns all documents ordered by ID
func (idx *Index) Documents() []*Document {
	return idx.documents
}

// DocumentsOfType returns documents of one type ordered by ID
func (idx *Index) DocumentsOfType(t ObjectType) []*Document {
	var out []*Document
	for _, doc := range idx.documents {
		if doc.ObjectType == t {
			out = append(out, doc)
		}
	}
	return out
}

// Document returns a document by ID
func (idx *Index) Document(id string) (*Document, bool) {
	doc, ok := idx.byID[id]
	return doc, ok
}

// Lookup returns the selectable document with the given canonical name
func (idx *Index) Lookup(canonical string) (*Document, bool) {
	doc, ok := idx.byName[canonical]
	return doc, ok
}

// LookupNormalized returns the selectable document whose normalized canonical name is n
func (idx *Index) LookupNormalized(n string) (*Document, bool) {
	doc, ok := idx.byNorm[n]
	return doc, ok
}

// ByAlias returns the documents carrying a normalized alias, ordered by ID
func (idx *Index) ByAlias(alias string) []*Document {
	return idx.byAlias[alias]
}

// Dataset returns a dataset by name
func (idx *Index) Dataset(name string) (*Dataset, bool) {
	ds, ok := idx.datasets[name]
	return ds, ok
}

// Datasets returns all datasets ordered by name
func (idx *Index) Datasets() []*Dataset {
	out := make([]*Dataset, 0, len(idx.datasets))
	for _, ds := range idx.datasets {
		out = append(out, ds)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Entity returns an entity by name
func (idx *Index) Entity(name string) (*Entity, bool) {
	e, ok := idx.entities[name]
	return e, ok
}

// IsDataset reports whether scope names a dataset rather than an entity
func (idx *Index) IsDataset(scope string) bool {
	_, ok := idx.datasets[scope]
	return ok
}

// TableOf returns the physical table of a dataset or entity
func (idx *Index) TableOf(scope string) string {
	if ds, ok := idx.datasets[scope]; ok {
		return ds.From
	}
	if e, ok := idx.entities[scope]; ok {
		return e.Table
	}
	return ""
}

// TimeDimension returns the time dimension document of a dataset
func (idx *Index) TimeDimension(dataset string) (*Document, bool) {
	ds, ok := idx.datasets[dataset]
	if !ok || ds.TimeDimension == "" {
		return nil, false
	}
	return idx.Lookup(dataset + "." + ds.TimeDimension)
}

// Reachable reports whether to can be joined from from
func (idx *Index) Reachable(from, to string) bool {
	if from == to {
		return true
	}
	_, ok := idx.bfs(from)[to]
	return ok
}

// Connected reports whether every scope is reachable from the first one
func (idx *Index) Connected(scopes []string) bool {
	if len(scopes) < 2 {
		return true
	}
	parents := idx.bfs(scopes[0])
	for _, s := range scopes[1:] {
		if s == scopes[0] {
			continue
		}
		if _, ok := parents[s]; !ok {
			return false
		}
	}
	return true
}

// JoinPath returns the joins needed to reach every target from primary, in the order the
// targets are given. Each step joins a table not joined before. ok is false when a target
// is unreachable.
func (idx *Index) JoinPath(primary string, targets []string) ([]JoinStep, bool) {
	parents := idx.bfs(primary)
	joined := map[string]bool{primary: true}
	var steps []JoinStep

	for _, target := range targets {
		if joined[target] {
			continue
		}
		if _, ok := parents[target]; !ok {
			return nil, false
		}

		// walk back to the joined set, then emit outward
		var chain []JoinStep
		for node := target; !joined[node]; {
			p := parents[node]
			chain = append(chain, JoinStep{From: p.to, To: node, Table: idx.TableOf(node), On: p.on})
			node = p.to
		}
		for i := len(chain) - 1; i >= 0; i-- {
			steps = append(steps, chain[i])
			joined[chain[i].To] = true
		}
	}

	return steps, true
}

// bfs returns, for every node reachable from start, the edge back to its parent
func (idx *Index) bfs(start string) map[string]edge {
	parents := map[string]edge{start: {to: start}}
	queue := []string{start}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, e := range idx.graph[node] {
			if _, seen := parents[e.to]; seen {
				continue
			}
			parents[e.to] = edge{to: node, on: e.on}
			queue = append(queue, e.to)
		}
	}
	return parents
}
