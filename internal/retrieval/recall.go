package retrieval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/seanankenbruck/semantic-bi/internal/observability"
	"github.com/seanankenbruck/semantic-bi/internal/semantic"
)

// Hit is one recall result. Only the document identity is trusted; callers re-resolve it
// against their pinned index.
type Hit struct {
	ID         string  `json:"id"`
	Similarity float64 `json:"similarity"`
}

// Recaller returns up to k documents most similar to text, best first
type Recaller interface {
	Recall(ctx context.Context, idx *semantic.Index, text string, k int) ([]Hit, error)
}

// MemoryRecaller embeds the index's allowed selectable documents once per index version and
// scores them in process
type MemoryRecaller struct {
	embedder Embedder

	mu      sync.Mutex
	version string
	ids     []string
	vectors [][]float32
}

// NewMemoryRecaller creates an in-memory recaller
func NewMemoryRecaller(embedder Embedder) *MemoryRecaller {
	return &MemoryRecaller{embedder: embedder}
}

// Recall scores every embedded document; ties break by ID so results are stable
func (r *MemoryRecaller) Recall(ctx context.Context, idx *semantic.Index, text string, k int) ([]Hit, error) {
	ids, vectors, err := r.documents(ctx, idx)
	if err != nil {
		return nil, err
	}

	query, err := r.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(query) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for 1 text", len(query))
	}

	hits := make([]Hit, 0, len(ids))
	for i, id := range ids {
		if s := CosineSimilarity(query[0], vectors[i]); s > 0 {
			hits = append(hits, Hit{ID: id, Similarity: s})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].ID < hits[j].ID
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (r *MemoryRecaller) documents(ctx context.Context, idx *semantic.Index) ([]string, [][]float32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.version == idx.Version() && r.ids != nil {
		return r.ids, r.vectors, nil
	}

	var (
		ids   []string
		texts []string
	)
	for _, doc := range idx.Documents() {
		if Recallable(doc) {
			ids = append(ids, doc.ID())
			texts = append(texts, DocumentText(doc))
		}
	}

	vectors, err := r.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to embed documents: %w", err)
	}
	if len(vectors) != len(ids) {
		return nil, nil, fmt.Errorf("embedder returned %d vectors for %d documents", len(vectors), len(ids))
	}

	if ids == nil {
		ids = []string{}
	}
	r.version, r.ids, r.vectors = idx.Version(), ids, vectors
	return ids, vectors, nil
}

// SimilaritySearcher is the catalog's vector search
type SimilaritySearcher interface {
	SimilarDocuments(ctx context.Context, embedding []float32, k int) ([]semantic.SimilarDocument, error)
}

// VectorRecaller searches document embeddings stored in the Postgres catalog
type VectorRecaller struct {
	searcher SimilaritySearcher
	embedder Embedder
}

// NewVectorRecaller creates a pgvector-backed recaller. The embedder must be the one used
// to sync the catalog.
func NewVectorRecaller(searcher SimilaritySearcher, embedder Embedder) *VectorRecaller {
	return &VectorRecaller{searcher: searcher, embedder: embedder}
}

// Recall embeds text and returns the catalog's nearest documents. The catalog may hold a
// different index version; stale IDs are dropped by the caller.
func (r *VectorRecaller) Recall(ctx context.Context, idx *semantic.Index, text string, k int) ([]Hit, error) {
	query, err := r.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(query) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for 1 text", len(query))
	}

	similar, err := r.searcher.SimilarDocuments(ctx, query[0], k)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(similar))
	for _, s := range similar {
		hits = append(hits, Hit{ID: s.ID, Similarity: s.Similarity})
	}
	return hits, nil
}

// CircuitBreakerRecaller wraps a recaller with circuit breaker protection
type CircuitBreakerRecaller struct {
	recaller Recaller
	breaker  *gobreaker.CircuitBreaker
}

// NewCircuitBreakerRecaller trips after 5 consecutive failures and retries after timeout
func NewCircuitBreakerRecaller(recaller Recaller, name string, timeout time.Duration, logger *observability.Logger) *CircuitBreakerRecaller {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	if logger != nil {
		settings.OnStateChange = func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn(context.Background(), "Circuit breaker changed state", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		}
	}
	return &CircuitBreakerRecaller{recaller: recaller, breaker: gobreaker.NewCircuitBreaker(settings)}
}

// Recall wraps the recaller's Recall with circuit breaker protection
func (cb *CircuitBreakerRecaller) Recall(ctx context.Context, idx *semantic.Index, text string, k int) ([]Hit, error) {
	result, err := cb.breaker.Execute(func() (interface{}, error) {
		return cb.recaller.Recall(ctx, idx, text, k)
	})
	if err != nil {
		return nil, fmt.Errorf("circuit breaker: %w", err)
	}
	return result.([]Hit), nil
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreakerRecaller) State() gobreaker.State {
	return cb.breaker.State()
}
