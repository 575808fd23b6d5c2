package retrieval

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/seanankenbruck/semantic-bi/internal/llm"
	"github.com/seanankenbruck/semantic-bi/internal/semantic"
)

const (
	EmbeddingBackendHashing = "hashing"
	EmbeddingBackendOpenAI  = "openai"
)

// NewEmbedder returns the embedder for backend. The hashing backend runs locally; the
// openai backend calls the embeddings endpoint configured in cfg.
func NewEmbedder(backend string, dimensions int, cfg llm.Config) (Embedder, error) {
	switch backend {
	case EmbeddingBackendHashing, "":
		return NewHashingEmbedder(dimensions), nil
	case EmbeddingBackendOpenAI:
		client, err := llm.NewOpenAIClient(cfg)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	return nil, fmt.Errorf("unknown embedding backend %q", backend)
}

// Recallable reports whether recall may surface doc
func Recallable(doc *semantic.Document) bool {
	return doc.Allowed && doc.Selectable()
}

// DocumentSyncer stores document embeddings for vector recall
type DocumentSyncer interface {
	SyncDocuments(ctx context.Context, version string, docs []*semantic.Document, vectors [][]float32) error
}

const (
	syncBatchSize   = 64
	syncConcurrency = 4
)

// SyncDocuments embeds the recallable documents of idx in batches and replaces the stored set.
// It returns the number of documents synced.
func SyncDocuments(ctx context.Context, syncer DocumentSyncer, idx *semantic.Index, embedder Embedder) (int, error) {
	var docs []*semantic.Document
	for _, doc := range idx.Documents() {
		if Recallable(doc) {
			docs = append(docs, doc)
		}
	}

	vectors, err := EmbedDocuments(ctx, embedder, docs)
	if err != nil {
		return 0, err
	}

	if err := syncer.SyncDocuments(ctx, idx.Version(), docs, vectors); err != nil {
		return 0, fmt.Errorf("failed to sync documents: %w", err)
	}
	return len(docs), nil
}

// EmbedDocuments embeds docs in concurrent batches; vectors[i] belongs to docs[i]
func EmbedDocuments(ctx context.Context, embedder Embedder, docs []*semantic.Document) ([][]float32, error) {
	vectors := make([][]float32, len(docs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(syncConcurrency)
	for start := 0; start < len(docs); start += syncBatchSize {
		start := start
		end := start + syncBatchSize
		if end > len(docs) {
			end = len(docs)
		}

		g.Go(func() error {
			texts := make([]string, 0, end-start)
			for _, doc := range docs[start:end] {
				texts = append(texts, DocumentText(doc))
			}
			batch, err := embedder.Embed(gctx, texts)
			if err != nil {
				return fmt.Errorf("failed to embed documents %d-%d: %w", start, end, err)
			}
			if len(batch) != len(texts) {
				return fmt.Errorf("embedder returned %d vectors for %d documents", len(batch), len(texts))
			}
			copy(vectors[start:end], batch)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}
