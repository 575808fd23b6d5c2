package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/seanankenbruck/semantic-bi/internal/llm"
	"github.com/seanankenbruck/semantic-bi/internal/semantic"
	"github.com/seanankenbruck/semantic-bi/internal/semantic/semantictest"
)

type mockSyncer struct {
	mock.Mock
}

func (m *mockSyncer) SyncDocuments(ctx context.Context, version string, docs []*semantic.Document, vectors [][]float32) error {
	return m.Called(ctx, version, docs, vectors).Error(0)
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.New("quota exceeded")
}

func TestSyncDocuments(t *testing.T) {
	idx := semantictest.Index(t)
	embedder := NewHashingEmbedder(0)

	var recallable int
	for _, doc := range idx.Documents() {
		if Recallable(doc) {
			recallable++
		}
	}
	require.NotZero(t, recallable)

	t.Run("stores every recallable document with its own vector", func(t *testing.T) {
		syncer := &mockSyncer{}
		syncer.On("SyncDocuments", mock.Anything, idx.Version(), mock.Anything, mock.Anything).Return(nil).Once()

		n, err := SyncDocuments(context.Background(), syncer, idx, embedder)
		require.NoError(t, err)
		assert.Equal(t, recallable, n)
		syncer.AssertExpectations(t)

		docs := syncer.Calls[0].Arguments.Get(2).([]*semantic.Document)
		vectors := syncer.Calls[0].Arguments.Get(3).([][]float32)
		require.Len(t, vectors, len(docs))
		for i, doc := range docs {
			assert.True(t, doc.Allowed, doc.ID())
			want, err := embedder.Embed(context.Background(), []string{DocumentText(doc)})
			require.NoError(t, err)
			assert.Equal(t, want[0], vectors[i], doc.ID())
		}
	})

	t.Run("embedding failure stores nothing", func(t *testing.T) {
		syncer := &mockSyncer{}
		_, err := SyncDocuments(context.Background(), syncer, idx, failingEmbedder{})
		assert.ErrorContains(t, err, "quota exceeded")
		syncer.AssertNotCalled(t, "SyncDocuments", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("store failure", func(t *testing.T) {
		syncer := &mockSyncer{}
		syncer.On("SyncDocuments", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("connection refused"))
		_, err := SyncDocuments(context.Background(), syncer, idx, embedder)
		assert.ErrorContains(t, err, "failed to sync documents")
	})
}

func TestEmbedDocuments_Batches(t *testing.T) {
	docs := make([]*semantic.Document, 2*syncBatchSize+3)
	for i := range docs {
		docs[i] = &semantic.Document{ObjectType: semantic.ObjectMetric, Dataset: "deposits", Name: fmt.Sprintf("metric_%d", i)}
	}
	embedder := &countingEmbedder{inner: NewHashingEmbedder(16)}

	vectors, err := EmbedDocuments(context.Background(), embedder, docs)
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&embedder.calls))
	require.Len(t, vectors, len(docs))

	for _, i := range []int{0, syncBatchSize, len(docs) - 1} {
		want, err := NewHashingEmbedder(16).Embed(context.Background(), []string{DocumentText(docs[i])})
		require.NoError(t, err)
		assert.Equal(t, want[0], vectors[i], "vector %d", i)
	}

	vectors, err = EmbedDocuments(context.Background(), embedder, nil)
	require.NoError(t, err)
	assert.Empty(t, vectors)
}

func TestNewEmbedder(t *testing.T) {
	e, err := NewEmbedder("", 32, llm.Config{})
	require.NoError(t, err)
	assert.Equal(t, 32, e.(*HashingEmbedder).Dimensions())

	e, err = NewEmbedder(EmbeddingBackendOpenAI, 0, llm.Config{BaseURL: "http://localhost:11434/v1", EmbeddingModel: "embed"})
	require.NoError(t, err)
	assert.IsType(t, &llm.OpenAIClient{}, e)

	_, err = NewEmbedder(EmbeddingBackendOpenAI, 0, llm.Config{})
	assert.Error(t, err, "hosted API needs a key")

	_, err = NewEmbedder("word2vec", 0, llm.Config{})
	assert.ErrorContains(t, err, "unknown embedding backend")
}
