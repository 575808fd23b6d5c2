package retrieval

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seanankenbruck/semantic-bi/internal/semantic"
)

func TestHashingEmbedder(t *testing.T) {
	e := NewHashingEmbedder(384)
	assert.Equal(t, 384, e.Dimensions())
	assert.Equal(t, 64, NewHashingEmbedder(64).Dimensions())
	assert.Equal(t, DefaultDimensions, NewHashingEmbedder(-1).Dimensions())

	vectors, err := e.Embed(context.Background(), []string{"Deposit Balance", "deposit_balance", "", "loan balance"})
	require.NoError(t, err)
	require.Len(t, vectors, 4)

	t.Run("normalized", func(t *testing.T) {
		var norm float64
		for _, x := range vectors[0] {
			norm += float64(x) * float64(x)
		}
		assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
	})

	t.Run("case and separators do not matter", func(t *testing.T) {
		assert.Equal(t, vectors[0], vectors[1])
	})

	t.Run("empty text is the zero vector", func(t *testing.T) {
		assert.Equal(t, make([]float32, 384), vectors[2])
	})

	t.Run("shared tokens raise similarity", func(t *testing.T) {
		assert.Greater(t, CosineSimilarity(vectors[0], vectors[3]), 0.0)
		assert.InDelta(t, 1.0, CosineSimilarity(vectors[0], vectors[1]), 1e-6)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := e.Embed(ctx, []string{"x"})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2}, []float32{1, 2}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"length mismatch", []float32{1}, []float32{1, 0}, 0},
		{"empty", nil, nil, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CosineSimilarity(tt.a, tt.b), 1e-9)
		})
	}
}

func TestDocumentText(t *testing.T) {
	doc := &semantic.Document{
		ObjectType:  semantic.ObjectMetric,
		Name:        "deposit_balance",
		Dataset:     "deposit_balance_daily",
		Aliases:     []string{"balance", "deposit balance"},
		Description: "end of day balance",
	}
	assert.Equal(t, "deposit_balance_daily.deposit_balance metric balance deposit balance end of day balance", DocumentText(doc))
}
