// Package retrieval enriches the matcher's candidate set through similarity recall and asks a
// reranker for an advisory selection. Every failure here degrades the request instead of
// failing it.
package retrieval

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/seanankenbruck/semantic-bi/internal/semantic"
)

// Embedder generates vector embeddings for text; vectors[i] belongs to texts[i]
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// HashingEmbedder is a local lexical embedder. Tokens are hashed into a fixed number of
// buckets with a hash-derived sign, and the vector is L2 normalized.
type HashingEmbedder struct {
	dimensions int
}

// DefaultDimensions matches the catalog's vector column
const DefaultDimensions = 384

// NewHashingEmbedder creates an embedder producing vectors of the given size
func NewHashingEmbedder(dimensions int) *HashingEmbedder {
	if dimensions <= 0 {
		dimensions = DefaultDimensions
	}
	return &HashingEmbedder{dimensions: dimensions}
}

// Dimensions returns the vector size
func (h *HashingEmbedder) Dimensions() int {
	return h.dimensions
}

// Embed never fails except on cancellation
func (h *HashingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if i%100 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		out[i] = h.vector(text)
	}
	return out, nil
}

func (h *HashingEmbedder) vector(text string) []float32 {
	v := make([]float32, h.dimensions)
	for _, token := range tokenize(text) {
		hasher := fnv.New32a()
		_, _ = hasher.Write([]byte(token))
		sum := hasher.Sum32()
		sign := float32(1)
		if sum&0x80000000 != 0 {
			sign = -1
		}
		v[int(sum%uint32(h.dimensions))] += sign
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range v {
			v[i] *= scale
		}
	}
	return v
}

// tokenize splits normalized text on anything that is not a letter or digit. Identifiers
// such as deposit_balance contribute their parts.
func tokenize(text string) []string {
	return strings.FieldsFunc(semantic.Normalize(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// DocumentText is the text embedded for a document
func DocumentText(doc *semantic.Document) string {
	parts := []string{doc.CanonicalName(), string(doc.ObjectType)}
	parts = append(parts, doc.Aliases...)
	if doc.Description != "" {
		parts = append(parts, doc.Description)
	}
	return strings.Join(parts, " ")
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0 when either is
// empty, zero or their lengths differ
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
