package memory

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Embedder generates vector embeddings from text. Both the embedded and
// remote search indexes consume it.
type Embedder interface {
	// EmbedDocuments generates embeddings for multiple texts, one per
	// input.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a single query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// hashEmbedder maps text into a fixed-size term-frequency vector via
// feature hashing. It is deterministic, dependency-free, and good enough
// for lexical similarity over memory records; swap in a model-backed
// Embedder for semantic search.
type hashEmbedder struct {
	dim int
}

// NewHashEmbedder returns a deterministic feature-hashing embedder with
// the given dimensionality.
func NewHashEmbedder(dim int) Embedder {
	if dim < 8 {
		dim = 8
	}
	return &hashEmbedder{dim: dim}
}

func (h *hashEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.embed(text)
	}
	return out, nil
}

func (h *hashEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.embed(text), nil
}

func (h *hashEmbedder) embed(text string) []float32 {
	vec := make([]float32, h.dim)
	for _, term := range tokenizeTerms(text) {
		hasher := fnv.New32a()
		hasher.Write([]byte(term))
		sum := hasher.Sum32()
		bucket := int(sum % uint32(h.dim))
		// The high hash bit signs the feature so colliding terms partly
		// cancel rather than always accumulate.
		if sum&(1<<31) != 0 {
			vec[bucket]--
		} else {
			vec[bucket]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}

// tokenizeTerms lowercases and splits on non-alphanumeric runes.
func tokenizeTerms(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
