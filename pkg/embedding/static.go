package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"

	"github.com/jllopis/fabrica/pkg/errors"
)

// Static is a deterministic Service for tests. Embeddings are normalized
// bag-of-words vectors produced by hashing tokens into a fixed number of
// dimensions, so identical texts always embed to cosine similarity 1.0 and
// unrelated texts score near 0. Generate applies a fixed textual transform.
type Static struct {
	// Dimensions is the vector size (default 64).
	Dimensions int

	// FailEmbed makes Embed return an EMBEDDING_FAILURE error, simulating an
	// unavailable collaborator.
	FailEmbed bool

	// FailGenerate makes Generate return an EMBEDDING_FAILURE error.
	FailGenerate bool
}

// NewStatic creates a deterministic embedding service with 64 dimensions.
func NewStatic() *Static {
	return &Static{Dimensions: 64}
}

// Embed hashes whitespace-separated tokens into a normalized vector.
func (s *Static) Embed(_ context.Context, text string) ([]float32, error) {
	if s.FailEmbed {
		return nil, errors.New(errors.CodeEmbeddingFailure, "static embedder configured to fail", nil).
			WithRecoverable(true)
	}
	dims := s.Dimensions
	if dims <= 0 {
		dims = 64
	}

	vec := make([]float32, dims)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(token))
		vec[h.Sum32()%uint32(dims)]++
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
	return vec, nil
}

// Generate returns a fixed transform of the prompt so tests can assert on it.
func (s *Static) Generate(_ context.Context, prompt string) (string, error) {
	if s.FailGenerate {
		return "", errors.New(errors.CodeEmbeddingFailure, "static generator configured to fail", nil).
			WithRecoverable(true)
	}
	return "applicable when: " + prompt, nil
}
