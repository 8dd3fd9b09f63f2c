// Package embedding defines the text/embedding collaborator contracts consumed
// by the registry and the bus. Production implementations call a real model;
// tests inject the deterministic Static implementation.
package embedding

import (
	"context"
	"math"
)

// Embedder converts text into a vector.
type Embedder interface {
	// Embed converts a text string into a vector.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// TextGenerator produces derived descriptive text from a prompt.
type TextGenerator interface {
	// Generate returns model-generated text for the prompt.
	Generate(ctx context.Context, prompt string) (string, error)
}

// Service combines both collaborator roles. Either call may fail; callers are
// expected to degrade (content-only indexing) rather than abort.
type Service interface {
	Embedder
	TextGenerator
}

// Cosine returns the cosine similarity between two vectors, or 0 when either
// is empty or the dimensions differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
