package embedding

import (
	"context"
	"math"
	"testing"

	"github.com/jllopis/fabrica/pkg/errors"
)

func TestCosineIdentical(t *testing.T) {
	a := []float32{0.5, 0.5, 0}
	if got := Cosine(a, a); math.Abs(got-1.0) > 1e-6 {
		t.Errorf("cosine of identical vectors should be 1.0, got %f", got)
	}
}

func TestCosineOrthogonal(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}
	if got := Cosine(a, b); got != 0 {
		t.Errorf("expected 0, got %f", got)
	}
}

func TestCosineDimensionMismatch(t *testing.T) {
	if got := Cosine([]float32{1}, []float32{1, 0}); got != 0 {
		t.Errorf("mismatched dimensions should score 0, got %f", got)
	}
	if got := Cosine(nil, nil); got != 0 {
		t.Errorf("empty vectors should score 0, got %f", got)
	}
}

func TestStaticDeterministic(t *testing.T) {
	svc := NewStatic()
	ctx := context.Background()

	first, err := svc.Embed(ctx, "invoice document analyzer")
	if err != nil {
		t.Fatalf("embed failed: %v", err)
	}
	second, err := svc.Embed(ctx, "invoice document analyzer")
	if err != nil {
		t.Fatalf("embed failed: %v", err)
	}
	if math.Abs(Cosine(first, second)-1.0) > 1e-6 {
		t.Errorf("same text must embed identically")
	}

	other, err := svc.Embed(ctx, "weather forecast station telemetry feed")
	if err != nil {
		t.Fatalf("embed failed: %v", err)
	}
	if sim := Cosine(first, other); sim > 0.5 {
		t.Errorf("unrelated texts should score low, got %f", sim)
	}
}

func TestStaticNormalized(t *testing.T) {
	svc := NewStatic()
	vec, err := svc.Embed(context.Background(), "alpha beta gamma")
	if err != nil {
		t.Fatalf("embed failed: %v", err)
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1.0) > 1e-5 {
		t.Errorf("expected unit vector, norm²=%f", norm)
	}
}

func TestStaticFailureModes(t *testing.T) {
	svc := &Static{Dimensions: 16, FailEmbed: true, FailGenerate: true}

	if _, err := svc.Embed(context.Background(), "x"); !errors.HasCode(err, errors.CodeEmbeddingFailure) {
		t.Errorf("expected EMBEDDING_FAILURE, got %v", err)
	}
	if _, err := svc.Generate(context.Background(), "x"); !errors.HasCode(err, errors.CodeEmbeddingFailure) {
		t.Errorf("expected EMBEDDING_FAILURE, got %v", err)
	}
}

func TestStaticGenerate(t *testing.T) {
	svc := NewStatic()
	out, err := svc.Generate(context.Background(), "summarize pdf files")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if out != "applicable when: summarize pdf files" {
		t.Errorf("unexpected output: %s", out)
	}
}
