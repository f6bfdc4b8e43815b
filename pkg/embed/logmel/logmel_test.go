package logmel

import (
	"context"
	"math"
	"testing"

	"github.com/verbatim-ai/verbatim/pkg/embed"
)

func tone(n int, freq float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(9000 * math.Sin(2*math.Pi*freq*float64(i)/16000))
	}
	return out
}

func TestEmbedderDimension(t *testing.T) {
	t.Parallel()

	e := New(0)
	if e.Dim() != DefaultMels {
		t.Fatalf("default dim %d, want %d", e.Dim(), DefaultMels)
	}

	emb, err := e.Embed(context.Background(), tone(16000, 440))
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(emb) != DefaultMels {
		t.Fatalf("embedding length %d, want %d", len(emb), DefaultMels)
	}
}

func TestEmbedderDeterministic(t *testing.T) {
	t.Parallel()

	e := New(0)
	a, err := e.Embed(context.Background(), tone(16000, 440))
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	b, err := e.Embed(context.Background(), tone(16000, 440))
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("non-deterministic at dim %d: %f vs %f", i, a[i], b[i])
		}
	}
}

// TestEmbedderSeparatesSpectra: windows of clearly different spectral content
// must be less similar to each other than same-content windows are.
func TestEmbedderSeparatesSpectra(t *testing.T) {
	t.Parallel()

	e := New(0)
	ctx := context.Background()

	low1, _ := e.Embed(ctx, tone(16000, 200))
	low2, _ := e.Embed(ctx, tone(16000, 210))
	high, _ := e.Embed(ctx, tone(16000, 3000))

	same := embed.Cosine(embed.Normalize(low1), embed.Normalize(low2))
	diff := embed.Cosine(embed.Normalize(low1), embed.Normalize(high))

	if same <= diff {
		t.Fatalf("similar tones (%.3f) not closer than dissimilar (%.3f)", same, diff)
	}
	if same < 0.9 {
		t.Fatalf("near-identical tones similarity %.3f, want ≥ 0.9", same)
	}
}

func TestEmbedderPadsShortInput(t *testing.T) {
	t.Parallel()

	e := New(0)
	emb, err := e.Embed(context.Background(), tone(8000, 440))
	if err != nil {
		t.Fatalf("short input: %v", err)
	}
	if len(emb) != DefaultMels {
		t.Fatalf("embedding length %d, want %d", len(emb), DefaultMels)
	}
}

func TestEmbedderRejectsTinyInput(t *testing.T) {
	t.Parallel()

	e := New(0)
	if _, err := e.Embed(context.Background(), tone(100, 440)); err == nil {
		t.Fatal("sub-frame input must be rejected")
	}
}
