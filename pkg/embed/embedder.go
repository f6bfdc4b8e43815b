// Package embed defines the Embedder interface for speaker-embedding
// backends.
//
// An embedder maps a fixed-length window of 16 kHz mono audio (typically one
// second) to a fixed-dimensional vector such that two windows from the same
// speaker have high cosine similarity. The pipeline L2-normalizes embeddings
// on storage, so implementations need not normalize themselves.
//
// The appropriate clustering similarity threshold depends on the embedder:
//
//	log-mel spectral (built-in)   ≈ 0.35
//	neural x-vector class models  ≈ 0.45–0.60
//
// Adapters should document their recommended threshold; the pipeline treats
// it as configuration.
package embed

import (
	"context"
	"math"
)

// WindowSamples is the canonical embedder input length: one second at 16 kHz.
// Adapters zero-pad shorter inputs and truncate longer ones.
const WindowSamples = 16000

// Embedder is the abstraction over any speaker-embedding backend.
type Embedder interface {
	// Load initialises the embedder with the given model identifier.
	// Adapters without model files accept any identifier.
	Load(model string) error

	// Embed maps the samples to a fixed-dimensional vector. The dimension is
	// constant for the lifetime of the embedder and equals Dim().
	Embed(ctx context.Context, samples []int16) ([]float32, error)

	// Dim returns the embedding dimensionality.
	Dim() int

	// Close releases backend resources. Idempotent.
	Close() error
}

// Normalize scales v to unit L2 norm in place and returns it. Zero vectors
// are returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum <= 0 {
		return v
	}
	inv := 1.0 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}

// Cosine returns the cosine similarity of a and b in [-1, 1]. Returns 0 for
// empty, mismatched-length, or zero-norm inputs.
func Cosine(a, b []float32) float32 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na <= 0 || nb <= 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na)*math.Sqrt(nb) + 1e-8))
}

// Fit pads or truncates samples to [WindowSamples], the canonical embedder
// input length. Shorter inputs are zero-padded at the end; longer inputs keep
// their central portion.
func Fit(samples []int16) []int16 {
	if len(samples) == WindowSamples {
		return samples
	}
	out := make([]int16, WindowSamples)
	if len(samples) < WindowSamples {
		copy(out, samples)
		return out
	}
	start := (len(samples) - WindowSamples) / 2
	copy(out, samples[start:start+WindowSamples])
	return out
}
