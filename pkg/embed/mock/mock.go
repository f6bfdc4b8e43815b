// Package mock provides a deterministic [embed.Embedder] for tests: it maps
// each audio window to one of a small set of orthogonal unit vectors, so a
// test can simulate N perfectly-separable speakers by feeding distinguishable
// signals (or by supplying its own Classify function).
package mock

import (
	"context"
	"sync"

	"github.com/verbatim-ai/verbatim/pkg/embed"
)

// DefaultDim is the mock embedding dimensionality.
const DefaultDim = 8

// Embedder is a test double for [embed.Embedder].
type Embedder struct {
	// Dimension of produced vectors; 0 selects DefaultDim.
	Dimension int

	// Classify maps a window to a speaker index in [0, Dimension). When nil,
	// windows are classified by zero-crossing rate: low-pitch signals map to
	// speaker 0, high-pitch to speaker 1.
	Classify func(samples []int16) int

	// EmbedErr, when non-nil, is returned from every Embed call.
	EmbedErr error

	mu    sync.Mutex
	calls int
}

var _ embed.Embedder = (*Embedder)(nil)

// Load accepts any identifier.
func (e *Embedder) Load(string) error { return nil }

// Close is a no-op.
func (e *Embedder) Close() error { return nil }

// Dim returns the configured dimensionality.
func (e *Embedder) Dim() int {
	if e.Dimension > 0 {
		return e.Dimension
	}
	return DefaultDim
}

// Calls returns the number of Embed invocations.
func (e *Embedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// Embed returns the one-hot unit vector for the window's speaker class.
func (e *Embedder) Embed(_ context.Context, samples []int16) ([]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()

	if e.EmbedErr != nil {
		return nil, e.EmbedErr
	}

	idx := 0
	if e.Classify != nil {
		idx = e.Classify(samples)
	} else {
		idx = classifyByPitch(samples)
	}

	dim := e.Dim()
	if idx < 0 || idx >= dim {
		idx = 0
	}
	v := make([]float32, dim)
	v[idx] = 1
	return v, nil
}

// classifyByPitch estimates pitch via the zero-crossing rate. Signals below
// ~600 Hz map to speaker 0; above, to speaker 1. Silence maps to speaker 0.
func classifyByPitch(samples []int16) int {
	if len(samples) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] >= 0) != (samples[i] >= 0) {
			crossings++
		}
	}
	// Zero crossings per second ≈ 2 × frequency at 16 kHz.
	freq := float64(crossings) * 16000 / float64(len(samples)) / 2
	if freq > 600 {
		return 1
	}
	return 0
}
