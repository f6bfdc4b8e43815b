package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/verbatim-ai/verbatim/pkg/asr"
)

// FallbackEngine implements [asr.Engine] with automatic failover across an
// ordered list of backends. Each backend sits behind its own circuit breaker:
// a backend that keeps failing is bypassed without paying its latency, and is
// re-probed once its breaker half-opens.
//
// Per-window semantics are preserved — a window that every backend rejects is
// reported as a single error, which the pipeline treats as a skip-and-continue
// warning.
type FallbackEngine struct {
	entries []fallbackEntry
}

type fallbackEntry struct {
	name    string
	engine  asr.Engine
	breaker *CircuitBreaker
}

// Compile-time assertion that FallbackEngine satisfies asr.Engine.
var _ asr.Engine = (*FallbackEngine)(nil)

// NewFallbackEngine creates a failover chain with primary as the preferred
// backend.
func NewFallbackEngine(primaryName string, primary asr.Engine, cfg CircuitBreakerConfig) *FallbackEngine {
	f := &FallbackEngine{}
	f.add(primaryName, primary, cfg)
	return f
}

// AddFallback registers an additional backend, tried after all earlier ones.
func (f *FallbackEngine) AddFallback(name string, engine asr.Engine) {
	f.add(name, engine, CircuitBreakerConfig{})
}

func (f *FallbackEngine) add(name string, engine asr.Engine, cfg CircuitBreakerConfig) {
	cfg.Name = name
	f.entries = append(f.entries, fallbackEntry{
		name:    name,
		engine:  engine,
		breaker: NewCircuitBreaker(cfg),
	})
}

// Load initialises every backend. A backend that fails to load is left in the
// chain (its calls fail, and its breaker opens after the configured number of
// consecutive failures) so a flaky model download
// does not abort the session when a healthy fallback exists; Load only fails
// when no backend loaded.
func (f *FallbackEngine) Load(model string) error {
	var errs []error
	loaded := 0
	for _, e := range f.entries {
		if err := e.engine.Load(model); err != nil {
			slog.Warn("asr backend failed to load", "backend", e.name, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
			continue
		}
		loaded++
	}
	if loaded == 0 {
		return fmt.Errorf("resilience: no ASR backend loaded: %w", errors.Join(errs...))
	}
	return nil
}

// Close closes every backend, returning the first error.
func (f *FallbackEngine) Close() error {
	var first error
	for _, e := range f.entries {
		if err := e.engine.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// SetThreads forwards the hint to every backend.
func (f *FallbackEngine) SetThreads(n int) {
	for _, e := range f.entries {
		e.engine.SetThreads(n)
	}
}

// SetLanguage forwards the language to every backend.
func (f *FallbackEngine) SetLanguage(code string) error {
	var errs []error
	for _, e := range f.entries {
		if err := e.engine.SetLanguage(code); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
		}
	}
	return errors.Join(errs...)
}

// Transcribe tries each backend in order through its breaker and returns the
// first success.
func (f *FallbackEngine) Transcribe(ctx context.Context, samples []int16) ([]asr.Segment, error) {
	return f.execute(func(e asr.Engine) ([]asr.Segment, error) {
		return e.Transcribe(ctx, samples)
	})
}

// TranscribeWithWords is Transcribe with word timestamps.
func (f *FallbackEngine) TranscribeWithWords(ctx context.Context, samples []int16) ([]asr.Segment, error) {
	return f.execute(func(e asr.Engine) ([]asr.Segment, error) {
		return e.TranscribeWithWords(ctx, samples)
	})
}

func (f *FallbackEngine) execute(fn func(asr.Engine) ([]asr.Segment, error)) ([]asr.Segment, error) {
	var errs []error
	for i, e := range f.entries {
		var segs []asr.Segment
		err := e.breaker.Execute(func() error {
			var callErr error
			segs, callErr = fn(e.engine)
			return callErr
		})
		if err == nil {
			if i > 0 {
				slog.Debug("asr fallback served the window", "backend", e.name)
			}
			return segs, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
	}
	return nil, fmt.Errorf("resilience: all ASR backends failed: %w", errors.Join(errs...))
}
