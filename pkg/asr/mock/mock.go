// Package mock provides a scriptable [asr.Engine] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/verbatim-ai/verbatim/pkg/asr"
)

// Engine is a test double for [asr.Engine].
//
// Responses come from Hook when set (called with the samples of each
// Transcribe), otherwise from Script in call order; when both are exhausted,
// Transcribe returns nil. All calls are recorded for assertions.
type Engine struct {
	mu sync.Mutex

	// Hook, when non-nil, computes the response for each call.
	Hook func(samples []int16) []asr.Segment

	// Script holds per-call responses consumed in order when Hook is nil.
	Script [][]asr.Segment

	// LoadErr, when non-nil, is returned from Load.
	LoadErr error

	// TranscribeErr, when non-nil, is returned from every Transcribe.
	TranscribeErr error

	// Calls records the sample count of each Transcribe call.
	Calls []int

	loadedModel string
	language    string
	threads     int
	scriptPos   int
}

var _ asr.Engine = (*Engine)(nil)

// Load records the model identifier.
func (e *Engine) Load(model string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.LoadErr != nil {
		return e.LoadErr
	}
	e.loadedModel = model
	return nil
}

// LoadedModel returns the identifier passed to Load.
func (e *Engine) LoadedModel() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadedModel
}

// Close is a no-op.
func (e *Engine) Close() error { return nil }

// SetThreads records the hint.
func (e *Engine) SetThreads(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.threads = n
}

// SetLanguage records the language.
func (e *Engine) SetLanguage(code string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.language = code
	return nil
}

// Transcribe returns the next scripted (or hooked) response.
func (e *Engine) Transcribe(_ context.Context, samples []int16) ([]asr.Segment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.Calls = append(e.Calls, len(samples))
	if e.TranscribeErr != nil {
		return nil, e.TranscribeErr
	}
	if e.Hook != nil {
		return e.Hook(samples), nil
	}
	if e.scriptPos < len(e.Script) {
		segs := e.Script[e.scriptPos]
		e.scriptPos++
		return segs, nil
	}
	return nil, nil
}

// TranscribeWithWords behaves identically to Transcribe; scripted segments
// carry whatever word lists the test provided.
func (e *Engine) TranscribeWithWords(ctx context.Context, samples []int16) ([]asr.Segment, error) {
	return e.Transcribe(ctx, samples)
}
