// Package whispercpp provides an [asr.Engine] backed by the whisper.cpp CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.
//
// The model is loaded once per engine; each Transcribe call creates a fresh
// whisper context, which is the bindings' supported way to keep the shared
// model usable from long-lived engines.
package whispercpp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/verbatim-ai/verbatim/pkg/asr"
)

// Compile-time assertion that Engine satisfies asr.Engine.
var _ asr.Engine = (*Engine)(nil)

// defaultLanguage is used until SetLanguage is called.
const defaultLanguage = "en"

// Engine implements asr.Engine using whisper.cpp.
//
// Transcribe is serialised internally: whisper contexts are not thread-safe
// and the pipeline calls from a single goroutine anyway.
type Engine struct {
	mu       sync.Mutex
	model    whisperlib.Model
	language string
	threads  uint
}

// New creates an unloaded engine. Call Load before Transcribe.
func New() *Engine {
	return &Engine{language: defaultLanguage}
}

// Load resolves the model identifier to a file and initialises whisper.cpp.
// Identifiers containing a path separator or a known extension are used
// verbatim; short names like "tiny.en" are resolved under models/ using the
// common ggml naming patterns.
func (e *Engine) Load(model string) error {
	if model == "" {
		return errors.New("whispercpp: model identifier must not be empty")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model != nil {
		return nil
	}

	path := resolveModelPath(model)
	m, err := whisperlib.New(path)
	if err != nil {
		return fmt.Errorf("whispercpp: load model %q (resolved %q): %w", model, path, err)
	}
	e.model = m
	return nil
}

// Close releases the model. Idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return nil
	}
	err := e.model.Close()
	e.model = nil
	return err
}

// SetThreads hints the decode thread count; n ≤ 0 selects the CPU count.
func (e *Engine) SetThreads(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n <= 0 {
		e.threads = uint(max(1, runtime.NumCPU()))
		return
	}
	e.threads = uint(n)
}

// SetLanguage selects the recognition language.
func (e *Engine) SetLanguage(code string) error {
	if code == "" {
		return errors.New("whispercpp: language code must not be empty")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.language = code
	return nil
}

// Transcribe runs whisper.cpp over the samples and returns time-ordered
// segments with buffer-relative millisecond timings.
func (e *Engine) Transcribe(ctx context.Context, samples []int16) ([]asr.Segment, error) {
	return e.transcribe(ctx, samples, false)
}

// TranscribeWithWords is Transcribe with token-level timestamps mapped onto
// per-word entries.
func (e *Engine) TranscribeWithWords(ctx context.Context, samples []int16) ([]asr.Segment, error) {
	return e.transcribe(ctx, samples, true)
}

func (e *Engine) transcribe(ctx context.Context, samples []int16, withWords bool) ([]asr.Segment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return nil, errors.New("whispercpp: engine not loaded")
	}

	wctx, err := e.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("whispercpp: create context: %w", err)
	}
	if e.threads > 0 {
		wctx.SetThreads(e.threads)
	}
	if err := wctx.SetLanguage(e.language); err != nil {
		return nil, fmt.Errorf("whispercpp: set language %q: %w", e.language, err)
	}
	if withWords {
		wctx.SetTokenTimestamps(true)
		wctx.SetSplitOnWord(true)
	}

	if err := wctx.Process(toFloat32(samples), nil, nil, nil); err != nil {
		return nil, fmt.Errorf("whispercpp: process audio: %w", err)
	}

	var out []asr.Segment
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("whispercpp: read segment: %w", err)
		}

		text := strings.TrimSpace(seg.Text)
		if asr.IsNonSpeech(text) {
			continue
		}

		s := asr.Segment{
			Text: text,
			T0Ms: seg.Start.Milliseconds(),
			T1Ms: seg.End.Milliseconds(),
		}
		if withWords {
			for _, tok := range seg.Tokens {
				word := strings.TrimSpace(tok.Text)
				if word == "" || strings.HasPrefix(word, "[_") {
					continue
				}
				s.Words = append(s.Words, asr.Word{
					Word:        word,
					T0Ms:        tok.Start.Milliseconds(),
					T1Ms:        tok.End.Milliseconds(),
					Probability: tok.P,
				})
			}
		}
		out = append(out, s)
	}
	return out, nil
}

// resolveModelPath maps a short model name to a file under models/, trying
// the common GGUF and legacy GGML BIN naming patterns. Identifiers that
// already carry an extension or a path separator are returned unchanged.
func resolveModelPath(model string) string {
	if strings.ContainsAny(model, "/\\") ||
		strings.HasSuffix(model, ".gguf") || strings.HasSuffix(model, ".bin") {
		return model
	}

	candidates := []string{
		"models/" + model + ".gguf",
		"models/ggml-" + model + "-q5_1.gguf",
		"models/ggml-" + model + ".gguf",
		"models/" + model + ".bin",
		"models/ggml-" + model + ".bin",
		"models/ggml-" + model + "-q5_1.bin",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	// Let whisper.cpp report the miss against the primary candidate.
	return candidates[0]
}

// toFloat32 converts int16 PCM to float32 samples in [-1, 1].
func toFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	const scale = 1.0 / 32768.0
	for i, s := range samples {
		out[i] = float32(s) * scale
	}
	return out
}
