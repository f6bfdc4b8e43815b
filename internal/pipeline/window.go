// Package pipeline implements the streaming transcription pipeline: the
// sliding [Window] accumulator, the [Arbiter] that decides emit/hold/drop per
// segment, and the [Processor] task that ties audio intake, the ASR engine,
// and the diarization side together.
package pipeline

import "fmt"

const sampleRate = 16000

// Window defaults in milliseconds.
const (
	DefaultWindowMs  = 10_000
	DefaultOverlapMs = 5_000
)

// Window is the processing task's sliding accumulator at 16 kHz mono.
//
// The buffer fills to windowMs, is handed to the ASR engine whole (trailing
// context improves Whisper-family segment boundaries), and then slides
// forward by windowMs−overlapMs: the emit-zone prefix is discarded and the
// overlap-zone tail is retained as context for the next window. Segments the
// engine re-produces inside the retained overlap are suppressed downstream by
// the [Arbiter] watermark.
//
// Not safe for concurrent use; the processing task owns it exclusively.
type Window struct {
	windowMs  int64
	overlapMs int64

	samples []int16

	// startMs is the absolute session time of samples[0]. It only increases.
	startMs int64
}

// NewWindow creates a sliding window. Zero values select the defaults;
// overlapMs must stay below windowMs.
func NewWindow(windowMs, overlapMs int64) (*Window, error) {
	if windowMs <= 0 {
		windowMs = DefaultWindowMs
	}
	if overlapMs <= 0 {
		overlapMs = DefaultOverlapMs
	}
	if overlapMs >= windowMs {
		return nil, fmt.Errorf("pipeline: overlap %d ms must be smaller than window %d ms", overlapMs, windowMs)
	}
	return &Window{
		windowMs:  windowMs,
		overlapMs: overlapMs,
		samples:   make([]int16, 0, samplesFromMs(windowMs)),
	}, nil
}

// Append adds resampled audio and reports whether the buffer is now full.
func (w *Window) Append(samples []int16) bool {
	w.samples = append(w.samples, samples...)
	return w.Ready()
}

// Ready reports whether a full window has accumulated.
func (w *Window) Ready() bool {
	return len(w.samples) >= samplesFromMs(w.windowMs)
}

// View returns the current buffer, its absolute start time, and the emit
// boundary relative to the buffer start. Segments ending at or beyond the
// boundary fall in the hold zone.
func (w *Window) View() (samples []int16, startMs, emitBoundaryMs int64) {
	return w.samples, w.startMs, w.windowMs - w.overlapMs
}

// NewAudioOffset returns the index where the buffer's new audio starts: 0
// before the first slide, the overlap length after (samples a slide kept
// beyond the overlap count as new).
func (w *Window) NewAudioOffset() int {
	if w.startMs == 0 {
		return 0
	}
	return min(samplesFromMs(w.overlapMs), len(w.samples))
}

// StartMs returns the absolute session time of the first buffered sample.
func (w *Window) StartMs() int64 { return w.startMs }

// BufferedMs returns the duration currently buffered.
func (w *Window) BufferedMs() int64 { return msFromSamples(len(w.samples)) }

// Slide discards the emit-zone prefix (the first windowMs−overlapMs) and
// keeps the rest: the overlap-zone tail, plus any samples appended beyond a
// full window. The buffer start time advances by windowMs−overlapMs (or by
// the whole buffer when it holds no more than the emit zone).
func (w *Window) Slide() {
	discard := samplesFromMs(w.windowMs - w.overlapMs)
	if len(w.samples) > discard {
		w.startMs += msFromSamples(discard)

		keep := len(w.samples) - discard
		tail := make([]int16, keep, max(keep, samplesFromMs(w.windowMs)))
		copy(tail, w.samples[discard:])
		w.samples = tail
		return
	}
	w.startMs += msFromSamples(len(w.samples))
	w.samples = w.samples[:0]
}

// Drain returns the not-yet-transcribed tail for the end-of-stream flush: the
// samples beyond the overlap carried over from the previous window, plus that
// tail's absolute start time. The window is left empty.
func (w *Window) Drain() (tail []int16, tailStartMs int64) {
	skip := w.NewAudioOffset()
	if len(w.samples) > skip {
		tail = make([]int16, len(w.samples)-skip)
		copy(tail, w.samples[skip:])
	}
	tailStartMs = w.startMs + msFromSamples(skip)

	w.startMs += msFromSamples(len(w.samples))
	w.samples = w.samples[:0]
	return tail, tailStartMs
}

// Reset clears the buffer and rewinds the clock for a fresh session.
func (w *Window) Reset() {
	w.samples = w.samples[:0]
	w.startMs = 0
}

// msFromSamples converts a 16 kHz sample count to integer milliseconds.
func msFromSamples(n int) int64 { return int64(n) * 1000 / sampleRate }

// samplesFromMs converts integer milliseconds to a 16 kHz sample count.
func samplesFromMs(ms int64) int { return int(ms * sampleRate / 1000) }
