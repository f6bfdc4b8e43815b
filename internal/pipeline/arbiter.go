package pipeline

import (
	"github.com/antzucaro/matchr"

	"github.com/verbatim-ai/verbatim/pkg/asr"
)

// dupJaroWinkler is the textual near-duplicate guard threshold. The watermark
// suppresses temporal overlap; engines occasionally re-emit the same phrase
// with slightly shifted timestamps across a window boundary, which the
// watermark trim alone cannot catch. A segment whose span had to be trimmed
// against the watermark and whose text reads almost identically to the
// previous emission is treated as such a stutter and dropped.
const dupJaroWinkler = 0.90

// Segment is a transcribed span in absolute session time, decorated with its
// online speaker assignment, as it flows through the arbiter.
type Segment struct {
	Text              string
	StartMs           int64
	EndMs             int64
	SpeakerID         int
	SpeakerConfidence float32
	Words             []asr.Word
}

// Arbiter decides, for each segment of a window, whether to emit it now, hold
// it for the next window, or drop it as a duplicate. It owns the
// last-emitted-end watermark that keeps the emitted transcript free of
// temporal overlap.
//
// Not safe for concurrent use; the processing task owns it exclusively.
type Arbiter struct {
	held             []Segment
	lastEmittedEndMs int64
	lastEmittedText  string
}

// NewArbiter creates an arbiter with an empty watermark.
func NewArbiter() *Arbiter { return &Arbiter{} }

// LastEmittedEndMs returns the high-water mark of emitted absolute end time.
func (a *Arbiter) LastEmittedEndMs() int64 { return a.lastEmittedEndMs }

// HeldCount returns the number of segments deferred to the next window.
func (a *Arbiter) HeldCount() int { return len(a.held) }

// Reset clears watermark and held segments for a fresh session.
func (a *Arbiter) Reset() {
	a.held = nil
	a.lastEmittedEndMs = 0
	a.lastEmittedText = ""
}

// EmitHeld releases the previous window's held segments, trimming each
// against the watermark and dropping any that became empty. Held segments
// from older windows never survive: the queue is cleared unconditionally.
func (a *Arbiter) EmitHeld() []Segment {
	var out []Segment
	for _, s := range a.held {
		if e, ok := a.emit(s); ok {
			out = append(out, e)
		}
	}
	a.held = nil
	return out
}

// ProcessWindow runs the per-window arbitration over segments with absolute
// times. emitBoundaryAbsMs is the absolute time of the window's emit
// boundary: segments ending at or beyond it extend into the overlap zone and
// are held for the next window. Returns the segments to publish now, in
// order. Call EmitHeld first; this method only handles the window's new
// segments.
func (a *Arbiter) ProcessWindow(segs []Segment, emitBoundaryAbsMs int64) []Segment {
	var out []Segment
	for _, s := range segs {
		if s.Text == "" {
			continue
		}
		// Entirely in already-emitted territory.
		if s.EndMs <= a.lastEmittedEndMs {
			continue
		}
		if s.EndMs >= emitBoundaryAbsMs {
			a.held = append(a.held, s)
			continue
		}
		if e, ok := a.emit(s); ok {
			out = append(out, e)
		}
	}
	return out
}

// FlushAll releases everything at end of stream: the held queue first, then
// the final-flush segments, all subject to the watermark trim but never held.
func (a *Arbiter) FlushAll(segs []Segment) []Segment {
	out := a.EmitHeld()
	for _, s := range segs {
		if s.Text == "" || s.EndMs <= a.lastEmittedEndMs {
			continue
		}
		if e, ok := a.emit(s); ok {
			out = append(out, e)
		}
	}
	return out
}

// emit trims s against the watermark, applies the textual duplicate guard,
// and advances the watermark. Returns ok=false when the segment dropped.
func (a *Arbiter) emit(s Segment) (Segment, bool) {
	trimmedStart := s.StartMs < a.lastEmittedEndMs
	s.StartMs = max(s.StartMs, a.lastEmittedEndMs)
	if s.StartMs >= s.EndMs {
		return Segment{}, false
	}

	if trimmedStart && a.lastEmittedText != "" {
		if matchr.JaroWinkler(s.Text, a.lastEmittedText, false) >= dupJaroWinkler {
			return Segment{}, false
		}
	}

	a.lastEmittedEndMs = max(a.lastEmittedEndMs, s.EndMs)
	a.lastEmittedText = s.Text
	return s, true
}
