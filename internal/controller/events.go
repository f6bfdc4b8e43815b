// Package controller provides the top-level TranscriptionController: session
// lifecycle, event fan-out, chunk history, speaker bookkeeping, and the
// wiring between the audio source, the processing task, and subscribers.
package controller

import (
	"sync"

	"github.com/verbatim-ai/verbatim/pkg/asr"
)

// UnknownSpeaker is the speaker id of chunks without a diarization decision.
const UnknownSpeaker = -1

// State describes the controller lifecycle.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateStopping State = "stopping"
	StateError    State = "error"
)

// TranscriptionChunk is a stable, session-absolute transcribed unit.
type TranscriptionChunk struct {
	// ID is unique within a session; ids are strictly increasing but not
	// necessarily contiguous.
	ID uint64 `json:"id"`

	// Text is the transcribed speech.
	Text string `json:"text"`

	// StartMs and EndMs bound the chunk in absolute session time.
	StartMs int64 `json:"start_ms"`
	EndMs   int64 `json:"end_ms"`

	// SpeakerID is the session-local speaker (0, 1, …) or [UnknownSpeaker].
	SpeakerID int `json:"speaker_id"`

	// SpeakerConfidence is the diarization confidence in [0,1].
	SpeakerConfidence float32 `json:"speaker_confidence"`

	// Finalized is true once no further reclassification is possible.
	Finalized bool `json:"finalized"`

	// Words is the optional word-level breakdown in absolute times.
	Words []asr.Word `json:"words,omitempty"`
}

// DurationMs returns the chunk's span, saturating at zero.
func (c TranscriptionChunk) DurationMs() int64 {
	if c.EndMs <= c.StartMs {
		return 0
	}
	return c.EndMs - c.StartMs
}

// Reclassification reasons.
const (
	// ReasonTerminalRecluster marks the end-of-session frame-level recluster.
	ReasonTerminalRecluster = "terminal_recluster"

	// ReasonBetterContext marks an incremental reassignment made while
	// streaming, once frame evidence contradicted the online label.
	ReasonBetterContext = "better_context"
)

// SpeakerReclassification reports a retroactive change of speaker label for
// previously emitted chunks. It is always published after the chunks'
// original emission.
type SpeakerReclassification struct {
	ChunkIDs     []uint64 `json:"chunk_ids"`
	OldSpeakerID int      `json:"old_speaker_id"`
	NewSpeakerID int      `json:"new_speaker_id"`
	Reason       string   `json:"reason"`
}

// SpeakerStats aggregates per-speaker totals, derived from emitted chunks.
type SpeakerStats struct {
	SpeakerID           int    `json:"speaker_id"`
	TotalSpeakingTimeMs int64  `json:"total_speaking_time_ms"`
	SegmentCount        int    `json:"segment_count"`
	LastText            string `json:"last_text"`
}

// Status is the controller's externally visible state snapshot.
type Status struct {
	State                  State   `json:"state"`
	ElapsedMs              int64   `json:"elapsed_ms"`
	ChunksEmitted          int     `json:"chunks_emitted"`
	ReclassificationsCount int     `json:"reclassifications_count"`
	CurrentDevice          string  `json:"current_device"`
	RealtimeFactor         float64 `json:"realtime_factor"`
	AudioBufferMs          int64   `json:"audio_buffer_ms"`
}

// Severity classifies pipeline errors delivered to error subscribers.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// TranscriptionError is a pipeline error event. Errors from the processing
// task are never propagated across task boundaries as panics or returns; they
// arrive here.
type TranscriptionError struct {
	Severity    Severity `json:"severity"`
	Message     string   `json:"message"`
	Details     string   `json:"details,omitempty"`
	TimestampMs int64    `json:"timestamp_ms"`
}

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls further behind loses events rather than blocking the pipeline.
const subscriberBuffer = 64

// hub is a bounded-channel fan-out for one event type. Each subscriber owns
// a buffered channel; publish drops per-subscriber when a buffer is full.
//
// All methods are safe for concurrent use.
type hub[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	nextID int
}

// subscribe registers a new subscriber and returns its receive channel plus
// an unsubscribe function. Unsubscribing closes the channel.
func (h *hub[T]) subscribe() (<-chan T, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subs == nil {
		h.subs = make(map[int]chan T)
	}
	id := h.nextID
	h.nextID++
	ch := make(chan T, subscriberBuffer)
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
}

// publish delivers v to every subscriber without blocking; subscribers with
// full buffers miss this event.
func (h *hub[T]) publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

// clear closes and removes all subscriptions.
func (h *hub[T]) clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
