package diar

import (
	"context"
	"fmt"
	"sync"

	"github.com/verbatim-ai/verbatim/pkg/embed"
)

const sampleRate = 16000

// Frame is a fixed-size analysis window with a speaker embedding. Adjacent
// frames are separated by exactly the analyzer's hop in start time.
type Frame struct {
	// TStartMs and TEndMs bound the frame in absolute session time;
	// TEndMs − TStartMs equals the analyzer window.
	TStartMs int64
	TEndMs   int64

	// Embedding is the unit-norm speaker embedding of the window.
	Embedding []float32

	// SpeakerID is -1 until ClusterFrames assigns a cluster.
	SpeakerID int

	// Confidence is the cluster-assignment confidence in [0,1]; 0 until
	// clustered.
	Confidence float32
}

// AnalyzerConfig configures the continuous frame analyzer.
type AnalyzerConfig struct {
	// HopMs is the stride between frame starts. 0 selects 250 ms.
	HopMs int

	// WindowMs is the embedding window length. 0 selects 1000 ms.
	WindowMs int

	// HistorySec bounds retained frames; frames older than
	// (newest − HistorySec) are dropped. 0 means unbounded.
	HistorySec int
}

// Analyzer extracts speaker-embedding frames at a fixed hop, independently of
// ASR segmentation, so speaker identity can be tracked at sub-segment
// resolution.
//
// The n-th frame spans [n·hop, n·hop+window); a frame is emitted once its
// whole window of audio has accumulated, so the first frame's center sits at
// window/2 rather than 0 — there is never a partial-window embedding at
// session start.
//
// All methods are safe for concurrent use. AddAudio is expected to be called
// only from the processing task.
type Analyzer struct {
	mu sync.Mutex

	embedder embed.Embedder
	hopMs    int64
	windowMs int64
	histMs   int64

	// audio holds the tail of the stream still needed for future frames.
	// audio[0] corresponds to absolute time bufStartMs.
	audio      []int16
	bufStartMs int64

	// nextStartMs is the absolute start time of the next frame to extract.
	nextStartMs int64

	frames []Frame
}

// NewAnalyzer creates a frame analyzer that computes embeddings with the
// given embedder.
func NewAnalyzer(embedder embed.Embedder, cfg AnalyzerConfig) *Analyzer {
	if cfg.HopMs <= 0 {
		cfg.HopMs = 250
	}
	if cfg.WindowMs <= 0 {
		cfg.WindowMs = 1000
	}
	return &Analyzer{
		embedder: embedder,
		hopMs:    int64(cfg.HopMs),
		windowMs: int64(cfg.WindowMs),
		histMs:   int64(cfg.HistorySec) * 1000,
	}
}

// AddAudio appends 16 kHz mono samples and extracts every frame whose window
// is now complete. Returns the number of frames extracted. An embedder
// failure stops extraction for this call and is returned after any frames
// already extracted; the analyzer remains usable.
func (a *Analyzer) AddAudio(ctx context.Context, samples []int16) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.audio = append(a.audio, samples...)
	endMs := a.bufStartMs + msFromSamples(len(a.audio))

	extracted := 0
	for a.nextStartMs+a.windowMs <= endMs {
		startIdx := samplesFromMs(a.nextStartMs - a.bufStartMs)
		endIdx := startIdx + samplesFromMs(a.windowMs)
		if startIdx < 0 || endIdx > len(a.audio) {
			break
		}

		emb, err := a.embedder.Embed(ctx, a.audio[startIdx:endIdx])
		if err != nil {
			a.trimLocked()
			return extracted, fmt.Errorf("diar: embed frame at %d ms: %w", a.nextStartMs, err)
		}
		embed.Normalize(emb)

		a.frames = append(a.frames, Frame{
			TStartMs:  a.nextStartMs,
			TEndMs:    a.nextStartMs + a.windowMs,
			Embedding: emb,
			SpeakerID: -1,
		})
		a.nextStartMs += a.hopMs
		extracted++
	}

	a.trimLocked()
	return extracted, nil
}

// trimLocked drops audio that can no longer contribute to a future frame and
// frames that fell out of the history window. Must be called with a.mu held.
func (a *Analyzer) trimLocked() {
	// Audio before the next frame start is never read again.
	if cut := samplesFromMs(a.nextStartMs - a.bufStartMs); cut > 0 && cut <= len(a.audio) {
		remaining := make([]int16, len(a.audio)-cut)
		copy(remaining, a.audio[cut:])
		a.audio = remaining
		a.bufStartMs = a.nextStartMs
	}

	if a.histMs <= 0 || len(a.frames) == 0 {
		return
	}
	cutoff := a.frames[len(a.frames)-1].TEndMs - a.histMs
	start := 0
	for start < len(a.frames) && a.frames[start].TEndMs < cutoff {
		start++
	}
	if start > 0 {
		fresh := make([]Frame, len(a.frames)-start)
		copy(fresh, a.frames[start:])
		a.frames = fresh
	}
}

// FramesInRange returns copies of the frames overlapping [t0, t1).
func (a *Analyzer) FramesInRange(t0, t1 int64) []Frame {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []Frame
	for _, f := range a.frames {
		if f.TEndMs > t0 && f.TStartMs < t1 {
			out = append(out, f)
		}
	}
	return out
}

// AllFrames returns a copy of all retained frames in time order.
func (a *Analyzer) AllFrames() []Frame {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Frame, len(a.frames))
	copy(out, a.frames)
	return out
}

// FrameCount returns the number of retained frames.
func (a *Analyzer) FrameCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.frames)
}

// ClusterFrames runs the offline clustering pass over all retained frames and
// writes each frame's speaker id and assignment confidence.
func (a *Analyzer) ClusterFrames(maxSpeakers int, threshold float32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	embeddings := make([][]float32, len(a.frames))
	for i := range a.frames {
		embeddings[i] = a.frames[i].Embedding
	}
	assignments := ClusterOffline(embeddings, maxSpeakers, threshold)
	for i := range a.frames {
		a.frames[i].SpeakerID = assignments[i]
		if assignments[i] >= 0 {
			a.frames[i].Confidence = 1
		}
	}
}

// Reset clears all buffered audio and frames for a fresh session.
func (a *Analyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.audio = nil
	a.bufStartMs = 0
	a.nextStartMs = 0
	a.frames = nil
}

// MajorityVote tallies the clustered speaker ids of frames and returns the
// winning id plus its vote share. Returns (-1, 0) when no frame carries an
// assigned speaker.
func MajorityVote(frames []Frame) (speaker int, confidence float32) {
	votes := make(map[int]int)
	total := 0
	for _, f := range frames {
		if f.SpeakerID < 0 {
			continue
		}
		votes[f.SpeakerID]++
		total++
	}
	if total == 0 {
		return -1, 0
	}

	best, bestVotes := -1, 0
	for id, n := range votes {
		if n > bestVotes || (n == bestVotes && id < best) {
			best, bestVotes = id, n
		}
	}
	return best, float32(bestVotes) / float32(total)
}

// msFromSamples converts a 16 kHz sample count to integer milliseconds.
func msFromSamples(n int) int64 { return int64(n) * 1000 / sampleRate }

// samplesFromMs converts integer milliseconds to a 16 kHz sample count.
func samplesFromMs(ms int64) int { return int(ms * sampleRate / 1000) }
