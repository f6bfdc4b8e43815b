package controller

import (
	"fmt"
	"sort"
	"time"

	"github.com/verbatim-ai/verbatim/internal/config"
)

// ── Status ────────────────────────────────────────────────────────────────────

// Status returns a snapshot of the controller's externally visible state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	state := c.state
	sess := c.sess
	device := c.deviceID
	c.mu.Unlock()

	s := Status{
		State:                  state,
		ChunksEmitted:          int(c.chunksEmitted.Load()),
		ReclassificationsCount: int(c.reclassCount.Load()),
		CurrentDevice:          device,
	}
	if sess == nil {
		return s
	}

	s.CurrentDevice = sess.device.ID
	s.ElapsedMs = time.Since(sess.startedAt).Milliseconds()

	stats := sess.processor.Stats()
	s.AudioBufferMs = stats.BufferedMs
	if stats.AudioProcessedMs > 0 {
		// Engine plus embedder time approximates processing wall time: the
		// loop's own bookkeeping between inference calls is negligible next
		// to them, and idle time waiting for audio must not count.
		busy := stats.EngineTime + stats.EmbedTime
		s.RealtimeFactor = busy.Seconds() / (float64(stats.AudioProcessedMs) / 1000)
	}
	return s
}

// ── Subscriptions ─────────────────────────────────────────────────────────────

// SubscribeChunks registers a chunk subscriber. The returned channel is
// bounded: a subscriber that stops draining loses events rather than
// stalling the pipeline. The unsubscribe function closes the channel.
func (c *Controller) SubscribeChunks() (<-chan TranscriptionChunk, func()) {
	return c.chunkHub.subscribe()
}

// SubscribeReclassifications registers a reclassification subscriber.
func (c *Controller) SubscribeReclassifications() (<-chan SpeakerReclassification, func()) {
	return c.reclassHub.subscribe()
}

// SubscribeStatus registers a status subscriber. Status delivery is
// eventually consistent: intermediate values may be missed, but the terminal
// state on stop is always published.
func (c *Controller) SubscribeStatus() (<-chan Status, func()) {
	return c.statusHub.subscribe()
}

// SubscribeErrors registers an error subscriber.
func (c *Controller) SubscribeErrors() (<-chan TranscriptionError, func()) {
	return c.errorHub.subscribe()
}

// ClearSubscriptions drops every subscription across all event types,
// closing their channels.
func (c *Controller) ClearSubscriptions() {
	c.chunkHub.clear()
	c.reclassHub.clear()
	c.statusHub.clear()
	c.errorHub.clear()
}

// ── Speaker management ────────────────────────────────────────────────────────

// SpeakerCount returns the number of distinct speakers observed so far
// (0 when no session ran).
func (c *Controller) SpeakerCount() int {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil || sess.clusterer == nil {
		return 0
	}
	return sess.clusterer.SpeakerCount()
}

// SetMaxSpeakers adjusts the speaker bound (1–10). Takes effect immediately
// on a running session.
func (c *Controller) SetMaxSpeakers(n int) error {
	if n < 1 || n > 10 {
		return fmt.Errorf("%w: max_speakers %d out of range [1, 10]", ErrInvalidConfig, n)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.MaxSpeakers = n
	if c.sess != nil && c.sess.clusterer != nil {
		c.sess.clusterer.SetMaxSpeakers(n)
	}
	return nil
}

// GetMaxSpeakers returns the configured speaker bound.
func (c *Controller) GetMaxSpeakers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.MaxSpeakers <= 0 {
		return 2
	}
	return c.cfg.MaxSpeakers
}

// SpeakerStatsList returns the per-speaker aggregates in speaker-id order.
func (c *Controller) SpeakerStatsList() []SpeakerStats {
	c.histMu.Lock()
	defer c.histMu.Unlock()

	out := make([]SpeakerStats, 0, len(c.speakerStats))
	for _, s := range c.speakerStats {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SpeakerID < out[j].SpeakerID })
	return out
}

// ── Chunk history ─────────────────────────────────────────────────────────────

// AllChunks returns a copy of the emitted chunk history in emission order.
func (c *Controller) AllChunks() []TranscriptionChunk {
	c.histMu.Lock()
	defer c.histMu.Unlock()
	out := make([]TranscriptionChunk, len(c.history))
	copy(out, c.history)
	return out
}

// ChunkByID returns the chunk with the given id, if still in history.
func (c *Controller) ChunkByID(id uint64) (TranscriptionChunk, bool) {
	c.histMu.Lock()
	defer c.histMu.Unlock()
	for _, chunk := range c.history {
		if chunk.ID == id {
			return chunk, true
		}
	}
	return TranscriptionChunk{}, false
}

// ClearHistory discards the chunk history (the session keeps running).
func (c *Controller) ClearHistory() {
	c.histMu.Lock()
	defer c.histMu.Unlock()
	c.history = nil
	c.speakerStats = nil
}

// ── Configuration ─────────────────────────────────────────────────────────────

// Config returns the active session configuration (the zero value before the
// first start).
func (c *Controller) Config() config.TranscriptionConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// UpdateConfig applies a new configuration. While running, only the
// live-updatable subset is applied (max speakers, reclassification toggles);
// applied reports false when the remaining changes need a restart to take
// effect. Invalid configurations are rejected without partial application.
func (c *Controller) UpdateConfig(cfg config.TranscriptionConfig) (applied bool, err error) {
	if err := config.ValidateTranscription(cfg); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.runningLocked() {
		c.cfg = cfg
		return true, nil
	}

	// Live-updatable subset.
	restartNeeded := cfg.ASRModel != c.cfg.ASRModel ||
		cfg.EmbedderModel != c.cfg.EmbedderModel ||
		cfg.WindowMs != c.cfg.WindowMs ||
		cfg.OverlapMs != c.cfg.OverlapMs ||
		cfg.SpeakerThreshold != c.cfg.SpeakerThreshold ||
		cfg.DisableDiarization != c.cfg.DisableDiarization ||
		cfg.PartialResults() != c.cfg.PartialResults()

	c.cfg.MaxSpeakers = cfg.MaxSpeakers
	c.cfg.EnableReclassification = cfg.EnableReclassification
	c.cfg.ReclassificationWindowMs = cfg.ReclassificationWindowMs
	c.cfg.ChunkEmissionIntervalMs = cfg.ChunkEmissionIntervalMs

	if c.sess != nil && c.sess.clusterer != nil && cfg.MaxSpeakers > 0 {
		c.sess.clusterer.SetMaxSpeakers(cfg.MaxSpeakers)
	}

	return !restartNeeded, nil
}
