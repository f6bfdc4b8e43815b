package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/verbatim-ai/verbatim/internal/config"
	"github.com/verbatim-ai/verbatim/internal/diar"
	"github.com/verbatim-ai/verbatim/internal/observe"
	"github.com/verbatim-ai/verbatim/internal/pipeline"
	"github.com/verbatim-ai/verbatim/internal/store"
	"github.com/verbatim-ai/verbatim/pkg/asr"
	"github.com/verbatim-ai/verbatim/pkg/audio"
	"github.com/verbatim-ai/verbatim/pkg/embed"
)

// Sentinel errors returned by controller operations.
var (
	// ErrAlreadyRunning is returned by Start when a session is active.
	ErrAlreadyRunning = errors.New("controller: transcription already running")

	// ErrNotRunning is returned by operations that need an active session.
	ErrNotRunning = errors.New("controller: transcription not running")

	// ErrLifecycle is returned for operations invalid in the current state,
	// e.g. selecting a device while running.
	ErrLifecycle = errors.New("controller: operation not valid in current state")

	// ErrInvalidConfig wraps session-config validation failures. Nothing is
	// partially applied.
	ErrInvalidConfig = errors.New("controller: invalid configuration")

	// ErrModelLoadFailed wraps engine or embedder initialisation failures.
	ErrModelLoadFailed = errors.New("controller: model load failed")
)

const (
	// historyCap bounds the chunk history; the oldest chunks beyond it are
	// discarded.
	historyCap = 10_000

	// defaultStatusInterval paces periodic status events when the config
	// does not specify one.
	defaultStatusInterval = 500 * time.Millisecond

	// dropWarnStep is how many newly dropped queue chunks accumulate before
	// another overflow warning is published.
	dropWarnStep = 25

	// archiveTimeout bounds each archive write so a slow store cannot stall
	// the pipeline indefinitely.
	archiveTimeout = 5 * time.Second
)

// Option configures a [Controller] during construction.
type Option func(*Controller)

// WithMetrics attaches metric instruments. Without it, nothing is recorded.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithArchive attaches a transcript archive written through on emission,
// reclassification, and session finalisation.
func WithArchive(a store.Archive) Option {
	return func(c *Controller) { c.archive = a }
}

// WithEnumerator replaces the device enumerator (tests).
func WithEnumerator(fn func() []audio.Device) Option {
	return func(c *Controller) { c.enumerate = fn }
}

// WithSourceOpener replaces the source constructor (tests, platform
// adapters).
func WithSourceOpener(fn func(audio.Device, audio.OpenConfig) (audio.Source, error)) Option {
	return func(c *Controller) { c.openSource = fn }
}

// WithOpenConfig sets the options passed to the audio source at Start
// (file path, loop, pacing, preferred rate).
func WithOpenConfig(oc audio.OpenConfig) Option {
	return func(c *Controller) { c.openCfg = oc }
}

// WithQueueCapacity overrides the audio queue bound (tests).
func WithQueueCapacity(n int) Option {
	return func(c *Controller) { c.queueCap = n }
}

// Controller is the top-level lifecycle and event surface of a transcription
// session. One controller owns at most one session at a time; all engines and
// pipeline state are per-session and torn down on stop, so multiple
// controllers can coexist in one process.
//
// All exported methods are safe for concurrent use. Event callbacks are
// delivered over per-subscriber bounded channels fed from the processing
// task; a subscriber that stops draining loses events rather than stalling
// the pipeline.
type Controller struct {
	engine   asr.Engine
	embedder embed.Embedder
	metrics  *observe.Metrics
	archive  store.Archive

	enumerate  func() []audio.Device
	openSource func(audio.Device, audio.OpenConfig) (audio.Source, error)
	openCfg    audio.OpenConfig
	queueCap   int

	mu       sync.Mutex
	state    State
	cfg      config.TranscriptionConfig
	deviceID string
	sess     *session

	histMu       sync.Mutex
	history      []TranscriptionChunk
	nextChunkID  uint64
	speakerStats map[int]*SpeakerStats

	chunksEmitted atomic.Int64
	reclassCount  atomic.Int64

	chunkHub   hub[TranscriptionChunk]
	reclassHub hub[SpeakerReclassification]
	statusHub  hub[Status]
	errorHub   hub[TranscriptionError]
}

// session bundles the per-session moving parts.
type session struct {
	id        string
	cancel    context.CancelFunc
	device    audio.Device
	source    audio.Source
	queue     *audio.Queue
	processor *pipeline.Processor
	analyzer  *diar.Analyzer
	clusterer *diar.Clusterer
	group     *errgroup.Group
	startedAt time.Time
	emitLive  bool
	diarOn    bool

	// done closes once the processing task has flushed, the terminal
	// recluster has run, and the final status is published.
	done chan struct{}

	lastDropWarn uint64
}

// New creates a controller around the given engine and embedder adapters.
// Either may be nil to disable transcription or diarization respectively.
func New(engine asr.Engine, embedder embed.Embedder, opts ...Option) *Controller {
	c := &Controller{
		engine:     engine,
		embedder:   embedder,
		enumerate:  audio.Enumerate,
		openSource: audio.Open,
		state:      StateIdle,
		queueCap:   audio.DefaultQueueCapacity,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ── Device management ─────────────────────────────────────────────────────────

// ListAudioDevices returns the devices known to the configured enumerator.
// The list always includes the built-in synthetic and file descriptors.
func (c *Controller) ListAudioDevices() []audio.Device {
	return c.enumerate()
}

// SelectAudioDevice chooses the capture device for the next session.
// Fails with [ErrLifecycle] while a session is running.
func (c *Controller) SelectAudioDevice(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runningLocked() {
		return fmt.Errorf("%w: cannot change device while running", ErrLifecycle)
	}
	c.deviceID = id
	return nil
}

// SelectedDevice returns the currently selected device id ("" = default).
func (c *Controller) SelectedDevice() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

// Start begins a transcription session with the given configuration. It
// loads the engine and embedder models, opens the audio source, and launches
// the capture and processing tasks. Fails with [ErrAlreadyRunning],
// [ErrInvalidConfig], [ErrModelLoadFailed], or a wrapped
// [audio.ErrDeviceUnavailable].
func (c *Controller) Start(cfg config.TranscriptionConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.runningLocked() {
		return ErrAlreadyRunning
	}
	if err := config.ValidateTranscription(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	// A fresh start resets everything from the previous session.
	c.resetHistoryLocked()
	c.cfg = cfg

	if c.engine != nil {
		if err := c.engine.Load(cfg.ASRModel); err != nil {
			return fmt.Errorf("%w: asr: %v", ErrModelLoadFailed, err)
		}
	}

	diarOn := !cfg.DisableDiarization && c.embedder != nil
	if diarOn {
		if err := c.embedder.Load(cfg.EmbedderModel); err != nil {
			return fmt.Errorf("%w: embedder: %v", ErrModelLoadFailed, err)
		}
	}

	dev, err := c.resolveDeviceLocked()
	if err != nil {
		return err
	}

	oc := c.openCfg
	oc.DeviceID = c.deviceID
	source, err := c.openSource(dev, oc)
	if err != nil {
		return fmt.Errorf("%w: open %q: %v", audio.ErrDeviceUnavailable, dev.ID, err)
	}

	sess := &session{
		id:        fmt.Sprintf("session-%d", time.Now().UnixNano()),
		device:    dev,
		source:    source,
		queue:     audio.NewQueue(c.queueCap),
		startedAt: time.Now(),
		emitLive:  cfg.PartialResults(),
		diarOn:    diarOn,
		done:      make(chan struct{}),
	}

	maxSpeakers := cfg.MaxSpeakers
	if maxSpeakers <= 0 {
		maxSpeakers = 2
	}
	if diarOn {
		sess.clusterer = diar.NewClusterer(maxSpeakers, cfg.SpeakerThreshold)
		sess.analyzer = diar.NewAnalyzer(c.embedder, diar.AnalyzerConfig{})
	}

	embedder := c.embedder
	if !diarOn {
		embedder = nil
	}
	proc, err := pipeline.NewProcessor(
		pipeline.ProcessorConfig{
			WindowMs:       int64(cfg.WindowMs),
			OverlapMs:      int64(cfg.OverlapMs),
			WordTimestamps: cfg.WordTimestamps,
		},
		sess.queue, c.engine, embedder, sess.analyzer, sess.clusterer, c.metrics,
		pipeline.Hooks{
			OnSegment: func(s pipeline.Segment) { c.handleSegment(sess, s) },
			OnWarning: func(err error) { c.publishError(sess, SeverityWarning, err) },
		},
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	sess.processor = proc

	ctx, cancel := context.WithCancel(context.Background())
	sess.cancel = cancel

	if err := source.Start(ctx); err != nil {
		cancel()
		return err
	}

	sess.group, _ = errgroup.WithContext(ctx)
	sess.group.Go(func() error { c.captureLoop(ctx, sess); return nil })
	sess.group.Go(func() error { c.sourceErrorLoop(sess); return nil })
	sess.group.Go(func() error { c.statusLoop(ctx, sess); return nil })
	sess.group.Go(func() error {
		err := sess.processor.Run(ctx)
		c.finishSession(sess, err)
		return nil
	})

	c.sess = sess
	c.state = StateRunning
	c.metrics.SessionStarted(ctx)

	// Status publication re-reads controller state, so it must happen off
	// this goroutine (c.mu is held until Start returns).
	go func() {
		c.publishStatus(StateStarting)
		c.publishStatus(StateRunning)
	}()
	slog.Info("transcription started",
		"session", sess.id,
		"device", dev.ID,
		"diarization", diarOn,
	)
	return nil
}

// Stop ends the session: it stops capture, drains the pipeline (held
// segments, final flush, terminal recluster), publishes the final status,
// and tears the session down. Idempotent; safe to call when not running.
func (c *Controller) Stop() {
	c.mu.Lock()
	sess := c.sess
	if sess == nil {
		c.mu.Unlock()
		return
	}
	c.state = StateStopping
	c.mu.Unlock()

	c.publishStatus(StateStopping)

	// A paused processor only watches its pause ticker and ctx; unpause it so
	// the queue drain below can complete.
	sess.processor.Pause(false)

	sess.source.Stop()
	sess.queue.Stop()
	<-sess.done
	sess.cancel()
	_ = sess.group.Wait()

	c.mu.Lock()
	c.sess = nil
	if c.state == StateStopping {
		c.state = StateIdle
	}
	c.mu.Unlock()
}

// Pause suspends consumption of the audio queue. Capture continues; queued
// audio survives up to the queue bound (drop-oldest applies beyond it).
// Valid only while running.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil || c.state != StateRunning {
		return ErrNotRunning
	}
	c.sess.processor.Pause(true)
	c.state = StatePaused
	go c.publishStatus(StatePaused)
	return nil
}

// Resume continues a paused session.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil || c.state != StatePaused {
		return fmt.Errorf("%w: not paused", ErrLifecycle)
	}
	c.sess.processor.Pause(false)
	c.state = StateRunning
	go c.publishStatus(StateRunning)
	return nil
}

// IsRunning reports whether a session is active (running or paused).
func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runningLocked()
}

// Done returns a channel closed once the current session has fully finished
// (pipeline drained, terminal recluster complete). Returns a closed channel
// when no session is active.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		return c.sess.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// runningLocked reports whether an unfinished session exists. Must be called
// with c.mu held.
func (c *Controller) runningLocked() bool {
	if c.sess == nil {
		return false
	}
	select {
	case <-c.sess.done:
		return false
	default:
		return true
	}
}

// snapshotCfg returns the active session config under the state lock, for
// readers on the processing task.
func (c *Controller) snapshotCfg() config.TranscriptionConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// resolveDeviceLocked maps the selected device id to a descriptor.
func (c *Controller) resolveDeviceLocked() (audio.Device, error) {
	devices := c.enumerate()
	if c.deviceID == "" {
		for _, d := range devices {
			if d.Default {
				return d, nil
			}
		}
		if len(devices) > 0 {
			return devices[0], nil
		}
		return audio.Device{}, fmt.Errorf("%w: no audio devices available", audio.ErrDeviceUnavailable)
	}
	for _, d := range devices {
		if d.ID == c.deviceID {
			return d, nil
		}
	}
	return audio.Device{}, fmt.Errorf("%w: unknown device %q", audio.ErrDeviceUnavailable, c.deviceID)
}

// ── Session tasks ─────────────────────────────────────────────────────────────

// captureLoop forwards source chunks into the queue and stops the queue when
// the source ends, which lets the processing task drain and flush.
func (c *Controller) captureLoop(ctx context.Context, sess *session) {
	defer sess.queue.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-sess.source.Chunks():
			if !ok {
				return
			}
			sess.queue.Push(chunk)
			c.watchQueueOverflow(ctx, sess)
		}
	}
}

// watchQueueOverflow publishes a warning each time another dropWarnStep
// chunks have been evicted.
func (c *Controller) watchQueueOverflow(ctx context.Context, sess *session) {
	dropped := sess.queue.DroppedCount()
	if dropped >= sess.lastDropWarn+dropWarnStep {
		c.metrics.AddQueueDropped(ctx, int64(dropped-sess.lastDropWarn))
		sess.lastDropWarn = dropped
		c.publishError(sess, SeverityWarning,
			fmt.Errorf("audio queue overflow: %d chunks dropped so far", dropped))
	}
}

// sourceErrorLoop forwards capture errors to error subscribers.
func (c *Controller) sourceErrorLoop(sess *session) {
	for e := range sess.source.Errs() {
		sev := SeverityWarning
		if e.Severity == audio.SeverityFatal {
			sev = SeverityError
		}
		c.publishError(sess, sev, e)
	}
}

// statusLoop publishes periodic status snapshots while the session lives.
func (c *Controller) statusLoop(ctx context.Context, sess *session) {
	interval := defaultStatusInterval
	if ms := c.snapshotCfg().ChunkEmissionIntervalMs; ms > 0 {
		interval = time.Duration(ms) * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.done:
			return
		case <-ticker.C:
			c.statusHub.publish(c.Status())
		}
	}
}

// finishSession runs on the processing goroutine after the pipeline has
// flushed: terminal recluster, deferred emission, archive finalisation, and
// the final status.
//
// Ordering: reclassification events may only follow the chunks they correct.
// With live emission the recluster references already-delivered chunks; with
// deferred emission the recluster runs silently (events suppressed, see
// reclassifyRange) and finalizeHistory delivers the chunks with their final
// labels.
func (c *Controller) finishSession(sess *session, runErr error) {
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		c.publishError(sess, SeverityError, runErr)
	}

	if sess.diarOn && c.snapshotCfg().Reclassification() {
		c.terminalRecluster(sess)
	}

	c.finalizeHistory(sess)

	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if c.archive != nil {
		if err := c.archive.FinalizeSession(ctx, sess.id); err != nil {
			slog.Warn("archive finalize failed", "err", err)
		}
		c.saveCentroids(ctx, sess)
	}

	c.mu.Lock()
	if c.state != StateError {
		c.state = StateIdle
	}
	finalState := c.state
	c.mu.Unlock()

	c.metrics.SessionEnded(ctx)
	close(sess.done)
	c.publishStatus(finalState)
	slog.Info("transcription finished", "session", sess.id, "chunks", c.chunksEmitted.Load())
}

// ── Emission path (processing task) ───────────────────────────────────────────

// handleSegment turns an arbitrated segment into a TranscriptionChunk:
// assigns the id, stores it in history, updates speaker statistics, writes
// the archive, publishes the event, and triggers incremental
// reclassification.
func (c *Controller) handleSegment(sess *session, s pipeline.Segment) {
	cfg := c.snapshotCfg()

	c.histMu.Lock()
	c.nextChunkID++
	chunk := TranscriptionChunk{
		ID:                c.nextChunkID,
		Text:              s.Text,
		StartMs:           s.StartMs,
		EndMs:             s.EndMs,
		SpeakerID:         s.SpeakerID,
		SpeakerConfidence: s.SpeakerConfidence,
		Finalized:         !(sess.diarOn && cfg.Reclassification()),
		Words:             s.Words,
	}
	c.history = append(c.history, chunk)
	if len(c.history) > historyCap {
		c.history = append(c.history[:0:0], c.history[len(c.history)-historyCap:]...)
	}
	c.updateSpeakerStatsLocked(chunk)
	c.histMu.Unlock()

	c.chunksEmitted.Add(1)

	if c.archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		if err := c.archive.SaveChunk(ctx, store.ChunkRecord{
			SessionID:         sess.id,
			ChunkID:           chunk.ID,
			Text:              chunk.Text,
			StartMs:           chunk.StartMs,
			EndMs:             chunk.EndMs,
			SpeakerID:         chunk.SpeakerID,
			SpeakerConfidence: chunk.SpeakerConfidence,
			Finalized:         chunk.Finalized,
		}); err != nil {
			slog.Warn("archive write failed", "chunk", chunk.ID, "err", err)
		}
		cancel()
	}

	if sess.emitLive {
		c.chunkHub.publish(chunk)
	}

	if sess.diarOn && cfg.Reclassification() {
		c.incrementalReclass(sess)
	}
}

// updateSpeakerStatsLocked folds one chunk into the per-speaker aggregates.
// Must be called with c.histMu held.
func (c *Controller) updateSpeakerStatsLocked(chunk TranscriptionChunk) {
	if chunk.SpeakerID < 0 {
		return
	}
	if c.speakerStats == nil {
		c.speakerStats = make(map[int]*SpeakerStats)
	}
	stats, ok := c.speakerStats[chunk.SpeakerID]
	if !ok {
		stats = &SpeakerStats{SpeakerID: chunk.SpeakerID}
		c.speakerStats[chunk.SpeakerID] = stats
	}
	stats.TotalSpeakingTimeMs += chunk.DurationMs()
	stats.SegmentCount++
	stats.LastText = chunk.Text
}

// rebuildSpeakerStatsLocked recomputes the aggregates from the whole history
// after a reclassification. Must be called with c.histMu held.
func (c *Controller) rebuildSpeakerStatsLocked() {
	c.speakerStats = make(map[int]*SpeakerStats)
	for _, chunk := range c.history {
		c.updateSpeakerStatsLocked(chunk)
	}
}

// resetHistoryLocked clears all per-session derived state. Must be called
// with c.mu held (start path).
func (c *Controller) resetHistoryLocked() {
	c.histMu.Lock()
	defer c.histMu.Unlock()
	c.history = nil
	c.nextChunkID = 0
	c.speakerStats = nil
	c.chunksEmitted.Store(0)
	c.reclassCount.Store(0)
}

// publishError converts an internal error into a TranscriptionError event.
func (c *Controller) publishError(sess *session, sev Severity, err error) {
	c.errorHub.publish(TranscriptionError{
		Severity:    sev,
		Message:     err.Error(),
		TimestampMs: time.Since(sess.startedAt).Milliseconds(),
	})
}

// publishStatus publishes a snapshot with the given state override.
func (c *Controller) publishStatus(state State) {
	s := c.Status()
	s.State = state
	c.statusHub.publish(s)
}
