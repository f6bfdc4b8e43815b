package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/verbatim-ai/verbatim/internal/diar"
	"github.com/verbatim-ai/verbatim/internal/observe"
	"github.com/verbatim-ai/verbatim/pkg/asr"
	"github.com/verbatim-ai/verbatim/pkg/audio"
	"github.com/verbatim-ai/verbatim/pkg/embed"
)

const (
	// minNewAudioMs gates window processing: a window whose new-audio region
	// is shorter than this slides without calling the engine.
	minNewAudioMs = 1_000

	// minFlushMs gates the end-of-stream flush: shorter tails only release
	// held segments.
	minFlushMs = 500

	// minSegmentEmbedMs is the shortest segment worth an online speaker
	// embedding; shorter segments keep the unknown speaker id.
	minSegmentEmbedMs = 500

	// silenceGateDBFS skips engine calls on windows whose new audio is below
	// this RMS level.
	silenceGateDBFS = -55.0

	// pausePollInterval is how often a paused processing loop rechecks.
	pausePollInterval = 100 * time.Millisecond

	// flushTimeout bounds the final engine call after cancellation.
	flushTimeout = 30 * time.Second
)

// ProcessorConfig carries the tunables of the processing task. The speaker
// bound and threshold live on the clusterer, which the controller constructs.
type ProcessorConfig struct {
	// WindowMs and OverlapMs configure the sliding window; zero selects the
	// package defaults.
	WindowMs  int64
	OverlapMs int64

	// WordTimestamps requests per-word timings from the engine.
	WordTimestamps bool
}

// Hooks are the processor's outbound callbacks, invoked from the processing
// task. They must not block.
type Hooks struct {
	// OnSegment receives each arbitrated segment, in emission order.
	OnSegment func(Segment)

	// OnWarning receives per-buffer failures the pipeline skipped over.
	OnWarning func(error)
}

// Stats is a snapshot of the processor's performance counters.
type Stats struct {
	WindowsProcessed uint64
	SegmentsEmitted  uint64
	AudioProcessedMs int64
	EngineTime       time.Duration
	EmbedTime        time.Duration
	BufferedMs       int64
}

// Processor is the session's single processing task. It consumes the audio
// queue, maintains the sliding window and the frame analyzer in parallel,
// drives the ASR engine, assigns online speakers, and publishes arbitrated
// segments through its hooks.
//
// The engine, embedder, analyzer, and clusterer are exclusively owned by the
// processing task; external callers interact only through [Processor.Pause],
// [Processor.Stats], and the owning controller.
type Processor struct {
	cfg   ProcessorConfig
	hooks Hooks

	queue    *audio.Queue
	engine   asr.Engine     // nil disables transcription
	embedder embed.Embedder // nil disables online speaker assignment
	analyzer *diar.Analyzer // nil disables frame analysis
	cluster  *diar.Clusterer

	window  *Window
	arbiter *Arbiter
	metrics *observe.Metrics

	paused atomic.Bool

	mu    sync.Mutex
	stats Stats
}

// NewProcessor assembles a processing task. engine, embedder, and analyzer
// may be nil to disable the corresponding path; cluster must be non-nil
// whenever embedder is set.
func NewProcessor(
	cfg ProcessorConfig,
	queue *audio.Queue,
	engine asr.Engine,
	embedder embed.Embedder,
	analyzer *diar.Analyzer,
	cluster *diar.Clusterer,
	metrics *observe.Metrics,
	hooks Hooks,
) (*Processor, error) {
	w, err := NewWindow(cfg.WindowMs, cfg.OverlapMs)
	if err != nil {
		return nil, err
	}
	return &Processor{
		cfg:      cfg,
		hooks:    hooks,
		queue:    queue,
		engine:   engine,
		embedder: embedder,
		analyzer: analyzer,
		cluster:  cluster,
		window:   w,
		arbiter:  NewArbiter(),
		metrics:  metrics,
	}, nil
}

// Pause toggles cooperative pausing: a paused processor stops consuming the
// queue (pushed audio stays queued until drop-oldest applies) but finishes
// the window it is currently working on first.
func (p *Processor) Pause(paused bool) { p.paused.Store(paused) }

// Stats returns a snapshot of the performance counters.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.BufferedMs = p.window.BufferedMs()
	return s
}

// LastEmittedEndMs exposes the arbiter watermark for status reporting.
func (p *Processor) LastEmittedEndMs() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.arbiter.LastEmittedEndMs()
}

// Run consumes the queue until it is stopped and drained (or ctx is
// cancelled), then performs the end-of-stream flush: drain the window tail,
// transcribe it, and release all held segments. Run returns nil on a clean
// drain; the terminal recluster is driven by the owning controller after Run
// returns.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if p.paused.Load() {
			select {
			case <-ctx.Done():
				p.flush(ctx)
				return ctx.Err()
			case <-time.After(pausePollInterval):
			}
			continue
		}

		chunk, ok := p.queue.Pop(ctx)
		if !ok {
			break
		}

		samples := audio.DownmixMono(chunk.Samples, chunk.Channels)
		samples = audio.Resample16k(samples, chunk.SampleRate)

		p.window.Append(samples)
		if p.analyzer != nil {
			start := time.Now()
			if _, err := p.analyzer.AddAudio(ctx, samples); err != nil {
				p.warn(fmt.Errorf("frame analysis: %w", err))
				p.metrics.RecordEngineFailure(ctx, "embed")
			}
			p.addEmbedTime(time.Since(start))
		}

		if p.window.Ready() {
			p.processWindow(ctx)
		}
	}

	p.flush(ctx)
	return ctx.Err()
}

// processWindow runs one full window through the engine and the online
// speaker assignment, then releases the previous window's held segments,
// arbitrates this window's segments, and slides the window.
func (p *Processor) processWindow(ctx context.Context) {
	samples, startMs, boundaryRelMs := p.window.View()
	newAudio := samples[p.window.NewAudioOffset():]

	defer func() {
		p.addAudioProcessed(msFromSamples(len(newAudio)))
		p.window.Slide()
	}()

	// Too little new audio, or silent new audio: skip the engine.
	var segs []Segment
	if msFromSamples(len(newAudio)) >= minNewAudioMs && dbfs(newAudio) > silenceGateDBFS {
		segs = p.transcribe(ctx, samples, startMs)
	}

	// Held segments go out once this window's transcription has returned,
	// ahead of the window's own segments.
	for _, s := range p.arbiter.EmitHeld() {
		p.publish(ctx, s)
	}
	if segs == nil {
		return
	}

	p.metrics.AddWindow(ctx)
	p.addWindowProcessed()

	for _, s := range p.arbiter.ProcessWindow(segs, startMs+boundaryRelMs) {
		p.publish(ctx, s)
	}
}

// flush performs the end-of-stream path: release held segments and transcribe
// the never-seen tail. Runs with a fresh deadline so it completes even after
// cancellation.
func (p *Processor) flush(ctx context.Context) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()

	tail, tailStartMs := p.window.Drain()
	p.addAudioProcessed(msFromSamples(len(tail)))

	var tailSegs []Segment
	if msFromSamples(len(tail)) >= minFlushMs && dbfs(tail) > silenceGateDBFS {
		tailSegs = p.transcribe(fctx, tail, tailStartMs)
	}

	for _, s := range p.arbiter.FlushAll(tailSegs) {
		p.publish(fctx, s)
	}
}

// transcribe calls the engine over the buffer starting at absolute bufStartMs
// and decorates the segments with absolute times and online speaker ids.
// Returns nil when the engine is disabled or failed (failures are published
// as warnings and the window is skipped).
func (p *Processor) transcribe(ctx context.Context, samples []int16, bufStartMs int64) []Segment {
	if p.engine == nil {
		return nil
	}

	start := time.Now()
	var raw []asr.Segment
	var err error
	if p.cfg.WordTimestamps {
		raw, err = p.engine.TranscribeWithWords(ctx, samples)
	} else {
		raw, err = p.engine.Transcribe(ctx, samples)
	}
	engineTime := time.Since(start)
	p.metrics.RecordASRDuration(ctx, engineTime)
	p.addEngineTime(engineTime)

	if err != nil {
		p.warn(fmt.Errorf("transcribe window at %d ms: %w", bufStartMs, err))
		p.metrics.RecordEngineFailure(ctx, "asr")
		return nil
	}

	segs := make([]Segment, 0, len(raw))
	for _, r := range raw {
		if asr.IsNonSpeech(r.Text) || r.T1Ms <= r.T0Ms {
			continue
		}
		s := Segment{
			Text:      r.Text,
			StartMs:   bufStartMs + r.T0Ms,
			EndMs:     bufStartMs + r.T1Ms,
			SpeakerID: -1,
		}
		for _, w := range r.Words {
			s.Words = append(s.Words, asr.Word{
				Word:        w.Word,
				T0Ms:        bufStartMs + w.T0Ms,
				T1Ms:        bufStartMs + w.T1Ms,
				Probability: w.Probability,
			})
		}
		s.SpeakerID = p.assignSpeaker(ctx, samples, r.T0Ms, r.T1Ms)
		segs = append(segs, s)
	}
	return segs
}

// assignSpeaker embeds the segment's audio slice and runs the online
// clusterer. Returns -1 when diarization is disabled, the segment is too
// short for a reliable embedding, or the embedder failed.
func (p *Processor) assignSpeaker(ctx context.Context, samples []int16, t0Ms, t1Ms int64) int {
	if p.embedder == nil || p.cluster == nil {
		return -1
	}

	lo := max(samplesFromMs(t0Ms), 0)
	hi := min(samplesFromMs(t1Ms), len(samples))
	if hi-lo < samplesFromMs(minSegmentEmbedMs) {
		return -1
	}

	start := time.Now()
	emb, err := p.embedder.Embed(ctx, samples[lo:hi])
	d := time.Since(start)
	p.metrics.RecordEmbedDuration(ctx, d)
	p.addEmbedTime(d)

	if err != nil {
		p.warn(fmt.Errorf("segment embedding at %d ms: %w", t0Ms, err))
		p.metrics.RecordEngineFailure(ctx, "embed")
		return -1
	}
	return p.cluster.Assign(embed.Normalize(emb))
}

// publish hands a segment to the OnSegment hook and bumps the counters.
func (p *Processor) publish(ctx context.Context, s Segment) {
	p.mu.Lock()
	p.stats.SegmentsEmitted++
	p.mu.Unlock()
	p.metrics.AddChunks(ctx, 1)

	if p.hooks.OnSegment != nil {
		p.hooks.OnSegment(s)
	}
}

func (p *Processor) warn(err error) {
	slog.Warn("pipeline warning", "err", err)
	if p.hooks.OnWarning != nil {
		p.hooks.OnWarning(err)
	}
}

func (p *Processor) addEngineTime(d time.Duration) {
	p.mu.Lock()
	p.stats.EngineTime += d
	p.mu.Unlock()
}

func (p *Processor) addEmbedTime(d time.Duration) {
	p.mu.Lock()
	p.stats.EmbedTime += d
	p.mu.Unlock()
}

func (p *Processor) addWindowProcessed() {
	p.mu.Lock()
	p.stats.WindowsProcessed++
	p.mu.Unlock()
}

func (p *Processor) addAudioProcessed(ms int64) {
	p.mu.Lock()
	p.stats.AudioProcessedMs += ms
	p.mu.Unlock()
}

// dbfs returns the RMS level of samples in decibels relative to full scale.
// Returns -120 for silence or empty input.
func dbfs(samples []int16) float64 {
	if len(samples) == 0 {
		return -120
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms <= 0 {
		return -120
	}
	return 20 * math.Log10(rms)
}
