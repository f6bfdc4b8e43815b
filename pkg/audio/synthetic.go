package audio

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// SyntheticConfig configures the tone generator source.
type SyntheticConfig struct {
	// SampleRate in Hz; 0 selects 16 000.
	SampleRate int

	// ChunkMs is the chunk duration; 0 selects 20 ms.
	ChunkMs int

	// FrequencyHz is the sine frequency; 0 selects 440 Hz.
	FrequencyHz float64

	// Amplitude in [0,1]; 0 selects 0.3.
	Amplitude float64

	// LimitMs stops the source after this much audio; 0 means unbounded.
	LimitMs int64
}

// SyntheticSource generates a continuous sine tone. It stands in for a live
// capture device in tests and demos: chunks are paced at real time and
// production only ends on Stop, cancellation, or the configured limit.
type SyntheticSource struct {
	cfg SyntheticConfig

	chunks chan Chunk
	errs   chan SourceError

	active   atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

var _ Source = (*SyntheticSource)(nil)

// NewSyntheticSource creates a tone generator with the given configuration.
func NewSyntheticSource(cfg SyntheticConfig) *SyntheticSource {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = SampleRate16k
	}
	if cfg.ChunkMs <= 0 {
		cfg.ChunkMs = defaultChunkMs
	}
	if cfg.FrequencyHz <= 0 {
		cfg.FrequencyHz = 440
	}
	if cfg.Amplitude <= 0 || cfg.Amplitude > 1 {
		cfg.Amplitude = 0.3
	}
	return &SyntheticSource{
		cfg:    cfg,
		chunks: make(chan Chunk, 64),
		errs:   make(chan SourceError, 1),
		stopCh: make(chan struct{}),
	}
}

// Start begins producing tone chunks at real-time pace.
func (s *SyntheticSource) Start(ctx context.Context) error {
	s.active.Store(true)
	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

// Stop halts production. Idempotent.
func (s *SyntheticSource) Stop() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	return nil
}

// Active reports whether the source is still producing.
func (s *SyntheticSource) Active() bool { return s.active.Load() }

// Chunks returns the chunk delivery channel.
func (s *SyntheticSource) Chunks() <-chan Chunk { return s.chunks }

// Errs returns the error delivery channel.
func (s *SyntheticSource) Errs() <-chan SourceError { return s.errs }

func (s *SyntheticSource) run(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.chunks)
	defer close(s.errs)
	defer s.active.Store(false)

	perChunk := s.cfg.SampleRate * s.cfg.ChunkMs / 1000
	amp := s.cfg.Amplitude * math.MaxInt16
	step := 2 * math.Pi * s.cfg.FrequencyHz / float64(s.cfg.SampleRate)

	ticker := time.NewTicker(time.Duration(s.cfg.ChunkMs) * time.Millisecond)
	defer ticker.Stop()

	var (
		seq       uint64
		phase     float64
		emittedMs int64
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
		}

		samples := make([]int16, perChunk)
		for i := range samples {
			samples[i] = int16(amp * math.Sin(phase))
			phase += step
		}

		select {
		case s.chunks <- Chunk{Seq: seq, SampleRate: s.cfg.SampleRate, Channels: 1, Samples: samples}:
			seq++
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}

		emittedMs += int64(s.cfg.ChunkMs)
		if s.cfg.LimitMs > 0 && emittedMs >= s.cfg.LimitMs {
			return
		}
	}
}
