package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-audio/wav"
)

// defaultChunkMs is the chunk duration produced by the built-in sources.
// 20 ms chunks are standard for audio streaming and keep timing jitter low.
const defaultChunkMs = 20

// FileSource produces chunks from a WAV file at real-time pace. It implements
// [Source].
//
// 16-bit PCM is consumed directly; higher bit depths are scaled down.
// Multi-channel content is downmixed to mono by averaging. The source emits a
// final short chunk at end of file and then becomes inactive, unless Loop is
// set, in which case it restarts from the beginning.
type FileSource struct {
	cfg OpenConfig

	chunks chan Chunk
	errs   chan SourceError

	active   atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Compile-time assertion that FileSource satisfies Source.
var _ Source = (*FileSource)(nil)

// NewFileSource creates a file source for cfg.FilePath. The file is opened
// and decoded in Start so that open errors are reported synchronously.
func NewFileSource(cfg OpenConfig) *FileSource {
	return &FileSource{
		cfg:    cfg,
		chunks: make(chan Chunk, 64),
		errs:   make(chan SourceError, 8),
		stopCh: make(chan struct{}),
	}
}

// Start decodes the WAV file and begins emitting 20 ms chunks (or
// cfg.BufferHintMs when set) at real-time pace. Open and decode failures wrap
// [ErrDeviceUnavailable].
func (s *FileSource) Start(ctx context.Context) error {
	samples, rate, err := decodeWAV(s.cfg.FilePath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	s.active.Store(true)
	s.wg.Add(1)
	go s.run(ctx, samples, rate)
	return nil
}

// Stop halts production and closes the chunk and error channels once the
// producing goroutine has exited. Idempotent.
func (s *FileSource) Stop() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	return nil
}

// Active reports whether the source is still producing.
func (s *FileSource) Active() bool { return s.active.Load() }

// Chunks returns the chunk delivery channel.
func (s *FileSource) Chunks() <-chan Chunk { return s.chunks }

// Errs returns the error delivery channel.
func (s *FileSource) Errs() <-chan SourceError { return s.errs }

// run paces the decoded samples out as chunks. One second of audio takes one
// second of wall time; the source never runs ahead of real time.
func (s *FileSource) run(ctx context.Context, samples []int16, rate int) {
	defer s.wg.Done()
	defer close(s.chunks)
	defer close(s.errs)
	defer s.active.Store(false)

	chunkMs := s.cfg.BufferHintMs
	if chunkMs <= 0 {
		chunkMs = defaultChunkMs
	}
	perChunk := max(rate*chunkMs/1000, 1)

	ticker := time.NewTicker(time.Duration(chunkMs) * time.Millisecond)
	defer ticker.Stop()

	var seq uint64
	for {
		for cursor := 0; cursor < len(samples); cursor += perChunk {
			end := min(cursor+perChunk, len(samples))
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
			}

			out := make([]int16, end-cursor)
			copy(out, samples[cursor:end])
			select {
			case s.chunks <- Chunk{Seq: seq, SampleRate: rate, Channels: 1, Samples: out}:
				seq++
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
		if !s.cfg.Loop {
			return
		}
	}
}

// decodeWAV loads a WAV file as mono int16 samples plus its sample rate.
func decodeWAV(path string) ([]int16, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	d.ReadInfo()
	if !d.IsValidFile() {
		return nil, 0, fmt.Errorf("not a valid WAV file: %s", path)
	}

	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decode %s: %w", path, err)
	}
	if buf.Format == nil || buf.Format.NumChannels <= 0 || buf.Format.SampleRate <= 0 {
		return nil, 0, errors.New("WAV file has no format information")
	}

	// Scale to int16 range when the source bit depth differs.
	shift := 0
	if d.BitDepth > 16 {
		shift = int(d.BitDepth) - 16
	}

	channels := buf.Format.NumChannels
	frames := len(buf.Data) / channels
	mono := make([]int16, frames)
	for i := range frames {
		sum := 0
		for c := range channels {
			v := buf.Data[i*channels+c] >> shift
			sum += v
		}
		mono[i] = int16(sum / channels)
	}

	return mono, buf.Format.SampleRate, nil
}
