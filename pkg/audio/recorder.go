package audio

import (
	"fmt"
	"os"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Recorder writes captured audio to a 16-bit mono WAV file. It is a
// convenience sink for the --save-audio flag and is not part of the pipeline
// contract.
//
// All methods are safe for concurrent use.
type Recorder struct {
	mu   sync.Mutex
	f    *os.File
	enc  *wav.Encoder
	rate int
	done bool
}

// NewRecorder creates the output file and prepares a WAV encoder at the given
// sample rate.
func NewRecorder(path string, sampleRate int) (*Recorder, error) {
	if sampleRate <= 0 {
		sampleRate = SampleRate16k
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("audio: create recording %s: %w", path, err)
	}
	return &Recorder{
		f:    f,
		enc:  wav.NewEncoder(f, sampleRate, 16, 1, 1),
		rate: sampleRate,
	}, nil
}

// Write appends mono int16 samples to the recording. Writes after Close are
// silently discarded.
func (r *Recorder) Write(samples []int16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil
	}

	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: r.rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := r.enc.Write(buf); err != nil {
		return fmt.Errorf("audio: write recording: %w", err)
	}
	return nil
}

// Close finalises the WAV header and closes the file. Idempotent.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil
	}
	r.done = true

	if err := r.enc.Close(); err != nil {
		r.f.Close()
		return fmt.Errorf("audio: finalise recording: %w", err)
	}
	return r.f.Close()
}
