package audio

import (
	"math"
	"testing"
)

// sine generates n samples of a sine wave at freq Hz sampled at rate Hz.
func sine(n int, freq float64, rate int, amp float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(amp * math.MaxInt16 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func TestResample16kIdentityAt16k(t *testing.T) {
	t.Parallel()

	in := sine(1600, 440, SampleRate16k, 0.5)
	out := Resample16k(in, SampleRate16k)
	if len(out) != len(in) {
		t.Fatalf("length changed: %d → %d", len(in), len(out))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("sample %d changed: %d → %d", i, in[i], out[i])
		}
	}
}

func TestResample16kOutputLength(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		srcRate int
		inLen   int
		wantLen int
	}{
		{"48k to 16k", 48000, 4800, 1600},
		{"44.1k to 16k", 44100, 4410, 1600},
		{"8k to 16k", 8000, 800, 1600},
		{"22.05k to 16k", 22050, 2205, 1600},
		{"32k to 16k", 32000, 1600, 800},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			in := sine(tt.inLen, 200, tt.srcRate, 0.4)
			out := Resample16k(in, tt.srcRate)
			if len(out) != tt.wantLen {
				t.Fatalf("want %d output samples, got %d", tt.wantLen, len(out))
			}
		})
	}
}

// TestResample16kPreservesWaveform checks that a downsampled sine remains
// close to an analytically generated sine at the target rate. Linear
// interpolation is lossy, so only a mean-squared-error bound is asserted.
func TestResample16kPreservesWaveform(t *testing.T) {
	t.Parallel()

	const freq = 440.0
	in := sine(48000, freq, 48000, 0.5)
	out := Resample16k(in, 48000)

	ref := sine(len(out), freq, SampleRate16k, 0.5)
	var mse float64
	for i := range out {
		d := float64(out[i]) - float64(ref[i])
		mse += d * d
	}
	mse /= float64(len(out))

	// Allow ~1.5% RMS error relative to full scale.
	maxRMS := 0.015 * math.MaxInt16
	if rms := math.Sqrt(mse); rms > maxRMS {
		t.Fatalf("waveform diverged: RMS error %.1f > %.1f", rms, maxRMS)
	}
}

func TestResample16kFirstSampleAligned(t *testing.T) {
	t.Parallel()

	in := sine(4800, 100, 48000, 0.5)
	out := Resample16k(in, 48000)
	if out[0] != in[0] {
		t.Fatalf("first output sample must align with first input sample: %d != %d", out[0], in[0])
	}
}

func TestDownmixMono(t *testing.T) {
	t.Parallel()

	t.Run("stereo average", func(t *testing.T) {
		t.Parallel()
		in := []int16{100, 200, -100, 300, 0, 0}
		out := DownmixMono(in, 2)
		want := []int16{150, 100, 0}
		if len(out) != len(want) {
			t.Fatalf("want %d frames, got %d", len(want), len(out))
		}
		for i := range want {
			if out[i] != want[i] {
				t.Fatalf("frame %d: want %d, got %d", i, want[i], out[i])
			}
		}
	})

	t.Run("mono passthrough", func(t *testing.T) {
		t.Parallel()
		in := []int16{1, 2, 3}
		out := DownmixMono(in, 1)
		if &out[0] != &in[0] {
			t.Fatal("mono input should be returned unchanged")
		}
	})
}
