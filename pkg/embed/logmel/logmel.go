// Package logmel provides a model-free [embed.Embedder] that summarises an
// audio window as a normalized log-mel energy spectrum.
//
// It exists so the pipeline runs end-to-end without any model file: the
// 40-dimensional spectral profile separates sufficiently different voices
// (and is exact for synthetic test signals), at the cost of much weaker
// discrimination than a neural speaker model. Recommended clustering
// threshold: 0.35.
package logmel

import (
	"context"
	"errors"
	"math"
	"math/cmplx"

	"github.com/verbatim-ai/verbatim/pkg/embed"
)

const (
	// DefaultMels is the embedding dimensionality.
	DefaultMels = 40

	sampleRate = 16000
	fftSize    = 512
	hopSize    = 160 // 10 ms at 16 kHz
	fminHz     = 80.0
)

// Compile-time assertion that Embedder satisfies embed.Embedder.
var _ embed.Embedder = (*Embedder)(nil)

// Embedder computes log-mel energy embeddings. Safe for concurrent use: the
// mel filterbank is immutable after construction and each Embed call works on
// its own buffers.
type Embedder struct {
	nMels   int
	filters [][]float64 // nMels × (fftSize/2+1) triangular filters
	window  []float64   // Hann window, length fftSize
}

// New creates an embedder with nMels output dimensions; nMels ≤ 0 selects
// [DefaultMels].
func New(nMels int) *Embedder {
	if nMels <= 0 {
		nMels = DefaultMels
	}
	e := &Embedder{nMels: nMels}
	e.buildFilterbank()
	e.buildWindow()
	return e
}

// Load accepts any identifier; there is no model file. Never fails.
func (e *Embedder) Load(string) error { return nil }

// Close is a no-op.
func (e *Embedder) Close() error { return nil }

// Dim returns the embedding dimensionality.
func (e *Embedder) Dim() int { return e.nMels }

// Embed computes the log-mel profile of samples. Inputs are padded or
// truncated to one second; at least one full FFT frame of audio is required.
func (e *Embedder) Embed(ctx context.Context, samples []int16) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(samples) < fftSize {
		return nil, errors.New("logmel: input shorter than one FFT frame")
	}
	fitted := embed.Fit(samples)

	nBins := fftSize/2 + 1
	melEnergy := make([]float64, e.nMels)
	frameCount := 0

	frame := make([]complex128, fftSize)
	power := make([]float64, nBins)

	for pos := 0; pos+fftSize <= len(fitted); pos += hopSize {
		for i := range fftSize {
			frame[i] = complex(float64(fitted[pos+i])/32768.0*e.window[i], 0)
		}
		fftInPlace(frame)

		for k := range nBins {
			power[k] = real(frame[k])*real(frame[k]) + imag(frame[k])*imag(frame[k])
		}
		for m := range e.nMels {
			var energy float64
			for k := range nBins {
				energy += power[k] * e.filters[m][k]
			}
			melEnergy[m] += energy
		}
		frameCount++
	}

	// Average over frames, log-compress, then mean/variance normalize so the
	// profile is level-invariant.
	mel := make([]float32, e.nMels)
	for m := range mel {
		mel[m] = float32(math.Log(melEnergy[m]/float64(max(1, frameCount)) + 1e-10))
	}

	var mean float64
	for _, v := range mel {
		mean += float64(v)
	}
	mean /= float64(len(mel))

	var variance float64
	for _, v := range mel {
		d := float64(v) - mean
		variance += d * d
	}
	variance /= float64(len(mel))
	stdev := math.Sqrt(variance + 1e-8)

	for m := range mel {
		mel[m] = float32((float64(mel[m]) - mean) / stdev)
	}
	return mel, nil
}

// buildFilterbank constructs nMels triangular filters spaced evenly on the
// mel scale between fminHz and Nyquist.
func (e *Embedder) buildFilterbank() {
	nBins := fftSize/2 + 1
	melMin := hzToMel(fminHz)
	melMax := hzToMel(sampleRate / 2.0)

	points := make([]float64, e.nMels+2)
	for i := range points {
		points[i] = melToHz(melMin + (melMax-melMin)*float64(i)/float64(e.nMels+1))
	}

	e.filters = make([][]float64, e.nMels)
	for m := range e.filters {
		e.filters[m] = make([]float64, nBins)
		left, center, right := points[m], points[m+1], points[m+2]
		for k := range nBins {
			freq := float64(k) * sampleRate / fftSize
			switch {
			case freq >= left && freq <= center:
				e.filters[m][k] = (freq - left) / (center - left)
			case freq > center && freq <= right:
				e.filters[m][k] = (right - freq) / (right - center)
			}
		}
	}
}

func (e *Embedder) buildWindow() {
	e.window = make([]float64, fftSize)
	for i := range e.window {
		e.window[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(fftSize-1)))
	}
}

func hzToMel(hz float64) float64  { return 2595 * math.Log10(1+hz/700) }
func melToHz(mel float64) float64 { return 700 * (math.Pow(10, mel/2595) - 1) }

// fftInPlace is a radix-2 Cooley-Tukey FFT (decimation in time). The length
// of x must be a power of two.
func fftInPlace(x []complex128) {
	n := len(x)
	if n <= 1 {
		return
	}

	// Bit-reversal permutation.
	j := 0
	for i := range n {
		if j > i {
			x[i], x[j] = x[j], x[i]
		}
		m := n >> 1
		for m >= 1 && j >= m {
			j -= m
			m >>= 1
		}
		j += m
	}

	for size := 2; size <= n; size <<= 1 {
		wm := cmplx.Exp(complex(0, -2*math.Pi/float64(size)))
		for k := 0; k < n; k += size {
			w := complex(1, 0)
			for j := range size / 2 {
				t := w * x[k+j+size/2]
				u := x[k+j]
				x[k+j] = u + t
				x[k+j+size/2] = u - t
				w *= wm
			}
		}
	}
}
