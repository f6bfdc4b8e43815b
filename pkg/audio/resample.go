package audio

import "math"

// Resample16k converts mono int16 samples at srcRate to [SampleRate16k] using
// linear interpolation between adjacent input samples. The input is returned
// unchanged when srcRate already equals 16 000 Hz or is invalid. The output
// length is round(len(in)·16000/srcRate); the first output sample aligns with
// the first input sample; values are clamped to the int16 range.
//
// Linear interpolation is a single-tap scheme; it audibly degrades some rate
// conversions (notably large non-integer ratios). Callers that need higher
// fidelity should pre-convert with a polyphase resampler. See the tests for
// the accepted error tolerance.
func Resample16k(in []int16, srcRate int) []int16 {
	if srcRate == SampleRate16k || srcRate <= 0 || len(in) == 0 {
		return in
	}

	ratio := float64(SampleRate16k) / float64(srcRate)
	outLen := int(math.Round(float64(len(in)) * ratio))
	if outLen == 0 {
		return nil
	}

	out := make([]int16, outLen)
	for i := range outLen {
		srcPos := float64(i) / ratio
		i0 := int(srcPos)
		if i0 >= len(in) {
			i0 = len(in) - 1
		}
		i1 := min(i0+1, len(in)-1)
		frac := srcPos - float64(i0)

		v := (1.0-frac)*float64(in[i0]) + frac*float64(in[i1])
		out[i] = clampInt16(math.Round(v))
	}
	return out
}

// DownmixMono averages interleaved multi-channel int16 samples into mono.
// The input is returned unchanged for mono input or an invalid channel count.
func DownmixMono(in []int16, channels int) []int16 {
	if channels <= 1 || len(in) == 0 {
		return in
	}
	frames := len(in) / channels
	out := make([]int16, frames)
	for i := range frames {
		sum := 0
		for c := range channels {
			sum += int(in[i*channels+c])
		}
		out[i] = int16(sum / channels)
	}
	return out
}

// clampInt16 saturates v to the int16 range.
func clampInt16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
