package embed

import (
	"math"
	"testing"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	v := Normalize([]float32{3, 4})
	if math.Abs(float64(v[0])-0.6) > 1e-6 || math.Abs(float64(v[1])-0.8) > 1e-6 {
		t.Fatalf("normalize [3,4] → %v, want [0.6,0.8]", v)
	}

	zero := Normalize([]float32{0, 0})
	if zero[0] != 0 || zero[1] != 0 {
		t.Fatalf("zero vector changed: %v", zero)
	}
}

func TestCosine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"mismatched length", []float32{1}, []float32{1, 0}, 0},
		{"empty", nil, nil, 0},
		{"zero norm", []float32{0, 0}, []float32{1, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Cosine(tt.a, tt.b); math.Abs(float64(got)-tt.want) > 1e-4 {
				t.Fatalf("cosine = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestFit(t *testing.T) {
	t.Parallel()

	t.Run("exact passthrough", func(t *testing.T) {
		t.Parallel()
		in := make([]int16, WindowSamples)
		if got := Fit(in); &got[0] != &in[0] {
			t.Fatal("exact-length input must be returned unchanged")
		}
	})

	t.Run("short is zero padded", func(t *testing.T) {
		t.Parallel()
		in := []int16{5, 6, 7}
		got := Fit(in)
		if len(got) != WindowSamples {
			t.Fatalf("length %d, want %d", len(got), WindowSamples)
		}
		if got[0] != 5 || got[2] != 7 || got[3] != 0 {
			t.Fatalf("padding wrong: %v…", got[:5])
		}
	})

	t.Run("long keeps center", func(t *testing.T) {
		t.Parallel()
		in := make([]int16, WindowSamples*2)
		for i := range in {
			in[i] = int16(i % 1000)
		}
		got := Fit(in)
		if len(got) != WindowSamples {
			t.Fatalf("length %d, want %d", len(got), WindowSamples)
		}
		wantFirst := in[WindowSamples/2]
		if got[0] != wantFirst {
			t.Fatalf("center slice misaligned: first %d, want %d", got[0], wantFirst)
		}
	})
}
