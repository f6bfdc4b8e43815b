package diar

import (
	"math"
	"math/rand"
	"testing"

	"github.com/verbatim-ai/verbatim/pkg/embed"
)

// unit returns a one-hot unit vector of dimension 8.
func unit(idx int) []float32 {
	v := make([]float32, 8)
	v[idx] = 1
	return v
}

// noisy returns a unit vector near the one-hot axis idx, perturbed by eps in
// a fixed second dimension so cosine to the axis stays high but below 1.
func noisy(idx int, eps float32) []float32 {
	v := unit(idx)
	v[(idx+1)%len(v)] = eps
	return embed.Normalize(v)
}

func TestClustererFirstAssignmentSeedsSpeakerZero(t *testing.T) {
	t.Parallel()

	c := NewClusterer(2, 0.35)
	if got := c.Assign(unit(0)); got != 0 {
		t.Fatalf("first assignment: want 0, got %d", got)
	}
	if got := c.SpeakerCount(); got != 1 {
		t.Fatalf("want 1 centroid, got %d", got)
	}
}

func TestClustererStaysWithCurrentOnGoodSimilarity(t *testing.T) {
	t.Parallel()

	c := NewClusterer(2, 0.35)
	c.Assign(unit(0))
	for i := range 10 {
		if got := c.Assign(noisy(0, 0.2)); got != 0 {
			t.Fatalf("assignment %d: want 0, got %d", i, got)
		}
	}
	if got := c.SpeakerCount(); got != 1 {
		t.Fatalf("noisy same-speaker input created a speaker: %d centroids", got)
	}
}

func TestClustererCreatesSecondSpeakerAfterDwell(t *testing.T) {
	t.Parallel()

	c := NewClusterer(2, 0.35)
	// Establish speaker 0 past the dwell requirement.
	for range 4 {
		c.Assign(unit(0))
	}
	// Orthogonal embeddings: similarity 0 < threshold, dwell satisfied.
	if got := c.Assign(unit(1)); got != 1 {
		t.Fatalf("want new speaker 1, got %d", got)
	}
	if got := c.SpeakerCount(); got != 2 {
		t.Fatalf("want 2 centroids, got %d", got)
	}
}

func TestClustererHysteresisBlocksImmediateSwitchBack(t *testing.T) {
	t.Parallel()

	c := NewClusterer(2, 0.35)
	for range 4 {
		c.Assign(unit(0))
	}
	c.Assign(unit(1)) // switch to speaker 1, dwell counter resets

	// A single frame of speaker-0 evidence right after the switch must not
	// bounce back: dwell < minFramesBeforeSwitch keeps us on speaker 1.
	if got := c.Assign(unit(0)); got != 1 {
		t.Fatalf("want hysteresis hold on 1, got %d", got)
	}
}

func TestClustererSwitchesBackAfterSustainedEvidence(t *testing.T) {
	t.Parallel()

	c := NewClusterer(2, 0.35)
	for range 4 {
		c.Assign(unit(0))
	}
	for range 4 {
		c.Assign(unit(1))
	}
	// Sustained speaker-0 evidence: after the dwell period the switch fires.
	var got int
	for range 4 {
		got = c.Assign(unit(0))
	}
	if got != 0 {
		t.Fatalf("want switch back to 0 after sustained evidence, got %d", got)
	}
}

func TestClustererRespectsMaxSpeakers(t *testing.T) {
	t.Parallel()

	c := NewClusterer(2, 0.35)
	for range 4 {
		c.Assign(unit(0))
	}
	for range 4 {
		c.Assign(unit(1))
	}
	// A third orthogonal voice cannot create speaker 2: it lands on one of
	// the existing ids.
	for range 6 {
		if got := c.Assign(unit(2)); got < 0 || got > 1 {
			t.Fatalf("assignment out of range with full roster: %d", got)
		}
	}
	if got := c.SpeakerCount(); got != 2 {
		t.Fatalf("max_speakers=2 violated: %d centroids", got)
	}
}

// TestClustererAssignInvariant: after Assign(e) returns s, the id is always
// a valid member of the bounded roster, even when fed more distinct voices
// than max_speakers allows.
func TestClustererAssignInvariant(t *testing.T) {
	t.Parallel()

	const threshold = 0.35
	c := NewClusterer(3, threshold)
	rng := rand.New(rand.NewSource(7))

	for i := range 200 {
		axis := rng.Intn(4) // one more voice than max_speakers
		e := noisy(axis, float32(rng.Float64()*0.3))
		s := c.Assign(e)
		if s < 0 || s >= 3 {
			t.Fatalf("iteration %d: speaker id %d out of range", i, s)
		}
	}
}

func TestClusterOfflineTwoSpeakers(t *testing.T) {
	t.Parallel()

	var embs [][]float32
	want := make([]int, 0, 40)
	for block := range 4 {
		axis := block % 2
		for range 10 {
			embs = append(embs, noisy(axis, 0.15))
			want = append(want, axis)
		}
	}

	got := ClusterOffline(embs, 2, 0.35)
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("frame %d: want cluster %d, got %d", i, want[i], got[i])
		}
	}
}

func TestClusterOfflineDeterministic(t *testing.T) {
	t.Parallel()

	var embs [][]float32
	rng := rand.New(rand.NewSource(42))
	for i := range 60 {
		embs = append(embs, noisy(i%3, float32(rng.Float64()*0.2)))
	}

	first := ClusterOffline(embs, 3, 0.35)
	second := ClusterOffline(embs, 3, 0.35)
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("non-deterministic at frame %d: %d vs %d", i, first[i], second[i])
		}
	}
}

func TestClusterOfflineBoundsClusterIDs(t *testing.T) {
	t.Parallel()

	var embs [][]float32
	for i := range 50 {
		embs = append(embs, unit(i%5))
	}
	got := ClusterOffline(embs, 2, 0.35)
	for i, id := range got {
		if id < 0 || id >= 2 {
			t.Fatalf("frame %d: cluster id %d outside [0,2)", i, id)
		}
	}
}

func TestMajorityVote(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		speakers []int
		want     int
		wantConf float64
	}{
		{"unanimous", []int{1, 1, 1, 1}, 1, 1.0},
		{"majority", []int{0, 0, 0, 1}, 0, 0.75},
		{"ignores unassigned", []int{-1, -1, 1}, 1, 1.0},
		{"no assigned frames", []int{-1, -1}, -1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			frames := make([]Frame, len(tt.speakers))
			for i, s := range tt.speakers {
				frames[i] = Frame{SpeakerID: s}
			}
			got, conf := MajorityVote(frames)
			if got != tt.want {
				t.Fatalf("want speaker %d, got %d", tt.want, got)
			}
			if math.Abs(float64(conf)-tt.wantConf) > 1e-6 {
				t.Fatalf("want confidence %.2f, got %.2f", tt.wantConf, conf)
			}
		})
	}
}
