// Package diar implements the speaker-diarization side of the pipeline: the
// continuous frame analyzer that extracts speaker embeddings at a fixed hop,
// and the clusterer that groups embeddings into session-local speakers.
package diar

import (
	"sync"

	"github.com/verbatim-ai/verbatim/pkg/embed"
)

// Online clustering hysteresis constants. Embeddings fluctuate; naive
// nearest-centroid assignment oscillates at turn boundaries. Switching (or
// creating) a speaker requires both a similarity margin over the current
// speaker and a minimum dwell time, trading slightly delayed switch detection
// for stable turn boundaries.
const (
	// switchMargin is how much better an existing rival centroid must match
	// before the current speaker is abandoned.
	switchMargin = 0.15

	// createMargin widens the threshold under which a new speaker may be
	// created: creation requires bestSim < threshold + createMargin.
	createMargin = 0.10

	// minFramesBeforeSwitch is the dwell time (in assignments) required before
	// a switch or creation is allowed.
	minFramesBeforeSwitch = 3

	// centroidLearningRate is the exponential update factor applied to the
	// current speaker's centroid on each confirming assignment.
	centroidLearningRate = 0.05
)

// DefaultThreshold is the cosine-similarity threshold for the built-in
// log-mel embedder. Neural embedders discriminate better and want 0.45–0.60;
// the threshold is configuration, not a constant of the algorithm.
const DefaultThreshold = 0.35

// Clusterer assigns speaker embeddings to session-local speaker ids using
// online centroid-based clustering with hysteresis.
//
// Speaker ids are stable within a session and carry no cross-session meaning.
// All methods are safe for concurrent use; Assign is expected to be called
// from the processing task only, while SetMaxSpeakers and SpeakerCount may be
// called from caller threads.
type Clusterer struct {
	mu sync.Mutex

	maxSpeakers int
	threshold   float32

	centroids  [][]float32
	counts     []int
	current    int
	sinceSwitch int
}

// NewClusterer creates a clusterer bounded at maxSpeakers with the given
// cosine-similarity threshold. maxSpeakers ≤ 0 selects 2; threshold ≤ 0
// selects [DefaultThreshold].
func NewClusterer(maxSpeakers int, threshold float32) *Clusterer {
	if maxSpeakers <= 0 {
		maxSpeakers = 2
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Clusterer{
		maxSpeakers: maxSpeakers,
		threshold:   threshold,
		current:     -1,
	}
}

// SetMaxSpeakers adjusts the speaker bound. Lowering it below the number of
// already-created speakers keeps the existing centroids (ids stay stable) but
// prevents further creation.
func (c *Clusterer) SetMaxSpeakers(n int) {
	if n < 1 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxSpeakers = n
}

// SpeakerCount returns the number of speakers observed so far.
func (c *Clusterer) SpeakerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.centroids)
}

// Current returns the speaker id assigned most recently, or -1.
func (c *Clusterer) Current() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Reset clears all centroids and state for a fresh session.
func (c *Clusterer) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.centroids = nil
	c.counts = nil
	c.current = -1
	c.sinceSwitch = 0
}

// Assign maps an embedding to a speaker id using the stay/switch/create rules.
// Returns -1 only for an empty embedding before any speaker exists.
func (c *Clusterer) Assign(emb []float32) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(emb) == 0 {
		return c.current
	}

	// First embedding seeds speaker 0.
	if len(c.centroids) == 0 {
		c.appendCentroidLocked(emb)
		c.current = 0
		c.sinceSwitch = 0
		return 0
	}

	sims := make([]float32, len(c.centroids))
	best, bestSim := 0, float32(-1)
	for i, cen := range c.centroids {
		sims[i] = embed.Cosine(emb, cen)
		if sims[i] > bestSim {
			best, bestSim = i, sims[i]
		}
	}

	if c.current >= 0 && c.current < len(sims) {
		currentSim := sims[c.current]

		// Stay: the current speaker still matches well enough.
		if currentSim >= c.threshold {
			c.updateCentroidLocked(c.current, emb)
			c.sinceSwitch++
			return c.current
		}

		// Switch: a rival matches significantly better and we have dwelled
		// long enough to trust the evidence.
		if best != c.current && bestSim > currentSim+switchMargin && c.sinceSwitch >= minFramesBeforeSwitch {
			c.current = best
			c.sinceSwitch = 0
			return best
		}

		// Create: nothing matches and there is room for a new speaker.
		if len(c.centroids) < c.maxSpeakers && bestSim < c.threshold+createMargin && c.sinceSwitch >= minFramesBeforeSwitch {
			c.appendCentroidLocked(emb)
			c.current = len(c.centroids) - 1
			c.sinceSwitch = 0
			return c.current
		}

		// Fallback: stay with the current speaker even on marginal evidence.
		c.sinceSwitch++
		return c.current
	}

	// No current speaker (first call after Reset with surviving centroids).
	if bestSim >= c.threshold {
		c.current = best
		c.sinceSwitch = 0
		return best
	}
	if len(c.centroids) < c.maxSpeakers {
		c.appendCentroidLocked(emb)
		c.current = len(c.centroids) - 1
		c.sinceSwitch = 0
		return c.current
	}
	c.current = best
	c.sinceSwitch = 0
	return best
}

// appendCentroidLocked adds a new unit-norm centroid seeded from emb.
func (c *Clusterer) appendCentroidLocked(emb []float32) {
	cen := make([]float32, len(emb))
	copy(cen, emb)
	embed.Normalize(cen)
	c.centroids = append(c.centroids, cen)
	c.counts = append(c.counts, 1)
}

// updateCentroidLocked nudges centroid idx toward emb with the configured
// learning rate and renormalizes to unit length.
func (c *Clusterer) updateCentroidLocked(idx int, emb []float32) {
	cen := c.centroids[idx]
	for i := range cen {
		cen[i] = (1-centroidLearningRate)*cen[i] + centroidLearningRate*emb[i]
	}
	embed.Normalize(cen)
	c.counts[idx]++
}

// ClusterOffline runs the terminal single-pass greedy re-clustering over
// time-ordered embeddings and returns one cluster id per embedding.
//
// Cluster numbering follows first observation, so the terminal ids line up
// with the online ids whenever the online pass saw the speakers in the same
// order — re-clustering never renumbers except when it genuinely merges
// previously-distinct clusters.
func ClusterOffline(embeddings [][]float32, maxSpeakers int, threshold float32) []int {
	if maxSpeakers <= 0 {
		maxSpeakers = 2
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	assignments := make([]int, len(embeddings))
	var centroids [][]float32
	var counts []int

	for i, emb := range embeddings {
		if len(emb) == 0 {
			assignments[i] = -1
			continue
		}
		if len(centroids) == 0 {
			seed := make([]float32, len(emb))
			copy(seed, emb)
			embed.Normalize(seed)
			centroids = append(centroids, seed)
			counts = append(counts, 1)
			assignments[i] = 0
			continue
		}

		best, bestSim := 0, float32(-1)
		for j, cen := range centroids {
			if sim := embed.Cosine(emb, cen); sim > bestSim {
				best, bestSim = j, sim
			}
		}

		if bestSim < threshold && len(centroids) < maxSpeakers {
			seed := make([]float32, len(emb))
			copy(seed, emb)
			embed.Normalize(seed)
			centroids = append(centroids, seed)
			counts = append(counts, 1)
			assignments[i] = len(centroids) - 1
			continue
		}

		// Running-mean update, then renormalize.
		cen := centroids[best]
		n := float32(counts[best])
		for k := range cen {
			cen[k] = (cen[k]*n + emb[k]) / (n + 1)
		}
		embed.Normalize(cen)
		counts[best]++
		assignments[i] = best
	}
	return assignments
}
