package controller

import (
	"context"
	"log/slog"
	"sort"

	"github.com/verbatim-ai/verbatim/internal/diar"
	"github.com/verbatim-ai/verbatim/internal/store"
	"github.com/verbatim-ai/verbatim/pkg/embed"
)

// Incremental reclassification gates. A label only flips mid-session when
// the frame vote is both broad and decisive; the terminal recluster has the
// final word regardless.
const (
	incrementalMinFrames     = 2
	incrementalMinConfidence = 0.6
)

// speakerChange keys a reclassification group by (old, new) label pair.
type speakerChange struct {
	old int
	new int
}

// terminalRecluster runs the end-of-session offline clustering over all
// frames and reconciles every chunk's label with the frame-level majority
// vote.
func (c *Controller) terminalRecluster(sess *session) {
	if sess.analyzer == nil {
		return
	}

	cfg := c.snapshotCfg()
	maxSpeakers := cfg.MaxSpeakers
	if maxSpeakers <= 0 {
		maxSpeakers = 2
	}
	sess.analyzer.ClusterFrames(maxSpeakers, cfg.SpeakerThreshold)

	c.reclassifyRange(sess, 0, ReasonTerminalRecluster)
}

// incrementalReclass reconsiders recent, not-yet-finalized chunks against
// accumulated frame evidence while the session is still streaming.
func (c *Controller) incrementalReclass(sess *session) {
	cfg := c.snapshotCfg()
	if sess.analyzer == nil || cfg.ReclassificationWindowMs <= 0 {
		return
	}

	c.histMu.Lock()
	var horizon int64
	if n := len(c.history); n > 0 {
		horizon = c.history[n-1].EndMs - int64(cfg.ReclassificationWindowMs)
	}
	c.histMu.Unlock()

	maxSpeakers := cfg.MaxSpeakers
	if maxSpeakers <= 0 {
		maxSpeakers = 2
	}
	sess.analyzer.ClusterFrames(maxSpeakers, cfg.SpeakerThreshold)

	c.reclassifyRange(sess, horizon, ReasonBetterContext)
}

// reclassifyRange applies frame-vote reconciliation to every chunk whose
// start is at or after fromMs, groups the flips by (old, new) pair, and
// publishes one SpeakerReclassification per group.
//
// When live emission is deferred (partial results disabled) the events are
// suppressed: subscribers have not seen the original chunks yet, and a
// reclassification may only ever follow the emission it corrects. The
// deferred chunks are published with their final labels instead; history and
// archive are updated either way.
func (c *Controller) reclassifyRange(sess *session, fromMs int64, reason string) {
	groups := make(map[speakerChange][]uint64)

	c.histMu.Lock()
	for i := range c.history {
		chunk := &c.history[i]
		if chunk.StartMs < fromMs {
			continue
		}
		frames := sess.analyzer.FramesInRange(chunk.StartMs, chunk.EndMs)
		vote, conf := diar.MajorityVote(frames)
		if vote < 0 {
			continue
		}

		if reason == ReasonBetterContext {
			if len(frames) < incrementalMinFrames || conf < incrementalMinConfidence {
				continue
			}
		}

		if vote != chunk.SpeakerID {
			groups[speakerChange{old: chunk.SpeakerID, new: vote}] = append(
				groups[speakerChange{old: chunk.SpeakerID, new: vote}], chunk.ID)
		}
		chunk.SpeakerID = vote
		chunk.SpeakerConfidence = conf
	}
	if len(groups) > 0 {
		c.rebuildSpeakerStatsLocked()
	}
	c.histMu.Unlock()

	if len(groups) == 0 {
		return
	}

	// Deterministic publication order.
	changes := make([]speakerChange, 0, len(groups))
	for ch := range groups {
		changes = append(changes, ch)
	}
	sort.Slice(changes, func(i, j int) bool {
		if changes[i].old != changes[j].old {
			return changes[i].old < changes[j].old
		}
		return changes[i].new < changes[j].new
	})

	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()

	for _, ch := range changes {
		ids := groups[ch]
		c.reclassCount.Add(1)
		c.metrics.AddReclassification(ctx)

		if c.archive != nil {
			if err := c.archive.UpdateSpeakers(ctx, sess.id, ids, ch.new); err != nil {
				slog.Warn("archive reclassification failed", "err", err)
			}
		}

		if sess.emitLive {
			c.reclassHub.publish(SpeakerReclassification{
				ChunkIDs:     ids,
				OldSpeakerID: ch.old,
				NewSpeakerID: ch.new,
				Reason:       reason,
			})
		}
	}
}

// finalizeHistory marks every chunk finalized and, when live emission was
// deferred (partial results disabled), publishes the whole history now.
func (c *Controller) finalizeHistory(sess *session) {
	c.histMu.Lock()
	for i := range c.history {
		c.history[i].Finalized = true
	}
	snapshot := make([]TranscriptionChunk, len(c.history))
	copy(snapshot, c.history)
	c.histMu.Unlock()

	if !sess.emitLive {
		for _, chunk := range snapshot {
			c.chunkHub.publish(chunk)
		}
	}
}

// saveCentroids computes per-speaker mean embeddings from the clustered
// frames and writes them to the archive.
func (c *Controller) saveCentroids(ctx context.Context, sess *session) {
	if sess.analyzer == nil {
		return
	}

	sums := make(map[int][]float32)
	counts := make(map[int]int)
	for _, f := range sess.analyzer.AllFrames() {
		if f.SpeakerID < 0 {
			continue
		}
		sum, ok := sums[f.SpeakerID]
		if !ok {
			sum = make([]float32, len(f.Embedding))
			sums[f.SpeakerID] = sum
		}
		for i, v := range f.Embedding {
			sum[i] += v
		}
		counts[f.SpeakerID]++
	}
	if len(sums) == 0 {
		return
	}

	centroids := make([]store.Centroid, 0, len(sums))
	for id, sum := range sums {
		n := float32(counts[id])
		for i := range sum {
			sum[i] /= n
		}
		centroids = append(centroids, store.Centroid{
			SpeakerID: id,
			Embedding: embed.Normalize(sum),
		})
	}
	sort.Slice(centroids, func(i, j int) bool { return centroids[i].SpeakerID < centroids[j].SpeakerID })

	if err := c.archive.SaveCentroids(ctx, sess.id, centroids); err != nil {
		slog.Warn("archive centroid write failed", "err", err)
	}
}
