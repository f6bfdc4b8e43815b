package pipeline

import "testing"

func seg(text string, start, end int64) Segment {
	return Segment{Text: text, StartMs: start, EndMs: end, SpeakerID: -1}
}

func TestArbiterEmitsBeforeBoundaryHoldsAcross(t *testing.T) {
	t.Parallel()

	a := NewArbiter()
	emitted := a.ProcessWindow([]Segment{
		seg("early", 0, 2_000),
		seg("boundary rider", 4_700, 5_300),
	}, 5_000)

	if len(emitted) != 1 || emitted[0].Text != "early" {
		t.Fatalf("want only the early segment emitted, got %+v", emitted)
	}
	if a.HeldCount() != 1 {
		t.Fatalf("want 1 held segment, got %d", a.HeldCount())
	}
	if a.LastEmittedEndMs() != 2_000 {
		t.Fatalf("watermark %d, want 2000", a.LastEmittedEndMs())
	}
}

// TestArbiterHoldEmitOrdering mirrors the two-window scenario: a 4.7–5.3 s
// segment held at the first window is emitted when the second window begins,
// before the second window's own 5.3–7.1 s segment.
func TestArbiterHoldEmitOrdering(t *testing.T) {
	t.Parallel()

	a := NewArbiter()

	// Window 1: boundary at 5 s absolute.
	emitted := a.ProcessWindow([]Segment{
		seg("so anyway", 1_000, 4_700),
		seg("I was saying", 4_700, 5_300),
	}, 5_000)
	if len(emitted) != 1 {
		t.Fatalf("window 1: want 1 emission, got %d", len(emitted))
	}

	// Window 2 begins: held segments first.
	held := a.EmitHeld()
	if len(held) != 1 || held[0].Text != "I was saying" {
		t.Fatalf("want held segment released first, got %+v", held)
	}
	if held[0].StartMs != 4_700 || held[0].EndMs != 5_300 {
		t.Fatalf("held segment retimed: [%d,%d]", held[0].StartMs, held[0].EndMs)
	}

	// Window 2's new segment, boundary now at 10 s absolute.
	emitted = a.ProcessWindow([]Segment{seg("that the meeting", 5_300, 7_100)}, 10_000)
	if len(emitted) != 1 {
		t.Fatalf("window 2: want 1 emission, got %d", len(emitted))
	}
	if a.LastEmittedEndMs() < 7_100 {
		t.Fatalf("watermark %d, want ≥ 7100", a.LastEmittedEndMs())
	}
}

// TestArbiterOverlapDedup mirrors the overlap-zone scenario: a phrase
// transcribed in window 1 reappears in window 2's output (the engine saw the
// same audio again in the overlap) and must be emitted exactly once.
func TestArbiterOverlapDedup(t *testing.T) {
	t.Parallel()

	a := NewArbiter()

	// Window 1 ([0,10) s): the phrase sits at 2–6 s → held at the 5 s boundary.
	a.ProcessWindow([]Segment{seg("the quick brown fox", 2_000, 6_000)}, 5_000)

	// Window 2 ([5,15) s): held emission first, then the engine re-produces
	// the same phrase from the overlap audio with jittered timestamps.
	held := a.EmitHeld()
	if len(held) != 1 {
		t.Fatalf("want held phrase emitted, got %d", len(held))
	}

	emitted := a.ProcessWindow([]Segment{
		seg("the quick brown fox", 5_000, 6_000),  // fully before watermark
		seg("the quick brown fox.", 5_100, 6_200), // trimmed + near-identical text
		seg("jumps over the dog", 6_200, 8_000),
	}, 10_000)

	var texts []string
	for _, e := range emitted {
		texts = append(texts, e.Text)
	}
	if len(emitted) != 1 || emitted[0].Text != "jumps over the dog" {
		t.Fatalf("duplicate survived dedup: %v", texts)
	}
}

func TestArbiterDropsFullyCoveredSegments(t *testing.T) {
	t.Parallel()

	a := NewArbiter()
	a.ProcessWindow([]Segment{seg("first", 0, 3_000)}, 10_000)

	emitted := a.ProcessWindow([]Segment{
		seg("stale", 1_000, 2_500), // entirely before the watermark
		seg("fresh", 3_000, 4_000),
	}, 10_000)

	if len(emitted) != 1 || emitted[0].Text != "fresh" {
		t.Fatalf("want only the fresh segment, got %+v", emitted)
	}
}

func TestArbiterTrimsOverlappingStart(t *testing.T) {
	t.Parallel()

	a := NewArbiter()
	a.ProcessWindow([]Segment{seg("lead-in", 0, 3_000)}, 10_000)

	emitted := a.ProcessWindow([]Segment{seg("follow-on speech", 2_000, 5_000)}, 10_000)
	if len(emitted) != 1 {
		t.Fatalf("want 1 emission, got %d", len(emitted))
	}
	if emitted[0].StartMs != 3_000 {
		t.Fatalf("start not trimmed to watermark: %d", emitted[0].StartMs)
	}
	if emitted[0].StartMs >= emitted[0].EndMs {
		t.Fatal("trim produced an inverted segment")
	}
}

func TestArbiterDropsEmptyText(t *testing.T) {
	t.Parallel()

	a := NewArbiter()
	emitted := a.ProcessWindow([]Segment{seg("", 0, 1_000)}, 10_000)
	if len(emitted) != 0 {
		t.Fatalf("empty text emitted: %+v", emitted)
	}
}

func TestArbiterFlushAllReleasesHeldThenTail(t *testing.T) {
	t.Parallel()

	a := NewArbiter()
	a.ProcessWindow([]Segment{seg("held one", 4_000, 6_000)}, 5_000)

	out := a.FlushAll([]Segment{seg("final words", 6_000, 7_500)})
	if len(out) != 2 {
		t.Fatalf("want held + final emissions, got %d", len(out))
	}
	if out[0].Text != "held one" || out[1].Text != "final words" {
		t.Fatalf("flush order wrong: %q then %q", out[0].Text, out[1].Text)
	}
	if a.HeldCount() != 0 {
		t.Fatalf("held queue not cleared by flush: %d", a.HeldCount())
	}
}

// TestArbiterNoOverlapInvariant streams randomized-ish windows through the
// arbiter and checks the global transcript invariant: emissions are ordered
// and never overlap.
func TestArbiterNoOverlapInvariant(t *testing.T) {
	t.Parallel()

	a := NewArbiter()
	var all []Segment

	windows := [][]Segment{
		{seg("a", 0, 1_200), seg("b", 1_200, 4_800), seg("c", 4_600, 5_700)},
		{seg("d", 5_100, 6_000), seg("e", 6_000, 9_200), seg("f", 9_000, 10_900)},
		{seg("g", 10_500, 12_000), seg("h", 12_000, 14_800)},
	}
	boundaries := []int64{5_000, 10_000, 15_000}

	for i, w := range windows {
		all = append(all, a.EmitHeld()...)
		all = append(all, a.ProcessWindow(w, boundaries[i])...)
	}
	all = append(all, a.FlushAll(nil)...)

	for i := 1; i < len(all); i++ {
		if all[i-1].EndMs > all[i].StartMs {
			t.Fatalf("overlap between emissions %d and %d: [%d,%d] then [%d,%d]",
				i-1, i, all[i-1].StartMs, all[i-1].EndMs, all[i].StartMs, all[i].EndMs)
		}
	}
	for i, s := range all {
		if s.StartMs >= s.EndMs {
			t.Fatalf("emission %d inverted: [%d,%d]", i, s.StartMs, s.EndMs)
		}
	}
}
