package pipeline

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/verbatim-ai/verbatim/internal/diar"
	"github.com/verbatim-ai/verbatim/pkg/asr"
	asrmock "github.com/verbatim-ai/verbatim/pkg/asr/mock"
	"github.com/verbatim-ai/verbatim/pkg/audio"
	embedmock "github.com/verbatim-ai/verbatim/pkg/embed/mock"
)

// toneChunks splits n seconds of a quiet-but-audible tone into 20 ms chunks.
func toneChunks(seconds int, freq float64) []audio.Chunk {
	total := seconds * sampleRate
	perChunk := sampleRate / 50
	var chunks []audio.Chunk
	var seq uint64
	for off := 0; off < total; off += perChunk {
		samples := make([]int16, perChunk)
		for i := range samples {
			samples[i] = int16(8000 * math.Sin(2*math.Pi*freq*float64(off+i)/float64(sampleRate)))
		}
		chunks = append(chunks, audio.Chunk{Seq: seq, SampleRate: sampleRate, Channels: 1, Samples: samples})
		seq++
	}
	return chunks
}

// collector gathers published segments thread-safely.
type collector struct {
	mu       sync.Mutex
	segments []Segment
	warnings []error
}

func (c *collector) hooks() Hooks {
	return Hooks{
		OnSegment: func(s Segment) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.segments = append(c.segments, s)
		},
		OnWarning: func(err error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.warnings = append(c.warnings, err)
		},
	}
}

func (c *collector) all() []Segment {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Segment, len(c.segments))
	copy(out, c.segments)
	return out
}

func runProcessor(t *testing.T, chunks []audio.Chunk, engine asr.Engine, col *collector) *Processor {
	t.Helper()

	q := audio.NewQueue(8192)
	for _, c := range chunks {
		q.Push(c)
	}
	q.Stop()

	emb := &embedmock.Embedder{}
	analyzer := diar.NewAnalyzer(emb, diar.AnalyzerConfig{})
	cluster := diar.NewClusterer(2, 0.35)

	p, err := NewProcessor(ProcessorConfig{WindowMs: 10_000, OverlapMs: 5_000},
		q, engine, emb, analyzer, cluster, nil, col.hooks())
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	return p
}

// TestProcessorHoldEmitAcrossWindows feeds 15 s of audio and a scripted
// engine: a boundary-riding segment from window 1 must be emitted only after
// window 2's transcription, before window 2's own segments.
func TestProcessorHoldEmitAcrossWindows(t *testing.T) {
	t.Parallel()

	engine := &asrmock.Engine{Script: [][]asr.Segment{
		{ // window 1: buffer [0,10) s
			{Text: "hello world", T0Ms: 1_000, T1Ms: 4_000},
			{Text: "crossing over", T0Ms: 4_700, T1Ms: 5_300},
		},
		{ // window 2: buffer [5,15) s
			{Text: "that the meeting", T0Ms: 300, T1Ms: 2_100},
		},
	}}

	col := &collector{}
	runProcessor(t, toneChunks(15, 200), engine, col)

	segs := col.all()
	if len(segs) != 3 {
		t.Fatalf("want 3 emissions, got %d: %+v", len(segs), segs)
	}
	if segs[0].Text != "hello world" || segs[1].Text != "crossing over" || segs[2].Text != "that the meeting" {
		t.Fatalf("emission order wrong: %q, %q, %q", segs[0].Text, segs[1].Text, segs[2].Text)
	}

	// Held segment keeps its absolute time; window 2's segment is rebased to
	// the slid buffer start (5 s).
	if segs[1].StartMs != 4_700 || segs[1].EndMs != 5_300 {
		t.Fatalf("held segment times: [%d,%d], want [4700,5300]", segs[1].StartMs, segs[1].EndMs)
	}
	if segs[2].StartMs != 5_300 || segs[2].EndMs != 7_100 {
		t.Fatalf("window-2 segment times: [%d,%d], want [5300,7100]", segs[2].StartMs, segs[2].EndMs)
	}

	if got := engine.Calls; len(got) != 2 {
		t.Fatalf("want 2 engine calls, got %d", len(got))
	}
	if engine.Calls[0] != 10*sampleRate {
		t.Fatalf("window 1 buffer: %d samples, want %d", engine.Calls[0], 10*sampleRate)
	}
}

// TestProcessorEmittedTranscriptInvariants streams three windows of segments
// and checks the cross-session invariants: ordered, non-overlapping, total
// emitted duration bounded by audio duration.
func TestProcessorEmittedTranscriptInvariants(t *testing.T) {
	t.Parallel()

	engine := &asrmock.Engine{Script: [][]asr.Segment{
		{{Text: "one", T0Ms: 0, T1Ms: 4_000}, {Text: "two", T0Ms: 4_000, T1Ms: 6_000}},
		{{Text: "two again", T0Ms: 0, T1Ms: 1_000}, {Text: "three", T0Ms: 1_000, T1Ms: 4_900}},
		{{Text: "four", T0Ms: 0, T1Ms: 4_500}},
	}}

	col := &collector{}
	runProcessor(t, toneChunks(20, 200), engine, col)

	segs := col.all()
	if len(segs) == 0 {
		t.Fatal("no emissions")
	}
	var total int64
	for i, s := range segs {
		if s.StartMs >= s.EndMs {
			t.Fatalf("emission %d inverted: [%d,%d]", i, s.StartMs, s.EndMs)
		}
		if i > 0 && segs[i-1].EndMs > s.StartMs {
			t.Fatalf("emissions %d/%d overlap: end %d > start %d", i-1, i, segs[i-1].EndMs, s.StartMs)
		}
		total += s.EndMs - s.StartMs
	}
	if total > 20_000 {
		t.Fatalf("emitted duration %d ms exceeds audio duration 20000 ms", total)
	}
}

// TestProcessorSilenceSkipsEngine feeds pure silence; the engine must never
// be called and nothing may be emitted.
func TestProcessorSilenceSkipsEngine(t *testing.T) {
	t.Parallel()

	var chunks []audio.Chunk
	perChunk := sampleRate / 50
	for i := range 600 { // 12 s of zeros
		chunks = append(chunks, audio.Chunk{Seq: uint64(i), SampleRate: sampleRate, Channels: 1, Samples: make([]int16, perChunk)})
	}

	engine := &asrmock.Engine{}
	col := &collector{}
	runProcessor(t, chunks, engine, col)

	if len(engine.Calls) != 0 {
		t.Fatalf("engine called %d times on silence", len(engine.Calls))
	}
	if got := col.all(); len(got) != 0 {
		t.Fatalf("silence produced %d emissions", len(got))
	}
}

// TestProcessorFlushReleasesHeldAndTail: audio ends right after a window
// whose last segment was held; the flush must transcribe the tail and emit
// the held segment.
func TestProcessorFlushReleasesHeldAndTail(t *testing.T) {
	t.Parallel()

	engine := &asrmock.Engine{Script: [][]asr.Segment{
		{{Text: "kept until flush", T0Ms: 4_200, T1Ms: 5_600}},
		{{Text: "tail words", T0Ms: 500, T1Ms: 2_400}}, // flush over [10,13) s tail
	}}

	col := &collector{}
	runProcessor(t, toneChunks(13, 200), engine, col)

	segs := col.all()
	if len(segs) != 2 {
		t.Fatalf("want held + tail emissions, got %d: %+v", len(segs), segs)
	}
	if segs[0].Text != "kept until flush" {
		t.Fatalf("held segment not released first: %q", segs[0].Text)
	}
	if segs[1].StartMs != 10_500 || segs[1].EndMs != 12_400 {
		t.Fatalf("tail segment times [%d,%d], want [10500,12400]", segs[1].StartMs, segs[1].EndMs)
	}
}

// TestProcessorShortSessionFlushesTail: less than one window of audio never
// fills the buffer; everything flows through the end-of-stream flush.
func TestProcessorShortSessionFlushesTail(t *testing.T) {
	t.Parallel()

	engine := &asrmock.Engine{Script: [][]asr.Segment{
		{{Text: "short session", T0Ms: 200, T1Ms: 2_700}},
	}}

	col := &collector{}
	runProcessor(t, toneChunks(3, 200), engine, col)

	segs := col.all()
	if len(segs) != 1 || segs[0].Text != "short session" {
		t.Fatalf("want the flush emission, got %+v", segs)
	}
	if segs[0].StartMs != 200 || segs[0].EndMs != 2_700 {
		t.Fatalf("flush times [%d,%d], want [200,2700]", segs[0].StartMs, segs[0].EndMs)
	}
}

// TestProcessorEngineFailureIsWarning: a failing engine produces warnings,
// no emissions, and no crash.
func TestProcessorEngineFailureIsWarning(t *testing.T) {
	t.Parallel()

	engine := &asrmock.Engine{TranscribeErr: errors.New("decode blew up")}
	col := &collector{}
	runProcessor(t, toneChunks(12, 200), engine, col)

	if got := col.all(); len(got) != 0 {
		t.Fatalf("failed engine emitted %d segments", len(got))
	}
	col.mu.Lock()
	warned := len(col.warnings)
	col.mu.Unlock()
	if warned == 0 {
		t.Fatal("engine failure produced no warning")
	}
}

// TestProcessorOnlineSpeakerAssignment: two tones far apart in pitch map to
// two different online speakers via the mock embedder.
func TestProcessorOnlineSpeakerAssignment(t *testing.T) {
	t.Parallel()

	// 10 s low tone then 10 s high tone. Windows: [0,10) all low, [5,15)
	// mixed, [10,20) all high.
	chunks := toneChunks(10, 200)
	high := toneChunks(10, 3000)
	for i := range high {
		high[i].Seq += uint64(len(chunks))
	}
	chunks = append(chunks, high...)

	// Three segments per speaking turn. Seeding speaker 0 resets the dwell
	// counter, so after the low turn it stands at 2: the first high segment
	// stays on speaker 0 and brings it to 3, and the second creates speaker 1.
	engine := &asrmock.Engine{Script: [][]asr.Segment{
		{
			{Text: "low one", T0Ms: 500, T1Ms: 1_500},
			{Text: "low two", T0Ms: 1_500, T1Ms: 3_000},
			{Text: "low three", T0Ms: 3_000, T1Ms: 4_500},
		},
		{}, // mixed window: nothing new
		{
			{Text: "high one", T0Ms: 500, T1Ms: 1_500},
			{Text: "high two", T0Ms: 1_500, T1Ms: 3_000},
			{Text: "high three", T0Ms: 3_000, T1Ms: 4_500},
		},
	}}

	col := &collector{}
	runProcessor(t, chunks, engine, col)

	segs := col.all()
	if len(segs) != 6 {
		t.Fatalf("want 6 emissions, got %d: %+v", len(segs), segs)
	}
	for i, s := range segs[:3] {
		if s.SpeakerID != 0 {
			t.Fatalf("low-voice emission %d: speaker %d, want 0", i, s.SpeakerID)
		}
	}
	// The first high segment may still be held by hysteresis; by the last one
	// the clusterer must have created the second speaker.
	if last := segs[5]; last.SpeakerID != 1 {
		t.Fatalf("sustained high voice kept speaker %d, want 1", last.SpeakerID)
	}
}

func TestProcessorStatsAccumulate(t *testing.T) {
	t.Parallel()

	engine := &asrmock.Engine{Script: [][]asr.Segment{
		{{Text: "counted", T0Ms: 0, T1Ms: 3_000}},
	}}
	col := &collector{}
	p := runProcessor(t, toneChunks(12, 200), engine, col)

	stats := p.Stats()
	if stats.WindowsProcessed != 1 {
		t.Fatalf("windows processed %d, want 1", stats.WindowsProcessed)
	}
	if stats.SegmentsEmitted == 0 {
		t.Fatal("no emitted segments counted")
	}
	if stats.AudioProcessedMs != 12_000 {
		t.Fatalf("audio processed %d ms, want 12000", stats.AudioProcessedMs)
	}
}
