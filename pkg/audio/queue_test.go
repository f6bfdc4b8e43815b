package audio

import (
	"context"
	"testing"
	"time"
)

func chunkWithSeq(seq uint64) Chunk {
	return Chunk{Seq: seq, SampleRate: SampleRate16k, Channels: 1, Samples: make([]int16, 320)}
}

func TestQueueFIFOOrder(t *testing.T) {
	t.Parallel()

	q := NewQueue(10)
	for i := range 5 {
		if !q.Push(chunkWithSeq(uint64(i))) {
			t.Fatalf("push %d rejected", i)
		}
	}

	ctx := context.Background()
	for i := range 5 {
		c, ok := q.Pop(ctx)
		if !ok {
			t.Fatalf("pop %d failed", i)
		}
		if c.Seq != uint64(i) {
			t.Fatalf("pop %d: want seq %d, got %d", i, i, c.Seq)
		}
	}
}

func TestQueueDropOldestUnderBackpressure(t *testing.T) {
	t.Parallel()

	q := NewQueue(50)
	for i := range 120 {
		q.Push(chunkWithSeq(uint64(i)))
	}

	if got := q.DroppedCount(); got < 70 {
		t.Fatalf("want ≥ 70 dropped, got %d", got)
	}
	if got := q.Len(); got != 50 {
		t.Fatalf("want 50 surviving chunks, got %d", got)
	}

	// Survivors must form a contiguous suffix of the push order.
	ctx := context.Background()
	prev, ok := q.Pop(ctx)
	if !ok {
		t.Fatal("first pop failed")
	}
	for {
		c, ok := q.Pop(ctx)
		if !ok {
			break
		}
		if c.Seq != prev.Seq+1 {
			t.Fatalf("non-contiguous survivors: %d then %d", prev.Seq, c.Seq)
		}
		prev = c
		if q.Len() == 0 {
			break
		}
	}
	if prev.Seq != 119 {
		t.Fatalf("newest chunk should survive, last popped seq = %d", prev.Seq)
	}
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	t.Parallel()

	q := NewQueue(4)
	got := make(chan Chunk, 1)
	go func() {
		c, ok := q.Pop(context.Background())
		if ok {
			got <- c
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push(chunkWithSeq(7))

	select {
	case c := <-got:
		if c.Seq != 7 {
			t.Fatalf("want seq 7, got %d", c.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("pop did not wake after push")
	}
}

func TestQueuePopHonoursContextCancellation(t *testing.T) {
	t.Parallel()

	q := NewQueue(4)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)
	go func() {
		_, ok := q.Pop(ctx)
		done <- ok
	}()

	cancel()
	select {
	case ok := <-done:
		if ok {
			t.Fatal("pop returned a chunk after cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("pop did not return after cancellation")
	}
}

func TestQueueStopDrainsThenFails(t *testing.T) {
	t.Parallel()

	q := NewQueue(4)
	q.Push(chunkWithSeq(1))
	q.Push(chunkWithSeq(2))
	q.Stop()

	if q.Push(chunkWithSeq(3)) {
		t.Fatal("push accepted after stop")
	}

	ctx := context.Background()
	if c, ok := q.Pop(ctx); !ok || c.Seq != 1 {
		t.Fatalf("want queued chunk 1 after stop, got ok=%v seq=%d", ok, c.Seq)
	}
	if c, ok := q.Pop(ctx); !ok || c.Seq != 2 {
		t.Fatalf("want queued chunk 2 after stop, got ok=%v seq=%d", ok, c.Seq)
	}
	if _, ok := q.Pop(ctx); ok {
		t.Fatal("pop succeeded on drained stopped queue")
	}
}
