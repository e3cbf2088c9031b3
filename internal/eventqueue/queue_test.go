package eventqueue

import (
	"testing"

	"broker-sim/internal/model"
)

func ev(ts int64, seq uint64) model.Event {
	return model.Event{Kind: model.KindTrade, TimestampNs: ts, Seq: seq, Symbol: "AAPL"}
}

func TestPopOrdersByTimestampThenSeq(t *testing.T) {
	q := New(10, DropOldest)
	q.Push(ev(200, 1))
	q.Push(ev(100, 2))
	q.Push(ev(100, 1))

	want := []struct {
		ts  int64
		seq uint64
	}{{100, 1}, {100, 2}, {200, 1}}

	for _, w := range want {
		e, ok := q.Pop()
		if !ok {
			t.Fatalf("expected event, got empty")
		}
		if e.TimestampNs != w.ts || e.Seq != w.seq {
			t.Fatalf("got (%d,%d) want (%d,%d)", e.TimestampNs, e.Seq, w.ts, w.seq)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatalf("expected empty queue")
	}
}

func TestDropOldestPreservesNewestN(t *testing.T) {
	q := New(3, DropOldest)
	for i := int64(1); i <= 5; i++ {
		q.Push(ev(i, 0))
	}
	if q.Len() != 3 {
		t.Fatalf("len = %d, want 3", q.Len())
	}
	if q.DropCount() != 2 {
		t.Fatalf("drop count = %d, want 2", q.DropCount())
	}
	var seen []int64
	for {
		e, ok := q.Pop()
		if !ok {
			break
		}
		seen = append(seen, e.TimestampNs)
	}
	want := []int64{3, 4, 5}
	if len(seen) != len(want) {
		t.Fatalf("seen = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("seen = %v, want %v", seen, want)
		}
	}
}

func TestDropNewestRejectsArrival(t *testing.T) {
	q := New(2, DropNewest)
	q.Push(ev(1, 0))
	q.Push(ev(2, 0))
	q.Push(ev(3, 0)) // dropped

	if q.DropCount() != 1 {
		t.Fatalf("drop count = %d, want 1", q.DropCount())
	}
	e, _ := q.Pop()
	if e.TimestampNs != 1 {
		t.Fatalf("ts = %d, want 1", e.TimestampNs)
	}
	e, _ = q.Pop()
	if e.TimestampNs != 2 {
		t.Fatalf("ts = %d, want 2", e.TimestampNs)
	}
}

func TestDiscardBefore(t *testing.T) {
	q := New(10, DropOldest)
	q.Push(ev(100, 0))
	q.Push(ev(200, 0))
	q.Push(ev(300, 0))

	discarded := q.DiscardBefore(200)
	if discarded != 1 {
		t.Fatalf("discarded = %d, want 1", discarded)
	}
	if q.Len() != 2 {
		t.Fatalf("len = %d, want 2", q.Len())
	}
	e, _ := q.Peek()
	if e.TimestampNs != 200 {
		t.Fatalf("peek ts = %d, want 200", e.TimestampNs)
	}
}

func TestPeekDoesNotRemove(t *testing.T) {
	q := New(10, DropOldest)
	q.Push(ev(1, 0))
	if _, ok := q.Peek(); !ok {
		t.Fatalf("expected peek to find event")
	}
	if q.Len() != 1 {
		t.Fatalf("peek should not remove, len = %d", q.Len())
	}
}
