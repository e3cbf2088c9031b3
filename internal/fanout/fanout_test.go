package fanout

import (
	"context"
	"testing"
	"time"

	"broker-sim/internal/model"
)

func tradeEvent(symbol string) model.Event {
	return model.Event{Kind: model.KindTrade, Symbol: symbol, TimestampNs: 1, Trade: &model.TradeData{}}
}

func TestEnqueueOnlyDeliversToMatchingSubscribers(t *testing.T) {
	f := New(50, time.Hour)
	aapl := NewSubscriber("c1", "sess-1", FlavorGeneric, DropOldest, 100)
	aapl.Subscribe(SubTrades, "AAPL")
	f.Register(aapl)

	msft := NewSubscriber("c2", "sess-1", FlavorGeneric, DropOldest, 100)
	msft.Subscribe(SubTrades, "MSFT")
	f.Register(msft)

	otherSession := NewSubscriber("c3", "sess-2", FlavorGeneric, DropOldest, 100)
	otherSession.Subscribe(SubTrades, "AAPL")
	f.Register(otherSession)

	f.Enqueue("sess-1", tradeEvent("AAPL"))

	if aapl.Snapshot().PendingMessages != 1 {
		t.Fatalf("AAPL subscriber pending = %d, want 1", aapl.Snapshot().PendingMessages)
	}
	if msft.Snapshot().PendingMessages != 0 {
		t.Fatalf("MSFT subscriber should not receive AAPL trade")
	}
	if otherSession.Snapshot().PendingMessages != 0 {
		t.Fatalf("subscriber on a different session should not receive the event")
	}
}

func TestWildcardSubscriptionMatchesAnySymbol(t *testing.T) {
	f := New(50, time.Hour)
	s := NewSubscriber("c1", "sess-1", FlavorGeneric, DropOldest, 100)
	s.Subscribe(SubAll, "*")
	f.Register(s)

	f.Enqueue("sess-1", tradeEvent("AAPL"))
	f.Enqueue("sess-1", model.Event{Kind: model.KindQuote, Symbol: "MSFT", Quote: &model.QuoteData{}})

	if s.Snapshot().PendingMessages != 2 {
		t.Fatalf("pending = %d, want 2", s.Snapshot().PendingMessages)
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	f := New(50, time.Hour)
	s := NewSubscriber("c1", "sess-1", FlavorGeneric, DropOldest, 100)
	s.Subscribe(SubTrades, "*")
	f.Register(s)
	f.Unregister("c1")

	f.Enqueue("sess-1", tradeEvent("AAPL"))
	if s.Snapshot().PendingMessages != 0 {
		t.Fatalf("unregistered subscriber should not receive events")
	}
}

func TestBackpressureDropOldestEvictsHead(t *testing.T) {
	s := NewSubscriber("c1", "sess-1", FlavorGeneric, DropOldest, 100000)
	// Push enough large messages to exceed the high watermark byte count.
	big := make([]byte, 1024)
	n := (highWatermarkBytes / len(big)) + 50
	for i := 0; i < n; i++ {
		s.enqueue(big)
	}
	stats := s.Snapshot()
	if !stats.Slow {
		t.Fatalf("expected subscriber to be marked slow")
	}
	if stats.MessagesDropped == 0 {
		t.Fatalf("expected drops under drop_oldest overflow")
	}
	if stats.PendingBytes > highWatermarkBytes {
		t.Fatalf("pending bytes = %d, should have been trimmed back under watermark", stats.PendingBytes)
	}
}

func TestBackpressureDropNewestRejectsArrival(t *testing.T) {
	s := NewSubscriber("c1", "sess-1", FlavorGeneric, DropNewest, 100000)
	big := make([]byte, 1024)
	n := (highWatermarkBytes / len(big)) + 5
	for i := 0; i < n; i++ {
		s.enqueue(big)
	}
	stats := s.Snapshot()
	if stats.MessagesDropped == 0 {
		t.Fatalf("expected drops under drop_newest overflow")
	}
	if !stats.Slow {
		t.Fatalf("expected subscriber marked slow")
	}
}

func TestSlowClearsBelowLowWatermark(t *testing.T) {
	s := NewSubscriber("c1", "sess-1", FlavorGeneric, DropOldest, 100000)
	big := make([]byte, 1024)
	n := (highWatermarkBytes / len(big)) + 10
	for i := 0; i < n; i++ {
		s.enqueue(big)
	}
	if !s.Snapshot().Slow {
		t.Fatalf("expected slow after exceeding high watermark")
	}

	// Drain below the low watermark.
	s.drainBatch(n)
	s.enqueue([]byte("x"))
	if s.Snapshot().Slow {
		t.Fatalf("expected slow to clear once pending drops below the low watermark")
	}
}

func TestDrainBatchCapsAtN(t *testing.T) {
	s := NewSubscriber("c1", "sess-1", FlavorGeneric, DropOldest, 100)
	for i := 0; i < 10; i++ {
		s.enqueue([]byte("m"))
	}
	batch := s.drainBatch(3)
	if len(batch) != 3 {
		t.Fatalf("batch = %d, want 3", len(batch))
	}
	if s.Snapshot().PendingMessages != 7 {
		t.Fatalf("remaining = %d, want 7", s.Snapshot().PendingMessages)
	}
}

func TestRunFlushesOutboxToSendChannel(t *testing.T) {
	f := New(10, 5*time.Millisecond)
	s := NewSubscriber("c1", "sess-1", FlavorGeneric, DropOldest, 100)
	s.Subscribe(SubTrades, "*")
	f.Register(s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	f.Enqueue("sess-1", tradeEvent("AAPL"))

	select {
	case <-s.Send():
	case <-time.After(time.Second):
		t.Fatalf("expected a batched message to arrive on Send() within bounded time")
	}
}
