// Package fanout implements the backpressure-aware subscriber fanout
// (C10): a per-connection bounded outbox with high/low watermark slow-
// consumer classification, and a background batching worker. It
// generalizes the teacher's internal/persistence/batch_writer.go
// buffer-plus-ticker batching loop onto per-subscriber outboxes, and
// its internal/api/websocket.go per-connection channel-subscribe model
// onto a vendor-flavor-aware registry.
package fanout

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"broker-sim/internal/model"
)

// Flavor selects the wire format a subscriber expects.
type Flavor string

const (
	FlavorAlpaca  Flavor = "ALPACA"
	FlavorPolygon Flavor = "POLYGON"
	FlavorFinnhub Flavor = "FINNHUB"
	FlavorGeneric Flavor = "GENERIC"
)

// OverflowPolicy selects which message is sacrificed when an outbox's
// high watermark is exceeded.
type OverflowPolicy string

const (
	DropOldest OverflowPolicy = "drop_oldest"
	DropNewest OverflowPolicy = "drop_newest"
)

const (
	highWatermarkBytes    = 1 << 20 // 1 MiB
	highWatermarkMessages = 10000
	lowWatermarkBytes     = 256 << 10 // 256 KiB
	lowWatermarkMessages  = 5000
	defaultQueueSize      = 1000
)

// SubKind is the channel a subscription covers.
type SubKind string

const (
	SubTrades       SubKind = "TRADES"
	SubQuotes       SubKind = "QUOTES"
	SubBars         SubKind = "BARS"
	SubOrderUpdates SubKind = "ORDER_UPDATES"
	SubAll          SubKind = "ALL"
)

// Stats is the per-connection counters exposed for observability.
type Stats struct {
	MessagesSent    uint64
	MessagesDropped uint64
	PendingBytes    int
	PendingMessages int
	Slow            bool
}

// Subscriber is one connected streaming client.
type Subscriber struct {
	mu         sync.Mutex
	ConnID     string
	SessionID  string
	Flavor     Flavor
	Authed     bool
	subs       map[SubKind]map[string]bool // kind -> {symbol|"*"}
	outbox     [][]byte
	policy     OverflowPolicy
	queueSize  int
	stats      Stats
	send       chan []byte
}

// NewSubscriber creates a Subscriber with a bounded delivery channel of
// capacity queueSize (defaultQueueSize if <= 0).
func NewSubscriber(connID, sessionID string, flavor Flavor, policy OverflowPolicy, queueSize int) *Subscriber {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if policy != DropOldest && policy != DropNewest {
		policy = DropOldest
	}
	return &Subscriber{
		ConnID:    connID,
		SessionID: sessionID,
		Flavor:    flavor,
		subs:      make(map[SubKind]map[string]bool),
		policy:    policy,
		queueSize: queueSize,
		send:      make(chan []byte, queueSize),
	}
}

// Subscribe adds a (kind, symbol) subscription; symbol "*" subscribes
// to every symbol for that kind.
func (s *Subscriber) Subscribe(kind SubKind, symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.subs[kind]
	if !ok {
		set = make(map[string]bool)
		s.subs[kind] = set
	}
	set[symbol] = true
}

func (s *Subscriber) wants(kind SubKind, symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range []SubKind{kind, SubAll} {
		set, ok := s.subs[k]
		if !ok {
			continue
		}
		if set["*"] || set[symbol] {
			return true
		}
	}
	return false
}

// enqueue attempts to append payload, applying the overflow policy if
// the outbox is over its high watermark in bytes or message count.
// Never blocks.
func (s *Subscriber) enqueue(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.outbox = append(s.outbox, payload)
	s.recomputePendingLocked()

	for s.stats.PendingBytes > highWatermarkBytes || s.stats.PendingMessages > highWatermarkMessages {
		s.stats.Slow = true
		switch s.policy {
		case DropNewest:
			s.outbox = s.outbox[:len(s.outbox)-1]
			s.stats.MessagesDropped++
			s.recomputePendingLocked()
			return
		case DropOldest:
			if len(s.outbox) == 0 {
				break
			}
			s.outbox = s.outbox[1:]
			s.stats.MessagesDropped++
			s.recomputePendingLocked()
		}
	}
	if s.stats.PendingBytes < lowWatermarkBytes && s.stats.PendingMessages < lowWatermarkMessages {
		s.stats.Slow = false
	}
}

func (s *Subscriber) recomputePendingLocked() {
	bytes := 0
	for _, p := range s.outbox {
		bytes += len(p)
	}
	s.stats.PendingBytes = bytes
	s.stats.PendingMessages = len(s.outbox)
}

// drainBatch removes up to n queued messages for delivery.
func (s *Subscriber) drainBatch(n int) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > len(s.outbox) {
		n = len(s.outbox)
	}
	batch := s.outbox[:n]
	s.outbox = s.outbox[n:]
	s.recomputePendingLocked()
	return batch
}

// Snapshot returns a copy of the subscriber's counters.
func (s *Subscriber) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Send is the channel the connection's write-pump goroutine reads
// delivered batches from.
func (s *Subscriber) Send() <-chan []byte { return s.send }

// Fanout owns every subscriber across every session and the
// background batching worker that drains their outboxes.
type Fanout struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber // connID -> Subscriber
	batchSize   int
	flushEvery  time.Duration
}

// New creates a Fanout with the given batch size and flush interval.
func New(batchSize int, flushInterval time.Duration) *Fanout {
	if batchSize <= 0 {
		batchSize = 50
	}
	if flushInterval <= 0 {
		flushInterval = 50 * time.Millisecond
	}
	return &Fanout{
		subscribers: make(map[string]*Subscriber),
		batchSize:   batchSize,
		flushEvery:  flushInterval,
	}
}

// Register adds a subscriber to the registry.
func (f *Fanout) Register(s *Subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribers[s.ConnID] = s
}

// Unregister removes a subscriber, e.g. on socket close — spec.md
// §4.10's "Fanout socket failure -> remove subscriber, session
// continues".
func (f *Fanout) Unregister(connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subscribers, connID)
}

// Enqueue formats ev for every subscriber of sessionID interested in
// its kind/symbol and appends to their outboxes. It never blocks.
func (f *Fanout) Enqueue(sessionID string, ev model.Event) {
	kind := subKindFor(ev.Kind)
	if kind == "" {
		return
	}
	f.mu.RLock()
	targets := make([]*Subscriber, 0, 4)
	for _, s := range f.subscribers {
		if s.SessionID == sessionID && s.wants(kind, ev.Symbol) {
			targets = append(targets, s)
		}
	}
	f.mu.RUnlock()
	if len(targets) == 0 {
		return
	}
	for _, s := range targets {
		payload, err := formatForFlavor(s.Flavor, ev)
		if err != nil {
			continue
		}
		s.enqueue(payload)
	}
}

func subKindFor(k model.Kind) SubKind {
	switch k {
	case model.KindTrade:
		return SubTrades
	case model.KindQuote:
		return SubQuotes
	case model.KindBar:
		return SubBars
	case model.KindOrderUpdate:
		return SubOrderUpdates
	default:
		return ""
	}
}

// Run drives the batching worker until ctx is canceled, draining every
// subscriber's outbox in batches no larger than batchSize at most
// every flushEvery.
func (f *Fanout) Run(ctx context.Context) {
	ticker := time.NewTicker(f.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.flushAll()
		}
	}
}

func (f *Fanout) flushAll() {
	f.mu.RLock()
	subs := make([]*Subscriber, 0, len(f.subscribers))
	for _, s := range f.subscribers {
		subs = append(subs, s)
	}
	f.mu.RUnlock()

	for _, s := range subs {
		batch := s.drainBatch(f.batchSize)
		for _, payload := range batch {
			select {
			case s.send <- payload:
				s.mu.Lock()
				s.stats.MessagesSent++
				s.mu.Unlock()
			default:
				s.mu.Lock()
				s.stats.MessagesDropped++
				s.mu.Unlock()
			}
		}
	}
}

// envelope is the wire shape produced for every flavor: the Event plus
// its flavor, kind, symbol, and timestamp. No Alpaca/Polygon/Finnhub
// envelope is produced; the WebSocket handler in internal/api writes
// these bytes to the connection unchanged.
type envelope struct {
	Flavor Flavor      `json:"flavor"`
	Kind   model.Kind  `json:"kind"`
	Symbol string      `json:"symbol"`
	Ts     int64       `json:"timestamp_ns"`
	Data   model.Event `json:"data"`
}

func formatForFlavor(flavor Flavor, ev model.Event) ([]byte, error) {
	return json.Marshal(envelope{Flavor: flavor, Kind: ev.Kind, Symbol: ev.Symbol, Ts: ev.TimestampNs, Data: ev})
}
