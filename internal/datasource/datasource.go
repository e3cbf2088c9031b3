// Package datasource implements the per-session DataSource (C3): a
// lazy, time-ordered Event sequence merged from the tick store's
// trades, quotes, and bars for a symbol set and time range. It
// generalizes the teacher's internal/data/historical.go fetch-service
// shape onto a restartable, prefetch-batched cursor, following the
// batch-then-merge pattern of the pack's feed-simulator reference file.
package datasource

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"broker-sim/internal/model"
	"broker-sim/pkg/db"
)

// ErrSourceUnavailable signals the columnar store connection was lost;
// sessions treat this as retryable per spec.md §4.10.
var ErrSourceUnavailable = errors.New("datasource: source unavailable")

// ErrRangeEmpty signals the requested range produced no events at all;
// sessions Complete immediately on Start in this case.
var ErrRangeEmpty = errors.New("datasource: range empty")

const defaultPrefetchBatch = 500

// Cursor identifies a restart point: the next event must have
// timestamp > TimestampNs, or == TimestampNs and seq > Seq.
type Cursor struct {
	TimestampNs int64
	Seq         uint64
}

// DataSource produces Events for one session's symbol set and time
// range, prefetching in batches from the TickStore.
type DataSource struct {
	store   *db.TickStore
	symbols []string
	startNs int64
	endNs   int64
	cursor  Cursor
	batch   int

	buf      []model.Event
	bufIdx   int
	exhausted bool
	seqGen   uint64
}

// New creates a DataSource over symbols within [startNs, endNs),
// optionally restarting from cursor (zero-value Cursor starts at
// startNs).
func New(store *db.TickStore, symbols []string, startNs, endNs int64, cursor Cursor) *DataSource {
	if cursor.TimestampNs == 0 {
		cursor.TimestampNs = startNs
	}
	return &DataSource{
		store:   store,
		symbols: symbols,
		startNs: startNs,
		endNs:   endNs,
		cursor:  cursor,
		batch:   defaultPrefetchBatch,
	}
}

// SetPrefetchBatch overrides the default prefetch batch size.
func (d *DataSource) SetPrefetchBatch(n int) {
	if n > 0 {
		d.batch = n
	}
}

// Probe checks whether the configured range has any events at all,
// returning ErrRangeEmpty if not. Sessions call this once on Start.
func (d *DataSource) Probe(ctx context.Context) error {
	if err := d.fill(ctx); err != nil {
		return err
	}
	if d.exhausted && len(d.buf) == 0 {
		return ErrRangeEmpty
	}
	return nil
}

// Next returns the next Event in (timestamp_ns, seq) order, or
// ok=false when the range is exhausted.
func (d *DataSource) Next(ctx context.Context) (model.Event, bool, error) {
	if d.bufIdx >= len(d.buf) {
		if d.exhausted {
			return model.Event{}, false, nil
		}
		if err := d.fill(ctx); err != nil {
			return model.Event{}, false, err
		}
		if d.bufIdx >= len(d.buf) {
			return model.Event{}, false, nil
		}
	}
	ev := d.buf[d.bufIdx]
	d.bufIdx++
	d.cursor = Cursor{TimestampNs: ev.TimestampNs, Seq: ev.Seq}
	return ev, true, nil
}

// Cursor returns the current replay position, suitable for a
// checkpoint's source_cursor field.
func (d *DataSource) Cursor() Cursor {
	return d.cursor
}

// Reseek discards any buffered events and restarts the cursor at
// toNs, discarding everything strictly before it — used by
// TimeEngine.Jump.
func (d *DataSource) Reseek(toNs int64) {
	d.cursor = Cursor{TimestampNs: toNs}
	d.buf = nil
	d.bufIdx = 0
	d.exhausted = false
}

// SeekCursor restarts replay at exactly c, discarding any buffered
// events. Unlike Reseek (which drops the seq half of the key for a
// user-requested Jump), SeekCursor preserves both fields so recovery
// resumes strictly after the last durable (timestamp_ns, seq) instead
// of risking a re-delivered boundary event.
func (d *DataSource) SeekCursor(c Cursor) {
	d.cursor = c
	d.buf = nil
	d.bufIdx = 0
	d.exhausted = false
}

func (d *DataSource) fill(ctx context.Context) error {
	ticks, err := d.store.QueryTicks(ctx, d.symbols, d.cursor.TimestampNs, d.endNs, d.cursor.Seq, d.batch)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	quotes, err := d.store.QueryQuotes(ctx, d.symbols, d.cursor.TimestampNs, d.endNs, d.cursor.Seq, d.batch)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	bars, err := d.store.QueryBars(ctx, d.symbols, d.cursor.TimestampNs, d.endNs, d.cursor.Seq, d.batch)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	merged := make([]model.Event, 0, len(ticks)+len(quotes)+len(bars))
	for _, t := range ticks {
		merged = append(merged, model.Event{
			Kind:        model.KindTrade,
			TimestampNs: t.TimestampNs,
			Symbol:      t.Symbol,
			Seq:         t.Seq,
			Trade: &model.TradeData{
				Price:        t.Price,
				Size:         t.Size,
				Exchange:     t.Exchange,
				SipTsNs:      t.SipTsNs,
				OpeningCross: t.OpeningCross,
				ClosingCross: t.ClosingCross,
			},
		})
	}
	for _, q := range quotes {
		merged = append(merged, model.Event{
			Kind:        model.KindQuote,
			TimestampNs: q.TimestampNs,
			Symbol:      q.Symbol,
			Seq:         q.Seq,
			Quote: &model.QuoteData{
				Bid: q.Bid, BidSize: q.BidSize, Ask: q.Ask, AskSize: q.AskSize,
			},
		})
	}
	for _, b := range bars {
		merged = append(merged, model.Event{
			Kind:        model.KindBar,
			TimestampNs: b.TimestampNs,
			Symbol:      b.Symbol,
			Seq:         b.Seq,
			Bar: &model.BarData{
				Open: b.Open, High: b.High, Low: b.Low, Close: b.Close,
				Volume: b.Volume, VWAP: b.VWAP, StartNs: b.StartNs, EndNs: b.EndNs,
			},
		})
	}

	sortEvents(merged)

	if len(merged) < d.batch {
		d.exhausted = true
	}
	d.buf = merged
	d.bufIdx = 0
	return nil
}

func sortEvents(events []model.Event) {
	sort.SliceStable(events, func(i, j int) bool { return events[i].Less(events[j]) })
}
