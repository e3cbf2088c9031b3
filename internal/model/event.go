// Package model holds the core value types shared across the replay
// pipeline: events, orders, positions, and accounts.
package model

import "github.com/shopspring/decimal"

// Kind tags the concrete payload carried by an Event.
type Kind string

const (
	KindTrade           Kind = "TRADE"
	KindQuote           Kind = "QUOTE"
	KindBar             Kind = "BAR"
	KindOrderUpdate     Kind = "ORDER_UPDATE"
	KindCorporateAction Kind = "CORPORATE_ACTION"
)

// Event is the tagged variant that flows through the replay pipeline.
// Exactly one of Trade/Quote/Bar/OrderUpdate/CorporateAction is set,
// matching the Kind tag. Within one session the pair (TimestampNs, Seq)
// is strictly monotonic once an event leaves the EventQueue.
type Event struct {
	Kind        Kind
	TimestampNs int64
	Symbol      string
	Seq         uint64

	Trade           *TradeData
	Quote           *QuoteData
	Bar             *BarData
	OrderUpdate     *OrderUpdateData
	CorporateAction *CorporateActionData
}

// Key returns the ordering key used by the EventQueue and by tie-break
// rules in the matching engine: timestamp first, sequence number breaks
// ties.
func (e Event) Key() (int64, uint64) {
	return e.TimestampNs, e.Seq
}

// Less reports whether e sorts before o under (timestamp_ns, seq) order.
func (e Event) Less(o Event) bool {
	if e.TimestampNs != o.TimestampNs {
		return e.TimestampNs < o.TimestampNs
	}
	return e.Seq < o.Seq
}

// TradeData is a single printed trade on the tape.
type TradeData struct {
	Price      decimal.Decimal
	Size       uint32
	Conditions []uint8
	Exchange   uint8
	SipTsNs    int64
	// OpeningCross/ClosingCross mark a trade (typically a synthetic bar
	// close) as eligible to satisfy Opg/Cls time-in-force orders.
	OpeningCross bool
	ClosingCross bool
}

// QuoteData is a top-of-book NBBO snapshot.
type QuoteData struct {
	Bid     decimal.Decimal
	BidSize uint32
	Ask     decimal.Decimal
	AskSize uint32
}

// BarData is an aggregated OHLCV bar.
type BarData struct {
	Open, High, Low, Close decimal.Decimal
	Volume                 uint64
	VWAP                   decimal.Decimal
	StartNs, EndNs         int64
}

// OrderUpdateData carries a fill or status transition back out of the
// matching engine as an outbound event for the ledger and fanout.
type OrderUpdateData struct {
	OrderID      string
	Side         Side
	Status       OrderStatus
	FillPrice    decimal.Decimal
	FillQty      uint64
	Fees         FeeBreakdown
	Reason       string
	AvgFillPrice decimal.Decimal
	FilledQty    uint64
}

// CorporateActionKind distinguishes dividend vs split actions.
type CorporateActionKind string

const (
	CorporateActionDividend CorporateActionKind = "DIVIDEND"
	CorporateActionSplit    CorporateActionKind = "SPLIT"
)

// CorporateActionData carries the parameters of a dividend or split.
type CorporateActionData struct {
	Kind            CorporateActionKind
	AmountPerShare  decimal.Decimal // dividend
	Ratio           decimal.Decimal // split, e.g. 2 for a 2:1 split
}

// FeeBreakdown itemizes the cost-model components applied to a fill.
type FeeBreakdown struct {
	PerShareCommission decimal.Decimal
	PerOrderCommission decimal.Decimal
	SECFee             decimal.Decimal
	FINRATAF           decimal.Decimal
	MakerRebate        decimal.Decimal
	TakerFee           decimal.Decimal
}

// Total sums every component; rebates are represented as negative fees.
func (f FeeBreakdown) Total() decimal.Decimal {
	return f.PerShareCommission.
		Add(f.PerOrderCommission).
		Add(f.SECFee).
		Add(f.FINRATAF).
		Sub(f.MakerRebate).
		Add(f.TakerFee)
}
