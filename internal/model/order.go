package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	OrderMarket       OrderType = "MARKET"
	OrderLimit        OrderType = "LIMIT"
	OrderStop         OrderType = "STOP"
	OrderStopLimit    OrderType = "STOP_LIMIT"
	OrderTrailingStop OrderType = "TRAILING_STOP"
)

// TIF is the time-in-force policy governing order lifetime.
type TIF string

const (
	TIFDay TIF = "DAY"
	TIFGtc TIF = "GTC"
	TIFIoc TIF = "IOC"
	TIFFok TIF = "FOK"
	TIFOpg TIF = "OPG"
	TIFCls TIF = "CLS"
)

// OrderStatus is the order's lifecycle state.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusAccepted        OrderStatus = "ACCEPTED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether the status is a terminal one.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

// Order is a single order tracked by the matching engine and ledger.
// Invariant: Filled <= Qty; Filled == Qty iff Status == StatusFilled.
type Order struct {
	ID       string
	ClientID string // optional, caller-supplied
	Symbol   string
	Side     Side
	Kind     OrderType
	Qty      uint64
	Filled   uint64

	LimitPrice   decimal.Decimal
	StopPrice    decimal.Decimal
	TrailPrice   decimal.Decimal
	TrailPercent decimal.Decimal

	TIF    TIF
	Status OrderStatus
	Reason string // set when Status == Rejected

	CreatedNs   int64
	UpdatedNs   int64
	AdmissionNs int64 // set once latency has been applied; 0 until Accepted
	Seq         uint64 // admission tie-break sequence

	AvgFillPrice decimal.Decimal

	// StopActive is true once a Stop/StopLimit/TrailingStop has converted
	// to its active (market or limit) form.
	StopActive bool
	// ReduceOnly marks liquidation-only orders synthesized by forced
	// liquidation; they never open new exposure.
	ReduceOnly bool
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() uint64 {
	if o.Filled >= o.Qty {
		return 0
	}
	return o.Qty - o.Filled
}

// ApplyFill records a partial or full fill, updating Status and
// AvgFillPrice (quantity-weighted mean of fill prices).
func (o *Order) ApplyFill(qty uint64, price decimal.Decimal, nowNs int64) {
	if qty == 0 {
		return
	}
	prevFilled := decimal.NewFromInt(int64(o.Filled))
	newFilled := decimal.NewFromInt(int64(qty))
	totalFilled := o.Filled + qty

	if o.Filled == 0 {
		o.AvgFillPrice = price
	} else {
		weighted := o.AvgFillPrice.Mul(prevFilled).Add(price.Mul(newFilled))
		o.AvgFillPrice = weighted.Div(decimal.NewFromInt(int64(totalFilled)))
	}

	o.Filled = totalFilled
	o.UpdatedNs = nowNs
	if o.Filled >= o.Qty {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartiallyFilled
	}
}

// CreatedAt/UpdatedAt helpers for JSON/API presentation.
func (o *Order) CreatedAt() time.Time { return time.Unix(0, o.CreatedNs).UTC() }
func (o *Order) UpdatedAt() time.Time { return time.Unix(0, o.UpdatedNs).UTC() }
