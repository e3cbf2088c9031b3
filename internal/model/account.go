package model

import "github.com/shopspring/decimal"

// Position is the net holding for one symbol. Qty is signed: positive is
// long, negative is short.
type Position struct {
	Symbol        string
	Qty           int64
	AvgEntryPrice decimal.Decimal
	CostBasis     decimal.Decimal
	MarketValue   decimal.Decimal
	UnrealizedPL  decimal.Decimal
	RealizedPL    decimal.Decimal
}

// Side reports LONG/SHORT/flat for the position.
func (p Position) Side() string {
	switch {
	case p.Qty > 0:
		return "LONG"
	case p.Qty < 0:
		return "SHORT"
	default:
		return "FLAT"
	}
}

// Account is the per-session cash/margin/buying-power ledger root.
// Invariant: Equity == Cash + LongMV - ShortMV - AccruedFees at every
// observable instant.
type Account struct {
	Cash                   decimal.Decimal
	Equity                 decimal.Decimal
	LongMV                 decimal.Decimal
	ShortMV                decimal.Decimal
	InitialMargin          decimal.Decimal
	MaintenanceMargin      decimal.Decimal
	BuyingPower            decimal.Decimal
	RegTBuyingPower        decimal.Decimal
	DaytradingBuyingPower  decimal.Decimal
	AccruedFees            decimal.Decimal
	PatternDayTrader       bool
}

// Recompute derives Equity from its components. Callers must invoke this
// after any mutation to Cash/LongMV/ShortMV/AccruedFees so the invariant
// in spec.md §3 holds at every observable instant.
func (a *Account) Recompute() {
	a.Equity = a.Cash.Add(a.LongMV).Sub(a.ShortMV).Sub(a.AccruedFees)
}

// InMarginCall reports whether equity has fallen below maintenance
// margin.
func (a *Account) InMarginCall() bool {
	return a.Equity.LessThan(a.MaintenanceMargin)
}
