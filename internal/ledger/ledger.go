// Package ledger owns the per-session Account and Position bookkeeping
// (C5): fill application, mark-to-market, corporate actions, buying
// power, and margin-call detection. It generalizes the teacher's
// position-averaging logic in internal/state/manager.go (RecordFill)
// and the lock/deduct/add balance operations in
// internal/balance/manager.go onto decimal-typed positions that can
// flip sign (long<->short) rather than the teacher's unsigned balances.
package ledger

import (
	"sync"

	"github.com/shopspring/decimal"

	"broker-sim/internal/model"
)

const maintenanceMarginPct = "0.25"

// Ledger holds one Account plus its Positions, keyed by symbol.
type Ledger struct {
	mu          sync.Mutex
	account     model.Account
	positions   map[string]*model.Position
	marginPct   decimal.Decimal
	allowShort  bool
}

// New creates a Ledger seeded with initialCapital cash and no positions.
func New(initialCapital decimal.Decimal, allowShort bool) *Ledger {
	l := &Ledger{
		positions:  make(map[string]*model.Position),
		marginPct:  decimal.RequireFromString(maintenanceMarginPct),
		allowShort: allowShort,
	}
	l.account.Cash = initialCapital
	l.account.BuyingPower = initialCapital
	l.account.RegTBuyingPower = initialCapital
	l.account.DaytradingBuyingPower = initialCapital
	l.account.Recompute()
	return l
}

// Snapshot is the JSON-serializable ledger state captured in a WAL
// checkpoint (spec.md §4.6): enough to restore Account and every
// Position without replaying a single fill.
type Snapshot struct {
	Account   model.Account              `json:"account"`
	Positions map[string]model.Position  `json:"positions"`
}

// Snapshot captures the current account and position state for a WAL
// checkpoint.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	positions := make(map[string]model.Position, len(l.positions))
	for symbol, p := range l.positions {
		positions[symbol] = *p
	}
	return Snapshot{Account: l.account, Positions: positions}
}

// Restore replaces the ledger's account and positions with a
// previously captured Snapshot, used on recovery after loading the
// latest checkpoint. allowShort and marginPct are preserved from
// construction, not the snapshot.
func (l *Ledger) Restore(s Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.account = s.Account
	l.positions = make(map[string]*model.Position, len(s.Positions))
	for symbol, p := range s.Positions {
		p := p
		l.positions[symbol] = &p
	}
}

// Account returns a snapshot copy of the current account.
func (l *Ledger) Account() model.Account {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.account
}

// Position returns a snapshot copy of the position for symbol, or the
// zero Position if none exists.
func (l *Ledger) Position(symbol string) model.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.positions[symbol]; ok {
		return *p
	}
	return model.Position{Symbol: symbol}
}

// Positions returns snapshot copies of every non-flat position.
func (l *Ledger) Positions() []model.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.Position, 0, len(l.positions))
	for _, p := range l.positions {
		if p.Qty != 0 {
			out = append(out, *p)
		}
	}
	return out
}

// ApplyFill updates cash (by the fill's notional only), position
// quantity, average entry price, and realized PL for a fill of qty
// shares at price on side for symbol, adds the fill's fees to
// AccruedFees, and values the position at price until the next
// MarkToMarket. It handles flips from long to short (or vice versa)
// by realizing PL on the closed portion and opening a fresh average
// entry on the remainder, mirroring state.Manager.RecordFill.
func (l *Ledger) ApplyFill(symbol string, side model.Side, qty uint64, price decimal.Decimal, fees model.FeeBreakdown) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[symbol]
	if !ok {
		pos = &model.Position{Symbol: symbol}
		l.positions[symbol] = pos
	}

	signedQty := decimal.NewFromInt(int64(qty))
	if side == model.SideSell {
		signedQty = signedQty.Neg()
	}

	notional := price.Mul(decimal.NewFromInt(int64(qty)))
	totalFees := fees.Total()

	switch {
	case pos.Qty == 0 || sameSign(pos.Qty, signedQty):
		// Opening or adding to an existing directional position.
		prevQty := decimal.NewFromInt(pos.Qty)
		newQty := prevQty.Add(signedQty)
		if !newQty.IsZero() {
			weighted := pos.AvgEntryPrice.Mul(prevQty.Abs()).Add(price.Mul(signedQty.Abs()))
			pos.AvgEntryPrice = weighted.Div(newQty.Abs())
		}
		pos.Qty = newQty.IntPart()
		pos.CostBasis = pos.AvgEntryPrice.Mul(newQty.Abs())

	default:
		// Reducing, flat-closing, or flipping.
		closingQty := decimal.NewFromInt(qty)
		posQtyAbs := decimal.NewFromInt(pos.Qty).Abs()
		closedQty := decimal.Min(closingQty, posQtyAbs)

		var pl decimal.Decimal
		if pos.Qty > 0 {
			pl = price.Sub(pos.AvgEntryPrice).Mul(closedQty)
		} else {
			pl = pos.AvgEntryPrice.Sub(price).Mul(closedQty)
		}
		pos.RealizedPL = pos.RealizedPL.Add(pl)

		remainder := closingQty.Sub(closedQty)
		newSignedQty := decimal.NewFromInt(pos.Qty).Add(signedQty)
		pos.Qty = newSignedQty.IntPart()

		if remainder.IsPositive() {
			// Flipped through flat: open a fresh position on the remainder.
			pos.AvgEntryPrice = price
			pos.CostBasis = price.Mul(remainder)
		} else if pos.Qty == 0 {
			pos.AvgEntryPrice = decimal.Zero
			pos.CostBasis = decimal.Zero
		} else {
			pos.CostBasis = pos.AvgEntryPrice.Mul(decimal.NewFromInt(pos.Qty).Abs())
		}
	}

	cashDelta := notional
	if side == model.SideBuy {
		cashDelta = cashDelta.Neg()
	}
	l.account.Cash = l.account.Cash.Add(cashDelta)
	l.account.AccruedFees = l.account.AccruedFees.Add(totalFees)

	qtyAbs := decimal.NewFromInt(pos.Qty).Abs()
	pos.MarketValue = price.Mul(qtyAbs)
	pos.UnrealizedPL = price.Sub(pos.AvgEntryPrice).Mul(decimal.NewFromInt(pos.Qty))
	l.account.LongMV, l.account.ShortMV = decimal.Zero, decimal.Zero
	for _, p := range l.positions {
		if p.Qty > 0 {
			l.account.LongMV = l.account.LongMV.Add(p.MarketValue)
		} else if p.Qty < 0 {
			l.account.ShortMV = l.account.ShortMV.Add(p.MarketValue)
		}
	}

	l.recomputeLocked()
}

// MarkToMarket revalues every position at the supplied last-trade
// prices and recomputes unrealized PL, market value, and equity.
func (l *Ledger) MarkToMarket(lastPrices map[string]decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()

	longMV := decimal.Zero
	shortMV := decimal.Zero
	for symbol, pos := range l.positions {
		price, ok := lastPrices[symbol]
		if !ok || pos.Qty == 0 {
			continue
		}
		qtyAbs := decimal.NewFromInt(pos.Qty).Abs()
		mv := price.Mul(qtyAbs)
		pos.MarketValue = mv
		if pos.Qty > 0 {
			pos.UnrealizedPL = price.Sub(pos.AvgEntryPrice).Mul(qtyAbs)
			longMV = longMV.Add(mv)
		} else {
			pos.UnrealizedPL = pos.AvgEntryPrice.Sub(price).Mul(qtyAbs)
			shortMV = shortMV.Add(mv)
		}
	}
	l.account.LongMV = longMV
	l.account.ShortMV = shortMV
	l.recomputeLocked()
}

// ApplyCorporateAction applies a dividend (cash credit per share held,
// long positions only) or a split (quantity multiplied by ratio,
// average entry price divided by ratio, so cost basis is preserved).
func (l *Ledger) ApplyCorporateAction(symbol string, action model.CorporateActionData) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[symbol]
	if !ok || pos.Qty == 0 {
		return
	}

	switch action.Kind {
	case model.CorporateActionDividend:
		if pos.Qty > 0 {
			credit := action.AmountPerShare.Mul(decimal.NewFromInt(pos.Qty))
			l.account.Cash = l.account.Cash.Add(credit)
		}
	case model.CorporateActionSplit:
		if action.Ratio.IsPositive() {
			qty := decimal.NewFromInt(pos.Qty).Mul(action.Ratio)
			pos.Qty = qty.IntPart()
			pos.AvgEntryPrice = pos.AvgEntryPrice.Div(action.Ratio)
			pos.CostBasis = pos.AvgEntryPrice.Mul(decimal.NewFromInt(pos.Qty).Abs())
		}
	}
	l.recomputeLocked()
}

// ComputeBuyingPower recomputes Reg-T (2x equity) and day-trading (4x
// equity, only meaningful for pattern day traders) buying power from
// current equity.
func (l *Ledger) ComputeBuyingPower() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.computeBuyingPowerLocked()
}

func (l *Ledger) computeBuyingPowerLocked() {
	two := decimal.NewFromInt(2)
	four := decimal.NewFromInt(4)
	l.account.RegTBuyingPower = l.account.Equity.Mul(two)
	if l.account.PatternDayTrader {
		l.account.DaytradingBuyingPower = l.account.Equity.Mul(four)
		l.account.BuyingPower = l.account.DaytradingBuyingPower
	} else {
		l.account.BuyingPower = l.account.RegTBuyingPower
	}
}

// CheckMargin recomputes maintenance margin requirement and reports
// whether the account is currently in a margin call (equity below
// maintenance margin).
func (l *Ledger) CheckMargin() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	gross := l.account.LongMV.Add(l.account.ShortMV)
	l.account.MaintenanceMargin = gross.Mul(l.marginPct)
	return l.account.InMarginCall()
}

func (l *Ledger) recomputeLocked() {
	l.account.Recompute()
	l.computeBuyingPowerLocked()
}

func sameSign(existingQty int64, delta decimal.Decimal) bool {
	if existingQty == 0 {
		return true
	}
	if existingQty > 0 {
		return delta.IsPositive()
	}
	return delta.IsNegative()
}
