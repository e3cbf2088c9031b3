// Package matching implements the per-session matching engine (C6): order
// admission, resting-order books keyed by price/time priority, and the
// slippage/impact/fee cost model applied to every fill. It generalizes
// the teacher's internal/risk/manager.go ordered multi-stage evaluation
// style (validate, then compute, then decide) onto admission, and its
// internal/order package's status-transition bookkeeping onto fills.
package matching

import (
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"broker-sim/internal/model"
	"broker-sim/pkg/apierr"
)

// Engine owns every symbol's resting orders and pending (unactivated)
// stop orders for one session. It holds no reference to the Ledger;
// callers supply the buying-power and position figures Admit needs, so
// matching and ledger remain decoupled per spec.md §9's
// no-polymorphic-hierarchies / explicit-dependency design note.
type Engine struct {
	mu      sync.Mutex
	cfg     Config
	rng     *rand.Rand
	books   map[string]*book
	nextSeq uint64
}

type book struct {
	resting map[string]*model.Order // Market/Limit/activated-Stop orders eligible to match
	stops   map[string]*model.Order // Stop/StopLimit/TrailingStop not yet activated
	trailRef map[string]decimal.Decimal
}

func newBook() *book {
	return &book{
		resting:  make(map[string]*model.Order),
		stops:    make(map[string]*model.Order),
		trailRef: make(map[string]decimal.Decimal),
	}
}

// New creates an Engine from cfg, seeding its deterministic PRNG from
// cfg.Seed.
func New(cfg Config) *Engine {
	return &Engine{
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		books: make(map[string]*book),
	}
}

// SeedNextSeq sets the first sequence number the engine will assign to
// an outbound OrderUpdate event; used on session resume/recovery to
// continue the monotonic (timestamp_ns, seq) stream.
func (e *Engine) SeedNextSeq(n uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextSeq = n
}

func (e *Engine) bookFor(symbol string) *book {
	b, ok := e.books[symbol]
	if !ok {
		b = newBook()
		e.books[symbol] = b
	}
	return b
}

// AdmitResult is the outcome of admission.
type AdmitResult struct {
	Accepted bool
	Reason   string
	Kind     apierr.Kind
}

// Admit validates and, if accepted, activates an order, attaching the
// latency-perturbed AdmissionNs and a tie-break Seq. positionQty is the
// caller's current signed position for the order's symbol;
// buyingPower is the caller's current buying power. referencePrice is
// the last known trade price for the symbol (zero if none yet), used
// only to estimate notional for the position/order value caps.
func (e *Engine) Admit(o *model.Order, nowNs int64, positionQty int64, buyingPower, referencePrice decimal.Decimal) AdmitResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	if o.Symbol == "" {
		return AdmitResult{Reason: "symbol required", Kind: apierr.InvalidArgument}
	}
	if o.Qty == 0 {
		return AdmitResult{Reason: "qty must be positive", Kind: apierr.InvalidArgument}
	}
	if needsLimitPrice(o.Kind) && o.LimitPrice.IsZero() {
		return AdmitResult{Reason: "limit price required", Kind: apierr.InvalidArgument}
	}
	if needsStopPrice(o.Kind) && o.StopPrice.IsZero() {
		return AdmitResult{Reason: "stop price required", Kind: apierr.InvalidArgument}
	}

	resultingQty := positionQty
	if o.Side == model.SideBuy {
		resultingQty += int64(o.Qty)
	} else {
		resultingQty -= int64(o.Qty)
	}
	if resultingQty < 0 && !e.cfg.AllowShorting && !o.ReduceOnly {
		return AdmitResult{Reason: "shorting not permitted", Kind: apierr.RejectedByPolicy}
	}

	priceRef := referencePrice
	if !o.LimitPrice.IsZero() {
		priceRef = o.LimitPrice
	}
	notional := priceRef.Mul(decimal.NewFromInt(int64(o.Qty)))
	if !priceRef.IsZero() {
		if e.cfg.MaxSingleOrderValue.IsPositive() && notional.GreaterThan(e.cfg.MaxSingleOrderValue) {
			return AdmitResult{Reason: "exceeds max single order value", Kind: apierr.RejectedByPolicy}
		}
		resultingValue := priceRef.Mul(decimal.NewFromInt(resultingQty)).Abs()
		if e.cfg.MaxPositionValue.IsPositive() && resultingValue.GreaterThan(e.cfg.MaxPositionValue) {
			return AdmitResult{Reason: "exceeds max position value", Kind: apierr.RejectedByPolicy}
		}
		if o.Side == model.SideBuy && !o.ReduceOnly && notional.GreaterThan(buyingPower) {
			return AdmitResult{Reason: "insufficient buying power", Kind: apierr.InsufficientBuyingPower}
		}
	}

	if e.cfg.RejectionProbability > 0 && e.rng.Float64() < e.cfg.RejectionProbability {
		return AdmitResult{Reason: "randomly rejected by policy", Kind: apierr.RejectedByPolicy}
	}

	admissionNs := nowNs
	if e.cfg.EnableLatency {
		admissionNs += e.cfg.FixedLatencyUs * 1000
		if e.cfg.RandomLatencyMaxUs > 0 {
			admissionNs += int64(e.rng.Int63n(e.cfg.RandomLatencyMaxUs)) * 1000
		}
	}

	if o.CreatedNs == 0 {
		o.CreatedNs = nowNs
	}
	o.AdmissionNs = admissionNs
	o.Seq = e.nextSeq
	e.nextSeq++
	o.Status = model.StatusAccepted
	o.UpdatedNs = nowNs

	b := e.bookFor(o.Symbol)
	if isStopFamily(o.Kind) {
		b.stops[o.ID] = o
	} else {
		b.resting[o.ID] = o
	}
	return AdmitResult{Accepted: true}
}

func needsLimitPrice(k model.OrderType) bool {
	return k == model.OrderLimit || k == model.OrderStopLimit
}

func needsStopPrice(k model.OrderType) bool {
	return k == model.OrderStop || k == model.OrderStopLimit || k == model.OrderTrailingStop
}

func isStopFamily(k model.OrderType) bool {
	return k == model.OrderStop || k == model.OrderStopLimit || k == model.OrderTrailingStop
}

// BookSnapshot is the JSON-serializable per-symbol resting/pending-stop
// order book, captured alongside the ledger in a WAL checkpoint so
// recovery does not need to replay every pre-checkpoint command to
// reconstruct which orders are still resting (spec.md §4.6).
type BookSnapshot struct {
	Resting []*model.Order `json:"resting"`
	Stops   []*model.Order `json:"stops"`
	NextSeq uint64         `json:"next_seq"`
}

// Snapshot captures every symbol's resting and pending-stop orders and
// the engine's sequence counter.
func (e *Engine) Snapshot() BookSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := BookSnapshot{NextSeq: e.nextSeq}
	for _, b := range e.books {
		for _, o := range b.resting {
			snap.Resting = append(snap.Resting, o)
		}
		for _, o := range b.stops {
			snap.Stops = append(snap.Stops, o)
		}
	}
	return snap
}

// Restore repopulates the engine's books from a previously captured
// BookSnapshot, used on recovery. Orders keep their original ID,
// AdmissionNs, and Seq so matching priority and the (timestamp_ns,
// seq) stream continue exactly where they left off. Orders are routed
// to the resting or pending-stop bucket by kind/activation state, not
// by which slice of snap they arrived in, so a single order (e.g. from
// WAL command replay) can be passed through either field.
func (e *Engine) Restore(snap BookSnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, o := range append(append([]*model.Order{}, snap.Resting...), snap.Stops...) {
		e.restoreOneLocked(o)
	}
	if snap.NextSeq > e.nextSeq {
		e.nextSeq = snap.NextSeq
	}
}

func (e *Engine) restoreOneLocked(o *model.Order) {
	b := e.bookFor(o.Symbol)
	if isStopFamily(o.Kind) && !o.StopActive {
		b.stops[o.ID] = o
	} else {
		b.resting[o.ID] = o
	}
	if o.Seq >= e.nextSeq {
		e.nextSeq = o.Seq + 1
	}
}

// Cancel removes a resting or pending-stop order, returning false if
// not found or already terminal.
func (e *Engine) Cancel(symbol, orderID string, nowNs int64) (*model.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.books[symbol]
	if !ok {
		return nil, false
	}
	if o, ok := b.resting[orderID]; ok {
		o.Status = model.StatusCanceled
		o.UpdatedNs = nowNs
		delete(b.resting, orderID)
		return o, true
	}
	if o, ok := b.stops[orderID]; ok {
		o.Status = model.StatusCanceled
		o.UpdatedNs = nowNs
		delete(b.stops, orderID)
		return o, true
	}
	return nil, false
}

// OnTrade processes a printed trade: activates eligible stops, matches
// resting orders, and expires unfilled IOC remainders. It returns the
// outbound OrderUpdate events produced, in emission order.
func (e *Engine) OnTrade(ev model.Event) []model.Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	trade := ev.Trade
	b := e.bookFor(ev.Symbol)
	var out []model.Event

	e.activateStops(b, ev.Symbol, trade, ev.TimestampNs, &out)

	sizeLeft := trade.Size
	candidates := e.eligibleCandidates(b, ev.Symbol, trade, ev.TimestampNs)
	for _, o := range candidates {
		if sizeLeft == 0 {
			break
		}
		if o.Status.Terminal() {
			continue
		}
		if o.TIF == model.TIFFok && uint64(sizeLeft) < o.Remaining() {
			continue // cannot fully fill this tick; wait or let IOC/expiry logic below handle
		}
		fillQty := minU64(o.Remaining(), uint64(sizeLeft))
		if e.cfg.EnablePartialFills && fillQty > 1 && e.rng.Float64() < e.cfg.PartialFillProbability {
			fillQty = 1 + uint64(e.rng.Int63n(int64(fillQty)))
		}
		if fillQty == 0 {
			continue
		}

		fillPrice := e.applyCostModel(trade.Price, o.Side, fillQty)
		maker := o.Kind == model.OrderLimit
		fees := e.computeFees(o.Side, fillQty, fillPrice, maker)

		o.ApplyFill(fillQty, fillPrice, ev.TimestampNs)
		sizeLeft -= uint32(fillQty)

		out = append(out, e.fillEvent(ev.TimestampNs, ev.Symbol, o, fillQty, fillPrice, fees))

		if o.Status.Terminal() {
			delete(b.resting, o.ID)
		}
	}

	e.expireIOC(b, ev.TimestampNs, &out)
	return out
}

// OnQuote processes an NBBO update: a resting limit order fills when
// the opposing side of the quote crosses its limit, capped by the
// quote's displayed size.
func (e *Engine) OnQuote(ev model.Event) []model.Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	q := ev.Quote
	b, ok := e.books[ev.Symbol]
	if !ok {
		return nil
	}
	var out []model.Event

	ids := sortedOrderIDs(b.resting)
	for _, id := range ids {
		o := b.resting[id]
		if o.Kind != model.OrderLimit || o.Status.Terminal() {
			continue
		}
		var crossPrice decimal.Decimal
		var available uint32
		switch o.Side {
		case model.SideBuy:
			if q.Ask.IsZero() || q.Ask.GreaterThan(o.LimitPrice) {
				continue
			}
			crossPrice = q.Ask
			available = q.AskSize
		case model.SideSell:
			if q.Bid.IsZero() || q.Bid.LessThan(o.LimitPrice) {
				continue
			}
			crossPrice = q.Bid
			available = q.BidSize
		}
		fillQty := minU64(o.Remaining(), uint64(available))
		if fillQty == 0 {
			continue
		}
		fillPrice := e.applyCostModel(crossPrice, o.Side, fillQty)
		fees := e.computeFees(o.Side, fillQty, fillPrice, true)
		o.ApplyFill(fillQty, fillPrice, ev.TimestampNs)
		out = append(out, e.fillEvent(ev.TimestampNs, ev.Symbol, o, fillQty, fillPrice, fees))
		if o.Status.Terminal() {
			delete(b.resting, id)
		}
	}
	return out
}

func (e *Engine) activateStops(b *book, symbol string, trade *model.TradeData, nowNs int64, out *[]model.Event) {
	for id, o := range b.stops {
		switch o.Kind {
		case model.OrderTrailingStop:
			e.updateTrailingReference(b, o, trade.Price)
		}
		if !e.stopTriggered(o, trade.Price) {
			continue
		}
		delete(b.stops, id)
		o.StopActive = true
		if o.Kind == model.OrderStopLimit {
			o.Kind = model.OrderLimit
		} else {
			o.Kind = model.OrderMarket
		}
		b.resting[id] = o
	}
}

func (e *Engine) updateTrailingReference(b *book, o *model.Order, price decimal.Decimal) {
	ref, seen := b.trailRef[o.ID]
	if !seen {
		ref = price
	} else if o.Side == model.SideSell && price.GreaterThan(ref) {
		ref = price
	} else if o.Side == model.SideBuy && price.LessThan(ref) {
		ref = price
	}
	b.trailRef[o.ID] = ref

	trailAmount := o.TrailPrice
	if trailAmount.IsZero() && !o.TrailPercent.IsZero() {
		trailAmount = ref.Mul(o.TrailPercent).Div(decimal.NewFromInt(100))
	}
	if o.Side == model.SideSell {
		o.StopPrice = ref.Sub(trailAmount)
	} else {
		o.StopPrice = ref.Add(trailAmount)
	}
}

func (e *Engine) stopTriggered(o *model.Order, tradePrice decimal.Decimal) bool {
	if o.Side == model.SideBuy {
		return tradePrice.GreaterThanOrEqual(o.StopPrice)
	}
	return tradePrice.LessThanOrEqual(o.StopPrice)
}

func (e *Engine) eligibleCandidates(b *book, symbol string, trade *model.TradeData, nowNs int64) []*model.Order {
	var out []*model.Order
	for _, o := range b.resting {
		if o.Status.Terminal() || o.AdmissionNs > nowNs {
			continue
		}
		switch o.TIF {
		case model.TIFOpg:
			if !trade.OpeningCross {
				continue
			}
		case model.TIFCls:
			if !trade.ClosingCross {
				continue
			}
		}
		switch o.Kind {
		case model.OrderMarket:
			out = append(out, o)
		case model.OrderLimit:
			if crossesLimit(o, trade.Price) {
				out = append(out, o)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return betterPriority(out[i], out[j]) })
	return out
}

func crossesLimit(o *model.Order, tradePrice decimal.Decimal) bool {
	if o.Side == model.SideBuy {
		return tradePrice.LessThanOrEqual(o.LimitPrice)
	}
	return tradePrice.GreaterThanOrEqual(o.LimitPrice)
}

// betterPriority orders a before b by (better price, earlier
// admission_ns, earlier seq), per spec.md §4.4's tie-break rule. Market
// orders have no price to compare and sort ahead of limit orders on the
// same side.
func betterPriority(a, b *model.Order) bool {
	aMkt := a.Kind == model.OrderMarket
	bMkt := b.Kind == model.OrderMarket
	if aMkt != bMkt {
		return aMkt
	}
	if !aMkt && !a.LimitPrice.Equal(b.LimitPrice) {
		if a.Side == model.SideBuy {
			return a.LimitPrice.GreaterThan(b.LimitPrice)
		}
		return a.LimitPrice.LessThan(b.LimitPrice)
	}
	if a.AdmissionNs != b.AdmissionNs {
		return a.AdmissionNs < b.AdmissionNs
	}
	return a.Seq < b.Seq
}

func (e *Engine) expireIOC(b *book, nowNs int64, out *[]model.Event) {
	for _, id := range sortedOrderIDs(b.resting) {
		o := b.resting[id]
		if o.Status.Terminal() {
			continue
		}
		if o.TIF != model.TIFIoc && o.TIF != model.TIFFok {
			continue
		}
		if o.Remaining() == 0 {
			continue
		}
		if o.TIF == model.TIFFok {
			// spec.md §3: FOK either fills fully on one tick or is
			// Rejected, distinct from IOC's Canceled remainder.
			o.Status = model.StatusRejected
			o.Reason = "not fully fillable in one tick under FOK"
		} else {
			o.Status = model.StatusCanceled
			o.Reason = "unfilled remainder canceled under " + string(o.TIF)
		}
		o.UpdatedNs = nowNs
		delete(b.resting, id)
		*out = append(*out, model.Event{
			Kind:        model.KindOrderUpdate,
			TimestampNs: nowNs,
			Symbol:      o.Symbol,
			Seq:         e.nextSeqLocked(),
			OrderUpdate: &model.OrderUpdateData{
				OrderID:      o.ID,
				Side:         o.Side,
				Status:       o.Status,
				Reason:       o.Reason,
				AvgFillPrice: o.AvgFillPrice,
				FilledQty:    o.Filled,
			},
		})
	}
}

func (e *Engine) nextSeqLocked() uint64 {
	s := e.nextSeq
	e.nextSeq++
	return s
}

func (e *Engine) fillEvent(nowNs int64, symbol string, o *model.Order, fillQty uint64, fillPrice decimal.Decimal, fees model.FeeBreakdown) model.Event {
	return model.Event{
		Kind:        model.KindOrderUpdate,
		TimestampNs: nowNs,
		Symbol:      symbol,
		Seq:         e.nextSeqLocked(),
		OrderUpdate: &model.OrderUpdateData{
			OrderID:      o.ID,
			Side:         o.Side,
			Status:       o.Status,
			FillPrice:    fillPrice,
			FillQty:      fillQty,
			Fees:         fees,
			AvgFillPrice: o.AvgFillPrice,
			FilledQty:    o.Filled,
		},
	}
}

// applyCostModel perturbs the reference price by slippage and market
// impact, always adverse to the order's side.
func (e *Engine) applyCostModel(price decimal.Decimal, side model.Side, qty uint64) decimal.Decimal {
	totalBps := decimal.Zero

	if e.cfg.EnableSlippage {
		slip := e.cfg.FixedSlippageBps
		if e.cfg.RandomSlippageMaxBps.IsPositive() {
			slip = slip.Add(randomDecimal(e.rng, e.cfg.RandomSlippageMaxBps))
		}
		totalBps = totalBps.Add(slip)
	}

	if e.cfg.EnableMarketImpact {
		qtyDec := decimal.NewFromInt(int64(qty))
		notional := price.Mul(qtyDec)
		sqrtTerm := decimal.NewFromFloat(math.Sqrt(notionalMillions(notional)))
		impact := e.cfg.MarketImpactBps.
			Add(qtyDec.Mul(e.cfg.MarketImpactPerShareBps)).
			Add(e.cfg.MarketImpactSqrtCoef.Mul(sqrtTerm))
		totalBps = totalBps.Add(impact)
	}

	if totalBps.IsZero() {
		return price
	}
	adjustment := price.Mul(totalBps).Div(decimal.NewFromInt(10000))
	if side == model.SideBuy {
		return price.Add(adjustment)
	}
	return price.Sub(adjustment)
}

func notionalMillions(notional decimal.Decimal) float64 {
	f, _ := notional.Div(decimal.NewFromInt(1_000_000)).Float64()
	if f < 0 {
		return 0
	}
	return f
}

func randomDecimal(rng *rand.Rand, max decimal.Decimal) decimal.Decimal {
	f, _ := max.Float64()
	return decimal.NewFromFloat(rng.Float64() * f)
}

func (e *Engine) computeFees(side model.Side, qty uint64, price decimal.Decimal, maker bool) model.FeeBreakdown {
	qtyDec := decimal.NewFromInt(int64(qty))
	notional := price.Mul(qtyDec)

	fees := model.FeeBreakdown{
		PerShareCommission: e.cfg.Fees.PerShareCommission.Mul(qtyDec),
		PerOrderCommission: e.cfg.Fees.PerOrderCommission,
	}
	if side == model.SideSell {
		fees.SECFee = e.cfg.Fees.SECFeePerMillion.Mul(notional).Div(decimal.NewFromInt(1_000_000))
		taf := e.cfg.Fees.TAFFeePerShare.Mul(qtyDec)
		if e.cfg.Fees.FINRATAFCap.IsPositive() && taf.GreaterThan(e.cfg.Fees.FINRATAFCap) {
			taf = e.cfg.Fees.FINRATAFCap
		}
		fees.FINRATAF = taf
	}
	if maker {
		fees.MakerRebate = e.cfg.Fees.MakerRebatePerShare.Mul(qtyDec)
	} else {
		fees.TakerFee = e.cfg.Fees.TakerFeePerShare.Mul(qtyDec)
	}
	return fees
}

// ApplyCorporateAction scales every resting and pending-stop order for
// symbol on a split, per spec.md §4.5: open qty multiplies by ratio,
// limit/stop prices divide by it.
func (e *Engine) ApplyCorporateAction(symbol string, ratio decimal.Decimal) {
	if !ratio.IsPositive() || ratio.Equal(decimal.NewFromInt(1)) {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.books[symbol]
	if !ok {
		return
	}
	scale := func(o *model.Order) {
		o.Qty = uint64(decimal.NewFromInt(int64(o.Qty)).Mul(ratio).IntPart())
		o.Filled = uint64(decimal.NewFromInt(int64(o.Filled)).Mul(ratio).IntPart())
		if !o.LimitPrice.IsZero() {
			o.LimitPrice = o.LimitPrice.Div(ratio)
		}
		if !o.StopPrice.IsZero() {
			o.StopPrice = o.StopPrice.Div(ratio)
		}
	}
	for _, o := range b.resting {
		scale(o)
	}
	for _, o := range b.stops {
		scale(o)
	}
}

// RestingOrders returns a snapshot of every non-terminal order (resting
// or pending-stop) for symbol, for API listing and checkpointing.
func (e *Engine) RestingOrders(symbol string) []*model.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.books[symbol]
	if !ok {
		return nil
	}
	out := make([]*model.Order, 0, len(b.resting)+len(b.stops))
	for _, o := range b.resting {
		out = append(out, o)
	}
	for _, o := range b.stops {
		out = append(out, o)
	}
	return out
}

func sortedOrderIDs(m map[string]*model.Order) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
