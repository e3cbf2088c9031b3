package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"broker-sim/internal/model"
	"broker-sim/internal/session"
	"broker-sim/internal/sessionmgr"
	"broker-sim/pkg/apierr"
)

// httpStatusFor maps a domain error kind to its HTTP status code, per
// spec.md §7: "the control-plane layer maps error kinds to HTTP codes
// per the API spec".
func httpStatusFor(kind apierr.Kind) int {
	switch kind {
	case apierr.NotFound:
		return http.StatusNotFound
	case apierr.InvalidArgument:
		return http.StatusBadRequest
	case apierr.PreconditionFailed:
		return http.StatusConflict
	case apierr.InsufficientBuyingPower:
		return http.StatusUnprocessableEntity
	case apierr.RejectedByPolicy:
		return http.StatusForbidden
	case apierr.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as {code, error} per the envelope convention
// established in auth.go, with the HTTP status derived from its kind.
func writeError(c *gin.Context, err error) {
	kind := apierr.KindOf(err)
	c.JSON(httpStatusFor(kind), gin.H{"code": string(kind), "error": err.Error()})
}

// resolveSession looks up the session named by the :id path param,
// writing a NotFound response and returning ok=false if it isn't
// registered.
func (s *Server) resolveSession(c *gin.Context) (*session.Session, bool) {
	sess, ok := s.Manager.Get(c.Param("id"))
	if !ok {
		writeError(c, apierr.New(apierr.NotFound, "session %s not found", c.Param("id")))
		return nil, false
	}
	return sess, true
}

// resolveVendorSession implements the vendor adapters' resolve_session
// step: the target session comes from X-Session-ID (or ?session_id=),
// never from a path segment, since vendor routes mirror the upstream
// broker's URL shape exactly.
func (s *Server) resolveVendorSession(c *gin.Context) (*session.Session, bool) {
	id := c.GetHeader("X-Session-ID")
	if id == "" {
		id = c.Query("session_id")
	}
	if id == "" {
		writeError(c, apierr.New(apierr.InvalidArgument, "X-Session-ID header or session_id query param required"))
		return nil, false
	}
	sess, ok := s.Manager.Get(id)
	if !ok {
		writeError(c, apierr.New(apierr.NotFound, "session %s not found", id))
		return nil, false
	}
	return sess, true
}

// --- session lifecycle (spec.md §6) ---

type createSessionRequest struct {
	Template       string          `json:"template"`
	Symbols        []string        `json:"symbols"`
	StartTime      string          `json:"start_time"`
	EndTime        string          `json:"end_time"`
	InitialCapital decimal.Decimal `json:"initial_capital"`
	SpeedFactor    float64         `json:"speed_factor"`

	EnableWAL                bool   `json:"enable_wal"`
	CheckpointIntervalEvents uint64 `json:"checkpoint_interval_events"`

	EnableMarginCallChecks  bool            `json:"enable_margin_call_checks"`
	EnableForcedLiquidation bool            `json:"enable_forced_liquidation"`
	MaintenanceMarginPct    decimal.Decimal `json:"maintenance_margin_pct"`
}

func (s *Server) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.BindJSON(&req); err != nil {
		writeError(c, apierr.New(apierr.InvalidArgument, "invalid request body"))
		return
	}
	if len(req.Symbols) == 0 && req.Template == "" {
		writeError(c, apierr.New(apierr.InvalidArgument, "symbols must not be empty"))
		return
	}
	startNs, err := parseRFC3339(req.StartTime)
	if err != nil {
		writeError(c, apierr.New(apierr.InvalidArgument, "invalid start_time: %v", err))
		return
	}
	endNs, err := parseRFC3339(req.EndTime)
	if err != nil {
		writeError(c, apierr.New(apierr.InvalidArgument, "invalid end_time: %v", err))
		return
	}

	if req.Template != "" {
		sess, err := s.Manager.CreateFromTemplate(req.Template, startNs, endNs, time.Now().UnixNano())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, sessionSummary(sess.Session))
		return
	}

	capital := req.InitialCapital
	if capital.IsZero() {
		capital = s.Config.InitialCapital
	}
	speed := req.SpeedFactor
	if speed == 0 {
		speed = s.Config.SpeedFactor
	}
	maintMargin := req.MaintenanceMarginPct
	if maintMargin.IsZero() {
		maintMargin = s.Config.MaintenanceMarginPct
	}

	cfg := sessionmgr.SessionConfig{
		Symbols:                  req.Symbols,
		StartNs:                  startNs,
		EndNs:                    endNs,
		InitialCapital:           capital,
		SpeedFactor:              speed,
		EnableWAL:                req.EnableWAL || s.Config.EnableWAL,
		CheckpointIntervalEvents: req.CheckpointIntervalEvents,
		EnableMarginCallChecks:   req.EnableMarginCallChecks || s.Config.EnableMarginCallChecks,
		EnableForcedLiquidation:  req.EnableForcedLiquidation || s.Config.EnableForcedLiquidation,
		MaintenanceMarginPct:     maintMargin,
		Matching:                 s.Config.ToMatchingConfig(time.Now().UnixNano()),
	}

	sess, err := s.Manager.Create(cfg)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sessionSummary(sess))
}

// listTemplates returns the named session presets loaded at startup
// from SESSION_TEMPLATES_PATH, if any.
func (s *Server) listTemplates(c *gin.Context) {
	templates := s.Manager.Templates()
	out := make([]gin.H, 0, len(templates))
	for _, t := range templates {
		out = append(out, gin.H{
			"name":            t.Name,
			"symbols":         t.Symbols,
			"initial_capital": t.InitialCapital,
			"speed_factor":    t.SpeedFactor,
		})
	}
	c.JSON(http.StatusOK, gin.H{"templates": out})
}

func (s *Server) listSessions(c *gin.Context) {
	sessions := s.Manager.List()
	out := make([]gin.H, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionSummary(sess))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (s *Server) getSession(c *gin.Context) {
	sess, ok := s.resolveSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sessionSummary(sess))
}

func sessionSummary(sess *session.Session) gin.H {
	return gin.H{
		"session_id":       sess.ID(),
		"status":           sess.Status(),
		"watermark_ns":     sess.Watermark(),
		"events_processed": sess.EventsProcessed(),
	}
}

func (s *Server) startSession(c *gin.Context) {
	sess, ok := s.resolveSession(c)
	if !ok {
		return
	}
	// The session loop outlives this request, so it is not bound to the
	// request's context.
	if err := sess.Start(context.Background()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionSummary(sess))
}

func (s *Server) pauseSession(c *gin.Context) {
	sess, ok := s.resolveSession(c)
	if !ok {
		return
	}
	if err := sess.Pause(); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionSummary(sess))
}

func (s *Server) resumeSession(c *gin.Context) {
	sess, ok := s.resolveSession(c)
	if !ok {
		return
	}
	if err := sess.Resume(); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionSummary(sess))
}

func (s *Server) stopSession(c *gin.Context) {
	sess, ok := s.resolveSession(c)
	if !ok {
		return
	}
	if err := sess.Stop(); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionSummary(sess))
}

func (s *Server) destroySession(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.Manager.Get(id); !ok {
		writeError(c, apierr.New(apierr.NotFound, "session %s not found", id))
		return
	}
	if err := s.Manager.Destroy(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id, "destroyed": true})
}

func (s *Server) setSpeed(c *gin.Context) {
	sess, ok := s.resolveSession(c)
	if !ok {
		return
	}
	var req struct {
		Speed float64 `json:"speed"`
	}
	if err := c.BindJSON(&req); err != nil || req.Speed < 0 {
		writeError(c, apierr.New(apierr.InvalidArgument, "speed must be a non-negative number"))
		return
	}
	sess.SetSpeed(req.Speed)
	c.JSON(http.StatusOK, gin.H{"session_id": sess.ID(), "speed": req.Speed})
}

func (s *Server) jumpSession(c *gin.Context) {
	sess, ok := s.resolveSession(c)
	if !ok {
		return
	}
	var req struct {
		Timestamp string `json:"timestamp"`
	}
	if err := c.BindJSON(&req); err != nil {
		writeError(c, apierr.New(apierr.InvalidArgument, "invalid request body"))
		return
	}
	targetNs, err := parseRFC3339(req.Timestamp)
	if err != nil {
		writeError(c, apierr.New(apierr.InvalidArgument, "invalid timestamp: %v", err))
		return
	}
	if err := sess.Jump(targetNs); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionSummary(sess))
}

func (s *Server) fastForwardSession(c *gin.Context) {
	sess, ok := s.resolveSession(c)
	if !ok {
		return
	}
	var req struct {
		Timestamp string `json:"timestamp"`
	}
	if err := c.BindJSON(&req); err != nil {
		writeError(c, apierr.New(apierr.InvalidArgument, "invalid request body"))
		return
	}
	targetNs, err := parseRFC3339(req.Timestamp)
	if err != nil {
		writeError(c, apierr.New(apierr.InvalidArgument, "invalid timestamp: %v", err))
		return
	}
	sess.FastForward(targetNs)
	c.JSON(http.StatusOK, sessionSummary(sess))
}

// --- orders ---

type orderRequest struct {
	ClientID     string          `json:"client_order_id"`
	Symbol       string          `json:"symbol"`
	Side         model.Side      `json:"side"`
	Type         model.OrderType `json:"type"`
	Qty          uint64          `json:"qty"`
	LimitPrice   decimal.Decimal `json:"limit_price"`
	StopPrice    decimal.Decimal `json:"stop_price"`
	TrailPrice   decimal.Decimal `json:"trail_price"`
	TrailPercent decimal.Decimal `json:"trail_percent"`
	TIF          model.TIF       `json:"time_in_force"`
	ReduceOnly   bool            `json:"reduce_only"`
}

func (r orderRequest) toOrder() *model.Order {
	tif := r.TIF
	if tif == "" {
		tif = model.TIFDay
	}
	return &model.Order{
		ClientID:     r.ClientID,
		Symbol:       r.Symbol,
		Side:         r.Side,
		Kind:         r.Type,
		Qty:          r.Qty,
		LimitPrice:   r.LimitPrice,
		StopPrice:    r.StopPrice,
		TrailPrice:   r.TrailPrice,
		TrailPercent: r.TrailPercent,
		TIF:          tif,
		ReduceOnly:   r.ReduceOnly,
	}
}

func (s *Server) submitOrder(c *gin.Context) {
	sess, ok := s.resolveSession(c)
	if !ok {
		return
	}
	var req orderRequest
	if err := c.BindJSON(&req); err != nil {
		writeError(c, apierr.New(apierr.InvalidArgument, "invalid request body"))
		return
	}
	o, err := sess.Submit(c.Request.Context(), req.toOrder())
	if err != nil && o == nil {
		writeError(c, err)
		return
	}
	// A Rejected order is still returned with 200 and its reason, per
	// spec.md §6: "submit; returns order with Accepted or Rejected".
	c.JSON(http.StatusOK, orderJSON(o))
}

func (s *Server) listOrders(c *gin.Context) {
	sess, ok := s.resolveSession(c)
	if !ok {
		return
	}
	status := model.OrderStatus(c.Query("status"))
	orders := sess.OrderHistory(status)
	out := make([]gin.H, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderJSON(o))
	}
	c.JSON(http.StatusOK, gin.H{"orders": out})
}

func (s *Server) cancelOrder(c *gin.Context) {
	sess, ok := s.resolveSession(c)
	if !ok {
		return
	}
	o, err := sess.Cancel(c.Request.Context(), c.Param("oid"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, orderJSON(o))
}

func orderJSON(o *model.Order) gin.H {
	if o == nil {
		return gin.H{}
	}
	return gin.H{
		"id":              o.ID,
		"client_order_id": o.ClientID,
		"symbol":          o.Symbol,
		"side":            o.Side,
		"type":            o.Kind,
		"qty":             o.Qty,
		"filled_qty":      o.Filled,
		"limit_price":     o.LimitPrice,
		"stop_price":      o.StopPrice,
		"time_in_force":   o.TIF,
		"status":          o.Status,
		"reason":          o.Reason,
		"avg_fill_price":  o.AvgFillPrice,
		"created_at":      o.CreatedAt().Format(time.RFC3339Nano),
		"updated_at":      o.UpdatedAt().Format(time.RFC3339Nano),
	}
}

// --- account / positions / performance / watermark ---

func (s *Server) getAccount(c *gin.Context) {
	sess, ok := s.resolveSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, accountJSON(sess.Account()))
}

func accountJSON(acct model.Account) gin.H {
	return gin.H{
		"cash":                    acct.Cash,
		"equity":                  acct.Equity,
		"long_market_value":       acct.LongMV,
		"short_market_value":      acct.ShortMV,
		"initial_margin":          acct.InitialMargin,
		"maintenance_margin":      acct.MaintenanceMargin,
		"buying_power":            acct.BuyingPower,
		"regt_buying_power":       acct.RegTBuyingPower,
		"daytrading_buying_power": acct.DaytradingBuyingPower,
		"accrued_fees":            acct.AccruedFees,
		"pattern_day_trader":      acct.PatternDayTrader,
		"in_margin_call":          acct.InMarginCall(),
	}
}

func (s *Server) getPositions(c *gin.Context) {
	sess, ok := s.resolveSession(c)
	if !ok {
		return
	}
	positions := sess.Positions()
	out := make([]gin.H, 0, len(positions))
	for _, p := range positions {
		out = append(out, positionJSON(p))
	}
	c.JSON(http.StatusOK, gin.H{"positions": out})
}

func positionJSON(p model.Position) gin.H {
	return gin.H{
		"symbol":          p.Symbol,
		"qty":             p.Qty,
		"side":            p.Side(),
		"avg_entry_price": p.AvgEntryPrice,
		"cost_basis":      p.CostBasis,
		"market_value":    p.MarketValue,
		"unrealized_pl":   p.UnrealizedPL,
		"realized_pl":     p.RealizedPL,
	}
}

// getPerformance reports a derived equity/return summary; the
// simulator has no separate performance ledger, so this is computed
// on the fly from the account snapshot each call.
func (s *Server) getPerformance(c *gin.Context) {
	sess, ok := s.resolveSession(c)
	if !ok {
		return
	}
	acct := sess.Account()
	var realizedPL decimal.Decimal
	var unrealizedPL decimal.Decimal
	for _, p := range sess.Positions() {
		realizedPL = realizedPL.Add(p.RealizedPL)
		unrealizedPL = unrealizedPL.Add(p.UnrealizedPL)
	}
	c.JSON(http.StatusOK, gin.H{
		"equity":           acct.Equity,
		"cash":             acct.Cash,
		"realized_pl":      realizedPL,
		"unrealized_pl":    unrealizedPL,
		"events_processed": sess.EventsProcessed(),
		"watermark_ns":     sess.Watermark(),
	})
}

func (s *Server) getWatermark(c *gin.Context) {
	sess, ok := s.resolveSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sess.ID(), "watermark_ns": sess.Watermark()})
}

// --- corporate actions ---

func (s *Server) applyDividend(c *gin.Context) {
	sess, ok := s.resolveSession(c)
	if !ok {
		return
	}
	var req struct {
		Symbol        string          `json:"symbol"`
		AmountPerShare decimal.Decimal `json:"amount_per_share"`
	}
	if err := c.BindJSON(&req); err != nil {
		writeError(c, apierr.New(apierr.InvalidArgument, "invalid request body"))
		return
	}
	ca := model.CorporateActionData{Kind: model.CorporateActionDividend, AmountPerShare: req.AmountPerShare}
	if err := sess.ApplyCorporateAction(c.Request.Context(), req.Symbol, ca); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"applied": true})
}

func (s *Server) applySplit(c *gin.Context) {
	sess, ok := s.resolveSession(c)
	if !ok {
		return
	}
	var req struct {
		Symbol string          `json:"symbol"`
		Ratio  decimal.Decimal `json:"ratio"`
	}
	if err := c.BindJSON(&req); err != nil {
		writeError(c, apierr.New(apierr.InvalidArgument, "invalid request body"))
		return
	}
	ca := model.CorporateActionData{Kind: model.CorporateActionSplit, Ratio: req.Ratio}
	if err := sess.ApplyCorporateAction(c.Request.Context(), req.Symbol, ca); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"applied": true})
}

// --- vendor-compatible read/write surface (spec.md §6) ---

func (s *Server) vendorAccount(c *gin.Context) {
	sess, ok := s.resolveVendorSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, accountJSON(sess.Account()))
}

func (s *Server) vendorPositions(c *gin.Context) {
	sess, ok := s.resolveVendorSession(c)
	if !ok {
		return
	}
	positions := sess.Positions()
	out := make([]gin.H, 0, len(positions))
	for _, p := range positions {
		out = append(out, positionJSON(p))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) vendorOrders(c *gin.Context) {
	sess, ok := s.resolveVendorSession(c)
	if !ok {
		return
	}
	status := model.OrderStatus(c.Query("status"))
	orders := sess.OrderHistory(status)
	out := make([]gin.H, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderJSON(o))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) vendorSubmitOrder(c *gin.Context) {
	sess, ok := s.resolveVendorSession(c)
	if !ok {
		return
	}
	var req orderRequest
	if err := c.BindJSON(&req); err != nil {
		writeError(c, apierr.New(apierr.InvalidArgument, "invalid request body"))
		return
	}
	o, err := sess.Submit(c.Request.Context(), req.toOrder())
	if err != nil && o == nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, orderJSON(o))
}

func (s *Server) vendorCancelOrder(c *gin.Context) {
	sess, ok := s.resolveVendorSession(c)
	if !ok {
		return
	}
	o, err := sess.Cancel(c.Request.Context(), c.Param("oid"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, orderJSON(o))
}

func (s *Server) vendorLatestTrade(c *gin.Context) {
	sess, ok := s.resolveVendorSession(c)
	if !ok {
		return
	}
	symbol := c.Param("symbol")
	trade, found := sess.PriceCache().LatestTrade(symbol)
	if !found {
		writeError(c, apierr.New(apierr.NotFound, "no trade observed yet for %s", symbol))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol": symbol,
		"trade": gin.H{
			"price":     trade.Price,
			"size":      trade.Size,
			"exchange":  trade.Exchange,
			"sip_ts_ns": trade.SipTsNs,
		},
	})
}

func (s *Server) vendorLatestQuote(c *gin.Context) {
	sess, ok := s.resolveVendorSession(c)
	if !ok {
		return
	}
	symbol := c.Param("symbol")
	quote, found := sess.PriceCache().LatestQuote(symbol)
	if !found {
		writeError(c, apierr.New(apierr.NotFound, "no quote observed yet for %s", symbol))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol": symbol,
		"quote": gin.H{
			"bid":      quote.Bid,
			"bid_size": quote.BidSize,
			"ask":      quote.Ask,
			"ask_size": quote.AskSize,
		},
	})
}

func (s *Server) vendorSnapshot(c *gin.Context) {
	sess, ok := s.resolveVendorSession(c)
	if !ok {
		return
	}
	symbols := splitCSV(c.Query("symbols"))
	if len(symbols) == 0 {
		writeError(c, apierr.New(apierr.InvalidArgument, "symbols query param required"))
		return
	}
	snapshots := sess.PriceCache().Snapshot(symbols)
	out := make(map[string]gin.H, len(snapshots))
	for sym, snap := range snapshots {
		out[sym] = gin.H{
			"has_trade": snap.HasTrade,
			"trade": gin.H{
				"price": snap.LastTrade.Price,
				"size":  snap.LastTrade.Size,
			},
			"has_quote": snap.HasQuote,
			"quote": gin.H{
				"bid": snap.LastQuote.Bid,
				"ask": snap.LastQuote.Ask,
			},
			"updated_at": snap.UpdatedAt.Format(time.RFC3339Nano),
		}
	}
	c.JSON(http.StatusOK, out)
}

// vendorBars serves historical OHLCV bars for one symbol directly from
// the tick store, independent of session replay progress, per
// spec.md §6's get_bars(symbol, range, limit).
func (s *Server) vendorBars(c *gin.Context) {
	symbol := c.Param("symbol")
	startNs, err := parseRFC3339OrNs(c.Query("start"))
	if err != nil {
		writeError(c, apierr.New(apierr.InvalidArgument, "invalid start: %v", err))
		return
	}
	endNs, err := parseRFC3339OrNs(c.Query("end"))
	if err != nil {
		writeError(c, apierr.New(apierr.InvalidArgument, "invalid end: %v", err))
		return
	}
	limit := 1000
	if v := c.Query("limit"); v != "" {
		if n, convErr := strconv.Atoi(v); convErr == nil && n > 0 {
			limit = n
		}
	}

	bars, err := s.Store.QueryBars(c.Request.Context(), []string{symbol}, startNs, endNs, 0, limit)
	if err != nil {
		writeError(c, apierr.Wrap(apierr.Internal, err, "query bars"))
		return
	}
	out := make([]gin.H, 0, len(bars))
	for _, b := range bars {
		out = append(out, gin.H{
			"symbol": b.Symbol,
			"open":   b.Open,
			"high":   b.High,
			"low":    b.Low,
			"close":  b.Close,
			"volume": b.Volume,
			"vwap":   b.VWAP,
			"t":      time.Unix(0, b.StartNs).UTC().Format(time.RFC3339Nano),
		})
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "bars": out})
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func parseRFC3339(v string) (int64, error) {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return 0, err
	}
	return t.UnixNano(), nil
}

// parseRFC3339OrNs accepts either an RFC3339 timestamp or a raw
// nanosecond integer, for vendor routes that pass bare epoch values.
func parseRFC3339OrNs(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n, nil
	}
	return parseRFC3339(v)
}
