package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"broker-sim/internal/datasource"
	"broker-sim/internal/matching"
	"broker-sim/internal/model"
	"broker-sim/pkg/db"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestStore(t *testing.T) *db.Database {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	d, err := db.New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := db.ApplyMigrations(d); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func insertTrade(t *testing.T, database *db.Database, symbol string, ts, seq int64, price string, size int) {
	t.Helper()
	_, err := database.DB.ExecContext(context.Background(), `
		INSERT INTO ticks (symbol, ts_ns, seq, price, size) VALUES (?, ?, ?, ?, ?)
	`, symbol, ts, seq, price, size)
	if err != nil {
		t.Fatalf("insert trade: %v", err)
	}
}

func waitForStatus(t *testing.T, s *Session, want Status, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session did not reach status %s within %s, last status %s", want, timeout, s.Status())
}

func TestSessionMarketBuyScenarioEndToEnd(t *testing.T) {
	// spec.md §8 scenario 1: capital=100000, one trade @150.00 size=1000,
	// market buy qty=100, no latency/slippage/impact/fees.
	//
	// The trade is paced 100ms out in wall-clock time (500ms sim / 5x
	// speed) so the Submit call below, issued immediately after Start
	// returns, is reliably enqueued in the command mailbox before the
	// session reaches the event gate that drains it.
	database := newTestStore(t)
	insertTrade(t, database, "AAPL", int64(500*time.Millisecond), 1, "150.00", 1000)
	store := db.NewTickStore(database)
	source := datasource.New(store, []string{"AAPL"}, 0, int64(time.Second), datasource.Cursor{})

	cfg := Config{
		Symbols:        []string{"AAPL"},
		StartNs:        0,
		EndNs:          int64(time.Second),
		InitialCapital: dec("100000"),
		SpeedFactor:    5,
		Matching:       matching.DefaultConfig(),
	}
	sess := New(cfg, source, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	order := &model.Order{Symbol: "AAPL", Side: model.SideBuy, Kind: model.OrderMarket, Qty: 100, TIF: model.TIFDay}
	accepted, err := sess.Submit(ctx, order)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if accepted.Status != model.StatusAccepted {
		t.Fatalf("status = %s, want ACCEPTED", accepted.Status)
	}

	waitForStatus(t, sess, StatusCompleted, 5*time.Second)

	acct := sess.Account()
	if !acct.Cash.Equal(dec("85000.00")) {
		t.Fatalf("cash = %s, want 85000.00", acct.Cash)
	}
	positions := sess.Positions()
	if len(positions) != 1 || positions[0].Qty != 100 {
		t.Fatalf("positions = %+v, want one AAPL position qty=100", positions)
	}
	if !positions[0].AvgEntryPrice.Equal(dec("150.00")) {
		t.Fatalf("avg entry = %s, want 150.00", positions[0].AvgEntryPrice)
	}
}

func TestSessionEmptyRangeCompletesImmediately(t *testing.T) {
	database := newTestStore(t)
	store := db.NewTickStore(database)
	source := datasource.New(store, []string{"AAPL"}, 0, int64(time.Second), datasource.Cursor{})

	cfg := Config{
		Symbols:        []string{"AAPL"},
		StartNs:        0,
		EndNs:          int64(time.Second),
		InitialCapital: dec("100000"),
		SpeedFactor:    1,
		Matching:       matching.DefaultConfig(),
	}
	sess := New(cfg, source, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sess.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if sess.Status() != StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED immediately for an empty range", sess.Status())
	}
}

func TestSessionSubmitThenCancelLeavesLedgerUnchanged(t *testing.T) {
	// The resting limit buy is priced at 140 against a tape trading at
	// 150, so it can never cross regardless of exactly when it is
	// admitted; canceling it before the range finishes replaying must
	// leave cash and positions untouched.
	database := newTestStore(t)
	insertTrade(t, database, "AAPL", int64(500*time.Millisecond), 1, "150.00", 1000)
	store := db.NewTickStore(database)
	source := datasource.New(store, []string{"AAPL"}, 0, int64(time.Second), datasource.Cursor{})

	cfg := Config{
		Symbols:        []string{"AAPL"},
		StartNs:        0,
		EndNs:          int64(time.Second),
		InitialCapital: dec("100000"),
		SpeedFactor:    5,
		Matching:       matching.DefaultConfig(),
	}
	sess := New(cfg, source, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	order := &model.Order{Symbol: "AAPL", Side: model.SideBuy, Kind: model.OrderLimit, Qty: 100, LimitPrice: dec("140.00"), TIF: model.TIFGtc}
	accepted, err := sess.Submit(ctx, order)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := sess.Cancel(ctx, accepted.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	waitForStatus(t, sess, StatusCompleted, 5*time.Second)

	acct := sess.Account()
	if !acct.Cash.Equal(dec("100000")) {
		t.Fatalf("cash = %s, want unchanged 100000", acct.Cash)
	}
	if len(sess.Positions()) != 0 {
		t.Fatalf("expected no open positions: the limit never crossed")
	}

	_ = sess.Stop()
}

func TestSessionRecoveryMatchesPreCrashLedger(t *testing.T) {
	// spec.md §8 testable property 5: recovery idempotence. A resting
	// limit order is admitted, a checkpoint is forced, then the session
	// is torn down mid-stream (as if crashed) before the next trade
	// would have filled it. Recover from the checkpoint + WAL and let
	// the remaining tape replay: the fill must reproduce identically.
	database := newTestStore(t)
	insertTrade(t, database, "AAPL", int64(200*time.Millisecond), 1, "150.00", 1000)
	insertTrade(t, database, "AAPL", int64(800*time.Millisecond), 2, "149.00", 500)
	store := db.NewTickStore(database)
	walDir := t.TempDir()

	source := datasource.New(store, []string{"AAPL"}, 0, int64(time.Second), datasource.Cursor{})
	cfg := Config{
		ID:                       "recover-me",
		Symbols:                  []string{"AAPL"},
		StartNs:                  0,
		EndNs:                    int64(time.Second),
		InitialCapital:           dec("100000"),
		SpeedFactor:              2,
		EnableWAL:                true,
		WALDirectory:             walDir,
		CheckpointIntervalEvents: 1,
		Matching:                 matching.DefaultConfig(),
	}
	sess := New(cfg, source, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	order := &model.Order{Symbol: "AAPL", Side: model.SideBuy, Kind: model.OrderLimit, Qty: 100, LimitPrice: dec("149.50"), TIF: model.TIFGtc}
	if _, err := sess.Submit(ctx, order); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Let the first trade (which does not cross the limit) process and
	// checkpoint, then simulate a crash before the second trade fills.
	// At SpeedFactor=2 the first event releases at ~100ms wall and the
	// second not until ~400ms, leaving a wide margin either side of this
	// sleep.
	time.Sleep(200 * time.Millisecond)
	_ = sess.Stop()
	if err := sess.Destroy(ctx); err != nil {
		t.Fatalf("destroy: %v", err)
	}

	recovered, err := Recover(cfg, datasource.New(store, []string{"AAPL"}, 0, int64(time.Second), datasource.Cursor{}), nil)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got := len(recovered.OrderHistory("")); got != 1 {
		t.Fatalf("recovered order history len = %d, want 1", got)
	}

	if err := recovered.Start(ctx); err != nil {
		t.Fatalf("start recovered: %v", err)
	}
	waitForStatus(t, recovered, StatusCompleted, 5*time.Second)

	acct := recovered.Account()
	if !acct.Cash.Equal(dec("85100.00")) {
		t.Fatalf("cash = %s, want 85100.00 (100 @ 149.00)", acct.Cash)
	}
	positions := recovered.Positions()
	if len(positions) != 1 || positions[0].Qty != 100 {
		t.Fatalf("positions = %+v, want one AAPL position qty=100", positions)
	}
	if !positions[0].AvgEntryPrice.Equal(dec("149.00")) {
		t.Fatalf("avg entry = %s, want 149.00", positions[0].AvgEntryPrice)
	}
}

func TestSessionLifecycleTransitionRejectsInvalidStart(t *testing.T) {
	database := newTestStore(t)
	insertTrade(t, database, "AAPL", int64(time.Second), 1, "150.00", 100)
	store := db.NewTickStore(database)
	source := datasource.New(store, []string{"AAPL"}, 0, int64(2*time.Second), datasource.Cursor{})

	cfg := Config{
		Symbols:        []string{"AAPL"},
		StartNs:        0,
		EndNs:          int64(2 * time.Second),
		InitialCapital: dec("100000"),
		SpeedFactor:    1e12,
		Matching:       matching.DefaultConfig(),
	}
	sess := New(cfg, source, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sess.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sess.Start(ctx); err == nil {
		t.Fatalf("expected second Start to fail with a precondition error")
	}
	_ = sess.Stop()
}
