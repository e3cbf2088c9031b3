package sessionmgr

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"broker-sim/internal/fanout"
	"broker-sim/internal/matching"
	"broker-sim/internal/session"
	"broker-sim/pkg/apierr"
	"broker-sim/pkg/db"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestManager(t *testing.T, maxSessions int) (*Manager, *db.Database) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	database, err := db.New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	store := db.NewTickStore(database)
	hub := fanout.New(10, 50*time.Millisecond)
	return New(store, hub, t.TempDir(), maxSessions), database
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

// baseConfig targets an empty range over a store with no ticks inserted,
// so a session built from it Completes immediately on Start.
func baseConfig() SessionConfig {
	return SessionConfig{
		Symbols:        []string{"AAPL"},
		StartNs:        0,
		EndNs:          int64(time.Second),
		InitialCapital: dec("100000"),
		SpeedFactor:    5,
		Matching:       matching.DefaultConfig(),
	}
}

func waitForStatus(t *testing.T, s *session.Session, want session.Status, timeout time.Duration) {
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

func TestCreateRegistersSessionInCreatedStatus(t *testing.T) {
	m, _ := newTestManager(t, 10)
	s, err := m.Create(baseConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.ID() == "" {
		t.Fatalf("expected a non-empty generated session ID")
	}
	if s.Status() != session.StatusCreated {
		t.Fatalf("status = %s, want CREATED", s.Status())
	}
	got, ok := m.Get(s.ID())
	if !ok || got != s {
		t.Fatalf("Get did not return the registered session")
	}
}

func TestCreateEnforcesMaxSessions(t *testing.T) {
	m, _ := newTestManager(t, 1)
	if _, err := m.Create(baseConfig()); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	_, err := m.Create(baseConfig())
	if err == nil {
		t.Fatalf("expected second Create to fail once at capacity")
	}
	if apierr.KindOf(err) != apierr.RejectedByPolicy {
		t.Fatalf("kind = %s, want RejectedByPolicy", apierr.KindOf(err))
	}
}

func TestGetReturnsNotFoundForUnknownID(t *testing.T) {
	m, _ := newTestManager(t, 10)
	if _, ok := m.Get("does-not-exist"); ok {
		t.Fatalf("expected Get to report not-found for an unregistered ID")
	}
	if err := m.Pause("does-not-exist"); apierr.KindOf(err) != apierr.NotFound {
		t.Fatalf("Pause kind = %s, want NotFound", apierr.KindOf(err))
	}
}

func TestLifecycleForwardingThroughManager(t *testing.T) {
	m, database := newTestManager(t, 10)
	// A trade 500ms out at 5x speed keeps the session RUNNING (not
	// COMPLETED) long enough for the Pause/Resume/Stop calls below.
	insertTrade(t, database, "AAPL", int64(500*time.Millisecond), 1, "150.00", 1000)
	cfg := baseConfig()
	s, err := m.Create(cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.Start(ctx, s.ID()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.Status() != session.StatusRunning {
		t.Fatalf("status after Start = %s, want RUNNING", s.Status())
	}

	if err := m.Pause(s.ID()); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if s.Status() != session.StatusPaused {
		t.Fatalf("status after Pause = %s, want PAUSED", s.Status())
	}

	if err := m.Resume(s.ID()); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if s.Status() != session.StatusRunning {
		t.Fatalf("status after Resume = %s, want RUNNING", s.Status())
	}

	if err := m.SetSpeed(s.ID(), 50); err != nil {
		t.Fatalf("SetSpeed: %v", err)
	}

	if err := m.StopSession(s.ID()); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	if s.Status() != session.StatusStopped {
		t.Fatalf("status after StopSession = %s, want STOPPED", s.Status())
	}
}

func TestDestroyRemovesSessionFromRegistry(t *testing.T) {
	m, _ := newTestManager(t, 10)
	s, err := m.Create(baseConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Start(ctx, s.ID()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStatus(t, s, session.StatusCompleted, time.Second)

	if err := m.Destroy(ctx, s.ID()); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, ok := m.Get(s.ID()); ok {
		t.Fatalf("expected session to be removed from the registry after Destroy")
	}
}

func TestRecoverRebuildsSessionFromCheckpointAfterDestroy(t *testing.T) {
	m, database := newTestManager(t, 10)
	insertTrade(t, database, "AAPL", int64(200*time.Millisecond), 1, "150.00", 1000)
	cfg := baseConfig()
	cfg.SpeedFactor = 2
	cfg.EnableWAL = true
	cfg.CheckpointIntervalEvents = 1

	s, err := m.Create(cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id := s.ID()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Start(ctx, id); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Let the single trade process and checkpoint before tearing down.
	time.Sleep(200 * time.Millisecond)
	if err := m.Destroy(ctx, id); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, ok := m.Get(id); ok {
		t.Fatalf("session still registered after Destroy")
	}

	recovered, err := m.Recover(id, cfg)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if recovered.ID() != id {
		t.Fatalf("recovered ID = %s, want %s", recovered.ID(), id)
	}
	if _, ok := m.Get(id); !ok {
		t.Fatalf("expected recovered session to be re-registered under its original ID")
	}
	if err := m.Start(ctx, id); err != nil {
		t.Fatalf("Start recovered: %v", err)
	}
	waitForStatus(t, recovered, session.StatusCompleted, 5*time.Second)
}

func TestShutdownDestroysEveryRegisteredSession(t *testing.T) {
	m, _ := newTestManager(t, 10)
	cfg := baseConfig()

	ids := make([]string, 0, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		s, err := m.Create(cfg)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if err := m.Start(ctx, s.ID()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		waitForStatus(t, s, session.StatusCompleted, time.Second)
		ids = append(ids, s.ID())
	}

	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := len(m.List()); got != 0 {
		t.Fatalf("List after Shutdown has %d sessions, want 0", got)
	}
	for _, id := range ids {
		if _, ok := m.Get(id); ok {
			t.Fatalf("session %s still registered after Shutdown", id)
		}
	}
}
