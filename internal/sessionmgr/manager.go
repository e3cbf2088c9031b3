// Package sessionmgr implements the SessionManager (C9): a registry of
// running sessions keyed by id, capacity enforcement, lifecycle
// operations, and orderly shutdown. It generalizes the teacher's
// registry-of-per-connection-resources pattern (a capacity-limited map
// with a cleanup path) and uses golang.org/x/sync/errgroup for bounded
// concurrent shutdown, following the pack's Eve-flipper's use of the
// same package for bounded fan-out.
package sessionmgr

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"broker-sim/internal/datasource"
	"broker-sim/internal/fanout"
	"broker-sim/internal/matching"
	"broker-sim/internal/session"
	"broker-sim/pkg/apierr"
	"broker-sim/pkg/db"
	"broker-sim/pkg/idgen"
)

// SessionConfig is the caller-facing request to create a session,
// mirroring POST /sessions' body.
type SessionConfig struct {
	Symbols        []string
	StartNs, EndNs int64
	InitialCapital decimal.Decimal
	SpeedFactor    float64

	EnableWAL                bool
	CheckpointIntervalEvents uint64

	EnableMarginCallChecks  bool
	EnableForcedLiquidation bool
	MaintenanceMarginPct    decimal.Decimal

	Matching matching.Config
}

// Manager is the process-wide session registry.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*session.Session
	maxSessions int

	store        *db.TickStore
	fanout       *fanout.Fanout
	walDirectory string

	templates map[string]Template
}

// New creates a Manager backed by store for DataSource construction and
// fanoutHub for outbound event delivery.
func New(store *db.TickStore, fanoutHub *fanout.Fanout, walDirectory string, maxSessions int) *Manager {
	if maxSessions <= 0 {
		maxSessions = 100
	}
	return &Manager{
		sessions:     make(map[string]*session.Session),
		maxSessions:  maxSessions,
		store:        store,
		fanout:       fanoutHub,
		walDirectory: walDirectory,
		templates:    make(map[string]Template),
	}
}

// Create builds and registers a new Session in Created status. It does
// not start the session loop; call Start separately.
func (m *Manager) Create(cfg SessionConfig) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.maxSessions {
		return nil, apierr.New(apierr.RejectedByPolicy, "max_sessions (%d) reached", m.maxSessions)
	}

	id := idgen.New()
	source := datasource.New(m.store, cfg.Symbols, cfg.StartNs, cfg.EndNs, datasource.Cursor{})

	sessCfg := session.Config{
		ID:                       id,
		Symbols:                  cfg.Symbols,
		StartNs:                  cfg.StartNs,
		EndNs:                    cfg.EndNs,
		InitialCapital:           cfg.InitialCapital,
		SpeedFactor:              cfg.SpeedFactor,
		EnableWAL:                cfg.EnableWAL,
		WALDirectory:             m.walDirectory,
		CheckpointIntervalEvents: cfg.CheckpointIntervalEvents,
		EnableMarginCallChecks:   cfg.EnableMarginCallChecks,
		EnableForcedLiquidation:  cfg.EnableForcedLiquidation,
		MaintenanceMarginPct:     cfg.MaintenanceMarginPct,
		Matching:                 cfg.Matching,
	}
	s := session.New(sessCfg, source, m.fanout)
	m.sessions[s.ID()] = s
	return s, nil
}

// Recover rebuilds a previously destroyed-by-crash session from its
// WAL directory and re-registers it under its original id, restoring
// ledger and order-book state from the latest checkpoint and replaying
// any commands accepted after it (spec.md §4.6). cfg must reproduce
// the original session's configuration (symbols, capital, matching
// parameters) — only the replay/ledger state is persisted, not the
// config itself. The caller still calls Start on the returned session.
func (m *Manager) Recover(sessionID string, cfg SessionConfig) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[sessionID]; exists {
		return nil, apierr.New(apierr.PreconditionFailed, "session %s already registered", sessionID)
	}

	source := datasource.New(m.store, cfg.Symbols, cfg.StartNs, cfg.EndNs, datasource.Cursor{})
	sessCfg := session.Config{
		ID:                       sessionID,
		Symbols:                  cfg.Symbols,
		StartNs:                  cfg.StartNs,
		EndNs:                    cfg.EndNs,
		InitialCapital:           cfg.InitialCapital,
		SpeedFactor:              cfg.SpeedFactor,
		EnableWAL:                cfg.EnableWAL,
		WALDirectory:             m.walDirectory,
		CheckpointIntervalEvents: cfg.CheckpointIntervalEvents,
		EnableMarginCallChecks:   cfg.EnableMarginCallChecks,
		EnableForcedLiquidation:  cfg.EnableForcedLiquidation,
		MaintenanceMarginPct:     cfg.MaintenanceMarginPct,
		Matching:                 cfg.Matching,
	}

	s, err := session.Recover(sessCfg, source, m.fanout)
	if err != nil {
		return nil, err
	}
	m.sessions[s.ID()] = s
	return s, nil
}

// Get returns the session with id, or ok=false.
func (m *Manager) Get(id string) (*session.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns every registered session.
func (m *Manager) List() []*session.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// get looks up a session or returns a NotFound apierr.
func (m *Manager) get(id string) (*session.Session, error) {
	s, ok := m.Get(id)
	if !ok {
		return nil, apierr.New(apierr.NotFound, "session %s not found", id)
	}
	return s, nil
}

// Start, Pause, Resume, Stop transition a registered session.
func (m *Manager) Start(ctx context.Context, id string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	return s.Start(ctx)
}

func (m *Manager) Pause(id string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	return s.Pause()
}

func (m *Manager) Resume(id string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	return s.Resume()
}

func (m *Manager) StopSession(id string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	return s.Stop()
}

// Destroy stops (if needed), waits for shutdown, and removes id from
// the registry.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	if derr := s.Destroy(ctx); derr != nil {
		return derr
	}
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

// SetSpeed, Jump, FastForward forward to the named session.
func (m *Manager) SetSpeed(id string, speed float64) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	s.SetSpeed(speed)
	return nil
}

func (m *Manager) Jump(id string, targetNs int64) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	return s.Jump(targetNs)
}

func (m *Manager) FastForward(id string, targetNs int64) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	s.FastForward(targetNs)
	return nil
}

// Shutdown stops and destroys every registered session concurrently,
// bounded by an errgroup, for orderly process exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	ids := func() []string {
		m.mu.RLock()
		defer m.mu.RUnlock()
		out := make([]string, 0, len(m.sessions))
		for id := range m.sessions {
			out = append(out, id)
		}
		return out
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := m.Destroy(gctx, id); err != nil {
				return fmt.Errorf("destroy session %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}
