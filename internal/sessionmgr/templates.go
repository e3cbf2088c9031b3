package sessionmgr

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"broker-sim/internal/matching"
	"broker-sim/internal/session"
	"broker-sim/pkg/apierr"
)

// Template is a named, reusable session configuration, following the
// teacher's strategy.Config/strategy.LoadConfig YAML shape
// (internal/strategy/config_loader.go) generalized from strategy
// instances onto session presets (e.g. "paper-trading-default",
// "high-latency-stress-test").
type Template struct {
	Name           string   `yaml:"name"`
	Symbols        []string `yaml:"symbols"`
	InitialCapital string   `yaml:"initial_capital"`
	SpeedFactor    float64  `yaml:"speed_factor"`

	EnableWAL                bool   `yaml:"enable_wal"`
	CheckpointIntervalEvents uint64 `yaml:"checkpoint_interval_events"`

	EnableMarginCallChecks  bool   `yaml:"enable_margin_call_checks"`
	EnableForcedLiquidation bool   `yaml:"enable_forced_liquidation"`
	MaintenanceMarginPct    string `yaml:"maintenance_margin_pct"`

	Matching templateMatching `yaml:"matching"`
}

// templateMatching mirrors matching.Config's cost-model knobs as plain
// YAML-friendly fields (decimals as strings, matching the teacher's
// string-in-YAML-then-parse convention elsewhere in config loading).
type templateMatching struct {
	EnableLatency      bool  `yaml:"enable_latency"`
	FixedLatencyUs     int64 `yaml:"fixed_latency_us"`
	RandomLatencyMaxUs int64 `yaml:"random_latency_max_us"`

	EnableSlippage       bool   `yaml:"enable_slippage"`
	FixedSlippageBps     string `yaml:"fixed_slippage_bps"`
	RandomSlippageMaxBps string `yaml:"random_slippage_max_bps"`

	EnableMarketImpact bool   `yaml:"enable_market_impact"`
	MarketImpactBps    string `yaml:"market_impact_bps"`

	AllowShorting bool `yaml:"allow_shorting"`
}

// templateFile is the top-level YAML document: a list of named
// templates, matching the teacher's ConfigFile{Strategies: [...]} shape.
type templateFile struct {
	Templates []Template `yaml:"templates"`
}

// LoadTemplates reads named session templates from a YAML file,
// following the teacher's strategy.LoadConfig(path) pattern
// (os.ReadFile + yaml.Unmarshal, no further validation at load time).
func LoadTemplates(path string) ([]Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates file: %w", err)
	}
	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse templates file: %w", err)
	}
	return file.Templates, nil
}

// LoadTemplates populates the Manager's named-template registry from a
// YAML file, replacing whatever was previously loaded.
func (m *Manager) LoadTemplates(path string) (int, error) {
	templates, err := LoadTemplates(path)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates = make(map[string]Template, len(templates))
	for _, t := range templates {
		m.templates[t.Name] = t
	}
	return len(m.templates), nil
}

// Templates returns every loaded template, for a listing endpoint.
func (m *Manager) Templates() []Template {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Template, 0, len(m.templates))
	for _, t := range m.templates {
		out = append(out, t)
	}
	return out
}

// toSessionConfig converts a template into a SessionConfig, given a
// PRNG seed for its matching config (spec.md §8 determinism: a
// template-created session is still seeded, not unseeded).
func (t Template) toSessionConfig(startNs, endNs int64, seed int64) (SessionConfig, error) {
	capital, err := decimalFromTemplateString(t.InitialCapital, "0")
	if err != nil {
		return SessionConfig{}, fmt.Errorf("template %s: initial_capital: %w", t.Name, err)
	}
	maintMargin, err := decimalFromTemplateString(t.MaintenanceMarginPct, "0.25")
	if err != nil {
		return SessionConfig{}, fmt.Errorf("template %s: maintenance_margin_pct: %w", t.Name, err)
	}
	fixedSlip, err := decimalFromTemplateString(t.Matching.FixedSlippageBps, "0")
	if err != nil {
		return SessionConfig{}, fmt.Errorf("template %s: fixed_slippage_bps: %w", t.Name, err)
	}
	randSlip, err := decimalFromTemplateString(t.Matching.RandomSlippageMaxBps, "0")
	if err != nil {
		return SessionConfig{}, fmt.Errorf("template %s: random_slippage_max_bps: %w", t.Name, err)
	}
	impactBps, err := decimalFromTemplateString(t.Matching.MarketImpactBps, "0")
	if err != nil {
		return SessionConfig{}, fmt.Errorf("template %s: market_impact_bps: %w", t.Name, err)
	}

	mcfg := matching.DefaultConfig()
	mcfg.EnableLatency = t.Matching.EnableLatency
	mcfg.FixedLatencyUs = t.Matching.FixedLatencyUs
	mcfg.RandomLatencyMaxUs = t.Matching.RandomLatencyMaxUs
	mcfg.EnableSlippage = t.Matching.EnableSlippage
	mcfg.FixedSlippageBps = fixedSlip
	mcfg.RandomSlippageMaxBps = randSlip
	mcfg.EnableMarketImpact = t.Matching.EnableMarketImpact
	mcfg.MarketImpactBps = impactBps
	mcfg.AllowShorting = t.Matching.AllowShorting
	mcfg.Seed = seed

	return SessionConfig{
		Symbols:                  t.Symbols,
		StartNs:                  startNs,
		EndNs:                    endNs,
		InitialCapital:           capital,
		SpeedFactor:              t.SpeedFactor,
		EnableWAL:                t.EnableWAL,
		CheckpointIntervalEvents: t.CheckpointIntervalEvents,
		EnableMarginCallChecks:   t.EnableMarginCallChecks,
		EnableForcedLiquidation:  t.EnableForcedLiquidation,
		MaintenanceMarginPct:     maintMargin,
		Matching:                 mcfg,
	}, nil
}

// CreateFromTemplate builds and registers a session from a loaded
// template by name, scoped to [startNs, endNs) and seeded with seed.
func (m *Manager) CreateFromTemplate(name string, startNs, endNs int64, seed int64) (*SessionHandle, error) {
	m.mu.RLock()
	tmpl, ok := m.templates[name]
	m.mu.RUnlock()
	if !ok {
		return nil, apierr.New(apierr.NotFound, "session template %s not found", name)
	}
	cfg, err := tmpl.toSessionConfig(startNs, endNs, seed)
	if err != nil {
		return nil, apierr.Wrap(apierr.InvalidArgument, err, "invalid session template %s", name)
	}
	s, err := m.Create(cfg)
	if err != nil {
		return nil, err
	}
	return &SessionHandle{Session: s, TemplateName: name}, nil
}

// SessionHandle names the template a session was created from, for the
// control plane's creation response.
type SessionHandle struct {
	*session.Session
	TemplateName string
}

// decimalFromTemplateString parses a YAML decimal field, falling back
// to def when the field is left empty.
func decimalFromTemplateString(v, def string) (decimal.Decimal, error) {
	if v == "" {
		v = def
	}
	return decimal.NewFromString(v)
}
