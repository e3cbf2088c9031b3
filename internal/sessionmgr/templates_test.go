package sessionmgr

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"broker-sim/internal/session"
	"broker-sim/pkg/apierr"
)

const testTemplateYAML = `
templates:
  - name: paper-trading-default
    symbols: [AAPL, MSFT]
    initial_capital: "250000"
    speed_factor: 10
    enable_wal: true
    checkpoint_interval_events: 500
    enable_margin_call_checks: true
    maintenance_margin_pct: "0.3"
    matching:
      enable_slippage: true
      fixed_slippage_bps: "2"
      allow_shorting: false
  - name: high-latency-stress-test
    symbols: [SPY]
    initial_capital: "100000"
    speed_factor: 50
    matching:
      enable_latency: true
      fixed_latency_us: 5000
      random_latency_max_us: 20000
`

func writeTemplateFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "templates.yaml")
	if err := os.WriteFile(path, []byte(testTemplateYAML), 0o644); err != nil {
		t.Fatalf("write template file: %v", err)
	}
	return path
}

func TestLoadTemplatesParsesNamedPresets(t *testing.T) {
	path := writeTemplateFile(t)
	templates, err := LoadTemplates(path)
	if err != nil {
		t.Fatalf("LoadTemplates: %v", err)
	}
	if len(templates) != 2 {
		t.Fatalf("got %d templates, want 2", len(templates))
	}
	if templates[0].Name != "paper-trading-default" {
		t.Fatalf("templates[0].Name = %s, want paper-trading-default", templates[0].Name)
	}
	if !templates[0].Matching.EnableSlippage {
		t.Fatalf("expected paper-trading-default to enable slippage")
	}
}

func TestManagerLoadTemplatesPopulatesRegistry(t *testing.T) {
	m, _ := newTestManager(t, 10)
	path := writeTemplateFile(t)

	n, err := m.LoadTemplates(path)
	if err != nil {
		t.Fatalf("LoadTemplates: %v", err)
	}
	if n != 2 {
		t.Fatalf("LoadTemplates returned %d, want 2", n)
	}
	names := map[string]bool{}
	for _, tmpl := range m.Templates() {
		names[tmpl.Name] = true
	}
	if !names["paper-trading-default"] || !names["high-latency-stress-test"] {
		t.Fatalf("Templates() = %v, missing expected names", names)
	}
}

func TestCreateFromTemplateBuildsConfiguredSession(t *testing.T) {
	m, _ := newTestManager(t, 10)
	path := writeTemplateFile(t)
	if _, err := m.LoadTemplates(path); err != nil {
		t.Fatalf("LoadTemplates: %v", err)
	}

	handle, err := m.CreateFromTemplate("paper-trading-default", 0, int64(time.Second), 42)
	if err != nil {
		t.Fatalf("CreateFromTemplate: %v", err)
	}
	if handle.TemplateName != "paper-trading-default" {
		t.Fatalf("TemplateName = %s, want paper-trading-default", handle.TemplateName)
	}
	if handle.Status() != session.StatusCreated {
		t.Fatalf("status = %s, want CREATED", handle.Status())
	}
	if _, ok := m.Get(handle.ID()); !ok {
		t.Fatalf("expected session created from template to be registered")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Start(ctx, handle.ID()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStatus(t, handle.Session, session.StatusCompleted, 5*time.Second)
}

func TestCreateFromTemplateRejectsUnknownName(t *testing.T) {
	m, _ := newTestManager(t, 10)
	_, err := m.CreateFromTemplate("does-not-exist", 0, int64(time.Second), 1)
	if apierr.KindOf(err) != apierr.NotFound {
		t.Fatalf("kind = %s, want NotFound", apierr.KindOf(err))
	}
}
