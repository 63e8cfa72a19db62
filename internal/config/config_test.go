package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromDefaults(t *testing.T) {
	cfg, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:18990" {
		t.Errorf("bind addr = %q", cfg.BindAddr)
	}
	if cfg.SchedulerTick() != 2*time.Second {
		t.Errorf("tick = %v", cfg.SchedulerTick())
	}
	if cfg.Lanes["mainlane"] != 4 {
		t.Errorf("mainlane limit = %d", cfg.Lanes["mainlane"])
	}
	if cfg.Breaker.Threshold != 5 {
		t.Errorf("breaker threshold = %d", cfg.Breaker.Threshold)
	}
	if cfg.OTel.Exporter != "stdout" {
		t.Errorf("otel exporter = %q", cfg.OTel.Exporter)
	}
}

func TestLoadFromFile(t *testing.T) {
	home := t.TempDir()
	body := `bind_addr: "0.0.0.0:9000"
strict_writes: true
scheduler_tick_seconds: 5
lanes:
  fastlane: 1
  mainlane: 2
executors:
  - name: codex-cli
    command: /usr/local/bin/codex
    args: ["exec", "--json"]
    priority: 1
    max_concurrency: 2
    roles: [implementer]
    timeout_seconds: 1200
breaker:
  threshold: 3
  cooldown_seconds: 10
  max_cooldown_seconds: 120
`
	if err := os.WriteFile(ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:9000" || !cfg.StrictWrites {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Lanes["fastlane"] != 1 || cfg.Lanes["mainlane"] != 2 {
		t.Errorf("lanes = %v", cfg.Lanes)
	}
	if len(cfg.Executors) != 1 {
		t.Fatalf("executors = %d", len(cfg.Executors))
	}
	e := cfg.Executors[0]
	if e.Name != "codex-cli" || e.Timeout() != 20*time.Minute {
		t.Errorf("executor = %+v", e)
	}
	if cfg.BreakerCooldown() != 10*time.Second || cfg.BreakerMaxCooldown() != 2*time.Minute {
		t.Errorf("breaker = %+v", cfg.Breaker)
	}
}

func TestLoadRejectsBadExecutors(t *testing.T) {
	cases := []string{
		"executors:\n  - command: /bin/true\n",
		"executors:\n  - name: a\n",
		"executors:\n  - name: a\n    command: /bin/true\n  - name: a\n    command: /bin/false\n",
	}
	for i, body := range cases {
		home := t.TempDir()
		if err := os.WriteFile(ConfigPath(home), []byte(body), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
		if _, err := LoadFrom(home); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestLoadRejectsUnknownLane(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(ConfigPath(home), []byte("lanes:\n  warp: 3\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFrom(home); err == nil {
		t.Error("expected error for unknown lane")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FOREMAN_BIND_ADDR", "127.0.0.1:7777")
	t.Setenv("FOREMAN_STRICT_WRITES", "true")
	cfg, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:7777" || !cfg.StrictWrites {
		t.Errorf("overrides not applied: %+v", cfg)
	}
}

func TestFingerprintChangesWithConfig(t *testing.T) {
	a, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("identical configs should share a fingerprint")
	}
	b.BindAddr = "0.0.0.0:1"
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("changed config should change the fingerprint")
	}
}

func TestRolesPathResolution(t *testing.T) {
	cfg := Config{HomeDir: "/srv/foreman"}
	if got := cfg.RolesPath(); got != "/srv/foreman/roles.yaml" {
		t.Errorf("default roles path = %q", got)
	}
	cfg.RolesFile = "policies/roles.yaml"
	if got := cfg.RolesPath(); got != "/srv/foreman/policies/roles.yaml" {
		t.Errorf("relative roles path = %q", got)
	}
	cfg.RolesFile = "/etc/foreman/roles.yaml"
	if got := cfg.RolesPath(); got != "/etc/foreman/roles.yaml" {
		t.Errorf("absolute roles path = %q", got)
	}
}

func TestWatcherEmitsOnWrite(t *testing.T) {
	home := t.TempDir()
	path := ConfigPath(home)
	if err := os.WriteFile(path, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	w := NewWatcher(home, filepath.Join(home, "roles.yaml"), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := os.WriteFile(path, []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	select {
	case ev := <-w.Events():
		if ev.Path != path {
			t.Errorf("event path = %q, want %q", ev.Path, path)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reload event received")
	}
}
