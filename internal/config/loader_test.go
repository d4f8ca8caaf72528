package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "base.yaml", "server:\n  addr: \":9090\"\nsession:\n  idle_timeout: 45m\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("Addr = %q, want :9090", cfg.Server.Addr)
	}
	if cfg.Session.IdleTimeout != 45*time.Minute {
		t.Errorf("IdleTimeout = %v, want 45m", cfg.Session.IdleTimeout)
	}
	if cfg.Channel.HeartbeatInterval != 5*time.Second {
		t.Errorf("HeartbeatInterval default not preserved: %v", cfg.Channel.HeartbeatInterval)
	}
}

func TestLoadResolvesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "llm.yaml", "llm:\n  retries: 5\n")
	mainPath := writeFile(t, dir, "main.yaml", "$include: llm.yaml\nserver:\n  addr: \":7070\"\n")

	cfg, err := Load(mainPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Retries != 5 {
		t.Errorf("Retries = %d, want 5", cfg.LLM.Retries)
	}
	if cfg.Server.Addr != ":7070" {
		t.Errorf("Addr = %q, want :7070", cfg.Server.Addr)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	if err := os.WriteFile(a, []byte("$include: b.yaml\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("$include: a.yaml\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(a); err == nil {
		t.Fatal("expected include cycle error, got nil")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.yaml", "server:\n  not_a_field: true\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected unknown-field error, got nil")
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("RAS_TEST_ADDR", ":6060")
	dir := t.TempDir()
	path := writeFile(t, dir, "env.yaml", "server:\n  addr: \"${RAS_TEST_ADDR}\"\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":6060" {
		t.Errorf("Addr = %q, want :6060", cfg.Server.Addr)
	}
}
