package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsFullyPopulated(t *testing.T) {
	cfg := Default()
	if cfg.LM.BaseURL == "" || len(cfg.LM.Tiers) != 3 {
		t.Errorf("expected a populated LM config, got %+v", cfg.LM)
	}
	if cfg.Policy.Preset != "safe" {
		t.Errorf("expected the safe preset by default, got %q", cfg.Policy.Preset)
	}
	if cfg.Tasks.DBPath == "" || cfg.Tasks.LogDir == "" {
		t.Errorf("expected task storage paths to be set, got %+v", cfg.Tasks)
	}
}

func TestLoadMissingExplicitPathIsAnError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatal("expected an error for a missing explicit config path")
	}
}

func TestLoadFillsInMissingFieldsFromDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "open_harness.yaml")
	partial := "policy:\n  preset: full\nworkspace:\n  root: /srv/app\n"
	if err := os.WriteFile(path, []byte(partial), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Policy.Preset != "full" {
		t.Errorf("expected the explicit preset to survive sanitize, got %q", cfg.Policy.Preset)
	}
	if cfg.Workspace.Root != "/srv/app" {
		t.Errorf("expected the explicit workspace root to survive sanitize, got %q", cfg.Workspace.Root)
	}
	if cfg.LM.BaseURL == "" || len(cfg.LM.Tiers) == 0 {
		t.Errorf("expected unset LM fields to be defaulted, got %+v", cfg.LM)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("expected unset logging fields to be defaulted, got %+v", cfg.Logging)
	}
}
