package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFileMissing(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg.Roles.Architect != "architect" {
		t.Errorf("expected default architect role, got %q", cfg.Roles.Architect)
	}
	if cfg.Cost.Currency != "EUR" {
		t.Errorf("expected default currency EUR, got %q", cfg.Cost.Currency)
	}
}

func TestLoadFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"store_url": "http://ha.local:8123",
		"store_token": "tok",
		"roles": {"architect": "custom-architect", "builder": "b1"},
		"cost": {"currency": "USD", "input_per_ktokens": 0.001, "output_per_ktokens": 0.002}
	}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.StoreURL != "http://ha.local:8123" {
		t.Errorf("store_url not loaded: %q", cfg.StoreURL)
	}
	if cfg.Roles.Architect != "custom-architect" {
		t.Errorf("role override not applied: %q", cfg.Roles.Architect)
	}
	if cfg.Cost.Currency != "USD" {
		t.Errorf("cost override not applied: %q", cfg.Cost.Currency)
	}
	// Unset listen falls back to default
	if cfg.Listen != ":8098" {
		t.Errorf("expected default listen, got %q", cfg.Listen)
	}
}

func TestLoadFileCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path)
	if err == nil {
		t.Error("corrupt file should return an error")
	}
	if cfg.Roles.Builder != "builder" {
		t.Error("corrupt file should still yield defaults")
	}
}
