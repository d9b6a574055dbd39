package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/emberhall/hearth/internal/config"
)

func TestRunInit_CreatesWorkspace(t *testing.T) {
	dir := t.TempDir()
	var out strings.Builder

	if err := runInit(&out, dir); err != nil {
		t.Fatalf("runInit() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "data")); err != nil {
		t.Errorf("data directory not created: %v", err)
	}

	configPath := filepath.Join(dir, "hearth.yaml")
	if _, err := os.Stat(configPath); err != nil {
		t.Fatalf("config not written: %v", err)
	}

	// The shipped config must parse and carry sane defaults.
	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("shipped config does not parse: %v", err)
	}
	if cfg.Listen.Port != 8099 {
		t.Errorf("Listen.Port = %d, want 8099", cfg.Listen.Port)
	}
	if cfg.Session.TimeoutSec != 300 {
		t.Errorf("Session.TimeoutSec = %d, want 300", cfg.Session.TimeoutSec)
	}
}

func TestRunInit_NeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "hearth.yaml")

	custom := []byte("data_dir: /custom\n")
	if err := os.WriteFile(configPath, custom, 0o644); err != nil {
		t.Fatal(err)
	}

	var out strings.Builder
	if err := runInit(&out, dir); err != nil {
		t.Fatalf("runInit() error = %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(custom) {
		t.Error("init overwrote an existing config file")
	}
}

func TestRunInit_ViaRun(t *testing.T) {
	dir := t.TempDir()
	stdout, _, err := runCapture(t, "init", dir)
	if err != nil {
		t.Fatalf("run(init) error = %v", err)
	}
	if !strings.Contains(stdout, "hearth.yaml") {
		t.Errorf("init output missing config path:\n%s", stdout)
	}
}
