package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_DefaultsWhenNoFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Project.Prefix != "bn" {
		t.Errorf("Project.Prefix = %q, want %q", cfg.Project.Prefix, "bn")
	}
	if cfg.Goal.AutoClose {
		t.Errorf("Goal.AutoClose = true, want false by default")
	}
}

func TestLoad_FindsProjectConfig(t *testing.T) {
	root := t.TempDir()
	bonesDir := filepath.Join(root, ".bones")
	if err := os.MkdirAll(bonesDir, 0o755); err != nil {
		t.Fatal(err)
	}
	content := `
[project]
prefix = "proj"

[goal]
auto_close = true
auto_close_labels = ["milestone"]

[sync]
chunk_floor = 4
chunk_ceiling = 128

[cache]
disabled = true
`
	if err := os.WriteFile(filepath.Join(bonesDir, "config.toml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	sub := filepath.Join(root, "a", "b", "c")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(sub)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Project.Prefix != "proj" {
		t.Errorf("Project.Prefix = %q, want %q", cfg.Project.Prefix, "proj")
	}
	if !cfg.Goal.AutoClose {
		t.Errorf("Goal.AutoClose = false, want true")
	}
	if len(cfg.Goal.AutoCloseLabels) != 1 || cfg.Goal.AutoCloseLabels[0] != "milestone" {
		t.Errorf("AutoCloseLabels = %v", cfg.Goal.AutoCloseLabels)
	}
	if cfg.Sync.ChunkFloor != 4 || cfg.Sync.ChunkCeiling != 128 {
		t.Errorf("Sync = %+v", cfg.Sync)
	}
	if !cfg.Cache.Disabled {
		t.Errorf("Cache.Disabled = false, want true")
	}
}
