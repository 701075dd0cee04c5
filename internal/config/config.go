// Package config loads .bones/config.toml (spec §6.1, SPEC_FULL.md
// §10.1).
//
// The directory-precedence search — walk up from the start directory looking for
// .bones/config.toml, then fall back to the user config dir, then the
// home directory — keeps the teacher's config.go layered-search idiom
// (internal/config/config.go Initialize) but swaps viper+YAML for
// github.com/BurntSushi/toml, since the teacher itself already uses
// BurntSushi/toml elsewhere (cmd/bd/formula.go) and the filesystem
// layout names config.toml, not config.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the full set of bones project settings.
type Config struct {
	Project ProjectConfig `toml:"project"`
	Goal    GoalConfig    `toml:"goal"`
	Sync    SyncConfig    `toml:"sync"`
	Cache   CacheConfig   `toml:"cache"`
}

// ProjectConfig holds project identity settings.
type ProjectConfig struct {
	Prefix string `toml:"prefix"`
}

// GoalConfig controls goal auto-close/auto-reopen behavior (spec §4.12).
type GoalConfig struct {
	AutoClose       bool     `toml:"auto_close"`
	AutoCloseLabels []string `toml:"auto_close_labels"`
}

// SyncConfig holds the sync.chunk_floor / sync.chunk_ceiling settings
// (spec §4.10). internal/prolly does not read them; it always chunks with
// its fixed leaf bounds.
type SyncConfig struct {
	ChunkFloor   int `toml:"chunk_floor"`
	ChunkCeiling int `toml:"chunk_ceiling"`
}

// CacheConfig controls the binary columnar cache (spec §4.8).
type CacheConfig struct {
	Disabled bool `toml:"disabled"`
}

// Default returns the configuration used when no config.toml is found.
func Default() Config {
	return Config{
		Project: ProjectConfig{Prefix: "bn"},
		Goal:    GoalConfig{AutoClose: false},
		Sync:    SyncConfig{ChunkFloor: 8, ChunkCeiling: 256},
		Cache:   CacheConfig{Disabled: false},
	}
}

// Load searches, in order, for .bones/config.toml starting at startDir
// and walking up to the filesystem root, then ~/.config/bones/config.toml,
// then ~/.bones/config.toml. It returns Default() if none is found.
func Load(startDir string) (Config, error) {
	path, ok, err := findConfigFile(startDir)
	if err != nil {
		return Config{}, err
	}
	if !ok {
		return Default(), nil
	}
	return loadFile(path)
}

func findConfigFile(startDir string) (string, bool, error) {
	dir := startDir
	for {
		candidate := filepath.Join(dir, ".bones", "config.toml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	if configDir, err := os.UserConfigDir(); err == nil {
		candidate := filepath.Join(configDir, "bones", "config.toml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true, nil
		}
	}

	if home, err := os.UserHomeDir(); err == nil {
		candidate := filepath.Join(home, ".bones", "config.toml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true, nil
		}
	}

	return "", false, nil
}

func loadFile(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
