// Package bonesproject locates and initializes a project's .bones/
// directory layout (spec §6.1): events/, cache/, projection.db, and
// config.toml.
//
// FindRoot's upward directory walk follows the shape of the teacher's
// internal/beads directory-discovery helpers re-exported from
// beads.go (FindBeadsDir, FindDatabasePath) — that package's own source
// was not present in the retrieved pack, so this is grounded on its
// public re-export surface rather than its implementation.
package bonesproject

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/untoldecay/bones/internal/boneserr"
)

const (
	dirName        = ".bones"
	EventsDirName  = "events"
	CacheDirName   = "cache"
	ProjectionName = "projection.db"
	ConfigName     = "config.toml"
)

// Layout is the resolved set of paths inside one project's .bones/
// directory.
type Layout struct {
	Root       string // project root (parent of .bones)
	BonesDir   string
	EventsDir  string
	CacheDir   string
	Projection string
	ConfigPath string
}

// FindRoot walks up from startDir looking for a .bones directory,
// returning boneserr.ErrNotABonesProject if the filesystem root is
// reached without finding one.
func FindRoot(startDir string) (string, error) {
	dir := startDir
	for {
		candidate := filepath.Join(dir, dirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", boneserr.ErrNotABonesProject
		}
		dir = parent
	}
}

// Resolve builds a Layout for projectRoot without touching disk.
func Resolve(projectRoot string) Layout {
	bonesDir := filepath.Join(projectRoot, dirName)
	return Layout{
		Root:       projectRoot,
		BonesDir:   bonesDir,
		EventsDir:  filepath.Join(bonesDir, EventsDirName),
		CacheDir:   filepath.Join(bonesDir, CacheDirName),
		Projection: filepath.Join(bonesDir, ProjectionName),
		ConfigPath: filepath.Join(bonesDir, ConfigName),
	}
}

// Init creates a fresh .bones/ layout under projectRoot, returning an
// error if one already exists.
func Init(projectRoot string) (Layout, error) {
	layout := Resolve(projectRoot)
	if _, err := os.Stat(layout.BonesDir); err == nil {
		return Layout{}, fmt.Errorf("bonesproject: %s already exists", layout.BonesDir)
	}
	for _, dir := range []string{layout.BonesDir, layout.EventsDir, layout.CacheDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return Layout{}, fmt.Errorf("bonesproject: create %s: %w", dir, err)
		}
	}
	return layout, nil
}

// Discover finds the nearest .bones directory starting at startDir and
// resolves its Layout.
func Discover(startDir string) (Layout, error) {
	root, err := FindRoot(startDir)
	if err != nil {
		return Layout{}, err
	}
	return Resolve(root), nil
}
