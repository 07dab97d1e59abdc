// Package storage provides platform-native directory resolution with XDG support.
package storage

import (
	"os"
	"path/filepath"
	"sync"
)

const appName = "folio"

// Dirs provides platform-native directory resolution with XDG support.
type Dirs struct {
	Config string // User configuration
	Data   string // Persistent data (ledger database, snapshots)
}

// ProjectDirs returns repository-local directories.
type ProjectDirs struct {
	Root   string // .folio/
	Config string // .folio/config.yaml
}

var (
	globalDirs     *Dirs
	globalDirsOnce sync.Once
)

// ResolveDirs returns platform-appropriate directories.
// Results are cached after first call.
func ResolveDirs() *Dirs {
	globalDirsOnce.Do(func() {
		globalDirs = resolveDirsImpl()
	})
	return globalDirs
}

func resolveDirsImpl() *Dirs {
	return &Dirs{
		Config: resolveDir("XDG_CONFIG_HOME", platformConfigDefault()),
		Data:   resolveDir("XDG_DATA_HOME", platformDataDefault()),
	}
}

func resolveDir(envVar, fallback string) string {
	if dir := os.Getenv(envVar); dir != "" {
		return filepath.Join(dir, appName)
	}
	return fallback
}

// ResolveProjectDirs returns the .folio directory inside a repository root.
func ResolveProjectDirs(repoRoot string) *ProjectDirs {
	dir := filepath.Join(repoRoot, ".folio")
	return &ProjectDirs{
		Root:   dir,
		Config: filepath.Join(dir, "config.yaml"),
	}
}

// EnsureDir creates a directory with the specified permissions if it doesn't exist.
func EnsureDir(path string, perm os.FileMode) error {
	if perm == 0 {
		perm = 0700
	}
	return os.MkdirAll(path, perm)
}

// EnsureStandardDir creates a directory with standard permissions (0755).
func EnsureStandardDir(path string) error {
	return EnsureDir(path, 0755)
}

// ConfigDir returns the config subdirectory path.
func (d *Dirs) ConfigDir(subpath ...string) string {
	return filepath.Join(append([]string{d.Config}, subpath...)...)
}

// DataDir returns the data subdirectory path.
func (d *Dirs) DataDir(subpath ...string) string {
	return filepath.Join(append([]string{d.Data}, subpath...)...)
}

// SnapshotDir returns the default root for materialized snapshots.
func (d *Dirs) SnapshotDir() string {
	return d.DataDir("snapshots")
}

// LedgerPath returns the default ledger database location.
func (d *Dirs) LedgerPath() string {
	return d.DataDir("ledger.db")
}
