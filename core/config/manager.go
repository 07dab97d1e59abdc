package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/adalundhe/folio/core/storage"
	"gopkg.in/yaml.v3"
)

type Manager struct {
	configPtr unsafe.Pointer
	dirs      *storage.Dirs
	repoRoot  string
	explicit  string
	watchers  []func(*Config)
	watcherMu sync.RWMutex
	closeOnce sync.Once
	closed    chan struct{}
}

type Config struct {
	Repository RepositoryConfig `yaml:"repository"`
	Cache      CacheConfig      `yaml:"cache"`
	Drafts     DraftsConfig     `yaml:"drafts"`
	Locks      LocksConfig      `yaml:"locks"`
	Validation ValidationConfig `yaml:"validation"`
	Snapshot   SnapshotConfig   `yaml:"snapshot"`
	Ledger     LedgerConfig     `yaml:"ledger"`
}

type RepositoryConfig struct {
	Path  string `yaml:"path"`
	Trunk string `yaml:"trunk"`
}

type CacheConfig struct {
	ConflictTTL     time.Duration `yaml:"conflict_ttl"`
	HistoryTTL      time.Duration `yaml:"history_ttl"`
	HistorySize     int           `yaml:"history_size"`
	ConflictMaxCost int64         `yaml:"conflict_max_cost"`
}

// DraftsConfig is consumed by draft creation and by the external cleanup
// scheduler through Lifecycle.Stale.
type DraftsConfig struct {
	StaleAfter  time.Duration `yaml:"stale_after"`
	TokenLength int           `yaml:"token_length"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type LocksConfig struct {
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

type ValidationConfig struct {
	MaxContentBytes int64    `yaml:"max_content_bytes"`
	DenyPatterns    []string `yaml:"deny_patterns"`
	AllowHidden     bool     `yaml:"allow_hidden"`
}

type SnapshotConfig struct {
	Dir          string `yaml:"dir"`
	HistoryDepth int    `yaml:"history_depth"`
	Workers      int    `yaml:"workers"`
}

type LedgerConfig struct {
	Path string `yaml:"path"`
}

func NewManager(dirs *storage.Dirs, repoRoot string) *Manager {
	m := &Manager{
		dirs:     dirs,
		repoRoot: repoRoot,
		closed:   make(chan struct{}),
	}
	cfg := DefaultConfig()
	m.applyDerived(cfg)
	atomic.StorePointer(&m.configPtr, unsafe.Pointer(cfg))
	return m
}

func DefaultConfig() *Config {
	return &Config{
		Repository: RepositoryConfig{
			Path:  ".",
			Trunk: "main",
		},
		Cache: CacheConfig{
			ConflictTTL:     120 * time.Second,
			HistoryTTL:      300 * time.Second,
			HistorySize:     1024,
			ConflictMaxCost: 64 << 20,
		},
		Drafts: DraftsConfig{
			StaleAfter:  30 * 24 * time.Hour,
			TokenLength: 4,
			MaxAttempts: 8,
		},
		Locks: LocksConfig{
			AcquireTimeout: 30 * time.Second,
		},
		Validation: ValidationConfig{
			MaxContentBytes: 10 << 20,
		},
		Snapshot: SnapshotConfig{
			HistoryDepth: 5,
			Workers:      4,
		},
	}
}

// SetExplicitFile registers a config file that is applied after the user and
// project layers, typically from a --config flag.
func (m *Manager) SetExplicitFile(path string) {
	m.explicit = path
}

func (m *Manager) Get() *Config {
	return (*Config)(atomic.LoadPointer(&m.configPtr))
}

func (m *Manager) Load() error {
	cfg := DefaultConfig()

	if m.dirs != nil {
		if err := m.loadYAMLFile(m.dirs.ConfigDir("config.yaml"), cfg); err != nil {
			return fmt.Errorf("user config: %w", err)
		}
	}

	if m.repoRoot != "" {
		project := storage.ResolveProjectDirs(m.repoRoot)
		if err := m.loadYAMLFile(project.Config, cfg); err != nil {
			return fmt.Errorf("project config: %w", err)
		}
	}

	if m.explicit != "" {
		if _, err := os.Stat(m.explicit); err != nil {
			return fmt.Errorf("explicit config: %w", err)
		}
		if err := m.loadYAMLFile(m.explicit, cfg); err != nil {
			return fmt.Errorf("explicit config: %w", err)
		}
	}

	m.applyEnvironment(cfg)
	m.applyDerived(cfg)

	if err := cfg.Validate(); err != nil {
		return err
	}

	atomic.StorePointer(&m.configPtr, unsafe.Pointer(cfg))
	m.notifyWatchers(cfg)

	return nil
}

func (m *Manager) loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func (m *Manager) applyEnvironment(cfg *Config) {
	if v := os.Getenv("FOLIO_REPOSITORY_PATH"); v != "" {
		cfg.Repository.Path = v
	}
	if v := os.Getenv("FOLIO_TRUNK"); v != "" {
		cfg.Repository.Trunk = v
	}
	if v := os.Getenv("FOLIO_CONFLICT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.ConflictTTL = d
		}
	}
	if v := os.Getenv("FOLIO_HISTORY_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.HistoryTTL = d
		}
	}
	if v := os.Getenv("FOLIO_STALE_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Drafts.StaleAfter = d
		}
	}
	if v := os.Getenv("FOLIO_LOCK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Locks.AcquireTimeout = d
		}
	}
	if v := os.Getenv("FOLIO_MAX_CONTENT_BYTES"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Validation.MaxContentBytes = int64(n)
		}
	}
	if v := os.Getenv("FOLIO_ALLOW_HIDDEN"); v != "" {
		cfg.Validation.AllowHidden = strings.ToLower(v) == "true"
	}
	if v := os.Getenv("FOLIO_SNAPSHOT_DIR"); v != "" {
		cfg.Snapshot.Dir = v
	}
	if v := os.Getenv("FOLIO_LEDGER_PATH"); v != "" {
		cfg.Ledger.Path = v
	}
}

// applyDerived fills paths that default to locations under the data dir.
func (m *Manager) applyDerived(cfg *Config) {
	if m.dirs == nil {
		return
	}
	if cfg.Snapshot.Dir == "" {
		cfg.Snapshot.Dir = m.dirs.SnapshotDir()
	}
	if cfg.Ledger.Path == "" {
		cfg.Ledger.Path = m.dirs.LedgerPath()
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Repository.Trunk == "" {
		return fmt.Errorf("repository.trunk must not be empty")
	}
	if c.Cache.ConflictTTL <= 0 || c.Cache.HistoryTTL <= 0 {
		return fmt.Errorf("cache TTLs must be positive")
	}
	if c.Cache.HistorySize <= 0 {
		return fmt.Errorf("cache.history_size must be positive")
	}
	if c.Drafts.TokenLength < 4 || c.Drafts.TokenLength > 32 {
		return fmt.Errorf("drafts.token_length must be between 4 and 32")
	}
	if c.Drafts.MaxAttempts <= 0 {
		return fmt.Errorf("drafts.max_attempts must be positive")
	}
	if c.Locks.AcquireTimeout <= 0 {
		return fmt.Errorf("locks.acquire_timeout must be positive")
	}
	return nil
}

func (m *Manager) OnChange(fn func(*Config)) {
	m.watcherMu.Lock()
	m.watchers = append(m.watchers, fn)
	m.watcherMu.Unlock()
}

func (m *Manager) notifyWatchers(cfg *Config) {
	m.watcherMu.RLock()
	watchers := m.watchers
	m.watcherMu.RUnlock()

	for _, fn := range watchers {
		fn(cfg)
	}
}

func (m *Manager) Reload() error {
	return m.Load()
}

func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.closed)
	})
	return nil
}

func parseInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}
