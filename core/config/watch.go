package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/adalundhe/folio/core/storage"
)

// DefaultReloadDebounce coalesces bursts of writes to a config file.
const DefaultReloadDebounce = 100 * time.Millisecond

// Watch reloads the configuration whenever one of its files changes and
// notifies OnChange watchers. A reload that fails validation keeps the
// previous configuration. Watching stops on Close.
func (m *Manager) Watch(debounce time.Duration, logger *slog.Logger) error {
	if debounce <= 0 {
		debounce = DefaultReloadDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}

	files := m.files()
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}

	dirs := make(map[string]struct{})
	for _, f := range files {
		dirs[filepath.Dir(f)] = struct{}{}
	}
	watched := 0
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			logger.Debug("config directory not watched",
				slog.String("dir", dir),
				slog.String("error", err.Error()))
			continue
		}
		watched++
	}
	if watched == 0 {
		watcher.Close()
		return fmt.Errorf("config watcher: none of the config directories exist")
	}

	relevant := make(map[string]struct{}, len(files))
	for _, f := range files {
		relevant[filepath.Clean(f)] = struct{}{}
	}

	go m.watchLoop(watcher, relevant, debounce, logger)
	return nil
}

func (m *Manager) watchLoop(watcher *fsnotify.Watcher, relevant map[string]struct{}, debounce time.Duration, logger *slog.Logger) {
	defer watcher.Close()

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	reload := func() {
		if err := m.Reload(); err != nil {
			logger.Warn("config reload failed", slog.String("error", err.Error()))
			return
		}
		logger.Info("config reloaded")
	}

	for {
		select {
		case <-m.closed:
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if _, ok := relevant[filepath.Clean(event.Name)]; !ok {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, reload)
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("config watcher error", slog.String("error", err.Error()))
		}
	}
}

// files lists the config files Load reads, in precedence order.
func (m *Manager) files() []string {
	var files []string
	if m.dirs != nil {
		files = append(files, m.dirs.ConfigDir("config.yaml"))
	}
	if m.repoRoot != "" {
		files = append(files, storage.ResolveProjectDirs(m.repoRoot).Config)
	}
	if m.explicit != "" {
		if abs, err := filepath.Abs(m.explicit); err == nil {
			files = append(files, abs)
		}
	}
	return files
}
