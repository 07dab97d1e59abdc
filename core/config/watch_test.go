package config

import (
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerWatchReloadsOnWrite(t *testing.T) {
	dirs := testDirs(t)
	path := dirs.ConfigDir("config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache:\n  conflict_ttl: 30s\n"), 0644))

	m := NewManager(dirs, "")
	require.NoError(t, m.Load())
	defer m.Close()

	var notified atomic.Int32
	m.OnChange(func(*Config) { notified.Add(1) })

	require.NoError(t, m.Watch(10*time.Millisecond, slog.New(slog.DiscardHandler)))
	require.NoError(t, os.WriteFile(path, []byte("cache:\n  conflict_ttl: 90s\n"), 0644))

	assert.Eventually(t, func() bool {
		return m.Get().Cache.ConflictTTL == 90*time.Second
	}, 2*time.Second, 10*time.Millisecond)
	assert.Positive(t, notified.Load())
}

func TestManagerWatchKeepsConfigOnInvalidReload(t *testing.T) {
	dirs := testDirs(t)
	path := dirs.ConfigDir("config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("repository:\n  trunk: main\n"), 0644))

	m := NewManager(dirs, "")
	require.NoError(t, m.Load())
	defer m.Close()

	require.NoError(t, m.Watch(10*time.Millisecond, slog.New(slog.DiscardHandler)))
	require.NoError(t, os.WriteFile(path, []byte("drafts:\n  token_length: 1\n"), 0644))

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 4, m.Get().Drafts.TokenLength)
}

func TestManagerWatchNoDirectories(t *testing.T) {
	m := NewManager(nil, "")
	m.SetExplicitFile("/nonexistent/dir/folio.yaml")
	assert.Error(t, m.Watch(0, nil))
}
