// Package repotest provides repository fixtures for tests.
package repotest

import (
	"errors"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/storage"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/folio/core/repository"
)

// LockTimeout is the lock wait bound used by fixture stores.
const LockTimeout = 2 * time.Second

// ErrInjected is returned by FailingStorer once its budget is spent.
var ErrInjected = errors.New("injected write failure")

// Options returns store options suitable for tests.
func Options() repository.Options {
	return repository.Options{
		Trunk:       "main",
		LockTimeout: LockTimeout,
		Logger:      slog.New(slog.DiscardHandler),
	}
}

// New creates an initialized repository under t.TempDir and closes it when
// the test ends.
func New(t testing.TB) *repository.Store {
	t.Helper()

	store, err := repository.Init(filepath.Join(t.TempDir(), "repo"), Options())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// FailingStorer fails every object write once its budget is spent.
type FailingStorer struct {
	storage.Storer
	budget atomic.Int64
	writes atomic.Int64
}

// SetEncodedObject implements storer.EncodedObjectStorer.
func (f *FailingStorer) SetEncodedObject(obj plumbing.EncodedObject) (plumbing.Hash, error) {
	if f.writes.Add(1) > f.budget.Load() {
		return plumbing.ZeroHash, ErrInjected
	}
	return f.Storer.SetEncodedObject(obj)
}

// SetBudget allows n further object writes.
func (f *FailingStorer) SetBudget(n int64) {
	f.writes.Store(0)
	f.budget.Store(n)
}

// Unlimited lifts the budget.
func (f *FailingStorer) Unlimited() {
	f.SetBudget(1 << 62)
}

// NewWithFailingStorer creates a store over filesystem storage whose object
// writes can be made to fail. The budget starts unlimited.
func NewWithFailingStorer(t testing.TB) (*repository.Store, *FailingStorer) {
	t.Helper()

	fs := osfs.New(filepath.Join(t.TempDir(), "repo"))
	failing := &FailingStorer{Storer: filesystem.NewStorage(fs, cache.NewObjectLRUDefault())}
	failing.Unlimited()

	store, err := repository.NewStore(failing, Options())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, failing
}
