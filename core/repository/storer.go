package repository

import (
	"sync"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage"
)

// guardedStorer serializes object writes against each other and against
// reads, while letting reads run concurrently. Ref operations pass straight
// through; their ordering is enforced by Locks and compare-and-swap.
type guardedStorer struct {
	storage.Storer
	mu sync.RWMutex
}

func newGuardedStorer(s storage.Storer) *guardedStorer {
	g := &guardedStorer{Storer: s}

	// the filesystem storer builds its pack index lazily on first lookup
	g.mu.Lock()
	_ = s.HasEncodedObject(plumbing.ZeroHash)
	g.mu.Unlock()

	return g
}

func (g *guardedStorer) SetEncodedObject(obj plumbing.EncodedObject) (plumbing.Hash, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Storer.SetEncodedObject(obj)
}

func (g *guardedStorer) EncodedObject(t plumbing.ObjectType, h plumbing.Hash) (plumbing.EncodedObject, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.Storer.EncodedObject(t, h)
}

func (g *guardedStorer) HasEncodedObject(h plumbing.Hash) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.Storer.HasEncodedObject(h)
}

func (g *guardedStorer) EncodedObjectSize(h plumbing.Hash) (int64, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.Storer.EncodedObjectSize(h)
}
