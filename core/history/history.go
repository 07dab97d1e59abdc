// Package history serves per-file revision history with a TTL-bounded cache.
//
// Cached views are not invalidated when a line moves; a view may be up to
// one TTL behind the repository. That staleness bound is the contract.
package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/adalundhe/folio/core/commits"
	"github.com/adalundhe/folio/core/repository"
)

// =============================================================================
// Types
// =============================================================================

// Entry is one revision that touched the file.
type Entry struct {
	Revision  repository.RevisionID `json:"revision"`
	Author    string                `json:"author"`
	Email     string                `json:"email"`
	When      time.Time             `json:"when"`
	Subject   string                `json:"subject"`
	Additions int                   `json:"additions"`
	Deletions int                   `json:"deletions"`
	Merge     bool                  `json:"merge"`
}

// View is the history of one path on one line, newest first.
type View struct {
	Path       string    `json:"path"`
	Ref        string    `json:"ref"`
	Limit      int       `json:"limit"`
	Entries    []Entry   `json:"entries"`
	ComputedAt time.Time `json:"computed_at"`
}

// Contributors returns distinct author names in order of first appearance.
func (v *View) Contributors() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, e := range v.Entries {
		if _, ok := seen[e.Author]; ok {
			continue
		}
		seen[e.Author] = struct{}{}
		out = append(out, e.Author)
	}
	return out
}

func (v *View) clone() *View {
	out := *v
	out.Entries = append([]Entry(nil), v.Entries...)
	return &out
}

// =============================================================================
// Cache
// =============================================================================

const (
	defaultSize = 1024
	defaultTTL  = 300 * time.Second
)

// Config configures a Cache.
type Config struct {
	Size   int
	TTL    time.Duration
	Logger *slog.Logger
}

type cacheKey struct {
	ref   string
	path  string
	limit int
}

// Cache memoizes history views by (line, path, limit).
type Cache struct {
	store  *repository.Store
	lru    atomic.Pointer[expirable.LRU[cacheKey, *View]]
	size   int
	ttl    atomic.Int64
	logger *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a Cache over store.
func New(store *repository.Store, cfg Config) *Cache {
	if cfg.Size <= 0 {
		cfg.Size = defaultSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Cache{
		store:  store,
		size:   cfg.Size,
		logger: cfg.Logger,
	}
	c.lru.Store(expirable.NewLRU[cacheKey, *View](cfg.Size, nil, cfg.TTL))
	c.ttl.Store(int64(cfg.TTL))
	return c
}

// GetHistory returns the history of path on lineRef, at most limit entries
// (0 = unlimited). A cached view is returned while it is younger than the TTL.
func (c *Cache) GetHistory(ctx context.Context, path, lineRef string, limit int) (*View, error) {
	key := cacheKey{ref: lineRef, path: path, limit: limit}
	lru := c.lru.Load()
	if view, ok := lru.Get(key); ok {
		c.hits.Add(1)
		return view.clone(), nil
	}
	c.misses.Add(1)

	view, err := Compute(ctx, c.store, path, lineRef, limit)
	if err != nil {
		return nil, err
	}

	lru.Add(key, view.clone())
	return view, nil
}

// Purge drops every cached view.
func (c *Cache) Purge() { c.lru.Load().Purge() }

// Len returns the number of cached views.
func (c *Cache) Len() int { return c.lru.Load().Len() }

// Stats returns hit and miss counts.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// TTL returns the staleness bound.
func (c *Cache) TTL() time.Duration { return time.Duration(c.ttl.Load()) }

// SetTTL changes the staleness bound. Views cached under the old bound are
// dropped so none outlives the new one.
func (c *Cache) SetTTL(ttl time.Duration) {
	if ttl <= 0 || time.Duration(c.ttl.Swap(int64(ttl))) == ttl {
		return
	}
	old := c.lru.Swap(expirable.NewLRU[cacheKey, *View](c.size, nil, ttl))
	old.Purge()
	c.logger.Debug("history cache TTL changed", slog.Duration("ttl", ttl))
}

// =============================================================================
// Compute
// =============================================================================

// Compute walks the revisions reachable from lineRef that changed path,
// newest first, with per-revision change sizes. It bypasses the cache.
func Compute(ctx context.Context, store *repository.Store, path, lineRef string, limit int) (*View, error) {
	from, err := store.Resolve(lineRef)
	if err != nil {
		return nil, err
	}

	iter, err := store.Repository().Log(&gogit.LogOptions{
		From:  from,
		Order: gogit.LogOrderCommitterTime,
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	view := &View{Path: path, Ref: lineRef, Limit: limit, Entries: []Entry{}}
	err = iter.ForEach(func(commit *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if limit > 0 && len(view.Entries) >= limit {
			return io.EOF
		}

		touched, err := commitTouchesFile(commit, path)
		if err != nil || !touched {
			return err
		}

		view.Entries = append(view.Entries, convertCommit(commit, path))
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	view.ComputedAt = time.Now()
	return view, nil
}

// commitTouchesFile reports whether path differs between a commit and its
// first parent. Binary files count even though they carry no line stats.
func commitTouchesFile(commit *object.Commit, path string) (bool, error) {
	current, err := entryAt(commit, path)
	if err != nil {
		return false, err
	}

	if commit.NumParents() == 0 {
		return !current.IsZero(), nil
	}

	parent, err := commit.Parent(0)
	if err != nil {
		return false, err
	}
	previous, err := entryAt(parent, path)
	if err != nil {
		return false, err
	}
	return current != previous, nil
}

func entryAt(commit *object.Commit, path string) (plumbing.Hash, error) {
	tree, err := commit.Tree()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	entry, err := tree.FindEntry(path)
	if errors.Is(err, object.ErrEntryNotFound) || errors.Is(err, object.ErrDirectoryNotFound) {
		return plumbing.ZeroHash, nil
	}
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return entry.Hash, nil
}

// convertCommit builds an Entry with the line stats for path.
func convertCommit(commit *object.Commit, path string) Entry {
	entry := Entry{
		Revision: repository.NewRevisionID(commit.Hash),
		Author:   commit.Author.Name,
		Email:    commit.Author.Email,
		When:     commit.Author.When,
		Subject:  commits.Subject(commit.Message),
		Merge:    commit.NumParents() > 1,
	}

	stats, err := commit.Stats()
	if err != nil {
		return entry
	}
	for _, stat := range stats {
		if stat.Name == path {
			entry.Additions = stat.Addition
			entry.Deletions = stat.Deletion
			break
		}
	}
	return entry
}
