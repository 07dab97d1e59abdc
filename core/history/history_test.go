package history_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/folio/core/commits"
	"github.com/adalundhe/folio/core/drafts"
	ferrors "github.com/adalundhe/folio/core/errors"
	"github.com/adalundhe/folio/core/history"
	"github.com/adalundhe/folio/core/repository"
	"github.com/adalundhe/folio/core/repository/repotest"
)

// =============================================================================
// Test Fixtures
// =============================================================================

type fixture struct {
	store    *repository.Store
	draftID  string
	pipeline *commits.Pipeline
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := repotest.New(t)
	d, err := drafts.New(store, drafts.Config{}).Create(context.Background(), "7")
	require.NoError(t, err)

	f := &fixture{store: store, draftID: d.ID, clock: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	f.pipeline = commits.New(store, commits.Config{Now: func() time.Time {
		f.clock = f.clock.Add(time.Minute)
		return f.clock
	}})
	return f
}

func (f *fixture) commit(t *testing.T, name, path, content, message string) {
	t.Helper()
	_, err := f.pipeline.Commit(context.Background(), commits.Request{
		DraftID: f.draftID,
		Path:    path,
		Content: []byte(content),
		Message: message,
		Author:  commits.Author{Name: name, Email: name + "@example.com"},
	})
	require.NoError(t, err)
}

// =============================================================================
// Compute
// =============================================================================

func TestCompute_NewestFirstWithStats(t *testing.T) {
	f := newFixture(t)
	f.commit(t, "Author One", "doc.md", "line 1\n", "First")
	f.commit(t, "Author Two", "other.md", "unrelated\n", "Other file")
	f.commit(t, "Author Two", "doc.md", "line 1\nline 2\nline 3\n", "Second")

	view, err := history.Compute(context.Background(), f.store, "doc.md", f.draftID, 0)
	require.NoError(t, err)
	require.Len(t, view.Entries, 2)

	assert.Equal(t, "Second", view.Entries[0].Subject)
	assert.Equal(t, "Author Two", view.Entries[0].Author)
	assert.Equal(t, 2, view.Entries[0].Additions)
	assert.Equal(t, 0, view.Entries[0].Deletions)

	assert.Equal(t, "First", view.Entries[1].Subject)
	assert.Equal(t, 1, view.Entries[1].Additions)
	assert.False(t, view.Entries[1].Merge)

	assert.Equal(t, []string{"Author Two", "Author One"}, view.Contributors())
}

func TestCompute_Limit(t *testing.T) {
	f := newFixture(t)
	for _, content := range []string{"a\n", "b\n", "c\n"} {
		f.commit(t, "Author", "doc.md", content, "Edit "+content)
	}

	view, err := history.Compute(context.Background(), f.store, "doc.md", f.draftID, 2)
	require.NoError(t, err)
	assert.Len(t, view.Entries, 2)
}

func TestCompute_BinaryFileIsListed(t *testing.T) {
	f := newFixture(t)
	f.commit(t, "Author", "logo.png", "\x89PNG\x00\x01", "Add logo")

	view, err := history.Compute(context.Background(), f.store, "logo.png", f.draftID, 0)
	require.NoError(t, err)
	require.Len(t, view.Entries, 1)
	assert.Equal(t, "Add logo", view.Entries[0].Subject)
}

func TestCompute_UnknownLine(t *testing.T) {
	f := newFixture(t)

	_, err := history.Compute(context.Background(), f.store, "doc.md", "draft-0-none", 0)
	assert.True(t, ferrors.IsKind(err, ferrors.KindNotFound))
}

func TestCompute_UntrackedPathIsEmpty(t *testing.T) {
	f := newFixture(t)
	f.commit(t, "Author", "doc.md", "x\n", "Edit")

	view, err := history.Compute(context.Background(), f.store, "missing.md", f.draftID, 0)
	require.NoError(t, err)
	assert.Empty(t, view.Entries)
}

// =============================================================================
// Cache
// =============================================================================

func TestGetHistory_HitEqualsFreshComputation(t *testing.T) {
	f := newFixture(t)
	f.commit(t, "Author", "doc.md", "x\n", "Edit")
	cache := history.New(f.store, history.Config{})

	first, err := cache.GetHistory(context.Background(), "doc.md", f.draftID, 10)
	require.NoError(t, err)
	second, err := cache.GetHistory(context.Background(), "doc.md", f.draftID, 10)
	require.NoError(t, err)
	fresh, err := history.Compute(context.Background(), f.store, "doc.md", f.draftID, 10)
	require.NoError(t, err)

	assert.Equal(t, first.Entries, second.Entries)
	assert.Equal(t, fresh.Entries, second.Entries)

	hits, misses := cache.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}

func TestGetHistory_StaleWithinTTLThenRefreshed(t *testing.T) {
	f := newFixture(t)
	f.commit(t, "Author", "doc.md", "x\n", "Edit 1")
	cache := history.New(f.store, history.Config{TTL: 50 * time.Millisecond})

	view, err := cache.GetHistory(context.Background(), "doc.md", f.draftID, 0)
	require.NoError(t, err)
	require.Len(t, view.Entries, 1)

	f.commit(t, "Author", "doc.md", "y\n", "Edit 2")

	view, err = cache.GetHistory(context.Background(), "doc.md", f.draftID, 0)
	require.NoError(t, err)
	assert.Len(t, view.Entries, 1, "within the TTL the cached view is served")

	assert.Eventually(t, func() bool {
		view, err := cache.GetHistory(context.Background(), "doc.md", f.draftID, 0)
		return err == nil && len(view.Entries) == 2
	}, time.Second, 20*time.Millisecond)
}

func TestSetTTL_DropsViewsCachedUnderOldBound(t *testing.T) {
	f := newFixture(t)
	f.commit(t, "Author", "doc.md", "x\n", "Edit")
	cache := history.New(f.store, history.Config{TTL: time.Hour})

	_, err := cache.GetHistory(context.Background(), "doc.md", f.draftID, 0)
	require.NoError(t, err)
	require.Equal(t, 1, cache.Len())

	cache.SetTTL(time.Hour)
	assert.Equal(t, 1, cache.Len(), "an unchanged bound keeps the cache")

	cache.SetTTL(time.Minute)
	assert.Equal(t, time.Minute, cache.TTL())
	assert.Equal(t, 0, cache.Len())

	f.commit(t, "Author", "doc.md", "y\n", "Edit 2")
	view, err := cache.GetHistory(context.Background(), "doc.md", f.draftID, 0)
	require.NoError(t, err)
	assert.Len(t, view.Entries, 2)
}

func TestGetHistory_KeyIncludesLimit(t *testing.T) {
	f := newFixture(t)
	f.commit(t, "Author", "doc.md", "x\n", "Edit 1")
	f.commit(t, "Author", "doc.md", "y\n", "Edit 2")
	cache := history.New(f.store, history.Config{})

	one, err := cache.GetHistory(context.Background(), "doc.md", f.draftID, 1)
	require.NoError(t, err)
	all, err := cache.GetHistory(context.Background(), "doc.md", f.draftID, 0)
	require.NoError(t, err)

	assert.Len(t, one.Entries, 1)
	assert.Len(t, all.Entries, 2)
	assert.Equal(t, 2, cache.Len())

	cache.Purge()
	assert.Equal(t, 0, cache.Len())
}

func TestGetHistory_ReturnedViewIsACopy(t *testing.T) {
	f := newFixture(t)
	f.commit(t, "Author", "doc.md", "x\n", "Edit")
	cache := history.New(f.store, history.Config{})

	view, err := cache.GetHistory(context.Background(), "doc.md", f.draftID, 0)
	require.NoError(t, err)
	view.Entries[0].Subject = "mutated"

	again, err := cache.GetHistory(context.Background(), "doc.md", f.draftID, 0)
	require.NoError(t, err)
	assert.Equal(t, "Edit", again.Entries[0].Subject)
}
