package merge_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/folio/core/commits"
	"github.com/adalundhe/folio/core/drafts"
	ferrors "github.com/adalundhe/folio/core/errors"
	"github.com/adalundhe/folio/core/merge"
	"github.com/adalundhe/folio/core/repository"
	"github.com/adalundhe/folio/core/repository/repotest"
)

var author = commits.Author{Name: "Editor", Email: "editor@example.com"}

type harness struct {
	t           *testing.T
	store       *repository.Store
	drafts      *drafts.Lifecycle
	pipeline    *commits.Pipeline
	coordinator *merge.Coordinator
}

type recordingPublisher struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingPublisher) Materialize(_ context.Context, line string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	return nil
}

func newHarness(t *testing.T, publisher merge.Materializer) *harness {
	t.Helper()

	store := repotest.New(t)
	cache, err := merge.NewConflictCache(nil)
	require.NoError(t, err)
	t.Cleanup(cache.Close)

	lifecycle := drafts.New(store, drafts.Config{})
	coordinator, err := merge.NewCoordinator(store, merge.Config{
		Cache:     cache,
		Drafts:    lifecycle,
		Publisher: publisher,
	})
	require.NoError(t, err)
	t.Cleanup(coordinator.Wait)

	return &harness{
		t:           t,
		store:       store,
		drafts:      lifecycle,
		pipeline:    commits.New(store, commits.Config{}),
		coordinator: coordinator,
	}
}

func (h *harness) draft(actor string) string {
	h.t.Helper()
	d, err := h.drafts.Create(context.Background(), actor)
	require.NoError(h.t, err)
	return d.ID
}

func (h *harness) write(draftID, path, content string) {
	h.t.Helper()
	_, err := h.pipeline.Commit(context.Background(), commits.Request{
		DraftID: draftID, Path: path, Content: []byte(content), Author: author,
	})
	require.NoError(h.t, err)
}

func (h *harness) seed(files map[string]string) {
	h.t.Helper()
	id := h.draft("seed")
	for p, content := range files {
		h.write(id, p, content)
	}
	result, err := h.coordinator.Publish(context.Background(), id)
	require.NoError(h.t, err)
	require.True(h.t, result.Merged)
}

func (h *harness) trunkFile(path string) string {
	h.t.Helper()
	head, err := h.store.TrunkHead()
	require.NoError(h.t, err)
	content, err := h.store.ReadFile(head, path)
	require.NoError(h.t, err)
	return string(content)
}

func (h *harness) refs() map[string]plumbing.Hash {
	h.t.Helper()
	refs, err := h.store.ListRefs("refs/")
	require.NoError(h.t, err)
	out := make(map[string]plumbing.Hash, len(refs))
	for _, r := range refs {
		out[r.Name().String()] = r.Hash()
	}
	return out
}

// =============================================================================
// Publish
// =============================================================================

func TestPublish_CleanMerge(t *testing.T) {
	publisher := &recordingPublisher{}
	h := newHarness(t, publisher)
	h.seed(map[string]string{"a.md": "X"})

	lifecycle := drafts.New(h.store, drafts.Config{Tokens: func(int) string { return "ab12" }})
	d, err := lifecycle.Create(context.Background(), "7")
	require.NoError(t, err)
	require.Equal(t, "draft-7-ab12", d.ID)

	h.write(d.ID, "a.md", "Y")
	before, err := h.store.TrunkHead()
	require.NoError(t, err)

	result, err := h.coordinator.Publish(context.Background(), d.ID)
	require.NoError(t, err)
	require.True(t, result.Merged)
	assert.Empty(t, result.Conflicts)
	assert.Equal(t, "Y", h.trunkFile("a.md"))

	head, err := h.store.TrunkHead()
	require.NoError(t, err)
	assert.Equal(t, result.Revision.Hash(), head)

	c, err := h.store.CommitObject(head)
	require.NoError(t, err)
	require.Len(t, c.ParentHashes, 2)
	assert.Equal(t, before, c.ParentHashes[0])

	has, err := h.store.HasRef(d.Ref())
	require.NoError(t, err)
	assert.False(t, has, "draft ref must be deleted")
	has, err = h.store.HasRef(repository.DraftMetaRef(d.ID))
	require.NoError(t, err)
	assert.False(t, has, "draft metadata must be deleted")

	h.coordinator.Wait()
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	assert.Contains(t, publisher.lines, "main")
}

func TestPublish_ConflictLeavesRefsUntouched(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(map[string]string{"a.md": "X"})

	first := h.draft("alice")
	second := h.draft("bob")
	h.write(first, "a.md", "Y")
	h.write(second, "a.md", "Z")

	result, err := h.coordinator.Publish(context.Background(), first)
	require.NoError(t, err)
	require.True(t, result.Merged)

	before := h.refs()
	result, err = h.coordinator.Publish(context.Background(), second)
	require.NoError(t, err)
	assert.False(t, result.Merged)
	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, "a.md", result.Conflicts[0].Path)
	assert.Equal(t, merge.KindContent, result.Conflicts[0].Kind)
	assert.Equal(t, before, h.refs())
	assert.Equal(t, "Y", h.trunkFile("a.md"))
}

func TestPublish_MissingDraft(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.coordinator.Publish(context.Background(), "draft-9-none")
	assert.True(t, ferrors.IsKind(err, ferrors.KindNotFound))
}

func TestPublish_ConcurrentDisjointDraftsAllLand(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(map[string]string{"index.md": "home"})

	const n = 6
	ids := make([]string, n)
	for i := range ids {
		ids[i] = h.draft(fmt.Sprintf("editor%d", i))
		h.write(ids[i], fmt.Sprintf("page%d.md", i), fmt.Sprintf("content %d", i))
	}

	var wg sync.WaitGroup
	results := make([]*merge.PublishResult, n)
	errs := make([]error, n)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.coordinator.Publish(context.Background(), ids[i])
		}(i)
	}
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		assert.True(t, results[i].Merged)
		assert.Equal(t, fmt.Sprintf("content %d", i), h.trunkFile(fmt.Sprintf("page%d.md", i)))
	}
	assert.Equal(t, "home", h.trunkFile("index.md"))

	// every publish built on the one before it
	head, err := h.store.TrunkHead()
	require.NoError(t, err)
	merges := 0
	for rev := head; ; {
		c, err := h.store.CommitObject(rev)
		require.NoError(t, err)
		if len(c.ParentHashes) < 2 {
			break
		}
		merges++
		rev = c.ParentHashes[0]
	}
	assert.Equal(t, n+1, merges)
}

func TestPublish_ConcurrentSameFileExactlyOneWins(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(map[string]string{"a.md": "X"})

	const n = 4
	ids := make([]string, n)
	for i := range ids {
		ids[i] = h.draft(fmt.Sprintf("editor%d", i))
		h.write(ids[i], "a.md", fmt.Sprintf("version %d", i))
	}

	var wg sync.WaitGroup
	results := make([]*merge.PublishResult, n)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := h.coordinator.Publish(context.Background(), ids[i])
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}
	wg.Wait()

	winners := 0
	for i, r := range results {
		require.NotNil(t, r)
		if r.Merged {
			winners++
			assert.Equal(t, fmt.Sprintf("version %d", i), h.trunkFile("a.md"))
		} else {
			assert.Equal(t, []string{"a.md"}, r.ConflictPaths())
		}
	}
	assert.Equal(t, 1, winners)
}

// =============================================================================
// Conflict detection
// =============================================================================

func TestDetectConflicts_SecondDraftSeesContentConflict(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(map[string]string{"a.md": "X"})

	first := h.draft("alice")
	second := h.draft("bob")
	h.write(first, "a.md", "Y")
	h.write(second, "a.md", "Z")

	records, err := h.coordinator.DetectConflicts(context.Background(), second)
	require.NoError(t, err)
	assert.Empty(t, records, "nothing conflicts before the first publish")

	result, err := h.coordinator.Publish(context.Background(), first)
	require.NoError(t, err)
	require.True(t, result.Merged)

	records, err = h.coordinator.DetectConflicts(context.Background(), second)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, second, records[0].DraftID)
	assert.Equal(t, "a.md", records[0].Path)
	assert.Equal(t, merge.KindContent, records[0].Kind)
}

func TestDetectConflicts_DoesNotMutateRefs(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(map[string]string{"a.md": "X", "b.md": "B"})

	first := h.draft("alice")
	second := h.draft("bob")
	h.write(first, "a.md", "Y")
	h.write(second, "a.md", "Z")
	_, err := h.coordinator.Publish(context.Background(), first)
	require.NoError(t, err)

	before := h.refs()
	for i := 0; i < 3; i++ {
		_, err := h.coordinator.DetectConflicts(context.Background(), second)
		require.NoError(t, err)
		_, err = h.coordinator.DetectConflictsFresh(context.Background(), second)
		require.NoError(t, err)
	}
	assert.Equal(t, before, h.refs())
}

func TestDetectConflicts_DeleteAndBinaryKinds(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(map[string]string{"a.md": "X", "logo.png": "\x89PNG\x00one"})

	trunkSide := h.draft("trunk")
	draftSide := h.draft("editor")

	h.write(trunkSide, "a.md", "edited on trunk")
	h.write(trunkSide, "logo.png", "\x89PNG\x00two")
	result, err := h.coordinator.Publish(context.Background(), trunkSide)
	require.NoError(t, err)
	require.True(t, result.Merged)

	_, err = h.pipeline.Commit(context.Background(), commits.Request{
		DraftID: draftSide, Path: "a.md", Delete: true, Author: author,
	})
	require.NoError(t, err)
	h.write(draftSide, "logo.png", "\x89PNG\x00three")

	records, err := h.coordinator.DetectConflicts(context.Background(), draftSide)
	require.NoError(t, err)
	require.Len(t, records, 2)

	kinds := map[string]merge.ConflictKind{}
	for _, r := range records {
		kinds[r.Path] = r.Kind
	}
	assert.Equal(t, merge.KindDelete, kinds["a.md"])
	assert.Equal(t, merge.KindBinary, kinds["logo.png"])
}

func TestDetectConflicts_CacheHitMatchesFresh(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(map[string]string{"a.md": "X"})

	first := h.draft("alice")
	second := h.draft("bob")
	h.write(first, "a.md", "Y")
	h.write(second, "a.md", "Z")
	_, err := h.coordinator.Publish(context.Background(), first)
	require.NoError(t, err)

	fresh, err := h.coordinator.DetectConflicts(context.Background(), second)
	require.NoError(t, err)
	hitsBefore := h.coordinator.Cache().Stats().Hits

	cached, err := h.coordinator.DetectConflicts(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, fresh, cached)
	assert.Greater(t, h.coordinator.Cache().Stats().Hits, hitsBefore)

	// a new draft tip is a new key
	h.write(second, "a.md", "Y")
	records, err := h.coordinator.DetectConflicts(context.Background(), second)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestScanAll(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(map[string]string{"a.md": "X", "b.md": "B"})

	winner := h.draft("alice")
	h.write(winner, "a.md", "Y")
	h.write(winner, "b.md", "B2")

	loserA := h.draft("bob")
	h.write(loserA, "a.md", "Z")
	loserB := h.draft("carol")
	h.write(loserB, "b.md", "B3")
	clean := h.draft("dave")
	h.write(clean, "c.md", "C")

	result, err := h.coordinator.Publish(context.Background(), winner)
	require.NoError(t, err)
	require.True(t, result.Merged)

	records, err := h.coordinator.ScanAll(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)

	got := []string{records[0].DraftID + ":" + records[0].Path, records[1].DraftID + ":" + records[1].Path}
	want := []string{loserA + ":a.md", loserB + ":b.md"}
	sort.Strings(want)
	assert.Equal(t, want, got)

	again, err := h.coordinator.ScanAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, records, again)
}
