package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindString(t *testing.T) {
	assert.Equal(t, "not_found", KindNotFound.String())
	assert.Equal(t, "collision", KindCollision.String())
	assert.Equal(t, "repository_unavailable", KindRepositoryUnavailable.String())
	assert.Equal(t, "unknown", Kind(99).String())
}

func TestErrorIsMatchesKind(t *testing.T) {
	err := NotFound("draft.discard", "draft-1-ab12 does not exist")

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrCollision))

	wrapped := fmt.Errorf("outer: %w", err)
	assert.True(t, errors.Is(wrapped, ErrNotFound))
}

func TestErrorMessage(t *testing.T) {
	err := WriteFailure("commit", errors.New("disk full"))
	assert.Equal(t, "[write_failure] commit: write failed: disk full", err.Error())

	bare := Validation("", "path is absolute")
	assert.Equal(t, "[validation_failure]: path is absolute", bare.Error())
}

func TestWrapPreservesKind(t *testing.T) {
	inner := Collision("draft.create", "ref exists")
	outer := Wrap(KindWriteFailure, "engine.create", "create draft", inner)

	kind, ok := GetKind(outer)
	require.True(t, ok)
	assert.Equal(t, KindCollision, kind)

	assert.Nil(t, Wrap(KindNotFound, "op", "msg", nil))

	plain := Wrap(KindNotFound, "op", "msg", errors.New("boom"))
	assert.True(t, IsKind(plain, KindNotFound))
}

func TestGetKindUnclassified(t *testing.T) {
	kind, ok := GetKind(errors.New("raw"))
	assert.False(t, ok)
	assert.Equal(t, KindRepositoryUnavailable, kind)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Collision("op", "taken")))
	assert.True(t, IsRetryable(Unavailable("op", errors.New("lock timeout"))))
	assert.False(t, IsRetryable(NotFound("op", "gone")))
	assert.False(t, IsRetryable(errors.New("raw")))
}

func TestWithContext(t *testing.T) {
	err := Collision("draft.create", "taken").WithContext("draft_id", "draft-7-ab12")
	assert.Equal(t, "draft-7-ab12", err.Context["draft_id"])
}

func TestResourceTrackerCleanupOrder(t *testing.T) {
	tracker := NewResourceTracker()
	var order []string

	for _, id := range []string{"a", "b", "c"} {
		id := id
		tracker.Track(&IntermediateResource{
			ResourceID: id,
			Cleanup: func() error {
				order = append(order, id)
				return nil
			},
		})
	}

	errs := tracker.CleanupAll()
	assert.Empty(t, errs)
	assert.Equal(t, []string{"c", "b", "a"}, order)

	tracker.CleanupAll()
	assert.Len(t, order, 3)
}

func TestResourceTrackerClear(t *testing.T) {
	tracker := NewResourceTracker()
	called := false
	tracker.Track(&IntermediateResource{Cleanup: func() error { called = true; return nil }})

	tracker.Clear()
	tracker.CleanupAll()
	assert.False(t, called)
}

func TestRollbackEscalatesCleanupFailure(t *testing.T) {
	cause := WriteFailure("snapshot", errors.New("no space"))

	clean := NewResourceTracker()
	clean.Track(&IntermediateResource{Cleanup: func() error { return nil }})
	assert.Same(t, cause, clean.Rollback("snapshot", cause))

	dirty := NewResourceTracker()
	dirty.Track(&IntermediateResource{Cleanup: func() error { return errors.New("rm failed") }})
	err := dirty.Rollback("snapshot", cause)
	assert.True(t, IsKind(err, KindRepositoryUnavailable))
	assert.ErrorContains(t, err, "rm failed")
}
