package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConflictCache_IndexDropsExpiredKeys(t *testing.T) {
	cache, err := NewConflictCache(&CacheConfig{TTL: 20 * time.Millisecond})
	require.NoError(t, err)
	defer cache.Close()

	const draft = "draft-7-ab12"
	trunk := blob("trunk")
	for i := 0; i < 10; i++ {
		cache.Set(draft, trunk, blob(string(rune('a'+i))), []ConflictRecord{{DraftID: draft, Path: "a.md"}})
	}
	assert.Equal(t, 10, cache.indexed(draft))

	time.Sleep(50 * time.Millisecond)

	cache.Set(draft, trunk, blob("latest"), nil)
	assert.Equal(t, 1, cache.indexed(draft))

	_, ok := cache.Get(trunk, blob("latest"))
	assert.True(t, ok)
}

func TestConflictCache_InvalidateDraft(t *testing.T) {
	cache, err := NewConflictCache(nil)
	require.NoError(t, err)
	defer cache.Close()

	trunk, tip := blob("trunk"), blob("tip")
	cache.Set("draft-7-ab12", trunk, tip, []ConflictRecord{{Path: "a.md"}})
	cache.Set("draft-8-cd34", trunk, blob("other"), nil)

	cache.InvalidateDraft("draft-7-ab12")

	_, ok := cache.Get(trunk, tip)
	assert.False(t, ok)
	assert.Zero(t, cache.indexed("draft-7-ab12"))

	_, ok = cache.Get(trunk, blob("other"))
	assert.True(t, ok)
}

func TestConflictCache_SetTTLAppliesToNewEntries(t *testing.T) {
	cache, err := NewConflictCache(&CacheConfig{TTL: time.Hour})
	require.NoError(t, err)
	defer cache.Close()

	trunk := blob("trunk")
	cache.Set("draft-7-ab12", trunk, blob("before"), nil)

	cache.SetTTL(20 * time.Millisecond)
	cache.SetTTL(0)
	assert.Equal(t, 20*time.Millisecond, cache.TTL())

	cache.Set("draft-7-ab12", trunk, blob("after"), nil)
	time.Sleep(50 * time.Millisecond)

	_, ok := cache.Get(trunk, blob("after"))
	assert.False(t, ok)
	_, ok = cache.Get(trunk, blob("before"))
	assert.True(t, ok)
}
