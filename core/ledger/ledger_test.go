package ledger_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/folio/core/ledger"
)

func openLedger(t *testing.T, cfg ledger.Config) *ledger.Ledger {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	l, err := ledger.Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndQuery(t *testing.T) {
	l := openLedger(t, ledger.Config{})
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	l.Record(ctx, ledger.Record{Kind: ledger.KindCreateDraft, Actor: "7", Target: "draft-7-ab12", Success: true, Timestamp: base})
	l.Record(ctx, ledger.Record{Kind: ledger.KindCommit, Actor: "7", Target: "draft-7-ab12", Success: true, DurationMs: 12, Timestamp: base.Add(time.Minute)})
	l.Record(ctx, ledger.Record{Kind: ledger.KindPublish, Actor: "9", Target: "draft-9-cd34", Error: "conflicts in 1 file(s)", Timestamp: base.Add(2 * time.Minute)})

	all, err := l.Query(ctx, ledger.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ledger.KindPublish, all[0].Kind)
	assert.Equal(t, ledger.KindCreateDraft, all[2].Kind)
	assert.NotEmpty(t, all[0].ID)
	assert.True(t, all[0].Timestamp.Equal(base.Add(2*time.Minute)))

	byActor, err := l.Query(ctx, ledger.Filter{Actor: "7"})
	require.NoError(t, err)
	assert.Len(t, byActor, 2)

	byKind, err := l.Query(ctx, ledger.Filter{Kind: ledger.KindCommit})
	require.NoError(t, err)
	require.Len(t, byKind, 1)
	assert.Equal(t, int64(12), byKind[0].DurationMs)

	since, err := l.Query(ctx, ledger.Filter{Since: base.Add(30 * time.Second)})
	require.NoError(t, err)
	assert.Len(t, since, 2)

	limited, err := l.Query(ctx, ledger.Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	failed, err := l.Query(ctx, ledger.Filter{Target: "draft-9-cd34"})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.False(t, failed[0].Success)
	assert.Equal(t, "conflicts in 1 file(s)", failed[0].Error)
}

func TestTrackRecordsExactlyOnce(t *testing.T) {
	l := openLedger(t, ledger.Config{})
	ctx := context.Background()

	calls := 0
	err := l.Track(ctx, ledger.KindCommit, "7", "draft-7-ab12", func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	boom := errors.New("boom")
	err = l.Track(ctx, ledger.KindCommit, "7", "draft-7-ab12", func(context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	records, err := l.Query(ctx, ledger.Filter{Kind: ledger.KindCommit})
	require.NoError(t, err)
	require.Len(t, records, 2)

	var ok, failed int
	for _, r := range records {
		if r.Success {
			ok++
		} else {
			failed++
			assert.Equal(t, "boom", r.Error)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, failed)
}

func TestTrackOutcomeRecordsDetailAsFailure(t *testing.T) {
	l := openLedger(t, ledger.Config{})
	ctx := context.Background()

	err := l.TrackOutcome(ctx, ledger.KindPublish, "7", "draft-7-ab12", func(context.Context) (string, error) {
		return "conflicts in 2 file(s)", nil
	})
	require.NoError(t, err)

	records, err := l.Query(ctx, ledger.Filter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.False(t, records[0].Success)
	assert.Equal(t, "conflicts in 2 file(s)", records[0].Error)
}

func TestTrackDurationUsesClock(t *testing.T) {
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	l := openLedger(t, ledger.Config{Now: func() time.Time {
		clock = clock.Add(250 * time.Millisecond)
		return clock
	}})
	ctx := context.Background()

	require.NoError(t, l.Track(ctx, ledger.KindMaterialize, "system", "main", func(context.Context) error { return nil }))

	records, err := l.Query(ctx, ledger.Filter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(250), records[0].DurationMs)
}

func TestWriteFailureDoesNotChangeOutcome(t *testing.T) {
	var logs bytes.Buffer
	l := openLedger(t, ledger.Config{Logger: slog.New(slog.NewTextHandler(&logs, nil))})
	require.NoError(t, l.Close())

	err := l.Track(context.Background(), ledger.KindCommit, "7", "draft-7-ab12", func(context.Context) error {
		return nil
	})
	assert.NoError(t, err)
	assert.Contains(t, logs.String(), "ledger write failed")
}

func TestReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()
	cfg := ledger.Config{Logger: slog.New(slog.DiscardHandler)}

	l, err := ledger.Open(ctx, path, cfg)
	require.NoError(t, err)
	l.Record(ctx, ledger.Record{Kind: ledger.KindCreateDraft, Actor: "7", Target: "draft-7-ab12", Success: true})
	require.NoError(t, l.Close())

	l, err = ledger.Open(ctx, path, cfg)
	require.NoError(t, err)
	defer l.Close()

	records, err := l.Query(ctx, ledger.Filter{})
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestOpenRejectsDamagedDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("not a database "), 512), 0644))

	_, err := ledger.Open(context.Background(), path, ledger.Config{Logger: slog.New(slog.DiscardHandler)})
	assert.Error(t, err)
}

func TestConcurrentRecords(t *testing.T) {
	l := openLedger(t, ledger.Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Record(ctx, ledger.Record{Kind: ledger.KindCommit, Actor: "7", Target: "draft-7-ab12", Success: true})
		}()
	}
	wg.Wait()

	records, err := l.Query(ctx, ledger.Filter{Limit: 100})
	require.NoError(t, err)
	assert.Len(t, records, 20)
}

func TestSpanTargetAndSingleRecord(t *testing.T) {
	l := openLedger(t, ledger.Config{})
	ctx := context.Background()

	span := l.Begin(ledger.KindCreateDraft, "7", "")
	span.SetTarget("draft-7-ab12")
	span.End(ctx, "", nil)
	span.End(ctx, "", errors.New("ignored"))

	records, err := l.Query(ctx, ledger.Filter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "draft-7-ab12", records[0].Target)
	assert.True(t, records[0].Success)
}
