package cmd

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/folio/core/history"
	"github.com/adalundhe/folio/core/ledger"
	"github.com/adalundhe/folio/core/merge"
)

// =============================================================================
// Format Parsing Tests
// =============================================================================

func TestParseOutputFormat(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected OutputFormat
	}{
		{name: "json format", input: "json", expected: OutputJSON},
		{name: "JSON uppercase", input: "JSON", expected: OutputJSON},
		{name: "plain format", input: "plain", expected: OutputPlain},
		{name: "table format", input: "table", expected: OutputTable},
		{name: "default for unknown", input: "unknown", expected: OutputTable},
		{name: "empty string", input: "", expected: OutputTable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseOutputFormat(tt.input))
		})
	}
}

// =============================================================================
// Duration Parsing Tests
// =============================================================================

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		input       string
		expected    time.Time
		shouldError bool
	}{
		{name: "hours", input: "24h", expected: now.Add(-24 * time.Hour)},
		{name: "days", input: "7d", expected: now.AddDate(0, 0, -7)},
		{name: "weeks", input: "2w", expected: now.AddDate(0, 0, -14)},
		{name: "months", input: "3m", expected: now.AddDate(0, -3, 0)},
		{name: "years", input: "1y", expected: now.AddDate(-1, 0, 0)},
		{name: "absolute date", input: "2026-01-02", expected: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)},
		{name: "rfc3339", input: "2026-01-02T03:04:05Z", expected: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
		{name: "unknown unit", input: "5q", shouldError: true},
		{name: "not a number", input: "xd", shouldError: true},
		{name: "too short", input: "d", shouldError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := parseSince(tt.input, now)
			if tt.shouldError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.expected.Equal(result), "got %s", result)
		})
	}
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "short", truncateString("short", 10))
	assert.Equal(t, "abcdefg...", truncateString("abcdefghijklmnop", 10))
}

// =============================================================================
// Output Tests
// =============================================================================

func TestFormatConflictOutput(t *testing.T) {
	records := []merge.ConflictRecord{
		{DraftID: "draft-7-ab12", Path: "a.md", Kind: merge.KindContent, Base: "1111111111", Theirs: "2222222222", Ours: "3333333333"},
		{DraftID: "draft-7-ab12", Path: "b.md", Kind: merge.KindDelete, Base: "4444444444", Ours: "5555555555"},
	}

	var buf bytes.Buffer
	require.NoError(t, formatConflictOutput(&buf, records, OutputTable))
	assert.Contains(t, buf.String(), "DRAFT")
	assert.Contains(t, buf.String(), "a.md")
	assert.Contains(t, buf.String(), "(absent)")

	buf.Reset()
	require.NoError(t, formatConflictOutput(&buf, records, OutputPlain))
	assert.Contains(t, buf.String(), "draft-7-ab12 b.md: delete conflict")

	buf.Reset()
	require.NoError(t, formatConflictOutput(&buf, nil, OutputJSON))
	assert.JSONEq(t, "[]", buf.String())

	buf.Reset()
	require.NoError(t, formatConflictOutput(&buf, nil, OutputTable))
	assert.Equal(t, "No conflicts.\n", buf.String())
}

func TestFormatPublishOutput(t *testing.T) {
	var buf bytes.Buffer
	err := formatPublishOutput(&buf, "draft-7-ab12", &merge.PublishResult{Merged: true, Revision: "0123456789abcdef"}, OutputTable)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Published draft-7-ab12")

	buf.Reset()
	err = formatPublishOutput(&buf, "draft-7-ab12", &merge.PublishResult{
		Conflicts: []merge.ConflictRecord{{Path: "a.md", Kind: merge.KindBinary}},
	}, OutputJSON)
	assert.ErrorIs(t, err, errUnmerged)

	var decoded merge.PublishResult
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.False(t, decoded.Merged)
	assert.Equal(t, []string{"a.md"}, decoded.ConflictPaths())
}

func TestFormatHistoryOutput(t *testing.T) {
	view := &history.View{
		Path: "a.md",
		Entries: []history.Entry{{
			Revision:  "0123456789abcdef",
			Author:    "Alice",
			Email:     "alice@example.com",
			When:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
			Subject:   "Update a.md",
			Additions: 3,
			Deletions: 1,
		}},
	}

	var buf bytes.Buffer
	require.NoError(t, formatHistoryOutput(&buf, view, OutputTable))
	assert.Contains(t, buf.String(), "+3 -1")
	assert.Contains(t, buf.String(), "Update a.md")

	buf.Reset()
	require.NoError(t, formatHistoryOutput(&buf, view, OutputPlain))
	assert.Contains(t, buf.String(), "Author: Alice <alice@example.com>")

	buf.Reset()
	require.NoError(t, formatHistoryOutput(&buf, &history.View{}, OutputTable))
	assert.Equal(t, "No revisions found.\n", buf.String())
}

func TestFormatLedgerOutput(t *testing.T) {
	records := []ledger.Record{
		{Kind: ledger.KindPublish, Actor: "7", Target: "draft-7-ab12", Error: "conflicts in 1 file(s)", DurationMs: 4},
		{Kind: ledger.KindCommit, Actor: "Alice", Target: "draft-7-ab12", Success: true},
	}

	var buf bytes.Buffer
	require.NoError(t, formatLedgerOutput(&buf, records, OutputTable))
	assert.Contains(t, buf.String(), "conflicts in 1 file(s)")
	assert.Contains(t, buf.String(), "4ms")

	buf.Reset()
	require.NoError(t, formatLedgerOutput(&buf, records, OutputPlain))
	assert.Contains(t, buf.String(), "failed: conflicts in 1 file(s)")
	assert.Contains(t, buf.String(), " ok\n")
}
