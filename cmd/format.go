package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// =============================================================================
// Output Format Type
// =============================================================================

// OutputFormat represents the output format for commands.
type OutputFormat string

const (
	// OutputTable outputs as formatted table.
	OutputTable OutputFormat = "table"
	// OutputJSON outputs as JSON.
	OutputJSON OutputFormat = "json"
	// OutputPlain outputs as plain text.
	OutputPlain OutputFormat = "plain"
)

func parseOutputFormat(s string) OutputFormat {
	switch strings.ToLower(s) {
	case "json":
		return OutputJSON
	case "plain":
		return OutputPlain
	default:
		return OutputTable
	}
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// =============================================================================
// Time Parsing
// =============================================================================

// parseSince accepts absolute dates (2006-01-02, RFC3339) and relative
// durations (24h, 7d, 2w, 3m, 1y) counted back from now.
func parseSince(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if len(s) < 2 {
		return time.Time{}, fmt.Errorf("unsupported duration format: %s", s)
	}

	var n int
	if _, err := fmt.Sscanf(s[:len(s)-1], "%d", &n); err != nil || n < 0 {
		return time.Time{}, fmt.Errorf("unsupported duration format: %s", s)
	}

	switch s[len(s)-1] {
	case 'h':
		return now.Add(-time.Duration(n) * time.Hour), nil
	case 'd':
		return now.AddDate(0, 0, -n), nil
	case 'w':
		return now.AddDate(0, 0, -n*7), nil
	case 'm':
		return now.AddDate(0, -n, 0), nil
	case 'y':
		return now.AddDate(-n, 0, 0), nil
	}
	return time.Time{}, fmt.Errorf("unsupported duration format: %s", s)
}
