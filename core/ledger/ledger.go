// Package ledger keeps the append-only audit record of mutating operations.
//
// Rows are only ever inserted. A failed insert is logged and swallowed so the
// audited operation's own outcome is never changed by the ledger.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adalundhe/folio/core/database"
)

// =============================================================================
// Types
// =============================================================================

// Kind names an audited operation.
type Kind string

const (
	KindCreateDraft  Kind = "create_draft"
	KindDiscardDraft Kind = "discard_draft"
	KindCommit       Kind = "commit"
	KindPublish      Kind = "publish"
	KindResolve      Kind = "resolve"
	KindMaterialize  Kind = "materialize"
)

// Record is one immutable ledger row.
type Record struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Actor      string    `json:"actor"`
	Target     string    `json:"target"`
	Success    bool      `json:"success"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Filter selects rows for Query. Zero fields match everything.
type Filter struct {
	Kind   Kind
	Actor  string
	Target string
	Since  time.Time
	Limit  int
}

const defaultQueryLimit = 100

// =============================================================================
// Schema
// =============================================================================

var migrations = []database.Migration{
	{
		Version:     1,
		Description: "operations table",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS operations (
					id          TEXT PRIMARY KEY,
					kind        TEXT NOT NULL,
					actor       TEXT NOT NULL,
					target      TEXT NOT NULL,
					success     INTEGER NOT NULL,
					duration_ms INTEGER NOT NULL,
					error       TEXT NOT NULL DEFAULT '',
					recorded_at INTEGER NOT NULL
				);
				CREATE INDEX IF NOT EXISTS idx_operations_kind ON operations(kind);
				CREATE INDEX IF NOT EXISTS idx_operations_actor ON operations(actor);
				CREATE INDEX IF NOT EXISTS idx_operations_recorded_at ON operations(recorded_at);
			`)
			return err
		},
	},
}

// =============================================================================
// Ledger
// =============================================================================

// Config configures a Ledger.
type Config struct {
	Now    func() time.Time
	Logger *slog.Logger
}

// Ledger appends operation records to a SQLite table.
type Ledger struct {
	pool   *database.Pool
	now    func() time.Time
	logger *slog.Logger
}

// Open opens (creating and migrating if needed) the ledger database at path.
func Open(ctx context.Context, path string, cfg Config) (*Ledger, error) {
	pool, err := database.Open(path, database.DefaultPoolConfig())
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	if err := database.NewMigrator(pool, migrations).Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}

	if err := pool.IntegrityCheck(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("check ledger: %w", err)
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Ledger{pool: pool, now: cfg.Now, logger: cfg.Logger}, nil
}

// Close releases the database.
func (l *Ledger) Close() error {
	return l.pool.Close()
}

// Record appends rec. Missing ID and Timestamp are filled in. Insert failures
// are logged at Warn and not returned.
func (l *Ledger) Record(ctx context.Context, rec Record) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now()
	}

	_, err := l.pool.Exec(context.WithoutCancel(ctx), `
		INSERT INTO operations (id, kind, actor, target, success, duration_ms, error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Kind), rec.Actor, rec.Target, rec.Success,
		rec.DurationMs, rec.Error, rec.Timestamp.UnixNano())
	if err != nil {
		l.logger.Warn("ledger write failed",
			slog.String("kind", string(rec.Kind)),
			slog.String("actor", rec.Actor),
			slog.String("target", rec.Target),
			slog.String("error", err.Error()))
	}
}

// Track runs fn and records its outcome exactly once. fn's error is returned
// unchanged.
func (l *Ledger) Track(ctx context.Context, kind Kind, actor, target string, fn func(context.Context) error) error {
	return l.TrackOutcome(ctx, kind, actor, target, func(ctx context.Context) (string, error) {
		return "", fn(ctx)
	})
}

// TrackOutcome is Track for operations that can end unsuccessfully without
// an error, such as a publish that stopped on conflicts. A non-empty detail
// with a nil error is recorded as a failure carrying that detail.
func (l *Ledger) TrackOutcome(ctx context.Context, kind Kind, actor, target string, fn func(context.Context) (string, error)) error {
	span := l.Begin(kind, actor, target)
	detail, err := fn(ctx)
	span.End(ctx, detail, err)
	return err
}

// Begin starts timing an operation whose target is only known once it has
// run. End records it.
func (l *Ledger) Begin(kind Kind, actor, target string) *Span {
	return &Span{
		ledger: l,
		start:  l.now(),
		rec:    Record{Kind: kind, Actor: actor, Target: target},
	}
}

// Span is one in-flight operation.
type Span struct {
	ledger *Ledger
	start  time.Time
	rec    Record
	once   sync.Once
}

// SetTarget replaces the recorded target.
func (s *Span) SetTarget(target string) { s.rec.Target = target }

// End records the span. Calls after the first are ignored.
func (s *Span) End(ctx context.Context, detail string, err error) {
	s.once.Do(func() {
		rec := s.rec
		rec.Success = err == nil && detail == ""
		rec.DurationMs = s.ledger.now().Sub(s.start).Milliseconds()
		rec.Error = detail
		if err != nil {
			rec.Error = err.Error()
		}
		s.ledger.Record(ctx, rec)
	})
}

// Query returns matching rows, newest first.
func (l *Ledger) Query(ctx context.Context, f Filter) ([]Record, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.Actor != "" {
		clauses = append(clauses, "actor = ?")
		args = append(args, f.Actor)
	}
	if f.Target != "" {
		clauses = append(clauses, "target = ?")
		args = append(args, f.Target)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "recorded_at >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if f.Limit <= 0 {
		f.Limit = defaultQueryLimit
	}

	query := "SELECT id, kind, actor, target, success, duration_ms, error, recorded_at FROM operations"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY recorded_at DESC, rowid DESC LIMIT ?"
	args = append(args, f.Limit)

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec  Record
			kind string
			ns   int64
		)
		if err := rows.Scan(&rec.ID, &kind, &rec.Actor, &rec.Target, &rec.Success,
			&rec.DurationMs, &rec.Error, &ns); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		rec.Kind = Kind(kind)
		rec.Timestamp = time.Unix(0, ns)
		out = append(out, rec)
	}
	return out, rows.Err()
}
