// Package engine wires the draft/publish components around one repository
// handle and audits every mutating call in the operation ledger.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adalundhe/folio/core/commits"
	"github.com/adalundhe/folio/core/config"
	"github.com/adalundhe/folio/core/drafts"
	ferrors "github.com/adalundhe/folio/core/errors"
	"github.com/adalundhe/folio/core/history"
	"github.com/adalundhe/folio/core/ledger"
	"github.com/adalundhe/folio/core/merge"
	"github.com/adalundhe/folio/core/pathrules"
	"github.com/adalundhe/folio/core/repository"
	"github.com/adalundhe/folio/core/resolve"
	"github.com/adalundhe/folio/core/snapshot"
)

// SystemActor is recorded for operations no editor initiated.
const SystemActor = "system"

// Options carries the collaborators the configuration file cannot express.
type Options struct {
	// Create initializes the repository when it does not exist yet.
	Create bool

	// Sessions is the editing collaborator's session index. Optional.
	Sessions drafts.SessionIndex

	// Renderer turns source files into served files. Defaults to passthrough.
	Renderer snapshot.Renderer

	// Publisher signs publish revisions.
	Publisher commits.Author

	// Config, when set, is followed after New: each reload applies its
	// cache TTLs, validation rules and stale-draft age to the running
	// engine. Repository, lock and snapshot settings need a new engine.
	Config *config.Manager

	// WatchConfig reloads Config whenever one of its files changes.
	WatchConfig bool

	Logger *slog.Logger
}

// Engine is the single entry point for editing collaborators.
type Engine struct {
	cfgMu    sync.RWMutex
	cfg      config.Config
	closed   atomic.Bool
	sessions drafts.SessionIndex
	logger   *slog.Logger

	store       *repository.Store
	drafts      *drafts.Lifecycle
	pipeline    *commits.Pipeline
	cache       *merge.ConflictCache
	coordinator *merge.Coordinator
	resolver    *resolve.Resolver
	history     *history.Cache
	publisher   *snapshot.Publisher
	ledger      *ledger.Ledger
}

// New opens (or with opts.Create, initializes) the repository named by cfg
// and wires every component to it.
func New(ctx context.Context, cfg config.Config, opts Options) (*Engine, error) {
	const op = "engine.new"

	if err := cfg.Validate(); err != nil {
		return nil, ferrors.Validation(op, err.Error())
	}
	if cfg.Snapshot.Dir == "" || cfg.Ledger.Path == "" {
		return nil, ferrors.Validation(op, "snapshot.dir and ledger.path must be set")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger

	validator, err := pathrules.New(pathrules.Config{
		MaxContentBytes: cfg.Validation.MaxContentBytes,
		DenyPatterns:    cfg.Validation.DenyPatterns,
		AllowHidden:     cfg.Validation.AllowHidden,
	})
	if err != nil {
		return nil, ferrors.Validation(op, err.Error())
	}

	repoOpts := repository.Options{
		Trunk:       cfg.Repository.Trunk,
		LockTimeout: cfg.Locks.AcquireTimeout,
		Logger:      logger,
	}
	open := repository.Open
	if opts.Create {
		open = repository.Init
	}
	store, err := open(cfg.Repository.Path, repoOpts)
	if err != nil {
		return nil, err
	}

	tracker := ferrors.NewResourceTracker()
	tracker.Track(&ferrors.IntermediateResource{
		ResourceID:  store.Path(),
		Description: "repository handle",
		Cleanup:     store.Close,
	})

	book, err := ledger.Open(ctx, ledgerPath(cfg, store), ledger.Config{Logger: logger})
	if err != nil {
		return nil, tracker.Rollback(op, ferrors.Unavailable(op, err))
	}
	tracker.Track(&ferrors.IntermediateResource{
		ResourceID:  cfg.Ledger.Path,
		Description: "ledger",
		Cleanup:     book.Close,
	})

	cache, err := merge.NewConflictCache(&merge.CacheConfig{
		MaxCost: cfg.Cache.ConflictMaxCost,
		TTL:     cfg.Cache.ConflictTTL,
	})
	if err != nil {
		return nil, tracker.Rollback(op, ferrors.Unavailable(op, err))
	}
	tracker.Track(&ferrors.IntermediateResource{
		ResourceID:  "conflict-cache",
		Description: "conflict cache",
		Cleanup:     func() error { cache.Close(); return nil },
	})

	publisher, err := snapshot.New(store, snapshot.Config{
		Dir:          cfg.Snapshot.Dir,
		HistoryDepth: cfg.Snapshot.HistoryDepth,
		Workers:      cfg.Snapshot.Workers,
		Renderer:     opts.Renderer,
		Logger:       logger,
	})
	if err != nil {
		return nil, tracker.Rollback(op, ferrors.Validation(op, err.Error()))
	}

	lifecycle := drafts.New(store, drafts.Config{
		TokenLength: cfg.Drafts.TokenLength,
		MaxAttempts: cfg.Drafts.MaxAttempts,
		Logger:      logger,
	})
	pipeline := commits.New(store, commits.Config{Validator: validator, Logger: logger})

	coordinator, err := merge.NewCoordinator(store, merge.Config{
		Cache:     cache,
		Drafts:    lifecycle,
		Publisher: &auditedMaterializer{publisher: publisher, ledger: book},
		Author:    opts.Publisher,
		Logger:    logger,
	})
	if err != nil {
		return nil, tracker.Rollback(op, ferrors.Validation(op, err.Error()))
	}
	tracker.Clear()

	logger.Info("engine ready",
		slog.String("repository", store.Path()),
		slog.String("trunk", store.Trunk()))

	e := &Engine{
		cfg:         cfg,
		sessions:    opts.Sessions,
		logger:      logger,
		store:       store,
		drafts:      lifecycle,
		pipeline:    pipeline,
		cache:       cache,
		coordinator: coordinator,
		resolver:    resolve.New(store, pipeline, coordinator, resolve.Config{Logger: logger}),
		history: history.New(store, history.Config{
			Size:   cfg.Cache.HistorySize,
			TTL:    cfg.Cache.HistoryTTL,
			Logger: logger,
		}),
		publisher: publisher,
		ledger:    book,
	}

	if opts.Config != nil {
		opts.Config.OnChange(e.reconfigure)
		if opts.WatchConfig {
			if err := opts.Config.Watch(config.DefaultReloadDebounce, logger); err != nil {
				logger.Warn("config changes not watched", slog.String("error", err.Error()))
			}
		}
	}
	return e, nil
}

// reconfigure applies the reloadable part of cfg. Rules that fail to compile
// leave the running engine untouched.
func (e *Engine) reconfigure(cfg *config.Config) {
	if e.closed.Load() {
		return
	}

	validator, err := pathrules.New(pathrules.Config{
		MaxContentBytes: cfg.Validation.MaxContentBytes,
		DenyPatterns:    cfg.Validation.DenyPatterns,
		AllowHidden:     cfg.Validation.AllowHidden,
	})
	if err != nil {
		e.logger.Warn("reloaded validation rules rejected", slog.String("error", err.Error()))
		return
	}

	e.pipeline.SetValidator(validator)
	e.cache.SetTTL(cfg.Cache.ConflictTTL)
	e.history.SetTTL(cfg.Cache.HistoryTTL)

	e.cfgMu.Lock()
	e.cfg.Validation = cfg.Validation
	e.cfg.Cache.ConflictTTL = cfg.Cache.ConflictTTL
	e.cfg.Cache.HistoryTTL = cfg.Cache.HistoryTTL
	e.cfg.Drafts.StaleAfter = cfg.Drafts.StaleAfter
	e.cfgMu.Unlock()

	e.logger.Info("engine reconfigured",
		slog.Duration("conflict_ttl", cfg.Cache.ConflictTTL),
		slog.Duration("history_ttl", cfg.Cache.HistoryTTL),
		slog.Int("deny_patterns", len(cfg.Validation.DenyPatterns)))
}

func ledgerPath(cfg config.Config, store *repository.Store) string {
	if filepath.IsAbs(cfg.Ledger.Path) {
		return cfg.Ledger.Path
	}
	return filepath.Join(store.Path(), cfg.Ledger.Path)
}

// Close waits for background work and releases the repository, ledger and
// caches.
func (e *Engine) Close() error {
	e.closed.Store(true)
	e.coordinator.Wait()
	e.cache.Close()
	return errors.Join(e.ledger.Close(), e.store.Close())
}

// Wait blocks until background snapshot materializations have finished.
func (e *Engine) Wait() { e.coordinator.Wait() }

// Store returns the repository handle.
func (e *Engine) Store() *repository.Store { return e.store }

// Ledger returns the operation ledger for read-only tooling.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Config returns the configuration in effect, including reloaded settings.
func (e *Engine) Config() config.Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// =============================================================================
// Drafts
// =============================================================================

// CreateDraft branches a new draft for actorID from trunk.
func (e *Engine) CreateDraft(ctx context.Context, actorID string) (*drafts.DraftLine, error) {
	span := e.ledger.Begin(ledger.KindCreateDraft, actorID, "")
	d, err := e.drafts.Create(ctx, actorID)
	if d != nil {
		span.SetTarget(d.ID)
	}
	span.End(ctx, "", err)
	return d, err
}

// CreateDraftForTarget creates a draft unless the session index already maps
// (actorID, target) to one; that case is a Collision carrying the existing
// draft in its "draft" context.
func (e *Engine) CreateDraftForTarget(ctx context.Context, actorID, target string) (*drafts.DraftLine, error) {
	span := e.ledger.Begin(ledger.KindCreateDraft, actorID, target)
	d, err := e.drafts.CreateForTarget(ctx, actorID, target, e.sessions)
	if d != nil {
		span.SetTarget(d.ID)
	}
	span.End(ctx, "", err)
	return d, err
}

// DiscardDraft deletes a draft. sessionsCleared confirms that no edit
// session references it.
func (e *Engine) DiscardDraft(ctx context.Context, draftID string, sessionsCleared bool) error {
	cleared := sessionsCleared
	if !cleared && e.sessions != nil {
		cleared = !e.sessions.Active(draftID)
	}

	return e.ledger.Track(ctx, ledger.KindDiscardDraft, actorOf(draftID), draftID, func(ctx context.Context) error {
		err := e.drafts.Discard(ctx, draftID, drafts.DiscardOptions{SessionsCleared: cleared})
		if err == nil {
			e.cache.InvalidateDraft(draftID)
		}
		return err
	})
}

// GetDraft returns a draft with its current tip.
func (e *Engine) GetDraft(draftID string) (*drafts.DraftLine, error) {
	return e.drafts.Get(draftID)
}

// ListDrafts returns every draft.
func (e *Engine) ListDrafts() ([]*drafts.DraftLine, error) {
	return e.drafts.List()
}

// StaleDrafts lists drafts older than olderThan that no session references,
// for the external cleanup scheduler. Zero means drafts.stale_after.
func (e *Engine) StaleDrafts(olderThan time.Duration) ([]*drafts.DraftLine, error) {
	if olderThan <= 0 {
		olderThan = e.Config().Drafts.StaleAfter
	}
	return e.drafts.Stale(olderThan, e.sessions)
}

// =============================================================================
// Commits
// =============================================================================

// Commit records one file change on a draft.
func (e *Engine) Commit(ctx context.Context, req commits.Request) (repository.RevisionID, error) {
	var rev repository.RevisionID
	err := e.ledger.Track(ctx, ledger.KindCommit, req.Author.Name, req.DraftID, func(ctx context.Context) error {
		var err error
		rev, err = e.pipeline.Commit(ctx, req)
		return err
	})
	return rev, err
}

// =============================================================================
// Merge
// =============================================================================

// DetectConflicts reports what a publish of draftID would conflict on.
// Results may be served from the conflict cache.
func (e *Engine) DetectConflicts(ctx context.Context, draftID string) ([]merge.ConflictRecord, error) {
	return e.coordinator.DetectConflicts(ctx, draftID)
}

// ScanConflicts runs DetectConflicts over every draft.
func (e *Engine) ScanConflicts(ctx context.Context) ([]merge.ConflictRecord, error) {
	return e.coordinator.ScanAll(ctx)
}

// Publish merges a draft into trunk. A publish stopped by conflicts is not an
// error; it is recorded in the ledger as unsuccessful.
func (e *Engine) Publish(ctx context.Context, draftID string) (*merge.PublishResult, error) {
	var result *merge.PublishResult
	err := e.ledger.TrackOutcome(ctx, ledger.KindPublish, actorOf(draftID), draftID, func(ctx context.Context) (string, error) {
		var err error
		result, err = e.coordinator.Publish(ctx, draftID)
		return conflictDetail(result), err
	})
	return result, err
}

// Resolve applies a resolution to one conflicted path and publishes again.
func (e *Engine) Resolve(ctx context.Context, draftID, path string, res resolve.Resolution, author commits.Author) (*merge.PublishResult, error) {
	var result *merge.PublishResult
	err := e.ledger.TrackOutcome(ctx, ledger.KindResolve, author.Name, draftID+":"+path, func(ctx context.Context) (string, error) {
		var err error
		result, err = e.resolver.Resolve(ctx, draftID, path, res, author)
		return conflictDetail(result), err
	})
	return result, err
}

func conflictDetail(result *merge.PublishResult) string {
	if result == nil || result.Merged {
		return ""
	}
	return fmt.Sprintf("conflicts in %d file(s)", len(result.Conflicts))
}

// =============================================================================
// Reads
// =============================================================================

// GetHistory returns the history of path on lineRef, possibly up to one
// history TTL stale.
func (e *Engine) GetHistory(ctx context.Context, path, lineRef string, limit int) (*history.View, error) {
	return e.history.GetHistory(ctx, path, lineRef, limit)
}

// Materialize renders lineRef and swaps it in as the live snapshot.
func (e *Engine) Materialize(ctx context.Context, lineRef string) error {
	return e.ledger.Track(ctx, ledger.KindMaterialize, SystemActor, lineRef, func(ctx context.Context) error {
		return e.publisher.Materialize(ctx, lineRef)
	})
}

// LiveSnapshot returns the directory currently served for lineRef.
func (e *Engine) LiveSnapshot(lineRef string) (string, error) {
	return e.publisher.Live(lineRef)
}

// =============================================================================
// Helpers
// =============================================================================

// auditedMaterializer records the background materializations a publish
// triggers.
type auditedMaterializer struct {
	publisher *snapshot.Publisher
	ledger    *ledger.Ledger
}

func (m *auditedMaterializer) Materialize(ctx context.Context, lineRef string) error {
	return m.ledger.Track(ctx, ledger.KindMaterialize, SystemActor, lineRef, func(ctx context.Context) error {
		return m.publisher.Materialize(ctx, lineRef)
	})
}

func actorOf(draftID string) string {
	actor, _, err := drafts.ParseID(draftID)
	if err != nil {
		return ""
	}
	return actor
}
