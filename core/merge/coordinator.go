package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"golang.org/x/sync/errgroup"

	"github.com/adalundhe/folio/core/commits"
	"github.com/adalundhe/folio/core/drafts"
	ferrors "github.com/adalundhe/folio/core/errors"
	"github.com/adalundhe/folio/core/repository"
)

// =============================================================================
// Configuration
// =============================================================================

// Materializer renders a line of history after it moves.
type Materializer interface {
	Materialize(ctx context.Context, lineRef string) error
}

// Config configures a Coordinator.
type Config struct {
	// Cache memoizes trial merges. Required.
	Cache *ConflictCache

	// Drafts resolves and removes drafts. Defaults to a Lifecycle over the
	// same store.
	Drafts *drafts.Lifecycle

	// Publisher, if set, materializes trunk after each publish.
	Publisher Materializer

	// Author signs publish revisions.
	Author commits.Author

	// MaxRetries bounds trial-merge recomputation when trunk moves.
	MaxRetries int

	// ScanWorkers bounds concurrent trial merges in ScanAll.
	ScanWorkers int

	Now    func() time.Time
	Logger *slog.Logger
}

const (
	defaultMaxRetries  = 3
	defaultScanWorkers = 4
)

// =============================================================================
// Coordinator
// =============================================================================

// Coordinator runs trial merges and publishes. Trial merges hold trunk
// shared and may run concurrently with each other; publishes hold trunk
// exclusively, so they are serialized with each other and with every trial
// merge.
type Coordinator struct {
	store     *repository.Store
	cache     *ConflictCache
	drafts    *drafts.Lifecycle
	publisher Materializer
	author    commits.Author
	retries   int
	workers   int
	now       func() time.Time
	logger    *slog.Logger

	background sync.WaitGroup
}

// NewCoordinator creates a Coordinator over store.
func NewCoordinator(store *repository.Store, cfg Config) (*Coordinator, error) {
	if cfg.Cache == nil {
		return nil, errors.New("merge: conflict cache is required")
	}
	if cfg.Drafts == nil {
		cfg.Drafts = drafts.New(store, drafts.Config{Logger: cfg.Logger})
	}
	if cfg.Author.Name == "" {
		cfg.Author = commits.Author{Name: "folio", Email: "folio@localhost"}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.ScanWorkers <= 0 {
		cfg.ScanWorkers = defaultScanWorkers
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Coordinator{
		store:     store,
		cache:     cfg.Cache,
		drafts:    cfg.Drafts,
		publisher: cfg.Publisher,
		author:    cfg.Author,
		retries:   cfg.MaxRetries,
		workers:   cfg.ScanWorkers,
		now:       cfg.Now,
		logger:    cfg.Logger,
	}, nil
}

// Cache returns the conflict cache.
func (c *Coordinator) Cache() *ConflictCache { return c.cache }

// InvalidateDraft drops cached conflicts for a draft.
func (c *Coordinator) InvalidateDraft(draftID string) { c.cache.InvalidateDraft(draftID) }

// Wait blocks until background materializations have finished.
func (c *Coordinator) Wait() { c.background.Wait() }

// =============================================================================
// Conflict detection
// =============================================================================

// DetectConflicts returns the conflicts a publish of draftID would hit right
// now. Results may come from the cache; callers must treat them as advisory.
// No ref is read-modified and no object is written.
func (c *Coordinator) DetectConflicts(ctx context.Context, draftID string) ([]ConflictRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	trunk, tip, err := c.heads(draftID)
	if err != nil {
		return nil, err
	}
	if records, ok := c.cache.Get(trunk, tip); ok {
		return records, nil
	}

	return c.trialMerge(ctx, draftID, true)
}

// DetectConflictsFresh recomputes conflicts, bypassing any cached result.
func (c *Coordinator) DetectConflictsFresh(ctx context.Context, draftID string) ([]ConflictRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.trialMerge(ctx, draftID, false)
}

// trialMerge computes conflicts against a consistent trunk head. If trunk
// moves while the merge is computed the result is discarded and retried.
func (c *Coordinator) trialMerge(ctx context.Context, draftID string, useCache bool) ([]ConflictRecord, error) {
	const op = "merge.detect"

	release, err := c.store.Locks().AcquireTrunkShared(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	for attempt := 1; attempt <= c.retries; attempt++ {
		trunk, tip, err := c.heads(draftID)
		if err != nil {
			return nil, err
		}

		if useCache {
			if records, ok := c.cache.Get(trunk, tip); ok {
				return records, nil
			}
		}

		in, err := c.prepare(draftID, trunk, tip)
		if err != nil {
			return nil, err
		}
		_, conflicts, err := threeWay(in, c.store.IsBinary)
		if err != nil {
			return nil, err
		}

		after, err := c.store.TrunkHead()
		if err != nil {
			return nil, err
		}
		if after == trunk {
			c.cache.Set(draftID, trunk, tip, conflicts)
			return cloneRecords(conflicts), nil
		}

		c.logger.Debug("trunk moved during trial merge",
			slog.String("draft", draftID),
			slog.Int("attempt", attempt))
	}

	return nil, ferrors.Unavailable(op, fmt.Errorf("trunk kept moving during %d trial merges", c.retries))
}

// ScanAll runs a trial merge for every draft. The aggregate is cached under a
// fingerprint of trunk and every draft tip.
func (c *Coordinator) ScanAll(ctx context.Context) ([]ConflictRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= c.retries; attempt++ {
		lines, fingerprint, err := c.fingerprint()
		if err != nil {
			return nil, err
		}
		if records, ok := c.cache.GetScan(fingerprint); ok {
			return records, nil
		}

		results := make([][]ConflictRecord, len(lines))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.workers)
		for i, line := range lines {
			g.Go(func() error {
				records, err := c.DetectConflicts(gctx, line.ID)
				if ferrors.IsKind(err, ferrors.KindNotFound) {
					return nil
				}
				results[i] = records
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		_, after, err := c.fingerprint()
		if err != nil {
			return nil, err
		}
		if after != fingerprint {
			continue
		}

		var all []ConflictRecord
		for _, records := range results {
			all = append(all, records...)
		}
		SortRecords(all)
		c.cache.SetScan(fingerprint, all)
		return all, nil
	}

	return nil, ferrors.Unavailable("merge.scan", fmt.Errorf("repository kept moving during %d scans", c.retries))
}

// fingerprint identifies the repository-wide state a scan depends on.
func (c *Coordinator) fingerprint() ([]*drafts.DraftLine, string, error) {
	trunk, err := c.store.TrunkHead()
	if err != nil {
		return nil, "", err
	}
	lines, err := c.drafts.List()
	if err != nil {
		return nil, "", err
	}

	var b strings.Builder
	b.WriteString(trunk.String())
	for _, line := range lines {
		b.WriteString("\n")
		b.WriteString(line.ID)
		b.WriteString(" ")
		b.WriteString(string(line.Tip))
	}
	return lines, plumbing.ComputeHash(plumbing.BlobObject, []byte(b.String())).String(), nil
}

// =============================================================================
// Publish
// =============================================================================

// Publish merges a draft into trunk. On conflict nothing is written and the
// conflicts are returned as data. On success trunk holds a two-parent merge
// revision, the draft is gone, and trunk materialization is scheduled.
func (c *Coordinator) Publish(ctx context.Context, draftID string) (*PublishResult, error) {
	const op = "merge.publish"

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	releaseDraft, err := c.store.Locks().AcquireDraft(ctx, draftID)
	if err != nil {
		return nil, err
	}
	defer releaseDraft()

	releaseTrunk, err := c.store.Locks().AcquireTrunk(ctx)
	if err != nil {
		return nil, err
	}
	defer releaseTrunk()

	trunk, tip, err := c.heads(draftID)
	if err != nil {
		return nil, err
	}

	in, err := c.prepare(draftID, trunk, tip)
	if err != nil {
		return nil, err
	}
	merged, conflicts, err := threeWay(in, c.store.IsBinary)
	if err != nil {
		return nil, err
	}

	if len(conflicts) > 0 {
		c.cache.Set(draftID, trunk, tip, conflicts)
		c.logger.Info("publish blocked by conflicts",
			slog.String("draft", draftID),
			slog.Int("conflicts", len(conflicts)))
		return &PublishResult{Merged: false, Conflicts: cloneRecords(conflicts)}, nil
	}

	treeHash, err := c.store.WriteTree(merged)
	if err != nil {
		return nil, ferrors.WriteFailure(op, err)
	}

	rev, err := c.store.WriteCommit(repository.CommitSpec{
		Tree:    treeHash,
		Parents: []plumbing.Hash{trunk, tip},
		Author: repository.Signature{
			Name:  c.author.Name,
			Email: c.author.Email,
			When:  c.now(),
		},
		Message: commits.FormatMessage("Publish "+draftID, []commits.Trailer{
			{Key: commits.TrailerDraft, Value: draftID},
		}),
	})
	if err != nil {
		return nil, ferrors.WriteFailure(op, err)
	}

	if err := c.store.UpdateRef(c.store.TrunkRef(), rev, trunk); err != nil {
		return nil, ferrors.Wrap(ferrors.KindRepositoryUnavailable, op, "advance trunk", err)
	}

	result := &PublishResult{Merged: true, Revision: repository.NewRevisionID(rev)}
	c.cache.InvalidateDraft(draftID)

	if err := c.drafts.Remove(draftID); err != nil {
		return result, ferrors.Unavailable(op, fmt.Errorf("published %s but could not remove draft: %w", draftID, err))
	}

	c.logger.Info("draft published",
		slog.String("draft", draftID),
		slog.String("revision", result.Revision.Short()))

	c.scheduleMaterialize(ctx)
	return result, nil
}

func (c *Coordinator) scheduleMaterialize(ctx context.Context) {
	if c.publisher == nil {
		return
	}

	bg := context.WithoutCancel(ctx)
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		if err := c.publisher.Materialize(bg, c.store.Trunk()); err != nil {
			c.logger.Warn("trunk materialization failed",
				slog.String("trunk", c.store.Trunk()),
				slog.String("error", err.Error()))
		}
	}()
}

// =============================================================================
// Merge input
// =============================================================================

func (c *Coordinator) heads(draftID string) (trunk, tip plumbing.Hash, err error) {
	tip, err = c.drafts.Tip(draftID)
	if err != nil {
		return plumbing.ZeroHash, plumbing.ZeroHash, err
	}
	trunk, err = c.store.TrunkHead()
	if err != nil {
		return plumbing.ZeroHash, plumbing.ZeroHash, err
	}
	return trunk, tip, nil
}

func (c *Coordinator) prepare(draftID string, trunk, tip plumbing.Hash) (mergeInput, error) {
	baseHash, err := c.store.MergeBase(trunk, tip)
	if err != nil {
		return mergeInput{}, err
	}

	in := mergeInput{draftID: draftID}
	if in.base, err = c.store.Snapshot(baseHash); err != nil {
		return mergeInput{}, err
	}
	if in.ours, err = c.store.Snapshot(tip); err != nil {
		return mergeInput{}, err
	}
	if in.theirs, err = c.store.Snapshot(trunk); err != nil {
		return mergeInput{}, err
	}
	if in.resolved, in.flagged, err = c.annotations(tip, baseHash); err != nil {
		return mergeInput{}, err
	}
	return in, nil
}

// annotations collects resolution and binary trailers from the draft's own
// revisions, newest first.
func (c *Coordinator) annotations(tip, base plumbing.Hash) (map[string]plumbing.Hash, map[string]bool, error) {
	resolved := make(map[string]plumbing.Hash)
	flagged := make(map[string]bool)

	for h := tip; !h.IsZero() && h != base; {
		commit, err := c.store.CommitObject(h)
		if err != nil {
			return nil, nil, err
		}

		for _, t := range commits.ParseTrailers(commit.Message) {
			switch t.Key {
			case commits.TrailerResolved:
				if path, blob, ok := commits.ParseResolved(t.Value); ok {
					if _, seen := resolved[path]; !seen {
						resolved[path] = blob
					}
				}
			case commits.TrailerBinary:
				flagged[t.Value] = true
			}
		}

		if len(commit.ParentHashes) == 0 {
			break
		}
		h = commit.ParentHashes[0]
	}

	return resolved, flagged, nil
}

// SortRecords orders records by draft then path.
func SortRecords(records []ConflictRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].DraftID != records[j].DraftID {
			return records[i].DraftID < records[j].DraftID
		}
		return records[i].Path < records[j].Path
	})
}
