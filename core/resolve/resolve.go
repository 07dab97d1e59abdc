// Package resolve applies user-supplied resolutions to conflicted drafts and
// retries the publish.
package resolve

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"

	"github.com/adalundhe/folio/core/commits"
	ferrors "github.com/adalundhe/folio/core/errors"
	"github.com/adalundhe/folio/core/merge"
	"github.com/adalundhe/folio/core/repository"
)

// =============================================================================
// Resolution
// =============================================================================

// Strategy tags a Resolution.
type Strategy int

const (
	// Replace substitutes literal content.
	Replace Strategy = iota

	// ChooseOurs keeps the draft's version.
	ChooseOurs

	// ChooseTheirs adopts trunk's version, including a trunk deletion.
	ChooseTheirs
)

var strategyNames = map[Strategy]string{
	Replace:      "replace",
	ChooseOurs:   "ours",
	ChooseTheirs: "theirs",
}

func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return "unknown"
}

// Resolution is the value applied to one conflicted path.
type Resolution struct {
	Strategy Strategy
	Content  []byte
}

// WithContent resolves by replacing the file with content.
func WithContent(content []byte) Resolution {
	return Resolution{Strategy: Replace, Content: content}
}

// Ours resolves by keeping the draft's side.
func Ours() Resolution { return Resolution{Strategy: ChooseOurs} }

// Theirs resolves by adopting trunk's side.
func Theirs() Resolution { return Resolution{Strategy: ChooseTheirs} }

// =============================================================================
// Resolver
// =============================================================================

// Config configures a Resolver.
type Config struct {
	Logger *slog.Logger
}

// Resolver records resolutions as draft revisions and republishes.
type Resolver struct {
	store       *repository.Store
	pipeline    *commits.Pipeline
	coordinator *merge.Coordinator
	logger      *slog.Logger
}

// New creates a Resolver.
func New(store *repository.Store, pipeline *commits.Pipeline, coordinator *merge.Coordinator, cfg Config) *Resolver {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Resolver{
		store:       store,
		pipeline:    pipeline,
		coordinator: coordinator,
		logger:      cfg.Logger,
	}
}

// Resolve applies res to path on draftID and publishes again. The path must
// be among the draft's outstanding conflicts, recomputed now rather than
// read from the cache. Each call adds one revision to the draft.
func (r *Resolver) Resolve(ctx context.Context, draftID, path string, res Resolution, author commits.Author) (*merge.PublishResult, error) {
	const op = "resolve"

	if _, ok := strategyNames[res.Strategy]; !ok {
		return nil, ferrors.Validation(op, fmt.Sprintf("unknown resolution strategy %d", res.Strategy))
	}
	if res.Strategy == Replace {
		if err := r.pipeline.Validator().ValidateContent(res.Content); err != nil {
			return nil, err
		}
	}

	conflicts, err := r.coordinator.DetectConflictsFresh(ctx, draftID)
	if err != nil {
		return nil, err
	}

	record, ok := find(conflicts, path)
	if !ok {
		return nil, ferrors.NotFound(op, fmt.Sprintf("%s has no outstanding conflict on %s", path, draftID)).
			WithContext("draft", draftID).
			WithContext("path", path)
	}

	theirs := hashOf(record.Theirs)
	trailers := []commits.Trailer{commits.ResolvedTrailer(path, theirs)}
	if res.Strategy == Replace && repository.IsBinaryContent(res.Content) {
		trailers = append(trailers, commits.Trailer{Key: commits.TrailerBinary, Value: path})
	}
	message := commits.FormatMessage(fmt.Sprintf("Resolve %s (%s)", path, res.Strategy), trailers)

	_, err = r.pipeline.Apply(ctx, draftID, author, message, func(tree repository.Tree) error {
		return r.apply(tree, path, res, theirs)
	})
	if err != nil {
		return nil, err
	}

	r.coordinator.InvalidateDraft(draftID)
	r.logger.Info("conflict resolved",
		slog.String("draft", draftID),
		slog.String("path", path),
		slog.String("strategy", res.Strategy.String()),
		slog.String("kind", string(record.Kind)))

	return r.coordinator.Publish(ctx, draftID)
}

func (r *Resolver) apply(tree repository.Tree, path string, res Resolution, theirs plumbing.Hash) error {
	switch res.Strategy {
	case Replace:
		blob, err := r.store.WriteBlob(res.Content)
		if err != nil {
			return ferrors.WriteFailure("resolve", err)
		}
		tree[path] = repository.Entry{Hash: blob, Mode: modeOf(tree, path)}
	case ChooseTheirs:
		if theirs.IsZero() {
			delete(tree, path)
			return nil
		}
		tree[path] = repository.Entry{Hash: theirs, Mode: modeOf(tree, path)}
	case ChooseOurs:
		// the draft already holds its side; the trailer carries the decision
	}
	return nil
}

func modeOf(tree repository.Tree, path string) filemode.FileMode {
	if e, ok := tree[path]; ok {
		return e.Mode
	}
	return filemode.Regular
}

func find(records []merge.ConflictRecord, path string) (merge.ConflictRecord, bool) {
	for _, rec := range records {
		if rec.Path == path {
			return rec, true
		}
	}
	return merge.ConflictRecord{}, false
}

func hashOf(id string) plumbing.Hash {
	if id == "" {
		return plumbing.ZeroHash
	}
	return plumbing.NewHash(id)
}
