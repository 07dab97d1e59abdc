// Package commits writes content into draft lines as atomic, attributed
// revisions.
package commits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"

	ferrors "github.com/adalundhe/folio/core/errors"
	"github.com/adalundhe/folio/core/pathrules"
	"github.com/adalundhe/folio/core/repository"
)

// =============================================================================
// Request
// =============================================================================

// Author identifies who made a change.
type Author struct {
	Name  string
	Email string
}

// Request describes one file change on a draft.
type Request struct {
	DraftID string
	Path    string
	Content []byte
	Message string
	Author  Author

	// Binary forces binary handling even if content sniffs as text.
	Binary bool

	// Delete removes Path instead of writing Content.
	Delete bool

	// Trailers are appended to the revision message. Keys starting with
	// ReservedPrefix are refused.
	Trailers []Trailer
}

// Mutation edits the scratch tree of a draft in place.
type Mutation func(tree repository.Tree) error

// =============================================================================
// Pipeline
// =============================================================================

// Config configures a Pipeline.
type Config struct {
	Validator *pathrules.Validator
	Now       func() time.Time
	Logger    *slog.Logger
}

// Pipeline commits changes to drafts. Commits to different drafts run in
// parallel; commits to the same draft are serialized by its lock.
type Pipeline struct {
	store     *repository.Store
	validator atomic.Pointer[pathrules.Validator]
	now       func() time.Time
	logger    *slog.Logger
}

// New creates a Pipeline over store.
func New(store *repository.Store, cfg Config) *Pipeline {
	if cfg.Validator == nil {
		cfg.Validator = pathrules.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	p := &Pipeline{
		store:  store,
		now:    cfg.Now,
		logger: cfg.Logger,
	}
	p.validator.Store(cfg.Validator)
	return p
}

// Validator returns the path rules applied to every write.
func (p *Pipeline) Validator() *pathrules.Validator { return p.validator.Load() }

// SetValidator replaces the path rules. Commits already past validation
// finish under the rules they started with.
func (p *Pipeline) SetValidator(v *pathrules.Validator) {
	if v != nil {
		p.validator.Store(v)
	}
}

// Commit writes or deletes one file on a draft and advances the draft to
// the new revision. Either the revision exists and the draft points at it,
// or the draft is left at its previous revision.
func (p *Pipeline) Commit(ctx context.Context, req Request) (repository.RevisionID, error) {
	const op = "commits.commit"

	rules := p.Validator()
	if err := rules.ValidatePath(req.Path); err != nil {
		return "", err
	}
	if !req.Delete {
		if err := rules.ValidateContent(req.Content); err != nil {
			return "", err
		}
	}

	if line, ok := reservedLine(req.Message); ok {
		return "", ferrors.Validation(op, fmt.Sprintf("message line %q uses a reserved trailer key", line))
	}
	for _, t := range req.Trailers {
		if IsReserved(t.Key) {
			return "", ferrors.Validation(op, fmt.Sprintf("trailer key %s is reserved", t.Key))
		}
	}

	message := req.Message
	if strings.TrimSpace(message) == "" {
		verb := "Update"
		if req.Delete {
			verb = "Delete"
		}
		message = verb + " " + req.Path
	}

	trailers := append([]Trailer(nil), req.Trailers...)
	if !req.Delete && (req.Binary || repository.IsBinaryContent(req.Content)) {
		trailers = append(trailers, Trailer{Key: TrailerBinary, Value: req.Path})
	}

	mutate := func(tree repository.Tree) error {
		if req.Delete {
			if _, ok := tree[req.Path]; !ok {
				return ferrors.NotFound(op, fmt.Sprintf("path %s is not tracked on %s", req.Path, req.DraftID))
			}
			delete(tree, req.Path)
			return nil
		}

		if err := checkClash(tree, req.Path); err != nil {
			return err
		}

		blob, err := p.store.WriteBlob(req.Content)
		if err != nil {
			return ferrors.WriteFailure(op, err)
		}

		mode := filemode.Regular
		if existing, ok := tree[req.Path]; ok && existing.Mode != filemode.Empty {
			mode = existing.Mode
		}
		tree[req.Path] = repository.Entry{Hash: blob, Mode: mode}
		return nil
	}

	return p.Apply(ctx, req.DraftID, req.Author, FormatMessage(message, trailers), mutate)
}

// Apply runs mutate against a scratch copy of the draft's tree, writes the
// result as a new revision and advances the draft. The mutation may write
// objects; they stay unreachable if Apply fails.
func (p *Pipeline) Apply(ctx context.Context, draftID string, author Author, message string, mutate Mutation) (repository.RevisionID, error) {
	const op = "commits.apply"

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(author.Name) == "" {
		return "", ferrors.Validation(op, "author name is required")
	}
	if !strings.HasPrefix(draftID, repository.DraftPrefix) {
		return "", ferrors.NotFound(op, fmt.Sprintf("draft %s does not exist", draftID))
	}

	release, err := p.store.Locks().AcquireDraft(ctx, draftID)
	if err != nil {
		return "", err
	}
	defer release()

	start := time.Now()
	ref := repository.BranchRef(draftID)

	tip, err := p.store.RefHash(ref)
	if errors.Is(err, repository.ErrRefNotFound) {
		return "", ferrors.NotFound(op, fmt.Sprintf("draft %s does not exist", draftID))
	}
	if err != nil {
		return "", err
	}

	scratch, err := p.store.Snapshot(tip)
	if err != nil {
		return "", err
	}

	if err := mutate(scratch); err != nil {
		return "", err
	}

	treeHash, err := p.store.WriteTree(scratch)
	if err != nil {
		return "", ferrors.WriteFailure(op, err)
	}

	rev, err := p.store.WriteCommit(repository.CommitSpec{
		Tree:    treeHash,
		Parents: []plumbing.Hash{tip},
		Author: repository.Signature{
			Name:  author.Name,
			Email: author.Email,
			When:  p.now(),
		},
		Message: message,
	})
	if err != nil {
		return "", ferrors.WriteFailure(op, err)
	}

	if err := p.store.UpdateRef(ref, rev, tip); err != nil {
		if errors.Is(err, repository.ErrRefChanged) || errors.Is(err, repository.ErrRefNotFound) {
			return "", ferrors.WriteFailure(op, fmt.Errorf("draft %s moved during commit: %w", draftID, err))
		}
		return "", ferrors.Wrap(ferrors.KindWriteFailure, op, "advance draft", err)
	}

	p.logger.Debug("draft advanced",
		slog.String("draft", draftID),
		slog.String("revision", rev.String()[:7]),
		slog.Duration("elapsed", time.Since(start)))

	return repository.NewRevisionID(rev), nil
}

// checkClash rejects a path that would turn an existing file into a
// directory or the other way round.
func checkClash(tree repository.Tree, path string) error {
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			if _, ok := tree[path[:i]]; ok {
				return ferrors.Validation("commits.commit",
					fmt.Sprintf("path %s is nested under tracked file %s", path, path[:i]))
			}
		}
	}
	prefix := path + "/"
	for existing := range tree {
		if strings.HasPrefix(existing, prefix) {
			return ferrors.Validation("commits.commit",
				fmt.Sprintf("path %s is a directory of tracked files", path))
		}
	}
	return nil
}
