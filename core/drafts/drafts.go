// Package drafts creates and destroys draft lines: isolated, per-editor lines
// of history branched from trunk.
package drafts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/google/uuid"

	ferrors "github.com/adalundhe/folio/core/errors"
	"github.com/adalundhe/folio/core/repository"
)

// =============================================================================
// Types
// =============================================================================

// DraftLine describes one draft.
type DraftLine struct {
	ID        string                `json:"id"`
	Actor     string                `json:"actor"`
	Base      repository.RevisionID `json:"base"`
	CreatedAt time.Time             `json:"created_at"`

	// Tip is the current head of the draft. Not persisted in metadata.
	Tip repository.RevisionID `json:"-"`
}

// Ref returns the full ref name of the draft.
func (d *DraftLine) Ref() plumbing.ReferenceName {
	return repository.BranchRef(d.ID)
}

// SessionIndex is the editing collaborator's view of live edit sessions.
type SessionIndex interface {
	// DraftFor returns the draft already associated with (actor, target).
	DraftFor(actorID, target string) (draftID string, ok bool)

	// Active reports whether any live session references the draft.
	Active(draftID string) bool
}

// DiscardOptions carries the caller's confirmation for Discard.
type DiscardOptions struct {
	// SessionsCleared confirms no edit session references the draft.
	SessionsCleared bool
}

// TokenSource returns a random lowercase-hex token of length n.
type TokenSource func(n int) string

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Lifecycle.
type Config struct {
	// TokenLength is the number of hex characters in the random token.
	TokenLength int

	// MaxAttempts bounds identifier regeneration on collision.
	MaxAttempts int

	// Tokens overrides the random token source.
	Tokens TokenSource

	// Now overrides the clock.
	Now func() time.Time

	Logger *slog.Logger
}

const (
	defaultTokenLength = 4
	defaultMaxAttempts = 8
)

var actorPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// RandomToken draws a token from a random UUID.
func RandomToken(n int) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	if n > len(hex) {
		n = len(hex)
	}
	return hex[:n]
}

// =============================================================================
// Lifecycle
// =============================================================================

// Lifecycle creates, inspects and discards drafts.
type Lifecycle struct {
	store  *repository.Store
	cfg    Config
	logger *slog.Logger
}

// New creates a Lifecycle over store.
func New(store *repository.Store, cfg Config) *Lifecycle {
	if cfg.TokenLength <= 0 {
		cfg.TokenLength = defaultTokenLength
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Tokens == nil {
		cfg.Tokens = RandomToken
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Lifecycle{store: store, cfg: cfg, logger: cfg.Logger}
}

// Create branches a new draft from the current trunk head. Trunk is not
// modified and nothing is checked out.
func (l *Lifecycle) Create(ctx context.Context, actorID string) (*DraftLine, error) {
	const op = "drafts.create"

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !actorPattern.MatchString(actorID) {
		return nil, ferrors.Validation(op, fmt.Sprintf("actor id %q must match [A-Za-z0-9_]+", actorID))
	}

	base, err := l.store.TrunkHead()
	if err != nil {
		return nil, err
	}

	id, err := l.claimIdentifier(actorID, base)
	if err != nil {
		return nil, err
	}

	draft := &DraftLine{
		ID:        id,
		Actor:     actorID,
		Base:      repository.NewRevisionID(base),
		CreatedAt: l.cfg.Now().UTC(),
		Tip:       repository.NewRevisionID(base),
	}

	tracker := ferrors.NewResourceTracker()
	tracker.Track(&ferrors.IntermediateResource{
		ResourceID:  id,
		Description: "draft ref",
		Cleanup:     func() error { return l.store.DeleteRef(draft.Ref()) },
	})

	if err := l.writeMeta(draft); err != nil {
		return nil, tracker.Rollback(op, ferrors.WriteFailure(op, err))
	}
	tracker.Clear()

	l.logger.Info("draft created",
		slog.String("draft", id),
		slog.String("actor", actorID),
		slog.String("base", draft.Base.Short()))
	return draft, nil
}

// claimIdentifier creates the draft ref under a fresh identifier, retrying
// on collision.
func (l *Lifecycle) claimIdentifier(actorID string, base plumbing.Hash) (string, error) {
	for attempt := 1; attempt <= l.cfg.MaxAttempts; attempt++ {
		id := FormatID(actorID, l.cfg.Tokens(l.cfg.TokenLength))

		err := l.store.CreateRef(repository.BranchRef(id), base)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, repository.ErrRefExists) {
			return "", err
		}

		l.logger.Debug("draft identifier collision",
			slog.String("candidate", id),
			slog.Int("attempt", attempt))
	}

	return "", ferrors.Collision("drafts.create",
		fmt.Sprintf("no free identifier for actor %q after %d attempts", actorID, l.cfg.MaxAttempts))
}

// CreateForTarget creates a draft for (actor, target) unless the session
// index already maps the pair to one. In that case it fails with Collision
// and the existing identifier in the error context under "draft".
func (l *Lifecycle) CreateForTarget(ctx context.Context, actorID, target string, sessions SessionIndex) (*DraftLine, error) {
	if sessions != nil {
		if existing, ok := sessions.DraftFor(actorID, target); ok {
			if exists, _ := l.store.HasRef(repository.BranchRef(existing)); exists {
				return nil, ferrors.Collision("drafts.create",
					fmt.Sprintf("actor %q already has draft %s for %s", actorID, existing, target)).
					WithContext("draft", existing)
			}
		}
	}
	return l.Create(ctx, actorID)
}

// Discard deletes a draft. The caller must confirm that no edit session
// references it.
func (l *Lifecycle) Discard(ctx context.Context, draftID string, opts DiscardOptions) error {
	const op = "drafts.discard"

	if err := ctx.Err(); err != nil {
		return err
	}
	if !opts.SessionsCleared {
		return ferrors.New(ferrors.KindActiveSession, op,
			fmt.Sprintf("draft %s may still be referenced by an edit session", draftID), nil).
			WithContext("draft", draftID)
	}

	release, err := l.store.Locks().AcquireDraft(ctx, draftID)
	if err != nil {
		return err
	}
	defer release()

	if err := l.store.DeleteRef(repository.BranchRef(draftID)); err != nil {
		if errors.Is(err, repository.ErrRefNotFound) {
			return ferrors.NotFound(op, fmt.Sprintf("draft %s does not exist", draftID))
		}
		return ferrors.Wrap(ferrors.KindRepositoryUnavailable, op, "delete draft ref", err)
	}

	if err := l.store.DeleteRef(repository.DraftMetaRef(draftID)); err != nil && !errors.Is(err, repository.ErrRefNotFound) {
		l.logger.Warn("draft metadata left behind",
			slog.String("draft", draftID),
			slog.String("error", err.Error()))
	}

	l.logger.Info("draft discarded", slog.String("draft", draftID))
	return nil
}

// Remove deletes the refs of a draft whose content has been published. The
// caller holds the draft lock.
func (l *Lifecycle) Remove(draftID string) error {
	err := l.store.DeleteRef(repository.BranchRef(draftID))
	if err != nil && !errors.Is(err, repository.ErrRefNotFound) {
		return err
	}
	err = l.store.DeleteRef(repository.DraftMetaRef(draftID))
	if err != nil && !errors.Is(err, repository.ErrRefNotFound) {
		return err
	}
	return nil
}

// =============================================================================
// Queries
// =============================================================================

// Get returns a draft with its current tip.
func (l *Lifecycle) Get(draftID string) (*DraftLine, error) {
	tip, err := l.store.RefHash(repository.BranchRef(draftID))
	if errors.Is(err, repository.ErrRefNotFound) || (err == nil && !strings.HasPrefix(draftID, repository.DraftPrefix)) {
		return nil, ferrors.NotFound("drafts.get", fmt.Sprintf("draft %s does not exist", draftID))
	}
	if err != nil {
		return nil, err
	}

	draft, err := l.readMeta(draftID)
	if err != nil {
		return nil, err
	}
	draft.Tip = repository.NewRevisionID(tip)
	return draft, nil
}

// Tip returns the current head of a draft.
func (l *Lifecycle) Tip(draftID string) (plumbing.Hash, error) {
	tip, err := l.store.RefHash(repository.BranchRef(draftID))
	if errors.Is(err, repository.ErrRefNotFound) || (err == nil && !strings.HasPrefix(draftID, repository.DraftPrefix)) {
		return plumbing.ZeroHash, ferrors.NotFound("drafts.tip", fmt.Sprintf("draft %s does not exist", draftID))
	}
	return tip, err
}

// List returns every draft ordered by identifier.
func (l *Lifecycle) List() ([]*DraftLine, error) {
	refs, err := l.store.ListRefs(repository.BranchRef(repository.DraftPrefix).String())
	if err != nil {
		return nil, err
	}

	drafts := make([]*DraftLine, 0, len(refs))
	for _, ref := range refs {
		draft, err := l.readMeta(ref.Name().Short())
		if err != nil {
			return nil, err
		}
		draft.Tip = repository.NewRevisionID(ref.Hash())
		drafts = append(drafts, draft)
	}

	sort.Slice(drafts, func(i, j int) bool { return drafts[i].ID < drafts[j].ID })
	return drafts, nil
}

// Stale lists drafts created more than olderThan ago. Drafts the session
// index reports as active are never returned.
func (l *Lifecycle) Stale(olderThan time.Duration, sessions SessionIndex) ([]*DraftLine, error) {
	all, err := l.List()
	if err != nil {
		return nil, err
	}

	cutoff := l.cfg.Now().Add(-olderThan)
	var stale []*DraftLine
	for _, d := range all {
		if d.CreatedAt.IsZero() || !d.CreatedAt.Before(cutoff) {
			continue
		}
		if sessions != nil && sessions.Active(d.ID) {
			continue
		}
		stale = append(stale, d)
	}
	return stale, nil
}

// =============================================================================
// Identifiers
// =============================================================================

// FormatID builds a draft identifier.
func FormatID(actorID, token string) string {
	return repository.DraftPrefix + actorID + "-" + token
}

// ParseID splits a draft identifier into actor and token.
func ParseID(id string) (actorID, token string, err error) {
	rest, ok := strings.CutPrefix(id, repository.DraftPrefix)
	if !ok {
		return "", "", fmt.Errorf("%q is not a draft identifier", id)
	}
	i := strings.LastIndexByte(rest, '-')
	if i <= 0 || i == len(rest)-1 {
		return "", "", fmt.Errorf("%q is not a draft identifier", id)
	}
	return rest[:i], rest[i+1:], nil
}

// =============================================================================
// Metadata
// =============================================================================

func (l *Lifecycle) writeMeta(d *DraftLine) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	h, err := l.store.WriteBlob(data)
	if err != nil {
		return err
	}
	return l.store.CreateRef(repository.DraftMetaRef(d.ID), h)
}

// readMeta loads persisted metadata. Drafts created outside the engine have
// none; their actor is recovered from the identifier.
func (l *Lifecycle) readMeta(draftID string) (*DraftLine, error) {
	h, err := l.store.RefHash(repository.DraftMetaRef(draftID))
	if errors.Is(err, repository.ErrRefNotFound) {
		actor, _, _ := ParseID(draftID)
		return &DraftLine{ID: draftID, Actor: actor}, nil
	}
	if err != nil {
		return nil, err
	}

	data, err := l.store.ReadBlob(h)
	if err != nil {
		return nil, err
	}

	var d DraftLine
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, ferrors.Unavailable("drafts.meta", fmt.Errorf("corrupt metadata for %s: %w", draftID, err))
	}
	return &d, nil
}
