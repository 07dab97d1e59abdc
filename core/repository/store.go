package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/storage"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/gofrs/flock"

	ferrors "github.com/adalundhe/folio/core/errors"
)

// =============================================================================
// Options
// =============================================================================

// Options configures a Store.
type Options struct {
	// Trunk is the branch name of the published line of history.
	// Defaults to "main".
	Trunk string

	// LockTimeout bounds every lock wait. Defaults to 30s.
	LockTimeout time.Duration

	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

const (
	defaultTrunk       = "main"
	defaultLockTimeout = 30 * time.Second
	lockFileName       = "folio.lock"
	systemName         = "folio"
	systemEmail        = "folio@localhost"
)

func (o Options) withDefaults() Options {
	if o.Trunk == "" {
		o.Trunk = defaultTrunk
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = defaultLockTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// =============================================================================
// Store
// =============================================================================

// Store is the single owned handle on the repository. Every component
// receives it explicitly; there is no package-level repository state.
type Store struct {
	path    string
	repo    *gogit.Repository
	storer  *guardedStorer
	trunk   string
	locks   *Locks
	logger  *slog.Logger
	process *flock.Flock

	// refMu serializes ref writes against each other and against ref reads;
	// the filesystem storer rewrites a ref file in place.
	refMu sync.RWMutex

	mu     sync.RWMutex
	closed bool
}

// Init opens the repository at path, creating it (bare, with an empty root
// revision on trunk) if it does not exist yet.
func Init(path string, opts Options) (*Store, error) {
	return openAt(path, opts, true)
}

// Open opens an existing repository. It fails with NotFound if path holds no
// repository.
func Open(path string, opts Options) (*Store, error) {
	return openAt(path, opts, false)
}

func openAt(path string, opts Options, create bool) (*Store, error) {
	if path == "" {
		return nil, ferrors.Validation("repository.open", "repository path cannot be empty")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}

	opts = opts.withDefaults()
	process, err := acquireProcessLock(absPath, opts.LockTimeout)
	if err != nil {
		return nil, err
	}

	st := filesystem.NewStorage(osfs.New(absPath), cache.NewObjectLRUDefault())
	store, err := newStore(st, opts, create)
	if err != nil {
		process.Unlock()
		return nil, err
	}

	store.path = absPath
	store.process = process
	return store, nil
}

// acquireProcessLock enforces the single-instance assumption: one process
// owns a repository at a time.
func acquireProcessLock(path string, timeout time.Duration) (*flock.Flock, error) {
	if err := ensureDir(path); err != nil {
		return nil, ferrors.Unavailable("repository.open", err)
	}

	lock := flock.New(filepath.Join(path, lockFileName))
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ok, err := lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, ferrors.Unavailable("repository.open", err)
	}
	if !ok {
		return nil, ferrors.Unavailable("repository.open",
			fmt.Errorf("repository %s is held by another process", path))
	}
	return lock, nil
}

// NewStore wraps an arbitrary go-git storer. A trunk root revision is created
// when the storer is empty.
func NewStore(s storage.Storer, opts Options) (*Store, error) {
	return newStore(s, opts.withDefaults(), true)
}

func newStore(s storage.Storer, opts Options, create bool) (*Store, error) {
	guarded := newGuardedStorer(s)

	repo, err := gogit.Open(guarded, nil)
	switch {
	case errors.Is(err, gogit.ErrRepositoryNotExists) && create:
		repo, err = gogit.Init(guarded, nil)
		if err != nil {
			return nil, ferrors.Unavailable("repository.init", err)
		}
	case errors.Is(err, gogit.ErrRepositoryNotExists):
		return nil, ferrors.NotFound("repository.open", "no repository at this location")
	case err != nil:
		return nil, ferrors.Unavailable("repository.open", err)
	}

	store := &Store{
		repo:   repo,
		storer: guarded,
		trunk:  opts.Trunk,
		locks:  NewLocks(opts.LockTimeout),
		logger: opts.Logger,
	}

	if err := store.ensureTrunk(); err != nil {
		return nil, err
	}

	return store, nil
}

// ensureTrunk creates the root revision on trunk and points HEAD at it.
func (s *Store) ensureTrunk() error {
	trunkRef := BranchRef(s.trunk)
	if _, err := s.storer.Reference(trunkRef); err == nil {
		return nil
	} else if !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return ferrors.Unavailable("repository.init", err)
	}

	treeHash, err := s.WriteTree(Tree{})
	if err != nil {
		return ferrors.Unavailable("repository.init", err)
	}

	rootHash, err := s.WriteCommit(CommitSpec{
		Tree:    treeHash,
		Author:  Signature{Name: systemName, Email: systemEmail, When: time.Now()},
		Message: "Initialize " + s.trunk,
	})
	if err != nil {
		return ferrors.Unavailable("repository.init", err)
	}

	if err := s.storer.SetReference(plumbing.NewHashReference(trunkRef, rootHash)); err != nil {
		return ferrors.Unavailable("repository.init", err)
	}
	if err := s.storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, trunkRef)); err != nil {
		return ferrors.Unavailable("repository.init", err)
	}

	s.logger.Info("initialized trunk",
		slog.String("trunk", s.trunk),
		slog.String("revision", rootHash.String()))
	return nil
}

// =============================================================================
// Accessors
// =============================================================================

// Path returns the repository directory ("" for storer-backed stores).
func (s *Store) Path() string { return s.path }

// Trunk returns the trunk branch name.
func (s *Store) Trunk() string { return s.trunk }

// TrunkRef returns the full ref name of trunk.
func (s *Store) TrunkRef() plumbing.ReferenceName { return BranchRef(s.trunk) }

// Locks returns the store's exclusivity discipline.
func (s *Store) Locks() *Locks { return s.locks }

// Logger returns the store's logger.
func (s *Store) Logger() *slog.Logger { return s.logger }

// Repository returns the underlying go-git repository for read-only walks.
func (s *Store) Repository() *gogit.Repository { return s.repo }

// Close releases the process lock. Safe to call multiple times.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.process != nil {
		return s.process.Unlock()
	}
	return nil
}

func (s *Store) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ferrors.Unavailable("repository", ErrStoreClosed)
	}
	return nil
}

// =============================================================================
// Refs
// =============================================================================

// RefHash returns the revision a ref points at.
func (s *Store) RefHash(name plumbing.ReferenceName) (plumbing.Hash, error) {
	if err := s.checkClosed(); err != nil {
		return plumbing.ZeroHash, err
	}

	s.refMu.RLock()
	ref, err := s.storer.Reference(name)
	s.refMu.RUnlock()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return plumbing.ZeroHash, ErrRefNotFound
	}
	if err != nil {
		return plumbing.ZeroHash, ferrors.Unavailable("repository.ref", err)
	}
	return ref.Hash(), nil
}

// TrunkHead returns the current trunk revision.
func (s *Store) TrunkHead() (plumbing.Hash, error) {
	h, err := s.RefHash(s.TrunkRef())
	if errors.Is(err, ErrRefNotFound) {
		return plumbing.ZeroHash, ferrors.Unavailable("repository.trunk",
			fmt.Errorf("trunk %q is missing", s.trunk))
	}
	return h, err
}

// HasRef reports whether a ref exists.
func (s *Store) HasRef(name plumbing.ReferenceName) (bool, error) {
	_, err := s.RefHash(name)
	if errors.Is(err, ErrRefNotFound) {
		return false, nil
	}
	return err == nil, err
}

// CreateRef creates name pointing at hash. It fails with ErrRefExists when the
// ref is already present.
func (s *Store) CreateRef(name plumbing.ReferenceName, hash plumbing.Hash) error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	s.refMu.Lock()
	defer s.refMu.Unlock()

	if _, err := s.storer.Reference(name); err == nil {
		return ErrRefExists
	} else if !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return ferrors.Unavailable("repository.ref", err)
	}

	return s.storer.SetReference(plumbing.NewHashReference(name, hash))
}

// UpdateRef moves name from old to next. When the ref no longer points at old
// the update is refused with ErrRefChanged.
func (s *Store) UpdateRef(name plumbing.ReferenceName, next, old plumbing.Hash) error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	s.refMu.Lock()
	defer s.refMu.Unlock()

	current, err := s.storer.Reference(name)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return ErrRefNotFound
	}
	if err != nil {
		return ferrors.Unavailable("repository.ref", err)
	}
	if current.Hash() != old {
		return ErrRefChanged
	}

	err = s.storer.CheckAndSetReference(
		plumbing.NewHashReference(name, next),
		plumbing.NewHashReference(name, old),
	)
	if errors.Is(err, storage.ErrReferenceHasChanged) {
		return ErrRefChanged
	}
	return err
}

// DeleteRef removes name. Missing refs are reported as ErrRefNotFound.
func (s *Store) DeleteRef(name plumbing.ReferenceName) error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	s.refMu.Lock()
	defer s.refMu.Unlock()

	if _, err := s.storer.Reference(name); errors.Is(err, plumbing.ErrReferenceNotFound) {
		return ErrRefNotFound
	}
	return s.storer.RemoveReference(name)
}

// ListRefs returns every hash ref whose full name starts with prefix.
func (s *Store) ListRefs(prefix string) ([]*plumbing.Reference, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	s.refMu.RLock()
	defer s.refMu.RUnlock()

	iter, err := s.storer.IterReferences()
	if err != nil {
		return nil, ferrors.Unavailable("repository.refs", err)
	}
	defer iter.Close()

	var refs []*plumbing.Reference
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() == plumbing.HashReference && strings.HasPrefix(ref.Name().String(), prefix) {
			refs = append(refs, ref)
		}
		return nil
	})
	if err != nil {
		return nil, ferrors.Unavailable("repository.refs", err)
	}
	return refs, nil
}

// Resolve turns a line name, draft identifier, full ref name or hex revision
// into a revision hash.
func (s *Store) Resolve(ref string) (plumbing.Hash, error) {
	if ref == "" {
		return plumbing.ZeroHash, ferrors.Validation("repository.resolve", "empty reference")
	}

	candidates := []plumbing.ReferenceName{plumbing.ReferenceName(ref), BranchRef(ref)}
	for _, name := range candidates {
		h, err := s.RefHash(name)
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, ErrRefNotFound) {
			return plumbing.ZeroHash, err
		}
	}

	if plumbing.IsHash(ref) {
		h := plumbing.NewHash(ref)
		if _, err := s.CommitObject(h); err == nil {
			return h, nil
		}
	}

	return plumbing.ZeroHash, ferrors.NotFound("repository.resolve", fmt.Sprintf("unknown line or revision %q", ref))
}
