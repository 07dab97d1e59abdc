// Package repository owns the versioned object store shared by every draft
// and by trunk. It is built on go-git's object model: blobs, trees and commits
// are content-addressed and refs are the only mutable state.
package repository

import (
	"errors"
	"sort"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrRefChanged indicates a compare-and-swap ref update lost a race.
	ErrRefChanged = errors.New("reference changed concurrently")

	// ErrRefExists indicates an attempt to create a ref that already exists.
	ErrRefExists = errors.New("reference already exists")

	// ErrRefNotFound indicates the named ref does not exist.
	ErrRefNotFound = errors.New("reference not found")

	// ErrRevisionNotFound indicates a revision that is not in the object store.
	ErrRevisionNotFound = errors.New("revision not found")

	// ErrPathNotFound indicates a path absent from a revision's tree.
	ErrPathNotFound = errors.New("path not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("repository store is closed")
)

// =============================================================================
// Ref namespaces
// =============================================================================

const (
	// draftMetaPrefix holds one ref per draft pointing at its metadata blob.
	draftMetaPrefix = "refs/folio/drafts/"

	// DraftPrefix is the name prefix shared by every draft identifier.
	DraftPrefix = "draft-"
)

// BranchRef returns the full ref name for a line of history.
func BranchRef(line string) plumbing.ReferenceName {
	return plumbing.NewBranchReferenceName(line)
}

// DraftMetaRef returns the ref that points at a draft's metadata blob.
func DraftMetaRef(draftID string) plumbing.ReferenceName {
	return plumbing.ReferenceName(draftMetaPrefix + draftID)
}

// =============================================================================
// RevisionID
// =============================================================================

// RevisionID is the hex identifier of an immutable revision.
type RevisionID string

// NewRevisionID converts a go-git hash.
func NewRevisionID(h plumbing.Hash) RevisionID {
	if h.IsZero() {
		return ""
	}
	return RevisionID(h.String())
}

// Hash converts back to a go-git hash.
func (r RevisionID) Hash() plumbing.Hash {
	return plumbing.NewHash(string(r))
}

// Short returns the abbreviated 7-character form.
func (r RevisionID) Short() string {
	if len(r) < 7 {
		return string(r)
	}
	return string(r[:7])
}

// IsZero reports whether the id is empty.
func (r RevisionID) IsZero() bool {
	return r == ""
}

// =============================================================================
// Tree
// =============================================================================

// Entry is one tracked file in a flattened tree.
type Entry struct {
	Hash plumbing.Hash
	Mode filemode.FileMode
}

// Tree is a flattened snapshot: slash-separated path to entry. It is the
// scratch area every write and merge operates on; nothing touches a working
// tree on disk.
type Tree map[string]Entry

// Paths returns the tracked paths in sorted order.
func (t Tree) Paths() []string {
	paths := make([]string, 0, len(t))
	for p := range t {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// =============================================================================
// Commit specification
// =============================================================================

// Signature identifies the author of a revision.
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

// CommitSpec describes a revision to be written.
type CommitSpec struct {
	Tree    plumbing.Hash
	Parents []plumbing.Hash
	Author  Signature
	Message string
}
