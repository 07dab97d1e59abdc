// Package merge detects conflicts between drafts and trunk with
// non-mutating trial merges and publishes drafts into trunk.
package merge

import (
	"fmt"

	"github.com/adalundhe/folio/core/repository"
)

// ConflictKind classifies a conflicting path.
type ConflictKind string

const (
	// KindContent means both sides changed a text file differently.
	KindContent ConflictKind = "content"

	// KindDelete means one side deleted a file the other changed.
	KindDelete ConflictKind = "delete"

	// KindRename means one side moved a file the other changed.
	KindRename ConflictKind = "rename"

	// KindBinary means both sides changed a file and at least one version
	// is binary.
	KindBinary ConflictKind = "binary"
)

// ConflictRecord describes one conflicting path. Base, Theirs and Ours are
// blob identifiers; an empty value means the path is absent on that side.
// Ours is the draft, Theirs is trunk.
type ConflictRecord struct {
	DraftID string       `json:"draft_id"`
	Path    string       `json:"path"`
	Kind    ConflictKind `json:"kind"`
	Base    string       `json:"base,omitempty"`
	Theirs  string       `json:"theirs,omitempty"`
	Ours    string       `json:"ours,omitempty"`

	// RenamedTo is the new location of the file for rename conflicts.
	RenamedTo string `json:"renamed_to,omitempty"`
}

func (r ConflictRecord) String() string {
	if r.RenamedTo != "" {
		return fmt.Sprintf("%s: %s conflict (renamed to %s)", r.Path, r.Kind, r.RenamedTo)
	}
	return fmt.Sprintf("%s: %s conflict", r.Path, r.Kind)
}

// PublishResult is the outcome of Publish. Conflicts are data, not errors.
type PublishResult struct {
	Merged    bool                  `json:"merged"`
	Revision  repository.RevisionID `json:"revision,omitempty"`
	Conflicts []ConflictRecord      `json:"conflicts,omitempty"`
}

// ConflictPaths returns the conflicting paths in order.
func (r PublishResult) ConflictPaths() []string {
	paths := make([]string, len(r.Conflicts))
	for i, c := range r.Conflicts {
		paths[i] = c.Path
	}
	return paths
}
