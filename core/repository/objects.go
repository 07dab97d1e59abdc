package repository

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/binary"

	ferrors "github.com/adalundhe/folio/core/errors"
)

// =============================================================================
// Blobs
// =============================================================================

// WriteBlob stores content and returns its hash. Writing identical content
// twice is a no-op.
func (s *Store) WriteBlob(content []byte) (plumbing.Hash, error) {
	if err := s.checkClosed(); err != nil {
		return plumbing.ZeroHash, err
	}

	obj := s.storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(content)))

	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := w.Write(content); err != nil {
		w.Close()
		return plumbing.ZeroHash, err
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, err
	}

	return s.storer.SetEncodedObject(obj)
}

// ReadBlob returns the content of a blob.
func (s *Store) ReadBlob(h plumbing.Hash) ([]byte, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	blob, err := object.GetBlob(s.storer, h)
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return nil, ferrors.NotFound("repository.blob", fmt.Sprintf("blob %s not found", h))
	}
	if err != nil {
		return nil, ferrors.Unavailable("repository.blob", err)
	}

	r, err := blob.Reader()
	if err != nil {
		return nil, ferrors.Unavailable("repository.blob", err)
	}
	defer r.Close()

	return io.ReadAll(r)
}

// IsBinary reports whether a stored blob looks like binary content.
func (s *Store) IsBinary(h plumbing.Hash) (bool, error) {
	content, err := s.ReadBlob(h)
	if err != nil {
		return false, err
	}
	return IsBinaryContent(content), nil
}

// IsBinaryContent applies git's NUL-byte heuristic to raw content.
func IsBinaryContent(content []byte) bool {
	ok, err := binary.IsBinary(bytes.NewReader(content))
	return err == nil && ok
}

// =============================================================================
// Commits
// =============================================================================

// CommitObject loads a revision.
func (s *Store) CommitObject(h plumbing.Hash) (*object.Commit, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	c, err := object.GetCommit(s.storer, h)
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return nil, ErrRevisionNotFound
	}
	if err != nil {
		return nil, ferrors.Unavailable("repository.commit", err)
	}
	return c, nil
}

// WriteCommit stores a revision object. It does not move any ref.
func (s *Store) WriteCommit(spec CommitSpec) (plumbing.Hash, error) {
	if err := s.checkClosed(); err != nil {
		return plumbing.ZeroHash, err
	}

	sig := object.Signature{Name: spec.Author.Name, Email: spec.Author.Email, When: spec.Author.When}
	commit := &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      spec.Message,
		TreeHash:     spec.Tree,
		ParentHashes: spec.Parents,
	}

	obj := s.storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	return s.storer.SetEncodedObject(obj)
}

// MergeBase returns the best common ancestor of two revisions, or ZeroHash
// when their histories are unrelated.
func (s *Store) MergeBase(a, b plumbing.Hash) (plumbing.Hash, error) {
	ca, err := s.CommitObject(a)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	cb, err := s.CommitObject(b)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	bases, err := ca.MergeBase(cb)
	if err != nil {
		return plumbing.ZeroHash, ferrors.Unavailable("repository.merge_base", err)
	}
	if len(bases) == 0 {
		return plumbing.ZeroHash, nil
	}
	return bases[0].Hash, nil
}

// =============================================================================
// Trees
// =============================================================================

// Snapshot flattens the tree of a revision. ZeroHash yields an empty tree.
func (s *Store) Snapshot(rev plumbing.Hash) (Tree, error) {
	out := Tree{}
	if rev.IsZero() {
		return out, nil
	}

	c, err := s.CommitObject(rev)
	if err != nil {
		return nil, err
	}

	tree, err := c.Tree()
	if err != nil {
		return nil, ferrors.Unavailable("repository.snapshot", err)
	}

	err = tree.Files().ForEach(func(f *object.File) error {
		out[f.Name] = Entry{Hash: f.Hash, Mode: f.Mode}
		return nil
	})
	if err != nil {
		return nil, ferrors.Unavailable("repository.snapshot", err)
	}
	return out, nil
}

// ReadFile returns the content of path at a revision.
func (s *Store) ReadFile(rev plumbing.Hash, p string) ([]byte, error) {
	tree, err := s.Snapshot(rev)
	if err != nil {
		return nil, err
	}
	entry, ok := tree[p]
	if !ok {
		return nil, ErrPathNotFound
	}
	return s.ReadBlob(entry.Hash)
}

// WriteTree stores a flattened tree as nested tree objects and returns the
// root hash.
func (s *Store) WriteTree(t Tree) (plumbing.Hash, error) {
	if err := s.checkClosed(); err != nil {
		return plumbing.ZeroHash, err
	}

	root := newDirNode()
	for p, e := range t {
		root.insert(strings.Split(p, "/"), e)
	}
	return s.writeDir(root)
}

type dirNode struct {
	files map[string]Entry
	dirs  map[string]*dirNode
}

func newDirNode() *dirNode {
	return &dirNode{files: map[string]Entry{}, dirs: map[string]*dirNode{}}
}

func (n *dirNode) insert(parts []string, e Entry) {
	if len(parts) == 1 {
		n.files[parts[0]] = e
		return
	}
	child, ok := n.dirs[parts[0]]
	if !ok {
		child = newDirNode()
		n.dirs[parts[0]] = child
	}
	child.insert(parts[1:], e)
}

func (s *Store) writeDir(n *dirNode) (plumbing.Hash, error) {
	entries := make([]object.TreeEntry, 0, len(n.files)+len(n.dirs))

	for name, e := range n.files {
		mode := e.Mode
		if mode == filemode.Empty {
			mode = filemode.Regular
		}
		entries = append(entries, object.TreeEntry{Name: name, Mode: mode, Hash: e.Hash})
	}
	for name, child := range n.dirs {
		h, err := s.writeDir(child)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		entries = append(entries, object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: h})
	}

	// git orders directories as if their name carried a trailing slash
	sort.Slice(entries, func(i, j int) bool {
		return sortKey(entries[i]) < sortKey(entries[j])
	})

	tree := &object.Tree{Entries: entries}
	obj := s.storer.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	return s.storer.SetEncodedObject(obj)
}

func sortKey(e object.TreeEntry) string {
	if e.Mode == filemode.Dir {
		return e.Name + "/"
	}
	return e.Name
}

// CleanPath normalizes a slash-separated repository path.
func CleanPath(p string) string {
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0755)
}
