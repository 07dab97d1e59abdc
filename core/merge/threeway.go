package merge

import (
	"sort"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/adalundhe/folio/core/repository"
)

// binaryOracle reports whether a blob is binary.
type binaryOracle func(h plumbing.Hash) (bool, error)

// mergeInput is everything the file-level merge needs. It is computed from
// immutable objects only, so the merge is a pure function of its input.
type mergeInput struct {
	draftID string
	base    repository.Tree
	ours    repository.Tree
	theirs  repository.Tree

	// resolved maps a path to the trunk blob the draft has already resolved
	// it against. ZeroHash means trunk had deleted the path.
	resolved map[string]plumbing.Hash

	// flagged holds paths the draft committed as binary.
	flagged map[string]bool
}

// threeWay merges ours and theirs against base per path. It returns the
// merged tree and, when non-empty, the conflicts that prevent the merge.
func threeWay(in mergeInput, isBinary binaryOracle) (repository.Tree, []ConflictRecord, error) {
	merged := repository.Tree{}
	var conflicts []ConflictRecord

	for _, path := range unionPaths(in.base, in.ours, in.theirs) {
		b, inBase := in.base[path]
		o, inOurs := in.ours[path]
		t, inTheirs := in.theirs[path]

		switch {
		case sameSide(o, inOurs, t, inTheirs):
			if inOurs {
				merged[path] = o
			}
		case isResolved(in.resolved, path, t, inTheirs):
			// A resolution may restore the base content; it still wins.
			if inOurs {
				merged[path] = o
			}
		case sameSide(o, inOurs, b, inBase):
			if inTheirs {
				merged[path] = t
			}
		case sameSide(t, inTheirs, b, inBase):
			if inOurs {
				merged[path] = o
			}
		default:
			record, err := classify(in, path, isBinary)
			if err != nil {
				return nil, nil, err
			}
			conflicts = append(conflicts, record)
		}
	}

	return merged, conflicts, nil
}

func sameSide(a repository.Entry, inA bool, b repository.Entry, inB bool) bool {
	if inA != inB {
		return false
	}
	return !inA || a.Hash == b.Hash
}

func isResolved(resolved map[string]plumbing.Hash, path string, theirs repository.Entry, inTheirs bool) bool {
	against, ok := resolved[path]
	if !ok {
		return false
	}
	if !inTheirs {
		return against.IsZero()
	}
	return against == theirs.Hash
}

func classify(in mergeInput, path string, isBinary binaryOracle) (ConflictRecord, error) {
	b, inBase := in.base[path]
	o, inOurs := in.ours[path]
	t, inTheirs := in.theirs[path]

	record := ConflictRecord{
		DraftID: in.draftID,
		Path:    path,
		Kind:    KindContent,
		Base:    blobID(b, inBase),
		Ours:    blobID(o, inOurs),
		Theirs:  blobID(t, inTheirs),
	}

	if !inOurs || !inTheirs {
		record.Kind = KindDelete
		deleting := in.ours
		if !inTheirs {
			deleting = in.theirs
		}
		if inBase {
			if moved, ok := findMove(in.base, deleting, b.Hash, path); ok {
				record.Kind = KindRename
				record.RenamedTo = moved
			}
		}
		return record, nil
	}

	if in.flagged[path] {
		record.Kind = KindBinary
		return record, nil
	}
	for _, side := range []plumbing.Hash{o.Hash, t.Hash} {
		binary, err := isBinary(side)
		if err != nil {
			return ConflictRecord{}, err
		}
		if binary {
			record.Kind = KindBinary
			return record, nil
		}
	}

	return record, nil
}

// findMove looks for the base blob of path re-added under a new name on the
// side that deleted path.
func findMove(base, side repository.Tree, blob plumbing.Hash, path string) (string, bool) {
	for _, candidate := range side.Paths() {
		if candidate == path || side[candidate].Hash != blob {
			continue
		}
		if prior, existed := base[candidate]; existed && prior.Hash == blob {
			continue
		}
		return candidate, true
	}
	return "", false
}

func blobID(e repository.Entry, present bool) string {
	if !present {
		return ""
	}
	return e.Hash.String()
}

func unionPaths(trees ...repository.Tree) []string {
	seen := make(map[string]struct{})
	for _, t := range trees {
		for p := range t {
			seen[p] = struct{}{}
		}
	}
	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
