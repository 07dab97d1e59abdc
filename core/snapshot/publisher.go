// Package snapshot materializes lines of history into servable directories.
//
// Layout under the snapshot directory:
//
//	<dir>/<line>                    symlink to the live version
//	<dir>/.versions/<line>/<ver>/   rendered files plus <file>.meta.json
//
// A new version is rendered into scratch space, renamed into place, and made
// live by renaming a fresh symlink over the old one. Readers resolve the
// symlink once and see either the old or the new version in full.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	ferrors "github.com/adalundhe/folio/core/errors"
	"github.com/adalundhe/folio/core/history"
	"github.com/adalundhe/folio/core/pathrules"
	"github.com/adalundhe/folio/core/repository"
	"github.com/adalundhe/folio/core/storage"
)

// =============================================================================
// Rendering
// =============================================================================

// Renderer turns a source file into its servable form.
type Renderer interface {
	// Render returns the output path (relative, slash-separated) and content.
	Render(path string, content []byte) (string, []byte, error)
}

// Passthrough serves source files unchanged.
type Passthrough struct{}

// Render implements Renderer.
func (Passthrough) Render(path string, content []byte) (string, []byte, error) {
	return path, content, nil
}

// =============================================================================
// Metadata
// =============================================================================

// MetaSuffix is appended to a rendered file's name for its sidecar. Source
// paths with this suffix are refused by pathrules.
const MetaSuffix = pathrules.SidecarSuffix

// Meta is the sidecar written next to every rendered file.
type Meta struct {
	Path         string        `json:"path"`
	Line         string        `json:"line"`
	Revision     string        `json:"revision"`
	Author       string        `json:"author"`
	Timestamp    time.Time     `json:"timestamp"`
	Contributors []string      `json:"contributors"`
	Recent       []MetaHistory `json:"recent"`
}

// MetaHistory summarizes one recent revision of a file.
type MetaHistory struct {
	Revision string    `json:"revision"`
	Author   string    `json:"author"`
	When     time.Time `json:"when"`
	Subject  string    `json:"subject"`
}

// ReadMeta loads a sidecar.
func ReadMeta(path string) (*Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// =============================================================================
// Publisher
// =============================================================================

// Config configures a Publisher.
type Config struct {
	// Dir is the snapshot root. Required.
	Dir string

	// HistoryDepth is the number of recent revisions kept in each sidecar.
	HistoryDepth int

	// Workers bounds concurrent file rendering.
	Workers int

	// Keep is the number of versions retained per line, the live one
	// included.
	Keep int

	Renderer Renderer
	Logger   *slog.Logger
}

const (
	versionsDir         = ".versions"
	defaultHistoryDepth = 5
	defaultWorkers      = 4
	defaultKeep         = 2
)

// Publisher materializes lines into Dir.
type Publisher struct {
	store    *repository.Store
	dir      string
	depth    int
	workers  int
	keep     int
	renderer Renderer
	logger   *slog.Logger

	mu    sync.Mutex
	lines map[string]*sync.Mutex
}

// New creates a Publisher.
func New(store *repository.Store, cfg Config) (*Publisher, error) {
	if cfg.Dir == "" {
		return nil, errors.New("snapshot: directory is required")
	}
	if cfg.HistoryDepth <= 0 {
		cfg.HistoryDepth = defaultHistoryDepth
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Keep <= 0 {
		cfg.Keep = defaultKeep
	}
	if cfg.Renderer == nil {
		cfg.Renderer = Passthrough{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, err
	}

	return &Publisher{
		store:    store,
		dir:      dir,
		depth:    cfg.HistoryDepth,
		workers:  cfg.Workers,
		keep:     cfg.Keep,
		renderer: cfg.Renderer,
		logger:   cfg.Logger,
		lines:    make(map[string]*sync.Mutex),
	}, nil
}

// Dir returns the snapshot root.
func (p *Publisher) Dir() string { return p.dir }

// Live returns the directory currently served for a line.
func (p *Publisher) Live(lineRef string) (string, error) {
	resolved, err := filepath.EvalSymlinks(p.livePath(lineRef))
	if errors.Is(err, fs.ErrNotExist) {
		return "", ferrors.NotFound("snapshot.live", fmt.Sprintf("no snapshot for %s", lineRef))
	}
	return resolved, err
}

// Materialize renders every file on lineRef and atomically makes the result
// the live snapshot for that line. On failure nothing it created is left
// behind and the previous snapshot stays live.
func (p *Publisher) Materialize(ctx context.Context, lineRef string) error {
	const op = "snapshot.materialize"

	if err := ctx.Err(); err != nil {
		return err
	}

	lock := p.lineLock(lineRef)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	rev, err := p.store.Resolve(lineRef)
	if err != nil {
		return err
	}
	tree, err := p.store.Snapshot(rev)
	if err != nil {
		return err
	}

	versions := filepath.Join(p.dir, versionsDir, safeName(lineRef))
	if err := storage.EnsureStandardDir(versions); err != nil {
		return ferrors.WriteFailure(op, err)
	}

	tracker := ferrors.NewResourceTracker()
	scratch, err := os.MkdirTemp(versions, ".scratch-")
	if err != nil {
		return ferrors.WriteFailure(op, err)
	}
	tracker.Track(&ferrors.IntermediateResource{
		ResourceID:  scratch,
		Description: "scratch directory",
		Cleanup:     func() error { return os.RemoveAll(scratch) },
	})

	if err := p.render(ctx, scratch, lineRef, rev, tree); err != nil {
		return tracker.Rollback(op, ferrors.Wrap(ferrors.KindWriteFailure, op, "render", err))
	}

	version := fmt.Sprintf("%s-%d", repository.NewRevisionID(rev).Short(), time.Now().UnixNano())
	final := filepath.Join(versions, version)
	if err := os.Rename(scratch, final); err != nil {
		return tracker.Rollback(op, ferrors.WriteFailure(op, err))
	}
	tracker.Clear()
	tracker.Track(&ferrors.IntermediateResource{
		ResourceID:  final,
		Description: "version directory",
		Cleanup:     func() error { return os.RemoveAll(final) },
	})

	target := filepath.Join(versionsDir, safeName(lineRef), version)
	if err := p.swap(lineRef, target, tracker); err != nil {
		return tracker.Rollback(op, ferrors.WriteFailure(op, err))
	}
	tracker.Clear()

	p.prune(versions, version)

	p.logger.Info("snapshot materialized",
		slog.String("line", lineRef),
		slog.String("version", version),
		slog.Int("files", len(tree)),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

// swap points the live symlink at target by renaming a new link over it.
func (p *Publisher) swap(lineRef, target string, tracker *ferrors.ResourceTracker) error {
	live := p.livePath(lineRef)

	if info, err := os.Lstat(live); err == nil && info.Mode()&fs.ModeSymlink == 0 {
		return fmt.Errorf("%s exists and is not a snapshot link", live)
	}

	tmp := filepath.Join(p.dir, "."+safeName(lineRef)+".link-"+uuid.NewString())
	if err := os.Symlink(target, tmp); err != nil {
		return err
	}
	tracker.Track(&ferrors.IntermediateResource{
		ResourceID:  tmp,
		Description: "temporary link",
		Cleanup: func() error {
			if err := os.Remove(tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			return nil
		},
	})

	return os.Rename(tmp, live)
}

func (p *Publisher) render(ctx context.Context, scratch, lineRef string, rev plumbing.Hash, tree repository.Tree) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for _, path := range tree.Paths() {
		entry := tree[path]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return p.renderFile(gctx, scratch, lineRef, rev, path, entry)
		})
	}

	return g.Wait()
}

func (p *Publisher) renderFile(ctx context.Context, scratch, lineRef string, rev plumbing.Hash, path string, entry repository.Entry) error {
	content, err := p.store.ReadBlob(entry.Hash)
	if err != nil {
		return err
	}

	outPath, out, err := p.renderer.Render(path, content)
	if err != nil {
		return fmt.Errorf("render %s: %w", path, err)
	}
	outPath = repository.CleanPath(outPath)
	if outPath == "" || outPath == "." {
		return fmt.Errorf("render %s: empty output path", path)
	}
	if strings.HasSuffix(outPath, MetaSuffix) {
		return fmt.Errorf("render %s: output path %s collides with sidecars", path, outPath)
	}

	dest := filepath.Join(scratch, filepath.FromSlash(outPath))
	if err := storage.EnsureStandardDir(filepath.Dir(dest)); err != nil {
		return err
	}
	if err := os.WriteFile(dest, out, 0644); err != nil {
		return err
	}

	meta, err := p.buildMeta(ctx, lineRef, rev, path)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(dest+MetaSuffix, data, 0644)
}

// buildMeta describes path as of rev, the revision being rendered, so a line
// that moves mid-render cannot skew the sidecars.
func (p *Publisher) buildMeta(ctx context.Context, lineRef string, rev plumbing.Hash, path string) (*Meta, error) {
	view, err := history.Compute(ctx, p.store, path, rev.String(), 0)
	if err != nil {
		return nil, err
	}

	meta := &Meta{
		Path:         path,
		Line:         lineRef,
		Contributors: view.Contributors(),
		Recent:       []MetaHistory{},
	}
	if len(view.Entries) > 0 {
		last := view.Entries[0]
		meta.Revision = string(last.Revision)
		meta.Author = last.Author
		meta.Timestamp = last.When
	}
	for i, e := range view.Entries {
		if i >= p.depth {
			break
		}
		meta.Recent = append(meta.Recent, MetaHistory{
			Revision: string(e.Revision),
			Author:   e.Author,
			When:     e.When,
			Subject:  e.Subject,
		})
	}
	return meta, nil
}

// prune removes all but the newest versions of a line. Failures are logged;
// the live version is never touched.
func (p *Publisher) prune(versions, live string) {
	entries, err := os.ReadDir(versions)
	if err != nil {
		return
	}

	type candidate struct {
		name string
		mod  time.Time
	}
	var old []candidate
	for _, e := range entries {
		if !e.IsDir() || e.Name() == live || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		old = append(old, candidate{name: e.Name(), mod: info.ModTime()})
	}

	sort.Slice(old, func(i, j int) bool { return old[i].mod.After(old[j].mod) })
	for i, c := range old {
		if i < p.keep-1 {
			continue
		}
		if err := os.RemoveAll(filepath.Join(versions, c.name)); err != nil {
			p.logger.Warn("failed to prune snapshot version",
				slog.String("version", c.name),
				slog.String("error", err.Error()))
		}
	}
}

func (p *Publisher) livePath(lineRef string) string {
	return filepath.Join(p.dir, safeName(lineRef))
}

func (p *Publisher) lineLock(lineRef string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.lines[lineRef]
	if !ok {
		l = &sync.Mutex{}
		p.lines[lineRef] = l
	}
	return l
}

func safeName(lineRef string) string {
	return strings.NewReplacer("/", "_", "\\", "_").Replace(lineRef)
}
