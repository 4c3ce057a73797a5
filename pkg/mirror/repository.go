package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// mirrorDirName is the subdirectory of the overlay root that holds
// materialized content. The overlay root also carries sibling metadata
// (the whiteout log, the resource database) which must not collide with
// mirrored paths.
const mirrorDirName = "mirror"

// whiteoutLogName is the whiteout log file under the overlay root.
const whiteoutLogName = "deleted"

// Config holds the repository configuration.
type Config struct {
	SourceRoot  string // read-only lower layer
	OverlayRoot string // read-write upper layer
	Separator   string // host path separator, defaults to "/"
}

// Repository is the copy-on-write engine fusing a read-only source tree
// with a writable overlay. Reads resolve to the overlay when it is
// authoritative and fall through to the source otherwise; writes are
// redirected to the overlay after lazy materialization; deletions are
// recorded as durable whiteouts.
type Repository struct {
	source  string
	overlay string
	sep     string

	locals  *localSet
	log     *whiteoutLog
	flights singleflight.Group
}

// Open builds a repository over the given roots. It creates the overlay
// mirror directory, rebuilds the local set by walking the overlay tree
// and replaying the whiteout log, and retains the log descriptor for
// the process lifetime. Open completes before any request is served.
func Open(cfg Config) (*Repository, error) {
	sep := cfg.Separator
	if sep == "" {
		sep = "/"
	}

	source, err := filepath.Abs(cfg.SourceRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve source root: %w", err)
	}
	info, err := os.Stat(source)
	if err != nil {
		return nil, fmt.Errorf("failed to stat source root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source root is not a directory: %s", source)
	}

	overlay, err := filepath.Abs(cfg.OverlayRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve overlay root: %w", err)
	}

	r := &Repository{
		source:  source,
		overlay: overlay,
		sep:     sep,
		locals:  newLocalSet(),
	}

	mirrorRoot, err := Join(sep, overlay, mirrorDirName)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(mirrorRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create mirror directory: %w", err)
	}

	slog.Info("repository roots", "source", source, "overlay", overlay)

	if err := r.scanOverlay(mirrorRoot); err != nil {
		return nil, err
	}
	slog.Info("overlay scan complete", "locals", r.locals.len())

	logPath, err := Join(sep, overlay, whiteoutLogName)
	if err != nil {
		return nil, err
	}
	r.log, err = openWhiteoutLog(logPath, r.locals.add)
	if err != nil {
		return nil, err
	}
	slog.Info("whiteout log replayed", "locals", r.locals.len())

	return r, nil
}

// Close releases the whiteout log descriptor.
func (r *Repository) Close() error {
	return r.log.Close()
}

// SourceRoot returns the effective source root.
func (r *Repository) SourceRoot() string { return r.source }

// OverlayRoot returns the effective overlay root.
func (r *Repository) OverlayRoot() string { return r.overlay }

// SourcePath maps a logical path to its physical location in the
// source tree.
func (r *Repository) SourcePath(p string) (string, error) {
	return Join(r.sep, r.source, r.physical(p))
}

// OverlayPath maps a logical path to its physical location in the
// overlay mirror tree.
func (r *Repository) OverlayPath(p string) (string, error) {
	return Join(r.sep, r.overlay, mirrorDirName, r.physical(p))
}

// physical rewrites a logical path's separators for the host.
func (r *Repository) physical(p string) string {
	if r.sep == "/" {
		return p
	}
	return strings.ReplaceAll(p, "/", r.sep)
}

// Contains reports whether the overlay is authoritative for p.
func (r *Repository) Contains(p string) bool {
	return r.locals.has(p)
}

// scanOverlay walks the mirror tree iteratively and records the logical
// path of every leaf entry. Directories themselves are not recorded;
// their committed state lives in the whiteout log.
func (r *Repository) scanOverlay(mirrorRoot string) error {
	type frame struct {
		phys    string
		logical string
	}
	stack := []frame{{phys: mirrorRoot, logical: ""}}

	for len(stack) > 0 {
		fr := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := os.ReadDir(fr.phys)
		if err != nil {
			return fmt.Errorf("failed to scan overlay: %w", err)
		}
		for _, e := range entries {
			phys := filepath.Join(fr.phys, e.Name())
			logical := fr.logical + "/" + e.Name()
			if e.IsDir() {
				stack = append(stack, frame{phys: phys, logical: logical})
				continue
			}
			r.locals.add(logical)
		}
	}
	return nil
}

// ReadPath resolves a logical path to the physical path to open for
// reading. A path with a backward segment fails with ErrInvalidPath;
// otherwise it is total: the overlay wins when the local set or the
// overlay tree knows the path, the source serves everything else.
// Opening the result may still fail with the host's not-found error.
func (r *Repository) ReadPath(p string) (string, error) {
	ovl, err := r.OverlayPath(p)
	if err != nil {
		return "", err
	}
	if r.locals.has(p) {
		return ovl, nil
	}
	// Cold-path probe; once the path is materialized the local set
	// answers without touching the disk.
	if _, err := os.Lstat(ovl); err == nil {
		return ovl, nil
	}
	return r.SourcePath(p)
}

// ReadWritePath resolves a logical path for writing, materializing the
// source entry into the overlay first when needed. A path absent from
// both layers is admitted as a create: the caller produces the new file
// at the returned location.
func (r *Repository) ReadWritePath(ctx context.Context, p string) (string, error) {
	ovl, err := r.OverlayPath(p)
	if err != nil {
		return "", err
	}
	if r.locals.has(p) {
		return ovl, nil
	}

	if err := r.materialize(ctx, p); err != nil {
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
		// Nothing to copy: this is a create-new operation. The
		// overlay file the caller writes becomes the evidence.
		r.RegisterLocal(p, false)
	}
	return ovl, nil
}

// materialize lazily copies source_of(p) into overlay_of(p). Concurrent
// callers targeting the same overlay path share a single copy; the
// in-flight entry is evicted before the shared result is published, so
// a failed attempt can be restarted by the next caller.
func (r *Repository) materialize(ctx context.Context, p string) error {
	ovl, err := r.OverlayPath(p)
	if err != nil {
		return err
	}
	_, err, _ = r.flights.Do(ovl, func() (interface{}, error) {
		return nil, r.mirrorPath(ctx, p)
	})
	return err
}

// mirrorPath performs one materialization attempt for p. Paths the
// overlay already owns are skipped, so a retried directory copy never
// redoes finished children and never resurrects a whited-out entry.
func (r *Repository) mirrorPath(ctx context.Context, p string) error {
	if r.locals.has(p) {
		return nil
	}
	src, err := r.SourcePath(p)
	if err != nil {
		return err
	}
	dst, err := r.OverlayPath(p)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create overlay parent: %w", err)
	}

	switch err := copyFile(src, dst); {
	case err == nil:
		// The overlay file is itself the persistent evidence; no
		// log entry is needed.
		r.RegisterLocal(p, false)
		return nil
	case errors.Is(err, errIsDir):
		return r.mirrorDir(ctx, p, src, dst)
	default:
		if werr := translate(err); errors.Is(werr, ErrNotFound) {
			return werr
		}
		slog.Error("mirror failed", "path", p, "error", err)
		return translate(err)
	}
}

// mirrorDir materializes a source directory: the overlay directory is
// created, every child is materialized in parallel through the shared
// in-flight table, and on success the directory itself is committed
// durably. Partial content from a failed attempt is left in place; the
// next attempt finds those paths already local and skips them.
func (r *Repository) mirrorDir(ctx context.Context, p, src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		slog.Error("failed to read source directory", "path", p, "error", err)
		return translate(err)
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("failed to create overlay directory: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, e := range entries {
		child, err := Join("/", p, e.Name())
		if err != nil {
			return err
		}
		g.Go(func() error {
			return r.materialize(ctx, child)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return r.RegisterLocal(p, true)
}

// RegisterLocal records p as overlay-authoritative. With persist set
// the path is also appended to the whiteout log: deletions and
// committed directory subtrees must survive restart, while plain file
// copies are already evidenced by the overlay file itself. The in-memory
// set is updated first so readers observe the intent even if the append
// fails.
func (r *Repository) RegisterLocal(p string, persist bool) error {
	r.locals.add(p)
	if !persist {
		return nil
	}
	return r.log.Append(p)
}

// Remove deletes the overlay entry for p when present and records a
// persistent whiteout either way, so a source-only entry disappears
// from the fused view too. Directories must already be empty; the
// protocol layer drives the recursion child-first.
func (r *Repository) Remove(ctx context.Context, p string) error {
	ovl, err := r.OverlayPath(p)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(ovl); err == nil {
		if err := os.Remove(ovl); err != nil {
			return translate(err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return translate(err)
	}
	return r.RegisterLocal(p, true)
}

// ReadDir produces the logical children of directory p: overlay entries
// plus every source entry not superseded or whited out. A missing
// directory on one side falls back to the other; missing on both sides
// is ErrNotFound.
func (r *Repository) ReadDir(ctx context.Context, p string) ([]string, error) {
	src, err := r.SourcePath(p)
	if err != nil {
		return nil, err
	}
	ovl, err := r.OverlayPath(p)
	if err != nil {
		return nil, err
	}

	srcEntries, srcErr := os.ReadDir(src)
	ovlEntries, ovlErr := os.ReadDir(ovl)

	srcMissing := errors.Is(srcErr, fs.ErrNotExist)
	ovlMissing := errors.Is(ovlErr, fs.ErrNotExist)

	if srcErr != nil && !srcMissing {
		slog.Error("failed to read source directory", "path", p, "error", srcErr)
		return nil, translate(srcErr)
	}
	if ovlErr != nil && !ovlMissing {
		slog.Error("failed to read overlay directory", "path", p, "error", ovlErr)
		return nil, translate(ovlErr)
	}
	if srcMissing && ovlMissing {
		return nil, translate(srcErr)
	}

	names := make([]string, 0, len(srcEntries)+len(ovlEntries))
	for _, e := range srcEntries {
		child, err := Join("/", p, e.Name())
		if err != nil {
			return nil, err
		}
		if r.locals.has(child) {
			continue
		}
		names = append(names, e.Name())
	}
	for _, e := range ovlEntries {
		names = append(names, e.Name())
	}
	return names, nil
}

// copyFile copies src to dst, preserving the source permission bits.
// A directory source yields errIsDir so the caller can switch modes.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return errIsDir
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
