// Package dav exposes the mirror repository to WebDAV clients. It
// implements webdav.FileSystem on top of the repository's path
// resolution and carries the per-path resource metadata the protocol
// needs (dead properties, locks).
package dav

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"

	"golang.org/x/net/webdav"

	"davmirror/pkg/meta"
	"davmirror/pkg/mirror"
)

// Dir is a webdav.FileSystem backed by the mirror repository. All
// client-visible paths are logical paths; physical resolution and
// copy-on-write happen in the repository.
type Dir struct {
	repo *mirror.Repository
	meta *meta.Store
}

// NewDir builds the filesystem adapter.
func NewDir(repo *mirror.Repository, store *meta.Store) *Dir {
	return &Dir{repo: repo, meta: store}
}

var _ webdav.FileSystem = (*Dir)(nil)

// writeIntent reports whether the open flags require the overlay.
func writeIntent(flag int) bool {
	return flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0
}

// fileInfo decorates a host FileInfo with the logical name and the
// normalized mode so the fused view appears writable.
type fileInfo struct {
	os.FileInfo
	name string
}

func (fi fileInfo) Name() string { return fi.name }

func (fi fileInfo) Mode() fs.FileMode {
	return mirror.NormalizeMode(fi.FileInfo.Mode())
}

// Stat resolves the logical path and stats its physical location
// through the per-request cache.
func (d *Dir) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	logical, err := mirror.Logical(name)
	if err != nil {
		return nil, err
	}
	phys, err := d.repo.ReadPath(logical)
	if err != nil {
		return nil, err
	}
	fi, err := statPath(ctx, phys)
	if err != nil {
		return nil, err
	}
	return fileInfo{FileInfo: fi, name: path.Base(logical)}, nil
}

// OpenFile opens the logical path, promoting it to the overlay first
// when the flags carry write intent. Source files are never opened for
// writing.
func (d *Dir) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	logical, err := mirror.Logical(name)
	if err != nil {
		return nil, err
	}

	var phys string
	if writeIntent(flag) {
		phys, err = d.repo.ReadWritePath(ctx, logical)
	} else {
		phys, err = d.repo.ReadPath(logical)
	}
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(phys, flag, perm)
	if err != nil {
		return nil, err
	}
	return &file{
		f:       f,
		d:       d,
		ctx:     ctx,
		logical: logical,
	}, nil
}

// Mkdir creates a directory in the overlay and registers it durably.
func (d *Dir) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	logical, err := mirror.Logical(name)
	if err != nil {
		return err
	}
	if _, err := d.Stat(ctx, logical); err == nil {
		return os.ErrExist
	}
	phys, err := d.repo.OverlayPath(logical)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(path.Dir(phys), 0o755); err != nil {
		return err
	}
	if err := os.Mkdir(phys, perm); err != nil {
		return err
	}
	return d.repo.RegisterLocal(logical, true)
}

// RemoveAll removes the logical subtree child-first through the fused
// listing; every node ends in a repository removal, so each one leaves
// a persistent whiteout.
func (d *Dir) RemoveAll(ctx context.Context, name string) error {
	logical, err := mirror.Logical(name)
	if err != nil {
		return err
	}
	if err := d.removeTree(ctx, logical); err != nil {
		return err
	}
	return d.meta.DeletePath(ctx, logical)
}

func (d *Dir) removeTree(ctx context.Context, logical string) error {
	fi, err := d.Stat(ctx, logical)
	if err == nil && fi.IsDir() {
		children, err := d.repo.ReadDir(ctx, logical)
		if err != nil && !errors.Is(err, mirror.ErrNotFound) {
			return err
		}
		for _, child := range children {
			childPath, err := mirror.Join("/", logical, child)
			if err != nil {
				return err
			}
			if err := d.removeTree(ctx, childPath); err != nil {
				return err
			}
		}
	}
	return d.repo.Remove(ctx, logical)
}

// Rename materializes the old entry, moves it within the overlay,
// whiteouts the old path and registers the new one. Move-overwrite is
// the protocol layer's job: it removes the destination before calling
// in here.
func (d *Dir) Rename(ctx context.Context, oldName, newName string) error {
	oldL, err := mirror.Logical(oldName)
	if err != nil {
		return err
	}
	newL, err := mirror.Logical(newName)
	if err != nil {
		return err
	}

	fi, err := d.Stat(ctx, oldL)
	if err != nil {
		return err
	}

	// Pull the whole entry into the overlay so the rename never
	// crosses layers. For directories this commits the subtree.
	if _, err := d.repo.ReadWritePath(ctx, oldL); err != nil {
		return err
	}

	oldPhys, err := d.repo.OverlayPath(oldL)
	if err != nil {
		return err
	}
	newPhys, err := d.repo.OverlayPath(newL)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(path.Dir(newPhys), 0o755); err != nil {
		return err
	}
	if err := os.Rename(oldPhys, newPhys); err != nil {
		return err
	}

	// Directories are committed durably; a renamed file's overlay
	// entry is its own evidence.
	if err := d.repo.RegisterLocal(newL, fi.IsDir()); err != nil {
		return err
	}
	if err := d.repo.Remove(ctx, oldL); err != nil {
		return err
	}
	return d.meta.MovePath(ctx, oldL, newL)
}
