package fs

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"davmirror/pkg/mirror"
)

// Mounter manages the FUSE filesystem lifecycle.
type Mounter struct {
	server *fuse.Server
	path   string
}

// Mount mounts the fused repository view at the given path.
func Mount(path string, repo *mirror.Repository) (*Mounter, error) {
	root := &Node{
		path: "/",
		repo: repo,
	}

	timeout := time.Second
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			AllowOther: false,
			Debug:      false,
			FsName:     "davmirror",
			Name:       "davmirror",
		},
		AttrTimeout:  &timeout,
		EntryTimeout: &timeout,
	}

	server, err := fs.Mount(path, root, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to mount FUSE: %w", err)
	}

	return &Mounter{
		server: server,
		path:   path,
	}, nil
}

// Unmount cleanly unmounts the filesystem.
func (m *Mounter) Unmount() error {
	return m.server.Unmount()
}

// Wait blocks until the filesystem is unmounted.
func (m *Mounter) Wait() {
	m.server.Wait()
}

// Path returns the mount path.
func (m *Mounter) Path() string {
	return m.path
}

// mkdirAll creates a directory tree, mapping the error for FUSE.
func mkdirAll(path string) syscall.Errno {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fs.ToErrno(err)
	}
	return 0
}

// mkdirAllParent ensures the parent directory of path exists.
func mkdirAllParent(path string) syscall.Errno {
	return mkdirAll(filepath.Dir(path))
}
