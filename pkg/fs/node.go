// Package fs mounts the fused repository view as a FUSE filesystem.
// Every node resolves its logical path through the repository, so the
// mount shows the overlay fused over the source exactly like the
// WebDAV front-end does.
package fs

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"davmirror/pkg/mirror"
)

// Node is a FUSE node addressed by its logical path.
type Node struct {
	fs.Inode
	path string
	repo *mirror.Repository
}

// Ensure interface compliance at compile time
var (
	_ fs.InodeEmbedder  = (*Node)(nil)
	_ fs.NodeLookuper   = (*Node)(nil)
	_ fs.NodeGetattrer  = (*Node)(nil)
	_ fs.NodeSetattrer  = (*Node)(nil)
	_ fs.NodeReaddirer  = (*Node)(nil)
	_ fs.NodeMkdirer    = (*Node)(nil)
	_ fs.NodeRmdirer    = (*Node)(nil)
	_ fs.NodeCreater    = (*Node)(nil)
	_ fs.NodeUnlinker   = (*Node)(nil)
	_ fs.NodeRenamer    = (*Node)(nil)
	_ fs.NodeOpener     = (*Node)(nil)
	_ fs.NodeReadlinker = (*Node)(nil)
	_ fs.NodeStatfser   = (*Node)(nil)
)

// childPath returns the logical path for a child with the given name.
func (n *Node) childPath(name string) string {
	if n.path == "/" {
		return "/" + name
	}
	return n.path + "/" + name
}

// normalizeMode forces write permission on wherever read permission is
// set, matching the protocol-facing mode policy.
func normalizeMode(mode uint32) uint32 {
	return mode | (mode & 0o444 >> 1)
}

// lstatLogical resolves a logical path for reading and lstats it.
func (n *Node) lstatLogical(p string) (*syscall.Stat_t, syscall.Errno) {
	phys, err := n.repo.ReadPath(p)
	if err != nil {
		return nil, mirror.ToErrno(err)
	}
	var st syscall.Stat_t
	if err := syscall.Lstat(phys, &st); err != nil {
		return nil, fs.ToErrno(err)
	}
	return &st, 0
}

func fillAttr(st *syscall.Stat_t, attr *fuse.Attr) {
	attr.FromStat(st)
	attr.Mode = normalizeMode(attr.Mode)
}

// Lookup finds a child by name.
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	childPath := n.childPath(name)

	st, errno := n.lstatLogical(childPath)
	if errno != 0 {
		return nil, errno
	}

	fillAttr(st, &out.Attr)

	child := &Node{path: childPath, repo: n.repo}
	return n.NewInode(ctx, child, fs.StableAttr{
		Mode: uint32(st.Mode),
		Ino:  st.Ino,
	}), 0
}

// Getattr returns file attributes.
func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	st, errno := n.lstatLogical(n.path)
	if errno != 0 {
		return errno
	}
	fillAttr(st, &out.Attr)
	return 0
}

// Setattr applies size, mode and time changes to the overlay copy.
func (n *Node) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	phys, err := n.repo.ReadWritePath(ctx, n.path)
	if err != nil {
		return mirror.ToErrno(err)
	}

	if sz, ok := in.GetSize(); ok {
		if err := syscall.Truncate(phys, int64(sz)); err != nil {
			return fs.ToErrno(err)
		}
	}
	if mode, ok := in.GetMode(); ok {
		if err := syscall.Chmod(phys, mode); err != nil {
			return fs.ToErrno(err)
		}
	}
	atime, aok := in.GetATime()
	mtime, mok := in.GetMTime()
	if aok && mok {
		ts := []syscall.Timeval{
			{Sec: atime.Unix()},
			{Sec: mtime.Unix()},
		}
		if err := syscall.Utimes(phys, ts); err != nil {
			return fs.ToErrno(err)
		}
	}

	return n.Getattr(ctx, fh, out)
}

// Readdir returns the fused directory listing.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	names, err := n.repo.ReadDir(ctx, n.path)
	if err != nil {
		return nil, mirror.ToErrno(err)
	}

	entries := make([]fuse.DirEntry, 0, len(names))
	for _, name := range names {
		entry := fuse.DirEntry{Name: name}
		if st, errno := n.lstatLogical(n.childPath(name)); errno == 0 {
			entry.Mode = uint32(st.Mode)
			entry.Ino = st.Ino
		}
		entries = append(entries, entry)
	}
	return fs.NewListDirStream(entries), 0
}

// Open opens the file, promoting it to the overlay on write intent.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	var (
		phys string
		err  error
	)
	if int(flags)&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC|syscall.O_APPEND) != 0 {
		phys, err = n.repo.ReadWritePath(ctx, n.path)
	} else {
		phys, err = n.repo.ReadPath(n.path)
	}
	if err != nil {
		return nil, 0, mirror.ToErrno(err)
	}

	fd, serr := syscall.Open(phys, int(flags), 0)
	if serr != nil {
		return nil, 0, fs.ToErrno(serr)
	}
	return fs.NewLoopbackFile(fd), 0, 0
}

// Create makes a new file in the overlay.
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	childPath := n.childPath(name)

	phys, err := n.repo.ReadWritePath(ctx, childPath)
	if err != nil {
		return nil, nil, 0, mirror.ToErrno(err)
	}

	fd, serr := syscall.Open(phys, int(flags)|syscall.O_CREAT, mode)
	if serr != nil {
		return nil, nil, 0, fs.ToErrno(serr)
	}

	var st syscall.Stat_t
	if serr := syscall.Lstat(phys, &st); serr != nil {
		syscall.Close(fd)
		return nil, nil, 0, fs.ToErrno(serr)
	}
	fillAttr(&st, &out.Attr)

	child := &Node{path: childPath, repo: n.repo}
	inode := n.NewInode(ctx, child, fs.StableAttr{
		Mode: uint32(st.Mode),
		Ino:  st.Ino,
	})
	return inode, fs.NewLoopbackFile(fd), 0, 0
}

// Mkdir creates a directory in the overlay and commits it durably.
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	childPath := n.childPath(name)

	phys, err := n.repo.OverlayPath(childPath)
	if err != nil {
		return nil, mirror.ToErrno(err)
	}
	parent, err := n.repo.OverlayPath(n.path)
	if err != nil {
		return nil, mirror.ToErrno(err)
	}
	if serr := mkdirAll(parent); serr != 0 {
		return nil, serr
	}
	if serr := syscall.Mkdir(phys, mode); serr != nil {
		return nil, fs.ToErrno(serr)
	}
	if err := n.repo.RegisterLocal(childPath, true); err != nil {
		return nil, mirror.ToErrno(err)
	}

	var st syscall.Stat_t
	if serr := syscall.Lstat(phys, &st); serr != nil {
		return nil, fs.ToErrno(serr)
	}
	fillAttr(&st, &out.Attr)

	child := &Node{path: childPath, repo: n.repo}
	return n.NewInode(ctx, child, fs.StableAttr{
		Mode: uint32(st.Mode),
		Ino:  st.Ino,
	}), 0
}

// Unlink removes a file, leaving a whiteout.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	return mirror.ToErrno(n.repo.Remove(ctx, n.childPath(name)))
}

// Rmdir removes a directory, leaving a whiteout. A directory whose fused
// listing still has entries is refused with ENOTEMPTY.
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	childPath := n.childPath(name)
	names, err := n.repo.ReadDir(ctx, childPath)
	if err == nil && len(names) > 0 {
		return syscall.ENOTEMPTY
	}
	return mirror.ToErrno(n.repo.Remove(ctx, childPath))
}

// Rename materializes the old entry, moves it inside the overlay and
// whiteouts the old path.
func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	newParentNode, ok := newParent.(*Node)
	if !ok {
		return syscall.EINVAL
	}
	oldPath := n.childPath(name)
	newPath := newParentNode.childPath(newName)

	st, errno := n.lstatLogical(oldPath)
	if errno != 0 {
		return errno
	}

	if _, err := n.repo.ReadWritePath(ctx, oldPath); err != nil {
		return mirror.ToErrno(err)
	}

	oldPhys, err := n.repo.OverlayPath(oldPath)
	if err != nil {
		return mirror.ToErrno(err)
	}
	newPhys, err := n.repo.OverlayPath(newPath)
	if err != nil {
		return mirror.ToErrno(err)
	}
	if serr := mkdirAllParent(newPhys); serr != 0 {
		return serr
	}
	if serr := syscall.Rename(oldPhys, newPhys); serr != nil {
		return fs.ToErrno(serr)
	}

	isDir := st.Mode&syscall.S_IFMT == syscall.S_IFDIR
	if err := n.repo.RegisterLocal(newPath, isDir); err != nil {
		return mirror.ToErrno(err)
	}
	return mirror.ToErrno(n.repo.Remove(ctx, oldPath))
}

// Readlink reads a symbolic link from whichever layer holds it.
func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	phys, err := n.repo.ReadPath(n.path)
	if err != nil {
		return nil, mirror.ToErrno(err)
	}
	buf := make([]byte, 4096)
	cnt, serr := syscall.Readlink(phys, buf)
	if serr != nil {
		return nil, fs.ToErrno(serr)
	}
	return buf[:cnt], 0
}

// Statfs reports the overlay filesystem's statistics since that is
// where writes land.
func (n *Node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	var st syscall.Statfs_t
	if err := syscall.Statfs(n.repo.OverlayRoot(), &st); err != nil {
		return fs.ToErrno(err)
	}
	out.FromStatfsT(&st)
	return 0
}
