package mirror

import (
	"errors"
	"io/fs"
	"os"
	"syscall"
)

// Common errors
var (
	ErrInvalidPath = errors.New("invalid path")
	ErrNotFound    = errors.New("file not found")
	ErrExists      = errors.New("file exists")
	ErrNotEmpty    = errors.New("directory not empty")
	ErrNoAccess    = errors.New("permission denied")
)

// errIsDir signals that a file copy hit a source directory. It never
// escapes the package; materialization recovers by switching to
// directory mode.
var errIsDir = errors.New("is a directory")

// translate maps host filesystem errors onto package sentinels while
// keeping the host error in the chain for diagnostics.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return errors.Join(ErrNotFound, err)
	case errors.Is(err, fs.ErrExist):
		return errors.Join(ErrExists, err)
	case errors.Is(err, fs.ErrPermission):
		return errors.Join(ErrNoAccess, err)
	case errors.Is(err, syscall.ENOTEMPTY):
		return errors.Join(ErrNotEmpty, err)
	default:
		return err
	}
}

// ToErrno converts repository errors to syscall.Errno for the FUSE layer.
func ToErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return syscall.ENOENT
	}
	if errors.Is(err, ErrExists) || errors.Is(err, os.ErrExist) {
		return syscall.EEXIST
	}
	if errors.Is(err, ErrNotEmpty) {
		return syscall.ENOTEMPTY
	}
	if errors.Is(err, ErrInvalidPath) {
		return syscall.EINVAL
	}
	if errors.Is(err, ErrNoAccess) || errors.Is(err, os.ErrPermission) {
		return syscall.EACCES
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return syscall.EIO
}
