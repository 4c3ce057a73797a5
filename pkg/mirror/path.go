package mirror

import (
	"io/fs"
	"strings"
)

// Join concatenates path segments with single separators. A trailing
// separator on the left of a junction and a leading separator on the
// right collapse to one; a missing separator is inserted. Any segment
// component beginning with ".." is rejected with ErrInvalidPath, so a
// joined path can never climb out of its root.
func Join(sep string, segments ...string) (string, error) {
	var b strings.Builder
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		for _, part := range strings.Split(seg, sep) {
			if strings.HasPrefix(part, "..") {
				return "", ErrInvalidPath
			}
		}
		if b.Len() == 0 {
			b.WriteString(seg)
			continue
		}
		left := strings.HasSuffix(b.String(), sep)
		right := strings.HasPrefix(seg, sep)
		switch {
		case left && right:
			b.WriteString(seg[len(sep):])
		case !left && !right:
			b.WriteString(sep)
			b.WriteString(seg)
		default:
			b.WriteString(seg)
		}
	}
	return b.String(), nil
}

// Logical normalizes a client-supplied path into a logical path: rooted
// at "/", forward-slash separated, no trailing slash except for the
// root itself.
func Logical(p string) (string, error) {
	if p == "" {
		return "/", nil
	}
	for _, part := range strings.Split(p, "/") {
		if strings.HasPrefix(part, "..") {
			return "", ErrInvalidPath
		}
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return p, nil
}

// NormalizeMode forces the write permission on wherever the matching
// read permission is set. The fused view must look writable to clients
// even when the source tree is mounted read-only.
func NormalizeMode(m fs.FileMode) fs.FileMode {
	return m | (m & 0o444 >> 1)
}
