package mirror

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoin_Normalization(t *testing.T) {
	tests := []struct {
		name     string
		segments []string
		want     string
	}{
		{"plain", []string{"/a", "b"}, "/a/b"},
		{"trailing separator", []string{"/a/", "b"}, "/a/b"},
		{"leading separator", []string{"/a", "/b"}, "/a/b"},
		{"both separators", []string{"/a/", "/b"}, "/a/b"},
		{"three segments", []string{"/root", "mirror", "/x/y.txt"}, "/root/mirror/x/y.txt"},
		{"empty segment skipped", []string{"/a", "", "b"}, "/a/b"},
		{"rooted single", []string{"/a"}, "/a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Join("/", tt.segments...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJoin_RejectsBackwardSegments(t *testing.T) {
	for _, segs := range [][]string{
		{"/a", ".."},
		{"/a", "../b"},
		{"/a/../b"},
		{"/a", "..hidden"},
		{"..", "a"},
	} {
		_, err := Join("/", segs...)
		assert.ErrorIs(t, err, ErrInvalidPath, "segments %v", segs)
	}
}

func TestLogical(t *testing.T) {
	for in, want := range map[string]string{
		"":       "/",
		"/":      "/",
		"a":      "/a",
		"/a/b":   "/a/b",
		"/a/b/":  "/a/b",
		"a/b.go": "/a/b.go",
	} {
		got, err := Logical(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, "input %q", in)
	}

	_, err := Logical("/a/../b")
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestNormalizeMode(t *testing.T) {
	assert.Equal(t, fs.FileMode(0o666), NormalizeMode(0o444))
	assert.Equal(t, fs.FileMode(0o606), NormalizeMode(0o604))
	assert.Equal(t, fs.FileMode(0o777), NormalizeMode(0o755))
	assert.Equal(t, fs.FileMode(0), NormalizeMode(0))
	assert.Equal(t, fs.ModeDir|0o777, NormalizeMode(fs.ModeDir|0o555))
}
