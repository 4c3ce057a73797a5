package mirror

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRepo builds a repository over fresh source and overlay roots.
func newTestRepo(t *testing.T) (*Repository, string, string) {
	t.Helper()
	source := t.TempDir()
	overlay := t.TempDir()
	repo, err := Open(Config{SourceRoot: source, OverlayRoot: overlay})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo, source, overlay
}

func writeSource(t *testing.T, source, rel, content string) {
	t.Helper()
	full := filepath.Join(source, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func ctx() context.Context { return context.Background() }

func TestReadPath_FallsThroughToSource(t *testing.T) {
	repo, source, _ := newTestRepo(t)
	writeSource(t, source, "a.txt", "hello")

	phys, err := repo.ReadPath("/a.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(source, "a.txt"), phys)

	data, err := os.ReadFile(phys)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestReadWritePath_LazyCopy(t *testing.T) {
	repo, source, overlay := newTestRepo(t)
	writeSource(t, source, "a.txt", "hello")

	phys, err := repo.ReadWritePath(ctx(), "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(overlay, "mirror", "a.txt"), phys)

	data, err := os.ReadFile(phys)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	assert.True(t, repo.Contains("/a.txt"))

	// A plain file copy leaves the whiteout log untouched.
	log, err := os.ReadFile(filepath.Join(overlay, "deleted"))
	require.NoError(t, err)
	assert.Empty(t, log)

	// Subsequent reads resolve to the overlay.
	rp, err := repo.ReadPath("/a.txt")
	require.NoError(t, err)
	assert.Equal(t, phys, rp)
}

func TestReadWritePath_CopiesAtMostOnce(t *testing.T) {
	repo, source, _ := newTestRepo(t)
	writeSource(t, source, "a.txt", "original")

	phys, err := repo.ReadWritePath(ctx(), "/a.txt")
	require.NoError(t, err)

	// Overwrite the overlay copy; a second resolution must not
	// re-copy the source over it.
	require.NoError(t, os.WriteFile(phys, []byte("modified"), 0o644))

	again, err := repo.ReadWritePath(ctx(), "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, phys, again)

	data, err := os.ReadFile(phys)
	require.NoError(t, err)
	assert.Equal(t, "modified", string(data))
}

func TestReadWritePath_ConcurrentDeduplication(t *testing.T) {
	repo, source, _ := newTestRepo(t)
	writeSource(t, source, "big.bin", "payload")

	const callers = 16
	paths := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := repo.ReadWritePath(ctx(), "/big.bin")
			assert.NoError(t, err)
			paths[i] = p
		}(i)
	}
	wg.Wait()

	for _, p := range paths {
		assert.Equal(t, paths[0], p)
	}
	data, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestReadWritePath_CreateNew(t *testing.T) {
	repo, _, overlay := newTestRepo(t)

	phys, err := repo.ReadWritePath(ctx(), "/new.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(overlay, "mirror", "new.txt"), phys)
	assert.True(t, repo.Contains("/new.txt"))

	// The caller produces the content; nothing exists yet.
	_, err = os.Lstat(phys)
	assert.True(t, os.IsNotExist(err))
}

func TestReadWritePath_DirectoryMaterialization(t *testing.T) {
	repo, source, overlay := newTestRepo(t)
	writeSource(t, source, "d/x.txt", "xx")
	writeSource(t, source, "d/sub/y.txt", "yy")

	phys, err := repo.ReadWritePath(ctx(), "/d")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(overlay, "mirror", "d"), phys)

	data, err := os.ReadFile(filepath.Join(overlay, "mirror", "d", "x.txt"))
	require.NoError(t, err)
	assert.Equal(t, "xx", string(data))

	data, err = os.ReadFile(filepath.Join(overlay, "mirror", "d", "sub", "y.txt"))
	require.NoError(t, err)
	assert.Equal(t, "yy", string(data))

	assert.True(t, repo.Contains("/d"))
	assert.True(t, repo.Contains("/d/x.txt"))
	assert.True(t, repo.Contains("/d/sub"))
	assert.True(t, repo.Contains("/d/sub/y.txt"))

	// Directory commits are journaled; file copies are not.
	log, err := os.ReadFile(filepath.Join(overlay, "deleted"))
	require.NoError(t, err)
	assert.Contains(t, string(log), "/d\n")
	assert.Contains(t, string(log), "/d/sub\n")
	assert.NotContains(t, string(log), "/d/x.txt")
}

func TestRemove_WhiteoutHidesSource(t *testing.T) {
	repo, source, overlay := newTestRepo(t)
	writeSource(t, source, "b.txt", "bye")

	require.NoError(t, repo.Remove(ctx(), "/b.txt"))

	names, err := repo.ReadDir(ctx(), "/")
	require.NoError(t, err)
	assert.NotContains(t, names, "b.txt")

	log, err := os.ReadFile(filepath.Join(overlay, "deleted"))
	require.NoError(t, err)
	assert.Contains(t, string(log), "/b.txt\n")

	// The resolved read path must not exist.
	phys, err := repo.ReadPath("/b.txt")
	require.NoError(t, err)
	_, err = os.Lstat(phys)
	assert.True(t, os.IsNotExist(err))
}

func TestRemove_OverlayFile(t *testing.T) {
	repo, source, _ := newTestRepo(t)
	writeSource(t, source, "a.txt", "hello")

	phys, err := repo.ReadWritePath(ctx(), "/a.txt")
	require.NoError(t, err)

	require.NoError(t, repo.Remove(ctx(), "/a.txt"))
	_, err = os.Lstat(phys)
	assert.True(t, os.IsNotExist(err))
	assert.True(t, repo.Contains("/a.txt"))
}

func TestRemove_MissingEverywhereSucceeds(t *testing.T) {
	repo, _, overlay := newTestRepo(t)

	require.NoError(t, repo.Remove(ctx(), "/ghost.txt"))

	log, err := os.ReadFile(filepath.Join(overlay, "deleted"))
	require.NoError(t, err)
	assert.Contains(t, string(log), "/ghost.txt\n")
}

func TestRoundTrip_WriteRemoveWrite(t *testing.T) {
	repo, source, _ := newTestRepo(t)
	writeSource(t, source, "a.txt", "hello")

	_, err := repo.ReadWritePath(ctx(), "/a.txt")
	require.NoError(t, err)
	require.NoError(t, repo.Remove(ctx(), "/a.txt"))

	// The path stays overlay-authoritative: the write resolves to the
	// overlay without re-copying the source, and the caller re-creates
	// the file there.
	phys, err := repo.ReadWritePath(ctx(), "/a.txt")
	require.NoError(t, err)
	assert.True(t, repo.Contains("/a.txt"))
	assert.Equal(t, filepath.Join(repo.OverlayRoot(), "mirror", "a.txt"), phys)

	require.NoError(t, os.WriteFile(phys, []byte("reborn"), 0o644))
	rp, err := repo.ReadPath("/a.txt")
	require.NoError(t, err)
	data, err := os.ReadFile(rp)
	require.NoError(t, err)
	assert.Equal(t, "reborn", string(data))
}

func TestReadDir_FusedListing(t *testing.T) {
	repo, source, overlay := newTestRepo(t)
	writeSource(t, source, "d/x", "x")
	writeSource(t, source, "d/y", "y")
	require.NoError(t, os.MkdirAll(filepath.Join(overlay, "mirror", "d"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(overlay, "mirror", "d", "z"), []byte("z"), 0o644))
	require.NoError(t, repo.Remove(ctx(), "/d/x"))

	names, err := repo.ReadDir(ctx(), "/d")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"y", "z"}, names)
}

func TestReadDir_OneSideMissing(t *testing.T) {
	repo, source, _ := newTestRepo(t)
	writeSource(t, source, "only/src.txt", "s")

	names, err := repo.ReadDir(ctx(), "/only")
	require.NoError(t, err)
	assert.Equal(t, []string{"src.txt"}, names)

	_, err = repo.ReadWritePath(ctx(), "/ovl/new.txt")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(repo.OverlayRoot(), "mirror", "ovl", "new.txt"), []byte("n"), 0o644))

	names, err = repo.ReadDir(ctx(), "/ovl")
	require.NoError(t, err)
	assert.Equal(t, []string{"new.txt"}, names)
}

func TestReadDir_MissingBothSides(t *testing.T) {
	repo, _, _ := newTestRepo(t)

	_, err := repo.ReadDir(ctx(), "/nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRestart_ReplaysState(t *testing.T) {
	source := t.TempDir()
	overlay := t.TempDir()
	writeSource(t, source, "a.txt", "hello")
	writeSource(t, source, "b.txt", "bye")

	repo, err := Open(Config{SourceRoot: source, OverlayRoot: overlay})
	require.NoError(t, err)

	_, err = repo.ReadWritePath(ctx(), "/a.txt")
	require.NoError(t, err)
	require.NoError(t, repo.Remove(ctx(), "/b.txt"))
	require.NoError(t, repo.Close())

	// Same roots, fresh process.
	repo2, err := Open(Config{SourceRoot: source, OverlayRoot: overlay})
	require.NoError(t, err)
	defer repo2.Close()

	assert.True(t, repo2.Contains("/a.txt"), "overlay scan rebuilds membership")
	assert.True(t, repo2.Contains("/b.txt"), "whiteout replay rebuilds membership")

	names, err := repo2.ReadDir(ctx(), "/")
	require.NoError(t, err)
	assert.Contains(t, names, "a.txt")
	assert.NotContains(t, names, "b.txt")

	phys, err := repo2.ReadPath("/a.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(overlay, "mirror", "a.txt"), phys)
}

func TestReadWritePath_RejectsBackwardPath(t *testing.T) {
	repo, _, _ := newTestRepo(t)

	_, err := repo.ReadWritePath(ctx(), "/../escape")
	assert.ErrorIs(t, err, ErrInvalidPath)

	_, err = repo.ReadPath("/../escape")
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestMaterialize_SourceContentSnapshot(t *testing.T) {
	repo, source, _ := newTestRepo(t)
	writeSource(t, source, "f.txt", "v1")

	phys, err := repo.ReadWritePath(ctx(), "/f.txt")
	require.NoError(t, err)

	// Later source edits are invisible through the overlay copy.
	writeSource(t, source, "f.txt", "v2")
	data, err := os.ReadFile(phys)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
}
