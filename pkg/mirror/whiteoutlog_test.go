package mirror

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWhiteoutLog_ReplayTrimsAndSkipsBlanks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deleted")
	require.NoError(t, os.WriteFile(path, []byte("/a\n\n  /b  \n\n/a\n"), 0o644))

	var replayed []string
	log, err := openWhiteoutLog(path, func(p string) { replayed = append(replayed, p) })
	require.NoError(t, err)
	defer log.Close()

	// Duplicates are tolerated; blank lines are skipped.
	assert.Equal(t, []string{"/a", "/b", "/a"}, replayed)
}

func TestWhiteoutLog_AppendIsDurable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deleted")

	log, err := openWhiteoutLog(path, func(string) {})
	require.NoError(t, err)
	require.NoError(t, log.Append("/x"))
	require.NoError(t, log.Append("/y"))
	require.NoError(t, log.Close())

	var replayed []string
	log2, err := openWhiteoutLog(path, func(p string) { replayed = append(replayed, p) })
	require.NoError(t, err)
	defer log2.Close()
	assert.Equal(t, []string{"/x", "/y"}, replayed)
}

func TestWhiteoutLog_CreatedWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deleted")

	log, err := openWhiteoutLog(path, func(string) {
		t.Fatal("nothing to replay in a fresh log")
	})
	require.NoError(t, err)
	defer log.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err)
}
