package filesystem

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warden/pkg/apierror"
)

func newFS(t *testing.T, denylist []string, quota int64) *Filesystem {
	t.Helper()
	fs, err := New(t.TempDir(), denylist, quota)
	require.NoError(t, err)
	return fs
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	fs := newFS(t, nil, 0)
	require.NoError(t, fs.WriteFile("/server.properties", []byte("motd=hi")))

	data, err := fs.ReadFile("/server.properties")
	require.NoError(t, err)
	assert.Equal(t, "motd=hi", string(data))
}

func TestStatReturnsMetadataForSingleFile(t *testing.T) {
	fs := newFS(t, nil, 0)
	require.NoError(t, fs.WriteFile("/world/level.dat", []byte("xyz")))

	info, err := fs.Stat("/world/level.dat")
	require.NoError(t, err)
	assert.Equal(t, "level.dat", info.Name)
	assert.False(t, info.IsDir)
	assert.EqualValues(t, 3, info.Size)
}

func TestStatReturnsNotFoundForMissingPath(t *testing.T) {
	fs := newFS(t, nil, 0)
	_, err := fs.Stat("/missing.txt")
	require.Error(t, err)
	assert.Equal(t, apierror.NotFound, apierror.KindOf(err))
}

func TestWriteFileRejectsDenylistedPath(t *testing.T) {
	fs := newFS(t, []string{"*.bak"}, 0)
	err := fs.WriteFile("/dump.bak", []byte("x"))
	require.Error(t, err)
	assert.Equal(t, apierror.Permission, apierror.KindOf(err))
}

func TestWriteFileEnforcesQuota(t *testing.T) {
	fs := newFS(t, nil, 5)
	require.NoError(t, fs.WriteFile("/a.txt", []byte("12345")))

	err := fs.WriteFile("/b.txt", []byte("x"))
	require.Error(t, err)
	assert.Equal(t, apierror.Permission, apierror.KindOf(err))
}

func TestListDirectorySortsEntriesByName(t *testing.T) {
	fs := newFS(t, nil, 0)
	require.NoError(t, fs.WriteFile("/b.txt", []byte("b")))
	require.NoError(t, fs.WriteFile("/a.txt", []byte("a")))

	entries, err := fs.ListDirectory("/")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a.txt", entries[0].Name)
	assert.Equal(t, "b.txt", entries[1].Name)
}

func TestListDirectoryServesFromCacheOnSecondCall(t *testing.T) {
	fs := newFS(t, nil, 0)
	require.NoError(t, fs.WriteFile("/a.txt", []byte("a")))

	first, err := fs.ListDirectory("/")
	require.NoError(t, err)

	// Write directly to disk, bypassing WriteFile's cache invalidation, to
	// prove the second ListDirectory call is served from the cache rather
	// than re-reading the directory.
	require.NoError(t, os.WriteFile(filepath.Join(fs.Root(), "b.txt"), []byte("b"), 0o644))

	second, err := fs.ListDirectory("/")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRenameInvalidatesCache(t *testing.T) {
	fs := newFS(t, nil, 0)
	require.NoError(t, fs.WriteFile("/old.txt", []byte("x")))
	_, err := fs.ListDirectory("/")
	require.NoError(t, err)

	require.NoError(t, fs.Rename("/old.txt", "/new.txt"))

	entries, err := fs.ListDirectory("/")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "new.txt", entries[0].Name)
}

func TestCopyAppendsCopySuffixOnCollision(t *testing.T) {
	fs := newFS(t, nil, 0)
	require.NoError(t, fs.WriteFile("/plugin.jar", []byte("binary")))

	firstCopy, err := fs.Copy("/plugin.jar")
	require.NoError(t, err)
	assert.Equal(t, "/plugin copy.jar", firstCopy)

	secondCopy, err := fs.Copy("/plugin.jar")
	require.NoError(t, err)
	assert.Equal(t, "/plugin copy 2.jar", secondCopy)
}

func TestDeleteRemovesDirectoryRecursively(t *testing.T) {
	fs := newFS(t, nil, 0)
	require.NoError(t, fs.WriteFile("/dir/nested.txt", []byte("x")))

	require.NoError(t, fs.Delete("/dir"))

	_, err := fs.Stat("/dir/nested.txt")
	assert.Error(t, err)
}

func TestDotDotAtVirtualRootStaysSandboxed(t *testing.T) {
	// A leading ".." is collapsed against the virtual root rather than
	// treated as an escape, per safepath's rule that '/' is always root.
	fs := newFS(t, nil, 0)
	require.NoError(t, fs.WriteFile("../../etc/passwd", []byte("not actually /etc/passwd")))

	data, err := fs.ReadFile("/etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, "not actually /etc/passwd", string(data))
}

func TestResolveRejectsSymlinkEscapingRoot(t *testing.T) {
	fs := newFS(t, nil, 0)
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("s"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(fs.Root(), "escape")))

	_, err := fs.ReadFile("/escape/secret.txt")
	assert.Error(t, err)
}

func TestHasSpaceForRespectsQuota(t *testing.T) {
	fs := newFS(t, nil, 10)
	require.NoError(t, fs.WriteFile("/a.txt", []byte("12345")))

	assert.True(t, fs.HasSpaceFor(5))
	assert.False(t, fs.HasSpaceFor(6))
}

func TestCompressThenDecompressRoundTrips(t *testing.T) {
	fs := newFS(t, nil, 0)
	require.NoError(t, fs.WriteFile("/data.txt", []byte("payload")))

	info, err := fs.Compress("/", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, info.Name)

	destFs := newFS(t, nil, 0)
	archiveBytes, err := fs.ReadFile("/" + info.Name)
	require.NoError(t, err)
	require.NoError(t, destFs.WriteFile("/incoming.tar.gz", archiveBytes))

	require.NoError(t, destFs.Decompress("/incoming.tar.gz", "/"))

	data, err := destFs.ReadFile("/data.txt")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}
