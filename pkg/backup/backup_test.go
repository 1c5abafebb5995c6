package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warden/pkg/blocking"
)

func TestChecksumFileMatchesKnownSHA256(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	require.NoError(t, os.WriteFile(path, []byte("warden"), 0o644))

	checksum, size, err := checksumFile(path)
	require.NoError(t, err)
	assert.EqualValues(t, len("warden"), size)
	assert.Equal(t, "8bdb247a2a76e166450e193f185f0deeceedee6550589de2cd964e7ce36c9de6", checksum)
}

func newEngine(t *testing.T) (*Engine, string, string) {
	t.Helper()
	dataDir := t.TempDir()
	backupDir := t.TempDir()
	pool := blocking.New(2)
	t.Cleanup(pool.Stop)
	return New(dataDir, backupDir, pool, nil, nil), dataDir, backupDir
}

func TestCreateThenRestoreRoundTrips(t *testing.T) {
	engine, dataDir, _ := newEngine(t)

	serverDir := filepath.Join(dataDir, "srv-1")
	require.NoError(t, os.MkdirAll(serverDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(serverDir, "world.dat"), []byte("save state"), 0o644))

	result, err := engine.Create(context.Background(), "srv-1", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, result.Checksum)
	assert.Greater(t, result.SizeBytes, int64(0))

	backups, err := engine.List()
	require.NoError(t, err)
	require.Len(t, backups, 1)
	backupUUID := backups[0].UUID

	// Wipe the source so Restore has to recreate it from the archive.
	require.NoError(t, os.RemoveAll(serverDir))

	require.NoError(t, engine.Restore(context.Background(), "srv-1", backupUUID))

	restored, err := os.ReadFile(filepath.Join(serverDir, "world.dat"))
	require.NoError(t, err)
	assert.Equal(t, "save state", string(restored))
}

func TestDeleteRemovesArchive(t *testing.T) {
	engine, dataDir, backupDir := newEngine(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "srv-1"), 0o755))

	result, err := engine.Create(context.Background(), "srv-1", nil)
	require.NoError(t, err)
	backupUUID := filepath.Base(result.Path)
	backupUUID = backupUUID[:len(backupUUID)-len(".tar.gz")]

	require.NoError(t, engine.Delete(backupUUID))

	_, err = os.Stat(filepath.Join(backupDir, backupUUID+".tar.gz"))
	assert.True(t, os.IsNotExist(err))
}

func TestCreateRemovesPartialArchiveOnFailure(t *testing.T) {
	engine, dataDir, backupDir := newEngine(t)

	dest := filepath.Join(backupDir, "partial.tar.gz")
	missingSrc := filepath.Join(dataDir, "does-not-exist")

	_, err := engine.create(missingSrc, dest, nil)
	require.Error(t, err)

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestListReturnsEmptyWhenBackupDirMissing(t *testing.T) {
	pool := blocking.New(1)
	t.Cleanup(pool.Stop)
	engine := New(t.TempDir(), filepath.Join(t.TempDir(), "missing"), pool, nil, nil)

	backups, err := engine.List()
	require.NoError(t, err)
	assert.Empty(t, backups)
}
