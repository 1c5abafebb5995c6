package sftp

import (
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warden/pkg/apierror"
	"github.com/cuemby/warden/pkg/filesystem"
)

func TestBytesReaderAtReadsWithinBounds(t *testing.T) {
	r := &bytesReaderAt{data: []byte("hello world")}

	buf := make([]byte, 5)
	n, err := r.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf))
}

func TestBytesReaderAtReturnsEOFPastEnd(t *testing.T) {
	r := &bytesReaderAt{data: []byte("short")}
	buf := make([]byte, 4)

	n, err := r.ReadAt(buf, 10)
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)
}

func TestBytesReaderAtShortReadReturnsEOF(t *testing.T) {
	r := &bytesReaderAt{data: []byte("hi")}
	buf := make([]byte, 5)

	n, err := r.ReadAt(buf, 0)
	assert.Equal(t, 2, n)
	assert.Equal(t, io.EOF, err)
}

func TestListerAtPaginatesEntries(t *testing.T) {
	entries := listerAt{
		fileInfo{fi: filesystem.FileInfo{Name: "a"}},
		fileInfo{fi: filesystem.FileInfo{Name: "b"}},
		fileInfo{fi: filesystem.FileInfo{Name: "c"}},
	}

	out := make([]os.FileInfo, 2)
	n, err := entries.ListAt(out, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "a", out[0].Name())
	assert.Equal(t, "b", out[1].Name())

	out = make([]os.FileInfo, 2)
	n, err = entries.ListAt(out, 2)
	assert.Equal(t, 1, n)
	assert.Equal(t, io.EOF, err)
}

func TestFileInfoAdaptsFilesystemFileInfo(t *testing.T) {
	now := time.Now()
	fi := fileInfo{fi: filesystem.FileInfo{
		Name: "server.properties", Size: 42, IsDir: false, MTime: now,
	}}

	assert.Equal(t, "server.properties", fi.Name())
	assert.EqualValues(t, 42, fi.Size())
	assert.False(t, fi.IsDir())
	assert.Equal(t, now, fi.ModTime())
	assert.Nil(t, fi.Sys())
}

func TestToSFTPStatusMapsErrorKinds(t *testing.T) {
	assert.NoError(t, toSFTPStatus(nil))
	assert.Equal(t, os.ErrNotExist, toSFTPStatus(apierror.New(apierror.NotFound, "missing")))
	assert.Equal(t, os.ErrPermission, toSFTPStatus(apierror.New(apierror.Permission, "denied")))
	assert.Equal(t, os.ErrPermission, toSFTPStatus(apierror.New(apierror.Validation, "bad path")))

	other := apierror.New(apierror.Fatal, "boom")
	assert.Equal(t, other, toSFTPStatus(other))
}
