package sftp

import (
	"io"
	"os"
	"time"

	"github.com/pkg/sftp"

	"github.com/cuemby/warden/pkg/filesystem"
)

// fileInfo adapts filesystem.FileInfo to os.FileInfo for sftp.ListerAt.
type fileInfo struct{ fi filesystem.FileInfo }

func (f fileInfo) Name() string       { return f.fi.Name }
func (f fileInfo) Size() int64        { return f.fi.Size }
func (f fileInfo) Mode() os.FileMode  { return f.fi.Mode }
func (f fileInfo) ModTime() time.Time { return f.fi.MTime }
func (f fileInfo) IsDir() bool        { return f.fi.IsDir }
func (f fileInfo) Sys() any           { return nil }

// fileReader backs Fileread requests, entirely in-memory since
// pkg/filesystem's ReadFile already bounds file size via quota enforcement
// on write.
type fileReader struct{ fs *filesystem.Filesystem }

func (h *fileReader) Fileread(r *sftp.Request) (io.ReaderAt, error) {
	data, err := h.fs.ReadFile(r.Filepath)
	recordRequest("read", err)
	if err != nil {
		return nil, toSFTPStatus(err)
	}
	return &bytesReaderAt{data: data}, nil
}

type bytesReaderAt struct{ data []byte }

func (b *bytesReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// fileWriter backs Filewrite requests, buffering in memory and flushing to
// the scoped filesystem once the upload completes (Close), so
// WriteFile's denylist/quota checks see the whole payload at once rather
// than a partial stream.
type fileWriter struct {
	fs       *filesystem.Filesystem
	readOnly bool
}

func (h *fileWriter) Filewrite(r *sftp.Request) (io.WriterAt, error) {
	if h.readOnly {
		return nil, os.ErrPermission
	}
	return &bufferedWriter{fs: h.fs, path: r.Filepath}, nil
}

type bufferedWriter struct {
	fs   *filesystem.Filesystem
	path string
	buf  []byte
}

func (w *bufferedWriter) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(w.buf)) {
		grown := make([]byte, end)
		copy(grown, w.buf)
		w.buf = grown
	}
	copy(w.buf[off:end], p)
	return len(p), nil
}

// Close writes the whole buffered upload through the scoped filesystem.
func (w *bufferedWriter) Close() error {
	if err := w.fs.WriteFile(w.path, w.buf); err != nil {
		recordRequest("write", err)
		return toSFTPStatus(err)
	}
	return nil
}

// fileCmder backs Filecmd requests: remove, rename, mkdir, rmdir, symlink
// (rejected), setstat/chmod.
type fileCmder struct {
	fs       *filesystem.Filesystem
	readOnly bool
}

func (h *fileCmder) Filecmd(r *sftp.Request) error {
	if h.readOnly && r.Method != "Stat" {
		return os.ErrPermission
	}
	var err error
	switch r.Method {
	case "Setstat":
		if attrs := r.Attributes(); attrs != nil && attrs.Mode != 0 {
			err = h.fs.Chmod(r.Filepath, os.FileMode(attrs.Mode).Perm())
		}
	case "Rename":
		err = h.fs.Rename(r.Filepath, r.Target)
	case "Rmdir", "Remove":
		err = h.fs.Delete(r.Filepath)
	case "Mkdir":
		err = h.fs.CreateDirectory(r.Filepath)
	case "Symlink":
		err = os.ErrPermission // symlinks are not supported across the sandbox boundary
	default:
		err = os.ErrInvalid
	}
	recordRequest(r.Method, err)
	return toSFTPStatus(err)
}

// fileLister backs List/Stat requests; any other method (Readlink included)
// gets os.ErrInvalid.
type fileLister struct{ fs *filesystem.Filesystem }

func (h *fileLister) Filelist(r *sftp.Request) (sftp.ListerAt, error) {
	switch r.Method {
	case "List":
		entries, err := h.fs.ListDirectory(r.Filepath)
		recordRequest("list", err)
		if err != nil {
			return nil, toSFTPStatus(err)
		}
		infos := make([]os.FileInfo, len(entries))
		for i, e := range entries {
			infos[i] = fileInfo{fi: e}
		}
		return listerAt(infos), nil
	case "Stat":
		info, err := h.fs.Stat(r.Filepath)
		recordRequest("stat", err)
		if err != nil {
			return nil, toSFTPStatus(err)
		}
		return listerAt{fileInfo{fi: info}}, nil
	default:
		return nil, os.ErrInvalid
	}
}

type listerAt []os.FileInfo

func (l listerAt) ListAt(f []os.FileInfo, off int64) (int, error) {
	if off >= int64(len(l)) {
		return 0, io.EOF
	}
	n := copy(f, l[off:])
	if n < len(f) {
		return n, io.EOF
	}
	return n, nil
}
