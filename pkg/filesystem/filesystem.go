// Package filesystem implements the quota-aware file operations (spec.md
// §4.6) scoped to one server's data root: every path goes through
// pkg/safepath, listings are served through pkg/dircache, and writes are
// gated by a denylist and a disk quota. Grounded on the teacher's (now
// removed) pkg/volume/local.go for the create/remove/rename idiom,
// generalized to a per-server sandboxed root.
package filesystem

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/cuemby/warden/pkg/apierror"
	"github.com/cuemby/warden/pkg/archive"
	"github.com/cuemby/warden/pkg/dircache"
	"github.com/cuemby/warden/pkg/safepath"
)

// FileInfo describes one directory entry as returned to callers (HTTP, SFTP).
type FileInfo struct {
	Name  string
	Path  string // virtual path, relative to the server root
	IsDir bool
	Size  int64
	Mode  os.FileMode
	MTime time.Time
}

// Filesystem is scoped to a single server's data root.
type Filesystem struct {
	root        string
	cache       *dircache.DirectoryCache
	denylist    *gitignore.GitIgnore
	quotaBytes  int64 // 0 = unlimited
	mountSource func(string) (string, error)
}

// New creates a Filesystem rooted at root. denylistGlobs follows gitignore
// glob syntax (spec.md §3 "file denylist (glob patterns)"). quotaBytes of 0
// means unlimited.
func New(root string, denylistGlobs []string, quotaBytes int64) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, apierror.Wrap(apierror.Fatal, "create server root", err)
	}
	var deny *gitignore.GitIgnore
	if len(denylistGlobs) > 0 {
		deny = gitignore.CompileIgnoreLines(denylistGlobs...)
	}
	return &Filesystem{
		root:        absRoot,
		cache:       dircache.New(),
		denylist:    deny,
		quotaBytes:  quotaBytes,
		mountSource: PrimaryMountSource,
	}, nil
}

// Root returns the canonicalized server root.
func (fs *Filesystem) Root() string { return fs.root }

func (fs *Filesystem) resolve(p string) (safepath.SafePath, error) {
	return safepath.Resolve(fs.root, p)
}

// denied reports whether the virtual path p matches the denylist.
func (fs *Filesystem) denied(p string) bool {
	if fs.denylist == nil {
		return false
	}
	rel := strings.TrimPrefix(p, "/")
	return fs.denylist.MatchesPath(rel)
}

// ListDirectory returns the entries of p, consulting the DirectoryCache
// first (spec.md §4.6).
func (fs *Filesystem) ListDirectory(p string) ([]FileInfo, error) {
	sp, err := fs.resolve(p)
	if err != nil {
		return nil, err
	}
	if cached, ok := fs.cache.Get(sp.Resolved); ok {
		return fromCacheEntries(sp.Relative(), cached), nil
	}

	entries, err := os.ReadDir(sp.Resolved)
	if err != nil {
		return nil, translateOSError(err)
	}
	out := make([]FileInfo, 0, len(entries))
	cacheEntries := make([]dircache.FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, FileInfo{
			Name:  e.Name(),
			Path:  filepath.ToSlash(filepath.Join(sp.Relative(), e.Name())),
			IsDir: e.IsDir(),
			Size:  info.Size(),
			Mode:  info.Mode(),
			MTime: info.ModTime(),
		})
		cacheEntries = append(cacheEntries, dircache.FileInfo{
			Name: e.Name(), IsDir: e.IsDir(), Size: info.Size(),
			Mode: uint32(info.Mode()), MTime: info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	fs.cache.Put(sp.Resolved, cacheEntries)
	return out, nil
}

func fromCacheEntries(dir string, entries []dircache.FileInfo) []FileInfo {
	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, FileInfo{
			Name: e.Name, Path: filepath.ToSlash(filepath.Join(dir, e.Name)),
			IsDir: e.IsDir, Size: e.Size,
			Mode: os.FileMode(e.Mode), MTime: e.MTime,
		})
	}
	return out
}

// ReadFile returns the full content of p.
func (fs *Filesystem) ReadFile(p string) ([]byte, error) {
	sp, err := fs.resolve(p)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(sp.Resolved)
	if err != nil {
		return nil, translateOSError(err)
	}
	return b, nil
}

// WriteFile writes data to p, enforcing the denylist and disk quota, then
// invalidates the cache for p and its parent.
func (fs *Filesystem) WriteFile(p string, data []byte) error {
	if fs.denied(p) {
		return apierror.New(apierror.Permission, "path matches denylist: "+p)
	}
	if err := fs.checkQuota(int64(len(data))); err != nil {
		return err
	}
	sp, err := fs.resolve(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(sp.Resolved), 0o755); err != nil {
		return apierror.Wrap(apierror.Fatal, "create parent directory", err)
	}
	if err := os.WriteFile(sp.Resolved, data, 0o644); err != nil {
		return translateOSError(err)
	}
	fs.invalidate(sp.Resolved)
	return nil
}

// CreateDirectory makes p (and any missing parents).
func (fs *Filesystem) CreateDirectory(p string) error {
	sp, err := fs.resolve(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(sp.Resolved, 0o755); err != nil {
		return translateOSError(err)
	}
	fs.invalidate(sp.Resolved)
	return nil
}

// Rename moves from to to, both virtual paths.
func (fs *Filesystem) Rename(from, to string) error {
	spFrom, err := fs.resolve(from)
	if err != nil {
		return err
	}
	spTo, err := fs.resolve(to)
	if err != nil {
		return err
	}
	if err := os.Rename(spFrom.Resolved, spTo.Resolved); err != nil {
		return translateOSError(err)
	}
	fs.invalidate(spFrom.Resolved)
	fs.invalidate(spTo.Resolved)
	return nil
}

// Copy duplicates src, auto-renaming the target with a " copy" suffix to
// avoid collisions (spec.md §4.6), and returns the new virtual path.
func (fs *Filesystem) Copy(src string) (string, error) {
	sp, err := fs.resolve(src)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(sp.Resolved)
	if err != nil {
		return "", translateOSError(err)
	}
	if info.IsDir() {
		return "", apierror.New(apierror.Validation, "copy of directories is unsupported")
	}

	dir := filepath.Dir(sp.Resolved)
	ext := filepath.Ext(sp.Resolved)
	base := strings.TrimSuffix(filepath.Base(sp.Resolved), ext)
	candidate := filepath.Join(dir, base+" copy"+ext)
	for i := 2; fileExists(candidate); i++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s copy %d%s", base, i, ext))
	}

	if err := fs.checkQuota(info.Size()); err != nil {
		return "", err
	}
	if err := copyFile(sp.Resolved, candidate); err != nil {
		return "", apierror.Wrap(apierror.Fatal, "copy file", err)
	}
	fs.invalidate(candidate)
	return filepath.ToSlash(strings.TrimPrefix(candidate, fs.root)), nil
}

// Delete removes p, recursively if it is a directory.
func (fs *Filesystem) Delete(p string) error {
	sp, err := fs.resolve(p)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(sp.Resolved); err != nil {
		return translateOSError(err)
	}
	fs.invalidate(sp.Resolved)
	return nil
}

// Stat returns a single entry's metadata without listing its parent
// directory, for callers (e.g. pkg/sftp's Stat/Lstat) that need just one
// path's info.
func (fs *Filesystem) Stat(p string) (FileInfo, error) {
	sp, err := fs.resolve(p)
	if err != nil {
		return FileInfo{}, err
	}
	info, err := os.Stat(sp.Resolved)
	if err != nil {
		return FileInfo{}, translateOSError(err)
	}
	return FileInfo{
		Name:  info.Name(),
		Path:  sp.Relative(),
		IsDir: info.IsDir(),
		Size:  info.Size(),
		Mode:  info.Mode(),
		MTime: info.ModTime(),
	}, nil
}

// Chmod changes p's permission bits only; ownership is never touched
// (spec.md §9 "SFTP SETSTAT").
func (fs *Filesystem) Chmod(p string, mode os.FileMode) error {
	sp, err := fs.resolve(p)
	if err != nil {
		return err
	}
	if err := os.Chmod(sp.Resolved, mode); err != nil {
		return translateOSError(err)
	}
	return nil
}

func (fs *Filesystem) invalidate(resolved string) {
	fs.cache.Invalidate(resolved)
}

func (fs *Filesystem) checkQuota(incoming int64) error {
	if fs.quotaBytes <= 0 {
		return nil
	}
	usage, err := fs.DiskUsage()
	if err != nil {
		return err
	}
	if usage+incoming > fs.quotaBytes {
		return apierror.New(apierror.Permission, "disk quota exceeded")
	}
	return nil
}

// DiskUsage walks the root and sums file sizes. Callers on a hot path must
// run this on pkg/blocking, matching spec.md §9's "disk walks ... must run
// on the blocking pool" caution.
func (fs *Filesystem) DiskUsage() (int64, error) {
	var total int64
	err := filepath.Walk(fs.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, apierror.Wrap(apierror.Transient, "disk usage walk", err)
	}
	return total, nil
}

// HasSpaceFor reports whether n additional bytes fit within the quota.
func (fs *Filesystem) HasSpaceFor(n int64) bool {
	if fs.quotaBytes <= 0 {
		return true
	}
	usage, err := fs.DiskUsage()
	if err != nil {
		return false
	}
	return usage+n <= fs.quotaBytes
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// Compress archives the named files (virtual paths, relative to root) under
// root into a new tar.gz placed alongside them and returns its FileInfo
// (spec.md §4.6 "compress(root, files)"). An empty files list archives
// everything under root.
func (fs *Filesystem) Compress(root string, files []string) (FileInfo, error) {
	sp, err := fs.resolve(root)
	if err != nil {
		return FileInfo{}, err
	}
	archiveName := "archive-" + time.Now().UTC().Format("20060102-150405") + ".tar.gz"
	dest := filepath.Join(sp.Resolved, archiveName)

	var ignore []string
	if len(files) > 0 {
		ignore = exclusionGlobsFor(sp.Resolved, files)
	}

	// Stage the archive outside sp.Resolved so the walk in archive.Create
	// never sees its own (partially written) output as a source entry, then
	// move the finished file into place.
	staged, err := os.CreateTemp("", "warden-compress-*.tar.gz")
	if err != nil {
		return FileInfo{}, apierror.Wrap(apierror.Fatal, "stage compress output", err)
	}
	stagedPath := staged.Name()
	staged.Close()
	defer os.Remove(stagedPath)

	err = archive.Create(archive.CreateOptions{
		SourceDir:      sp.Resolved,
		DestArchive:    stagedPath,
		Compression:    archive.Default,
		IgnorePatterns: ignore,
	})
	if err != nil {
		return FileInfo{}, apierror.Wrap(apierror.Fatal, "compress", err)
	}
	if err := os.Rename(stagedPath, dest); err != nil {
		if err := copyFile(stagedPath, dest); err != nil {
			return FileInfo{}, apierror.Wrap(apierror.Fatal, "move compressed archive into place", err)
		}
	}
	fs.invalidate(sp.Resolved)
	info, err := os.Stat(dest)
	if err != nil {
		return FileInfo{}, translateOSError(err)
	}
	return FileInfo{Name: archiveName, Path: filepath.ToSlash(filepath.Join(root, archiveName)), Size: info.Size(), Mode: info.Mode(), MTime: info.ModTime()}, nil
}

// exclusionGlobsFor builds a denylist that excludes everything under srcDir
// except the named top-level files/directories, so Compress can select a
// subset without the archive package needing an allowlist mode of its own.
func exclusionGlobsFor(srcDir string, files []string) []string {
	allow := make(map[string]bool, len(files))
	for _, f := range files {
		allow[strings.TrimPrefix(filepath.ToSlash(f), "/")] = true
	}
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return nil
	}
	var ignore []string
	for _, e := range entries {
		if !allow[e.Name()] {
			ignore = append(ignore, e.Name())
		}
	}
	return ignore
}

// Decompress extracts archive (a virtual path) into dest using the
// safe-extract algorithm (spec.md §4.13).
func (fs *Filesystem) Decompress(archivePath, dest string) error {
	spArchive, err := fs.resolve(archivePath)
	if err != nil {
		return err
	}
	spDest, err := fs.resolve(dest)
	if err != nil {
		return err
	}
	result, err := archive.SafeExtract(spArchive.Resolved, spDest.Resolved)
	if err != nil {
		return apierror.Wrap(apierror.Fatal, "decompress", err)
	}
	if result.Rejected > 0 {
		return apierror.New(apierror.Integrity, fmt.Sprintf("rejected %d unsafe archive entries", result.Rejected))
	}
	fs.invalidate(spDest.Resolved)
	return nil
}

func translateOSError(err error) error {
	if os.IsNotExist(err) {
		return apierror.Wrap(apierror.NotFound, "not found", err)
	}
	if os.IsPermission(err) {
		return apierror.Wrap(apierror.Permission, "permission denied", err)
	}
	if os.IsExist(err) {
		return apierror.Wrap(apierror.Conflict, "already exists", err)
	}
	return apierror.Wrap(apierror.Transient, "filesystem error", err)
}
