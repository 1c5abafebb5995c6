// Package archive implements streaming tar+gzip creation and the safe-extract
// algorithm (spec.md §4.13) shared by pkg/filesystem's compress/decompress
// operations, pkg/backup, and pkg/transfer. Using a single implementation
// keeps the zip-slip guard in one place instead of duplicated per caller.
package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/cuemby/warden/pkg/bufpool"
)

// CompressionLevel mirrors spec.md §4.10's Fast/Default/Best tri-state.
type CompressionLevel int

const (
	Fast CompressionLevel = iota
	Default
	Best
)

func (c CompressionLevel) gzipLevel() int {
	switch c {
	case Fast:
		return gzip.BestSpeed
	case Best:
		return gzip.BestCompression
	default:
		return gzip.DefaultCompression
	}
}

// CreateOptions configures Create.
type CreateOptions struct {
	SourceDir     string
	DestArchive   string
	IgnorePatterns []string // gitignore-style globs, relative to SourceDir
	Compression   CompressionLevel
	// OnWrite is invoked after every chunk written to the underlying file,
	// with the chunk size in bytes; used for rate-limit accounting and
	// progress reporting (spec.md §4.10 step 3, §4.11 "progress emitted
	// every 100 files").
	OnWrite func(n int)
	// OnFile is invoked once per file added to the archive.
	OnFile func(relPath string)
}

// Create streams a tar.gz of SourceDir (excluding ignored paths) to
// DestArchive. Callers are expected to run this on a blocking pool
// (spec.md §5, §9).
func Create(opts CreateOptions) error {
	var ignore *gitignore.GitIgnore
	if len(opts.IgnorePatterns) > 0 {
		ignore = gitignore.CompileIgnoreLines(opts.IgnorePatterns...)
	}

	f, err := os.Create(opts.DestArchive)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	defer f.Close()

	cw := &countingWriter{w: f, onWrite: opts.OnWrite}
	gz, err := gzip.NewWriterLevel(cw, opts.Compression.gzipLevel())
	if err != nil {
		return fmt.Errorf("create gzip writer: %w", err)
	}
	tw := tar.NewWriter(gz)

	err = filepath.Walk(opts.SourceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(opts.SourceDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		relSlash := filepath.ToSlash(rel)
		if ignore != nil && ignore.MatchesPath(relSlash) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = relSlash
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		buf := bufpool.Get()
		_, err = io.CopyBuffer(tw, in, buf)
		bufpool.Put(buf)
		if err != nil {
			return err
		}
		if opts.OnFile != nil {
			opts.OnFile(relSlash)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

type countingWriter struct {
	w       io.Writer
	onWrite func(int)
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if c.onWrite != nil && n > 0 {
		c.onWrite(n)
	}
	return n, err
}

// ExtractResult reports how many entries were unpacked vs. rejected.
type ExtractResult struct {
	Extracted int
	Rejected  int
}

// SafeExtract implements spec.md §4.13: reject absolute paths, reject any
// path containing a ".." component, canonicalize targetDir/entryPath and
// reject anything that is not a strict descendant of targetDir. A rejected
// entry is skipped, not fatal.
func SafeExtract(archivePath, targetDir string) (ExtractResult, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return ExtractResult{}, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return ExtractResult{}, fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	absTarget, err := filepath.Abs(targetDir)
	if err != nil {
		return ExtractResult{}, err
	}
	if err := os.MkdirAll(absTarget, 0o755); err != nil {
		return ExtractResult{}, fmt.Errorf("create target dir: %w", err)
	}

	var result ExtractResult
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return result, fmt.Errorf("read tar entry: %w", err)
		}

		if rejectEntry(hdr.Name) {
			result.Rejected++
			continue
		}

		dest := filepath.Join(absTarget, filepath.FromSlash(hdr.Name))
		if !isStrictDescendant(absTarget, dest) {
			result.Rejected++
			continue
		}

		if err := unpackEntry(tr, hdr, dest); err != nil {
			result.Rejected++
			continue
		}
		result.Extracted++
	}
	return result, nil
}

func rejectEntry(name string) bool {
	if strings.HasPrefix(name, "/") {
		return true
	}
	for _, part := range strings.Split(filepath.ToSlash(name), "/") {
		if part == ".." {
			return true
		}
	}
	return false
}

func isStrictDescendant(root, target string) bool {
	target = filepath.Clean(target)
	root = filepath.Clean(root)
	if target == root {
		return false // must be a strict descendant, not the root itself
	}
	return strings.HasPrefix(target, root+string(filepath.Separator))
}

func unpackEntry(tr *tar.Reader, hdr *tar.Header, dest string) error {
	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(dest, os.FileMode(hdr.Mode))
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, tr)
		return err
	default:
		// symlinks and other special types are skipped, consistent with
		// spec.md §9's SFTP symlink ban applied to archive contents too.
		return nil
	}
}
