// Package backup implements the backup engine (spec.md §4.10): streaming
// tar+gzip archive creation over a server's data directory, checksum
// verification, and safe-extract restore. Grounded on the teacher's
// pkg/blocking-style offload of long filesystem work plus pkg/archive's
// Create/SafeExtract, with progress reporting via cheggaaa/pb/v3 matching
// the teacher's indirect dependency on that library for CLI progress bars.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	pb "github.com/cheggaaa/pb/v3"
	"github.com/google/uuid"

	"github.com/cuemby/warden/pkg/apierror"
	"github.com/cuemby/warden/pkg/archive"
	"github.com/cuemby/warden/pkg/blocking"
	"github.com/cuemby/warden/pkg/events"
	"github.com/cuemby/warden/pkg/metrics"
	"github.com/cuemby/warden/pkg/ratelimit"
	"github.com/cuemby/warden/pkg/types"
)

// Engine creates and restores backups for servers rooted under dataDir,
// writing archives to backupDir.
type Engine struct {
	dataDir   string
	backupDir string
	pool      *blocking.Pool
	limiter   *ratelimit.TokenBucket // bytes/sec, nil means unlimited
	bus       *events.Bus
	showBars  bool
}

// New creates a backup engine. limiter may be nil to disable rate limiting.
func New(dataDir, backupDir string, pool *blocking.Pool, limiter *ratelimit.TokenBucket, bus *events.Bus) *Engine {
	return &Engine{dataDir: dataDir, backupDir: backupDir, pool: pool, limiter: limiter, bus: bus}
}

// Create archives serverUUID's data directory, optionally restricted to
// ignorePatterns (denylist globs from the server's Configuration), and
// returns the result once the blocking-pool task completes.
func (e *Engine) Create(ctx context.Context, serverUUID string, ignorePatterns []string) (types.BackupResult, error) {
	backupUUID := uuid.NewString()
	src := filepath.Join(e.dataDir, serverUUID)
	dest := filepath.Join(e.backupDir, backupUUID+".tar.gz")

	e.publish(&types.Event{Kind: types.EventBackupStarted, BackupUUID: backupUUID})

	resultC := make(chan types.BackupResult, 1)
	errC := make(chan error, 1)

	e.pool.Submit(func() {
		timer := metrics.NewTimer()
		result, err := e.create(src, dest, ignorePatterns)
		if err != nil {
			errC <- err
			return
		}
		timer.ObserveDuration(metrics.BackupDuration)
		metrics.BackupSizeBytes.Observe(float64(result.SizeBytes))
		resultC <- result
	})

	select {
	case <-ctx.Done():
		metrics.BackupsTotal.WithLabelValues("cancelled").Inc()
		return types.BackupResult{}, ctx.Err()
	case err := <-errC:
		metrics.BackupsTotal.WithLabelValues("error").Inc()
		e.publish(&types.Event{Kind: types.EventBackupCompleted, BackupUUID: backupUUID, BackupSuccessful: false})
		return types.BackupResult{}, err
	case result := <-resultC:
		metrics.BackupsTotal.WithLabelValues("success").Inc()
		e.publish(&types.Event{
			Kind:             types.EventBackupCompleted,
			BackupUUID:       backupUUID,
			BackupSuccessful: true,
			BackupChecksum:   result.Checksum,
			BackupSize:       result.SizeBytes,
		})
		return result, nil
	}
}

func (e *Engine) create(src, dest string, ignorePatterns []string) (types.BackupResult, error) {
	bar := pb.New64(0)
	if e.showBars {
		bar.Start()
		defer bar.Finish()
	}

	onWrite := func(n int) {
		if e.limiter != nil {
			for !e.limiter.TryAcquire(float64(n)) {
				time.Sleep(50 * time.Millisecond)
			}
		}
		if e.showBars {
			bar.Add(n)
		}
	}

	err := archive.Create(archive.CreateOptions{
		SourceDir:      src,
		DestArchive:    dest,
		IgnorePatterns: ignorePatterns,
		Compression:    archive.Default,
		OnWrite:        onWrite,
	})
	if err != nil {
		_ = os.Remove(dest)
		return types.BackupResult{}, apierror.Wrap(apierror.Fatal, "create backup archive", err)
	}

	checksum, size, err := checksumFile(dest)
	if err != nil {
		_ = os.Remove(dest)
		return types.BackupResult{}, apierror.Wrap(apierror.Integrity, "checksum backup archive", err)
	}

	return types.BackupResult{Path: dest, SizeBytes: size, Checksum: checksum}, nil
}

// Restore extracts backupUUID's archive into serverUUID's data directory via
// the safe-extract guard, rejecting any entry that would escape the target.
func (e *Engine) Restore(ctx context.Context, serverUUID, backupUUID string) error {
	src := filepath.Join(e.backupDir, backupUUID+".tar.gz")
	dest := filepath.Join(e.dataDir, serverUUID)

	e.publish(&types.Event{Kind: types.EventRestoreStarted, BackupUUID: backupUUID})

	errC := make(chan error, 1)
	e.pool.Submit(func() {
		if err := os.MkdirAll(dest, 0o755); err != nil {
			errC <- apierror.Wrap(apierror.Fatal, "create restore target", err)
			return
		}
		result, err := archive.SafeExtract(src, dest)
		if err != nil {
			errC <- apierror.Wrap(apierror.Fatal, "extract backup archive", err)
			return
		}
		if result.Rejected > 0 {
			errC <- apierror.New(apierror.Integrity, fmt.Sprintf("rejected %d unsafe archive entries", result.Rejected))
			return
		}
		errC <- nil
	})

	select {
	case <-ctx.Done():
		e.publish(&types.Event{Kind: types.EventRestoreCompleted, BackupUUID: backupUUID, BackupSuccessful: false})
		return ctx.Err()
	case err := <-errC:
		e.publish(&types.Event{Kind: types.EventRestoreCompleted, BackupUUID: backupUUID, BackupSuccessful: err == nil})
		return err
	}
}

// Delete removes a backup archive.
func (e *Engine) Delete(backupUUID string) error {
	path := filepath.Join(e.backupDir, backupUUID+".tar.gz")
	if err := os.Remove(path); err != nil {
		return apierror.Wrap(apierror.NotFound, "delete backup", err)
	}
	return nil
}

// List enumerates backups present in the backup directory.
func (e *Engine) List() ([]types.BackupInfo, error) {
	entries, err := os.ReadDir(e.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apierror.Wrap(apierror.Fatal, "list backups", err)
	}
	var out []types.BackupInfo
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			continue
		}
		uuidStr := ent.Name()
		uuidStr = uuidStr[:len(uuidStr)-len(".tar.gz")]
		out = append(out, types.BackupInfo{UUID: uuidStr, SizeBytes: info.Size(), CreatedAt: info.ModTime()})
	}
	return out, nil
}

func (e *Engine) publish(ev *types.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

func checksumFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
