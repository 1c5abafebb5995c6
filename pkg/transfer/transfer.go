// Package transfer implements server-to-server migration (spec.md §4.11):
// streaming a server's data directory as a tar+gzip archive to a receiving
// node over HTTP, and accepting one on the receiving side. Shares
// pkg/archive with pkg/backup; the network leg is plain net/http, matching
// the teacher's own use of the standard library for its outbound HTTP
// collaborators rather than a third-party client.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/cuemby/warden/pkg/apierror"
	"github.com/cuemby/warden/pkg/archive"
	"github.com/cuemby/warden/pkg/blocking"
	"github.com/cuemby/warden/pkg/events"
	"github.com/cuemby/warden/pkg/metrics"
	"github.com/cuemby/warden/pkg/types"
)

// Engine drives outbound and inbound transfers for servers rooted at dataDir.
type Engine struct {
	dataDir string
	tmpDir  string
	pool    *blocking.Pool
	bus     *events.Bus
	client  *http.Client
}

// New creates a transfer engine.
func New(dataDir, tmpDir string, pool *blocking.Pool, bus *events.Bus) *Engine {
	return &Engine{
		dataDir: dataDir,
		tmpDir:  tmpDir,
		pool:    pool,
		bus:     bus,
		client:  &http.Client{Timeout: 0}, // streaming, caller controls ctx deadline
	}
}

// progressWriter reports fractional completion as bytes flow through it.
type progressWriter struct {
	total, sent int64
	onProgress  func(float64)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.sent += int64(len(b))
	if p.total > 0 && p.onProgress != nil {
		p.onProgress(float64(p.sent) / float64(p.total))
	}
	return len(b), nil
}

// Send archives serverUUID's data directory, checksums it, and POSTs it to
// destinationURL's transfer/receive endpoint with the checksum carried in
// X-Transfer-Checksum so the receiving side can run the same checksum gate
// on its end (spec.md §4.11). Publishes transfer_progress events as the body
// streams out.
func (e *Engine) Send(ctx context.Context, serverUUID, destinationURL, authToken string) error {
	src := filepath.Join(e.dataDir, serverUUID)
	archivePath := filepath.Join(e.tmpDir, serverUUID+"-transfer.tar.gz")

	e.publish(&types.Event{Kind: types.EventTransferStarted})

	errC := make(chan error, 1)
	e.pool.Submit(func() {
		errC <- archive.Create(archive.CreateOptions{
			SourceDir:   src,
			DestArchive: archivePath,
			Compression: archive.Fast,
		})
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errC:
		if err != nil {
			e.fail()
			return apierror.Wrap(apierror.Fatal, "archive server for transfer", err)
		}
	}
	defer os.Remove(archivePath)

	checksum, size, err := checksumFile(archivePath)
	if err != nil {
		e.fail()
		return apierror.Wrap(apierror.Integrity, "checksum transfer archive", err)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		e.fail()
		return apierror.Wrap(apierror.Fatal, "open transfer archive", err)
	}
	defer f.Close()

	pw := &progressWriter{total: size, onProgress: func(frac float64) {
		e.publish(&types.Event{Kind: types.EventTransferProgress, TransferProgress: frac})
	}}
	body := io.TeeReader(f, pw)

	transferID := uuid.NewString()
	url := destinationURL + "/api/servers/" + serverUUID + "/transfer/receive"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		e.fail()
		return apierror.Wrap(apierror.Validation, "build transfer request", err)
	}
	req.ContentLength = size
	req.Header.Set("Authorization", "Bearer "+authToken)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Transfer-Id", transferID)
	req.Header.Set("X-Transfer-Checksum", checksum)

	resp, err := e.client.Do(req)
	if err != nil {
		metrics.TransfersTotal.WithLabelValues("outbound", "error").Inc()
		e.fail()
		return apierror.Wrap(apierror.Transient, "send transfer archive", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		metrics.TransfersTotal.WithLabelValues("outbound", "error").Inc()
		e.fail()
		return apierror.New(apierror.Transient, fmt.Sprintf("remote rejected transfer: %d", resp.StatusCode))
	}

	metrics.TransfersTotal.WithLabelValues("outbound", "success").Inc()
	e.publish(&types.Event{Kind: types.EventTransferCompleted, TransferSuccessful: true})
	return nil
}

func (e *Engine) fail() {
	e.publish(&types.Event{Kind: types.EventTransferCompleted, TransferSuccessful: false})
}

// Receive accepts an incoming archive body, writes it to a temp file under
// tmpDir, and runs the checksum gate (spec.md §4.11 testable property 10):
// recompute sha256 over the written bytes and compare against
// wantChecksum (the sender's X-Transfer-Checksum header) before touching
// serverUUID's data directory at all. Only on a match is the destination
// truncated and the archive safe-extracted into it.
func (e *Engine) Receive(ctx context.Context, serverUUID string, body io.Reader, size int64, wantChecksum string) error {
	dest := filepath.Join(e.dataDir, serverUUID)
	tmp := filepath.Join(e.tmpDir, serverUUID+"-incoming.tar.gz")

	f, err := os.Create(tmp)
	if err != nil {
		return apierror.Wrap(apierror.Fatal, "create incoming archive", err)
	}
	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(f, h), body); err != nil {
		f.Close()
		os.Remove(tmp)
		return apierror.Wrap(apierror.Transient, "receive transfer stream", err)
	}
	f.Close()
	defer os.Remove(tmp)

	gotChecksum := hex.EncodeToString(h.Sum(nil))
	if wantChecksum != "" && gotChecksum != wantChecksum {
		return apierror.New(apierror.Integrity, fmt.Sprintf("transfer checksum mismatch: got %s want %s", gotChecksum, wantChecksum))
	}

	if err := os.RemoveAll(dest); err != nil {
		return apierror.Wrap(apierror.Fatal, "truncate transfer destination", err)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return apierror.Wrap(apierror.Fatal, "create transfer destination", err)
	}

	resultC := make(chan archive.ExtractResult, 1)
	errC := make(chan error, 1)
	e.pool.Submit(func() {
		result, err := archive.SafeExtract(tmp, dest)
		if err != nil {
			errC <- err
			return
		}
		resultC <- result
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errC:
		return apierror.Wrap(apierror.Fatal, "extract incoming transfer", err)
	case result := <-resultC:
		if result.Rejected > 0 {
			return apierror.New(apierror.Integrity, fmt.Sprintf("rejected %d unsafe transfer entries", result.Rejected))
		}
		return nil
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

func (e *Engine) publish(ev *types.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}
