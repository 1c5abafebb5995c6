package transfer

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warden/pkg/blocking"
)

func newEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	dataDir := t.TempDir()
	pool := blocking.New(2)
	t.Cleanup(pool.Stop)
	return New(dataDir, t.TempDir(), pool, nil), dataDir
}

func TestSendPostsChecksumAndIdHeaders(t *testing.T) {
	var gotMethod, gotPath, gotContentType, gotTransferID, gotChecksum string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		gotTransferID = r.Header.Get("X-Transfer-Id")
		gotChecksum = r.Header.Get("X-Transfer-Checksum")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	engine, dataDir := newEngine(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "srv-1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "srv-1", "world.dat"), []byte("save state"), 0o644))

	require.NoError(t, engine.Send(context.Background(), "srv-1", srv.URL, "tok"))

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/api/servers/srv-1/transfer/receive", gotPath)
	assert.Equal(t, "application/octet-stream", gotContentType)
	assert.NotEmpty(t, gotTransferID)
	assert.Len(t, gotChecksum, 64) // sha256 hex
	assert.NotEmpty(t, gotBody)
}

func TestReceiveRejectsChecksumMismatchWithoutTouchingDataDir(t *testing.T) {
	engine, dataDir := newEngine(t)

	// Pre-existing data must survive an aborted transfer.
	existing := filepath.Join(dataDir, "srv-2")
	require.NoError(t, os.MkdirAll(existing, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(existing, "keep.txt"), []byte("keep"), 0o644))

	body := strings.NewReader("not a real archive")
	err := engine.Receive(context.Background(), "srv-2", body, int64(body.Len()), strings.Repeat("0", 64))
	require.Error(t, err)

	data, rerr := os.ReadFile(filepath.Join(existing, "keep.txt"))
	require.NoError(t, rerr)
	assert.Equal(t, "keep", string(data))
}

func TestSendThenReceiveRoundTripsWithValidChecksum(t *testing.T) {
	sender, dataDir := newEngine(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "srv-3"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "srv-3", "world.dat"), []byte("payload"), 0o644))

	receiver, receiverDataDir := newEngine(t)

	var gotChecksum string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotChecksum = r.Header.Get("X-Transfer-Checksum")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, sender.Send(context.Background(), "srv-3", srv.URL, "tok"))

	require.NoError(t, receiver.Receive(context.Background(), "srv-3", bytes.NewReader(gotBody), int64(len(gotBody)), gotChecksum))

	restored, err := os.ReadFile(filepath.Join(receiverDataDir, "srv-3", "world.dat"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(restored))
}

