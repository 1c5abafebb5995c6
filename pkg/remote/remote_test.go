package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warden/pkg/types"
)

func TestSetBackupStatusSendsExpectedPayload(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok-id", "tok-secret", 0)
	err := c.SetBackupStatus(context.Background(), "srv-1", "bak-1", true, "deadbeef", 1024)
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok-id.tok-secret", gotAuth)
	assert.Equal(t, "/api/remote/servers/srv-1/backups/bak-1", gotPath)
	assert.Equal(t, true, gotBody["successful"])
	assert.Equal(t, "deadbeef", gotBody["checksum"])
}

func TestDoReturnsErrorOnNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok-id", "tok-secret", 0)
	err := c.SetBackupStatus(context.Background(), "srv-1", "bak-1", false, "", 0)
	assert.Error(t, err)
}

func TestFetchConfigurationDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(types.Configuration{Image: "eggs/paper:latest"})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok-id", "tok-secret", 0)
	cfg, err := c.FetchConfiguration(context.Background(), "srv-1")
	require.NoError(t, err)
	assert.Equal(t, "eggs/paper:latest", cfg.Image)
}
