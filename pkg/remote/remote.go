// Package remote is the control-plane HTTP collaborator (spec.md §6):
// reporting backup status, schedule execution, and periodic metrics back to
// the panel that owns this node. Built on the standard library's net/http,
// matching the teacher's own choice of stdlib for its outbound control-plane
// HTTP client rather than a third-party SDK.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/types"
)

// Client talks to the configured remote panel URL.
type Client struct {
	baseURL string
	tokenID string
	token   string
	http    *http.Client
}

// New creates a remote client.
func New(baseURL, tokenID, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		tokenID: tokenID,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, payload any) error {
	var body bytes.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal remote payload: %w", err)
		}
		body = *bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &body)
	if err != nil {
		return fmt.Errorf("build remote request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s.%s", c.tokenID, c.token))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("remote request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("remote rejected %s %s: status %d", method, path, resp.StatusCode)
	}
	return nil
}

// SetBackupStatus reports a completed (or failed) backup to the panel.
func (c *Client) SetBackupStatus(ctx context.Context, serverUUID, backupUUID string, successful bool, checksum string, sizeBytes int64) error {
	path := fmt.Sprintf("/api/remote/servers/%s/backups/%s", serverUUID, backupUUID)
	payload := map[string]any{
		"successful": successful,
		"checksum":   checksum,
		"size_bytes": sizeBytes,
	}
	if err := c.do(ctx, http.MethodPost, path, payload); err != nil {
		log.Errorf("failed to report backup status to remote", err)
		return err
	}
	return nil
}

// NotifyScheduleExecuting reports a schedule's live execution status.
func (c *Client) NotifyScheduleExecuting(ctx context.Context, serverUUID string, status types.ScheduleStatus) error {
	path := fmt.Sprintf("/api/remote/servers/%s/schedules/%s", serverUUID, status.ID)
	if err := c.do(ctx, http.MethodPost, path, status); err != nil {
		log.Errorf("failed to report schedule status to remote", err)
		return err
	}
	return nil
}

// SendMetrics pushes a periodic stats snapshot, supplementing the pull-based
// Stats API with the push the original daemon's metrics module performed.
func (c *Client) SendMetrics(ctx context.Context, serverUUID string, stats types.Stats) error {
	path := fmt.Sprintf("/api/remote/servers/%s/stats", serverUUID)
	return c.do(ctx, http.MethodPost, path, stats)
}

// FetchConfiguration retrieves a server's desired configuration from the
// panel. The daemon's startup path loads servers from local storage only and
// does not call it.
func (c *Client) FetchConfiguration(ctx context.Context, serverUUID string) (types.Configuration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/remote/servers/"+serverUUID, nil)
	if err != nil {
		return types.Configuration{}, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s.%s", c.tokenID, c.token))

	resp, err := c.http.Do(req)
	if err != nil {
		return types.Configuration{}, fmt.Errorf("fetch server configuration: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return types.Configuration{}, fmt.Errorf("remote rejected configuration fetch: status %d", resp.StatusCode)
	}

	var cfg types.Configuration
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return types.Configuration{}, fmt.Errorf("decode server configuration: %w", err)
	}
	return cfg, nil
}
