// Package cloud is the control-plane client for the provider hosting the
// GPU workspaces. It only speaks the workspace lifecycle surface: list,
// get, pause, resume and status polling.
package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"

	"github.com/helixml/surfboard/api/pkg/config"
	"github.com/helixml/surfboard/api/pkg/system"
)

// API is the slice of the control plane the scheduler consumes.
type API interface {
	ListWorkspaces(ctx context.Context) ([]*Workspace, error)
	GetWorkspace(ctx context.Context, id string) (*Workspace, error)
	ResumeWorkspace(ctx context.Context, id string) (*ActionResponse, error)
	PauseWorkspace(ctx context.Context, id string) (*ActionResponse, error)
	WaitForWorkspaceStatus(ctx context.Context, id string, target WorkspaceStatus, timeout time.Duration) (bool, error)
	DiscoverGPUWorkspaces(ctx context.Context) ([]*Workspace, error)
}

const (
	requestTimeout = 30 * time.Second
	pollInterval   = 10 * time.Second
)

type Client struct {
	cfg        config.Cloud
	baseURL    string
	httpClient *retryablehttp.Client
}

var _ API = &Client{}

func NewClient(cfg config.Cloud) *Client {
	client := system.NewRetryClient(3)
	client.HTTPClient.Timeout = requestTimeout
	return &Client{
		cfg:        cfg,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: client,
	}
}

func (c *Client) doRequest(ctx context.Context, method, endpoint string, body interface{}, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = strings.NewReader(string(buf))
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("accept", "application/json;Compute")
	req.Header.Set("authorization", c.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.CSRFToken != "" {
		req.Header.Set("X-CSRFTOKEN", c.cfg.CSRFToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cloud API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("cloud API %s %s returned %d: %s", method, endpoint, resp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode cloud API response: %w", err)
		}
	}
	return nil
}

func (c *Client) ListWorkspaces(ctx context.Context) ([]*Workspace, error) {
	params := url.Values{}
	params.Set("application_type", "Compute")
	params.Set("deleted", "false")
	params.Set("name", c.cfg.MachineNameFilter)

	var list WorkspaceListResponse
	err := c.doRequest(ctx, http.MethodGet, "/workspace/workspaces/?"+params.Encode(), nil, &list)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("name_filter", c.cfg.MachineNameFilter).
		Int("count", len(list.Results)).
		Msg("listed workspaces")

	return list.Results, nil
}

func (c *Client) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	var workspace Workspace
	err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/workspace/workspaces/%s/", id), nil, &workspace)
	if err != nil {
		return nil, err
	}
	return &workspace, nil
}

func (c *Client) ResumeWorkspace(ctx context.Context, id string) (*ActionResponse, error) {
	log.Info().Str("workspace_id", id).Msg("resuming workspace")

	var action ActionResponse
	err := c.doRequest(ctx, http.MethodPost, fmt.Sprintf("/workspace/workspaces/%s/actions/resume/", id), map[string]interface{}{}, &action)
	if err != nil {
		return nil, err
	}
	return &action, nil
}

func (c *Client) PauseWorkspace(ctx context.Context, id string) (*ActionResponse, error) {
	log.Info().Str("workspace_id", id).Msg("pausing workspace")

	var action ActionResponse
	err := c.doRequest(ctx, http.MethodPost, fmt.Sprintf("/workspace/workspaces/%s/actions/pause/", id), map[string]interface{}{}, &action)
	if err != nil {
		return nil, err
	}
	return &action, nil
}

// WaitForWorkspaceStatus polls until the workspace reaches the target
// status or the timeout elapses. Returns false (not an error) on
// timeout so callers can distinguish slow startups from API failures.
func (c *Client) WaitForWorkspaceStatus(ctx context.Context, id string, target WorkspaceStatus, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)

	for {
		workspace, err := c.GetWorkspace(ctx, id)
		if err != nil {
			return false, err
		}
		if workspace.Status == target {
			return true, nil
		}
		if workspace.Status == WorkspaceStatusUnknown {
			log.Warn().Str("workspace_id", id).Msg("workspace in unknown status")
		}
		if time.Now().After(deadline) {
			log.Error().
				Str("workspace_id", id).
				Str("target_status", string(target)).
				Dur("timeout", timeout).
				Msg("timeout waiting for workspace status")
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// DiscoverGPUWorkspaces lists workspaces and keeps only those on GPU
// flavors.
func (c *Client) DiscoverGPUWorkspaces(ctx context.Context) ([]*Workspace, error) {
	workspaces, err := c.ListWorkspaces(ctx)
	if err != nil {
		return nil, err
	}

	var gpuWorkspaces []*Workspace
	for _, workspace := range workspaces {
		if strings.Contains(strings.ToLower(workspace.ResourceMeta.FlavorName), "gpu") {
			gpuWorkspaces = append(gpuWorkspaces, workspace)
		}
	}

	log.Info().Int("gpu_workspaces", len(gpuWorkspaces)).Msg("discovered GPU workspaces")
	return gpuWorkspaces, nil
}
