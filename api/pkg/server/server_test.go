package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixml/surfboard/api/pkg/auth"
	"github.com/helixml/surfboard/api/pkg/cloud"
	"github.com/helixml/surfboard/api/pkg/config"
	"github.com/helixml/surfboard/api/pkg/proxy"
	"github.com/helixml/surfboard/api/pkg/scheduler"
	"github.com/helixml/surfboard/api/pkg/types"
)

const testAPIKey = "sk-alice-123"

type fakeCloud struct {
	mu         sync.Mutex
	workspaces map[string]*cloud.Workspace
}

func newFakeCloud(workspaces ...*cloud.Workspace) *fakeCloud {
	byID := map[string]*cloud.Workspace{}
	for _, w := range workspaces {
		byID[w.ID] = w
	}
	return &fakeCloud{workspaces: byID}
}

func (f *fakeCloud) ListWorkspaces(_ context.Context) ([]*cloud.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*cloud.Workspace
	for _, w := range f.workspaces {
		out = append(out, w)
	}
	return out, nil
}

func (f *fakeCloud) GetWorkspace(_ context.Context, id string) (*cloud.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workspaces[id]
	if !ok {
		return nil, fmt.Errorf("workspace %s not found", id)
	}
	return w, nil
}

func (f *fakeCloud) ResumeWorkspace(_ context.Context, id string) (*cloud.ActionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.workspaces[id]; ok {
		w.Status = cloud.WorkspaceStatusRunning
	}
	return &cloud.ActionResponse{ID: id, Status: cloud.WorkspaceStatusRunning}, nil
}

func (f *fakeCloud) PauseWorkspace(_ context.Context, id string) (*cloud.ActionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.workspaces[id]; ok {
		w.Status = cloud.WorkspaceStatusPaused
	}
	return &cloud.ActionResponse{ID: id, Status: cloud.WorkspaceStatusPaused}, nil
}

func (f *fakeCloud) WaitForWorkspaceStatus(ctx context.Context, id string, target cloud.WorkspaceStatus, _ time.Duration) (bool, error) {
	w, err := f.GetWorkspace(ctx, id)
	if err != nil {
		return false, err
	}
	return w.Status == target, nil
}

func (f *fakeCloud) DiscoverGPUWorkspaces(ctx context.Context) ([]*cloud.Workspace, error) {
	return f.ListWorkspaces(ctx)
}

type fakeWarmer struct{}

func (fakeWarmer) WarmModel(context.Context, string, string, int) error { return nil }

type testServer struct {
	server   *Server
	registry *scheduler.Registry
	cloud    *fakeCloud
}

func newTestServer(t *testing.T, workspaces ...*cloud.Workspace) *testServer {
	t.Helper()

	keysPath := filepath.Join(t.TempDir(), "api_keys.json")
	keysJSON := fmt.Sprintf(`{"api_keys": {"%s": {"name": "alice", "email": "alice@example.com"}}}`, testAPIKey)
	require.NoError(t, os.WriteFile(keysPath, []byte(keysJSON), 0o600))
	keyStore, err := auth.NewKeyStore(keysPath)
	require.NoError(t, err)
	t.Cleanup(func() { keyStore.Close() })

	cfg := config.ServerConfig{
		WebServer: config.WebServer{Host: "127.0.0.1", Port: 8000},
		Scheduler: config.Scheduler{
			ReservationTTL:         10 * time.Minute,
			FallbackReservationTTL: 3 * time.Minute,
			StartupTimeout:         5 * time.Second,
			WorkerReadinessWait:    time.Millisecond,
			UserLockTimeout:        100 * time.Millisecond,
			SlotsPerWorker:         1,
			WorkerPort:             11434,
		},
	}

	api := newFakeCloud(workspaces...)
	registry := scheduler.NewRegistry(cfg.Scheduler.SlotsPerWorker, cfg.Scheduler.WorkerPort)
	_, err = registry.DiscoverAndSeed(context.Background(), api)
	require.NoError(t, err)

	locker := scheduler.NewUserLocker(cfg.Scheduler.UserLockTimeout)
	controller, err := scheduler.NewController(cfg.Scheduler, registry, api, fakeWarmer{}, locker)
	require.NoError(t, err)

	inferenceProxy := proxy.New(cfg.Scheduler, registry, controller, locker)

	srv, err := NewServer(cfg, registry, controller, inferenceProxy, api, keyStore)
	require.NoError(t, err)

	return &testServer{server: srv, registry: registry, cloud: api}
}

func gpuWorkspace(id, name, ip string, status cloud.WorkspaceStatus) *cloud.Workspace {
	return &cloud.Workspace{
		ID:     id,
		Name:   name,
		Status: status,
		ResourceMeta: cloud.ResourceMeta{
			IP:         ip,
			FlavorName: "gpu.A16",
		},
	}
}

func (ts *testServer) do(method, path string, body string, authenticated bool) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	if authenticated {
		r.Header.Set("Authorization", "Bearer "+testAPIKey)
	}
	w := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(w, r)
	return w
}

func TestServer_HealthCheck(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/health", "", false)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, "llm-gpu-controller", resp["service"])
}

func TestServer_AuthRequired(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{"/gpu/discover", "/gpu/stats"} {
		w := ts.do(http.MethodGet, path, "", false)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
		assert.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))

		var resp map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "Authorization header required", resp["detail"])
	}
}

func TestServer_AuthInvalidKey(t *testing.T) {
	ts := newTestServer(t)

	r := httptest.NewRequest(http.MethodGet, "/gpu/stats", nil)
	r.Header.Set("Authorization", "Bearer sk-wrong")
	w := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(w, r)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Invalid API key", resp["detail"])
}

func TestServer_GPUStats(t *testing.T) {
	ts := newTestServer(t,
		gpuWorkspace("gpu-1", "gpu-node-1", "10.0.0.1", cloud.WorkspaceStatusRunning),
		gpuWorkspace("gpu-2", "gpu-node-2", "10.0.0.2", cloud.WorkspaceStatusPaused),
	)

	w := ts.do(http.MethodGet, "/gpu/stats", "", true)
	require.Equal(t, http.StatusOK, w.Code)

	var stats types.FleetStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.TotalWorkers)
	assert.Equal(t, 1, stats.ActiveWorkers)
	assert.Equal(t, 1, stats.PausedWorkers)
}

func TestServer_GPUDiscover(t *testing.T) {
	ts := newTestServer(t,
		gpuWorkspace("gpu-1", "gpu-node-1", "10.0.0.1", cloud.WorkspaceStatusRunning),
	)

	// a workspace appearing after startup is picked up by discovery
	ts.cloud.mu.Lock()
	ts.cloud.workspaces["gpu-2"] = gpuWorkspace("gpu-2", "gpu-node-2", "10.0.0.2", cloud.WorkspaceStatusPaused)
	ts.cloud.mu.Unlock()

	w := ts.do(http.MethodGet, "/gpu/discover", "", true)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		DiscoveredGPUs int                  `json:"discovered_gpus"`
		GPUs           []types.WorkerStatus `json:"gpus"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.DiscoveredGPUs)
	require.Len(t, resp.GPUs, 2)
	assert.Equal(t, "gpu-1", resp.GPUs[0].ID)
	assert.True(t, resp.GPUs[0].IsAvailable)
}

func TestServer_GPUStatus(t *testing.T) {
	ts := newTestServer(t,
		gpuWorkspace("gpu-1", "gpu-node-1", "10.0.0.1", cloud.WorkspaceStatusRunning),
	)

	w := ts.do(http.MethodGet, "/gpu/gpu-1/status", "", true)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "gpu-1", resp["gpu_id"])
	assert.Equal(t, "idle", resp["status"])
	assert.Equal(t, "10.0.0.1", resp["ip_address"])
	assert.Equal(t, false, resp["can_resume"])
	assert.Equal(t, true, resp["can_pause"])
}

func TestServer_GPUStatusNotFound(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/gpu/missing/status", "", true)
	require.Equal(t, http.StatusNotFound, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "GPU missing not found", resp["detail"])
}

func TestServer_ResumeGPU(t *testing.T) {
	ts := newTestServer(t,
		gpuWorkspace("gpu-1", "gpu-node-1", "10.0.0.1", cloud.WorkspaceStatusPaused),
	)

	w := ts.do(http.MethodPost, "/gpu/gpu-1/resume", "", true)
	require.Equal(t, http.StatusOK, w.Code)

	var resp actionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "GPU started successfully", resp.Message)

	worker, _ := ts.registry.Get("gpu-1")
	assert.Equal(t, types.WorkerStateIdle, worker.State())

	// resuming again is a no-op, not an error
	w = ts.do(http.MethodPost, "/gpu/gpu-1/resume", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Contains(t, resp.Message, "already in idle state")
}

func TestServer_PauseGPU(t *testing.T) {
	ts := newTestServer(t,
		gpuWorkspace("gpu-1", "gpu-node-1", "10.0.0.1", cloud.WorkspaceStatusRunning),
	)

	w := ts.do(http.MethodPost, "/gpu/gpu-1/pause", "", true)
	require.Equal(t, http.StatusOK, w.Code)

	worker, _ := ts.registry.Get("gpu-1")
	assert.Equal(t, types.WorkerStatePaused, worker.State())

	// pausing again succeeds idempotently
	w = ts.do(http.MethodPost, "/gpu/gpu-1/pause", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	var resp actionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Message, "already paused")
}

func TestServer_PauseBusyGPURejected(t *testing.T) {
	ts := newTestServer(t,
		gpuWorkspace("gpu-1", "gpu-node-1", "10.0.0.1", cloud.WorkspaceStatusRunning),
	)

	worker, _ := ts.registry.Get("gpu-1")
	handle, err := ts.registry.StartRequest(worker, "alice")
	require.NoError(t, err)
	defer handle.Release()

	w := ts.do(http.MethodPost, "/gpu/gpu-1/pause", "", true)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "GPU cannot be paused in busy state", resp["detail"])
}

func TestServer_GenerateRejectsMissingModel(t *testing.T) {
	ts := newTestServer(t,
		gpuWorkspace("gpu-1", "gpu-node-1", "10.0.0.1", cloud.WorkspaceStatusRunning),
	)

	w := ts.do(http.MethodPost, "/api/generate", `{"prompt": "hello"}`, true)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "model is required", resp["detail"])
}

func TestServer_ChatRejectsInvalidJSON(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/api/chat", `{not json`, true)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_RecordsUsageOnAuthenticatedRequest(t *testing.T) {
	ts := newTestServer(t)

	ts.do(http.MethodGet, "/gpu/stats", "", true)
	ts.do(http.MethodGet, "/gpu/stats", "", true)

	user := ts.server.keyStore.ValidateKey(testAPIKey)
	require.NotNil(t, user)
	assert.Equal(t, int64(2), user.TotalRequests)
}
