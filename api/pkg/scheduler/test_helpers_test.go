package scheduler

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixml/surfboard/api/pkg/cloud"
	"github.com/helixml/surfboard/api/pkg/config"
)

func init() {
	if os.Getenv("LOG_LEVEL") == "" {
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	}
}

// fakeCloud implements cloud.API against an in-memory workspace map.
type fakeCloud struct {
	mu         sync.Mutex
	workspaces map[string]*cloud.Workspace

	resumeErr error
	pauseErr  error
	resumed   []string
	paused    []string
}

func newFakeCloud(workspaces ...*cloud.Workspace) *fakeCloud {
	byID := map[string]*cloud.Workspace{}
	for _, w := range workspaces {
		byID[w.ID] = w
	}
	return &fakeCloud{workspaces: byID}
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
	if f.resumeErr != nil {
		return nil, f.resumeErr
	}
	f.resumed = append(f.resumed, id)
	if w, ok := f.workspaces[id]; ok {
		w.Status = cloud.WorkspaceStatusRunning
	}
	return &cloud.ActionResponse{ID: id, Status: cloud.WorkspaceStatusRunning}, nil
}

func (f *fakeCloud) PauseWorkspace(_ context.Context, id string) (*cloud.ActionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pauseErr != nil {
		return nil, f.pauseErr
	}
	f.paused = append(f.paused, id)
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

// fakeWarmer records warm calls and can be told to fail.
type fakeWarmer struct {
	mu     sync.Mutex
	warmed []string
	err    error
}

func (f *fakeWarmer) WarmModel(_ context.Context, addr string, model string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.warmed = append(f.warmed, fmt.Sprintf("%s/%s", addr, model))
	return nil
}

func testSchedulerConfig() config.Scheduler {
	return config.Scheduler{
		ReservationTTL:         10 * time.Minute,
		FallbackReservationTTL: 3 * time.Minute,
		StartupTimeout:         5 * time.Second,
		WorkerReadinessWait:    time.Millisecond,
		UserLockTimeout:        time.Second,
		SlotsPerWorker:         1,
		WorkerPort:             11434,
	}
}

func seedRegistry(t *testing.T, workspaces ...*cloud.Workspace) (*Registry, *fakeCloud) {
	t.Helper()
	registry := NewRegistry(1, 11434)
	api := newFakeCloud(workspaces...)
	if _, err := registry.DiscoverAndSeed(context.Background(), api); err != nil {
		t.Fatalf("seed registry: %s", err)
	}
	return registry, api
}
