// Package scheduler owns the worker fleet: the in-memory registry of GPU
// workspaces, placement over it, and the lifecycle controller that wakes,
// pauses and reconciles workers.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/helixml/surfboard/api/pkg/cloud"
	"github.com/helixml/surfboard/api/pkg/types"
)

// Registry is the in-memory source of truth for the worker fleet. It is
// rebuilt from the cloud on demand via DiscoverAndSeed and mutated by the
// proxy and the lifecycle controller.
type Registry struct {
	workers        *xsync.MapOf[string, *Worker]
	slotsPerWorker int
	workerPort     int
}

func NewRegistry(slotsPerWorker, workerPort int) *Registry {
	return &Registry{
		workers:        xsync.NewMapOf[string, *Worker](),
		slotsPerWorker: slotsPerWorker,
		workerPort:     workerPort,
	}
}

// stateFromWorkspace maps the provider's lifecycle status onto the
// scheduler's state machine. A running workspace starts out Idle; whether
// a model is resident is only learned when one is loaded through us.
func stateFromWorkspace(status cloud.WorkspaceStatus) types.WorkerState {
	switch status {
	case cloud.WorkspaceStatusRunning:
		return types.WorkerStateIdle
	case cloud.WorkspaceStatusPaused:
		return types.WorkerStatePaused
	case cloud.WorkspaceStatusResuming:
		return types.WorkerStateStarting
	case cloud.WorkspaceStatusPausing:
		return types.WorkerStatePausing
	default:
		return types.WorkerStateError
	}
}

// DiscoverAndSeed queries the cloud for GPU workspaces and registers any
// the registry does not know yet. Existing workers keep their state,
// counters and reservations; discovery never resets a live fleet.
func (r *Registry) DiscoverAndSeed(ctx context.Context, api cloud.API) (int, error) {
	workspaces, err := api.DiscoverGPUWorkspaces(ctx)
	if err != nil {
		return 0, fmt.Errorf("workspace discovery failed: %w", err)
	}

	added := 0
	for _, workspace := range workspaces {
		if _, ok := r.workers.Load(workspace.ID); ok {
			continue
		}
		state := stateFromWorkspace(workspace.Status)
		addr := fmt.Sprintf("%s:%d", workspace.IPAddress(), r.workerPort)
		worker := newWorker(
			workspace.ID,
			workspace.Name,
			workspace.IPAddress(),
			workspace.ResourceMeta.FlavorName,
			addr,
			state,
			r.slotsPerWorker,
		)
		r.workers.Store(workspace.ID, worker)
		added++

		log.Info().
			Str("worker_id", workspace.ID).
			Str("name", workspace.Name).
			Str("flavor", workspace.ResourceMeta.FlavorName).
			Str("state", string(state)).
			Msg("registered worker")
	}
	return added, nil
}

func (r *Registry) Get(id string) (*Worker, bool) {
	return r.workers.Load(id)
}

func (r *Registry) Size() int {
	return r.workers.Size()
}

// all returns the workers sorted by ID so selection tie-breaks are
// deterministic.
func (r *Registry) all() []*Worker {
	workers := make([]*Worker, 0, r.workers.Size())
	r.workers.Range(func(_ string, w *Worker) bool {
		workers = append(workers, w)
		return true
	})
	sort.Slice(workers, func(i, j int) bool {
		return workers[i].ID < workers[j].ID
	})
	return workers
}

// FindWithModel returns the best available worker that already has the
// model warm. Fewest active requests wins, then lowest ID.
func (r *Registry) FindWithModel(model string) *Worker {
	var best *Worker
	for _, w := range r.all() {
		if !w.HasModelLoaded(model) || !w.IsAvailable() {
			continue
		}
		if best == nil || w.ActiveRequests() < best.ActiveRequests() {
			best = w
		}
	}
	return best
}

// FindIdle returns an available worker without the requested model.
// Workers with no model at all are preferred over evicting someone
// else's warm model.
func (r *Registry) FindIdle() *Worker {
	var fallback *Worker
	for _, w := range r.all() {
		if !w.IsAvailable() {
			continue
		}
		if w.State() == types.WorkerStateIdle {
			return w
		}
		if fallback == nil {
			fallback = w
		}
	}
	return fallback
}

// FindStarting returns an unreserved worker that is already on its way
// up, so a second request can ride an in-progress resume instead of
// waking another workspace.
func (r *Registry) FindStarting() *Worker {
	for _, w := range r.all() {
		if w.State() != types.WorkerStateStarting {
			continue
		}
		if res := w.Reservation(); res != nil && !res.Expired() {
			continue
		}
		return w
	}
	return nil
}

// FindPaused returns an unreserved paused worker, lowest ID first.
func (r *Registry) FindPaused() *Worker {
	for _, w := range r.all() {
		if w.State() != types.WorkerStatePaused {
			continue
		}
		if res := w.Reservation(); res != nil && !res.Expired() {
			continue
		}
		return w
	}
	return nil
}

// RequestHandle tracks one in-flight request on a worker. Release is
// safe to call more than once; only the first call returns the slot.
type RequestHandle struct {
	worker *Worker
	once   sync.Once
}

func (h *RequestHandle) Worker() *Worker {
	return h.worker
}

func (h *RequestHandle) Release() {
	h.once.Do(func() {
		h.worker.finishRequest()
	})
}

// StartRequest consumes a slot on the worker and returns a handle whose
// Release returns it exactly once.
func (r *Registry) StartRequest(worker *Worker, userID string) (*RequestHandle, error) {
	if err := worker.startRequest(userID); err != nil {
		return nil, err
	}
	return &RequestHandle{worker: worker}, nil
}

// ExpireReservations clears every lapsed reservation and returns how many
// were cleared.
func (r *Registry) ExpireReservations() int {
	cleared := 0
	r.workers.Range(func(_ string, w *Worker) bool {
		if w.ClearExpiredReservation() {
			log.Info().Str("worker_id", w.ID).Msg("expired stale reservation")
			cleared++
		}
		return true
	})
	return cleared
}

// IdleWorkers returns the workers that have been warm and unused past the
// timeout.
func (r *Registry) IdleWorkers(timeout time.Duration) []*Worker {
	var idle []*Worker
	r.workers.Range(func(_ string, w *Worker) bool {
		if w.IdleTooLong(timeout) {
			idle = append(idle, w)
		}
		return true
	})
	return idle
}

// Snapshot returns a status copy of every worker, sorted by ID.
func (r *Registry) Snapshot() []types.WorkerStatus {
	workers := r.all()
	statuses := make([]types.WorkerStatus, 0, len(workers))
	for _, w := range workers {
		statuses = append(statuses, w.Status())
	}
	return statuses
}

// Stats aggregates the fleet for the stats endpoint.
func (r *Registry) Stats() types.FleetStats {
	stats := types.FleetStats{
		ModelsLoaded: map[string]int{},
	}
	r.workers.Range(func(_ string, w *Worker) bool {
		status := w.Status()
		stats.TotalWorkers++
		if status.State.Active() {
			stats.ActiveWorkers++
		}
		switch status.State {
		case types.WorkerStateBusy:
			stats.BusyWorkers++
		case types.WorkerStatePaused:
			stats.PausedWorkers++
		}
		if status.LoadedModel != nil {
			stats.ModelsLoaded[status.LoadedModel.Name]++
		}
		stats.TotalRequestsToday += status.RequestsToday
		return true
	})
	return stats
}
