package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/helixml/surfboard/api/pkg/scheduler"
	"github.com/helixml/surfboard/api/pkg/types"
)

type discoverResponse struct {
	DiscoveredGPUs int                  `json:"discovered_gpus"`
	GPUs           []types.WorkerStatus `json:"gpus"`
}

type gpuStatusResponse struct {
	GPUID     string `json:"gpu_id"`
	Status    string `json:"status"`
	IPAddress string `json:"ip_address"`
	CanResume bool   `json:"can_resume"`
	CanPause  bool   `json:"can_pause"`
}

type actionResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	ActionID string `json:"action_id,omitempty"`
}

// discoverGPUs re-queries the cloud for GPU workspaces, registers any new
// ones, and returns the full fleet.
func (s *Server) discoverGPUs(w http.ResponseWriter, r *http.Request) {
	added, err := s.registry.DiscoverAndSeed(r.Context(), s.cloud)
	if err != nil {
		log.Error().Err(err).Msg("failed to discover GPUs")
		writeErrResponse(w, fmt.Sprintf("Failed to discover GPUs: %s", err), http.StatusInternalServerError)
		return
	}
	if added > 0 {
		log.Info().Int("added", added).Msg("discovery registered new workers")
	}

	snapshot := s.registry.Snapshot()
	writeResponse(w, &discoverResponse{
		DiscoveredGPUs: len(snapshot),
		GPUs:           snapshot,
	}, http.StatusOK)
}

func (s *Server) getGPUStats(w http.ResponseWriter, _ *http.Request) {
	writeResponse(w, s.registry.Stats(), http.StatusOK)
}

func (s *Server) getGPUStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	worker, ok := s.registry.Get(id)
	if !ok {
		writeErrResponse(w, fmt.Sprintf("GPU %s not found", id), http.StatusNotFound)
		return
	}

	status := worker.Status()
	writeResponse(w, &gpuStatusResponse{
		GPUID:     status.ID,
		Status:    string(status.State),
		IPAddress: status.IP,
		CanResume: status.State == types.WorkerStatePaused,
		CanPause:  status.State == types.WorkerStateIdle || status.State == types.WorkerStateModelReady,
	}, http.StatusOK)
}

// resumeGPU wakes a paused worker. Resuming a worker that is not paused
// is not an error; the call reports the current state instead.
func (s *Server) resumeGPU(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	worker, ok := s.registry.Get(id)
	if !ok {
		writeErrResponse(w, fmt.Sprintf("GPU %s not found", id), http.StatusNotFound)
		return
	}

	if state := worker.State(); state != types.WorkerStatePaused {
		writeResponse(w, &actionResponse{
			Success: true,
			Message: fmt.Sprintf("GPU is already in %s state", state),
		}, http.StatusOK)
		return
	}

	if err := s.controller.Resume(r.Context(), worker); err != nil {
		log.Error().Err(err).Str("worker_id", id).Msg("failed to resume GPU")
		writeErrResponse(w, "Failed to start GPU", http.StatusInternalServerError)
		return
	}

	writeResponse(w, &actionResponse{
		Success:  true,
		Message:  "GPU started successfully",
		ActionID: id,
	}, http.StatusOK)
}

// pauseGPU suspends a worker. Already paused is fine; pausing one that
// is mid-request or mid-transition is rejected.
func (s *Server) pauseGPU(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	worker, ok := s.registry.Get(id)
	if !ok {
		writeErrResponse(w, fmt.Sprintf("GPU %s not found", id), http.StatusNotFound)
		return
	}

	state := worker.State()
	if state == types.WorkerStatePaused {
		writeResponse(w, &actionResponse{
			Success: true,
			Message: "GPU is already paused",
		}, http.StatusOK)
		return
	}
	if state != types.WorkerStateIdle && state != types.WorkerStateModelReady {
		writeErrResponse(w, fmt.Sprintf("GPU cannot be paused in %s state", state), http.StatusBadRequest)
		return
	}

	if err := s.controller.Pause(r.Context(), worker); err != nil {
		// A request can slip in between the state check above and the
		// pause; the controller's atomic transition is what decides.
		if errors.Is(err, scheduler.ErrNotPausable) {
			writeErrResponse(w, fmt.Sprintf("GPU cannot be paused in %s state", worker.State()), http.StatusBadRequest)
			return
		}
		log.Error().Err(err).Str("worker_id", id).Msg("failed to pause GPU")
		writeErrResponse(w, "Failed to pause GPU", http.StatusInternalServerError)
		return
	}

	writeResponse(w, &actionResponse{
		Success:  true,
		Message:  "GPU paused successfully",
		ActionID: id,
	}, http.StatusOK)
}
