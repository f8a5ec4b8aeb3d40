package types

import (
	"time"
)

// WorkerState tracks both the cloud workspace lifecycle and the model
// lifecycle of the inference server running on it. A worker is only
// schedulable in StateIdle or StateModelReady.
type WorkerState string

const (
	WorkerStatePaused       WorkerState = "paused"
	WorkerStateStarting     WorkerState = "starting"
	WorkerStateIdle         WorkerState = "idle"
	WorkerStateLoadingModel WorkerState = "loading_model"
	WorkerStateModelReady   WorkerState = "model_ready"
	WorkerStateBusy         WorkerState = "busy"
	WorkerStatePausing      WorkerState = "pausing"
	WorkerStateError        WorkerState = "error"
)

// Active reports whether the workspace behind the worker is provisioned
// and reachable (i.e. not paused, not in transition to/from paused, and
// not errored).
func (s WorkerState) Active() bool {
	switch s {
	case WorkerStateIdle, WorkerStateLoadingModel, WorkerStateModelReady, WorkerStateBusy:
		return true
	default:
		return false
	}
}

// ModelInfo describes the model currently resident on a worker.
type ModelInfo struct {
	Name          string    `json:"name"`
	Size          string    `json:"size,omitempty"`
	LoadedAt      time.Time `json:"loaded_at"`
	LastUsed      time.Time `json:"last_used"`
	ContextLength int       `json:"context_length,omitempty"`
}

// Reservation is a short-lived exclusive claim on a worker, held between
// selection and request start to guard against concurrent placement races.
type Reservation struct {
	UserID     string    `json:"user_id"`
	ReservedAt time.Time `json:"reserved_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	ModelName  string    `json:"model_name,omitempty"`
}

func (r *Reservation) Expired() bool {
	return time.Now().After(r.ExpiresAt)
}

// WorkerStatus is a point-in-time copy of a worker record, safe to hand
// out to read-only API consumers.
type WorkerStatus struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	IP             string       `json:"ip_address"`
	Flavor         string       `json:"flavor"`
	State          WorkerState  `json:"status"`
	LoadedModel    *ModelInfo   `json:"loaded_model,omitempty"`
	Reservation    *Reservation `json:"reservation,omitempty"`
	ActiveRequests int          `json:"active_requests"`
	MaxSlots       int          `json:"max_slots"`
	IsAvailable    bool         `json:"is_available"`
	IdleSince      *time.Time   `json:"idle_since,omitempty"`
	LastRequest    *time.Time   `json:"last_request,omitempty"`
	TotalRequests  int64        `json:"total_requests"`
	RequestsToday  int64        `json:"requests_today"`
}

// FleetStats aggregates registry state for the /gpu/stats endpoint.
type FleetStats struct {
	TotalWorkers       int            `json:"total_gpus"`
	ActiveWorkers      int            `json:"active_gpus"`
	BusyWorkers        int            `json:"busy_gpus"`
	PausedWorkers      int            `json:"paused_gpus"`
	ModelsLoaded       map[string]int `json:"models_loaded"`
	TotalRequestsToday int64          `json:"total_requests_today"`
}

// User is the authenticated principal behind an API key.
type User struct {
	APIKey        string     `json:"-"`
	Name          string     `json:"name"`
	Email         string     `json:"email"`
	Created       string     `json:"created"`
	RequestsToday int64      `json:"requests_today"`
	TotalRequests int64      `json:"total_requests"`
	LastRequest   *time.Time `json:"last_request,omitempty"`
}
