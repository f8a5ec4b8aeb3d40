package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/helixml/surfboard/api/pkg/types"
)

// Worker is the authoritative record for one GPU workspace. All state
// lives behind the mutex; everything outside this package goes through
// the behavior methods so the registry invariants are enforced in one
// place.
type Worker struct {
	ID     string
	Name   string
	Flavor string

	mu sync.RWMutex
	// ip and addr can change across a pause/resume cycle, so they live
	// behind the mutex with the rest of the mutable state.
	ip              string
	addr            string
	state           types.WorkerState
	loadedModel     *types.ModelInfo
	reservation     *types.Reservation
	activeRequests  int
	maxSlots        int
	lastStateChange time.Time
	lastRequest     time.Time
	idleSince       time.Time
	totalRequests   int64
	requestsToday   int64
}

func newWorker(id, name, ip, flavor, addr string, state types.WorkerState, maxSlots int) *Worker {
	if maxSlots < 1 {
		maxSlots = 1
	}
	return &Worker{
		ID:              id,
		Name:            name,
		Flavor:          flavor,
		ip:              ip,
		addr:            addr,
		state:           state,
		maxSlots:        maxSlots,
		lastStateChange: time.Now(),
	}
}

func (w *Worker) Addr() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.addr
}

func (w *Worker) SetAddress(ip, addr string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ip = ip
	w.addr = addr
}

func (w *Worker) State() types.WorkerState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// setStateLocked is the single place state changes happen, so the
// idle_since bookkeeping cannot drift: idle_since is set exactly when
// the worker sits in ModelReady with no requests in flight.
func (w *Worker) setStateLocked(state types.WorkerState) {
	if state == w.state {
		return
	}
	w.state = state
	w.lastStateChange = time.Now()

	if state == types.WorkerStateModelReady && w.activeRequests == 0 {
		w.idleSince = time.Now()
	} else {
		w.idleSince = time.Time{}
	}
}

func (w *Worker) SetState(state types.WorkerState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.setStateLocked(state)
}

func (w *Worker) SetModel(info *types.ModelInfo) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if info != nil {
		info.LastUsed = time.Now()
	}
	w.loadedModel = info
}

func (w *Worker) LoadedModel() *types.ModelInfo {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.loadedModel == nil {
		return nil
	}
	copied := *w.loadedModel
	return &copied
}

// HasModelLoaded reports whether the named model is resident and the
// worker is in a state where it could serve it.
func (w *Worker) HasModelLoaded(model string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.loadedModel != nil &&
		w.loadedModel.Name == model &&
		w.state == types.WorkerStateModelReady
}

// IsAvailable reports whether a new request could be placed here right
// now. An expired reservation is cleared as a side effect, so stale
// claims never block placement even between cleanup-loop ticks.
func (w *Worker) IsAvailable() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.reservation != nil && w.reservation.Expired() {
		log.Debug().
			Str("worker_id", w.ID).
			Str("user", w.reservation.UserID).
			Msg("clearing expired reservation")
		w.reservation = nil
	}

	return w.reservation == nil &&
		(w.state == types.WorkerStateIdle || w.state == types.WorkerStateModelReady) &&
		w.activeRequests < w.maxSlots
}

// TryReserve claims the worker for a user. It succeeds when there is no
// live reservation and the worker is either on the wake path
// (Paused/Starting) or active with a free slot. At most one caller wins
// between reservation clears.
func (w *Worker) TryReserve(userID, model string, ttl time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.reservation != nil {
		if !w.reservation.Expired() {
			return false
		}
		w.reservation = nil
	}

	wakePath := w.state == types.WorkerStatePaused || w.state == types.WorkerStateStarting
	hasSlot := w.state.Active() && w.activeRequests < w.maxSlots
	if !wakePath && !hasSlot {
		return false
	}

	now := time.Now()
	w.reservation = &types.Reservation{
		UserID:     userID,
		ReservedAt: now,
		ExpiresAt:  now.Add(ttl),
		ModelName:  model,
	}
	return true
}

func (w *Worker) Reservation() *types.Reservation {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.reservation == nil {
		return nil
	}
	copied := *w.reservation
	return &copied
}

func (w *Worker) ClearReservation() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reservation = nil
}

// ClearExpiredReservation clears the reservation only if it has lapsed,
// returning whether it did.
func (w *Worker) ClearExpiredReservation() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.reservation == nil || !w.reservation.Expired() {
		return false
	}
	w.reservation = nil
	return true
}

// ErrNotPausable is returned when a worker cannot move to Pausing
// because it has requests in flight, a live reservation, or is in the
// wrong state.
var ErrNotPausable = errors.New("worker not pausable")

// beginPause moves the worker to Pausing. The eligibility check and the
// transition happen under one lock hold, so a request cannot start (and
// a reservation cannot land) between them: once this returns nil the
// worker takes no new work until it is resumed.
func (w *Worker) beginPause() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.reservation != nil && w.reservation.Expired() {
		w.reservation = nil
	}

	if w.state != types.WorkerStateIdle && w.state != types.WorkerStateModelReady {
		return fmt.Errorf("%w: worker %s is %s", ErrNotPausable, w.ID, w.state)
	}
	if w.activeRequests > 0 {
		return fmt.Errorf("%w: worker %s has %d requests in flight", ErrNotPausable, w.ID, w.activeRequests)
	}
	if w.reservation != nil {
		return fmt.Errorf("%w: worker %s is reserved by %s", ErrNotPausable, w.ID, w.reservation.UserID)
	}

	w.setStateLocked(types.WorkerStatePausing)
	return nil
}

// startRequest transitions the worker to Busy and consumes a slot. The
// reservation is cleared: the claim has been converted into an in-flight
// request.
func (w *Worker) startRequest(userID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.state.Active() {
		return fmt.Errorf("worker %s cannot take requests in state %s", w.ID, w.state)
	}
	if w.activeRequests >= w.maxSlots {
		return fmt.Errorf("worker %s has no free slots (%d/%d)", w.ID, w.activeRequests, w.maxSlots)
	}

	w.activeRequests++
	w.setStateLocked(types.WorkerStateBusy)
	w.lastRequest = time.Now()
	w.totalRequests++
	w.requestsToday++
	w.reservation = nil
	if w.loadedModel != nil {
		w.loadedModel.LastUsed = time.Now()
	}

	log.Debug().
		Str("worker_id", w.ID).
		Str("user", userID).
		Int("active_requests", w.activeRequests).
		Msg("request started")
	return nil
}

// finishRequest releases a slot. When the last request drains, the
// worker returns to ModelReady (model still resident) or Idle.
func (w *Worker) finishRequest() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.activeRequests == 0 {
		log.Warn().Str("worker_id", w.ID).Msg("finishRequest called with no active requests")
		return
	}
	w.activeRequests--
	if w.activeRequests > 0 {
		return
	}

	if w.loadedModel != nil {
		w.setStateLocked(types.WorkerStateModelReady)
	} else {
		w.setStateLocked(types.WorkerStateIdle)
	}
}

func (w *Worker) ActiveRequests() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.activeRequests
}

// IdleTooLong reports whether the worker has been sitting warm and
// unused past the timeout and should be paused to stop burning GPU
// hours.
func (w *Worker) IdleTooLong(timeout time.Duration) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.state != types.WorkerStateModelReady || w.activeRequests > 0 || w.idleSince.IsZero() {
		return false
	}
	return time.Since(w.idleSince) > timeout
}

func (w *Worker) IdleSince() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.idleSince
}

// Status returns a point-in-time copy for read-only consumers. It never
// mutates, so an expired-but-uncleared reservation is reported as
// absent.
func (w *Worker) Status() types.WorkerStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()

	status := types.WorkerStatus{
		ID:             w.ID,
		Name:           w.Name,
		IP:             w.ip,
		Flavor:         w.Flavor,
		State:          w.state,
		ActiveRequests: w.activeRequests,
		MaxSlots:       w.maxSlots,
		TotalRequests:  w.totalRequests,
		RequestsToday:  w.requestsToday,
	}
	if w.loadedModel != nil {
		copied := *w.loadedModel
		status.LoadedModel = &copied
	}
	reserved := false
	if w.reservation != nil && !w.reservation.Expired() {
		copied := *w.reservation
		status.Reservation = &copied
		reserved = true
	}
	if !w.idleSince.IsZero() {
		idleSince := w.idleSince
		status.IdleSince = &idleSince
	}
	if !w.lastRequest.IsZero() {
		lastRequest := w.lastRequest
		status.LastRequest = &lastRequest
	}
	status.IsAvailable = !reserved &&
		(w.state == types.WorkerStateIdle || w.state == types.WorkerStateModelReady) &&
		w.activeRequests < w.maxSlots
	return status
}
