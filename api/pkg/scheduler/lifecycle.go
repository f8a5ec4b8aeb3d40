package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/helixml/surfboard/api/pkg/cloud"
	"github.com/helixml/surfboard/api/pkg/config"
	"github.com/helixml/surfboard/api/pkg/types"
)

const (
	idleEvictionInterval      = 60 * time.Second
	reservationExpiryInterval = 30 * time.Second
	userLockSweepInterval     = time.Hour
	metricsPublishInterval    = 15 * time.Second
)

// ModelWarmer forces a model into memory on a worker before traffic is
// sent to it.
type ModelWarmer interface {
	WarmModel(ctx context.Context, addr string, model string, contextLength int) error
}

// Controller drives workers through their lifecycle: resuming paused
// workspaces, loading models, and the background loops that pause idle
// workers and expire stale reservations.
type Controller struct {
	cfg      config.Scheduler
	registry *Registry
	cloud    cloud.API
	warmer   ModelWarmer
	locker   *UserLocker
	cron     gocron.Scheduler
}

func NewController(cfg config.Scheduler, registry *Registry, cloudAPI cloud.API, warmer ModelWarmer, locker *UserLocker) (*Controller, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create lifecycle scheduler: %w", err)
	}
	return &Controller{
		cfg:      cfg,
		registry: registry,
		cloud:    cloudAPI,
		warmer:   warmer,
		locker:   locker,
		cron:     cron,
	}, nil
}

// Start registers the background jobs and runs them until the context is
// cancelled.
func (c *Controller) Start(ctx context.Context) error {
	jobs := []struct {
		name     string
		interval time.Duration
		task     func()
	}{
		{"idle-eviction", idleEvictionInterval, func() { c.evictIdle(ctx) }},
		{"reservation-expiry", reservationExpiryInterval, func() { c.registry.ExpireReservations() }},
		{"user-lock-sweep", userLockSweepInterval, func() { c.locker.Sweep() }},
		{"metrics-publish", metricsPublishInterval, func() { c.registry.PublishMetrics() }},
	}
	for _, job := range jobs {
		_, err := c.cron.NewJob(
			gocron.DurationJob(job.interval),
			gocron.NewTask(job.task),
			gocron.WithName(job.name),
		)
		if err != nil {
			return fmt.Errorf("failed to schedule %s job: %w", job.name, err)
		}
	}

	c.cron.Start()

	<-ctx.Done()

	if err := c.cron.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown lifecycle scheduler: %w", err)
	}
	return nil
}

// Resume wakes a paused workspace and waits until it is running and the
// inference server has had a moment to come up. On success the worker is
// Idle; on failure it is parked in Error until an operator intervenes.
func (c *Controller) Resume(ctx context.Context, worker *Worker) error {
	log.Info().Str("worker_id", worker.ID).Str("name", worker.Name).Msg("resuming worker")
	worker.SetState(types.WorkerStateStarting)

	if _, err := c.cloud.ResumeWorkspace(ctx, worker.ID); err != nil {
		worker.SetState(types.WorkerStateError)
		return fmt.Errorf("resume of worker %s failed: %w", worker.ID, err)
	}

	running, err := c.cloud.WaitForWorkspaceStatus(ctx, worker.ID, cloud.WorkspaceStatusRunning, c.cfg.StartupTimeout)
	if err != nil {
		worker.SetState(types.WorkerStateError)
		return fmt.Errorf("resume of worker %s failed: %w", worker.ID, err)
	}
	if !running {
		worker.SetState(types.WorkerStateError)
		return fmt.Errorf("worker %s did not reach running within %s", worker.ID, c.cfg.StartupTimeout)
	}

	// The IP can change across a pause/resume cycle.
	workspace, err := c.cloud.GetWorkspace(ctx, worker.ID)
	if err != nil {
		log.Warn().Err(err).Str("worker_id", worker.ID).Msg("could not refresh worker address after resume")
	} else if ip := workspace.IPAddress(); ip != "" {
		worker.SetAddress(ip, fmt.Sprintf("%s:%d", ip, c.cfg.WorkerPort))
	}

	// Give the inference server time to start listening after the VM
	// reports running.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.cfg.WorkerReadinessWait):
	}

	worker.SetState(types.WorkerStateIdle)
	log.Info().Str("worker_id", worker.ID).Msg("worker resumed")
	return nil
}

// Pause suspends the workspace behind a worker. Whatever model was
// resident is gone once the VM is suspended. Returns ErrNotPausable
// when the worker is not quiet; beginPause makes the check and the
// Pausing transition atomic, so a request racing in loses to the pause
// (or the pause loses to it), never both.
func (c *Controller) Pause(ctx context.Context, worker *Worker) error {
	if err := worker.beginPause(); err != nil {
		return err
	}

	log.Info().Str("worker_id", worker.ID).Str("name", worker.Name).Msg("pausing worker")

	if _, err := c.cloud.PauseWorkspace(ctx, worker.ID); err != nil {
		worker.SetState(types.WorkerStateError)
		return fmt.Errorf("pause of worker %s failed: %w", worker.ID, err)
	}

	worker.SetModel(nil)
	worker.SetState(types.WorkerStatePaused)
	return nil
}

// EnsureModelLoaded makes the model resident on the worker, warming it if
// a different model (or none) is loaded. No-op when it is already warm.
func (c *Controller) EnsureModelLoaded(ctx context.Context, worker *Worker, model string, contextLength int) error {
	if worker.HasModelLoaded(model) {
		return nil
	}

	log.Info().
		Str("worker_id", worker.ID).
		Str("model", model).
		Msg("loading model")
	worker.SetState(types.WorkerStateLoadingModel)

	if err := c.warmer.WarmModel(ctx, worker.Addr(), model, contextLength); err != nil {
		worker.SetModel(nil)
		worker.SetState(types.WorkerStateError)
		return fmt.Errorf("model load of %s on worker %s failed: %w", model, worker.ID, err)
	}

	worker.SetModel(&types.ModelInfo{
		Name:          model,
		LoadedAt:      time.Now(),
		ContextLength: contextLength,
	})
	worker.SetState(types.WorkerStateModelReady)
	return nil
}

// evictIdle pauses every worker that has been warm and unused past the
// idle timeout. Pauses run concurrently so one slow workspace does not
// hold up the rest of the sweep.
func (c *Controller) evictIdle(ctx context.Context) {
	idle := c.registry.IdleWorkers(c.cfg.ReservationTTL)
	if len(idle) == 0 {
		return
	}

	p := pool.New().WithMaxGoroutines(4)
	for _, worker := range idle {
		worker := worker
		p.Go(func() {
			log.Info().
				Str("worker_id", worker.ID).
				Str("idle_for", humanize.Time(worker.IdleSince())).
				Msg("pausing idle worker")
			if err := c.Pause(ctx, worker); err != nil {
				log.Error().Err(err).Str("worker_id", worker.ID).Msg("failed to pause idle worker")
			}
		})
	}
	p.Wait()
}
