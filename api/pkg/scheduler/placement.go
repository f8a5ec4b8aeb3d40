package scheduler

import (
	"time"

	"github.com/rs/zerolog/log"
)

// modelLoadEstimateSecs is the rough cost of pulling a model into GPU
// memory, used for wait estimates only.
const modelLoadEstimateSecs = 30

// PlacementDecision is the outcome of one placement pass: which worker
// to use and what has to happen before it can serve.
type PlacementDecision struct {
	Worker            *Worker
	NeedsResume       bool
	NeedsModelLoad    bool
	EstimatedWaitSecs int
	Reason            string
}

// PlanPlacement picks a worker for a model using the warm-first policy:
// a worker with the model already resident beats an active worker that
// would need a load, which beats waking a paused one. A nil decision
// Worker with EstimatedWaitSecs -1 means the fleet has no capacity.
func (r *Registry) PlanPlacement(model string, startupTimeout time.Duration) PlacementDecision {
	decision := r.planPlacement(model, startupTimeout)
	CountPlacement(decision.Reason)
	return decision
}

func (r *Registry) planPlacement(model string, startupTimeout time.Duration) PlacementDecision {
	if w := r.FindWithModel(model); w != nil {
		log.Debug().
			Str("worker_id", w.ID).
			Str("model", model).
			Msg("placement: model already resident")
		return PlacementDecision{
			Worker:            w,
			EstimatedWaitSecs: 0,
			Reason:            "model resident",
		}
	}

	if w := r.FindIdle(); w != nil {
		log.Debug().
			Str("worker_id", w.ID).
			Str("model", model).
			Msg("placement: active worker, model load needed")
		return PlacementDecision{
			Worker:            w,
			NeedsModelLoad:    true,
			EstimatedWaitSecs: modelLoadEstimateSecs,
			Reason:            "model load needed",
		}
	}

	if w := r.FindStarting(); w != nil {
		log.Info().
			Str("worker_id", w.ID).
			Str("model", model).
			Msg("placement: riding in-progress startup")
		return PlacementDecision{
			Worker:            w,
			NeedsModelLoad:    true,
			EstimatedWaitSecs: int(startupTimeout.Seconds()) + modelLoadEstimateSecs,
			Reason:            "worker starting",
		}
	}

	if w := r.FindPaused(); w != nil {
		log.Info().
			Str("worker_id", w.ID).
			Str("model", model).
			Msg("placement: waking paused worker")
		return PlacementDecision{
			Worker:            w,
			NeedsResume:       true,
			NeedsModelLoad:    true,
			EstimatedWaitSecs: int(startupTimeout.Seconds()) + modelLoadEstimateSecs,
			Reason:            "resume needed",
		}
	}

	log.Warn().Str("model", model).Msg("placement: no capacity")
	return PlacementDecision{
		EstimatedWaitSecs: -1,
		Reason:            "no capacity",
	}
}
