package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/helixml/surfboard/api/pkg/types"
)

var (
	workersByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "surfboard",
		Name:      "workers",
		Help:      "Number of workers by state.",
	}, []string{"state"})

	activeRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "surfboard",
		Name:      "active_requests",
		Help:      "Inference requests currently in flight across the fleet.",
	})

	placementDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "surfboard",
		Name:      "placement_decisions_total",
		Help:      "Placement outcomes by reason.",
	}, []string{"reason"})
)

var workerStates = []types.WorkerState{
	types.WorkerStatePaused,
	types.WorkerStateStarting,
	types.WorkerStateIdle,
	types.WorkerStateLoadingModel,
	types.WorkerStateModelReady,
	types.WorkerStateBusy,
	types.WorkerStatePausing,
	types.WorkerStateError,
}

// PublishMetrics pushes the current fleet shape into the prometheus
// gauges. Called from the gauge update loop and after state changes worth
// reflecting immediately.
func (r *Registry) PublishMetrics() {
	counts := map[types.WorkerState]int{}
	active := 0
	r.workers.Range(func(_ string, w *Worker) bool {
		counts[w.State()]++
		active += w.ActiveRequests()
		return true
	})
	for _, state := range workerStates {
		workersByState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
	activeRequests.Set(float64(active))
}

// CountPlacement records a placement outcome.
func CountPlacement(reason string) {
	placementDecisions.WithLabelValues(reason).Inc()
}
