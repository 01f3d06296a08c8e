package metrics

import (
	"github.com/ternarybob/stash/internal/models"
)

// WorkerObserver bridges queue runner outcomes into the worker_stats family.
// Registered on each runner at wiring time.
type WorkerObserver struct {
	metrics    *Metrics
	workerName string
}

// NewWorkerObserver creates an observer reporting under the given worker name
func NewWorkerObserver(m *Metrics, workerName string) *WorkerObserver {
	return &WorkerObserver{
		metrics:    m,
		workerName: workerName,
	}
}

func (o *WorkerObserver) OnComplete(job *models.Job) {
	o.metrics.RecordWorkerOutcome(o.workerName, "completed")
}

func (o *WorkerObserver) OnError(job *models.Job, err error, permanent bool) {
	o.metrics.RecordWorkerOutcome(o.workerName, "failed")
	if permanent {
		o.metrics.RecordWorkerOutcome(o.workerName, "failed_permanent")
	}
}
