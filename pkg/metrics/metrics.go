// Package metrics exposes the engine counters to Prometheus. A nil *Recorder records
// nothing, so components can run without metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "orquestra"

type Recorder struct {
	workflowStatuses *prometheus.CounterVec
	taskStatuses     *prometheus.CounterVec
	writeConflicts   *prometheus.CounterVec
	handlerDuration  *prometheus.HistogramVec
	queueDepth       prometheus.Gauge
	orphans          prometheus.Counter
}

// New registers the engine collectors on reg.
func New(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)

	return &Recorder{
		workflowStatuses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_execution_status_total",
			Help:      "Workflow execution status changes by new status.",
		}, []string{"status"}),
		taskStatuses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_execution_status_total",
			Help:      "Task execution status changes by new status.",
		}, []string{"status"}),
		writeConflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_conflicts_total",
			Help:      "Writes that lost the revision check, by operation.",
		}, []string{"operation"}),
		handlerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "completion_handler_duration_seconds",
			Help:      "Time spent handling action execution updates.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"handler", "outcome"}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "completion_queue_depth",
			Help:      "Updates waiting for a completion worker.",
		}),
		orphans: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphaned_workflows_total",
			Help:      "Orphaned workflow executions canceled by the garbage collector.",
		}),
	}
}

func (r *Recorder) WorkflowStatus(status string) {
	if r == nil {
		return
	}

	r.workflowStatuses.WithLabelValues(status).Inc()
}

func (r *Recorder) TaskStatus(status string) {
	if r == nil {
		return
	}

	r.taskStatuses.WithLabelValues(status).Inc()
}

func (r *Recorder) WriteConflict(operation string) {
	if r == nil {
		return
	}

	r.writeConflicts.WithLabelValues(operation).Inc()
}

// ObserveHandler records the duration of one handler call and whether it failed.
func (r *Recorder) ObserveHandler(handler string, started time.Time, err error) {
	if r == nil {
		return
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}

	r.handlerDuration.WithLabelValues(handler, outcome).Observe(time.Since(started).Seconds())
}

func (r *Recorder) QueueDepth(depth int) {
	if r == nil {
		return
	}

	r.queueDepth.Set(float64(depth))
}

func (r *Recorder) Orphaned(count int) {
	if r == nil {
		return
	}

	r.orphans.Add(float64(count))
}
