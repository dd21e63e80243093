package prometheus

import (
	"errors"
	"fmt"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/Swind/go-task-hub/core"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	DurationBuckets []float64
}

// MetricsExporter adapts core.Metrics to Prometheus collectors.
type MetricsExporter struct {
	taskDurationSeconds *prom.HistogramVec
	taskPanicTotal      *prom.CounterVec
	taskFailedTotal     *prom.CounterVec
	taskCanceledTotal   *prom.CounterVec
	taskRejectedTotal   *prom.CounterVec
	pendingTimers       prom.Gauge
}

var _ core.Metrics = (*MetricsExporter)(nil)

// NewMetricsExporter creates and registers Prometheus collectors for core.Metrics.
func NewMetricsExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*MetricsExporter, error) {
	if namespace == "" {
		namespace = "taskhub"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = prom.DefBuckets
	}

	durationVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "task_duration_seconds",
		Help:      "Task lifetime from first resume to finish, in seconds.",
		Buckets:   buckets,
	}, []string{"group"})
	panicVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "task_panic_total",
		Help:      "Total number of task panics.",
	}, []string{"group"})
	failedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "task_failed_total",
		Help:      "Total number of task bodies that returned an application error.",
	}, []string{"group"})
	canceledVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "task_canceled_total",
		Help:      "Total number of killed tasks.",
	}, []string{"group", "reason"})
	rejectedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "task_rejected_total",
		Help:      "Total number of calls the host loop refused.",
	}, []string{"group", "reason"})
	timersGauge := prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_timers",
		Help:      "Current number of hub timers.",
	})

	var err error
	if durationVec, err = registerCollector(reg, durationVec); err != nil {
		return nil, err
	}
	if panicVec, err = registerCollector(reg, panicVec); err != nil {
		return nil, err
	}
	if failedVec, err = registerCollector(reg, failedVec); err != nil {
		return nil, err
	}
	if canceledVec, err = registerCollector(reg, canceledVec); err != nil {
		return nil, err
	}
	if rejectedVec, err = registerCollector(reg, rejectedVec); err != nil {
		return nil, err
	}
	if timersGauge, err = registerCollector(reg, timersGauge); err != nil {
		return nil, err
	}

	return &MetricsExporter{
		taskDurationSeconds: durationVec,
		taskPanicTotal:      panicVec,
		taskFailedTotal:     failedVec,
		taskCanceledTotal:   canceledVec,
		taskRejectedTotal:   rejectedVec,
		pendingTimers:       timersGauge,
	}, nil
}

// RecordTaskDuration records task lifetime.
func (m *MetricsExporter) RecordTaskDuration(groupName string, duration time.Duration) {
	if m == nil {
		return
	}
	m.taskDurationSeconds.WithLabelValues(groupLabel(groupName)).Observe(duration.Seconds())
}

// RecordTaskPanic records task panic events.
func (m *MetricsExporter) RecordTaskPanic(groupName string, panicInfo any) {
	if m == nil {
		return
	}
	m.taskPanicTotal.WithLabelValues(groupLabel(groupName)).Inc()
}

// RecordTaskFailed records application errors caught at a task boundary.
func (m *MetricsExporter) RecordTaskFailed(groupName string) {
	if m == nil {
		return
	}
	m.taskFailedTotal.WithLabelValues(groupLabel(groupName)).Inc()
}

// RecordTaskCanceled records killed tasks.
func (m *MetricsExporter) RecordTaskCanceled(groupName string, reason string) {
	if m == nil {
		return
	}
	m.taskCanceledTotal.WithLabelValues(groupLabel(groupName), normalizeLabel(reason, "unknown")).Inc()
}

// RecordTaskRejected records work the host loop refused.
func (m *MetricsExporter) RecordTaskRejected(groupName string, reason string) {
	if m == nil {
		return
	}
	m.taskRejectedTotal.WithLabelValues(groupLabel(groupName), normalizeLabel(reason, "unknown")).Inc()
}

// RecordPendingTimers records the hub timer count.
func (m *MetricsExporter) RecordPendingTimers(depth int) {
	if m == nil {
		return
	}
	m.pendingTimers.Set(float64(depth))
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// groupLabel names raw hub tasks, which have no group.
func groupLabel(group string) string {
	return normalizeLabel(group, "hub")
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
