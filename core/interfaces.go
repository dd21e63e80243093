package core

import (
	"context"
	"time"
)

// =============================================================================
// PanicHandler: Interface for handling task panics
// =============================================================================

// PanicHandler is called when a task body or a loop callback panics.
// The panic never propagates into the host loop; this hook only observes it.
//
// Implementations should be thread-safe as RunInNewThread workers may call it.
type PanicHandler interface {
	// HandlePanic is called when a task panics.
	//
	// Parameters:
	// - ctx: The context of the panicked task (may carry the task, see CurrentTask)
	// - taskName: The name of the task or callback where the panic occurred
	// - panicInfo: The panic value recovered from the task
	// - stackTrace: The stack trace at the time of panic
	HandlePanic(ctx context.Context, taskName string, panicInfo any, stackTrace []byte)
}

// DefaultPanicHandler reports panics through a Logger.
type DefaultPanicHandler struct {
	Logger Logger
}

// HandlePanic logs the panic at error level.
func (h *DefaultPanicHandler) HandlePanic(ctx context.Context, taskName string, panicInfo any, stackTrace []byte) {
	logger := h.Logger
	if logger == nil {
		logger = NewDefaultLogger()
	}
	logger.Error("panic recovered",
		F("task", taskName),
		F("panic", panicInfo),
		F("stack", string(stackTrace)))
}

// =============================================================================
// Metrics: Interface for observability and monitoring
// =============================================================================

// Metrics defines the interface for collecting hub metrics.
// Implementations can send metrics to monitoring systems (Prometheus, StatsD, etc.).
//
// Methods are invoked from the loop context and should be non-blocking and fast.
type Metrics interface {
	// RecordTaskDuration records how long a task lived, from first resume to finish.
	RecordTaskDuration(groupName string, duration time.Duration)

	// RecordTaskPanic records that a task body panicked.
	RecordTaskPanic(groupName string, panicInfo any)

	// RecordTaskFailed records an application error caught at a task boundary.
	RecordTaskFailed(groupName string)

	// RecordTaskCanceled records a task that finished because it was killed.
	//
	// Parameters:
	// - groupName: The group that owned the task ("" for raw hub tasks)
	// - reason: "killed" or "owner_gone"
	RecordTaskCanceled(groupName string, reason string)

	// RecordTaskRejected records work that could not be queued, e.g. after the
	// loop was closed.
	RecordTaskRejected(groupName string, reason string)

	// RecordPendingTimers records the number of timers in the hub heap.
	RecordPendingTimers(depth int)
}

// NilMetrics provides a no-op metrics implementation that does nothing.
// This is the default when no metrics interface is provided.
type NilMetrics struct{}

func (m *NilMetrics) RecordTaskDuration(groupName string, duration time.Duration) {}
func (m *NilMetrics) RecordTaskPanic(groupName string, panicInfo any)             {}
func (m *NilMetrics) RecordTaskFailed(groupName string)                           {}
func (m *NilMetrics) RecordTaskCanceled(groupName string, reason string)          {}
func (m *NilMetrics) RecordTaskRejected(groupName string, reason string)          {}
func (m *NilMetrics) RecordPendingTimers(depth int)                               {}

// =============================================================================
// HubConfig: Configuration for Hub
// =============================================================================

// DefaultGracePeriod is how long Abort waits for managed tasks before forcing the
// host loop to quit.
const DefaultGracePeriod = time.Second

// HubConfig holds configuration options for Hub.
// All handlers are optional; if not provided, default implementations will be used.
type HubConfig struct {
	// GracePeriod bounds how long Abort waits for managed tasks. Defaults to DefaultGracePeriod.
	GracePeriod time.Duration

	// HistoryCapacity is the size of the finished-task ring buffer.
	HistoryCapacity int

	// Logger receives hub, group and bridge logs. Defaults to DefaultLogger.
	Logger Logger

	// PanicHandler is called when a task panics. Defaults to DefaultPanicHandler.
	PanicHandler PanicHandler

	// Metrics is called to record task metrics. Defaults to NilMetrics.
	Metrics Metrics
}

// DefaultHubConfig returns a config with default handlers.
func DefaultHubConfig() *HubConfig {
	logger := NewDefaultLogger()
	return &HubConfig{
		GracePeriod:     DefaultGracePeriod,
		HistoryCapacity: defaultTaskHistoryCapacity,
		Logger:          logger,
		PanicHandler:    &DefaultPanicHandler{Logger: logger},
		Metrics:         &NilMetrics{},
	}
}

func (c *HubConfig) withDefaults() HubConfig {
	out := HubConfig{}
	if c != nil {
		out = *c
	}
	if out.GracePeriod <= 0 {
		out.GracePeriod = DefaultGracePeriod
	}
	if out.HistoryCapacity <= 0 {
		out.HistoryCapacity = defaultTaskHistoryCapacity
	}
	if out.Logger == nil {
		out.Logger = NewDefaultLogger()
	}
	if out.PanicHandler == nil {
		out.PanicHandler = &DefaultPanicHandler{Logger: out.Logger}
	}
	if out.Metrics == nil {
		out.Metrics = &NilMetrics{}
	}
	return out
}
