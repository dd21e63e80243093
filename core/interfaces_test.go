package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Metrics
// =============================================================================

// TestMetrics is a mock metrics collector for testing
type TestMetrics struct {
	mu        sync.Mutex
	durations map[string]int
	panics    map[string]int
	failed    map[string]int
	canceled  map[string][]string
	rejected  []string
	timers    []int
}

func NewTestMetrics() *TestMetrics {
	return &TestMetrics{
		durations: make(map[string]int),
		panics:    make(map[string]int),
		failed:    make(map[string]int),
		canceled:  make(map[string][]string),
	}
}

func (m *TestMetrics) RecordTaskDuration(groupName string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.durations[groupName]++
}

func (m *TestMetrics) RecordTaskPanic(groupName string, panicInfo any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panics[groupName]++
}

func (m *TestMetrics) RecordTaskFailed(groupName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed[groupName]++
}

func (m *TestMetrics) RecordTaskCanceled(groupName string, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canceled[groupName] = append(m.canceled[groupName], reason)
}

func (m *TestMetrics) RecordTaskRejected(groupName string, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected = append(m.rejected, reason)
}

func (m *TestMetrics) RecordPendingTimers(depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timers = append(m.timers, depth)
}

func (m *TestMetrics) snapshot(fn func(m *TestMetrics)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m)
}

var _ Metrics = (*TestMetrics)(nil)
var _ Metrics = (*NilMetrics)(nil)

func TestDefaultPanicHandler(t *testing.T) {
	logger := &recordingLogger{}
	handler := &DefaultPanicHandler{Logger: logger}

	handler.HandlePanic(context.Background(), "worker", "test panic", []byte("stack trace"))

	assert.Equal(t, 1, logger.count(LevelError, "panic recovered"))

	// A handler without a logger falls back to the default logger
	(&DefaultPanicHandler{}).HandlePanic(context.Background(), "worker", "test panic", nil)
}

func TestNilMetrics(t *testing.T) {
	m := &NilMetrics{}
	m.RecordTaskDuration("g", time.Second)
	m.RecordTaskPanic("g", "p")
	m.RecordTaskFailed("g")
	m.RecordTaskCanceled("g", "killed")
	m.RecordTaskRejected("g", "closed")
	m.RecordPendingTimers(3)
}

// TestHubConfig_Defaults tests that missing handlers get defaults
// Main test items:
// 1. A nil config uses DefaultHubConfig values
// 2. A partial config keeps the handlers it sets
func TestHubConfig_Defaults(t *testing.T) {
	cfg := (*HubConfig)(nil).withDefaults()
	assert.Equal(t, DefaultGracePeriod, cfg.GracePeriod)
	assert.Equal(t, defaultTaskHistoryCapacity, cfg.HistoryCapacity)
	assert.IsType(t, &DefaultLogger{}, cfg.Logger)
	assert.IsType(t, &DefaultPanicHandler{}, cfg.PanicHandler)
	assert.IsType(t, &NilMetrics{}, cfg.Metrics)

	def := DefaultHubConfig()
	assert.Equal(t, cfg.GracePeriod, def.GracePeriod)
	assert.Equal(t, cfg.HistoryCapacity, def.HistoryCapacity)

	metrics := NewTestMetrics()
	logger := &recordingLogger{}
	partial := (&HubConfig{Metrics: metrics, Logger: logger, GracePeriod: time.Minute}).withDefaults()
	assert.Same(t, metrics, partial.Metrics)
	assert.Same(t, logger, partial.Logger)
	assert.Equal(t, time.Minute, partial.GracePeriod)
	require.IsType(t, &DefaultPanicHandler{}, partial.PanicHandler)
	assert.Same(t, logger, partial.PanicHandler.(*DefaultPanicHandler).Logger)
}

// TestHub_WithCustomMetrics tests what the hub reports to Metrics
// Main test items:
// 1. Finished tasks record their duration under their group
// 2. Group panics and failures are counted per group
// 3. Raw task errors count as failures of the "" group
// 4. Kill reasons distinguish plain kills from owner loss
func TestHub_WithCustomMetrics(t *testing.T) {
	metrics := NewTestMetrics()
	loop := newTestLoop(t)
	h := NewHub(loop, &HubConfig{
		Logger:       &recordingLogger{},
		PanicHandler: &recordingPanicHandler{},
		Metrics:      metrics,
	})
	th := &testHub{Hub: h, loop: loop, runErr: make(chan error, 1)}
	th.start(t)

	group := NewTaskGroup(h, "ui")
	tasks := []*Task{
		group.Spawn(func(ctx context.Context) error { return nil }),
		group.Spawn(func(ctx context.Context) error { panic("boom") }),
		group.Spawn(func(ctx context.Context) error { return errors.New("bad input") }),
		h.Spawn("raw", func(ctx context.Context) error { return errors.New("raw failure") }),
	}
	for _, task := range tasks {
		waitTask(t, task)
	}

	sleeper := group.SpawnWithName("sleeper", func(ctx context.Context) error {
		return Sleep(ctx, time.Hour)
	})
	w := newWidget(h, "owner")
	bound := SpawnBound(group, "bound", w, func(ctx context.Context, self Ref[widget]) error {
		return Sleep(ctx, time.Hour)
	})
	require.Eventually(t, func() bool {
		return sleeper.State() == TaskSuspended && bound.State() == TaskSuspended
	}, time.Second, time.Millisecond)

	sleeper.Kill(nil)
	w.Destroy()
	waitTask(t, sleeper)
	waitTask(t, bound)

	metrics.snapshot(func(m *TestMetrics) {
		assert.Equal(t, 5, m.durations["ui"])
		assert.Equal(t, 1, m.durations[""])
		assert.Equal(t, 1, m.panics["ui"])
		assert.Equal(t, 1, m.failed["ui"])
		assert.Equal(t, 1, m.failed[""])
		assert.ElementsMatch(t, []string{"killed", "owner_gone"}, m.canceled["ui"])
		assert.NotEmpty(t, m.timers)
	})
}
