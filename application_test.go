package taskhub

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gdamore/tcell/v2"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Swind/go-task-hub/config"
	"github.com/Swind/go-task-hub/core"
	"github.com/Swind/go-task-hub/tcellhost"
)

// Ensure the native loop can back an application
var _ core.HostLoop = (*core.EventLoop)(nil)

func newTestApplication(t *testing.T, cfg *config.Config, opts ...Option) *Application {
	t.Helper()
	app, err := NewApplication("test", cfg, append([]Option{WithLogger(core.NewNoOpLogger())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestApplication_Lifecycle tests Start and Stop
// Main test items:
// 1. Start returns once the hub is running
// 2. A group task sleeps and reports through an Event
// 3. Stop waits for the hub to exit
func TestApplication_Lifecycle(t *testing.T) {
	app := newTestApplication(t, nil)

	assert.Equal(t, "test", app.Name())
	assert.False(t, app.IsRunning())

	require.NoError(t, app.Start(waitCtx(t)))
	assert.True(t, app.IsRunning())
	assert.True(t, app.Hub().IsRunning())

	ev := NewEvent[string](app.Hub())
	group := NewTaskGroup(app.Hub(), "worker")
	group.Spawn(func(ctx context.Context) error {
		if err := Sleep(ctx, 5*time.Millisecond); err != nil {
			return err
		}
		return ev.Send("done")
	})

	got, err := ev.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "done", got)

	require.NoError(t, app.Stop())
	assert.False(t, app.IsRunning())
	assert.False(t, app.Hub().IsRunning())

	// Stop on a stopped application is a no-op
	require.NoError(t, app.Stop())
}

// TestApplication_StartTwice tests that a running application refuses to start again.
func TestApplication_StartTwice(t *testing.T) {
	app := newTestApplication(t, nil)
	require.NoError(t, app.Start(waitCtx(t)))

	assert.ErrorIs(t, app.Start(waitCtx(t)), ErrApplicationRunning)
	assert.ErrorIs(t, app.Run(), ErrApplicationRunning)
}

// TestApplication_RunBlocks tests Run on the calling goroutine.
func TestApplication_RunBlocks(t *testing.T) {
	app := newTestApplication(t, nil)

	app.Hub().ScheduleCall(func() {
		go func() { _ = app.Stop() }()
	})

	done := make(chan error, 1)
	go func() { done <- app.Run() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

// TestApplication_InvalidConfig tests that validation errors are returned.
func TestApplication_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Hub.HistoryCapacity = 0

	_, err := NewApplication("bad", cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hub.history_capacity")
}

// TestApplication_Metrics tests the Prometheus wiring
// Main test items:
// 1. Task panics reach the exporter
// 2. The snapshot poller exports hub stats
func TestApplication_Metrics(t *testing.T) {
	cfg, err := config.Parse(`
[metrics]
enabled = true
namespace = "apptest"
poll_interval = "10ms"
`)
	require.NoError(t, err)

	reg := prom.NewRegistry()
	app := newTestApplication(t, cfg, WithRegisterer(reg))
	require.NoError(t, app.Start(waitCtx(t)))

	group := NewTaskGroup(app.Hub(), "metrics")
	task := group.Spawn(func(ctx context.Context) error {
		panic("boom")
	})
	require.NoError(t, task.Wait(waitCtx(t)))

	require.Eventually(t, func() bool {
		families, err := reg.Gather()
		if err != nil {
			return false
		}
		var panics, running bool
		for _, mf := range families {
			switch mf.GetName() {
			case "apptest_task_panic_total":
				panics = len(mf.GetMetric()) > 0 && mf.GetMetric()[0].GetCounter().GetValue() == 1
			case "apptest_hub_running":
				running = len(mf.GetMetric()) > 0 && mf.GetMetric()[0].GetGauge().GetValue() == 1
			}
		}
		return panics && running
	}, 2*time.Second, 10*time.Millisecond)
}

// TestApplication_TerminalHost tests an application hosted by a tcell screen.
func TestApplication_TerminalHost(t *testing.T) {
	screen := tcell.NewSimulationScreen("UTF-8")
	require.NoError(t, screen.Init())
	host := tcellhost.New(screen, tcellhost.WithLogger(core.NewNoOpLogger()))
	t.Cleanup(func() {
		_ = host.Close()
		screen.Fini()
	})

	app := newTestApplication(t, nil, WithHostLoop(host))
	require.NoError(t, app.Start(waitCtx(t)))

	result, err := CallInLoop(waitCtx(t), app.Hub(), func(ctx context.Context) (string, error) {
		return "painted", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "painted", result)

	require.NoError(t, app.Stop())
}

type lineLogger struct {
	core.NoOpLogger
	mu    sync.Mutex
	lines []string
}

func (l *lineLogger) Info(msg string, fields ...core.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, msg)
}

func (l *lineLogger) joined() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.lines, "\n")
}

// TestApplication_LogLevel tests that the config level filters the base logger.
func TestApplication_LogLevel(t *testing.T) {
	logger := &lineLogger{}
	cfg := config.Default()
	cfg.Log.Level = "warn"

	app, err := NewApplication("quiet", cfg, WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	require.NoError(t, app.Start(waitCtx(t)))
	require.NoError(t, app.Stop())
	assert.Empty(t, logger.joined())
}

// TestGlobalApplication tests the global helpers.
func TestGlobalApplication(t *testing.T) {
	assert.Panics(t, func() { GetGlobalHub() })

	require.NoError(t, InitGlobalApplication(nil, WithLogger(core.NewNoOpLogger())))
	require.NoError(t, InitGlobalApplication(nil))
	t.Cleanup(func() { _ = ShutdownGlobalApplication() })

	group := CreateTaskGroup("global")
	task := group.Spawn(func(ctx context.Context) error {
		return Yield(ctx)
	})
	require.NoError(t, task.Wait(waitCtx(t)))

	errDisk := errors.New("disk full")
	_, err := RunInNewThread(waitCtx(t), GetGlobalHub(), func(ctx context.Context) (int, error) {
		return 0, errDisk
	})
	assert.ErrorIs(t, err, errDisk)

	require.NoError(t, ShutdownGlobalApplication())
	assert.Panics(t, func() { GetGlobalHub() })
}
