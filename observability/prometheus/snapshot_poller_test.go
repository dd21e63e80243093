package prometheus

import (
	"context"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Swind/go-task-hub/core"
)

type hubStub struct {
	stats core.HubStats
}

func (s hubStub) Stats() core.HubStats { return s.stats }

type loopStub struct {
	posted, timers, notifiers int
}

func (s loopStub) PendingCount() int  { return s.posted }
func (s loopStub) TimerCount() int    { return s.timers }
func (s loopStub) NotifierCount() int { return s.notifiers }

func TestSnapshotPoller_CollectsHubAndLoopStats(t *testing.T) {
	reg := prom.NewRegistry()
	poller, err := NewSnapshotPoller("taskhub", reg, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("NewSnapshotPoller failed: %v", err)
	}

	poller.AddHub("main", hubStub{stats: core.HubStats{
		Running:       true,
		ManagedTasks:  3,
		PendingTimers: 2,
		Listeners:     1,
		Spawned:       10,
		Killed:        4,
	}})
	poller.AddLoop("main", loopStub{posted: 5, timers: 6, notifiers: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	poller.Start(ctx)
	defer poller.Stop()

	assertEventually(t, 2*time.Second, func() bool {
		managed := testutil.ToFloat64(poller.hubManaged.WithLabelValues("main"))
		posted := testutil.ToFloat64(poller.loopPosted.WithLabelValues("main"))
		return managed == 3 && posted == 5
	})

	if got := testutil.ToFloat64(poller.hubRunning.WithLabelValues("main")); got != 1 {
		t.Fatalf("hub running gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(poller.hubStopping.WithLabelValues("main")); got != 0 {
		t.Fatalf("hub stopping gauge = %v, want 0", got)
	}
	if got := testutil.ToFloat64(poller.hubTasks.WithLabelValues("main", "killed")); got != 4 {
		t.Fatalf("killed gauge = %v, want 4", got)
	}
	if got := testutil.ToFloat64(poller.loopTimers.WithLabelValues("main")); got != 6 {
		t.Fatalf("loop timers gauge = %v, want 6", got)
	}
}

func TestSnapshotPoller_RealHub(t *testing.T) {
	loop, err := core.NewEventLoop(core.WithLoopLogger(core.NewNoOpLogger()))
	if err != nil {
		t.Fatalf("NewEventLoop failed: %v", err)
	}
	defer loop.Close()
	hub := core.NewHub(loop, &core.HubConfig{Logger: core.NewNoOpLogger()})

	reg := prom.NewRegistry()
	poller, err := NewSnapshotPoller("", reg, time.Hour)
	if err != nil {
		t.Fatalf("NewSnapshotPoller failed: %v", err)
	}
	poller.AddHub("", hub)
	poller.AddLoop("", loop)
	poller.collectOnce()

	if got := testutil.ToFloat64(poller.hubRunning.WithLabelValues("hub")); got != 0 {
		t.Fatalf("hub running gauge = %v, want 0", got)
	}
	if got := testutil.ToFloat64(poller.loopPosted.WithLabelValues("loop")); got != 0 {
		t.Fatalf("loop posted gauge = %v, want 0", got)
	}
}

func TestSnapshotPoller_StartStop_Idempotent(t *testing.T) {
	reg := prom.NewRegistry()
	poller, err := NewSnapshotPoller("taskhub", reg, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("NewSnapshotPoller failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poller.Start(ctx)
	poller.Start(ctx)
	poller.Stop()
	poller.Stop()
}

func assertEventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}
