package prometheus

import (
	"context"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/Swind/go-task-hub/core"
)

// HubSnapshotProvider provides current hub stats snapshots. *core.Hub implements it.
type HubSnapshotProvider interface {
	Stats() core.HubStats
}

// LoopSnapshotProvider provides native loop queue sizes. *core.EventLoop implements it.
type LoopSnapshotProvider interface {
	PendingCount() int
	TimerCount() int
	NotifierCount() int
}

// SnapshotPoller periodically exports hub and loop Stats() snapshots into Prometheus gauges.
type SnapshotPoller struct {
	interval time.Duration

	hubsMu sync.RWMutex
	hubs   map[string]HubSnapshotProvider

	loopsMu sync.RWMutex
	loops   map[string]LoopSnapshotProvider

	hubRunning   *prom.GaugeVec
	hubStopping  *prom.GaugeVec
	hubManaged   *prom.GaugeVec
	hubTimers    *prom.GaugeVec
	hubListeners *prom.GaugeVec
	hubTasks     *prom.GaugeVec

	loopPosted    *prom.GaugeVec
	loopTimers    *prom.GaugeVec
	loopNotifiers *prom.GaugeVec

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSnapshotPoller creates a snapshot poller and registers its collectors.
func NewSnapshotPoller(namespace string, reg prom.Registerer, interval time.Duration) (*SnapshotPoller, error) {
	if namespace == "" {
		namespace = "taskhub"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	gauge := func(name, help string, labels ...string) *prom.GaugeVec {
		return prom.NewGaugeVec(prom.GaugeOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}

	hubRunning := gauge("hub_running", "Hub running state (1=running, 0=stopped).", "hub")
	hubStopping := gauge("hub_stopping", "Hub abort in progress (1=stopping).", "hub")
	hubManaged := gauge("hub_managed_tasks", "Managed tasks Abort waits for.", "hub")
	hubTimers := gauge("hub_pending_timers", "Pending hub timers.", "hub")
	hubListeners := gauge("hub_listeners", "Registered descriptor listeners.", "hub")
	hubTasks := gauge("hub_tasks", "Task counters snapshot by outcome.", "hub", "outcome")

	loopPosted := gauge("loop_posted", "Posted calls waiting on the native loop.", "loop")
	loopTimers := gauge("loop_timers", "Armed native timers.", "loop")
	loopNotifiers := gauge("loop_notifiers", "Live native notifiers.", "loop")

	var err error
	for _, vec := range []**prom.GaugeVec{
		&hubRunning, &hubStopping, &hubManaged, &hubTimers, &hubListeners, &hubTasks,
		&loopPosted, &loopTimers, &loopNotifiers,
	} {
		if *vec, err = registerCollector(reg, *vec); err != nil {
			return nil, err
		}
	}

	return &SnapshotPoller{
		interval:      interval,
		hubs:          make(map[string]HubSnapshotProvider),
		loops:         make(map[string]LoopSnapshotProvider),
		hubRunning:    hubRunning,
		hubStopping:   hubStopping,
		hubManaged:    hubManaged,
		hubTimers:     hubTimers,
		hubListeners:  hubListeners,
		hubTasks:      hubTasks,
		loopPosted:    loopPosted,
		loopTimers:    loopTimers,
		loopNotifiers: loopNotifiers,
	}, nil
}

// AddHub adds or replaces a hub snapshot provider by name.
func (p *SnapshotPoller) AddHub(name string, provider HubSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "hub")
	p.hubsMu.Lock()
	p.hubs[name] = provider
	p.hubsMu.Unlock()
}

// AddLoop adds or replaces a native loop snapshot provider by name.
func (p *SnapshotPoller) AddLoop(name string, provider LoopSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "loop")
	p.loopsMu.Lock()
	p.loops[name] = provider
	p.loopsMu.Unlock()
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *SnapshotPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.running {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.stateMu.Unlock()

	go p.loop(pollCtx)
}

// Stop stops periodic polling; repeated calls are safe.
func (p *SnapshotPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	p.stateMu.Lock()
	p.running = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()
}

func (p *SnapshotPoller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.collectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.collectOnce()
		}
	}
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

func (p *SnapshotPoller) collectOnce() {
	p.hubsMu.RLock()
	for name, provider := range p.hubs {
		stats := provider.Stats()
		p.hubRunning.WithLabelValues(name).Set(boolGauge(stats.Running))
		p.hubStopping.WithLabelValues(name).Set(boolGauge(stats.Stopping))
		p.hubManaged.WithLabelValues(name).Set(float64(stats.ManagedTasks))
		p.hubTimers.WithLabelValues(name).Set(float64(stats.PendingTimers))
		p.hubListeners.WithLabelValues(name).Set(float64(stats.Listeners))
		p.hubTasks.WithLabelValues(name, "spawned").Set(float64(stats.Spawned))
		p.hubTasks.WithLabelValues(name, "finished").Set(float64(stats.Finished))
		p.hubTasks.WithLabelValues(name, "killed").Set(float64(stats.Killed))
		p.hubTasks.WithLabelValues(name, "failed").Set(float64(stats.Failed))
		p.hubTasks.WithLabelValues(name, "panicked").Set(float64(stats.Panicked))
		p.hubTasks.WithLabelValues(name, "rejected").Set(float64(stats.Rejected))
	}
	p.hubsMu.RUnlock()

	p.loopsMu.RLock()
	for name, provider := range p.loops {
		p.loopPosted.WithLabelValues(name).Set(float64(provider.PendingCount()))
		p.loopTimers.WithLabelValues(name).Set(float64(provider.TimerCount()))
		p.loopNotifiers.WithLabelValues(name).Set(float64(provider.NotifierCount()))
	}
	p.loopsMu.RUnlock()
}
