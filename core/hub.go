package core

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
	"weak"
)

// Hub runs cooperative tasks on top of a HostLoop.
//
// Exactly one party holds the execution token at any time: the loop goroutine
// dispatching native events, or one task. Tasks hand the token back at suspension
// points (Sleep, Yield, WaitReadable, Event.Wait, Task.Wait) and are only ever
// resumed by the loop, through a zero-delay timer or a listener callback.
type Hub struct {
	loop         HostLoop
	logger       Logger
	panicHandler PanicHandler
	metrics      Metrics
	gracePeriod  time.Duration
	history      *executionHistory

	// token passing
	back    chan struct{}
	current atomic.Pointer[Task]
	loopGID atomic.Uint64
	loopCtx context.Context

	// loop context only
	timers     timerHeap
	timerSeq   uint64
	listeners  map[listenerKey]*Listener
	managed    []weak.Pointer[Task]
	graceTimer NativeTimer

	mu      sync.Mutex
	running bool
	exited  chan struct{}

	stopping atomic.Bool

	managedCount  atomic.Int64
	timerCount    atomic.Int64
	listenerCount atomic.Int64

	spawned  atomic.Int64
	finished atomic.Int64
	killed   atomic.Int64
	failed   atomic.Int64
	panicked atomic.Int64
	rejected atomic.Int64
}

type hubKeyType struct{}

var hubKey hubKeyType

// HubFromContext returns the hub carried by a task or loop context.
func HubFromContext(ctx context.Context) *Hub {
	if t := CurrentTask(ctx); t != nil {
		return t.hub
	}
	if ctx == nil {
		return nil
	}
	if h, ok := ctx.Value(hubKey).(*Hub); ok {
		return h
	}
	return nil
}

// NewHub creates a hub driving loop. A nil config uses DefaultHubConfig.
func NewHub(loop HostLoop, config *HubConfig) *Hub {
	cfg := config.withDefaults()
	h := &Hub{
		loop:         loop,
		logger:       cfg.Logger,
		panicHandler: cfg.PanicHandler,
		metrics:      cfg.Metrics,
		gracePeriod:  cfg.GracePeriod,
		history:      newExecutionHistory(cfg.HistoryCapacity),
		back:         make(chan struct{}),
		listeners:    make(map[listenerKey]*Listener),
		exited:       make(chan struct{}),
	}
	h.loopCtx = context.WithValue(context.Background(), hubKey, h)
	return h
}

// Loop returns the host loop the hub runs on.
func (h *Hub) Loop() HostLoop { return h.loop }

// Logger returns the hub logger.
func (h *Hub) Logger() Logger { return h.logger }

// IsRunning reports whether Run is executing the host loop.
func (h *Hub) IsRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// Done is closed when the current (or next) Run returns.
func (h *Hub) Done() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited
}

// Run executes the host loop on the calling goroutine until Abort completes. The
// calling goroutine becomes the loop goroutine.
func (h *Hub) Run() error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubRunning
	}
	h.running = true
	select {
	case <-h.exited:
		h.exited = make(chan struct{})
	default:
	}
	h.mu.Unlock()

	h.loopGID.Store(goid())
	h.stopping.Store(false)
	h.logger.Debug("hub started")

	err := h.loop.Exec()
	h.loop.ProcessEvents()

	h.stopping.Store(true)
	if h.graceTimer != nil {
		h.graceTimer.Stop()
		h.graceTimer = nil
	}
	if n := len(h.listeners); n > 0 {
		h.logger.Warn("hub exited with registered listeners", F("count", n))
	}
	if n := len(h.timers); n > 0 {
		h.logger.Warn("hub exited with pending timers", F("count", n))
	}
	h.loopGID.Store(0)

	h.mu.Lock()
	h.running = false
	close(h.exited)
	h.mu.Unlock()

	h.logger.Debug("hub exited")
	return err
}

// Abort stops the hub. Managed tasks get the grace period to finish; after that the
// host loop is asked to quit regardless. With wait set, Abort blocks until Run has
// returned; that is only possible from a foreign goroutine. Tasks are refused as
// well as the loop goroutine: a task cannot outlive Run, so waiting from one
// would never return. Both get ErrAbortWaitInLoop and should call Abort(false).
// A hub that is not running returns ErrHubNotRunning.
func (h *Hub) Abort(wait bool) error {
	if wait && h.inContext() {
		return ErrAbortWaitInLoop
	}
	if !h.IsRunning() {
		return ErrHubNotRunning
	}
	exited := h.Done()
	h.runInContext(h.abortNow)
	if wait {
		<-exited
	}
	return nil
}

func (h *Hub) abortNow() {
	h.stopping.Store(true)
	n := h.countManaged()
	if n == 0 {
		h.quitLoop()
		return
	}
	h.logger.Warn("waiting for managed tasks before quitting the hub",
		F("tasks", n), F("grace", h.gracePeriod))
	if h.graceTimer == nil {
		h.graceTimer = h.loop.SingleShot(h.gracePeriod, h.forceQuit)
	}
}

func (h *Hub) forceQuit() {
	h.graceTimer = nil
	if n := h.countManaged(); n > 0 {
		h.logger.Warn("tasks left after grace period, forcing the hub to quit", F("tasks", n))
	}
	h.quitLoop()
}

func (h *Hub) quitLoop() {
	if h.graceTimer != nil {
		h.graceTimer.Stop()
		h.graceTimer = nil
	}
	h.loop.Quit()
}

// =============================================================================
// Managed tasks
// =============================================================================

// TrackTask registers t as managed: Abort waits (up to the grace period) for
// managed tasks before quitting. The hub only keeps a weak reference.
func (h *Hub) TrackTask(t *Task) {
	if t == nil {
		return
	}
	h.runInContext(func() {
		if t.finished() {
			return
		}
		for _, wp := range h.managed {
			if wp.Value() == t {
				return
			}
		}
		h.managed = append(h.managed, weak.Make(t))
		h.managedCount.Store(int64(h.countManaged()))
		t.links = append(t.links, h.untrack)
	})
}

func (h *Hub) untrack(t *Task) {
	kept := h.managed[:0]
	for _, wp := range h.managed {
		if v := wp.Value(); v != nil && v != t && !v.finished() {
			kept = append(kept, wp)
		}
	}
	clear(h.managed[len(kept):])
	h.managed = kept
	h.managedCount.Store(int64(len(kept)))

	if h.stopping.Load() && h.IsRunning() && len(kept) == 0 {
		h.quitLoop()
	}
}

func (h *Hub) countManaged() int {
	n := 0
	for _, wp := range h.managed {
		if v := wp.Value(); v != nil && !v.finished() {
			n++
		}
	}
	return n
}

// =============================================================================
// Spawning
// =============================================================================

// Spawn starts fn as a raw task. Raw tasks have no error boundary: their error is
// only visible through Wait and the task history.
func (h *Hub) Spawn(name string, fn TaskFunc) *Task {
	t := h.newTask(name, "", fn)
	h.start(t)
	return t
}

// ScheduleCall runs fn on the loop context as soon as possible.
func (h *Hub) ScheduleCall(fn func()) {
	if fn == nil {
		return
	}
	h.callSoon(func() { h.safeCallback("scheduled call", fn) })
}

func (h *Hub) newTask(name, group string, fn TaskFunc) *Task {
	t := &Task{
		id:     GenerateTaskID(),
		name:   name,
		label:  resolveTaskName(fn, name),
		group:  group,
		hub:    h,
		fn:     fn,
		resume: make(chan resumeValue, 1),
		done:   make(chan struct{}),
	}
	base, cancel := context.WithCancelCause(h.loopCtx)
	t.ctx = context.WithValue(base, taskKey, t)
	t.cancel = cancel
	h.spawned.Add(1)
	return t
}

func (h *Hub) start(t *Task) {
	h.runInContext(func() {
		if t.finished() {
			return
		}
		t.startTimer = h.AddTimer(0, func() { h.launch(t) })
	})
}

func (h *Hub) launch(t *Task) {
	t.startTimer = nil
	if t.State() != TaskPending {
		return
	}
	if err := t.checkAlive(); err != nil {
		h.kill(t, err)
		return
	}
	go t.main()
	h.switchTo(t, resumeValue{})
}

// switchTo hands the execution token to t and waits for it to come back.
func (h *Hub) switchTo(t *Task, r resumeValue) {
	prev := h.current.Swap(t)
	t.resume <- r
	<-h.back
	h.current.Store(prev)
}

// wake resumes t if it is still parked in the wait identified by seq.
func (h *Hub) wake(t *Task, seq uint64, err error) {
	if t.State() != TaskSuspended || t.waitSeq != seq {
		return
	}
	if t.pendingCancel != nil {
		t.pendingCancel()
		t.pendingCancel = nil
	}
	if t.killCause != nil {
		err = t.killCause
	}
	h.switchTo(t, resumeValue{err: err})
}

func (h *Hub) kill(t *Task, cause error) {
	if t.finished() || t.killCause != nil {
		return
	}
	t.killCause = cause
	t.cancel(cause)

	switch t.State() {
	case TaskPending:
		if t.startTimer != nil {
			h.CancelTimer(t.startTimer)
			t.startTimer = nil
		}
		h.finish(t, cause)
	case TaskSuspended:
		if t.pendingCancel != nil {
			t.pendingCancel()
			t.pendingCancel = nil
		}
		seq := t.waitSeq
		h.callSoon(func() { h.wake(t, seq, cause) })
	}
	// A running task is the caller itself; it observes killCause at its next
	// suspension point.
}

// finish runs on the loop context once t can no longer be resumed.
func (h *Hub) finish(t *Task, err error) {
	t.finishedAt = time.Now()
	state := TaskFinished
	if t.killCause != nil && (err == nil || IsCancellation(err) || errors.Is(err, t.killCause)) {
		state = TaskKilled
		err = t.killCause
	}
	t.err = err
	t.state.Store(int32(state))
	t.cancel(context.Canceled)
	t.guards = nil

	h.finished.Add(1)
	switch {
	case state == TaskKilled:
		h.killed.Add(1)
		reason := "killed"
		if errors.Is(err, ErrOwnerGone) {
			reason = "owner_gone"
		}
		h.metrics.RecordTaskCanceled(t.group, reason)
	case err != nil && !IsCancellation(err):
		h.recordFailure(t.group)
	}
	if !t.startedAt.IsZero() {
		h.metrics.RecordTaskDuration(t.group, t.finishedAt.Sub(t.startedAt))
	}
	h.history.Add(t.record())

	close(t.done)

	links := t.links
	t.links = nil
	for _, fn := range links {
		h.safeCallback("task link", func() { fn(t) })
	}
	joiners := t.joiners
	t.joiners = nil
	for _, fn := range joiners {
		fn()
	}
}

// =============================================================================
// Loop context
// =============================================================================

func (h *Hub) inLoopGoroutine() bool {
	id := h.loopGID.Load()
	return id != 0 && id == goid()
}

// currentTask returns the task holding the token if it runs on this goroutine.
func (h *Hub) currentTask() *Task {
	t := h.current.Load()
	if t != nil && t.gid.Load() == goid() {
		return t
	}
	return nil
}

func (h *Hub) inContext() bool {
	return h.inLoopGoroutine() || h.currentTask() != nil
}

// runInContext runs fn now when called from the loop context, otherwise posts it.
func (h *Hub) runInContext(fn func()) {
	if h.inContext() {
		fn()
		return
	}
	h.post(fn)
}

// callSoon runs fn on the loop goroutine in a later dispatch pass.
func (h *Hub) callSoon(fn func()) {
	if h.inContext() {
		h.AddTimer(0, fn)
		return
	}
	h.post(fn)
}

func (h *Hub) post(fn func()) {
	if err := h.loop.Post(fn); err != nil {
		h.rejected.Add(1)
		h.metrics.RecordTaskRejected("", err.Error())
		h.logger.Warn("could not post to the host loop", F("error", err))
	}
}

func (h *Hub) safeCallback(what string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			h.reportPanic(h.loopCtx, what, "", rec, debug.Stack())
		}
	}()
	fn()
}

func (h *Hub) recordFailure(group string) {
	h.failed.Add(1)
	h.metrics.RecordTaskFailed(group)
}

func (h *Hub) reportPanic(ctx context.Context, name, group string, rec any, stack []byte) {
	h.panicked.Add(1)
	h.metrics.RecordTaskPanic(group, rec)
	h.panicHandler.HandlePanic(ctx, name, rec, stack)
}

// =============================================================================
// Observability
// =============================================================================

// Stats returns a snapshot of hub counters. Safe from any goroutine.
func (h *Hub) Stats() HubStats {
	s := HubStats{
		Running:       h.IsRunning(),
		Stopping:      h.stopping.Load(),
		ManagedTasks:  int(h.managedCount.Load()),
		PendingTimers: int(h.timerCount.Load()),
		Listeners:     int(h.listenerCount.Load()),
		Spawned:       h.spawned.Load(),
		Finished:      h.finished.Load(),
		Killed:        h.killed.Load(),
		Failed:        h.failed.Load(),
		Panicked:      h.panicked.Load(),
		Rejected:      h.rejected.Load(),
	}
	if last, ok := h.history.Last(); ok {
		s.LastTaskName = last.Name
		s.LastTaskAt = last.FinishedAt
	}
	return s
}

// RecentTasks returns up to limit finished tasks, newest first.
func (h *Hub) RecentTasks(limit int) []TaskExecutionRecord {
	return h.history.Recent(limit)
}

func (h *Hub) String() string {
	return fmt.Sprintf("Hub(running=%t, tasks=%d)", h.IsRunning(), h.managedCount.Load())
}
