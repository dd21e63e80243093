package core

import (
	"context"
	"errors"
	"runtime"
	"runtime/debug"
	"sync"
	"weak"
)

type groupEntry struct {
	task weak.Pointer[Task]
	name string
}

// TaskGroup owns a set of tasks spawned by one object. It only keeps weak
// references, and every task body runs behind an error boundary: application
// errors and panics are logged and swallowed, cancellations are silent.
type TaskGroup struct {
	hub  *Hub
	name string

	mu      sync.Mutex
	entries []groupEntry
}

// NewTaskGroup creates an empty group on h. name labels logs and metrics.
func NewTaskGroup(h *Hub, name string) *TaskGroup {
	return &TaskGroup{hub: h, name: name}
}

// Name returns the group name.
func (g *TaskGroup) Name() string { return g.name }

// Hub returns the hub the group spawns on.
func (g *TaskGroup) Hub() *Hub { return g.hub }

// Spawn starts an unnamed task.
func (g *TaskGroup) Spawn(fn TaskFunc) *Task {
	return g.spawn("", "", fn, nil)
}

// SpawnWithName starts a task that can be found with Get and killed with Kill.
func (g *TaskGroup) SpawnWithName(name string, fn TaskFunc) *Task {
	return g.spawn(name, "", fn, nil)
}

func (g *TaskGroup) spawn(name, label string, fn TaskFunc, binds []func(*Task)) *Task {
	if label == "" {
		label = resolveTaskName(fn, name)
	}
	t := g.hub.newTask(name, g.name, g.boundary(label, fn))
	t.label = label
	for _, bind := range binds {
		bind(t)
	}

	g.mu.Lock()
	g.pruneLocked()
	g.entries = append(g.entries, groupEntry{task: weak.Make(t), name: name})
	g.mu.Unlock()

	g.hub.TrackTask(t)
	g.hub.start(t)
	return t
}

// Add adopts a task that was spawned elsewhere, typically with Hub.Spawn, under
// name. The group keeps a weak entry so Get, Kill and KillAll reach it, and the hub
// tracks it for Abort. The task keeps its own error handling; the group boundary
// only wraps bodies the group spawns itself.
func (g *TaskGroup) Add(t *Task, name string) {
	if t == nil || t.finished() {
		return
	}
	g.mu.Lock()
	g.pruneLocked()
	g.entries = append(g.entries, groupEntry{task: weak.Make(t), name: name})
	g.mu.Unlock()

	g.hub.TrackTask(t)
}

// boundary wraps fn with the group's error policy.
func (g *TaskGroup) boundary(label string, fn TaskFunc) TaskFunc {
	return func(ctx context.Context) (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				g.hub.reportPanic(ctx, label, g.name, rec, debug.Stack())
				err = nil
			}
		}()

		err = fn(ctx)
		if err == nil || IsCancellation(err) || errors.Is(err, context.Cause(ctx)) {
			return err
		}
		g.hub.logger.Error("task failed",
			F("group", g.name),
			F("task", label),
			F("error", err))
		g.hub.recordFailure(g.name)
		return nil
	}
}

func (g *TaskGroup) pruneLocked() {
	kept := g.entries[:0]
	for _, e := range g.entries {
		if t := e.task.Value(); t != nil && !t.finished() {
			kept = append(kept, e)
		}
	}
	clear(g.entries[len(kept):])
	g.entries = kept
}

// Len returns the number of live tasks in the group.
func (g *TaskGroup) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked()
	return len(g.entries)
}

// Get returns the first live task spawned with name, or nil.
func (g *TaskGroup) Get(name string) *Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range g.entries {
		if e.name != name {
			continue
		}
		if t := e.task.Value(); t != nil && !t.finished() {
			return t
		}
	}
	return nil
}

// Kill kills every live task spawned with name and waits for them to finish,
// bounded by ctx; errors are swallowed. From the loop goroutine, which cannot
// block, it only requests the kills. Killing a name with no live tasks is a no-op.
func (g *TaskGroup) Kill(ctx context.Context, name string, cause error) {
	g.mu.Lock()
	var victims []*Task
	kept := g.entries[:0]
	for _, e := range g.entries {
		t := e.task.Value()
		if t == nil || t.finished() {
			continue
		}
		if e.name == name {
			victims = append(victims, t)
			continue
		}
		kept = append(kept, e)
	}
	clear(g.entries[len(kept):])
	g.entries = kept
	g.mu.Unlock()

	for _, t := range victims {
		t.Kill(cause)
	}
	g.join(ctx, victims)
}

// join waits for tasks the way the caller is allowed to block.
func (g *TaskGroup) join(ctx context.Context, tasks []*Task) {
	if len(tasks) == 0 || g.hub.inLoopGoroutine() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if g.hub.currentTask() != nil {
		for _, t := range tasks {
			_ = t.Wait(ctx)
		}
		return
	}

	// A foreign caller must not outlive the hub: kills posted to a stopped
	// loop are never carried out.
	exited := g.hub.Done()
	if !g.hub.IsRunning() {
		return
	}
	for _, t := range tasks {
		select {
		case <-t.Done():
		case <-exited:
			return
		case <-ctx.Done():
			return
		}
	}
}

// KillAll kills every task of the group. The group is emptied at once; the kills
// are carried out by a helper task so KillAll may be called from one of the
// group's own tasks.
func (g *TaskGroup) KillAll() {
	g.mu.Lock()
	entries := g.entries
	g.entries = nil
	g.mu.Unlock()

	if len(entries) == 0 {
		return
	}

	refs := make([]weak.Pointer[Task], 0, len(entries))
	for _, e := range entries {
		refs = append(refs, e.task)
	}
	helper := g.hub.Spawn("killall:"+g.name, func(ctx context.Context) error {
		for _, ref := range refs {
			t := ref.Value()
			if t == nil {
				continue
			}
			t.Kill(nil)
			_ = t.Wait(ctx)
		}
		runtime.GC()
		return nil
	})
	g.hub.TrackTask(helper)
}

// Close kills every task of the group.
func (g *TaskGroup) Close() {
	g.KillAll()
}

// =============================================================================
// Owner-bound spawning
// =============================================================================

// SpawnBound starts fn in g bound to owner. The task only sees owner through a
// weak Ref and is killed with ErrOwnerGone when the owner is destroyed or
// collected.
func SpawnBound[T any, P ownerPtr[T]](g *TaskGroup, name string, owner P, fn func(ctx context.Context, self Ref[T]) error) *Task {
	ref := MakeRef(owner)
	body := func(ctx context.Context) error { return fn(ctx, ref) }
	return g.spawn(name, resolveTaskName(fn, name), body, []func(*Task){bindOwner(ref)})
}

// Run1 starts fn with one captured owner passed as a weak Ref.
func Run1[A any, PA ownerPtr[A]](g *TaskGroup, a PA, fn func(ctx context.Context, a Ref[A]) error) *Task {
	ra := MakeRef(a)
	body := func(ctx context.Context) error { return fn(ctx, ra) }
	return g.spawn("", resolveTaskName(fn, ""), body, []func(*Task){bindOwner(ra)})
}

// Run2 starts fn with two captured owners, each passed as a weak Ref. The task is
// killed when either owner goes away.
func Run2[A, B any, PA ownerPtr[A], PB ownerPtr[B]](g *TaskGroup, a PA, b PB, fn func(ctx context.Context, a Ref[A], b Ref[B]) error) *Task {
	ra, rb := MakeRef(a), MakeRef(b)
	body := func(ctx context.Context) error { return fn(ctx, ra, rb) }
	return g.spawn("", resolveTaskName(fn, ""), body, []func(*Task){bindOwner(ra), bindOwner(rb)})
}

// SpawnMethod turns fn into a method-like launcher: calling the result with a
// receiver spawns fn bound to that receiver in the group returned by groupOf.
func SpawnMethod[T any, P ownerPtr[T]](groupOf func(P) *TaskGroup, fn func(ctx context.Context, self Ref[T]) error) func(P) *Task {
	return func(owner P) *Task {
		return SpawnBound(groupOf(owner), "", owner, fn)
	}
}
