package core

import (
	"runtime"
	"sync"
	"weak"
)

// lifetimeState is shared between an owner, its Refs and guards. It never points
// back at the owner, so it does not keep it alive.
type lifetimeState struct {
	mu        sync.Mutex
	destroyed bool
	armed     bool
	guards    []*OwnerGuard
}

func (s *lifetimeState) isDestroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

func (s *lifetimeState) destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	guards := s.guards
	s.guards = nil
	s.mu.Unlock()

	for _, g := range guards {
		g.fire()
	}
}

// add registers g; it returns false if the owner is already destroyed.
func (s *lifetimeState) add(g *OwnerGuard) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return false
	}
	kept := s.guards[:0]
	for _, old := range s.guards {
		if old.task.Value() != nil {
			kept = append(kept, old)
		}
	}
	clear(s.guards[len(kept):])
	s.guards = append(kept, g)
	return true
}

// Lifetime is embedded by objects that own tasks. Destroy ends the lifetime
// explicitly; if the owner is garbage collected first, the same happens from a
// cleanup.
//
//	type Dialog struct {
//		core.Lifetime
//		...
//	}
type Lifetime struct {
	once  sync.Once
	state *lifetimeState
}

func (l *Lifetime) lifetimeState() *lifetimeState {
	l.once.Do(func() { l.state = &lifetimeState{} })
	return l.state
}

// Destroy kills every task bound to the owner with ErrOwnerGone. It is idempotent.
func (l *Lifetime) Destroy() {
	l.lifetimeState().destroy()
}

// Alive reports whether Destroy has not been called.
func (l *Lifetime) Alive() bool {
	return !l.lifetimeState().isDestroyed()
}

// Owner is implemented by types embedding Lifetime.
type Owner interface {
	lifetimeState() *lifetimeState
}

type ownerPtr[T any] interface {
	*T
	Owner
}

// arm registers the GC fallback for owner once.
func arm[T any, P ownerPtr[T]](owner P) *lifetimeState {
	s := owner.lifetimeState()
	s.mu.Lock()
	armed := s.armed
	s.armed = true
	s.mu.Unlock()
	if !armed {
		runtime.AddCleanup((*T)(owner), func(s *lifetimeState) { s.destroy() }, s)
	}
	return s
}

// Ref is a weak reference to a task owner.
type Ref[T any] struct {
	ptr   weak.Pointer[T]
	state *lifetimeState
}

// MakeRef returns a weak reference to owner.
func MakeRef[T any, P ownerPtr[T]](owner P) Ref[T] {
	return Ref[T]{ptr: weak.Make((*T)(owner)), state: arm(owner)}
}

// Get returns the owner, or ErrOwnerGone once it was destroyed or collected.
func (r Ref[T]) Get() (*T, error) {
	if r.state == nil || r.state.isDestroyed() {
		return nil, ErrOwnerGone
	}
	p := r.ptr.Value()
	if p == nil {
		return nil, ErrOwnerGone
	}
	return p, nil
}

// Alive reports whether Get would succeed.
func (r Ref[T]) Alive() bool {
	_, err := r.Get()
	return err == nil
}

// OwnerGuard ties a task to an owner: when the owner goes away the task is killed
// with ErrOwnerGone, exactly once.
type OwnerGuard struct {
	once  sync.Once
	state *lifetimeState
	alive func() bool
	task  weak.Pointer[Task]
}

// OwnerAlive reports whether the guarded owner still exists.
func (g *OwnerGuard) OwnerAlive() bool {
	return !g.state.isDestroyed() && g.alive()
}

func (g *OwnerGuard) fire() {
	g.once.Do(func() {
		if t := g.task.Value(); t != nil {
			t.Kill(ErrOwnerGone)
		}
	})
}

// bindOwner returns a hook attaching an OwnerGuard for ref to a task that has not
// been started yet.
func bindOwner[T any](ref Ref[T]) func(*Task) {
	return func(t *Task) {
		g := &OwnerGuard{
			state: ref.state,
			alive: ref.Alive,
			task:  weak.Make(t),
		}
		t.guards = append(t.guards, g)
		if !ref.state.add(g) {
			g.fire()
		}
	}
}
