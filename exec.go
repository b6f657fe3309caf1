// Copyright (C) 2024 The Rill Authors. All Rights Reserved.

package comm

import (
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
)

// A ContextSlot is the mutable execution-context slot a handler task
// carries while it runs. The interpreter reads it to restore per-session
// state; it is installed and cleared by a SlotGuard around each handler.
type ContextSlot struct {
	μ  sync.Mutex
	ec ExecutionContext
}

// Set stores ec in the slot.
func (s *ContextSlot) Set(ec ExecutionContext) {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.ec = ec
}

// Get returns the execution context currently in the slot, or nil.
func (s *ContextSlot) Get() ExecutionContext {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.ec
}

// A SlotGuard scopes an execution context to a handler invocation.
type SlotGuard struct{ slot *ContextSlot }

// Install stores ec in the slot and returns a guard that clears it.
func (s *ContextSlot) Install(ec ExecutionContext) SlotGuard {
	s.Set(ec)
	return SlotGuard{slot: s}
}

// Clear empties the guarded slot.
func (g SlotGuard) Clear() {
	if g.slot != nil {
		g.slot.Set(nil)
	}
}

// executor runs handler tasks, one goroutine per task, optionally capped
// by the core's connections limit. Each task owns a fresh context slot.
type executor struct {
	tasks *taskgroup.Group
	gate  chan struct{} // nil when the pool is unbounded

	μ      sync.Mutex
	closed bool
}

func newExecutor(limit int) *executor {
	e := &executor{tasks: taskgroup.New(nil)}
	if limit > 0 {
		e.gate = make(chan struct{}, limit)
	}
	return e
}

// Execute schedules task. Tasks submitted after shutdown are dropped.
func (e *executor) Execute(task func(slot *ContextSlot)) {
	e.μ.Lock()
	if e.closed {
		e.μ.Unlock()
		return
	}
	e.tasks.Go(func() error {
		if e.gate != nil {
			e.gate <- struct{}{}
			defer func() { <-e.gate }()
		}
		task(new(ContextSlot))
		return nil
	})
	e.μ.Unlock()
}

// Shutdown stops accepting tasks and waits up to timeout for running ones
// to finish. It reports whether the pool drained in time.
func (e *executor) Shutdown(timeout time.Duration) bool {
	e.μ.Lock()
	e.closed = true
	e.μ.Unlock()

	done := make(chan struct{})
	go func() { e.tasks.Wait(); close(done) }()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
