// Copyright (C) 2024 The Rill Authors. All Rights Reserved.

package comm

import (
	"log/slog"
	"sync"
	"time"
)

// An ExecutionContext is the interpreter's per-session state. The core
// never inspects it; it only stores and restores it so that correlation
// continues in the session that originated a request.
type ExecutionContext interface{}

// A CorrelationEngine pairs inbound request messages with interpreter
// sessions. It is an external collaborator supplied by the Runtime.
// OnMessageReceive reports a *CorrelationError when the message cannot be
// matched with, or start, any session.
type CorrelationEngine interface {
	OnMessageReceive(msg *Message, c *Channel) error
}

// Extensions loads transport and protocol factories by name. It stands in
// for the interpreter's extension loader; factories for schemes other than
// the built-in "socket" transport are resolved through it on first use.
type Extensions interface {
	ChannelFactory(name string, core *Core) (ChannelFactory, error)
	ListenerFactory(name string, core *Core) (ListenerFactory, error)
	ProtocolFactory(name string, core *Core) (ProtocolFactory, error)
}

// Runtime is the capability set the owning interpreter injects into a Core
// at construction: logging, operation lookup, correlation, timeout
// scheduling, and extension loading.
type Runtime interface {
	// Log returns the interpreter's structured logger.
	Log() *slog.Logger

	// InputOperation looks up a declared input operation by name.
	InputOperation(name string) (Operation, bool)

	// Correlation returns the interpreter's correlation engine.
	Correlation() CorrelationEngine

	// NewExecutionContext returns a fresh session context for an inbound
	// message handler.
	NewExecutionContext() ExecutionContext

	// AddTimeoutHandler schedules h to fire after its interval.
	AddTimeoutHandler(h *TimeoutHandler)

	// PersistentConnectionTimeout is the idle interval after which a cached
	// persistent channel is evicted and closed.
	PersistentConnectionTimeout() time.Duration

	// Extensions returns the loader for non-built-in factories.
	Extensions() Extensions
}

// A TimeoutHandler runs a function once after an idle interval. Handlers
// are scheduled by the Runtime and may be stopped early; a stopped handler
// never fires.
type TimeoutHandler struct {
	interval time.Duration
	fire     func()

	μ       sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewTimeoutHandler returns an unscheduled handler that runs fire after the
// given interval once scheduled.
func NewTimeoutHandler(interval time.Duration, fire func()) *TimeoutHandler {
	return &TimeoutHandler{interval: interval, fire: fire}
}

// Interval returns the configured idle interval.
func (h *TimeoutHandler) Interval() time.Duration { return h.interval }

// Start arms the handler. A Runtime's AddTimeoutHandler implementation
// calls this (or provides equivalent scheduling of its own).
func (h *TimeoutHandler) Start() {
	h.μ.Lock()
	defer h.μ.Unlock()
	if h.stopped || h.timer != nil {
		return
	}
	h.timer = time.AfterFunc(h.interval, h.fire)
}

// Stop cancels the handler if it has not fired yet.
func (h *TimeoutHandler) Stop() {
	h.μ.Lock()
	defer h.μ.Unlock()
	h.stopped = true
	if h.timer != nil {
		h.timer.Stop()
	}
}
