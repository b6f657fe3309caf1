// Copyright (C) 2024 The Rill Authors. All Rights Reserved.

package comm

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ChannelState is the lifecycle state of a channel.
type ChannelState int

const (
	StateOpen ChannelState = iota
	StateClosing
	StateClosed
)

func (s ChannelState) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("state %d", int(s))
}

var nextChannelID atomic.Uint64

// A Channel is one communication endpoint: an Endpoint implementation plus
// the state the core needs to schedule, correlate, redirect, and evict it.
//
// The channel mutex serialises use of the endpoint: while a handler holds
// it, no other handler may send or receive on the channel. Soft state
// (lifecycle, redirection, timeout handler) is guarded separately so it can
// be inspected without contending with a blocked receive.
type Channel struct {
	core *Core
	impl Endpoint

	id           uint64
	location     string
	protocolName string
	threadSafe   bool

	lock sync.Mutex // the channel mutex; held across decode/encode

	μ             sync.Mutex // guards the fields below
	state         ChannelState
	toBeClosed    bool
	redirCh       *Channel
	redirOrigID   uint64 // id to restore when forwarding the response back
	redirFwdID    uint64 // id of the forwarded request, for correlation
	timeout       *TimeoutHandler
	inPort        *InputPort
	outPort       *OutputPort
	selectorIndex int
}

// NewChannel wraps impl into a channel owned by core. Channels default to
// to-be-closed; protocols supporting persistent connections clear the flag.
func NewChannel(core *Core, impl Endpoint, location, protocolName string) *Channel {
	c := &Channel{
		core:          core,
		impl:          impl,
		id:            nextChannelID.Add(1),
		location:      location,
		protocolName:  protocolName,
		toBeClosed:    true,
		selectorIndex: -1,
	}
	coreMetrics.channelsOpened.Add(1)
	if core != nil {
		core.trackChannel(c)
	}
	return c
}

// ID returns the channel's unique identity.
func (c *Channel) ID() uint64 { return c.id }

// Location returns the location URI the channel is connected to.
func (c *Channel) Location() string { return c.location }

// ProtocolName returns the name of the protocol the channel speaks.
func (c *Channel) ProtocolName() string { return c.protocolName }

// Endpoint returns the transport-level implementation.
func (c *Channel) Endpoint() Endpoint { return c.impl }

// IsThreadSafe reports whether the channel permits concurrent senders.
func (c *Channel) IsThreadSafe() bool { return c.threadSafe }

// SetThreadSafe marks the channel as safe for concurrent use. Factories
// call this from the protocol's capability predicate.
func (c *Channel) SetThreadSafe(ok bool) *Channel { c.threadSafe = ok; return c }

// Lock acquires the channel mutex.
func (c *Channel) Lock() { c.lock.Lock() }

// TryLock acquires the channel mutex without blocking and reports whether
// it succeeded.
func (c *Channel) TryLock() bool { return c.lock.TryLock() }

// Unlock releases the channel mutex. Unlocking a channel whose mutex is not
// held panics.
func (c *Channel) Unlock() {
	if c.lock.TryLock() {
		c.lock.Unlock()
		panic("comm: unlock of unlocked channel")
	}
	c.lock.Unlock()
}

// IsOpen reports whether the channel is still usable.
func (c *Channel) IsOpen() bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.state == StateOpen
}

// SetToBeClosed marks whether the channel must be closed after the current
// operation completes.
func (c *Channel) SetToBeClosed(ok bool) {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.toBeClosed = ok
}

// ToBeClosed reports whether the channel is marked for closure.
func (c *Channel) ToBeClosed() bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.toBeClosed
}

// SetTimeoutHandler installs h as the channel's idle-eviction handler,
// replacing (and stopping) any previous one. Passing nil clears it.
func (c *Channel) SetTimeoutHandler(h *TimeoutHandler) {
	c.μ.Lock()
	prev := c.timeout
	c.timeout = h
	c.μ.Unlock()
	if prev != nil && prev != h {
		prev.Stop()
	}
}

// TimeoutHandler returns the channel's current idle-eviction handler.
func (c *Channel) TimeoutHandler() *TimeoutHandler {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.timeout
}

// SetRedirection marks the channel as a forwarder: incoming data on it is
// the response to the request forwarded with id forwardedID, to be written
// back to partner with id originalID.
func (c *Channel) SetRedirection(partner *Channel, originalID, forwardedID uint64) {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.redirCh = partner
	c.redirOrigID = originalID
	c.redirFwdID = forwardedID
}

// ClearRedirection removes the redirection binding.
func (c *Channel) ClearRedirection() {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.redirCh = nil
	c.redirOrigID = 0
	c.redirFwdID = 0
}

// RedirectionChannel returns the channel this forwarder bridges for, or
// nil when the channel is not a forwarder.
func (c *Channel) RedirectionChannel() *Channel {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.redirCh
}

// RedirectionIDs returns the original and forwarded message ids of the
// redirection binding.
func (c *Channel) RedirectionIDs() (originalID, forwardedID uint64) {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.redirOrigID, c.redirFwdID
}

// SetParentInputPort binds the server-side port the channel belongs to.
func (c *Channel) SetParentInputPort(p *InputPort) *Channel {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.inPort = p
	return c
}

// ParentInputPort returns the server-side port, or nil for client channels.
func (c *Channel) ParentInputPort() *InputPort {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.inPort
}

// SetParentOutputPort binds the client-side port the channel belongs to.
func (c *Channel) SetParentOutputPort(p *OutputPort) *Channel {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.outPort = p
	return c
}

// ParentOutputPort returns the client-side port, or nil for input channels.
func (c *Channel) ParentOutputPort() *OutputPort {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.outPort
}

func (c *Channel) setSelectorIndex(i int) {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.selectorIndex = i
}

func (c *Channel) getSelectorIndex() int {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.selectorIndex
}

// Send writes one message to the channel. The caller must hold the channel
// mutex unless the channel is thread-safe.
func (c *Channel) Send(msg *Message) error {
	if !c.IsOpen() {
		return ErrChannelClosing
	}
	if err := c.impl.Send(msg); err != nil {
		return err
	}
	coreMetrics.messagesSent.Add(1)
	return nil
}

// Recv reads exactly one message from the channel. The caller must hold
// the channel mutex. A nil message with nil error indicates the remote end
// closed the connection in an orderly way.
func (c *Channel) Recv() (*Message, error) {
	if !c.IsOpen() {
		return nil, ErrChannelClosing
	}
	msg, err := c.impl.Recv()
	if err != nil {
		return nil, err
	}
	if msg != nil {
		coreMetrics.messagesRecv.Add(1)
	}
	return msg, nil
}

// RecvResponseFor returns the response whose id matches req.
//
// On a thread-safe channel the response is read by the transport and
// delivered through the core, so this only waits on the registered future.
// Otherwise the calling goroutine pumps the channel itself, feeding every
// decoded message through the core's correlation layer until its own
// registration completes; the caller must hold the channel mutex, which it
// acquired before sending req.
func (c *Channel) RecvResponseFor(req *Message) (*Message, error) {
	if c.threadSafe {
		return c.core.messagePool.recvAsynchronous(req)
	}
	for {
		rsp, done, err := c.core.messagePool.pollSynchronous(c, req)
		if done {
			return rsp, err
		}
		msg, err := c.impl.Recv()
		if err != nil {
			c.core.messagePool.failSynchronous(c, req, err)
			return nil, err
		}
		if msg == nil {
			err := fmt.Errorf("connection closed while awaiting response %d", req.ID)
			c.core.messagePool.failSynchronous(c, req, err)
			return nil, err
		}
		coreMetrics.messagesRecv.Add(1)
		c.core.ReceiveResponse(msg)
	}
}

// Close closes the channel and its endpoint. Closing an already-closed
// channel is a no-op.
func (c *Channel) Close() error {
	c.μ.Lock()
	if c.state == StateClosed {
		c.μ.Unlock()
		return nil
	}
	c.state = StateClosed
	t := c.timeout
	c.timeout = nil
	c.μ.Unlock()

	if t != nil {
		t.Stop()
	}
	if c.core != nil {
		c.core.untrackChannel(c)
	}
	coreMetrics.channelsClosed.Add(1)
	return c.impl.Close()
}

// DisposeForInput returns the channel to the core after a handler has
// consumed one message: a channel marked to-be-closed is closed; a
// selectable channel goes back to its reactor; a pollable one to the
// polling loop; anything else is handed straight back to the handler
// executor, where the next receive blocks until data arrives.
func (c *Channel) DisposeForInput() error {
	if c.ToBeClosed() {
		return c.Close()
	}
	switch c.impl.(type) {
	case Selectable:
		c.core.registerForSelection(c)
	case Pollable:
		return c.core.RegisterForPolling(c)
	default:
		c.core.ScheduleReceive(c, c.ParentInputPort())
	}
	return nil
}

// String returns a human-friendly rendering of the channel.
func (c *Channel) String() string {
	return fmt.Sprintf("Channel(%d, %s+%s)", c.id, c.location, c.protocolName)
}
