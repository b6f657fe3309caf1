// Copyright (C) 2024 The Rill Authors. All Rights Reserved.

package comm

import "sync"

// pending is the delivery slot for an asynchronously correlated response.
// It is buffered so delivery never blocks the transport.
type pending chan *Message

func (p pending) deliver(m *Message) {
	p <- m
	close(p)
}

// syncEntry is an outstanding request on a channel that carries request and
// response sequentially. The entry is indexed both by channel identity and
// by request id; the condition variable wakes a caller blocked in the
// pool-level RecvResponseFor.
type syncEntry struct {
	req  *Message
	rsp  *Message
	err  error
	done bool
	cond *sync.Cond
}

// asyncEntry is an outstanding request on a thread-safe multiplexed
// channel, correlated purely by message id.
type asyncEntry struct {
	operation string
	result    pending
}

// messagePool correlates pending requests to their responses.
type messagePool struct {
	core *Core

	μ         sync.Mutex
	byChannel map[uint64]*syncEntry // channel id → entry
	byRequest map[uint64]*syncEntry // request id → entry
	async     map[uint64]*asyncEntry
}

func newMessagePool(core *Core) *messagePool {
	return &messagePool{
		core:      core,
		byChannel: make(map[uint64]*syncEntry),
		byRequest: make(map[uint64]*syncEntry),
		async:     make(map[uint64]*asyncEntry),
	}
}

// RegisterSynchronous records req as the outstanding request on c. Any
// previous registration for c is replaced.
func (p *messagePool) RegisterSynchronous(c *Channel, req *Message) {
	p.μ.Lock()
	defer p.μ.Unlock()
	if prev, ok := p.byChannel[c.ID()]; ok {
		delete(p.byRequest, prev.req.ID)
	}
	e := &syncEntry{req: req, cond: sync.NewCond(&p.μ)}
	p.byChannel[c.ID()] = e
	p.byRequest[req.ID] = e
}

// RegisterAsynchronous records an id-correlated request for the named
// operation.
func (p *messagePool) RegisterAsynchronous(id uint64, operation string) {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.async[id] = &asyncEntry{operation: operation, result: make(pending, 1)}
}

// ReceiveResponse delivers a decoded response to whichever registration
// matches its id. A response without a registration is logged and
// discarded.
func (p *messagePool) ReceiveResponse(m *Message) {
	p.μ.Lock()
	if e, ok := p.byRequest[m.ID]; ok {
		e.rsp = m
		e.done = true
		e.cond.Broadcast()
		p.μ.Unlock()
		return
	}
	if e, ok := p.async[m.ID]; ok {
		delete(p.async, m.ID)
		p.μ.Unlock()
		e.result.deliver(m)
		return
	}
	p.μ.Unlock()
	coreMetrics.orphanResponses.Add(1)
	p.core.logWarning("discarded uncorrelated response", "id", m.ID, "operation", m.Operation)
}

// RecvResponseFor blocks until the response registered for req arrives.
// This is the pool-level synchronous wait, used when no channel drives the
// read and the response is delivered through ReceiveResponse by someone
// else. It reports a *CorrelationError when req was never registered.
func (p *messagePool) RecvResponseFor(req *Message) (*Message, error) {
	p.μ.Lock()
	defer p.μ.Unlock()
	e, ok := p.byRequest[req.ID]
	if !ok {
		return nil, &CorrelationError{Operation: req.Operation}
	}
	for !e.done {
		e.cond.Wait()
	}
	p.removeSyncLocked(e)
	return e.rsp, e.err
}

// pollSynchronous checks the synchronous registration of req on c without
// blocking. done is true when the caller should stop pumping: either the
// response (or failure) is in, or there was no registration at all.
func (p *messagePool) pollSynchronous(c *Channel, req *Message) (rsp *Message, done bool, err error) {
	p.μ.Lock()
	defer p.μ.Unlock()
	e, ok := p.byChannel[c.ID()]
	if !ok || e.req.ID != req.ID {
		return nil, true, &CorrelationError{Operation: req.Operation}
	}
	if !e.done {
		return nil, false, nil
	}
	p.removeSyncLocked(e)
	return e.rsp, true, e.err
}

// failSynchronous completes the registration of req on c with an error,
// waking any pool-level waiter.
func (p *messagePool) failSynchronous(c *Channel, req *Message, err error) {
	p.μ.Lock()
	defer p.μ.Unlock()
	e, ok := p.byChannel[c.ID()]
	if !ok || e.req.ID != req.ID {
		return
	}
	e.err = err
	e.done = true
	e.cond.Broadcast()
	p.removeSyncLocked(e)
}

// recvAsynchronous waits on the id-indexed future registered for req.
func (p *messagePool) recvAsynchronous(req *Message) (*Message, error) {
	p.μ.Lock()
	e, ok := p.async[req.ID]
	p.μ.Unlock()
	if !ok {
		return nil, &CorrelationError{Operation: req.Operation}
	}
	m, ok := <-e.result
	if !ok {
		return nil, &CorrelationError{Operation: req.Operation}
	}
	return m, nil
}

// RetrieveSynchronousRequest returns the outstanding request on c, if any.
// Protocol decoders use it to learn which operation an inbound response on
// the channel belongs to.
func (p *messagePool) RetrieveSynchronousRequest(c *Channel) *Message {
	p.μ.Lock()
	defer p.μ.Unlock()
	if e, ok := p.byChannel[c.ID()]; ok {
		return e.req
	}
	return nil
}

// RetrieveAsynchronousRequest returns the operation name registered for
// the given request id, or "".
func (p *messagePool) RetrieveAsynchronousRequest(id uint64) string {
	p.μ.Lock()
	defer p.μ.Unlock()
	if e, ok := p.async[id]; ok {
		return e.operation
	}
	return ""
}

func (p *messagePool) removeSyncLocked(e *syncEntry) {
	delete(p.byRequest, e.req.ID)
	for chID, cur := range p.byChannel {
		if cur == e {
			delete(p.byChannel, chID)
			break
		}
	}
}
