// Copyright (C) 2024 The Rill Authors. All Rights Reserved.

package comm

import "net"

// localEndpoint is one side of an in-process message pipe, used for
// channels between the interpreter and its own input ports.
type localEndpoint struct {
	send chan<- *Message
	recv <-chan *Message
}

// newLocalPair returns two cross-connected in-process endpoints.
func newLocalPair() (a, b *localEndpoint) {
	a2b := make(chan *Message)
	b2a := make(chan *Message)
	return &localEndpoint{send: a2b, recv: b2a}, &localEndpoint{send: b2a, recv: a2b}
}

func (e *localEndpoint) Send(m *Message) (err error) {
	defer func() {
		if recover() != nil && err == nil {
			err = net.ErrClosed
		}
	}()
	e.send <- m
	return nil
}

func (e *localEndpoint) Recv() (*Message, error) {
	m, ok := <-e.recv
	if !ok {
		return nil, net.ErrClosed
	}
	return m, nil
}

func (e *localEndpoint) Close() (err error) {
	defer func() {
		if recover() != nil && err == nil {
			err = net.ErrClosed
		}
	}()
	close(e.send)
	return nil
}

// localListener serves the union of all local input ports. It has no
// transport resource; channels reach it through LocalChannel.
type localListener struct {
	port *InputPort
}

func newLocalListener() *localListener {
	return &localListener{port: NewInputPort("local", localLocation, localProtocol, nil)}
}

const (
	localLocation = "local"
	localProtocol = "local"
)

func (l *localListener) Start() error          { return nil }
func (l *localListener) Shutdown() error       { return nil }
func (l *localListener) InputPort() *InputPort { return l.port }

// AddLocalInputPort merges an in-process input port into the local
// listener: its interface, aggregations, and redirections become servable
// through LocalChannel.
func (core *Core) AddLocalInputPort(p *InputPort) {
	core.μ.Lock()
	defer core.μ.Unlock()
	core.local.port.mergeFrom(p)
	core.listeners[p.Name()] = core.local
}

// LocalChannel returns a fresh channel connected to the local listener.
// Messages sent on it are dispatched like any other inbound traffic.
func (core *Core) LocalChannel() *Channel {
	client, server := newLocalPair()

	sc := NewChannel(core, server, localLocation, localProtocol)
	sc.SetToBeClosed(false)
	sc.SetParentInputPort(core.local.port)
	core.ScheduleReceive(sc, core.local.port)

	cc := NewChannel(core, client, localLocation, localProtocol)
	cc.SetToBeClosed(false)
	return cc
}
