// Copyright (C) 2024 The Rill Authors. All Rights Reserved.

package comm_test

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/rill-lang/comm"
	"github.com/rill-lang/comm/channel"
	"github.com/rill-lang/comm/commtest"
)

// pollEndpoint is a push-style endpoint: it cannot block or select, only
// report whether a message has been pushed at it.
type pollEndpoint struct {
	μ      sync.Mutex
	queue  []*comm.Message
	sent   []*comm.Message
	closed bool
}

func (e *pollEndpoint) push(m *comm.Message) {
	e.μ.Lock()
	defer e.μ.Unlock()
	e.queue = append(e.queue, m)
}

func (e *pollEndpoint) sentCount() int {
	e.μ.Lock()
	defer e.μ.Unlock()
	return len(e.sent)
}

func (e *pollEndpoint) IsReady() (bool, error) {
	e.μ.Lock()
	defer e.μ.Unlock()
	if e.closed {
		return false, net.ErrClosed
	}
	return len(e.queue) > 0, nil
}

func (e *pollEndpoint) Send(m *comm.Message) error {
	e.μ.Lock()
	defer e.μ.Unlock()
	if e.closed {
		return net.ErrClosed
	}
	e.sent = append(e.sent, m)
	return nil
}

func (e *pollEndpoint) Recv() (*comm.Message, error) {
	e.μ.Lock()
	defer e.μ.Unlock()
	if e.closed {
		return nil, net.ErrClosed
	}
	if len(e.queue) == 0 {
		return nil, nil
	}
	m := e.queue[0]
	e.queue = e.queue[1:]
	return m, nil
}

func (e *pollEndpoint) Close() error {
	e.μ.Lock()
	defer e.μ.Unlock()
	e.closed = true
	return nil
}

func TestPollingLoop(t *testing.T) {
	defer leaktest.Check(t)()

	rt := commtest.NewRuntime().Declare(comm.Operation{Name: "tick", OneWay: true})
	core := comm.NewCore(rt, &comm.Options{PollInterval: 5 * time.Millisecond})
	if err := core.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer core.Shutdown()

	in := comm.NewInputPort("push", "poll://dev0", "raw", nil)
	in.DeclareOperation("tick")

	e := new(pollEndpoint)
	c := comm.NewChannel(core, e, "poll://dev0", "raw")
	c.SetToBeClosed(false)
	c.SetParentInputPort(in)

	e.push(comm.NewMessage("tick", "/", nil))
	if err := core.RegisterForPolling(c); err != nil {
		t.Fatalf("RegisterForPolling: %v", err)
	}

	waitFor(t, func() bool { return e.sentCount() == 1 }, "first acknowledgement")

	// After disposal the channel is back in the polling set and picks up
	// the next push too.
	e.push(comm.NewMessage("tick", "/", nil))
	waitFor(t, func() bool { return e.sentCount() == 2 }, "second acknowledgement")
}

func TestPollingRejectsUnpollable(t *testing.T) {
	defer leaktest.Check(t)()

	core := comm.NewCore(commtest.NewRuntime(), nil)
	a, b := channel.Direct()
	c := comm.NewChannel(core, a, "loc://np", "p")
	defer func() { c.Close(); b.Close() }()

	if err := core.RegisterForPolling(c); err == nil {
		t.Error("RegisterForPolling of an unpollable endpoint: got nil error")
	}
	core.Shutdown()
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
