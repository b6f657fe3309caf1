// Copyright (C) 2024 The Rill Authors. All Rights Reserved.

package comm_test

import (
	"testing"

	"github.com/fortytw2/leaktest"
	"github.com/rill-lang/comm"
	"github.com/rill-lang/comm/commtest"
)

func TestLocalChannel(t *testing.T) {
	defer leaktest.Check(t)()

	rt := commtest.NewRuntime().
		Declare(comm.Operation{Name: "note", OneWay: true}).
		Declare(comm.Operation{Name: "ask"})
	core := comm.NewCore(rt, nil)

	in := comm.NewInputPort("self", "local", "local", nil)
	in.DeclareOperation("note", "ask")
	core.AddLocalInputPort(in)

	if core.ListenerByPortName("self") == nil {
		t.Fatal("ListenerByPortName: local port not registered")
	}
	if err := core.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer core.Shutdown()

	call := func(op string, value any) *comm.Message {
		t.Helper()
		cc := core.LocalChannel()
		defer cc.Close()
		msg := comm.NewMessage(op, "/", value)
		core.RegisterSynchronousRequest(cc, msg)
		cc.Lock()
		defer cc.Unlock()
		if err := cc.Send(msg); err != nil {
			t.Fatalf("Send: %v", err)
		}
		rsp, err := cc.RecvResponseFor(msg)
		if err != nil {
			t.Fatalf("RecvResponseFor: %v", err)
		}
		return rsp
	}

	// One-way: the core acknowledges with an empty response.
	if rsp := call("note", "x"); rsp.Fault != nil || rsp.Value != nil {
		t.Errorf("note: got %v, want empty acknowledgement", rsp)
	}

	// Request-response: the echo engine answers with the request value.
	if rsp := call("ask", "ping"); rsp.Value != any("ping") {
		t.Errorf("ask: got %v, want ping", rsp)
	}

	// Ports merged later extend the same local interface.
	in2 := comm.NewInputPort("more", "local", "local", nil)
	in2.DeclareOperation("ask")
	core.AddLocalInputPort(in2)
	if core.ListenerByPortName("more") == nil {
		t.Error("ListenerByPortName: merged port not registered")
	}
}
