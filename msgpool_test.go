// Copyright (C) 2024 The Rill Authors. All Rights Reserved.

package comm_test

import (
	"errors"
	"testing"

	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/rill-lang/comm"
	"github.com/rill-lang/comm/channel"
	"github.com/rill-lang/comm/commtest"
)

func TestSynchronousCorrelation(t *testing.T) {
	defer leaktest.Check(t)()

	core := comm.NewCore(commtest.NewRuntime(), nil)
	a, b := channel.Direct()
	c := comm.NewChannel(core, a, "loc://sync", "p")
	defer func() { c.Close(); b.Close() }()

	req := comm.NewMessage("ask", "/", "q")
	core.RegisterSynchronousRequest(c, req)

	if got := core.RetrieveSynchronousRequest(c); got != req {
		t.Errorf("RetrieveSynchronousRequest: got %v, want %v", got, req)
	}

	// Deliver a non-matching response first: it must be discarded, and the
	// waiter must keep blocking until the matching id arrives.
	g := taskgroup.New(nil)
	g.Go(func() error {
		core.ReceiveResponse(&comm.Message{ID: req.ID + 1000, Operation: "ask"})
		core.ReceiveResponse(&comm.Message{ID: req.ID, Operation: "ask", Value: "a"})
		return nil
	})

	rsp, err := core.RecvResponseFor(nil, req)
	if err != nil {
		t.Fatalf("RecvResponseFor: unexpected error: %v", err)
	}
	if rsp.ID != req.ID || rsp.Value != any("a") {
		t.Errorf("RecvResponseFor: got %v, want id=%d value=a", rsp, req.ID)
	}
	g.Wait()

	// The registration is consumed with the response.
	if got := core.RetrieveSynchronousRequest(c); got != nil {
		t.Errorf("RetrieveSynchronousRequest after delivery: got %v, want nil", got)
	}
}

func TestCorrelationErrorWithoutRegistration(t *testing.T) {
	defer leaktest.Check(t)()

	core := comm.NewCore(commtest.NewRuntime(), nil)
	_, err := core.RecvResponseFor(nil, comm.NewMessage("ask", "/", nil))
	var ce *comm.CorrelationError
	if !errors.As(err, &ce) {
		t.Errorf("RecvResponseFor: got %v, want CorrelationError", err)
	}
}

func TestAsynchronousCorrelation(t *testing.T) {
	defer leaktest.Check(t)()

	core := comm.NewCore(commtest.NewRuntime(), nil)
	a, b := channel.Direct()
	c := comm.NewChannel(core, a, "loc://async", "p").SetThreadSafe(true)
	defer func() { c.Close(); b.Close() }()

	req := comm.NewMessage("mux", "/", nil)
	core.RegisterAsynchronousRequest(req.ID, req.Operation)

	if got := core.RetrieveAsynchronousRequest(req.ID); got != "mux" {
		t.Errorf("RetrieveAsynchronousRequest: got %q, want mux", got)
	}
	if got := core.RetrieveAsynchronousRequest(req.ID + 999); got != "" {
		t.Errorf("RetrieveAsynchronousRequest of unknown id: got %q, want empty", got)
	}

	g := taskgroup.New(nil)
	g.Go(func() error {
		core.ReceiveResponse(&comm.Message{ID: req.ID, Operation: "mux", Value: "r"})
		return nil
	})

	rsp, err := c.RecvResponseFor(req)
	if err != nil {
		t.Fatalf("RecvResponseFor: unexpected error: %v", err)
	}
	if rsp.Value != any("r") {
		t.Errorf("RecvResponseFor: got value %v, want r", rsp.Value)
	}
	g.Wait()

	// The future is consumed; a second wait cannot correlate.
	if _, err := c.RecvResponseFor(req); err == nil {
		t.Error("Second RecvResponseFor: got nil error, want CorrelationError")
	}
}
