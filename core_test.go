// Copyright (C) 2024 The Rill Authors. All Rights Reserved.

package comm_test

import (
	"errors"
	"expvar"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/rill-lang/comm"
	"github.com/rill-lang/comm/commtest"
	"github.com/rill-lang/comm/frame"
)

// newLocal wires a server core serving the given input port over a
// loopback socket with the frame protocol, and a client core.
func newLocal(t *testing.T, rt *commtest.Runtime, in *comm.InputPort) *commtest.Local {
	t.Helper()
	loc, err := commtest.NewLocal(rt, commtest.NewRuntime(), in, frame.Factory{}, nil)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	return loc
}

func metric(core *comm.Core, name string) int64 {
	return core.Metrics().Get(name).(*expvar.Int).Value()
}

func TestEchoDirect(t *testing.T) {
	defer leaktest.Check(t)()

	rt := commtest.NewRuntime().Declare(comm.Operation{Name: "echo", OneWay: true})
	in := comm.NewInputPort("test", "socket://127.0.0.1:0", frame.ProtocolName, nil)
	in.DeclareOperation("echo")
	loc := newLocal(t, rt, in)
	defer loc.Stop()

	rsp, err := loc.Client.Call(loc.Output, comm.NewMessage("echo", "/", "hi"), nil)
	if err != nil {
		t.Fatalf("Call: unexpected error: %v", err)
	}
	if rsp.Fault != nil {
		t.Errorf("Call: unexpected fault: %v", rsp.Fault)
	}
	if rsp.Value != nil {
		t.Errorf("Call: got value %v, want empty acknowledgement", rsp.Value)
	}
}

func TestRequestResponse(t *testing.T) {
	defer leaktest.Check(t)()

	rt := commtest.NewRuntime().Declare(comm.Operation{Name: "greet"})
	in := comm.NewInputPort("test", "socket://127.0.0.1:0", frame.ProtocolName, nil)
	in.DeclareOperation("greet")
	loc := newLocal(t, rt, in)
	defer loc.Stop()

	tests := []struct {
		value any
		want  any
	}{
		{"hello", "hello"},
		{float64(42), float64(42)},
		{map[string]any{"k": "v"}, map[string]any{"k": "v"}},
		{nil, nil},
	}
	for _, test := range tests {
		t.Run(fmt.Sprint(test.value), func(t *testing.T) {
			rsp, err := loc.Client.Call(loc.Output, comm.NewMessage("greet", "/", test.value), nil)
			if err != nil {
				t.Fatalf("Call: unexpected error: %v", err)
			}
			if rsp.Fault != nil {
				t.Fatalf("Call: unexpected fault: %v", rsp.Fault)
			}
			if diff := cmp.Diff(test.want, rsp.Value); diff != "" {
				t.Errorf("Wrong value (-want, +got):\n%s", diff)
			}
		})
	}
}

func TestUnknownOperationFault(t *testing.T) {
	defer leaktest.Check(t)()

	rt := commtest.NewRuntime().Declare(comm.Operation{Name: "echo"})
	in := comm.NewInputPort("test", "socket://127.0.0.1:0", frame.ProtocolName, nil)
	in.DeclareOperation("echo")
	loc := newLocal(t, rt, in)
	defer loc.Stop()

	rsp, err := loc.Client.Call(loc.Output, comm.NewMessage("nope", "/", nil), nil)
	if err != nil {
		t.Fatalf("Call: unexpected error: %v", err)
	}
	if rsp.Fault == nil {
		t.Fatal("Call: got no fault, want IOException")
	}
	if rsp.Fault.Name != comm.FaultIOException {
		t.Errorf("Fault name: got %q, want %q", rsp.Fault.Name, comm.FaultIOException)
	}
	if want := "Invalid operation: nope"; rsp.Fault.Message != want {
		t.Errorf("Fault message: got %q, want %q", rsp.Fault.Message, want)
	}
}

// stringOnly accepts only string payloads.
type stringOnly struct{}

func (stringOnly) Check(v any) error {
	if _, ok := v.(string); !ok {
		return &comm.TypeError{Reason: fmt.Sprintf("want string, got %T", v)}
	}
	return nil
}

func TestTypeMismatchFault(t *testing.T) {
	defer leaktest.Check(t)()

	rt := commtest.NewRuntime().Declare(comm.Operation{Name: "typed", RequestType: stringOnly{}})
	in := comm.NewInputPort("test", "socket://127.0.0.1:0", frame.ProtocolName, nil)
	in.DeclareOperation("typed")
	loc := newLocal(t, rt, in)
	defer loc.Stop()

	rsp, err := loc.Client.Call(loc.Output, comm.NewMessage("typed", "/", float64(3)), nil)
	if err != nil {
		t.Fatalf("Call: unexpected error: %v", err)
	}
	if rsp.Fault == nil || rsp.Fault.Name != comm.FaultTypeMismatch {
		t.Fatalf("Call: got fault %v, want %s", rsp.Fault, comm.FaultTypeMismatch)
	}

	// A conforming payload passes.
	rsp, err = loc.Client.Call(loc.Output, comm.NewMessage("typed", "/", "ok"), nil)
	if err != nil {
		t.Fatalf("Call: unexpected error: %v", err)
	}
	if rsp.Fault != nil {
		t.Errorf("Call: unexpected fault: %v", rsp.Fault)
	}
}

func TestCorrelationFault(t *testing.T) {
	defer leaktest.Check(t)()

	rt := commtest.NewRuntime().Declare(comm.Operation{Name: "orphan"})
	rt.Engine = commtest.EngineFunc(func(msg *comm.Message, c *comm.Channel) error {
		return &comm.CorrelationError{Operation: msg.Operation}
	})
	in := comm.NewInputPort("test", "socket://127.0.0.1:0", frame.ProtocolName, nil)
	in.DeclareOperation("orphan")
	loc := newLocal(t, rt, in)
	defer loc.Stop()

	rsp, err := loc.Client.Call(loc.Output, comm.NewMessage("orphan", "/", nil), nil)
	if err != nil {
		t.Fatalf("Call: unexpected error: %v", err)
	}
	if rsp.Fault == nil || rsp.Fault.Name != comm.FaultCorrelationError {
		t.Fatalf("Call: got fault %v, want %s", rsp.Fault, comm.FaultCorrelationError)
	}
}

// recordingAggregation captures the messages routed to it and acknowledges
// them.
type recordingAggregation struct {
	got atomic.Pointer[comm.Message]
}

func (a *recordingAggregation) RunAggregationBehaviour(msg *comm.Message, c *comm.Channel) error {
	a.got.Store(msg)
	defer c.DisposeForInput()
	return c.Send(comm.EmptyResponse(msg))
}

func TestAggregatedOperation(t *testing.T) {
	defer leaktest.Check(t)()

	agg := new(recordingAggregation)
	rt := commtest.NewRuntime()
	in := comm.NewInputPort("test", "socket://127.0.0.1:0", frame.ProtocolName, nil)
	in.SetAggregation("compose", agg)
	loc := newLocal(t, rt, in)
	defer loc.Stop()

	rsp, err := loc.Client.Call(loc.Output, comm.NewMessage("compose", "/", "x"), nil)
	if err != nil {
		t.Fatalf("Call: unexpected error: %v", err)
	}
	if rsp.Fault != nil {
		t.Fatalf("Call: unexpected fault: %v", rsp.Fault)
	}
	got := agg.got.Load()
	if got == nil || got.Operation != "compose" {
		t.Errorf("Aggregation saw %v, want operation compose", got)
	}
}

// frameBackend is a raw TCP service speaking the frame wire format: for
// each request it records what it saw and replies with the request's own
// resource path as the value. Serving one connection per accept is enough
// for the forwarder's one-shot bridges.
func frameBackend(t *testing.T, lastID *atomic.Uint64) (net.Addr, func()) {
	t.Helper()
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	go func() {
		for {
			conn, err := lst.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				for {
					msg, _, err := frame.ReadMessage(conn)
					if err != nil {
						return
					}
					lastID.Store(msg.ID)
					rsp := &comm.Message{ID: msg.ID, Operation: msg.Operation, Path: "/", Value: msg.Path}
					if _, err := frame.WriteMessage(conn, rsp); err != nil {
						return
					}
				}
			}()
		}
	}()
	return lst.Addr(), func() { lst.Close() }
}

func TestRedirection(t *testing.T) {
	defer leaktest.Check(t)()

	var backendID atomic.Uint64
	addr, stop := frameBackend(t, &backendID)
	defer stop()
	backendOut := comm.NewOutputPort("backend", "socket://"+addr.String(), frame.ProtocolName, nil)

	// Front: redirects resource svcA to the backend. Its own connections
	// are single-shot so the inbound bridge closes after the round trip.
	frontIn := comm.NewInputPort("front", "socket://127.0.0.1:0", frame.ProtocolName,
		comm.Params{"keepAlive": "false"})
	frontIn.SetRedirection("svcA", backendOut)
	front := newLocal(t, commtest.NewRuntime(), frontIn)
	defer front.Stop()

	req := comm.NewMessage("ping", "/svcA/deep", nil)
	rsp, err := front.Client.Call(front.Output, req, nil)
	if err != nil {
		t.Fatalf("Call: unexpected error: %v", err)
	}
	if rsp.Fault != nil {
		t.Fatalf("Call: unexpected fault: %v", rsp.Fault)
	}
	if rsp.ID != req.ID {
		t.Errorf("Response id: got %d, want %d", rsp.ID, req.ID)
	}
	if got, want := rsp.Value, any("/deep"); got != want {
		t.Errorf("Forwarded path: got %v, want %v", got, want)
	}
	if id := backendID.Load(); id == req.ID || id == 0 {
		t.Errorf("Forwarded request id: got %d, want a fresh id distinct from %d", id, req.ID)
	}
}

func TestRedirectionNoRemainder(t *testing.T) {
	defer leaktest.Check(t)()

	var backendID atomic.Uint64
	addr, stop := frameBackend(t, &backendID)
	defer stop()
	backendOut := comm.NewOutputPort("backend", "socket://"+addr.String(), frame.ProtocolName, nil)

	frontIn := comm.NewInputPort("front", "socket://127.0.0.1:0", frame.ProtocolName,
		comm.Params{"keepAlive": "false"})
	frontIn.SetRedirection("svcA", backendOut)
	front := newLocal(t, commtest.NewRuntime(), frontIn)
	defer front.Stop()

	rsp, err := front.Client.Call(front.Output, comm.NewMessage("ping", "/svcA", nil), nil)
	if err != nil {
		t.Fatalf("Call: unexpected error: %v", err)
	}
	if got, want := rsp.Value, any("/"); got != want {
		t.Errorf("Forwarded path: got %v, want %v", got, want)
	}
}

func TestUnknownRedirectionTarget(t *testing.T) {
	defer leaktest.Check(t)()

	frontIn := comm.NewInputPort("front", "socket://127.0.0.1:0", frame.ProtocolName, nil)
	front := newLocal(t, commtest.NewRuntime(), frontIn)
	defer front.Stop()

	// The front discards the message and closes the channel, so the call
	// fails with a transport error rather than a fault.
	_, err := front.Client.Call(front.Output, comm.NewMessage("ping", "/ghost/x", nil), nil)
	if err == nil {
		t.Fatal("Call: got nil error, want a transport failure")
	}
}

func TestPersistentReuse(t *testing.T) {
	defer leaktest.Check(t)()

	rt := commtest.NewRuntime().Declare(comm.Operation{Name: "greet"})
	in := comm.NewInputPort("test", "socket://127.0.0.1:0", frame.ProtocolName, nil)
	in.DeclareOperation("greet")
	loc := newLocal(t, rt, in)
	defer loc.Stop()

	before := metric(loc.Client, "connections_dialed")
	for i := 0; i < 2; i++ {
		rsp, err := loc.Client.Call(loc.Output, comm.NewMessage("greet", "/", "again"), nil)
		if err != nil {
			t.Fatalf("Call %d: unexpected error: %v", i, err)
		}
		if rsp.Fault != nil {
			t.Fatalf("Call %d: unexpected fault: %v", i, rsp.Fault)
		}
	}
	if dialed := metric(loc.Client, "connections_dialed") - before; dialed != 1 {
		t.Errorf("Connections dialed: got %d, want 1", dialed)
	}
}

func TestUnsupportedMediumAndProtocol(t *testing.T) {
	defer leaktest.Check(t)()

	rt := commtest.NewRuntime()
	core := comm.NewCore(rt, nil)
	core.RegisterProtocolFactory(frame.ProtocolName, frame.Factory{})
	defer core.Shutdown()

	_, err := core.OpenChannel(comm.NewOutputPort("o", "carrierpigeon://coop:1", frame.ProtocolName, nil))
	var um *comm.UnsupportedMediumError
	if !errors.As(err, &um) || um.Medium != "carrierpigeon" {
		t.Errorf("OpenChannel: got %v, want UnsupportedMediumError for carrierpigeon", err)
	}

	_, err = core.OpenChannel(comm.NewOutputPort("o", "socket://127.0.0.1:1", "esperanto", nil))
	var up *comm.UnsupportedProtocolError
	if !errors.As(err, &up) || up.Protocol != "esperanto" {
		t.Errorf("OpenChannel: got %v, want UnsupportedProtocolError for esperanto", err)
	}
}

func TestShutdownMidFlight(t *testing.T) {
	defer leaktest.Check(t)()

	rt := commtest.NewRuntime().Declare(comm.Operation{Name: "echo"})
	rt.ConnTimeout = 200 * time.Millisecond
	in := comm.NewInputPort("test", "socket://127.0.0.1:0", frame.ProtocolName, nil)
	in.DeclareOperation("echo")
	loc := newLocal(t, rt, in)
	defer loc.Client.Shutdown()

	// Connect without sending anything: the accepted channel's handler
	// blocks in the protocol decoder.
	addr, err := commtest.ListenAddr(loc.Server, "test")
	if err != nil {
		t.Fatalf("ListenAddr: %v", err)
	}
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	time.Sleep(50 * time.Millisecond) // let the handler reach its receive

	start := time.Now()
	loc.Server.Shutdown()
	if elapsed := time.Since(start); elapsed > 5*time.Second+rt.PersistentConnectionTimeout() {
		t.Errorf("Shutdown took %v, want < drain window", elapsed)
	}
}
