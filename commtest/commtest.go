// Copyright (C) 2024 The Rill Authors. All Rights Reserved.

// Package commtest provides support code for exercising and testing
// communication cores: a configurable in-memory Runtime and a wired
// server/client core pair on a loopback socket.
package commtest

import (
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/rill-lang/comm"
)

// EngineFunc adapts a function to the comm.CorrelationEngine interface.
type EngineFunc func(msg *comm.Message, c *comm.Channel) error

// OnMessageReceive implements the comm.CorrelationEngine interface.
func (f EngineFunc) OnMessageReceive(msg *comm.Message, c *comm.Channel) error { return f(msg, c) }

// Runtime is a configurable comm.Runtime for tests and small programs.
// The zero value is usable: it logs nowhere, declares no operations, and
// echoes request-response messages back to the sender.
type Runtime struct {
	Logger      *slog.Logger // nil: discard
	Ops         map[string]comm.Operation
	Engine      comm.CorrelationEngine // nil: EchoEngine
	ConnTimeout time.Duration          // nil value: 30 seconds
	Loader      comm.Extensions        // nil: nothing loadable

	contexts atomic.Int64
}

// NewRuntime returns a runtime with no declared operations.
func NewRuntime() *Runtime {
	return &Runtime{Ops: make(map[string]comm.Operation)}
}

// Declare adds operations to the runtime's registry and returns the
// runtime to permit chaining.
func (r *Runtime) Declare(ops ...comm.Operation) *Runtime {
	if r.Ops == nil {
		r.Ops = make(map[string]comm.Operation)
	}
	for _, op := range ops {
		r.Ops[op.Name] = op
	}
	return r
}

// Log implements part of the comm.Runtime interface.
func (r *Runtime) Log() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.New(slog.DiscardHandler)
}

// InputOperation implements part of the comm.Runtime interface.
func (r *Runtime) InputOperation(name string) (comm.Operation, bool) {
	op, ok := r.Ops[name]
	return op, ok
}

// Correlation implements part of the comm.Runtime interface.
func (r *Runtime) Correlation() comm.CorrelationEngine {
	if r.Engine != nil {
		return r.Engine
	}
	return EchoEngine(r)
}

// NewExecutionContext implements part of the comm.Runtime interface. Each
// context is a distinct session token.
func (r *Runtime) NewExecutionContext() comm.ExecutionContext {
	return fmt.Sprintf("session-%d", r.contexts.Add(1))
}

// AddTimeoutHandler implements part of the comm.Runtime interface.
func (r *Runtime) AddTimeoutHandler(h *comm.TimeoutHandler) { h.Start() }

// PersistentConnectionTimeout implements part of the comm.Runtime
// interface.
func (r *Runtime) PersistentConnectionTimeout() time.Duration {
	if r.ConnTimeout > 0 {
		return r.ConnTimeout
	}
	return 30 * time.Second
}

// Extensions implements part of the comm.Runtime interface.
func (r *Runtime) Extensions() comm.Extensions {
	if r.Loader != nil {
		return r.Loader
	}
	return noExtensions{}
}

type noExtensions struct{}

func (noExtensions) ChannelFactory(name string, _ *comm.Core) (comm.ChannelFactory, error) {
	return nil, nil
}
func (noExtensions) ListenerFactory(name string, _ *comm.Core) (comm.ListenerFactory, error) {
	return nil, nil
}
func (noExtensions) ProtocolFactory(name string, _ *comm.Core) (comm.ProtocolFactory, error) {
	return nil, nil
}

// EchoEngine returns a correlation engine that answers every
// request-response operation declared in r with the request's own value.
// One-way operations are absorbed; the core sends their acknowledgement.
func EchoEngine(r *Runtime) comm.CorrelationEngine {
	return EngineFunc(func(msg *comm.Message, c *comm.Channel) error {
		op, ok := r.InputOperation(msg.Operation)
		if !ok || op.OneWay {
			return nil
		}
		return c.Send(&comm.Message{ID: msg.ID, Operation: msg.Operation, Path: "/", Value: msg.Value})
	})
}

// Local is a wired pair of cores: a server listening on a loopback socket
// and a client with an output port pointed at it.
type Local struct {
	Server *comm.Core
	Client *comm.Core
	Input  *comm.InputPort
	Output *comm.OutputPort
}

// NewLocal starts a server core serving in on a loopback socket and a
// client core whose Output port points at the bound address. The protocol
// factory is registered on both cores under the input port's protocol
// name; outParams become the client port's parameters.
func NewLocal(serverRT, clientRT comm.Runtime, in *comm.InputPort, pf comm.ProtocolFactory, outParams comm.Params) (*Local, error) {
	server := comm.NewCore(serverRT, nil)
	server.RegisterProtocolFactory(in.ProtocolName(), pf)
	if err := server.AddInputPort(in, pf); err != nil {
		return nil, err
	}
	if err := server.Init(); err != nil {
		server.Shutdown()
		return nil, err
	}

	addr, err := ListenAddr(server, in.Name())
	if err != nil {
		server.Shutdown()
		return nil, err
	}

	client := comm.NewCore(clientRT, nil)
	client.RegisterProtocolFactory(in.ProtocolName(), pf)
	if err := client.Init(); err != nil {
		client.Shutdown()
		server.Shutdown()
		return nil, err
	}
	out := comm.NewOutputPort("out", "socket://"+addr.String(), in.ProtocolName(), outParams)
	return &Local{Server: server, Client: client, Input: in, Output: out}, nil
}

// Stop shuts down both cores.
func (l *Local) Stop() {
	l.Client.Shutdown()
	l.Server.Shutdown()
}

// ListenAddr returns the address actually bound by the listener serving
// the named input port, useful when the port was configured with port 0.
func ListenAddr(core *comm.Core, portName string) (net.Addr, error) {
	l := core.ListenerByPortName(portName)
	if l == nil {
		return nil, fmt.Errorf("no listener for port %s", portName)
	}
	al, ok := l.(interface{ Addr() net.Addr })
	if !ok || al.Addr() == nil {
		return nil, fmt.Errorf("listener for port %s has no address", portName)
	}
	return al.Addr(), nil
}
