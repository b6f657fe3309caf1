// Copyright (C) 2024 The Rill Authors. All Rights Reserved.

// Package comm implements the communication core of the Rill service
// runtime: the subsystem that multiplexes messages between a local
// interpreter and the outside world across heterogeneous transports and
// pluggable application protocols.
//
// # Cores
//
// The central type defined by this package is the [Core]. A core belongs
// to exactly one interpreter, represented by the [Runtime] capability set
// injected at construction:
//
//	core := comm.NewCore(rt, nil)
//
// Input ports are added before activation, and the core is then started
// with [Core.Init] and stopped with [Core.Shutdown]:
//
//	core.AddInputPort(port, nil)
//	core.Init()
//	defer core.Shutdown()
//
// Init returns before the listeners are necessarily ready; readiness is
// observable only by successful connects.
//
// # Channels
//
// A [Channel] is one communication endpoint: a transport-level [Endpoint]
// plus the state the core needs to schedule, correlate, redirect, and
// evict it. The channel mutex serialises decoding and encoding; while a
// handler holds it, no other handler may use the channel.
//
// Outbound channels are drawn from a per-(location, protocol) pool of
// persistent connections with idle eviction. The pool is a hint cache:
// correctness never depends on its contents.
//
// # Calls
//
// [Core.Call] performs one request-response exchange through an output
// port, registering the request for correlation and holding the channel
// mutex across the send and the wait when the channel is not thread-safe:
//
//	rsp, err := core.Call(out, comm.NewMessage("echo", "/", "hi"), ec)
//
// Fault replies are returned as messages carrying a [Fault], not as
// errors.
//
// # Dispatch
//
// Inbound messages are decoded by exactly one handler per channel at a
// time and routed by resource path: to a redirection target named by the
// first path segment, to the interpreter's own operations, or to an
// aggregated sub-service. Unknown operations, type mismatches, and
// correlation failures are answered with fault replies so the reactors
// stay alive.
//
// # Readiness
//
// Idle channels wait in an array of reactors, one per hardware thread,
// assigned round-robin. Transports that can neither block nor select
// register with a polling loop instead. Both hand ready channels to the
// handler executor, which decodes one message per invocation.
//
// # Metrics
//
// Cores maintain a collection of expvar counters while running; use
// [Core.Metrics] to obtain the map. It is safe for the caller to add,
// update, and remove entries.
package comm
