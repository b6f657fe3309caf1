// Copyright (C) 2024 The Rill Authors. All Rights Reserved.

package comm

import (
	"errors"
	"expvar"
	"fmt"
	"net/url"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/taskgroup"
)

// channelHandlerTimeout bounds the wait for in-flight handlers to drain at
// shutdown.
const channelHandlerTimeout = 5 * time.Second

// Options configure a Core.
type Options struct {
	// ConnectionsLimit, if positive, caps the number of concurrently
	// running message handlers.
	ConnectionsLimit int

	// PollInterval is the probe interval of the polling loop. If zero, 50
	// milliseconds is used.
	PollInterval time.Duration

	// Selectors is the number of readiness reactors. If zero, one per
	// hardware thread is used.
	Selectors int
}

// A Core multiplexes messages between a local interpreter and the outside
// world: it owns the transport listeners, the outbound channel pool, the
// correlation layer, the readiness reactors, and the handler executor.
// Each Core belongs to exactly one Runtime.
type Core struct {
	rt   Runtime
	opts Options

	exec        *executor
	messagePool *messagePool
	pool        *channelPool

	requestRegistry  *contextRegistry
	responseRegistry *contextRegistry

	// Handlers hold this for reading; shutdown takes the write side to
	// drain them.
	handlersLatch sync.RWMutex

	selectors    []*selector
	nextSelector atomic.Uint32
	tasks        *taskgroup.Group // reactors, pollers, readiness monitors

	local *localListener

	μ                 sync.Mutex
	active            bool
	done              chan struct{}
	listeners         map[string]Listener
	channelFactories  map[string]ChannelFactory
	listenerFactories map[string]ListenerFactory
	protocolFactories map[string]ProtocolFactory
	polling           *poller
	live              map[uint64]*Channel
}

// NewCore constructs a communication core for the given runtime. The
// built-in "socket" transport is registered here; any other medium is
// loaded lazily through the runtime's extension loader.
func NewCore(rt Runtime, opts *Options) *Core {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 50 * time.Millisecond
	}
	if o.Selectors <= 0 {
		o.Selectors = runtime.NumCPU()
	}

	core := &Core{
		rt:                rt,
		opts:              o,
		requestRegistry:   newContextRegistry(),
		responseRegistry:  newContextRegistry(),
		tasks:             taskgroup.New(nil),
		local:             newLocalListener(),
		done:              make(chan struct{}),
		listeners:         make(map[string]Listener),
		channelFactories:  make(map[string]ChannelFactory),
		listenerFactories: make(map[string]ListenerFactory),
		protocolFactories: make(map[string]ProtocolFactory),
		live:              make(map[uint64]*Channel),
	}
	core.exec = newExecutor(o.ConnectionsLimit)
	core.messagePool = newMessagePool(core)
	core.pool = newChannelPool(core)
	core.selectors = make([]*selector, o.Selectors)
	for i := range core.selectors {
		core.selectors[i] = newSelector(core, i)
	}

	core.channelFactories["socket"] = &socketChannelFactory{core: core}
	core.listenerFactories["socket"] = &socketListenerFactory{core: core}
	return core
}

// Runtime returns the runtime this core belongs to.
func (core *Core) Runtime() Runtime { return core.rt }

// ConnectionsLimit returns the configured handler cap, zero for unbounded.
func (core *Core) ConnectionsLimit() int { return core.opts.ConnectionsLimit }

// Metrics returns the communication activity counters. It is safe for the
// caller to add further entries to the map.
func (core *Core) Metrics() *expvar.Map { return coreMetrics.emap }

func (core *Core) logWarning(msg string, args ...any) { core.rt.Log().Warn(msg, args...) }
func (core *Core) logSevere(msg string, args ...any)  { core.rt.Log().Error(msg, args...) }
func (core *Core) logFine(msg string, args ...any)    { core.rt.Log().Debug(msg, args...) }

func (core *Core) isActive() bool {
	core.μ.Lock()
	defer core.μ.Unlock()
	return core.active
}

// sleep pauses for d, or until shutdown begins.
func (core *Core) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-core.done:
	}
}

func (core *Core) trackChannel(c *Channel) {
	core.μ.Lock()
	defer core.μ.Unlock()
	core.live[c.ID()] = c
}

func (core *Core) untrackChannel(c *Channel) {
	core.μ.Lock()
	defer core.μ.Unlock()
	delete(core.live, c.ID())
}

// RegisterProtocolFactory makes a protocol factory available under name
// without going through the extension loader.
func (core *Core) RegisterProtocolFactory(name string, pf ProtocolFactory) {
	core.μ.Lock()
	defer core.μ.Unlock()
	core.protocolFactories[name] = pf
}

// RegisterTransport makes transport factories available under the medium
// name without going through the extension loader. Either factory may be
// nil when the transport serves only one direction.
func (core *Core) RegisterTransport(medium string, cf ChannelFactory, lf ListenerFactory) {
	core.μ.Lock()
	defer core.μ.Unlock()
	if cf != nil {
		core.channelFactories[medium] = cf
	}
	if lf != nil {
		core.listenerFactories[medium] = lf
	}
}

// ProtocolFactoryByName returns the protocol factory registered (or
// loadable) under name.
func (core *Core) ProtocolFactoryByName(name string) (ProtocolFactory, error) {
	core.μ.Lock()
	if pf, ok := core.protocolFactories[name]; ok {
		core.μ.Unlock()
		return pf, nil
	}
	core.μ.Unlock()

	pf, err := core.rt.Extensions().ProtocolFactory(name, core)
	if err != nil || pf == nil {
		return nil, &UnsupportedProtocolError{Protocol: name}
	}
	core.μ.Lock()
	core.protocolFactories[name] = pf
	core.μ.Unlock()
	return pf, nil
}

func (core *Core) channelFactory(medium string) (ChannelFactory, error) {
	core.μ.Lock()
	if cf, ok := core.channelFactories[medium]; ok {
		core.μ.Unlock()
		return cf, nil
	}
	core.μ.Unlock()

	cf, err := core.rt.Extensions().ChannelFactory(medium, core)
	if err != nil || cf == nil {
		return nil, &UnsupportedMediumError{Medium: medium}
	}
	core.μ.Lock()
	core.channelFactories[medium] = cf
	core.μ.Unlock()
	return cf, nil
}

func (core *Core) listenerFactory(medium string) (ListenerFactory, error) {
	core.μ.Lock()
	if lf, ok := core.listenerFactories[medium]; ok {
		core.μ.Unlock()
		return lf, nil
	}
	core.μ.Unlock()

	lf, err := core.rt.Extensions().ListenerFactory(medium, core)
	if err != nil || lf == nil {
		return nil, &UnsupportedMediumError{Medium: medium}
	}
	core.μ.Lock()
	core.listenerFactories[medium] = lf
	core.μ.Unlock()
	return lf, nil
}

// OutputProtocol creates a client-side protocol instance by name.
func (core *Core) OutputProtocol(name string, params Params, uri *url.URL) (Protocol, error) {
	pf, err := core.ProtocolFactoryByName(name)
	if err != nil {
		return nil, err
	}
	return pf.NewOutputProtocol(params, uri)
}

// InputProtocol creates a server-side protocol instance by name.
func (core *Core) InputProtocol(name string, params Params, uri *url.URL) (Protocol, error) {
	pf, err := core.ProtocolFactoryByName(name)
	if err != nil {
		return nil, err
	}
	return pf.NewInputProtocol(params, uri)
}

// createChannel opens a fresh outbound channel for out. Publish-subscribe
// protocols draw their channels from the pubsubchannel transport; all
// others from the factory named by the location scheme.
func (core *Core) createChannel(out *OutputPort) (*Channel, error) {
	u, err := url.Parse(out.Location())
	if err != nil {
		return nil, fmt.Errorf("output port %s: %w", out.Name(), err)
	}

	medium := u.Scheme
	if pf, err := core.ProtocolFactoryByName(out.ProtocolName()); err == nil {
		if ps, ok := pf.(PubSubProtocolFactory); ok {
			medium = ps.PubSubMedium()
		}
	}

	cf, err := core.channelFactory(medium)
	if err != nil {
		return nil, err
	}
	return cf.NewChannel(u, out)
}

// OpenChannel opens a fresh outbound channel for out, bypassing the pool.
func (core *Core) OpenChannel(out *OutputPort) (*Channel, error) { return core.createChannel(out) }

// CreateInputChannel opens an inbound channel to loc bound to an input
// port, constructing the port's protocol for it.
func (core *Core) CreateInputChannel(loc string, in *InputPort) (*Channel, error) {
	u, err := url.Parse(loc)
	if err != nil {
		return nil, err
	}
	cf, err := core.channelFactory(u.Scheme)
	if err != nil {
		return nil, err
	}
	proto, err := core.InputProtocol(in.ProtocolName(), in.Params(), u)
	if err != nil {
		return nil, err
	}
	return cf.NewInputChannel(u, in, proto)
}

// AcquireChannel returns a channel to out's location: a cached persistent
// channel when available, otherwise a fresh one.
func (core *Core) AcquireChannel(out *OutputPort) (*Channel, error) { return core.pool.Acquire(out) }

// ReleaseChannel returns a channel after use: open keep-alive channels are
// retained persistently, everything else is closed.
func (core *Core) ReleaseChannel(c *Channel) error {
	if c.ParentOutputPort() == nil {
		return errors.New("cannot release a channel without an output port")
	}
	return core.pool.Release(c)
}

// PutPersistentChannel caches c for reuse by (location, protocol).
func (core *Core) PutPersistentChannel(location, protocol string, c *Channel) {
	core.pool.PutPersistent(location, protocol, c)
}

// GetPersistentChannel removes and returns the cached channel for
// (location, protocol), or nil.
func (core *Core) GetPersistentChannel(location, protocol string) *Channel {
	return core.pool.GetPersistent(location, protocol)
}

// ReceiveResponse delivers a decoded response message to whichever
// registration matches it. Transports with their own read loops call this
// for every response they decode.
func (core *Core) ReceiveResponse(m *Message) { core.messagePool.ReceiveResponse(m) }

// RecvResponseFor blocks until the response to msg arrives. With a nil
// channel the wait is served entirely by the message pool, and the
// response must reach it through ReceiveResponse; otherwise the channel's
// own correlation discipline applies.
func (core *Core) RecvResponseFor(c *Channel, msg *Message) (*Message, error) {
	if c == nil {
		return core.messagePool.RecvResponseFor(msg)
	}
	return c.RecvResponseFor(msg)
}

// RegisterSynchronousRequest records msg as the outstanding request on c.
func (core *Core) RegisterSynchronousRequest(c *Channel, msg *Message) {
	core.messagePool.RegisterSynchronous(c, msg)
}

// RegisterAsynchronousRequest records an id-correlated request for the
// named operation.
func (core *Core) RegisterAsynchronousRequest(id uint64, operation string) {
	core.messagePool.RegisterAsynchronous(id, operation)
}

// RetrieveSynchronousRequest returns the outstanding request on c, if any.
func (core *Core) RetrieveSynchronousRequest(c *Channel) *Message {
	return core.messagePool.RetrieveSynchronousRequest(c)
}

// RetrieveAsynchronousRequest returns the operation name registered for a
// request id, or "".
func (core *Core) RetrieveAsynchronousRequest(id uint64) string {
	return core.messagePool.RetrieveAsynchronousRequest(id)
}

// AddRequestContext records the execution context that originated a
// request, keyed by channel or message id.
func (core *Core) AddRequestContext(key RegistryKey, ec ExecutionContext) {
	core.requestRegistry.Add(key, ec)
}

// RequestContext returns the execution context recorded for key, or nil.
func (core *Core) RequestContext(key RegistryKey) ExecutionContext {
	return core.requestRegistry.Get(key)
}

// RemoveRequestContext deletes the request-side entry for key.
func (core *Core) RemoveRequestContext(key RegistryKey) { core.requestRegistry.Remove(key) }

// AddResponseContext records the execution context awaiting a response,
// keyed by channel or message id.
func (core *Core) AddResponseContext(key RegistryKey, ec ExecutionContext) {
	core.responseRegistry.Add(key, ec)
}

// ResponseContext returns the execution context recorded for key, or nil.
func (core *Core) ResponseContext(key RegistryKey) ExecutionContext {
	return core.responseRegistry.Get(key)
}

// RemoveResponseContext deletes the response-side entry for key.
func (core *Core) RemoveResponseContext(key RegistryKey) { core.responseRegistry.Remove(key) }

// Call performs one request-response exchange with out: it acquires a
// channel, registers msg for correlation, sends it, and waits for the
// response. On a non-thread-safe channel the channel mutex is held across
// the send and the wait, preserving pairing. A fault reply is returned as
// a message, not an error.
func (core *Core) Call(out *OutputPort, msg *Message, ec ExecutionContext) (*Message, error) {
	c, err := core.AcquireChannel(out)
	if err != nil {
		return nil, err
	}
	core.requestRegistry.Add(MessageKey(msg.ID), ec)
	defer core.requestRegistry.Remove(MessageKey(msg.ID))

	if c.IsThreadSafe() {
		core.messagePool.RegisterAsynchronous(msg.ID, msg.Operation)
		if err := c.Send(msg); err != nil {
			c.Close()
			return nil, err
		}
		if err := core.ReleaseChannel(c); err != nil {
			core.logWarning("releasing channel", "channel", c.String(), "err", err)
		}
		return c.RecvResponseFor(msg)
	}

	core.requestRegistry.Add(ChannelKey(c), ec)
	defer core.requestRegistry.Remove(ChannelKey(c))
	core.messagePool.RegisterSynchronous(c, msg)

	c.Lock()
	if err := c.Send(msg); err != nil {
		c.Unlock()
		c.Close()
		return nil, err
	}
	rsp, err := c.RecvResponseFor(msg)
	c.Unlock()
	if err != nil {
		c.Close()
		return nil, err
	}
	if err := core.ReleaseChannel(c); err != nil {
		core.logWarning("releasing channel", "channel", c.String(), "err", err)
	}
	return rsp, nil
}

// AddInputPort adds a server-side port: a listener for its location is
// created and remembered under the port's name. If pf is nil the port's
// protocol factory is resolved by name. The listener starts on Init.
func (core *Core) AddInputPort(in *InputPort, pf ProtocolFactory) error {
	if pf == nil {
		var err error
		pf, err = core.ProtocolFactoryByName(in.ProtocolName())
		if err != nil {
			return err
		}
	}

	u, err := url.Parse(in.Location())
	if err != nil {
		return fmt.Errorf("input port %s: %w", in.Name(), err)
	}
	medium := u.Scheme
	if ps, ok := pf.(PubSubProtocolFactory); ok {
		medium = ps.PubSubMedium()
	}

	lf, err := core.listenerFactory(medium)
	if err != nil {
		return err
	}
	l, err := lf.NewListener(pf, in)
	if err != nil {
		return err
	}

	core.μ.Lock()
	defer core.μ.Unlock()
	core.listeners[in.Name()] = l
	return nil
}

// ListenerByPortName returns the listener serving the named input port.
func (core *Core) ListenerByPortName(name string) Listener {
	core.μ.Lock()
	defer core.μ.Unlock()
	return core.listeners[name]
}

// registerForSelection places a channel into a reactor, assigned
// round-robin across the selector array.
func (core *Core) registerForSelection(c *Channel) {
	sel, ok := c.Endpoint().(Selectable)
	if !ok {
		core.ScheduleReceive(c, c.ParentInputPort())
		return
	}
	i := int(core.nextSelector.Add(1)-1) % len(core.selectors)
	core.selectors[i].register(c, sel)
}

// UnregisterForSelection removes a channel from its reactor, if it is in
// one. Protocols call this before taking over a channel for sending.
func (core *Core) UnregisterForSelection(c *Channel) {
	if i := c.getSelectorIndex(); i >= 0 {
		core.selectors[i].unregister(c)
	}
}

// IsSelecting reports whether the channel is currently registered with a
// reactor.
func (core *Core) IsSelecting(c *Channel) bool { return c.getSelectorIndex() >= 0 }

// RegisterForPolling adds a channel to the polling loop. The channel's
// endpoint must implement Pollable. The loop starts on first use.
func (core *Core) RegisterForPolling(c *Channel) error {
	core.μ.Lock()
	if core.polling == nil {
		core.polling = newPoller(core)
		core.tasks.Go(core.polling.run)
	}
	p := core.polling
	core.μ.Unlock()
	return p.Register(c)
}

// Init activates the core: reactors start, then every listener is issued
// to start. Init returns before the listeners are necessarily ready;
// readiness is observable only by successful connects.
func (core *Core) Init() error {
	core.μ.Lock()
	if core.active {
		core.μ.Unlock()
		return nil
	}
	core.active = true
	listeners := make([]Listener, 0, len(core.listeners))
	for _, l := range core.listeners {
		listeners = append(listeners, l)
	}
	core.μ.Unlock()

	for _, s := range core.selectors {
		core.tasks.Go(s.run)
	}
	for _, l := range listeners {
		if err := l.Start(); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown deactivates the core: listeners stop, reactors are woken and
// drained, in-flight handlers are given the drain window to finish (their
// channels are closed to unblock them), and the executor is waited for up
// to the persistent-connection timeout. Any channel still open afterwards
// is forcibly closed.
func (core *Core) Shutdown() {
	core.μ.Lock()
	if !core.active {
		core.μ.Unlock()
		return
	}
	core.active = false
	close(core.done)
	listeners := make([]Listener, 0, len(core.listeners))
	for _, l := range core.listeners {
		listeners = append(listeners, l)
	}
	polling := core.polling
	core.μ.Unlock()

	for _, l := range listeners {
		if err := l.Shutdown(); err != nil {
			core.logWarning("shutting down listener", "err", err)
		}
	}
	for _, s := range core.selectors {
		s.wakeup()
	}
	if polling != nil {
		polling.stop()
	}

	// Drain in-flight handlers. A handler blocked in a receive is
	// unblocked by closing its channel.
	core.closeLiveChannels()
	if core.drainHandlers(channelHandlerTimeout) {
		core.handlersLatch.Unlock()
	}
	core.exec.Shutdown(core.rt.PersistentConnectionTimeout())

	// Channels opened during the drain window.
	core.closeLiveChannels()
	core.tasks.Wait()
}

// drainHandlers tries to take the write side of the handlers latch within
// the timeout and reports whether it succeeded.
func (core *Core) drainHandlers(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for !core.handlersLatch.TryLock() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
	return true
}

func (core *Core) closeLiveChannels() {
	core.μ.Lock()
	live := make([]*Channel, 0, len(core.live))
	for _, c := range core.live {
		live = append(live, c)
	}
	core.μ.Unlock()

	for _, c := range live {
		if err := c.Close(); err != nil && !treatErrorAsClosure(err) {
			core.logWarning("closing channel at shutdown", "channel", c.String(), "err", err)
		}
	}
}
