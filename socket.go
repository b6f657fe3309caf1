// Copyright (C) 2024 The Rill Authors. All Rights Reserved.

package comm

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/creachadair/taskgroup"
)

// The "socket" transport carries messages over TCP streams. It is
// registered at core construction; all other transports load lazily
// through the runtime's extension loader.

// streamEndpoint binds a connection, its buffered streams, and the
// channel's protocol instance into an Endpoint. The channel mutex
// serialises use, so the buffers need no locking of their own.
type streamEndpoint struct {
	conn  net.Conn
	br    *bufio.Reader
	bw    *bufio.Writer
	proto Protocol
}

func newStreamEndpoint(conn net.Conn, proto Protocol) *streamEndpoint {
	return &streamEndpoint{
		conn:  conn,
		br:    bufio.NewReader(conn),
		bw:    bufio.NewWriter(conn),
		proto: proto,
	}
}

func (e *streamEndpoint) Send(m *Message) error {
	if err := e.proto.Send(e.bw, m, e.br); err != nil {
		return err
	}
	return e.bw.Flush()
}

func (e *streamEndpoint) Recv() (*Message, error) {
	m, err := e.proto.Recv(e.br, e.bw)
	if ferr := e.bw.Flush(); ferr != nil && err == nil {
		return nil, ferr
	}
	return m, err
}

func (e *streamEndpoint) Close() error { return e.conn.Close() }

// WaitReadable blocks until at least one byte is buffered, satisfying the
// Selectable capability. The peek does not consume input.
func (e *streamEndpoint) WaitReadable() error {
	_, err := e.br.Peek(1)
	return err
}

// Buffered reports the bytes already decoded-ready in the local buffer.
func (e *streamEndpoint) Buffered() int { return e.br.Buffered() }

// socketChannelFactory dials outbound TCP channels.
type socketChannelFactory struct {
	core *Core
}

func (f *socketChannelFactory) NewChannel(loc *url.URL, out *OutputPort) (*Channel, error) {
	proto, err := f.core.OutputProtocol(out.ProtocolName(), out.Params(), loc)
	if err != nil {
		return nil, err
	}
	conn, err := net.Dial("tcp", loc.Host)
	if err != nil {
		return nil, err
	}
	coreMetrics.connectionsOut.Add(1)

	c := NewChannel(f.core, newStreamEndpoint(conn, proto), loc.String(), out.ProtocolName())
	c.SetParentOutputPort(out)
	c.SetThreadSafe(proto.IsThreadSafe())
	if ca, ok := proto.(ChannelAware); ok {
		ca.BindChannel(c)
	}
	return c, nil
}

func (f *socketChannelFactory) NewInputChannel(loc *url.URL, in *InputPort, proto Protocol) (*Channel, error) {
	conn, err := net.Dial("tcp", loc.Host)
	if err != nil {
		return nil, err
	}
	c := NewChannel(f.core, newStreamEndpoint(conn, proto), loc.String(), in.ProtocolName())
	c.SetParentInputPort(in)
	c.SetThreadSafe(proto.IsThreadSafe())
	if ca, ok := proto.(ChannelAware); ok {
		ca.BindChannel(c)
	}
	return c, nil
}

// socketListenerFactory builds TCP listeners for input ports.
type socketListenerFactory struct {
	core *Core
}

func (f *socketListenerFactory) NewListener(pf ProtocolFactory, in *InputPort) (Listener, error) {
	u, err := url.Parse(in.Location())
	if err != nil {
		return nil, fmt.Errorf("input port %s: %w", in.Name(), err)
	}
	return &socketListener{core: f.core, pf: pf, port: in, uri: u}, nil
}

// socketListener accepts TCP connections for one input port and schedules
// a receive for each resulting channel.
type socketListener struct {
	core *Core
	pf   ProtocolFactory
	port *InputPort
	uri  *url.URL

	lst net.Listener
	g   *taskgroup.Group
}

func (l *socketListener) InputPort() *InputPort { return l.port }

func (l *socketListener) Start() error {
	lst, err := net.Listen("tcp", l.uri.Host)
	if err != nil {
		return err
	}
	l.lst = lst
	l.g = taskgroup.New(nil)
	l.g.Go(l.acceptLoop)
	return nil
}

func (l *socketListener) acceptLoop() error {
	for {
		conn, err := l.lst.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				l.core.logSevere("accepting connection", "port", l.port.Name(), "err", err)
			}
			return nil
		}
		proto, err := l.pf.NewInputProtocol(l.port.Params(), l.uri)
		if err != nil {
			l.core.logSevere("creating input protocol", "port", l.port.Name(), "err", err)
			conn.Close()
			continue
		}
		c := NewChannel(l.core, newStreamEndpoint(conn, proto), l.uri.String(), l.port.ProtocolName())
		c.SetParentInputPort(l.port)
		c.SetThreadSafe(proto.IsThreadSafe())
		if ca, ok := proto.(ChannelAware); ok {
			ca.BindChannel(c)
		}
		l.core.ScheduleReceive(c, l.port)
	}
}

func (l *socketListener) Shutdown() error {
	if l.lst == nil {
		return nil
	}
	err := l.lst.Close()
	l.g.Wait()
	return err
}

// Addr returns the bound listen address, useful when the port was
// configured with port 0.
func (l *socketListener) Addr() net.Addr {
	if l.lst == nil {
		return nil
	}
	return l.lst.Addr()
}
