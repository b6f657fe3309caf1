// Copyright (C) 2024 The Rill Authors. All Rights Reserved.

// Package channel provides implementations of the comm.Endpoint interface.
package channel

import (
	"bufio"
	"io"
	"net"

	"github.com/rill-lang/comm"
)

// Direct constructs a connected pair of in-memory endpoints that pass
// messages directly without encoding. Messages sent to A are received by B
// and vice versa.
func Direct() (A, B comm.Endpoint) {
	a2b := make(chan *comm.Message)
	b2a := make(chan *comm.Message)
	A = direct{a2b: a2b, b2a: b2a}
	B = direct{a2b: b2a, b2a: a2b}
	return
}

type direct struct {
	a2b chan<- *comm.Message
	b2a <-chan *comm.Message
}

// Send implements a method of the [comm.Endpoint] interface.
func (d direct) Send(msg *comm.Message) (err error) {
	defer safeClose(&err)
	d.a2b <- msg
	return nil
}

// Recv implements a method of the [comm.Endpoint] interface.
func (d direct) Recv() (*comm.Message, error) {
	msg, ok := <-d.b2a
	if !ok {
		return nil, net.ErrClosed
	}
	return msg, nil
}

// Close implements a method of the [comm.Endpoint] interface.
func (d direct) Close() (err error) {
	defer safeClose(&err)
	close(d.a2b)
	return nil
}

func safeClose(err *error) {
	if x := recover(); x != nil && *err == nil {
		*err = net.ErrClosed
	}
}

// IO constructs an endpoint that decodes messages from r and encodes them
// to wc with the given protocol.
func IO(r io.Reader, wc io.WriteCloser, proto comm.Protocol) IOEndpoint {
	// N.B. The bufio package will reuse existing buffers if possible.
	return IOEndpoint{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc, proto: proto}
}

// An IOEndpoint sends and receives messages on a reader and a writer
// through a protocol codec. It is selectable: readiness is observed by
// peeking at the buffered reader.
type IOEndpoint struct {
	r     *bufio.Reader
	w     *bufio.Writer
	c     io.Closer
	proto comm.Protocol
}

// Send implements a method of the [comm.Endpoint] interface.
func (e IOEndpoint) Send(msg *comm.Message) error {
	if err := e.proto.Send(e.w, msg, e.r); err != nil {
		return err
	}
	return e.w.Flush()
}

// Recv implements a method of the [comm.Endpoint] interface.
func (e IOEndpoint) Recv() (*comm.Message, error) {
	msg, err := e.proto.Recv(e.r, e.w)
	if ferr := e.w.Flush(); ferr != nil && err == nil {
		return nil, ferr
	}
	return msg, err
}

// Close implements a method of the [comm.Endpoint] interface.
func (e IOEndpoint) Close() error { return e.c.Close() }

// WaitReadable implements a method of the [comm.Selectable] interface.
func (e IOEndpoint) WaitReadable() error {
	_, err := e.r.Peek(1)
	return err
}

// Buffered implements a method of the [comm.Selectable] interface.
func (e IOEndpoint) Buffered() int { return e.r.Buffered() }
