// Copyright (C) 2024 The Rill Authors. All Rights Reserved.

package comm

import (
	"io"
	"net/url"
)

// A Protocol encodes and decodes messages on a byte stream. A protocol
// instance belongs to exactly one channel; the channel mutex guarantees a
// protocol is never entered concurrently.
//
// Send may read from r when the encoding requires an exchange (for example
// a transport-security handshake); r may be nil when the caller cannot
// supply an input stream. Recv may symmetrically write to w.
type Protocol interface {
	// Name returns the protocol's registered name.
	Name() string

	// Send encodes one message to w.
	Send(w io.Writer, msg *Message, r io.Reader) error

	// Recv decodes exactly one message from r.
	Recv(r io.Reader, w io.Writer) (*Message, error)

	// IsThreadSafe reports whether channels using this protocol may be used
	// by concurrent senders, with responses correlated by message id rather
	// than by channel.
	IsThreadSafe() bool
}

// ChannelAware is an optional interface for protocols that need to see the
// channel they serve, for example to mark it keep-alive or to-be-closed.
type ChannelAware interface {
	BindChannel(c *Channel)
}

// A ProtocolFactory creates protocol instances for the channels of a port.
type ProtocolFactory interface {
	NewInputProtocol(params Params, uri *url.URL) (Protocol, error)
	NewOutputProtocol(params Params, uri *url.URL) (Protocol, error)
}

// A PubSubProtocolFactory marks a protocol as publish-subscribe: outbound
// channels for its ports are obtained from the "pubsubchannel" transport
// factory instead of the one named by the location scheme.
type PubSubProtocolFactory interface {
	ProtocolFactory

	// PubSubMedium returns the transport factory name to use, normally
	// PubSubMedium.
	PubSubMedium() string
}

// PubSubMedium is the transport factory name used for publish-subscribe
// protocols.
const PubSubMedium = "pubsubchannel"

// A ChannelFactory creates channels for a transport medium.
type ChannelFactory interface {
	// NewChannel opens an outbound channel to the given location on behalf
	// of an output port.
	NewChannel(loc *url.URL, out *OutputPort) (*Channel, error)

	// NewInputChannel opens an inbound channel bound to an input port with
	// an already-constructed protocol.
	NewInputChannel(loc *url.URL, in *InputPort, proto Protocol) (*Channel, error)
}

// A ListenerFactory creates listeners for a transport medium.
type ListenerFactory interface {
	NewListener(pf ProtocolFactory, in *InputPort) (Listener, error)
}

// A Listener accepts inbound connections for one input port and hands the
// resulting channels to the core.
type Listener interface {
	// Start begins accepting. It must not block; readiness is observable
	// only by successful connects.
	Start() error

	// Shutdown stops accepting and releases the listening resource.
	Shutdown() error

	// InputPort returns the port this listener serves.
	InputPort() *InputPort
}

// An Endpoint is the transport-level implementation behind a Channel: it
// moves whole messages on one connection. Implementations must tolerate
// Close racing with a blocked Send or Recv, which then report an error.
type Endpoint interface {
	Send(*Message) error
	Recv() (*Message, error)
	Close() error
}

// A Selectable endpoint exposes read readiness, allowing its channel to
// wait in a reactor instead of occupying a handler while idle.
type Selectable interface {
	Endpoint

	// WaitReadable blocks until at least one byte can be read without
	// blocking, or the endpoint fails or closes.
	WaitReadable() error

	// Buffered reports how many bytes are already buffered locally.
	Buffered() int
}

// A Pollable endpoint exposes a non-blocking readiness probe for
// transports that can neither block nor select. Its channel is registered
// with the polling loop instead of a reactor.
type Pollable interface {
	Endpoint

	IsReady() (bool, error)
}
