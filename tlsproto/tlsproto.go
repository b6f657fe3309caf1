// Copyright (C) 2024 The Rill Authors. All Rights Reserved.

// Package tlsproto wraps an inner application protocol with transport
// layer security. The wrapper owns the handshake and the record layer;
// the inner protocol never sees encrypted bytes, and the wire never sees
// plaintext.
//
// The endpoint role is fixed the first time the protocol is used: a
// wrapper that sends first is a client, one that receives first is a
// server. Configuration comes from the port's ssl.* parameters:
//
//	ssl.protocol            minimum protocol version (default "TLSv1.2")
//	ssl.keyStoreFormat      key store format, only "PEM" (default "PEM")
//	ssl.trustStoreFormat    trust store format, only "PEM" (default "PEM")
//	ssl.keyStore            PEM file with certificate and key; mandatory in server mode
//	ssl.keyStorePassword    accepted for compatibility, must be empty for PEM
//	ssl.trustStore          PEM bundle of trusted CAs (default: system roots)
//	ssl.trustStorePassword  accepted for compatibility, must be empty for PEM
//
// Versions below TLS 1.2 are rejected rather than silently honoured.
package tlsproto

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/rill-lang/comm"
)

// Factory wraps an inner protocol factory. It satisfies the
// comm.ProtocolFactory interface.
type Factory struct {
	Inner comm.ProtocolFactory
}

// NewInputProtocol implements part of the comm.ProtocolFactory interface.
func (f Factory) NewInputProtocol(params comm.Params, uri *url.URL) (comm.Protocol, error) {
	inner, err := f.Inner.NewInputProtocol(params, uri)
	if err != nil {
		return nil, err
	}
	return &Protocol{inner: inner, params: params, uri: uri, firstTime: true}, nil
}

// NewOutputProtocol implements part of the comm.ProtocolFactory interface.
func (f Factory) NewOutputProtocol(params comm.Params, uri *url.URL) (comm.Protocol, error) {
	inner, err := f.Inner.NewOutputProtocol(params, uri)
	if err != nil {
		return nil, err
	}
	return &Protocol{inner: inner, params: params, uri: uri, firstTime: true}, nil
}

// Protocol is the TLS wrapper around one channel's inner protocol. The
// channel mutex guarantees that at most one of sending, receiving, or
// handshaking is active at a time.
type Protocol struct {
	inner  comm.Protocol
	params comm.Params
	uri    *url.URL

	isClient  bool
	modeSet   bool
	firstTime bool
	bridge    *bridge
	conn      *tls.Conn
}

// Name implements part of the comm.Protocol interface: the inner
// protocol's name with an "s" suffix, in the manner of https.
func (p *Protocol) Name() string { return p.inner.Name() + "s" }

// IsThreadSafe implements part of the comm.Protocol interface. The record
// layer is strictly sequential.
func (p *Protocol) IsThreadSafe() bool { return false }

// BindChannel implements the comm.ChannelAware interface, forwarding the
// channel to the inner protocol as well.
func (p *Protocol) BindChannel(c *comm.Channel) {
	if ca, ok := p.inner.(comm.ChannelAware); ok {
		ca.BindChannel(c)
	}
}

// Send implements part of the comm.Protocol interface. A wrapper whose
// role is still undecided becomes a client here, and the handshake runs
// before the first message.
func (p *Protocol) Send(w io.Writer, msg *comm.Message, r io.Reader) error {
	if !p.modeSet {
		p.isClient = true
		p.modeSet = true
	}
	if err := p.startHandshake(w, r); err != nil {
		return err
	}
	return p.inner.Send(p.conn, msg, p.conn)
}

// Recv implements part of the comm.Protocol interface. A wrapper whose
// role is still undecided becomes a server here, and the handshake runs
// before the first message.
func (p *Protocol) Recv(r io.Reader, w io.Writer) (*comm.Message, error) {
	if !p.modeSet {
		p.isClient = false
		p.modeSet = true
	}
	if err := p.startHandshake(w, r); err != nil {
		return nil, err
	}
	return p.inner.Recv(p.conn, p.conn)
}

// startHandshake builds the engine on first use and drives the handshake
// to completion. Later calls only repoint the bridge at the caller's
// streams; a completed handshake is not repeated.
func (p *Protocol) startHandshake(w io.Writer, r io.Reader) error {
	if p.firstTime {
		cfg, err := p.buildConfig()
		if err != nil {
			return err
		}
		p.bridge = &bridge{}
		p.bridge.set(r, w)
		if p.isClient {
			p.conn = tls.Client(p.bridge, cfg)
		} else {
			p.conn = tls.Server(p.bridge, cfg)
		}
		p.firstTime = false
	} else {
		p.bridge.set(r, w)
	}
	return p.conn.Handshake()
}

// minVersions maps the accepted ssl.protocol values. SSLv3 and the early
// TLS versions are deliberately absent.
var minVersions = map[string]uint16{
	"TLSv1.2": tls.VersionTLS12,
	"TLSv1.3": tls.VersionTLS13,
}

func (p *Protocol) buildConfig() (*tls.Config, error) {
	proto := p.params.String("ssl.protocol", "TLSv1.2")
	minVersion, ok := minVersions[proto]
	if !ok {
		return nil, fmt.Errorf("unsupported or insecure ssl.protocol %q", proto)
	}
	for _, k := range []string{"ssl.keyStoreFormat", "ssl.trustStoreFormat"} {
		if f := p.params.String(k, "PEM"); f != "PEM" {
			return nil, fmt.Errorf("unsupported %s %q", k, f)
		}
	}
	for _, k := range []string{"ssl.keyStorePassword", "ssl.trustStorePassword"} {
		if p.params.String(k, "") != "" {
			return nil, fmt.Errorf("%s must be empty for PEM stores", k)
		}
	}

	cfg := &tls.Config{MinVersion: minVersion}

	keyStore := p.params.String("ssl.keyStore", "")
	if keyStore == "" && !p.isClient {
		return nil, errors.New("compulsory parameter needed for server mode: ssl.keyStore")
	}
	if keyStore != "" {
		cert, err := tls.LoadX509KeyPair(keyStore, keyStore)
		if err != nil {
			return nil, fmt.Errorf("loading ssl.keyStore: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if trustStore := p.params.String("ssl.trustStore", ""); trustStore != "" {
		pem, err := os.ReadFile(trustStore)
		if err != nil {
			return nil, fmt.Errorf("loading ssl.trustStore: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in ssl.trustStore %s", trustStore)
		}
		cfg.RootCAs = pool
	}

	if p.isClient && p.uri != nil {
		cfg.ServerName = p.uri.Hostname()
	}
	return cfg, nil
}

// bridge adapts the channel's byte streams to the net.Conn surface the
// record layer wants. Writes are flushed through immediately so handshake
// records are not stranded in a buffer while the engine waits for the
// peer.
type bridge struct {
	r io.Reader
	w io.Writer
}

type flusher interface{ Flush() error }

func (b *bridge) set(r io.Reader, w io.Writer) {
	if r != nil {
		b.r = r
	}
	if w != nil {
		b.w = w
	}
}

func (b *bridge) Read(p []byte) (int, error) {
	if b.r == nil {
		return 0, io.EOF
	}
	return b.r.Read(p)
}

func (b *bridge) Write(p []byte) (int, error) {
	if b.w == nil {
		return 0, errors.New("bridge has no output stream")
	}
	n, err := b.w.Write(p)
	if err == nil {
		if f, ok := b.w.(flusher); ok {
			err = f.Flush()
		}
	}
	return n, err
}

// Close is a no-op: the channel owns the underlying connection.
func (b *bridge) Close() error { return nil }

func (b *bridge) LocalAddr() net.Addr                { return bridgeAddr{} }
func (b *bridge) RemoteAddr() net.Addr               { return bridgeAddr{} }
func (b *bridge) SetDeadline(t time.Time) error      { return nil }
func (b *bridge) SetReadDeadline(t time.Time) error  { return nil }
func (b *bridge) SetWriteDeadline(t time.Time) error { return nil }

type bridgeAddr struct{}

func (bridgeAddr) Network() string { return "comm" }
func (bridgeAddr) String() string  { return "comm" }
