// Copyright (C) 2024 The Rill Authors. All Rights Reserved.

// Package frame implements the runtime's native wire format: a compact
// binary envelope holding the message identity, operation, resource path,
// and fault, with the payload value carried as JSON.
//
// A frame has a fixed 12-byte header followed by length-prefixed fields:
//
//	| "RF" | version (1) | flags (1) | message id (8) |
//	| operation (vstr) | path (vstr) | [fault name (vstr) | fault text (vstr)] | [value (u32 + JSON)] |
//
// where vstr is a big-endian uint16 length followed by that many bytes of
// UTF-8. Bit 0 of the flags marks a fault, bit 1 a payload value.
package frame

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/url"

	"github.com/creachadair/mds/value"
	"github.com/rill-lang/comm"
)

// ProtocolName is the name the protocol is registered under.
const ProtocolName = "frame"

const (
	frameVersion = 0

	flagFault byte = 1 << 0
	flagValue byte = 1 << 1
)

// Factory creates frame protocol instances. It satisfies the
// comm.ProtocolFactory interface.
type Factory struct{}

// NewInputProtocol implements part of the comm.ProtocolFactory interface.
func (Factory) NewInputProtocol(params comm.Params, _ *url.URL) (comm.Protocol, error) {
	return newProtocol(params), nil
}

// NewOutputProtocol implements part of the comm.ProtocolFactory interface.
func (Factory) NewOutputProtocol(params comm.Params, _ *url.URL) (comm.Protocol, error) {
	return newProtocol(params), nil
}

// Protocol encodes and decodes frames on a byte stream. Each instance
// serves one channel.
type Protocol struct {
	keepAlive bool
	ch        *comm.Channel
}

func newProtocol(params comm.Params) *Protocol {
	p := &Protocol{keepAlive: true}
	if params.String("keepAlive", "true") == "false" {
		p.keepAlive = false
	}
	return p
}

// Name implements part of the comm.Protocol interface.
func (p *Protocol) Name() string { return ProtocolName }

// IsThreadSafe implements part of the comm.Protocol interface. Frames are
// exchanged sequentially: a channel carries one request-response pair at a
// time.
func (p *Protocol) IsThreadSafe() bool { return false }

// BindChannel implements the comm.ChannelAware interface.
func (p *Protocol) BindChannel(c *comm.Channel) { p.ch = c }

func (p *Protocol) markChannel() {
	if p.ch != nil {
		p.ch.SetToBeClosed(!p.keepAlive)
	}
}

// Send implements part of the comm.Protocol interface.
func (p *Protocol) Send(w io.Writer, msg *comm.Message, _ io.Reader) error {
	if _, err := WriteMessage(w, msg); err != nil {
		return err
	}
	p.markChannel()
	return nil
}

// Recv implements part of the comm.Protocol interface.
func (p *Protocol) Recv(r io.Reader, _ io.Writer) (*comm.Message, error) {
	msg, _, err := ReadMessage(r)
	if err != nil {
		return nil, err
	}
	p.markChannel()
	return msg, nil
}

// WriteMessage writes msg to w in frame format and reports the number of
// bytes written.
func WriteMessage(w io.Writer, msg *comm.Message) (int64, error) {
	flags := value.Cond[byte](msg.Fault != nil, flagFault, 0) |
		value.Cond[byte](msg.Value != nil, flagValue, 0)

	var hdr [12]byte
	hdr[0], hdr[1] = 'R', 'F'
	hdr[2] = frameVersion
	hdr[3] = flags
	binary.BigEndian.PutUint64(hdr[4:], msg.ID)

	buf := hdr[:]
	var err error
	if buf, err = appendString(buf, msg.Operation); err != nil {
		return 0, err
	}
	if buf, err = appendString(buf, msg.Path); err != nil {
		return 0, err
	}
	if msg.Fault != nil {
		if buf, err = appendString(buf, msg.Fault.Name); err != nil {
			return 0, err
		}
		if buf, err = appendString(buf, truncate(msg.Fault.Message, 65535)); err != nil {
			return 0, err
		}
	}
	if msg.Value != nil {
		data, err := json.Marshal(msg.Value)
		if err != nil {
			return 0, fmt.Errorf("encoding value: %w", err)
		}
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(data)))
		buf = append(buf, data...)
	}

	nw, err := w.Write(buf)
	return int64(nw), err
}

// ReadMessage reads one frame from r and reports the number of bytes
// consumed.
func ReadMessage(r io.Reader) (*comm.Message, int64, error) {
	var hdr [12]byte
	nr, err := io.ReadFull(r, hdr[:])
	if err != nil {
		return nil, int64(nr), err
	}
	if hdr[0] != 'R' || hdr[1] != 'F' || hdr[2] != frameVersion {
		return nil, int64(nr), fmt.Errorf("invalid frame header %q", hdr[:3])
	}
	flags := hdr[3]
	msg := &comm.Message{ID: binary.BigEndian.Uint64(hdr[4:])}

	total := int64(nr)
	if msg.Operation, nr, err = readString(r); err != nil {
		return nil, total + int64(nr), fmt.Errorf("short operation: %w", err)
	}
	total += int64(nr)
	if msg.Path, nr, err = readString(r); err != nil {
		return nil, total + int64(nr), fmt.Errorf("short path: %w", err)
	}
	total += int64(nr)

	if flags&flagFault != 0 {
		f := new(comm.Fault)
		if f.Name, nr, err = readString(r); err != nil {
			return nil, total + int64(nr), fmt.Errorf("short fault name: %w", err)
		}
		total += int64(nr)
		if f.Message, nr, err = readString(r); err != nil {
			return nil, total + int64(nr), fmt.Errorf("short fault text: %w", err)
		}
		total += int64(nr)
		msg.Fault = f
	}

	if flags&flagValue != 0 {
		var vlen [4]byte
		if nr, err = io.ReadFull(r, vlen[:]); err != nil {
			return nil, total + int64(nr), fmt.Errorf("short value length: %w", err)
		}
		total += int64(nr)
		data := make([]byte, binary.BigEndian.Uint32(vlen[:]))
		if nr, err = io.ReadFull(r, data); err != nil {
			return nil, total + int64(nr), fmt.Errorf("short value: %w", err)
		}
		total += int64(nr)
		if err := json.Unmarshal(data, &msg.Value); err != nil {
			return nil, total, fmt.Errorf("decoding value: %w", err)
		}
	}
	return msg, total, nil
}

func appendString(buf []byte, s string) ([]byte, error) {
	if len(s) > 65535 {
		return nil, fmt.Errorf("string field too long (%d bytes)", len(s))
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...), nil
}

func readString(r io.Reader) (string, int, error) {
	var slen [2]byte
	nr, err := io.ReadFull(r, slen[:])
	if err != nil {
		return "", nr, err
	}
	data := make([]byte, binary.BigEndian.Uint16(slen[:]))
	np, err := io.ReadFull(r, data)
	return string(data[:np]), nr + np, err
}

// truncate returns a prefix of a UTF-8 string s, having length no greater
// than n bytes. If s exceeds this length, it is truncated at a point ≤ n
// so that the result does not end in a partial UTF-8 encoding.
func truncate(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && s[n-1]&0xc0 == 0x80 { // continuation byte
		n--
	}
	if n > 0 && s[n-1]&0xc0 == 0xc0 { // start of a multibyte encoding
		n--
	}
	return s[:n]
}
