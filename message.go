// Copyright (C) 2024 The Rill Authors. All Rights Reserved.

package comm

import (
	"fmt"
	"sync/atomic"
)

// Fault names used by the core when it replies to a message on its own
// behalf. Application protocols may define further fault names.
const (
	FaultIOException      = "IOException"
	FaultTypeMismatch     = "TypeMismatch"
	FaultCorrelationError = "CorrelationError"
)

// A Fault is an application-level failure carried inside a message, as
// opposed to a transport failure which is reported as an ordinary error.
type Fault struct {
	Name    string // fault name, e.g. "IOException"
	Message string // human-readable detail
}

// Error satisfies the error interface.
func (f *Fault) Error() string {
	if f.Message == "" {
		return f.Name
	}
	return f.Name + ": " + f.Message
}

// A Message is one operation invocation or reply exchanged on a channel.
// A message is immutable after construction; rewriting (for example when a
// redirected response is mapped back to its original request id) constructs
// a new message.
type Message struct {
	ID        uint64 // correlation identity, unique per process
	Operation string // operation name
	Path      string // resource path; the first segment selects a redirection
	Value     any    // payload value
	Fault     *Fault // nil unless the message carries a fault
}

var nextMessageID atomic.Uint64

// NewMessageID returns a fresh message identity. Identities are monotonic
// within a process and never reused.
func NewMessageID() uint64 { return nextMessageID.Add(1) }

// NewMessage constructs a request message for the given operation with a
// fresh identity.
func NewMessage(operation, path string, value any) *Message {
	return &Message{ID: NewMessageID(), Operation: operation, Path: path, Value: value}
}

// EmptyResponse constructs the empty acknowledgement for req, used to
// confirm one-way operations.
func EmptyResponse(req *Message) *Message {
	return &Message{ID: req.ID, Operation: req.Operation, Path: "/"}
}

// FaultResponse constructs a reply to req carrying the given fault.
func FaultResponse(req *Message, f *Fault) *Message {
	return &Message{ID: req.ID, Operation: req.Operation, Path: "/", Fault: f}
}

// WithID returns a copy of m with the identity replaced by id.
func (m *Message) WithID(id uint64) *Message {
	cp := *m
	cp.ID = id
	return &cp
}

// IsFault reports whether m carries a fault.
func (m *Message) IsFault() bool { return m.Fault != nil }

// String returns a human-friendly rendering of the message.
func (m *Message) String() string {
	if m == nil {
		return "Message(nil)"
	}
	if m.Fault != nil {
		return fmt.Sprintf("Message(ID=%d, Op=%q, Path=%q, Fault=%v)", m.ID, m.Operation, m.Path, m.Fault)
	}
	return fmt.Sprintf("Message(ID=%d, Op=%q, Path=%q, Value=%v)", m.ID, m.Operation, m.Path, m.Value)
}
