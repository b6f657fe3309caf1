// Copyright (C) 2024 The Rill Authors. All Rights Reserved.

package comm

import (
	"errors"
	"fmt"
)

// ErrChannelClosing is reported by receive operations that race with an
// orderly close of the channel. It is benign: the handler logs it at debug
// level and stops, without treating the channel as failed.
var ErrChannelClosing = errors.New("channel is closing")

// UnsupportedMediumError is reported when a location URI names a scheme for
// which no transport factory is available.
type UnsupportedMediumError struct {
	Medium string
}

func (e *UnsupportedMediumError) Error() string {
	return fmt.Sprintf("unsupported communication medium: %s", e.Medium)
}

// UnsupportedProtocolError is reported when a protocol name has no factory.
type UnsupportedProtocolError struct {
	Protocol string
}

func (e *UnsupportedProtocolError) Error() string {
	return fmt.Sprintf("unsupported communication protocol: %s", e.Protocol)
}

// CorrelationError is reported when a message cannot be paired with any
// session: either a caller asked for the response to a request that was
// never registered, or the correlation engine rejected an inbound message.
// On the receive path it is replied to the sender as a fault of the same
// name.
type CorrelationError struct {
	Operation string // operation name, if known
}

func (e *CorrelationError) Error() string {
	if e.Operation == "" {
		return "message does not correlate with any session"
	}
	return fmt.Sprintf("message for operation %s does not correlate with any session", e.Operation)
}

// TypeError is reported when a payload value fails an operation's input
// type check. It is replied to the sender as a TypeMismatch fault.
type TypeError struct {
	Operation string
	Reason    string
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("type mismatch for operation %s: %s", e.Operation, e.Reason)
}

// InvalidOperationError is reported when an operation name is unknown at
// the receiving port. It is replied to the sender as an IOException fault
// with the message "Invalid operation: <name>".
type InvalidOperationError struct {
	Operation string
}

func (e *InvalidOperationError) Error() string {
	return "Invalid operation: " + e.Operation
}
