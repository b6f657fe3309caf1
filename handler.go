// Copyright (C) 2024 The Rill Authors. All Rights Reserved.

package comm

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

// ScheduleReceive hands c to the handler executor to decode and dispatch
// exactly one message on behalf of port.
func (core *Core) ScheduleReceive(c *Channel, port *InputPort) {
	core.exec.Execute(func(slot *ContextSlot) {
		core.handleChannel(slot, c, port)
	})
}

// Execute runs an asynchronous task on the core's handler pool.
func (core *Core) Execute(task func()) {
	core.exec.Execute(func(*ContextSlot) { task() })
}

// handleChannel is one handler invocation: it owns the channel for the
// duration of decoding and dispatching a single message.
func (core *Core) handleChannel(slot *ContextSlot, c *Channel, port *InputPort) {
	coreMetrics.handlersRun.Add(1)
	coreMetrics.handlersActive.Add(1)
	defer coreMetrics.handlersActive.Add(-1)

	guard := slot.Install(core.rt.NewExecutionContext())
	defer guard.Clear()

	c.Lock()
	held := true
	core.handlersLatch.RLock()
	defer func() {
		core.handlersLatch.RUnlock()
		if held {
			c.Unlock()
		}
	}()

	if c.RedirectionChannel() == nil {
		msg, err := c.Recv()
		switch {
		case errors.Is(err, ErrChannelClosing):
			core.logFine("receive raced with channel close", "channel", c.String())
		case err != nil:
			if !treatErrorAsClosure(err) {
				core.logSevere("receiving message", "channel", c.String(), "err", err)
			}
			c.Close()
		case msg != nil:
			if err := core.dispatch(c, port, msg); err != nil {
				core.logSevere("dispatching message", "channel", c.String(), "err", err)
				c.Close()
			}
		default:
			// Orderly end of input.
			c.DisposeForInput()
		}
		return
	}

	// The channel is a forwarder: what arrives on it is the response to
	// the redirected request. The mutex is released first and the response
	// is read without it: the forwarder has already left its reactor and no
	// other handler reads from it.
	c.Unlock()
	held = false
	origID, fwdID := c.RedirectionIDs()
	rsp, err := c.RecvResponseFor(&Message{ID: fwdID})
	if rsp == nil {
		if err != nil {
			core.logSevere("receiving redirected response", "channel", c.String(), "err", err)
		}
		rsp = &Message{ID: fwdID, Path: "/", Fault: &Fault{Name: FaultIOException, Message: "Internal server error"}}
	}
	if err := core.forwardResponse(c, rsp.WithID(origID)); err != nil {
		core.logSevere("forwarding redirected response", "channel", c.String(), "err", err)
	}
}

// treatErrorAsClosure reports whether err is an ordinary connection
// closure rather than a failure worth logging loudly.
func treatErrorAsClosure(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// dispatch classifies one inbound message: redirection when the resource
// path names a target, direct when the port declares the operation,
// aggregation when it serves it through a sub-service, and otherwise a
// fault reply. The direct and fault branches finish by disposing the
// channel for input; an aggregation disposes of the channel itself; a
// redirected request disposes the forwarder, and the inbound channel is
// retired once the forwarded response is written back (or closed by the
// handler when the redirection fails).
func (core *Core) dispatch(c *Channel, port *InputPort, msg *Message) error {
	if target, rest, ok := splitRedirection(msg.Path); ok && port != nil {
		return core.handleRedirection(c, port, msg, target, rest)
	}
	if port != nil && port.CanHandleDirectly(msg.Operation) {
		return core.handleDirect(c, msg)
	}
	if port != nil {
		if agg := port.Aggregation(msg.Operation); agg != nil {
			return agg.RunAggregationBehaviour(msg, c)
		}
	}
	core.logWarning("message for operation not declared at the receiving port",
		"operation", msg.Operation)
	defer c.DisposeForInput()
	return core.sendFault(c, msg, &Fault{
		Name:    FaultIOException,
		Message: (&InvalidOperationError{Operation: msg.Operation}).Error(),
	})
}

// splitRedirection splits a resource path into a redirection target and
// the remaining forwarded path. A path with no second segment ("/", "",
// or a bare name) is not a redirection.
func splitRedirection(path string) (target, rest string, ok bool) {
	segs := strings.Split(path, "/")
	if len(segs) < 2 || segs[1] == "" {
		return "", "", false
	}
	if len(segs) == 2 {
		return segs[1], "/", true
	}
	return segs[1], "/" + strings.Join(segs[2:], "/"), true
}

// handleRedirection opens a forwarder channel to the redirection target
// and sends the rewritten request on it. The forwarder is then disposed
// for input; when its response arrives the forwarder arm of handleChannel
// carries it back.
func (core *Core) handleRedirection(c *Channel, port *InputPort, msg *Message, target, rest string) error {
	out := port.Redirection(target)
	if out == nil {
		core.logWarning("discarded a message for a resource not in the redirection table",
			"resource", target)
		return fmt.Errorf("no redirection binding for resource %q", target)
	}

	coreMetrics.redirections.Add(1)
	fwd := &Message{
		ID:        NewMessageID(),
		Operation: msg.Operation,
		Path:      rest,
		Value:     msg.Value,
		Fault:     msg.Fault,
	}
	oc, err := core.createChannel(out)
	if err == nil {
		oc.SetRedirection(c, msg.ID, fwd.ID)
		core.messagePool.RegisterSynchronous(oc, fwd)
		err = oc.Send(fwd)
	}
	if err != nil {
		defer c.DisposeForInput()
		if serr := core.sendFault(c, msg, &Fault{Name: FaultIOException, Message: err.Error()}); serr != nil {
			return serr
		}
		return err
	}
	oc.SetToBeClosed(false)
	return oc.DisposeForInput()
}

// forwardResponse writes a redirected response back on the forwarder's
// partner channel, then retires both channels: the partner is closed (or
// disposed, if keep-alive) and the forwarder is closed.
func (core *Core) forwardResponse(c *Channel, rsp *Message) error {
	partner := c.RedirectionChannel()
	defer func() {
		c.ClearRedirection()
		c.Close()
	}()

	partner.Lock()
	err := partner.Send(rsp)
	partner.Unlock()

	if cerr := core.retireForInput(partner); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// retireForInput closes a channel marked to-be-closed and otherwise
// returns it to input duty.
func (core *Core) retireForInput(c *Channel) error {
	if c.ToBeClosed() {
		return c.Close()
	}
	return c.DisposeForInput()
}

// handleDirect delivers a message to the interpreter through the
// correlation engine, after checking that the operation exists and the
// payload passes its input type. One-way operations are acknowledged with
// an empty response on the same channel.
func (core *Core) handleDirect(c *Channel, msg *Message) error {
	defer c.DisposeForInput()

	op, ok := core.rt.InputOperation(msg.Operation)
	if !ok {
		core.logWarning("received a message for an undefined operation", "operation", msg.Operation)
		return core.sendFault(c, msg, &Fault{
			Name:    FaultIOException,
			Message: (&InvalidOperationError{Operation: msg.Operation}).Error(),
		})
	}

	if err := op.CheckRequest(msg.Value); err != nil {
		core.logWarning("received message failed the input type check",
			"operation", msg.Operation, "err", err)
		return core.sendFault(c, msg, &Fault{Name: FaultTypeMismatch, Message: err.Error()})
	}

	if err := core.rt.Correlation().OnMessageReceive(msg, c); err != nil {
		var ce *CorrelationError
		if errors.As(err, &ce) {
			core.logWarning("received a non-correlating message", "operation", msg.Operation)
			return core.sendFault(c, msg, &Fault{
				Name:    FaultCorrelationError,
				Message: "The message you sent can not be correlated with any session and can not be used to start a new session.",
			})
		}
		return err
	}

	if op.OneWay {
		// The sender waits for the acknowledgement.
		return c.Send(EmptyResponse(msg))
	}
	return nil
}

// sendFault replies to msg with a fault on the same channel.
func (core *Core) sendFault(c *Channel, msg *Message, f *Fault) error {
	coreMetrics.faultsSent.Add(1)
	return c.Send(FaultResponse(msg, f))
}
