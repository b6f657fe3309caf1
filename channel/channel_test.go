// Copyright (C) 2024 The Rill Authors. All Rights Reserved.

package channel_test

import (
	"net"
	"testing"

	"github.com/creachadair/taskgroup"
	"github.com/google/go-cmp/cmp"
	"github.com/rill-lang/comm"
	"github.com/rill-lang/comm/channel"
	"github.com/rill-lang/comm/frame"
)

func TestDirect(t *testing.T) {
	a, b := channel.Direct()

	g := taskgroup.New(nil)
	var got *comm.Message
	g.Go(func() error {
		var err error
		got, err = b.Recv()
		return err
	})

	want := comm.NewMessage("ping", "/", "v")
	if err := a.Send(want); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if got != want {
		t.Errorf("Recv: got %v, want %v", got, want)
	}

	// Closing A ends B's receives; later operations on A fail cleanly.
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := b.Recv(); err != net.ErrClosed {
		t.Errorf("Recv after close: got %v, want %v", err, net.ErrClosed)
	}
	if err := a.Send(want); err != net.ErrClosed {
		t.Errorf("Send after close: got %v, want %v", err, net.ErrClosed)
	}
	if err := a.Close(); err != net.ErrClosed {
		t.Errorf("Second close: got %v, want %v", err, net.ErrClosed)
	}
	b.Close()
}

func TestIO(t *testing.T) {
	c1, c2 := net.Pipe()
	newProto := func() comm.Protocol {
		p, err := frame.Factory{}.NewOutputProtocol(nil, nil)
		if err != nil {
			t.Fatalf("NewOutputProtocol: %v", err)
		}
		return p
	}
	a := channel.IO(c1, c1, newProto())
	b := channel.IO(c2, c2, newProto())
	defer a.Close()
	defer b.Close()

	g := taskgroup.New(nil)
	var got *comm.Message
	g.Go(func() error {
		var err error
		got, err = b.Recv()
		return err
	})

	want := &comm.Message{ID: 3, Operation: "ping", Path: "/x", Value: "v"}
	if err := a.Send(want); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Wrong message (-want, +got):\n%s", diff)
	}
}

func TestIOReadiness(t *testing.T) {
	c1, c2 := net.Pipe()
	p, err := frame.Factory{}.NewOutputProtocol(nil, nil)
	if err != nil {
		t.Fatalf("NewOutputProtocol: %v", err)
	}
	b := channel.IO(c2, c2, p)
	defer b.Close()

	if n := b.Buffered(); n != 0 {
		t.Errorf("Buffered on idle endpoint: got %d, want 0", n)
	}

	g := taskgroup.New(nil)
	g.Go(func() error {
		if _, err := frame.WriteMessage(c1, comm.NewMessage("x", "/", nil)); err != nil {
			return err
		}
		return c1.Close()
	})

	if err := b.WaitReadable(); err != nil {
		t.Fatalf("WaitReadable: %v", err)
	}
	if n := b.Buffered(); n == 0 {
		t.Error("Buffered after readiness: got 0, want > 0")
	}
	if _, err := b.Recv(); err != nil {
		t.Errorf("Recv: %v", err)
	}
	g.Wait()
}
