// Copyright (C) 2024 The Rill Authors. All Rights Reserved.

package comm_test

import (
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/rill-lang/comm"
	"github.com/rill-lang/comm/channel"
	"github.com/rill-lang/comm/commtest"
)

func newPoolChannel(t *testing.T, core *comm.Core) *comm.Channel {
	t.Helper()
	a, b := channel.Direct()
	c := comm.NewChannel(core, a, "loc://cache", "p")
	c.SetToBeClosed(false)
	t.Cleanup(func() { c.Close(); b.Close() })
	return c
}

func TestPersistentIdempotence(t *testing.T) {
	defer leaktest.Check(t)()

	core := comm.NewCore(commtest.NewRuntime(), nil)
	c := newPoolChannel(t, core)

	core.PutPersistentChannel("loc://cache", "p", c)
	if got := core.GetPersistentChannel("loc://cache", "p"); got != c {
		t.Errorf("GetPersistent: got %v, want %v", got, c)
	}

	// The cache is single-use: the entry is gone after a hit.
	if got := core.GetPersistentChannel("loc://cache", "p"); got != nil {
		t.Errorf("GetPersistent after hit: got %v, want nil", got)
	}

	// A returned channel must no longer be evictable by time.
	if h := c.TimeoutHandler(); h != nil {
		t.Errorf("TimeoutHandler after checkout: got %v, want nil", h)
	}
}

func TestPersistentContention(t *testing.T) {
	defer leaktest.Check(t)()

	core := comm.NewCore(commtest.NewRuntime(), nil)
	c := newPoolChannel(t, core)

	core.PutPersistentChannel("loc://cache", "p", c)
	c.Lock()
	if got := core.GetPersistentChannel("loc://cache", "p"); got != nil {
		t.Errorf("GetPersistent while busy: got %v, want nil", got)
	}
	c.Unlock()

	// The busy entry was evicted, not closed.
	if got := core.GetPersistentChannel("loc://cache", "p"); got != nil {
		t.Errorf("GetPersistent after eviction: got %v, want nil", got)
	}
	if !c.IsOpen() {
		t.Error("Evicted channel was closed; a concurrent user may still own it")
	}
}

func TestPersistentClosedEviction(t *testing.T) {
	defer leaktest.Check(t)()

	core := comm.NewCore(commtest.NewRuntime(), nil)
	c := newPoolChannel(t, core)

	core.PutPersistentChannel("loc://cache", "p", c)
	c.Close()
	if got := core.GetPersistentChannel("loc://cache", "p"); got != nil {
		t.Errorf("GetPersistent of closed channel: got %v, want nil", got)
	}
}

func TestPersistentTimeout(t *testing.T) {
	defer leaktest.Check(t)()

	rt := commtest.NewRuntime()
	rt.ConnTimeout = 30 * time.Millisecond
	core := comm.NewCore(rt, nil)
	c := newPoolChannel(t, core)

	core.PutPersistentChannel("loc://cache", "p", c)

	deadline := time.Now().Add(2 * time.Second)
	for c.IsOpen() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if c.IsOpen() {
		t.Error("Idle persistent channel was not closed by its timeout handler")
	}
	if got := core.GetPersistentChannel("loc://cache", "p"); got != nil {
		t.Errorf("GetPersistent after timeout: got %v, want nil", got)
	}
}

func TestPersistentReplacement(t *testing.T) {
	defer leaktest.Check(t)()

	core := comm.NewCore(commtest.NewRuntime(), nil)
	c1 := newPoolChannel(t, core)
	c2 := newPoolChannel(t, core)

	core.PutPersistentChannel("loc://cache", "p", c1)
	core.PutPersistentChannel("loc://cache", "p", c2)

	if got := core.GetPersistentChannel("loc://cache", "p"); got != c2 {
		t.Errorf("GetPersistent: got %v, want replacement %v", got, c2)
	}
	// The displaced entry still belongs to whoever holds it.
	if !c1.IsOpen() {
		t.Error("Replaced channel was closed under its owner")
	}
}

func TestReleaseRequiresOutputPort(t *testing.T) {
	defer leaktest.Check(t)()

	core := comm.NewCore(commtest.NewRuntime(), nil)
	c := newPoolChannel(t, core)

	if err := core.ReleaseChannel(c); err == nil {
		t.Error("ReleaseChannel without an output port: got nil error")
	}

	c.SetParentOutputPort(comm.NewOutputPort("o", "loc://cache", "p", nil))
	if err := core.ReleaseChannel(c); err != nil {
		t.Errorf("ReleaseChannel: unexpected error: %v", err)
	}
	if got := core.GetPersistentChannel("loc://cache", "p"); got != c {
		t.Errorf("GetPersistent after release: got %v, want %v", got, c)
	}
}
