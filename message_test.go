// Copyright (C) 2024 The Rill Authors. All Rights Reserved.

package comm_test

import (
	"strings"
	"testing"

	"github.com/creachadair/mds/mtest"
	"github.com/rill-lang/comm"
	"github.com/rill-lang/comm/channel"
	"github.com/rill-lang/comm/commtest"
)

func TestMessageIdentities(t *testing.T) {
	m1 := comm.NewMessage("a", "/", nil)
	m2 := comm.NewMessage("a", "/", nil)
	if m1.ID == m2.ID {
		t.Errorf("Message ids not unique: %d == %d", m1.ID, m2.ID)
	}
	if m2.ID <= m1.ID {
		t.Errorf("Message ids not monotonic: %d then %d", m1.ID, m2.ID)
	}
}

func TestMessageResponses(t *testing.T) {
	req := comm.NewMessage("op", "/res", "v")

	ack := comm.EmptyResponse(req)
	if ack.ID != req.ID || ack.Value != nil || ack.Fault != nil {
		t.Errorf("EmptyResponse: got %v", ack)
	}

	f := &comm.Fault{Name: comm.FaultIOException, Message: "boom"}
	fr := comm.FaultResponse(req, f)
	if fr.ID != req.ID || fr.Fault != f {
		t.Errorf("FaultResponse: got %v", fr)
	}
	if !fr.IsFault() {
		t.Error("FaultResponse: IsFault is false")
	}
	if got := f.Error(); got != "IOException: boom" {
		t.Errorf("Fault.Error: got %q", got)
	}

	re := req.WithID(99)
	if re.ID != 99 || re.Operation != req.Operation || re.Value != req.Value {
		t.Errorf("WithID: got %v", re)
	}
	if req.ID == 99 {
		t.Error("WithID mutated the original message")
	}
}

func TestMessageString(t *testing.T) {
	m := comm.NewMessage("echo", "/x", "hi")
	if s := m.String(); !strings.Contains(s, `"echo"`) || !strings.Contains(s, `"/x"`) {
		t.Errorf("String: %q lacks operation or path", s)
	}
	if s := (*comm.Message)(nil).String(); s != "Message(nil)" {
		t.Errorf("nil String: got %q", s)
	}
}

func TestChannelLockMisuse(t *testing.T) {
	core := comm.NewCore(commtest.NewRuntime(), nil)
	a, b := channel.Direct()
	c := comm.NewChannel(core, a, "loc://lock", "p")
	defer func() { c.Close(); b.Close() }()

	if !c.TryLock() {
		t.Fatal("TryLock on a fresh channel failed")
	}
	if c.TryLock() {
		t.Fatal("TryLock succeeded while the mutex was held")
	}
	c.Unlock()

	got := mtest.MustPanic(t, func() { c.Unlock() })
	t.Logf("Unlock of unlocked channel panicked (as expected): %v", got)
}
