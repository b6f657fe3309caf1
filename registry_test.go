// Copyright (C) 2024 The Rill Authors. All Rights Reserved.

package comm_test

import (
	"testing"

	"github.com/fortytw2/leaktest"
	"github.com/rill-lang/comm"
	"github.com/rill-lang/comm/channel"
	"github.com/rill-lang/comm/commtest"
)

func TestContextRegistries(t *testing.T) {
	defer leaktest.Check(t)()

	core := comm.NewCore(commtest.NewRuntime(), nil)
	a, b := channel.Direct()
	c := comm.NewChannel(core, a, "loc://reg", "p")
	defer func() { c.Close(); b.Close() }()

	ecA, ecB := "session-a", "session-b"

	// Channel keys and message-id keys live in disjoint spaces.
	core.AddRequestContext(comm.ChannelKey(c), ecA)
	core.AddRequestContext(comm.MessageKey(7), ecB)

	if got := core.RequestContext(comm.ChannelKey(c)); got != ecA {
		t.Errorf("RequestContext(channel): got %v, want %v", got, ecA)
	}
	if got := core.RequestContext(comm.MessageKey(7)); got != ecB {
		t.Errorf("RequestContext(message): got %v, want %v", got, ecB)
	}
	if got := core.RequestContext(comm.MessageKey(8)); got != nil {
		t.Errorf("RequestContext(unknown): got %v, want nil", got)
	}

	// The request and response registries are independent.
	if got := core.ResponseContext(comm.ChannelKey(c)); got != nil {
		t.Errorf("ResponseContext: got %v, want nil", got)
	}
	core.AddResponseContext(comm.ChannelKey(c), ecB)
	if got := core.ResponseContext(comm.ChannelKey(c)); got != ecB {
		t.Errorf("ResponseContext: got %v, want %v", got, ecB)
	}

	core.RemoveRequestContext(comm.ChannelKey(c))
	if got := core.RequestContext(comm.ChannelKey(c)); got != nil {
		t.Errorf("RequestContext after remove: got %v, want nil", got)
	}
	core.RemoveResponseContext(comm.ChannelKey(c))
}
