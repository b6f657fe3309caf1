// Copyright (C) 2024 The Rill Authors. All Rights Reserved.

package comm

import "sync"

// A RegistryKey identifies the originator of a message: either a channel
// (for channel-correlated traffic) or a message id (for id-correlated
// traffic). The two key spaces are disjoint; the zero key is invalid.
type RegistryKey struct {
	ch *Channel
	id uint64
}

// ChannelKey returns the registry key for a channel.
func ChannelKey(c *Channel) RegistryKey { return RegistryKey{ch: c} }

// MessageKey returns the registry key for a message id.
func MessageKey(id uint64) RegistryKey { return RegistryKey{id: id} }

// contextRegistry maps originators to their execution contexts, so that
// when a response is decoded on an arbitrary reactor goroutine the
// originating session can be restored. The core keeps two: one for the
// request side and one for the response side.
type contextRegistry struct {
	μ sync.Mutex
	m map[RegistryKey]ExecutionContext
}

func newContextRegistry() *contextRegistry {
	return &contextRegistry{m: make(map[RegistryKey]ExecutionContext)}
}

// Add records the execution context for key, replacing any previous entry.
func (r *contextRegistry) Add(key RegistryKey, ec ExecutionContext) {
	r.μ.Lock()
	defer r.μ.Unlock()
	r.m[key] = ec
}

// Get returns the execution context recorded for key, or nil.
func (r *contextRegistry) Get(key RegistryKey) ExecutionContext {
	r.μ.Lock()
	defer r.μ.Unlock()
	return r.m[key]
}

// Remove deletes the entry for key.
func (r *contextRegistry) Remove(key RegistryKey) {
	r.μ.Lock()
	defer r.μ.Unlock()
	delete(r.m, key)
}
