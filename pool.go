// Copyright (C) 2024 The Rill Authors. All Rights Reserved.

package comm

import "sync"

// channelPool caches reusable outbound channels per (location, protocol).
//
// The pool is a hint cache: correctness never depends on its contents, it
// only saves transport and security handshakes for chatty clients. At most
// one channel is cached per (location, protocol); a cached entry is idle
// (with a scheduled timeout handler) until checked out.
type channelPool struct {
	core *Core

	μ sync.Mutex
	// location URI → protocol name → persistent channel
	persistent map[string]map[string]*Channel
}

func newChannelPool(core *Core) *channelPool {
	return &channelPool{core: core, persistent: make(map[string]map[string]*Channel)}
}

func (p *channelPool) removeLocked(location, protocol string, byProtocol map[string]*Channel) {
	delete(byProtocol, protocol)
	if len(byProtocol) == 0 {
		delete(p.persistent, location)
	}
}

// removeChannelLocked evicts the entry for (location, protocol) only if it
// still holds c. A timeout handler uses this so a replaced entry is not
// evicted by the stale handler of its predecessor.
func (p *channelPool) removeChannelLocked(location, protocol string, c *Channel) {
	if byProtocol, ok := p.persistent[location]; ok {
		if byProtocol[protocol] == c {
			p.removeLocked(location, protocol, byProtocol)
		}
	}
}

// GetPersistent returns the cached channel for (location, protocol), or
// nil. A returned channel has been removed from the cache and its timeout
// handler cleared: the cache is single-use, and the caller owns the
// channel until it releases it again. A cached channel that is busy or no
// longer open is evicted without being closed; a concurrent user may still
// hold it.
func (p *channelPool) GetPersistent(location, protocol string) *Channel {
	p.μ.Lock()
	defer p.μ.Unlock()

	byProtocol, ok := p.persistent[location]
	if !ok {
		return nil
	}
	c, ok := byProtocol[protocol]
	if !ok {
		return nil
	}
	if !c.TryLock() {
		// Busy: the caller must build a fresh channel.
		p.removeLocked(location, protocol, byProtocol)
		coreMetrics.persistentDrops.Add(1)
		return nil
	}
	if !c.IsOpen() {
		p.removeLocked(location, protocol, byProtocol)
		c.Unlock()
		coreMetrics.persistentDrops.Add(1)
		return nil
	}
	p.removeLocked(location, protocol, byProtocol)
	// Make sure the channel cannot time out while checked out.
	c.SetTimeoutHandler(nil)
	c.Unlock()
	coreMetrics.persistentHits.Add(1)
	return c
}

// PutPersistent caches c for (location, protocol) and arms its idle
// timeout. Replacement overwrites without closing the prior entry: a
// caller holding the prior reference continues to own it.
func (p *channelPool) PutPersistent(location, protocol string, c *Channel) {
	p.μ.Lock()
	defer p.μ.Unlock()

	byProtocol, ok := p.persistent[location]
	if !ok {
		byProtocol = make(map[string]*Channel)
		p.persistent[location] = byProtocol
	}
	p.setTimeoutHandlerLocked(c, location, protocol)
	byProtocol[protocol] = c
}

// setTimeoutHandlerLocked arms the idle-eviction handler for c. When the
// handler fires it closes the channel only if it is still the channel's
// active handler: a channel checked out (handler cleared) or re-cached
// (handler replaced) in the meantime is left alone.
func (p *channelPool) setTimeoutHandlerLocked(c *Channel, location, protocol string) {
	var h *TimeoutHandler
	h = NewTimeoutHandler(p.core.rt.PersistentConnectionTimeout(), func() {
		p.μ.Lock()
		if c.TimeoutHandler() != h {
			p.μ.Unlock()
			return
		}
		p.removeChannelLocked(location, protocol, c)
		p.μ.Unlock()

		coreMetrics.persistentDrops.Add(1)
		c.SetTimeoutHandler(nil)
		if err := c.Close(); err != nil {
			p.core.logSevere("closing timed-out persistent channel", "channel", c.String(), "err", err)
		}
	})
	c.SetTimeoutHandler(h)
	p.core.rt.AddTimeoutHandler(h)
}

// Acquire returns a channel to location on behalf of out: a cached
// persistent channel when one is available, otherwise a fresh one from the
// transport factory.
func (p *channelPool) Acquire(out *OutputPort) (*Channel, error) {
	if c := p.GetPersistent(out.Location(), out.ProtocolName()); c != nil {
		return c, nil
	}
	return p.core.createChannel(out)
}

// Release returns c to the pool after use: open keep-alive channels are
// cached persistently, everything else is closed.
func (p *channelPool) Release(c *Channel) error {
	if !c.IsOpen() || c.ToBeClosed() {
		return c.Close()
	}
	p.PutPersistent(c.Location(), c.ProtocolName(), c)
	return nil
}
