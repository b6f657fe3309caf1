// Copyright (C) 2024 The Rill Authors. All Rights Reserved.

package comm

import (
	"fmt"
	"sync"
)

// poller periodically probes channels whose transports expose neither
// readiness notification nor blocking reads. Ready channels are removed
// from the set and handed to the handler executor; an empty set parks the
// loop on a condition variable until the next registration.
type poller struct {
	core *Core

	μ        sync.Mutex
	cond     *sync.Cond
	channels map[*Channel]Pollable
}

func newPoller(core *Core) *poller {
	p := &poller{core: core, channels: make(map[*Channel]Pollable)}
	p.cond = sync.NewCond(&p.μ)
	return p
}

// Register adds c to the polling set. The channel's endpoint must be
// Pollable.
func (p *poller) Register(c *Channel) error {
	impl, ok := c.Endpoint().(Pollable)
	if !ok {
		return fmt.Errorf("channel %d: endpoint %T is not pollable", c.ID(), c.Endpoint())
	}
	p.μ.Lock()
	defer p.μ.Unlock()
	p.channels[c] = impl
	if len(p.channels) == 1 { // set was empty
		p.cond.Signal()
	}
	return nil
}

// run probes the registered channels every poll interval until the core
// goes inactive, then closes whatever is left in the set.
func (p *poller) run() error {
	interval := p.core.opts.PollInterval
	for p.core.isActive() {
		p.μ.Lock()
		for len(p.channels) == 0 && p.core.isActive() {
			// Do not busy-wait for no reason.
			p.cond.Wait()
		}
		for c, impl := range p.channels {
			ready, err := impl.IsReady()
			if err != nil {
				delete(p.channels, c)
				p.core.logWarning("polling channel", "channel", c.String(), "err", err)
				continue
			}
			if ready {
				delete(p.channels, c)
				p.core.ScheduleReceive(c, c.ParentInputPort())
			}
		}
		p.μ.Unlock()
		p.core.sleep(interval)
	}

	p.μ.Lock()
	defer p.μ.Unlock()
	for c := range p.channels {
		if err := c.Close(); err != nil {
			p.core.logWarning("closing polled channel at shutdown", "channel", c.String(), "err", err)
		}
	}
	p.channels = make(map[*Channel]Pollable)
	return nil
}

// stop unparks a loop waiting on an empty set so it can observe the
// inactive core and exit.
func (p *poller) stop() {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.cond.Broadcast()
}
