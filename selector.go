// Copyright (C) 2024 The Rill Authors. All Rights Reserved.

package comm

import (
	"sync"
	"time"
)

// retryInterval is how long a reactor waits before re-offering a ready
// channel whose mutex it could not take. The channel's owner is usually
// consuming the data itself, so the retry almost never fires twice.
const retryInterval = time.Millisecond

// A selector is one readiness reactor. Channels are assigned to reactors
// round-robin; each reactor waits for its channels to become readable,
// steals the channel mutex, and hands the channel to the handler executor.
//
// Go exposes no portable selector API, and its netpoller makes blocking
// reads cheap, so readiness is observed by one-shot monitor goroutines
// that block in the endpoint's WaitReadable and post an event to the
// reactor. Everything else follows the classic loop: snapshot the ready
// set under the selecting mutex, try-lock each channel, cancel its
// registration on success, enqueue a task, drain newly ready events before
// running tasks outside the mutex.
type selector struct {
	core  *Core
	index int

	μ          sync.Mutex // the selecting mutex; guards registered
	registered map[*Channel]bool

	qμ    sync.Mutex
	queue []*Channel    // ready events not yet examined
	wake  chan struct{} // 1-buffered wakeup signal
}

func newSelector(core *Core, index int) *selector {
	return &selector{
		core:       core,
		index:      index,
		registered: make(map[*Channel]bool),
		wake:       make(chan struct{}, 1),
	}
}

// post enqueues a readiness event and wakes the reactor.
func (s *selector) post(c *Channel) {
	s.qμ.Lock()
	s.queue = append(s.queue, c)
	s.qμ.Unlock()
	s.wakeup()
}

func (s *selector) wakeup() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// takeReady removes and returns the pending ready events.
func (s *selector) takeReady() []*Channel {
	s.qμ.Lock()
	defer s.qμ.Unlock()
	batch := s.queue
	s.queue = nil
	return batch
}

// run is the reactor loop. It exits when the core goes inactive, closing
// any channels still registered.
func (s *selector) run() error {
	for s.core.isActive() {
		<-s.wake // select(): block until something is ready or we are woken

		var tasks []func()
		for {
			batch := s.takeReady()
			if len(batch) == 0 {
				break
			}
			s.μ.Lock()
			for _, c := range batch {
				if !s.registered[c] {
					continue // cancelled while the event was in flight
				}
				if c.TryLock() {
					delete(s.registered, c)
					c.setSelectorIndex(-1)
					tasks = append(tasks, s.receiveTask(c))
				} else {
					// Leave the readiness pending; it re-fires shortly.
					s.retry(c)
				}
			}
			s.μ.Unlock()
			// Drain events that arrived while we were scanning, so a burst
			// cannot starve behind the task queue.
		}
		for _, task := range tasks {
			task()
		}
	}

	s.μ.Lock()
	defer s.μ.Unlock()
	for c := range s.registered {
		if err := c.Close(); err != nil {
			s.core.logWarning("closing selected channel at shutdown", "channel", c.String(), "err", err)
		}
	}
	s.registered = make(map[*Channel]bool)
	return nil
}

// receiveTask returns the deferred work for a stolen channel: re-check
// that it is still open, then hand it to the handler executor. The task
// releases the channel mutex on all exit paths.
func (s *selector) receiveTask(c *Channel) func() {
	return func() {
		defer c.Unlock()
		if c.IsOpen() {
			s.core.ScheduleReceive(c, c.ParentInputPort())
		} else if err := c.Close(); err != nil {
			s.core.logWarning("closing dead channel", "channel", c.String(), "err", err)
		}
	}
}

// retry re-offers a ready channel whose lock was held, after a short
// delay. Called with the selecting mutex held.
func (s *selector) retry(c *Channel) {
	time.AfterFunc(retryInterval, func() { s.post(c) })
}

// register attaches c to this reactor and starts a one-shot readiness
// monitor for it. If the endpoint already has buffered data the reactor is
// bypassed and the channel goes straight to the executor.
func (s *selector) register(c *Channel, sel Selectable) {
	if sel.Buffered() > 0 {
		s.core.ScheduleReceive(c, c.ParentInputPort())
		return
	}

	s.μ.Lock()
	if s.registered[c] {
		s.μ.Unlock()
		return
	}
	s.registered[c] = true
	c.setSelectorIndex(s.index)
	s.μ.Unlock()

	s.core.tasks.Go(func() error {
		// Readiness monitor: blocks until data is buffered or the endpoint
		// fails. Failures post too; the reactor task observes the closed
		// channel and disposes of it.
		_ = sel.WaitReadable()
		s.post(c)
		return nil
	})
	s.wakeup()
}

// unregister cancels the registration of c, if any. The monitor's posted
// event, if it still arrives, is dropped by the membership check.
func (s *selector) unregister(c *Channel) {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.registered[c] {
		delete(s.registered, c)
		c.setSelectorIndex(-1)
		s.wakeup()
	}
}
