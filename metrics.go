// Copyright (C) 2024 The Rill Authors. All Rights Reserved.

package comm

import "expvar"

// metrics record communication activity counters.
type metrics struct {
	channelsOpened  expvar.Int
	channelsClosed  expvar.Int
	connectionsOut  expvar.Int // number of outbound transport connections dialed
	messagesRecv    expvar.Int
	messagesSent    expvar.Int
	faultsSent      expvar.Int // fault replies produced by the dispatcher
	redirections    expvar.Int // messages routed to a redirection target
	handlersActive  expvar.Int // gauge
	handlersRun     expvar.Int
	persistentHits  expvar.Int // persistent channels reused from the cache
	persistentDrops expvar.Int // persistent entries evicted (timeout, contention, closure)
	orphanResponses expvar.Int // responses discarded for want of a registration

	emap *expvar.Map
}

var coreMetrics = newMetrics()

func newMetrics() *metrics {
	m := &metrics{emap: new(expvar.Map)}
	m.emap.Set("channels_opened", &m.channelsOpened)
	m.emap.Set("channels_closed", &m.channelsClosed)
	m.emap.Set("connections_dialed", &m.connectionsOut)
	m.emap.Set("messages_received", &m.messagesRecv)
	m.emap.Set("messages_sent", &m.messagesSent)
	m.emap.Set("faults_sent", &m.faultsSent)
	m.emap.Set("redirections", &m.redirections)
	m.emap.Set("handlers_active", &m.handlersActive)
	m.emap.Set("handlers_run", &m.handlersRun)
	m.emap.Set("persistent_hits", &m.persistentHits)
	m.emap.Set("persistent_evictions", &m.persistentDrops)
	m.emap.Set("responses_orphaned", &m.orphanResponses)
	return m
}
