// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package xdm

import "expvar"

// managerMetrics record channel activity counters.
type managerMetrics struct {
	msgRecv     expvar.Int
	msgSent     expvar.Int
	msgDropped  expvar.Int // unparseable or unclaimed
	callIn      expvar.Int // number of inbound requests dispatched
	callInErr   expvar.Int // number of inbound requests answered with an error
	callOut     expvar.Int // number of outbound calls initiated
	callOutErr  expvar.Int // number of outbound calls reporting an error
	handshakes  expvar.Int // number of channels that pinned an origin
	callActive  expvar.Int // inbound
	callPending expvar.Int // outbound

	emap *expvar.Map
}

var rootMetrics = newManagerMetrics()

func newManagerMetrics() *managerMetrics {
	mm := &managerMetrics{emap: new(expvar.Map)}
	mm.emap.Set("messages_received", &mm.msgRecv)
	mm.emap.Set("messages_sent", &mm.msgSent)
	mm.emap.Set("messages_dropped", &mm.msgDropped)
	mm.emap.Set("calls_in", &mm.callIn)
	mm.emap.Set("calls_in_failed", &mm.callInErr)
	mm.emap.Set("calls_active", &mm.callActive)
	mm.emap.Set("calls_out", &mm.callOut)
	mm.emap.Set("calls_out_failed", &mm.callOutErr)
	mm.emap.Set("calls_pending", &mm.callPending)
	mm.emap.Set("handshakes", &mm.handshakes)
	return mm
}
