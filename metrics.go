// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package homa

import "expvar"

// metrics record transport activity counters.
type metrics struct {
	packetRecv    expvar.Int
	packetSent    expvar.Int
	packetDropped expvar.Int // received and discarded (malformed or unwanted)
	duplicates    expvar.Int // DATA segments fully covered by earlier arrivals

	resendSent expvar.Int
	resendRecv expvar.Int
	grantSent  expvar.Int
	grantRecv  expvar.Int
	ackSent    expvar.Int
	ackRecv    expvar.Int
	busySent   expvar.Int
	unknownOut expvar.Int // RPC_UNKNOWN packets emitted

	clientRPCs expvar.Int // client RPCs created
	serverRPCs expvar.Int // server RPCs created
	completed  expvar.Int // messages delivered to the user
	timeouts   expvar.Int // RPCs ended with ErrTimeout
	reapedSkbs expvar.Int // dead packet buffers released by the timer
	noBuffers  expvar.Int // DATA segments dropped for lack of bpages

	emap *expvar.Map
}

func newMetrics() *metrics {
	m := &metrics{emap: new(expvar.Map)}
	m.emap.Set("packets_received", &m.packetRecv)
	m.emap.Set("packets_sent", &m.packetSent)
	m.emap.Set("packets_dropped", &m.packetDropped)
	m.emap.Set("duplicate_segments", &m.duplicates)
	m.emap.Set("resends_sent", &m.resendSent)
	m.emap.Set("resends_received", &m.resendRecv)
	m.emap.Set("grants_sent", &m.grantSent)
	m.emap.Set("grants_received", &m.grantRecv)
	m.emap.Set("acks_sent", &m.ackSent)
	m.emap.Set("acks_received", &m.ackRecv)
	m.emap.Set("busy_sent", &m.busySent)
	m.emap.Set("rpc_unknown_sent", &m.unknownOut)
	m.emap.Set("client_rpcs", &m.clientRPCs)
	m.emap.Set("server_rpcs", &m.serverRPCs)
	m.emap.Set("messages_delivered", &m.completed)
	m.emap.Set("rpc_timeouts", &m.timeouts)
	m.emap.Set("dead_buffers_reaped", &m.reapedSkbs)
	m.emap.Set("segments_dropped_no_buffers", &m.noBuffers)
	return m
}
