// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package tether

import "expvar"

// linkMetrics record per-connector activity counters. Each connector owns
// its own set; nothing is shared process-wide.
type linkMetrics struct {
	framesSent     expvar.Int
	framesReceived expvar.Int
	sendErrors     expvar.Int
	dialAttempts   expvar.Int // outbound attempts, successful or not
	winsAccept     expvar.Int // establishment races won by the inbound accept
	winsDial       expvar.Int // establishment races won by the outbound dial
	linksLost      expvar.Int

	emap *expvar.Map
}

func newLinkMetrics() *linkMetrics {
	lm := &linkMetrics{emap: new(expvar.Map)}
	lm.emap.Set("frames_sent", &lm.framesSent)
	lm.emap.Set("frames_received", &lm.framesReceived)
	lm.emap.Set("send_errors", &lm.sendErrors)
	lm.emap.Set("dial_attempts", &lm.dialAttempts)
	lm.emap.Set("wins_accept", &lm.winsAccept)
	lm.emap.Set("wins_dial", &lm.winsDial)
	lm.emap.Set("links_lost", &lm.linksLost)
	return lm
}
