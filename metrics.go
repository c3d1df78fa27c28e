package parley

import "expvar"

// peerMetrics record peer activity counters.
type peerMetrics struct {
	requestsOut     expvar.Int // outbound requests sent
	requestsOutErr  expvar.Int // outbound requests resolved with an error
	requestsIn      expvar.Int // inbound requests received
	requestsInErr   expvar.Int // inbound requests rejected or failed
	requestsPending expvar.Int // outbound requests awaiting a response
	requestTimeouts expvar.Int // outbound requests that timed out
	notesOut        expvar.Int // notifications sent
	notesIn         expvar.Int // notifications received
	responsesOrphan expvar.Int // responses with no matching pending request

	emap *expvar.Map
}

var rootMetrics = newPeerMetrics()

func newPeerMetrics() *peerMetrics {
	pm := &peerMetrics{emap: new(expvar.Map)}
	pm.emap.Set("requests_out", &pm.requestsOut)
	pm.emap.Set("requests_out_failed", &pm.requestsOutErr)
	pm.emap.Set("requests_in", &pm.requestsIn)
	pm.emap.Set("requests_in_failed", &pm.requestsInErr)
	pm.emap.Set("requests_pending", &pm.requestsPending)
	pm.emap.Set("request_timeouts", &pm.requestTimeouts)
	pm.emap.Set("notifications_out", &pm.notesOut)
	pm.emap.Set("notifications_in", &pm.notesIn)
	pm.emap.Set("responses_unmatched", &pm.responsesOrphan)
	return pm
}
