// Package parley implements the signaling layer for real-time collaborative
// sessions: a correlated request/response/notification protocol carried as
// JSON text frames over a long-lived bidirectional socket, plus the peer and
// room bookkeeping needed to keep per-session registries consistent under
// concurrent joins, reconnects, and abrupt socket failure.
//
// # Messages
//
// The wire protocol has three message shapes, distinguished by a marker field
// in the JSON object:
//
//	Request:      {"request":true,  "id":N, "method":"...", "data":{...}}
//	Response:     {"response":true, "id":N, "ok":true,  "data":{...}}
//	              {"response":true, "id":N, "ok":false, "errorCode":C, "errorReason":"..."}
//	Notification: {"notification":true, "method":"...", "data":{...}}
//
// A Response carries the id of the Request it answers. [ParseMessage] decodes
// a raw frame and rejects malformed input; transports drop undecodable frames
// with a logged warning rather than surfacing them to the application.
//
// # Transports and Peers
//
// A [Transport] adapts one physical socket into a stream of decoded messages.
// The socket subpackage provides websocket-backed implementations for both
// the accepting and the dialing side; [Pipe] provides an in-memory pair for
// tests and in-process wiring.
//
// A [Peer] sits on top of one transport and implements the RPC contract:
// [Peer.Request] assigns a correlation id, tracks the call in a pending
// table, and resolves it when the matching response arrives, the deadline
// passes, or the peer closes. Inbound requests are delivered to the handler
// registered with [Peer.HandleRequest] together with an accept/reject
// continuation pair; the handler must invoke exactly one of the two.
//
// # Rooms
//
// A [Room] owns the set of live peers for one logical session and enforces
// one live peer per identity: creating a peer for an identity that is already
// present closes and evicts the stale entry first. Serializing conflicting
// join attempts is the job of the taskqueue subpackage; the session
// subpackage composes the two into a room directory.
package parley
