package parley

// Subprotocol is the websocket subprotocol negotiated by the transports in
// the socket subpackage. The accepting side rejects upgrade requests that do
// not offer it.
const Subprotocol = "parley"

// CloseByServer is the reserved websocket close code meaning "closed
// intentionally by the accepting side". A client transport that observes this
// code must not attempt to reconnect. All other close codes are retryable.
const CloseByServer = 4000

// A Transport adapts one physical bidirectional socket into a stream of
// decoded messages and back. Implementations must be safe for concurrent use.
//
// Incoming frames that fail to decode are dropped with a logged warning, as
// are frames that arrive while no message subscriber is registered. Binary
// frames are ignored; the protocol is text only.
type Transport interface {
	// Send encodes and writes m. It reports ErrTransportClosed if the
	// transport has already closed; a write failure is propagated to the
	// caller.
	Send(m Message) error

	// Close marks the transport closed, notifies close subscribers, and
	// releases the socket. Close is idempotent; once closed a transport never
	// reopens.
	Close()

	// Closed reports whether the transport has closed.
	Closed() bool

	// OnClose registers fn to run when the transport closes. If the transport
	// is already closed, fn runs immediately.
	OnClose(fn func())

	// OnMessage registers fn to receive decoded inbound messages.
	OnMessage(fn func(Message))
}

// A StateNotifier is implemented by transports that move through connection
// lifecycle states, such as the reconnecting client transport in the socket
// subpackage. A Peer constructed over a StateNotifier re-exports these
// events.
type StateNotifier interface {
	// OnOpen registers fn to run each time a connection reaches the open
	// state, including after a reconnect.
	OnOpen(fn func())

	// OnDisconnected registers fn to run when a previously open connection
	// drops and a reconnect cycle begins.
	OnDisconnected(fn func())

	// OnFailed registers fn to run when a connection attempt fails before
	// reaching the open state. The argument is the attempt number within the
	// current reconnect cycle.
	OnFailed(fn func(attempt int))
}
