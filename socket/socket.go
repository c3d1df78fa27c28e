// Package socket provides websocket-backed implementations of the
// parley.Transport interface: a pass-through transport for connections
// accepted by a server, a reconnecting transport for the dialing side, and
// an Acceptor that intercepts HTTP upgrade requests and hands the
// accept/reject decision to the embedding application.
//
// Frames are JSON text; binary frames are ignored. Both sides negotiate the
// parley.Subprotocol websocket subprotocol, and the reserved close code
// parley.CloseByServer tells a client not to reconnect.
package socket

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/parleyproto/parley"
)

// writeWait bounds the write of a close control frame during shutdown.
const writeWait = 5 * time.Second

// TransportOptions customize a websocket transport. A nil *TransportOptions
// is ready for use and provides defaults.
type TransportOptions struct {
	// Log receives transport diagnostics. If nil, slog.Default is used.
	Log *slog.Logger

	// ReadLimit caps the size of one inbound frame in bytes. Zero means no
	// ceiling. A frame over the limit is a read error and closes the
	// transport.
	ReadLimit int64

	// PingInterval enables keepalive pings on the accepting side. Zero
	// disables them.
	PingInterval time.Duration
}

func (o *TransportOptions) logger() *slog.Logger {
	if o == nil || o.Log == nil {
		return slog.Default()
	}
	return o.Log
}

func (o *TransportOptions) readLimit() int64 {
	if o == nil {
		return 0
	}
	return o.ReadLimit
}

func (o *TransportOptions) pingInterval() time.Duration {
	if o == nil {
		return 0
	}
	return o.PingInterval
}

// emitFrame decodes one inbound frame and forwards it to subscribers.
// Binary frames are ignored, undecodable frames are dropped with a warning,
// and decoded frames with no subscriber are dropped with a warning so that
// protocol drift does not go unnoticed.
func emitFrame(log *slog.Logger, mt int, raw []byte, msgs *parley.Event[parley.Message]) {
	if mt != websocket.TextMessage {
		log.Debug("ignoring binary frame", "bytes", len(raw))
		return
	}
	m, err := parley.ParseMessage(raw)
	if err != nil {
		log.Warn("dropping undecodable frame", "err", err)
		return
	}
	if !msgs.Active() {
		log.Warn("no subscribers for message, dropping", "message", m)
		return
	}
	msgs.Emit(log, m)
}
