package socket

import (
	"log/slog"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/gorilla/websocket"
	"github.com/parleyproto/parley"
)

// A ServerTransport adapts one accepted websocket connection. It is a pure
// pass-through: no retry, no reconnection. It implements parley.Transport.
type ServerTransport struct {
	log  *slog.Logger
	conn *websocket.Conn
	ping time.Duration
	done chan struct{}

	sendMu sync.Mutex // serializes frame writes

	μ      sync.Mutex
	closed bool

	closeEvent parley.Event[struct{}]
	msgEvent   parley.Event[parley.Message]
}

// NewServerTransport wraps conn, which must be an accepted server-side
// connection, and starts its service routines. The transport owns conn from
// this point on.
func NewServerTransport(conn *websocket.Conn, opts *TransportOptions) *ServerTransport {
	t := &ServerTransport{
		log:  opts.logger().With("remote", conn.RemoteAddr().String()),
		conn: conn,
		ping: opts.pingInterval(),
		done: make(chan struct{}),
	}
	if limit := opts.readLimit(); limit > 0 {
		conn.SetReadLimit(limit)
	}
	if t.ping > 0 {
		// Expect traffic (or a pong) within two intervals, or give the
		// connection up for dead.
		conn.SetReadDeadline(time.Now().Add(2 * t.ping))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(2 * t.ping))
		})
		taskgroup.Go(func() error { t.pingLoop(); return nil })
	}
	taskgroup.Go(func() error { t.readLoop(); return nil })
	return t
}

// Send implements part of the parley.Transport interface.
func (t *ServerTransport) Send(m parley.Message) error {
	if t.Closed() {
		return parley.ErrTransportClosed
	}
	raw, err := m.Encode()
	if err != nil {
		return err
	}
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, raw)
}

// Close implements part of the parley.Transport interface. It notifies close
// subscribers, sends the reserved "closed by server" close code so the
// remote side does not reconnect, and releases the socket.
func (t *ServerTransport) Close() {
	t.μ.Lock()
	if t.closed {
		t.μ.Unlock()
		return
	}
	t.closed = true
	t.μ.Unlock()

	close(t.done)
	t.closeEvent.Emit(t.log, struct{}{})

	msg := websocket.FormatCloseMessage(parley.CloseByServer, "closed by server")
	if err := t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		t.log.Debug("close handshake failed", "err", err)
	}
	t.conn.Close()
}

// Closed implements part of the parley.Transport interface.
func (t *ServerTransport) Closed() bool {
	t.μ.Lock()
	defer t.μ.Unlock()
	return t.closed
}

// OnClose implements part of the parley.Transport interface.
func (t *ServerTransport) OnClose(fn func()) {
	t.μ.Lock()
	closed := t.closed
	if !closed {
		t.closeEvent.Subscribe(func(struct{}) { fn() })
	}
	t.μ.Unlock()
	if closed {
		fn()
	}
}

// OnMessage implements part of the parley.Transport interface.
func (t *ServerTransport) OnMessage(fn func(parley.Message)) { t.msgEvent.Subscribe(fn) }

func (t *ServerTransport) readLoop() {
	for {
		mt, raw, err := t.conn.ReadMessage()
		if err != nil {
			if !t.Closed() {
				t.log.Debug("connection closed", "err", err)
			}
			t.Close()
			return
		}
		emitFrame(t.log, mt, raw, &t.msgEvent)
	}
}

func (t *ServerTransport) pingLoop() {
	tick := time.NewTicker(t.ping)
	defer tick.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-tick.C:
			err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			if err != nil {
				return // the read loop will observe the failure
			}
		}
	}
}
