package socket

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/gorilla/websocket"
	"github.com/parleyproto/parley"
	"github.com/parleyproto/parley/backoff"
)

// DialOptions customize a client transport. A nil *DialOptions is ready for
// use and provides defaults.
type DialOptions struct {
	// Log receives transport diagnostics. If nil, slog.Default is used.
	Log *slog.Logger

	// Retry is the backoff policy for one reconnect cycle. The zero value
	// selects backoff.Default.
	Retry backoff.Policy

	// Header is sent with every upgrade request.
	Header http.Header

	// TLSConfig configures the underlying socket for wss targets. It is
	// handed to the dialer unchanged.
	TLSConfig *tls.Config

	// HandshakeTimeout bounds one upgrade handshake. Zero selects the
	// dialer's default.
	HandshakeTimeout time.Duration

	// ReadLimit caps the size of one inbound frame in bytes. Zero means no
	// ceiling.
	ReadLimit int64
}

// A ClientTransport owns one websocket connection to an accepting server
// together with its reconnect orchestration. It implements parley.Transport
// and parley.StateNotifier.
//
// On construction it begins a backoff-driven attempt cycle. A connection
// that drops after having been open emits "disconnected" and starts a fresh
// cycle with a full schedule; an attempt that fails before opening emits
// "failed" and consumes the current cycle's schedule. Receiving the reserved
// close code parley.CloseByServer, exhausting a cycle, or calling Close is
// terminal: the transport closes and no further attempt is scheduled, even
// if a retry timer was already armed.
type ClientTransport struct {
	log       *slog.Logger
	url       string
	policy    backoff.Policy
	header    http.Header
	readLimit int64
	dialer    *websocket.Dialer

	sendMu sync.Mutex // serializes frame writes

	μ      sync.Mutex
	closed bool
	conn   *websocket.Conn    // nil while connecting
	op     *backoff.Operation // current reconnect cycle

	openEvent  parley.Event[struct{}]
	discEvent  parley.Event[struct{}]
	failEvent  parley.Event[int]
	closeEvent parley.Event[struct{}]
	msgEvent   parley.Event[parley.Message]
}

// Dial constructs a client transport for url (a ws or wss target) and starts
// connecting. It returns immediately; subscribe with OnOpen, OnFailed, and
// OnClose to observe the outcome.
func Dial(url string, opts *DialOptions) *ClientTransport {
	t := &ClientTransport{
		log:    slog.Default(),
		url:    url,
		policy: backoff.Default(),
		dialer: &websocket.Dialer{
			Proxy:        http.ProxyFromEnvironment,
			Subprotocols: []string{parley.Subprotocol},
		},
	}
	if opts != nil {
		if opts.Log != nil {
			t.log = opts.Log
		}
		if opts.Retry != (backoff.Policy{}) {
			t.policy = opts.Retry
		}
		t.header = opts.Header
		t.readLimit = opts.ReadLimit
		t.dialer.TLSClientConfig = opts.TLSConfig
		t.dialer.HandshakeTimeout = opts.HandshakeTimeout
	}
	t.log = t.log.With("url", url)

	go t.runCycle()
	return t
}

// Send implements part of the parley.Transport interface. It fails with
// ErrTransportClosed once the transport is closed, and with a not-connected
// error while a reconnect cycle is in progress.
func (t *ClientTransport) Send(m parley.Message) error {
	t.μ.Lock()
	if t.closed {
		t.μ.Unlock()
		return parley.ErrTransportClosed
	}
	conn := t.conn
	t.μ.Unlock()
	if conn == nil {
		return errors.New("websocket not connected")
	}

	raw, err := m.Encode()
	if err != nil {
		return err
	}
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// Close implements part of the parley.Transport interface. It is terminal:
// any armed retry timer is aborted and no further attempt will run.
func (t *ClientTransport) Close() {
	t.μ.Lock()
	if t.closed {
		t.μ.Unlock()
		return
	}
	t.closed = true
	conn, op := t.conn, t.op
	t.conn = nil
	t.μ.Unlock()

	if op != nil {
		op.Stop()
	}
	t.closeEvent.Emit(t.log, struct{}{})
	if conn != nil {
		conn.Close()
	}
}

// Closed implements part of the parley.Transport interface.
func (t *ClientTransport) Closed() bool {
	t.μ.Lock()
	defer t.μ.Unlock()
	return t.closed
}

// Connected reports whether the transport currently has an open connection.
func (t *ClientTransport) Connected() bool {
	t.μ.Lock()
	defer t.μ.Unlock()
	return t.conn != nil
}

// OnClose implements part of the parley.Transport interface.
func (t *ClientTransport) OnClose(fn func()) {
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
func (t *ClientTransport) OnMessage(fn func(parley.Message)) { t.msgEvent.Subscribe(fn) }

// OnOpen implements part of the parley.StateNotifier interface.
func (t *ClientTransport) OnOpen(fn func()) { t.openEvent.Subscribe(func(struct{}) { fn() }) }

// OnDisconnected implements part of the parley.StateNotifier interface.
func (t *ClientTransport) OnDisconnected(fn func()) {
	t.discEvent.Subscribe(func(struct{}) { fn() })
}

// OnFailed implements part of the parley.StateNotifier interface.
func (t *ClientTransport) OnFailed(fn func(attempt int)) { t.failEvent.Subscribe(fn) }

// runCycle starts one reconnect cycle with a fresh schedule.
func (t *ClientTransport) runCycle() {
	op := backoff.NewOperation(t.policy)
	t.μ.Lock()
	if t.closed {
		t.μ.Unlock()
		return
	}
	t.op = op
	t.μ.Unlock()

	op.Attempt(func(attempt int) { t.connect(op, attempt) })
}

// connect runs one attempt of the current cycle. It is invoked by the
// operation, first inline and then from retry timers, so it must re-check
// the closed flag before doing anything.
func (t *ClientTransport) connect(op *backoff.Operation, attempt int) {
	if t.Closed() {
		op.Stop()
		return
	}
	t.log.Debug("connecting", "attempt", attempt)

	conn, _, err := t.dialer.Dial(t.url, t.header)
	if err != nil {
		if t.Closed() {
			return
		}
		t.failEvent.Emit(t.log, attempt)
		if t.Closed() {
			return
		}
		if !op.Retry(err) {
			t.log.Warn("connect attempts exhausted", "attempts", op.Attempts(), "err", op.MainError())
			t.Close()
		}
		return
	}

	t.μ.Lock()
	if t.closed {
		t.μ.Unlock()
		conn.Close()
		return
	}
	if t.readLimit > 0 {
		conn.SetReadLimit(t.readLimit)
	}
	t.conn = conn
	t.μ.Unlock()

	t.log.Debug("connected", "attempt", attempt)
	t.openEvent.Emit(t.log, struct{}{})
	taskgroup.Go(func() error { t.readLoop(conn, op); return nil })
}

func (t *ClientTransport) readLoop(conn *websocket.Conn, op *backoff.Operation) {
	for {
		mt, raw, err := conn.ReadMessage()
		if err != nil {
			t.handleDrop(conn, op, err)
			return
		}
		emitFrame(t.log, mt, raw, &t.msgEvent)
	}
}

// handleDrop reacts to the loss of an open connection: terminal close for
// the reserved server close code, otherwise a disconnect followed by a
// fresh reconnect cycle.
func (t *ClientTransport) handleDrop(conn *websocket.Conn, op *backoff.Operation, err error) {
	conn.Close()

	t.μ.Lock()
	if t.closed {
		t.μ.Unlock()
		return
	}
	if t.conn == conn {
		t.conn = nil
	}
	t.μ.Unlock()

	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code == parley.CloseByServer {
		t.log.Info("closed by server, not reconnecting", "reason", ce.Text)
		t.Close()
		return
	}

	t.log.Warn("connection dropped", "err", err)
	op.Stop()
	t.discEvent.Emit(t.log, struct{}{})
	if t.Closed() {
		return
	}
	go t.runCycle()
}
