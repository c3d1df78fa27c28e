package socket

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/parleyproto/parley"
	"golang.org/x/time/rate"
)

// AcceptorOptions customize an Acceptor. A nil *AcceptorOptions is ready for
// use and provides defaults.
type AcceptorOptions struct {
	// Log receives acceptor diagnostics. If nil, slog.Default is used.
	Log *slog.Logger

	// Transport is applied to transports produced by Accept.
	Transport *TransportOptions

	// UpgradeRate caps accepted upgrades per second, with UpgradeBurst as
	// the burst size (minimum 1). Zero means unlimited.
	UpgradeRate  rate.Limit
	UpgradeBurst int

	// CheckOrigin overrides the origin policy. The default accepts any
	// origin; the protocol is authenticated at the application layer.
	CheckOrigin func(*http.Request) bool
}

// An Acceptor intercepts websocket upgrade requests and delegates the
// accept/reject decision to the registered connection listener. Requests
// that do not offer the parley subprotocol are rejected with HTTP 403;
// requests arriving while no listener is registered are rejected with 500.
//
// An Acceptor is an http.Handler and is bound to a route by the embedding
// server.
type Acceptor struct {
	log      *slog.Logger
	topts    *TransportOptions
	upgrader websocket.Upgrader
	limiter  *rate.Limiter

	μ      sync.Mutex
	onConn func(*ConnRequest)
}

// NewAcceptor constructs an Acceptor.
func NewAcceptor(opts *AcceptorOptions) *Acceptor {
	a := &Acceptor{log: slog.Default()}
	checkOrigin := func(*http.Request) bool { return true }
	if opts != nil {
		if opts.Log != nil {
			a.log = opts.Log
		}
		a.topts = opts.Transport
		if opts.UpgradeRate > 0 {
			a.limiter = rate.NewLimiter(opts.UpgradeRate, max(opts.UpgradeBurst, 1))
		}
		if opts.CheckOrigin != nil {
			checkOrigin = opts.CheckOrigin
		}
	}
	a.upgrader = websocket.Upgrader{
		Subprotocols: []string{parley.Subprotocol},
		CheckOrigin:  checkOrigin,
	}
	return a
}

// HandleConnection registers the connection listener. The listener runs
// synchronously with the upgrade request and must call exactly one of
// Accept or Reject on the request it receives; if it panics before replying,
// the request is rejected with 500.
func (a *Acceptor) HandleConnection(fn func(*ConnRequest)) {
	a.μ.Lock()
	defer a.μ.Unlock()
	a.onConn = fn
}

// ServeHTTP implements http.Handler.
func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !slices.Contains(websocket.Subprotocols(r), parley.Subprotocol) {
		a.log.Warn("rejecting upgrade: invalid or missing subprotocol", "remote", r.RemoteAddr)
		http.Error(w, "invalid or missing websocket subprotocol", http.StatusForbidden)
		return
	}

	a.μ.Lock()
	fn := a.onConn
	a.μ.Unlock()
	if fn == nil {
		a.log.Error("no connection listener registered, rejecting upgrade", "remote", r.RemoteAddr)
		http.Error(w, "no connection listener registered", http.StatusInternalServerError)
		return
	}

	if a.limiter != nil && !a.limiter.Allow() {
		a.log.Warn("rejecting upgrade: rate limit", "remote", r.RemoteAddr)
		http.Error(w, "too many connection attempts", http.StatusServiceUnavailable)
		return
	}

	cr := &ConnRequest{Request: r, a: a, w: w}
	func() {
		defer func() {
			if x := recover(); x != nil {
				a.log.Error("connection listener panicked (recovered)", "panic", x)
				cr.Reject(http.StatusInternalServerError, fmt.Sprint(x))
			}
		}()
		fn(cr)
	}()
}

// A ConnRequest is one pending upgrade request. Exactly one of Accept or
// Reject must be called, from the listener's own goroutine.
type ConnRequest struct {
	// Request is the underlying upgrade request; its URL query carries the
	// connection's identity parameters, which the acceptor itself never
	// interprets.
	Request *http.Request

	a       *Acceptor
	w       http.ResponseWriter
	replied bool
}

// Accept upgrades the connection and returns its transport.
func (c *ConnRequest) Accept() (*ServerTransport, error) {
	if c.replied {
		c.a.log.Warn("cannot accept, connection request already replied")
		return nil, errors.New("connection request already replied")
	}
	c.replied = true

	conn, err := c.a.upgrader.Upgrade(c.w, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		return nil, err
	}
	return NewServerTransport(conn, c.a.topts), nil
}

// Reject refuses the connection with an HTTP status code and reason. A zero
// code defaults to 403.
func (c *ConnRequest) Reject(code int, reason string) {
	if c.replied {
		c.a.log.Warn("cannot reject, connection request already replied")
		return
	}
	c.replied = true

	if code == 0 {
		code = http.StatusForbidden
	}
	if reason == "" {
		reason = "rejected"
	}
	c.a.log.Debug("upgrade rejected", "code", code, "reason", reason)
	http.Error(c.w, reason, code)
}
