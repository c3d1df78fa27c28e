package parley

import (
	"context"
	"expvar"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTimeoutUnit is the base unit of the load-scaled request deadline.
// The deadline for one request is unit * (15 + 0.1 * pending), so with the
// default unit an idle peer allows 30 seconds per request and the budget
// grows as more requests are in flight.
const DefaultTimeoutUnit = 2 * time.Second

// A RequestHandler services one inbound request. It must call exactly one of
// accept or reject; calling neither leaves the remote caller waiting until
// its deadline. If the handler panics before replying, the peer responds on
// its behalf with code 500 and the stringified panic value.
//
// Handlers run on their own goroutine and may issue requests back to the
// remote peer.
type RequestHandler func(req *Request, accept func(data map[string]any), reject func(code int, reason string))

// PeerOptions customize a Peer. A nil *PeerOptions is ready for use and
// provides defaults.
type PeerOptions struct {
	// Log receives peer diagnostics. If nil, slog.Default is used.
	Log *slog.Logger

	// TimeoutUnit is the base unit of the request deadline. If zero,
	// DefaultTimeoutUnit is used.
	TimeoutUnit time.Duration
}

func (o *PeerOptions) logger() *slog.Logger {
	if o == nil || o.Log == nil {
		return slog.Default()
	}
	return o.Log
}

func (o *PeerOptions) timeoutUnit() time.Duration {
	if o == nil || o.TimeoutUnit <= 0 {
		return DefaultTimeoutUnit
	}
	return o.TimeoutUnit
}

// A Peer is the RPC endpoint for one logical remote party, wrapping exactly
// one Transport. It assigns correlation ids to outbound requests, times out
// unanswered requests, and routes inbound requests and notifications to the
// registered handlers.
//
// Closing a peer is idempotent: it closes the owned transport, fails every
// still-pending request with ErrPeerClosed, and notifies close subscribers.
// A peer also closes when its transport closes.
type Peer struct {
	id   string
	tr   Transport
	sn   StateNotifier // tr, if it reports lifecycle states
	log  *slog.Logger
	unit time.Duration
	data map[string]any

	μ       sync.Mutex
	closed  bool
	sents   map[uint32]*sentRequest
	handler RequestHandler

	closeEvent Event[struct{}]
	noteEvent  Event[*Notification]
}

// sentRequest tracks one outstanding outbound request.
type sentRequest struct {
	method string
	timer  *time.Timer
	ch     chan sentResult // capacity 1; receives the single settlement
}

type sentResult struct {
	data map[string]any
	err  error
}

// NewPeer constructs a peer with the given identity over tr. The identity is
// assigned by the accepting side and is stable across transport replacement.
// If tr is already closed, the returned peer is closed as well.
func NewPeer(id string, tr Transport, opts *PeerOptions) *Peer {
	p := &Peer{
		id:    id,
		tr:    tr,
		log:   opts.logger().With("peer", id),
		unit:  opts.timeoutUnit(),
		data:  map[string]any{},
		sents: make(map[uint32]*sentRequest),
	}
	p.sn, _ = tr.(StateNotifier)

	tr.OnMessage(p.handleMessage)
	tr.OnClose(p.Close)
	return p
}

// ID reports the stable identity of the remote party.
func (p *Peer) ID() string { return p.id }

// Closed reports whether the peer has closed.
func (p *Peer) Closed() bool {
	p.μ.Lock()
	defer p.μ.Unlock()
	return p.closed
}

// Data returns the peer's attachment map. The map is owned by the embedding
// application: the peer never reads or interprets its contents, and the
// application is responsible for any synchronization of its own access.
func (p *Peer) Data() map[string]any { return p.data }

// Metrics returns the metrics map shared by all peers. It is safe for the
// caller to add additional metrics to the map.
func (p *Peer) Metrics() *expvar.Map { return rootMetrics.emap }

// HandleRequest registers the handler for inbound requests. Passing nil
// removes the handler; inbound requests received while no handler is
// registered are rejected with code 500.
func (p *Peer) HandleRequest(fn RequestHandler) {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.handler = fn
}

// OnNotification registers fn to receive inbound notifications.
func (p *Peer) OnNotification(fn func(*Notification)) { p.noteEvent.Subscribe(fn) }

// OnClose registers fn to run when the peer closes. If the peer is already
// closed, fn runs immediately.
func (p *Peer) OnClose(fn func()) {
	p.μ.Lock()
	closed := p.closed
	if !closed {
		p.closeEvent.Subscribe(func(struct{}) { fn() })
	}
	p.μ.Unlock()
	if closed {
		fn()
	}
}

// OnOpen registers fn to run when the underlying transport (re)connects. It
// is a no-op unless the transport reports lifecycle states.
func (p *Peer) OnOpen(fn func()) {
	if p.sn != nil {
		p.sn.OnOpen(func() {
			if !p.Closed() {
				fn()
			}
		})
	}
}

// OnDisconnected registers fn to run when the underlying transport drops and
// begins reconnecting. It is a no-op unless the transport reports lifecycle
// states.
func (p *Peer) OnDisconnected(fn func()) {
	if p.sn != nil {
		p.sn.OnDisconnected(func() {
			if !p.Closed() {
				fn()
			}
		})
	}
}

// OnFailed registers fn to run when a connection attempt fails before
// opening. It is a no-op unless the transport reports lifecycle states.
func (p *Peer) OnFailed(fn func(attempt int)) {
	if p.sn != nil {
		p.sn.OnFailed(func(attempt int) {
			if !p.Closed() {
				fn(attempt)
			}
		})
	}
}

// Request sends a request for method and blocks until the matching response
// arrives, the load-scaled deadline passes, ctx ends, or the peer closes.
// On success it returns the response payload. A remote ok:false response is
// reported as a *RemoteError, a missed deadline as a *TimeoutError.
func (p *Peer) Request(ctx context.Context, method string, data map[string]any) (map[string]any, error) {
	req := NewRequest(method, data)

	p.μ.Lock()
	if p.closed {
		p.μ.Unlock()
		return nil, ErrPeerClosed
	}
	for _, busy := p.sents[req.ID]; busy; _, busy = p.sents[req.ID] {
		req.ID = generateID()
	}
	timeout := p.requestTimeoutLocked()
	s := &sentRequest{method: method, ch: make(chan sentResult, 1)}
	p.sents[req.ID] = s
	s.timer = time.AfterFunc(timeout, func() { p.expireRequest(req.ID, method, timeout) })
	p.μ.Unlock()

	rootMetrics.requestsOut.Add(1)
	rootMetrics.requestsPending.Add(1)
	defer rootMetrics.requestsPending.Add(-1)

	if err := p.tr.Send(req); err != nil {
		p.forgetRequest(req.ID, s)
		rootMetrics.requestsOutErr.Add(1)
		return nil, err
	}
	p.log.Debug("request sent", "method", method, "id", req.ID, "timeout", timeout)

	select {
	case res := <-s.ch:
		if res.err != nil {
			rootMetrics.requestsOutErr.Add(1)
			return nil, res.err
		}
		return res.data, nil
	case <-ctx.Done():
		p.forgetRequest(req.ID, s)
		rootMetrics.requestsOutErr.Add(1)
		return nil, ctx.Err()
	}
}

// Notify sends a fire-and-forget notification for method. There is no
// correlation and no reply; the only possible failure is the send itself.
func (p *Peer) Notify(method string, data map[string]any) error {
	if err := p.tr.Send(NewNotification(method, data)); err != nil {
		return err
	}
	rootMetrics.notesOut.Add(1)
	return nil
}

// Close closes the peer. It is safe to call concurrently and more than once.
func (p *Peer) Close() {
	p.μ.Lock()
	if p.closed {
		p.μ.Unlock()
		return
	}
	p.closed = true
	sents := p.sents
	p.sents = make(map[uint32]*sentRequest)
	p.μ.Unlock()

	p.log.Debug("peer closed", "pending", len(sents))
	p.tr.Close()
	for _, s := range sents {
		s.timer.Stop()
		s.ch <- sentResult{err: ErrPeerClosed}
	}
	p.closeEvent.Emit(p.log, struct{}{})
}

// requestTimeoutLocked computes the deadline for a new request from the
// number of requests currently in flight. Scaling the budget with load
// avoids timeout storms under burst traffic.
func (p *Peer) requestTimeoutLocked() time.Duration {
	return time.Duration((15 + float64(len(p.sents))/10) * float64(p.unit))
}

// expireRequest settles the pending request id with a timeout failure. It is
// a no-op if a response, cancellation, or close already settled it.
func (p *Peer) expireRequest(id uint32, method string, timeout time.Duration) {
	p.μ.Lock()
	s, ok := p.sents[id]
	if ok {
		delete(p.sents, id)
	}
	p.μ.Unlock()
	if !ok {
		return
	}
	rootMetrics.requestTimeouts.Add(1)
	p.log.Warn("request timed out", "method", method, "id", id, "timeout", timeout)
	s.ch <- sentResult{err: &TimeoutError{Method: method, Timeout: timeout}}
}

// forgetRequest removes a pending entry without settling it, after a send
// failure or a caller-side cancellation.
func (p *Peer) forgetRequest(id uint32, s *sentRequest) {
	p.μ.Lock()
	if cur, ok := p.sents[id]; ok && cur == s {
		delete(p.sents, id)
		s.timer.Stop()
	}
	p.μ.Unlock()
}

func (p *Peer) handleMessage(m Message) {
	switch t := m.(type) {
	case *Request:
		rootMetrics.requestsIn.Add(1)
		go p.dispatchRequest(t)
	case *Response:
		p.handleResponse(t)
	case *Notification:
		rootMetrics.notesIn.Add(1)
		p.noteEvent.Emit(p.log, t)
	}
}

// dispatchRequest runs the registered handler for one inbound request with
// its accept/reject continuation pair. Only the first reply wins; a handler
// panic before replying is converted into a generic code 500 response so the
// remote caller never hangs on a crashed handler.
func (p *Peer) dispatchRequest(req *Request) {
	p.μ.Lock()
	handler := p.handler
	p.μ.Unlock()

	var replied atomic.Bool
	accept := func(data map[string]any) {
		if !replied.CompareAndSwap(false, true) {
			p.log.Warn("request already replied", "method", req.Method, "id", req.ID)
			return
		}
		p.pushResponse(NewSuccessResponse(req, data))
	}
	reject := func(code int, reason string) {
		if !replied.CompareAndSwap(false, true) {
			p.log.Warn("request already replied", "method", req.Method, "id", req.ID)
			return
		}
		rootMetrics.requestsInErr.Add(1)
		p.pushResponse(NewErrorResponse(req, code, reason))
	}

	if handler == nil {
		p.log.Error("no request handler registered, rejecting request", "method", req.Method, "id", req.ID)
		reject(500, "no request handler registered")
		return
	}

	defer func() {
		if x := recover(); x != nil {
			p.log.Error("request handler panicked (recovered)", "method", req.Method, "id", req.ID, "panic", x)
			if replied.CompareAndSwap(false, true) {
				rootMetrics.requestsInErr.Add(1)
				p.pushResponse(NewErrorResponse(req, 500, fmt.Sprint(x)))
			}
		}
	}()
	handler(req, accept, reject)
}

// pushResponse sends a response the peer issues on its own behalf. Unlike
// caller-initiated sends, a failure here is swallowed: the remote side is
// typically already gone.
func (p *Peer) pushResponse(rsp *Response) {
	if err := p.tr.Send(rsp); err != nil {
		p.log.Debug("response send failed", "id", rsp.ID, "err", err)
	}
}

func (p *Peer) handleResponse(rsp *Response) {
	p.μ.Lock()
	s, ok := p.sents[rsp.ID]
	if ok {
		delete(p.sents, rsp.ID)
		s.timer.Stop()
	}
	p.μ.Unlock()

	if !ok {
		// Not fatal: the request may already have timed out.
		rootMetrics.responsesOrphan.Add(1)
		p.log.Warn("response does not match any pending request", "id", rsp.ID)
		return
	}

	if rsp.OK {
		s.ch <- sentResult{data: rsp.Data}
	} else {
		s.ch <- sentResult{err: &RemoteError{Code: rsp.ErrorCode, Reason: rsp.ErrorReason}}
	}
}
