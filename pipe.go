package parley

import (
	"log/slog"
	"sync"

	"github.com/creachadair/taskgroup"
)

// Pipe constructs a connected pair of in-memory transports that pass
// messages directly without encoding. Messages sent to A are delivered to
// B's subscribers and vice versa. Closing either side closes both.
//
// Pipe is intended for tests and for wiring two peers within one process.
func Pipe() (A, B Transport) {
	a2b := make(chan Message)
	b2a := make(chan Message)
	a := newPipeTransport(a2b, b2a)
	b := newPipeTransport(b2a, a2b)
	return a, b
}

type pipeTransport struct {
	log *slog.Logger
	out chan<- Message
	in  <-chan Message

	μ      sync.Mutex
	closed bool

	closeEvent Event[struct{}]
	msgEvent   Event[Message]
}

func newPipeTransport(out chan<- Message, in <-chan Message) *pipeTransport {
	t := &pipeTransport{log: slog.Default(), out: out, in: in}
	taskgroup.Go(func() error { t.pump(); return nil })
	return t
}

// pump delivers inbound messages until the remote side closes.
func (t *pipeTransport) pump() {
	for m := range t.in {
		if !t.msgEvent.Active() {
			t.log.Warn("no subscribers for message, dropping", "message", m)
			continue
		}
		t.msgEvent.Emit(t.log, m)
	}
	t.Close()
}

// Send implements part of the Transport interface.
func (t *pipeTransport) Send(m Message) (err error) {
	t.μ.Lock()
	if t.closed {
		t.μ.Unlock()
		return ErrTransportClosed
	}
	t.μ.Unlock()

	// The remote side may close the channel while we block on it.
	defer func() {
		if recover() != nil {
			err = ErrTransportClosed
		}
	}()
	t.out <- m
	return nil
}

// Close implements part of the Transport interface.
func (t *pipeTransport) Close() {
	t.μ.Lock()
	if t.closed {
		t.μ.Unlock()
		return
	}
	t.closed = true
	t.μ.Unlock()

	t.closeEvent.Emit(t.log, struct{}{})
	defer func() { recover() }() // remote may have closed first
	close(t.out)
}

// Closed implements part of the Transport interface.
func (t *pipeTransport) Closed() bool {
	t.μ.Lock()
	defer t.μ.Unlock()
	return t.closed
}

// OnClose implements part of the Transport interface.
func (t *pipeTransport) OnClose(fn func()) {
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

// OnMessage implements part of the Transport interface.
func (t *pipeTransport) OnMessage(fn func(Message)) { t.msgEvent.Subscribe(fn) }
