package parley

import (
	"log/slog"
	"sync"
)

// An Event is a subscription registry for one event kind. The zero value is
// ready for use. Callbacks run synchronously on the emitting goroutine, in
// subscription order. A panic raised by a callback is logged and does not
// abort the emitting component or the remaining callbacks.
type Event[T any] struct {
	μ   sync.Mutex
	fns []func(T)
}

// Subscribe registers fn to receive future emissions.
func (e *Event[T]) Subscribe(fn func(T)) {
	e.μ.Lock()
	defer e.μ.Unlock()
	e.fns = append(e.fns, fn)
}

// Active reports whether at least one callback is subscribed.
func (e *Event[T]) Active() bool {
	e.μ.Lock()
	defer e.μ.Unlock()
	return len(e.fns) > 0
}

// Emit invokes every subscribed callback with v. Panics are recovered and
// logged to log (slog.Default if log is nil).
func (e *Event[T]) Emit(log *slog.Logger, v T) {
	e.μ.Lock()
	fns := make([]func(T), len(e.fns))
	copy(fns, e.fns)
	e.μ.Unlock()

	for _, fn := range fns {
		safeCall(log, fn, v)
	}
}

func safeCall[T any](log *slog.Logger, fn func(T), v T) {
	defer func() {
		if x := recover(); x != nil {
			if log == nil {
				log = slog.Default()
			}
			log.Error("event callback panicked (recovered)", "panic", x)
		}
	}()
	fn(v)
}
