// Package backoff produces retry schedules and drives bounded or unbounded
// sequences of attempts against them. It is the reconnect engine behind the
// client transport in the socket package, but has no dependency on it and
// can drive any retryable operation.
//
// A [Policy] describes the schedule; an [Operation] consumes it:
//
//	op := backoff.NewOperation(backoff.Default())
//	op.Attempt(func(attempt int) {
//		if err := dial(); err != nil && !op.Retry(err) {
//			log.Printf("giving up: %v", op.MainError())
//		}
//	})
//
// Attempt invokes the work immediately; each Retry schedules the next
// invocation after the next timeout in the schedule and reports whether a
// further attempt was scheduled.
package backoff

import (
	"errors"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
	"time"
)

// A Policy describes a retry schedule.
type Policy struct {
	// Retries is the number of scheduled retries, and so the length of the
	// schedule. The initial attempt is not counted.
	Retries int

	// Factor is the exponential growth factor between attempts.
	Factor float64

	// MinTimeout is the base wait duration. Values below one millisecond are
	// clamped up to one millisecond.
	MinTimeout time.Duration

	// MaxTimeout caps every wait duration. Zero means no ceiling.
	MaxTimeout time.Duration

	// Randomize multiplies each computed wait by a random factor in [1, 2).
	Randomize bool

	// Forever keeps retrying after the schedule is exhausted by replaying its
	// last entry indefinitely. If the schedule would be empty, a single entry
	// is synthesized.
	Forever bool

	// MaxRetryTime bounds the elapsed time since the first attempt. Once
	// exceeded, Retry stops scheduling regardless of the remaining schedule.
	// Zero means no bound.
	MaxRetryTime time.Duration
}

// Default returns the canonical reconnect policy: ten retries, factor two,
// waits from one to eight seconds.
func Default() Policy {
	return Policy{Retries: 10, Factor: 2, MinTimeout: time.Second, MaxTimeout: 8 * time.Second}
}

// Schedule produces the wait durations for p, sorted ascending by magnitude
// rather than by attempt index, so the shortest waits are consumed first.
// It panics if MinTimeout exceeds a nonzero MaxTimeout.
func (p Policy) Schedule() []time.Duration {
	if p.MaxTimeout > 0 && p.MinTimeout > p.MaxTimeout {
		panic("backoff: minimum timeout exceeds maximum timeout")
	}

	timeouts := make([]time.Duration, 0, p.Retries)
	for i := range p.Retries {
		timeouts = append(timeouts, p.timeout(i))
	}
	if p.Forever && len(timeouts) == 0 {
		timeouts = append(timeouts, p.timeout(0))
	}
	slices.Sort(timeouts)
	return timeouts
}

// timeout computes the wait for one attempt (0-based).
func (p Policy) timeout(attempt int) time.Duration {
	random := 1.0
	if p.Randomize {
		random = rand.Float64() + 1
	}
	factor := p.Factor
	if factor <= 0 {
		factor = 2
	}
	d := time.Duration(random * float64(max(p.MinTimeout, time.Millisecond)) * math.Pow(factor, float64(attempt)))
	if d < 0 {
		d = math.MaxInt64 // overflow
	}
	if p.MaxTimeout > 0 && d > p.MaxTimeout {
		d = p.MaxTimeout
	}
	return d
}

// An Operation drives one retry cycle against a policy's schedule. It is
// safe for concurrent use. An Operation is consumed monotonically and is not
// reused across cycles; construct a fresh one per cycle, or call Reset.
type Operation struct {
	μ        sync.Mutex
	original []time.Duration
	timeouts []time.Duration
	cached   []time.Duration // non-nil in forever mode
	maxTime  time.Duration
	fn       func(attempt int)
	errs     []error
	attempts int
	start    time.Time
	timer    *time.Timer
}

// NewOperation constructs an operation over the schedule of p.
// Like Policy.Schedule, it panics if p is inconsistent.
func NewOperation(p Policy) *Operation {
	timeouts := p.Schedule()
	o := &Operation{
		original: slices.Clone(timeouts),
		timeouts: timeouts,
		maxTime:  p.MaxRetryTime,
		attempts: 1,
	}
	if p.Forever {
		o.cached = slices.Clone(timeouts)
	}
	return o
}

// Attempt invokes fn immediately with attempt number 1 and records the start
// time for the MaxRetryTime bound. Subsequent invocations are scheduled by
// Retry.
func (o *Operation) Attempt(fn func(attempt int)) {
	o.μ.Lock()
	o.fn = fn
	o.start = time.Now()
	n := o.attempts
	o.μ.Unlock()
	fn(n)
}

// Retry records err and schedules the next attempt after the next timeout in
// the schedule. It reports false, scheduling nothing, when err is nil, when
// the schedule is exhausted, or when MaxRetryTime has elapsed since the
// first attempt (in which case a synthetic timeout error is recorded ahead
// of the real ones).
func (o *Operation) Retry(err error) bool {
	o.μ.Lock()
	defer o.μ.Unlock()

	if err == nil {
		return false
	}
	if o.maxTime > 0 && time.Since(o.start) >= o.maxTime {
		o.errs = append(o.errs, err)
		o.errs = append([]error{errors.New("retry operation timed out")}, o.errs...)
		return false
	}
	o.errs = append(o.errs, err)

	var timeout time.Duration
	if len(o.timeouts) > 0 {
		timeout = o.timeouts[0]
		o.timeouts = o.timeouts[1:]
	} else if len(o.cached) > 0 {
		// Forever mode: replay the last timeout and keep only the last error.
		o.errs = o.errs[len(o.errs)-1:]
		timeout = o.cached[len(o.cached)-1]
	} else {
		return false
	}

	o.timer = time.AfterFunc(timeout, func() {
		o.μ.Lock()
		o.attempts++
		fn, n := o.fn, o.attempts
		o.μ.Unlock()
		if fn != nil {
			fn(n)
		}
	})
	return true
}

// Stop cancels any armed timer and clears the remaining schedule, so no
// further attempt will run. Stop is idempotent.
func (o *Operation) Stop() {
	o.μ.Lock()
	defer o.μ.Unlock()
	if o.timer != nil {
		o.timer.Stop()
	}
	o.timeouts = nil
	o.cached = nil
}

// Reset restores the full schedule and attempt counter for a new cycle.
func (o *Operation) Reset() {
	o.μ.Lock()
	defer o.μ.Unlock()
	o.attempts = 1
	o.timeouts = slices.Clone(o.original)
}

// Attempts reports the number of attempts so far, including the first.
func (o *Operation) Attempts() int {
	o.μ.Lock()
	defer o.μ.Unlock()
	return o.attempts
}

// Errors returns the errors recorded by Retry, in order.
func (o *Operation) Errors() []error {
	o.μ.Lock()
	defer o.μ.Unlock()
	return slices.Clone(o.errs)
}

// MainError returns the recorded error whose message occurs most often, with
// ties broken by the latest seen, or nil if none were recorded. It surfaces
// one representative failure instead of the whole list.
func (o *Operation) MainError() error {
	o.μ.Lock()
	defer o.μ.Unlock()

	counts := make(map[string]int)
	var main error
	var mainCount int
	for _, err := range o.errs {
		msg := err.Error()
		counts[msg]++
		if counts[msg] >= mainCount {
			main = err
			mainCount = counts[msg]
		}
	}
	return main
}
