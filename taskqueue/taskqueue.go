// Package taskqueue provides a single-concurrency FIFO task runner: tasks
// pushed onto a Queue execute strictly in push order, one at a time, and
// each caller blocks until its own task settles.
//
// The queue is the ordering primitive behind room joins: funneling "look up
// or create the peer for this identity" through one queue makes the check
// and the registration atomic across concurrent connection attempts.
package taskqueue

import (
	"errors"
	"fmt"
	"sync"
)

// ErrQueueClosed is the default failure delivered to tasks rejected because
// the queue closed.
var ErrQueueClosed = errors.New("task queue closed")

// ErrQueueStopped is the default failure delivered to tasks rejected because
// the queue was stopped.
var ErrQueueStopped = errors.New("task queue stopped")

// A Task is one unit of work. A panic inside a task is recovered and
// reported as that task's error; it does not abort the queue.
type Task func() (any, error)

// Options customize a Queue. A nil *Options is ready for use and provides
// defaults.
type Options struct {
	// ClosedErr is delivered to rejected tasks when the queue closes.
	// If nil, ErrQueueClosed is used.
	ClosedErr error

	// StoppedErr is delivered to rejected tasks when the queue is stopped.
	// If nil, ErrQueueStopped is used.
	StoppedErr error
}

func (o *Options) closedErr() error {
	if o == nil || o.ClosedErr == nil {
		return ErrQueueClosed
	}
	return o.ClosedErr
}

func (o *Options) stoppedErr() error {
	if o == nil || o.StoppedErr == nil {
		return ErrQueueStopped
	}
	return o.StoppedErr
}

// A Queue executes tasks strictly in push order with no overlap.
type Queue struct {
	closedErr  error
	stoppedErr error

	μ       sync.Mutex
	closed  bool
	running bool
	pending []*pendingTask
}

// pendingTask couples a task with its caller's settlement. A task settles at
// most once: either with its own result, or with the stop/close rejection if
// that arrives first. A completion after rejection is discarded.
type pendingTask struct {
	task    Task
	done    chan result // capacity 1
	settled bool        // guarded by the queue mutex
	stopped bool        // guarded by the queue mutex
}

type result struct {
	v   any
	err error
}

// New constructs an empty queue.
func New(opts *Options) *Queue {
	return &Queue{closedErr: opts.closedErr(), stoppedErr: opts.stoppedErr()}
}

// Len reports the number of tasks pending in the queue, including the one
// currently executing.
func (q *Queue) Len() int {
	q.μ.Lock()
	defer q.μ.Unlock()
	return len(q.pending)
}

// Push appends task to the queue and blocks until it settles, returning the
// task's own result. A task pushed onto an idle queue starts immediately.
// Push fails with the configured closed error if the queue has closed.
func (q *Queue) Push(task Task) (any, error) {
	q.μ.Lock()
	if q.closed {
		q.μ.Unlock()
		return nil, q.closedErr
	}
	pt := &pendingTask{task: task, done: make(chan result, 1)}
	q.pending = append(q.pending, pt)
	if !q.running {
		q.running = true
		go q.run()
	}
	q.μ.Unlock()

	res := <-pt.done
	return res.v, res.err
}

// Stop rejects every pending task with the configured stopped error. The
// queue remains usable: tasks pushed afterward execute normally. The result
// of a task already executing when Stop is called is discarded.
func (q *Queue) Stop() { q.flush(q.stoppedErr) }

// Close rejects every pending task with the configured closed error and
// permanently refuses further pushes. Close is idempotent.
func (q *Queue) Close() {
	q.μ.Lock()
	if q.closed {
		q.μ.Unlock()
		return
	}
	q.closed = true
	q.μ.Unlock()
	q.flush(q.closedErr)
}

func (q *Queue) flush(err error) {
	q.μ.Lock()
	defer q.μ.Unlock()
	for _, pt := range q.pending {
		pt.stopped = true
		q.settleLocked(pt, result{err: err})
	}
	q.pending = nil
}

// run executes queued tasks in order until the queue drains.
func (q *Queue) run() {
	for {
		q.μ.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.μ.Unlock()
			return
		}
		pt := q.pending[0]
		stopped := pt.stopped
		q.μ.Unlock()

		if !stopped {
			v, err := execute(pt.task)
			q.μ.Lock()
			q.settleLocked(pt, result{v: v, err: err})
			q.μ.Unlock()
		}

		q.μ.Lock()
		if len(q.pending) > 0 && q.pending[0] == pt {
			q.pending = q.pending[1:]
		}
		q.μ.Unlock()
	}
}

// settleLocked delivers res to the task's caller unless the task already
// settled. Late completions of stopped tasks land here and are discarded.
func (q *Queue) settleLocked(pt *pendingTask, res result) {
	if pt.settled {
		return
	}
	pt.settled = true
	pt.done <- res
}

func execute(task Task) (v any, err error) {
	defer func() {
		if x := recover(); x != nil {
			v, err = nil, fmt.Errorf("task panicked (recovered): %v", x)
		}
	}()
	return task()
}
