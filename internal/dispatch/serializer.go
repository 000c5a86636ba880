// Package dispatch provides the single serialized execution context that owns
// all engine state.
//
// Broker callbacks, user actions and delayed tasks are all messages enqueued
// to one goroutine, so no two mutations of engine state ever overlap and a
// candle's append → recompute → evaluate always completes before the next
// task starts.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStopped is returned when enqueueing onto a serializer that has shut down.
var ErrStopped = errors.New("dispatch: serializer stopped")

// DefaultQueueSize is the task buffer used when New is given a non-positive size.
const DefaultQueueSize = 4096

// Serializer runs submitted tasks one at a time, in submission order, on a
// single goroutine. Tasks must not block on I/O and must not call Do.
type Serializer struct {
	tasks chan func()
	done  chan struct{}

	stopOnce sync.Once
	started  atomic.Bool
	executed atomic.Uint64

	// OnPanic is called (on the loop goroutine) when a task panics.
	// The loop recovers and keeps running.
	OnPanic func(v any)
}

// New creates a serializer with the given task buffer size.
func New(queueSize int) *Serializer {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Serializer{
		tasks: make(chan func(), queueSize),
		done:  make(chan struct{}),
	}
}

// Run drains the task queue until ctx is cancelled. Blocks.
// Tasks still queued at cancellation are discarded.
func (s *Serializer) Run(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		slog.Warn("dispatch: Run called twice, ignoring")
		return
	}
	defer s.stop()

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-s.tasks:
			s.exec(fn)
		}
	}
}

// Submit enqueues fn without waiting for it to run. It blocks only while the
// queue is full, and returns ErrStopped once the loop has exited.
func (s *Serializer) Submit(fn func()) error {
	select {
	case <-s.done:
		return ErrStopped
	default:
	}

	select {
	case s.tasks <- fn:
		return nil
	case <-s.done:
		return ErrStopped
	}
}

// Do enqueues fn and waits for it to finish. Use it for user actions and
// snapshot reads that need a consistent view of engine state.
func (s *Serializer) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	err := s.Submit(func() {
		defer close(finished)
		fn()
	})
	if err != nil {
		return err
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		// The loop may have run fn just before stopping.
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	}
}

// AfterFunc schedules fn to be enqueued on the loop after d. fn never runs on
// the timer goroutine. The returned cancel reports whether fn was prevented
// from running; calling it from a task is race-free with respect to fn.
func (s *Serializer) AfterFunc(d time.Duration, fn func()) (cancel func() bool) {
	const (
		pending int32 = iota
		ran
		cancelled
	)
	var state atomic.Int32

	timer := time.AfterFunc(d, func() {
		err := s.Submit(func() {
			if state.CompareAndSwap(pending, ran) {
				fn()
			}
		})
		if err != nil {
			slog.Debug("dispatch: delayed task dropped", "err", err)
		}
	})

	return func() bool {
		if !state.CompareAndSwap(pending, cancelled) {
			return false
		}
		timer.Stop()
		return true
	}
}

// Depth returns the number of queued tasks.
func (s *Serializer) Depth() int { return len(s.tasks) }

// Cap returns the task queue capacity.
func (s *Serializer) Cap() int { return cap(s.tasks) }

// Executed returns the total number of tasks run.
func (s *Serializer) Executed() uint64 { return s.executed.Load() }

// Done is closed when the loop exits.
func (s *Serializer) Done() <-chan struct{} { return s.done }

func (s *Serializer) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// exec runs one task, recovering from panics so a failure in one symbol's
// pipeline cannot take down the loop.
func (s *Serializer) exec(fn func()) {
	defer func() {
		if v := recover(); v != nil {
			slog.Error("dispatch: task panicked", "panic", v, "stack", string(debug.Stack()))
			if s.OnPanic != nil {
				s.OnPanic(v)
			}
		}
	}()
	fn()
	s.executed.Add(1)
}
