package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func startSerializer(t *testing.T) (*Serializer, context.CancelFunc) {
	t.Helper()
	s := New(64)
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(cancel)
	return s, cancel
}

func TestSerializer_RunsInSubmissionOrder(t *testing.T) {
	s, _ := startSerializer(t)

	var got []int
	for i := 0; i < 50; i++ {
		i := i
		if err := s.Submit(func() { got = append(got, i) }); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	// Do waits for everything queued before it.
	if err := s.Do(context.Background(), func() {}); err != nil {
		t.Fatalf("Do: %v", err)
	}

	if len(got) != 50 {
		t.Fatalf("ran %d tasks, want 50", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
}

func TestSerializer_NoConcurrentExecution(t *testing.T) {
	s, _ := startSerializer(t)

	var active, maxActive int32
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = s.Do(context.Background(), func() {
					n := atomic.AddInt32(&active, 1)
					if n > atomic.LoadInt32(&maxActive) {
						atomic.StoreInt32(&maxActive, n)
					}
					atomic.AddInt32(&active, -1)
				})
			}
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Fatalf("max concurrent tasks = %d, want 1", maxActive)
	}
	if s.Executed() != 800 {
		t.Errorf("Executed = %d, want 800", s.Executed())
	}
}

func TestSerializer_StoppedRejectsWork(t *testing.T) {
	s, cancel := startSerializer(t)
	cancel()
	<-s.Done()

	if err := s.Submit(func() {}); !errors.Is(err, ErrStopped) {
		t.Errorf("Submit after stop: err=%v, want ErrStopped", err)
	}
	if err := s.Do(context.Background(), func() {}); !errors.Is(err, ErrStopped) {
		t.Errorf("Do after stop: err=%v, want ErrStopped", err)
	}
}

func TestSerializer_DoRespectsCallerContext(t *testing.T) {
	s, _ := startSerializer(t)

	release := make(chan struct{})
	_ = s.Submit(func() { <-release })
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Do(ctx, func() {}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v, want DeadlineExceeded", err)
	}
}

func TestSerializer_RecoversFromPanic(t *testing.T) {
	s, _ := startSerializer(t)

	var panics atomic.Int32
	if err := s.Do(context.Background(), func() {
		s.OnPanic = func(any) { panics.Add(1) }
	}); err != nil {
		t.Fatalf("Do: %v", err)
	}

	_ = s.Submit(func() { panic("boom") })

	ran := false
	if err := s.Do(context.Background(), func() { ran = true }); err != nil {
		t.Fatalf("Do after panic: %v", err)
	}
	if !ran {
		t.Error("loop did not continue after a panicking task")
	}
	if panics.Load() != 1 {
		t.Errorf("OnPanic called %d times, want 1", panics.Load())
	}
}

func TestSerializer_AfterFuncRunsOnLoop(t *testing.T) {
	s, _ := startSerializer(t)

	fired := make(chan time.Time, 1)
	start := time.Now()
	s.AfterFunc(30*time.Millisecond, func() { fired <- time.Now() })

	select {
	case at := <-fired:
		if at.Sub(start) < 30*time.Millisecond {
			t.Errorf("fired after %v, before the delay", at.Sub(start))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("AfterFunc never fired")
	}
}

func TestSerializer_AfterFuncCancel(t *testing.T) {
	s, _ := startSerializer(t)

	var fired atomic.Bool
	cancel := s.AfterFunc(20*time.Millisecond, func() { fired.Store(true) })
	if !cancel() {
		t.Fatal("cancel before fire should report true")
	}
	if cancel() {
		t.Error("second cancel should report false")
	}

	time.Sleep(60 * time.Millisecond)
	_ = s.Do(context.Background(), func() {})
	if fired.Load() {
		t.Error("cancelled task ran")
	}
}

func TestSerializer_AfterFuncCancelFromTaskWinsOverQueuedRun(t *testing.T) {
	s, _ := startSerializer(t)

	var fired atomic.Bool
	var cancel func() bool
	var ok bool

	// Queue: [gate, cancelTask, timerTask]. The timer's task is already
	// enqueued when cancel runs, so only the state check can stop it.
	gate := make(chan struct{})
	_ = s.Submit(func() { <-gate })
	_ = s.Submit(func() { ok = cancel() })
	cancel = s.AfterFunc(time.Millisecond, func() { fired.Store(true) })

	time.Sleep(30 * time.Millisecond)
	close(gate)

	if err := s.Do(context.Background(), func() {}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !ok {
		t.Error("cancel from a task should prevent a queued, not yet run fn")
	}
	if fired.Load() {
		t.Error("cancelled task ran")
	}
}
