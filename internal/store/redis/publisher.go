package redis

import (
	"context"
	"log"
	"sync"
	"time"

	"barwatch/internal/indicator"
	"barwatch/internal/model"
)

const (
	defaultPublishQueue = 2048
	defaultMaxBuffered  = 10000
	writeTimeout        = 2 * time.Second
)

// sink is the subset of Writer the publisher drives.
type sink interface {
	writeBar(ctx context.Context, bar model.Bar, ind indicator.Series) error
	writeNotification(ctx context.Context, n model.Notification) error
}

type job struct {
	bar    *model.Bar
	ind    indicator.Series
	notify *model.Notification
}

// Publisher queues writes off the dispatch loop and applies them through a
// circuit breaker. While the circuit is open, writes are buffered locally and
// replayed when it closes again.
type Publisher struct {
	sink sink
	cb   *CircuitBreaker
	ch   chan job

	mu     sync.Mutex
	buffer []job
	maxBuf int

	// Callbacks (optional, for metrics)
	OnBuffer func()          // a write was buffered while the circuit was open
	OnFlush  func(count int) // buffered writes were replayed
	OnDrop   func()          // the queue was full and a write was discarded
}

// NewPublisher wraps w with cb. maxBuffered caps the open-circuit buffer.
func NewPublisher(w *Writer, cb *CircuitBreaker, maxBuffered int) *Publisher {
	return newPublisher(w, cb, maxBuffered)
}

func newPublisher(s sink, cb *CircuitBreaker, maxBuffered int) *Publisher {
	if maxBuffered <= 0 {
		maxBuffered = defaultMaxBuffered
	}
	return &Publisher{
		sink:   s,
		cb:     cb,
		ch:     make(chan job, defaultPublishQueue),
		buffer: make([]job, 0, 256),
		maxBuf: maxBuffered,
	}
}

// PublishBar queues the latest bar and indicator values for a series.
// Never blocks; the slices in ind must not be mutated afterwards.
func (p *Publisher) PublishBar(bar model.Bar, ind indicator.Series) {
	p.enqueue(job{bar: &bar, ind: ind})
}

// Send queues a notification. It implements notification.Sender.
func (p *Publisher) Send(ctx context.Context, n model.Notification) error {
	p.enqueue(job{notify: &n})
	return nil
}

func (p *Publisher) enqueue(j job) {
	select {
	case p.ch <- j:
	default:
		if p.OnDrop != nil {
			p.OnDrop()
		} else {
			log.Printf("[redis-publisher] queue full, dropping write")
		}
	}
}

// Run applies queued writes until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-p.ch:
			p.apply(ctx, j)
		}
	}
}

func (p *Publisher) apply(ctx context.Context, j job) {
	recovering := p.cb.CurrentState() != StateClosed
	err := p.cb.Execute(func() error { return p.write(ctx, j) })
	switch {
	case err == ErrCircuitOpen:
		p.bufferJob(j)
	case err != nil:
		log.Printf("[redis-publisher] write error: %v", err)
	case recovering && p.cb.CurrentState() == StateClosed:
		p.flush(ctx)
	}
}

func (p *Publisher) write(ctx context.Context, j job) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if j.bar != nil {
		return p.sink.writeBar(wctx, *j.bar, j.ind)
	}
	return p.sink.writeNotification(wctx, *j.notify)
}

func (p *Publisher) bufferJob(j job) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.buffer) >= p.maxBuf {
		// Buffer full, drop oldest
		p.buffer = p.buffer[1:]
	}
	p.buffer = append(p.buffer, j)

	if p.OnBuffer != nil {
		p.OnBuffer()
	}
}

// flush replays buffered writes after the circuit closes. A failure stops
// the replay and re-buffers what is left.
func (p *Publisher) flush(ctx context.Context) {
	p.mu.Lock()
	if len(p.buffer) == 0 {
		p.mu.Unlock()
		return
	}
	toFlush := p.buffer
	p.buffer = make([]job, 0, 256)
	p.mu.Unlock()

	flushed := 0
	for i, j := range toFlush {
		if err := p.cb.Execute(func() error { return p.write(ctx, j) }); err != nil {
			log.Printf("[redis-publisher] flush interrupted after %d writes: %v", flushed, err)
			for _, rest := range toFlush[i:] {
				p.bufferJob(rest)
			}
			break
		}
		flushed++
	}

	log.Printf("[redis-publisher] flushed %d buffered writes", flushed)
	if p.OnFlush != nil {
		p.OnFlush(flushed)
	}
}

// PendingCount returns the number of buffered writes waiting to be flushed.
func (p *Publisher) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

// Breaker returns the circuit breaker for state reporting.
func (p *Publisher) Breaker() *CircuitBreaker { return p.cb }
