// Package ringbuf provides a fixed-capacity FIFO ring of model.Candle.
// When the ring is full, Push overwrites the oldest candle so the ring always
// holds the most recent Cap() candles in arrival order.
//
// A Ring is not safe for concurrent use; callers serialize access.
package ringbuf

import "barwatch/internal/model"

// Ring is a bounded, evicting circular buffer for Candle values.
type Ring struct {
	buf  []model.Candle
	head int // index of the oldest element
	n    int // number of stored elements
}

// New creates a ring holding at most capacity candles. Minimum capacity is 1.
func New(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]model.Candle, capacity)}
}

// Push appends a candle at the tail. If the ring is full, the oldest candle
// is evicted first and Push returns true.
func (r *Ring) Push(c model.Candle) (evicted bool) {
	if r.n < len(r.buf) {
		r.buf[(r.head+r.n)%len(r.buf)] = c
		r.n++
		return false
	}

	// Full: overwrite head, advance it.
	r.buf[r.head] = c
	r.head = (r.head + 1) % len(r.buf)
	return true
}

// Last returns the most recently pushed candle.
func (r *Ring) Last() (model.Candle, bool) {
	if r.n == 0 {
		return model.Candle{}, false
	}
	return r.buf[(r.head+r.n-1)%len(r.buf)], true
}

// At returns the i-th candle, 0 being the oldest.
func (r *Ring) At(i int) model.Candle {
	return r.buf[(r.head+i)%len(r.buf)]
}

// Snapshot returns a copy of the stored candles, oldest first.
func (r *Ring) Snapshot() []model.Candle {
	out := make([]model.Candle, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.At(i)
	}
	return out
}

// Closes returns the close prices, oldest first.
func (r *Ring) Closes() []float64 {
	out := make([]float64, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.At(i).Close
	}
	return out
}

// Len returns the current number of candles in the ring.
func (r *Ring) Len() int { return r.n }

// Cap returns the ring capacity.
func (r *Ring) Cap() int { return len(r.buf) }

