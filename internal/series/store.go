// Package series owns the bounded per-(symbol, timeframe) candle history.
//
// A Store is a single map keyed by model.SeriesKey, so "ensure before use" is
// one lookup-or-insert. It is not goroutine-safe: the pipeline only touches it
// from the dispatch loop and hands out copies to readers.
package series

import (
	"barwatch/internal/model"
	"barwatch/internal/ringbuf"
)

// MaxCandles is the capacity of every series buffer.
const MaxCandles = 200

// Store maps each series key to its candle ring.
type Store struct {
	capacity int
	rings    map[model.SeriesKey]*ringbuf.Ring
}

// NewStore creates a store whose buffers hold MaxCandles candles.
func NewStore() *Store {
	return NewStoreWithCapacity(MaxCandles)
}

// NewStoreWithCapacity creates a store with a custom buffer capacity.
func NewStoreWithCapacity(capacity int) *Store {
	return &Store{
		capacity: capacity,
		rings:    make(map[model.SeriesKey]*ringbuf.Ring, 64),
	}
}

// Ensure provisions an empty buffer for key if absent. Idempotent.
func (s *Store) Ensure(key model.SeriesKey) *ringbuf.Ring {
	r, ok := s.rings[key]
	if !ok {
		r = ringbuf.New(s.capacity)
		s.rings[key] = r
	}
	return r
}

// EnsureSymbol provisions a buffer for every supported timeframe.
func (s *Store) EnsureSymbol(symbol string) {
	for _, tf := range model.Timeframes {
		s.Ensure(model.SeriesKey{Symbol: symbol, TF: tf})
	}
}

// Append inserts c at the tail of key's buffer, provisioning it if needed.
// Returns true if the oldest candle was evicted.
func (s *Store) Append(key model.SeriesKey, c model.Candle) bool {
	return s.Ensure(key).Push(c)
}

// Latest returns the most recent candle for key, if any.
func (s *Store) Latest(key model.SeriesKey) (model.Candle, bool) {
	r, ok := s.rings[key]
	if !ok {
		return model.Candle{}, false
	}
	return r.Last()
}

// SnapshotCloses returns the close prices for key in arrival order.
// Unknown keys yield an empty slice.
func (s *Store) SnapshotCloses(key model.SeriesKey) []float64 {
	r, ok := s.rings[key]
	if !ok {
		return []float64{}
	}
	return r.Closes()
}

// Candles returns a copy of key's candles, oldest first.
func (s *Store) Candles(key model.SeriesKey) []model.Candle {
	r, ok := s.rings[key]
	if !ok {
		return []model.Candle{}
	}
	return r.Snapshot()
}

// Len returns the number of candles stored for key.
func (s *Store) Len(key model.SeriesKey) int {
	if r, ok := s.rings[key]; ok {
		return r.Len()
	}
	return 0
}

// Has reports whether key has been provisioned.
func (s *Store) Has(key model.SeriesKey) bool {
	_, ok := s.rings[key]
	return ok
}

// Keys returns the number of provisioned series.
func (s *Store) Keys() int { return len(s.rings) }
