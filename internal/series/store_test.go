package series

import (
	"testing"
	"time"

	"barwatch/internal/model"
)

func candleAt(i int, close float64) model.Candle {
	return model.Candle{
		TS:     time.Unix(int64(1_700_000_000+i*60), 0).UTC(),
		Open:   close,
		High:   close + 1,
		Low:    close - 1,
		Close:  close,
		Volume: 100,
	}
}

func TestStore_EnsureIsIdempotent(t *testing.T) {
	s := NewStore()
	key := model.SeriesKey{Symbol: "AAPL", TF: model.TF1m}

	r1 := s.Ensure(key)
	s.Append(key, candleAt(0, 10))
	r2 := s.Ensure(key)

	if r1 != r2 {
		t.Fatal("Ensure replaced an existing buffer")
	}
	if s.Len(key) != 1 {
		t.Fatalf("expected len=1 after re-ensure, got %d", s.Len(key))
	}
}

func TestStore_EnsureSymbolProvisionsAllTimeframes(t *testing.T) {
	s := NewStore()
	s.EnsureSymbol("MSFT")

	for _, tf := range model.Timeframes {
		key := model.SeriesKey{Symbol: "MSFT", TF: tf}
		if !s.Has(key) {
			t.Errorf("expected %s to be provisioned", key)
		}
		if s.Len(key) != 0 {
			t.Errorf("expected %s to be empty", key)
		}
	}
	if s.Keys() != len(model.Timeframes) {
		t.Errorf("expected %d keys, got %d", len(model.Timeframes), s.Keys())
	}
}

func TestStore_AppendWithoutEnsure(t *testing.T) {
	s := NewStore()
	key := model.SeriesKey{Symbol: "TSLA", TF: model.TF5m}

	s.Append(key, candleAt(0, 250))

	got, ok := s.Latest(key)
	if !ok || got.Close != 250 {
		t.Fatalf("expected latest close 250, got %v ok=%v", got.Close, ok)
	}
}

func TestStore_BoundedFIFO(t *testing.T) {
	s := NewStore()
	key := model.SeriesKey{Symbol: "AAPL", TF: model.TF1m}

	for total := 1; total <= MaxCandles+75; total++ {
		s.Append(key, candleAt(total, float64(total)))

		want := total
		if want > MaxCandles {
			want = MaxCandles
		}
		if s.Len(key) != want {
			t.Fatalf("after %d appends: len=%d, want %d", total, s.Len(key), want)
		}
	}

	closes := s.SnapshotCloses(key)
	first := float64(75 + 1)
	for i, c := range closes {
		if c != first+float64(i) {
			t.Fatalf("closes[%d] = %v, want %v", i, c, first+float64(i))
		}
	}
}

func TestStore_LatestAndSnapshotOnUnknownKey(t *testing.T) {
	s := NewStore()
	key := model.SeriesKey{Symbol: "NOPE", TF: model.TF15m}

	if _, ok := s.Latest(key); ok {
		t.Error("Latest on unknown key should return false")
	}
	if closes := s.SnapshotCloses(key); len(closes) != 0 {
		t.Errorf("expected no closes, got %d", len(closes))
	}
	if candles := s.Candles(key); len(candles) != 0 {
		t.Errorf("expected no candles, got %d", len(candles))
	}
	if s.Has(key) {
		t.Error("read accessors must not provision a buffer")
	}
}

func TestStore_SymbolsAreIsolated(t *testing.T) {
	s := NewStore()
	a := model.SeriesKey{Symbol: "AAPL", TF: model.TF1m}
	b := model.SeriesKey{Symbol: "MSFT", TF: model.TF1m}

	s.Append(a, candleAt(0, 1))
	s.Append(b, candleAt(0, 2))
	s.Append(a, candleAt(1, 3))

	if s.Len(a) != 2 || s.Len(b) != 1 {
		t.Fatalf("unexpected lengths a=%d b=%d", s.Len(a), s.Len(b))
	}
	if s.Keys() != 2 {
		t.Errorf("Keys = %d, want 2", s.Keys())
	}
}
