// Package tradelog records chart markers for requested trades.
package tradelog

import (
	"fmt"

	"barwatch/internal/model"
)

// DefaultTF is the timeframe a trade marker is anchored to.
const DefaultTF = model.TF1m

// CandleSource yields the most recent candle for a series.
// series.Store implements it.
type CandleSource interface {
	Latest(key model.SeriesKey) (model.Candle, bool)
}

// Log keeps two global, append-only marker sequences: one for buys and one
// for sells. Not safe for concurrent use.
type Log struct {
	buys  []model.TradeMarker
	sells []model.TradeMarker
	tf    model.Timeframe
}

// New returns an empty log anchored to the 1m timeframe.
func New() *Log {
	return &Log{tf: DefaultTF}
}

// Record appends a marker at the latest candle of symbol. It returns
// ErrNoDataForSymbol, writing nothing, when no candle has arrived yet.
func (l *Log) Record(src CandleSource, symbol string, side model.Side) (model.TradeMarker, error) {
	if side != model.Buy && side != model.Sell {
		return model.TradeMarker{}, fmt.Errorf("%w: side %q", model.ErrInvalidInput, side)
	}
	key := model.SeriesKey{Symbol: symbol, TF: l.tf}
	last, ok := src.Latest(key)
	if !ok {
		return model.TradeMarker{}, fmt.Errorf("%w: %s", model.ErrNoDataForSymbol, key)
	}

	m := model.TradeMarker{
		Side:   side,
		XIndex: float64(last.TS.Unix()),
		Price:  last.Close,
	}
	if side == model.Buy {
		l.buys = append(l.buys, m)
	} else {
		l.sells = append(l.sells, m)
	}
	return m, nil
}

// Append adds an already built marker, used when reloading the journal.
func (l *Log) Append(m model.TradeMarker) {
	switch m.Side {
	case model.Buy:
		l.buys = append(l.buys, m)
	case model.Sell:
		l.sells = append(l.sells, m)
	}
}

// Markers returns a copy of the sequence for side.
func (l *Log) Markers(side model.Side) []model.TradeMarker {
	src := l.sells
	if side == model.Buy {
		src = l.buys
	}
	out := make([]model.TradeMarker, len(src))
	copy(out, src)
	return out
}

// Len returns the total number of markers.
func (l *Log) Len() int { return len(l.buys) + len(l.sells) }
