package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Candle is one OHLCV bar for a symbol/timeframe. Immutable once appended.
type Candle struct {
	TS     time.Time `json:"ts"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

// Timeframe is a supported bar aggregation interval.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
)

// Timeframes lists every supported timeframe in display order.
var Timeframes = []Timeframe{TF1m, TF5m, TF15m}

// Valid reports whether tf is one of the supported timeframes.
func (tf Timeframe) Valid() bool {
	switch tf {
	case TF1m, TF5m, TF15m:
		return true
	}
	return false
}

// Duration returns the bar interval.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case TF5m:
		return 5 * time.Minute
	case TF15m:
		return 15 * time.Minute
	default:
		return time.Minute
	}
}

// ParseTimeframe parses "1m", "5m" or "15m" (case-insensitive).
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(strings.ToLower(strings.TrimSpace(s)))
	if !tf.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTimeframe, s)
	}
	return tf, nil
}

// SeriesKey identifies one bounded candle buffer.
type SeriesKey struct {
	Symbol string    `json:"symbol"`
	TF     Timeframe `json:"tf"`
}

// String returns "symbol:tf".
func (k SeriesKey) String() string {
	return k.Symbol + ":" + string(k.TF)
}

// NormalizeSymbol upper-cases and trims a user-entered ticker.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
