package model

import (
	"fmt"
	"strings"
)

// Side is a trade direction.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// ParseSide accepts "buy"/"sell" in any case.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(s))) {
	case Buy:
		return Buy, nil
	case Sell:
		return Sell, nil
	}
	return "", fmt.Errorf("%w: side %q", ErrInvalidInput, s)
}

// TradeMarker annotates a chart at the candle a trade was requested on.
// XIndex is the candle timestamp in Unix seconds.
type TradeMarker struct {
	Side   Side    `json:"side"`
	XIndex float64 `json:"x"`
	Price  float64 `json:"price"`
}
