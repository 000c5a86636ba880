package model

import "time"

// EventKind tags the broker events the engine consumes.
type EventKind string

const (
	EventConnectionStatus EventKind = "status"
	EventNewBar           EventKind = "bar"
	EventOrderAck         EventKind = "order_ack"
)

// Bar is a new OHLCV bar delivered by the broker for one series.
type Bar struct {
	Symbol string    `json:"symbol"`
	TF     Timeframe `json:"tf"`
	Candle Candle    `json:"candle"`
}

// Key returns the series this bar belongs to.
func (b *Bar) Key() SeriesKey {
	return SeriesKey{Symbol: b.Symbol, TF: b.TF}
}

// OrderAck is the broker's acknowledgement of a placed order.
type OrderAck struct {
	OrderID string `json:"order_id"`
	Symbol  string `json:"symbol"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Event is the narrow tagged union of broker events. Exactly one of the
// payload fields is set, matching Kind.
type Event struct {
	Kind   EventKind `json:"kind"`
	At     time.Time `json:"at"`
	Status string    `json:"status,omitempty"`
	Bar    *Bar      `json:"bar,omitempty"`
	Ack    *OrderAck `json:"ack,omitempty"`
}

// StatusEvent builds a ConnectionStatus event.
func StatusEvent(text string) Event {
	return Event{Kind: EventConnectionStatus, At: time.Now(), Status: text}
}

// BarEvent builds a NewBar event.
func BarEvent(bar Bar) Event {
	return Event{Kind: EventNewBar, At: time.Now(), Bar: &bar}
}

// AckEvent builds an OrderAck event.
func AckEvent(ack OrderAck) Event {
	return Event{Kind: EventOrderAck, At: time.Now(), Ack: &ack}
}
