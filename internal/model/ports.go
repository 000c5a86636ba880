package model

import "github.com/shopspring/decimal"

// ── Collaborator Port Interfaces ──
// These interfaces decouple the engine from the broker session layer and the
// presentation layer. Concrete adapters live outside the core packages.

// Broker is the outbound half of the broker collaborator. Every call is
// fire-and-forget: an error only means the request could not be queued.
type Broker interface {
	// RequestRealtimeBars subscribes to live bars for a series.
	RequestRealtimeBars(symbol string, tf Timeframe) error

	// RequestHistoricalBars asks for a history replay for a series.
	// Replies arrive as ordinary NewBar events.
	RequestHistoricalBars(symbol string, tf Timeframe) error

	// PlaceOrder submits a market order for a notional amount.
	PlaceOrder(symbol string, amount decimal.Decimal, side Side) error
}

// EventHandler receives the inbound half of the broker collaborator.
// HandleEvent may be called from any goroutine.
type EventHandler interface {
	HandleEvent(ev Event)
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ev Event)

func (f EventHandlerFunc) HandleEvent(ev Event) { f(ev) }

// Notifier receives notifications for the presentation layer.
// Implementations must not block.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(n Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }
