package pipeline

import (
	"time"

	"github.com/shopspring/decimal"

	"barwatch/internal/indicator"
	"barwatch/internal/model"
)

// AlertChange names a transition in an alert's life.
type AlertChange string

const (
	AlertAdded   AlertChange = "added"
	AlertFired   AlertChange = "fired"
	AlertRemoved AlertChange = "removed"
	AlertSnoozed AlertChange = "snoozed"
	AlertRearmed AlertChange = "rearmed"
)

// TradeRecord is a trade request that produced a marker.
type TradeRecord struct {
	Symbol string            `json:"symbol"`
	Side   model.Side        `json:"side"`
	Amount decimal.Decimal   `json:"amount"`
	Marker model.TradeMarker `json:"marker"`
	At     time.Time         `json:"at"`
}

// Observer follows pipeline state changes for the outer layers (metrics,
// Redis, the journal). Every call is made on the dispatch loop, so
// implementations must hand work off instead of blocking.
type Observer interface {
	BarApplied(bar model.Bar, ind indicator.Series, evicted bool, took time.Duration)
	AlertChanged(change AlertChange, a model.Alert)
	TradeRecorded(tr TradeRecord)
}

// Observers fans every call out to each member in order.
type Observers []Observer

func (o Observers) BarApplied(bar model.Bar, ind indicator.Series, evicted bool, took time.Duration) {
	for _, ob := range o {
		ob.BarApplied(bar, ind, evicted, took)
	}
}

func (o Observers) AlertChanged(change AlertChange, a model.Alert) {
	for _, ob := range o {
		ob.AlertChanged(change, a)
	}
}

func (o Observers) TradeRecorded(tr TradeRecord) {
	for _, ob := range o {
		ob.TradeRecorded(tr)
	}
}

// NopObserver ignores everything.
type NopObserver struct{}

func (NopObserver) BarApplied(model.Bar, indicator.Series, bool, time.Duration) {}
func (NopObserver) AlertChanged(AlertChange, model.Alert)                      {}
func (NopObserver) TradeRecorded(TradeRecord)                                  {}
