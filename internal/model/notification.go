package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// NotificationKind classifies what the presentation layer is being told.
type NotificationKind string

const (
	NotifyAlert  NotificationKind = "alert"
	NotifyStatus NotificationKind = "status"
	NotifyTrade  NotificationKind = "trade"
)

// Notification is emitted on alert fire, connection-status change and
// trade-log append. Fields not relevant to Kind are left zero.
type Notification struct {
	Kind NotificationKind `json:"kind"`
	TS   time.Time        `json:"ts"`
	Text string           `json:"text"`

	Symbol      string    `json:"symbol,omitempty"`
	AlertID     string    `json:"alert_id,omitempty"`
	Direction   Direction `json:"direction,omitempty"`
	TargetPrice float64   `json:"target_price,omitempty"`
	ClosePrice  float64   `json:"close_price,omitempty"`

	Side   Side            `json:"side,omitempty"`
	Amount decimal.Decimal `json:"amount,omitempty"`
	Price  float64         `json:"price,omitempty"`
}

// JSON returns the JSON-encoded notification.
func (n *Notification) JSON() []byte {
	b, _ := json.Marshal(n)
	return b
}
