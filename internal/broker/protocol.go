// Package broker adapts a broker session to the engine's model.Broker and
// model.EventHandler ports.
//
// The WebSocket client speaks plain JSON frames, one object per message.
// Outbound requests:
//
//	{"type":"login","id":1,"client_id":"bw-1","totp":"123456"}
//	{"type":"realtime","id":2,"symbol":"AAPL","tf":"1m"}
//	{"type":"history","id":3,"symbol":"AAPL","tf":"5m"}
//	{"type":"order","id":4,"symbol":"AAPL","amount":"100","side":"BUY"}
//
// Inbound messages:
//
//	{"type":"bar","symbol":"AAPL","tf":"1m","candle":{"ts":"...","open":1,...}}
//	{"type":"ack","order_id":"4","symbol":"AAPL","status":"FILLED"}
//	{"type":"status","message":"market open"}
//	{"type":"error","req_id":3,"code":162,"message":"no data"}
package broker

import (
	"fmt"

	"barwatch/internal/model"
)

// Request types.
const (
	ReqLogin    = "login"
	ReqRealtime = "realtime"
	ReqHistory  = "history"
	ReqOrder    = "order"
)

// Message types.
const (
	MsgBar    = "bar"
	MsgAck    = "ack"
	MsgStatus = "status"
	MsgError  = "error"
)

// Request is an outbound frame.
type Request struct {
	Type     string          `json:"type"`
	ID       int64           `json:"id"`
	ClientID string          `json:"client_id,omitempty"`
	TOTP     string          `json:"totp,omitempty"`
	Symbol   string          `json:"symbol,omitempty"`
	TF       model.Timeframe `json:"tf,omitempty"`
	Amount   string          `json:"amount,omitempty"`
	Side     model.Side      `json:"side,omitempty"`
}

// Message is an inbound frame.
type Message struct {
	Type    string          `json:"type"`
	ReqID   int64           `json:"req_id,omitempty"`
	Code    int             `json:"code,omitempty"`
	Symbol  string          `json:"symbol,omitempty"`
	TF      model.Timeframe `json:"tf,omitempty"`
	Candle  *model.Candle   `json:"candle,omitempty"`
	OrderID string          `json:"order_id,omitempty"`
	Status  string          `json:"status,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Event converts an inbound message to an engine event. ok is false for
// messages that carry nothing the engine consumes.
func (m *Message) Event() (ev model.Event, ok bool) {
	switch m.Type {
	case MsgBar:
		if m.Candle == nil || m.Symbol == "" {
			return model.Event{}, false
		}
		return model.BarEvent(model.Bar{Symbol: m.Symbol, TF: m.TF, Candle: *m.Candle}), true
	case MsgAck:
		return model.AckEvent(model.OrderAck{
			OrderID: m.OrderID,
			Symbol:  m.Symbol,
			Status:  m.Status,
			Message: m.Message,
		}), true
	case MsgStatus:
		return model.StatusEvent(m.Message), true
	case MsgError:
		if m.ReqID != 0 {
			return model.StatusEvent(fmt.Sprintf("Request %d, Code %d - %s", m.ReqID, m.Code, m.Message)), true
		}
		return model.StatusEvent("Error: " + m.Message), true
	}
	return model.Event{}, false
}
