package broker

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"barwatch/internal/model"
)

// Fill represents a simulated order fill.
type Fill struct {
	OrderID   string          `json:"order_id"`
	Symbol    string          `json:"symbol"`
	Side      model.Side      `json:"side"`
	Amount    decimal.Decimal `json:"amount"`
	FillPrice float64         `json:"fill_price"`
	Slippage  float64         `json:"slippage"`
	FilledAt  time.Time       `json:"filled_at"`
}

// Paper simulates order execution without a real broker. Market data
// requests are forwarded to Feed when one is set; orders are filled at the
// last observed close plus slippage and acknowledged immediately.
type Paper struct {
	Feed    model.Broker // optional market data source
	handler model.EventHandler

	mu       sync.RWMutex
	fills    []Fill
	last     map[string]float64
	orderSeq int64

	// Simulation parameters
	slippageBps int64 // basis points of slippage (e.g., 5 = 0.05%)
}

// NewPaper creates a paper broker. slippageBps controls simulated slippage
// in basis points.
func NewPaper(h model.EventHandler, slippageBps int64) *Paper {
	return &Paper{
		handler:     h,
		fills:       make([]Fill, 0, 1000),
		last:        make(map[string]float64),
		slippageBps: slippageBps,
	}
}

// ObserveBar records the latest close for fill pricing.
func (p *Paper) ObserveBar(bar model.Bar) {
	p.mu.Lock()
	p.last[bar.Symbol] = bar.Candle.Close
	p.mu.Unlock()
}

func (p *Paper) RequestRealtimeBars(symbol string, tf model.Timeframe) error {
	if p.Feed == nil {
		return nil
	}
	return p.Feed.RequestRealtimeBars(symbol, tf)
}

func (p *Paper) RequestHistoricalBars(symbol string, tf model.Timeframe) error {
	if p.Feed == nil {
		return nil
	}
	return p.Feed.RequestHistoricalBars(symbol, tf)
}

// PlaceOrder fills the order and delivers an OrderAck to the handler.
func (p *Paper) PlaceOrder(symbol string, amount decimal.Decimal, side model.Side) error {
	p.mu.Lock()
	p.orderSeq++
	orderID := fmt.Sprintf("PAPER-%d", p.orderSeq)

	fillPrice, priced := p.last[symbol]
	slippage := 0.0
	if priced && p.slippageBps > 0 {
		slippage = fillPrice * float64(p.slippageBps) / 10000
		if side == model.Buy {
			fillPrice += slippage // buy higher
		} else {
			fillPrice -= slippage // sell lower
		}
	}

	fill := Fill{
		OrderID:   orderID,
		Symbol:    symbol,
		Side:      side,
		Amount:    amount,
		FillPrice: fillPrice,
		Slippage:  slippage,
		FilledAt:  time.Now(),
	}
	p.fills = append(p.fills, fill)
	p.mu.Unlock()

	ack := model.OrderAck{OrderID: orderID, Symbol: symbol, Status: "FILLED"}
	if priced {
		ack.Message = fmt.Sprintf("paper %s $%s filled at %.2f", side, amount, fillPrice)
	} else {
		ack.Status = "ACCEPTED"
		ack.Message = "no price yet"
	}

	log.Printf("[paper] %s %s $%s price=%.2f (slip=%.4f) order=%s",
		side, symbol, amount, fillPrice, slippage, orderID)

	if p.handler != nil {
		p.handler.HandleEvent(model.AckEvent(ack))
	}
	return nil
}

// Fills returns a snapshot of all fills.
func (p *Paper) Fills() []Fill {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cp := make([]Fill, len(p.fills))
	copy(cp, p.fills)
	return cp
}
