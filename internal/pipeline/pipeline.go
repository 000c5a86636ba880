// Package pipeline is the façade over the bar engine: it owns the series
// store, indicator cache, alert engine and trade log, and runs every mutation
// on a dispatch.Serializer.
//
// Broker events arrive through HandleEvent from any goroutine. User actions
// and snapshot reads go through the context-taking methods, which block until
// the loop has executed them.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"barwatch/internal/alert"
	"barwatch/internal/dispatch"
	"barwatch/internal/indicator"
	"barwatch/internal/model"
	"barwatch/internal/series"
	"barwatch/internal/tradelog"
)

// Config tunes a Pipeline. Zero values pick the defaults.
type Config struct {
	Capacity    int              // candles per series, default series.MaxCandles
	SnoozeDelay time.Duration    // default alert.SnoozeDelay
	Now         func() time.Time // default time.Now
}

// Pipeline wires the core components together.
type Pipeline struct {
	loop   *dispatch.Serializer
	broker model.Broker
	notify model.Notifier
	obs    Observer
	cfg    Config

	// Owned by the loop.
	store  *series.Store
	inds   map[model.SeriesKey]indicator.Series
	alerts *alert.Engine
	trades *tradelog.Log
	watch  []string
	status string
}

// New creates a pipeline. notify and obs may be nil.
func New(loop *dispatch.Serializer, broker model.Broker, notify model.Notifier, obs Observer, cfg Config) *Pipeline {
	if cfg.Capacity <= 0 {
		cfg.Capacity = series.MaxCandles
	}
	if cfg.SnoozeDelay <= 0 {
		cfg.SnoozeDelay = alert.SnoozeDelay
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if notify == nil {
		notify = model.NotifierFunc(func(model.Notification) {})
	}
	if obs == nil {
		obs = NopObserver{}
	}

	p := &Pipeline{
		loop:   loop,
		broker: broker,
		notify: notify,
		obs:    obs,
		cfg:    cfg,
		store:  series.NewStoreWithCapacity(cfg.Capacity),
		inds:   make(map[model.SeriesKey]indicator.Series),
		alerts: alert.NewEngine(loop),
		trades: tradelog.New(),
		status: "Disconnected",
	}
	p.alerts.OnRearm = p.onRearm
	return p
}

// ── Broker events ──

// HandleEvent implements model.EventHandler. It never blocks on engine work.
func (p *Pipeline) HandleEvent(ev model.Event) {
	var task func()
	switch ev.Kind {
	case model.EventNewBar:
		if ev.Bar == nil {
			return
		}
		bar := *ev.Bar
		task = func() { p.onNewBar(bar) }
	case model.EventConnectionStatus:
		text := ev.Status
		task = func() { p.onConnectionStatus(text) }
	case model.EventOrderAck:
		if ev.Ack == nil {
			return
		}
		ack := *ev.Ack
		task = func() { p.onOrderAck(ack) }
	default:
		slog.Debug("pipeline: ignoring event", "kind", ev.Kind)
		return
	}

	if err := p.loop.Submit(task); err != nil {
		slog.Warn("pipeline: event dropped", "kind", ev.Kind, "err", err)
	}
}

// onNewBar runs ensure → append → recompute → evaluate for one candle.
func (p *Pipeline) onNewBar(bar model.Bar) {
	start := time.Now()

	bar.Symbol = model.NormalizeSymbol(bar.Symbol)
	if bar.Symbol == "" || !bar.TF.Valid() {
		slog.Warn("pipeline: malformed bar", "symbol", bar.Symbol, "tf", bar.TF)
		return
	}
	key := bar.Key()

	evicted := p.store.Append(key, bar.Candle)
	ind := indicator.Recompute(p.store.SnapshotCloses(key))
	p.inds[key] = ind

	for _, n := range p.alerts.Evaluate(bar.Symbol, bar.Candle.Close, p.cfg.Now()) {
		if a, ok := p.alerts.Get(n.AlertID); ok {
			p.obs.AlertChanged(AlertFired, a)
		}
		log.Printf("[pipeline] %s", n.Text)
		p.notify.Notify(n)
	}

	p.obs.BarApplied(bar, ind, evicted, time.Since(start))
}

func (p *Pipeline) onConnectionStatus(text string) {
	p.status = text
	p.emitStatus(text)
}

func (p *Pipeline) onOrderAck(ack model.OrderAck) {
	slog.Info("pipeline: order ack", "order_id", ack.OrderID, "symbol", ack.Symbol, "status", ack.Status, "message", ack.Message)
	text := fmt.Sprintf("Order %s %s: %s", ack.OrderID, ack.Symbol, ack.Status)
	if ack.Message != "" {
		text += " (" + ack.Message + ")"
	}
	p.emitStatus(text)
}

func (p *Pipeline) onRearm(a model.Alert) {
	p.obs.AlertChanged(AlertRearmed, a)
	p.emitStatus("Alert re-armed: " + a.String())
}

func (p *Pipeline) emitStatus(text string) {
	p.notify.Notify(model.Notification{
		Kind: model.NotifyStatus,
		TS:   p.cfg.Now(),
		Text: text,
	})
}

// ── Watchlist ──

// Watch adds symbol to the watch set, provisions its buffers and subscribes
// to realtime bars on every timeframe. Watching an already watched symbol is
// a no-op. Returns the normalized symbol.
func (p *Pipeline) Watch(ctx context.Context, symbol string) (string, error) {
	sym := model.NormalizeSymbol(symbol)
	if sym == "" {
		return "", fmt.Errorf("%w: empty symbol", model.ErrInvalidInput)
	}

	var added bool
	err := p.loop.Do(ctx, func() {
		p.store.EnsureSymbol(sym)
		if p.watching(sym) >= 0 {
			return
		}
		p.watch = append(p.watch, sym)
		added = true
	})
	if err != nil || !added {
		return sym, err
	}

	for _, tf := range model.Timeframes {
		if err := p.broker.RequestRealtimeBars(sym, tf); err != nil {
			p.reportBrokerError(err)
		}
	}
	log.Printf("[pipeline] watching %s", sym)
	return sym, nil
}

// Unwatch removes symbol from the watch set. Its candle history and
// indicators are kept. Reports whether it was watched.
func (p *Pipeline) Unwatch(ctx context.Context, symbol string) (bool, error) {
	sym := model.NormalizeSymbol(symbol)
	var removed bool
	err := p.loop.Do(ctx, func() {
		i := p.watching(sym)
		if i < 0 {
			return
		}
		p.watch = append(p.watch[:i], p.watch[i+1:]...)
		removed = true
	})
	if removed {
		log.Printf("[pipeline] unwatched %s", sym)
	}
	return removed, err
}

// RequestHistory asks the broker to replay history for a watched symbol on
// every timeframe. Replies arrive as ordinary bars and are appended.
func (p *Pipeline) RequestHistory(ctx context.Context, symbol string) error {
	sym := model.NormalizeSymbol(symbol)
	var watched bool
	if err := p.loop.Do(ctx, func() { watched = p.watching(sym) >= 0 }); err != nil {
		return err
	}
	if !watched {
		return fmt.Errorf("%w: %q is not watched", model.ErrInvalidInput, symbol)
	}

	for _, tf := range model.Timeframes {
		if err := p.broker.RequestHistoricalBars(sym, tf); err != nil {
			p.reportBrokerError(err)
			return fmt.Errorf("request history %s: %w", sym, err)
		}
	}
	return nil
}

func (p *Pipeline) watching(sym string) int {
	for i, s := range p.watch {
		if s == sym {
			return i
		}
	}
	return -1
}

func (p *Pipeline) reportBrokerError(err error) {
	text := "Error: " + err.Error()
	if subErr := p.loop.Submit(func() { p.onConnectionStatus(text) }); subErr != nil {
		slog.Warn("pipeline: broker error dropped", "err", err)
	}
}

// ── Alerts ──

// AddAlert parses priceText and dirText and arms a new alert. Malformed input
// returns ErrInvalidInput and mutates nothing.
func (p *Pipeline) AddAlert(ctx context.Context, symbol, priceText, dirText string, oneShot bool) (model.Alert, error) {
	price, err := strconv.ParseFloat(strings.TrimSpace(priceText), 64)
	if err != nil {
		return model.Alert{}, fmt.Errorf("%w: alert price %q", model.ErrInvalidInput, priceText)
	}
	dir, err := model.ParseDirection(dirText)
	if err != nil {
		return model.Alert{}, err
	}

	var a model.Alert
	doErr := p.loop.Do(ctx, func() {
		a, err = p.alerts.Add(symbol, price, dir, oneShot)
		if err == nil {
			p.obs.AlertChanged(AlertAdded, a)
		}
	})
	if doErr != nil {
		return model.Alert{}, doErr
	}
	return a, err
}

// RemoveAlert deletes an armed or snoozed alert.
func (p *Pipeline) RemoveAlert(ctx context.Context, id string) error {
	var (
		removed bool
		a       model.Alert
	)
	err := p.loop.Do(ctx, func() {
		a, _ = p.alerts.Get(id)
		removed = p.alerts.Remove(id)
		if removed {
			a.ID = id
			p.obs.AlertChanged(AlertRemoved, a)
		}
	})
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("%w: %s", model.ErrAlertNotFound, id)
	}
	return nil
}

// SnoozeAlert takes an alert out of the armed set for the snooze delay and
// returns when it will be re-armed.
func (p *Pipeline) SnoozeAlert(ctx context.Context, id string) (time.Time, error) {
	var (
		until time.Time
		err   error
	)
	doErr := p.loop.Do(ctx, func() {
		a, _ := p.alerts.Get(id)
		until, err = p.alerts.Snooze(id, p.cfg.SnoozeDelay)
		if err == nil {
			p.obs.AlertChanged(AlertSnoozed, a)
			p.emitStatus("Alert snoozed for " + p.cfg.SnoozeDelay.String())
		}
	})
	if doErr != nil {
		return time.Time{}, doErr
	}
	return until, err
}

// ── Trades ──

// Trade places a market order and annotates the symbol's latest 1m candle.
// The order is sent before the marker is written; ErrNoDataForSymbol means
// no marker was recorded. Once the order is out, the marker is recorded even
// if ctx ends first, so a timed-out caller may still find it in the log.
func (p *Pipeline) Trade(ctx context.Context, symbol, amountText string, side model.Side) (model.TradeMarker, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(amountText))
	if err != nil || !amount.IsPositive() {
		return model.TradeMarker{}, fmt.Errorf("%w: amount %q", model.ErrInvalidInput, amountText)
	}
	sym := model.NormalizeSymbol(symbol)
	if sym == "" {
		return model.TradeMarker{}, fmt.Errorf("%w: empty symbol", model.ErrInvalidInput)
	}
	if side != model.Buy && side != model.Sell {
		return model.TradeMarker{}, fmt.Errorf("%w: side %q", model.ErrInvalidInput, side)
	}

	if err := ctx.Err(); err != nil {
		return model.TradeMarker{}, err
	}
	if err := p.broker.PlaceOrder(sym, amount, side); err != nil {
		p.reportBrokerError(fmt.Errorf("order: %w", err))
		return model.TradeMarker{}, fmt.Errorf("place order %s: %w", sym, err)
	}

	var m model.TradeMarker
	doErr := p.loop.Do(context.WithoutCancel(ctx), func() {
		m, err = p.trades.Record(p.store, sym, side)
		if err != nil {
			return
		}
		now := p.cfg.Now()
		p.obs.TradeRecorded(TradeRecord{Symbol: sym, Side: side, Amount: amount, Marker: m, At: now})
		p.notify.Notify(model.Notification{
			Kind:   model.NotifyTrade,
			TS:     now,
			Text:   fmt.Sprintf("%s %s %s $%s @ %.2f", now.Format("15:04:05"), side, sym, amount.String(), m.Price),
			Symbol: sym,
			Side:   side,
			Amount: amount,
			Price:  m.Price,
		})
	})
	if doErr != nil {
		return model.TradeMarker{}, doErr
	}
	return m, err
}

// ── Snapshots ──

// Candles returns a copy of the candles for key, oldest first.
func (p *Pipeline) Candles(ctx context.Context, key model.SeriesKey) ([]model.Candle, error) {
	var out []model.Candle
	err := p.loop.Do(ctx, func() { out = p.store.Candles(key) })
	return out, err
}

// Indicators returns a copy of the SMA/EMA series for key. It never changes
// engine state: a series without cached values is computed on the fly.
func (p *Pipeline) Indicators(ctx context.Context, key model.SeriesKey) (indicator.Series, error) {
	var out indicator.Series
	err := p.loop.Do(ctx, func() {
		ind, ok := p.inds[key]
		if !ok && p.store.Has(key) {
			ind = indicator.Recompute(p.store.SnapshotCloses(key))
		}
		out = indicator.Series{
			SMA: append([]float64(nil), ind.SMA...),
			EMA: append([]float64(nil), ind.EMA...),
		}
		if out.SMA == nil {
			out = indicator.Series{SMA: []float64{}, EMA: []float64{}}
		}
	})
	return out, err
}

// TradeMarkers returns a copy of the markers for side.
func (p *Pipeline) TradeMarkers(ctx context.Context, side model.Side) ([]model.TradeMarker, error) {
	var out []model.TradeMarker
	err := p.loop.Do(ctx, func() { out = p.trades.Markers(side) })
	return out, err
}

// AlertsView is the armed set plus pending snoozes.
type AlertsView struct {
	Armed   []model.Alert   `json:"armed"`
	Snoozed []alert.Snoozed `json:"snoozed"`
}

// Alerts returns a copy of every alert.
func (p *Pipeline) Alerts(ctx context.Context) (AlertsView, error) {
	var out AlertsView
	err := p.loop.Do(ctx, func() {
		out = AlertsView{Armed: p.alerts.List(), Snoozed: p.alerts.Snoozed()}
	})
	return out, err
}

// Watchlist returns the watched symbols in the order they were added.
func (p *Pipeline) Watchlist(ctx context.Context) ([]string, error) {
	var out []string
	err := p.loop.Do(ctx, func() { out = append([]string{}, p.watch...) })
	return out, err
}

// Status summarizes engine state.
type Status struct {
	Connection string `json:"connection"`
	Watched    int    `json:"watched"`
	Series     int    `json:"series"`
	Alerts     int    `json:"alerts"`
	Snoozed    int    `json:"snoozed"`
	Markers    int    `json:"markers"`
}

// Status returns the last connection status line and engine counts.
func (p *Pipeline) Status(ctx context.Context) (Status, error) {
	var out Status
	err := p.loop.Do(ctx, func() {
		out = Status{
			Connection: p.status,
			Watched:    len(p.watch),
			Series:     p.store.Keys(),
			Alerts:     p.alerts.Len(),
			Snoozed:    len(p.alerts.Snoozed()),
			Markers:    p.trades.Len(),
		}
	})
	return out, err
}

// ── Restore ──

// State is previously journaled engine state.
type State struct {
	Bars    []model.Bar
	Alerts  []model.Alert
	Markers []model.TradeMarker
}

// Restore loads journaled state without emitting notifications or observer
// calls. Bars must be in arrival order.
func (p *Pipeline) Restore(ctx context.Context, st State) error {
	return p.loop.Do(ctx, func() {
		touched := make(map[model.SeriesKey]struct{})
		for _, b := range st.Bars {
			b.Symbol = model.NormalizeSymbol(b.Symbol)
			if b.Symbol == "" || !b.TF.Valid() {
				continue
			}
			p.store.Append(b.Key(), b.Candle)
			touched[b.Key()] = struct{}{}
		}
		for key := range touched {
			p.inds[key] = indicator.Recompute(p.store.SnapshotCloses(key))
		}
		for _, a := range st.Alerts {
			p.alerts.Restore(a)
		}
		for _, m := range st.Markers {
			p.trades.Append(m)
		}
		log.Printf("[pipeline] restored %d bars, %d alerts, %d markers", len(st.Bars), len(st.Alerts), len(st.Markers))
	})
}
