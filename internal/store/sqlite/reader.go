package sqlite

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"barwatch/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Reader provides read-only access to the journal for startup restore and
// the history endpoints.
type Reader struct {
	db *sql.DB
}

// Reader returns a Reader sharing the writer's connection.
func (w *Writer) Reader() *Reader {
	return &Reader{db: w.db}
}

// LoadBars returns at most perSeries of the newest bars for every series,
// ordered by symbol, timeframe, then timestamp ascending for replay.
func (r *Reader) LoadBars(perSeries int) ([]model.Bar, error) {
	rows, err := r.db.Query(`
		SELECT symbol, tf, ts, open, high, low, close, volume FROM (
			SELECT *, ROW_NUMBER() OVER (PARTITION BY symbol, tf ORDER BY ts DESC) AS rn
			FROM bars
		)
		WHERE rn <= ?
		ORDER BY symbol, tf, ts ASC
	`, perSeries)
	if err != nil {
		return nil, fmt.Errorf("sqlite query bars: %w", err)
	}
	defer rows.Close()

	var bars []model.Bar
	for rows.Next() {
		var (
			b      model.Bar
			tf     string
			tsUnix int64
			vol    sql.NullFloat64
		)
		if err := rows.Scan(&b.Symbol, &tf, &tsUnix, &b.Candle.Open, &b.Candle.High, &b.Candle.Low, &b.Candle.Close, &vol); err != nil {
			return nil, fmt.Errorf("sqlite scan bars: %w", err)
		}
		b.TF = model.Timeframe(tf)
		b.Candle.TS = time.Unix(tsUnix, 0).UTC()
		b.Candle.Volume = vol.Float64
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// LoadAlerts returns every journaled alert in creation order.
func (r *Reader) LoadAlerts() ([]model.Alert, error) {
	rows, err := r.db.Query(`
		SELECT id, symbol, target, direction, one_shot, triggered, created_at
		FROM alerts ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []model.Alert
	for rows.Next() {
		var (
			a       model.Alert
			dir     string
			created int64
		)
		if err := rows.Scan(&a.ID, &a.Symbol, &a.TargetPrice, &dir, &a.OneShot, &a.Triggered, &created); err != nil {
			return nil, fmt.Errorf("sqlite scan alerts: %w", err)
		}
		a.Direction = model.Direction(dir)
		a.CreatedAt = time.UnixMilli(created).UTC()
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// TradeRow represents a row from the trades table.
type TradeRow struct {
	ID     int64           `json:"id"`
	Symbol string          `json:"symbol"`
	Side   model.Side      `json:"side"`
	Amount decimal.Decimal `json:"amount"`
	Price  float64         `json:"price"`
	X      float64         `json:"x"`
	At     time.Time       `json:"at"`
}

// Marker returns the chart marker recorded with the trade.
func (t TradeRow) Marker() model.TradeMarker {
	return model.TradeMarker{Side: t.Side, XIndex: t.X, Price: t.Price}
}

// Trades returns the last limit trades, oldest first. limit <= 0 means all.
func (r *Reader) Trades(limit int) ([]TradeRow, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.Query(`
		SELECT id, symbol, side, amount, price, x, created_at FROM (
			SELECT * FROM trades ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query trades: %w", err)
	}
	defer rows.Close()

	var trades []TradeRow
	for rows.Next() {
		var (
			t       TradeRow
			side    string
			amount  string
			created int64
		)
		if err := rows.Scan(&t.ID, &t.Symbol, &side, &amount, &t.Price, &t.X, &created); err != nil {
			return nil, fmt.Errorf("sqlite scan trades: %w", err)
		}
		t.Side = model.Side(side)
		t.At = time.UnixMilli(created).UTC()
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			log.Printf("[sqlite-reader] trade %d has bad amount %q: %v", t.ID, amount, err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Notifications returns the newest limit notifications of kind, newest
// first. An empty kind matches every notification.
func (r *Reader) Notifications(kind model.NotificationKind, limit int) ([]model.Notification, error) {
	rows, err := r.db.Query(`
		SELECT kind, COALESCE(symbol, ''), text, ts
		FROM notifications
		WHERE ? = '' OR kind = ?
		ORDER BY id DESC LIMIT ?
	`, string(kind), string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query notifications: %w", err)
	}
	defer rows.Close()

	var out []model.Notification
	for rows.Next() {
		var (
			n    model.Notification
			kind string
			ts   int64
		)
		if err := rows.Scan(&kind, &n.Symbol, &n.Text, &ts); err != nil {
			return nil, fmt.Errorf("sqlite scan notifications: %w", err)
		}
		n.Kind = model.NotificationKind(kind)
		n.TS = time.UnixMilli(ts).UTC()
		out = append(out, n)
	}
	return out, rows.Err()
}
