package barengine

import (
	"time"

	"barwatch/internal/indicator"
	"barwatch/internal/metrics"
	"barwatch/internal/model"
	"barwatch/internal/pipeline"
	redisstore "barwatch/internal/store/redis"
	sqlitestore "barwatch/internal/store/sqlite"
)

// barSink receives every applied bar with its indicator values.
type barSink interface {
	PublishBar(bar model.Bar, ind indicator.Series)
}

// priceObserver tracks closes for simulated fills.
type priceObserver interface {
	ObserveBar(bar model.Bar)
}

// journal is the subset of the SQLite writer the observer feeds.
type journal interface {
	Enqueue(e sqlitestore.Entry) bool
}

// engineObserver fans pipeline changes out to metrics, health, the journal
// and Redis. It runs on the dispatch loop; every sink is a non-blocking
// enqueue. Nil sinks are skipped.
type engineObserver struct {
	prom    *metrics.Metrics
	health  *metrics.HealthStatus
	journal journal
	redis   barSink
	paper   priceObserver
	now     func() time.Time
}

var _ pipeline.Observer = (*engineObserver)(nil)

func (o *engineObserver) BarApplied(bar model.Bar, ind indicator.Series, evicted bool, took time.Duration) {
	if o.prom != nil {
		o.prom.BarsTotal.WithLabelValues(string(bar.TF)).Inc()
		o.prom.PipelineDur.Observe(took.Seconds())
		if evicted {
			o.prom.BarsEvicted.Inc()
		}
		if !bar.Candle.TS.IsZero() {
			o.prom.LastBarLag.Set(o.now().Sub(bar.Candle.TS).Seconds())
		}
	}
	if o.health != nil {
		o.health.SetLastBarTime(o.now())
	}
	if o.journal != nil {
		o.journal.Enqueue(sqlitestore.Entry{Kind: sqlitestore.EntryBar, Bar: bar})
	}
	if o.redis != nil {
		o.redis.PublishBar(bar, lastPoint(ind))
	}
	if o.paper != nil {
		o.paper.ObserveBar(bar)
	}
}

func (o *engineObserver) AlertChanged(change pipeline.AlertChange, a model.Alert) {
	if o.prom != nil {
		o.prom.AlertChanges.WithLabelValues(string(change)).Inc()
		if change == pipeline.AlertFired {
			o.prom.AlertsFired.Inc()
		}
	}
	if o.journal == nil {
		return
	}

	switch change {
	case pipeline.AlertRemoved:
		o.journal.Enqueue(sqlitestore.Entry{Kind: sqlitestore.EntryAlertDelete, Alert: a})
	case pipeline.AlertSnoozed:
		// A snooze is not journaled; after a restart the alert comes back armed.
		a.Triggered = false
		o.journal.Enqueue(sqlitestore.Entry{Kind: sqlitestore.EntryAlert, Alert: a})
	default:
		o.journal.Enqueue(sqlitestore.Entry{Kind: sqlitestore.EntryAlert, Alert: a})
	}
}

func (o *engineObserver) TradeRecorded(tr pipeline.TradeRecord) {
	if o.prom != nil {
		o.prom.Trades.WithLabelValues(string(tr.Side)).Inc()
	}
	if o.journal != nil {
		o.journal.Enqueue(sqlitestore.Entry{
			Kind: sqlitestore.EntryTrade,
			Trade: sqlitestore.Trade{
				Symbol: tr.Symbol,
				Side:   tr.Side,
				Amount: tr.Amount,
				Marker: tr.Marker,
				At:     tr.At,
			},
		})
	}
}

// lastPoint trims ind to its final values so the Redis queue does not hold
// on to slices the loop keeps mutating.
func lastPoint(ind indicator.Series) indicator.Series {
	sma, ema, ok := ind.Last()
	if !ok {
		return indicator.Series{}
	}
	return indicator.Series{SMA: []float64{sma}, EMA: []float64{ema}}
}

var _ barSink = (*redisstore.Publisher)(nil)
