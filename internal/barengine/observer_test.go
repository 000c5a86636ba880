package barengine

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"

	"barwatch/internal/indicator"
	"barwatch/internal/metrics"
	"barwatch/internal/model"
	"barwatch/internal/pipeline"
	sqlitestore "barwatch/internal/store/sqlite"
)

type recordingJournal struct {
	entries []sqlitestore.Entry
}

func (j *recordingJournal) Enqueue(e sqlitestore.Entry) bool {
	j.entries = append(j.entries, e)
	return true
}

type recordingSink struct {
	bars []model.Bar
	inds []indicator.Series
}

func (s *recordingSink) PublishBar(bar model.Bar, ind indicator.Series) {
	s.bars = append(s.bars, bar)
	s.inds = append(s.inds, ind)
}

type recordingPaper struct{ closes []float64 }

func (p *recordingPaper) ObserveBar(bar model.Bar) { p.closes = append(p.closes, bar.Candle.Close) }

// value reads the current value of a counter or gauge.
func value(c prometheus.Metric) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return -1
	}
	if m.Counter != nil {
		return m.GetCounter().GetValue()
	}
	return m.GetGauge().GetValue()
}

func newTestObserver() (*engineObserver, *recordingJournal, *recordingSink, *recordingPaper) {
	j := &recordingJournal{}
	s := &recordingSink{}
	p := &recordingPaper{}
	now := time.Date(2024, 5, 6, 9, 32, 0, 0, time.UTC)
	o := &engineObserver{
		prom:    metrics.NewMetrics(prometheus.NewRegistry()),
		health:  metrics.NewHealthStatus(),
		journal: j,
		redis:   s,
		paper:   p,
		now:     func() time.Time { return now },
	}
	return o, j, s, p
}

func TestObserverBarApplied(t *testing.T) {
	o, j, s, p := newTestObserver()
	bar := model.Bar{
		Symbol: "AAPL",
		TF:     model.TF1m,
		Candle: model.Candle{TS: time.Date(2024, 5, 6, 9, 31, 0, 0, time.UTC), Close: 101},
	}
	ind := indicator.Series{SMA: []float64{99, 100}, EMA: []float64{99.5, 100.5}}

	o.BarApplied(bar, ind, true, 3*time.Millisecond)

	if len(j.entries) != 1 || j.entries[0].Kind != sqlitestore.EntryBar || j.entries[0].Bar.Candle.Close != 101 {
		t.Errorf("journal entries = %+v, want one bar", j.entries)
	}
	if len(s.inds) != 1 {
		t.Fatalf("redis publishes = %d, want 1", len(s.inds))
	}
	if got := s.inds[0]; len(got.SMA) != 1 || got.SMA[0] != 100 || got.EMA[0] != 100.5 {
		t.Errorf("published indicators = %+v, want last point only", got)
	}
	if len(p.closes) != 1 || p.closes[0] != 101 {
		t.Errorf("paper closes = %v", p.closes)
	}

	if got := value(o.prom.BarsTotal.WithLabelValues("1m")); got != 1 {
		t.Errorf("bars_total{tf=1m} = %v, want 1", got)
	}
	if got := value(o.prom.BarsEvicted); got != 1 {
		t.Errorf("bars_evicted = %v, want 1", got)
	}
	if got := value(o.prom.LastBarLag); got != 60 {
		t.Errorf("last_bar_lag = %v, want 60", got)
	}
}

func TestObserverEmptyIndicators(t *testing.T) {
	o, _, s, _ := newTestObserver()
	o.BarApplied(model.Bar{Symbol: "AAPL", TF: model.TF5m}, indicator.Series{}, false, 0)
	if len(s.inds) != 1 || s.inds[0].SMA != nil {
		t.Errorf("published = %+v, want empty series", s.inds)
	}
}

func TestObserverAlertChanges(t *testing.T) {
	a := model.Alert{ID: "a1", Symbol: "AAPL", TargetPrice: 150, Direction: model.Above, Triggered: true}

	tests := []struct {
		change        pipeline.AlertChange
		wantKind      sqlitestore.EntryKind
		wantTriggered bool
	}{
		{pipeline.AlertAdded, sqlitestore.EntryAlert, true},
		{pipeline.AlertFired, sqlitestore.EntryAlert, true},
		{pipeline.AlertSnoozed, sqlitestore.EntryAlert, false},
		{pipeline.AlertRearmed, sqlitestore.EntryAlert, true},
		{pipeline.AlertRemoved, sqlitestore.EntryAlertDelete, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.change), func(t *testing.T) {
			o, j, _, _ := newTestObserver()
			o.AlertChanged(tt.change, a)
			if len(j.entries) != 1 {
				t.Fatalf("entries = %d, want 1", len(j.entries))
			}
			e := j.entries[0]
			if e.Kind != tt.wantKind || e.Alert.ID != "a1" || e.Alert.Triggered != tt.wantTriggered {
				t.Errorf("entry = kind %v triggered %v, want kind %v triggered %v",
					e.Kind, e.Alert.Triggered, tt.wantKind, tt.wantTriggered)
			}
			if got := value(o.prom.AlertChanges.WithLabelValues(string(tt.change))); got != 1 {
				t.Errorf("alert_changes{%s} = %v, want 1", tt.change, got)
			}
			wantFired := 0.0
			if tt.change == pipeline.AlertFired {
				wantFired = 1
			}
			if got := value(o.prom.AlertsFired); got != wantFired {
				t.Errorf("alerts_fired = %v, want %v", got, wantFired)
			}
		})
	}
}

func TestObserverTradeRecorded(t *testing.T) {
	o, j, _, _ := newTestObserver()
	at := time.Date(2024, 5, 6, 9, 31, 5, 0, time.UTC)
	o.TradeRecorded(pipeline.TradeRecord{
		Symbol: "AAPL",
		Side:   model.Sell,
		Amount: decimal.RequireFromString("25"),
		Marker: model.TradeMarker{Side: model.Sell, XIndex: 1714987860, Price: 187.5},
		At:     at,
	})

	if len(j.entries) != 1 || j.entries[0].Kind != sqlitestore.EntryTrade {
		t.Fatalf("entries = %+v, want one trade", j.entries)
	}
	tr := j.entries[0].Trade
	if tr.Symbol != "AAPL" || !tr.Amount.Equal(decimal.NewFromInt(25)) || tr.Marker.Price != 187.5 || !tr.At.Equal(at) {
		t.Errorf("trade = %+v", tr)
	}
	if got := value(o.prom.Trades.WithLabelValues("SELL")); got != 1 {
		t.Errorf("trades{side=SELL} = %v, want 1", got)
	}
}

func TestObserverNilSinks(t *testing.T) {
	o := &engineObserver{now: time.Now}
	o.BarApplied(model.Bar{Symbol: "AAPL", TF: model.TF1m}, indicator.Series{}, false, 0)
	o.AlertChanged(pipeline.AlertAdded, model.Alert{ID: "x"})
	o.TradeRecorded(pipeline.TradeRecord{Symbol: "AAPL", Side: model.Buy})
}
