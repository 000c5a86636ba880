package barengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"barwatch/internal/dispatch"
	"barwatch/internal/model"
	"barwatch/internal/pipeline"
	sqlitestore "barwatch/internal/store/sqlite"
)

type fakeBroker struct {
	mu       sync.Mutex
	realtime []model.SeriesKey
	history  []model.SeriesKey
	orders   []string
	orderErr error
}

func (b *fakeBroker) RequestRealtimeBars(symbol string, tf model.Timeframe) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.realtime = append(b.realtime, model.SeriesKey{Symbol: symbol, TF: tf})
	return nil
}

func (b *fakeBroker) RequestHistoricalBars(symbol string, tf model.Timeframe) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, model.SeriesKey{Symbol: symbol, TF: tf})
	return nil
}

func (b *fakeBroker) PlaceOrder(symbol string, amount decimal.Decimal, side model.Side) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.orderErr != nil {
		return b.orderErr
	}
	b.orders = append(b.orders, fmt.Sprintf("%s %s %s", side, symbol, amount))
	return nil
}

type fakeJournal struct {
	trades []sqlitestore.TradeRow
	notes  []model.Notification
}

func (j *fakeJournal) Trades(limit int) ([]sqlitestore.TradeRow, error) { return j.trades, nil }

func (j *fakeJournal) Notifications(kind model.NotificationKind, limit int) ([]model.Notification, error) {
	var out []model.Notification
	for _, n := range j.notes {
		if len(out) == limit {
			break
		}
		if kind == "" || n.Kind == kind {
			out = append(out, n)
		}
	}
	return out, nil
}

type apiHarness struct {
	srv    *httptest.Server
	pipe   *pipeline.Pipeline
	broker *fakeBroker
}

func newAPIHarness(t *testing.T, journal journalReader) *apiHarness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	loop := dispatch.New(0)
	go loop.Run(ctx)

	brk := &fakeBroker{}
	pipe := pipeline.New(loop, brk, nil, nil, pipeline.Config{})
	api := &API{
		pipe:    pipe,
		journal: journal,
		status:  func() extraStatus { return extraStatus{BrokerConnected: true, StreamClients: 2} },
	}
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &apiHarness{srv: srv, pipe: pipe, broker: brk}
}

func (h *apiHarness) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := h.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func (h *apiHarness) bar(symbol string, tf model.Timeframe, ts time.Time, close float64) {
	h.pipe.HandleEvent(model.BarEvent(model.Bar{
		Symbol: symbol,
		TF:     tf,
		Candle: model.Candle{TS: ts, Open: close, High: close, Low: close, Close: close},
	}))
}

func TestWatchlistFlow(t *testing.T) {
	h := newAPIHarness(t, nil)

	code, body := h.do(t, http.MethodPost, "/api/v1/watchlist", `{"symbol":" aapl "}`)
	if code != http.StatusCreated {
		t.Fatalf("POST watchlist = %d %s", code, body)
	}
	if !strings.Contains(string(body), `"AAPL"`) {
		t.Errorf("POST watchlist body = %s, want normalized symbol", body)
	}

	h.broker.mu.Lock()
	subs := len(h.broker.realtime)
	h.broker.mu.Unlock()
	if subs != len(model.Timeframes) {
		t.Errorf("realtime subscriptions = %d, want %d", subs, len(model.Timeframes))
	}

	code, body = h.do(t, http.MethodGet, "/api/v1/watchlist", "")
	var list struct {
		Symbols []string `json:"symbols"`
	}
	if err := json.Unmarshal(body, &list); err != nil || code != http.StatusOK {
		t.Fatalf("GET watchlist = %d %s (%v)", code, body, err)
	}
	if len(list.Symbols) != 1 || list.Symbols[0] != "AAPL" {
		t.Errorf("watchlist = %v, want [AAPL]", list.Symbols)
	}

	if code, _ := h.do(t, http.MethodPost, "/api/v1/history/aapl", ""); code != http.StatusAccepted {
		t.Errorf("POST history = %d, want 202", code)
	}
	if code, _ := h.do(t, http.MethodDelete, "/api/v1/watchlist/aapl", ""); code != http.StatusNoContent {
		t.Errorf("DELETE watched = %d, want 204", code)
	}
	if code, _ := h.do(t, http.MethodDelete, "/api/v1/watchlist/aapl", ""); code != http.StatusNotFound {
		t.Errorf("DELETE unwatched = %d, want 404", code)
	}
}

func TestErrorMapping(t *testing.T) {
	h := newAPIHarness(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"malformed body", http.MethodPost, "/api/v1/watchlist", `{`, http.StatusBadRequest},
		{"empty symbol", http.MethodPost, "/api/v1/watchlist", `{"symbol":"  "}`, http.StatusBadRequest},
		{"bad price", http.MethodPost, "/api/v1/alerts", `{"symbol":"AAPL","price":"abc"}`, http.StatusBadRequest},
		{"bad direction", http.MethodPost, "/api/v1/alerts", `{"symbol":"AAPL","price":100,"direction":"sideways"}`, http.StatusBadRequest},
		{"unknown alert delete", http.MethodDelete, "/api/v1/alerts/nope", "", http.StatusNotFound},
		{"unknown alert snooze", http.MethodPost, "/api/v1/alerts/nope/snooze", "", http.StatusNotFound},
		{"candles without symbol", http.MethodGet, "/api/v1/candles", "", http.StatusBadRequest},
		{"unknown timeframe", http.MethodGet, "/api/v1/candles?symbol=AAPL&tf=2h", "", http.StatusBadRequest},
		{"history unwatched", http.MethodPost, "/api/v1/history/MSFT", "", http.StatusBadRequest},
		{"bad side", http.MethodPost, "/api/v1/trades", `{"symbol":"AAPL","amount":10,"side":"hold"}`, http.StatusBadRequest},
		{"bad amount", http.MethodPost, "/api/v1/trades", `{"symbol":"AAPL","amount":-1,"side":"buy"}`, http.StatusBadRequest},
		{"trade without data", http.MethodPost, "/api/v1/trades", `{"symbol":"AAPL","amount":10,"side":"buy"}`, http.StatusConflict},
		{"markers bad side", http.MethodGet, "/api/v1/markers?side=up", "", http.StatusBadRequest},
		{"trades journal disabled", http.MethodGet, "/api/v1/trades", "", http.StatusServiceUnavailable},
		{"notifications journal disabled", http.MethodGet, "/api/v1/notifications", "", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := h.do(t, tt.method, tt.path, tt.body)
			if code != tt.want {
				t.Errorf("%s %s = %d %s, want %d", tt.method, tt.path, code, body, tt.want)
			}
		})
	}
}

func TestTradeBrokerFailure(t *testing.T) {
	h := newAPIHarness(t, nil)
	h.broker.orderErr = errors.New("not connected")

	code, body := h.do(t, http.MethodPost, "/api/v1/trades", `{"symbol":"AAPL","amount":10,"side":"buy"}`)
	if code != http.StatusBadGateway {
		t.Fatalf("POST trades = %d %s, want 502", code, body)
	}
}

func TestCandlesAndIndicators(t *testing.T) {
	h := newAPIHarness(t, nil)
	base := time.Date(2024, 5, 6, 9, 30, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		h.bar("aapl", model.TF5m, base.Add(time.Duration(i)*5*time.Minute), 100+float64(i))
	}

	code, body := h.do(t, http.MethodGet, "/api/v1/candles?symbol=AAPL&tf=5m", "")
	var candles []model.Candle
	if err := json.Unmarshal(body, &candles); err != nil || code != http.StatusOK {
		t.Fatalf("GET candles = %d %s (%v)", code, body, err)
	}
	if len(candles) != 3 || candles[2].Close != 102 {
		t.Errorf("candles = %+v, want 3 ending at 102", candles)
	}

	code, body = h.do(t, http.MethodGet, "/api/v1/indicators?symbol=AAPL&tf=5m", "")
	var ind struct {
		SMA []float64 `json:"sma"`
		EMA []float64 `json:"ema"`
	}
	if err := json.Unmarshal(body, &ind); err != nil || code != http.StatusOK {
		t.Fatalf("GET indicators = %d %s (%v)", code, body, err)
	}
	if len(ind.SMA) != 3 || len(ind.EMA) != 3 {
		t.Errorf("indicator lengths = %d/%d, want 3/3", len(ind.SMA), len(ind.EMA))
	}

	// 1m is the default timeframe and has no bars.
	code, body = h.do(t, http.MethodGet, "/api/v1/candles?symbol=AAPL", "")
	if code != http.StatusOK || strings.TrimSpace(string(body)) != "[]" {
		t.Errorf("GET 1m candles = %d %s, want 200 []", code, body)
	}
}

func TestAlertLifecycle(t *testing.T) {
	h := newAPIHarness(t, nil)

	code, body := h.do(t, http.MethodPost, "/api/v1/alerts", `{"symbol":"aapl","price":150.5,"direction":"above"}`)
	if code != http.StatusCreated {
		t.Fatalf("POST alerts = %d %s", code, body)
	}
	var a model.Alert
	if err := json.Unmarshal(body, &a); err != nil {
		t.Fatalf("decode alert: %v", err)
	}
	if a.ID == "" || a.TargetPrice != 150.5 || a.Direction != model.Above {
		t.Errorf("alert = %+v", a)
	}

	code, body = h.do(t, http.MethodPost, "/api/v1/alerts/"+a.ID+"/snooze", "")
	if code != http.StatusOK || !strings.Contains(string(body), "rearm_at") {
		t.Fatalf("snooze = %d %s", code, body)
	}

	_, body = h.do(t, http.MethodGet, "/api/v1/alerts", "")
	var view pipeline.AlertsView
	if err := json.Unmarshal(body, &view); err != nil {
		t.Fatalf("decode alerts: %v", err)
	}
	if len(view.Armed) != 0 || len(view.Snoozed) != 1 {
		t.Errorf("after snooze armed=%d snoozed=%d, want 0/1", len(view.Armed), len(view.Snoozed))
	}

	if code, _ := h.do(t, http.MethodDelete, "/api/v1/alerts/"+a.ID, ""); code != http.StatusNoContent {
		t.Errorf("DELETE snoozed alert = %d, want 204", code)
	}
	_, body = h.do(t, http.MethodGet, "/api/v1/alerts", "")
	view = pipeline.AlertsView{}
	json.Unmarshal(body, &view)
	if len(view.Armed)+len(view.Snoozed) != 0 {
		t.Errorf("alerts after delete = %+v, want none", view)
	}
}

func TestTradeRecordsMarker(t *testing.T) {
	h := newAPIHarness(t, nil)
	ts := time.Date(2024, 5, 6, 9, 31, 0, 0, time.UTC)
	h.bar("AAPL", model.TF1m, ts, 187.25)

	code, body := h.do(t, http.MethodPost, "/api/v1/trades", `{"symbol":"aapl","amount":"250.50","side":"buy"}`)
	if code != http.StatusCreated {
		t.Fatalf("POST trades = %d %s", code, body)
	}
	var m model.TradeMarker
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatalf("decode marker: %v", err)
	}
	if m.Side != model.Buy || m.Price != 187.25 || m.XIndex != float64(ts.Unix()) {
		t.Errorf("marker = %+v", m)
	}

	h.broker.mu.Lock()
	orders := append([]string(nil), h.broker.orders...)
	h.broker.mu.Unlock()
	if len(orders) != 1 || orders[0] != "BUY AAPL 250.5" {
		t.Errorf("orders = %v", orders)
	}

	_, body = h.do(t, http.MethodGet, "/api/v1/markers?side=buy", "")
	var markers []model.TradeMarker
	json.Unmarshal(body, &markers)
	if len(markers) != 1 {
		t.Errorf("buy markers = %v, want 1", markers)
	}
	_, body = h.do(t, http.MethodGet, "/api/v1/markers?side=sell", "")
	if strings.TrimSpace(string(body)) != "[]" {
		t.Errorf("sell markers = %s, want []", body)
	}
}

func TestJournalEndpoints(t *testing.T) {
	j := &fakeJournal{
		trades: []sqlitestore.TradeRow{{Symbol: "AAPL", Side: model.Sell}},
		notes: []model.Notification{
			{Kind: model.NotifyAlert, Text: "AAPL >= 150.00"},
			{Kind: model.NotifyStatus, Text: "Connected"},
			{Kind: model.NotifyAlert, Text: "MSFT <= 300.00"},
		},
	}
	h := newAPIHarness(t, j)

	code, body := h.do(t, http.MethodGet, "/api/v1/trades", "")
	if code != http.StatusOK || !strings.Contains(string(body), "AAPL") {
		t.Errorf("GET trades = %d %s", code, body)
	}

	code, body = h.do(t, http.MethodGet, "/api/v1/notifications?kind=alert", "")
	var notes []model.Notification
	if err := json.Unmarshal(body, &notes); err != nil || code != http.StatusOK {
		t.Fatalf("GET notifications = %d %s (%v)", code, body, err)
	}
	if len(notes) != 2 {
		t.Errorf("alert notifications = %d, want 2", len(notes))
	}

	_, body = h.do(t, http.MethodGet, "/api/v1/notifications?limit=1", "")
	notes = nil
	json.Unmarshal(body, &notes)
	if len(notes) != 1 {
		t.Errorf("limited notifications = %d, want 1", len(notes))
	}

	_, body = h.do(t, http.MethodGet, "/api/v1/notifications?kind=alert&limit=2", "")
	notes = nil
	json.Unmarshal(body, &notes)
	if len(notes) != 2 || notes[1].Text != "MSFT <= 300.00" {
		t.Errorf("limited alert notifications = %+v, want both alerts", notes)
	}
}

func TestStatusAndCORS(t *testing.T) {
	h := newAPIHarness(t, nil)
	h.do(t, http.MethodPost, "/api/v1/watchlist", `{"symbol":"AAPL"}`)
	h.pipe.HandleEvent(model.StatusEvent("Connected"))

	code, body := h.do(t, http.MethodGet, "/api/v1/status", "")
	var st struct {
		Connection      string `json:"connection"`
		Watched         int    `json:"watched"`
		BrokerConnected bool   `json:"broker_connected"`
		StreamClients   int    `json:"stream_clients"`
	}
	if err := json.Unmarshal(body, &st); err != nil || code != http.StatusOK {
		t.Fatalf("GET status = %d %s (%v)", code, body, err)
	}
	if st.Connection != "Connected" || st.Watched != 1 || !st.BrokerConnected || st.StreamClients != 2 {
		t.Errorf("status = %+v", st)
	}

	req, _ := http.NewRequest(http.MethodOptions, h.srv.URL+"/api/v1/alerts", nil)
	resp, err := h.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("OPTIONS = %d, CORS %q", resp.StatusCode, resp.Header.Get("Access-Control-Allow-Origin"))
	}

	code, _ = h.do(t, http.MethodGet, "/healthz", "")
	if code != http.StatusOK {
		t.Errorf("GET /healthz = %d, want 200", code)
	}
}

func TestStoppedLoopIsUnavailable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	loop := dispatch.New(0)
	done := make(chan struct{})
	go func() { loop.Run(ctx); close(done) }()
	cancel()
	<-done

	api := &API{pipe: pipeline.New(loop, &fakeBroker{}, nil, nil, pipeline.Config{})}
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/api/v1/watchlist")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("GET on stopped loop = %d, want 503", resp.StatusCode)
	}
}
