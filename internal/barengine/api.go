package barengine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"barwatch/internal/dispatch"
	"barwatch/internal/logger"
	"barwatch/internal/model"
	"barwatch/internal/pipeline"
	sqlitestore "barwatch/internal/store/sqlite"
)

const requestTimeout = 5 * time.Second

// journalReader serves history endpoints from the SQLite journal.
type journalReader interface {
	Trades(limit int) ([]sqlitestore.TradeRow, error)
	Notifications(kind model.NotificationKind, limit int) ([]model.Notification, error)
}

// API exposes the pipeline over HTTP.
type API struct {
	pipe    *pipeline.Pipeline
	journal journalReader // nil when the journal is disabled
	stream  http.Handler  // nil disables /api/v1/stream
	health  http.Handler  // nil serves a bare 200
	status  func() extraStatus
}

// extraStatus is merged into GET /api/v1/status.
type extraStatus struct {
	BrokerConnected bool   `json:"broker_connected"`
	RedisBreaker    string `json:"redis_breaker,omitempty"`
	JournalPending  int    `json:"journal_pending"`
	StreamClients   int    `json:"stream_clients"`
	Market          string `json:"market,omitempty"`
}

// Handler builds the route table.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/watchlist", a.getWatchlist)
	mux.HandleFunc("POST /api/v1/watchlist", a.postWatchlist)
	mux.HandleFunc("DELETE /api/v1/watchlist/{symbol}", a.deleteWatchlist)
	mux.HandleFunc("POST /api/v1/history/{symbol}", a.postHistory)

	mux.HandleFunc("GET /api/v1/candles", a.getCandles)
	mux.HandleFunc("GET /api/v1/indicators", a.getIndicators)

	mux.HandleFunc("GET /api/v1/alerts", a.getAlerts)
	mux.HandleFunc("POST /api/v1/alerts", a.postAlert)
	mux.HandleFunc("DELETE /api/v1/alerts/{id}", a.deleteAlert)
	mux.HandleFunc("POST /api/v1/alerts/{id}/snooze", a.snoozeAlert)

	mux.HandleFunc("GET /api/v1/markers", a.getMarkers)
	mux.HandleFunc("POST /api/v1/trades", a.postTrade)
	mux.HandleFunc("GET /api/v1/trades", a.getTrades)
	mux.HandleFunc("GET /api/v1/notifications", a.getNotifications)
	mux.HandleFunc("GET /api/v1/status", a.getStatus)

	if a.stream != nil {
		mux.Handle("GET /api/v1/stream", a.stream)
	}
	if a.health != nil {
		mux.Handle("GET /healthz", a.health)
	} else {
		mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	mux.Handle("GET /metrics", promhttp.Handler())

	return withRequestLog(mux)
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack passes WebSocket upgrades through to the underlying connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		SetCORS(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		ctx := logger.WithRequestID(r.Context(), logger.GenerateRequestID(r.Method, start))
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			return
		}
		attrs := append(logger.Attrs(ctx),
			"method", r.Method, "path", r.URL.Path, "status", rec.code, "dur", time.Since(start))
		slog.Debug("http request", attrs...)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps engine errors to status codes. fallback is used for
// errors the engine did not classify, such as broker failures.
func writeError(w http.ResponseWriter, r *http.Request, err error, fallback int) {
	code := fallback
	switch {
	case errors.Is(err, model.ErrInvalidInput), errors.Is(err, model.ErrUnknownTimeframe):
		code = http.StatusBadRequest
	case errors.Is(err, model.ErrAlertNotFound):
		code = http.StatusNotFound
	case errors.Is(err, model.ErrNoDataForSymbol):
		code = http.StatusConflict
	case errors.Is(err, dispatch.ErrStopped), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusServiceUnavailable
	}
	if code >= 500 {
		slog.Warn("api: request failed", append(logger.Attrs(r.Context()), "path", r.URL.Path, "err", err)...)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: body: %v", model.ErrInvalidInput, err)
	}
	return nil
}

func reqCtx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), requestTimeout)
}

// seriesKey reads ?symbol=&tf= (tf defaults to 1m).
func seriesKey(r *http.Request) (model.SeriesKey, error) {
	sym := model.NormalizeSymbol(r.URL.Query().Get("symbol"))
	if sym == "" {
		return model.SeriesKey{}, fmt.Errorf("%w: symbol is required", model.ErrInvalidInput)
	}
	tf := model.TF1m
	if v := r.URL.Query().Get("tf"); v != "" {
		var err error
		if tf, err = model.ParseTimeframe(v); err != nil {
			return model.SeriesKey{}, err
		}
	}
	return model.SeriesKey{Symbol: sym, TF: tf}, nil
}

func queryLimit(r *http.Request, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		return v
	}
	return def
}

// ── Watchlist ──

func (a *API) getWatchlist(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := reqCtx(r)
	defer cancel()
	syms, err := a.pipe.Watchlist(ctx)
	if err != nil {
		writeError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"symbols": syms})
}

func (a *API) postWatchlist(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol string `json:"symbol"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err, http.StatusBadRequest)
		return
	}
	ctx, cancel := reqCtx(r)
	defer cancel()
	sym, err := a.pipe.Watch(ctx, req.Symbol)
	if err != nil {
		writeError(w, r, err, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"symbol": sym})
}

func (a *API) deleteWatchlist(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := reqCtx(r)
	defer cancel()
	removed, err := a.pipe.Unwatch(ctx, r.PathValue("symbol"))
	if err != nil {
		writeError(w, r, err, http.StatusInternalServerError)
		return
	}
	if !removed {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "symbol is not watched"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) postHistory(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := reqCtx(r)
	defer cancel()
	if err := a.pipe.RequestHistory(ctx, r.PathValue("symbol")); err != nil {
		writeError(w, r, err, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}

// ── Series ──

func (a *API) getCandles(w http.ResponseWriter, r *http.Request) {
	key, err := seriesKey(r)
	if err != nil {
		writeError(w, r, err, http.StatusBadRequest)
		return
	}
	ctx, cancel := reqCtx(r)
	defer cancel()
	candles, err := a.pipe.Candles(ctx, key)
	if err != nil {
		writeError(w, r, err, http.StatusInternalServerError)
		return
	}
	if candles == nil {
		candles = []model.Candle{}
	}
	writeJSON(w, http.StatusOK, candles)
}

func (a *API) getIndicators(w http.ResponseWriter, r *http.Request) {
	key, err := seriesKey(r)
	if err != nil {
		writeError(w, r, err, http.StatusBadRequest)
		return
	}
	ctx, cancel := reqCtx(r)
	defer cancel()
	ind, err := a.pipe.Indicators(ctx, key)
	if err != nil {
		writeError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ind)
}

// ── Alerts ──

func (a *API) getAlerts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := reqCtx(r)
	defer cancel()
	view, err := a.pipe.Alerts(ctx)
	if err != nil {
		writeError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) postAlert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol    string      `json:"symbol"`
		Price     json.Number `json:"price"`
		Direction string      `json:"direction"`
		OneShot   bool        `json:"one_shot"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err, http.StatusBadRequest)
		return
	}
	ctx, cancel := reqCtx(r)
	defer cancel()
	al, err := a.pipe.AddAlert(ctx, req.Symbol, req.Price.String(), req.Direction, req.OneShot)
	if err != nil {
		writeError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, al)
}

func (a *API) deleteAlert(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := reqCtx(r)
	defer cancel()
	if err := a.pipe.RemoveAlert(ctx, r.PathValue("id")); err != nil {
		writeError(w, r, err, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) snoozeAlert(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := reqCtx(r)
	defer cancel()
	until, err := a.pipe.SnoozeAlert(ctx, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]time.Time{"rearm_at": until})
}

// ── Trades ──

func (a *API) getMarkers(w http.ResponseWriter, r *http.Request) {
	side, err := model.ParseSide(r.URL.Query().Get("side"))
	if err != nil {
		writeError(w, r, err, http.StatusBadRequest)
		return
	}
	ctx, cancel := reqCtx(r)
	defer cancel()
	markers, err := a.pipe.TradeMarkers(ctx, side)
	if err != nil {
		writeError(w, r, err, http.StatusInternalServerError)
		return
	}
	if markers == nil {
		markers = []model.TradeMarker{}
	}
	writeJSON(w, http.StatusOK, markers)
}

func (a *API) postTrade(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol string      `json:"symbol"`
		Amount json.Number `json:"amount"`
		Side   string      `json:"side"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err, http.StatusBadRequest)
		return
	}
	side, err := model.ParseSide(req.Side)
	if err != nil {
		writeError(w, r, err, http.StatusBadRequest)
		return
	}
	ctx, cancel := reqCtx(r)
	defer cancel()
	m, err := a.pipe.Trade(ctx, req.Symbol, req.Amount.String(), side)
	if err != nil {
		// Anything unclassified comes from the broker.
		writeError(w, r, err, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (a *API) getTrades(w http.ResponseWriter, r *http.Request) {
	if a.journal == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "journal disabled"})
		return
	}
	rows, err := a.journal.Trades(queryLimit(r, 100))
	if err != nil {
		writeError(w, r, err, http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []sqlitestore.TradeRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (a *API) getNotifications(w http.ResponseWriter, r *http.Request) {
	if a.journal == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "journal disabled"})
		return
	}
	kind := model.NotificationKind(strings.TrimSpace(r.URL.Query().Get("kind")))
	notes, err := a.journal.Notifications(kind, queryLimit(r, 50))
	if err != nil {
		writeError(w, r, err, http.StatusInternalServerError)
		return
	}
	if notes == nil {
		notes = []model.Notification{}
	}
	writeJSON(w, http.StatusOK, notes)
}

// ── Status ──

func (a *API) getStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := reqCtx(r)
	defer cancel()
	st, err := a.pipe.Status(ctx)
	if err != nil {
		writeError(w, r, err, http.StatusInternalServerError)
		return
	}
	resp := struct {
		pipeline.Status
		extraStatus
	}{Status: st}
	if a.status != nil {
		resp.extraStatus = a.status()
	}
	writeJSON(w, http.StatusOK, resp)
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
