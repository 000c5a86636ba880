package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the bar engine.
type Metrics struct {
	BarsTotal      *prometheus.CounterVec // labels: tf
	BarsEvicted    prometheus.Counter
	PipelineDur    prometheus.Histogram
	SeriesTracked  prometheus.Gauge
	WatchedSymbols prometheus.Gauge
	LastBarLag     prometheus.Gauge

	// Alerts and trades
	AlertsFired  prometheus.Counter
	AlertChanges *prometheus.CounterVec // labels: change
	ArmedAlerts  prometheus.Gauge
	Trades       *prometheus.CounterVec // labels: side
	TradeRejects *prometheus.CounterVec // labels: reason

	// Dispatch loop
	DispatchQueueDepth prometheus.Gauge
	DispatchExecuted   prometheus.Gauge
	DispatchPanics     prometheus.Counter

	// Backpressure
	NotificationDrops    *prometheus.CounterVec // labels: consumer
	JournalDrops         prometheus.Counter
	ChannelSaturationPct *prometheus.GaugeVec // labels: channel_name

	// Broker session
	BrokerReconnects prometheus.Counter
	BrokerConnected  prometheus.Gauge
	BrokerRequests   *prometheus.CounterVec // labels: type

	// Redis circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter

	// History refresher
	HistoryRefreshes prometheus.Counter
}

// NewMetrics registers and returns all metrics on reg (the default registry
// when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		BarsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "barwatch_bars_total",
			Help: "Bars applied to the series store (by timeframe)",
		}, []string{"tf"}),
		BarsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barwatch_bars_evicted_total",
			Help: "Candles evicted from full series buffers",
		}),
		PipelineDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "barwatch_pipeline_duration_seconds",
			Help:    "Append, recompute and evaluate latency per bar",
			Buckets: []float64{0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005},
		}),
		SeriesTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "barwatch_series_tracked",
			Help: "Provisioned (symbol, timeframe) buffers",
		}),
		WatchedSymbols: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "barwatch_watched_symbols",
			Help: "Symbols in the watch set",
		}),
		LastBarLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "barwatch_last_bar_lag_seconds",
			Help: "Lag between the last bar's timestamp and when it was applied",
		}),

		AlertsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barwatch_alerts_fired_total",
			Help: "Alerts that crossed their threshold",
		}),
		AlertChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "barwatch_alert_changes_total",
			Help: "Alert lifecycle transitions (added, fired, removed, snoozed, rearmed)",
		}, []string{"change"}),
		ArmedAlerts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "barwatch_alerts_armed",
			Help: "Alerts currently in the armed set",
		}),
		Trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "barwatch_trades_total",
			Help: "Trades recorded with a chart marker (by side)",
		}, []string{"side"}),
		TradeRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "barwatch_trade_rejects_total",
			Help: "Trade requests rejected (invalid_input, no_data, broker)",
		}, []string{"reason"}),

		DispatchQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "barwatch_dispatch_queue_depth",
			Help: "Tasks waiting on the dispatch loop",
		}),
		DispatchExecuted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "barwatch_dispatch_tasks_executed",
			Help: "Tasks run by the dispatch loop since start",
		}),
		DispatchPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barwatch_dispatch_panics_total",
			Help: "Tasks that panicked on the dispatch loop",
		}),

		NotificationDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "barwatch_notification_drops_total",
			Help: "Notifications dropped because a consumer was full",
		}, []string{"consumer"}),
		JournalDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barwatch_journal_drops_total",
			Help: "Journal entries dropped because the SQLite queue was full",
		}),
		ChannelSaturationPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "barwatch_channel_saturation_pct",
			Help: "Channel fill level as a percentage of capacity",
		}, []string{"channel_name"}),

		BrokerReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barwatch_broker_reconnects_total",
			Help: "Broker WebSocket reconnection attempts",
		}),
		BrokerConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "barwatch_broker_connected",
			Help: "Broker session state (0=down, 1=up)",
		}),
		BrokerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "barwatch_broker_requests_total",
			Help: "Outbound broker requests (realtime, history, order)",
		}, []string{"type"}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "barwatch_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barwatch_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker opened",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barwatch_redis_buffered_writes_total",
			Help: "Redis writes buffered while the circuit was open",
		}),

		HistoryRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barwatch_history_refreshes_total",
			Help: "Scheduled history refresh runs",
		}),
	}

	reg.MustRegister(
		m.BarsTotal,
		m.BarsEvicted,
		m.PipelineDur,
		m.SeriesTracked,
		m.WatchedSymbols,
		m.LastBarLag,
		m.AlertsFired,
		m.AlertChanges,
		m.ArmedAlerts,
		m.Trades,
		m.TradeRejects,
		m.DispatchQueueDepth,
		m.DispatchExecuted,
		m.DispatchPanics,
		m.NotificationDrops,
		m.JournalDrops,
		m.ChannelSaturationPct,
		m.BrokerReconnects,
		m.BrokerConnected,
		m.BrokerRequests,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
		m.HistoryRefreshes,
	)

	return m
}

// SetSaturation records len/cap of a channel as a percentage.
func (m *Metrics) SetSaturation(name string, length, capacity int) {
	if capacity <= 0 {
		return
	}
	m.ChannelSaturationPct.WithLabelValues(name).Set(float64(length) * 100 / float64(capacity))
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	BrokerConnected bool      `json:"broker_connected"`
	LastBarTime     time.Time `json:"last_bar_time"`
	DispatchOK      bool      `json:"dispatch_ok"`
	RedisEnabled    bool      `json:"redis_enabled"`
	RedisConnected  bool      `json:"redis_connected"`
	SQLiteEnabled   bool      `json:"sqlite_enabled"`
	SQLiteOK        bool      `json:"sqlite_ok"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt:  time.Now(),
		DispatchOK: true,
	}
}

func (h *HealthStatus) SetBrokerConnected(v bool) {
	h.mu.Lock()
	h.BrokerConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastBarTime(t time.Time) {
	h.mu.Lock()
	h.LastBarTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetDispatchOK(v bool) {
	h.mu.Lock()
	h.DispatchOK = v
	h.mu.Unlock()
}

// EnableRedis marks Redis as a configured dependency.
func (h *HealthStatus) EnableRedis() {
	h.mu.Lock()
	h.RedisEnabled = true
	h.RedisConnected = true
	h.mu.Unlock()
}

// EnableSQLite marks the journal as a configured dependency.
func (h *HealthStatus) EnableSQLite() {
	h.mu.Lock()
	h.SQLiteEnabled = true
	h.SQLiteOK = true
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the journal database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. Either client may be nil.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// overall returns the aggregate status and HTTP code. Only configured
// dependencies count against health.
func (h *HealthStatus) overall() (string, int) {
	redisDown := h.RedisEnabled && !h.RedisConnected
	sqliteDown := h.SQLiteEnabled && !h.SQLiteOK

	switch {
	case !h.DispatchOK:
		return "unhealthy", http.StatusServiceUnavailable
	case !h.BrokerConnected || redisDown || sqliteDown:
		return "degraded", http.StatusServiceUnavailable
	}
	return "healthy", http.StatusOK
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus, httpCode := h.overall()

	barAge := ""
	if !h.LastBarTime.IsZero() {
		barAge = time.Since(h.LastBarTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		BrokerConnected bool    `json:"broker_connected"`
		LastBarTime     string  `json:"last_bar_time"`
		BarAge          string  `json:"bar_age"`
		DispatchOK      bool    `json:"dispatch_ok"`
		RedisEnabled    bool    `json:"redis_enabled"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteEnabled   bool    `json:"sqlite_enabled"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		BrokerConnected: h.BrokerConnected,
		LastBarTime:     h.LastBarTime.Format(time.RFC3339),
		BarAge:          barAge,
		DispatchOK:      h.DispatchOK,
		RedisEnabled:    h.RedisEnabled,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteEnabled:   h.SQLiteEnabled,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
