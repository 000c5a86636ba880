package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewMetrics_RegistersOnCustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.BarsTotal.WithLabelValues("1m").Inc()
	m.BarsTotal.WithLabelValues("1m").Inc()
	m.AlertsFired.Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	got := map[string]*dto.MetricFamily{}
	for _, f := range families {
		got[f.GetName()] = f
	}

	bars, ok := got["barwatch_bars_total"]
	if !ok {
		t.Fatal("barwatch_bars_total not registered")
	}
	if v := bars.GetMetric()[0].GetCounter().GetValue(); v != 2 {
		t.Errorf("bars_total=%v, want 2", v)
	}
	if _, ok := got["barwatch_alerts_fired_total"]; !ok {
		t.Error("barwatch_alerts_fired_total not registered")
	}
}

func TestSetSaturation(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.SetSaturation("bus", 25, 100)
	m.SetSaturation("ignored", 1, 0)

	var out dto.Metric
	if err := m.ChannelSaturationPct.WithLabelValues("bus").Write(&out); err != nil {
		t.Fatal(err)
	}
	if v := out.GetGauge().GetValue(); v != 25 {
		t.Errorf("saturation=%v, want 25", v)
	}
}

func healthz(t *testing.T, h *HealthStatus) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rec.Code, body.Status
}

func TestHealthStatus(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(h *HealthStatus)
		wantCode int
		want     string
	}{
		{
			name:     "broker up, no optional deps",
			setup:    func(h *HealthStatus) { h.SetBrokerConnected(true) },
			wantCode: http.StatusOK,
			want:     "healthy",
		},
		{
			name:     "broker down",
			setup:    func(h *HealthStatus) {},
			wantCode: http.StatusServiceUnavailable,
			want:     "degraded",
		},
		{
			name: "redis disabled does not count",
			setup: func(h *HealthStatus) {
				h.SetBrokerConnected(true)
				h.RedisConnected = false
			},
			wantCode: http.StatusOK,
			want:     "healthy",
		},
		{
			name: "redis enabled and down",
			setup: func(h *HealthStatus) {
				h.SetBrokerConnected(true)
				h.EnableRedis()
				h.RedisConnected = false
			},
			wantCode: http.StatusServiceUnavailable,
			want:     "degraded",
		},
		{
			name: "sqlite enabled and ok",
			setup: func(h *HealthStatus) {
				h.SetBrokerConnected(true)
				h.EnableSQLite()
			},
			wantCode: http.StatusOK,
			want:     "healthy",
		},
		{
			name: "dispatch stopped",
			setup: func(h *HealthStatus) {
				h.SetBrokerConnected(true)
				h.SetDispatchOK(false)
			},
			wantCode: http.StatusServiceUnavailable,
			want:     "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthStatus()
			h.SetLastBarTime(time.Now())
			tt.setup(h)
			code, status := healthz(t, h)
			if code != tt.wantCode || status != tt.want {
				t.Errorf("got %d %q, want %d %q", code, status, tt.wantCode, tt.want)
			}
		})
	}
}
