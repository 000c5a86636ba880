// Package redis mirrors engine output into Redis: the latest candle and
// indicator values per series as keys, a capped stream of bars, and pub/sub
// channels for bars and notifications.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"barwatch/internal/indicator"
	"barwatch/internal/model"
)

const (
	defaultLatestTTL = 30 * time.Minute
	recentNotifyLen  = 100
	recentNotifyKey  = "notify:recent"
)

// WriterConfig configures the Redis writer.
type WriterConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// Writer writes bars, indicator values and notifications to Redis.
type Writer struct {
	client *goredis.Client
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// New creates a new Redis Writer and pings the server.
func New(cfg WriterConfig) (*Writer, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Writer{client: client}, nil
}

// BarPayload is what subscribers of a bar channel receive.
type BarPayload struct {
	Symbol string          `json:"symbol"`
	TF     model.Timeframe `json:"tf"`
	Candle model.Candle    `json:"candle"`
	SMA    float64         `json:"sma"`
	EMA    float64         `json:"ema"`
}

// Keys and channels for one series.
func latestBarKey(k model.SeriesKey) string { return "bar:" + string(k.TF) + ":latest:" + k.Symbol }
func barStreamKey(k model.SeriesKey) string { return "bar:" + string(k.TF) + ":" + k.Symbol }
func latestIndKey(k model.SeriesKey) string { return "ind:" + string(k.TF) + ":latest:" + k.Symbol }
func barChannel(k model.SeriesKey) string { return "pub:bar:" + string(k.TF) + ":" + k.Symbol }
func notifyChannel(kind model.NotificationKind) string {
	return "pub:notify:" + string(kind)
}

// writeBar performs pipelined writes for one applied bar.
func (w *Writer) writeBar(ctx context.Context, bar model.Bar, ind indicator.Series) error {
	key := bar.Key()
	p := BarPayload{Symbol: bar.Symbol, TF: bar.TF, Candle: bar.Candle}
	p.SMA, p.EMA, _ = ind.Last()

	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("redis: marshal bar: %w", err)
	}
	indJSON, err := json.Marshal(map[string]float64{"sma": p.SMA, "ema": p.EMA})
	if err != nil {
		return fmt.Errorf("redis: marshal indicators: %w", err)
	}
	candleJSON := string(bar.Candle.JSON())

	pipe := w.client.Pipeline()

	// SET latest candle and indicators with TTL
	pipe.Set(ctx, latestBarKey(key), candleJSON, defaultLatestTTL)
	pipe.Set(ctx, latestIndKey(key), string(indJSON), defaultLatestTTL)

	// XADD to stream, trimmed to roughly the in-memory buffer
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: barStreamKey(key),
		MaxLen: 200,
		Approx: true,
		Values: map[string]interface{}{"data": candleJSON},
	})

	// PUBLISH for real-time subscribers
	pipe.Publish(ctx, barChannel(key), string(payload))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: bar pipeline for %s: %w", key, err)
	}
	return nil
}

// writeNotification publishes a notification and keeps a capped recent list.
func (w *Writer) writeNotification(ctx context.Context, n model.Notification) error {
	data := string(n.JSON())

	pipe := w.client.Pipeline()
	pipe.LPush(ctx, recentNotifyKey, data)
	pipe.LTrim(ctx, recentNotifyKey, 0, recentNotifyLen-1)
	pipe.Publish(ctx, notifyChannel(n.Kind), data)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: notification pipeline: %w", err)
	}
	return nil
}

// Ping checks connectivity for health reporting.
func (w *Writer) Ping(ctx context.Context) error {
	return w.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (w *Writer) Close() error {
	return w.client.Close()
}
