// Package barengine wires the bar pipeline to its collaborators: the broker
// session, notification delivery, the Redis mirror, the SQLite journal,
// metrics, the scheduler and the HTTP API.
package barengine

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"barwatch/config"
	"barwatch/internal/broker"
	"barwatch/internal/dispatch"
	"barwatch/internal/markethours"
	"barwatch/internal/metrics"
	"barwatch/internal/model"
	"barwatch/internal/notification"
	"barwatch/internal/pipeline"
	"barwatch/internal/scheduler"
	"barwatch/internal/series"
	redisstore "barwatch/internal/store/redis"
	sqlitestore "barwatch/internal/store/sqlite"
)

const (
	busBuffer       = 1024
	gaugeInterval   = 5 * time.Second
	livenessEvery   = 15 * time.Second
	cbMaxFailures   = 5
	cbResetTimeout  = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Service is the top-level orchestrator for the bar engine.
// It wires all dependencies, manages lifecycle, and coordinates goroutines.
type Service struct {
	cfg *config.Config

	loop   *dispatch.Serializer
	pipe   *pipeline.Pipeline
	bus    *notification.Bus
	hub    *streamHub
	prom   *metrics.Metrics
	health *metrics.HealthStatus

	ws    *broker.Client // nil in paper mode without a feed
	paper *broker.Paper  // nil in ws mode

	redisWriter *redisstore.Writer
	publisher   *redisstore.Publisher
	journal     *sqlitestore.Writer
	sched       *scheduler.Scheduler

	apiSrv     *http.Server
	metricsSrv *metrics.Server
}

// New creates a Service from cfg. Optional sinks that fail to connect are
// logged and skipped; the engine runs without them. reg may be nil for the
// default Prometheus registry.
func New(cfg *config.Config, reg prometheus.Registerer) (*Service, error) {
	svc := &Service{
		cfg:    cfg,
		loop:   dispatch.New(dispatch.DefaultQueueSize),
		bus:    notification.NewBus(busBuffer),
		hub:    newStreamHub(),
		prom:   metrics.NewMetrics(reg),
		health: metrics.NewHealthStatus(),
	}
	svc.loop.OnPanic = func(any) { svc.prom.DispatchPanics.Inc() }
	svc.bus.OnDrop = func(name string) { svc.prom.NotificationDrops.WithLabelValues(name).Inc() }
	svc.hub.OnDrop = func() { svc.prom.NotificationDrops.WithLabelValues("stream").Inc() }

	// Broker events reach the pipeline once it exists; nothing is delivered
	// before Run starts the session.
	handler := model.EventHandlerFunc(func(ev model.Event) { svc.pipe.HandleEvent(ev) })

	brk, err := svc.buildBroker(handler)
	if err != nil {
		return nil, err
	}

	svc.openRedis()
	svc.openJournal()

	obs := &engineObserver{prom: svc.prom, health: svc.health, now: time.Now}
	if svc.journal != nil {
		obs.journal = svc.journal
	}
	if svc.publisher != nil {
		obs.redis = svc.publisher
	}
	if svc.paper != nil {
		obs.paper = svc.paper
	}

	svc.pipe = pipeline.New(svc.loop, brk, svc.bus, obs, pipeline.Config{})
	svc.attachSenders()

	svc.sched = scheduler.New(context.Background())
	svc.sched.OnRefresh = func(int) { svc.prom.HistoryRefreshes.Inc() }

	return svc, nil
}

func (svc *Service) buildBroker(h model.EventHandler) (model.Broker, error) {
	bc := svc.cfg.Broker

	var ws *broker.Client
	if bc.URL != "" {
		c, err := broker.New(broker.Config{
			URL:        bc.URL,
			ClientID:   bc.ClientID,
			TOTPSecret: bc.TOTPSecret,
			RatePerSec: bc.RatePerSec,
			Burst:      bc.Burst,
		}, h)
		if err != nil {
			return nil, err
		}
		c.OnReconnect = func() { svc.prom.BrokerReconnects.Inc() }
		c.OnConnected = func(up bool) {
			svc.health.SetBrokerConnected(up)
			if up {
				svc.prom.BrokerConnected.Set(1)
			} else {
				svc.prom.BrokerConnected.Set(0)
			}
		}
		c.OnRequest = func(kind string) { svc.prom.BrokerRequests.WithLabelValues(kind).Inc() }
		ws = c
	}
	svc.ws = ws

	if bc.Mode == config.BrokerPaper {
		svc.paper = broker.NewPaper(h, bc.SlippageBps)
		if ws != nil {
			svc.paper.Feed = ws
		} else {
			// Without a feed there is no session to wait for.
			svc.health.SetBrokerConnected(true)
		}
		log.Printf("[barengine] paper trading (slippage %d bps)", bc.SlippageBps)
		return svc.paper, nil
	}
	if ws == nil {
		return nil, errors.New("barengine: broker url is required in ws mode")
	}
	return ws, nil
}

func (svc *Service) openRedis() {
	if !svc.cfg.RedisEnabled() {
		return
	}
	w, err := redisstore.New(redisstore.WriterConfig{
		Addr:     svc.cfg.Redis.Addr,
		Password: svc.cfg.Redis.Password,
		DB:       svc.cfg.Redis.DB,
	})
	if err != nil {
		log.Printf("[barengine] WARNING: redis init failed: %v (continuing without Redis)", err)
		return
	}

	cb := redisstore.NewCircuitBreaker(cbMaxFailures, cbResetTimeout)
	cb.OnStateChange = func(from, to redisstore.State) {
		svc.prom.RedisCircuitBreakerState.Set(float64(to))
		if to == redisstore.StateOpen {
			svc.prom.RedisCircuitBreakerTrips.Inc()
		}
		log.Printf("[barengine] redis circuit breaker %s -> %s", from, to)
	}

	pub := redisstore.NewPublisher(w, cb, 0)
	pub.OnBuffer = func() { svc.prom.RedisBufferedWrites.Inc() }
	pub.OnDrop = func() { svc.prom.NotificationDrops.WithLabelValues("redis").Inc() }

	svc.redisWriter = w
	svc.publisher = pub
	svc.health.EnableRedis()
}

func (svc *Service) openJournal() {
	if !svc.cfg.SQLiteEnabled() {
		return
	}
	if dir := filepath.Dir(svc.cfg.SQLite.Path); dir != "." {
		os.MkdirAll(dir, 0o755)
	}
	j, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: svc.cfg.SQLite.Path})
	if err != nil {
		log.Printf("[barengine] WARNING: sqlite init failed: %v (continuing without journal)", err)
		return
	}
	j.OnDrop = func(sqlitestore.EntryKind) { svc.prom.JournalDrops.Inc() }
	svc.journal = j
	svc.health.EnableSQLite()
}

// attachSenders registers every delivery backend on the bus.
func (svc *Service) attachSenders() {
	svc.bus.Attach("log", notification.NewLogNotifier())
	if svc.cfg.TelegramEnabled() {
		svc.bus.Attach("telegram",
			notification.NewTelegramNotifier(svc.cfg.Telegram.BotToken, svc.cfg.Telegram.ChatID),
			model.NotifyAlert, model.NotifyTrade)
	}
	if svc.cfg.Webhook.URL != "" {
		svc.bus.Attach("webhook", notification.NewWebhookNotifier(svc.cfg.Webhook.URL),
			model.NotifyAlert, model.NotifyTrade)
	}
	if svc.publisher != nil {
		svc.bus.Attach("redis", svc.publisher)
	}
	if svc.journal != nil {
		svc.bus.Attach("journal", svc.journal)
	}
}

// Pipeline returns the engine façade.
func (svc *Service) Pipeline() *pipeline.Pipeline { return svc.pipe }

// Handler returns the HTTP API handler.
func (svc *Service) Handler() http.Handler {
	api := &API{
		pipe:   svc.pipe,
		stream: svc.hub,
		health: svc.health,
		status: svc.extraStatus,
	}
	if svc.journal != nil {
		api.journal = svc.journal.Reader()
	}
	return api.Handler()
}

func (svc *Service) extraStatus() extraStatus {
	st := extraStatus{
		StreamClients: svc.hub.ClientCount(),
		Market:        markethours.StatusString(time.Now()),
	}
	switch {
	case svc.ws != nil:
		st.BrokerConnected = svc.ws.Connected()
	case svc.paper != nil:
		st.BrokerConnected = true
	}
	if svc.publisher != nil {
		st.RedisBreaker = svc.publisher.Breaker().CurrentState().String()
	}
	if svc.journal != nil {
		st.JournalPending = svc.journal.Pending()
	}
	return st
}

// Run starts all subsystems and blocks until ctx is cancelled.
func (svc *Service) Run(ctx context.Context) error {
	cfg := svc.cfg
	log.Println("[barengine] starting bar engine...")

	// Jobs are registered first so a bad cron spec fails before anything runs.
	if cfg.HistoryCron != "" {
		if err := svc.sched.AddHistoryRefresh(cfg.HistoryCron, svc.pipe); err != nil {
			return err
		}
	}
	if svc.journal != nil && cfg.SQLite.PruneKeep > 0 {
		if err := svc.sched.AddJournalPrune(cfg.SQLite.PruneCron, svc.journal, cfg.SQLite.PruneKeep); err != nil {
			return err
		}
	}

	// Subscriptions must exist before the bus starts.
	streamCh := svc.bus.Subscribe("stream")

	loopDone := make(chan struct{})
	go func() { svc.loop.Run(ctx); close(loopDone) }()

	busDone := make(chan struct{})
	go func() { svc.bus.Run(ctx); close(busDone) }()
	go svc.hub.Run(ctx, streamCh)

	// Sinks outlive ctx so they can drain after the loop stops.
	sinkCtx, stopSinks := context.WithCancel(context.Background())
	defer stopSinks()
	journalDone := make(chan struct{})
	if svc.journal != nil {
		go func() { svc.journal.Run(sinkCtx); close(journalDone) }()
	} else {
		close(journalDone)
	}
	if svc.publisher != nil {
		go svc.publisher.Run(sinkCtx)
	}

	// ---- Restore journaled state ----
	svc.restore(ctx)

	// ---- Broker session ----
	if svc.ws != nil {
		go svc.ws.Start(ctx)
	}

	// ---- Initial watchlist ----
	for _, sym := range cfg.Watchlist {
		if _, err := svc.pipe.Watch(ctx, sym); err != nil {
			log.Printf("[barengine] watch %s: %v", sym, err)
		}
	}

	svc.sched.Start()

	// ---- Observability ----
	var rdb *goredis.Client
	if svc.redisWriter != nil {
		rdb = svc.redisWriter.Client()
	}
	var db *sql.DB
	if svc.journal != nil {
		db = svc.journal.DB()
	}
	svc.health.StartLivenessChecker(ctx, rdb, db, livenessEvery)
	go svc.gaugeLoop(ctx)
	svc.metricsSrv = metrics.NewServer(cfg.MetricsAddr, svc.health)
	svc.metricsSrv.Start()

	// ---- HTTP API ----
	svc.apiSrv = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("[barengine] HTTP API on %s", cfg.HTTPAddr)
		if err := svc.apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[barengine] HTTP server error: %v", err)
		}
	}()

	// ---- Startup banner ----
	log.Println("[barengine] ╔════════════════════════════════════════════════════════╗")
	log.Println("[barengine] ║  Bar Engine Active                                     ║")
	log.Println("[barengine] ║  [Broker] → [Series] → [SMA/EMA] → [Alerts] → [Notify] ║")
	log.Printf("[barengine] ║  broker=%s redis=%v journal=%v", cfg.Broker.Mode, svc.publisher != nil, svc.journal != nil)
	log.Println("[barengine] ╚════════════════════════════════════════════════════════╝")

	// Block until context cancelled
	<-ctx.Done()

	// ---- Graceful shutdown ----
	svc.shutdown(loopDone, busDone, stopSinks, journalDone)
	return nil
}

// restore replays the journal into the pipeline.
func (svc *Service) restore(ctx context.Context) {
	if svc.journal == nil {
		return
	}
	r := svc.journal.Reader()

	var st pipeline.State
	var err error
	if st.Bars, err = r.LoadBars(series.MaxCandles); err != nil {
		log.Printf("[barengine] restore bars: %v", err)
	}
	if st.Alerts, err = r.LoadAlerts(); err != nil {
		log.Printf("[barengine] restore alerts: %v", err)
	}
	trades, err := r.Trades(0)
	if err != nil {
		log.Printf("[barengine] restore trades: %v", err)
	}
	for _, t := range trades {
		st.Markers = append(st.Markers, t.Marker())
	}

	if err := svc.pipe.Restore(ctx, st); err != nil {
		log.Printf("[barengine] restore: %v", err)
	}
}

// gaugeLoop samples queue depths and engine counts.
func (svc *Service) gaugeLoop(ctx context.Context) {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			svc.sampleGauges(ctx)
		}
	}
}

// sampleGauges refreshes the queue, saturation and engine-size gauges.
func (svc *Service) sampleGauges(ctx context.Context) {
	svc.prom.DispatchQueueDepth.Set(float64(svc.loop.Depth()))
	svc.prom.DispatchExecuted.Set(float64(svc.loop.Executed()))
	svc.prom.SetSaturation("dispatch", svc.loop.Depth(), svc.loop.Cap())
	for _, st := range svc.bus.ChannelStats() {
		svc.prom.SetSaturation(st.Name, st.Len, st.Cap)
	}

	qctx, cancel := context.WithTimeout(ctx, time.Second)
	st, err := svc.pipe.Status(qctx)
	cancel()
	svc.health.SetDispatchOK(err == nil || ctx.Err() != nil)
	if err != nil {
		return
	}
	svc.prom.SeriesTracked.Set(float64(st.Series))
	svc.prom.WatchedSymbols.Set(float64(st.Watched))
	svc.prom.ArmedAlerts.Set(float64(st.Alerts))
}

// shutdown stops producers first, then lets the sinks drain.
func (svc *Service) shutdown(loopDone, busDone <-chan struct{}, stopSinks context.CancelFunc, journalDone <-chan struct{}) {
	log.Println("[barengine] shutdown signal received...")

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if svc.apiSrv != nil {
		svc.apiSrv.Shutdown(shutCtx)
	}
	if svc.metricsSrv != nil {
		svc.metricsSrv.Stop(shutCtx)
	}
	svc.sched.Stop()

	<-loopDone
	<-busDone
	stopSinks()
	<-journalDone

	if svc.journal != nil {
		svc.journal.Close()
	}
	if svc.redisWriter != nil {
		svc.redisWriter.Close()
	}
	log.Println("[barengine] shutdown complete.")
}
