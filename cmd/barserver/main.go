// Command barserver is a demo broker WebSocket server.
// Speaks the barwatch broker protocol (see internal/broker) with simulated
// random-walk bars, so the engine can run without real broker credentials.
//
// Each client must log in first. Realtime subscriptions receive one bar per
// tick on 1m, every 5th tick on 5m and every 15th tick on 15m. History
// requests are answered with a batch of past bars. Orders are filled at the
// symbol's current simulated price.
//
// Config (env vars):
//
//	BAR_SERVER_ADDR     listen address (default: ":9001")
//	BAR_INTERVAL_MS     tick interval milliseconds (default: "1000")
//	BAR_HISTORY_COUNT   bars per history reply (default: "60")
//	BAR_TOTP_SECRET     when set, logins must carry a valid TOTP code
//	BAR_SESSION_ONLY    when "1", realtime bars stop outside US market hours
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pquerna/otp/totp"
	"github.com/shopspring/decimal"

	"barwatch/internal/broker"
	"barwatch/internal/markethours"
	"barwatch/internal/model"
)

// ─── Market simulation ───────────────────────────────────────────────────────

// market holds one simulated price per symbol.
type market struct {
	mu     sync.Mutex
	prices map[string]float64
	rng    *rand.Rand
}

func newMarket() *market {
	return &market{
		prices: map[string]float64{
			"AAPL": 187.50,
			"MSFT": 415.00,
			"SPY":  520.00,
		},
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// price returns the current price, seeding unknown symbols at 100.
func (m *market) price(symbol string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.priceLocked(symbol)
}

func (m *market) priceLocked(symbol string) float64 {
	p, ok := m.prices[symbol]
	if !ok {
		p = 100
		m.prices[symbol] = p
	}
	return p
}

// candle walks the price a few steps (up to 0.1% each) and returns the OHLC of
// the walk.
func (m *market) candle(symbol string, ts time.Time) model.Candle {
	m.mu.Lock()
	defer m.mu.Unlock()

	open := m.priceLocked(symbol)
	c := model.Candle{TS: ts, Open: open, High: open, Low: open}
	p := open
	for i := 0; i < 4; i++ {
		p *= 1 + (m.rng.Float64()*0.2-0.1)/100
		p = math.Max(p, 0.01)
		c.High = math.Max(c.High, p)
		c.Low = math.Min(c.Low, p)
	}
	c.Close = round2(p)
	c.High, c.Low, c.Open = round2(c.High), round2(c.Low), round2(c.Open)
	c.Volume = float64(m.rng.Intn(5000) + 100)
	m.prices[symbol] = c.Close
	return c
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

// ─── Sessions ────────────────────────────────────────────────────────────────

type session struct {
	conn *websocket.Conn
	send chan []byte

	mu   sync.Mutex
	subs map[model.SeriesKey]struct{}
}

func (s *session) subscribe(key model.SeriesKey) {
	s.mu.Lock()
	s.subs[key] = struct{}{}
	s.mu.Unlock()
}

func (s *session) subscriptions() []model.SeriesKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.SeriesKey, 0, len(s.subs))
	for k := range s.subs {
		out = append(out, k)
	}
	return out
}

// push queues msg for the client; a slow client misses it.
func (s *session) push(msg broker.Message) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case s.send <- b:
	default:
	}
}

type server struct {
	mkt         *market
	totpSecret  string
	history     int
	sessionOnly bool
	orderSeq    atomic.Int64

	mu       sync.RWMutex
	sessions map[*session]struct{}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func (srv *server) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[barserver] upgrade error: %v", err)
		return
	}
	log.Printf("[barserver] client connected: %s", r.RemoteAddr)

	s := &session{conn: conn, send: make(chan []byte, 256), subs: make(map[model.SeriesKey]struct{})}
	go s.writePump()
	defer func() {
		srv.mu.Lock()
		delete(srv.sessions, s)
		srv.mu.Unlock()
		close(s.send)
		conn.Close()
		log.Printf("[barserver] client disconnected: %s", r.RemoteAddr)
	}()

	loggedIn := false
	for {
		var req broker.Request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		if !loggedIn {
			if req.Type != broker.ReqLogin {
				s.push(broker.Message{Type: broker.MsgError, ReqID: req.ID, Code: 401, Message: "login required"})
				continue
			}
			if srv.totpSecret != "" && !totp.Validate(req.TOTP, srv.totpSecret) {
				s.push(broker.Message{Type: broker.MsgError, ReqID: req.ID, Code: 401, Message: "invalid TOTP"})
				return
			}
			loggedIn = true
			srv.mu.Lock()
			srv.sessions[s] = struct{}{}
			srv.mu.Unlock()
			log.Printf("[barserver] %s logged in as %q", r.RemoteAddr, req.ClientID)
			continue
		}

		srv.handle(s, req)
	}
}

func (srv *server) handle(s *session, req broker.Request) {
	switch req.Type {
	case broker.ReqRealtime:
		if !req.TF.Valid() || req.Symbol == "" {
			s.push(broker.Message{Type: broker.MsgError, ReqID: req.ID, Code: 321, Message: "invalid subscription"})
			return
		}
		s.subscribe(model.SeriesKey{Symbol: req.Symbol, TF: req.TF})

	case broker.ReqHistory:
		if !req.TF.Valid() || req.Symbol == "" {
			s.push(broker.Message{Type: broker.MsgError, ReqID: req.ID, Code: 162, Message: "no data for request"})
			return
		}
		srv.sendHistory(s, req.Symbol, req.TF)

	case broker.ReqOrder:
		amount, err := decimal.NewFromString(req.Amount)
		if err != nil || !amount.IsPositive() || req.Symbol == "" {
			s.push(broker.Message{Type: broker.MsgError, ReqID: req.ID, Code: 201, Message: "order rejected: bad amount"})
			return
		}
		id := srv.orderSeq.Add(1)
		px := srv.mkt.price(req.Symbol)
		s.push(broker.Message{
			Type:    broker.MsgAck,
			OrderID: strconv.FormatInt(id, 10),
			Symbol:  req.Symbol,
			Status:  "FILLED",
			Message: fmt.Sprintf("%s $%s filled at %.2f", req.Side, amount.StringFixed(2), px),
		})

	default:
		s.push(broker.Message{Type: broker.MsgError, ReqID: req.ID, Code: 400, Message: "unknown request " + req.Type})
	}
}

// sendHistory replays srv.history bars ending one interval before now.
func (srv *server) sendHistory(s *session, symbol string, tf model.Timeframe) {
	step := tf.Duration()
	end := time.Now().UTC().Truncate(step)
	start := end.Add(-time.Duration(srv.history) * step)
	for ts := start; ts.Before(end); ts = ts.Add(step) {
		c := srv.mkt.candle(symbol, ts)
		s.push(broker.Message{Type: broker.MsgBar, Symbol: symbol, TF: tf, Candle: &c})
	}
}

func (s *session) writePump() {
	for msg := range s.send {
		s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// ─── Bar generator ───────────────────────────────────────────────────────────

var ticksPerBar = map[model.Timeframe]int64{model.TF1m: 1, model.TF5m: 5, model.TF15m: 15}

func (srv *server) runGenerator(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var tick int64
	for range ticker.C {
		now := time.Now().UTC()
		if srv.sessionOnly && !markethours.IsMarketOpen(now) {
			continue
		}
		tick++

		srv.mu.RLock()
		for s := range srv.sessions {
			for _, key := range s.subscriptions() {
				if tick%ticksPerBar[key.TF] != 0 {
					continue
				}
				c := srv.mkt.candle(key.Symbol, now.Truncate(key.TF.Duration()))
				s.push(broker.Message{Type: broker.MsgBar, Symbol: key.Symbol, TF: key.TF, Candle: &c})
			}
		}
		srv.mu.RUnlock()
	}
}

// ─── main ────────────────────────────────────────────────────────────────────

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[barserver] starting demo broker server...")

	addr := envOrDefault("BAR_SERVER_ADDR", ":9001")
	intervalMs := envIntOrDefault("BAR_INTERVAL_MS", 1000)

	srv := &server{
		mkt:         newMarket(),
		totpSecret:  os.Getenv("BAR_TOTP_SECRET"),
		history:     envIntOrDefault("BAR_HISTORY_COUNT", 60),
		sessionOnly: os.Getenv("BAR_SESSION_ONLY") == "1",
		sessions:    make(map[*session]struct{}),
	}
	log.Printf("[barserver] tick interval: %dms, history: %d bars", intervalMs, srv.history)
	if srv.sessionOnly {
		log.Printf("[barserver] session only: %s", markethours.StatusString(time.Now()))
	}

	go srv.runGenerator(time.Duration(intervalMs) * time.Millisecond)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.wsHandler)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"barserver"}`)
	})

	log.Printf("[barserver] listening on %s  (WebSocket: ws://localhost%s/ws)", addr, addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("[barserver] server error: %v", err)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
