package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pquerna/otp/totp"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"barwatch/internal/model"
)

var (
	// ErrQueueFull is returned when the outbound request queue is full.
	ErrQueueFull = errors.New("broker: request queue full")
	// ErrNotConnected is returned for one-off requests while the session is down.
	ErrNotConnected = errors.New("broker: not connected")
)

const writeWait = 10 * time.Second

// Config holds configuration for the WebSocket broker session.
type Config struct {
	// URL of the broker WebSocket, e.g. "ws://localhost:9001/ws"
	URL string

	ClientID string

	// TOTPSecret, when set, adds a time-based code to the login frame.
	TOTPSecret string

	// Outbound request rate limit. Defaults to 20/s with a burst of 10.
	RatePerSec float64
	Burst      int

	// QueueSize bounds requests waiting to be written. Defaults to 256.
	QueueSize int

	// ReconnectDelay is the initial delay before reconnection attempts.
	// Defaults to 2 seconds if zero.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff. Defaults to 30s.
	MaxReconnectDelay time.Duration
}

func (c *Config) defaults() {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 20
	}
	if c.Burst <= 0 {
		c.Burst = 10
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
}

// Client is a model.Broker backed by a JSON WebSocket session. Inbound
// frames are converted to events and handed to the EventHandler. Realtime
// subscriptions are remembered and replayed after every reconnect.
type Client struct {
	cfg     Config
	handler model.EventHandler
	out     chan Request
	limiter *rate.Limiter
	seq     atomic.Int64
	now     func() time.Time

	connected atomic.Bool

	mu   sync.Mutex
	subs map[model.SeriesKey]struct{}

	// Optional hooks (for metrics/health)
	OnReconnect func()
	OnConnected func(up bool)
	OnRequest   func(kind string)
}

// New creates a Client. Returns an error if the URL is not a ws:// or wss:// URL.
func New(cfg Config, h model.EventHandler) (*Client, error) {
	cfg.defaults()
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("broker url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("broker url: unsupported scheme %q", u.Scheme)
	}
	return &Client{
		cfg:     cfg,
		handler: h,
		out:     make(chan Request, cfg.QueueSize),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		now:     time.Now,
		subs:    make(map[model.SeriesKey]struct{}),
	}, nil
}

// Connected reports whether a session is currently established.
func (c *Client) Connected() bool { return c.connected.Load() }

// RequestRealtimeBars subscribes to a series. While disconnected the
// subscription is only recorded and goes out on the next connect.
func (c *Client) RequestRealtimeBars(symbol string, tf model.Timeframe) error {
	key := model.SeriesKey{Symbol: symbol, TF: tf}
	c.mu.Lock()
	c.subs[key] = struct{}{}
	c.mu.Unlock()

	if !c.connected.Load() {
		return nil
	}
	return c.enqueue(Request{Type: ReqRealtime, Symbol: symbol, TF: tf})
}

// RequestHistoricalBars asks the broker to replay history for a series.
func (c *Client) RequestHistoricalBars(symbol string, tf model.Timeframe) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	return c.enqueue(Request{Type: ReqHistory, Symbol: symbol, TF: tf})
}

// PlaceOrder submits a market order. The fill arrives later as an ack.
func (c *Client) PlaceOrder(symbol string, amount decimal.Decimal, side model.Side) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	return c.enqueue(Request{Type: ReqOrder, Symbol: symbol, Amount: amount.String(), Side: side})
}

func (c *Client) enqueue(r Request) error {
	select {
	case c.out <- r:
		return nil
	default:
		return ErrQueueFull
	}
}

func (c *Client) subscriptions() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	reqs := make([]Request, 0, len(c.subs))
	for k := range c.subs {
		reqs = append(reqs, Request{Type: ReqRealtime, Symbol: k.Symbol, TF: k.TF})
	}
	return reqs
}

// Start connects to the broker and streams events into the handler.
// Blocks until ctx is cancelled. Reconnects automatically on disconnect.
func (c *Client) Start(ctx context.Context) error {
	delay := c.cfg.ReconnectDelay

	for {
		// Check context before each attempt
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		wasUp, err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.emit(model.StatusEvent("Error: " + err.Error()))
		}
		if wasUp {
			c.emit(model.StatusEvent("Connection Closed"))
			delay = c.cfg.ReconnectDelay
		}

		log.Printf("[broker] disconnected (%v), reconnecting in %s...", err, delay)
		if c.OnReconnect != nil {
			c.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		// Exponential backoff
		delay *= 2
		if delay > c.cfg.MaxReconnectDelay {
			delay = c.cfg.MaxReconnectDelay
		}
	}
}

// runOnce makes a single connection attempt and reads until disconnect or
// ctx cancel. wasUp reports whether the login completed.
func (c *Client) runOnce(ctx context.Context) (wasUp bool, err error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	if err := c.login(ctx, conn); err != nil {
		return false, fmt.Errorf("login: %w", err)
	}

	c.setConnected(true)
	defer c.setConnected(false)
	log.Printf("[broker] connected to %s", c.cfg.URL)
	c.emit(model.StatusEvent("Connected"))

	for _, r := range c.subscriptions() {
		if err := c.write(ctx, conn, r); err != nil {
			return true, fmt.Errorf("resubscribe %s: %w", r.Symbol, err)
		}
	}

	connCtx, cancel := context.WithCancel(ctx)
	writeErr := make(chan error, 1)
	go func() { writeErr <- c.writeLoop(connCtx, conn) }()

	err = c.readLoop(ctx, conn)
	cancel()
	if werr := <-writeErr; err == nil {
		err = werr
	}
	return true, err
}

func (c *Client) login(ctx context.Context, conn *websocket.Conn) error {
	req := Request{Type: ReqLogin, ClientID: c.cfg.ClientID}
	if c.cfg.TOTPSecret != "" {
		code, err := totp.GenerateCode(c.cfg.TOTPSecret, c.now())
		if err != nil {
			return fmt.Errorf("totp: %w", err)
		}
		req.TOTP = code
	}
	return c.write(ctx, conn, req)
}

// writeLoop is the only writer of data frames on conn.
func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(time.Second))
			conn.Close()
			return nil
		case r := <-c.out:
			if err := c.write(ctx, conn, r); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Printf("[broker] dropped %s request for %s: %v", r.Type, r.Symbol, err)
				conn.Close()
				return err
			}
		}
	}
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, r Request) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if r.ID == 0 {
		r.ID = c.seq.Add(1)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(r); err != nil {
		return err
	}
	if c.OnRequest != nil {
		c.OnRequest(r.Type)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			log.Printf("[broker] parse error: %v (raw: %s)", err, raw)
			continue
		}
		ev, ok := m.Event()
		if !ok {
			log.Printf("[broker] skipping %q message", m.Type)
			continue
		}
		c.emit(ev)
	}
}

func (c *Client) emit(ev model.Event) {
	if c.handler != nil {
		c.handler.HandleEvent(ev)
	}
}

func (c *Client) setConnected(up bool) {
	c.connected.Store(up)
	if c.OnConnected != nil {
		c.OnConnected(up)
	}
}
