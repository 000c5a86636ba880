package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"barwatch/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
	defaultQueueSize  = 4096
)

// WriterConfig configures the SQLite writer.
type WriterConfig struct {
	DBPath    string // path to SQLite database file, e.g. "data/barwatch.db"
	QueueSize int    // pending entries before Enqueue drops, default 4096
}

// EntryKind tags what a journal entry carries.
type EntryKind int

const (
	EntryBar EntryKind = iota
	EntryTrade
	EntryAlert
	EntryAlertDelete
	EntryNotification
)

// Trade is a journaled trade request.
type Trade struct {
	Symbol string
	Side   model.Side
	Amount decimal.Decimal
	Marker model.TradeMarker
	At     time.Time
}

// Entry is one journal write. Only the field matching Kind is used;
// EntryAlertDelete uses Alert.ID.
type Entry struct {
	Kind         EntryKind
	Bar          model.Bar
	Trade        Trade
	Alert        model.Alert
	Notification model.Notification
}

// Writer is a single-goroutine SQLite writer with transaction batching.
// Producers hand entries over with Enqueue, which never blocks.
type Writer struct {
	db *sql.DB
	ch chan Entry

	// OnDrop is called when the queue is full and an entry is discarded.
	OnDrop func(kind EntryKind)
}

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

// New creates a new SQLite Writer, initializes the database with WAL mode and schema.
func New(cfg WriterConfig) (*Writer, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Set connection pool for single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}

	log.Printf("[sqlite] opened journal at %s", cfg.DBPath)
	return &Writer{db: db, ch: make(chan Entry, cfg.QueueSize)}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS bars (
			symbol     TEXT    NOT NULL,
			tf         TEXT    NOT NULL,
			ts         INTEGER NOT NULL,
			open       REAL    NOT NULL,
			high       REAL    NOT NULL,
			low        REAL    NOT NULL,
			close      REAL    NOT NULL,
			volume     REAL,
			PRIMARY KEY (symbol, tf, ts)
		);

		CREATE TABLE IF NOT EXISTS trades (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol     TEXT    NOT NULL,
			side       TEXT    NOT NULL,
			amount     TEXT    NOT NULL,
			price      REAL    NOT NULL,
			x          REAL    NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol);

		CREATE TABLE IF NOT EXISTS alerts (
			id          TEXT    PRIMARY KEY,
			symbol      TEXT    NOT NULL,
			target      REAL    NOT NULL,
			direction   TEXT    NOT NULL,
			one_shot    INTEGER NOT NULL,
			triggered   INTEGER NOT NULL,
			created_at  INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS notifications (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			kind       TEXT    NOT NULL,
			symbol     TEXT,
			text       TEXT    NOT NULL,
			ts         INTEGER NOT NULL
		);
	`)
	return err
}

// Enqueue hands e to the writer goroutine. Returns false if the queue is full.
func (w *Writer) Enqueue(e Entry) bool {
	select {
	case w.ch <- e:
		return true
	default:
		if w.OnDrop != nil {
			w.OnDrop(e.Kind)
		} else {
			log.Printf("[sqlite] queue full, dropping entry kind=%d", e.Kind)
		}
		return false
	}
}

// Send journals a notification. It implements notification.Sender.
func (w *Writer) Send(ctx context.Context, n model.Notification) error {
	if !w.Enqueue(Entry{Kind: EntryNotification, Notification: n}) {
		return fmt.Errorf("sqlite: journal queue full")
	}
	return nil
}

// Run drains the queue and writes entries in batched transactions.
// Flushes every batchSize entries OR every flushDelay, whichever first.
// Blocks until ctx is cancelled; queued entries are flushed before returning.
func (w *Writer) Run(ctx context.Context) {
	batch := make([]Entry, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := w.writeBatch(batch); err != nil {
			log.Printf("[sqlite] batch write error: %v", err)
		} else if len(batch) >= defaultBatchSize {
			log.Printf("[sqlite] committed %d entries in %v", len(batch), time.Since(start))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e := <-w.ch:
					batch = append(batch, e)
					if len(batch) >= defaultBatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}

		case e := <-w.ch:
			batch = append(batch, e)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// writeBatch applies a batch of entries in a single transaction.
func (w *Writer) writeBatch(entries []Entry) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}

	for _, e := range entries {
		if err := applyEntry(tx, e); err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

func applyEntry(tx *sql.Tx, e Entry) error {
	var err error
	switch e.Kind {
	case EntryBar:
		c := e.Bar.Candle
		_, err = tx.Exec(`
			INSERT OR REPLACE INTO bars (symbol, tf, ts, open, high, low, close, volume)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.Bar.Symbol, string(e.Bar.TF), c.TS.Unix(), c.Open, c.High, c.Low, c.Close, c.Volume)

	case EntryTrade:
		t := e.Trade
		_, err = tx.Exec(`
			INSERT INTO trades (symbol, side, amount, price, x, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			t.Symbol, string(t.Side), t.Amount.String(), t.Marker.Price, t.Marker.XIndex, t.At.UnixMilli())

	case EntryAlert:
		a := e.Alert
		_, err = tx.Exec(`
			INSERT OR REPLACE INTO alerts (id, symbol, target, direction, one_shot, triggered, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.Symbol, a.TargetPrice, string(a.Direction), a.OneShot, a.Triggered, a.CreatedAt.UnixMilli())

	case EntryAlertDelete:
		_, err = tx.Exec(`DELETE FROM alerts WHERE id = ?`, e.Alert.ID)

	case EntryNotification:
		n := e.Notification
		_, err = tx.Exec(`
			INSERT INTO notifications (kind, symbol, text, ts)
			VALUES (?, ?, ?, ?)`,
			string(n.Kind), n.Symbol, n.Text, n.TS.UnixMilli())

	default:
		return fmt.Errorf("sqlite: unknown entry kind %d", e.Kind)
	}
	return err
}

// Prune deletes bars beyond keep per series. Bars are only kept to warm the
// buffers on restart, so anything older than the buffer capacity is dead weight.
func (w *Writer) Prune(keep int) (int64, error) {
	res, err := w.db.Exec(`
		DELETE FROM bars WHERE rowid IN (
			SELECT rowid FROM (
				SELECT rowid, ROW_NUMBER() OVER (PARTITION BY symbol, tf ORDER BY ts DESC) AS rn
				FROM bars
			) WHERE rn > ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("sqlite prune bars: %w", err)
	}
	return res.RowsAffected()
}

// Pending returns the number of queued entries.
func (w *Writer) Pending() int { return len(w.ch) }

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}
