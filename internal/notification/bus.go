package notification

import (
	"context"
	"log"
	"log/slog"
	"sync"
	"time"

	"barwatch/internal/model"
)

const (
	defaultBusBuffer = 256
	sendTimeout      = 10 * time.Second
)

type route struct {
	name  string
	ch    chan model.Notification
	kinds map[model.NotificationKind]bool
	send  Sender
}

func (r *route) wants(k model.NotificationKind) bool {
	return len(r.kinds) == 0 || r.kinds[k]
}

// Bus broadcasts notifications from the engine to every attached sender and
// subscriber. Notify never blocks: if the input queue or a consumer's channel
// is full, the notification is dropped for that consumer so a slow webhook
// cannot stall the dispatch loop.
type Bus struct {
	in      chan model.Notification
	bufSize int

	mu     sync.RWMutex
	routes []*route

	// OnDrop is called with the consumer name when a notification is dropped.
	// The name is "bus" when the input queue itself is full.
	OnDrop func(name string)
}

// NewBus creates a Bus with the given buffer size for every channel.
func NewBus(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = defaultBusBuffer
	}
	return &Bus{
		in:      make(chan model.Notification, bufSize),
		bufSize: bufSize,
	}
}

// Notify implements model.Notifier.
func (b *Bus) Notify(n model.Notification) {
	select {
	case b.in <- n:
	default:
		b.drop("bus", n)
	}
}

// Attach registers a sender that receives notifications of the given kinds
// (all kinds when none are given). Senders start delivering when Run starts.
func (b *Bus) Attach(name string, s Sender, kinds ...model.NotificationKind) {
	b.add(name, s, kinds)
}

// Subscribe creates and returns a new output channel. It is closed when Run
// returns.
func (b *Bus) Subscribe(name string, kinds ...model.NotificationKind) <-chan model.Notification {
	return b.add(name, nil, kinds).ch
}

func (b *Bus) add(name string, s Sender, kinds []model.NotificationKind) *route {
	r := &route{
		name:  name,
		ch:    make(chan model.Notification, b.bufSize),
		kinds: make(map[model.NotificationKind]bool, len(kinds)),
		send:  s,
	}
	for _, k := range kinds {
		r.kinds[k] = true
	}
	b.mu.Lock()
	b.routes = append(b.routes, r)
	b.mu.Unlock()
	return r
}

// Run fans notifications out and drives attached senders. Blocks until ctx
// is cancelled; senders drain what is already queued before returning.
func (b *Bus) Run(ctx context.Context) {
	var wg sync.WaitGroup
	b.mu.RLock()
	for _, r := range b.routes {
		if r.send == nil {
			continue
		}
		wg.Add(1)
		go func(r *route) {
			defer wg.Done()
			b.deliver(r)
		}(r)
	}
	b.mu.RUnlock()

	defer func() {
		b.mu.RLock()
		for _, r := range b.routes {
			close(r.ch)
		}
		b.mu.RUnlock()
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			// Hand what producers already queued to the senders.
			for {
				select {
				case n := <-b.in:
					b.fanout(n)
				default:
					return
				}
			}
		case n := <-b.in:
			b.fanout(n)
		}
	}
}

func (b *Bus) fanout(n model.Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, r := range b.routes {
		if !r.wants(n.Kind) {
			continue
		}
		select {
		case r.ch <- n:
		default:
			b.drop(r.name, n)
		}
	}
}

// deliver sends every notification on r.ch through r.send. Send errors are
// logged and never retried.
func (b *Bus) deliver(r *route) {
	for n := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		if err := r.send.Send(ctx, n); err != nil {
			slog.Warn("notification: send failed", "sender", r.name, "kind", n.Kind, "err", err)
		}
		cancel()
	}
}

func (b *Bus) drop(name string, n model.Notification) {
	if b.OnDrop != nil {
		b.OnDrop(name)
		return
	}
	log.Printf("[bus] %s full, dropping %s notification", name, n.Kind)
}

// ChannelStat reports saturation of one consumer channel.
type ChannelStat struct {
	Name string
	Len  int
	Cap  int
}

// ChannelStats returns (length, capacity) for the input queue and each consumer.
func (b *Bus) ChannelStats() []ChannelStat {
	b.mu.RLock()
	defer b.mu.RUnlock()
	stats := make([]ChannelStat, 0, len(b.routes)+1)
	stats = append(stats, ChannelStat{Name: "bus", Len: len(b.in), Cap: cap(b.in)})
	for _, r := range b.routes {
		stats = append(stats, ChannelStat{Name: r.name, Len: len(r.ch), Cap: cap(r.ch)})
	}
	return stats
}
