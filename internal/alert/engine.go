// Package alert holds user-defined price thresholds and evaluates them
// against closing prices.
//
// Engine is not safe for concurrent use. It is owned by the dispatch loop:
// every method, including the snooze re-arm callback, runs there.
package alert

import (
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"barwatch/internal/model"
)

// SnoozeDelay is how long a snoozed alert stays out of the armed set.
const SnoozeDelay = 5 * time.Minute

// Scheduler runs fn on the owning loop after d. dispatch.Serializer
// implements it.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) (cancel func() bool)
}

// Snoozed is an alert waiting to be re-armed.
type Snoozed struct {
	Alert   model.Alert `json:"alert"`
	RearmAt time.Time   `json:"rearm_at"`
}

type pending struct {
	alert   model.Alert
	rearmAt time.Time
	cancel  func() bool
}

// Engine evaluates alerts in insertion order.
type Engine struct {
	alerts  []*model.Alert
	snoozed map[string]*pending
	sched   Scheduler

	now   func() time.Time
	newID func() string

	// OnRearm is called after a snoozed alert re-enters the armed set.
	OnRearm func(a model.Alert)
}

// NewEngine creates an empty alert engine. sched is used for snooze timers.
func NewEngine(sched Scheduler) *Engine {
	return &Engine{
		snoozed: make(map[string]*pending),
		sched:   sched,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Add validates and inserts a new armed alert.
func (e *Engine) Add(symbol string, target float64, dir model.Direction, oneShot bool) (model.Alert, error) {
	sym := model.NormalizeSymbol(symbol)
	if sym == "" {
		return model.Alert{}, fmt.Errorf("%w: empty symbol", model.ErrInvalidInput)
	}
	if math.IsNaN(target) || math.IsInf(target, 0) || target <= 0 {
		return model.Alert{}, fmt.Errorf("%w: target price %v", model.ErrInvalidInput, target)
	}
	if dir != model.Above && dir != model.Below {
		return model.Alert{}, fmt.Errorf("%w: direction %q", model.ErrInvalidInput, dir)
	}

	a := &model.Alert{
		ID:          e.newID(),
		Symbol:      sym,
		TargetPrice: target,
		Direction:   dir,
		OneShot:     oneShot,
		CreatedAt:   e.now().UTC(),
	}
	e.alerts = append(e.alerts, a)
	log.Printf("[alert] added %s id=%s one_shot=%v", a, a.ID, a.OneShot)
	return *a, nil
}

// Restore inserts a previously persisted alert as-is. An alert whose ID is
// already present is ignored.
func (e *Engine) Restore(a model.Alert) bool {
	if e.find(a.ID) >= 0 {
		return false
	}
	if _, ok := e.snoozed[a.ID]; ok {
		return false
	}
	cp := a
	e.alerts = append(e.alerts, &cp)
	return true
}

// Evaluate checks every armed alert for symbol against closePrice and
// returns one notification per alert that fired. Fired alerts stay in the
// set (one-shot included) and never fire again.
func (e *Engine) Evaluate(symbol string, closePrice float64, ts time.Time) []model.Notification {
	var out []model.Notification
	for _, a := range e.alerts {
		if a.Triggered || a.Symbol != symbol {
			continue
		}
		if !a.Matches(closePrice) {
			continue
		}
		a.Triggered = true
		out = append(out, model.Notification{
			Kind: model.NotifyAlert,
			TS:   ts,
			Text: fmt.Sprintf("%s ALERT: %s %s %.2f (price %.2f)",
				ts.Format("15:04:05"), a.Symbol, a.Direction.Op(), a.TargetPrice, closePrice),
			Symbol:      a.Symbol,
			AlertID:     a.ID,
			Direction:   a.Direction,
			TargetPrice: a.TargetPrice,
			ClosePrice:  closePrice,
		})
	}
	return out
}

// Remove deletes the alert, armed or snoozed. Removing a snoozed alert
// cancels its re-arm.
func (e *Engine) Remove(id string) bool {
	if i := e.find(id); i >= 0 {
		e.alerts = append(e.alerts[:i], e.alerts[i+1:]...)
		log.Printf("[alert] removed id=%s", id)
		return true
	}
	if p, ok := e.snoozed[id]; ok {
		p.cancel()
		delete(e.snoozed, id)
		log.Printf("[alert] removed snoozed id=%s", id)
		return true
	}
	return false
}

// Snooze takes the alert out of the armed set and re-inserts it, untriggered,
// after delay. It returns the re-arm time.
func (e *Engine) Snooze(id string, delay time.Duration) (time.Time, error) {
	i := e.find(id)
	if i < 0 {
		return time.Time{}, fmt.Errorf("%w: %s", model.ErrAlertNotFound, id)
	}
	if delay <= 0 {
		delay = SnoozeDelay
	}

	a := *e.alerts[i]
	e.alerts = append(e.alerts[:i], e.alerts[i+1:]...)
	a.Triggered = false

	p := &pending{alert: a, rearmAt: e.now().Add(delay)}
	p.cancel = e.sched.AfterFunc(delay, func() { e.rearm(id, p) })
	e.snoozed[id] = p

	log.Printf("[alert] snoozed id=%s until %s", id, p.rearmAt.Format(time.RFC3339))
	return p.rearmAt, nil
}

func (e *Engine) rearm(id string, p *pending) {
	if cur, ok := e.snoozed[id]; !ok || cur != p {
		return
	}
	delete(e.snoozed, id)

	a := p.alert
	e.alerts = append(e.alerts, &a)
	log.Printf("[alert] re-armed %s id=%s", a, id)
	if e.OnRearm != nil {
		e.OnRearm(a)
	}
}

// Get returns the armed alert with id.
func (e *Engine) Get(id string) (model.Alert, bool) {
	if i := e.find(id); i >= 0 {
		return *e.alerts[i], true
	}
	return model.Alert{}, false
}

// List returns a copy of the armed set in insertion order.
func (e *Engine) List() []model.Alert {
	out := make([]model.Alert, len(e.alerts))
	for i, a := range e.alerts {
		out[i] = *a
	}
	return out
}

// Snoozed returns the alerts waiting to be re-armed, soonest first.
func (e *Engine) Snoozed() []Snoozed {
	out := make([]Snoozed, 0, len(e.snoozed))
	for _, p := range e.snoozed {
		out = append(out, Snoozed{Alert: p.alert, RearmAt: p.rearmAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RearmAt.Before(out[j].RearmAt) })
	return out
}

// Len returns the number of armed alerts.
func (e *Engine) Len() int { return len(e.alerts) }

func (e *Engine) find(id string) int {
	for i, a := range e.alerts {
		if a.ID == id {
			return i
		}
	}
	return -1
}
