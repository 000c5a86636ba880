// Package scheduler runs periodic maintenance jobs on cron specs: history
// refresh for the watchlist and journal pruning.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

const jobTimeout = 30 * time.Second

// HistorySource is the part of the pipeline the refresh job drives.
type HistorySource interface {
	Watchlist(ctx context.Context) ([]string, error)
	RequestHistory(ctx context.Context, symbol string) error
}

// Pruner trims old journal rows.
type Pruner interface {
	Prune(keep int) (int64, error)
}

// Scheduler manages all cron tasks.
type Scheduler struct {
	Cron *cron.Cron
	ctx  context.Context

	// OnRefresh is called after each history refresh run (for metrics).
	OnRefresh func(requested int)
}

// New creates a Scheduler whose specs include a leading seconds field.
func New(ctx context.Context) *Scheduler {
	return &Scheduler{
		Cron: cron.New(cron.WithSeconds()),
		ctx:  ctx,
	}
}

// AddHistoryRefresh re-requests history for every watched symbol on spec.
func (s *Scheduler) AddHistoryRefresh(spec string, src HistorySource) error {
	if _, err := s.Cron.AddFunc(spec, func() { s.RefreshHistory(src) }); err != nil {
		return fmt.Errorf("register history refresh: %w", err)
	}
	log.Printf("[scheduler] history refresh registered (%s)", spec)
	return nil
}

// AddJournalPrune keeps the newest keep rows per journal series on spec.
func (s *Scheduler) AddJournalPrune(spec string, p Pruner, keep int) error {
	if _, err := s.Cron.AddFunc(spec, func() {
		n, err := p.Prune(keep)
		if err != nil {
			log.Printf("[scheduler] journal prune failed: %v", err)
			return
		}
		log.Printf("[scheduler] journal pruned %d rows", n)
	}); err != nil {
		return fmt.Errorf("register journal prune: %w", err)
	}
	return nil
}

// RefreshHistory requests history for each watched symbol and returns how
// many requests went out.
func (s *Scheduler) RefreshHistory(src HistorySource) int {
	ctx, cancel := context.WithTimeout(s.ctx, jobTimeout)
	defer cancel()

	symbols, err := src.Watchlist(ctx)
	if err != nil {
		log.Printf("[scheduler] watchlist unavailable: %v", err)
		return 0
	}

	requested := 0
	for _, sym := range symbols {
		if err := src.RequestHistory(ctx, sym); err != nil {
			log.Printf("[scheduler] history %s: %v", sym, err)
			continue
		}
		requested++
	}
	if s.OnRefresh != nil {
		s.OnRefresh(requested)
	}
	return requested
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.Cron.Start()
	log.Println("[scheduler] started")
}

// Stop stops the cron scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
	log.Println("[scheduler] stopped")
}
