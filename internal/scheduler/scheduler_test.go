package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSource struct {
	mu        sync.Mutex
	symbols   []string
	fail      map[string]bool
	requested []string
	listErr   error
}

func (f *fakeSource) Watchlist(ctx context.Context) ([]string, error) {
	return f.symbols, f.listErr
}

func (f *fakeSource) RequestHistory(ctx context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[symbol] {
		return errors.New("broker: not connected")
	}
	f.requested = append(f.requested, symbol)
	return nil
}

func (f *fakeSource) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requested)
}

type fakePruner struct {
	mu   sync.Mutex
	keep []int
}

func (p *fakePruner) Prune(keep int) (int64, error) {
	p.mu.Lock()
	p.keep = append(p.keep, keep)
	p.mu.Unlock()
	return 3, nil
}

func TestRefreshHistory_SkipsFailures(t *testing.T) {
	src := &fakeSource{
		symbols: []string{"AAPL", "MSFT", "TSLA"},
		fail:    map[string]bool{"MSFT": true},
	}
	s := New(context.Background())
	var reported int
	s.OnRefresh = func(n int) { reported = n }

	if n := s.RefreshHistory(src); n != 2 {
		t.Fatalf("requested=%d, want 2", n)
	}
	if reported != 2 {
		t.Errorf("OnRefresh got %d", reported)
	}
}

func TestRefreshHistory_WatchlistError(t *testing.T) {
	src := &fakeSource{listErr: context.Canceled}
	if n := New(context.Background()).RefreshHistory(src); n != 0 {
		t.Errorf("requested=%d, want 0", n)
	}
}

func TestAddHistoryRefresh_InvalidSpec(t *testing.T) {
	s := New(context.Background())
	if err := s.AddHistoryRefresh("every tuesday", &fakeSource{}); err == nil {
		t.Fatal("expected error for invalid spec")
	}
	// Five-field specs are rejected: seconds are required.
	if err := s.AddHistoryRefresh("*/5 * * * *", &fakeSource{}); err == nil {
		t.Fatal("expected error for five-field spec")
	}
}

func TestScheduler_RunsJobs(t *testing.T) {
	src := &fakeSource{symbols: []string{"AAPL"}}
	pr := &fakePruner{}

	s := New(context.Background())
	if err := s.AddHistoryRefresh("* * * * * *", src); err != nil {
		t.Fatal(err)
	}
	if err := s.AddJournalPrune("@every 1s", pr, 500); err != nil {
		t.Fatal(err)
	}
	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for src.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if src.count() == 0 {
		t.Fatal("history refresh never ran")
	}

	for time.Now().Before(deadline) {
		pr.mu.Lock()
		n := len(pr.keep)
		pr.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if len(pr.keep) == 0 || pr.keep[0] != 500 {
		t.Errorf("prune calls=%v", pr.keep)
	}
}
