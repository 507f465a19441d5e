package payments

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

type fakeSweeper struct {
	mu    sync.Mutex
	times []time.Time
	count int64
	err   error
}

func (f *fakeSweeper) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.times = append(f.times, now)
	return f.count, f.err
}

func (f *fakeSweeper) Sweeps() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.times)
}

func TestReaper_SweepOnce(t *testing.T) {
	sweeper := &fakeSweeper{count: 3}
	r := NewReaper(sweeper, time.Minute)
	r.now = func() time.Time { return testEpoch }

	var after time.Time
	r.AfterSweep = func(now time.Time) { after = now }

	if n := r.SweepOnce(context.Background()); n != 3 {
		t.Errorf("expected 3, got %d", n)
	}
	if len(sweeper.times) != 1 || !sweeper.times[0].Equal(testEpoch) {
		t.Errorf("expected one sweep at %v, got %v", testEpoch, sweeper.times)
	}
	if !after.Equal(testEpoch) {
		t.Errorf("expected AfterSweep at %v, got %v", testEpoch, after)
	}
}

func TestReaper_ErrorDoesNotStop(t *testing.T) {
	sweeper := &fakeSweeper{err: errors.New("database is locked")}
	r := NewReaper(sweeper, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for sweeper.Sweeps() < 3 {
		if time.Now().After(deadline) {
			t.Fatal("reaper stopped sweeping after an error")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop on cancel")
	}
}

func TestReaper_DefaultInterval(t *testing.T) {
	r := NewReaper(&fakeSweeper{}, 0)
	if r.interval != DefaultReapInterval {
		t.Errorf("expected %s, got %s", DefaultReapInterval, r.interval)
	}
}

func TestReaper_SweepsServiceLedger(t *testing.T) {
	svc, node, ledger, _ := newTestService(t)
	ctx := context.Background()

	node.SetNextIndex(7)
	if _, err := svc.SubmitInvoiceRequest(ctx, coffeeRequest()); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	r := NewReaper(svc, time.Minute)
	r.now = func() time.Time { return testEpoch.Add(2 * time.Minute) }

	if n := r.SweepOnce(ctx); n != 1 {
		t.Fatalf("expected 1 reaped, got %d", n)
	}
	stats, err := ledger.GetStats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.PendingInvoices != 0 {
		t.Errorf("expected empty ledger, got %d", stats.PendingInvoices)
	}
}
