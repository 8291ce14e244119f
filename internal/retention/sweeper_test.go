package retention

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakePurge struct {
	mu      sync.Mutex
	expired int
	calls   int
}

func (f *fakePurge) PurgeExecutionsBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	n := f.expired
	if n > limit {
		n = limit
	}
	f.expired -= n
	return int64(n), nil
}

func TestRunNowDrainsInBatches(t *testing.T) {
	store := &fakePurge{expired: purgeBatch + 10}
	s := New(store, 30, "", zap.NewNop())

	n, err := s.RunNow(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n != int64(purgeBatch+10) {
		t.Fatalf("deleted = %d", n)
	}
	if store.calls != 2 {
		t.Fatalf("expected 2 batches, got %d", store.calls)
	}
}

// Running retention twice over an unchanged dataset is a no-op the
// second time.
func TestRunNowIdempotent(t *testing.T) {
	store := &fakePurge{expired: 12}
	s := New(store, 30, "", zap.NewNop())

	first, err := s.RunNow(context.Background())
	if err != nil || first != 12 {
		t.Fatalf("first run = %d, %v", first, err)
	}
	second, err := s.RunNow(context.Background())
	if err != nil || second != 0 {
		t.Fatalf("second run should delete nothing, got %d, %v", second, err)
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := New(&fakePurge{}, 30, "not a cron expr", zap.NewNop())
	if err := s.Start(); err == nil {
		s.Stop()
		t.Fatal("bad schedule should be rejected")
	}
}

func TestStartAndStop(t *testing.T) {
	s := New(&fakePurge{}, 30, DefaultSchedule, zap.NewNop())
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.Stop()
}
