package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maniabrasil/raspadinha-rgs/cashback"
	"github.com/maniabrasil/raspadinha-rgs/round"

	"go.uber.org/zap"
)

type countingSweeper struct{ n atomic.Int32 }

func (c *countingSweeper) Sweep(context.Context) (round.SweepResult, error) {
	c.n.Add(1)
	return round.SweepResult{}, nil
}

func TestStartSweeperStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &countingSweeper{}
	done := StartSweeper(ctx, s, 5*time.Millisecond, zap.NewNop())
	deadline := time.After(2 * time.Second)
	for s.n.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("sweeper never ran")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestNextRun(t *testing.T) {
	now := time.Date(2024, 6, 1, 2, 0, 0, 0, time.UTC)
	if got := NextRun(now, 3, 1); !got.Equal(time.Date(2024, 6, 1, 3, 1, 0, 0, time.UTC)) {
		t.Errorf("same day: %v", got)
	}
	now = time.Date(2024, 6, 1, 3, 1, 0, 0, time.UTC)
	if got := NextRun(now, 3, 1); !got.Equal(time.Date(2024, 6, 2, 3, 1, 0, 0, time.UTC)) {
		t.Errorf("next day: %v", got)
	}
}

func TestPeriodEnd(t *testing.T) {
	brt := time.FixedZone("UTC-3", -3*3600)
	// 03:01 UTC is 00:01 in UTC-3, so the period ends at local midnight.
	end := PeriodEnd(time.Date(2024, 6, 2, 3, 1, 0, 0, time.UTC), brt)
	if !end.Equal(time.Date(2024, 6, 2, 3, 0, 0, 0, time.UTC)) {
		t.Fatalf("period end %v", end.UTC())
	}
}

type fakeCashback struct {
	ends      []time.Time
	processed int
}

func (f *fakeCashback) ComputePending(_ context.Context, end time.Time) (*cashback.ComputeResult, error) {
	f.ends = append(f.ends, end)
	return &cashback.ComputeResult{Period: end.Add(-time.Nanosecond).Format("2006-01-02")}, nil
}

func (f *fakeCashback) Process(context.Context, []int64) (*cashback.ProcessResult, error) {
	f.processed++
	return &cashback.ProcessResult{}, nil
}

func TestRunCashback(t *testing.T) {
	agg := &fakeCashback{}
	now := time.Date(2024, 6, 2, 3, 1, 0, 0, time.UTC)
	if err := RunCashback(context.Background(), agg, CashbackSchedule{Location: time.UTC}, now, zap.NewNop()); err != nil {
		t.Fatal(err)
	}
	if len(agg.ends) != 1 || agg.processed != 0 {
		t.Fatalf("compute %d process %d", len(agg.ends), agg.processed)
	}
	if err := RunCashback(context.Background(), agg, CashbackSchedule{AutoProcess: true}, now, zap.NewNop()); err != nil {
		t.Fatal(err)
	}
	if agg.processed != 1 {
		t.Fatalf("auto process did not run")
	}
}

type signalCashback struct{ computed chan time.Time }

func (s *signalCashback) ComputePending(_ context.Context, end time.Time) (*cashback.ComputeResult, error) {
	s.computed <- end
	return &cashback.ComputeResult{}, nil
}

func (s *signalCashback) Process(context.Context, []int64) (*cashback.ProcessResult, error) {
	return &cashback.ProcessResult{}, nil
}

func TestCashbackSchedulerCatchesUpAtStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	agg := &signalCashback{computed: make(chan time.Time, 1)}
	// The next scheduled run is at least a minute away.
	next := time.Now().UTC().Add(-time.Minute)
	done := StartCashbackScheduler(ctx, agg, CashbackSchedule{
		Hour:     next.Hour(),
		Minute:   next.Minute(),
		Location: time.UTC,
	}, zap.NewNop())
	select {
	case end := <-agg.computed:
		if want := PeriodEnd(time.Now(), time.UTC); !end.Equal(want) && !end.Equal(want.AddDate(0, 0, -1)) {
			t.Errorf("period end %v, want %v", end, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no batch at start")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
