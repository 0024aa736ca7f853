// Package jobs runs the background loops: the round sweep and the daily
// cashback batch.
package jobs

import (
	"context"
	"time"

	"github.com/maniabrasil/raspadinha-rgs/cashback"
	"github.com/maniabrasil/raspadinha-rgs/round"

	"go.uber.org/zap"
)

type Sweeper interface {
	Sweep(ctx context.Context) (round.SweepResult, error)
}

// StartSweeper runs s every interval until ctx is done. The returned channel
// closes when the loop exits.
func StartSweeper(ctx context.Context, s Sweeper, interval time.Duration, log *zap.Logger) <-chan struct{} {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
					log.Error("round sweep failed", zap.Error(err))
				}
			}
		}
	}()
	return done
}

type CashbackRunner interface {
	ComputePending(ctx context.Context, periodEnd time.Time) (*cashback.ComputeResult, error)
	Process(ctx context.Context, ids []int64) (*cashback.ProcessResult, error)
}

type CashbackSchedule struct {
	Hour, Minute int // UTC
	// Location is the calendar whose day boundary ends a period.
	Location    *time.Location
	AutoProcess bool
}

// NextRun is the first HH:MM UTC strictly after now.
func NextRun(now time.Time, hour, minute int) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// PeriodEnd is the most recent midnight in loc at or before t.
func PeriodEnd(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// RunCashback computes the period ending before now and, when configured,
// credits every pending record.
func RunCashback(ctx context.Context, agg CashbackRunner, sched CashbackSchedule, now time.Time, log *zap.Logger) error {
	end := PeriodEnd(now, sched.Location)
	res, err := agg.ComputePending(ctx, end)
	if err != nil {
		return err
	}
	log.Info("cashback batch computed", zap.String("period", res.Period), zap.Int("created", res.Created))
	if !sched.AutoProcess {
		return nil
	}
	_, err = agg.Process(ctx, nil)
	return err
}

// StartCashbackScheduler runs the cashback batch daily at the scheduled time.
// It also runs once at start so a batch missed while the process was down is
// caught up; computing a period twice creates nothing new.
func StartCashbackScheduler(ctx context.Context, agg CashbackRunner, sched CashbackSchedule, log *zap.Logger) <-chan struct{} {
	if log == nil {
		log = zap.NewNop()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := RunCashback(ctx, agg, sched, time.Now(), log); err != nil && ctx.Err() == nil {
			log.Error("startup cashback batch failed", zap.Error(err))
		}
		for {
			next := NextRun(time.Now(), sched.Hour, sched.Minute)
			log.Info("next cashback batch", zap.Time("at", next))
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case fired := <-timer.C:
				if err := RunCashback(ctx, agg, sched, fired, log); err != nil && ctx.Err() == nil {
					log.Error("cashback batch failed", zap.Error(err))
				}
			}
		}
	}()
	return done
}
