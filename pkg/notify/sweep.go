package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"roomsync/pkg/logger"
)

// StartSweep schedules periodic full recomputes on a cron expression.
// The change feed is at-least-once but not lossless under backpressure;
// the sweep self-heals counters that missed an event. The returned stop
// func blocks until the sweep goroutine has exited, so the store may be
// closed right after it returns.
func (a *Aggregator) StartSweep(ctx context.Context, cronExpr string) (context.CancelFunc, error) {
	if cronExpr == "" {
		return func() {}, nil
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid sweep cron expression: %s", cronExpr)
	}
	ctx2, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.runSweep(ctx2, cronExpr)
	}()
	logger.Info("notify_sweep_started", "cron", cronExpr, "user", a.user.ID)
	return func() {
		cancel()
		<-done
	}, nil
}

func (a *Aggregator) runSweep(ctx context.Context, cronExpr string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("notify_sweep_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		wait := time.Until(next)
		if wait <= 0 {
			a.RecomputeAll(ctx)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		select {
		case <-time.After(wait):
			a.RecomputeAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}
