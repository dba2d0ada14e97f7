package forecast

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// NextHour returns the next clock-hour boundary strictly after t, in t's
// location.
func NextHour(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
}

// NextDaily returns the next occurrence of hour:minute strictly after t, in
// t's location.
func NextDaily(t time.Time, hour, minute int) time.Time {
	next := time.Date(t.Year(), t.Month(), t.Day(), hour, minute, 0, 0, t.Location())
	if !next.After(t) {
		next = time.Date(t.Year(), t.Month(), t.Day()+1, hour, minute, 0, 0, t.Location())
	}
	return next
}

// Run performs an initial refresh and then runs the hourly refresh and, when
// a price entity is configured, the daily refit until ctx is canceled. Both
// timers are recomputed from the wall clock after every firing.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.Refresh(ctx); err != nil {
		slog.Error("initial refresh failed", "err", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.every(gctx, "refresh", NextHour, func(ctx context.Context) {
			if err := c.Refresh(ctx); err != nil && !errors.Is(err, ErrRefreshInProgress) && ctx.Err() == nil {
				slog.Error("scheduled refresh failed", "err", err)
			}
		})
		return nil
	})
	if c.params.PriceEntity != "" {
		g.Go(func() error {
			next := func(t time.Time) time.Time { return NextDaily(t, c.params.RefitHour, c.params.RefitMinute) }
			c.every(gctx, "refit", next, func(ctx context.Context) {
				if _, err := c.Refit(ctx); err != nil && !errors.Is(err, ErrRefitInProgress) && ctx.Err() == nil {
					slog.Warn("scheduled refit failed", "err", err)
				}
			})
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func (c *Coordinator) every(ctx context.Context, name string, next func(time.Time) time.Time, job func(context.Context)) {
	for {
		now := c.now()
		at := next(now)
		slog.Debug("scheduled", "job", name, "at", at)

		timer := time.NewTimer(at.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			job(ctx)
		}
	}
}
