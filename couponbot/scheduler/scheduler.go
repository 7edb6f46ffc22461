package scheduler

import (
	"context"
	"time"

	"log/slog"

	"github.com/nightcoffee/couponbot/couponbot/backup"
	"github.com/nightcoffee/couponbot/couponbot/cache"
	"github.com/nightcoffee/couponbot/couponbot/ledger"
	"golang.org/x/sync/errgroup"
)

const (
	cleanupInterval = 1 * time.Hour
	refreshInterval = 5 * time.Minute
	backupCheck     = 1 * time.Hour
	backupHourUTC   = 3

	opTimeout = 5 * time.Minute
)

// Scheduler drives the periodic maintenance loops: expired-coupon
// cleanup, project-name cache refresh and the nightly backup. Each loop
// logs failures and keeps running; none of them can block a claim
// beyond the store's own transaction bounds.
type Scheduler struct {
	ledger *ledger.Ledger
	cache  *cache.Cache
	backup *backup.Service
}

func New(l *ledger.Ledger, c *cache.Cache, b *backup.Service) *Scheduler {
	return &Scheduler{ledger: l, cache: c, backup: b}
}

// Start launches the loops and returns immediately. They stop when ctx
// is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.loop(ctx, cleanupInterval, s.runCleanup)
		return nil
	})
	g.Go(func() error {
		s.loop(ctx, refreshInterval, s.runRefresh)
		return nil
	})
	g.Go(func() error {
		s.loop(ctx, backupCheck, s.runBackup)
		return nil
	})

	go func() {
		_ = g.Wait()
		slog.Info("Background loops stopped", slog.String("type", "sys"))
	}()

	slog.Info("Background loops started", slog.String("type", "sys"))
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, opTimeout)
			fn(opCtx)
			cancel()
		}
	}
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	count, err := s.ledger.CleanupExpired(ctx)
	if err != nil {
		slog.Error("Expired coupon cleanup failed",
			slog.String("type", "sys"),
			slog.Any("error", err))
		return
	}
	if count > 0 {
		slog.Info("Cleanup pass finished",
			slog.String("type", "sys"),
			slog.Int64("deleted", count))
	}
}

func (s *Scheduler) runRefresh(ctx context.Context) {
	if err := s.cache.Refresh(ctx); err != nil {
		slog.Error("Project cache refresh failed",
			slog.String("type", "sys"),
			slog.Any("error", err))
	}
}

// runBackup ticks hourly but only snapshots during the configured
// nightly hour, so a restart never doubles up the day's backup by more
// than one.
func (s *Scheduler) runBackup(ctx context.Context) {
	if time.Now().UTC().Hour() != backupHourUTC {
		return
	}
	if _, err := s.backup.Run(ctx); err != nil {
		// Non-fatal: the next tick inside the window retries.
		slog.Error("Scheduled backup failed",
			slog.String("type", "sys"),
			slog.Any("error", err))
	}
}
