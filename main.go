package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/nightcoffee/couponbot/couponbot"
	"github.com/nightcoffee/couponbot/couponbot/logger"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	path := flag.String("config", "config.toml", "path to config")
	runBackup := flag.Bool("backup", false, "write one snapshot and exit")
	flag.Parse()

	cfg, err := couponbot.LoadConfig(*path)
	if err != nil {
		slog.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(-1)
	}

	customHandler := logger.NewHandler(cfg.Log.Level)
	slog.SetDefault(slog.New(customHandler))

	slog.Info("Starting coupon ledger",
		slog.String("version", version),
		slog.String("commit", commit))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	app := couponbot.New(*cfg, version, commit)
	dbStartTime := time.Now()
	if err := app.Setup(ctx); err != nil {
		slog.Error("Setup failed",
			slog.String("error", err.Error()),
			slog.Duration("attempted_for", time.Since(dbStartTime)))
		os.Exit(-1)
	}
	defer app.Close()

	slog.Info("Store connected",
		slog.String("driver", app.DB.Driver()),
		slog.Duration("took", time.Since(dbStartTime)))

	if *runBackup {
		if _, err := app.Backup.Run(ctx); err != nil {
			logger.LogError("Backup failed", err)
			os.Exit(-1)
		}
		return
	}

	loopCtx, stopLoops := context.WithCancel(context.Background())
	defer stopLoops()
	app.StartLoops(loopCtx)

	// Warm the autocomplete cache before the host starts dispatching.
	if err := app.Cache.Refresh(ctx); err != nil {
		slog.Warn("Initial cache refresh failed", slog.Any("error", err))
	}

	logger.LogSystem("Coupon ledger is running. Press CTRL-C to exit.")
	s := make(chan os.Signal, 1)
	signal.Notify(s, syscall.SIGINT, syscall.SIGTERM)
	<-s
	logger.LogSystem("Shutting down...")
}
