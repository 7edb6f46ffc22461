package couponbot

import (
	"context"
	"time"

	"log/slog"

	"github.com/nightcoffee/couponbot/couponbot/backup"
	"github.com/nightcoffee/couponbot/couponbot/cache"
	"github.com/nightcoffee/couponbot/couponbot/database"
	"github.com/nightcoffee/couponbot/couponbot/database/repositories"
	"github.com/nightcoffee/couponbot/couponbot/ledger"
	"github.com/nightcoffee/couponbot/couponbot/logger"
	"github.com/nightcoffee/couponbot/couponbot/scheduler"
)

func New(cfg Config, version string, commit string) *App {
	return &App{
		Cfg:     cfg,
		Version: version,
		Commit:  commit,
	}
}

// App wires the ledger, its advisory cache and the maintenance loops
// together. The host (command dispatcher, chat frontend) talks to the
// App; the App routes invalidation hints from ledger mutations into the
// cache so stale reads never outlive a mutation plus the TTL.
type App struct {
	Cfg     Config
	Version string
	Commit  string

	DB        *database.DB
	Ledger    *ledger.Ledger
	Cache     *cache.Cache
	Backup    *backup.Service
	Scheduler *scheduler.Scheduler
}

// Setup connects the store, initializes the schema and builds every
// component. It does not start the background loops; call StartLoops.
func (a *App) Setup(ctx context.Context) error {
	db, err := database.New(ctx, a.Cfg.DB)
	if err != nil {
		return err
	}
	if err := db.InitializeSchema(ctx); err != nil {
		db.Close()
		return err
	}
	a.DB = db

	a.Ledger = ledger.New(db)

	ttl := cache.DefaultTTL
	if a.Cfg.Cache.TTLSeconds > 0 {
		ttl = time.Duration(a.Cfg.Cache.TTLSeconds) * time.Second
	}
	a.Cache = cache.New(a.Ledger, ttl)

	a.Backup = backup.New(db, a.Cfg.Backup.Dir, a.Cfg.Backup.Keep)
	if a.Cfg.Spaces.Bucket != "" {
		spaces, err := backup.NewSpacesClient(
			a.Cfg.Spaces.Key,
			a.Cfg.Spaces.Secret,
			a.Cfg.Spaces.Region,
			a.Cfg.Spaces.Bucket,
			a.Cfg.Spaces.Root,
		)
		if err != nil {
			slog.Warn("Offsite backup disabled",
				slog.String("type", "sys"),
				slog.Any("error", err))
		} else {
			a.Backup.SetSpaces(spaces)
		}
	}

	a.Scheduler = scheduler.New(a.Ledger, a.Cache, a.Backup)
	return nil
}

// StartLoops launches the periodic cleanup, cache refresh and backup
// loops.
func (a *App) StartLoops(ctx context.Context) {
	a.Scheduler.Start(ctx)
}

func (a *App) Close() {
	if a.DB != nil {
		a.DB.Close()
	}
}

// CreateProject creates a project and drops the cached name list.
func (a *App) CreateProject(ctx context.Context, name string) error {
	start := time.Now()
	inv, err := a.Ledger.CreateProject(ctx, name)
	logger.LogOperation("project_create", time.Since(start), err)
	if err != nil {
		return err
	}
	a.Cache.Apply(inv)
	return nil
}

// DeleteProject deletes a project with all its coupons and scoped bans,
// then drops the stale cache entries.
func (a *App) DeleteProject(ctx context.Context, name string) error {
	start := time.Now()
	inv, err := a.Ledger.DeleteProject(ctx, name)
	logger.LogOperation("project_delete", time.Since(start), err)
	if err != nil {
		return err
	}
	a.Cache.Apply(inv)
	return nil
}

// AddCoupons bulk-inserts codes. A nil expiryDays falls back to the
// configured default expiry, if any.
func (a *App) AddCoupons(ctx context.Context, project string, codes []string, expiryDays *int) (*repositories.AddResult, error) {
	if expiryDays == nil && a.Cfg.Claim.DefaultExpiryDays > 0 {
		days := a.Cfg.Claim.DefaultExpiryDays
		expiryDays = &days
	}

	start := time.Now()
	result, inv, err := a.Ledger.AddCoupons(ctx, project, codes, expiryDays)
	logger.LogOperation("coupons_add", time.Since(start), err)
	if err != nil {
		return nil, err
	}
	a.Cache.Apply(inv)
	return result, nil
}

// Claim runs one claim attempt and forwards the invalidation hint into
// the cache on success.
func (a *App) Claim(ctx context.Context, userID string, project string) ledger.ClaimResult {
	start := time.Now()
	result := a.Ledger.Claim(ctx, userID, project)
	logger.LogOperation("claim", time.Since(start), result.Err)
	a.Cache.Apply(result.Invalidate)
	return result
}
