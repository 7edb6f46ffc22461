package ledger

import (
	"context"
	"time"

	"log/slog"

	"github.com/nightcoffee/couponbot/couponbot/database"
	"github.com/nightcoffee/couponbot/couponbot/database/models"
	"github.com/nightcoffee/couponbot/couponbot/database/repositories"
	"github.com/uptrace/bun"
)

const (
	claimTimeout = 10 * time.Second

	// casRetryLimit bounds the claim retry loop. Each retry means a
	// concurrent claimant won the candidate row; the next select sees a
	// strictly smaller pool, so the loop cannot spin on the same coupon.
	casRetryLimit = 16
)

// Ledger is the transactional store over projects, coupons and bans.
// All mutating operations are atomic; the claim path additionally
// guarantees that no coupon is ever issued twice, whatever the
// concurrent load.
type Ledger struct {
	db       *database.DB
	projects repositories.ProjectRepository
	coupons  repositories.CouponRepository
	bans     repositories.BanRepository
	now      func() time.Time
}

func New(db *database.DB) *Ledger {
	projects := repositories.NewProjectRepository(db.BunDB())
	return &Ledger{
		db:       db,
		projects: projects,
		coupons:  repositories.NewCouponRepository(db.BunDB(), projects),
		bans:     repositories.NewBanRepository(db.BunDB()),
		now:      time.Now,
	}
}

// SetClock overrides the time source. Tests use this to step through
// cooldown and expiry windows.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// CreateProject registers a new project with claiming enabled and the
// default cooldown. The name must be unused (case-sensitive).
func (l *Ledger) CreateProject(ctx context.Context, name string) (Invalidation, error) {
	if _, err := l.projects.Create(ctx, name); err != nil {
		return Invalidation{}, err
	}
	slog.Info("Project created",
		slog.String("type", "db"),
		slog.String("project", name))
	return Invalidation{Projects: true}, nil
}

// DeleteProject removes a project and cascades into its coupons and
// scoped bans. Global bans survive.
func (l *Ledger) DeleteProject(ctx context.Context, name string) (Invalidation, error) {
	if err := l.projects.Delete(ctx, name); err != nil {
		return Invalidation{}, err
	}
	slog.Info("Project deleted",
		slog.String("type", "db"),
		slog.String("project", name))
	return Invalidation{Projects: true, StockOf: name}, nil
}

// SetProjectSetting updates one of the settable project fields:
// is_claim_active (bool) or claim_cooldown_hours (non-negative int).
func (l *Ledger) SetProjectSetting(ctx context.Context, name string, key string, value interface{}) error {
	return l.projects.SetSetting(ctx, name, key, value)
}

// ProjectNames lists all project names in lexicographic order.
func (l *Ledger) ProjectNames(ctx context.Context) ([]string, error) {
	return l.projects.GetAllNames(ctx)
}

// AddCoupons bulk-inserts codes into a project. expiryDays, when given,
// assigns a common expiry of now + expiryDays to every newly inserted
// code; nil means the codes never expire.
func (l *Ledger) AddCoupons(ctx context.Context, project string, codes []string, expiryDays *int) (*repositories.AddResult, Invalidation, error) {
	var expiry *time.Time
	if expiryDays != nil {
		e := l.now().UTC().Add(time.Duration(*expiryDays) * 24 * time.Hour)
		expiry = &e
	}

	result, err := l.coupons.Add(ctx, project, codes, expiry)
	if err != nil {
		return nil, Invalidation{}, err
	}

	slog.Info("Coupons added",
		slog.String("type", "db"),
		slog.String("project", project),
		slog.Int("inserted", result.Inserted),
		slog.Int("duplicates", result.Duplicates))
	return result, Invalidation{StockOf: project}, nil
}

// Stock returns the authoritative count of claimable coupons in a
// project. Cached counts elsewhere are advisory only.
func (l *Ledger) Stock(ctx context.Context, project string) (int, error) {
	return l.coupons.Stock(ctx, project, l.now().UTC())
}

// CleanupExpired purges every coupon past its expiry date, claimed or
// not, and returns the number deleted. Safe to run beside live claims:
// a claim that beat the purge already returned its code.
func (l *Ledger) CleanupExpired(ctx context.Context) (int64, error) {
	count, err := l.coupons.DeleteExpired(ctx, l.now().UTC())
	if err != nil {
		return 0, err
	}
	if count > 0 {
		slog.Info("Expired coupons purged",
			slog.String("type", "db"),
			slog.Int64("count", count))
	}
	return count, nil
}

// BanUser blocks a user from claiming, either in one project or
// globally when project is nil. durationHours nil means permanent.
// Re-banning the same scope overwrites the existing row.
func (l *Ledger) BanUser(ctx context.Context, userID string, project *string, reason string, durationHours *int) (*BanReceipt, error) {
	projectID, err := l.resolveScope(ctx, project)
	if err != nil {
		return nil, err
	}

	var until *time.Time
	if durationHours != nil {
		u := l.now().UTC().Add(time.Duration(*durationHours) * time.Hour)
		until = &u
	}

	created, err := l.bans.Upsert(ctx, userID, projectID, reason, until)
	if err != nil {
		return nil, err
	}

	slog.Info("User banned",
		slog.String("type", "db"),
		slog.String("user_id", userID),
		slog.Bool("global", projectID == nil),
		slog.Bool("permanent", until == nil))
	return &BanReceipt{
		Created:     created,
		Global:      projectID == nil,
		BannedUntil: until,
		Reason:      reason,
	}, nil
}

// UnbanUser lifts the ban matching the scope. ErrNotBanned when no such
// ban exists.
func (l *Ledger) UnbanUser(ctx context.Context, userID string, project *string) error {
	projectID, err := l.resolveScope(ctx, project)
	if err != nil {
		return err
	}
	return l.bans.Remove(ctx, userID, projectID)
}

func (l *Ledger) resolveScope(ctx context.Context, project *string) (*int64, error) {
	if project == nil {
		return nil, nil
	}
	p, err := l.projects.GetByName(ctx, *project)
	if err != nil {
		return nil, err
	}
	return &p.ID, nil
}

// Claim walks the claim state machine for one (user, project) pair and,
// on success, hands the user exactly one coupon. The checks and the
// final write share a single transaction, evaluated strictly in order:
// project exists, user not banned (global or scoped), claiming enabled,
// cooldown elapsed, stock available.
func (l *Ledger) Claim(ctx context.Context, userID string, projectName string) ClaimResult {
	var res ClaimResult

	timeoutCtx, cancel := context.WithTimeout(ctx, claimTimeout)
	defer cancel()

	err := l.db.BunDB().RunInTx(timeoutCtx, nil, func(ctx context.Context, tx bun.Tx) error {
		now := l.now().UTC()

		project, err := l.projects.GetByNameTx(ctx, tx, projectName)
		if err != nil {
			if repositories.IsNotFound(err) {
				res = ClaimResult{Status: StatusNoProject}
				return nil
			}
			return err
		}

		bans, err := l.bans.BansForClaimTx(ctx, tx, userID, project.ID)
		if err != nil {
			return err
		}
		if ban := mostRestrictiveBan(bans, now); ban != nil {
			res = ClaimResult{Status: StatusBanned, BanReason: ban.Reason}
			return nil
		}

		if !project.IsClaimActive {
			res = ClaimResult{Status: StatusDisabled}
			return nil
		}

		last, err := l.coupons.LastClaimTx(ctx, tx, project.ID, userID)
		if err != nil {
			return err
		}
		if last != nil && last.ClaimedAt != nil {
			cooldownEnd := last.ClaimedAt.Add(time.Duration(project.ClaimCooldownHours) * time.Hour)
			if now.Before(cooldownEnd) {
				res = ClaimResult{
					Status:    StatusCooldown,
					Code:      last.Code,
					Remaining: cooldownEnd.Sub(now),
				}
				return nil
			}
		}

		// Select-then-conditional-update loop. A lost race on the update
		// means another claimant took the candidate; re-select and try
		// the next one until the stock runs out.
		for attempt := 0; attempt < casRetryLimit; attempt++ {
			coupon, err := l.coupons.NextClaimableTx(ctx, tx, project.ID, now)
			if err != nil {
				return err
			}
			if coupon == nil {
				res = ClaimResult{Status: StatusNoStock}
				return nil
			}

			won, err := l.coupons.MarkClaimedTx(ctx, tx, coupon.ID, userID, now)
			if err != nil {
				return err
			}
			if won {
				res = ClaimResult{
					Status:     StatusSuccess,
					Code:       coupon.Code,
					ExpiryDate: coupon.ExpiryDate,
					Invalidate: Invalidation{StockOf: projectName},
				}
				return nil
			}
		}

		res = ClaimResult{Status: StatusNoStock}
		return nil
	})
	if err != nil {
		slog.Error("Claim transaction failed",
			slog.String("type", "db"),
			slog.String("user_id", userID),
			slog.String("project", projectName),
			slog.Any("error", err))
		return ClaimResult{Status: StatusError, Err: err}
	}

	if res.Status == StatusSuccess {
		slog.Info("Coupon claimed",
			slog.String("type", "db"),
			slog.String("user_id", userID),
			slog.String("project", projectName))
	}
	return res
}

// mostRestrictiveBan returns the active ban that blocks the claim, or
// nil when none do. Permanent bans outrank temporary ones; among
// temporary bans the one expiring last wins, so the reported reason is
// the one the user will be stuck with longest.
func mostRestrictiveBan(bans []*models.Ban, now time.Time) *models.Ban {
	var worst *models.Ban
	for _, ban := range bans {
		if !ban.Active(now) {
			continue
		}
		if worst == nil || ban.MoreRestrictiveThan(worst) {
			worst = ban
		}
	}
	return worst
}
