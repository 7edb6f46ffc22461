package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nightcoffee/couponbot/couponbot/database/models"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

// AddResult reports the outcome of a bulk coupon insert.
type AddResult struct {
	Inserted      int
	Duplicates    int
	InsertedCodes []string
}

type CouponRepository interface {
	Add(ctx context.Context, projectName string, codes []string, expiry *time.Time) (*AddResult, error)
	Stock(ctx context.Context, projectName string, now time.Time) (int, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	LastClaimTx(ctx context.Context, idb bun.IDB, projectID int64, userID string) (*models.Coupon, error)
	NextClaimableTx(ctx context.Context, idb bun.IDB, projectID int64, now time.Time) (*models.Coupon, error)
	MarkClaimedTx(ctx context.Context, idb bun.IDB, couponID int64, userID string, now time.Time) (bool, error)
}

type couponRepository struct {
	*BaseRepository
	projects ProjectRepository
}

func NewCouponRepository(db *bun.DB, projects ProjectRepository) CouponRepository {
	return &couponRepository{
		BaseRepository: NewBaseRepository(db),
		projects:       projects,
	}
}

// Add inserts a batch of codes into a project as one transaction. Codes
// already present anywhere in the store count as duplicates and are
// skipped; codes repeated within the input are collapsed the same way.
// Either every new code lands or none do.
func (r *couponRepository) Add(ctx context.Context, projectName string, codes []string, expiry *time.Time) (*AddResult, error) {
	timeoutCtx, cancel := r.WithCustomTimeout(ctx, batchQueryTimeout)
	defer cancel()

	result := &AddResult{}
	err := r.GetDB().RunInTx(timeoutCtx, nil, func(ctx context.Context, tx bun.Tx) error {
		project, err := r.projects.GetByNameTx(ctx, tx, projectName)
		if err != nil {
			return err
		}

		// Codes are globally unique, so the dedup check runs system-wide,
		// not per project.
		var existing []string
		if len(codes) > 0 {
			err = tx.NewSelect().
				Model((*models.Coupon)(nil)).
				Column("code").
				Where("code IN (?)", bun.In(codes)).
				Scan(ctx, &existing)
			if err != nil {
				return r.HandleError("dedup", "coupon", err)
			}
		}

		seen := make(map[string]struct{}, len(existing))
		for _, code := range existing {
			seen[code] = struct{}{}
		}

		var coupons []*models.Coupon
		for _, code := range codes {
			if _, dup := seen[code]; dup {
				result.Duplicates++
				continue
			}
			seen[code] = struct{}{}
			coupons = append(coupons, &models.Coupon{
				Code:       code,
				ProjectID:  project.ID,
				ExpiryDate: expiry,
			})
			result.InsertedCodes = append(result.InsertedCodes, code)
		}

		if len(coupons) > 0 {
			if _, err := tx.NewInsert().Model(&coupons).Exec(ctx); err != nil {
				return r.HandleError("batch_insert", "coupon", err)
			}
		}

		result.Inserted = len(coupons)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Stock counts coupons that are still claimable: unclaimed and either
// without an expiry date or not yet expired.
func (r *couponRepository) Stock(ctx context.Context, projectName string, now time.Time) (int, error) {
	timeoutCtx, cancel := r.WithTimeout(ctx)
	defer cancel()

	project, err := r.projects.GetByNameTx(timeoutCtx, r.GetDB(), projectName)
	if err != nil {
		return 0, err
	}

	count, err := r.GetDB().NewSelect().
		Model((*models.Coupon)(nil)).
		Where("project_id = ?", project.ID).
		Where("is_claimed = ?", false).
		Where("(expiry_date IS NULL OR expiry_date > ?)", now).
		Count(timeoutCtx)
	if err != nil {
		return 0, r.HandleErrorWithID("count", "coupon", projectName, err)
	}
	return count, nil
}

// DeleteExpired purges coupons whose expiry date has passed, claimed or
// not. Running it twice in a row deletes nothing the second time.
func (r *couponRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	timeoutCtx, cancel := r.WithCustomTimeout(ctx, batchQueryTimeout)
	defer cancel()

	result, err := r.GetDB().NewDelete().
		Model((*models.Coupon)(nil)).
		Where("expiry_date IS NOT NULL").
		Where("expiry_date <= ?", now).
		Exec(timeoutCtx)
	if err != nil {
		return 0, r.HandleError("delete_expired", "coupon", err)
	}
	return result.RowsAffected()
}

// LastClaimTx returns the user's most recent claim in the project, or
// nil when the user has never claimed there.
func (r *couponRepository) LastClaimTx(ctx context.Context, idb bun.IDB, projectID int64, userID string) (*models.Coupon, error) {
	coupon := new(models.Coupon)
	err := idb.NewSelect().
		Model(coupon).
		Where("project_id = ?", projectID).
		Where("claimed_by = ?", userID).
		Where("claimed_at IS NOT NULL").
		Order("claimed_at DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, r.HandleError("last_claim", "coupon", err)
	}
	return coupon, nil
}

// NextClaimableTx picks the claim candidate: soonest-to-expire first so
// inventory close to its expiry is consumed before it goes to waste,
// codes without expiry last. Returns nil when the project is out of
// stock. On Postgres the row is locked past concurrent claimants.
func (r *couponRepository) NextClaimableTx(ctx context.Context, idb bun.IDB, projectID int64, now time.Time) (*models.Coupon, error) {
	coupon := new(models.Coupon)
	query := idb.NewSelect().
		Model(coupon).
		Where("project_id = ?", projectID).
		Where("is_claimed = ?", false).
		Where("(expiry_date IS NULL OR expiry_date > ?)", now).
		OrderExpr("expiry_date ASC NULLS LAST").
		OrderExpr("id ASC").
		Limit(1)

	if r.GetDB().Dialect().Name() == dialect.PG {
		query = query.For("UPDATE SKIP LOCKED")
	}

	err := query.Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, r.HandleError("next_claimable", "coupon", err)
	}
	return coupon, nil
}

// MarkClaimedTx flips a coupon to claimed if and only if it is still
// unclaimed. The conditional write is what makes two racing claims
// impossible to both win: exactly one update reports an affected row.
func (r *couponRepository) MarkClaimedTx(ctx context.Context, idb bun.IDB, couponID int64, userID string, now time.Time) (bool, error) {
	result, err := idb.NewUpdate().
		Model((*models.Coupon)(nil)).
		Set("is_claimed = ?", true).
		Set("claimed_by = ?", userID).
		Set("claimed_at = ?", now).
		Where("id = ?", couponID).
		Where("is_claimed = ?", false).
		Exec(ctx)
	if err != nil {
		return false, r.HandleError("mark_claimed", "coupon", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, r.HandleError("mark_claimed", "coupon", err)
	}
	return rows == 1, nil
}
