package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nightcoffee/couponbot/couponbot/database/models"
	"github.com/uptrace/bun"
)

// ErrNotBanned is returned by Remove when no matching ban row exists.
var ErrNotBanned = errors.New("user is not banned in that scope")

type BanRepository interface {
	Upsert(ctx context.Context, userID string, projectID *int64, reason string, until *time.Time) (created bool, err error)
	Remove(ctx context.Context, userID string, projectID *int64) error
	BansForClaimTx(ctx context.Context, idb bun.IDB, userID string, projectID int64) ([]*models.Ban, error)
}

type banRepository struct {
	*BaseRepository
}

func NewBanRepository(db *bun.DB) BanRepository {
	return &banRepository{BaseRepository: NewBaseRepository(db)}
}

// Upsert creates a ban row or overwrites banned_until and reason on the
// existing (user, scope) row. The read and the write share one
// transaction so concurrent re-bans cannot duplicate the row.
func (r *banRepository) Upsert(ctx context.Context, userID string, projectID *int64, reason string, until *time.Time) (bool, error) {
	created := false
	err := r.Transaction(ctx, func(ctx context.Context, tx bun.Tx) error {
		existing := new(models.Ban)
		query := tx.NewSelect().
			Model(existing).
			Where("user_id = ?", userID)
		if projectID == nil {
			query = query.Where("project_id IS NULL")
		} else {
			query = query.Where("project_id = ?", *projectID)
		}

		err := query.Scan(ctx)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			ban := &models.Ban{
				UserID:      userID,
				ProjectID:   projectID,
				BannedUntil: until,
				Reason:      reason,
			}
			if _, err := tx.NewInsert().Model(ban).Exec(ctx); err != nil {
				return r.HandleErrorWithID("create", "ban", userID, err)
			}
			created = true
			return nil
		case err != nil:
			return r.HandleErrorWithID("get", "ban", userID, err)
		}

		_, err = tx.NewUpdate().
			Model((*models.Ban)(nil)).
			Set("banned_until = ?", until).
			Set("reason = ?", reason).
			Where("id = ?", existing.ID).
			Exec(ctx)
		if err != nil {
			return r.HandleErrorWithID("update", "ban", userID, err)
		}
		return nil
	})
	return created, err
}

// Remove deletes the (user, scope) ban row. ErrNotBanned when there is
// nothing to delete.
func (r *banRepository) Remove(ctx context.Context, userID string, projectID *int64) error {
	timeoutCtx, cancel := r.WithTimeout(ctx)
	defer cancel()

	query := r.GetDB().NewDelete().
		Model((*models.Ban)(nil)).
		Where("user_id = ?", userID)
	if projectID == nil {
		query = query.Where("project_id IS NULL")
	} else {
		query = query.Where("project_id = ?", *projectID)
	}

	result, err := query.Exec(timeoutCtx)
	if err != nil {
		return r.HandleErrorWithID("delete", "ban", userID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return r.HandleErrorWithID("delete", "ban", userID, err)
	}
	if rows == 0 {
		return ErrNotBanned
	}
	return nil
}

// BansForClaimTx fetches the rows the claim check must consider: the
// project-scoped ban and the global ban for the user, together.
func (r *banRepository) BansForClaimTx(ctx context.Context, idb bun.IDB, userID string, projectID int64) ([]*models.Ban, error) {
	var bans []*models.Ban
	err := idb.NewSelect().
		Model(&bans).
		Where("user_id = ?", userID).
		Where("(project_id = ? OR project_id IS NULL)", projectID).
		Scan(ctx)
	if err != nil {
		return nil, r.HandleErrorWithID("get", "ban", userID, err)
	}
	return bans, nil
}
