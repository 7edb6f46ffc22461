package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/nightcoffee/couponbot/couponbot/database/models"
	"github.com/uptrace/bun"
)

// ErrInvalidSetting is returned when SetSetting is called with a key
// that is not a settable project field.
var ErrInvalidSetting = errors.New("invalid project setting")

type ProjectRepository interface {
	Create(ctx context.Context, name string) (*models.Project, error)
	GetByName(ctx context.Context, name string) (*models.Project, error)
	GetByNameTx(ctx context.Context, idb bun.IDB, name string) (*models.Project, error)
	GetAllNames(ctx context.Context) ([]string, error)
	SetSetting(ctx context.Context, name string, key string, value interface{}) error
	Delete(ctx context.Context, name string) error
}

type projectRepository struct {
	*BaseRepository
}

func NewProjectRepository(db *bun.DB) ProjectRepository {
	return &projectRepository{BaseRepository: NewBaseRepository(db)}
}

// Create inserts a project with default settings. Returns a
// ConflictError when the name is already taken (case-sensitive exact
// match).
func (r *projectRepository) Create(ctx context.Context, name string) (*models.Project, error) {
	timeoutCtx, cancel := r.WithTimeout(ctx)
	defer cancel()

	project := &models.Project{
		Name:               name,
		IsClaimActive:      true,
		ClaimCooldownHours: models.DefaultCooldownHours,
	}

	if _, err := r.GetDB().NewInsert().Model(project).Exec(timeoutCtx); err != nil {
		if IsUniqueViolation(err) {
			return nil, &ConflictError{Entity: "project", Field: "name", Value: name}
		}
		return nil, r.HandleErrorWithID("create", "project", name, err)
	}
	return project, nil
}

func (r *projectRepository) GetByName(ctx context.Context, name string) (*models.Project, error) {
	timeoutCtx, cancel := r.WithTimeout(ctx)
	defer cancel()

	return r.GetByNameTx(timeoutCtx, r.GetDB(), name)
}

// GetByNameTx resolves a project inside an existing transaction so the
// caller's reads stay consistent with its later writes.
func (r *projectRepository) GetByNameTx(ctx context.Context, idb bun.IDB, name string) (*models.Project, error) {
	project := new(models.Project)
	err := idb.NewSelect().
		Model(project).
		Where("name = ?", name).
		Scan(ctx)
	if err != nil {
		return nil, r.HandleErrorWithID("get", "project", name, err)
	}
	return project, nil
}

func (r *projectRepository) GetAllNames(ctx context.Context) ([]string, error) {
	timeoutCtx, cancel := r.WithTimeout(ctx)
	defer cancel()

	var names []string
	err := r.GetDB().NewSelect().
		Model((*models.Project)(nil)).
		Column("name").
		Order("name ASC").
		Scan(timeoutCtx, &names)
	if err != nil {
		return nil, r.HandleError("list", "project", err)
	}
	return names, nil
}

// SetSetting updates exactly one settable field. The key set is closed;
// anything else is ErrInvalidSetting.
func (r *projectRepository) SetSetting(ctx context.Context, name string, key string, value interface{}) error {
	switch key {
	case models.SettingClaimActive:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%w: %s requires a bool, got %T", ErrInvalidSetting, key, value)
		}
	case models.SettingCooldownHours:
		hours, ok := value.(int)
		if !ok {
			return fmt.Errorf("%w: %s requires an int, got %T", ErrInvalidSetting, key, value)
		}
		if hours < 0 {
			return fmt.Errorf("%w: %s must be >= 0", ErrInvalidSetting, key)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSetting, key)
	}

	timeoutCtx, cancel := r.WithTimeout(ctx)
	defer cancel()

	result, err := r.GetDB().NewUpdate().
		Model((*models.Project)(nil)).
		Set("? = ?", bun.Ident(key), value).
		Where("name = ?", name).
		Exec(timeoutCtx)
	if err != nil {
		return r.HandleErrorWithID("update", "project", name, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return r.HandleErrorWithID("update", "project", name, err)
	}
	if rows == 0 {
		return &NotFoundError{Entity: "project", ID: name}
	}
	return nil
}

// Delete removes the project together with its coupons and scoped bans
// in one transaction. Global bans are untouched.
func (r *projectRepository) Delete(ctx context.Context, name string) error {
	return r.Transaction(ctx, func(ctx context.Context, tx bun.Tx) error {
		project, err := r.GetByNameTx(ctx, tx, name)
		if err != nil {
			return err
		}

		if _, err := tx.NewDelete().
			Model((*models.Coupon)(nil)).
			Where("project_id = ?", project.ID).
			Exec(ctx); err != nil {
			return r.HandleErrorWithID("delete", "coupon", name, err)
		}

		if _, err := tx.NewDelete().
			Model((*models.Ban)(nil)).
			Where("project_id = ?", project.ID).
			Exec(ctx); err != nil {
			return r.HandleErrorWithID("delete", "ban", name, err)
		}

		result, err := tx.NewDelete().
			Model((*models.Project)(nil)).
			Where("id = ?", project.ID).
			Exec(ctx)
		if err != nil {
			return r.HandleErrorWithID("delete", "project", name, err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return &NotFoundError{Entity: "project", ID: name}
		}
		return nil
	})
}
