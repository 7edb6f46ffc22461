package database

import (
	"context"
	"fmt"

	"log/slog"

	"github.com/nightcoffee/couponbot/couponbot/database/models"
)

// InitializeSchema creates all required tables and indexes. Safe to run
// on every startup.
func (db *DB) InitializeSchema(ctx context.Context) error {
	// Create tables in the correct order to handle foreign key constraints
	tables := []struct {
		model interface{}
		fk    string
	}{
		{(*models.Project)(nil), ""},
		{(*models.Coupon)(nil), `("project_id") REFERENCES "projects" ("id") ON DELETE CASCADE`},
		{(*models.Ban)(nil), `("project_id") REFERENCES "projects" ("id") ON DELETE CASCADE`},
	}

	for _, t := range tables {
		query := db.bunDB.NewCreateTable().
			Model(t.model).
			IfNotExists()
		if t.fk != "" {
			query = query.ForeignKey(t.fk)
		}
		if _, err := query.Exec(ctx); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_coupons_project_unclaimed ON coupons(project_id, is_claimed, expiry_date);",
		"CREATE INDEX IF NOT EXISTS idx_coupons_claimant ON coupons(project_id, claimed_by, claimed_at);",
		"CREATE INDEX IF NOT EXISTS idx_coupons_expiry ON coupons(expiry_date);",
		"CREATE INDEX IF NOT EXISTS idx_bans_user ON bans(user_id);",
		// NULL project ids never collide in a plain unique constraint, so
		// a global ban row is deduplicated through COALESCE instead.
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_bans_user_scope ON bans(user_id, COALESCE(project_id, 0));",
	}

	for _, idx := range indexes {
		if _, err := db.ExecWithLog(ctx, idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	slog.Info("Database schema initialized",
		slog.String("type", "db"),
		slog.String("driver", db.driver))
	return nil
}
