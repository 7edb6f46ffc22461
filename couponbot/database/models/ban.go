package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Ban blocks a user from claiming. A nil ProjectID means the ban is
// global; otherwise it is scoped to one project. A nil BannedUntil
// means the ban is permanent.
type Ban struct {
	bun.BaseModel `bun:"table:bans,alias:b"`

	ID          int64      `bun:"id,pk,autoincrement"`
	UserID      string     `bun:"user_id,notnull"`
	ProjectID   *int64     `bun:"project_id"`
	BannedUntil *time.Time `bun:"banned_until,nullzero"`
	Reason      string     `bun:"reason"`
}

// Active reports whether the ban still blocks claims at the given time.
func (b *Ban) Active(now time.Time) bool {
	return b.BannedUntil == nil || b.BannedUntil.After(now)
}

// Global reports whether the ban applies across all projects.
func (b *Ban) Global() bool {
	return b.ProjectID == nil
}

// MoreRestrictiveThan orders two active bans: permanent beats
// temporary, later expiry beats earlier.
func (b *Ban) MoreRestrictiveThan(other *Ban) bool {
	if other == nil {
		return true
	}
	if b.BannedUntil == nil {
		return other.BannedUntil != nil
	}
	if other.BannedUntil == nil {
		return false
	}
	return b.BannedUntil.After(*other.BannedUntil)
}
