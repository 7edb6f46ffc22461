package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Coupon is a single-use redemption code. It transitions unclaimed to
// claimed exactly once and never reverts.
type Coupon struct {
	bun.BaseModel `bun:"table:coupons,alias:c"`

	ID         int64      `bun:"id,pk,autoincrement"`
	Code       string     `bun:"code,notnull,unique"`
	IsClaimed  bool       `bun:"is_claimed,notnull,default:false"`
	ClaimedBy  string     `bun:"claimed_by,nullzero"`
	ClaimedAt  *time.Time `bun:"claimed_at,nullzero"`
	ExpiryDate *time.Time `bun:"expiry_date,nullzero"`
	ProjectID  int64      `bun:"project_id,notnull"`
}

// Expired reports whether the coupon's expiry date has passed. Coupons
// without an expiry date never expire.
func (c *Coupon) Expired(now time.Time) bool {
	return c.ExpiryDate != nil && !c.ExpiryDate.After(now)
}
