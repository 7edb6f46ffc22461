package models

import (
	"github.com/uptrace/bun"
)

// Project defaults applied on creation.
const (
	DefaultCooldownHours = 168
)

type Project struct {
	bun.BaseModel `bun:"table:projects,alias:p"`

	ID                 int64  `bun:"id,pk,autoincrement"`
	Name               string `bun:"name,notnull,unique"`
	IsClaimActive      bool   `bun:"is_claim_active,notnull,default:true"`
	ClaimCooldownHours int    `bun:"claim_cooldown_hours,notnull,default:168"`

	Coupons []*Coupon `bun:"rel:has-many,join:id=project_id"`
	Bans    []*Ban    `bun:"rel:has-many,join:id=project_id"`
}

// Settable project setting keys accepted by SetSetting.
const (
	SettingClaimActive   = "is_claim_active"
	SettingCooldownHours = "claim_cooldown_hours"
)
