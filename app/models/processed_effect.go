package models

import "time"

const (
	EffectStateClaimed = "claimed"
	EffectStateApplied = "applied"
)

// ProcessedEffect is the idempotency ledger entry for one logical event.
// A claimed row marks an application in progress; an applied row makes every
// later delivery with the same key a no-op.
type ProcessedEffect struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	EffectKey    string     `gorm:"type:varchar(191);not null;uniqueIndex:ux_processed_effects_key" json:"effect_key"`
	WebhookLogID string     `gorm:"type:varchar(36);not null;index" json:"webhook_log_id"`
	EventType    string     `gorm:"type:varchar(100);not null;default:''" json:"event_type"`
	State        string     `gorm:"type:varchar(16);not null;index" json:"state"`
	ClaimToken   string     `gorm:"type:varchar(36);not null" json:"-"`
	ClaimedAt    time.Time  `gorm:"not null" json:"claimed_at"`
	AppliedAt    *time.Time `json:"applied_at,omitempty"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
