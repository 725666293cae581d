package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/salespath/webhooklog/app/models"
)

// effectRepository implements the EffectRepository interface
type effectRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewEffectRepository creates a new idempotency ledger backed by GORM.
func NewEffectRepository(db *gorm.DB) EffectRepository {
	return &effectRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Claim inserts a claim row if the key is unseen. An existing applied row
// reports AlreadyApplied; a claim older than the lease is taken over.
func (r *effectRepository) Claim(ctx context.Context, req EffectClaim) (*ClaimResult, error) {
	now := r.now()
	token := uuid.NewString()

	effect := &models.ProcessedEffect{
		EffectKey:    req.Key,
		WebhookLogID: req.WebhookLogID,
		EventType:    req.EventType,
		State:        models.EffectStateClaimed,
		ClaimToken:   token,
		ClaimedAt:    now,
	}
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "effect_key"}},
		DoNothing: true,
	}).Create(effect)
	if tx.Error != nil {
		return nil, storageErr("claim effect", tx.Error)
	}
	if tx.RowsAffected > 0 {
		return &ClaimResult{Acquired: true, Token: token}, nil
	}

	existing, err := r.FindByKey(ctx, req.Key)
	if err != nil {
		return nil, err
	}
	if existing.State == models.EffectStateApplied {
		return &ClaimResult{AlreadyApplied: true}, nil
	}
	if now.Sub(existing.ClaimedAt) < req.Lease {
		return &ClaimResult{InProgress: true}, nil
	}

	// The previous claimant never finished; take over its claim.
	res := r.db.WithContext(ctx).Model(&models.ProcessedEffect{}).
		Where("effect_key = ? AND state = ? AND claim_token = ?", req.Key, models.EffectStateClaimed, existing.ClaimToken).
		Updates(map[string]interface{}{
			"claim_token":    token,
			"claimed_at":     now,
			"webhook_log_id": req.WebhookLogID,
		})
	if res.Error != nil {
		return nil, storageErr("take over effect claim", res.Error)
	}
	if res.RowsAffected == 0 {
		return &ClaimResult{InProgress: true}, nil
	}
	return &ClaimResult{Acquired: true, Token: token}, nil
}

// MarkApplied records that the effect behind key has been applied.
func (r *effectRepository) MarkApplied(ctx context.Context, key, token string) error {
	now := r.now()
	res := r.db.WithContext(ctx).Model(&models.ProcessedEffect{}).
		Where("effect_key = ? AND claim_token = ?", key, token).
		Updates(map[string]interface{}{
			"state":      models.EffectStateApplied,
			"applied_at": now,
		})
	if res.Error != nil {
		return storageErr("mark effect applied", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// Release drops an unfinished claim so a later delivery can try again.
func (r *effectRepository) Release(ctx context.Context, key, token string) error {
	err := r.db.WithContext(ctx).
		Where("effect_key = ? AND state = ? AND claim_token = ?", key, models.EffectStateClaimed, token).
		Delete(&models.ProcessedEffect{}).Error
	if err != nil {
		return storageErr("release effect claim", err)
	}
	return nil
}

// FindByKey retrieves a ledger entry by its idempotency key
func (r *effectRepository) FindByKey(ctx context.Context, key string) (*models.ProcessedEffect, error) {
	var effect models.ProcessedEffect
	err := r.db.WithContext(ctx).Where("effect_key = ?", key).First(&effect).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, storageErr("find effect", err)
	}
	return &effect, nil
}
