package repository

import (
	"context"
	"iter"
	"time"

	"github.com/salespath/webhooklog/app/models"
)

// WebhookLogRepository is the log store for webhook deliveries. Status only
// ever changes through Transition.
type WebhookLogRepository interface {
	Create(ctx context.Context, log *models.WebhookLog) error
	FindByID(ctx context.Context, id string) (*models.WebhookLog, error)
	Transition(ctx context.Context, t Transition) (*models.WebhookLog, error)
	Find(ctx context.Context, filter LogFilter) iter.Seq2[models.WebhookLog, error]
	CountByStatus(ctx context.Context, filter LogFilter) (map[models.WebhookStatus]int64, error)
	FindStale(ctx context.Context, statuses []models.WebhookStatus, updatedBefore time.Time, limit int) ([]models.WebhookLog, error)
	FindRetryable(ctx context.Context, maxRetries, limit int) ([]models.WebhookLog, error)
}

// EffectRepository is the idempotency ledger used by the effect processor.
type EffectRepository interface {
	Claim(ctx context.Context, req EffectClaim) (*ClaimResult, error)
	MarkApplied(ctx context.Context, key, token string) error
	Release(ctx context.Context, key, token string) error
	FindByKey(ctx context.Context, key string) (*models.ProcessedEffect, error)
}

// BusinessRepository resolves tenants referenced by payment events.
type BusinessRepository interface {
	GetByID(ctx context.Context, id string) (*models.Business, error)
	GetByCustomerCode(ctx context.Context, code string) (*models.Business, error)
	GetByEmail(ctx context.Context, email string) (*models.Business, error)
}

// Transition describes one compare-and-set status change. Nil pointer fields
// are left untouched; a non-nil Error pointing at "" clears the message.
type Transition struct {
	ID               string
	From             []models.WebhookStatus
	To               models.WebhookStatus
	ExpectRetryCount *int
	IncrementRetry   bool
	Error            *string
	FailureClass     *models.FailureClass
	BusinessID       *string
}

// LogFilter holds structured query parameters; values are always bound, never
// interpolated into SQL.
type LogFilter struct {
	Statuses []models.WebhookStatus
	From     *time.Time
	To       *time.Time
	Search   string
	Limit    int
}

const (
	DefaultLogLimit = 100
	MaxLogLimit     = 500
)

// EffectiveLimit clamps the requested limit to [1, MaxLogLimit].
func (f LogFilter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultLogLimit
	case f.Limit > MaxLogLimit:
		return MaxLogLimit
	default:
		return f.Limit
	}
}

// EffectClaim asks the ledger for exclusive right to apply an effect.
type EffectClaim struct {
	Key          string
	WebhookLogID string
	EventType    string
	Lease        time.Duration
}

// ClaimResult is the outcome of EffectRepository.Claim. Exactly one of
// Acquired, AlreadyApplied and InProgress is true.
type ClaimResult struct {
	Acquired       bool
	AlreadyApplied bool
	InProgress     bool
	Token          string
}

// Repositories struct holds all repository instances
type Repositories struct {
	WebhookLog WebhookLogRepository
	Effect     EffectRepository
	Business   BusinessRepository
}
