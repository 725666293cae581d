package repository

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/salespath/webhooklog/app/models"
)

// findBatchSize bounds each page fetched by Find.
const findBatchSize = 100

// likeEscaper makes LIKE wildcards in search terms match literally. '!' is
// used as the escape character since MySQL treats backslashes in string
// literals specially.
var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

// webhookLogRepository implements the WebhookLogRepository interface
type webhookLogRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewWebhookLogRepository creates a new webhook log repository instance
func NewWebhookLogRepository(db *gorm.DB) WebhookLogRepository {
	return &webhookLogRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Create persists a new delivery in RECEIVED status.
func (r *webhookLogRepository) Create(ctx context.Context, log *models.WebhookLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.ReceivedAt.IsZero() {
		log.ReceivedAt = r.now()
	} else {
		log.ReceivedAt = log.ReceivedAt.UTC()
	}
	log.UpdatedAt = log.ReceivedAt
	log.Status = models.WebhookStatusReceived
	log.RetryCount = 0
	log.ProcessedAt = nil
	log.ErrorMessage = nil
	log.FailureClass = models.FailureClassNone

	if err := r.db.WithContext(ctx).Create(log).Error; err != nil {
		return storageErr("create webhook log", err)
	}
	return nil
}

// FindByID retrieves a delivery by its id
func (r *webhookLogRepository) FindByID(ctx context.Context, id string) (*models.WebhookLog, error) {
	return findLog(r.db.WithContext(ctx), id)
}

func findLog(db *gorm.DB, id string) (*models.WebhookLog, error) {
	var log models.WebhookLog
	err := db.Where("id = ?", id).First(&log).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, storageErr("find webhook log", err)
	}
	return &log, nil
}

// Transition moves a record to t.To only if its current status is one of
// t.From (and, when set, its retry count still matches). The conditional
// UPDATE is the serialization point between concurrent writers; the row is
// read back in the same transaction, under the UPDATE's row lock, so the
// returned record is the one this call wrote.
func (r *webhookLogRepository) Transition(ctx context.Context, t Transition) (*models.WebhookLog, error) {
	if len(t.From) == 0 {
		return nil, fmt.Errorf("%w: no source status for %s", ErrInvalidTransition, t.To)
	}
	for _, from := range t.From {
		if !models.CanTransition(from, t.To) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, t.To)
		}
	}

	now := r.now()
	updates := map[string]interface{}{
		"status":     t.To,
		"updated_at": now,
	}
	if t.IncrementRetry {
		updates["retry_count"] = gorm.Expr("retry_count + ?", 1)
	}
	if t.Error != nil {
		if *t.Error == "" {
			updates["error_message"] = nil
		} else {
			updates["error_message"] = *t.Error
		}
	}
	if t.FailureClass != nil {
		updates["failure_class"] = *t.FailureClass
	}
	if t.BusinessID != nil {
		updates["business_id"] = *t.BusinessID
	}
	if t.To == models.WebhookStatusProcessed {
		updates["processed_at"] = now
		updates["error_message"] = nil
		updates["failure_class"] = models.FailureClassNone
	}

	var (
		current  *models.WebhookLog
		affected int64
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&models.WebhookLog{}).
			Where("id = ? AND status IN ?", t.ID, t.From)
		if t.ExpectRetryCount != nil {
			q = q.Where("retry_count = ?", *t.ExpectRetryCount)
		}

		res := q.Updates(updates)
		if res.Error != nil {
			return storageErr("transition webhook log", res.Error)
		}
		affected = res.RowsAffected

		var err error
		current, err = findLog(tx, t.ID)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStorage) {
			return nil, err
		}
		return nil, storageErr("transition webhook log", err)
	}
	if affected == 0 {
		return nil, &ConflictError{ID: t.ID, Current: current.Status}
	}
	return current, nil
}

// Find lazily yields matching records newest first. Pages are fetched with a
// (received_at, id) keyset so rows inserted during iteration never shift it.
func (r *webhookLogRepository) Find(ctx context.Context, filter LogFilter) iter.Seq2[models.WebhookLog, error] {
	limit := filter.EffectiveLimit()

	return func(yield func(models.WebhookLog, error) bool) {
		var cursor *models.WebhookLog
		remaining := limit

		for remaining > 0 {
			size := min(findBatchSize, remaining)

			q := r.filtered(ctx, filter).Select("webhook_logs.*")
			if cursor != nil {
				q = q.Where("(webhook_logs.received_at < ? OR (webhook_logs.received_at = ? AND webhook_logs.id < ?))",
					cursor.ReceivedAt, cursor.ReceivedAt, cursor.ID)
			}

			var batch []models.WebhookLog
			err := q.Order("webhook_logs.received_at DESC").
				Order("webhook_logs.id DESC").
				Limit(size).
				Find(&batch).Error
			if err != nil {
				yield(models.WebhookLog{}, storageErr("find webhook logs", err))
				return
			}

			for _, log := range batch {
				if !yield(log, nil) {
					return
				}
			}
			if len(batch) < size {
				return
			}

			remaining -= len(batch)
			last := batch[len(batch)-1]
			cursor = &last
		}
	}
}

// CountByStatus aggregates matching records per status. Filter.Limit is ignored.
func (r *webhookLogRepository) CountByStatus(ctx context.Context, filter LogFilter) (map[models.WebhookStatus]int64, error) {
	var rows []struct {
		Status models.WebhookStatus
		Total  int64
	}

	err := r.filtered(ctx, filter).
		Select("webhook_logs.status AS status, COUNT(*) AS total").
		Group("webhook_logs.status").
		Scan(&rows).Error
	if err != nil {
		return nil, storageErr("count webhook logs", err)
	}

	result := make(map[models.WebhookStatus]int64, len(rows))
	for _, row := range rows {
		result[row.Status] = row.Total
	}
	return result, nil
}

// FindStale returns records in one of statuses not touched since updatedBefore.
func (r *webhookLogRepository) FindStale(ctx context.Context, statuses []models.WebhookStatus, updatedBefore time.Time, limit int) ([]models.WebhookLog, error) {
	var logs []models.WebhookLog
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", statuses, updatedBefore.UTC()).
		Order("updated_at ASC").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, storageErr("find stale webhook logs", err)
	}
	return logs, nil
}

// FindRetryable returns transient failures that have not used up their retries.
func (r *webhookLogRepository) FindRetryable(ctx context.Context, maxRetries, limit int) ([]models.WebhookLog, error) {
	var logs []models.WebhookLog
	err := r.db.WithContext(ctx).
		Where("status = ? AND failure_class = ? AND retry_count < ?",
			models.WebhookStatusFailed, models.FailureClassTransient, maxRetries).
		Order("updated_at ASC").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, storageErr("find retryable webhook logs", err)
	}
	return logs, nil
}

func (r *webhookLogRepository) filtered(ctx context.Context, f LogFilter) *gorm.DB {
	q := r.db.WithContext(ctx).Model(&models.WebhookLog{})

	if len(f.Statuses) > 0 {
		q = q.Where("webhook_logs.status IN ?", f.Statuses)
	}
	if f.From != nil {
		q = q.Where("webhook_logs.received_at >= ?", f.From.UTC())
	}
	if f.To != nil {
		q = q.Where("webhook_logs.received_at < ?", f.To.UTC())
	}
	if term := strings.TrimSpace(f.Search); term != "" {
		like := "%" + likeEscaper.Replace(strings.ToLower(term)) + "%"
		q = q.Joins("LEFT JOIN businesses ON businesses.id = webhook_logs.business_id").
			Where("(LOWER(webhook_logs.event_type) LIKE ? ESCAPE '!' OR LOWER(webhook_logs.reference) LIKE ? ESCAPE '!' OR LOWER(webhook_logs.error_message) LIKE ? ESCAPE '!' OR LOWER(businesses.name) LIKE ? ESCAPE '!')",
				like, like, like, like)
	}
	return q
}
