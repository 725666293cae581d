// Package replay re-drives stored deliveries through the canonical ingestion
// path, re-signed with the current secret.
package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/salespath/webhooklog/app/models"
	"github.com/salespath/webhooklog/app/repository"
	"github.com/salespath/webhooklog/internal/pkg/effects"
)

// ErrInvalidState is returned for records that may not be replayed.
var ErrInvalidState = errors.New("record is not in a replayable state")

// InvalidStateError names the status that blocked a replay.
type InvalidStateError struct {
	ID     string
	Status models.WebhookStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("webhook log %s is %s and cannot be replayed", e.ID, e.Status)
}

func (e *InvalidStateError) Unwrap() error {
	return ErrInvalidState
}

// Signer signs a payload with the current secret.
type Signer interface {
	Sign(ctx context.Context, payload []byte) (string, error)
}

// Submitter hands a re-signed record to the ingestion path.
type Submitter interface {
	Submit(ctx context.Context, record *models.WebhookLog, signature string) error
}

// Result is the state a replay left the record in.
type Result struct {
	Record    *models.WebhookLog
	Succeeded bool
}

// Controller runs replays. Safe for concurrent use; concurrent replays of one
// record are arbitrated by the log store.
type Controller struct {
	logs      repository.WebhookLogRepository
	signer    Signer
	submitter Submitter
	timeout   time.Duration
}

// NewController creates a replay controller. timeout bounds each submission.
func NewController(logs repository.WebhookLogRepository, signer Signer, submitter Submitter, timeout time.Duration) *Controller {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Controller{
		logs:      logs,
		signer:    signer,
		submitter: submitter,
		timeout:   timeout,
	}
}

// Replay re-opens a failed or rejected record, bumping its retry count, and
// resubmits its original payload. Errors are repository.ErrNotFound,
// ErrInvalidState, repository.ErrConflict or storage failures; a replay that
// ran but did not succeed is reported through Result.
func (c *Controller) Replay(ctx context.Context, id string) (Result, error) {
	record, err := c.logs.FindByID(ctx, id)
	if err != nil {
		return Result{}, err
	}

	switch {
	case record.Status.IsReplayable():
	case !record.Status.IsTerminal() && record.RetryCount > 0:
		// Another replay re-opened it and has not settled yet.
		return Result{Record: record}, &repository.ConflictError{ID: id, Current: record.Status}
	default:
		return Result{Record: record}, &InvalidStateError{ID: id, Status: record.Status}
	}

	observed := record.RetryCount
	reopened, err := c.logs.Transition(ctx, repository.Transition{
		ID:               id,
		From:             []models.WebhookStatus{record.Status},
		To:               models.WebhookStatusReceived,
		ExpectRetryCount: &observed,
		IncrementRetry:   true,
	})
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			log.Warnf("[Replay] Lost race for %s: %v", id, err)
		}
		return Result{Record: record}, err
	}
	log.Infof("[Replay] Re-opened %s (was %s, attempt %d)", id, record.Status, reopened.RetryCount)

	if err := c.submit(ctx, reopened); err != nil {
		log.Errorf("[Replay] Attempt %d for %s failed: %v", reopened.RetryCount, id, err)
		c.abandon(ctx, id, err)
	}

	final, err := c.logs.FindByID(context.WithoutCancel(ctx), id)
	if err != nil {
		return Result{Record: reopened}, err
	}
	return Result{Record: final, Succeeded: final.Status == models.WebhookStatusProcessed}, nil
}

func (c *Controller) submit(ctx context.Context, record *models.WebhookLog) error {
	sig, err := c.signer.Sign(ctx, record.Payload)
	if err != nil {
		return fmt.Errorf("sign replay: %w", err)
	}

	sctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.submitter.Submit(sctx, record, sig); err != nil {
		return fmt.Errorf("resubmit: %w", err)
	}
	return nil
}

// abandon settles a record the submission left in flight. A conflict means
// the ingestion path already settled it, which is fine.
func (c *Controller) abandon(ctx context.Context, id string, cause error) {
	class, msg := effects.ClassOf(effects.Transient(cause))
	_, err := c.logs.Transition(context.WithoutCancel(ctx), repository.Transition{
		ID:           id,
		From:         []models.WebhookStatus{models.WebhookStatusReceived, models.WebhookStatusPending},
		To:           models.WebhookStatusFailed,
		Error:        &msg,
		FailureClass: &class,
	})
	if err != nil && !errors.Is(err, repository.ErrConflict) {
		log.Errorf("[Replay] Failed to mark %s as failed: %v", id, err)
	}
}
