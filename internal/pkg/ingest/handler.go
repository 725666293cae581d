// Package ingest drives a delivery through the webhook state machine:
// store, verify, hand off, and record the outcome.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/salespath/webhooklog/app/models"
	"github.com/salespath/webhooklog/app/repository"
	"github.com/salespath/webhooklog/internal/pkg/effects"
	"github.com/salespath/webhooklog/internal/pkg/paystack"
	"github.com/salespath/webhooklog/internal/pkg/signature"
)

const archiveTimeout = 30 * time.Second

// ErrReplayMismatch is returned when a replay re-entry does not match the
// record it claims to replay.
var ErrReplayMismatch = errors.New("replay does not match stored delivery")

// Verifier checks the signature header of a payload.
type Verifier interface {
	Verify(ctx context.Context, payload []byte, header string) (signature.Result, error)
}

// EffectApplier applies the business effect of a verified record.
type EffectApplier interface {
	Apply(ctx context.Context, record *models.WebhookLog) (effects.Result, error)
}

// Dispatcher hands a PENDING record to an asynchronous worker.
type Dispatcher interface {
	Dispatch(ctx context.Context, logID string) error
}

// Archiver keeps a copy of the raw payload outside the database.
type Archiver interface {
	Archive(ctx context.Context, record *models.WebhookLog) error
}

// Counter tracks how many deliveries ended in each status.
type Counter interface {
	Incr(ctx context.Context, status models.WebhookStatus) error
}

// Options configures optional collaborators. A nil Dispatcher processes
// synchronously; nil Archiver and Counter are skipped.
type Options struct {
	Dispatcher Dispatcher
	Archiver   Archiver
	Counter    Counter
	Timeout    time.Duration
}

// Outcome is where a delivery ended up. Retryable tells the sender to try
// again later.
type Outcome struct {
	Record    *models.WebhookLog
	Retryable bool
}

// Handler is the single code path for live and replayed deliveries.
type Handler struct {
	logs     repository.WebhookLogRepository
	verifier Verifier
	effects  EffectApplier
	opts     Options
}

// NewHandler creates an ingestion handler.
func NewHandler(logs repository.WebhookLogRepository, verifier Verifier, applier EffectApplier, opts Options) *Handler {
	if opts.Timeout <= 0 {
		opts.Timeout = effects.DefaultTimeout
	}
	return &Handler{
		logs:     logs,
		verifier: verifier,
		effects:  applier,
		opts:     opts,
	}
}

// Ingest stores a live delivery verbatim and then delivers it. The only
// error is a failure to store, which the sender must see as retryable.
func (h *Handler) Ingest(ctx context.Context, raw []byte, sigHeader string) (Outcome, error) {
	eventType, reference := paystack.Envelope(raw)
	record := models.NewWebhookLog(raw, eventType, reference)

	if err := h.logs.Create(ctx, record); err != nil {
		log.Errorf("[Ingest] Failed to store delivery (event=%s): %v", eventType, err)
		return Outcome{Retryable: true}, err
	}
	log.Infof("[Ingest] Stored delivery %s (event=%s)", record.ID, eventType)

	h.archive(record)
	return h.Deliver(ctx, record, sigHeader)
}

// Redeliver is the re-entry point for replays arriving over HTTP. The body
// must be byte-identical to the stored payload and the record must have been
// re-opened by a replay.
func (h *Handler) Redeliver(ctx context.Context, logID string, raw []byte, sigHeader string) (Outcome, error) {
	record, err := h.logs.FindByID(ctx, logID)
	if err != nil {
		return Outcome{}, err
	}
	if record.Status != models.WebhookStatusReceived || record.RetryCount == 0 {
		return Outcome{Record: record}, fmt.Errorf("%w: %s is %s with %d retries", ErrReplayMismatch, logID, record.Status, record.RetryCount)
	}
	if !bytes.Equal(record.Payload, raw) {
		return Outcome{Record: record}, fmt.Errorf("%w: payload of %s differs", ErrReplayMismatch, logID)
	}
	return h.Deliver(ctx, record, sigHeader)
}

// Deliver verifies a RECEIVED record and moves it on. Trust failures end in
// a terminal state that the sender should not retry.
func (h *Handler) Deliver(ctx context.Context, record *models.WebhookLog, sigHeader string) (Outcome, error) {
	result, err := h.verifier.Verify(ctx, record.Payload, sigHeader)
	if err != nil {
		log.Errorf("[Ingest] Cannot load webhook secret for %s: %v", record.ID, err)
		return h.fail(ctx, record.ID, models.WebhookStatusReceived, effects.Transient(fmt.Errorf("load webhook secret: %w", err)), "")
	}

	switch result {
	case signature.Missing:
		return h.reject(ctx, record.ID, models.WebhookStatusSignatureMissing, "missing "+signature.HeaderName+" header")
	case signature.Invalid:
		return h.reject(ctx, record.ID, models.WebhookStatusSignatureFailed, "signature does not match payload")
	}

	pending, err := h.logs.Transition(context.WithoutCancel(ctx), repository.Transition{
		ID:   record.ID,
		From: []models.WebhookStatus{models.WebhookStatusReceived},
		To:   models.WebhookStatusPending,
	})
	if err != nil {
		return Outcome{Record: record}, err
	}

	if h.opts.Dispatcher != nil {
		if err := h.opts.Dispatcher.Dispatch(ctx, pending.ID); err != nil {
			log.Errorf("[Ingest] Failed to dispatch %s: %v", pending.ID, err)
			return h.fail(ctx, pending.ID, models.WebhookStatusPending, effects.Transient(fmt.Errorf("dispatch: %w", err)), "")
		}
		return Outcome{Record: pending}, nil
	}
	return h.Process(ctx, pending)
}

// Process applies the effect of a PENDING record within the configured
// timeout. The record always leaves PENDING, even when ctx is cancelled.
func (h *Handler) Process(ctx context.Context, record *models.WebhookLog) (Outcome, error) {
	pctx, cancel := context.WithTimeout(ctx, h.opts.Timeout)
	res, applyErr := h.effects.Apply(pctx, record)
	cancel()

	if applyErr != nil {
		log.Warnf("[Ingest] Processing %s failed: %v", record.ID, applyErr)
		return h.fail(ctx, record.ID, models.WebhookStatusPending, applyErr, res.BusinessID)
	}

	t := repository.Transition{
		ID:   record.ID,
		From: []models.WebhookStatus{models.WebhookStatusPending},
		To:   models.WebhookStatusProcessed,
	}
	if res.BusinessID != "" {
		t.BusinessID = &res.BusinessID
	}
	done, err := h.logs.Transition(context.WithoutCancel(ctx), t)
	if err != nil {
		return Outcome{Record: record}, err
	}
	if res.Duplicate {
		log.Infof("[Ingest] %s processed (duplicate of an applied event)", done.ID)
	} else {
		log.Infof("[Ingest] %s processed", done.ID)
	}
	h.count(ctx, done.Status)
	return Outcome{Record: done}, nil
}

// ProcessByID is the queue worker entry point. Records that are no longer
// PENDING were settled elsewhere and are skipped.
func (h *Handler) ProcessByID(ctx context.Context, logID string) error {
	record, err := h.logs.FindByID(ctx, logID)
	if err != nil {
		return err
	}
	if record.Status != models.WebhookStatusPending {
		log.Infof("[Ingest] Skipping %s, status is %s", logID, record.Status)
		return nil
	}
	_, err = h.Process(ctx, record)
	return err
}

func (h *Handler) reject(ctx context.Context, id string, to models.WebhookStatus, reason string) (Outcome, error) {
	noClass := models.FailureClassNone
	rejected, err := h.logs.Transition(context.WithoutCancel(ctx), repository.Transition{
		ID:           id,
		From:         []models.WebhookStatus{models.WebhookStatusReceived},
		To:           to,
		Error:        &reason,
		FailureClass: &noClass,
	})
	if err != nil {
		return Outcome{}, err
	}
	log.Warnf("[Ingest] %s rejected: %s", id, reason)
	h.count(ctx, rejected.Status)
	return Outcome{Record: rejected}, nil
}

func (h *Handler) fail(ctx context.Context, id string, from models.WebhookStatus, cause error, businessID string) (Outcome, error) {
	class, msg := effects.ClassOf(cause)
	t := repository.Transition{
		ID:           id,
		From:         []models.WebhookStatus{from},
		To:           models.WebhookStatusFailed,
		Error:        &msg,
		FailureClass: &class,
	}
	if businessID != "" {
		t.BusinessID = &businessID
	}
	failed, err := h.logs.Transition(context.WithoutCancel(ctx), t)
	if err != nil {
		return Outcome{Retryable: true}, err
	}
	h.count(ctx, failed.Status)
	return Outcome{Record: failed, Retryable: class == models.FailureClassTransient}, nil
}

func (h *Handler) count(ctx context.Context, status models.WebhookStatus) {
	if h.opts.Counter == nil {
		return
	}
	if err := h.opts.Counter.Incr(context.WithoutCancel(ctx), status); err != nil {
		log.Warnf("[Ingest] Failed to count %s: %v", status, err)
	}
}

func (h *Handler) archive(record *models.WebhookLog) {
	if h.opts.Archiver == nil {
		return
	}
	snapshot := *record
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := h.opts.Archiver.Archive(ctx, &snapshot); err != nil {
			log.Warnf("[Ingest] Failed to archive payload of %s: %v", snapshot.ID, err)
		}
	}()
}
