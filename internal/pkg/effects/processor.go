// Package effects applies the business effect of a verified payment event at
// most once per logical event.
package effects

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/salespath/webhooklog/app/models"
	"github.com/salespath/webhooklog/app/repository"
	"github.com/salespath/webhooklog/internal/pkg/paystack"
)

// SupportedEvents are the Paystack events the subscription service acts on.
var SupportedEvents = map[string]bool{
	"charge.success":                 true,
	"subscription.create":            true,
	"subscription.disable":           true,
	"subscription.not_renew":         true,
	"subscription.expiring_cards":    true,
	"subscription.charge.success":    true,
	"invoice.create":                 true,
	"invoice.update":                 true,
	"invoice.payment_failed":         true,
	"refund.processed":               true,
	"customeridentification.success": true,
	"customeridentification.failed":  true,
}

// Result describes a successful application.
type Result struct {
	BusinessID string
	// Duplicate is set when the effect had already been applied by an
	// earlier delivery of the same logical event.
	Duplicate bool
}

// Processor applies verified events through a Downstream, guarded by the
// idempotency ledger.
type Processor struct {
	effects    repository.EffectRepository
	businesses repository.BusinessRepository
	downstream Downstream
	lease      time.Duration
}

// NewProcessor creates a processor. lease bounds how long a crashed claim
// blocks other deliveries of the same event.
func NewProcessor(effects repository.EffectRepository, businesses repository.BusinessRepository, downstream Downstream, lease time.Duration) *Processor {
	if lease <= 0 {
		lease = DefaultClaimLease
	}
	return &Processor{
		effects:    effects,
		businesses: businesses,
		downstream: downstream,
		lease:      lease,
	}
}

// Apply applies the effect of record. A second call for the same logical
// event reports success with Duplicate set and does not reach downstream.
func (p *Processor) Apply(ctx context.Context, record *models.WebhookLog) (Result, error) {
	ev, err := paystack.Parse(record.Payload)
	if err != nil {
		return Result{}, Permanentf("malformed event: %w", err)
	}
	if !SupportedEvents[ev.Type] {
		return Result{}, Permanentf("unsupported event type %q", ev.Type)
	}

	businessID, err := p.resolveBusiness(ctx, ev)
	if err != nil {
		return Result{}, Transient(fmt.Errorf("resolve business: %w", err))
	}
	res := Result{BusinessID: businessID}

	key := EffectKey(ev, businessID, record.Payload)
	claim, err := p.effects.Claim(ctx, repository.EffectClaim{
		Key:          key,
		WebhookLogID: record.ID,
		EventType:    ev.Type,
		Lease:        p.lease,
	})
	if err != nil {
		return res, Transient(fmt.Errorf("claim effect: %w", err))
	}
	switch {
	case claim.AlreadyApplied:
		log.Infof("[Effects] %s already applied, skipping delivery %s", key, record.ID)
		res.Duplicate = true
		return res, nil
	case claim.InProgress:
		return res, Transient(fmt.Errorf("effect %s is being applied by another delivery", key))
	}

	cmd := Command{
		Key:        key,
		EventType:  ev.Type,
		Reference:  ev.DisplayReference(),
		BusinessID: businessID,
		LogID:      record.ID,
		Data:       record.Payload,
	}
	if err := p.downstream.Apply(ctx, cmd); err != nil {
		if rerr := p.effects.Release(context.WithoutCancel(ctx), key, claim.Token); rerr != nil {
			log.Warnf("[Effects] Failed to release claim %s: %v", key, rerr)
		}
		return res, err
	}

	if err := p.effects.MarkApplied(context.WithoutCancel(ctx), key, claim.Token); err != nil {
		// Downstream dedupes on the idempotency key, so a retry is harmless.
		return res, Transient(fmt.Errorf("record applied effect %s: %w", key, err))
	}
	return res, nil
}

// resolveBusiness prefers the id attached at checkout, then the Paystack
// customer code, then the customer email. Unresolved returns "".
func (p *Processor) resolveBusiness(ctx context.Context, ev *paystack.Event) (string, error) {
	lookups := []func() (*models.Business, error){
		func() (*models.Business, error) { return p.businesses.GetByID(ctx, ev.BusinessID()) },
		func() (*models.Business, error) { return p.businesses.GetByCustomerCode(ctx, ev.Data.Customer.Code) },
		func() (*models.Business, error) { return p.businesses.GetByEmail(ctx, ev.Data.Customer.Email) },
	}
	for _, lookup := range lookups {
		b, err := lookup()
		if err == nil {
			return b.ID, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return "", err
		}
	}
	return "", nil
}

// EffectKey derives the idempotency key of a logical event: the sender's
// reference, else event type plus subscription code, else event type plus
// business, else a hash of the payload. Subscription codes are scoped by event
// type because create, not_renew and disable all carry the same code.
func EffectKey(ev *paystack.Event, businessID string, payload []byte) string {
	if ref := ev.Reference(); ref != "" {
		return "ref:" + ref
	}
	if code := ev.SubscriptionCode(); code != "" {
		return "ref:" + strings.TrimSpace(ev.Type) + ":" + code
	}
	if businessID != "" {
		return "evt:" + strings.TrimSpace(ev.Type) + ":" + businessID
	}
	sum := sha256.Sum256(payload)
	return "hash:" + hex.EncodeToString(sum[:])
}
