package models

import (
	"time"

	"github.com/google/uuid"
)

// WebhookStatus is the lifecycle state of a single webhook delivery.
type WebhookStatus string

const (
	WebhookStatusReceived         WebhookStatus = "RECEIVED"
	WebhookStatusPending          WebhookStatus = "PENDING"
	WebhookStatusProcessed        WebhookStatus = "PROCESSED"
	WebhookStatusFailed           WebhookStatus = "FAILED"
	WebhookStatusSignatureFailed  WebhookStatus = "SIGNATURE_FAILED"
	WebhookStatusSignatureMissing WebhookStatus = "SIGNATURE_MISSING"
)

// AllWebhookStatuses lists every status in display order.
var AllWebhookStatuses = []WebhookStatus{
	WebhookStatusReceived,
	WebhookStatusPending,
	WebhookStatusProcessed,
	WebhookStatusFailed,
	WebhookStatusSignatureFailed,
	WebhookStatusSignatureMissing,
}

// FailureClass tells operators (and the automatic retrier) whether a FAILED
// record is worth re-driving.
type FailureClass string

const (
	FailureClassNone      FailureClass = ""
	FailureClassTransient FailureClass = "transient"
	FailureClassPermanent FailureClass = "permanent"
)

// allowedTransitions is the complete edge list of the delivery state machine.
var allowedTransitions = map[WebhookStatus][]WebhookStatus{
	WebhookStatusReceived: {
		WebhookStatusPending,
		WebhookStatusSignatureFailed,
		WebhookStatusSignatureMissing,
		WebhookStatusFailed,
	},
	WebhookStatusPending: {
		WebhookStatusProcessed,
		WebhookStatusFailed,
	},
	// Terminal failure states can only be re-opened by a replay.
	WebhookStatusFailed:           {WebhookStatusReceived},
	WebhookStatusSignatureFailed:  {WebhookStatusReceived},
	WebhookStatusSignatureMissing: {WebhookStatusReceived},
}

// CanTransition reports whether the state machine has an edge from -> to.
func CanTransition(from, to WebhookStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsValid reports whether s is a known status.
func (s WebhookStatus) IsValid() bool {
	for _, known := range AllWebhookStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no automatic transition leaves s.
func (s WebhookStatus) IsTerminal() bool {
	switch s {
	case WebhookStatusProcessed, WebhookStatusFailed, WebhookStatusSignatureFailed, WebhookStatusSignatureMissing:
		return true
	default:
		return false
	}
}

// IsReplayable reports whether an operator may re-drive a record in status s.
func (s WebhookStatus) IsReplayable() bool {
	return CanTransition(s, WebhookStatusReceived)
}

// WebhookLog stores one inbound delivery attempt from the payment processor.
// Payload is kept byte-for-byte as received so that replays can re-sign it.
type WebhookLog struct {
	ID           string        `gorm:"type:varchar(36);primaryKey" json:"id"`
	ReceivedAt   time.Time     `gorm:"not null;index" json:"received_at"`
	EventType    string        `gorm:"type:varchar(100);not null;default:'';index" json:"event_type"`
	Reference    *string       `gorm:"type:varchar(191);index" json:"reference"`
	BusinessID   *string       `gorm:"type:varchar(64);index" json:"business_id"`
	Payload      []byte        `gorm:"not null" json:"-"`
	Status       WebhookStatus `gorm:"type:varchar(32);not null;index" json:"status"`
	ErrorMessage *string       `gorm:"type:text" json:"error"`
	FailureClass FailureClass  `gorm:"type:varchar(16);not null;default:''" json:"failure_class,omitempty"`
	ProcessedAt  *time.Time    `json:"processed_at"`
	RetryCount   int           `gorm:"not null;default:0" json:"retry_count"`
	UpdatedAt    time.Time     `gorm:"autoUpdateTime;index" json:"updated_at"`
}

// NewWebhookLog prepares a RECEIVED record for the given raw payload.
func NewWebhookLog(payload []byte, eventType string, reference *string) *WebhookLog {
	now := time.Now().UTC()
	return &WebhookLog{
		ID:         uuid.NewString(),
		ReceivedAt: now,
		EventType:  eventType,
		Reference:  reference,
		Payload:    append([]byte(nil), payload...),
		Status:     WebhookStatusReceived,
		UpdatedAt:  now,
	}
}

// ErrorText returns the last failure message or an empty string.
func (w *WebhookLog) ErrorText() string {
	if w.ErrorMessage == nil {
		return ""
	}
	return *w.ErrorMessage
}
