// Package paystack decodes the notification envelope sent by Paystack.
package paystack

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Event is the subset of a Paystack notification the subsystem cares about.
type Event struct {
	Type string    `json:"event"`
	Data EventData `json:"data"`
}

type EventData struct {
	Reference string          `json:"reference"`
	Metadata  json.RawMessage `json:"metadata"`
	Customer  Customer        `json:"customer"`
	Plan      *Plan           `json:"plan,omitempty"`
	Status    string          `json:"status"`
	Amount    int64           `json:"amount"`
	Currency  string          `json:"currency"`

	// Subscription events carry their identifier here instead of a reference.
	SubscriptionCode string `json:"subscription_code"`
}

type Customer struct {
	Code  string `json:"customer_code"`
	Email string `json:"email"`
}

type Plan struct {
	Code     string `json:"plan_code"`
	Name     string `json:"name"`
	Interval string `json:"interval"`
}

// Parse decodes a raw notification body. Type is required; everything else
// is optional because senders omit fields depending on the event.
func Parse(raw []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("decode paystack event: %w", err)
	}
	ev.Type = strings.TrimSpace(ev.Type)
	if ev.Type == "" {
		return nil, fmt.Errorf("decode paystack event: missing event type")
	}
	return &ev, nil
}

// Reference returns the sender's idempotency key, or "" when the event has none.
func (e *Event) Reference() string {
	return strings.TrimSpace(e.Data.Reference)
}

// SubscriptionCode identifies the subscription a lifecycle event is about.
// Every event of one subscription shares it, so it names an entity, not an event.
func (e *Event) SubscriptionCode() string {
	return strings.TrimSpace(e.Data.SubscriptionCode)
}

// DisplayReference is what operators search for: the reference, else the
// subscription code.
func (e *Event) DisplayReference() string {
	if ref := e.Reference(); ref != "" {
		return ref
	}
	return e.SubscriptionCode()
}

// BusinessID returns metadata.business_id when the checkout attached one.
// Paystack sends metadata as an object, a JSON-encoded string, or "" so every
// shape is accepted.
func (e *Event) BusinessID() string {
	meta := e.Data.Metadata
	if len(meta) == 0 {
		return ""
	}

	var encoded string
	if err := json.Unmarshal(meta, &encoded); err == nil {
		meta = json.RawMessage(encoded)
	}

	var fields struct {
		BusinessID json.RawMessage `json:"business_id"`
	}
	if err := json.Unmarshal(meta, &fields); err != nil || len(fields.BusinessID) == 0 {
		return ""
	}

	var id string
	if err := json.Unmarshal(fields.BusinessID, &id); err == nil {
		return strings.TrimSpace(id)
	}
	var num json.Number
	if err := json.Unmarshal(fields.BusinessID, &num); err == nil {
		return num.String()
	}
	return ""
}

// Envelope extracts event type and reference without failing: a payload that
// cannot be decoded still has to be stored, so its fields are just left empty.
func Envelope(raw []byte) (eventType string, reference *string) {
	ev, err := Parse(raw)
	if err != nil {
		var partial Event
		if json.Unmarshal(raw, &partial) != nil {
			return "", nil
		}
		ev = &partial
	}
	if ref := ev.DisplayReference(); ref != "" {
		reference = &ref
	}
	return strings.TrimSpace(ev.Type), reference
}
