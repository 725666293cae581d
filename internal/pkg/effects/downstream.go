package effects

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2/log"
)

// Command is what the subscription service needs to apply one event.
type Command struct {
	Key        string          `json:"idempotency_key"`
	EventType  string          `json:"event"`
	Reference  string          `json:"reference,omitempty"`
	BusinessID string          `json:"business_id,omitempty"`
	LogID      string          `json:"webhook_log_id"`
	Data       json.RawMessage `json:"payload"`
}

// Downstream applies the business effect of an event. Implementations must
// return an *Error (or a context error) so the failure can be classified.
type Downstream interface {
	Apply(ctx context.Context, cmd Command) error
}

// DownstreamFunc adapts a function to Downstream.
type DownstreamFunc func(ctx context.Context, cmd Command) error

func (f DownstreamFunc) Apply(ctx context.Context, cmd Command) error {
	return f(ctx, cmd)
}

// HTTPDownstream forwards commands to the subscription service.
type HTTPDownstream struct {
	URL        string
	Token      string
	HTTPClient *http.Client
}

// NewHTTPDownstream builds a client from cfg.
func NewHTTPDownstream(cfg Config) *HTTPDownstream {
	return &HTTPDownstream{
		URL:   cfg.ServiceURL,
		Token: cfg.ServiceToken,
		HTTPClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

func (d *HTTPDownstream) Apply(ctx context.Context, cmd Command) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return Permanent(fmt.Errorf("encode command: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("build downstream request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", cmd.Key)
	if d.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.Token)
	}

	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("subscription service: %w", ctx.Err())
		}
		return Transient(fmt.Errorf("subscription service unreachable: %w", err))
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Transient(fmt.Errorf("subscription service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	default:
		return Permanent(fmt.Errorf("subscription service rejected event with %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}
}

// LogDownstream only logs; used when no subscription service is configured.
type LogDownstream struct{}

func (LogDownstream) Apply(_ context.Context, cmd Command) error {
	log.Infof("[Effects] No subscription service configured, accepting %s (key=%s business=%s)", cmd.EventType, cmd.Key, cmd.BusinessID)
	return nil
}
