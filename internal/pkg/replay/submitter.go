package replay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/salespath/webhooklog/app/models"
	"github.com/salespath/webhooklog/internal/pkg/ingest"
	"github.com/salespath/webhooklog/internal/pkg/signature"
)

// ReplayHeader tells the inbound endpoint which stored record a request re-drives.
const ReplayHeader = "X-Webhook-Replay-Of"

// DeliveryPath is where the inbound endpoint is mounted.
const DeliveryPath = "/api/webhooks/paystack"

// LocalSubmitter re-enters the in-process ingestion handler at verification.
type LocalSubmitter struct {
	Handler *ingest.Handler
}

func (s LocalSubmitter) Submit(ctx context.Context, record *models.WebhookLog, sig string) error {
	_, err := s.Handler.Deliver(ctx, record, sig)
	return err
}

// HTTPSubmitter posts the stored payload to a running instance of the
// inbound endpoint, exactly as the payment processor would.
type HTTPSubmitter struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewHTTPSubmitter creates a submitter for cfg.TargetURL.
func NewHTTPSubmitter(cfg Config) *HTTPSubmitter {
	return &HTTPSubmitter{
		BaseURL:    strings.TrimRight(cfg.TargetURL, "/"),
		HTTPClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (s *HTTPSubmitter) Submit(ctx context.Context, record *models.WebhookLog, sig string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+DeliveryPath, bytes.NewReader(record.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signature.HeaderName, sig)
	req.Header.Set(ReplayHeader, record.ID)

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return fmt.Errorf("webhook endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
