// Package reconcile settles deliveries stuck in flight and re-drives
// transient failures in the background.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/salespath/webhooklog/app/models"
	"github.com/salespath/webhooklog/app/repository"
	"github.com/salespath/webhooklog/internal/pkg/env"
	"github.com/salespath/webhooklog/internal/pkg/replay"
)

const defaultBatchSize = 100

// Config controls both background passes. A zero StaleAfter disables the
// stale sweep and a zero AutoRetryMax disables automatic retries.
type Config struct {
	StaleAfter       time.Duration
	Interval         time.Duration
	AutoRetryMax     int
	AutoRetryBackoff time.Duration
	BatchSize        int
}

// LoadConfig reads RECONCILE_* and AUTO_RETRY_* from the environment.
func LoadConfig() (Config, error) {
	cfg := Config{
		StaleAfter:       env.GetDuration("RECONCILE_STALE_AFTER", 0),
		Interval:         env.GetDuration("RECONCILE_INTERVAL", time.Minute),
		AutoRetryMax:     env.GetInt("AUTO_RETRY_MAX", 0),
		AutoRetryBackoff: env.GetDuration("AUTO_RETRY_BACKOFF", time.Minute),
		BatchSize:        defaultBatchSize,
	}
	if cfg.StaleAfter < 0 || cfg.AutoRetryMax < 0 || cfg.AutoRetryBackoff < 0 {
		return Config{}, fmt.Errorf("reconcile settings must not be negative")
	}
	if cfg.Interval <= 0 {
		return Config{}, fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}
	return cfg, nil
}

// Enabled reports whether either pass has work to do.
func (c Config) Enabled() bool {
	return c.StaleAfter > 0 || c.AutoRetryMax > 0
}

// Replayer re-drives a stored record.
type Replayer interface {
	Replay(ctx context.Context, id string) (replay.Result, error)
}

// Sweeper runs the stale sweep and automatic retry on an interval.
type Sweeper struct {
	logs     repository.WebhookLogRepository
	replayer Replayer
	cfg      Config
	now      func() time.Time
}

// NewSweeper creates a sweeper. replayer may be nil when automatic retry is off.
func NewSweeper(logs repository.WebhookLogRepository, replayer Replayer, cfg Config) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Sweeper{
		logs:     logs,
		replayer: replayer,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	if !s.cfg.Enabled() {
		log.Info("[Reconcile] Disabled (RECONCILE_STALE_AFTER and AUTO_RETRY_MAX unset)")
		return nil
	}
	log.Infof("[Reconcile] Running (staleAfter=%s, interval=%s, autoRetryMax=%d, backoff=%s)",
		s.cfg.StaleAfter, s.cfg.Interval, s.cfg.AutoRetryMax, s.cfg.AutoRetryBackoff)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("[Reconcile] Stopping")
			return nil
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs one stale sweep followed by one retry pass.
func (s *Sweeper) RunOnce(ctx context.Context) {
	if n, err := s.SweepStale(ctx); err != nil {
		log.Errorf("[Reconcile] Stale sweep failed: %v", err)
	} else if n > 0 {
		log.Warnf("[Reconcile] Marked %d stuck deliveries as failed", n)
	}
	if n, err := s.RetryFailed(ctx); err != nil {
		log.Errorf("[Reconcile] Automatic retry failed: %v", err)
	} else if n > 0 {
		log.Infof("[Reconcile] Re-drove %d transient failures", n)
	}
}

// SweepStale moves RECEIVED and PENDING records untouched for StaleAfter to
// FAILED. Records that move on concurrently are left alone.
func (s *Sweeper) SweepStale(ctx context.Context) (int, error) {
	if s.cfg.StaleAfter <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.cfg.StaleAfter)
	stale, err := s.logs.FindStale(ctx, []models.WebhookStatus{models.WebhookStatusReceived, models.WebhookStatusPending}, cutoff, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	swept := 0
	transient := models.FailureClassTransient
	for _, rec := range stale {
		msg := fmt.Sprintf("reconciled: stuck in %s since %s", rec.Status, rec.UpdatedAt.UTC().Format(time.RFC3339))
		_, err := s.logs.Transition(ctx, repository.Transition{
			ID:           rec.ID,
			From:         []models.WebhookStatus{rec.Status},
			To:           models.WebhookStatusFailed,
			Error:        &msg,
			FailureClass: &transient,
		})
		if errors.Is(err, repository.ErrConflict) {
			continue
		}
		if err != nil {
			return swept, err
		}
		swept++
	}
	return swept, nil
}

// RetryFailed replays transient failures whose backoff has elapsed. The
// backoff grows linearly with the number of attempts already made.
func (s *Sweeper) RetryFailed(ctx context.Context) (int, error) {
	if s.cfg.AutoRetryMax <= 0 || s.replayer == nil {
		return 0, nil
	}
	candidates, err := s.logs.FindRetryable(ctx, s.cfg.AutoRetryMax, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	now := s.now()
	retried := 0
	for _, rec := range candidates {
		due := rec.UpdatedAt.Add(s.cfg.AutoRetryBackoff * time.Duration(rec.RetryCount+1))
		if now.Before(due) {
			continue
		}

		res, err := s.replayer.Replay(ctx, rec.ID)
		switch {
		case errors.Is(err, repository.ErrConflict), errors.Is(err, replay.ErrInvalidState):
			continue
		case err != nil:
			return retried, err
		}
		retried++
		if !res.Succeeded {
			log.Warnf("[Reconcile] Retry %d of %s ended in %s: %s", res.Record.RetryCount, rec.ID, res.Record.Status, res.Record.ErrorText())
		}
	}
	return retried, nil
}
