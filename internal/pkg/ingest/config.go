package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/salespath/webhooklog/internal/pkg/effects"
	"github.com/salespath/webhooklog/internal/pkg/env"
)

const (
	DispatchSync  = "sync"
	DispatchQueue = "queue"
)

// Config selects how verified deliveries reach the effect processor.
type Config struct {
	DispatchMode string
	Workers      int
	Timeout      time.Duration
}

// LoadConfig reads WEBHOOK_DISPATCH_MODE, WEBHOOK_QUEUE_WORKERS and WEBHOOK_PROCESS_TIMEOUT.
func LoadConfig() (Config, error) {
	cfg := Config{
		DispatchMode: strings.ToLower(strings.TrimSpace(env.GetEnv("WEBHOOK_DISPATCH_MODE", DispatchSync))),
		Workers:      env.GetInt("WEBHOOK_QUEUE_WORKERS", 3),
		Timeout:      env.GetDuration("WEBHOOK_PROCESS_TIMEOUT", effects.DefaultTimeout),
	}
	switch cfg.DispatchMode {
	case DispatchSync, DispatchQueue:
	default:
		return Config{}, fmt.Errorf("unsupported WEBHOOK_DISPATCH_MODE %q", cfg.DispatchMode)
	}
	if cfg.Workers <= 0 {
		return Config{}, fmt.Errorf("WEBHOOK_QUEUE_WORKERS must be positive")
	}
	return cfg, nil
}

// Queued reports whether deliveries are processed by queue workers.
func (c Config) Queued() bool {
	return c.DispatchMode == DispatchQueue
}
