package replay

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/salespath/webhooklog/internal/pkg/env"
	"github.com/salespath/webhooklog/internal/pkg/ingest"
)

const (
	ModeLocal = "local"
	ModeHTTP  = "http"

	DefaultTimeout = 10 * time.Second
)

// Config selects where replays are submitted.
type Config struct {
	Mode      string
	TargetURL string
	Timeout   time.Duration
}

// LoadConfig reads REPLAY_MODE, REPLAY_TARGET_URL and REPLAY_TIMEOUT.
func LoadConfig() (Config, error) {
	cfg := Config{
		Mode:      strings.ToLower(strings.TrimSpace(env.GetEnv("REPLAY_MODE", ModeLocal))),
		TargetURL: strings.TrimSpace(env.GetEnv("REPLAY_TARGET_URL", "")),
		Timeout:   env.GetDuration("REPLAY_TIMEOUT", DefaultTimeout),
	}

	switch cfg.Mode {
	case ModeLocal:
	case ModeHTTP:
		u, err := url.Parse(cfg.TargetURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return Config{}, fmt.Errorf("REPLAY_TARGET_URL must be an absolute URL in http mode, got %q", cfg.TargetURL)
		}
	default:
		return Config{}, fmt.Errorf("unsupported REPLAY_MODE %q", cfg.Mode)
	}
	if cfg.Timeout <= 0 {
		return Config{}, fmt.Errorf("REPLAY_TIMEOUT must be positive")
	}
	return cfg, nil
}

// NewSubmitter builds the submitter for the configured mode.
func (c Config) NewSubmitter(handler *ingest.Handler) Submitter {
	if c.Mode == ModeHTTP {
		return NewHTTPSubmitter(c)
	}
	return LocalSubmitter{Handler: handler}
}
