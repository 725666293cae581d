package effects

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/salespath/webhooklog/internal/pkg/env"
)

const (
	DefaultTimeout    = 10 * time.Second
	DefaultClaimLease = 5 * time.Minute
)

// Config holds the downstream effect settings.
type Config struct {
	ServiceURL   string
	ServiceToken string
	Timeout      time.Duration
	ClaimLease   time.Duration
}

// LoadConfig reads the effect processor settings from the environment.
func LoadConfig() (Config, error) {
	cfg := Config{
		ServiceURL:   strings.TrimSpace(env.GetEnv("SUBSCRIPTION_SERVICE_URL", "")),
		ServiceToken: strings.TrimSpace(env.GetEnv("SUBSCRIPTION_SERVICE_TOKEN", "")),
		Timeout:      env.GetDuration("WEBHOOK_PROCESS_TIMEOUT", DefaultTimeout),
		ClaimLease:   env.GetDuration("EFFECT_CLAIM_LEASE", DefaultClaimLease),
	}

	if cfg.ServiceURL != "" {
		u, err := url.Parse(cfg.ServiceURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return Config{}, fmt.Errorf("invalid SUBSCRIPTION_SERVICE_URL %q", cfg.ServiceURL)
		}
	}
	if cfg.Timeout <= 0 {
		return Config{}, fmt.Errorf("WEBHOOK_PROCESS_TIMEOUT must be positive")
	}
	if cfg.ClaimLease < cfg.Timeout {
		return Config{}, fmt.Errorf("EFFECT_CLAIM_LEASE (%s) must not be shorter than WEBHOOK_PROCESS_TIMEOUT (%s)", cfg.ClaimLease, cfg.Timeout)
	}
	return cfg, nil
}

// Enabled reports whether a subscription service is configured.
func (c Config) Enabled() bool {
	return c.ServiceURL != ""
}

// NewDownstream returns the HTTP client when configured, otherwise the logging stub.
func (c Config) NewDownstream() Downstream {
	if !c.Enabled() {
		return LogDownstream{}
	}
	return NewHTTPDownstream(c)
}
