package archive

import (
	"errors"
	"fmt"
	"time"

	"github.com/salespath/webhooklog/internal/pkg/env"
)

// Config holds S3 archive configuration
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	BucketName      string
	EndpointURL     string // Optional for S3-compatible services
	Enabled         bool
}

// LoadConfig loads S3 configuration from environment variables
func LoadConfig() (*Config, error) {
	config := &Config{
		AccessKeyID:     env.GetEnv("S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: env.GetEnv("S3_SECRET_ACCESS_KEY", ""),
		Region:          env.GetEnv("S3_REGION", "us-east-1"),
		BucketName:      env.GetEnv("S3_BUCKET_NAME", ""),
		EndpointURL:     env.GetEnv("S3_ENDPOINT_URL", ""),
		Enabled:         env.GetEnv("ARCHIVE_ENABLED", "false") == "true",
	}

	// Validate required fields if the archive is enabled
	if config.Enabled {
		if config.AccessKeyID == "" {
			return nil, errors.New("S3_ACCESS_KEY_ID is required when the archive is enabled")
		}
		if config.SecretAccessKey == "" {
			return nil, errors.New("S3_SECRET_ACCESS_KEY is required when the archive is enabled")
		}
		if config.BucketName == "" {
			return nil, errors.New("S3_BUCKET_NAME is required when the archive is enabled")
		}
	}

	return config, nil
}

// IsEnabled returns true if payload archiving is enabled
func (c *Config) IsEnabled() bool {
	return c.Enabled
}

// ObjectKey generates the S3 object key for a delivery received at receivedAt.
func ObjectKey(logID string, receivedAt time.Time) string {
	// Format: webhooks/YYYY/MM/DD/<id>.json
	t := receivedAt.UTC()
	return fmt.Sprintf("webhooks/%04d/%02d/%02d/%s.json", t.Year(), int(t.Month()), t.Day(), logID)
}

// GetAppEnv returns the current application environment
func GetAppEnv() string {
	return env.GetEnv("APP_ENV", "dev")
}
