// Package archive copies raw webhook payloads to S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gofiber/fiber/v2/log"

	"github.com/salespath/webhooklog/app/models"
)

// objectAPI is the subset of the S3 client the archive needs.
type objectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// Client stores payloads in a single bucket
type Client struct {
	s3     objectAPI
	config *Config
}

// NewClient creates a new archive client and checks the bucket is reachable.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	if !cfg.IsEnabled() {
		return nil, fmt.Errorf("payload archive is disabled")
	}

	awsConfig, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
	})

	client := &Client{s3: s3Client, config: cfg}
	if err := client.testConnection(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to S3: %w", err)
	}

	log.Infof("[Archive] Successfully initialized S3 client for bucket: %s", cfg.BucketName)
	return client, nil
}

// testConnection checks the bucket exists, creating it outside production.
func (c *Client) testConnection(ctx context.Context) error {
	_, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.config.BucketName),
	})
	if err == nil {
		return nil
	}
	if GetAppEnv() == "prod" {
		return fmt.Errorf("bucket %s not accessible: %w", c.config.BucketName, err)
	}

	log.Warnf("[Archive] Bucket %s not found, attempting to create it", c.config.BucketName)
	input := &s3.CreateBucketInput{Bucket: aws.String(c.config.BucketName)}
	// AWS regions other than us-east-1 need a location constraint; S3-compatible endpoints don't.
	if c.config.EndpointURL == "" && c.config.Region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(c.config.Region),
		}
	}
	if _, err := c.s3.CreateBucket(ctx, input); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", c.config.BucketName, err)
	}
	return nil
}

// Archive uploads the raw payload of record. The stored bytes are exactly
// those received.
func (c *Client) Archive(ctx context.Context, record *models.WebhookLog) error {
	key := ObjectKey(record.ID, record.ReceivedAt)

	metadata := map[string]string{
		"webhook-log-id": record.ID,
		"event-type":     record.EventType,
	}
	if record.Reference != nil {
		metadata["reference"] = *record.Reference
	}

	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.config.BucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(record.Payload),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(record.Payload))),
		Metadata:      metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to archive payload %s: %w", record.ID, err)
	}

	log.Debugf("[Archive] Stored s3://%s/%s", c.config.BucketName, key)
	return nil
}
