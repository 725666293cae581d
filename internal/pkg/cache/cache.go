package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/salespath/webhooklog/internal/pkg/env"
)

var client *redis.Client

// Options returns the connection settings from CACHE_HOST, CACHE_PORT and CACHE_PASSWORD.
func Options() *redis.Options {
	return &redis.Options{
		Addr:     fmt.Sprintf("%s:%s", env.GetEnv("CACHE_HOST", "localhost"), env.GetEnv("CACHE_PORT", "6379")),
		Password: env.GetEnv("CACHE_PASSWORD", ""),
		DB:       0,
	}
}

// SetupCache initializes the connection to the Redis server
func SetupCache() {
	client = redis.NewClient(Options())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Test the connection
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		log.Warnf("Could not connect to Redis: %v", err)
	} else {
		log.Infof("Successfully connected to Redis: %s", pong)
	}
}

// GetClient returns the Redis client instance
func GetClient() *redis.Client {
	if client == nil {
		SetupCache()
	}
	return client
}

// Ping reports whether Redis answers, for health checks.
func Ping(ctx context.Context) error {
	return GetClient().Ping(ctx).Err()
}

// Close releases the shared client.
func Close() error {
	if client == nil {
		return nil
	}
	err := client.Close()
	client = nil
	return err
}
