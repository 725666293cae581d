// Package counter keeps running totals of delivery outcomes in Redis so
// dashboards can read them without scanning the log.
package counter

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/salespath/webhooklog/app/models"
)

const (
	outcomesKey     = "webhook:counters:outcomes"
	dailyKeyPrefix  = "webhook:counters:outcomes:"
	dailyRetention  = 30 * 24 * time.Hour
	dailyDateLayout = "2006-01-02"
)

// Outcomes counts settled deliveries per status.
type Outcomes struct {
	rdb *redis.Client
	now func() time.Time
}

// New creates an outcome counter on rdb.
func New(rdb *redis.Client) *Outcomes {
	return &Outcomes{
		rdb: rdb,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Incr bumps the all-time and the daily counter for status.
func (o *Outcomes) Incr(ctx context.Context, status models.WebhookStatus) error {
	daily := dailyKeyPrefix + o.now().Format(dailyDateLayout)

	pipe := o.rdb.TxPipeline()
	pipe.HIncrBy(ctx, outcomesKey, string(status), 1)
	pipe.HIncrBy(ctx, daily, string(status), 1)
	pipe.Expire(ctx, daily, dailyRetention)
	_, err := pipe.Exec(ctx)
	return err
}

// Snapshot returns the all-time counters.
func (o *Outcomes) Snapshot(ctx context.Context) (map[models.WebhookStatus]int64, error) {
	return o.read(ctx, outcomesKey)
}

// Day returns the counters for the UTC day containing t.
func (o *Outcomes) Day(ctx context.Context, t time.Time) (map[models.WebhookStatus]int64, error) {
	return o.read(ctx, dailyKeyPrefix+t.UTC().Format(dailyDateLayout))
}

func (o *Outcomes) read(ctx context.Context, key string) (map[models.WebhookStatus]int64, error) {
	data, err := o.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	result := make(map[models.WebhookStatus]int64, len(data))
	for field, raw := range data {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		result[models.WebhookStatus(field)] = n
	}
	return result, nil
}
