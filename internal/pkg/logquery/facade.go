// Package logquery is the read-only view of the webhook log used by
// dashboards and the admin API.
package logquery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/salespath/webhooklog/app/models"
	"github.com/salespath/webhooklog/app/repository"
	"github.com/salespath/webhooklog/internal/pkg/jobqueue"
)

// ErrInvalidQuery is returned for filters that cannot be satisfied.
var ErrInvalidQuery = errors.New("invalid log query")

// Query is a caller-supplied filter. Status accepts "all", a single status,
// or a comma separated list.
type Query struct {
	Status string
	From   *time.Time
	To     *time.Time
	Search string
	Limit  int
}

// Filter converts q into a store filter, rejecting unknown statuses.
func (q Query) Filter() (repository.LogFilter, error) {
	f := repository.LogFilter{
		From:   q.From,
		To:     q.To,
		Search: strings.TrimSpace(q.Search),
		Limit:  q.Limit,
	}

	status := strings.TrimSpace(q.Status)
	if status != "" && !strings.EqualFold(status, "all") {
		for _, part := range strings.Split(status, ",") {
			s := models.WebhookStatus(strings.ToUpper(strings.TrimSpace(part)))
			if s == "" {
				continue
			}
			if !s.IsValid() {
				return repository.LogFilter{}, fmt.Errorf("%w: unknown status %q", ErrInvalidQuery, part)
			}
			f.Statuses = append(f.Statuses, s)
		}
	}
	if q.From != nil && q.To != nil && !q.From.Before(*q.To) {
		return repository.LogFilter{}, fmt.Errorf("%w: from must be before to", ErrInvalidQuery)
	}
	return f, nil
}

// OutcomeReader exposes the running outcome counters.
type OutcomeReader interface {
	Snapshot(ctx context.Context) (map[models.WebhookStatus]int64, error)
}

// QueueReader exposes the depth of the dispatch queue.
type QueueReader interface {
	GetQueueSize(ctx context.Context) (int64, error)
	GetProcessingSize(ctx context.Context) (int64, error)
	GetJobStats(ctx context.Context) (map[jobqueue.JobStatus]int64, error)
}

// QueueStats is a snapshot of the dispatch queue.
type QueueStats struct {
	Pending    int64                        `json:"pending"`
	Processing int64                        `json:"processing"`
	Jobs       map[jobqueue.JobStatus]int64 `json:"jobs"`
}

// Stats aggregates the log for a dashboard.
type Stats struct {
	ByStatus map[models.WebhookStatus]int64 `json:"by_status"`
	Total    int64                          `json:"total"`
	// Outcomes are counted as deliveries settle, including ones later replayed.
	Outcomes map[models.WebhookStatus]int64 `json:"outcomes,omitempty"`
	Queue    *QueueStats                    `json:"queue,omitempty"`
}

// Facade answers read-only queries over the log store.
type Facade struct {
	logs     repository.WebhookLogRepository
	outcomes OutcomeReader
	queue    QueueReader
}

// NewFacade creates a facade. outcomes may be nil.
func NewFacade(logs repository.WebhookLogRepository, outcomes OutcomeReader) *Facade {
	return &Facade{logs: logs, outcomes: outcomes}
}

// WithQueue adds dispatch queue depth to Stats.
func (f *Facade) WithQueue(queue QueueReader) *Facade {
	f.queue = queue
	return f
}

// Search returns matching records newest first.
func (f *Facade) Search(ctx context.Context, q Query) ([]models.WebhookLog, error) {
	filter, err := q.Filter()
	if err != nil {
		return nil, err
	}

	out := make([]models.WebhookLog, 0, min(filter.EffectiveLimit(), repository.DefaultLogLimit))
	for rec, err := range f.logs.Find(ctx, filter) {
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Get returns one record including its payload.
func (f *Facade) Get(ctx context.Context, id string) (*models.WebhookLog, error) {
	return f.logs.FindByID(ctx, id)
}

// Stats counts matching records per status. Query.Limit is ignored.
func (f *Facade) Stats(ctx context.Context, q Query) (Stats, error) {
	filter, err := q.Filter()
	if err != nil {
		return Stats{}, err
	}
	counts, err := f.logs.CountByStatus(ctx, filter)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{ByStatus: make(map[models.WebhookStatus]int64, len(models.AllWebhookStatuses))}
	for _, s := range models.AllWebhookStatuses {
		stats.ByStatus[s] = counts[s]
		stats.Total += counts[s]
	}

	if f.outcomes != nil {
		outcomes, err := f.outcomes.Snapshot(ctx)
		if err != nil {
			return Stats{}, fmt.Errorf("read outcome counters: %w", err)
		}
		stats.Outcomes = outcomes
	}

	if f.queue != nil {
		queue, err := f.queueStats(ctx)
		if err != nil {
			return Stats{}, fmt.Errorf("read queue stats: %w", err)
		}
		stats.Queue = queue
	}
	return stats, nil
}

func (f *Facade) queueStats(ctx context.Context) (*QueueStats, error) {
	pending, err := f.queue.GetQueueSize(ctx)
	if err != nil {
		return nil, err
	}
	processing, err := f.queue.GetProcessingSize(ctx)
	if err != nil {
		return nil, err
	}
	jobs, err := f.queue.GetJobStats(ctx)
	if err != nil {
		return nil, err
	}
	return &QueueStats{Pending: pending, Processing: processing, Jobs: jobs}, nil
}
