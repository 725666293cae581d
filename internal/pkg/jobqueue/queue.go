package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/salespath/webhooklog/app/repository"
)

const (
	// Redis key prefixes
	JobKeyPrefix     = "webhook_job:"
	JobQueueKey      = "webhook_job_queue"
	JobProcessingKey = "webhook_job_processing"
	JobStatsKey      = "webhook_job_stats"

	// Job settings
	DefaultMaxRetries = 3
	JobTTL            = 24 * time.Hour // Jobs expire after 24 hours

	defaultStuckAfter    = 10 * time.Minute
	defaultSweepInterval = time.Minute
	defaultRetryDelay    = 30 * time.Second
)

// Processor settles one PENDING webhook log. Effect failures are recorded on
// the log itself; an error here means the log could not be loaded or updated.
type Processor interface {
	ProcessByID(ctx context.Context, logID string) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, logID string) error

func (f ProcessorFunc) ProcessByID(ctx context.Context, logID string) error {
	return f(ctx, logID)
}

// Queue hands PENDING webhook logs to a pool of workers through Redis
type Queue struct {
	client     *redis.Client
	processor  Processor
	workers    int
	workerPool chan struct{}
	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool

	stuckAfter    time.Duration
	sweepInterval time.Duration
	retryDelay    time.Duration
}

// NewQueue creates a new job queue
func NewQueue(client *redis.Client, processor Processor, workers int) *Queue {
	if workers <= 0 {
		workers = 3 // Default number of workers
	}

	return &Queue{
		client:        client,
		processor:     processor,
		workers:       workers,
		workerPool:    make(chan struct{}, workers),
		stopCh:        make(chan struct{}),
		stuckAfter:    defaultStuckAfter,
		sweepInterval: defaultSweepInterval,
		retryDelay:    defaultRetryDelay,
	}
}

// Start starts the job queue workers
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}

	q.stopCh = make(chan struct{})
	q.running = true
	log.Infof("[JobQueue] Starting %d workers", q.workers)

	// Initialize worker pool
	for i := 0; i < q.workers; i++ {
		q.workerPool <- struct{}{}
	}

	// Start workers
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	// Start stuck-processing sweeper (recovers jobs stuck in processing due to crashes)
	q.wg.Add(1)
	go q.stuckSweeper()
}

// Stop stops the job queue workers
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return
	}

	log.Info("[JobQueue] Stopping workers...")
	close(q.stopCh)
	q.running = false
	q.wg.Wait()

	// Drain the pool so a later Start begins from a clean slate.
	for len(q.workerPool) > 0 {
		<-q.workerPool
	}
	log.Info("[JobQueue] All workers stopped")
}

// Run starts the workers and stops them when ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	q.Start()
	<-ctx.Done()
	q.Stop()
	return nil
}

// Dispatch enqueues a webhook log for processing.
func (q *Queue) Dispatch(ctx context.Context, logID string) error {
	_, err := q.EnqueueJob(ctx, logID)
	return err
}

// EnqueueJob adds a new job to the queue
func (q *Queue) EnqueueJob(ctx context.Context, logID string) (*Job, error) {
	now := time.Now()
	job := &Job{
		ID:         uuid.New().String(),
		Type:       JobTypeProcessWebhook,
		Status:     JobStatusPending,
		LogID:      logID,
		CreatedAt:  now,
		UpdatedAt:  now,
		RetryCount: 0,
		MaxRetries: DefaultMaxRetries,
	}

	// Store job data
	jobData, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	jobKey := JobKeyPrefix + job.ID

	// Use a pipeline for atomic operations
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, jobKey, jobData, JobTTL)
	pipe.LPush(ctx, JobQueueKey, job.ID)
	pipe.HIncrBy(ctx, JobStatsKey, string(JobStatusPending), 1)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	log.Infof("[JobQueue] Enqueued job %s (log %s)", job.ID, logID)
	return job, nil
}

// stuckSweeper periodically requeues jobs stuck in processing
func (q *Queue) stuckSweeper() {
	defer q.wg.Done()
	log.Infof("[JobQueue] Stuck sweeper running (maxAge=%s, interval=%s)", q.stuckAfter, q.sweepInterval)
	ticker := time.NewTicker(q.sweepInterval)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-q.stopCh:
			log.Info("[JobQueue] Stuck sweeper stopping")
			return
		case <-ticker.C:
			q.recoverStuck(ctx, time.Now())
		}
	}
}

// recoverStuck moves jobs that have been processing for longer than
// stuckAfter back to the pending queue. Returns how many were recovered.
func (q *Queue) recoverStuck(ctx context.Context, now time.Time) int {
	ids, err := q.client.LRange(ctx, JobProcessingKey, 0, -1).Result()
	if err != nil {
		log.Errorf("[JobQueue] Sweeper LRange error: %v", err)
		return 0
	}

	recovered := 0
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil {
			// Job data missing or corrupt; remove from processing list
			if !errors.Is(err, redis.Nil) {
				log.Errorf("[JobQueue] Sweeper cannot read %s: %v", id, err)
			}
			_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
			continue
		}
		if job.Status != JobStatusProcessing {
			// Clean up stray entry
			_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
			continue
		}

		started := job.UpdatedAt
		if job.ProcessedAt != nil && !job.ProcessedAt.IsZero() {
			started = *job.ProcessedAt
		}
		if now.Sub(started) <= q.stuckAfter {
			continue
		}

		log.Warnf("[JobQueue] Recovering stuck job %s (log %s), age=%s", job.ID, job.LogID, now.Sub(started))
		job.ErrorMsg = "recovered by sweeper"
		if err := q.requeueJob(ctx, job); err == nil {
			recovered++
		}
	}
	return recovered
}

// worker processes jobs from the queue
func (q *Queue) worker(id int) {
	defer q.wg.Done()
	log.Infof("[JobQueue] Worker %d started", id)

	ctx := context.Background()

	for {
		select {
		case <-q.stopCh:
			log.Infof("[JobQueue] Worker %d stopping", id)
			return
		default:
			// Acquire worker slot
			<-q.workerPool

			job, err := q.dequeueJob(ctx)
			if err != nil {
				if !errors.Is(err, redis.Nil) {
					log.Errorf("[JobQueue] Worker %d: Error dequeuing job: %v", id, err)
					time.Sleep(time.Second)
				}
				q.workerPool <- struct{}{}
				continue
			}

			if job != nil {
				log.Infof("[JobQueue] Worker %d processing job %s (log %s)", id, job.ID, job.LogID)
				q.processJob(ctx, job)
			}

			// Release worker slot
			q.workerPool <- struct{}{}
		}
	}
}

// dequeueJob gets the next job from the queue
func (q *Queue) dequeueJob(ctx context.Context) (*Job, error) {
	// Move job from pending queue to processing queue atomically
	jobID, err := q.client.BRPopLPush(ctx, JobQueueKey, JobProcessingKey, time.Second).Result()
	if err != nil {
		return nil, err
	}

	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		// Job data not found or invalid, remove from processing queue
		q.client.LRem(ctx, JobProcessingKey, 1, jobID)
		return nil, fmt.Errorf("job data not readable for ID %s: %w", jobID, err)
	}
	return job, nil
}

// processJob processes a single job
func (q *Queue) processJob(ctx context.Context, job *Job) {
	job.MarkAsProcessing()
	q.updateJob(ctx, job)

	err := q.processor.ProcessByID(ctx, job.LogID)
	if errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrConflict) {
		// The log is gone or was settled by someone else; nothing left to do.
		log.Warnf("[JobQueue] Job %s dropped: %v", job.ID, err)
		err = nil
	}

	if err != nil {
		log.Errorf("[JobQueue] Job %s failed: %v", job.ID, err)
		job.MarkAsFailed(err.Error())

		// Check if job can be retried
		if job.IsRetryable() {
			log.Infof("[JobQueue] Retrying job %s (Attempt %d/%d)", job.ID, job.RetryCount, job.MaxRetries)
			job.MarkAsRetrying()
			q.updateJob(ctx, job)

			// Re-enqueue for retry after a delay
			delay := q.retryDelay * time.Duration(job.RetryCount)
			jobID := job.ID
			time.AfterFunc(delay, func() {
				q.client.LPush(ctx, JobQueueKey, jobID)
			})
		} else {
			log.Errorf("[JobQueue] Job %s permanently failed after %d retries", job.ID, job.RetryCount)
			q.updateJobStats(ctx, JobStatusFailed, 1)
		}
	} else {
		log.Infof("[JobQueue] Job %s completed successfully", job.ID)
		job.MarkAsCompleted()
		q.updateJobStats(ctx, JobStatusCompleted, 1)
		// Remove completed job from Redis entirely
		q.removeCompletedJob(ctx, job.ID)
	}

	if job.Status != JobStatusCompleted {
		q.updateJob(ctx, job)
	}
	q.removeFromProcessing(ctx, job.ID)
}

// updateJob updates job data in Redis
func (q *Queue) updateJob(ctx context.Context, job *Job) {
	jobData, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Failed to marshal job %s: %v", job.ID, err)
		return
	}

	jobKey := JobKeyPrefix + job.ID
	if err := q.client.Set(ctx, jobKey, jobData, JobTTL).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job %s: %v", job.ID, err)
	}
}

// requeueJob moves a job back to the pending queue and resets its status
func (q *Queue) requeueJob(ctx context.Context, job *Job) error {
	job.Status = JobStatusPending
	job.UpdatedAt = time.Now()
	q.updateJob(ctx, job)
	// Remove from processing list and push to the end of the queue
	if err := q.client.LRem(ctx, JobProcessingKey, 1, job.ID).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove job %s from processing: %v", job.ID, err)
	}
	if err := q.client.RPush(ctx, JobQueueKey, job.ID).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to requeue job %s: %v", job.ID, err)
		return err
	}
	return nil
}

// removeFromProcessing removes a job from the processing queue
func (q *Queue) removeFromProcessing(ctx context.Context, jobID string) {
	if err := q.client.LRem(ctx, JobProcessingKey, 1, jobID).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove job %s from processing queue: %v", jobID, err)
	}
}

// removeCompletedJob completely removes a completed job from Redis
func (q *Queue) removeCompletedJob(ctx context.Context, jobID string) {
	jobKey := JobKeyPrefix + jobID
	if err := q.client.Del(ctx, jobKey).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove completed job %s from Redis: %v", jobID, err)
	} else {
		log.Debugf("[JobQueue] Successfully removed completed job %s from Redis", jobID)
	}
}

// updateJobStats updates job statistics
func (q *Queue) updateJobStats(ctx context.Context, status JobStatus, delta int64) {
	if err := q.client.HIncrBy(ctx, JobStatsKey, string(status), delta).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job stats: %v", err)
	}
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	jobData, err := q.client.Get(ctx, JobKeyPrefix+jobID).Result()
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// GetJobStats returns statistics about job statuses
func (q *Queue) GetJobStats(ctx context.Context) (map[JobStatus]int64, error) {
	stats, err := q.client.HGetAll(ctx, JobStatsKey).Result()
	if err != nil {
		return nil, err
	}

	result := make(map[JobStatus]int64)
	for status, count := range stats {
		if countInt, err := json.Number(count).Int64(); err == nil {
			result[JobStatus(status)] = countInt
		}
	}
	return result, nil
}

// GetQueueSize returns the number of pending jobs
func (q *Queue) GetQueueSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, JobQueueKey).Result()
}

// GetProcessingSize returns the number of jobs being processed
func (q *Queue) GetProcessingSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, JobProcessingKey).Result()
}
