package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/salespath/webhooklog/app/models"
	"github.com/salespath/webhooklog/internal/pkg/testutil"
)

func newLogRepo(t *testing.T) (WebhookLogRepository, *webhookLogRepository) {
	t.Helper()
	db := testutil.NewDB(t)
	repo := NewWebhookLogRepository(db)
	return repo, repo.(*webhookLogRepository)
}

func createLog(t *testing.T, repo WebhookLogRepository, eventType, ref string, receivedAt time.Time) *models.WebhookLog {
	t.Helper()
	var refPtr *string
	if ref != "" {
		refPtr = &ref
	}
	log := models.NewWebhookLog([]byte(`{"event":"`+eventType+`"}`), eventType, refPtr)
	log.ReceivedAt = receivedAt
	require.NoError(t, repo.Create(context.Background(), log))
	return log
}

func strPtr(s string) *string { return &s }

func TestCreateAlwaysStartsReceived(t *testing.T) {
	repo, _ := newLogRepo(t)
	ctx := context.Background()

	log := models.NewWebhookLog([]byte(`{"a":1}`), "charge.success", strPtr("ref-1"))
	log.Status = models.WebhookStatusProcessed
	log.RetryCount = 7
	require.NoError(t, repo.Create(ctx, log))

	stored, err := repo.FindByID(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusReceived, stored.Status)
	assert.Equal(t, 0, stored.RetryCount)
	assert.Equal(t, []byte(`{"a":1}`), stored.Payload)
	assert.Equal(t, "ref-1", *stored.Reference)
}

func TestFindByIDNotFound(t *testing.T) {
	repo, _ := newLogRepo(t)

	_, err := repo.FindByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionHappyPath(t *testing.T) {
	repo, _ := newLogRepo(t)
	ctx := context.Background()
	log := createLog(t, repo, "charge.success", "ref-1", time.Now())

	pending, err := repo.Transition(ctx, Transition{
		ID:   log.ID,
		From: []models.WebhookStatus{models.WebhookStatusReceived},
		To:   models.WebhookStatusPending,
	})
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusPending, pending.Status)

	processed, err := repo.Transition(ctx, Transition{
		ID:         log.ID,
		From:       []models.WebhookStatus{models.WebhookStatusPending},
		To:         models.WebhookStatusProcessed,
		Error:      strPtr("should be ignored"),
		BusinessID: strPtr("biz-1"),
	})
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusProcessed, processed.Status)
	assert.NotNil(t, processed.ProcessedAt)
	assert.Nil(t, processed.ErrorMessage)
	assert.Equal(t, "biz-1", *processed.BusinessID)
	assert.Equal(t, 0, processed.RetryCount)
}

func TestTransitionFailureSetsAndClearsError(t *testing.T) {
	repo, _ := newLogRepo(t)
	ctx := context.Background()
	log := createLog(t, repo, "charge.success", "ref-2", time.Now())

	_, err := repo.Transition(ctx, Transition{ID: log.ID, From: []models.WebhookStatus{models.WebhookStatusReceived}, To: models.WebhookStatusPending})
	require.NoError(t, err)

	transient := models.FailureClassTransient
	failed, err := repo.Transition(ctx, Transition{
		ID:           log.ID,
		From:         []models.WebhookStatus{models.WebhookStatusPending},
		To:           models.WebhookStatusFailed,
		Error:        strPtr("downstream timeout"),
		FailureClass: &transient,
	})
	require.NoError(t, err)
	assert.Equal(t, "downstream timeout", failed.ErrorText())
	assert.Equal(t, models.FailureClassTransient, failed.FailureClass)
	assert.Nil(t, failed.ProcessedAt)

	count := failed.RetryCount
	reopened, err := repo.Transition(ctx, Transition{
		ID:               log.ID,
		From:             []models.WebhookStatus{models.WebhookStatusFailed},
		To:               models.WebhookStatusReceived,
		ExpectRetryCount: &count,
		IncrementRetry:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.RetryCount)
	assert.Equal(t, "downstream timeout", reopened.ErrorText())

	cleared, err := repo.Transition(ctx, Transition{
		ID:    log.ID,
		From:  []models.WebhookStatus{models.WebhookStatusReceived},
		To:    models.WebhookStatusSignatureMissing,
		Error: strPtr(""),
	})
	require.NoError(t, err)
	assert.Nil(t, cleared.ErrorMessage)
}

func TestTransitionConflict(t *testing.T) {
	repo, _ := newLogRepo(t)
	ctx := context.Background()
	log := createLog(t, repo, "charge.success", "ref-3", time.Now())

	_, err := repo.Transition(ctx, Transition{ID: log.ID, From: []models.WebhookStatus{models.WebhookStatusReceived}, To: models.WebhookStatusPending})
	require.NoError(t, err)

	_, err = repo.Transition(ctx, Transition{ID: log.ID, From: []models.WebhookStatus{models.WebhookStatusReceived}, To: models.WebhookStatusSignatureFailed})
	require.ErrorIs(t, err, ErrConflict)

	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, models.WebhookStatusPending, conflict.Current)
}

func TestTransitionReturnsItsOwnWrite(t *testing.T) {
	repo, impl := newLogRepo(t)
	ctx := context.Background()
	log := createLog(t, repo, "charge.success", "ref-own", time.Now())

	// A second writer tries to move the record right after the UPDATE and
	// before the read-back.
	var once sync.Once
	done := make(chan struct{})
	err := impl.db.Callback().Update().After("gorm:update").Register("test:interleave", func(tx *gorm.DB) {
		once.Do(func() {
			go func() {
				defer close(done)
				impl.db.Exec("UPDATE webhook_logs SET status = ? WHERE id = ?", models.WebhookStatusFailed, log.ID)
			}()
			select {
			case <-done:
			case <-time.After(200 * time.Millisecond):
			}
		})
	})
	require.NoError(t, err)

	pending, err := repo.Transition(ctx, Transition{ID: log.ID, From: []models.WebhookStatus{models.WebhookStatusReceived}, To: models.WebhookStatusPending})
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusPending, pending.Status)

	<-done
	latest, err := repo.FindByID(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusFailed, latest.Status)
}

func TestTransitionRetryCountGuard(t *testing.T) {
	repo, _ := newLogRepo(t)
	ctx := context.Background()
	log := createLog(t, repo, "charge.success", "ref-4", time.Now())

	_, err := repo.Transition(ctx, Transition{ID: log.ID, From: []models.WebhookStatus{models.WebhookStatusReceived}, To: models.WebhookStatusSignatureFailed})
	require.NoError(t, err)

	stale := 3
	_, err = repo.Transition(ctx, Transition{
		ID:               log.ID,
		From:             []models.WebhookStatus{models.WebhookStatusSignatureFailed},
		To:               models.WebhookStatusReceived,
		ExpectRetryCount: &stale,
		IncrementRetry:   true,
	})
	assert.ErrorIs(t, err, ErrConflict)

	stored, err := repo.FindByID(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.RetryCount)
	assert.Equal(t, models.WebhookStatusSignatureFailed, stored.Status)
}

func TestTransitionRejectsUnknownEdges(t *testing.T) {
	repo, _ := newLogRepo(t)
	ctx := context.Background()
	log := createLog(t, repo, "charge.success", "ref-5", time.Now())

	_, err := repo.Transition(ctx, Transition{ID: log.ID, From: []models.WebhookStatus{models.WebhookStatusReceived}, To: models.WebhookStatusProcessed})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = repo.Transition(ctx, Transition{ID: log.ID, To: models.WebhookStatusPending})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = repo.Transition(ctx, Transition{ID: "missing", From: []models.WebhookStatus{models.WebhookStatusReceived}, To: models.WebhookStatusPending})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindNewestFirstAcrossBatches(t *testing.T) {
	repo, _ := newLogRepo(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	total := findBatchSize + 25
	for i := 0; i < total; i++ {
		createLog(t, repo, "charge.success", fmt.Sprintf("ref-%03d", i), base.Add(time.Duration(i)*time.Second))
	}

	var refs []string
	for log, err := range repo.Find(context.Background(), LogFilter{Limit: MaxLogLimit}) {
		require.NoError(t, err)
		refs = append(refs, *log.Reference)
	}

	require.Len(t, refs, total)
	assert.Equal(t, fmt.Sprintf("ref-%03d", total-1), refs[0])
	assert.Equal(t, "ref-000", refs[total-1])
}

func TestFindStopsEarlyAndHonoursLimit(t *testing.T) {
	repo, _ := newLogRepo(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		createLog(t, repo, "charge.success", fmt.Sprintf("ref-%d", i), base.Add(time.Duration(i)*time.Minute))
	}

	seen := 0
	for _, err := range repo.Find(context.Background(), LogFilter{Limit: 3}) {
		require.NoError(t, err)
		seen++
	}
	assert.Equal(t, 3, seen)

	seen = 0
	for range repo.Find(context.Background(), LogFilter{}) {
		seen++
		break
	}
	assert.Equal(t, 1, seen)
}

func TestFindFilters(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewWebhookLogRepository(db)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	testutil.SeedBusiness(t, db, "biz-acme", "Acme Bakery", "CUS_acme", "owner@acme.test")

	a := createLog(t, repo, "charge.success", "ref-a", base)
	b := createLog(t, repo, "subscription.disable", "ref-b", base.Add(time.Hour))
	c := createLog(t, repo, "invoice.payment_failed", "", base.Add(2*time.Hour))
	d := createLog(t, repo, "charge.success", "promo-disc_50%!", base.Add(-time.Hour))

	_, err := repo.Transition(ctx, Transition{ID: a.ID, From: []models.WebhookStatus{models.WebhookStatusReceived}, To: models.WebhookStatusPending, BusinessID: strPtr("biz-acme")})
	require.NoError(t, err)
	_, err = repo.Transition(ctx, Transition{ID: b.ID, From: []models.WebhookStatus{models.WebhookStatusReceived}, To: models.WebhookStatusSignatureFailed, Error: strPtr("signature mismatch")})
	require.NoError(t, err)

	collect := func(f LogFilter) []string {
		var ids []string
		for log, err := range repo.Find(ctx, f) {
			require.NoError(t, err)
			ids = append(ids, log.ID)
		}
		return ids
	}

	from := base.Add(30 * time.Minute)
	to := base.Add(90 * time.Minute)

	tests := []struct {
		name   string
		filter LogFilter
		want   []string
	}{
		{"all", LogFilter{}, []string{c.ID, b.ID, a.ID, d.ID}},
		{"status", LogFilter{Statuses: []models.WebhookStatus{models.WebhookStatusSignatureFailed}}, []string{b.ID}},
		{"date range", LogFilter{From: &from, To: &to}, []string{b.ID}},
		{"event type text", LogFilter{Search: "INVOICE"}, []string{c.ID}},
		{"reference text", LogFilter{Search: "ref-a"}, []string{a.ID}},
		{"business name text", LogFilter{Search: "bakery"}, []string{a.ID}},
		{"error text", LogFilter{Search: "mismatch"}, []string{b.ID}},
		{"injection attempt is just text", LogFilter{Search: "' OR 1=1 --"}, nil},
		{"percent is literal", LogFilter{Search: "%"}, []string{d.ID}},
		{"underscore is literal", LogFilter{Search: "ref_a"}, nil},
		{"wildcard characters match themselves", LogFilter{Search: "disc_50%"}, []string{d.ID}},
		{"unknown status matches nothing", LogFilter{Statuses: []models.WebhookStatus{"PROCESSED' OR '1'='1"}}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, collect(tt.filter))
		})
	}
}

func TestCountByStatus(t *testing.T) {
	repo, _ := newLogRepo(t)
	ctx := context.Background()
	now := time.Now()

	a := createLog(t, repo, "charge.success", "ref-a", now)
	createLog(t, repo, "charge.success", "ref-b", now)
	_, err := repo.Transition(ctx, Transition{ID: a.ID, From: []models.WebhookStatus{models.WebhookStatusReceived}, To: models.WebhookStatusSignatureMissing})
	require.NoError(t, err)

	counts, err := repo.CountByStatus(ctx, LogFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[models.WebhookStatusReceived])
	assert.Equal(t, int64(1), counts[models.WebhookStatusSignatureMissing])
	assert.Equal(t, int64(0), counts[models.WebhookStatusProcessed])
}

func TestFindStaleAndRetryable(t *testing.T) {
	repo, impl := newLogRepo(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-2 * time.Hour)
	impl.now = func() time.Time { return old }

	stuck := createLog(t, repo, "charge.success", "ref-stuck", old)
	_, err := repo.Transition(ctx, Transition{ID: stuck.ID, From: []models.WebhookStatus{models.WebhookStatusReceived}, To: models.WebhookStatusPending})
	require.NoError(t, err)

	transient := models.FailureClassTransient
	retryable := createLog(t, repo, "charge.success", "ref-retry", old)
	_, err = repo.Transition(ctx, Transition{ID: retryable.ID, From: []models.WebhookStatus{models.WebhookStatusReceived}, To: models.WebhookStatusFailed, FailureClass: &transient, Error: strPtr("timeout")})
	require.NoError(t, err)

	permanent := models.FailureClassPermanent
	hopeless := createLog(t, repo, "charge.success", "ref-perm", old)
	_, err = repo.Transition(ctx, Transition{ID: hopeless.ID, From: []models.WebhookStatus{models.WebhookStatusReceived}, To: models.WebhookStatusFailed, FailureClass: &permanent, Error: strPtr("bad shape")})
	require.NoError(t, err)

	impl.now = func() time.Time { return time.Now().UTC() }
	fresh := createLog(t, repo, "charge.success", "ref-fresh", time.Now())
	_, err = repo.Transition(ctx, Transition{ID: fresh.ID, From: []models.WebhookStatus{models.WebhookStatusReceived}, To: models.WebhookStatusPending})
	require.NoError(t, err)

	stale, err := repo.FindStale(ctx, []models.WebhookStatus{models.WebhookStatusReceived, models.WebhookStatusPending}, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, stuck.ID, stale[0].ID)

	retry, err := repo.FindRetryable(ctx, 3, 10)
	require.NoError(t, err)
	require.Len(t, retry, 1)
	assert.Equal(t, retryable.ID, retry[0].ID)

	none, err := repo.FindRetryable(ctx, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
