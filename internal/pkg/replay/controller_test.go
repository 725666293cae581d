package replay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salespath/webhooklog/app/models"
	"github.com/salespath/webhooklog/app/repository"
	"github.com/salespath/webhooklog/internal/pkg/effects"
	"github.com/salespath/webhooklog/internal/pkg/env"
	"github.com/salespath/webhooklog/internal/pkg/ingest"
	"github.com/salespath/webhooklog/internal/pkg/signature"
	"github.com/salespath/webhooklog/internal/pkg/testutil"
)

var payload = []byte(`{"event":"charge.success","data":{"reference":"ref-1"}}`)

type mutableSecrets struct {
	mu  sync.Mutex
	set signature.SecretSet
}

func (m *mutableSecrets) Secrets(context.Context) (signature.SecretSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.set, nil
}

func (m *mutableSecrets) rotate(current string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set = signature.SecretSet{Current: current}
}

type switchApplier struct {
	mu    sync.Mutex
	fn    func(ctx context.Context) error
	calls int
}

func (s *switchApplier) Apply(ctx context.Context, _ *models.WebhookLog) (effects.Result, error) {
	s.mu.Lock()
	fn := s.fn
	s.calls++
	s.mu.Unlock()
	if fn == nil {
		return effects.Result{}, nil
	}
	return effects.Result{}, fn(ctx)
}

func (s *switchApplier) set(fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fn = fn
}

type fixture struct {
	logs    repository.WebhookLogRepository
	handler *ingest.Handler
	ctrl    *Controller
	secrets *mutableSecrets
	applier *switchApplier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		logs:    repository.NewWebhookLogRepository(testutil.NewDB(t)),
		secrets: &mutableSecrets{set: signature.SecretSet{Current: "sk_live"}},
		applier: &switchApplier{},
	}
	verifier := signature.NewVerifier(f.secrets)
	f.handler = ingest.NewHandler(f.logs, verifier, f.applier, ingest.Options{Timeout: time.Second})
	f.ctrl = NewController(f.logs, verifier, LocalSubmitter{Handler: f.handler}, 5*time.Second)
	return f
}

func (f *fixture) ingest(t *testing.T, header string) *models.WebhookLog {
	t.Helper()
	out, err := f.handler.Ingest(context.Background(), payload, header)
	require.NoError(t, err)
	return out.Record
}

func TestReplayProcessedIsRejected(t *testing.T) {
	f := newFixture(t)
	rec := f.ingest(t, signature.Sign(payload, "sk_live"))
	require.Equal(t, models.WebhookStatusProcessed, rec.Status)

	_, err := f.ctrl.Replay(context.Background(), rec.ID)
	var invalid *InvalidStateError
	require.ErrorAs(t, err, &invalid)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, models.WebhookStatusProcessed, invalid.Status)

	stored, err := f.logs.FindByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusProcessed, stored.Status)
	assert.Zero(t, stored.RetryCount)
	assert.Equal(t, 1, f.applier.calls)
}

func TestReplayAfterDownstreamRecovery(t *testing.T) {
	f := newFixture(t)
	f.applier.set(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	rec := f.ingest(t, signature.Sign(payload, "sk_live"))
	require.Equal(t, models.WebhookStatusFailed, rec.Status)
	require.Contains(t, rec.ErrorText(), "timeout")

	f.applier.set(nil)
	res, err := f.ctrl.Replay(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.True(t, res.Succeeded)
	assert.Equal(t, models.WebhookStatusProcessed, res.Record.Status)
	assert.Equal(t, 1, res.Record.RetryCount)
	assert.Nil(t, res.Record.ErrorMessage)
	assert.NotNil(t, res.Record.ProcessedAt)
	assert.Equal(t, payload, res.Record.Payload)
}

func TestReplaySignatureMissingOnceSecretIsFixed(t *testing.T) {
	f := newFixture(t)
	rec := f.ingest(t, "")
	require.Equal(t, models.WebhookStatusSignatureMissing, rec.Status)

	res, err := f.ctrl.Replay(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.True(t, res.Succeeded)
	assert.Equal(t, models.WebhookStatusProcessed, res.Record.Status)
	assert.Equal(t, 1, res.Record.RetryCount)
}

func TestReplaySignatureFailedAfterRotation(t *testing.T) {
	f := newFixture(t)
	// The sender already uses the new secret; this instance does not yet.
	rec := f.ingest(t, signature.Sign(payload, "sk_rotated"))
	require.Equal(t, models.WebhookStatusSignatureFailed, rec.Status)

	f.secrets.rotate("sk_rotated")
	res, err := f.ctrl.Replay(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.True(t, res.Succeeded)
	assert.Equal(t, 1, res.Record.RetryCount)
}

func TestReplayFailureIncrementsAndOverwritesError(t *testing.T) {
	f := newFixture(t)
	f.applier.set(func(context.Context) error { return effects.Transient(errors.New("first outage")) })
	rec := f.ingest(t, signature.Sign(payload, "sk_live"))
	require.Equal(t, "first outage", rec.ErrorText())

	f.applier.set(func(context.Context) error { return effects.Transient(errors.New("second outage")) })
	res, err := f.ctrl.Replay(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.False(t, res.Succeeded)
	assert.Equal(t, models.WebhookStatusFailed, res.Record.Status)
	assert.Equal(t, 1, res.Record.RetryCount)
	assert.Equal(t, "second outage", res.Record.ErrorText())
	assert.Nil(t, res.Record.ProcessedAt)

	res, err = f.ctrl.Replay(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Record.RetryCount)
}

func TestReplayRejectsUnknownAndLiveRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ctrl.Replay(ctx, "does-not-exist")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	live := models.NewWebhookLog(payload, "charge.success", nil)
	require.NoError(t, f.logs.Create(ctx, live))
	_, err = f.ctrl.Replay(ctx, live.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestConcurrentReplaysConflict(t *testing.T) {
	f := newFixture(t)
	f.applier.set(func(context.Context) error { return effects.Transient(errors.New("outage")) })
	rec := f.ingest(t, signature.Sign(payload, "sk_live"))

	release := make(chan struct{})
	f.applier.set(func(ctx context.Context) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	type outcome struct {
		res Result
		err error
	}
	results := make(chan outcome, 2)
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		go func() {
			<-start
			res, err := f.ctrl.Replay(context.Background(), rec.ID)
			results <- outcome{res, err}
		}()
	}
	close(start)

	var loser outcome
	select {
	case loser = <-results:
	case <-time.After(5 * time.Second):
		t.Fatal("no replay returned")
	}
	assert.ErrorIs(t, loser.err, repository.ErrConflict)

	close(release)
	winner := <-results
	require.NoError(t, winner.err)
	assert.True(t, winner.res.Succeeded)

	stored, err := f.logs.FindByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusProcessed, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
}

type failingSubmitter struct{}

func (failingSubmitter) Submit(context.Context, *models.WebhookLog, string) error {
	return errors.New("connection refused")
}

func TestReplayTransportFailureSettlesRecord(t *testing.T) {
	f := newFixture(t)
	rec := f.ingest(t, "")

	ctrl := NewController(f.logs, signature.NewVerifier(f.secrets), failingSubmitter{}, time.Second)
	res, err := ctrl.Replay(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.False(t, res.Succeeded)
	assert.Equal(t, models.WebhookStatusFailed, res.Record.Status)
	assert.Equal(t, models.FailureClassTransient, res.Record.FailureClass)
	assert.Contains(t, res.Record.ErrorText(), "connection refused")
	assert.Equal(t, 1, res.Record.RetryCount)
}

func TestReplayOverHTTP(t *testing.T) {
	f := newFixture(t)
	rec := f.ingest(t, "")

	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, DeliveryPath, r.URL.Path)
		gotHeader = r.Header.Get(ReplayHeader)
		body, _ := io.ReadAll(r.Body)
		out, err := f.handler.Redeliver(r.Context(), r.Header.Get(ReplayHeader), body, r.Header.Get(signature.HeaderName))
		if err != nil || out.Retryable {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctrl := NewController(f.logs, signature.NewVerifier(f.secrets), NewHTTPSubmitter(Config{TargetURL: srv.URL + "/", Timeout: time.Second}), time.Second)
	res, err := ctrl.Replay(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, gotHeader)
	assert.True(t, res.Succeeded)
	assert.Equal(t, 1, res.Record.RetryCount)
}

func TestLoadConfig(t *testing.T) {
	prev := env.Env
	t.Cleanup(func() { env.Env = prev })

	env.Env = map[string]string{}
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, ModeLocal, cfg.Mode)
	assert.Equal(t, DefaultTimeout, cfg.Timeout)

	env.Env = map[string]string{"REPLAY_MODE": "http"}
	_, err = LoadConfig()
	assert.Error(t, err)

	env.Env = map[string]string{"REPLAY_MODE": "http", "REPLAY_TARGET_URL": "https://hooks.salespath.test"}
	cfg, err = LoadConfig()
	require.NoError(t, err)
	assert.IsType(t, &HTTPSubmitter{}, cfg.NewSubmitter(nil))
}
