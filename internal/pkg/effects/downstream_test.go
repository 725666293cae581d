package effects

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salespath/webhooklog/app/models"
	"github.com/salespath/webhooklog/internal/pkg/env"
)

func TestHTTPDownstreamSendsCommand(t *testing.T) {
	var got Command
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewHTTPDownstream(Config{ServiceURL: srv.URL, ServiceToken: "tok", Timeout: time.Second})
	err := d.Apply(context.Background(), Command{
		Key:       "ref:ref-1",
		EventType: "charge.success",
		LogID:     "log-1",
		Data:      json.RawMessage(`{"event":"charge.success"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, "ref:ref-1", headers.Get("Idempotency-Key"))
	assert.Equal(t, "Bearer tok", headers.Get("Authorization"))
	assert.Equal(t, "charge.success", got.EventType)
	assert.JSONEq(t, `{"event":"charge.success"}`, string(got.Data))
}

func TestHTTPDownstreamClassifiesStatus(t *testing.T) {
	tests := []struct {
		status int
		want   models.FailureClass
	}{
		{http.StatusInternalServerError, models.FailureClassTransient},
		{http.StatusBadGateway, models.FailureClassTransient},
		{http.StatusTooManyRequests, models.FailureClassTransient},
		{http.StatusBadRequest, models.FailureClassPermanent},
		{http.StatusUnprocessableEntity, models.FailureClassPermanent},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("nope"))
			}))
			defer srv.Close()

			err := NewHTTPDownstream(Config{ServiceURL: srv.URL, Timeout: time.Second}).
				Apply(context.Background(), Command{Key: "k"})
			require.Error(t, err)
			class, msg := ClassOf(err)
			assert.Equal(t, tt.want, class)
			assert.Contains(t, msg, fmt.Sprint(tt.status))
		})
	}
}

func TestHTTPDownstreamTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := NewHTTPDownstream(Config{ServiceURL: srv.URL, Timeout: 5 * time.Second}).Apply(ctx, Command{Key: "k"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	class, msg := ClassOf(err)
	assert.Equal(t, models.FailureClassTransient, class)
	assert.Contains(t, msg, "downstream timeout")
}

func TestClassOfDefaults(t *testing.T) {
	class, msg := ClassOf(nil)
	assert.Equal(t, models.FailureClassNone, class)
	assert.Empty(t, msg)

	class, msg = ClassOf(errors.New("boom"))
	assert.Equal(t, models.FailureClassTransient, class)
	assert.Equal(t, "boom", msg)

	class, _ = ClassOf(fmt.Errorf("wrapped: %w", Permanent(errors.New("bad shape"))))
	assert.Equal(t, models.FailureClassPermanent, class)
}

func TestLoadConfig(t *testing.T) {
	prev := env.Env
	t.Cleanup(func() { env.Env = prev })

	env.Env = map[string]string{}
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.False(t, cfg.Enabled())
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.IsType(t, LogDownstream{}, cfg.NewDownstream())

	env.Env = map[string]string{
		"SUBSCRIPTION_SERVICE_URL": "https://subs.internal/apply",
		"WEBHOOK_PROCESS_TIMEOUT":  "3s",
	}
	cfg, err = LoadConfig()
	require.NoError(t, err)
	assert.True(t, cfg.Enabled())
	assert.Equal(t, 3*time.Second, cfg.Timeout)
	assert.IsType(t, &HTTPDownstream{}, cfg.NewDownstream())

	env.Env = map[string]string{"SUBSCRIPTION_SERVICE_URL": "not a url"}
	_, err = LoadConfig()
	assert.Error(t, err)

	env.Env = map[string]string{"EFFECT_CLAIM_LEASE": "1s"}
	_, err = LoadConfig()
	assert.Error(t, err)
}
