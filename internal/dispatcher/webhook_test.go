package dispatcher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devtari-io/cronback/internal/domain"
	"github.com/devtari-io/cronback/internal/ids"
)

func webhookRun(url string, payload *domain.Payload) *domain.Run {
	project := ids.NewProjectId()
	return &domain.Run{
		ID:        ids.NewRunId(project),
		TriggerId: ids.NewTriggerId(project),
		Project:   project,
		CreatedAt: time.Now().UTC(),
		Action: domain.Action{Webhook: &domain.Webhook{
			URL:        url,
			HTTPMethod: domain.MethodPost,
			Timeout:    2 * time.Second,
		}},
		Payload: payload,
		Status:  domain.RunStatusAttempting,
	}
}

func testExecutor(t *testing.T) *WebhookExecutor {
	t.Helper()
	return NewWebhookExecutorWithClient(&http.Client{}, WebhookConfig{})
}

func TestExecute_SuccessOn2xx(t *testing.T) {
	var gotDelivery, gotAttempt, gotCustom, gotContentType string
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotDelivery = r.Header.Get("Cronback-Delivery-Id")
		gotAttempt = r.Header.Get("Cronback-Attempt-Num")
		gotCustom = r.Header.Get("X-Custom")
		gotContentType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	run := webhookRun(srv.URL, &domain.Payload{
		Body:        []byte(`{"ping":1}`),
		ContentType: "application/json",
		Headers: map[string]string{
			"X-Custom":         "yes",
			"Cronback-Spoofed": "nope", // reserved prefix, dropped
			"Connection":       "close",
		},
	})

	exec := testExecutor(t)
	status, details := exec.Execute(context.Background(), run, ids.NewAttemptId(run.Project), 1)

	assert.Equal(t, domain.AttemptStatusSucceeded, status)
	require.NotNil(t, details.ResponseCode)
	assert.Equal(t, http.StatusNoContent, *details.ResponseCode)
	assert.Empty(t, details.ErrorMessage)
	assert.Greater(t, details.ResponseLatency, time.Duration(0))

	assert.Equal(t, string(run.ID), gotDelivery)
	assert.Equal(t, "1", gotAttempt)
	assert.Equal(t, "yes", gotCustom)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, `{"ping":1}`, gotBody)
}

func TestExecute_ReservedHeadersNotSpoofable(t *testing.T) {
	var delivery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivery = r.Header.Get("Cronback-Delivery-Id")
	}))
	defer srv.Close()

	run := webhookRun(srv.URL, &domain.Payload{
		Headers: map[string]string{"cronback-delivery-id": "evil"},
	})
	exec := testExecutor(t)
	exec.Execute(context.Background(), run, ids.NewAttemptId(run.Project), 1)

	assert.Equal(t, string(run.ID), delivery)
}

func TestExecute_Non2xxIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	exec := testExecutor(t)
	run := webhookRun(srv.URL, nil)
	status, details := exec.Execute(context.Background(), run, ids.NewAttemptId(run.Project), 1)

	assert.Equal(t, domain.AttemptStatusFailed, status)
	require.NotNil(t, details.ResponseCode)
	assert.Equal(t, http.StatusInternalServerError, *details.ResponseCode)
}

func TestExecute_RedirectNotFollowed(t *testing.T) {
	var elsewhereHits atomic.Int32
	elsewhere := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		elsewhereHits.Add(1)
	}))
	defer elsewhere.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, elsewhere.URL, http.StatusFound)
	}))
	defer srv.Close()

	exec := testExecutor(t)
	run := webhookRun(srv.URL, nil)
	status, details := exec.Execute(context.Background(), run, ids.NewAttemptId(run.Project), 1)

	// The 302 is the final response, recorded as a failure.
	assert.Equal(t, domain.AttemptStatusFailed, status)
	require.NotNil(t, details.ResponseCode)
	assert.Equal(t, http.StatusFound, *details.ResponseCode)
	assert.Zero(t, elsewhereHits.Load(), "redirect target must not be contacted")
}

func TestExecute_TimeoutCoversWholeAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(3 * time.Second)
	}))
	defer srv.Close()

	exec := testExecutor(t)
	run := webhookRun(srv.URL, nil)
	run.Action.Webhook.Timeout = 1 * time.Second

	start := time.Now()
	status, details := exec.Execute(context.Background(), run, ids.NewAttemptId(run.Project), 1)

	assert.Equal(t, domain.AttemptStatusFailed, status)
	assert.Equal(t, "request timeout", details.ErrorMessage)
	assert.Less(t, time.Since(start), 2500*time.Millisecond)
}

func TestExecute_BlockedPrivateIP(t *testing.T) {
	// Real executor with the SSRF gate; loopback must be refused before any
	// connection is made.
	exec, err := NewWebhookExecutor(WebhookConfig{})
	require.NoError(t, err)

	run := webhookRun("http://127.0.0.1:8888/", nil)
	status, details := exec.Execute(context.Background(), run, ids.NewAttemptId(run.Project), 1)

	assert.Equal(t, domain.AttemptStatusFailed, status)
	assert.Nil(t, details.ResponseCode)
	assert.Contains(t, details.ErrorMessage, "blocked_private_ip")
}

func TestExecute_UnsafeSchemePerAttempt(t *testing.T) {
	exec := testExecutor(t)
	run := webhookRun("ftp://example.com/drop", nil)
	status, details := exec.Execute(context.Background(), run, ids.NewAttemptId(run.Project), 1)

	assert.Equal(t, domain.AttemptStatusFailed, status)
	assert.Contains(t, details.ErrorMessage, "unsafe_scheme")
}

func TestExecute_ConnectionRefused(t *testing.T) {
	exec := testExecutor(t)
	// Privileged port with nothing listening.
	run := webhookRun("http://127.0.0.1:1", nil)
	status, details := exec.Execute(context.Background(), run, ids.NewAttemptId(run.Project), 1)

	assert.Equal(t, domain.AttemptStatusFailed, status)
	assert.Equal(t, "connection failed", details.ErrorMessage)
}

func TestExecute_ResponseBodyCapped(t *testing.T) {
	big := strings.Repeat("a", 1<<16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(big))
	}))
	defer srv.Close()

	exec := NewWebhookExecutorWithClient(&http.Client{}, WebhookConfig{ResponseBodyCapBytes: 1024})
	run := webhookRun(srv.URL, nil)
	status, details := exec.Execute(context.Background(), run, ids.NewAttemptId(run.Project), 1)

	// The oversized body is discarded past the cap; the 200 still counts.
	assert.Equal(t, domain.AttemptStatusSucceeded, status)
	require.NotNil(t, details.ResponseCode)
	assert.Equal(t, http.StatusOK, *details.ResponseCode)
}
