package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/devtari-io/cronback/internal/circuitbreaker"
	"github.com/devtari-io/cronback/internal/domain"
	"github.com/devtari-io/cronback/internal/ids"
	"github.com/devtari-io/cronback/internal/security"
)

// Delivery headers the executor always adds. User headers never override
// the reserved set.
const (
	HeaderDeliveryId = "Cronback-Delivery-Id"
	HeaderAttemptNum = "Cronback-Attempt-Num"
)

// reservedHeader reports whether the executor controls this header.
func reservedHeader(name string) bool {
	switch strings.ToLower(name) {
	case "host", "content-length", "connection":
		return true
	}
	return strings.HasPrefix(strings.ToLower(name), "cronback-")
}

// WebhookConfig tunes attempt execution.
type WebhookConfig struct {
	// ResponseBodyCapBytes bounds how much of a response body is read (and
	// discarded). Bodies are never stored.
	ResponseBodyCapBytes int64

	// BlockedPorts and ProxyURL feed the SSRF-safe transport.
	BlockedPorts []int
	ProxyURL     string

	// Breaker shields repeatedly failing endpoints; zero threshold disables.
	Breaker circuitbreaker.Config
}

// WebhookExecutor performs one HTTP attempt against an untrusted endpoint
// under strict isolation: SSRF-gated dialing, no redirects, a hard deadline
// and a capped response read.
type WebhookExecutor struct {
	client  *http.Client
	cfg     WebhookConfig
	breaker *circuitbreaker.Group
}

func NewWebhookExecutor(cfg WebhookConfig) (*WebhookExecutor, error) {
	if cfg.ResponseBodyCapBytes == 0 {
		cfg.ResponseBodyCapBytes = 1 << 20
	}
	transport, err := security.NewSafeTransport(security.Config{
		BlockedPorts: cfg.BlockedPorts,
		ProxyURL:     cfg.ProxyURL,
	})
	if err != nil {
		return nil, err
	}
	return &WebhookExecutor{
		client: &http.Client{
			Transport: transport,
			// Any 3xx is the final response; redirects are never followed.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		cfg:     cfg,
		breaker: circuitbreaker.New(cfg.Breaker),
	}, nil
}

// NewWebhookExecutorWithClient builds an executor around a caller-supplied
// HTTP client. For tests, where the target listens on loopback and the
// SSRF gate would refuse it.
func NewWebhookExecutorWithClient(client *http.Client, cfg WebhookConfig) *WebhookExecutor {
	if cfg.ResponseBodyCapBytes == 0 {
		cfg.ResponseBodyCapBytes = 1 << 20
	}
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &WebhookExecutor{client: client, cfg: cfg, breaker: circuitbreaker.New(cfg.Breaker)}
}

// Execute performs attempt attemptNum of the run's webhook and reports the
// outcome. All failures are expressed in the details, never as a Go error:
// classification into retry/stop is the runner's business.
func (e *WebhookExecutor) Execute(ctx context.Context, run *domain.Run, attemptId ids.AttemptId, attemptNum int) (domain.AttemptStatus, domain.WebhookAttemptDetails) {
	webhook := run.Action.Webhook
	if webhook == nil {
		return domain.AttemptStatusFailed, domain.AttemptDetailsWithError("run has no webhook action")
	}

	// The scheme gate holds per attempt, not only at trigger creation.
	if err := security.ValidateURLScheme(webhook.URL); err != nil {
		return domain.AttemptStatusFailed, domain.AttemptDetailsWithError(err.Error())
	}

	timeout := webhook.Timeout
	if timeout < domain.WebhookTimeoutMin || timeout >= domain.WebhookTimeoutMax {
		timeout = domain.WebhookTimeoutMax - time.Second
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if run.Payload != nil && len(run.Payload.Body) > 0 {
		body = bytes.NewReader(run.Payload.Body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, string(webhook.HTTPMethod), webhook.URL, body)
	if err != nil {
		return domain.AttemptStatusFailed, domain.AttemptDetailsWithError("bad request: " + err.Error())
	}

	// User headers pass through verbatim except the reserved set.
	if run.Payload != nil {
		for k, v := range run.Payload.Headers {
			if reservedHeader(k) {
				continue
			}
			req.Header.Set(k, v)
		}
		if run.Payload.ContentType != "" {
			req.Header.Set("Content-Type", run.Payload.ContentType)
		}
	}
	req.Header.Set(HeaderDeliveryId, string(run.ID))
	req.Header.Set(HeaderAttemptNum, strconv.Itoa(attemptNum))

	host := hostOf(webhook.URL)
	start := time.Now()
	resp, err := e.breaker.Execute(host, func() (*http.Response, error) {
		return e.client.Do(req) //nolint:bodyclose // closed below after the cap read
	})
	latency := time.Since(start)

	if err != nil {
		return domain.AttemptStatusFailed, domain.WebhookAttemptDetails{
			ResponseLatency: latency,
			ErrorMessage:    classifyAttemptError(err),
		}
	}
	defer resp.Body.Close()

	e.drainCapped(resp)

	code := resp.StatusCode
	details := domain.WebhookAttemptDetails{
		ResponseCode:    &code,
		ResponseLatency: latency,
	}
	if details.IsSuccess() {
		return domain.AttemptStatusSucceeded, details
	}
	return domain.AttemptStatusFailed, details
}

// drainCapped reads and discards at most the configured cap. A declared
// Content-Length beyond the cap skips the read entirely.
func (e *WebhookExecutor) drainCapped(resp *http.Response) {
	if resp.ContentLength > e.cfg.ResponseBodyCapBytes {
		return
	}
	_, _ = io.CopyN(io.Discard, resp.Body, e.cfg.ResponseBodyCapBytes)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Hostname()
}

// classifyAttemptError maps transport failures to the short, stable
// messages stored on attempt rows.
func classifyAttemptError(err error) string {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "endpoint circuit open"
	case domain.IsKind(err, domain.ErrBlockedPrivateIP):
		return "blocked_private_ip: " + err.Error()
	case domain.IsKind(err, domain.ErrUnsafeScheme):
		return err.Error()
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return "request timeout"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return "connection failed"
	}
	return "request failed: " + err.Error()
}
