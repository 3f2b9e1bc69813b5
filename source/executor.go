package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"streamfetch/internal"
)

// RetryPolicy bounds the retry loop around one logical request.
type RetryPolicy struct {
	MaxAttempts    int
	PerCallTimeout time.Duration
	TransientDelay time.Duration
}

// DefaultRetryPolicy matches the budget the backends were tuned against: ten
// attempts, thirty-second calls, a one second pause after transport faults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    10,
		PerCallTimeout: 30 * time.Second,
		TransientDelay: time.Second,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.MaxAttempts > 10 {
		p.MaxAttempts = 10
	}
	if p.PerCallTimeout <= 0 {
		p.PerCallTimeout = 30 * time.Second
	}
	if p.TransientDelay <= 0 {
		p.TransientDelay = time.Second
	}
	return p
}

// Executor issues one logical API call: take a gate permit, stamp the bearer
// token, classify the response, retry per policy. Every metadata endpoint of
// a backend goes through here so the policy lives in a single place.
//
// The permit is held for the duration of one attempt only. Backoff and
// transient sleeps happen with no permit held, so a stalled caller cannot
// park a concurrency slot for the whole retry window.
type Executor struct {
	backend string
	client  *http.Client
	gate    *RateGate
	auth    *AuthManager
	policy  RetryPolicy
	logger  zerolog.Logger
}

// NewExecutor wires the retry loop to one backend's gate and auth session.
func NewExecutor(backend string, client *http.Client, gate *RateGate, auth *AuthManager, policy RetryPolicy, logger zerolog.Logger) *Executor {
	return &Executor{
		backend: backend,
		client:  client,
		gate:    gate,
		auth:    auth,
		policy:  policy.normalized(),
		logger:  logger.With().Str("backend", backend).Logger(),
	}
}

// Get fetches rawURL with query appended and returns the response body.
// Throttling and expired tokens are recovered internally; terminal errors
// carry their classification.
func (e *Executor) Get(ctx context.Context, rawURL string, query url.Values) ([]byte, error) {
	var lastErr error

	// One forced refresh per logical request; a second 401 is fatal.
	refreshed := false

	for attempt := 0; attempt < e.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			e.logger.Debug().Int("attempt", attempt+1).Str("url", rawURL).Msg("retrying request")
		}

		body, retry, err := e.attempt(ctx, rawURL, query, attempt, &refreshed)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !retry {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", e.policy.MaxAttempts, lastErr)
}

// attempt runs one gated call. The bool reports whether the failure is worth
// another attempt.
func (e *Executor) attempt(ctx context.Context, rawURL string, query url.Values, attempt int, refreshed *bool) ([]byte, bool, error) {
	release, err := e.gate.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}

	token, gen, err := e.auth.Token(ctx)
	if err != nil {
		release()
		if internal.IsKind(err, internal.ErrAuthFatal) {
			return nil, false, err
		}
		e.sleep(ctx, e.policy.TransientDelay)
		return nil, true, err
	}

	status, header, body, err := e.roundTrip(ctx, rawURL, query, token)
	release()

	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		e.logger.Debug().Err(err).Str("url", rawURL).Msg("transport error")
		e.sleep(ctx, e.policy.TransientDelay)
		return nil, true, internal.NewTransientError("request", err).WithBackend(e.backend).WithURL(rawURL)
	}

	switch {
	case status >= 200 && status < 300:
		return body, false, nil

	case status == http.StatusTooManyRequests:
		hint := retryAfterHint(header)
		e.gate.ReportRateLimited(attempt, hint)
		// No sleep here: the next Acquire waits out the cooldown
		return nil, true, internal.NewThrottledError(hint).WithBackend(e.backend).WithURL(rawURL)

	case status == http.StatusUnauthorized:
		if *refreshed {
			return nil, false, internal.NewAuthFatalError("token rejected again after refresh").WithBackend(e.backend)
		}
		*refreshed = true
		e.logger.Warn().Str("url", rawURL).Msg("access token rejected, refreshing")
		if err := e.auth.ForceRefresh(ctx, gen); err != nil {
			return nil, false, err
		}
		return nil, true, internal.NewAuthExpiredError("access token rejected").WithBackend(e.backend).WithURL(rawURL)

	case status == http.StatusNotFound:
		return nil, false, internal.NewBackendError(internal.ErrNotStreamable, "resource not found").
			WithStatus(status).WithBackend(e.backend).WithURL(rawURL)

	case status >= 500:
		e.logger.Debug().Int("status", status).Str("url", rawURL).Msg("server error")
		e.sleep(ctx, e.policy.TransientDelay)
		return nil, true, internal.NewBackendError(internal.ErrTransient, "server error").
			WithStatus(status).WithBackend(e.backend).WithURL(rawURL)

	default:
		return nil, false, internal.NewBackendError(internal.ErrDecode, errorSnippet(body)).
			WithStatus(status).WithBackend(e.backend).WithURL(rawURL)
	}
}

// roundTrip performs the HTTP exchange for one attempt under the per-call
// timeout and returns the fully read body. The caller holds the gate permit
// across this call and releases it right after.
func (e *Executor) roundTrip(ctx context.Context, rawURL string, query url.Values, token string) (int, http.Header, []byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.policy.PerCallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, nil, nil, err
	}
	if len(query) > 0 {
		req.URL.RawQuery = query.Encode()
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, err
	}
	return resp.StatusCode, resp.Header, body, nil
}

// sleep pauses for d unless the context ends first.
func (e *Executor) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// retryAfterHint parses the Retry-After header as a second count. Zero means
// no usable hint.
func retryAfterHint(header http.Header) time.Duration {
	raw := header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// errorSnippet trims a response body down to something log-friendly.
func errorSnippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		return "unexpected response"
	}
	return s
}
