package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"relaybot/internal/domain"
)

const (
	maxRetries = 3
	// maxRetryAfter caps a server-requested wait, in backoff units.
	maxRetryAfter = 30
	maxErrorBody  = 4096
)

// backoffUnit scales the quadratic retry delay; tests shrink it.
var backoffUnit = time.Second

// statusError is a non-2xx answer from the backend. Message is Ollama's
// {"error": "..."} text when the body carries one.
type statusError struct {
	Status     int
	Message    string
	retryAfter time.Duration
}

func (e *statusError) Error() string {
	return fmt.Sprintf("ollama returned %d: %s", e.Status, e.Message)
}

func (e *statusError) retryable() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// doWithRetry sends the request from buildReq until the backend answers 2xx.
// Network failures, 5xx and 429 are retried with jittered quadratic backoff
// (or the server's Retry-After); other statuses fail at once. Every error it
// returns wraps domain.ErrBackendUnavailable, cancellation included.
func doWithRetry(ctx context.Context, client *http.Client, buildReq func() (*http.Request, error), logger *slog.Logger) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			wait := backoff(attempt, lastErr)
			logger.Warn("retrying backend request", "attempt", attempt+1, "backoff", wait, "err", lastErr)
			select {
			case <-ctx.Done():
				return nil, unavailable(ctx.Err())
			case <-time.After(wait):
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, unavailable(ctx.Err())
			}
			lastErr = err
			continue
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		serr := readStatusError(resp)
		if !serr.retryable() {
			return nil, unavailable(serr)
		}
		lastErr = serr
	}

	return nil, unavailable(fmt.Errorf("gave up after %d attempts: %w", maxRetries+1, lastErr))
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", domain.ErrBackendUnavailable, err)
}

// backoff is attempt² units plus up to half again of jitter, unless the last
// answer asked for a specific wait.
func backoff(attempt int, lastErr error) time.Duration {
	if serr, ok := lastErr.(*statusError); ok && serr.retryAfter > 0 {
		return serr.retryAfter
	}
	base := time.Duration(attempt*attempt) * backoffUnit
	return base + time.Duration(rand.Int63n(int64(base/2+1)))
}

func readStatusError(resp *http.Response) *statusError {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &statusError{
		Status:     resp.StatusCode,
		Message:    errorMessage(body),
		retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

func errorMessage(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(body))
}

// parseRetryAfter reads the delay-seconds form only. HTTP dates fall back to
// the computed backoff.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(min(secs, maxRetryAfter)) * backoffUnit
}
