package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/internal/domain"
)

func retryServer(t *testing.T, h http.HandlerFunc) (*httptest.Server, func() (*http.Request, error)) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, func() (*http.Request, error) {
		return http.NewRequest(http.MethodPost, srv.URL+"/api/generate", nil)
	}
}

func TestDoWithRetry_ClientErrorCarriesOllamaMessage(t *testing.T) {
	var calls atomic.Int32
	srv, build := retryServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid image data"}`))
	})

	_, err := doWithRetry(context.Background(), srv.Client(), build, testLogger())
	require.ErrorIs(t, err, domain.ErrBackendUnavailable)

	var serr *statusError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, http.StatusBadRequest, serr.Status)
	assert.Equal(t, "invalid image data", serr.Message)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDoWithRetry_HonoursRetryAfter(t *testing.T) {
	fastBackoff(t)
	var calls atomic.Int32
	var first, gap atomic.Int64
	srv, build := retryServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			first.Store(time.Now().UnixNano())
			w.Header().Set("Retry-After", "20")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		gap.Store(time.Now().UnixNano() - first.Load())
		w.WriteHeader(http.StatusOK)
	})

	resp, err := doWithRetry(context.Background(), srv.Client(), build, testLogger())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, int32(2), calls.Load())
	assert.GreaterOrEqual(t, time.Duration(gap.Load()), 20*backoffUnit)
}

func TestDoWithRetry_ExhaustedKeepsLastStatus(t *testing.T) {
	fastBackoff(t)
	srv, build := retryServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})

	_, err := doWithRetry(context.Background(), srv.Client(), build, testLogger())
	require.ErrorIs(t, err, domain.ErrBackendUnavailable)
	var serr *statusError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, http.StatusServiceUnavailable, serr.Status)
	assert.Equal(t, "overloaded", serr.Message)
}

func TestDoWithRetry_CancelledIsUnavailable(t *testing.T) {
	srv, build := retryServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := doWithRetry(ctx, srv.Client(), func() (*http.Request, error) {
		req, err := build()
		if err != nil {
			return nil, err
		}
		return req.WithContext(ctx), nil
	}, testLogger())
	require.ErrorIs(t, err, domain.ErrBackendUnavailable)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "backend_unavailable", domain.ErrorKind(err))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 5*backoffUnit, parseRetryAfter("5"))
	assert.Equal(t, maxRetryAfter*backoffUnit, parseRetryAfter("3600"))
	assert.Zero(t, parseRetryAfter(""))
	assert.Zero(t, parseRetryAfter("-1"))
	assert.Zero(t, parseRetryAfter("Wed, 21 Oct 2015 07:28:00 GMT"))
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "model 'x' not found", errorMessage([]byte(`{"error":"model 'x' not found"}`)))
	assert.Equal(t, "plain failure", errorMessage([]byte("plain failure\n")))
}
