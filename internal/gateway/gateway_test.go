package gateway

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydev/relay/internal/common/config"
	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/flowlog"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c := New(config.ServicesConfig{
		BaseURLs:          map[string]string{"svc": baseURL},
		MaxInFlight:       4,
		RequestTimeoutSec: 5,
	}, nil, nil, logger.Default())
	c.baseDelay = time.Millisecond
	return c
}

func TestDoSuccess(t *testing.T) {
	var gotIdem, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIdem = r.Header.Get(HeaderIdempotencyKey)
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": 7}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	resp, err := c.Do(context.Background(), Request{
		Service:        "svc",
		InstallationID: "inst-1",
		Method:         "POST",
		Path:           "/comments",
		Body:           map[string]string{"body": "done"},
		IdempotencyKey: "task-1",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.JSONEq(t, `{"id": 7}`, string(resp.Body))
	assert.Equal(t, "task-1", gotIdem)
	assert.Empty(t, gotAuth)
}

func TestDoRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	resp, err := c.Do(context.Background(), Request{Service: "svc", Method: "GET", Path: "/"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Do(context.Background(), Request{Service: "svc", Method: "GET", Path: "/"})
	assert.ErrorIs(t, err, ErrServiceUnavailable)
	assert.Equal(t, int32(maxAttempts), calls.Load())
}

func TestDoDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	statuses := map[string]int{
		"/auth":    http.StatusUnauthorized,
		"/missing": http.StatusNotFound,
		"/bad":     http.StatusUnprocessableEntity,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(statuses[r.URL.Path])
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	_, err := c.Do(ctx, Request{Service: "svc", Method: "GET", Path: "/auth"})
	assert.ErrorIs(t, err, ErrAuthFailed)
	_, err = c.Do(ctx, Request{Service: "svc", Method: "GET", Path: "/missing"})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.Do(ctx, Request{Service: "svc", Method: "GET", Path: "/bad"})
	assert.ErrorIs(t, err, ErrBadRequest)

	// One call each; none retried.
	assert.Equal(t, int32(3), calls.Load())
}

func TestBreakerOpensPerInstallation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	for i := 0; i < breakerFailures; i++ {
		_, err := c.Do(ctx, Request{Service: "svc", InstallationID: "inst-bad", Method: "GET", Path: "/x"})
		assert.ErrorIs(t, err, ErrNotFound)
	}

	// Open circuit short-circuits without reaching the server.
	_, err := c.Do(ctx, Request{Service: "svc", InstallationID: "inst-bad", Method: "GET", Path: "/x"})
	assert.ErrorIs(t, err, ErrServiceUnavailable)

	// A different installation still gets through.
	_, err = c.Do(ctx, Request{Service: "svc", InstallationID: "inst-good", Method: "GET", Path: "/x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBreakerCountsAttempts(t *testing.T) {
	// Each retry attempt passes through the breaker, so a flapping service
	// trips it mid-loop instead of after whole calls.
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	_, err := c.Do(ctx, Request{Service: "svc", InstallationID: "inst-flap", Method: "GET", Path: "/x"})
	assert.ErrorIs(t, err, ErrServiceUnavailable)
	assert.Equal(t, int32(maxAttempts), calls.Load())

	// The fifth consecutive failure opens the circuit on the first attempt
	// of the next call; the remaining attempts short-circuit.
	_, err = c.Do(ctx, Request{Service: "svc", InstallationID: "inst-flap", Method: "GET", Path: "/x"})
	assert.ErrorIs(t, err, ErrServiceUnavailable)
	assert.Equal(t, int32(maxAttempts+1), calls.Load())
}

func TestDoWritesServiceFlow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	root := t.TempDir()
	flows := flowlog.NewRegistry(root, logger.Default())
	c := New(config.ServicesConfig{
		BaseURLs:          map[string]string{"svc": srv.URL},
		MaxInFlight:       4,
		RequestTimeoutSec: 5,
	}, flows, nil, logger.Default())
	c.baseDelay = time.Millisecond

	_, err := c.Do(context.Background(), Request{
		Service: "svc", Method: "GET", Path: "/x", TaskID: "task-flow",
	})
	require.NoError(t, err)
	flows.Close("task-flow")

	raw, err := os.ReadFile(filepath.Join(root, "tasks", "task-flow", flowlog.StreamService))
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimSpace(raw), []byte("\n"))
	require.Len(t, lines, 2)
	assert.Contains(t, string(lines[0]), `"service_call"`)
	assert.Contains(t, string(lines[1]), `"service_response"`)
}

func TestDoUnknownService(t *testing.T) {
	c := newTestClient(t, "http://unused")
	_, err := c.Do(context.Background(), Request{Service: "nope", Method: "GET", Path: "/"})
	assert.ErrorIs(t, err, ErrBadRequest)
}
