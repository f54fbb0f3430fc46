// Package gateway is the single egress path for calls to provider APIs.
// Every outbound request gets retries, per-installation circuit breaking,
// a global in-flight cap, and a flow log record.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/relaydev/relay/internal/common/config"
	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/flowlog"
	"github.com/relaydev/relay/internal/installation"
)

// Errors calls are classified into. Callers branch on these to decide
// whether a failure is retryable at the task level.
var (
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrAuthFailed         = errors.New("service auth failed")
	ErrNotFound           = errors.New("service resource not found")
	ErrBadRequest         = errors.New("service rejected request")
	ErrTimeout            = errors.New("service request timed out")
)

// Retry policy. Delays use decorrelated jitter so synchronized workers
// don't hammer a recovering service in lockstep.
const (
	maxAttempts = 4
	retryBase   = 500 * time.Millisecond
	retryCap    = 10 * time.Second
)

// Breaker policy: open after 5 consecutive failures, probe after 30s.
const (
	breakerFailures = 5
	breakerInterval = 60 * time.Second
	breakerTimeout  = 30 * time.Second
)

// HeaderIdempotencyKey carries the caller's dedup key to the service.
const HeaderIdempotencyKey = "Idempotency-Key"

// Request describes one outbound service call.
type Request struct {
	Service        string
	InstallationID string
	Method         string
	Path           string
	Body           any
	Headers        map[string]string
	IdempotencyKey string
	TaskID         string
}

// Response is the raw outcome of a successful call.
type Response struct {
	Status int
	Body   []byte
}

// CredentialSource resolves the access token for an installation. Calls
// without a resolvable installation go out unauthenticated.
type CredentialSource interface {
	Get(ctx context.Context, installationID string) (*installation.Installation, error)
}

// Client is the shared egress client.
type Client struct {
	httpc    *http.Client
	baseURLs map[string]string
	sem      *semaphore.Weighted
	flows    *flowlog.Registry
	creds    CredentialSource
	log      *logger.Logger

	// baseDelay seeds the retry jitter; shrunk in tests.
	baseDelay time.Duration

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New creates a gateway client from service configuration.
func New(cfg config.ServicesConfig, flows *flowlog.Registry, creds CredentialSource, log *logger.Logger) *Client {
	return &Client{
		httpc:     &http.Client{Timeout: cfg.RequestTimeout()},
		baseURLs:  cfg.BaseURLs,
		sem:       semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		flows:     flows,
		creds:     creds,
		log:       log.WithFields(zap.String("component", "gateway")),
		baseDelay: retryBase,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
}

// breaker returns the circuit breaker for a (service, installation) pair so
// one misbehaving installation cannot open the circuit for everyone.
func (c *Client) breaker(service, installationID string) *gobreaker.CircuitBreaker {
	key := service + ":" + installationID
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[key]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     key,
		Interval: breakerInterval,
		Timeout:  breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	c.breakers[key] = cb
	return cb
}

// Do performs a service call with the full policy stack applied.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	return c.doWithRetry(ctx, req, c.breaker(req.Service, req.InstallationID))
}

// doWithRetry retries transient failures with decorrelated jitter. The
// breaker sits inside the loop so it counts individual attempts and can
// open mid-retry.
func (c *Client) doWithRetry(ctx context.Context, req Request, cb *gobreaker.CircuitBreaker) (*Response, error) {
	delay := c.baseDelay
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err := cb.Execute(func() (any, error) {
			return c.doOnce(ctx, req, attempt)
		})
		if err == nil {
			return res.(*Response), nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: breaker open for %s", ErrServiceUnavailable, req.Service)
		}
		lastErr = err
		if !retryable(err) || attempt == maxAttempts {
			return nil, err
		}

		// delay = min(cap, uniform(base, prev*3))
		next := c.baseDelay + time.Duration(rand.Int64N(int64(delay*3-c.baseDelay)))
		if next > retryCap {
			next = retryCap
		}
		delay = next
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, req Request, attempt int) (*Response, error) {
	base, ok := c.baseURLs[req.Service]
	if !ok {
		return nil, fmt.Errorf("%w: no base url for service %s", ErrBadRequest, req.Service)
	}

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: marshal body: %v", ErrBadRequest, err)
		}
		body = bytes.NewReader(data)
	}

	url := strings.TrimRight(base, "/") + req.Path
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.creds != nil && req.InstallationID != "" {
		if inst, err := c.creds.Get(ctx, req.InstallationID); err == nil && inst.AccessToken != "" {
			httpReq.Header.Set("Authorization", "Bearer "+inst.AccessToken)
		}
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set(HeaderIdempotencyKey, req.IdempotencyKey)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	c.flowEvent(req, "service_call", map[string]any{
		"service": req.Service,
		"method":  req.Method,
		"path":    req.Path,
		"attempt": attempt,
	})

	start := time.Now()
	httpResp, err := c.httpc.Do(httpReq)
	elapsed := time.Since(start)

	status := 0
	var respBody []byte
	var callErr error
	if err != nil {
		callErr = classifyTransport(ctx, err)
	} else {
		status = httpResp.StatusCode
		respBody, _ = io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
		httpResp.Body.Close()
		callErr = classifyStatus(status)
	}
	c.logCall(req, attempt, status, elapsed, callErr)

	if callErr != nil {
		return nil, callErr
	}
	return &Response{Status: status, Body: respBody}, nil
}

// flowEvent appends to the task's service flow journal when the call is
// tied to a task.
func (c *Client) flowEvent(req Request, name string, fields map[string]any) {
	if req.TaskID == "" || c.flows == nil {
		return
	}
	c.flows.Open(req.TaskID).Event(flowlog.StreamService, name, fields)
}

// logCall records the attempt outcome in the task's service flow journal.
func (c *Client) logCall(req Request, attempt, status int, elapsed time.Duration, callErr error) {
	fields := map[string]any{
		"service":     req.Service,
		"method":      req.Method,
		"path":        req.Path,
		"attempt":     attempt,
		"status":      status,
		"duration_ms": elapsed.Milliseconds(),
	}
	name := "service_response"
	if callErr != nil {
		name = "service_error"
		fields["error"] = callErr.Error()
	}
	c.flowEvent(req, name, fields)
	c.log.Debug("service request",
		zap.String("service", req.Service),
		zap.String("path", req.Path),
		zap.Int("status", status),
		zap.Int("attempt", attempt),
		zap.Duration("elapsed", elapsed),
		zap.Error(callErr))
}

// classifyStatus maps an HTTP status to the gateway error taxonomy. Nil
// means success.
func classifyStatus(status int) error {
	switch {
	case status < 400:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrAuthFailed, status)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: status %d", ErrNotFound, status)
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrServiceUnavailable, status)
	case status >= 500:
		return fmt.Errorf("%w: status %d", ErrServiceUnavailable, status)
	default:
		return fmt.Errorf("%w: status %d", ErrBadRequest, status)
	}
}

func classifyTransport(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
}

// retryable reports whether a classified error is worth another attempt.
func retryable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) || errors.Is(err, ErrTimeout)
}
