// Package pipeline implements podsub.Pipeline against the external
// generation service over HTTP. One Run call covers the whole generation:
// image creation, copywriting and marketplace publishing happen on the other
// side; this client only ships the request and decodes the outcome.
//
// Transient transport failures are retried here with exponential backoff.
// This is call-level retry, independent of the job queue's fixed-delay retry
// on top of it.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/config"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/contexts/ctxerr"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/podsub"
)

const (
	generatePath = "/v1/generate"
	healthPath   = "/healthz"

	initialBackoff     = 500 * time.Millisecond
	healthProbeTimeout = 5 * time.Second
)

// Client talks to the generation service. It is safe for concurrent use; the
// engine calls Run from multiple execution slots at once.
type Client struct {
	baseURL     string
	token       string
	maxAttempts int
	httpClient  *http.Client
	logger      log.Logger
}

// NewClient builds a Client from cfg. The base URL must parse.
func NewClient(cfg config.PipelineConfig, logger log.Logger) (*Client, error) {
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, ctxerr.Wrap(context.Background(), err, "parse pipeline url")
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Client{
		baseURL:     cfg.URL,
		token:       cfg.Token,
		maxAttempts: maxAttempts,
		httpClient:  &http.Client{Timeout: cfg.RequestTimeout},
		logger:      log.With(logger, "component", "pipeline-client"),
	}, nil
}

// Name identifies this dependency for circuit breakers and logs.
func (c *Client) Name() string { return "generation-pipeline" }

// Run posts the request and blocks until the service produced a result or
// the attempts are exhausted. Client errors (4xx) are permanent; network
// errors and 5xx responses are retried with exponential backoff until ctx is
// done or maxAttempts is reached.
func (c *Client) Run(ctx context.Context, req *podsub.GenerationRequest) (*podsub.GenerationResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "marshal generation request")
	}

	var result *podsub.GenerationResult
	attempt := 0
	op := func() error {
		attempt++
		res, err := c.post(ctx, body)
		if err != nil {
			if retryable(err) {
				level.Debug(c.logger).Log("msg", "pipeline call failed, will retry", "attempt", attempt, "err", err)
				return err
			}
			return backoff.Permanent(err)
		}
		result = res
		return nil
	}

	boff := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(initialBackoff),
		), uint64(c.maxAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(op, boff); err != nil {
		return nil, err
	}
	return result, nil
}

// post performs one HTTP attempt.
func (c *Client) post(ctx context.Context, body []byte) (*podsub.GenerationResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+generatePath, bytes.NewReader(body))
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "build pipeline request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &statusError{code: resp.StatusCode, body: string(msg)}
	}

	var result podsub.GenerationResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, ctxerr.Wrap(ctx, err, "decode generation result")
	}
	return &result, nil
}

// HealthCheck probes the service's health endpoint.
func (c *Client) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), healthProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("generation pipeline unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// statusError is a non-2xx response from the service.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("generation pipeline returned status %d", e.code)
	}
	return fmt.Sprintf("generation pipeline returned status %d: %s", e.code, e.body)
}

// retryable reports whether another attempt could plausibly succeed: network
// trouble and server-side errors, but never 4xx responses or a dead context.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= http.StatusInternalServerError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// url.Error wraps connection refused and friends.
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
