package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Config holds HTTP client configuration.
type Config struct {
	Timeout         time.Duration
	MaxRetries      int
	RetryWaitMin    time.Duration
	RetryWaitMax    time.Duration
	MaxConnsPerHost int
}

// DefaultConfig suits idempotent reads against internal services.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		MaxRetries:      3,
		RetryWaitMin:    time.Second,
		RetryWaitMax:    5 * time.Second,
		MaxConnsPerHost: 100,
	}
}

// Client is an http.Client with pooled connections and bounded retries of
// network errors and 5xx responses. Requests whose body cannot be replayed
// (no GetBody) are sent once.
type Client struct {
	httpClient *http.Client
	config     Config
}

func New(cfg Config) *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   cfg.MaxConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	return &Client{
		httpClient: &http.Client{Transport: transport, Timeout: cfg.Timeout},
		config:     cfg,
	}
}

func (c *Client) retryBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.RetryWaitMin
	b.MaxInterval = c.config.RetryWaitMax
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	return b
}

// Do sends req. The final 5xx response, if retries run out, is returned to
// the caller as a response rather than an error.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	maxTries := c.config.MaxRetries + 1
	if maxTries < 1 || (req.Body != nil && req.Body != http.NoBody && req.GetBody == nil) {
		maxTries = 1
	}

	attempt := 0
	op := func() (*http.Response, error) {
		attempt++
		attemptReq := req.Clone(ctx)
		if attempt > 1 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, backoff.Permanent(fmt.Errorf("rewind request body: %w", err))
			}
			attemptReq.Body = body
		}

		resp, err := c.httpClient.Do(attemptReq)
		if err != nil {
			if isRetryableError(err) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}

		if retryableStatus(resp.StatusCode) && attempt < maxTries {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			return nil, fmt.Errorf("server returned %d", resp.StatusCode)
		}
		return resp, nil
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(c.retryBackOff()),
		backoff.WithMaxTries(uint(maxTries)),
	)
	if err != nil {
		return nil, fmt.Errorf("http request failed after %d attempts: %w", attempt, err)
	}
	return resp, nil
}

func retryableStatus(status int) bool {
	return status >= 500 && status != http.StatusNotImplemented
}

// isRetryableError reports network failures other than caller cancellation.
func isRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
