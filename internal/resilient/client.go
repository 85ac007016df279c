package resilient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
)

const (
	DefaultMaxRetries   = 3
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 5 * time.Second
	DefaultTimeout      = 30 * time.Second
)

// Doer executes a single HTTP request.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// RetryObserver is notified once per retry, e.g. to count retries.
type RetryObserver func(reason string)

// UpstreamUnavailableError is returned once the retry budget is spent on
// rate limiting or network failures.
type UpstreamUnavailableError struct {
	URL        string
	Attempts   int
	StatusCode int
	Err        error
}

func (e *UpstreamUnavailableError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream unavailable after %d attempts: %s returned HTTP %d", e.Attempts, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("upstream unavailable after %d attempts: %s: %v", e.Attempts, e.URL, e.Err)
}

func (e *UpstreamUnavailableError) Unwrap() error {
	return e.Err
}

// Client wraps an HTTP client with bounded retries for rate-limited
// endpoints. Only 429 responses and transport errors are retried; every
// other response is handed back to the caller untouched.
type Client struct {
	doer         Doer
	logger       *logrus.Logger
	maxRetries   int
	initialDelay time.Duration
	maxDelay     time.Duration
	sleep        Sleeper
	onRetry      RetryObserver
}

// Option configures a Client.
type Option func(*Client)

// WithMaxRetries sets the retry budget. Negative values are treated as zero.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n < 0 {
			n = 0
		}
		c.maxRetries = n
	}
}

// WithBackoff sets the first delay and the cap of the exponential schedule.
func WithBackoff(initial, max time.Duration) Option {
	return func(c *Client) {
		if initial > 0 {
			c.initialDelay = initial
		}
		if max > 0 {
			c.maxDelay = max
		}
	}
}

// WithDoer replaces the underlying HTTP client.
func WithDoer(d Doer) Option {
	return func(c *Client) {
		c.doer = d
	}
}

// WithSleeper replaces the sleep between attempts.
func WithSleeper(s Sleeper) Option {
	return func(c *Client) {
		c.sleep = s
	}
}

// WithRetryObserver registers a callback invoked before each retry.
func WithRetryObserver(o RetryObserver) Option {
	return func(c *Client) {
		c.onRetry = o
	}
}

// NewClient creates a resilient client. A nil logger gets a default one.
func NewClient(logger *logrus.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	c := &Client{
		doer:         &http.Client{Timeout: DefaultTimeout},
		logger:       logger,
		maxRetries:   DefaultMaxRetries,
		initialDelay: DefaultInitialDelay,
		maxDelay:     DefaultMaxDelay,
		sleep:        contextSleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MaxRetries returns the configured retry budget.
func (c *Client) MaxRetries() int {
	return c.maxRetries
}

// Send executes req with retries. The request must be safe to repeat. Its
// body is buffered so every attempt sends the same bytes.
func (c *Client) Send(ctx context.Context, req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to buffer request body: %w", err)
		}
	}

	schedule := c.newSchedule()
	url := req.URL.String()

	for attempt := 1; ; attempt++ {
		attemptReq := req.Clone(ctx)
		if body != nil {
			attemptReq.Body = io.NopCloser(bytes.NewReader(body))
			attemptReq.ContentLength = int64(len(body))
		}

		resp, err := c.doer.Do(attemptReq)
		retriesLeft := attempt <= c.maxRetries

		if err == nil && resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}

		if !retriesLeft {
			if err != nil {
				return nil, &UpstreamUnavailableError{URL: url, Attempts: attempt, Err: err}
			}
			drain(resp)
			return nil, &UpstreamUnavailableError{URL: url, Attempts: attempt, StatusCode: resp.StatusCode}
		}

		reason := "rate_limited"
		fields := logrus.Fields{
			"attempt":     attempt,
			"max_retries": c.maxRetries,
			"method":      req.Method,
			"url":         url,
		}
		if err != nil {
			reason = "network_error"
			fields["error"] = err.Error()
		} else {
			drain(resp)
			fields["status"] = resp.StatusCode
		}

		delay := schedule.NextBackOff()
		fields["delay_ms"] = delay.Milliseconds()
		fields["reason"] = reason
		c.logger.WithFields(fields).Warn("Retrying upstream request")
		if c.onRetry != nil {
			c.onRetry(reason)
		}

		if err := c.sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("retry wait interrupted: %w", err)
		}
	}
}

// Delays returns the wait before each retry, in order, for the configured
// budget.
func (c *Client) Delays() []time.Duration {
	schedule := c.newSchedule()
	delays := make([]time.Duration, c.maxRetries)
	for i := range delays {
		delays[i] = schedule.NextBackOff()
	}
	return delays
}

func (c *Client) newSchedule() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialDelay
	b.MaxInterval = c.maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func contextSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
