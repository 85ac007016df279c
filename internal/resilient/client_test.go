package resilient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedSleeps struct {
	delays []time.Duration
}

func (r *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// newFlakyServer returns 429 for the first `failures` requests and 200 afterwards.
func newFlakyServer(failures int32, calls *int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(calls, 1)
		if n <= failures {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}))
}

func TestClient_Send_RetryBound(t *testing.T) {
	tests := []struct {
		name          string
		failures      int32
		expectCalls   int32
		expectErr     bool
		expectedSleep []time.Duration
	}{
		{
			name:        "succeeds first time",
			failures:    0,
			expectCalls: 1,
		},
		{
			name:          "one rate limit",
			failures:      1,
			expectCalls:   2,
			expectedSleep: []time.Duration{time.Second},
		},
		{
			name:          "rate limited up to the budget",
			failures:      3,
			expectCalls:   4,
			expectedSleep: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		},
		{
			name:          "rate limited beyond the budget",
			failures:      10,
			expectCalls:   4,
			expectErr:     true,
			expectedSleep: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			server := newFlakyServer(tt.failures, &calls)
			defer server.Close()

			sleeps := &recordedSleeps{}
			client := NewClient(quietLogger(), WithSleeper(sleeps.sleep))

			req, err := http.NewRequest(http.MethodPost, server.URL, strings.NewReader(`{"fields":{}}`))
			require.NoError(t, err)

			resp, err := client.Send(context.Background(), req)
			assert.Equal(t, tt.expectCalls, atomic.LoadInt32(&calls))
			assert.Equal(t, tt.expectedSleep, sleeps.delays)

			if tt.expectErr {
				require.Error(t, err)
				var upstream *UpstreamUnavailableError
				require.True(t, errors.As(err, &upstream))
				assert.Equal(t, 4, upstream.Attempts)
				assert.Equal(t, http.StatusTooManyRequests, upstream.StatusCode)
				return
			}

			require.NoError(t, err)
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			assert.Equal(t, `{"fields":{}}`, string(body), "body should be replayed on every attempt")
		})
	}
}

func TestClient_Send_DoesNotRetryOtherErrors(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError, http.StatusServiceUnavailable} {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"type":"X","message":"nope"}}`))
		}))

		sleeps := &recordedSleeps{}
		client := NewClient(quietLogger(), WithSleeper(sleeps.sleep))
		req, _ := http.NewRequest(http.MethodGet, server.URL, nil)

		resp, err := client.Send(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, status, resp.StatusCode)
		resp.Body.Close()
		assert.Equal(t, int32(1), calls)
		assert.Empty(t, sleeps.delays)
		server.Close()
	}
}

type failingDoer struct {
	calls int
	err   error
}

func (d *failingDoer) Do(*http.Request) (*http.Response, error) {
	d.calls++
	return nil, d.err
}

func TestClient_Send_NetworkErrorsExhaustBudget(t *testing.T) {
	doer := &failingDoer{err: errors.New("connection reset by peer")}
	sleeps := &recordedSleeps{}
	var observed []string
	client := NewClient(quietLogger(),
		WithDoer(doer),
		WithSleeper(sleeps.sleep),
		WithMaxRetries(2),
		WithRetryObserver(func(reason string) { observed = append(observed, reason) }),
	)

	req, _ := http.NewRequest(http.MethodGet, "http://store.invalid/records", nil)
	_, err := client.Send(context.Background(), req)

	require.Error(t, err)
	var upstream *UpstreamUnavailableError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, 3, upstream.Attempts)
	assert.Equal(t, 3, doer.calls)
	assert.ErrorIs(t, err, doer.err)
	assert.Equal(t, []string{"network_error", "network_error"}, observed)
}

func TestClient_Delays_CappedSchedule(t *testing.T) {
	client := NewClient(quietLogger(), WithMaxRetries(5))
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second,
	}, client.Delays())
}

func TestClient_Send_ContextCancelledDuringWait(t *testing.T) {
	var calls int32
	server := newFlakyServer(10, &calls)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	client := NewClient(quietLogger(), WithSleeper(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	_, err := client.Send(ctx, req)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
