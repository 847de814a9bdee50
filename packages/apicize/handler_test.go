package apicize

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"context canceled", context.Canceled, CodeAbort},
		{"deadline exceeded", context.DeadlineExceeded, CodeTimeout},
		{"wrapped cancel", fmt.Errorf("doing thing: %w", context.Canceled), CodeAbort},
		{"dns error", &net.DNSError{Err: "no such host", Name: "example.com"}, CodeNetwork},
		{"op error", &net.OpError{Op: "dial", Err: errors.New("refused")}, CodeNetwork},
		{"abort substring", errors.New("request aborted by peer"), CodeAbort},
		{"timeout substring", errors.New("i/o timeout"), CodeTimeout},
		{"connection substring", errors.New("connection reset"), CodeNetwork},
		{"dns substring", errors.New("dns failure"), CodeNetwork},
		{"unclassifiable", errors.New("mystery"), CodeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyCode(tt.err))
		})
	}
}

func TestHandler_ErrorConstruction(t *testing.T) {
	h := NewHandler(DefaultHandlerConfig())

	t.Run("network", func(t *testing.T) {
		e := h.HandleNetworkError(errors.New("connection refused"), "https://api.example.com")
		assert.Equal(t, CodeNetwork, e.Code)
		assert.Equal(t, SeverityMedium, e.Severity)
		assert.NotEmpty(t, e.Suggestions)
		assert.Equal(t, "https://api.example.com", e.Context["destination"])
	})

	t.Run("timeout", func(t *testing.T) {
		e := h.HandleTimeoutError(context.DeadlineExceeded, "https://api.example.com", 2*time.Second)
		assert.Equal(t, CodeTimeout, e.Code)
		assert.Equal(t, SeverityMedium, e.Severity)
		assert.Equal(t, "2s", e.Context["timeout"])
		assert.NotEmpty(t, e.Suggestions)
	})

	t.Run("abort never retryable", func(t *testing.T) {
		e := h.HandleAbortError(context.Canceled, "https://api.example.com")
		assert.Equal(t, CodeAbort, e.Code)
		assert.Equal(t, SeverityLow, e.Severity)
		assert.False(t, e.Retryable)
		assert.NotEmpty(t, e.Suggestions)
	})

	t.Run("http carries status", func(t *testing.T) {
		e := h.HandleHTTPError(503, "503 Service Unavailable", "https://api.example.com", "https://api.example.com/orders")
		assert.Equal(t, CodeHTTP, e.Code)
		assert.Equal(t, 503, e.StatusCode)
		assert.Equal(t, "https://api.example.com", e.Context["destination"])
		assert.Equal(t, "https://api.example.com/orders", e.Context["url"])
		assert.Contains(t, e.Message, "https://api.example.com/orders")
		assert.NotEmpty(t, e.Suggestions)
	})
}

func TestHTTPSeverity(t *testing.T) {
	tests := []struct {
		status int
		want   Severity
	}{
		{401, SeverityHigh},
		{403, SeverityHigh},
		{429, SeverityMedium},
		{503, SeverityMedium},
		{500, SeverityHigh},
		{502, SeverityHigh},
		{404, SeverityMedium},
		{422, SeverityMedium},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, httpSeverity(tt.status), "status %d", tt.status)
	}
}

func TestHandler_IsRetryable(t *testing.T) {
	cfg := DefaultHandlerConfig()
	cfg.RetryEnabled = true
	cfg.MaxRetryAttempts = 3
	h := NewHandler(cfg)

	network := h.HandleNetworkError(errors.New("connection refused"), "https://a")
	timeout := h.HandleTimeoutError(context.DeadlineExceeded, "https://a", 0)
	abort := h.HandleAbortError(context.Canceled, "https://a")

	assert.True(t, h.IsRetryable(network, 1))
	assert.True(t, h.IsRetryable(timeout, 2))
	assert.False(t, h.IsRetryable(network, 3), "attempt at budget is not retried")
	assert.False(t, h.IsRetryable(abort, 1))
	assert.False(t, h.IsRetryable(ConfigError("bad spec"), 1))

	t.Run("http status set", func(t *testing.T) {
		for _, status := range []int{429, 500, 502, 503, 504} {
			e := h.HandleHTTPError(status, fmt.Sprintf("%d", status), "https://a", "https://a/x")
			assert.True(t, h.IsRetryable(e, 1), "status %d", status)
		}
		for _, status := range []int{400, 404, 501} {
			e := h.HandleHTTPError(status, fmt.Sprintf("%d", status), "https://a", "https://a/x")
			assert.False(t, h.IsRetryable(e, 1), "status %d", status)
		}
	})

	t.Run("globally disabled", func(t *testing.T) {
		off := NewHandler(DefaultHandlerConfig())
		assert.False(t, off.IsRetryable(network, 1))
	})

	t.Run("timeout retry disabled", func(t *testing.T) {
		c := cfg
		c.RetryOnTimeout = false
		hh := NewHandler(c)
		e := hh.HandleTimeoutError(context.DeadlineExceeded, "https://a", 0)
		assert.False(t, hh.IsRetryable(e, 1))
	})

	t.Run("network retry disabled", func(t *testing.T) {
		c := cfg
		c.RetryOnNetworkError = false
		hh := NewHandler(c)
		e := hh.HandleNetworkError(errors.New("connection refused"), "https://a")
		assert.False(t, hh.IsRetryable(e, 1))
	})

	t.Run("open breaker refuses retry for every error kind", func(t *testing.T) {
		c := cfg
		c.CircuitBreakerEnabled = true
		c.CircuitBreakerThreshold = 1
		hh := NewHandler(c)
		hh.RecordFailure("https://a.example.com")

		netErr := hh.HandleNetworkError(errors.New("connection refused"), "https://a.example.com")
		assert.False(t, hh.IsRetryable(netErr, 1))

		// The breaker map is keyed by scheme://host; an HTTP error built with
		// that key and the full URL in context must hit the same record.
		httpErr := hh.HandleHTTPError(500, "500 Internal Server Error",
			"https://a.example.com", "https://a.example.com/orders")
		assert.False(t, hh.IsRetryable(httpErr, 1))

		timeoutErr := hh.HandleTimeoutError(context.DeadlineExceeded, "https://a.example.com", 0)
		assert.False(t, hh.IsRetryable(timeoutErr, 1))
	})
}

func TestHandler_RetryDelay(t *testing.T) {
	cfg := DefaultHandlerConfig()
	cfg.RetryDelay = 100 * time.Millisecond
	cfg.RetryBackoffMultiplier = 2.0
	h := NewHandler(cfg)

	assert.Equal(t, 100*time.Millisecond, h.RetryDelay(1))
	assert.Equal(t, 200*time.Millisecond, h.RetryDelay(2))
	assert.Equal(t, 400*time.Millisecond, h.RetryDelay(3))

	// Monotone and capped.
	prev := time.Duration(0)
	for n := 1; n <= 20; n++ {
		d := h.RetryDelay(n)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", n)
		assert.LessOrEqual(t, d, MaxRetryDelay, "attempt %d", n)
		prev = d
	}
	assert.Equal(t, MaxRetryDelay, h.RetryDelay(30))
}

func TestHandler_CircuitBreakerWalk(t *testing.T) {
	cfg := DefaultHandlerConfig()
	cfg.CircuitBreakerEnabled = true
	cfg.CircuitBreakerThreshold = 3
	h := NewHandler(cfg)

	now := time.Now()
	h.now = func() time.Time { return now }

	key := "https://api.example.com"
	assert.Equal(t, BreakerClosed, h.CircuitBreakerState(key).Status)

	h.RecordFailure(key)
	h.RecordFailure(key)
	assert.Equal(t, BreakerClosed, h.CircuitBreakerState(key).Status)
	assert.Equal(t, 2, h.CircuitBreakerState(key).Failures)

	h.RecordFailure(key)
	assert.Equal(t, BreakerOpen, h.CircuitBreakerState(key).Status)

	// Still open inside the cooldown window.
	now = now.Add(BreakerCooldown - time.Second)
	assert.Equal(t, BreakerOpen, h.CircuitBreakerState(key).Status)

	// Half-open after the cooldown elapses, never straight to closed.
	now = now.Add(2 * time.Second)
	assert.Equal(t, BreakerHalfOpen, h.CircuitBreakerState(key).Status)

	// One success while half-open closes with a zero count.
	h.RecordSuccess(key)
	state := h.CircuitBreakerState(key)
	assert.Equal(t, BreakerClosed, state.Status)
	assert.Equal(t, 0, state.Failures)
}

func TestHandler_SuccessWhileClosedDecrements(t *testing.T) {
	cfg := DefaultHandlerConfig()
	cfg.CircuitBreakerThreshold = 5
	h := NewHandler(cfg)

	key := "https://flaky.example.com"
	h.RecordFailure(key)
	h.RecordFailure(key)
	h.RecordSuccess(key)
	assert.Equal(t, 1, h.CircuitBreakerState(key).Failures)
	h.RecordSuccess(key)
	h.RecordSuccess(key)
	assert.Equal(t, 0, h.CircuitBreakerState(key).Failures, "count floors at zero")
}

func TestHandler_ResetCircuitBreakers(t *testing.T) {
	cfg := DefaultHandlerConfig()
	cfg.CircuitBreakerThreshold = 1
	h := NewHandler(cfg)

	h.RecordFailure("https://a")
	require.Equal(t, BreakerOpen, h.CircuitBreakerState("https://a").Status)

	h.ResetCircuitBreakers()
	assert.Equal(t, BreakerClosed, h.CircuitBreakerState("https://a").Status)
	assert.Equal(t, 0, h.CircuitBreakerState("https://a").Failures)
}

func TestHandler_IndependentInstances(t *testing.T) {
	cfg := DefaultHandlerConfig()
	cfg.CircuitBreakerThreshold = 1
	a := NewHandler(cfg)
	b := NewHandler(cfg)

	a.RecordFailure("https://shared")
	assert.Equal(t, BreakerOpen, a.CircuitBreakerState("https://shared").Status)
	assert.Equal(t, BreakerClosed, b.CircuitBreakerState("https://shared").Status)
}

func TestHandler_RetryBudget(t *testing.T) {
	cfg := DefaultHandlerConfig()
	assert.Equal(t, 1, NewHandler(cfg).RetryBudget())

	cfg.RetryEnabled = true
	cfg.MaxRetryAttempts = 4
	assert.Equal(t, 4, NewHandler(cfg).RetryBudget())
}
