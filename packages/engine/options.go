package engine

import (
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/apicize/apicize-go/packages/apicize"
)

const (
	// DefaultTimeout is the per-attempt timeout when neither the spec nor the
	// engine configures one.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxRedirects bounds the redirect chain per attempt.
	DefaultMaxRedirects = 10
	// DefaultConcurrency is the batch fan-out when parallel execution is on.
	DefaultConcurrency = 5
)

// Option configures an Engine.
type Option func(*Engine)

// WithTransport replaces the net/http transport, typically with a test
// double.
func WithTransport(t Transport) Option {
	return func(e *Engine) {
		e.transport = t
	}
}

// WithDefaultTimeout sets the per-attempt timeout used when a spec does not
// carry its own.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// WithMaxRedirects sets the redirect hop limit used when a spec does not
// carry its own.
func WithMaxRedirects(max int) Option {
	return func(e *Engine) {
		if max >= 0 {
			e.maxRedirects = max
		}
	}
}

// WithRetryPolicy configures retry eligibility, backoff and the circuit
// breaker.
func WithRetryPolicy(cfg apicize.HandlerConfig) Option {
	return func(e *Engine) {
		e.handlerConfig = cfg
	}
}

// WithParallel enables concurrent batch execution with the given fan-out.
// Sequential execution remains the default so backoff delays stay
// well-ordered against a failing destination.
func WithParallel(concurrency int) Option {
	return func(e *Engine) {
		e.parallel = true
		if concurrency > 0 {
			e.concurrency = concurrency
		}
	}
}

// WithRateLimit throttles transport sends with a token bucket.
func WithRateLimit(rps float64, burst int) Option {
	return func(e *Engine) {
		e.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger enables debug logging of attempts, retries and breaker events.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithHeaderContributor installs a source of pre-resolved headers (for
// example from an auth provider) merged into every request beneath
// caller-supplied headers.
func WithHeaderContributor(contributor func() map[string]string) Option {
	return func(e *Engine) {
		e.contributor = contributor
	}
}

// WithValidateSSL toggles TLS certificate verification on the default
// transport.
func WithValidateSSL(validate bool) Option {
	return func(e *Engine) {
		e.validateSSL = validate
	}
}

// WithDefaultHeader adds a library-default request header.
func WithDefaultHeader(name, value string) Option {
	return func(e *Engine) {
		e.defaultHeaders[name] = value
	}
}
