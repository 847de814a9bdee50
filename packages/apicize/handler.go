package apicize

import (
	"context"
	"errors"
	"math"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	// MaxRetryDelay caps exponential backoff growth.
	MaxRetryDelay = 30 * time.Second
	// BreakerCooldown is how long an open breaker stays open before the next
	// inspection moves it to half-open.
	BreakerCooldown = 60 * time.Second
)

// DefaultRetryStatuses are the HTTP statuses retried when the caller does not
// configure an explicit set.
var DefaultRetryStatuses = []int{429, 500, 502, 503, 504}

// BreakerStatus is the circuit breaker state for one destination.
type BreakerStatus string

const (
	BreakerClosed   BreakerStatus = "closed"
	BreakerOpen     BreakerStatus = "open"
	BreakerHalfOpen BreakerStatus = "half-open"
)

// BreakerState is a snapshot of one destination's breaker record.
type BreakerState struct {
	Status      BreakerStatus
	Failures    int
	LastFailure time.Time
}

// HandlerConfig controls retry eligibility, backoff and the circuit breaker.
type HandlerConfig struct {
	RetryEnabled            bool
	MaxRetryAttempts        int
	RetryDelay              time.Duration
	RetryBackoffMultiplier  float64
	RetryOnStatus           []int
	RetryOnNetworkError     bool
	RetryOnTimeout          bool
	CircuitBreakerEnabled   bool
	CircuitBreakerThreshold int
}

// DefaultHandlerConfig returns the retry/breaker defaults.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		RetryEnabled:            false,
		MaxRetryAttempts:        3,
		RetryDelay:              time.Second,
		RetryBackoffMultiplier:  2.0,
		RetryOnStatus:           DefaultRetryStatuses,
		RetryOnNetworkError:     true,
		RetryOnTimeout:          true,
		CircuitBreakerEnabled:   false,
		CircuitBreakerThreshold: 5,
	}
}

// Handler classifies failures, decides retry eligibility, computes backoff
// delays and keeps per-destination circuit breaker state. A single Handler is
// safe for concurrent use; independent engines own independent Handlers.
type Handler struct {
	cfg           HandlerConfig
	retryStatuses map[int]bool

	mu       sync.Mutex
	breakers map[string]*breakerRecord

	now func() time.Time
}

type breakerRecord struct {
	status      BreakerStatus
	failures    int
	lastFailure time.Time
}

// NewHandler creates a Handler. Zero values in cfg fall back to defaults.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.RetryBackoffMultiplier < 1 {
		cfg.RetryBackoffMultiplier = 2.0
	}
	if len(cfg.RetryOnStatus) == 0 {
		cfg.RetryOnStatus = DefaultRetryStatuses
	}
	if cfg.CircuitBreakerThreshold <= 0 {
		cfg.CircuitBreakerThreshold = 5
	}

	statuses := make(map[int]bool, len(cfg.RetryOnStatus))
	for _, s := range cfg.RetryOnStatus {
		statuses[s] = true
	}

	return &Handler{
		cfg:           cfg,
		retryStatuses: statuses,
		breakers:      make(map[string]*breakerRecord),
		now:           time.Now,
	}
}

// BreakerKey derives the circuit breaker key for a destination: scheme+host.
func BreakerKey(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// ClassifyCode maps a transport-level error to an error code. Typed errors
// are checked first, then well-known message substrings.
func ClassifyCode(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if errors.Is(err, context.Canceled) {
		return CodeAbort
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CodeNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return CodeNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "abort") || strings.Contains(msg, "cancel"):
		return CodeAbort
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return CodeTimeout
	case strings.Contains(msg, "network") ||
		strings.Contains(msg, "connection") ||
		strings.Contains(msg, "dns") ||
		strings.Contains(msg, "no such host"):
		return CodeNetwork
	}
	return CodeUnknown
}

// Classify builds a populated Error for a transport failure against url.
func (h *Handler) Classify(err error, destination string) *Error {
	switch ClassifyCode(err) {
	case CodeAbort:
		return h.HandleAbortError(err, destination)
	case CodeTimeout:
		return h.HandleTimeoutError(err, destination, 0)
	case CodeNetwork:
		return h.HandleNetworkError(err, destination)
	default:
		return h.HandleUnknownError(err, destination)
	}
}

// HandleNetworkError builds a NETWORK_ERROR for a failed connection attempt.
func (h *Handler) HandleNetworkError(err error, destination string) *Error {
	return &Error{
		Code:        CodeNetwork,
		Message:     "network failure reaching " + destination,
		Cause:       err,
		Retryable:   h.cfg.RetryOnNetworkError,
		Severity:    SeverityMedium,
		Context:     map[string]any{"destination": destination},
		Suggestions: suggestionsFor(CodeNetwork, 0),
	}
}

// HandleTimeoutError builds a TIMEOUT_ERROR. timeout is informational and may
// be zero when the attempt window is unknown.
func (h *Handler) HandleTimeoutError(err error, destination string, timeout time.Duration) *Error {
	ctx := map[string]any{"destination": destination}
	if timeout > 0 {
		ctx["timeout"] = timeout.String()
	}
	return &Error{
		Code:        CodeTimeout,
		Message:     "request to " + destination + " timed out",
		Cause:       err,
		Retryable:   h.cfg.RetryOnTimeout,
		Severity:    SeverityMedium,
		Context:     ctx,
		Suggestions: suggestionsFor(CodeTimeout, 0),
	}
}

// HandleAbortError builds an ABORT_ERROR for a caller-cancelled request.
// Aborts are never retried.
func (h *Handler) HandleAbortError(err error, destination string) *Error {
	return &Error{
		Code:        CodeAbort,
		Message:     "request to " + destination + " was cancelled",
		Cause:       err,
		Retryable:   false,
		Severity:    SeverityLow,
		Context:     map[string]any{"destination": destination},
		Suggestions: suggestionsFor(CodeAbort, 0),
	}
}

// HandleHTTPError builds an HTTP_ERROR for an error-status response.
// destination is the breaker key (scheme://host) so IsRetryable can consult
// the right breaker record; url is the full request URL, kept for diagnostics.
func (h *Handler) HandleHTTPError(status int, statusText, destination, url string) *Error {
	from := url
	if from == "" {
		from = destination
	}
	return &Error{
		Code:        CodeHTTP,
		Message:     "HTTP " + statusText + " from " + from,
		Retryable:   h.retryStatuses[status],
		Severity:    httpSeverity(status),
		StatusCode:  status,
		Context:     map[string]any{"destination": destination, "url": url, "status": status},
		Suggestions: suggestionsFor(CodeHTTP, status),
	}
}

// HandleUnknownError builds an UNKNOWN_ERROR for an unclassifiable failure.
func (h *Handler) HandleUnknownError(err error, destination string) *Error {
	return &Error{
		Code:        CodeUnknown,
		Message:     "unexpected failure executing request to " + destination,
		Cause:       err,
		Retryable:   false,
		Severity:    SeverityMedium,
		Context:     map[string]any{"destination": destination},
		Suggestions: suggestionsFor(CodeUnknown, 0),
	}
}

// HandleCircuitOpen builds the error returned when a destination's breaker
// refuses a request without attempting transport.
func (h *Handler) HandleCircuitOpen(destination string) *Error {
	return &Error{
		Code:      CodeNetwork,
		Message:   "circuit breaker open for " + destination,
		Retryable: false,
		Severity:  SeverityMedium,
		Context:   map[string]any{"destination": destination, "circuitBreaker": string(BreakerOpen)},
		Suggestions: []string{
			"The destination failed repeatedly and is temporarily refused",
			"Wait for the breaker cooldown or reset circuit breakers explicitly",
		},
	}
}

func httpSeverity(status int) Severity {
	switch {
	case status == 401 || status == 403:
		return SeverityHigh
	case status == 429 || status == 503:
		return SeverityMedium
	case status >= 500:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

// IsRetryable reports whether err may be retried after attempt completed
// attempts. The destination's breaker, when enabled and open, refuses retries
// regardless of the error's own retryability.
func (h *Handler) IsRetryable(err *Error, attempt int) bool {
	if err == nil {
		return false
	}
	if !h.cfg.RetryEnabled || attempt >= h.cfg.MaxRetryAttempts {
		return false
	}
	if h.cfg.CircuitBreakerEnabled {
		if dest, ok := err.ContextValue("destination").(string); ok && dest != "" {
			if h.CircuitBreakerState(dest).Status == BreakerOpen {
				return false
			}
		}
	}

	switch err.Code {
	case CodeTimeout:
		return h.cfg.RetryOnTimeout
	case CodeNetwork:
		return h.cfg.RetryOnNetworkError && err.Retryable
	case CodeHTTP:
		return h.retryStatuses[err.StatusCode]
	default:
		// Abort, config and unknown errors never retry.
		return false
	}
}

// RetryDelay computes the capped exponential backoff delay before attempt+1.
// attempt is 1-based: the delay after the first failed attempt uses the base.
func (h *Handler) RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(h.cfg.RetryDelay) * math.Pow(h.cfg.RetryBackoffMultiplier, float64(attempt-1))
	if delay > float64(MaxRetryDelay) {
		return MaxRetryDelay
	}
	return time.Duration(delay)
}

// RecordFailure counts a failure against the destination; when the count
// reaches the configured threshold the breaker opens.
func (h *Handler) RecordFailure(destination string) {
	if destination == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	rec := h.breakers[destination]
	if rec == nil {
		rec = &breakerRecord{status: BreakerClosed}
		h.breakers[destination] = rec
	}
	rec.failures++
	rec.lastFailure = h.now()
	if rec.failures >= h.cfg.CircuitBreakerThreshold {
		rec.status = BreakerOpen
	}
}

// RecordSuccess counts a success against the destination. A success while
// half-open closes the breaker and zeroes the count. A success while closed
// only decrements the count, so one lucky response does not mask a flaky
// destination.
func (h *Handler) RecordSuccess(destination string) {
	if destination == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	rec := h.breakers[destination]
	if rec == nil {
		return
	}
	h.refreshLocked(rec)
	switch rec.status {
	case BreakerHalfOpen:
		rec.status = BreakerClosed
		rec.failures = 0
	default:
		if rec.failures > 0 {
			rec.failures--
		}
	}
}

// CircuitBreakerState returns the destination's current breaker snapshot,
// applying the lazy open -> half-open transition after the cooldown.
func (h *Handler) CircuitBreakerState(destination string) BreakerState {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec := h.breakers[destination]
	if rec == nil {
		return BreakerState{Status: BreakerClosed}
	}
	h.refreshLocked(rec)
	return BreakerState{
		Status:      rec.status,
		Failures:    rec.failures,
		LastFailure: rec.lastFailure,
	}
}

// refreshLocked applies the lazy half-open transition. A breaker never moves
// from open directly to closed.
func (h *Handler) refreshLocked(rec *breakerRecord) {
	if rec.status == BreakerOpen && h.now().Sub(rec.lastFailure) >= BreakerCooldown {
		rec.status = BreakerHalfOpen
	}
}

// ResetCircuitBreakers clears all breaker state.
func (h *Handler) ResetCircuitBreakers() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.breakers = make(map[string]*breakerRecord)
}

// CircuitBreakerEnabled reports whether breaker refusal applies before
// transport sends.
func (h *Handler) CircuitBreakerEnabled() bool {
	return h.cfg.CircuitBreakerEnabled
}

// RetryBudget returns the configured attempt ceiling, or 1 when retries are
// disabled.
func (h *Handler) RetryBudget() int {
	if !h.cfg.RetryEnabled {
		return 1
	}
	return h.cfg.MaxRetryAttempts
}
