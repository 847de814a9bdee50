package engine

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/apicize/apicize-go/packages/apicize"
	"github.com/apicize/apicize-go/packages/redirect"
	"github.com/apicize/apicize-go/packages/request"
	"github.com/apicize/apicize-go/packages/response"
)

// Engine executes request specs against a Transport with manual redirect
// following, per-attempt timeouts, bounded retry with backoff and a
// per-destination circuit breaker. A single Engine is safe for concurrent
// use; independent Engines share no state.
type Engine struct {
	transport      Transport
	builder        *request.Builder
	handler        *apicize.Handler
	stats          *Stats
	limiter        *rate.Limiter
	logger         zerolog.Logger
	contributor    func() map[string]string
	defaultHeaders map[string]string

	defaultTimeout time.Duration
	maxRedirects   int
	parallel       bool
	concurrency    int
	validateSSL    bool

	handlerConfig apicize.HandlerConfig
}

// New creates an Engine with the given options.
func New(opts ...Option) *Engine {
	e := &Engine{
		defaultTimeout: DefaultTimeout,
		maxRedirects:   DefaultMaxRedirects,
		concurrency:    DefaultConcurrency,
		validateSSL:    true,
		logger:         zerolog.Nop(),
		defaultHeaders: make(map[string]string),
		handlerConfig:  apicize.DefaultHandlerConfig(),
	}
	for _, opt := range opts {
		opt(e)
	}

	builderOpts := make([]request.BuilderOption, 0, len(e.defaultHeaders))
	for name, value := range e.defaultHeaders {
		builderOpts = append(builderOpts, request.WithDefaultHeader(name, value))
	}
	e.builder = request.NewBuilder(builderOpts...)
	e.handler = apicize.NewHandler(e.handlerConfig)
	e.stats = newStats()
	if e.transport == nil {
		e.transport = newHTTPTransport(e.validateSSL)
	}
	return e
}

// Stats returns a snapshot of the engine's cumulative statistics.
func (e *Engine) Stats() StatsSnapshot {
	return e.stats.Snapshot()
}

// ResetStats zeroes the engine's statistics.
func (e *Engine) ResetStats() {
	e.stats.Reset()
}

// ResetCircuitBreakers clears all per-destination breaker state.
func (e *Engine) ResetCircuitBreakers() {
	e.handler.ResetCircuitBreakers()
}

// CircuitBreakerState exposes the breaker snapshot for a destination key
// (scheme://host).
func (e *Engine) CircuitBreakerState(destination string) apicize.BreakerState {
	return e.handler.CircuitBreakerState(destination)
}

// Execute runs one logical execution of spec: build, send, follow redirects,
// retry per policy. The returned error, when non-nil, is always a populated
// *apicize.Error.
func (e *Engine) Execute(ctx context.Context, spec *request.Spec) (*response.Response, error) {
	resp, aerr := e.execute(ctx, spec)
	if aerr != nil {
		return nil, aerr
	}
	return resp, nil
}

func (e *Engine) execute(ctx context.Context, spec *request.Spec) (*response.Response, *apicize.Error) {
	// A caller whose context is already torn down gets an immediate abort
	// without touching the transport.
	if err := ctx.Err(); err != nil {
		aerr := e.handler.HandleAbortError(err, specDestination(spec))
		e.stats.recordFailure(aerr.Code, 0)
		return nil, aerr
	}

	budget := e.handler.RetryBudget()
	var lastErr *apicize.Error

	for attempt := 1; attempt <= budget; attempt++ {
		resp, aerr := e.attempt(ctx, spec, attempt)
		if aerr == nil {
			return resp, nil
		}
		lastErr = aerr

		if !e.handler.IsRetryable(aerr, attempt) {
			break
		}
		e.stats.recordRetry()
		delay := e.handler.RetryDelay(attempt)
		e.logger.Debug().
			Str("name", spec.Name).
			Int("attempt", attempt).
			Dur("delay", delay).
			Str("code", string(aerr.Code)).
			Msg("retrying request")
		if err := sleep(ctx, delay); err != nil {
			aerr := e.handler.HandleAbortError(err, specDestination(spec))
			e.stats.recordFailure(aerr.Code, 0)
			return nil, aerr
		}
	}
	return nil, lastErr
}

// attempt performs one build/send/redirect pass with a fresh timeout window.
func (e *Engine) attempt(ctx context.Context, spec *request.Spec, attempt int) (*response.Response, *apicize.Error) {
	prepared, err := e.builder.Build(spec)
	if err != nil {
		aerr := apicize.AsError(err)
		e.stats.recordFailure(aerr.Code, 0)
		return nil, aerr
	}
	e.contributeHeaders(prepared)

	destination := apicize.BreakerKey(prepared.URL)
	if e.handler.CircuitBreakerEnabled() &&
		e.handler.CircuitBreakerState(destination).Status == apicize.BreakerOpen {
		e.stats.recordBreakerTrip()
		aerr := e.handler.HandleCircuitOpen(destination)
		e.stats.recordFailure(aerr.Code, 0)
		return nil, aerr
	}

	timeout := spec.EffectiveTimeout()
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	maxRedirects := spec.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = e.maxRedirects
	}

	// The attempt context composes the caller's cancellation with this
	// attempt's timeout; cancel releases the timer on every exit path.
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if e.limiter != nil {
		if err := e.limiter.Wait(attemptCtx); err != nil {
			aerr := e.classifyTransportError(ctx, attemptCtx, err, destination, timeout)
			e.stats.recordFailure(aerr.Code, 0)
			return nil, aerr
		}
	}

	started := time.Now()
	current := prepared
	var redirects []response.Redirect

	for {
		// Redirects may hop hosts; breaker accounting follows the request
		// actually on the wire, not the original destination.
		dest := apicize.BreakerKey(current.URL)

		raw, sendErr := e.transport.Send(attemptCtx, current)
		if sendErr != nil {
			aerr := e.classifyTransportError(ctx, attemptCtx, sendErr, dest, timeout)
			e.recordTerminal(aerr, dest, attempt, time.Since(started))
			return nil, aerr
		}

		if redirect.IsRedirect(raw.StatusCode) {
			next, rerr := redirect.Plan(raw, current, len(redirects), maxRedirects)
			if rerr != nil {
				e.recordTerminal(rerr, dest, attempt, time.Since(started))
				return nil, rerr
			}
			redirects = append(redirects, response.Redirect{
				URL:        next.URL.String(),
				StatusCode: raw.StatusCode,
			})
			e.stats.recordRedirect()
			current = next
			continue
		}

		elapsed := time.Since(started)
		if response.IsError(raw.StatusCode) {
			aerr := e.handler.HandleHTTPError(raw.StatusCode, raw.Status, dest, current.URL.String())
			e.recordTerminal(aerr, dest, attempt, elapsed)
			return nil, aerr
		}

		resp := response.Process(raw)
		resp.ID = uuid.NewString()
		resp.StartedAt = started
		resp.Duration = elapsed
		resp.Redirects = redirects
		e.handler.RecordSuccess(dest)
		e.stats.recordSuccess(elapsed)
		return resp, nil
	}
}

// recordTerminal updates breaker and statistics for a failed attempt. Aborts
// and configuration failures say nothing about the destination's health, so
// only network, timeout and HTTP failures count against the breaker.
func (e *Engine) recordTerminal(aerr *apicize.Error, destination string, attempt int, latency time.Duration) {
	switch aerr.Code {
	case apicize.CodeNetwork, apicize.CodeTimeout, apicize.CodeHTTP:
		e.handler.RecordFailure(destination)
	}
	e.stats.recordFailure(aerr.Code, latency)
	e.logger.Debug().
		Str("destination", destination).
		Int("attempt", attempt).
		Str("code", string(aerr.Code)).
		Msg("request attempt failed")
}

// classifyTransportError separates "attempt timeout fired" from "caller
// cancelled" before falling back to generic classification.
func (e *Engine) classifyTransportError(ctx, attemptCtx context.Context, err error, destination string, timeout time.Duration) *apicize.Error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return e.handler.HandleAbortError(err, destination)
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return e.handler.HandleTimeoutError(err, destination, timeout)
	}
	return e.handler.Classify(err, destination)
}

func (e *Engine) contributeHeaders(prepared *request.Prepared) {
	if e.contributor == nil {
		return
	}
	// Contributed headers merge beneath caller-supplied values.
	for name, value := range e.contributor() {
		if prepared.Headers.Get(name) == "" {
			prepared.Headers.Set(name, value)
		}
	}
}

func specDestination(spec *request.Spec) string {
	if spec == nil {
		return ""
	}
	return spec.URL
}

// sleep waits for d or until ctx is cancelled, releasing the timer either
// way.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExecuteRuns executes spec Runs times (at least once), each run a full
// independent execution with its own retries. It returns the successful
// responses; if every run fails it returns an aggregate error.
func (e *Engine) ExecuteRuns(ctx context.Context, spec *request.Spec) ([]*response.Response, error) {
	runs := 1
	if spec != nil && spec.Runs > 1 {
		runs = spec.Runs
	}

	responses := make([]*response.Response, 0, runs)
	var failures []*apicize.Error
	for i := 0; i < runs; i++ {
		resp, aerr := e.execute(ctx, spec)
		if aerr != nil {
			failures = append(failures, aerr)
			continue
		}
		responses = append(responses, resp)
	}
	if len(responses) == 0 && len(failures) > 0 {
		return nil, aggregateError(failures)
	}
	return responses, nil
}

// ExecuteAll executes a batch of specs, sequentially by default or fanned out
// when the engine was built with WithParallel. All-fail batches return an
// aggregate error; partial success returns the successful subset, and callers
// compare counts to detect omissions.
func (e *Engine) ExecuteAll(ctx context.Context, specs []*request.Spec) ([]*response.Response, error) {
	if len(specs) == 0 {
		return nil, nil
	}

	results := make([]*response.Response, len(specs))
	errs := make([]*apicize.Error, len(specs))

	if e.parallel {
		var wg sync.WaitGroup
		sem := make(chan struct{}, e.concurrency)
		for i, spec := range specs {
			wg.Add(1)
			sem <- struct{}{}
			go func(idx int, s *request.Spec) {
				defer wg.Done()
				defer func() { <-sem }()
				results[idx], errs[idx] = e.execute(ctx, s)
			}(i, spec)
		}
		wg.Wait()
	} else {
		for i, spec := range specs {
			results[i], errs[i] = e.execute(ctx, spec)
		}
	}

	var responses []*response.Response
	var failures []*apicize.Error
	for i := range specs {
		if errs[i] != nil {
			failures = append(failures, errs[i])
			continue
		}
		responses = append(responses, results[i])
	}
	if len(responses) == 0 && len(failures) > 0 {
		return nil, aggregateError(failures)
	}
	return responses, nil
}

// aggregateError folds individual failures into one error listing each
// failure's code and message.
func aggregateError(failures []*apicize.Error) *apicize.Error {
	details := make([]string, len(failures))
	causes := make([]error, len(failures))
	worst := apicize.SeverityLow
	for i, f := range failures {
		details[i] = string(f.Code) + ": " + f.Message
		causes[i] = f
		if severityRank(f.Severity) > severityRank(worst) {
			worst = f.Severity
		}
	}
	return &apicize.Error{
		Code:      failures[0].Code,
		Message:   "all " + strconv.Itoa(len(failures)) + " requests failed",
		Cause:     errors.Join(causes...),
		Retryable: false,
		Severity:  worst,
		Context:   map[string]any{"failures": details},
		Suggestions: []string{
			"Every request in the batch failed; inspect the individual failures in context",
			"Check shared causes first: destination health, credentials, network path",
		},
	}
}

func severityRank(s apicize.Severity) int {
	switch s {
	case apicize.SeverityHigh:
		return 3
	case apicize.SeverityMedium:
		return 2
	default:
		return 1
	}
}
