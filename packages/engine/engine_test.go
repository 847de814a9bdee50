package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apicize/apicize-go/packages/apicize"
	"github.com/apicize/apicize-go/packages/request"
	"github.com/apicize/apicize-go/packages/response"
)

// stubTransport counts invocations and delegates to fn.
type stubTransport struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, req *request.Prepared) (*response.Raw, error)
}

func (s *stubTransport) Send(ctx context.Context, req *request.Prepared) (*response.Raw, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.fn(ctx, req)
}

func (s *stubTransport) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func okRaw(body string) *response.Raw {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return &response.Raw{StatusCode: 200, Status: "200 OK", Header: h, Body: []byte(body)}
}

func spec(url string) *request.Spec {
	return &request.Spec{Method: "GET", URL: url}
}

func fastRetryConfig(attempts int) apicize.HandlerConfig {
	cfg := apicize.DefaultHandlerConfig()
	cfg.RetryEnabled = true
	cfg.MaxRetryAttempts = attempts
	cfg.RetryDelay = time.Millisecond
	return cfg
}

func TestEngine_ExecuteSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"message":"hello"}`))
	}))
	defer server.Close()

	eng := New()
	resp, err := eng.Execute(context.Background(), spec(server.URL))

	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, response.BodyJSON, resp.Body.Kind)
	assert.Equal(t, "hello", resp.Query("message").String())
	assert.NotEmpty(t, resp.ID)
	assert.Empty(t, resp.Redirects)

	snap := eng.Stats()
	assert.Equal(t, int64(1), snap.Requests)
	assert.Equal(t, int64(1), snap.Successes)
}

func TestEngine_DisabledHeaderNeverSent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("X-Secret"))
		assert.Equal(t, "on", r.Header.Get("X-Trace"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	eng := New()
	s := spec(server.URL)
	s.Headers = []request.NameValuePair{
		{Name: "X-Trace", Value: "on"},
		{Name: "X-Secret", Value: "hidden", Disabled: true},
	}

	_, err := eng.Execute(context.Background(), s)
	require.NoError(t, err)
}

func TestEngine_TimeoutBeatsSlowTransport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	eng := New()
	s := spec(server.URL)
	s.Timeout = 100 * time.Millisecond

	_, err := eng.Execute(context.Background(), s)
	require.Error(t, err)
	aerr := apicize.AsError(err)
	assert.Equal(t, apicize.CodeTimeout, aerr.Code, "a slow response is a timeout, not a network error")

	snap := eng.Stats()
	assert.Equal(t, int64(1), snap.ErrorsByCode[apicize.CodeTimeout])
}

func TestEngine_RedirectDowngradesPost(t *testing.T) {
	var second struct {
		method string
		body   string
		called bool
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/b", http.StatusFound)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		second.called = true
		second.method = r.Method
		buf := make([]byte, 64)
		n, _ := r.Body.Read(buf)
		second.body = string(buf[:n])
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("done"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	eng := New()
	s := &request.Spec{
		Method: "POST",
		URL:    server.URL + "/a",
		Body:   request.Body{Kind: request.BodyText, Text: "payload"},
	}

	resp, err := eng.Execute(context.Background(), s)
	require.NoError(t, err)
	require.True(t, second.called)
	assert.Equal(t, "GET", second.method, "302 downgrades POST to GET")
	assert.Empty(t, second.body, "downgraded request carries no body")
	require.Len(t, resp.Redirects, 1)
	assert.Equal(t, http.StatusFound, resp.Redirects[0].StatusCode)
	assert.Contains(t, resp.Redirects[0].URL, "/b")
	assert.Equal(t, int64(1), eng.Stats().Redirects)
}

func TestEngine_TooManyRedirects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	}))
	defer server.Close()

	eng := New(WithMaxRedirects(3))
	_, err := eng.Execute(context.Background(), spec(server.URL))

	require.Error(t, err)
	aerr := apicize.AsError(err)
	assert.False(t, aerr.Retryable)
	assert.Contains(t, aerr.Message, "3")
}

func TestEngine_RedirectCountNeverExceedsLimit(t *testing.T) {
	hops := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if hops < 4 {
			hops++
			http.Redirect(w, r, "/", http.StatusFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	eng := New(WithMaxRedirects(10))
	resp, err := eng.Execute(context.Background(), spec(server.URL))
	require.NoError(t, err)
	assert.Len(t, resp.Redirects, 4)
	assert.LessOrEqual(t, len(resp.Redirects), 10)
}

func TestEngine_RetriesOnServerError(t *testing.T) {
	attempts := 0
	stub := &stubTransport{fn: func(ctx context.Context, req *request.Prepared) (*response.Raw, error) {
		attempts++
		if attempts < 3 {
			return &response.Raw{StatusCode: 500, Status: "500 Internal Server Error", Header: http.Header{}}, nil
		}
		return okRaw(`{"ok":true}`), nil
	}}

	eng := New(WithTransport(stub), WithRetryPolicy(fastRetryConfig(3)))
	resp, err := eng.Execute(context.Background(), spec("https://api.example.com/x"))

	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, 3, stub.callCount())
	assert.Equal(t, int64(2), eng.Stats().Retries)
}

func TestEngine_NonRetryableStatusFailsOnce(t *testing.T) {
	stub := &stubTransport{fn: func(ctx context.Context, req *request.Prepared) (*response.Raw, error) {
		return &response.Raw{StatusCode: 404, Status: "404 Not Found", Header: http.Header{}}, nil
	}}

	eng := New(WithTransport(stub), WithRetryPolicy(fastRetryConfig(3)))
	_, err := eng.Execute(context.Background(), spec("https://api.example.com/x"))

	require.Error(t, err)
	aerr := apicize.AsError(err)
	assert.Equal(t, apicize.CodeHTTP, aerr.Code)
	assert.Equal(t, 404, aerr.StatusCode)
	assert.Equal(t, 1, stub.callCount())
}

func TestEngine_RetryBudgetExhausted(t *testing.T) {
	stub := &stubTransport{fn: func(ctx context.Context, req *request.Prepared) (*response.Raw, error) {
		return &response.Raw{StatusCode: 503, Status: "503 Service Unavailable", Header: http.Header{}}, nil
	}}

	eng := New(WithTransport(stub), WithRetryPolicy(fastRetryConfig(3)))
	_, err := eng.Execute(context.Background(), spec("https://api.example.com/x"))

	require.Error(t, err)
	assert.Equal(t, 3, stub.callCount(), "budget of 3 attempts total")
	assert.Equal(t, int64(2), eng.Stats().Retries)
}

func TestEngine_PreCancelledContextAborts(t *testing.T) {
	stub := &stubTransport{fn: func(ctx context.Context, req *request.Prepared) (*response.Raw, error) {
		return okRaw(`{}`), nil
	}}
	eng := New(WithTransport(stub))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := eng.Execute(ctx, spec("https://api.example.com/x"))
	require.Error(t, err)
	aerr := apicize.AsError(err)
	assert.Equal(t, apicize.CodeAbort, aerr.Code)
	assert.Zero(t, stub.callCount(), "transport must not be invoked")
}

func TestEngine_CallerCancelDuringSendAborts(t *testing.T) {
	stub := &stubTransport{fn: func(ctx context.Context, req *request.Prepared) (*response.Raw, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	eng := New(WithTransport(stub), WithRetryPolicy(fastRetryConfig(3)))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := eng.Execute(ctx, spec("https://api.example.com/x"))
	require.Error(t, err)
	aerr := apicize.AsError(err)
	assert.Equal(t, apicize.CodeAbort, aerr.Code, "caller cancellation is an abort, not a timeout")
	assert.Equal(t, 1, stub.callCount(), "aborts are never retried")
}

func TestEngine_CircuitBreakerRefusesWithoutTransport(t *testing.T) {
	stub := &stubTransport{fn: func(ctx context.Context, req *request.Prepared) (*response.Raw, error) {
		return nil, errors.New("connection refused")
	}}

	cfg := apicize.DefaultHandlerConfig()
	cfg.CircuitBreakerEnabled = true
	cfg.CircuitBreakerThreshold = 5
	eng := New(WithTransport(stub), WithRetryPolicy(cfg))

	for i := 0; i < 5; i++ {
		_, err := eng.Execute(context.Background(), spec("https://failing.example.com/x"))
		require.Error(t, err)
	}
	assert.Equal(t, 5, stub.callCount())
	assert.Equal(t, apicize.BreakerOpen, eng.CircuitBreakerState("https://failing.example.com").Status)

	_, err := eng.Execute(context.Background(), spec("https://failing.example.com/y"))
	require.Error(t, err)
	assert.Equal(t, 5, stub.callCount(), "6th call must not reach the transport")
	assert.Equal(t, int64(1), eng.Stats().CircuitBreakerTrips)

	eng.ResetCircuitBreakers()
	assert.Equal(t, apicize.BreakerClosed, eng.CircuitBreakerState("https://failing.example.com").Status)
}

func TestEngine_OpenBreakerStopsHTTPRetries(t *testing.T) {
	stub := &stubTransport{fn: func(ctx context.Context, req *request.Prepared) (*response.Raw, error) {
		return &response.Raw{StatusCode: 500, Status: "500 Internal Server Error", Header: http.Header{}}, nil
	}}

	cfg := fastRetryConfig(5)
	cfg.CircuitBreakerEnabled = true
	cfg.CircuitBreakerThreshold = 2
	eng := New(WithTransport(stub), WithRetryPolicy(cfg))

	_, err := eng.Execute(context.Background(), spec("https://failing.example.com/orders"))
	require.Error(t, err)

	// Two 500s open the breaker; the retry loop must then stop cold rather
	// than sleep out the backoff and be turned away at the next attempt.
	assert.Equal(t, 2, stub.callCount())
	assert.Equal(t, int64(1), eng.Stats().Retries)
	assert.Zero(t, eng.Stats().CircuitBreakerTrips)
	assert.Equal(t, apicize.BreakerOpen, eng.CircuitBreakerState("https://failing.example.com").Status)
}

func TestEngine_CrossHostRedirectFailureChargesFinalHost(t *testing.T) {
	stub := &stubTransport{fn: func(ctx context.Context, req *request.Prepared) (*response.Raw, error) {
		if req.URL.Host == "a.example.com" {
			h := http.Header{}
			h.Set("Location", "https://b.example.com/x")
			return &response.Raw{StatusCode: 302, Status: "302 Found", Header: h}, nil
		}
		return &response.Raw{StatusCode: 500, Status: "500 Internal Server Error", Header: http.Header{}}, nil
	}}

	cfg := apicize.DefaultHandlerConfig()
	cfg.CircuitBreakerEnabled = true
	cfg.CircuitBreakerThreshold = 1
	eng := New(WithTransport(stub), WithRetryPolicy(cfg))

	_, err := eng.Execute(context.Background(), spec("https://a.example.com/old"))
	require.Error(t, err)
	aerr := apicize.AsError(err)
	assert.Equal(t, "https://b.example.com", aerr.Context["destination"])
	assert.Equal(t, "https://b.example.com/x", aerr.Context["url"])

	assert.Equal(t, apicize.BreakerOpen, eng.CircuitBreakerState("https://b.example.com").Status)
	assert.Equal(t, apicize.BreakerClosed, eng.CircuitBreakerState("https://a.example.com").Status)
}

func TestEngine_CancelDuringBackoffIsCounted(t *testing.T) {
	stub := &stubTransport{fn: func(ctx context.Context, req *request.Prepared) (*response.Raw, error) {
		return &response.Raw{StatusCode: 503, Status: "503 Service Unavailable", Header: http.Header{}}, nil
	}}

	cfg := fastRetryConfig(3)
	cfg.RetryDelay = 200 * time.Millisecond
	eng := New(WithTransport(stub), WithRetryPolicy(cfg))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := eng.Execute(ctx, spec("https://api.example.com/x"))
	require.Error(t, err)
	assert.Equal(t, apicize.CodeAbort, apicize.AsError(err).Code)
	assert.Equal(t, 1, stub.callCount())

	snap := eng.Stats()
	assert.Equal(t, int64(2), snap.Failures, "the 503 and the abort both count")
	assert.Equal(t, int64(1), snap.ErrorsByCode[apicize.CodeHTTP])
	assert.Equal(t, int64(1), snap.ErrorsByCode[apicize.CodeAbort])
}

func TestEngine_ReleasesAttemptResources(t *testing.T) {
	var flaky int32
	stub := &stubTransport{fn: func(ctx context.Context, req *request.Prepared) (*response.Raw, error) {
		switch req.URL.Path {
		case "/slow":
			<-ctx.Done()
			return nil, ctx.Err()
		case "/flaky":
			if atomic.AddInt32(&flaky, 1)%2 == 1 {
				return &response.Raw{StatusCode: 500, Status: "500 Internal Server Error", Header: http.Header{}}, nil
			}
			return okRaw(`{}`), nil
		default:
			return okRaw(`{}`), nil
		}
	}}

	eng := New(WithTransport(stub), WithRetryPolicy(fastRetryConfig(2)))

	// Warm up so lazily started runtime goroutines exist before baselining.
	for i := 0; i < 5; i++ {
		_, _ = eng.Execute(context.Background(), spec("https://api.example.com/ok"))
	}
	runtime.GC()
	baseline := runtime.NumGoroutine()

	for i := 0; i < 100; i++ {
		_, _ = eng.Execute(context.Background(), spec("https://api.example.com/ok"))

		slow := spec("https://api.example.com/slow")
		slow.Timeout = time.Millisecond
		_, _ = eng.Execute(context.Background(), slow)

		_, _ = eng.Execute(context.Background(), spec("https://api.example.com/flaky"))
	}

	// Per-attempt timers and cancellation listeners must not outlive their
	// execution; give transient goroutines a moment to drain.
	deadline := time.Now().Add(2 * time.Second)
	current := runtime.NumGoroutine()
	for current > baseline+2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		runtime.GC()
		current = runtime.NumGoroutine()
	}
	assert.LessOrEqual(t, current, baseline+2,
		"goroutine count should settle back to baseline after executions finish")
}

func TestEngine_InvalidSpecIsConfigError(t *testing.T) {
	stub := &stubTransport{fn: func(ctx context.Context, req *request.Prepared) (*response.Raw, error) {
		return okRaw(`{}`), nil
	}}
	eng := New(WithTransport(stub), WithRetryPolicy(fastRetryConfig(3)))

	_, err := eng.Execute(context.Background(), spec("not-a-url"))
	require.Error(t, err)
	aerr := apicize.AsError(err)
	assert.Equal(t, apicize.CodeConfig, aerr.Code)
	assert.Zero(t, stub.callCount())
}

func TestEngine_HeaderContributor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token-123", r.Header.Get("Authorization"))
		assert.Equal(t, "mine", r.Header.Get("X-Owner"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	eng := New(WithHeaderContributor(func() map[string]string {
		return map[string]string{
			"Authorization": "Bearer token-123",
			"X-Owner":       "theirs",
		}
	}))

	s := spec(server.URL)
	s.Headers = []request.NameValuePair{{Name: "X-Owner", Value: "mine"}}
	_, err := eng.Execute(context.Background(), s)
	require.NoError(t, err)
}

func TestEngine_ExecuteRuns(t *testing.T) {
	stub := &stubTransport{fn: func(ctx context.Context, req *request.Prepared) (*response.Raw, error) {
		return okRaw(`{}`), nil
	}}
	eng := New(WithTransport(stub))

	s := spec("https://api.example.com/x")
	s.Runs = 3

	responses, err := eng.ExecuteRuns(context.Background(), s)
	require.NoError(t, err)
	assert.Len(t, responses, 3)
	assert.Equal(t, 3, stub.callCount())
}

func TestEngine_ExecuteAllPartialSuccess(t *testing.T) {
	stub := &stubTransport{fn: func(ctx context.Context, req *request.Prepared) (*response.Raw, error) {
		if req.URL.Host == "bad.example.com" {
			return nil, errors.New("connection refused")
		}
		return okRaw(`{}`), nil
	}}
	eng := New(WithTransport(stub))

	specs := []*request.Spec{
		spec("https://good.example.com/a"),
		spec("https://bad.example.com/b"),
		spec("https://good.example.com/c"),
	}

	responses, err := eng.ExecuteAll(context.Background(), specs)
	require.NoError(t, err, "partial success is not a batch failure")
	assert.Len(t, responses, 2, "callers compare counts to detect omissions")
}

func TestEngine_ExecuteAllAllFail(t *testing.T) {
	stub := &stubTransport{fn: func(ctx context.Context, req *request.Prepared) (*response.Raw, error) {
		return nil, errors.New("connection refused")
	}}
	eng := New(WithTransport(stub))

	specs := []*request.Spec{
		spec("https://bad.example.com/a"),
		spec("https://bad.example.com/b"),
	}

	responses, err := eng.ExecuteAll(context.Background(), specs)
	assert.Nil(t, responses)
	require.Error(t, err)
	aerr := apicize.AsError(err)
	assert.Contains(t, aerr.Message, "2")
	failures, ok := aerr.Context["failures"].([]string)
	require.True(t, ok)
	assert.Len(t, failures, 2)
}

func TestEngine_ExecuteAllParallel(t *testing.T) {
	var mu sync.Mutex
	inFlight, peak := 0, 0
	stub := &stubTransport{fn: func(ctx context.Context, req *request.Prepared) (*response.Raw, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return okRaw(`{}`), nil
	}}

	eng := New(WithTransport(stub), WithParallel(4))
	specs := make([]*request.Spec, 8)
	for i := range specs {
		specs[i] = spec("https://api.example.com/x")
	}

	responses, err := eng.ExecuteAll(context.Background(), specs)
	require.NoError(t, err)
	assert.Len(t, responses, 8)
	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, peak, 1, "parallel mode overlaps requests")
	assert.LessOrEqual(t, peak, 4, "fan-out bounded by concurrency")
}

func TestEngine_ExecuteAllEmpty(t *testing.T) {
	eng := New()
	responses, err := eng.ExecuteAll(context.Background(), nil)
	assert.NoError(t, err)
	assert.Nil(t, responses)
}

func TestEngine_ErrorIsAlwaysApicizeError(t *testing.T) {
	stub := &stubTransport{fn: func(ctx context.Context, req *request.Prepared) (*response.Raw, error) {
		return nil, errors.New("totally novel failure")
	}}
	eng := New(WithTransport(stub))

	_, err := eng.Execute(context.Background(), spec("https://api.example.com/x"))
	require.Error(t, err)
	var aerr *apicize.Error
	require.ErrorAs(t, err, &aerr)
	assert.NotEmpty(t, aerr.Suggestions)
	assert.NotEmpty(t, aerr.Message)
}
