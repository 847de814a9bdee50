package engine

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/apicize/apicize-go/packages/apicize"
)

// Stats accumulates execution counters and latency for one Engine. Safe for
// concurrent use.
type Stats struct {
	mu sync.Mutex

	requests     int64
	successes    int64
	failures     int64
	redirects    int64
	retries      int64
	breakerTrips int64
	byCode       map[apicize.ErrorCode]int64

	// Latency histogram in microseconds, 1us..60s, 3 significant digits.
	histogram    *hdrhistogram.Histogram
	totalLatency time.Duration
}

// StatsSnapshot is a point-in-time copy of the engine's statistics.
type StatsSnapshot struct {
	Requests            int64
	Successes           int64
	Failures            int64
	Redirects           int64
	Retries             int64
	CircuitBreakerTrips int64
	ErrorsByCode        map[apicize.ErrorCode]int64
	AverageLatency      time.Duration
	P50Latency          time.Duration
	P95Latency          time.Duration
	P99Latency          time.Duration
}

func newStats() *Stats {
	return &Stats{
		byCode:    make(map[apicize.ErrorCode]int64),
		histogram: hdrhistogram.New(1, 60_000_000, 3),
	}
}

func (s *Stats) recordSuccess(latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++
	s.successes++
	s.recordLatencyLocked(latency)
}

func (s *Stats) recordFailure(code apicize.ErrorCode, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++
	s.failures++
	s.byCode[code]++
	s.recordLatencyLocked(latency)
}

func (s *Stats) recordLatencyLocked(latency time.Duration) {
	us := latency.Microseconds()
	if us < 1 {
		us = 1
	}
	if us > 60_000_000 {
		us = 60_000_000
	}
	_ = s.histogram.RecordValue(us)
	s.totalLatency += latency
}

func (s *Stats) recordRedirect() {
	s.mu.Lock()
	s.redirects++
	s.mu.Unlock()
}

func (s *Stats) recordRetry() {
	s.mu.Lock()
	s.retries++
	s.mu.Unlock()
}

func (s *Stats) recordBreakerTrip() {
	s.mu.Lock()
	s.breakerTrips++
	s.mu.Unlock()
}

// Snapshot copies the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	byCode := make(map[apicize.ErrorCode]int64, len(s.byCode))
	for code, n := range s.byCode {
		byCode[code] = n
	}

	snap := StatsSnapshot{
		Requests:            s.requests,
		Successes:           s.successes,
		Failures:            s.failures,
		Redirects:           s.redirects,
		Retries:             s.retries,
		CircuitBreakerTrips: s.breakerTrips,
		ErrorsByCode:        byCode,
	}
	if s.requests > 0 {
		snap.AverageLatency = s.totalLatency / time.Duration(s.requests)
		snap.P50Latency = time.Duration(s.histogram.ValueAtQuantile(50)) * time.Microsecond
		snap.P95Latency = time.Duration(s.histogram.ValueAtQuantile(95)) * time.Microsecond
		snap.P99Latency = time.Duration(s.histogram.ValueAtQuantile(99)) * time.Microsecond
	}
	return snap
}

// Reset zeroes all counters and the histogram.
func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = 0
	s.successes = 0
	s.failures = 0
	s.redirects = 0
	s.retries = 0
	s.breakerTrips = 0
	s.byCode = make(map[apicize.ErrorCode]int64)
	s.histogram.Reset()
	s.totalLatency = 0
}
