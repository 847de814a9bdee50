// Package output renders execution results and statistics to the terminal.
package output

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"

	"github.com/apicize/apicize-go/packages/apicize"
	"github.com/apicize/apicize-go/packages/engine"
	"github.com/apicize/apicize-go/packages/response"
)

// Result pairs one request's outcome with its identity for display.
type Result struct {
	Name     string
	Method   string
	URL      string
	Response *response.Response
	Err      *apicize.Error
}

type ConsoleFormatter struct {
	writer  io.Writer
	verbose bool
	noColor bool
}

type ConsoleOption func(*ConsoleFormatter)

func NewConsoleFormatter(opts ...ConsoleOption) *ConsoleFormatter {
	f := &ConsoleFormatter{
		writer: os.Stdout,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.noColor {
		color.NoColor = true
	}
	return f
}

func WithWriter(w io.Writer) ConsoleOption {
	return func(f *ConsoleFormatter) {
		f.writer = w
	}
}

func WithVerbose(v bool) ConsoleOption {
	return func(f *ConsoleFormatter) {
		f.verbose = v
	}
}

func WithNoColor(n bool) ConsoleOption {
	return func(f *ConsoleFormatter) {
		f.noColor = n
	}
}

// PrintResult renders one request outcome.
func (f *ConsoleFormatter) PrintResult(r *Result) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	dim := color.New(color.Faint).SprintFunc()

	name := r.Name
	if name == "" {
		name = r.Method + " " + r.URL
	}

	if r.Err != nil {
		fmt.Fprintf(f.writer, "  %s %s %s\n", red("✗"), name, dim("["+string(r.Err.Code)+"]"))
		fmt.Fprintf(f.writer, "      %s\n", r.Err.Message)
		if f.verbose {
			for _, s := range r.Err.Suggestions {
				fmt.Fprintf(f.writer, "      %s %s\n", dim("hint:"), s)
			}
		}
		return
	}

	resp := r.Response
	fmt.Fprintf(f.writer, "  %s %s %s %s\n",
		green("✓"), name,
		dim(fmt.Sprintf("%d", resp.StatusCode)),
		dim(fmt.Sprintf("%dms", resp.DurationMs())))
	if f.verbose && len(resp.Redirects) > 0 {
		for _, hop := range resp.Redirects {
			fmt.Fprintf(f.writer, "      %s %d -> %s\n", dim("redirect:"), hop.StatusCode, hop.URL)
		}
	}
}

// PrintSummary renders pass/fail counts for a run.
func (f *ConsoleFormatter) PrintSummary(passed, failed int) {
	green := color.New(color.FgGreen, color.Bold).SprintFunc()
	red := color.New(color.FgRed, color.Bold).SprintFunc()

	fmt.Fprintln(f.writer)
	if failed == 0 {
		fmt.Fprintf(f.writer, "%s %d passed\n", green("PASS"), passed)
	} else {
		fmt.Fprintf(f.writer, "%s %d passed, %d failed\n", red("FAIL"), passed, failed)
	}
}

// PrintStats renders an engine statistics snapshot.
func (f *ConsoleFormatter) PrintStats(snap engine.StatsSnapshot) {
	dim := color.New(color.Faint).SprintFunc()

	fmt.Fprintf(f.writer, "\n%s\n", dim("execution statistics"))
	fmt.Fprintf(f.writer, "  requests:  %d (%d ok, %d failed)\n", snap.Requests, snap.Successes, snap.Failures)
	fmt.Fprintf(f.writer, "  redirects: %d  retries: %d  breaker trips: %d\n",
		snap.Redirects, snap.Retries, snap.CircuitBreakerTrips)
	if snap.Requests > 0 {
		fmt.Fprintf(f.writer, "  latency:   avg %s  p50 %s  p95 %s  p99 %s\n",
			snap.AverageLatency, snap.P50Latency, snap.P95Latency, snap.P99Latency)
	}
	for code, n := range snap.ErrorsByCode {
		fmt.Fprintf(f.writer, "  %s: %d\n", code, n)
	}
}
