package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/apicize/apicize-go/packages/apicize"
	"github.com/apicize/apicize-go/packages/config"
	"github.com/apicize/apicize-go/packages/engine"
	"github.com/apicize/apicize-go/packages/history"
	"github.com/apicize/apicize-go/packages/output"
	"github.com/apicize/apicize-go/packages/request"
	"github.com/apicize/apicize-go/packages/workbook"
)

var runCmd = &cobra.Command{
	Use:   "run <workbook...>",
	Short: "Execute request workbooks",
	Long: `Execute HTTP request workbooks with retries, redirect handling and
circuit breaking.

Examples:
  apicize run api.json
  apicize run api.json --retries 3 --retry-delay 500ms
  apicize run api.json --parallel --concurrency 10
  apicize run api.json --watch
  apicize run api.json --history .apicize-history.db`,
	Args:         cobra.MinimumNArgs(1),
	SilenceUsage: true,
	RunE:         runCommand,
}

const (
	// WatchDebounceDelay is the debounce delay for file watch events
	WatchDebounceDelay = 300 * time.Millisecond
)

var (
	configFlag      string
	timeoutFlag     string
	retriesFlag     int
	retryDelayFlag  string
	parallelFlag    bool
	concurrencyFlag int
	breakerFlag     bool
	thresholdFlag   int
	rateFlag        float64
	verboseFlag     int
	noColorFlag     bool
	insecureFlag    bool
	watchFlag       bool
	historyFlag     string
	statsFlag       bool
)

func init() {
	runCmd.Flags().StringVar(&configFlag, "config", getEnvString("APICIZE_CONFIG", ""), "Path to config file (env: APICIZE_CONFIG)")
	runCmd.Flags().StringVar(&timeoutFlag, "timeout", getEnvString("APICIZE_TIMEOUT", ""), "Per-attempt request timeout (e.g., 30s, 1m) (env: APICIZE_TIMEOUT)")
	runCmd.Flags().IntVar(&retriesFlag, "retries", getEnvInt("APICIZE_RETRIES", 0), "Maximum retry attempts; 0 disables retries (env: APICIZE_RETRIES)")
	runCmd.Flags().StringVar(&retryDelayFlag, "retry-delay", "", "Base retry backoff delay (e.g., 500ms)")
	runCmd.Flags().BoolVarP(&parallelFlag, "parallel", "p", getEnvBool("APICIZE_PARALLEL", false), "Run workbook requests concurrently (env: APICIZE_PARALLEL)")
	runCmd.Flags().IntVar(&concurrencyFlag, "concurrency", getEnvInt("APICIZE_CONCURRENCY", 5), "Concurrent requests when running in parallel (env: APICIZE_CONCURRENCY)")
	runCmd.Flags().BoolVar(&breakerFlag, "circuit-breaker", getEnvBool("APICIZE_CIRCUIT_BREAKER", false), "Enable the per-destination circuit breaker (env: APICIZE_CIRCUIT_BREAKER)")
	runCmd.Flags().IntVar(&thresholdFlag, "circuit-breaker-threshold", 5, "Consecutive failures before a destination's breaker opens")
	runCmd.Flags().Float64Var(&rateFlag, "rate", 0, "Throttle transport sends to this many requests per second (0 = unthrottled)")
	runCmd.Flags().CountVarP(&verboseFlag, "verbose", "v", "Verbose output (-v, -vv for engine debug logging)")
	runCmd.Flags().BoolVar(&noColorFlag, "no-color", getEnvBool("APICIZE_NO_COLOR", false), "Disable colored output (env: APICIZE_NO_COLOR)")
	runCmd.Flags().BoolVarP(&insecureFlag, "insecure", "k", getEnvBool("APICIZE_INSECURE", false), "Disable SSL certificate validation (env: APICIZE_INSECURE)")
	runCmd.Flags().BoolVarP(&watchFlag, "watch", "w", false, "Watch workbooks for changes and re-run")
	runCmd.Flags().StringVar(&historyFlag, "history", getEnvString("APICIZE_HISTORY", ""), "Record results in a SQLite history database at this path (env: APICIZE_HISTORY)")
	runCmd.Flags().BoolVar(&statsFlag, "stats", false, "Print engine statistics after the run")
}

// Environment variable helpers
func getEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1" || val == "yes"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func runCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		fmt.Fprintf(cmd.OutOrStderr(), "%v\n", err)
		os.Exit(ExitConfigError)
	}
	applyFlags(cmd, cfg)

	formatter := output.NewConsoleFormatter(
		output.WithVerbose(verboseFlag > 0),
		output.WithNoColor(noColorFlag || cfg.GetNoColor()),
	)

	var store *history.Store
	historyPath := historyFlag
	if historyPath == "" {
		historyPath = cfg.HistoryPath
	}
	if historyPath != "" {
		store, err = history.Open(historyPath)
		if err != nil {
			fmt.Fprintf(cmd.OutOrStderr(), "%v\n", err)
			os.Exit(ExitConfigError)
		}
		defer store.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng := buildEngine(cfg)

	runAll := func() int {
		failed := 0
		for _, path := range args {
			fmt.Fprintf(cmd.OutOrStdout(), "\n%s\n", path)
			wb, err := workbook.Load(path)
			if err != nil {
				fmt.Fprintf(cmd.OutOrStderr(), "  %v\n", err)
				failed++
				continue
			}
			failed += executeWorkbook(ctx, eng, wb, path, formatter, store, cfg)
		}
		if statsFlag {
			formatter.PrintStats(eng.Stats())
		}
		return failed
	}

	failed := runAll()

	if !watchFlag {
		if failed > 0 {
			// os.Exit skips deferred cleanup.
			if store != nil {
				store.Close()
			}
			stop()
			os.Exit(ExitRequestFailure)
		}
		return nil
	}

	return watchAndRerun(ctx, cmd, args, runAll)
}

func loadConfig(args []string) (*config.Config, error) {
	if configFlag != "" {
		return config.Load(configFlag)
	}
	dir := "."
	if len(args) > 0 {
		dir = filepath.Dir(args[0])
	}
	return config.Discover(dir)
}

// applyFlags overlays explicitly set CLI flags on the loaded config.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	if timeoutFlag != "" {
		if d, err := time.ParseDuration(timeoutFlag); err == nil {
			cfg.DefaultTimeout = int(d.Milliseconds())
		}
	}
	if cmd.Flags().Changed("retries") {
		enabled := retriesFlag > 0
		cfg.RetryEnabled = &enabled
		if enabled {
			cfg.MaxRetryAttempts = retriesFlag + 1
		}
	}
	if retryDelayFlag != "" {
		if d, err := time.ParseDuration(retryDelayFlag); err == nil {
			cfg.RetryDelayMs = int(d.Milliseconds())
		}
	}
	if cmd.Flags().Changed("parallel") {
		cfg.Parallel = &parallelFlag
	}
	if cmd.Flags().Changed("concurrency") {
		cfg.Concurrency = concurrencyFlag
	}
	if cmd.Flags().Changed("circuit-breaker") {
		cfg.CircuitBreakerEnabled = &breakerFlag
	}
	if cmd.Flags().Changed("circuit-breaker-threshold") {
		cfg.CircuitBreakerThreshold = thresholdFlag
	}
	if insecureFlag {
		disabled := false
		cfg.ValidateSSL = &disabled
	}
}

func buildEngine(cfg *config.Config) *engine.Engine {
	opts := []engine.Option{
		engine.WithDefaultTimeout(cfg.Timeout()),
		engine.WithMaxRedirects(cfg.MaxRedirects),
		engine.WithRetryPolicy(cfg.HandlerConfig()),
		engine.WithValidateSSL(cfg.GetValidateSSL()),
	}
	for name, value := range cfg.Headers {
		opts = append(opts, engine.WithDefaultHeader(name, value))
	}
	if cfg.GetParallel() {
		opts = append(opts, engine.WithParallel(cfg.Concurrency))
	}
	if rateFlag > 0 {
		opts = append(opts, engine.WithRateLimit(rateFlag, 1))
	}
	if verboseFlag > 1 {
		logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			Level(zerolog.DebugLevel).With().Timestamp().Logger()
		opts = append(opts, engine.WithLogger(logger))
	}
	return engine.New(opts...)
}

// executeWorkbook runs every spec in the workbook, honoring per-spec run
// counts, and returns the number of failed requests.
func executeWorkbook(ctx context.Context, eng *engine.Engine, wb *workbook.Workbook, path string, formatter *output.ConsoleFormatter, store *history.Store, cfg *config.Config) int {
	specs := wb.Specs()
	results := make([]*output.Result, len(specs))

	concurrency := 1
	if cfg.GetParallel() && cfg.Concurrency > 0 {
		concurrency = cfg.Concurrency
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, concurrency)
	for i, spec := range specs {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, s *request.Spec) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = executeSpec(ctx, eng, s)
		}(i, spec)
	}
	wg.Wait()

	passed, failed := 0, 0
	for _, r := range results {
		formatter.PrintResult(r)
		if r.Err != nil {
			failed++
		} else {
			passed++
		}
		if store != nil {
			saveHistory(store, path, r)
		}
	}
	formatter.PrintSummary(passed, failed)
	return failed
}

func executeSpec(ctx context.Context, eng *engine.Engine, spec *request.Spec) *output.Result {
	result := &output.Result{
		Name:   spec.Name,
		Method: spec.Method,
		URL:    spec.URL,
	}
	responses, err := eng.ExecuteRuns(ctx, spec)
	if err != nil {
		result.Err = apicize.AsError(err)
		return result
	}
	// The last run's response represents the request in the listing.
	result.Response = responses[len(responses)-1]
	return result
}

func saveHistory(store *history.Store, path string, r *output.Result) {
	entry := &history.Entry{
		Workbook:   path,
		Name:       r.Name,
		Method:     r.Method,
		URL:        r.URL,
		ExecutedAt: time.Now(),
	}
	if r.Response != nil {
		entry.ID = r.Response.ID
		entry.StatusCode = r.Response.StatusCode
		entry.DurationMs = r.Response.DurationMs()
	} else if r.Err != nil {
		entry.ErrorCode = string(r.Err.Code)
	}
	if entry.ID == "" {
		entry.ID = fmt.Sprintf("%s-%d", r.Name, time.Now().UnixNano())
	}
	if err := store.Save(entry); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to record history: %v\n", err)
	}
}

// watchAndRerun re-executes the workbooks whenever one changes on disk.
func watchAndRerun(ctx context.Context, cmd *cobra.Command, args []string, runAll func() int) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	watchedDirs := make(map[string]bool)
	for _, file := range args {
		dir := filepath.Dir(file)
		if !watchedDirs[dir] {
			if err := watcher.Add(dir); err != nil {
				fmt.Fprintf(cmd.OutOrStderr(), "failed to watch %s: %v\n", dir, err)
			}
			watchedDirs[dir] = true
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\nWatching for changes... (press Ctrl+C to stop)\n")

	watched := make(map[string]bool, len(args))
	for _, file := range args {
		watched[filepath.Clean(file)] = true
	}

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) && watched[filepath.Clean(event.Name)] {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(WatchDebounceDelay, func() {
					fmt.Fprintf(cmd.OutOrStdout(), "\nFile changed: %s\nRe-running...\n", event.Name)
					runAll()
					fmt.Fprintf(cmd.OutOrStdout(), "\nWatching for changes... (press Ctrl+C to stop)\n")
				})
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(cmd.OutOrStderr(), "watcher error: %v\n", err)
		}
	}
}
