package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"

	"github.com/pssdev/depotsync/internal/config"
	"github.com/pssdev/depotsync/internal/engine"
	"github.com/pssdev/depotsync/internal/event"
	"github.com/pssdev/depotsync/internal/fetch"
	"github.com/pssdev/depotsync/internal/manifest"
	"github.com/pssdev/depotsync/internal/progress"
	"github.com/pssdev/depotsync/internal/stats"
)

var version = "dev"

// rootFlags are shared between the download and verify subcommands.
type rootFlags struct {
	workers     int
	queueDepth  int
	maxAttempts int
	bwLimitStr  string
	server      string
	mirror      string
	failFast    bool
	repairs     int
	useCache    bool
	verbose     bool
	quiet       bool
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		flags       rootFlags
		showVersion bool
	)

	rootCmd := &cobra.Command{
		Use:           "depotsync",
		Short:         "Manifest-driven depot downloader with verify and repair",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Fprintf(os.Stdout, "depotsync %s\n", version)
				return nil
			}
			return cmd.Help()
		},
	}

	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print version and exit")

	pf := rootCmd.PersistentFlags()
	pf.IntVarP(&flags.workers, "workers", "n", 0, "number of download workers (default: min(NumCPU, 8))")
	pf.IntVar(&flags.queueDepth, "queue-depth", 0, "max queued fetch tasks per depot (default 64)")
	pf.IntVar(&flags.maxAttempts, "max-attempts", 0, "fetch attempts per chunk before the file fails (default 3)")
	pf.StringVar(&flags.bwLimitStr, "bwlimit", "", "download bandwidth limit (e.g. 100M, 1G)")
	pf.StringVar(&flags.server, "server", "", "content server base URL")
	pf.StringVar(&flags.mirror, "mirror", "", "local chunk mirror directory (used instead of --server)")
	pf.BoolVar(&flags.failFast, "fail-fast", false, "abort the run on the first file failure")
	pf.IntVar(&flags.repairs, "repair-passes", 1, "extra verify+download cycles over failed files")
	pf.BoolVar(&flags.useCache, "cache", false, "skip rehashing files recorded as verified and unchanged")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "verbose output")
	pf.BoolVarP(&flags.quiet, "quiet", "q", false, "suppress all output except errors")

	rootCmd.AddCommand(downloadCmd(&flags))
	rootCmd.AddCommand(verifyCmd(&flags))

	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	return 0
}

func downloadCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "download <depot-set.json> <target-dir>",
		Short: "Download or repair a depot set into a target tree",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd, flags, args[0], args[1], false)
		},
	}
}

func verifyCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <depot-set.json> <target-dir>",
		Short: "Verify an existing tree against a depot set without downloading",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd, flags, args[0], args[1], true)
		},
	}
}

//nolint:gocyclo // CLI entry point wires flags, config, logging and the engine
func runEngine(cmd *cobra.Command, flags *rootFlags, setPath, root string, verifyOnly bool) error {
	// Configure logging first so config warnings land somewhere.
	logLevel := slog.LevelWarn
	if flags.verbose {
		logLevel = slog.LevelDebug
	} else if !flags.quiet {
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Warn("failed to load config", "error", err)
	}
	applyConfigDefaults(cmd, cfg.Defaults, flags)

	set, err := manifest.LoadSet(setPath)
	if err != nil {
		return err
	}

	var bwLimit int64
	if flags.bwLimitStr != "" {
		bwLimit, err = config.ParseSize(flags.bwLimitStr)
		if err != nil {
			return fmt.Errorf("invalid --bwlimit: %w", err)
		}
	}

	workers := flags.workers
	if workers <= 0 {
		workers = min(runtime.NumCPU(), 8)
	}

	retry := engine.DefaultRetryPolicy()
	if flags.maxAttempts > 0 {
		retry.MaxAttempts = flags.maxAttempts
	}

	var fetcher fetch.Fetcher
	if !verifyOnly {
		fetcher, err = buildFetcher(cmd.Context(), flags)
		if err != nil {
			return err
		}
	}

	var cache *engine.VerifyCache
	if flags.useCache {
		cache, err = engine.OpenVerifyCache(root)
		if err != nil {
			slog.Warn("verify cache unavailable", "error", err)
		} else {
			defer cache.Close()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	events := make(chan event.Event, 256)

	reporter := progress.NewReporter(progress.Options{
		Writer:   os.Stdout,
		Stats:    collector,
		Interval: time.Second,
		Verbose:  flags.verbose,
		Quiet:    flags.quiet,
	})
	var reporterWg sync.WaitGroup
	reporterWg.Add(1)
	go func() {
		defer reporterWg.Done()
		reporter.Run(events)
	}()

	slog.Debug("starting run",
		"depots", len(set.Depots),
		"root", root,
		"workers", workers,
		"verify_only", verifyOnly,
	)

	result := engine.Run(ctx, engine.Config{
		Root:         root,
		Depots:       set.Depots,
		Fetcher:      fetcher,
		Workers:      workers,
		QueueDepth:   flags.queueDepth,
		Retry:        retry,
		FailFast:     flags.failFast,
		VerifyOnly:   verifyOnly,
		RepairPasses: flags.repairs,
		BWLimit:      bwLimit,
		Events:       events,
		Stats:        collector,
		Cache:        cache,
	})
	stop()
	close(events)
	reporterWg.Wait()

	printSummary(result, verifyOnly, flags.quiet)

	if result.Err != nil {
		if verifyOnly && result.MissingFiles > 0 {
			return &exitError{code: 1}
		}
		slog.Error("run failed", "error", result.Err)
		if anyProgress(result) {
			return &exitError{code: 1} // partial failure
		}
		return &exitError{code: 2} // total failure
	}
	return nil
}

// buildFetcher picks the chunk source: a local/bucket mirror when --mirror is
// set, the content server otherwise.
func buildFetcher(ctx context.Context, flags *rootFlags) (fetch.Fetcher, error) {
	if flags.mirror != "" {
		url := flags.mirror
		if !strings.Contains(url, "://") {
			url = "file://" + url
		}
		var bucket *blob.Bucket
		var err error
		if strings.HasPrefix(url, "file://") {
			bucket, err = fileblob.OpenBucket(strings.TrimPrefix(url, "file://"), nil)
		} else {
			bucket, err = blob.OpenBucket(ctx, url)
		}
		if err != nil {
			return nil, fmt.Errorf("open chunk mirror %s: %w", flags.mirror, err)
		}
		return fetch.NewBucketFetcher(bucket), nil
	}
	if flags.server == "" {
		return nil, errors.New("either --server or --mirror is required")
	}
	return fetch.NewHTTPFetcher(fetch.HTTPOptions{BaseURL: flags.server})
}

func printSummary(result engine.Result, verifyOnly, quiet bool) {
	if quiet && result.Err == nil {
		return
	}

	if verifyOnly {
		if result.MissingFiles == 0 {
			fmt.Fprintln(os.Stderr, "all files verified")
		} else {
			fmt.Fprintf(os.Stderr, "%d files need repair (%s to fetch)\n",
				result.MissingFiles, stats.FormatBytes(result.MissingBytes))
		}
		return
	}

	fmt.Fprintln(os.Stderr, progress.Summary(result.Stats))
	for _, f := range result.Failures {
		fmt.Fprintf(os.Stderr, "  failed: %s: %v\n", f.Path, f.Err)
	}
	if n := len(result.Overwrites); n > 0 {
		fmt.Fprintf(os.Stderr, "%d overwrites logged to %s\n", n, engine.OverwriteReportName)
	}
}

// anyProgress reports whether the run completed at least one file.
func anyProgress(result engine.Result) bool {
	return result.Stats.FilesVerified > 0 || result.Stats.FilesRepaired > 0
}

// applyConfigDefaults applies config file defaults for flags not explicitly
// set on the CLI.
func applyConfigDefaults(cmd *cobra.Command, defaults config.DefaultsConfig, flags *rootFlags) {
	f := cmd.Flags()
	if !f.Changed("workers") && defaults.Workers != nil {
		flags.workers = *defaults.Workers
	}
	if !f.Changed("queue-depth") && defaults.QueueDepth != nil {
		flags.queueDepth = *defaults.QueueDepth
	}
	if !f.Changed("max-attempts") && defaults.MaxAttempts != nil {
		flags.maxAttempts = *defaults.MaxAttempts
	}
	if !f.Changed("bwlimit") && defaults.BWLimit != nil {
		flags.bwLimitStr = *defaults.BWLimit
	}
	if !f.Changed("cache") && defaults.Cache != nil {
		flags.useCache = *defaults.Cache
	}
	if !f.Changed("server") && defaults.ContentURL != nil {
		flags.server = *defaults.ContentURL
	}
}

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}
