package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/brettboylen/reddit-dau/api"
	"github.com/brettboylen/reddit-dau/db"
	"github.com/brettboylen/reddit-dau/models"
	"github.com/brettboylen/reddit-dau/report"
	"github.com/brettboylen/reddit-dau/server"
	"github.com/brettboylen/reddit-dau/stats"
	"github.com/brettboylen/reddit-dau/utils"
)

func main() {
	envPath := flag.String("env", ".env", "Path to .env file")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	start := flag.String("start", "", "First day to process, YYYY-MM-DD (default DAU_START)")
	end := flag.String("end", "", "Last day to process, inclusive, YYYY-MM-DD (default DAU_END)")
	maxDays := flag.Int("max-days", 0, "Process at most N days this run, 0 for all (default DAU_MAX_DAYS)")
	contribFrac := flag.Float64("contrib-frac", 0.06, "Assumed fraction of daily users who post or comment")
	workers := flag.Int("workers", 1, "Days processed in parallel (default DAU_WORKERS)")
	serve := flag.Bool("serve", false, "Keep serving the API after the run (default SERVER_ENABLED)")
	flag.Parse()

	log := setupLogger(*logLevel)
	log.Info("Starting Reddit DAU estimator")

	// flags only override the environment when given explicitly
	var overrides utils.Overrides
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "start":
			overrides.Start = start
		case "end":
			overrides.End = end
		case "max-days":
			overrides.MaxDays = maxDays
		case "contrib-frac":
			overrides.ContributorFraction = contribFrac
		case "workers":
			overrides.Workers = workers
		case "serve":
			overrides.Serve = serve
		}
	})

	config, err := utils.LoadConfig(*envPath, overrides, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}

	closeLog, err := teeLogFile(log, config.Log.Path)
	if err != nil {
		log.WithError(err).Fatal("Failed to open log file")
	}

	log.WithFields(logrus.Fields{
		"start":        models.DayKey(config.Estimate.Start),
		"end":          models.DayKey(config.Estimate.End),
		"max_days":     config.Estimate.MaxDays,
		"workers":      config.Estimate.Workers,
		"contrib_frac": config.Estimate.ContributorFraction,
		"database":     config.Database.Path,
		"server":       config.Server.Enabled,
	}).Info("Configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	go waitForShutdown(ctx, cancel, log)

	err = run(ctx, config, log)
	cancel()
	if err != nil {
		log.WithError(err).Error("Reddit DAU estimator failed")
		closeLog()
		os.Exit(1)
	}

	log.Info("Reddit DAU estimator stopped")
	closeLog()
}

// run processes the configured range, prints the report and optionally serves the API
func run(ctx context.Context, config *utils.Config, log *logrus.Logger) error {
	database, err := db.NewDatabase(config.Database.Path, log)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	registry := prometheus.NewRegistry()
	metrics := stats.NewMetrics(registry)

	client := api.NewPushshiftClient(api.PushshiftConfig{
		BaseURL:         config.Pushshift.BaseURL,
		UserAgent:       config.Pushshift.UserAgent,
		PageSize:        config.Pushshift.PageSize,
		Timeout:         config.Pushshift.Timeout,
		RequestInterval: config.Pushshift.RequestInterval,
		Backoff: api.BackoffPolicy{
			MaxAttempts:  config.Pushshift.MaxAttempts,
			BaseDelay:    config.Pushshift.BackoffBase,
			MaxDelay:     config.Pushshift.BackoffMax,
			Factor:       config.Pushshift.BackoffFactor,
			JitterFactor: api.DefaultBackoffPolicy().JitterFactor,
		},
	}, metrics, log)
	log.WithField("page_size", client.PageSize()).Debug("Pushshift client ready")

	estimator := stats.NewEstimator(
		client,
		database,
		models.NewExcludedAuthors(config.Estimate.ExcludedAuthors...),
		config.Estimate.Workers,
		metrics,
		log,
	)

	start, end := config.Estimate.Start, config.Estimate.End
	summary, err := estimator.Run(ctx, start, end, config.Estimate.MaxDays)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("run interrupted after %d days, rerun to resume: %w", summary.DaysProcessed, err)
		}
		return fmt.Errorf("DAU run failed: %w", err)
	}

	months, err := estimator.Monthly(ctx, start, end)
	if err != nil {
		return err
	}

	fmt.Print("\n==== Monthly Contributor DAU (Pushshift, site-wide) ====\n\n")
	fmt.Println(report.RenderMonthly(months))
	if len(months) > 0 {
		fmt.Println()
		fmt.Println(report.RenderExtrapolation(months, report.ContributorFraction(config.Estimate.ContributorFraction)))
	}

	subs, err := database.ListSubreddits(ctx, models.DayKey(start), models.DayKey(end))
	if err != nil {
		return err
	}
	if err := report.WriteSubreddits(config.Estimate.SubredditsOutfile, subs); err != nil {
		return err
	}
	fmt.Println()
	fmt.Println(report.RenderSubreddits(subs, config.Estimate.SubredditsOutfile, config.Estimate.PrintSubredditsLimit))
	if config.Log.Path != "" {
		fmt.Println("\nLogs:", config.Log.Path)
	}

	if !config.Server.Enabled {
		return nil
	}

	srv := server.New(database, registry, config.Server.Port, config.Server.MaxRequestsPerMinute, log)
	return srv.Run(ctx)
}

// setupLogger sets up the logger with the specified log level
func setupLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "info":
		log.SetLevel(logrus.InfoLevel)
	case "warn":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}

	return log
}

// teeLogFile additionally writes log output to path, when set
func teeLogFile(log *logrus.Logger, path string) (func(), error) {
	if path == "" {
		return func() {}, nil
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return func() { f.Close() }, nil
}

// waitForShutdown cancels on SIGINT or SIGTERM; it returns when ctx ends either way
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, log *logrus.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		log.WithField("signal", sig.String()).Info("Shutdown signal received")
		cancel()
	case <-ctx.Done():
	}
}
