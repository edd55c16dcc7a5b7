package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lysyi3m/job-importer/app/api"
	"github.com/lysyi3m/job-importer/app/cfg"
	"github.com/lysyi3m/job-importer/app/database"
	"github.com/lysyi3m/job-importer/app/feed"
	"github.com/lysyi3m/job-importer/app/observability"
	"github.com/lysyi3m/job-importer/app/queue"
	"github.com/lysyi3m/job-importer/app/tasks"
	"github.com/robfig/cron/v3"
)

// lifecycleQueue is a task queue owned by main.
type lifecycleQueue interface {
	queue.Queue
	Start()
	Close() error
}

func main() {
	appCfg, err := cfg.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if appCfg == nil {
		return
	}

	logLevel := slog.LevelInfo
	if appCfg.Debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("Starting Job Importer", "version", appCfg.Version, "feeds", len(appCfg.Feeds))

	shutdownTracer, err := observability.InitTracer(appCfg.TracingEnabled, "job-importer", appCfg.Version, appCfg.TracingEndpoint)
	if err != nil {
		slog.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	db, err := database.NewConnection(appCfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	version, dirty, err := database.RunMigrations(db)
	if err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("Database ready", "dialect", db.Dialect(), "schema_version", version, "dirty", dirty)

	jobStore := database.NewJobRepository(db)
	ledger := database.NewImportLogRepository(db)

	taskQueue, queueDB, err := openQueue(appCfg, queue.WithDeadHandler(tasks.DeadLetterRecorder(ledger)))
	if err != nil {
		slog.Error("Failed to open task queue", "error", err)
		os.Exit(1)
	}
	taskQueue.Start()

	var parserOpts []feed.ParserOption
	if appCfg.PlainTextDescriptions {
		parserOpts = append(parserOpts, feed.WithPlainTextDescriptions())
	}
	client := feed.NewClient(
		feed.NewFetcher(nil, appCfg.UserAgent, appCfg.FetchTimeout),
		feed.NewParser(parserOpts...),
	)

	policy := queue.Policy{
		MaxAttempts:       appCfg.MaxAttempts,
		Backoff:           queue.BackoffExponential,
		Delay:             appCfg.BackoffDelay,
		DiscardOnComplete: true,
	}
	enqueuer := tasks.NewEnqueuer(client, ledger, taskQueue, policy)

	pool := tasks.NewPool(taskQueue, jobStore, ledger, appCfg.Concurrency)
	pool.Start()

	var schedulerOpts []tasks.SchedulerOption
	if appCfg.ExclusiveFeeds {
		schedulerOpts = append(schedulerOpts, tasks.WithExclusiveFeeds())
	}
	if appCfg.RunOnStart {
		schedulerOpts = append(schedulerOpts, tasks.WithRunOnStart())
	}

	trigger := cron.New(cron.WithLocation(appCfg.Location))
	scheduler, err := tasks.NewScheduler(appCfg.Feeds, enqueuer, trigger, appCfg.CronExpression, schedulerOpts...)
	if err != nil {
		slog.Error("Failed to create scheduler", "error", err)
		os.Exit(1)
	}
	scheduler.Start()

	handler := api.NewHandler(jobStore, ledger, taskQueue, appCfg.Version)
	httpServer := &http.Server{
		Addr:         ":" + appCfg.Port,
		Handler:      api.NewServer(handler, appCfg.APIAccessKey),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		slog.Info("HTTP server starting", "port", appCfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-serverErrChan:
		slog.Error("HTTP server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	scheduler.Stop()
	slog.Info("Scheduler stopped")

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	pool.Stop()
	slog.Info("Worker pool stopped")

	if err := taskQueue.Close(); err != nil {
		slog.Error("Task queue close error", "error", err)
	}
	if queueDB != nil {
		queueDB.Close()
	}

	if err := shutdownTracer(shutdownCtx); err != nil {
		slog.Error("Tracer shutdown error", "error", err)
	}

	db.Close()
	slog.Info("Shutdown complete")
}

// openQueue returns the configured task queue and, for the durable queue,
// the database it owns.
func openQueue(appCfg *cfg.Cfg, opts ...queue.Option) (lifecycleQueue, *database.DB, error) {
	if appCfg.MemoryQueue() {
		slog.Warn("Using in-memory task queue, pending tasks are lost on restart")
		return queue.NewMemoryQueue(opts...), nil, nil
	}

	queueDB, err := database.OpenSQLite(appCfg.QueueURL)
	if err != nil {
		return nil, nil, err
	}

	q, err := queue.NewSQLiteQueue(queueDB.DB, opts...)
	if err != nil {
		queueDB.Close()
		return nil, nil, err
	}

	slog.Info("Using durable task queue", "path", appCfg.QueueURL)
	return q, queueDB, nil
}
