package cfg

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/robfig/cron/v3"
)

// Version is set at build time via -ldflags
var Version = "dev"

const MemoryQueueURL = "memory"

func GetVersion() string {
	return cmp.Or(Version, "unknown")
}

type rawCfg struct {
	// Feeds
	Feeds     string `long:"feeds" env:"JOB_FEEDS" description:"Comma-separated list of name|url feed entries"`
	FeedsFile string `long:"feeds-file" env:"FEEDS_FILE" description:"YAML file with a list of feeds (name, url)"`

	// Pipeline
	CronExpression        string `long:"cron" env:"CRON_EXPRESSION" default:"0 * * * *" description:"Cron expression for import cycles"`
	Concurrency           int    `long:"concurrency" env:"QUEUE_CONCURRENCY" default:"50" description:"Number of concurrent import workers"`
	QueueURL              string `long:"queue" env:"QUEUE_URL" default:"./data/queue.db" description:"SQLite file for the task queue, or 'memory'"`
	DatabaseURL           string `long:"database" env:"DATABASE_URL" default:"./data/jobs.db" description:"SQLite file or postgres:// URL for jobs and import logs"`
	FetchTimeout          int    `long:"fetch-timeout" env:"FETCH_TIMEOUT" default:"20" description:"Feed fetch timeout in seconds"`
	MaxAttempts           int    `long:"max-attempts" env:"TASK_MAX_ATTEMPTS" default:"3" description:"Attempts per import task before it is counted as failed"`
	BackoffDelay          int    `long:"backoff-delay" env:"TASK_BACKOFF_DELAY_MS" default:"1000" description:"Base exponential backoff between task attempts in milliseconds"`
	PlainTextDescriptions bool   `long:"plain-text-descriptions" env:"PLAIN_TEXT_DESCRIPTIONS" description:"Convert HTML descriptions to plain text"`
	ExclusiveFeeds        bool   `long:"exclusive-feeds" env:"EXCLUSIVE_FEEDS" description:"Skip a feed while a previous cycle is still importing it"`
	RunOnStart            bool   `long:"run-on-start" env:"RUN_ON_START" description:"Run one import cycle immediately on startup"`

	// Application
	Port         string `long:"port" env:"PORT" default:"5000" description:"HTTP server port"`
	APIAccessKey string `long:"api-key" env:"API_ACCESS_KEY" description:"API access key for the reporting endpoints (optional)"`
	UserAgent    string `long:"user-agent" env:"USER_AGENT" default:"Job Importer/1.0" description:"User agent string for feed requests"`
	Timezone     string `long:"timezone" env:"TZ" default:"UTC" description:"Timezone for the cron schedule (e.g., UTC, America/New_York)"`
	Debug        bool   `long:"debug" env:"DEBUG" description:"Enable debug logging"`

	// Tracing
	TracingEnabled  bool   `long:"tracing" env:"TRACING_ENABLED" description:"Enable OpenTelemetry tracing"`
	TracingEndpoint string `long:"tracing-endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT" description:"OTLP HTTP endpoint (host:port); stdout exporter when empty"`
}

// Load parses command-line flags and environment variables. It returns nil
// without error when help was requested.
func Load() (*Cfg, error) {
	return LoadArgs(os.Args[1:])
}

func LoadArgs(args []string) (*Cfg, error) {
	var raw rawCfg

	parser := flags.NewParser(&raw, flags.Default)

	if _, err := parser.ParseArgs(args); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	return build(raw)
}

func build(raw rawCfg) (*Cfg, error) {
	cfg := &Cfg{
		FeedsFile:             raw.FeedsFile,
		CronExpression:        raw.CronExpression,
		Concurrency:           raw.Concurrency,
		QueueURL:              raw.QueueURL,
		DatabaseURL:           raw.DatabaseURL,
		FetchTimeout:          time.Duration(raw.FetchTimeout) * time.Second,
		MaxAttempts:           raw.MaxAttempts,
		BackoffDelay:          time.Duration(raw.BackoffDelay) * time.Millisecond,
		PlainTextDescriptions: raw.PlainTextDescriptions,
		ExclusiveFeeds:        raw.ExclusiveFeeds,
		RunOnStart:            raw.RunOnStart,
		Port:                  raw.Port,
		APIAccessKey:          raw.APIAccessKey,
		UserAgent:             raw.UserAgent,
		Timezone:              raw.Timezone,
		Debug:                 raw.Debug,
		Version:               GetVersion(),
		TracingEnabled:        raw.TracingEnabled,
		TracingEndpoint:       raw.TracingEndpoint,
	}

	if cfg.Concurrency <= 0 {
		return nil, fmt.Errorf("concurrency must be positive, got %d", cfg.Concurrency)
	}
	if raw.FetchTimeout <= 0 {
		return nil, fmt.Errorf("fetch timeout must be positive, got %d", raw.FetchTimeout)
	}
	if cfg.MaxAttempts <= 0 {
		return nil, fmt.Errorf("max attempts must be positive, got %d", cfg.MaxAttempts)
	}
	if raw.BackoffDelay < 0 {
		return nil, fmt.Errorf("backoff delay must not be negative, got %d", raw.BackoffDelay)
	}
	if _, err := cron.ParseStandard(cfg.CronExpression); err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", cfg.CronExpression, err)
	}

	cfg.Location = loadLocation(cfg.Timezone)

	feeds := ParseFeeds(raw.Feeds)
	if cfg.FeedsFile != "" {
		fileFeeds, err := LoadFeedsFile(cfg.FeedsFile)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, fileFeeds...)
	}
	cfg.Feeds = dedupeFeeds(feeds)

	return cfg, nil
}

func loadLocation(timezone string) *time.Location {
	if timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		slog.Warn("Invalid timezone, using UTC", "timezone", timezone, "error", err)
		return time.UTC
	}
	return loc
}
