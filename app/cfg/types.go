package cfg

import (
	"time"

	"github.com/lysyi3m/job-importer/app/feed"
)

type Cfg struct {
	// Feeds
	Feeds     []feed.Feed
	FeedsFile string

	// Pipeline
	CronExpression        string
	Concurrency           int
	QueueURL              string
	DatabaseURL           string
	FetchTimeout          time.Duration
	MaxAttempts           int
	BackoffDelay          time.Duration
	PlainTextDescriptions bool
	ExclusiveFeeds        bool
	RunOnStart            bool

	// Application
	Port         string
	APIAccessKey string
	UserAgent    string
	Timezone     string
	Location     *time.Location
	Debug        bool
	Version      string

	// Tracing
	TracingEnabled  bool
	TracingEndpoint string
}

// MemoryQueue reports whether tasks are kept in process memory only.
func (c *Cfg) MemoryQueue() bool {
	return c.QueueURL == MemoryQueueURL
}
