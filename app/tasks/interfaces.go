package tasks

import (
	"context"

	"github.com/lysyi3m/job-importer/app/feed"
	"github.com/lysyi3m/job-importer/app/queue"
	"github.com/robfig/cron/v3"
)

// FeedClient fetches a feed and normalizes its items.
type FeedClient interface {
	FetchAndNormalize(ctx context.Context, f feed.Feed) ([]feed.Record, error)
}

// TaskSubmitter is the producer side of the task queue.
type TaskSubmitter interface {
	Enqueue(ctx context.Context, name string, payload []byte, policy queue.Policy) (string, error)
}

// RunSubmitter starts one import run for a feed and returns the run id.
// Used by the Scheduler; implemented by Enqueuer.
type RunSubmitter interface {
	SubmitRun(ctx context.Context, f feed.Feed) (string, error)
}

// Trigger fires registered functions on a cron schedule. *cron.Cron
// satisfies it; tests pass a fake they can fire by hand.
type Trigger interface {
	AddFunc(spec string, cmd func()) (cron.EntryID, error)
	Start()
	Stop() context.Context
}
