package database

import (
	"context"
)

// JobStore persists normalized job records.
type JobStore interface {
	// Upsert inserts or overwrites the job by ExternalID in one statement and
	// reports whether a new row was created.
	Upsert(ctx context.Context, job Job) (bool, error)
	Get(ctx context.Context, externalID string) (*Job, error)
	Count(ctx context.Context) (int, error)
}

// RunLedger records per-run import statistics. Every mutation is a single
// atomic statement so concurrent workers never lose updates.
type RunLedger interface {
	Create(ctx context.Context, feedName string) (string, error)
	SetTotal(ctx context.Context, id string, total int) error
	IncrementOutcome(ctx context.Context, id string, isNew bool) error
	RecordFailure(ctx context.Context, id string, count int, reason string) error

	Get(ctx context.Context, id string) (*ImportLog, error)
	List(ctx context.Context, page, limit int) ([]ImportLog, error)
	Count(ctx context.Context) (int, error)
}
