package database

import (
	"encoding/json"
	"time"
)

// Job is a stored job listing keyed by ExternalID
type Job struct {
	ID          int64
	ExternalID  string
	Title       string
	Company     string
	Location    string
	Description string
	URL         string
	Source      string
	PublishedAt time.Time
	RawPayload  json.RawMessage
	Revision    int // 1 after insert, +1 per overwrite
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ImportLog is the audit row of a single feed import run
type ImportLog struct {
	ID             string
	FileName       string // feed name
	ImportDateTime time.Time
	Total          int
	NewJobs        int
	UpdatedJobs    int
	FailedJobs     int
	FailedReasons  []string
}

// Settled reports whether every declared item has reached an outcome.
func (l *ImportLog) Settled() bool {
	return l.NewJobs+l.UpdatedJobs+l.FailedJobs >= l.Total
}
