package api

import (
	"context"
	"time"

	"github.com/lysyi3m/job-importer/app/database"
	"github.com/lysyi3m/job-importer/app/queue"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
	deadLetterLimit  = 100
)

// QueueInspector is the read-only side of the task queue.
type QueueInspector interface {
	Stats(ctx context.Context) (queue.Stats, error)
	DeadLetters(ctx context.Context, limit int) ([]queue.DeadLetter, error)
}

var _ QueueInspector = (queue.Queue)(nil)

type Handler struct {
	jobStore database.JobStore
	ledger   database.RunLedger
	queue    QueueInspector
	version  string
	now      func() time.Time
}

type importLogResponse struct {
	ID             string    `json:"id"`
	FileName       string    `json:"fileName"`
	ImportDateTime time.Time `json:"importDateTime"`
	Total          int       `json:"total"`
	NewJobs        int       `json:"newJobs"`
	UpdatedJobs    int       `json:"updatedJobs"`
	FailedJobs     int       `json:"failedJobs"`
	FailedReasons  []string  `json:"failedReasons"`
	Settled        bool      `json:"settled"`
}

type pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

type importLogListResponse struct {
	Items      []importLogResponse `json:"items"`
	Pagination pagination          `json:"pagination"`
}

type deadLetterResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError"`
	DiedAt    time.Time `json:"diedAt"`
}

func toImportLogResponse(l database.ImportLog) importLogResponse {
	reasons := l.FailedReasons
	if reasons == nil {
		reasons = []string{}
	}

	return importLogResponse{
		ID:             l.ID,
		FileName:       l.FileName,
		ImportDateTime: l.ImportDateTime,
		Total:          l.Total,
		NewJobs:        l.NewJobs,
		UpdatedJobs:    l.UpdatedJobs,
		FailedJobs:     l.FailedJobs,
		FailedReasons:  reasons,
		Settled:        l.Settled(),
	}
}
