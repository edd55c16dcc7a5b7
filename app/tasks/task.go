package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lysyi3m/job-importer/app/database"
	"github.com/lysyi3m/job-importer/app/feed"
	"github.com/lysyi3m/job-importer/app/queue"
)

type TaskType string

const (
	TaskTypeImportJob TaskType = "importJob"
)

// ImportPayload is the wire form of one queued record.
type ImportPayload struct {
	NormalizedRecord feed.Record `json:"normalizedRecord"`
	RunID            string      `json:"runId"`
}

func EncodeImportPayload(record feed.Record, runID string) ([]byte, error) {
	data, err := json.Marshal(ImportPayload{NormalizedRecord: record, RunID: runID})
	if err != nil {
		return nil, fmt.Errorf("failed to encode import payload: %w", err)
	}
	return data, nil
}

type Task struct {
	ID        string
	Type      TaskType
	Attempt   int
	StartedAt *time.Time
}

func (t *Task) Start() {
	now := time.Now()
	t.StartedAt = &now
}

func (t *Task) GetDuration() time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	return time.Since(*t.StartedAt)
}

// ImportJobTask stores one normalized record and counts its outcome on the
// run it belongs to.
type ImportJobTask struct {
	Task
	Payload ImportPayload
	store   database.JobStore
	ledger  database.RunLedger
}

// NewImportJobTask decodes a queued delivery. A payload that cannot be decoded
// is returned as an error so the delivery is failed like any other.
func NewImportJobTask(delivery *queue.Task, store database.JobStore, ledger database.RunLedger) (*ImportJobTask, error) {
	t := &ImportJobTask{
		Task: Task{
			ID:      delivery.ID,
			Type:    TaskType(delivery.Name),
			Attempt: delivery.Attempt,
		},
		store:  store,
		ledger: ledger,
	}

	if t.Type != TaskTypeImportJob {
		return t, fmt.Errorf("unknown task type %q", delivery.Name)
	}
	if err := json.Unmarshal(delivery.Payload, &t.Payload); err != nil {
		return t, fmt.Errorf("failed to decode import payload: %w", err)
	}

	return t, nil
}

func (t *ImportJobTask) Execute(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if t.Payload.RunID == "" {
		return fmt.Errorf("import payload has no run id")
	}

	r := t.Payload.NormalizedRecord
	isNew, err := t.store.Upsert(ctx, database.Job{
		ExternalID:  r.DedupKey,
		Title:       r.Title,
		Company:     r.Company,
		Location:    r.Location,
		Description: r.Description,
		URL:         r.URL,
		Source:      r.Source,
		PublishedAt: r.PublishedAt,
		RawPayload:  r.RawPayload,
	})
	if err != nil {
		return err
	}

	if err := t.ledger.IncrementOutcome(ctx, t.Payload.RunID, isNew); err != nil {
		return fmt.Errorf("failed to count outcome: %w", err)
	}

	return nil
}
