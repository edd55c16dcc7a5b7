package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lysyi3m/job-importer/app/database"
	"github.com/lysyi3m/job-importer/app/feed"
	"github.com/lysyi3m/job-importer/app/queue"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var _ RunSubmitter = (*Enqueuer)(nil)

// Enqueuer turns one feed fetch into a run row plus one queued task per item.
type Enqueuer struct {
	client FeedClient
	ledger database.RunLedger
	queue  TaskSubmitter
	policy queue.Policy
}

func NewEnqueuer(client FeedClient, ledger database.RunLedger, q TaskSubmitter, policy queue.Policy) *Enqueuer {
	return &Enqueuer{
		client: client,
		ledger: ledger,
		queue:  q,
		policy: policy,
	}
}

// SubmitRun creates the run before fetching so a failed fetch is still on
// record. The run id is returned whenever the run row exists. Failures are
// written even when ctx was cancelled mid-run.
func (e *Enqueuer) SubmitRun(ctx context.Context, f feed.Feed) (string, error) {
	ctx, span := tracer.Start(ctx, "tasks.submit_run")
	defer span.End()
	span.SetAttributes(attribute.String("feed.name", f.Name))

	runID, err := e.ledger.Create(ctx, f.Name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create run failed")
		return "", fmt.Errorf("failed to create import log: %w", err)
	}
	span.SetAttributes(attribute.String("run.id", runID))

	records, err := e.client.FetchAndNormalize(ctx, f)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		if recErr := e.ledger.RecordFailure(context.WithoutCancel(ctx), runID, 1, err.Error()); recErr != nil {
			slog.Error("Failed to record fetch failure", "feed", f.Name, "run_id", runID, "error", recErr)
		}
		return runID, err
	}

	if err := e.ledger.SetTotal(ctx, runID, len(records)); err != nil {
		span.RecordError(err)
		return runID, fmt.Errorf("failed to set run total: %w", err)
	}

	submitted := 0
	for _, record := range records {
		payload, err := EncodeImportPayload(record, runID)
		if err == nil {
			_, err = e.queue.Enqueue(ctx, string(TaskTypeImportJob), payload, e.policy)
		}
		if err != nil {
			remaining := len(records) - submitted
			span.RecordError(err)
			span.SetStatus(codes.Error, "submit failed")
			reason := fmt.Sprintf("failed to submit %d of %d items: %v", remaining, len(records), err)
			if recErr := e.ledger.RecordFailure(context.WithoutCancel(ctx), runID, remaining, reason); recErr != nil {
				slog.Error("Failed to record submission failure", "feed", f.Name, "run_id", runID, "error", recErr)
			}
			return runID, fmt.Errorf("failed to submit task: %w", err)
		}
		submitted++
	}

	span.SetAttributes(attribute.Int("run.total", len(records)))
	slog.Info("Run submitted", "feed", f.Name, "run_id", runID, "total", len(records))

	return runID, nil
}
