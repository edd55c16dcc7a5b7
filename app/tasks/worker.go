package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/lysyi3m/job-importer/app/database"
	"github.com/lysyi3m/job-importer/app/queue"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/lysyi3m/job-importer/app/tasks")

const (
	DefaultConcurrency = 50

	taskTimeout       = 5 * time.Minute
	consumeErrorDelay = time.Second
)

// Pool runs a fixed number of workers that consume import tasks.
type Pool struct {
	queue       queue.Queue
	store       database.JobStore
	ledger      database.RunLedger
	concurrency int
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func NewPool(q queue.Queue, store database.JobStore, ledger database.RunLedger, concurrency int) *Pool {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		queue:       q,
		store:       store,
		ledger:      ledger,
		concurrency: concurrency,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (p *Pool) Start() {
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	slog.Debug("Worker pool started", "concurrency", p.concurrency)
}

// Stop stops consuming and waits for in-flight tasks to finish.
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		delivery, err := p.queue.Consume(p.ctx)
		if err != nil {
			if p.ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			slog.Warn("Failed to consume task", "worker_id", id, "error", err)

			select {
			case <-p.ctx.Done():
				return
			case <-time.After(consumeErrorDelay):
			}
			continue
		}

		p.executeTask(id, delivery)
	}
}

// executeTask settles one delivery. In-flight work is not cut short by Stop.
func (p *Pool) executeTask(workerID int, delivery *queue.Task) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(p.ctx), taskTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "tasks.import_job")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", delivery.ID),
		attribute.Int("task.attempt", delivery.Attempt),
	)

	task, err := NewImportJobTask(delivery, p.store, p.ledger)
	if err == nil {
		task.Start()
		span.SetAttributes(
			attribute.String("run.id", task.Payload.RunID),
			attribute.String("job.external_id", task.Payload.NormalizedRecord.DedupKey),
		)
		err = task.Execute(ctx)
	}

	if err == nil {
		if ackErr := p.queue.Ack(ctx, delivery); ackErr != nil {
			slog.Warn("Failed to ack task", "worker_id", workerID, "id", delivery.ID, "error", ackErr)
		}
		slog.Debug("Task completed", "worker_id", workerID, "id", delivery.ID, "duration", task.GetDuration())
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "task failed")

	exhausted, failErr := p.queue.Fail(ctx, delivery, err)
	if failErr != nil {
		slog.Error("Failed to report task failure to queue", "worker_id", workerID, "id", delivery.ID, "error", failErr, "cause", err)
		return
	}

	if !exhausted {
		slog.Warn("Task retry scheduled", "worker_id", workerID, "id", delivery.ID, "attempt", delivery.Attempt, "max_attempts", delivery.Policy.MaxAttempts, "error", err)
		return
	}

	runID := ""
	if task != nil {
		runID = task.Payload.RunID
	}
	if runID == "" {
		slog.Error("Task failed after maximum retries without a run", "worker_id", workerID, "id", delivery.ID, "last_error", err)
		return
	}

	slog.Error("Task failed after maximum retries", "worker_id", workerID, "id", delivery.ID, "run_id", runID, "attempt", delivery.Attempt, "last_error", err)
	if recErr := p.ledger.RecordFailure(ctx, runID, 1, err.Error()); recErr != nil {
		slog.Error("Failed to record task failure", "run_id", runID, "error", recErr)
	}
}

// DeadLetterRecorder counts tasks the queue dead-letters on its own, such as
// deliveries whose worker never came back, as one failure on their run.
func DeadLetterRecorder(ledger database.RunLedger) queue.DeadHandler {
	return func(ctx context.Context, delivery queue.Task, cause error) {
		var payload ImportPayload
		if err := json.Unmarshal(delivery.Payload, &payload); err != nil || payload.RunID == "" {
			slog.Error("Task dead-lettered without a run", "id", delivery.ID, "attempt", delivery.Attempt, "last_error", cause)
			return
		}

		slog.Error("Task failed after maximum retries", "id", delivery.ID, "run_id", payload.RunID, "attempt", delivery.Attempt, "last_error", cause)
		if err := ledger.RecordFailure(context.WithoutCancel(ctx), payload.RunID, 1, cause.Error()); err != nil {
			slog.Error("Failed to record task failure", "run_id", payload.RunID, "error", err)
		}
	}
}
