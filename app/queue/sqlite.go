package queue

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const migrationsTable = "queue_schema_migrations"

var _ Queue = (*SQLiteQueue)(nil)

// SQLiteQueue persists tasks in a SQLite table so pending work survives a
// restart. Claims happen in a single UPDATE ... RETURNING statement.
type SQLiteQueue struct {
	db   *sql.DB
	opts options

	mu     sync.Mutex
	wake   notifier
	closed bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSQLiteQueue migrates the queue schema on db and returns a queue bound to it.
func NewSQLiteQueue(db *sql.DB, opts ...Option) (*SQLiteQueue, error) {
	if err := migrateQueue(db); err != nil {
		return nil, err
	}

	return &SQLiteQueue{
		db:   db,
		opts: buildOptions(opts),
		wake: newNotifier(),
	}, nil
}

func migrateQueue(db *sql.DB) error {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{MigrationsTable: migrationsTable})
	if err != nil {
		return fmt.Errorf("failed to create queue migration driver: %w", err)
	}

	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create iofs source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run queue migrations: %w", err)
	}
	return nil
}

// Start runs the lease reclaim loop until Close.
func (q *SQLiteQueue) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		reclaimLoop(ctx, q.opts.reclaimEvery, q.Reclaim)
	}()
}

// Close stops consumers and the reclaim loop. The database stays open.
func (q *SQLiteQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.wake.broadcast()
	}
	q.mu.Unlock()

	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	return nil
}

func (q *SQLiteQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *SQLiteQueue) signal() {
	q.mu.Lock()
	q.wake.broadcast()
	q.mu.Unlock()
}

func (q *SQLiteQueue) waitChan() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.wake.ch
}

func (q *SQLiteQueue) Enqueue(ctx context.Context, name string, payload []byte, policy Policy) (string, error) {
	if q.isClosed() {
		return "", ErrClosed
	}

	policy = normalizePolicy(policy)
	id := uuid.NewString()
	now := q.opts.now().UnixMilli()

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_tasks (
			id, name, payload, state, attempts, max_attempts, backoff, backoff_delay_ms,
			discard_on_complete, available_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?)
	`, id, name, payload, statePending, policy.MaxAttempts, string(policy.Backoff), policy.Delay.Milliseconds(),
		policy.DiscardOnComplete, now, now, now)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}

	q.signal()
	return id, nil
}

func (q *SQLiteQueue) Consume(ctx context.Context) (*Task, error) {
	for {
		if q.isClosed() {
			return nil, ErrClosed
		}

		// Take the wake channel before claiming so an enqueue in between is not missed.
		wake := q.waitChan()

		task, err := q.claim(ctx)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}

		timer := time.NewTimer(q.opts.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (q *SQLiteQueue) claim(ctx context.Context) (*Task, error) {
	now := q.opts.now()
	leaseID := uuid.NewString()
	leaseExpires := now.Add(q.opts.leaseDuration)

	var (
		task      Task
		backoff   string
		delayMs   int64
		discard   bool
		expiresMs int64
	)

	err := q.db.QueryRowContext(ctx, `
		UPDATE queue_tasks
		SET state = ?, attempts = attempts + 1, lease_id = ?, lease_expires_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM queue_tasks
			WHERE state = ? AND available_at <= ?
			ORDER BY available_at, rowid
			LIMIT 1
		)
		RETURNING id, name, payload, attempts, max_attempts, backoff, backoff_delay_ms, discard_on_complete, lease_expires_at
	`, stateActive, leaseID, leaseExpires.UnixMilli(), now.UnixMilli(), statePending, now.UnixMilli()).Scan(
		&task.ID, &task.Name, &task.Payload, &task.Attempt, &task.Policy.MaxAttempts,
		&backoff, &delayMs, &discard, &expiresMs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}

	task.Policy.Backoff = BackoffType(backoff)
	task.Policy.Delay = time.Duration(delayMs) * time.Millisecond
	task.Policy.DiscardOnComplete = discard
	task.LeaseExpiresAt = time.UnixMilli(expiresMs)
	task.leaseID = leaseID

	return &task, nil
}

func (q *SQLiteQueue) Ack(ctx context.Context, task *Task) error {
	var (
		res sql.Result
		err error
	)

	if task.Policy.DiscardOnComplete {
		res, err = q.db.ExecContext(ctx, `
			DELETE FROM queue_tasks WHERE id = ? AND lease_id = ? AND state = ?
		`, task.ID, task.leaseID, stateActive)
	} else {
		res, err = q.db.ExecContext(ctx, `
			UPDATE queue_tasks
			SET state = ?, lease_id = NULL, lease_expires_at = NULL, updated_at = ?
			WHERE id = ? AND lease_id = ? AND state = ?
		`, stateCompleted, q.opts.now().UnixMilli(), task.ID, task.leaseID, stateActive)
	}
	if err != nil {
		return fmt.Errorf("failed to ack task: %w", err)
	}

	return checkLease(res)
}

func (q *SQLiteQueue) Fail(ctx context.Context, task *Task, cause error) (bool, error) {
	now := q.opts.now()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	if task.Exhausted() {
		res, err := q.db.ExecContext(ctx, `
			UPDATE queue_tasks
			SET state = ?, last_error = ?, lease_id = NULL, lease_expires_at = NULL, updated_at = ?
			WHERE id = ? AND lease_id = ? AND state = ?
		`, stateDead, msg, now.UnixMilli(), task.ID, task.leaseID, stateActive)
		if err != nil {
			return false, fmt.Errorf("failed to dead-letter task: %w", err)
		}
		if err := checkLease(res); err != nil {
			return false, err
		}
		return true, nil
	}

	availableAt := now.Add(CalculateBackoff(task.Policy, task.Attempt))
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_tasks
		SET state = ?, last_error = ?, available_at = ?, lease_id = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND lease_id = ? AND state = ?
	`, statePending, msg, availableAt.UnixMilli(), now.UnixMilli(), task.ID, task.leaseID, stateActive)
	if err != nil {
		return false, fmt.Errorf("failed to reschedule task: %w", err)
	}
	if err := checkLease(res); err != nil {
		return false, err
	}

	q.signal()
	return false, nil
}

func checkLease(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Reclaim releases tasks whose lease expired. The lost delivery counts as an
// attempt: tasks with attempts left go back to pending, the rest are
// dead-lettered and handed to the DeadHandler.
func (q *SQLiteQueue) Reclaim(ctx context.Context) (int, error) {
	now := q.opts.now().UnixMilli()

	dead, err := q.reclaimExhausted(ctx, now)
	if err != nil {
		return 0, err
	}

	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_tasks
		SET state = ?, lease_id = NULL, lease_expires_at = NULL, last_error = ?, available_at = ?, updated_at = ?
		WHERE state = ? AND lease_expires_at <= ? AND attempts < max_attempts
	`, statePending, ErrLeaseExpired.Error(), now, now, stateActive, now)
	if err != nil {
		return len(dead), fmt.Errorf("failed to reclaim tasks: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return len(dead), fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected > 0 {
		q.signal()
	}

	for _, task := range dead {
		q.opts.onDead(ctx, task, ErrLeaseExpired)
	}

	return len(dead) + int(affected), nil
}

func (q *SQLiteQueue) reclaimExhausted(ctx context.Context, now int64) ([]Task, error) {
	rows, err := q.db.QueryContext(ctx, `
		UPDATE queue_tasks
		SET state = ?, lease_id = NULL, lease_expires_at = NULL, last_error = ?, updated_at = ?
		WHERE state = ? AND lease_expires_at <= ? AND attempts >= max_attempts
		RETURNING id, name, payload, attempts, max_attempts
	`, stateDead, ErrLeaseExpired.Error(), now, stateActive, now)
	if err != nil {
		return nil, fmt.Errorf("failed to dead-letter expired tasks: %w", err)
	}
	defer rows.Close()

	var dead []Task
	for rows.Next() {
		var task Task
		if err := rows.Scan(&task.ID, &task.Name, &task.Payload, &task.Attempt, &task.Policy.MaxAttempts); err != nil {
			return nil, fmt.Errorf("failed to scan expired task: %w", err)
		}
		dead = append(dead, task)
	}

	return dead, rows.Err()
}

func (q *SQLiteQueue) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, name, payload, attempts, last_error, updated_at
		FROM queue_tasks
		WHERE state = ?
		ORDER BY updated_at DESC, rowid DESC
		LIMIT ?
	`, stateDead, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	dead := []DeadLetter{}
	for rows.Next() {
		var (
			d      DeadLetter
			diedMs int64
		)
		if err := rows.Scan(&d.ID, &d.Name, &d.Payload, &d.Attempts, &d.LastError, &diedMs); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		d.DiedAt = time.UnixMilli(diedMs)
		dead = append(dead, d)
	}

	return dead, rows.Err()
}

func (q *SQLiteQueue) Stats(ctx context.Context) (Stats, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM queue_tasks GROUP BY state`)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read queue stats: %w", err)
	}
	defer rows.Close()

	var s Stats
	for rows.Next() {
		var (
			state string
			count int
		)
		if err := rows.Scan(&state, &count); err != nil {
			return Stats{}, fmt.Errorf("failed to scan queue stats: %w", err)
		}
		switch state {
		case statePending:
			s.Pending = count
		case stateActive:
			s.Active = count
		case stateCompleted:
			s.Completed = count
		case stateDead:
			s.Dead = count
		}
	}

	return s, rows.Err()
}
