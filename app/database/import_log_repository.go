package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var _ RunLedger = (*ImportLogRepository)(nil)

type ImportLogRepository struct {
	db  *DB
	now func() time.Time
}

func NewImportLogRepository(db *DB) *ImportLogRepository {
	return &ImportLogRepository{db: db, now: time.Now}
}

func (r *ImportLogRepository) Create(ctx context.Context, feedName string) (string, error) {
	id := uuid.NewString()

	_, err := r.db.exec(ctx, `
		INSERT INTO import_logs (id, file_name, import_date_time, total, new_jobs, updated_jobs, failed_jobs)
		VALUES (?, ?, ?, 0, 0, 0, 0)
	`, id, feedName, r.now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to create import log: %w", err)
	}

	return id, nil
}

func (r *ImportLogRepository) SetTotal(ctx context.Context, id string, total int) error {
	return r.update(ctx, "set total", `UPDATE import_logs SET total = ? WHERE id = ?`, total, id)
}

func (r *ImportLogRepository) IncrementOutcome(ctx context.Context, id string, isNew bool) error {
	if isNew {
		return r.update(ctx, "increment new jobs", `UPDATE import_logs SET new_jobs = new_jobs + 1 WHERE id = ?`, id)
	}
	return r.update(ctx, "increment updated jobs", `UPDATE import_logs SET updated_jobs = updated_jobs + 1 WHERE id = ?`, id)
}

// RecordFailure adds count to failed_jobs and appends reason to
// failed_reasons in the same statement.
func (r *ImportLogRepository) RecordFailure(ctx context.Context, id string, count int, reason string) error {
	query := `UPDATE import_logs SET failed_jobs = failed_jobs + ?, failed_reasons = json_insert(failed_reasons, '$[#]', ?) WHERE id = ?`
	if r.db.dialect == DialectPostgres {
		query = `UPDATE import_logs SET failed_jobs = failed_jobs + ?, failed_reasons = failed_reasons || to_jsonb(?::text) WHERE id = ?`
	}
	return r.update(ctx, "record failure", query, count, reason, id)
}

func (r *ImportLogRepository) update(ctx context.Context, op, query string, args ...any) error {
	res, err := r.db.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("failed to %s: import log not found", op)
	}

	return nil
}

// Get returns nil when no import log has the given id.
func (r *ImportLogRepository) Get(ctx context.Context, id string) (*ImportLog, error) {
	row := r.db.queryRow(ctx, `
		SELECT id, file_name, import_date_time, total, new_jobs, updated_jobs, failed_jobs, failed_reasons
		FROM import_logs
		WHERE id = ?
	`, id)

	log, err := scanImportLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get import log: %w", err)
	}

	return log, nil
}

// List returns import logs most recent first. page starts at 1.
func (r *ImportLogRepository) List(ctx context.Context, page, limit int) ([]ImportLog, error) {
	page = max(page, 1)
	limit = max(limit, 1)

	rows, err := r.db.query(ctx, `
		SELECT id, file_name, import_date_time, total, new_jobs, updated_jobs, failed_jobs, failed_reasons
		FROM import_logs
		ORDER BY import_date_time DESC, id
		LIMIT ? OFFSET ?
	`, limit, (page-1)*limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list import logs: %w", err)
	}
	defer rows.Close()

	logs := []ImportLog{}
	for rows.Next() {
		log, err := scanImportLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan import log row: %w", err)
		}
		logs = append(logs, *log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate import logs: %w", err)
	}

	return logs, nil
}

func (r *ImportLogRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.queryRow(ctx, `SELECT COUNT(*) FROM import_logs`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count import logs: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanImportLog(row rowScanner) (*ImportLog, error) {
	var (
		log     ImportLog
		reasons string
	)

	err := row.Scan(&log.ID, &log.FileName, &log.ImportDateTime, &log.Total,
		&log.NewJobs, &log.UpdatedJobs, &log.FailedJobs, &reasons)
	if err != nil {
		return nil, err
	}

	log.FailedReasons = []string{}
	if reasons != "" {
		if err := json.Unmarshal([]byte(reasons), &log.FailedReasons); err != nil {
			return nil, fmt.Errorf("failed to decode failed reasons: %w", err)
		}
	}

	return &log, nil
}
