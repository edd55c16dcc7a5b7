package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var _ JobStore = (*JobRepository)(nil)

type JobRepository struct {
	db  *DB
	now func() time.Time
}

func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db, now: time.Now}
}

func (r *JobRepository) Upsert(ctx context.Context, job Job) (bool, error) {
	if job.ExternalID == "" {
		return false, fmt.Errorf("job has no external id")
	}

	raw := string(job.RawPayload)
	if raw == "" {
		raw = "{}"
	}
	now := r.now().UTC()

	var revision int
	err := r.db.queryRow(ctx, `
		INSERT INTO jobs (
			external_id, title, company, location, description, url, source,
			published_at, raw_payload, revision, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (external_id) DO UPDATE SET
			title = excluded.title,
			company = excluded.company,
			location = excluded.location,
			description = excluded.description,
			url = excluded.url,
			source = excluded.source,
			published_at = excluded.published_at,
			raw_payload = excluded.raw_payload,
			updated_at = excluded.updated_at,
			revision = jobs.revision + 1
		RETURNING revision
	`, job.ExternalID, job.Title, job.Company, job.Location, job.Description, job.URL, job.Source,
		job.PublishedAt.UTC(), raw, now, now).Scan(&revision)
	if err != nil {
		return false, fmt.Errorf("failed to upsert job %s: %w", job.ExternalID, err)
	}

	return revision == 1, nil
}

// Get returns nil when no job has the given external id.
func (r *JobRepository) Get(ctx context.Context, externalID string) (*Job, error) {
	var (
		job Job
		raw string
	)

	err := r.db.queryRow(ctx, `
		SELECT id, external_id, title, company, location, description, url, source,
		       published_at, raw_payload, revision, created_at, updated_at
		FROM jobs
		WHERE external_id = ?
	`, externalID).Scan(
		&job.ID, &job.ExternalID, &job.Title, &job.Company, &job.Location, &job.Description,
		&job.URL, &job.Source, &job.PublishedAt, &raw, &job.Revision, &job.CreatedAt, &job.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	job.RawPayload = []byte(raw)
	return &job, nil
}

func (r *JobRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.queryRow(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return count, nil
}
