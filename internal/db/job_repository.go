package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/codernetes/hub/internal/models"
)

// Job repository errors.
var (
	ErrJobNotFound = errors.New("job not found")
	// ErrStatusConflict is returned when a requested status change is not a
	// permitted transition from the job's current status.
	ErrStatusConflict = errors.New("job status conflict")
)

// JobRepository handles job persistence.
type JobRepository struct {
	db *DB
}

// NewJobRepository creates a new JobRepository.
func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

// StatusUpdate carries the optional fields of a status change.
type StatusUpdate struct {
	ResultSummary string
	ErrorMessage  string
	LogPath       string
}

// JobQuery defines filters for listing jobs.
type JobQuery struct {
	Status *models.JobStatus
	Limit  int
}

// Create inserts a new job. Missing ID, status and created_at are filled in.
func (r *JobRepository) Create(ctx context.Context, job *models.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	} else {
		job.CreatedAt = job.CreatedAt.UTC()
	}

	tagsJSON, err := marshalNullable(job.RequestedTags, len(job.RequestedTags) > 0)
	if err != nil {
		return fmt.Errorf("failed to marshal requested tags: %w", err)
	}
	reposJSON, err := marshalNullable(job.Repositories, len(job.Repositories) > 0)
	if err != nil {
		return fmt.Errorf("failed to marshal repositories: %w", err)
	}
	metadataJSON, err := marshalNullable(job.Metadata, len(job.Metadata) > 0)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO jobs (
			id, prompt, status, target_node_id, requested_tags_json,
			repositories_json, metadata_json, log_path, result_summary,
			error_message, created_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
	`,
		job.ID,
		job.Prompt,
		string(job.Status),
		nullableString(job.TargetNodeID),
		tagsJSON,
		reposJSON,
		metadataJSON,
		nullableString(job.LogPath),
		nullableString(job.ResultSummary),
		nullableString(job.ErrorMessage),
		job.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	return nil
}

// Get retrieves a job by ID.
func (r *JobRepository) Get(ctx context.Context, id string) (*models.Job, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, prompt, status, target_node_id, requested_tags_json,
		       repositories_json, metadata_json, log_path, result_summary,
		       error_message, created_at, finished_at
		FROM jobs WHERE id = ?
	`, id)
	return scanJob(row)
}

// List retrieves jobs matching the query, newest first.
func (r *JobRepository) List(ctx context.Context, q JobQuery) ([]*models.Job, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, prompt, status, target_node_id, requested_tags_json,
		       repositories_json, metadata_json, log_path, result_summary,
		       error_message, created_at, finished_at
		FROM jobs WHERE 1=1`
	args := []any{}

	if q.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*q.Status))
	}

	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	return r.queryJobs(ctx, query, args...)
}

// ListByStatus retrieves jobs with the given status, oldest first.
// The dispatcher uses this ordering so older jobs are assigned first.
func (r *JobRepository) ListByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	return r.queryJobs(ctx, `
		SELECT id, prompt, status, target_node_id, requested_tags_json,
		       repositories_json, metadata_json, log_path, result_summary,
		       error_message, created_at, finished_at
		FROM jobs WHERE status = ?
		ORDER BY created_at, id
	`, string(status))
}

// ListActiveOnNode retrieves the node's queued and running jobs.
func (r *JobRepository) ListActiveOnNode(ctx context.Context, nodeID string) ([]*models.Job, error) {
	return r.queryJobs(ctx, `
		SELECT id, prompt, status, target_node_id, requested_tags_json,
		       repositories_json, metadata_json, log_path, result_summary,
		       error_message, created_at, finished_at
		FROM jobs
		WHERE target_node_id = ? AND status IN (?, ?)
		ORDER BY created_at, id
	`, nodeID, string(models.JobStatusQueued), string(models.JobStatusRunning))
}

// CountByStatus returns the number of jobs per status.
func (r *JobRepository) CountByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.JobStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[models.JobStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job counts: %w", err)
	}

	return counts, nil
}

// UpdateStatus applies a status transition. The transition is validated
// against the job's current status inside the transaction, so concurrent
// writers cannot race a job past a terminal state. finished_at is set on
// the first terminal transition and never overwritten.
// Returns the previous status, or ErrStatusConflict when the edge is not
// permitted.
func (r *JobRepository) UpdateStatus(ctx context.Context, id string, next models.JobStatus, update StatusUpdate) (models.JobStatus, error) {
	var previous models.JobStatus

	err := r.db.RetryTransaction(ctx, func(tx *sql.Tx) error {
		var current string
		var finishedAt sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT status, finished_at FROM jobs WHERE id = ?`, id).
			Scan(&current, &finishedAt)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrJobNotFound
			}
			return fmt.Errorf("failed to read job status: %w", err)
		}

		previous = models.JobStatus(current)
		if previous == next {
			// Repeated reports of the same status are harmless.
			return nil
		}
		if !previous.CanTransitionTo(next) {
			return fmt.Errorf("%w: %s -> %s", ErrStatusConflict, previous, next)
		}

		setClause := `status = ?`
		args := []any{string(next)}

		if update.ResultSummary != "" {
			setClause += `, result_summary = ?`
			args = append(args, update.ResultSummary)
		}
		if update.ErrorMessage != "" {
			setClause += `, error_message = ?`
			args = append(args, update.ErrorMessage)
		}
		if update.LogPath != "" {
			setClause += `, log_path = ?`
			args = append(args, update.LogPath)
		}
		if next.IsTerminal() && !finishedAt.Valid {
			setClause += `, finished_at = ?`
			args = append(args, time.Now().UTC().Format(time.RFC3339))
		}

		args = append(args, id)
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET `+setClause+` WHERE id = ?`, args...); err != nil {
			return fmt.Errorf("failed to update job status: %w", err)
		}

		return nil
	})
	if err != nil {
		return "", err
	}

	return previous, nil
}

// Assign moves a pending job to queued and pins it to the given node.
// Returns ErrStatusConflict if the job is no longer pending.
func (r *JobRepository) Assign(ctx context.Context, id string, nodeID string) error {
	return r.db.RetryTransaction(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&current)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrJobNotFound
			}
			return fmt.Errorf("failed to read job status: %w", err)
		}

		if models.JobStatus(current) != models.JobStatusPending {
			return fmt.Errorf("%w: cannot assign job in status %s", ErrStatusConflict, current)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, target_node_id = ? WHERE id = ?
		`, string(models.JobStatusQueued), nodeID, id); err != nil {
			return fmt.Errorf("failed to assign job: %w", err)
		}

		return nil
	})
}

// Requeue returns a queued or running job to pending for re-dispatch.
// The target pin is preserved so the job returns to the same node when
// it had one.
func (r *JobRepository) Requeue(ctx context.Context, id string) error {
	return r.db.RetryTransaction(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&current)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrJobNotFound
			}
			return fmt.Errorf("failed to read job status: %w", err)
		}

		status := models.JobStatus(current)
		if status != models.JobStatusQueued && status != models.JobStatusRunning {
			return fmt.Errorf("%w: cannot requeue job in status %s", ErrStatusConflict, current)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = ? WHERE id = ?
		`, string(models.JobStatusPending), id); err != nil {
			return fmt.Errorf("failed to requeue job: %w", err)
		}

		return nil
	})
}

func (r *JobRepository) queryJobs(ctx context.Context, query string, args ...any) ([]*models.Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return jobs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var status, createdAt string
	var targetNodeID, tagsJSON, reposJSON, metadataJSON sql.NullString
	var logPath, resultSummary, errorMessage, finishedAt sql.NullString

	err := row.Scan(
		&job.ID,
		&job.Prompt,
		&status,
		&targetNodeID,
		&tagsJSON,
		&reposJSON,
		&metadataJSON,
		&logPath,
		&resultSummary,
		&errorMessage,
		&createdAt,
		&finishedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	job.Status = models.JobStatus(status)
	job.TargetNodeID = targetNodeID.String
	job.LogPath = logPath.String
	job.ResultSummary = resultSummary.String
	job.ErrorMessage = errorMessage.String

	if tagsJSON.Valid {
		if err := json.Unmarshal([]byte(tagsJSON.String), &job.RequestedTags); err != nil {
			return nil, fmt.Errorf("failed to parse requested tags: %w", err)
		}
	}
	if reposJSON.Valid {
		if err := json.Unmarshal([]byte(reposJSON.String), &job.Repositories); err != nil {
			return nil, fmt.Errorf("failed to parse repositories: %w", err)
		}
	}
	if metadataJSON.Valid {
		if err := json.Unmarshal([]byte(metadataJSON.String), &job.Metadata); err != nil {
			return nil, fmt.Errorf("failed to parse metadata: %w", err)
		}
	}

	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		job.CreatedAt = t
	}
	if finishedAt.Valid {
		if t, err := time.Parse(time.RFC3339, finishedAt.String); err == nil {
			job.FinishedAt = &t
		}
	}

	return &job, nil
}

func marshalNullable(value any, present bool) (*string, error) {
	if !present {
		return nil, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}

func nullableString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
