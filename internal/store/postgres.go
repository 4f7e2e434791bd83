package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrIllegalTransition is returned when a status write finds the job in a
// state the transition is not valid from. Callers map it to a 400; it is
// never persisted.
var ErrIllegalTransition = errors.New("illegal job status transition")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ── Interviews & annotations ──

func (s *PostgresStore) ListInterviews(ctx context.Context, projectID string) ([]Interview, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, title, transcript_object_key, status, updated_at
		FROM interviews
		WHERE project_id = $1
		ORDER BY updated_at
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list interviews: %w", err)
	}
	defer rows.Close()

	var items []Interview
	for rows.Next() {
		var iv Interview
		if err := rows.Scan(&iv.ID, &iv.ProjectID, &iv.Title, &iv.TranscriptObjectKey, &iv.Status, &iv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan interview: %w", err)
		}
		items = append(items, iv)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetInterview(ctx context.Context, interviewID string) (Interview, error) {
	var iv Interview
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, title, transcript_object_key, status, updated_at
		FROM interviews
		WHERE id = $1
	`, interviewID).Scan(&iv.ID, &iv.ProjectID, &iv.Title, &iv.TranscriptObjectKey, &iv.Status, &iv.UpdatedAt)
	if err != nil {
		return Interview{}, err
	}
	return iv, nil
}

func (s *PostgresStore) ListAnnotations(ctx context.Context, projectID string) ([]Annotation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, interview_id, author, body, anchor, updated_at
		FROM annotations
		WHERE project_id = $1
		ORDER BY updated_at
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	defer rows.Close()

	var items []Annotation
	for rows.Next() {
		var a Annotation
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.InterviewID, &a.Author, &a.Body, &a.Anchor, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

// UpsertAnnotation writes an annotation and reports whether the row was
// created, so the caller can publish the matching insert/update event.
func (s *PostgresStore) UpsertAnnotation(ctx context.Context, a Annotation) (Annotation, bool, error) {
	var created bool
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO annotations (id, project_id, interview_id, author, body, anchor)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
			SET body = EXCLUDED.body, anchor = EXCLUDED.anchor, updated_at = NOW()
		RETURNING updated_at, (xmax = 0)
	`, a.ID, a.ProjectID, a.InterviewID, a.Author, a.Body, a.Anchor).Scan(&a.UpdatedAt, &created)
	if err != nil {
		return Annotation{}, false, fmt.Errorf("upsert annotation: %w", err)
	}
	return a, created, nil
}

func (s *PostgresStore) DeleteAnnotation(ctx context.Context, projectID, annotationID string) (Annotation, error) {
	var a Annotation
	err := s.db.QueryRowContext(ctx, `
		DELETE FROM annotations
		WHERE id = $1 AND project_id = $2
		RETURNING id, project_id, interview_id, author, body, anchor, updated_at
	`, annotationID, projectID).Scan(&a.ID, &a.ProjectID, &a.InterviewID, &a.Author, &a.Body, &a.Anchor, &a.UpdatedAt)
	if err != nil {
		return Annotation{}, err
	}
	return a, nil
}

// ── Analysis jobs ──

const jobColumns = `
	id, project_id, interview_id, kind, payload, status, processing_attempt,
	processing_started_at, finished_at, error, message, failed_at,
	result_object_key, created_at, updated_at
`

func (s *PostgresStore) CreateJob(ctx context.Context, job AnalysisJob) (AnalysisJob, error) {
	payload := job.Payload
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO analysis_jobs (id, project_id, interview_id, kind, payload, status)
		VALUES ($1, $2, $3, $4, $5, 'pending')
		RETURNING created_at, updated_at
	`, job.ID, job.ProjectID, job.InterviewID, job.Kind, []byte(payload)).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return AnalysisJob{}, fmt.Errorf("create job: %w", err)
	}
	job.Status = JobPending
	return job, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (AnalysisJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM analysis_jobs WHERE id = $1`, jobID)
	return scanJob(row)
}

func (s *PostgresStore) ListJobs(ctx context.Context, projectID string) ([]AnalysisJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM analysis_jobs
		WHERE project_id = $1
		ORDER BY created_at DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []AnalysisJob
	for rows.Next() {
		var job AnalysisJob
		var payload []byte
		if err := rows.Scan(
			&job.ID, &job.ProjectID, &job.InterviewID, &job.Kind, &payload,
			&job.Status, &job.Attempt, &job.ProcessingStartedAt, &job.FinishedAt,
			&job.Error, &job.Message, &job.FailedAt, &job.ResultObjectKey,
			&job.CreatedAt, &job.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		job.Payload = payload
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MarkProcessing claims a job for dispatch. Valid from pending (first
// attempt) or failed (retry); increments the attempt counter and clears any
// previous failure fields.
func (s *PostgresStore) MarkProcessing(ctx context.Context, jobID string) (AnalysisJob, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE analysis_jobs
		SET status = 'processing',
			processing_started_at = NOW(),
			processing_attempt = processing_attempt + 1,
			error = NULL, message = NULL, failed_at = NULL,
			updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'failed')
		RETURNING `+jobColumns+`
	`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetJob(ctx, jobID); getErr != nil {
			return AnalysisJob{}, getErr
		}
		return AnalysisJob{}, ErrIllegalTransition
	}
	return job, err
}

// MarkCompleted records a successful dispatch. Guarded on processing so a
// completed row is never rewritten; returns false if the guard lost.
func (s *PostgresStore) MarkCompleted(ctx context.Context, jobID, resultObjectKey, message string) (AnalysisJob, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE analysis_jobs
		SET status = 'completed',
			finished_at = NOW(),
			result_object_key = $2,
			message = $3,
			error = NULL, failed_at = NULL,
			updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
		RETURNING `+jobColumns+`
	`, jobID, resultObjectKey, message)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return AnalysisJob{}, false, nil
	}
	if err != nil {
		return AnalysisJob{}, false, err
	}
	return job, true, nil
}

// MarkFailedIfProcessing is the compare-then-write half of the
// completed/failed race: the failure path runs concurrently with success
// signals, so failed is only written while the job is still processing. A
// job that already reached completed is left untouched and false is
// returned.
func (s *PostgresStore) MarkFailedIfProcessing(ctx context.Context, jobID, errCode, message string) (AnalysisJob, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE analysis_jobs
		SET status = 'failed',
			error = $2,
			message = $3,
			failed_at = NOW(),
			finished_at = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
		RETURNING `+jobColumns+`
	`, jobID, errCode, message)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return AnalysisJob{}, false, nil
	}
	if err != nil {
		return AnalysisJob{}, false, err
	}
	return job, true, nil
}

func scanJob(row *sql.Row) (AnalysisJob, error) {
	var job AnalysisJob
	var payload []byte
	err := row.Scan(
		&job.ID, &job.ProjectID, &job.InterviewID, &job.Kind, &payload,
		&job.Status, &job.Attempt, &job.ProcessingStartedAt, &job.FinishedAt,
		&job.Error, &job.Message, &job.FailedAt, &job.ResultObjectKey,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return AnalysisJob{}, err
	}
	job.Payload = json.RawMessage(payload)
	return job, nil
}
