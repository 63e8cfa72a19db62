package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-foreman/internal/bus"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

// JobStatus is a lifecycle state of one execution attempt.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobDone      JobStatus = "done"
	JobFailed    JobStatus = "failed"
	JobTimedOut  JobStatus = "timed_out"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether a job status is final.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobDone, JobFailed, JobTimedOut, JobCancelled:
		return true
	}
	return false
}

var (
	ErrJobNotFound = errors.New("job not found")
	// ErrActiveJobExists means the task already has a queued or running
	// job. The unique index enforces this at the storage layer.
	ErrActiveJobExists = errors.New("task already has an active job")
)

// Job is one execution attempt of a task on an executor.
type Job struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"task_id"`
	Executor   string     `json:"executor"`
	Status     JobStatus  `json:"status"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	Submission string     `json:"submission,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// CreateJob records a queued job for a task. At most one non-terminal job
// may exist per task; a second insert fails with ErrActiveJobExists.
func (s *Store) CreateJob(ctx context.Context, taskID, executor string) (*Job, error) {
	if taskID == "" {
		return nil, errors.New("job task id is required")
	}
	if executor == "" {
		return nil, errors.New("job executor is required")
	}
	id := uuid.NewString()
	err := retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO jobs (id, task_id, executor, status) VALUES (?, ?, ?, 'queued');
		`, id, taskID, executor)
		// The driver reports the partial-index violation as a plain
		// unique-constraint error naming the column, not the index.
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) && sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ErrActiveJobExists
		}
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetJob(ctx, id)
}

func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, executor, status, started_at, ended_at,
			COALESCE(submission, ''), COALESCE(error, ''), created_at, updated_at
		FROM jobs WHERE id = ?;
	`, id)
	return scanJob(row)
}

func scanJob(row taskScanner) (*Job, error) {
	var j Job
	var started, ended sql.NullTime
	err := row.Scan(&j.ID, &j.TaskID, &j.Executor, &j.Status, &started, &ended,
		&j.Submission, &j.Error, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	if started.Valid {
		j.StartedAt = &started.Time
	}
	if ended.Valid {
		j.EndedAt = &ended.Time
	}
	return &j, nil
}

// StartJob marks a queued job running and stamps started_at.
func (s *Store) StartJob(ctx context.Context, id string) error {
	err := retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET status = 'running', started_at = CURRENT_TIMESTAMP,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = 'queued';
		`, id)
		if err != nil {
			return fmt.Errorf("start job: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("start job %s: not queued: %w", id, ErrJobNotFound)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if s.bus != nil {
		job, jerr := s.GetJob(ctx, id)
		if jerr == nil {
			s.bus.Publish(bus.TopicJobDispatched, bus.JobEvent{
				JobID:    id,
				TaskID:   job.TaskID,
				Executor: job.Executor,
				Status:   string(JobRunning),
			})
		}
	}
	return nil
}

// FinishJob moves a non-terminal job to a terminal status, recording the
// error text and raw submission when present. Finishing an already
// terminal job is a no-op so completion and watchdog paths can race.
func (s *Store) FinishJob(ctx context.Context, id string, status JobStatus, submission, errText string) error {
	if !status.Terminal() {
		return fmt.Errorf("finish job: %q is not a terminal status", status)
	}
	var updated bool
	err := retryOnBusy(ctx, 3, func() error {
		var sub any
		if submission != "" {
			sub = submission
		}
		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, ended_at = CURRENT_TIMESTAMP,
				submission = COALESCE(?, submission), error = ?,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status IN ('queued', 'running');
		`, status, sub, errText, id)
		if err != nil {
			return fmt.Errorf("finish job: %w", err)
		}
		n, _ := res.RowsAffected()
		updated = n > 0
		return nil
	})
	if err != nil {
		return err
	}
	if !updated {
		// Already terminal, or unknown. Distinguish for the caller.
		if _, gerr := s.GetJob(ctx, id); gerr != nil {
			return gerr
		}
		return nil
	}
	if s.bus != nil {
		job, jerr := s.GetJob(ctx, id)
		if jerr == nil {
			topic := bus.TopicJobFinished
			switch status {
			case JobTimedOut:
				topic = bus.TopicJobTimedOut
			case JobCancelled:
				topic = bus.TopicJobCancelled
			}
			s.bus.Publish(topic, bus.JobEvent{
				JobID:    id,
				TaskID:   job.TaskID,
				Executor: job.Executor,
				Status:   string(status),
				Error:    errText,
			})
		}
	}
	return nil
}

// ListJobsByTask returns a task's jobs, newest first.
func (s *Store) ListJobsByTask(ctx context.Context, taskID string) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, executor, status, started_at, ended_at,
			COALESCE(submission, ''), COALESCE(error, ''), created_at, updated_at
		FROM jobs WHERE task_id = ? ORDER BY created_at DESC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query jobs by task: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ActiveJob returns the task's queued or running job, or ErrJobNotFound.
func (s *Store) ActiveJob(ctx context.Context, taskID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, executor, status, started_at, ended_at,
			COALESCE(submission, ''), COALESCE(error, ''), created_at, updated_at
		FROM jobs WHERE task_id = ? AND status IN ('queued', 'running');
	`, taskID)
	return scanJob(row)
}

// ActiveJobs returns every queued or running job across all tasks.
// Startup recovery uses this to close work a dead process left behind,
// including jobs that never made it past queued.
func (s *Store) ActiveJobs(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, executor, status, started_at, ended_at,
			COALESCE(submission, ''), COALESCE(error, ''), created_at, updated_at
		FROM jobs WHERE status IN ('queued', 'running');
	`)
	if err != nil {
		return nil, fmt.Errorf("query active jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// StuckRunningJobs returns running jobs whose started_at is older than the
// given age. The watchdog uses this to force-cancel hung work.
func (s *Store) StuckRunningJobs(ctx context.Context, olderThan time.Duration) ([]*Job, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, executor, status, started_at, ended_at,
			COALESCE(submission, ''), COALESCE(error, ''), created_at, updated_at
		FROM jobs WHERE status = 'running' AND started_at < ?;
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stuck jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ActiveJobCountByExecutor counts queued and running jobs per executor.
func (s *Store) ActiveJobCountByExecutor(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT executor, COUNT(*) FROM jobs
		WHERE status IN ('queued', 'running') GROUP BY executor;
	`)
	if err != nil {
		return nil, fmt.Errorf("count active jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var executor string
		var n int
		if err := rows.Scan(&executor, &n); err != nil {
			return nil, fmt.Errorf("scan active job count: %w", err)
		}
		counts[executor] = n
	}
	return counts, rows.Err()
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
