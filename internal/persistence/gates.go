package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// GateRecord is a stored gate outcome for a job. Re-reporting the same
// gate for the same job overwrites the previous row, so retried gates
// stay idempotent.
type GateRecord struct {
	JobID     string    `json:"job_id"`
	Gate      string    `json:"gate"`
	Category  string    `json:"category,omitempty"`
	Ran       bool      `json:"ran"`
	OK        bool      `json:"ok"`
	Required  *bool     `json:"required,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UpsertGateResult records or replaces a gate outcome keyed by (job, gate).
func (s *Store) UpsertGateResult(ctx context.Context, r GateRecord) error {
	if r.JobID == "" || r.Gate == "" {
		return errors.New("gate result requires job id and gate name")
	}
	var required any
	if r.Required != nil {
		required = boolToInt(*r.Required)
	}
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO gate_results (job_id, gate, category, ran, ok, required, reason, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(job_id, gate) DO UPDATE SET
				category = excluded.category,
				ran = excluded.ran,
				ok = excluded.ok,
				required = excluded.required,
				reason = excluded.reason,
				updated_at = CURRENT_TIMESTAMP;
		`, r.JobID, r.Gate, r.Category, boolToInt(r.Ran), boolToInt(r.OK), required, r.Reason)
		if err != nil {
			return fmt.Errorf("upsert gate result: %w", err)
		}
		return nil
	})
}

// ListGateResults returns the gate outcomes recorded for a job.
func (s *Store) ListGateResults(ctx context.Context, jobID string) ([]GateRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, gate, category, ran, ok, required, reason, updated_at
		FROM gate_results WHERE job_id = ? ORDER BY gate ASC;
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query gate results: %w", err)
	}
	defer rows.Close()

	var records []GateRecord
	for rows.Next() {
		var r GateRecord
		var ran, ok int
		var required sql.NullInt64
		if err := rows.Scan(&r.JobID, &r.Gate, &r.Category, &ran, &ok, &required, &r.Reason, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan gate result: %w", err)
		}
		r.Ran = ran != 0
		r.OK = ok != 0
		if required.Valid {
			v := required.Int64 != 0
			r.Required = &v
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// VerdictRecord is a stored adjudication of one job.
type VerdictRecord struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	JobID     string    `json:"job_id"`
	Outcome   string    `json:"outcome"`
	Reasons   []string  `json:"reasons"`
	Actions   []string  `json:"actions"`
	CreatedAt time.Time `json:"created_at"`
}

// RecordVerdict appends an adjudication for a job.
func (s *Store) RecordVerdict(ctx context.Context, taskID, jobID, outcome string, reasons, actions []string) error {
	if taskID == "" || jobID == "" {
		return errors.New("verdict requires task id and job id")
	}
	reasonsJSON, _ := json.Marshal(sliceOrEmpty(reasons))
	actionsJSON, _ := json.Marshal(sliceOrEmpty(actions))
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO verdicts (task_id, job_id, outcome, reasons, actions)
			VALUES (?, ?, ?, ?, ?);
		`, taskID, jobID, outcome, string(reasonsJSON), string(actionsJSON))
		if err != nil {
			return fmt.Errorf("insert verdict: %w", err)
		}
		return nil
	})
}

// ListVerdictsByTask returns a task's verdicts, oldest first.
func (s *Store) ListVerdictsByTask(ctx context.Context, taskID string) ([]VerdictRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, job_id, outcome, reasons, actions, created_at
		FROM verdicts WHERE task_id = ? ORDER BY id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query verdicts: %w", err)
	}
	defer rows.Close()

	var records []VerdictRecord
	for rows.Next() {
		var r VerdictRecord
		var reasonsJSON, actionsJSON string
		if err := rows.Scan(&r.ID, &r.TaskID, &r.JobID, &r.Outcome, &reasonsJSON, &actionsJSON, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan verdict: %w", err)
		}
		_ = json.Unmarshal([]byte(reasonsJSON), &r.Reasons)
		_ = json.Unmarshal([]byte(actionsJSON), &r.Actions)
		records = append(records, r)
	}
	return records, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
