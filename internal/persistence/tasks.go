package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-foreman/internal/bus"
	"github.com/basket/go-foreman/internal/shared"
	"github.com/google/uuid"
)

// TaskStatus is a lifecycle state of a task.
type TaskStatus string

const (
	TaskBacklog    TaskStatus = "backlog"
	TaskReady      TaskStatus = "ready"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskDone       TaskStatus = "done"
	TaskFailed     TaskStatus = "failed"
	TaskNeedsSplit TaskStatus = "needs_split"
)

// Lane is a scheduling class. Tasks in quarantine and dlq are parked and
// never admitted back on their own.
type Lane string

const (
	LaneFast       Lane = "fastlane"
	LaneMain       Lane = "mainlane"
	LaneBatch      Lane = "batchlane"
	LaneQuarantine Lane = "quarantine"
	LaneDLQ        Lane = "dlq"
)

func ValidLane(l Lane) bool {
	switch l {
	case LaneFast, LaneMain, LaneBatch, LaneQuarantine, LaneDLQ:
		return true
	}
	return false
}

// TaskKind distinguishes decomposable parents from executable leaves.
type TaskKind string

const (
	KindParent TaskKind = "parent"
	KindAtomic TaskKind = "atomic"
)

// allowedTransitions is the task state machine. done is terminal; every
// other edge not listed here is illegal and rejected loudly.
var allowedTransitions = map[TaskStatus][]TaskStatus{
	TaskBacklog:    {TaskReady, TaskBlocked},
	TaskReady:      {TaskInProgress, TaskBlocked, TaskBacklog},
	TaskInProgress: {TaskDone, TaskFailed, TaskBlocked, TaskNeedsSplit},
	TaskFailed:     {TaskReady, TaskInProgress},
	TaskBlocked:    {TaskBacklog, TaskReady},
	TaskNeedsSplit: {TaskBacklog},
	TaskDone:       {},
}

// TransitionAllowed reports whether from -> to is a legal edge.
func TransitionAllowed(from, to TaskStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

var ErrTaskNotFound = errors.New("task not found")

// ErrIllegalTransition wraps a rejected state change with both endpoints.
type ErrIllegalTransition struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal task transition %s -> %s for task %s", e.From, e.To, e.TaskID)
}

// Task is the unit of work tracked by the board.
type Task struct {
	ID             string     `json:"id"`
	ParentID       string     `json:"parent_id,omitempty"`
	Kind           TaskKind   `json:"kind"`
	Goal           string     `json:"goal"`
	Role           string     `json:"role"`
	Status         TaskStatus `json:"status"`
	Lane           Lane       `json:"lane"`
	Priority       int        `json:"priority"`
	AllowedPaths   []string   `json:"allowed_paths"`
	ForbiddenPaths []string   `json:"forbidden_paths"`
	ExecutorPref   string     `json:"executor_pref,omitempty"`
	Attempt        int        `json:"attempt"`
	MaxAttempts    int        `json:"max_attempts"`
	ReasonCodes    []string   `json:"reason_codes,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// NewTaskParams carries the caller-supplied fields for CreateTask.
type NewTaskParams struct {
	ParentID       string
	Kind           TaskKind
	Goal           string
	Role           string
	Lane           Lane
	Priority       int
	AllowedPaths   []string
	ForbiddenPaths []string
	ExecutorPref   string
	MaxAttempts    int
}

// CreateTask inserts a task in backlog and records the creation event.
func (s *Store) CreateTask(ctx context.Context, p NewTaskParams) (*Task, error) {
	if p.Goal == "" {
		return nil, errors.New("task goal is required")
	}
	if p.Kind == "" {
		p.Kind = KindAtomic
	}
	if p.Lane == "" {
		p.Lane = LaneMain
	}
	if !ValidLane(p.Lane) {
		return nil, fmt.Errorf("invalid lane %q", p.Lane)
	}
	if p.Priority == 0 {
		p.Priority = 100
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}

	task := &Task{
		ID:             uuid.NewString(),
		ParentID:       p.ParentID,
		Kind:           p.Kind,
		Goal:           p.Goal,
		Role:           p.Role,
		Status:         TaskBacklog,
		Lane:           p.Lane,
		Priority:       p.Priority,
		AllowedPaths:   p.AllowedPaths,
		ForbiddenPaths: p.ForbiddenPaths,
		ExecutorPref:   p.ExecutorPref,
		MaxAttempts:    p.MaxAttempts,
	}

	allowedJSON, _ := json.Marshal(sliceOrEmpty(task.AllowedPaths))
	forbiddenJSON, _ := json.Marshal(sliceOrEmpty(task.ForbiddenPaths))

	err := retryOnBusy(ctx, 3, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var parent any
		if task.ParentID != "" {
			parent = task.ParentID
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, parent_id, kind, goal, role, status, lane, priority,
				allowed_paths, forbidden_paths, executor_pref, max_attempts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, task.ID, parent, task.Kind, task.Goal, task.Role, task.Status, task.Lane,
			task.Priority, string(allowedJSON), string(forbiddenJSON), task.ExecutorPref, task.MaxAttempts); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if err := insertTaskEvent(ctx, tx, task.ID, shared.TraceID(ctx), "task.created", "", string(TaskBacklog), "{}"); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	created, err := s.GetTask(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskCreated, bus.TaskStateChangedEvent{
			TaskID:    task.ID,
			Lane:      string(task.Lane),
			NewStatus: string(TaskBacklog),
		})
	}
	return created, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(parent_id, ''), kind, goal, role, status, lane, priority,
			allowed_paths, forbidden_paths, executor_pref, attempt, max_attempts,
			reason_codes, created_at, updated_at
		FROM tasks WHERE id = ?;
	`, id)
	return scanTask(row)
}

type taskScanner interface {
	Scan(dest ...any) error
}

func scanTask(row taskScanner) (*Task, error) {
	var t Task
	var allowedJSON, forbiddenJSON, reasonsJSON string
	err := row.Scan(&t.ID, &t.ParentID, &t.Kind, &t.Goal, &t.Role, &t.Status, &t.Lane,
		&t.Priority, &allowedJSON, &forbiddenJSON, &t.ExecutorPref, &t.Attempt,
		&t.MaxAttempts, &reasonsJSON, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	_ = json.Unmarshal([]byte(allowedJSON), &t.AllowedPaths)
	_ = json.Unmarshal([]byte(forbiddenJSON), &t.ForbiddenPaths)
	_ = json.Unmarshal([]byte(reasonsJSON), &t.ReasonCodes)
	return &t, nil
}

// ListReady returns ready tasks in a lane ordered by priority then age.
// Lower priority value schedules first.
func (s *Store) ListReady(ctx context.Context, lane Lane, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(parent_id, ''), kind, goal, role, status, lane, priority,
			allowed_paths, forbidden_paths, executor_pref, attempt, max_attempts,
			reason_codes, created_at, updated_at
		FROM tasks
		WHERE status = 'ready' AND lane = ?
		ORDER BY priority ASC, created_at ASC
		LIMIT ?;
	`, lane, limit)
	if err != nil {
		return nil, fmt.Errorf("query ready tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListTasksByStatus returns all tasks in a given status, oldest first.
func (s *Store) ListTasksByStatus(ctx context.Context, status TaskStatus) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(parent_id, ''), kind, goal, role, status, lane, priority,
			allowed_paths, forbidden_paths, executor_pref, attempt, max_attempts,
			reason_codes, created_at, updated_at
		FROM tasks WHERE status = ? ORDER BY created_at ASC;
	`, status)
	if err != nil {
		return nil, fmt.Errorf("query tasks by status: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// TransitionTask moves a task along a legal edge, appending a task event
// inside the same transaction. Illegal edges return *ErrIllegalTransition.
func (s *Store) TransitionTask(ctx context.Context, id string, to TaskStatus, reason string) (*Task, error) {
	var from TaskStatus
	err := retryOnBusy(ctx, 3, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		f, err := transitionTaskTx(ctx, tx, id, to, reason, shared.TraceID(ctx))
		if err != nil {
			return err
		}
		from = f
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
			TaskID:    id,
			Lane:      string(task.Lane),
			OldStatus: string(from),
			NewStatus: string(to),
		})
	}
	return task, nil
}

// transitionTaskTx performs the guarded state change within tx. Callers
// composing larger transactions use it directly.
func transitionTaskTx(ctx context.Context, tx *sql.Tx, id string, to TaskStatus, reason, traceID string) (TaskStatus, error) {
	var from TaskStatus
	err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, id).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrTaskNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read task status: %w", err)
	}
	if !TransitionAllowed(from, to) {
		return "", &ErrIllegalTransition{TaskID: id, From: from, To: to}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, to, id); err != nil {
		return "", fmt.Errorf("update task status: %w", err)
	}
	payload := "{}"
	if reason != "" {
		b, _ := json.Marshal(map[string]string{"reason": reason})
		payload = string(b)
	}
	if err := insertTaskEvent(ctx, tx, id, traceID, "task.transition", string(from), string(to), payload); err != nil {
		return "", err
	}
	return from, nil
}

func insertTaskEvent(ctx context.Context, tx *sql.Tx, taskID, traceID, eventType, from, to, payload string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, trace_id, event_type, state_from, state_to, payload_json)
		VALUES (?, ?, ?, ?, ?, ?);
	`, taskID, traceID, eventType, from, to, payload); err != nil {
		return fmt.Errorf("insert task event: %w", err)
	}
	return nil
}

// SetLane reparks a task into a different lane and records the move.
func (s *Store) SetLane(ctx context.Context, id string, lane Lane, reason string) error {
	if !ValidLane(lane) {
		return fmt.Errorf("invalid lane %q", lane)
	}
	var from Lane
	err := retryOnBusy(ctx, 3, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		err = tx.QueryRowContext(ctx, `SELECT lane FROM tasks WHERE id = ?;`, id).Scan(&from)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotFound
		}
		if err != nil {
			return fmt.Errorf("read task lane: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET lane = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, lane, id); err != nil {
			return fmt.Errorf("update task lane: %w", err)
		}
		payload, _ := json.Marshal(map[string]string{"from": string(from), "to": string(lane), "reason": reason})
		var status TaskStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, id).Scan(&status); err != nil {
			return fmt.Errorf("read task status: %w", err)
		}
		if err := insertTaskEvent(ctx, tx, id, shared.TraceID(ctx), "task.lane_changed", string(status), string(status), string(payload)); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskLaneChanged, bus.TaskLaneChangedEvent{
			TaskID:  id,
			OldLane: string(from),
			NewLane: string(lane),
			Reason:  reason,
		})
	}
	return nil
}

// AppendReasonCode adds a reason code to the task's history without
// duplicating codes already present.
func (s *Store) AppendReasonCode(ctx context.Context, id, code string) error {
	return retryOnBusy(ctx, 3, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var reasonsJSON string
		err = tx.QueryRowContext(ctx, `SELECT reason_codes FROM tasks WHERE id = ?;`, id).Scan(&reasonsJSON)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotFound
		}
		if err != nil {
			return fmt.Errorf("read reason codes: %w", err)
		}
		var codes []string
		_ = json.Unmarshal([]byte(reasonsJSON), &codes)
		for _, c := range codes {
			if c == code {
				return tx.Commit()
			}
		}
		codes = append(codes, code)
		b, _ := json.Marshal(codes)
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET reason_codes = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, string(b), id); err != nil {
			return fmt.Errorf("update reason codes: %w", err)
		}
		return tx.Commit()
	})
}

// IncrementAttempt bumps the attempt counter and returns the new value.
func (s *Store) IncrementAttempt(ctx context.Context, id string) (int, error) {
	var attempt int
	err := retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET attempt = attempt + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, id)
		if err != nil {
			return fmt.Errorf("increment attempt: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrTaskNotFound
		}
		return s.db.QueryRowContext(ctx, `SELECT attempt FROM tasks WHERE id = ?;`, id).Scan(&attempt)
	})
	return attempt, err
}

// CountInProgress reports the WIP count for a lane.
func (s *Store) CountInProgress(ctx context.Context, lane Lane) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks WHERE status = 'in_progress' AND lane = ?;
	`, lane).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count in-progress: %w", err)
	}
	return n, nil
}

// OldestReadyAge returns how long the oldest ready task in a lane has been
// waiting, or zero when the lane has no ready tasks.
func (s *Store) OldestReadyAge(ctx context.Context, lane Lane) (time.Duration, error) {
	var created sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(created_at) FROM tasks WHERE status = 'ready' AND lane = ?;
	`, lane).Scan(&created)
	if err != nil {
		return 0, fmt.Errorf("query oldest ready: %w", err)
	}
	if !created.Valid {
		return 0, nil
	}
	age := time.Since(created.Time)
	if age < 0 {
		age = 0
	}
	return age, nil
}

// ListTaskEvents returns the append-only event history for a task.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, COALESCE(trace_id, ''), event_type,
			COALESCE(state_from, ''), state_to, payload_json, created_at
		FROM task_events WHERE task_id = ? ORDER BY event_id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query task events: %w", err)
	}
	defer rows.Close()

	var events []TaskEvent
	for rows.Next() {
		var e TaskEvent
		if err := rows.Scan(&e.EventID, &e.TaskID, &e.TraceID, &e.EventType,
			&e.StateFrom, &e.StateTo, &e.PayloadJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// TaskEvent is one row of the append-only task history.
type TaskEvent struct {
	EventID     int64     `json:"event_id"`
	TaskID      string    `json:"task_id"`
	TraceID     string    `json:"trace_id,omitempty"`
	EventType   string    `json:"event_type"`
	StateFrom   string    `json:"state_from,omitempty"`
	StateTo     string    `json:"state_to"`
	PayloadJSON string    `json:"payload_json"`
	CreatedAt   time.Time `json:"created_at"`
}

func sliceOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// StatusCounts returns the number of tasks per status.
func (s *Store) StatusCounts(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("query status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[TaskStatus]int)
	for rows.Next() {
		var status TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// LaneCounts returns in-progress task counts per lane.
func (s *Store) LaneCounts(ctx context.Context) (map[Lane]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT lane, COUNT(*) FROM tasks WHERE status = 'in_progress' GROUP BY lane;
	`)
	if err != nil {
		return nil, fmt.Errorf("query lane counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[Lane]int)
	for rows.Next() {
		var lane Lane
		var n int
		if err := rows.Scan(&lane, &n); err != nil {
			return nil, fmt.Errorf("scan lane count: %w", err)
		}
		counts[lane] = n
	}
	return counts, rows.Err()
}

// PruneTaskEvents deletes event history older than the retention window
// for tasks that have reached a terminal status. Live tasks keep their
// full history so replay stays complete.
func (s *Store) PruneTaskEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM task_events
		WHERE created_at < ?
		  AND task_id IN (SELECT id FROM tasks WHERE status IN (?, ?));
	`, cutoff, TaskDone, TaskFailed)
	if err != nil {
		return 0, fmt.Errorf("prune task events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
