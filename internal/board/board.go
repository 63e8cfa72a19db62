// Package board is the task board: it owns task intake validation, the
// guarded promotion of tasks through their lifecycle, and the folding of
// verdicts back into task state.
package board

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/basket/go-foreman/internal/audit"
	"github.com/basket/go-foreman/internal/bus"
	"github.com/basket/go-foreman/internal/persistence"
	"github.com/basket/go-foreman/internal/pins"
	"github.com/basket/go-foreman/internal/roles"
	"github.com/basket/go-foreman/internal/verdict"
)

// CodeError carries a machine-readable rejection code alongside the
// human-readable message. API handlers surface the code verbatim.
type CodeError struct {
	Code    string
	Message string
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func codeErr(code, format string, args ...any) *CodeError {
	return &CodeError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Rejection codes surfaced on intake and adjudication.
const (
	CodeScopeConflict      = "SCOPE_CONFLICT"
	CodeRolePolicy         = "ROLE_POLICY_VIOLATION"
	CodePinsInsufficient   = "PINS_INSUFFICIENT"
	CodeSchemaViolation    = "SCHEMA_VIOLATION"
	CodeNeedsClarification = "NEEDS_CLARIFICATION"
)

// Board validates intake and drives tasks through the state machine.
type Board struct {
	store  *persistence.Store
	roles  *roles.Live
	bus    *bus.Bus
	logger *slog.Logger
}

func New(store *persistence.Store, live *roles.Live, b *bus.Bus, logger *slog.Logger) *Board {
	if logger == nil {
		logger = slog.Default()
	}
	return &Board{store: store, roles: live, bus: b, logger: logger}
}

func (b *Board) Store() *persistence.Store { return b.store }

// Create validates a task against the role registry and the pins rules,
// then records it in backlog. Violations reject the task before anything
// is persisted.
func (b *Board) Create(ctx context.Context, p persistence.NewTaskParams) (*persistence.Task, error) {
	caps, err := b.roles.CapabilitiesFor(p.Role)
	if err != nil {
		auditDeny("task.create", CodeRolePolicy, b.roles.Version())
		return nil, codeErr(CodeRolePolicy, "unknown role %q", p.Role)
	}

	scope := pins.Scope{Allowed: p.AllowedPaths, Forbidden: p.ForbiddenPaths}
	if err := scope.Validate(); err != nil {
		auditDeny("task.create", CodeScopeConflict, b.roles.Version())
		return nil, codeErr(CodeScopeConflict, "invalid scope: %v", err)
	}
	if caps.PinsRequired && len(scope.Allowed) == 0 && p.Kind != persistence.KindParent {
		auditDeny("task.create", CodePinsInsufficient, b.roles.Version())
		return nil, codeErr(CodePinsInsufficient, "role %q requires an explicit allowed-path scope", p.Role)
	}

	if p.ParentID != "" {
		parent, err := b.store.GetTask(ctx, p.ParentID)
		if err != nil {
			return nil, fmt.Errorf("parent task: %w", err)
		}
		if parent.Kind != persistence.KindParent {
			return nil, codeErr(CodeScopeConflict, "task %s is not a parent task", p.ParentID)
		}
		parentScope := pins.Scope{Allowed: parent.AllowedPaths, Forbidden: parent.ForbiddenPaths}
		if violations := pins.ValidateInheritance(scope, parentScope); len(violations) > 0 {
			auditDeny("task.create", CodeScopeConflict, b.roles.Version())
			return nil, codeErr(CodeScopeConflict, "child scope exceeds parent: %v", violations[0])
		}
		if p.Lane == "" {
			p.Lane = parent.Lane
		}
	}

	task, err := b.store.CreateTask(ctx, p)
	if err != nil {
		return nil, err
	}
	audit.Record("allow", "task.create", "", b.roles.Version(), task.ID)
	return task, nil
}

// Promote moves a backlog task to ready, re-validating against the
// current role registry since policy may have changed since intake.
func (b *Board) Promote(ctx context.Context, taskID string) (*persistence.Task, error) {
	task, err := b.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if _, err := b.roles.CapabilitiesFor(task.Role); err != nil {
		auditDeny("task.promote", CodeRolePolicy, b.roles.Version())
		return nil, codeErr(CodeRolePolicy, "role %q no longer exists", task.Role)
	}
	return b.store.TransitionTask(ctx, taskID, persistence.TaskReady, "promoted")
}

// ScopeChecker returns the path checker for a task's pins, for verdict
// evaluation. Tasks with no allowed patterns get a deny-everything
// checker unless the role waives pins.
func (b *Board) ScopeChecker(task *persistence.Task) verdict.PathChecker {
	if len(task.AllowedPaths) == 0 && len(task.ForbiddenPaths) == 0 {
		caps, err := b.roles.CapabilitiesFor(task.Role)
		if err == nil && !caps.PinsRequired {
			return allowAllChecker{}
		}
	}
	return scopeChecker{scope: pins.Scope{Allowed: task.AllowedPaths, Forbidden: task.ForbiddenPaths}}
}

type scopeChecker struct{ scope pins.Scope }

func (c scopeChecker) PathAllowed(path string) bool {
	return c.scope.Resolve(path) == pins.Allow
}

type allowAllChecker struct{}

func (allowAllChecker) PathAllowed(string) bool { return true }

// ToolChecker returns the capability checker for the task's role, so the
// verdict engine can police reported tool usage. A role missing from the
// current registry denies every tool.
func (b *Board) ToolChecker(task *persistence.Task) verdict.ToolChecker {
	caps, err := b.roles.CapabilitiesFor(task.Role)
	if err != nil {
		return denyAllTools{}
	}
	return caps
}

type denyAllTools struct{}

func (denyAllTools) ToolAllowed(string) bool { return false }

// AdjudicateJob evaluates a job's submission against its recorded gates
// and scope, stores the verdict, and folds the outcome into the task.
// Re-adjudicating a job whose task already left in_progress records
// nothing new and returns the verdict unchanged, keeping the operation
// idempotent.
func (b *Board) AdjudicateJob(ctx context.Context, jobID string, sub verdict.Submission) (verdict.Verdict, error) {
	job, err := b.store.GetJob(ctx, jobID)
	if err != nil {
		return verdict.Verdict{}, err
	}
	task, err := b.store.GetTask(ctx, job.TaskID)
	if err != nil {
		return verdict.Verdict{}, err
	}

	records, err := b.store.ListGateResults(ctx, jobID)
	if err != nil {
		return verdict.Verdict{}, err
	}
	gates := make([]verdict.Gate, 0, len(records))
	for _, r := range records {
		gates = append(gates, verdict.Gate{
			Name:     r.Gate,
			Category: r.Category,
			Ran:      r.Ran,
			OK:       r.OK,
			Required: r.Required,
			Reason:   r.Reason,
		})
	}

	engine := verdict.New(b.ScopeChecker(task)).WithTools(b.ToolChecker(task))
	v := engine.Evaluate(sub, gates)

	if task.Status != persistence.TaskInProgress {
		b.logger.Debug("skipping verdict for settled task",
			"task_id", task.ID, "job_id", jobID, "status", task.Status)
		return v, nil
	}

	if err := b.store.RecordVerdict(ctx, task.ID, jobID, string(v.Outcome), v.Reasons, v.Actions); err != nil {
		return v, err
	}
	for _, reason := range v.Reasons {
		if err := b.store.AppendReasonCode(ctx, task.ID, reason); err != nil {
			b.logger.Warn("append reason code", "task_id", task.ID, "error", err)
		}
	}
	if b.bus != nil {
		b.bus.Publish(bus.TopicVerdict, bus.VerdictEvent{
			TaskID:  task.ID,
			JobID:   jobID,
			Outcome: string(v.Outcome),
			Reasons: v.Reasons,
		})
	}

	return v, b.applyVerdict(ctx, task, v)
}

func (b *Board) applyVerdict(ctx context.Context, task *persistence.Task, v verdict.Verdict) error {
	switch v.Outcome {
	case verdict.OutcomeDone:
		_, err := b.store.TransitionTask(ctx, task.ID, persistence.TaskDone, "verdict")
		return err

	case verdict.OutcomeRetry:
		attempt, err := b.store.IncrementAttempt(ctx, task.ID)
		if err != nil {
			return err
		}
		if attempt >= task.MaxAttempts {
			return b.escalate(ctx, task, append(v.Reasons, "max_attempts_exhausted"))
		}
		if _, err := b.store.TransitionTask(ctx, task.ID, persistence.TaskFailed, "verdict retry"); err != nil {
			return err
		}
		_, err = b.store.TransitionTask(ctx, task.ID, persistence.TaskReady, "retry")
		return err

	case verdict.OutcomeEscalate:
		return b.escalate(ctx, task, v.Reasons)
	}
	return fmt.Errorf("unknown verdict outcome %q", v.Outcome)
}

// escalate parks the task for a human: failed state, quarantine lane, or
// dlq when it was already quarantined.
func (b *Board) escalate(ctx context.Context, task *persistence.Task, reasons []string) error {
	if _, err := b.store.TransitionTask(ctx, task.ID, persistence.TaskFailed, "escalated"); err != nil {
		var illegal *persistence.ErrIllegalTransition
		if !errors.As(err, &illegal) {
			return err
		}
	}
	lane := persistence.LaneQuarantine
	if task.Lane == persistence.LaneQuarantine || task.Lane == persistence.LaneDLQ {
		lane = persistence.LaneDLQ
	}
	if err := b.store.SetLane(ctx, task.ID, lane, "escalated"); err != nil {
		return err
	}
	b.logger.Warn("task escalated", "task_id", task.ID, "lane", lane, "reasons", reasons)
	if b.bus != nil {
		b.bus.Publish(bus.TopicTaskEscalated, bus.TaskEscalatedEvent{
			TaskID:  task.ID,
			Lane:    string(lane),
			Reasons: reasons,
		})
	}
	return nil
}

// MarkNeedsSplit flags an in-progress task as too large, sending it back
// to backlog for decomposition.
func (b *Board) MarkNeedsSplit(ctx context.Context, taskID, reason string) error {
	if _, err := b.store.TransitionTask(ctx, taskID, persistence.TaskNeedsSplit, reason); err != nil {
		return err
	}
	_, err := b.store.TransitionTask(ctx, taskID, persistence.TaskBacklog, "awaiting split")
	return err
}

func auditDeny(action, code, policyVersion string) {
	audit.Record("deny", action, code, policyVersion, "")
}
