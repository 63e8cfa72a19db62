package board

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/go-foreman/internal/persistence"
	"github.com/basket/go-foreman/internal/roles"
	"github.com/basket/go-foreman/internal/verdict"
)

const testRolesYAML = `roles:
  implementer:
    allowed_tools: [edit, bash]
    pins_required: true
  planner:
    allowed_tools: [read]
    pins_required: false
  reviewer:
    allowed_tools: [read]
    denied_tools: [bash]
    pins_required: false
`

func newTestBoard(t *testing.T) *Board {
	t.Helper()
	store, err := persistence.Open(persistence.Options{Path: filepath.Join(t.TempDir(), "foreman.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	rolesPath := filepath.Join(t.TempDir(), "roles.yaml")
	if err := os.WriteFile(rolesPath, []byte(testRolesYAML), 0o644); err != nil {
		t.Fatalf("write roles: %v", err)
	}
	set, err := roles.Load(rolesPath)
	if err != nil {
		t.Fatalf("Load roles: %v", err)
	}
	return New(store, roles.NewLive(set), nil, nil)
}

func codeOf(t *testing.T, err error) string {
	t.Helper()
	var ce *CodeError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CodeError, got %v", err)
	}
	return ce.Code
}

func TestCreateValidTask(t *testing.T) {
	b := newTestBoard(t)
	task, err := b.Create(context.Background(), persistence.NewTaskParams{
		Goal:         "add metrics endpoint",
		Role:         "implementer",
		AllowedPaths: []string{"internal/api/**"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if task.Status != persistence.TaskBacklog {
		t.Errorf("status = %s, want backlog", task.Status)
	}
}

func TestCreateRejectsUnknownRole(t *testing.T) {
	b := newTestBoard(t)
	_, err := b.Create(context.Background(), persistence.NewTaskParams{
		Goal: "g", Role: "wizard", AllowedPaths: []string{"a/**"},
	})
	if codeOf(t, err) != CodeRolePolicy {
		t.Errorf("code = %s, want ROLE_POLICY_VIOLATION", codeOf(t, err))
	}
}

func TestCreateRequiresPinsForPinnedRole(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	_, err := b.Create(ctx, persistence.NewTaskParams{Goal: "g", Role: "implementer"})
	if codeOf(t, err) != CodePinsInsufficient {
		t.Errorf("code = %s, want PINS_INSUFFICIENT", codeOf(t, err))
	}

	// A role without pins_required accepts an unpinned task.
	if _, err := b.Create(ctx, persistence.NewTaskParams{Goal: "g", Role: "planner"}); err != nil {
		t.Errorf("planner task: %v", err)
	}
}

func TestCreateRejectsInvalidPattern(t *testing.T) {
	b := newTestBoard(t)
	_, err := b.Create(context.Background(), persistence.NewTaskParams{
		Goal: "g", Role: "implementer", AllowedPaths: []string{"/etc/passwd"},
	})
	if codeOf(t, err) != CodeScopeConflict {
		t.Errorf("code = %s, want SCOPE_CONFLICT", codeOf(t, err))
	}
}

func TestCreateChildScopeMustNestInParent(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	parent, err := b.Create(ctx, persistence.NewTaskParams{
		Goal:           "refactor api layer",
		Role:           "planner",
		Kind:           persistence.KindParent,
		AllowedPaths:   []string{"internal/api/**"},
		ForbiddenPaths: []string{"internal/api/secrets/**"},
		Lane:           persistence.LaneBatch,
	})
	if err != nil {
		t.Fatalf("create parent: %v", err)
	}

	child, err := b.Create(ctx, persistence.NewTaskParams{
		Goal:           "handlers",
		Role:           "implementer",
		ParentID:       parent.ID,
		AllowedPaths:   []string{"internal/api/handlers/**"},
		ForbiddenPaths: []string{"internal/api/secrets/**"},
	})
	if err != nil {
		t.Fatalf("create nested child: %v", err)
	}
	if child.Lane != persistence.LaneBatch {
		t.Errorf("child lane = %s, want inherited batchlane", child.Lane)
	}

	_, err = b.Create(ctx, persistence.NewTaskParams{
		Goal:           "sneaky",
		Role:           "implementer",
		ParentID:       parent.ID,
		AllowedPaths:   []string{"cmd/**"},
		ForbiddenPaths: []string{"internal/api/secrets/**"},
	})
	if codeOf(t, err) != CodeScopeConflict {
		t.Errorf("broadened child code = %s, want SCOPE_CONFLICT", codeOf(t, err))
	}

	_, err = b.Create(ctx, persistence.NewTaskParams{
		Goal:         "relaxed",
		Role:         "implementer",
		ParentID:     parent.ID,
		AllowedPaths: []string{"internal/api/handlers/**"},
	})
	if codeOf(t, err) != CodeScopeConflict {
		t.Errorf("relaxed-forbidden child code = %s, want SCOPE_CONFLICT", codeOf(t, err))
	}
}

func TestCreateRejectsChildOfAtomicTask(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()
	leaf, err := b.Create(ctx, persistence.NewTaskParams{
		Goal: "leaf", Role: "planner",
	})
	if err != nil {
		t.Fatalf("create leaf: %v", err)
	}
	_, err = b.Create(ctx, persistence.NewTaskParams{
		Goal: "child", Role: "planner", ParentID: leaf.ID,
	})
	if err == nil {
		t.Fatal("expected error attaching child to atomic task")
	}
}

func startedTask(t *testing.T, b *Board, allowed []string) (*persistence.Task, *persistence.Job) {
	t.Helper()
	ctx := context.Background()
	task, err := b.Create(ctx, persistence.NewTaskParams{
		Goal: "work", Role: "implementer", AllowedPaths: allowed, MaxAttempts: 2,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := b.Promote(ctx, task.ID); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if _, err := b.Store().TransitionTask(ctx, task.ID, persistence.TaskInProgress, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	job, err := b.Store().CreateJob(ctx, task.ID, "local")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := b.Store().StartJob(ctx, job.ID); err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	if err := b.Store().FinishJob(ctx, job.ID, persistence.JobDone, "", ""); err != nil {
		t.Fatalf("FinishJob: %v", err)
	}
	return task, job
}

func TestAdjudicateDoneCompletesTask(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()
	task, job := startedTask(t, b, []string{"internal/**"})

	v, err := b.AdjudicateJob(ctx, job.ID, verdict.Submission{
		TaskID: task.ID, JobID: job.ID, Status: verdict.SubmitDone,
		TouchedFiles: []string{"internal/api/server.go"},
	})
	if err != nil {
		t.Fatalf("AdjudicateJob: %v", err)
	}
	if v.Outcome != verdict.OutcomeDone {
		t.Fatalf("outcome = %s, want DONE", v.Outcome)
	}
	got, _ := b.Store().GetTask(ctx, task.ID)
	if got.Status != persistence.TaskDone {
		t.Errorf("task status = %s, want done", got.Status)
	}
	verdicts, _ := b.Store().ListVerdictsByTask(ctx, task.ID)
	if len(verdicts) != 1 {
		t.Errorf("verdict rows = %d, want 1", len(verdicts))
	}
}

func TestAdjudicateRetryRequeuesTask(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()
	task, job := startedTask(t, b, []string{"internal/**"})

	v, err := b.AdjudicateJob(ctx, job.ID, verdict.Submission{
		TaskID: task.ID, JobID: job.ID, Status: verdict.SubmitFailed,
	})
	if err != nil {
		t.Fatalf("AdjudicateJob: %v", err)
	}
	if v.Outcome != verdict.OutcomeRetry {
		t.Fatalf("outcome = %s, want RETRY", v.Outcome)
	}
	got, _ := b.Store().GetTask(ctx, task.ID)
	if got.Status != persistence.TaskReady {
		t.Errorf("task status = %s, want ready", got.Status)
	}
	if got.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", got.Attempt)
	}
}

func TestAdjudicateRetryExhaustionEscalates(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()
	// MaxAttempts is 2; burn one attempt first.
	task, job := startedTask(t, b, []string{"internal/**"})
	if _, err := b.Store().IncrementAttempt(ctx, task.ID); err != nil {
		t.Fatalf("IncrementAttempt: %v", err)
	}

	v, err := b.AdjudicateJob(ctx, job.ID, verdict.Submission{
		TaskID: task.ID, JobID: job.ID, Status: verdict.SubmitFailed,
	})
	if err != nil {
		t.Fatalf("AdjudicateJob: %v", err)
	}
	if v.Outcome != verdict.OutcomeRetry {
		t.Fatalf("outcome = %s, want RETRY", v.Outcome)
	}
	got, _ := b.Store().GetTask(ctx, task.ID)
	if got.Status != persistence.TaskFailed {
		t.Errorf("task status = %s, want failed", got.Status)
	}
	if got.Lane != persistence.LaneQuarantine {
		t.Errorf("lane = %s, want quarantine", got.Lane)
	}
}

func TestAdjudicateScopeViolationEscalates(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()
	task, job := startedTask(t, b, []string{"internal/api/**"})

	v, err := b.AdjudicateJob(ctx, job.ID, verdict.Submission{
		TaskID: task.ID, JobID: job.ID, Status: verdict.SubmitDone,
		TouchedFiles: []string{"internal/api/server.go", "cmd/main.go"},
	})
	if err != nil {
		t.Fatalf("AdjudicateJob: %v", err)
	}
	if v.Outcome != verdict.OutcomeEscalate {
		t.Fatalf("outcome = %s, want ESCALATE", v.Outcome)
	}
	got, _ := b.Store().GetTask(ctx, task.ID)
	if got.Status != persistence.TaskFailed || got.Lane != persistence.LaneQuarantine {
		t.Errorf("task = %s/%s, want failed/quarantine", got.Status, got.Lane)
	}
	found := false
	for _, code := range got.ReasonCodes {
		if code == verdict.ReasonScopeConflict {
			found = true
		}
	}
	if !found {
		t.Errorf("reason codes %v missing SCOPE_CONFLICT", got.ReasonCodes)
	}
}

func TestAdjudicateIsIdempotentAfterSettlement(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()
	task, job := startedTask(t, b, []string{"internal/**"})

	sub := verdict.Submission{TaskID: task.ID, JobID: job.ID, Status: verdict.SubmitDone}
	if _, err := b.AdjudicateJob(ctx, job.ID, sub); err != nil {
		t.Fatalf("first AdjudicateJob: %v", err)
	}
	// A duplicate delivery after the task settled records nothing new.
	if _, err := b.AdjudicateJob(ctx, job.ID, sub); err != nil {
		t.Fatalf("second AdjudicateJob: %v", err)
	}
	verdicts, _ := b.Store().ListVerdictsByTask(ctx, task.ID)
	if len(verdicts) != 1 {
		t.Errorf("verdict rows = %d, want 1", len(verdicts))
	}
	got, _ := b.Store().GetTask(ctx, task.ID)
	if got.Status != persistence.TaskDone {
		t.Errorf("status = %s, want done", got.Status)
	}
}

func TestEscalateFromQuarantineGoesToDLQ(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()
	task, job := startedTask(t, b, []string{"internal/**"})
	if err := b.Store().SetLane(ctx, task.ID, persistence.LaneQuarantine, "manual"); err != nil {
		t.Fatalf("SetLane: %v", err)
	}

	_, err := b.AdjudicateJob(ctx, job.ID, verdict.Submission{
		TaskID: task.ID, JobID: job.ID, Status: verdict.SubmitNeedInput,
	})
	if err != nil {
		t.Fatalf("AdjudicateJob: %v", err)
	}
	got, _ := b.Store().GetTask(ctx, task.ID)
	if got.Lane != persistence.LaneDLQ {
		t.Errorf("lane = %s, want dlq", got.Lane)
	}
}

func TestMarkNeedsSplit(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()
	task, _ := startedTask(t, b, []string{"internal/**"})

	if err := b.MarkNeedsSplit(ctx, task.ID, "touches too many packages"); err != nil {
		t.Fatalf("MarkNeedsSplit: %v", err)
	}
	got, _ := b.Store().GetTask(ctx, task.ID)
	if got.Status != persistence.TaskBacklog {
		t.Errorf("status = %s, want backlog", got.Status)
	}
}
