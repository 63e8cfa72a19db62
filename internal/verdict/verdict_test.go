package verdict

import (
	"reflect"
	"testing"
)

type denyList map[string]bool

func (d denyList) PathAllowed(path string) bool { return !d[path] }

func intp(v int) *int    { return &v }
func boolp(v bool) *bool { return &v }

func cleanSubmission() Submission {
	return Submission{
		TaskID:       "task-1",
		JobID:        "job-1",
		Status:       SubmitDone,
		ExitCode:     intp(0),
		TouchedFiles: []string{"internal/app/server.go"},
		Tests:        []TestRun{{Command: "go test ./...", Passed: true}},
	}
}

func TestEvaluateMissingTaskID(t *testing.T) {
	sub := cleanSubmission()
	sub.TaskID = ""
	v := New(nil).Evaluate(sub, nil)
	if v.Outcome != OutcomeEscalate {
		t.Fatalf("outcome = %s, want ESCALATE", v.Outcome)
	}
	if v.Reasons[0] != ReasonMissingTaskID {
		t.Errorf("reasons = %v", v.Reasons)
	}
}

func TestEvaluateNeedInput(t *testing.T) {
	sub := cleanSubmission()
	sub.Status = SubmitNeedInput
	v := New(nil).Evaluate(sub, nil)
	if v.Outcome != OutcomeEscalate {
		t.Fatalf("outcome = %s, want ESCALATE", v.Outcome)
	}
	want := []string{ReasonNeedInput, ReasonNeedsClarification}
	if !reflect.DeepEqual(v.Reasons, want) {
		t.Errorf("reasons = %v, want %v", v.Reasons, want)
	}
}

func TestEvaluateRequiredGateNotRun(t *testing.T) {
	gates := []Gate{
		{Name: "unit-tests", Category: "ci", Ran: false, Required: boolp(true)},
		{Name: "lint", Category: "hygiene", Ran: true, OK: true},
	}
	v := New(nil).Evaluate(cleanSubmission(), gates)
	if v.Outcome != OutcomeRetry {
		t.Fatalf("outcome = %s, want RETRY", v.Outcome)
	}
	if v.Reasons[0] != "gate_not_run:unit-tests" {
		t.Errorf("reasons = %v", v.Reasons)
	}
}

func TestEvaluateOptionalGateNotRunIsFine(t *testing.T) {
	gates := []Gate{{Name: "fuzz", Category: "ci", Ran: false, Required: boolp(false)}}
	v := New(nil).Evaluate(cleanSubmission(), gates)
	if v.Outcome != OutcomeDone {
		t.Fatalf("outcome = %s, want DONE", v.Outcome)
	}
}

func TestEvaluateGateNotRunDefaultsRequired(t *testing.T) {
	gates := []Gate{{Name: "unit-tests", Category: "ci", Ran: false}}
	v := New(nil).Evaluate(cleanSubmission(), gates)
	if v.Outcome != OutcomeRetry {
		t.Fatalf("outcome = %s, want RETRY", v.Outcome)
	}
}

func TestEvaluateGateFailure(t *testing.T) {
	gates := []Gate{
		{Name: "unit-tests", Category: "ci", Ran: true, OK: false, Reason: "2 failures"},
		{Name: "secret-scan", Category: "policy", Ran: true, OK: false},
	}
	v := New(nil).Evaluate(cleanSubmission(), gates)
	if v.Outcome != OutcomeRetry {
		t.Fatalf("outcome = %s, want RETRY", v.Outcome)
	}
	wantReasons := []string{"gate_failed:unit-tests", "gate_failed:secret-scan"}
	if !reflect.DeepEqual(v.Reasons, wantReasons) {
		t.Errorf("reasons = %v, want %v", v.Reasons, wantReasons)
	}
	wantActions := []string{ActionRerunCI, ActionReviewPolicy}
	if !reflect.DeepEqual(v.Actions, wantActions) {
		t.Errorf("actions = %v, want %v", v.Actions, wantActions)
	}
}

func TestEvaluateScopeViolation(t *testing.T) {
	sub := cleanSubmission()
	sub.TouchedFiles = []string{"internal/app/server.go", "secrets/prod.env"}
	checker := denyList{"secrets/prod.env": true}
	v := New(checker).Evaluate(sub, []Gate{{Name: "ci", Category: "ci", Ran: true, OK: true}})
	if v.Outcome != OutcomeEscalate {
		t.Fatalf("outcome = %s, want ESCALATE", v.Outcome)
	}
	if v.Reasons[0] != ReasonScopeConflict {
		t.Errorf("reasons = %v", v.Reasons)
	}
	if v.Reasons[1] != "out_of_scope:secrets/prod.env" {
		t.Errorf("reasons = %v", v.Reasons)
	}
}

func TestEvaluateCleanSubmission(t *testing.T) {
	gates := []Gate{
		{Name: "unit-tests", Category: "ci", Ran: true, OK: true},
		{Name: "lint", Category: "hygiene", Ran: true, OK: true},
	}
	v := New(nil).Evaluate(cleanSubmission(), gates)
	if v.Outcome != OutcomeDone {
		t.Fatalf("outcome = %s, want DONE", v.Outcome)
	}
	if len(v.Reasons) != 0 {
		t.Errorf("reasons = %v, want none", v.Reasons)
	}
}

func TestEvaluateExitCodeAbsentIsClean(t *testing.T) {
	sub := cleanSubmission()
	sub.ExitCode = nil
	v := New(nil).Evaluate(sub, nil)
	if v.Outcome != OutcomeDone {
		t.Fatalf("outcome = %s, want DONE", v.Outcome)
	}
}

func TestEvaluateDirtySubmission(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Submission)
	}{
		{"status failed", func(s *Submission) { s.Status = SubmitFailed }},
		{"nonzero exit", func(s *Submission) { s.ExitCode = intp(1) }},
		{"failing test", func(s *Submission) {
			s.Tests = append(s.Tests, TestRun{Command: "go vet ./...", Passed: false})
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := cleanSubmission()
			tc.mutate(&sub)
			v := New(nil).Evaluate(sub, nil)
			if v.Outcome != OutcomeRetry {
				t.Fatalf("outcome = %s, want RETRY", v.Outcome)
			}
			if v.Reasons[0] != ReasonCIFailed {
				t.Errorf("reasons = %v", v.Reasons)
			}
		})
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	sub := cleanSubmission()
	sub.TouchedFiles = []string{"a.go", "b.go"}
	gates := []Gate{
		{Name: "unit-tests", Category: "ci", Ran: true, OK: false},
		{Name: "lint", Category: "hygiene", Ran: true, OK: false},
	}
	engine := New(denyList{"b.go": true})
	first := engine.Evaluate(sub, gates)
	for i := 0; i < 10; i++ {
		again := engine.Evaluate(sub, gates)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differs: %+v vs %+v", i, first, again)
		}
	}
}

func TestReasonsDeduplicated(t *testing.T) {
	sub := cleanSubmission()
	sub.TouchedFiles = []string{"x.go", "x.go"}
	v := New(denyList{"x.go": true}).Evaluate(sub, nil)
	seen := map[string]bool{}
	for _, r := range v.Reasons {
		if seen[r] {
			t.Fatalf("duplicate reason %q in %v", r, v.Reasons)
		}
		seen[r] = true
	}
}

type toolList map[string]bool

func (l toolList) ToolAllowed(tool string) bool { return l[tool] }

func TestEvaluateDeniedToolEscalates(t *testing.T) {
	sub := cleanSubmission()
	sub.ToolsUsed = []string{"edit", "shell"}
	v := New(nil).WithTools(toolList{"edit": true}).Evaluate(sub, nil)
	if v.Outcome != OutcomeEscalate {
		t.Fatalf("outcome = %s, want ESCALATE", v.Outcome)
	}
	wantReasons := []string{ReasonRolePolicy, "tool_denied:shell"}
	if !reflect.DeepEqual(v.Reasons, wantReasons) {
		t.Errorf("reasons = %v, want %v", v.Reasons, wantReasons)
	}
	if !reflect.DeepEqual(v.Actions, []string{ActionReviewPolicy}) {
		t.Errorf("actions = %v", v.Actions)
	}
}

func TestEvaluateToolsWithinCeilingPass(t *testing.T) {
	sub := cleanSubmission()
	sub.ToolsUsed = []string{"edit"}
	v := New(nil).WithTools(toolList{"edit": true}).Evaluate(sub, nil)
	if v.Outcome != OutcomeDone {
		t.Fatalf("outcome = %s, want DONE", v.Outcome)
	}
}

func TestEvaluateToolsUnpolicedWithoutChecker(t *testing.T) {
	sub := cleanSubmission()
	sub.ToolsUsed = []string{"anything"}
	v := New(nil).Evaluate(sub, nil)
	if v.Outcome != OutcomeDone {
		t.Fatalf("outcome = %s, want DONE", v.Outcome)
	}
}
