// Package verdict adjudicates executor submissions against recorded gate
// results and the task's scope, producing a deterministic outcome the
// board acts on. The same inputs always yield the same verdict.
package verdict

// Outcome is the adjudication result for one job.
type Outcome string

const (
	OutcomeDone     Outcome = "DONE"
	OutcomeRetry    Outcome = "RETRY"
	OutcomeEscalate Outcome = "ESCALATE"
)

// Submission status values reported by executors.
const (
	SubmitDone      = "DONE"
	SubmitNeedInput = "NEED_INPUT"
	SubmitFailed    = "FAILED"
)

// Machine-readable reason codes carried on verdicts and task histories.
const (
	ReasonMissingTaskID      = "missing_task_id"
	ReasonNeedInput          = "submit:NEED_INPUT"
	ReasonCIFailed           = "CI_FAILED"
	ReasonScopeConflict      = "SCOPE_CONFLICT"
	ReasonRolePolicy         = "ROLE_POLICY_VIOLATION"
	ReasonPinsInsufficient   = "PINS_INSUFFICIENT"
	ReasonSchemaViolation    = "SCHEMA_VIOLATION"
	ReasonNeedsClarification = "NEEDS_CLARIFICATION"
)

// Follow-up actions attached to verdicts for operators and retry logic.
const (
	ActionRerunCI        = "rerun_ci"
	ActionReviewPolicy   = "review_policy"
	ActionFixHygiene     = "fix_hygiene"
	ActionHumanReview    = "human_review"
	ActionClarifyRequest = "clarify_request"
)

// TestRun is one test command reported in a submission.
type TestRun struct {
	Command string `json:"command"`
	Passed  bool   `json:"passed"`
}

// Submission is the structured self-report an executor hands back when a
// job ends.
type Submission struct {
	TaskID       string    `json:"task_id"`
	JobID        string    `json:"job_id"`
	Status       string    `json:"status"`
	ExitCode     *int      `json:"exit_code,omitempty"`
	TouchedFiles []string  `json:"touched_files,omitempty"`
	ToolsUsed    []string  `json:"tools_used,omitempty"`
	Tests        []TestRun `json:"tests,omitempty"`
	Evidence     string    `json:"evidence,omitempty"`
}

// Gate is a quality gate outcome presented for adjudication.
type Gate struct {
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
	Ran      bool   `json:"ran"`
	OK       bool   `json:"ok"`
	Required *bool  `json:"required,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// required defaults to true when the gate doesn't say.
func (g Gate) required() bool {
	if g.Required == nil {
		return true
	}
	return *g.Required
}

// Verdict is the adjudication of one job.
type Verdict struct {
	Outcome Outcome  `json:"outcome"`
	Reasons []string `json:"reasons"`
	Actions []string `json:"actions,omitempty"`
}

// PathChecker reports whether a touched path is inside the task's scope.
// The pins resolver satisfies this.
type PathChecker interface {
	PathAllowed(path string) bool
}

// ToolChecker reports whether a tool the executor claims to have used is
// inside the task role's capability ceiling. The roles registry
// satisfies this.
type ToolChecker interface {
	ToolAllowed(tool string) bool
}

// allowAll is used when no scope is bound, for tasks without pins.
type allowAll struct{}

func (allowAll) PathAllowed(string) bool { return true }

// Engine evaluates submissions. Zero value is not usable; construct with New.
type Engine struct {
	paths PathChecker
	tools ToolChecker
}

func New(paths PathChecker) *Engine {
	if paths == nil {
		paths = allowAll{}
	}
	return &Engine{paths: paths}
}

// WithTools sets the capability checker consulted for reported tool
// usage. Without it, tool reports are not policed.
func (e *Engine) WithTools(tools ToolChecker) *Engine {
	e.tools = tools
	return e
}

// Evaluate applies the decision rules in a fixed order. The first rule
// whose condition holds determines the outcome; scope and gate evidence
// accumulate into reasons even when an earlier rule already decided.
func (e *Engine) Evaluate(sub Submission, gates []Gate) Verdict {
	v := Verdict{}

	if sub.TaskID == "" {
		v.Outcome = OutcomeEscalate
		v.addReason(ReasonMissingTaskID)
		v.addAction(ActionHumanReview)
		return v
	}

	if sub.Status == SubmitNeedInput {
		v.Outcome = OutcomeEscalate
		v.addReason(ReasonNeedInput)
		v.addReason(ReasonNeedsClarification)
		v.addAction(ActionClarifyRequest)
		return v
	}

	for _, g := range gates {
		if g.required() && !g.Ran {
			v.Outcome = OutcomeRetry
			v.addReason("gate_not_run:" + g.Name)
			v.addAction(actionForCategory(g.Category))
		}
	}
	if v.Outcome != "" {
		return v
	}

	for _, g := range gates {
		if g.Ran && !g.OK {
			v.Outcome = OutcomeRetry
			v.addReason("gate_failed:" + g.Name)
			v.addAction(actionForCategory(g.Category))
		}
	}
	if v.Outcome != "" {
		return v
	}

	for _, path := range sub.TouchedFiles {
		if !e.paths.PathAllowed(path) {
			v.Outcome = OutcomeEscalate
			v.addReason(ReasonScopeConflict)
			v.addReason("out_of_scope:" + path)
			v.addAction(ActionHumanReview)
		}
	}
	if e.tools != nil {
		for _, tool := range sub.ToolsUsed {
			if !e.tools.ToolAllowed(tool) {
				v.Outcome = OutcomeEscalate
				v.addReason(ReasonRolePolicy)
				v.addReason("tool_denied:" + tool)
				v.addAction(ActionReviewPolicy)
			}
		}
	}
	if v.Outcome != "" {
		return v
	}

	if clean(sub) {
		v.Outcome = OutcomeDone
		return v
	}

	v.Outcome = OutcomeRetry
	v.addReason(ReasonCIFailed)
	v.addAction(ActionRerunCI)
	return v
}

// clean reports whether the submission itself claims success: status DONE,
// exit code zero or absent, and every reported test passed.
func clean(sub Submission) bool {
	if sub.Status != SubmitDone {
		return false
	}
	if sub.ExitCode != nil && *sub.ExitCode != 0 {
		return false
	}
	for _, tr := range sub.Tests {
		if !tr.Passed {
			return false
		}
	}
	return true
}

func actionForCategory(category string) string {
	switch category {
	case "policy":
		return ActionReviewPolicy
	case "hygiene":
		return ActionFixHygiene
	default:
		return ActionRerunCI
	}
}

func (v *Verdict) addReason(r string) {
	for _, have := range v.Reasons {
		if have == r {
			return
		}
	}
	v.Reasons = append(v.Reasons, r)
}

func (v *Verdict) addAction(a string) {
	for _, have := range v.Actions {
		if have == a {
			return
		}
	}
	v.Actions = append(v.Actions, a)
}
