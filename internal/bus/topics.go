package bus

// Task lifecycle topics.
const (
	TopicTaskCreated      = "task.created"
	TopicTaskStateChanged = "task.state_changed"
	TopicTaskLaneChanged  = "task.lane_changed"
	TopicTaskEscalated    = "task.escalated"
)

// Job topics.
const (
	TopicJobDispatched = "job.dispatched"
	TopicJobFinished   = "job.finished"
	TopicJobTimedOut   = "job.timed_out"
	TopicJobCancelled  = "job.cancelled"
)

// Policy and admission topics.
const (
	TopicAdmissionDeferred   = "admission.deferred"
	TopicAdmissionBlocked    = "admission.blocked"
	TopicBreakerStateChanged = "breaker.state_changed"
	TopicDegradationChanged  = "degradation.changed"
)

// Verdict topic.
const (
	TopicVerdict = "verdict.recorded"
)

// TaskStateChangedEvent is published when a task's lifecycle status changes.
type TaskStateChangedEvent struct {
	TaskID    string
	Lane      string
	OldStatus string
	NewStatus string
}

// TaskLaneChangedEvent is published when a task moves between lanes
// (e.g. escalation into quarantine or dlq).
type TaskLaneChangedEvent struct {
	TaskID  string
	OldLane string
	NewLane string
	Reason  string
}

// TaskEscalatedEvent is published when a verdict routes a task out of
// automatic retry into a human-facing queue.
type TaskEscalatedEvent struct {
	TaskID  string
	Lane    string
	Reasons []string
}

// JobEvent is published on job dispatch and completion.
type JobEvent struct {
	JobID    string
	TaskID   string
	Executor string
	Status   string
	Error    string
}

// BreakerEvent is published when an executor's circuit breaker changes state.
type BreakerEvent struct {
	Executor string
	From     string
	To       string
}

// DegradationEvent is published when the admission controller's degradation
// level changes.
type DegradationEvent struct {
	From   string
	To     string
	Reason string
}

// AdmissionEvent is published when admission defers or blocks a task.
type AdmissionEvent struct {
	TaskID string
	Lane   string
	Reason string
}

// VerdictEvent is published when a verdict is recorded for a task.
type VerdictEvent struct {
	TaskID  string
	JobID   string
	Outcome string
	Reasons []string
}
