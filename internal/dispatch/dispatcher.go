package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-foreman/internal/admission"
	"github.com/basket/go-foreman/internal/persistence"
	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// Completion reports a finished job back to the scheduler, which folds
// the submission into a verdict.
type Completion struct {
	TaskID   string
	JobID    string
	Executor string
	Status   persistence.JobStatus
	Result   *Result
}

// Dispatcher launches admitted tasks and supervises their jobs.
type Dispatcher struct {
	store    *persistence.Store
	registry *Registry
	breakers *admission.BreakerRegistry
	renderer Renderer
	logger   *slog.Logger

	completions chan Completion
	pollEvery   time.Duration
	startRetry  time.Duration

	mu      sync.Mutex
	running map[string]*supervised // by job id
}

type supervised struct {
	handle  Handle
	release func()
	settle  func(success bool)
	started time.Time
	timeout time.Duration
}

func NewDispatcher(store *persistence.Store, registry *Registry, breakers *admission.BreakerRegistry, renderer Renderer, logger *slog.Logger) *Dispatcher {
	if renderer == nil {
		renderer = NopRenderer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:       store,
		registry:    registry,
		breakers:    breakers,
		renderer:    renderer,
		logger:      logger,
		completions: make(chan Completion, 64),
		pollEvery:   time.Second,
		startRetry:  10 * time.Second,
		running:     make(map[string]*supervised),
	}
}

// Completions is the stream of finished jobs.
func (d *Dispatcher) Completions() <-chan Completion {
	return d.completions
}

// RunningCount reports how many jobs are currently supervised.
func (d *Dispatcher) RunningCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running)
}

// Dispatch selects an executor and launches a job for the task. The
// caller has already transitioned the task to in_progress; on failure to
// launch, the returned error tells the scheduler to put it back.
// ErrNoExecutor means every candidate was unhealthy, saturated, or
// broken; that is a defer, not a task failure.
func (d *Dispatcher) Dispatch(ctx context.Context, task *persistence.Task) error {
	usable := func(name string) bool {
		return d.breakers == nil || d.breakers.State(name) != gobreaker.StateOpen
	}
	candidates := d.registry.Candidates(ctx, task, usable)
	if len(candidates) == 0 {
		return ErrNoExecutor
	}

	var lastErr error = ErrNoExecutor
	for _, name := range candidates {
		err := d.launch(ctx, task, name)
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrExecutorSaturated) || errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			continue
		}
		// Launch failure already recorded as a failed job; stop here so
		// the one-active-job invariant decides what happens next.
		return err
	}
	if errors.Is(lastErr, ErrExecutorSaturated) {
		return ErrNoExecutor
	}
	return lastErr
}

func (d *Dispatcher) launch(ctx context.Context, task *persistence.Task, executor string) error {
	release, err := d.registry.Acquire(executor)
	if err != nil {
		return err
	}

	var settle func(success bool)
	if d.breakers != nil {
		settle, err = d.breakers.Allow(executor)
		if err != nil {
			release()
			return err
		}
	} else {
		settle = func(bool) {}
	}

	job, err := d.store.CreateJob(ctx, task.ID, executor)
	if err != nil {
		release()
		settle(true) // never ran, not an executor failure
		return err
	}

	blob, err := d.renderer.Render(ctx, task)
	if err != nil {
		release()
		settle(true)
		_ = d.store.FinishJob(ctx, job.ID, persistence.JobFailed, "", fmt.Sprintf("render context: %v", err))
		return fmt.Errorf("render context for task %s: %w", task.ID, err)
	}

	req := Request{
		JobID:  job.ID,
		TaskID: task.ID,
		Role:   task.Role,
		Goal:   task.Goal,
		Scope: ScopeSpec{
			Allowed:   task.AllowedPaths,
			Forbidden: task.ForbiddenPaths,
		},
		Context: blob,
		Timeout: d.registry.Timeout(executor),
	}

	handle, err := d.startWithRetry(ctx, executor, req)
	if err != nil {
		release()
		settle(false)
		_ = d.store.FinishJob(ctx, job.ID, persistence.JobFailed, "", fmt.Sprintf("start executor: %v", err))
		return fmt.Errorf("start executor %s: %w", executor, err)
	}

	if err := d.store.StartJob(ctx, job.ID); err != nil {
		_ = handle.Cancel(ctx)
		release()
		settle(false)
		return err
	}

	sup := &supervised{
		handle:  handle,
		release: release,
		settle:  settle,
		started: time.Now(),
		timeout: req.Timeout,
	}
	d.mu.Lock()
	d.running[job.ID] = sup
	d.mu.Unlock()

	d.logger.Info("job dispatched",
		"task_id", task.ID, "job_id", job.ID, "executor", executor, "lane", task.Lane)
	go d.supervise(task, job.ID, executor, sup)
	return nil
}

// startWithRetry retries transient launch failures briefly before giving
// up and counting the launch against the executor's breaker.
func (d *Dispatcher) startWithRetry(ctx context.Context, executor string, req Request) (Handle, error) {
	var handle Handle
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		h, err := d.registry.Start(ctx, executor, req)
		if err != nil {
			if errors.Is(err, ErrUnknownExecutor) {
				return backoff.Permanent(err)
			}
			return err
		}
		handle = h
		return nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = d.startRetry
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return handle, nil
}

// supervise polls the handle until the job ends, then records the
// terminal state and emits a completion.
func (d *Dispatcher) supervise(task *persistence.Task, jobID, executor string, sup *supervised) {
	ctx := context.Background()
	ticker := time.NewTicker(d.pollEvery)
	defer ticker.Stop()

	for range ticker.C {
		res, err := sup.handle.Poll(ctx)
		if err != nil {
			continue
		}
		if res == nil {
			continue
		}
		d.finish(ctx, task, jobID, executor, sup, res)
		return
	}
}

func (d *Dispatcher) finish(ctx context.Context, task *persistence.Task, jobID, executor string, sup *supervised, res *Result) {
	d.mu.Lock()
	delete(d.running, jobID)
	d.mu.Unlock()
	sup.release()

	status := persistence.JobDone
	errText := ""
	switch {
	case res.Err != nil && time.Since(sup.started) >= sup.timeout:
		status = persistence.JobTimedOut
		errText = fmt.Sprintf("timed out after %s", sup.timeout)
	case res.Err != nil && len(res.Submission) == 0:
		status = persistence.JobFailed
		errText = res.Err.Error()
	}

	// The breaker tracks executor health, not task success. A job that
	// ran and produced a submission counts as a working executor even
	// when the work itself failed.
	sup.settle(status == persistence.JobDone)

	if err := d.store.FinishJob(ctx, jobID, status, string(res.Submission), errText); err != nil {
		d.logger.Error("record job finish", "job_id", jobID, "error", err)
	}
	// Re-read in case a watchdog kill won the race.
	if job, err := d.store.GetJob(ctx, jobID); err == nil {
		status = job.Status
	}

	d.logger.Info("job finished", "task_id", task.ID, "job_id", jobID,
		"executor", executor, "status", status, "exit_code", res.ExitCode)

	d.completions <- Completion{
		TaskID:   task.ID,
		JobID:    jobID,
		Executor: executor,
		Status:   status,
		Result:   res,
	}
}

// Cancel force-terminates a running job. Unknown jobs report an error so
// API callers get a clear answer.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	d.mu.Lock()
	sup, ok := d.running[jobID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s is not running here", jobID)
	}
	if err := sup.handle.Cancel(ctx); err != nil {
		return err
	}
	return d.store.FinishJob(ctx, jobID, persistence.JobCancelled, "", "cancelled by operator")
}

// KillStuck cancels running jobs older than their timeout plus grace.
// The watchdog calls this on its schedule; jobs it kills are marked
// timed_out before the supervisor sees the process exit.
func (d *Dispatcher) KillStuck(ctx context.Context, grace time.Duration) int {
	d.mu.Lock()
	type victim struct {
		jobID string
		sup   *supervised
	}
	var victims []victim
	for jobID, sup := range d.running {
		if time.Since(sup.started) > sup.timeout+grace {
			victims = append(victims, victim{jobID, sup})
		}
	}
	d.mu.Unlock()

	for _, v := range victims {
		d.logger.Warn("watchdog killing stuck job", "job_id", v.jobID,
			"running_for", time.Since(v.sup.started).Round(time.Second))
		if err := d.store.FinishJob(ctx, v.jobID, persistence.JobTimedOut, "", "watchdog kill"); err != nil {
			d.logger.Error("mark stuck job timed out", "job_id", v.jobID, "error", err)
		}
		if err := v.sup.handle.Cancel(ctx); err != nil {
			d.logger.Error("cancel stuck job", "job_id", v.jobID, "error", err)
		}
	}
	return len(victims)
}
