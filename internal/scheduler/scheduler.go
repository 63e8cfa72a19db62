// Package scheduler is the single writer that drives the board: it
// promotes backlog work, admits ready work lane by lane, hands grants to
// the dispatcher, and folds completions into verdicts. One loop owns all
// state changes, so lane ceilings and the one-active-job rule never race.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/go-foreman/internal/admission"
	"github.com/basket/go-foreman/internal/board"
	"github.com/basket/go-foreman/internal/dispatch"
	fotel "github.com/basket/go-foreman/internal/otel"
	"github.com/basket/go-foreman/internal/persistence"
	"github.com/basket/go-foreman/internal/verdict"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

// schedulable lanes, in admission order. Quarantine and dlq are parked.
var lanes = []persistence.Lane{
	persistence.LaneFast,
	persistence.LaneMain,
	persistence.LaneBatch,
}

// Options tunes the scheduler loop.
type Options struct {
	Tick          time.Duration
	WatchdogCron  string
	WatchdogGrace time.Duration
	// FairnessWarnAge is the ready-queue age past which a lane gets a
	// starvation warning. Advisory only; ordering stays strict.
	FairnessWarnAge time.Duration
	// EventRetention bounds the history kept for terminal tasks. The
	// watchdog sweep prunes anything older.
	EventRetention time.Duration
}

func (o Options) withDefaults() Options {
	if o.Tick <= 0 {
		o.Tick = 2 * time.Second
	}
	if o.WatchdogCron == "" {
		o.WatchdogCron = "*/1 * * * *"
	}
	if o.FairnessWarnAge <= 0 {
		o.FairnessWarnAge = 15 * time.Minute
	}
	if o.EventRetention <= 0 {
		o.EventRetention = 7 * 24 * time.Hour
	}
	return o
}

type Scheduler struct {
	board      *board.Board
	admission  *admission.Controller
	dispatcher *dispatch.Dispatcher
	metrics    *fotel.Metrics // may be nil
	logger     *slog.Logger
	opts       Options
}

func New(b *board.Board, adm *admission.Controller, d *dispatch.Dispatcher, m *fotel.Metrics, logger *slog.Logger, opts Options) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		board:      b,
		admission:  adm,
		dispatcher: d,
		metrics:    m,
		logger:     logger,
		opts:       opts.withDefaults(),
	}
}

// Run drives the loop until the context ends. The tick loop, the
// completion consumer, and the watchdog run under one errgroup; any of
// them failing stops the scheduler.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.tickLoop(ctx) })
	g.Go(func() error { return s.consumeCompletions(ctx) })

	c := cron.New()
	if _, err := c.AddFunc(s.opts.WatchdogCron, func() { s.watchdog(ctx) }); err != nil {
		return fmt.Errorf("watchdog schedule %q: %w", s.opts.WatchdogCron, err)
	}
	c.Start()
	g.Go(func() error {
		<-ctx.Done()
		stopCtx := c.Stop()
		<-stopCtx.Done()
		return ctx.Err()
	})

	return g.Wait()
}

func (s *Scheduler) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass. Exported for tests and the doctor
// command; the loop calls it on every tick.
func (s *Scheduler) Tick(ctx context.Context) {
	if _, err := s.admission.DeriveLevel(ctx); err != nil {
		s.logger.Error("derive degradation level", "error", err)
	}
	s.promoteBacklog(ctx)
	for _, lane := range lanes {
		s.admitLane(ctx, lane)
		s.observeFairness(ctx, lane)
	}
	s.observeLaneWIP(ctx)
}

// observeLaneWIP records the in_progress count per schedulable lane.
func (s *Scheduler) observeLaneWIP(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	counts, err := s.board.Store().LaneCounts(ctx)
	if err != nil {
		s.logger.Error("lane counts", "error", err)
		return
	}
	for _, lane := range lanes {
		s.metrics.LaneWIP.Record(ctx, int64(counts[lane]),
			metric.WithAttributes(attribute.String("lane", string(lane))))
	}
}

// promoteBacklog moves eligible backlog tasks to ready. Parent tasks
// stay in backlog until they are split; parked lanes stay parked.
func (s *Scheduler) promoteBacklog(ctx context.Context) {
	tasks, err := s.board.Store().ListTasksByStatus(ctx, persistence.TaskBacklog)
	if err != nil {
		s.logger.Error("list backlog", "error", err)
		return
	}
	for _, task := range tasks {
		if task.Kind == persistence.KindParent {
			continue
		}
		if task.Lane == persistence.LaneQuarantine || task.Lane == persistence.LaneDLQ {
			continue
		}
		if s.admission.PromotionPaused(task.Lane) {
			continue
		}
		if _, err := s.board.Promote(ctx, task.ID); err != nil {
			s.logger.Warn("promote backlog task", "task_id", task.ID, "error", err)
		}
	}
}

func (s *Scheduler) admitLane(ctx context.Context, lane persistence.Lane) {
	ready, err := s.board.Store().ListReady(ctx, lane, 50)
	if err != nil {
		s.logger.Error("list ready", "lane", lane, "error", err)
		return
	}
	for _, task := range ready {
		res, err := s.admission.Admit(ctx, task)
		if err != nil {
			s.logger.Error("admit", "task_id", task.ID, "error", err)
			continue
		}
		switch res.Decision {
		case admission.Deferred:
			s.count(ctx, s.metricAdmissionDeferred(), lane)
			// The lane is saturated; later tasks in the same lane
			// cannot admit either this tick.
			return
		case admission.Blocked:
			s.count(ctx, s.metricAdmissionBlocked(), lane)
			s.logger.Warn("admission blocked", "task_id", task.ID, "reason", res.Reason)
			if _, err := s.board.Store().TransitionTask(ctx, task.ID, persistence.TaskBlocked, res.Reason); err != nil {
				s.logger.Error("block task", "task_id", task.ID, "error", err)
			}
			continue
		}
		s.start(ctx, task)
	}
}

// start transitions a granted task to in_progress and dispatches it. A
// dispatch with no available executor puts the task back in ready via
// blocked, preserving its queue position on a later tick.
func (s *Scheduler) start(ctx context.Context, task *persistence.Task) {
	task, err := s.board.Store().TransitionTask(ctx, task.ID, persistence.TaskInProgress, "admitted")
	if err != nil {
		s.logger.Error("start task", "task_id", task.ID, "error", err)
		return
	}
	began := time.Now()
	if err := s.dispatcher.Dispatch(ctx, task); err != nil {
		s.logger.Warn("dispatch failed, requeueing", "task_id", task.ID, "error", err)
		s.requeue(ctx, task.ID, err.Error())
		return
	}
	if s.metrics != nil {
		s.metrics.DispatchDuration.Record(ctx, time.Since(began).Seconds(),
			metric.WithAttributes(attribute.String("lane", string(task.Lane))))
	}
}

func (s *Scheduler) requeue(ctx context.Context, taskID, reason string) {
	if _, err := s.board.Store().TransitionTask(ctx, taskID, persistence.TaskBlocked, reason); err != nil {
		s.logger.Error("requeue block", "task_id", taskID, "error", err)
		return
	}
	if _, err := s.board.Store().TransitionTask(ctx, taskID, persistence.TaskReady, "requeued"); err != nil {
		s.logger.Error("requeue ready", "task_id", taskID, "error", err)
	}
}

// consumeCompletions folds finished jobs into verdicts.
func (s *Scheduler) consumeCompletions(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-s.dispatcher.Completions():
			if !ok {
				return nil
			}
			s.HandleCompletion(ctx, c)
		}
	}
}

// HandleCompletion adjudicates one finished job. Jobs that produced no
// parseable submission are adjudicated as failed attempts with the
// task id filled in from the job record.
func (s *Scheduler) HandleCompletion(ctx context.Context, c dispatch.Completion) {
	sub, parsed := parseSubmission(c)
	if !parsed {
		sub = verdict.Submission{
			TaskID: c.TaskID,
			JobID:  c.JobID,
			Status: verdict.SubmitFailed,
		}
		if c.Result != nil {
			code := c.Result.ExitCode
			sub.ExitCode = &code
		}
	}

	v, err := s.board.AdjudicateJob(ctx, c.JobID, sub)
	if err != nil {
		s.logger.Error("adjudicate job", "job_id", c.JobID, "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.VerdictsTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("outcome", string(v.Outcome))))
		if c.Status == persistence.JobTimedOut {
			s.metrics.JobTimeouts.Add(ctx, 1)
		}
		if job, jerr := s.board.Store().GetJob(ctx, c.JobID); jerr == nil &&
			job.StartedAt != nil && job.EndedAt != nil {
			s.metrics.JobDuration.Record(ctx, job.EndedAt.Sub(*job.StartedAt).Seconds(),
				metric.WithAttributes(
					attribute.String("executor", job.Executor),
					attribute.String("status", string(c.Status))))
		}
	}
}

// parseSubmission decodes the executor's self-report. Submissions are
// only trusted when they decode and carry a status.
func parseSubmission(c dispatch.Completion) (verdict.Submission, bool) {
	if c.Result == nil || len(c.Result.Submission) == 0 {
		return verdict.Submission{}, false
	}
	if c.Status == persistence.JobTimedOut || c.Status == persistence.JobCancelled {
		return verdict.Submission{}, false
	}
	var sub verdict.Submission
	if err := json.Unmarshal(c.Result.Submission, &sub); err != nil {
		return verdict.Submission{}, false
	}
	if sub.Status == "" {
		return verdict.Submission{}, false
	}
	if sub.JobID == "" {
		sub.JobID = c.JobID
	}
	return sub, true
}

func (s *Scheduler) watchdog(ctx context.Context) {
	killed := s.dispatcher.KillStuck(ctx, s.opts.WatchdogGrace)
	if killed > 0 && s.metrics != nil {
		s.metrics.WatchdogKills.Add(ctx, int64(killed))
	}
	pruned, err := s.board.Store().PruneTaskEvents(ctx, s.opts.EventRetention)
	if err != nil {
		s.logger.Error("prune task events", "error", err)
	} else if pruned > 0 {
		s.logger.Info("pruned task events", "count", pruned, "retention", s.opts.EventRetention)
	}
}

// observeFairness records the oldest ready age per lane and warns when a
// lane starves. Strict priority ordering is kept; the signal is for
// operators, not the scheduler.
func (s *Scheduler) observeFairness(ctx context.Context, lane persistence.Lane) {
	age, err := s.board.Store().OldestReadyAge(ctx, lane)
	if err != nil {
		s.logger.Error("oldest ready age", "lane", lane, "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.OldestReadyAge.Record(ctx, age.Seconds(),
			metric.WithAttributes(attribute.String("lane", string(lane))))
	}
	if age > s.opts.FairnessWarnAge {
		s.logger.Warn("lane is starving", "lane", lane, "oldest_ready_age", age.Round(time.Second))
	}
}

func (s *Scheduler) count(ctx context.Context, counter metric.Int64Counter, lane persistence.Lane) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("lane", string(lane))))
}

func (s *Scheduler) metricAdmissionDeferred() metric.Int64Counter {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.AdmissionDeferred
}

func (s *Scheduler) metricAdmissionBlocked() metric.Int64Counter {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.AdmissionBlocked
}
