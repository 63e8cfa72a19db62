// Package admission gates the ready -> in_progress edge. It enforces
// per-lane WIP ceilings, consults per-executor circuit breakers, and
// applies the system degradation level. Saturation defers work; only
// structural problems block it.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basket/go-foreman/internal/bus"
	"github.com/basket/go-foreman/internal/persistence"
	"github.com/sony/gobreaker"
)

// Decision classifies an admission outcome. Deferred work stays ready and
// is retried on a later tick; blocked work never admits in its current
// form.
type Decision string

const (
	Granted  Decision = "granted"
	Deferred Decision = "deferred"
	Blocked  Decision = "blocked"
)

// Result carries the decision and a machine-readable reason for audit.
type Result struct {
	Decision Decision
	Reason   string
}

// Level is the system degradation level. At critical, only fastlane work
// admits and backlog promotion pauses for the other lanes.
type Level string

const (
	LevelNormal   Level = "normal"
	LevelDegraded Level = "degraded"
	LevelCritical Level = "critical"
)

func ValidLevel(l Level) bool {
	switch l {
	case LevelNormal, LevelDegraded, LevelCritical:
		return true
	}
	return false
}

const degradationKey = "degradation_level"

// LaneLimits maps lanes to their WIP ceilings. A missing lane means
// unlimited; quarantine and dlq are never admitted regardless.
type LaneLimits map[persistence.Lane]int

func DefaultLaneLimits() LaneLimits {
	return LaneLimits{
		persistence.LaneFast:  2,
		persistence.LaneMain:  4,
		persistence.LaneBatch: 8,
	}
}

// Controller decides whether a ready task may start work now.
type Controller struct {
	store    *persistence.Store
	bus      *bus.Bus
	breakers *BreakerRegistry
	logger   *slog.Logger

	mu     sync.RWMutex
	limits LaneLimits
	level  Level
}

func NewController(store *persistence.Store, b *bus.Bus, breakers *BreakerRegistry, limits LaneLimits, logger *slog.Logger) *Controller {
	if limits == nil {
		limits = DefaultLaneLimits()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:    store,
		bus:      b,
		breakers: breakers,
		logger:   logger,
		limits:   limits,
		level:    LevelNormal,
	}
}

// Restore loads the persisted degradation level so restarts keep it.
func (c *Controller) Restore(ctx context.Context) error {
	stored, err := c.store.KVGet(ctx, degradationKey)
	if err != nil {
		return err
	}
	if stored == "" {
		return nil
	}
	if !ValidLevel(Level(stored)) {
		c.logger.Warn("ignoring unknown stored degradation level", "level", stored)
		return nil
	}
	c.mu.Lock()
	c.level = Level(stored)
	c.mu.Unlock()
	return nil
}

// Level returns the current degradation level.
func (c *Controller) Level() Level {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.level
}

// DeriveLevel recomputes the degradation level from the executor breaker
// states and lane WIP saturation, applying it via SetLevel when it
// changed. The scheduler calls this every tick, so the level tracks the
// fleet: critical when every known executor's breaker is open, degraded
// when some executor is down or every ceilinged lane is full, normal
// otherwise.
func (c *Controller) DeriveLevel(ctx context.Context) (Level, error) {
	open, total := 0, 0
	if c.breakers != nil {
		for _, state := range c.breakers.States() {
			total++
			if state == gobreaker.StateOpen {
				open++
			}
		}
	}

	c.mu.RLock()
	limits := make(LaneLimits, len(c.limits))
	for lane, limit := range c.limits {
		limits[lane] = limit
	}
	c.mu.RUnlock()

	saturated, limited := 0, 0
	if len(limits) > 0 {
		wip, err := c.store.LaneCounts(ctx)
		if err != nil {
			return c.Level(), err
		}
		for lane, limit := range limits {
			if limit <= 0 {
				continue
			}
			limited++
			if wip[lane] >= limit {
				saturated++
			}
		}
	}

	level := LevelNormal
	reason := "executors healthy, lanes under ceiling"
	switch {
	case total > 0 && open == total:
		level = LevelCritical
		reason = fmt.Sprintf("all %d executor breakers open", total)
	case open > 0:
		level = LevelDegraded
		reason = fmt.Sprintf("%d of %d executor breakers open", open, total)
	case limited > 0 && saturated == limited:
		level = LevelDegraded
		reason = fmt.Sprintf("all %d ceilinged lanes at WIP capacity", limited)
	}

	if level == c.Level() {
		return level, nil
	}
	return level, c.SetLevel(ctx, level, reason)
}

// SetLevel changes the degradation level, persists it, and announces it.
func (c *Controller) SetLevel(ctx context.Context, level Level, reason string) error {
	if !ValidLevel(level) {
		return fmt.Errorf("invalid degradation level %q", level)
	}
	c.mu.Lock()
	prev := c.level
	c.level = level
	c.mu.Unlock()
	if prev == level {
		return nil
	}
	if err := c.store.KVSet(ctx, degradationKey, string(level)); err != nil {
		return err
	}
	c.logger.Warn("degradation level changed", "from", prev, "to", level, "reason", reason)
	if c.bus != nil {
		c.bus.Publish(bus.TopicDegradationChanged, bus.DegradationEvent{
			From:   string(prev),
			To:     string(level),
			Reason: reason,
		})
	}
	return nil
}

// Breakers exposes the registry so the dispatcher can settle outcomes.
func (c *Controller) Breakers() *BreakerRegistry {
	return c.breakers
}

// Admit decides whether the task may move to in_progress now. The caller
// performs the actual transition on a grant. Breaker state is consulted
// per executor at dispatch time, not here, because executor selection
// happens after admission.
func (c *Controller) Admit(ctx context.Context, task *persistence.Task) (Result, error) {
	if task.Kind == persistence.KindParent {
		return c.blocked(ctx, task, "parent tasks are decomposed, not executed")
	}
	switch task.Lane {
	case persistence.LaneQuarantine, persistence.LaneDLQ:
		return c.blocked(ctx, task, fmt.Sprintf("lane %s is parked", task.Lane))
	}

	if c.Level() == LevelCritical && task.Lane != persistence.LaneFast {
		return c.deferred(ctx, task, "system critical, non-fastlane work paused")
	}

	c.mu.RLock()
	limit, limited := c.limits[task.Lane]
	c.mu.RUnlock()
	if limited {
		wip, err := c.store.CountInProgress(ctx, task.Lane)
		if err != nil {
			return Result{}, err
		}
		if wip >= limit {
			return c.deferred(ctx, task, fmt.Sprintf("lane %s at WIP ceiling %d", task.Lane, limit))
		}
	}

	return Result{Decision: Granted}, nil
}

// PromotionPaused reports whether backlog -> ready promotion is paused
// for the lane under the current degradation level.
func (c *Controller) PromotionPaused(lane persistence.Lane) bool {
	return c.Level() == LevelCritical && lane != persistence.LaneFast
}

func (c *Controller) deferred(ctx context.Context, task *persistence.Task, reason string) (Result, error) {
	if c.bus != nil {
		c.bus.Publish(bus.TopicAdmissionDeferred, bus.AdmissionEvent{
			TaskID: task.ID,
			Lane:   string(task.Lane),
			Reason: reason,
		})
	}
	return Result{Decision: Deferred, Reason: reason}, nil
}

func (c *Controller) blocked(ctx context.Context, task *persistence.Task, reason string) (Result, error) {
	if c.bus != nil {
		c.bus.Publish(bus.TopicAdmissionBlocked, bus.AdmissionEvent{
			TaskID: task.ID,
			Lane:   string(task.Lane),
			Reason: reason,
		})
	}
	return Result{Decision: Blocked, Reason: reason}, nil
}
