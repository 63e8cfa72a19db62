package admission

import (
	"sync"
	"time"

	"github.com/basket/go-foreman/internal/bus"
	"github.com/sony/gobreaker"
)

// BreakerConfig tunes per-executor circuit breakers.
type BreakerConfig struct {
	// Threshold is the consecutive-failure count that opens a breaker.
	Threshold uint32
	// Cooldown is the initial open duration before a half-open trial.
	Cooldown time.Duration
	// MaxCooldown caps the doubling applied after failed trials.
	MaxCooldown time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold:   5,
		Cooldown:    30 * time.Second,
		MaxCooldown: 10 * time.Minute,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.Threshold == 0 {
		c.Threshold = d.Threshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = d.MaxCooldown
	}
	return c
}

type breakerEntry struct {
	cb       *gobreaker.TwoStepCircuitBreaker
	cooldown time.Duration
}

// BreakerRegistry manages one circuit breaker per executor. Jobs run for
// minutes, so the two-step breaker is used: Allow at dispatch, the done
// callback when the job ends. A breaker that fails its half-open trial
// reopens with a doubled cooldown, up to MaxCooldown; closing again
// resets the cooldown to the base value.
type BreakerRegistry struct {
	mu      sync.Mutex
	entries map[string]*breakerEntry
	cfg     BreakerConfig
	bus     *bus.Bus // may be nil

	// State change callbacks run under the breaker's own lock, so they
	// only post markers here. The swap happens on the next registry
	// access, outside that lock.
	pending sync.Map // executor -> pendingAction
}

type pendingAction int

const (
	pendingDouble pendingAction = iota
	pendingReset
)

func NewBreakerRegistry(cfg BreakerConfig, b *bus.Bus) *BreakerRegistry {
	return &BreakerRegistry{
		entries: make(map[string]*breakerEntry),
		cfg:     cfg.withDefaults(),
		bus:     b,
	}
}

// Allow asks the executor's breaker for admission. On success it returns
// a done callback the dispatcher must invoke with the job's outcome. An
// open breaker returns gobreaker.ErrOpenState.
func (r *BreakerRegistry) Allow(executor string) (func(success bool), error) {
	e := r.entry(executor)
	done, err := e.cb.Allow()
	if err != nil {
		return nil, err
	}
	return done, nil
}

// State reports the executor's current breaker state.
func (r *BreakerRegistry) State(executor string) gobreaker.State {
	return r.entry(executor).cb.State()
}

// States snapshots every registered breaker's state.
func (r *BreakerRegistry) States() map[string]gobreaker.State {
	r.mu.Lock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.Unlock()

	states := make(map[string]gobreaker.State, len(names))
	for _, name := range names {
		states[name] = r.entry(name).cb.State()
	}
	return states
}

// Cooldown reports the executor's current open duration, for status output.
func (r *BreakerRegistry) Cooldown(executor string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[executor]; ok {
		return e.cooldown
	}
	return r.cfg.Cooldown
}

func (r *BreakerRegistry) entry(executor string) *breakerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[executor]
	if !ok {
		e = r.newEntry(executor, r.cfg.Cooldown)
		r.entries[executor] = e
		return e
	}

	action, found := r.pending.LoadAndDelete(executor)
	if !found {
		return e
	}
	switch action.(pendingAction) {
	case pendingDouble:
		next := e.cooldown * 2
		if next > r.cfg.MaxCooldown {
			next = r.cfg.MaxCooldown
		}
		replacement := r.newEntry(executor, next)
		// The old breaker just reopened. Re-trip the replacement so it
		// starts open with the longer cooldown instead of closed.
		for i := uint32(0); i < r.cfg.Threshold; i++ {
			if done, err := replacement.cb.Allow(); err == nil {
				done(false)
			}
		}
		r.entries[executor] = replacement
		return replacement
	case pendingReset:
		// The breaker closed after a successful trial. Replace it so the
		// next trip opens with the base cooldown, not the doubled one.
		replacement := r.newEntry(executor, r.cfg.Cooldown)
		r.entries[executor] = replacement
		return replacement
	}
	return e
}

func (r *BreakerRegistry) newEntry(executor string, cooldown time.Duration) *breakerEntry {
	cb := gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        executor,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.cfg.Threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if from == gobreaker.StateHalfOpen && to == gobreaker.StateOpen {
				r.pending.Store(name, pendingDouble)
			}
			if to == gobreaker.StateClosed {
				r.pending.Store(name, pendingReset)
			}
			if r.bus != nil {
				r.bus.Publish(bus.TopicBreakerStateChanged, bus.BreakerEvent{
					Executor: name,
					From:     from.String(),
					To:       to.String(),
				})
			}
		},
	})
	return &breakerEntry{cb: cb, cooldown: cooldown}
}
