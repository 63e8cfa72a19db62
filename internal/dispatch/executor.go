// Package dispatch turns admitted tasks into running jobs. It selects an
// executor, guards the launch with the executor's circuit breaker, and
// supervises the job until a submission or a watchdog kill ends it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/basket/go-foreman/internal/persistence"
	"golang.org/x/sync/semaphore"
)

// Request is the rendered work order handed to an executor.
type Request struct {
	JobID   string        `json:"job_id"`
	TaskID  string        `json:"task_id"`
	Role    string        `json:"role"`
	Goal    string        `json:"goal"`
	Scope   ScopeSpec     `json:"scope"`
	Context []byte        `json:"context,omitempty"`
	Timeout time.Duration `json:"-"`
}

// ScopeSpec carries the task's path patterns to the executor.
type ScopeSpec struct {
	Allowed   []string `json:"allowed"`
	Forbidden []string `json:"forbidden"`
}

// Result is what a finished job hands back. Submission holds the raw
// JSON self-report when the executor produced one.
type Result struct {
	Submission []byte
	ExitCode   int
	Stderr     string
	Err        error
}

// Handle tracks one started job.
type Handle interface {
	// Poll returns the result once the job has ended, or nil while it is
	// still running.
	Poll(ctx context.Context) (*Result, error)
	// Cancel force-terminates the job. Safe to call after completion.
	Cancel(ctx context.Context) error
}

// Executor launches jobs. Implementations are opaque to the core: the
// core never inspects what the executor does, only its submission.
type Executor interface {
	Name() string
	Start(ctx context.Context, req Request) (Handle, error)
	// Healthy probes the executor. Implementations must bound the probe
	// themselves when the context carries no deadline.
	Healthy(ctx context.Context) error
}

// Renderer produces the opaque context blob included in a request.
// The core treats the output as bytes.
type Renderer interface {
	Render(ctx context.Context, task *persistence.Task) ([]byte, error)
}

// NopRenderer renders nothing, for executors that build their own context.
type NopRenderer struct{}

func (NopRenderer) Render(context.Context, *persistence.Task) ([]byte, error) { return nil, nil }

// ExecutorSpec is the registry configuration for one executor.
type ExecutorSpec struct {
	Executor Executor
	// Priority orders selection; lower wins.
	Priority int
	// MaxConcurrency caps simultaneously running jobs. Zero means 1.
	MaxConcurrency int64
	// Roles limits which task roles this executor accepts. Empty means all.
	Roles []string
	// Timeout bounds each job. Zero uses the registry default.
	Timeout time.Duration
}

type registered struct {
	spec ExecutorSpec
	sem  *semaphore.Weighted
}

var (
	ErrNoExecutor        = errors.New("no executor available")
	ErrExecutorSaturated = errors.New("executor at max concurrency")
	ErrUnknownExecutor   = errors.New("unknown executor")
)

// Registry holds the configured executors and their concurrency slots.
type Registry struct {
	mu             sync.RWMutex
	entries        map[string]*registered
	ordered        []string
	defaultTimeout time.Duration
	probeTimeout   time.Duration
}

func NewRegistry(defaultTimeout time.Duration) *Registry {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Minute
	}
	return &Registry{
		entries:        make(map[string]*registered),
		defaultTimeout: defaultTimeout,
		probeTimeout:   5 * time.Second,
	}
}

// Register adds an executor. Registering the same name twice replaces it.
func (r *Registry) Register(spec ExecutorSpec) error {
	if spec.Executor == nil || spec.Executor.Name() == "" {
		return errors.New("executor spec requires a named executor")
	}
	if spec.MaxConcurrency <= 0 {
		spec.MaxConcurrency = 1
	}
	if spec.Timeout <= 0 {
		spec.Timeout = r.defaultTimeout
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	name := spec.Executor.Name()
	r.entries[name] = &registered{
		spec: spec,
		sem:  semaphore.NewWeighted(spec.MaxConcurrency),
	}
	r.ordered = append(r.ordered[:0:0], r.orderedLocked()...)
	return nil
}

func (r *Registry) orderedLocked() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := r.entries[names[i]], r.entries[names[j]]
		if a.spec.Priority != b.spec.Priority {
			return a.spec.Priority < b.spec.Priority
		}
		return names[i] < names[j]
	})
	return names
}

// Names returns executor names in selection order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.ordered...)
}

func (r *Registry) get(name string) (*registered, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExecutor, name)
	}
	return e, nil
}

// Timeout returns the configured job timeout for an executor.
func (r *Registry) Timeout(name string) time.Duration {
	e, err := r.get(name)
	if err != nil {
		return r.defaultTimeout
	}
	return e.spec.Timeout
}

func (e *registered) acceptsRole(role string) bool {
	if len(e.spec.Roles) == 0 {
		return true
	}
	for _, r := range e.spec.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// breakerCheck reports whether the executor may be dispatched to right
// now. The dispatcher supplies the admission breaker registry.
type breakerCheck func(executor string) bool

// Candidates returns executors able to take the task, in selection
// order: the task's preference first when it qualifies, then role
// matches by priority. Saturated or broken executors are skipped.
func (r *Registry) Candidates(ctx context.Context, task *persistence.Task, usable breakerCheck) []string {
	r.mu.RLock()
	ordered := append([]string(nil), r.ordered...)
	r.mu.RUnlock()

	var names []string
	appendIf := func(name string) {
		e, err := r.get(name)
		if err != nil || !e.acceptsRole(task.Role) {
			return
		}
		if usable != nil && !usable(name) {
			return
		}
		probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
		err = e.spec.Executor.Healthy(probeCtx)
		cancel()
		if err != nil {
			return
		}
		names = append(names, name)
	}

	if task.ExecutorPref != "" {
		appendIf(task.ExecutorPref)
	}
	for _, name := range ordered {
		if name == task.ExecutorPref {
			continue
		}
		appendIf(name)
	}
	return names
}

// Acquire takes a concurrency slot. Returns ErrExecutorSaturated when
// the executor is at capacity; the released func must be called once.
func (r *Registry) Acquire(name string) (func(), error) {
	e, err := r.get(name)
	if err != nil {
		return nil, err
	}
	if !e.sem.TryAcquire(1) {
		return nil, fmt.Errorf("%s: %w", name, ErrExecutorSaturated)
	}
	var once sync.Once
	return func() { once.Do(func() { e.sem.Release(1) }) }, nil
}

// Start launches a request on the named executor.
func (r *Registry) Start(ctx context.Context, name string, req Request) (Handle, error) {
	e, err := r.get(name)
	if err != nil {
		return nil, err
	}
	if req.Timeout <= 0 {
		req.Timeout = e.spec.Timeout
	}
	return e.spec.Executor.Start(ctx, req)
}
