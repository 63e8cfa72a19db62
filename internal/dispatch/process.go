package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ProcessExecutor runs jobs as subprocesses. The request is written to
// the child's stdin as JSON and stdout is taken as the submission. Each
// child gets its own process group so a cancel kills the whole tree.
type ProcessExecutor struct {
	name    string
	command string
	args    []string
	// healthCommand is probed by Healthy. Empty means always healthy.
	healthCommand []string
	env           []string
}

type ProcessConfig struct {
	Name          string
	Command       string
	Args          []string
	HealthCommand []string
	Env           []string
}

func NewProcessExecutor(cfg ProcessConfig) (*ProcessExecutor, error) {
	if cfg.Name == "" {
		return nil, errors.New("process executor requires a name")
	}
	if cfg.Command == "" {
		return nil, errors.New("process executor requires a command")
	}
	return &ProcessExecutor{
		name:          cfg.Name,
		command:       cfg.Command,
		args:          cfg.Args,
		healthCommand: cfg.HealthCommand,
		env:           cfg.Env,
	}, nil
}

func (p *ProcessExecutor) Name() string { return p.name }

func (p *ProcessExecutor) Healthy(ctx context.Context) error {
	if len(p.healthCommand) == 0 {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, p.healthCommand[0], p.healthCommand[1:]...)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("health probe %q: %w", p.healthCommand[0], err)
	}
	return nil
}

func (p *ProcessExecutor) Start(ctx context.Context, req Request) (Handle, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), req.Timeout)
	cmd := exec.CommandContext(runCtx, p.command, p.args...)
	// Own process group, so Cancel can kill the whole subprocess tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(cmd.Environ(), p.env...)
	cmd.Stdin = bytes.NewReader(payload)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %q: %w", p.command, err)
	}

	h := &processHandle{cmd: cmd, cancel: cancel, done: make(chan struct{})}
	go h.run(stdoutPipe, stderrPipe)
	return h, nil
}

type processHandle struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	result *Result
}

// run drains both pipes concurrently before Wait, so a chatty child
// cannot deadlock on a full pipe buffer.
func (h *processHandle) run(stdout, stderr io.Reader) {
	defer h.cancel()

	var wg sync.WaitGroup
	var outBuf, errBuf bytes.Buffer
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(&outBuf, stdout)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(&errBuf, stderr)
	}()
	wg.Wait()

	waitErr := h.cmd.Wait()

	res := &Result{
		Submission: outBuf.Bytes(),
		Stderr:     errBuf.String(),
	}
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		res.ExitCode = 0
	case errors.As(waitErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		res.Err = waitErr
	default:
		res.ExitCode = -1
		res.Err = waitErr
	}

	h.mu.Lock()
	h.result = res
	h.mu.Unlock()
	close(h.done)
}

func (h *processHandle) Poll(ctx context.Context) (*Result, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return nil, nil
	}
}

func (h *processHandle) Cancel(context.Context) error {
	select {
	case <-h.done:
		return nil
	default:
	}
	if h.cmd.Process == nil {
		h.cancel()
		return nil
	}
	// Negative pid targets the process group.
	if err := syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill process group: %w", err)
	}
	return nil
}
