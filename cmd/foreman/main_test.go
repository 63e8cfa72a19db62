package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/go-foreman/internal/persistence"
)

func openRecoveryStore(t *testing.T) *persistence.Store {
	t.Helper()
	s, err := persistence.Open(persistence.Options{Path: filepath.Join(t.TempDir(), "foreman.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func startTask(t *testing.T, s *persistence.Store) *persistence.Task {
	t.Helper()
	task, err := s.CreateTask(context.Background(), persistence.NewTaskParams{
		Goal: "interrupted work", Role: "implementer",
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	ctx := context.Background()
	for _, to := range []persistence.TaskStatus{persistence.TaskReady, persistence.TaskInProgress} {
		if _, err := s.TransitionTask(ctx, task.ID, to, "test"); err != nil {
			t.Fatalf("TransitionTask to %s: %v", to, err)
		}
	}
	return task
}

func TestRecoverInterruptedClosesRunningJobs(t *testing.T) {
	s := openRecoveryStore(t)
	ctx := context.Background()
	task := startTask(t, s)
	job, err := s.CreateJob(ctx, task.ID, "local")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.StartJob(ctx, job.ID); err != nil {
		t.Fatalf("StartJob: %v", err)
	}

	requeued, err := recoverInterrupted(ctx, s)
	if err != nil {
		t.Fatalf("recoverInterrupted: %v", err)
	}
	if requeued != 1 {
		t.Errorf("requeued = %d, want 1", requeued)
	}
	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != persistence.JobFailed {
		t.Errorf("job status = %s, want failed", got.Status)
	}
	gotTask, _ := s.GetTask(ctx, task.ID)
	if gotTask.Status != persistence.TaskReady {
		t.Errorf("task status = %s, want ready", gotTask.Status)
	}
}

func TestRecoverInterruptedClosesQueuedJobs(t *testing.T) {
	s := openRecoveryStore(t)
	ctx := context.Background()
	task := startTask(t, s)
	// A crash between job creation and start leaves the job queued.
	job, err := s.CreateJob(ctx, task.ID, "local")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if _, err := recoverInterrupted(ctx, s); err != nil {
		t.Fatalf("recoverInterrupted: %v", err)
	}
	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != persistence.JobFailed {
		t.Errorf("queued job status = %s, want failed", got.Status)
	}

	// The active-job slot must be free so the requeued task can dispatch.
	if _, err := s.CreateJob(ctx, task.ID, "local"); err != nil {
		t.Fatalf("dispatch after recovery: %v", err)
	}
}
