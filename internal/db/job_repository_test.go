package db

import (
	"context"
	"errors"
	"testing"

	"github.com/codernetes/hub/internal/models"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	database, err := OpenInMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if _, err := database.MigrateUp(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	return database
}

func TestJobRepositoryCreateAndGet(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(setupTestDB(t))

	job := &models.Job{
		Prompt:        "fix the flaky integration test",
		RequestedTags: []string{"linux", "gpu"},
		Repositories: []models.RepositorySpec{
			{URL: "https://github.com/acme/widgets", Branch: "main"},
		},
		Metadata: map[string]string{"origin": "slack"},
	}

	if err := repo.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if job.ID == "" {
		t.Fatal("Create did not assign an ID")
	}
	if job.Status != models.JobStatusPending {
		t.Fatalf("new job status = %s, want pending", job.Status)
	}

	got, err := repo.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Prompt != job.Prompt {
		t.Errorf("prompt = %q, want %q", got.Prompt, job.Prompt)
	}
	if len(got.RequestedTags) != 2 || got.RequestedTags[0] != "linux" {
		t.Errorf("requested tags = %v", got.RequestedTags)
	}
	if len(got.Repositories) != 1 || got.Repositories[0].URL != "https://github.com/acme/widgets" {
		t.Errorf("repositories = %+v", got.Repositories)
	}
	if got.Origin() != "slack" {
		t.Errorf("origin = %q, want slack", got.Origin())
	}
	if got.FinishedAt != nil {
		t.Error("new job should have no finished_at")
	}
}

func TestJobRepositoryCreateRejectsEmptyPrompt(t *testing.T) {
	repo := NewJobRepository(setupTestDB(t))

	err := repo.Create(context.Background(), &models.Job{Prompt: "   "})
	if err == nil {
		t.Fatal("expected validation error for empty prompt")
	}
}

func TestJobRepositoryGetMissing(t *testing.T) {
	repo := NewJobRepository(setupTestDB(t))

	_, err := repo.Get(context.Background(), "no-such-job")
	if !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestJobRepositoryAssignAndLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(setupTestDB(t))

	job := &models.Job{Prompt: "run the nightly suite"}
	if err := repo.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := repo.Assign(ctx, job.ID, "node-1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	got, err := repo.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.JobStatusQueued {
		t.Fatalf("status after assign = %s, want queued", got.Status)
	}
	if got.TargetNodeID != "node-1" {
		t.Fatalf("target node = %q, want node-1", got.TargetNodeID)
	}

	// Assigning again must fail: the job is no longer pending.
	if err := repo.Assign(ctx, job.ID, "node-2"); !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("second Assign: expected ErrStatusConflict, got %v", err)
	}

	prev, err := repo.UpdateStatus(ctx, job.ID, models.JobStatusRunning, StatusUpdate{LogPath: "/var/log/job.log"})
	if err != nil {
		t.Fatalf("UpdateStatus to running: %v", err)
	}
	if prev != models.JobStatusQueued {
		t.Errorf("previous status = %s, want queued", prev)
	}

	prev, err = repo.UpdateStatus(ctx, job.ID, models.JobStatusSucceeded, StatusUpdate{ResultSummary: "all green"})
	if err != nil {
		t.Fatalf("UpdateStatus to succeeded: %v", err)
	}
	if prev != models.JobStatusRunning {
		t.Errorf("previous status = %s, want running", prev)
	}

	got, err = repo.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.JobStatusSucceeded {
		t.Errorf("final status = %s, want succeeded", got.Status)
	}
	if got.ResultSummary != "all green" {
		t.Errorf("result summary = %q", got.ResultSummary)
	}
	if got.LogPath != "/var/log/job.log" {
		t.Errorf("log path = %q", got.LogPath)
	}
	if got.FinishedAt == nil {
		t.Fatal("terminal job should have finished_at set")
	}
}

func TestJobRepositoryRejectsIllegalTransition(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(setupTestDB(t))

	job := &models.Job{Prompt: "build the release"}
	if err := repo.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// pending -> running skips the queue and must be rejected.
	if _, err := repo.UpdateStatus(ctx, job.ID, models.JobStatusRunning, StatusUpdate{}); !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}
}

func TestJobRepositoryTerminalIsImmutable(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(setupTestDB(t))

	job := &models.Job{Prompt: "one shot"}
	if err := repo.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := repo.UpdateStatus(ctx, job.ID, models.JobStatusCancelled, StatusUpdate{}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	first, err := repo.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if first.FinishedAt == nil {
		t.Fatal("cancelled job should have finished_at")
	}

	// A late status report must not move the job or touch finished_at.
	if _, err := repo.UpdateStatus(ctx, job.ID, models.JobStatusFailed, StatusUpdate{}); !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}

	// Re-reporting the same terminal status is a no-op.
	prev, err := repo.UpdateStatus(ctx, job.ID, models.JobStatusCancelled, StatusUpdate{})
	if err != nil {
		t.Fatalf("repeated cancel: %v", err)
	}
	if prev != models.JobStatusCancelled {
		t.Errorf("previous status = %s, want cancelled", prev)
	}

	second, err := repo.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !second.FinishedAt.Equal(*first.FinishedAt) {
		t.Error("finished_at changed on a repeated terminal report")
	}
}

func TestJobRepositoryRequeue(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(setupTestDB(t))

	job := &models.Job{Prompt: "long runner"}
	if err := repo.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := repo.Assign(ctx, job.ID, "node-1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if _, err := repo.UpdateStatus(ctx, job.ID, models.JobStatusRunning, StatusUpdate{}); err != nil {
		t.Fatalf("to running: %v", err)
	}

	if err := repo.Requeue(ctx, job.ID); err != nil {
		t.Fatalf("Requeue: %v", err)
	}

	got, err := repo.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.JobStatusPending {
		t.Errorf("status after requeue = %s, want pending", got.Status)
	}
	if got.TargetNodeID != "node-1" {
		t.Errorf("requeue should preserve the target pin, got %q", got.TargetNodeID)
	}

	// Terminal jobs cannot be requeued.
	if _, err := repo.UpdateStatus(ctx, job.ID, models.JobStatusCancelled, StatusUpdate{}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := repo.Requeue(ctx, job.ID); !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}
}

func TestJobRepositoryListAndCounts(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(setupTestDB(t))

	for i := 0; i < 3; i++ {
		if err := repo.Create(ctx, &models.Job{Prompt: "job"}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	assigned := &models.Job{Prompt: "assigned job"}
	if err := repo.Create(ctx, assigned); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := repo.Assign(ctx, assigned.ID, "node-1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	pending := models.JobStatusPending
	jobs, err := repo.List(ctx, JobQuery{Status: &pending})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 3 {
		t.Errorf("pending jobs = %d, want 3", len(jobs))
	}

	counts, err := repo.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[models.JobStatusPending] != 3 || counts[models.JobStatusQueued] != 1 {
		t.Errorf("counts = %v", counts)
	}

	active, err := repo.ListActiveOnNode(ctx, "node-1")
	if err != nil {
		t.Fatalf("ListActiveOnNode: %v", err)
	}
	if len(active) != 1 || active[0].ID != assigned.ID {
		t.Errorf("active on node-1 = %+v", active)
	}
}
