package job

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codernetes/hub/internal/db"
	"github.com/codernetes/hub/internal/events"
	"github.com/codernetes/hub/internal/models"
)

type capturedEvents struct {
	mu     sync.Mutex
	events []*models.Event
}

func (c *capturedEvents) record(e *models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *capturedEvents) types() []models.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.EventType, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Type)
	}
	return out
}

func newTestStore(t *testing.T, policy string) (*Store, *capturedEvents) {
	t.Helper()

	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	_, err = database.MigrateUp(context.Background())
	require.NoError(t, err)

	captured := &capturedEvents{}
	publisher := events.NewInMemoryPublisher()
	require.NoError(t, publisher.Subscribe("test", events.Filter{}, captured.record))

	return NewStore(db.NewJobRepository(database), publisher, policy), captured
}

func TestStoreLifecycleEvents(t *testing.T) {
	ctx := context.Background()
	store, captured := newTestStore(t, "fail")

	j := &models.Job{Prompt: "deploy the staging stack"}
	require.NoError(t, store.Create(ctx, j))

	require.NoError(t, store.Assign(ctx, j.ID, "node-1"))

	updated, err := store.UpdateStatus(ctx, j.ID, models.JobStatusRunning, db.StatusUpdate{})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, updated.Status)

	updated, err = store.UpdateStatus(ctx, j.ID, models.JobStatusSucceeded, db.StatusUpdate{ResultSummary: "done"})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSucceeded, updated.Status)
	assert.Equal(t, "done", updated.ResultSummary)
	require.NotNil(t, updated.FinishedAt)

	types := captured.types()
	assert.Contains(t, types, models.EventTypeJobCreated)
	assert.Contains(t, types, models.EventTypeJobAssigned)
	// pending->queued, queued->running, running->succeeded
	statusChanges := 0
	for _, tp := range types {
		if tp == models.EventTypeJobStatusChanged {
			statusChanges++
		}
	}
	assert.Equal(t, 3, statusChanges)
}

func TestCreateWithTargetStartsQueued(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, "fail")

	pinned := &models.Job{Prompt: "pinned work", TargetNodeID: "node-7"}
	require.NoError(t, store.Create(ctx, pinned))
	assert.Equal(t, models.JobStatusQueued, pinned.Status)

	free := &models.Job{Prompt: "any node"}
	require.NoError(t, store.Create(ctx, free))
	assert.Equal(t, models.JobStatusPending, free.Status)
}

func TestStoreRepeatedTerminalReportIsNoOp(t *testing.T) {
	ctx := context.Background()
	store, captured := newTestStore(t, "fail")

	j := &models.Job{Prompt: "one"}
	require.NoError(t, store.Create(ctx, j))
	require.NoError(t, store.Assign(ctx, j.ID, "node-1"))
	_, err := store.UpdateStatus(ctx, j.ID, models.JobStatusRunning, db.StatusUpdate{})
	require.NoError(t, err)
	_, err = store.UpdateStatus(ctx, j.ID, models.JobStatusFailed, db.StatusUpdate{ErrorMessage: "boom"})
	require.NoError(t, err)

	before := len(captured.types())

	// The node retries its terminal report after a reconnect.
	updated, err := store.UpdateStatus(ctx, j.ID, models.JobStatusFailed, db.StatusUpdate{ErrorMessage: "boom again"})
	require.NoError(t, err)
	assert.Equal(t, "boom", updated.ErrorMessage, "late duplicate must not overwrite the first report")
	assert.Len(t, captured.types(), before, "no event for a no-op report")

	// A conflicting terminal report is rejected outright.
	_, err = store.UpdateStatus(ctx, j.ID, models.JobStatusSucceeded, db.StatusUpdate{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestStoreCancelReturnsPreviousStatus(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, "fail")

	j := &models.Job{Prompt: "cancel me"}
	require.NoError(t, store.Create(ctx, j))

	previous, err := store.Cancel(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, previous)

	got, err := store.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, got.Status)

	// Cancelling a finished job is rejected.
	done := &models.Job{Prompt: "finished"}
	require.NoError(t, store.Create(ctx, done))
	require.NoError(t, store.Assign(ctx, done.ID, "node-1"))
	_, err = store.UpdateStatus(ctx, done.ID, models.JobStatusRunning, db.StatusUpdate{})
	require.NoError(t, err)
	_, err = store.UpdateStatus(ctx, done.ID, models.JobStatusSucceeded, db.StatusUpdate{})
	require.NoError(t, err)

	_, err = store.Cancel(ctx, done.ID)
	assert.Error(t, err)
}

func TestHandleNodeDownFailPolicy(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, "fail")

	running := &models.Job{Prompt: "running"}
	queued := &models.Job{Prompt: "queued"}
	require.NoError(t, store.Create(ctx, running))
	require.NoError(t, store.Create(ctx, queued))
	require.NoError(t, store.Assign(ctx, running.ID, "node-1"))
	require.NoError(t, store.Assign(ctx, queued.ID, "node-1"))
	_, err := store.UpdateStatus(ctx, running.ID, models.JobStatusRunning, db.StatusUpdate{})
	require.NoError(t, err)

	changed, err := store.HandleNodeDown(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, []string{running.ID}, changed)

	got, err := store.Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "node-1")
	assert.NotNil(t, got.FinishedAt)

	// Queued jobs await the node's return.
	got, err = store.Get(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)
}

func TestHandleNodeDownRequeuePolicy(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, "requeue")

	j := &models.Job{Prompt: "restartable"}
	require.NoError(t, store.Create(ctx, j))
	require.NoError(t, store.Assign(ctx, j.ID, "node-1"))
	_, err := store.UpdateStatus(ctx, j.ID, models.JobStatusRunning, db.StatusUpdate{})
	require.NoError(t, err)

	changed, err := store.HandleNodeDown(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, []string{j.ID}, changed)

	got, err := store.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Equal(t, "node-1", got.TargetNodeID, "requeue keeps the target pin")
}

func TestHandleNodeDownIgnorePolicy(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, "ignore")

	j := &models.Job{Prompt: "survivor"}
	require.NoError(t, store.Create(ctx, j))
	require.NoError(t, store.Assign(ctx, j.ID, "node-1"))
	_, err := store.UpdateStatus(ctx, j.ID, models.JobStatusRunning, db.StatusUpdate{})
	require.NoError(t, err)

	changed, err := store.HandleNodeDown(ctx, "node-1")
	require.NoError(t, err)
	assert.Empty(t, changed)

	got, err := store.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, got.Status)
}
