package hub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codernetes/hub/internal/db"
	"github.com/codernetes/hub/internal/models"
)

func TestTickAssignsPendingJobToMatchingNode(t *testing.T) {
	h := newTestHub(t, "fail")
	ctx := context.Background()

	session := h.connectNode(t, "node-1", "linux", "gpu")

	j := &models.Job{Prompt: "run benchmarks", RequestedTags: []string{"linux"}}
	require.NoError(t, h.jobs.Create(ctx, j))
	require.Equal(t, models.JobStatusPending, j.Status)

	h.dispatcher.Tick(ctx)

	got, err := h.jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Equal(t, "node-1", got.TargetNodeID)

	messages := session.messages()
	require.Len(t, messages, 1)
	assign, ok := messages[0].(models.JobAssign)
	require.True(t, ok)
	assert.Equal(t, j.ID, assign.JobID)
	assert.Equal(t, "run benchmarks", assign.Prompt)
	assert.Equal(t, "/tmp/codernetes-test/"+j.ID, assign.Workdir)
}

func TestTickSkipsNodeMissingRequestedTags(t *testing.T) {
	h := newTestHub(t, "fail")
	ctx := context.Background()

	session := h.connectNode(t, "node-1", "linux")

	j := &models.Job{Prompt: "needs a gpu", RequestedTags: []string{"gpu"}}
	require.NoError(t, h.jobs.Create(ctx, j))

	h.dispatcher.Tick(ctx)

	got, err := h.jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Empty(t, session.messages())
}

func TestTickSkipsNodeWithActiveJob(t *testing.T) {
	h := newTestHub(t, "fail")
	ctx := context.Background()

	session := h.connectNode(t, "node-1")

	first := &models.Job{Prompt: "first"}
	require.NoError(t, h.jobs.Create(ctx, first))
	h.dispatcher.Tick(ctx)
	require.Len(t, session.messages(), 1)

	second := &models.Job{Prompt: "second"}
	require.NoError(t, h.jobs.Create(ctx, second))
	h.dispatcher.Tick(ctx)

	got, err := h.jobs.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Len(t, session.messages(), 1)
}

func TestTickAssignsNextJobOnceNodeFinishes(t *testing.T) {
	h := newTestHub(t, "fail")
	ctx := context.Background()

	session := h.connectNode(t, "node-1")

	first := &models.Job{Prompt: "first"}
	require.NoError(t, h.jobs.Create(ctx, first))
	second := &models.Job{Prompt: "second"}
	require.NoError(t, h.jobs.Create(ctx, second))

	h.dispatcher.Tick(ctx)
	require.Len(t, session.messages(), 1)

	_, err := h.jobs.UpdateStatus(ctx, first.ID, models.JobStatusRunning, db.StatusUpdate{})
	require.NoError(t, err)
	_, err = h.jobs.UpdateStatus(ctx, first.ID, models.JobStatusSucceeded, db.StatusUpdate{})
	require.NoError(t, err)

	h.dispatcher.Tick(ctx)

	got, err := h.jobs.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Equal(t, "node-1", got.TargetNodeID)
	assert.Len(t, session.messages(), 2)
}

func TestTickHoldsTargetedJobUntilNodeConnects(t *testing.T) {
	h := newTestHub(t, "fail")
	ctx := context.Background()

	j := &models.Job{Prompt: "pinned work", TargetNodeID: "node-9"}
	require.NoError(t, h.jobs.Create(ctx, j))
	require.Equal(t, models.JobStatusQueued, j.Status)

	// Target offline: nothing to deliver.
	h.dispatcher.Tick(ctx)

	session := h.connectNode(t, "node-9")
	h.dispatcher.Tick(ctx)

	messages := session.messages()
	require.Len(t, messages, 1)
	assign := messages[0].(models.JobAssign)
	assert.Equal(t, j.ID, assign.JobID)

	// Already delivered: no duplicate send.
	h.dispatcher.Tick(ctx)
	assert.Len(t, session.messages(), 1)
}

func TestTickRedeliversAfterNodeReconnect(t *testing.T) {
	h := newTestHub(t, "ignore")
	ctx := context.Background()

	j := &models.Job{Prompt: "pinned work", TargetNodeID: "node-1"}
	require.NoError(t, h.jobs.Create(ctx, j))

	session := h.connectNode(t, "node-1")
	h.dispatcher.Tick(ctx)
	require.Len(t, session.messages(), 1)

	// The node drops before reporting anything; the job stays queued and
	// delivery tracking is reset while the node is away.
	h.nodes.Unregister(ctx, "node-1")
	h.dispatcher.Tick(ctx)

	reconnected := h.connectNode(t, "node-1")
	h.dispatcher.Tick(ctx)

	messages := reconnected.messages()
	require.Len(t, messages, 1)
	assert.Equal(t, j.ID, messages[0].(models.JobAssign).JobID)
}

func TestTickLeavesJobQueuedWhenDeliveryFails(t *testing.T) {
	h := newTestHub(t, "fail")
	ctx := context.Background()

	session := h.connectNode(t, "node-1")
	session.sendErr = assert.AnError

	j := &models.Job{Prompt: "flaky transport"}
	require.NoError(t, h.jobs.Create(ctx, j))

	h.dispatcher.Tick(ctx)

	got, err := h.jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Equal(t, "node-1", got.TargetNodeID)

	// Transport recovers: the queued path retries the handover.
	session.mu.Lock()
	session.sendErr = nil
	session.mu.Unlock()

	h.dispatcher.Tick(ctx)
	require.Len(t, session.messages(), 1)
}
