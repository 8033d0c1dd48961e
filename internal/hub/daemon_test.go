package hub

import (
	"context"
	"testing"
	"time"

	"github.com/codernetes/hub/internal/config"
	"github.com/codernetes/hub/internal/db"
	"github.com/codernetes/hub/internal/logging"
	"github.com/codernetes/hub/internal/models"
)

func newTestDaemon(t *testing.T, wsPort, httpPort int) *Daemon {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Hub.Host = "127.0.0.1"

	daemon, err := New(cfg, logging.Component("test"), Options{
		WSPort:           wsPort,
		HTTPPort:         httpPort,
		InMemoryDatabase: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { daemon.Close() })
	return daemon
}

func TestRunReturnsOnCanceledContext(t *testing.T) {
	// High ephemeral ports to avoid conflicts with other tests.
	daemon := newTestDaemon(t, 50765, 50766)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- daemon.Run(ctx)
	}()

	// Give the listeners a moment to start, then cancel.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}
}

func TestUnresponsiveNodeAppliesDisconnectPolicy(t *testing.T) {
	daemon := newTestDaemon(t, 50767, 50768)
	ctx := context.Background()

	session := &fakeNodeSession{}
	if _, err := daemon.nodes.Register(ctx, "node-1", models.NodeHello{NodeID: "node-1"}, session); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	j := &models.Job{Prompt: "work"}
	if err := daemon.jobs.Create(ctx, j); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := daemon.jobs.Assign(ctx, j.ID, "node-1"); err != nil {
		t.Fatalf("Assign() error = %v", err)
	}
	if _, err := daemon.jobs.UpdateStatus(ctx, j.ID, models.JobStatusRunning, db.StatusUpdate{}); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}

	daemon.publisher.Publish(ctx, &models.Event{
		Type:       models.EventTypeNodeUnresponsive,
		EntityType: models.EntityTypeNode,
		EntityID:   "node-1",
	})

	if _, connected := daemon.nodes.Get("node-1"); connected {
		t.Fatal("expected node to be unregistered")
	}

	got, err := daemon.jobs.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != models.JobStatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
}

func TestUnresponsiveBridgeIsUnregistered(t *testing.T) {
	daemon := newTestDaemon(t, 50769, 50770)
	ctx := context.Background()

	bridge := &fakeNodeSession{}
	if _, err := daemon.clients.Register(ctx, "bridge-1", models.NodeHello{}, bridge); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	node := &fakeNodeSession{}
	if _, err := daemon.nodes.Register(ctx, "node-1", models.NodeHello{NodeID: "node-1"}, node); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	daemon.publisher.Publish(ctx, &models.Event{
		Type:       models.EventTypeNodeUnresponsive,
		EntityType: models.EntityTypeNode,
		EntityID:   "bridge-1",
	})

	if _, connected := daemon.clients.Get("bridge-1"); connected {
		t.Fatal("expected bridge to be unregistered")
	}
	if _, connected := daemon.nodes.Get("node-1"); !connected {
		t.Fatal("expected node to stay registered")
	}
}
