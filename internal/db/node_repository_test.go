package db

import (
	"context"
	"errors"
	"testing"

	"github.com/codernetes/hub/internal/models"
)

func TestNodeRepositoryCRUD(t *testing.T) {
	ctx := context.Background()
	repo := NewNodeRepository(setupTestDB(t))

	node := &models.RemoteNodeRecord{
		Name: "builder-1",
		Host: "10.0.0.5",
		Port: 22,
		Tags: []string{"linux", "docker"},
	}
	if err := repo.Create(ctx, node); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if node.ID == "" {
		t.Fatal("Create did not assign an ID")
	}
	if node.Status != models.NodeRecordStatusOffline {
		t.Errorf("new node status = %s, want offline", node.Status)
	}

	got, err := repo.GetByName(ctx, "builder-1")
	if err != nil {
		t.Fatalf("GetByName: %v", err)
	}
	if got.ID != node.ID || got.Host != "10.0.0.5" {
		t.Errorf("unexpected node: %+v", got)
	}

	if err := repo.UpdateStatus(ctx, node.ID, models.NodeRecordStatusOnline); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	got, err = repo.Get(ctx, node.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.NodeRecordStatusOnline {
		t.Errorf("status = %s, want online", got.Status)
	}
	if got.LastSeen == nil {
		t.Error("UpdateStatus should touch last_seen")
	}

	got.Notes = "rack 3"
	if err := repo.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}

	nodes, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(nodes) != 1 || nodes[0].Notes != "rack 3" {
		t.Errorf("list = %+v", nodes)
	}

	if err := repo.Delete(ctx, node.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := repo.Get(ctx, node.ID); !errors.Is(err, ErrNodeNotFound) {
		t.Fatalf("expected ErrNodeNotFound after delete, got %v", err)
	}
}

func TestNodeRepositoryDuplicateName(t *testing.T) {
	ctx := context.Background()
	repo := NewNodeRepository(setupTestDB(t))

	if err := repo.Create(ctx, &models.RemoteNodeRecord{Name: "builder-1", Host: "a"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := repo.Create(ctx, &models.RemoteNodeRecord{Name: "builder-1", Host: "b"})
	if !errors.Is(err, ErrDuplicateNode) {
		t.Fatalf("expected ErrDuplicateNode, got %v", err)
	}
}

func TestNodeRepositoryValidation(t *testing.T) {
	repo := NewNodeRepository(setupTestDB(t))

	if err := repo.Create(context.Background(), &models.RemoteNodeRecord{Name: "", Host: "x"}); err == nil {
		t.Fatal("expected validation error for empty name")
	}
	if err := repo.Create(context.Background(), &models.RemoteNodeRecord{Name: "x", Host: ""}); err == nil {
		t.Fatal("expected validation error for empty host")
	}
}
