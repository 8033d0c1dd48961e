package events

import (
	"context"
	"errors"
	"testing"

	"github.com/codernetes/hub/internal/models"
)

func TestPublishDeliversToMatchingSubscribers(t *testing.T) {
	p := NewInMemoryPublisher()
	ctx := context.Background()

	var jobEvents, nodeEvents []*models.Event

	err := p.Subscribe("jobs", Filter{EntityTypes: []models.EntityType{models.EntityTypeJob}}, func(e *models.Event) {
		jobEvents = append(jobEvents, e)
	})
	if err != nil {
		t.Fatalf("Subscribe jobs: %v", err)
	}
	err = p.Subscribe("nodes", Filter{EntityTypes: []models.EntityType{models.EntityTypeNode}}, func(e *models.Event) {
		nodeEvents = append(nodeEvents, e)
	})
	if err != nil {
		t.Fatalf("Subscribe nodes: %v", err)
	}

	p.Publish(ctx, &models.Event{
		Type:       models.EventTypeJobCreated,
		EntityType: models.EntityTypeJob,
		EntityID:   "job-1",
	})
	p.Publish(ctx, &models.Event{
		Type:       models.EventTypeNodeConnected,
		EntityType: models.EntityTypeNode,
		EntityID:   "node-1",
	})

	if len(jobEvents) != 1 || jobEvents[0].EntityID != "job-1" {
		t.Errorf("job subscriber got %d events", len(jobEvents))
	}
	if len(nodeEvents) != 1 || nodeEvents[0].EntityID != "node-1" {
		t.Errorf("node subscriber got %d events", len(nodeEvents))
	}
	if jobEvents[0].Timestamp.IsZero() {
		t.Error("publish should stamp the event")
	}
}

func TestPublishAsyncDeliversWithoutBlocking(t *testing.T) {
	p := NewInMemoryPublisher()
	ctx := context.Background()

	received := make(chan *models.Event, 1)
	release := make(chan struct{})
	err := p.Subscribe("slow", Filter{EntityTypes: []models.EntityType{models.EntityTypeJob}}, func(e *models.Event) {
		<-release
		received <- e
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// Returns immediately even though the handler is blocked.
	p.PublishAsync(ctx, &models.Event{
		Type:       models.EventTypeJobLogAppended,
		EntityType: models.EntityTypeJob,
		EntityID:   "job-1",
	})
	close(release)

	e := <-received
	if e.EntityID != "job-1" {
		t.Errorf("EntityID = %q, want job-1", e.EntityID)
	}
	if e.Timestamp.IsZero() {
		t.Error("publish should stamp the event")
	}
}

func TestFilterByEventTypeAndEntityID(t *testing.T) {
	p := NewInMemoryPublisher()
	ctx := context.Background()

	var got []*models.Event
	err := p.Subscribe("terminal", Filter{
		EventTypes: []models.EventType{models.EventTypeJobStatusChanged},
		EntityID:   "job-1",
	}, func(e *models.Event) { got = append(got, e) })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	p.Publish(ctx, &models.Event{Type: models.EventTypeJobStatusChanged, EntityType: models.EntityTypeJob, EntityID: "job-1"})
	p.Publish(ctx, &models.Event{Type: models.EventTypeJobStatusChanged, EntityType: models.EntityTypeJob, EntityID: "job-2"})
	p.Publish(ctx, &models.Event{Type: models.EventTypeJobCreated, EntityType: models.EntityTypeJob, EntityID: "job-1"})

	if len(got) != 1 {
		t.Fatalf("expected 1 matching event, got %d", len(got))
	}
}

func TestSubscribeValidation(t *testing.T) {
	p := NewInMemoryPublisher()

	if err := p.Subscribe("", Filter{}, func(*models.Event) {}); !errors.Is(err, ErrInvalidSubscriptionID) {
		t.Errorf("empty id: got %v", err)
	}
	if err := p.Subscribe("x", Filter{}, nil); !errors.Is(err, ErrNilHandler) {
		t.Errorf("nil handler: got %v", err)
	}
	if err := p.Subscribe("x", Filter{}, func(*models.Event) {}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := p.Subscribe("x", Filter{}, func(*models.Event) {}); !errors.Is(err, ErrSubscriptionExists) {
		t.Errorf("duplicate id: got %v", err)
	}
	if p.SubscriberCount() != 1 {
		t.Errorf("SubscriberCount = %d", p.SubscriberCount())
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	p := NewInMemoryPublisher()
	ctx := context.Background()

	count := 0
	if err := p.Subscribe("x", Filter{}, func(*models.Event) { count++ }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	p.Publish(ctx, &models.Event{Type: models.EventTypeJobCreated, EntityType: models.EntityTypeJob, EntityID: "j"})

	if err := p.Unsubscribe("x"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if err := p.Unsubscribe("x"); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("double unsubscribe: got %v", err)
	}

	p.Publish(ctx, &models.Event{Type: models.EventTypeJobCreated, EntityType: models.EntityTypeJob, EntityID: "j"})

	if count != 1 {
		t.Errorf("handler ran %d times, want 1", count)
	}
}
