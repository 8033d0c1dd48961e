package models

import (
	"encoding/json"
	"time"
)

// EventType categorizes events in the system.
type EventType string

const (
	// Job lifecycle events
	EventTypeJobCreated       EventType = "job.created"
	EventTypeJobAssigned      EventType = "job.assigned"
	EventTypeJobStatusChanged EventType = "job.status_changed"
	EventTypeJobLogAppended   EventType = "job.log_appended"

	// Connection events
	EventTypeNodeConnected    EventType = "node.connected"
	EventTypeNodeDisconnected EventType = "node.disconnected"
	EventTypeNodeUnresponsive EventType = "node.unresponsive"

	// Inventory events
	EventTypeNodeAdded   EventType = "node.added"
	EventTypeNodeRemoved EventType = "node.removed"
)

// EntityType identifies the type of entity an event relates to.
type EntityType string

const (
	EntityTypeJob    EntityType = "job"
	EntityTypeNode   EntityType = "node"
	EntityTypeSystem EntityType = "system"
)

// Event is an in-process notification about a state change.
type Event struct {
	// Type categorizes the event.
	Type EventType `json:"type"`

	// EntityType identifies what kind of entity this event relates to.
	EntityType EntityType `json:"entity_type"`

	// EntityID is the ID of the entity (job ID, node ID).
	EntityID string `json:"entity_id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Payload carries event-specific data.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Metadata carries additional context.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// JobStatusChangedPayload is the payload of a job.status_changed event.
type JobStatusChangedPayload struct {
	Previous JobStatus `json:"previous"`
	Current  JobStatus `json:"current"`
}
