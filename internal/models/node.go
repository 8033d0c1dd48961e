package models

import (
	"errors"
	"time"
)

// ConnectionStatus represents the liveness of a node's transport session.
type ConnectionStatus string

const (
	ConnectionStatusConnecting   ConnectionStatus = "connecting"
	ConnectionStatusOnline       ConnectionStatus = "online"
	ConnectionStatusUnresponsive ConnectionStatus = "unresponsive"
	ConnectionStatusDisconnected ConnectionStatus = "disconnected"
)

// NodeConnection is a point-in-time snapshot of a live transport session.
// The registry owns the live state; snapshots are safe to retain.
type NodeConnection struct {
	// NodeID is stable for the lifetime of the process instance.
	NodeID string `json:"node_id"`

	// Status is the current liveness classification.
	Status ConnectionStatus `json:"status"`

	// LastSeen is the timestamp of the last successful probe or message.
	LastSeen time.Time `json:"last_seen"`

	// DisplayName is the optional human-friendly name announced in node.hello.
	DisplayName string `json:"display_name,omitempty"`

	// Tags are the capabilities announced in node.hello.
	Tags []string `json:"tags,omitempty"`
}

// NodeRecordStatus represents the administrative state of a registered node.
type NodeRecordStatus string

const (
	NodeRecordStatusOnline       NodeRecordStatus = "online"
	NodeRecordStatusOffline      NodeRecordStatus = "offline"
	NodeRecordStatusMaintenance  NodeRecordStatus = "maintenance"
	NodeRecordStatusBusy         NodeRecordStatus = "busy"
	NodeRecordStatusProvisioning NodeRecordStatus = "provisioning"
)

// Node record validation errors.
var (
	ErrInvalidNodeName = errors.New("node name is required")
	ErrInvalidNodeHost = errors.New("node host is required")
)

// RemoteNodeRecord is administrative metadata for a registered remote node.
// It is linked to a NodeConnection only by matching id; a connection can
// vanish while the record persists.
type RemoteNodeRecord struct {
	// ID is the unique identifier for the record.
	ID string `json:"id"`

	// Name is the human-friendly name.
	Name string `json:"name"`

	// Host is the node's reachable address.
	Host string `json:"host"`

	// Port is the node's service port.
	Port int `json:"port"`

	// Tags describe the node's capabilities.
	Tags []string `json:"tags,omitempty"`

	// Status is the administrative state.
	Status NodeRecordStatus `json:"status"`

	// LastSeen is when the node was last observed (nil if never).
	LastSeen *time.Time `json:"last_seen,omitempty"`

	// Notes carries operator annotations.
	Notes string `json:"notes,omitempty"`
}

// Validate checks the record's required fields.
func (n *RemoteNodeRecord) Validate() error {
	validation := &ValidationErrors{}
	if n.Name == "" {
		validation.Add("name", ErrInvalidNodeName)
	}
	if n.Host == "" {
		validation.Add("host", ErrInvalidNodeHost)
	}
	return validation.Err()
}
