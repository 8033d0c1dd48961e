package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType discriminates wire envelopes exchanged over hub sessions.
type MessageType string

const (
	MessageTypeWelcome   MessageType = "welcome"
	MessageTypeNodeHello MessageType = "node.hello"
	MessageTypeJobAssign MessageType = "job.assign"
	MessageTypeJobStatus MessageType = "job.status"
	MessageTypeJobLog    MessageType = "job.log"
	MessageTypeJobCancel MessageType = "job.cancel"
	MessageTypeCommand   MessageType = "command"
	MessageTypeResponse  MessageType = "response"
)

// Message decode errors.
var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrMissingMessageType = errors.New("message type is required")
)

// Welcome is sent by the hub immediately after a session is registered.
type Welcome struct {
	Type     MessageType `json:"type"`
	ClientID string      `json:"client_id"`
	Message  string      `json:"message,omitempty"`
}

// NodeHello announces a node's identity and capabilities (node -> hub).
type NodeHello struct {
	Type         MessageType       `json:"type"`
	NodeID       string            `json:"node_id,omitempty"`
	DisplayName  string            `json:"display_name,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	Capabilities map[string]string `json:"capabilities,omitempty"`
}

// JobAssign delivers a job to its executing node (hub -> node).
type JobAssign struct {
	Type          MessageType       `json:"type"`
	JobID         string            `json:"job_id"`
	Prompt        string            `json:"prompt"`
	Repositories  []RepositorySpec  `json:"repositories,omitempty"`
	Workdir       string            `json:"workdir,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	RequestedTags []string          `json:"requested_tags,omitempty"`
	TargetNodeID  string            `json:"target_node_id,omitempty"`
}

// JobStatusUpdate reports a job state transition (node -> hub).
type JobStatusUpdate struct {
	Type          MessageType `json:"type"`
	JobID         string      `json:"job_id"`
	Status        JobStatus   `json:"status"`
	ResultSummary string      `json:"result_summary,omitempty"`
	ErrorMessage  string      `json:"error_message,omitempty"`
	LogPath       string      `json:"log_path,omitempty"`
}

// JobLog carries one line of job output (node -> hub). The hub assigns the
// sequence number on receipt.
type JobLog struct {
	Type    MessageType `json:"type"`
	JobID   string      `json:"job_id"`
	Level   string      `json:"level,omitempty"`
	Message string      `json:"message"`
}

// JobCancel asks the executing node to stop a job (hub -> node), best-effort.
type JobCancel struct {
	Type   MessageType `json:"type"`
	JobID  string      `json:"job_id"`
	Reason string      `json:"reason,omitempty"`
}

// Command is an inbound platform command (bridge -> hub).
type Command struct {
	Type   MessageType   `json:"type"`
	Source CommandSource `json:"source"`
	Text   string        `json:"text"`
}

// Response is an outbound chat reply (hub -> bridge).
type Response struct {
	Type      MessageType `json:"type"`
	Target    ReplyTarget `json:"target"`
	Text      string      `json:"text"`
	Broadcast bool        `json:"broadcast,omitempty"`
}

// envelope is used to peek at the discriminator before decoding a variant.
type envelope struct {
	Type MessageType `json:"type"`
}

// DecodeMessage decodes a wire payload into one of the closed set of message
// variants. Unknown types are rejected rather than duck-typed.
func DecodeMessage(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed message envelope: %w", err)
	}
	if env.Type == "" {
		return nil, ErrMissingMessageType
	}

	var msg any
	switch env.Type {
	case MessageTypeWelcome:
		msg = &Welcome{}
	case MessageTypeNodeHello:
		msg = &NodeHello{}
	case MessageTypeJobAssign:
		msg = &JobAssign{}
	case MessageTypeJobStatus:
		msg = &JobStatusUpdate{}
	case MessageTypeJobLog:
		msg = &JobLog{}
	case MessageTypeJobCancel:
		msg = &JobCancel{}
	case MessageTypeCommand:
		msg = &Command{}
	case MessageTypeResponse:
		msg = &Response{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("malformed %s message: %w", env.Type, err)
	}
	return msg, nil
}

// EncodeMessage marshals a message variant for the wire.
func EncodeMessage(msg any) ([]byte, error) {
	return json.Marshal(msg)
}
