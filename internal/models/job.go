// Package models defines the core domain types for the Codernetes hub.
package models

import (
	"errors"
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Job validation errors.
var (
	ErrInvalidJobStatus = errors.New("invalid job status")
	ErrEmptyPrompt      = errors.New("prompt must not be empty")
)

// jobTransitions is the closed set of permitted status edges.
// Terminal statuses have no outgoing edges.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusQueued, JobStatusCancelled},
	JobStatusQueued:  {JobStatusRunning, JobStatusCancelled},
	JobStatusRunning: {JobStatusSucceeded, JobStatusFailed, JobStatusCancelled},
}

// ParseJobStatus converts a string into a JobStatus.
func ParseJobStatus(value string) (JobStatus, error) {
	status := JobStatus(strings.ToLower(strings.TrimSpace(value)))
	switch status {
	case JobStatusPending, JobStatusQueued, JobStatusRunning,
		JobStatusSucceeded, JobStatusFailed, JobStatusCancelled:
		return status, nil
	}
	return "", ErrInvalidJobStatus
}

// IsTerminal reports whether the status permits no further transitions.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the edge s -> next is permitted.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RepositorySpec identifies a repository a job operates on.
type RepositorySpec struct {
	// URL is the clone URL.
	URL string `json:"url"`

	// Branch is the branch to check out (optional).
	Branch string `json:"branch,omitempty"`

	// Subdirectory is the path within the repository to work in (optional).
	Subdirectory string `json:"subdirectory,omitempty"`
}

// Job represents a unit of requested remote work.
type Job struct {
	// ID is the unique identifier for the job, generated at creation.
	ID string `json:"job_id"`

	// Prompt is the instruction text for the executing node.
	Prompt string `json:"prompt"`

	// Status is the current lifecycle state.
	Status JobStatus `json:"status"`

	// TargetNodeID pins the job to a specific node (optional).
	TargetNodeID string `json:"target_node_id,omitempty"`

	// RequestedTags restrict which nodes may pick the job up.
	RequestedTags []string `json:"requested_tags,omitempty"`

	// Repositories lists repositories to prepare before execution.
	Repositories []RepositorySpec `json:"repositories,omitempty"`

	// Metadata carries free-form context, including the "origin" key.
	Metadata map[string]string `json:"metadata,omitempty"`

	// LogPath is an opaque reference to the node-side log file.
	LogPath string `json:"log_path,omitempty"`

	// ResultSummary describes the outcome of a finished job.
	ResultSummary string `json:"result_summary,omitempty"`

	// ErrorMessage explains a failure.
	ErrorMessage string `json:"error_message,omitempty"`

	// CreatedAt is when the job was created.
	CreatedAt time.Time `json:"created_at"`

	// FinishedAt is set exactly once, on the first terminal transition.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Validate checks the job creation payload.
func (j *Job) Validate() error {
	validation := &ValidationErrors{}
	if strings.TrimSpace(j.Prompt) == "" {
		validation.Add("prompt", ErrEmptyPrompt)
	}
	for _, repo := range j.Repositories {
		if strings.TrimSpace(repo.URL) == "" {
			validation.AddMessage("repositories", "repository url is required")
			break
		}
	}
	return validation.Err()
}

// Origin returns the metadata origin, or "unknown" when absent.
func (j *Job) Origin() string {
	if origin, ok := j.Metadata["origin"]; ok && origin != "" {
		return origin
	}
	return "unknown"
}
