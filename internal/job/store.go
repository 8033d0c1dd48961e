// Package job implements job lifecycle management on top of the
// persistence layer.
package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/codernetes/hub/internal/db"
	"github.com/codernetes/hub/internal/events"
	"github.com/codernetes/hub/internal/logging"
	"github.com/codernetes/hub/internal/models"
)

// Store errors.
var (
	ErrJobNotFound = db.ErrJobNotFound
	// ErrInvalidTransition is returned when a status change is not a
	// permitted edge from the job's current status.
	ErrInvalidTransition = db.ErrStatusConflict
)

// Store coordinates job state changes and publishes lifecycle events.
type Store struct {
	jobs             *db.JobRepository
	publisher        events.Publisher
	disconnectPolicy string
	logger           zerolog.Logger
}

// NewStore creates a job store. The publisher may be nil.
// disconnectPolicy is one of fail, requeue, ignore.
func NewStore(jobs *db.JobRepository, publisher events.Publisher, disconnectPolicy string) *Store {
	if disconnectPolicy == "" {
		disconnectPolicy = "fail"
	}
	return &Store{
		jobs:             jobs,
		publisher:        publisher,
		disconnectPolicy: disconnectPolicy,
		logger:           logging.Component("jobstore"),
	}
}

// Create validates and persists a new job. A job pinned to a target node
// starts queued (optimistically, the node need not be online yet); an
// unpinned job starts pending and waits for the dispatcher.
func (s *Store) Create(ctx context.Context, job *models.Job) error {
	if job.Status == "" {
		if job.TargetNodeID != "" {
			job.Status = models.JobStatusQueued
		} else {
			job.Status = models.JobStatusPending
		}
	}

	if err := s.jobs.Create(ctx, job); err != nil {
		return err
	}

	s.logger.Info().Str("job_id", job.ID).Str("origin", job.Origin()).
		Str("target_node_id", job.TargetNodeID).Msg("job created")

	s.publishJobEvent(ctx, models.EventTypeJobCreated, job.ID, nil)
	return nil
}

// Get retrieves a job by ID.
func (s *Store) Get(ctx context.Context, id string) (*models.Job, error) {
	return s.jobs.Get(ctx, id)
}

// List retrieves jobs, optionally filtered by status.
func (s *Store) List(ctx context.Context, status *models.JobStatus, limit int) ([]*models.Job, error) {
	return s.jobs.List(ctx, db.JobQuery{Status: status, Limit: limit})
}

// CountByStatus returns job counts per status.
func (s *Store) CountByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	return s.jobs.CountByStatus(ctx)
}

// Pending returns pending jobs, oldest first.
func (s *Store) Pending(ctx context.Context) ([]*models.Job, error) {
	return s.jobs.ListByStatus(ctx, models.JobStatusPending)
}

// Queued returns queued jobs, oldest first.
func (s *Store) Queued(ctx context.Context) ([]*models.Job, error) {
	return s.jobs.ListByStatus(ctx, models.JobStatusQueued)
}

// ActiveOnNode returns a node's queued and running jobs.
func (s *Store) ActiveOnNode(ctx context.Context, nodeID string) ([]*models.Job, error) {
	return s.jobs.ListActiveOnNode(ctx, nodeID)
}

// UpdateStatus applies a status transition and returns the updated job.
// Re-reporting the current status is a harmless no-op; any other
// non-permitted edge returns ErrInvalidTransition.
func (s *Store) UpdateStatus(ctx context.Context, id string, next models.JobStatus, update db.StatusUpdate) (*models.Job, error) {
	previous, err := s.jobs.UpdateStatus(ctx, id, next, update)
	if err != nil {
		return nil, err
	}

	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if previous != next {
		s.logger.Info().Str("job_id", id).
			Str("from", string(previous)).Str("to", string(next)).
			Msg("job status changed")
		s.publishStatusChanged(ctx, id, previous, next)
	}

	return job, nil
}

// Cancel requests cancellation. Returns the job's status before the
// cancel was applied so callers know whether a node must be told to stop
// (previous == running) or the job never left the hub.
func (s *Store) Cancel(ctx context.Context, id string) (models.JobStatus, error) {
	previous, err := s.jobs.UpdateStatus(ctx, id, models.JobStatusCancelled, db.StatusUpdate{})
	if err != nil {
		return "", err
	}

	if previous != models.JobStatusCancelled {
		s.logger.Info().Str("job_id", id).Str("from", string(previous)).Msg("job cancelled")
		s.publishStatusChanged(ctx, id, previous, models.JobStatusCancelled)
	}

	return previous, nil
}

// Assign moves a pending job to queued, pinned to the node.
func (s *Store) Assign(ctx context.Context, id string, nodeID string) error {
	if err := s.jobs.Assign(ctx, id, nodeID); err != nil {
		return err
	}

	s.logger.Info().Str("job_id", id).Str("node_id", nodeID).Msg("job assigned")
	s.publishJobEvent(ctx, models.EventTypeJobAssigned, id, map[string]string{"node_id": nodeID})
	s.publishStatusChanged(ctx, id, models.JobStatusPending, models.JobStatusQueued)
	return nil
}

// HandleNodeDown applies the disconnect policy to the node's running
// jobs. Queued jobs stay queued: they were never delivered, and the
// dispatcher hands them over when the node returns. Returns the IDs of
// jobs whose status changed.
func (s *Store) HandleNodeDown(ctx context.Context, nodeID string) ([]string, error) {
	active, err := s.jobs.ListActiveOnNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	var changed []string
	for _, j := range active {
		if j.Status != models.JobStatusRunning {
			continue
		}

		switch s.disconnectPolicy {
		case "requeue":
			if err := s.jobs.Requeue(ctx, j.ID); err != nil {
				s.logger.Error().Err(err).Str("job_id", j.ID).Msg("requeue after node down failed")
				continue
			}
			s.publishStatusChanged(ctx, j.ID, models.JobStatusRunning, models.JobStatusPending)
			changed = append(changed, j.ID)

		case "ignore":
			s.logger.Warn().Str("job_id", j.ID).Str("node_id", nodeID).
				Msg("node down, leaving job running per policy")

		default: // fail
			update := db.StatusUpdate{
				ErrorMessage: fmt.Sprintf("node %s disconnected while job was running", nodeID),
			}
			if _, err := s.jobs.UpdateStatus(ctx, j.ID, models.JobStatusFailed, update); err != nil {
				if !errors.Is(err, ErrInvalidTransition) {
					s.logger.Error().Err(err).Str("job_id", j.ID).Msg("fail after node down failed")
				}
				continue
			}
			s.publishStatusChanged(ctx, j.ID, models.JobStatusRunning, models.JobStatusFailed)
			changed = append(changed, j.ID)
		}
	}

	if len(changed) > 0 {
		s.logger.Warn().Str("node_id", nodeID).Strs("job_ids", changed).
			Str("policy", s.disconnectPolicy).Msg("applied disconnect policy")
	}

	return changed, nil
}

func (s *Store) publishStatusChanged(ctx context.Context, id string, previous, current models.JobStatus) {
	if s.publisher == nil {
		return
	}

	payload, err := json.Marshal(models.JobStatusChangedPayload{Previous: previous, Current: current})
	if err != nil {
		return
	}

	s.publisher.Publish(ctx, &models.Event{
		Type:       models.EventTypeJobStatusChanged,
		EntityType: models.EntityTypeJob,
		EntityID:   id,
		Payload:    payload,
	})
}

func (s *Store) publishJobEvent(ctx context.Context, eventType models.EventType, id string, metadata map[string]string) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(ctx, &models.Event{
		Type:       eventType,
		EntityType: models.EntityTypeJob,
		EntityID:   id,
		Metadata:   metadata,
	})
}
