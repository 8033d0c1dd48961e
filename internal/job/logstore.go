package job

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/codernetes/hub/internal/db"
	"github.com/codernetes/hub/internal/events"
	"github.com/codernetes/hub/internal/logging"
	"github.com/codernetes/hub/internal/models"
)

// LogStore persists job log lines in arrival order.
type LogStore struct {
	logs      *db.LogRepository
	publisher events.Publisher
	logger    zerolog.Logger
}

// NewLogStore creates a log store. The publisher may be nil.
func NewLogStore(logs *db.LogRepository, publisher events.Publisher) *LogStore {
	return &LogStore{
		logs:      logs,
		publisher: publisher,
		logger:    logging.Component("logstore"),
	}
}

// Append stores one log line. The sequence number reflects arrival
// order at the hub and is assigned atomically with the insert.
func (s *LogStore) Append(ctx context.Context, entry *models.LogEntry) error {
	if err := s.logs.Append(ctx, entry); err != nil {
		return err
	}

	// Log lines arrive at WebSocket read-loop rate; handlers must not
	// hold the loop up, so the event goes out asynchronously.
	if s.publisher != nil {
		s.publisher.PublishAsync(ctx, &models.Event{
			Type:       models.EventTypeJobLogAppended,
			EntityType: models.EntityTypeJob,
			EntityID:   entry.JobID,
		})
	}
	return nil
}

// Read returns a job's log entries with seq > afterSeq, in sequence
// order. Pass afterSeq = -1 for the beginning.
func (s *LogStore) Read(ctx context.Context, jobID string, afterSeq int64, limit int) ([]*models.LogEntry, error) {
	return s.logs.List(ctx, jobID, afterSeq, limit)
}

// Count returns the number of stored entries for a job.
func (s *LogStore) Count(ctx context.Context, jobID string) (int64, error) {
	return s.logs.Count(ctx, jobID)
}
