package hub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/codernetes/hub/internal/command"
	"github.com/codernetes/hub/internal/events"
	"github.com/codernetes/hub/internal/job"
	"github.com/codernetes/hub/internal/logging"
	"github.com/codernetes/hub/internal/models"
)

// Broadcaster delivers a message to every connected bridge client.
type Broadcaster interface {
	Broadcast(ctx context.Context, message any, skipNodeID string) int
}

// Notifier watches for terminal job statuses and sends the outcome back
// to the chat context that created the job. Each reply target is
// consumed once; the first terminal status wins.
type Notifier struct {
	jobs    *job.Store
	replies *command.ReplyStore
	clients Broadcaster
	metrics *Metrics
	logger  zerolog.Logger
}

// NewNotifier creates a notifier and subscribes it to status changes.
func NewNotifier(publisher events.Publisher, jobs *job.Store, replies *command.ReplyStore, clients Broadcaster, metrics *Metrics) (*Notifier, error) {
	n := &Notifier{
		jobs:    jobs,
		replies: replies,
		clients: clients,
		metrics: metrics,
		logger:  logging.Component("notifier"),
	}

	err := publisher.Subscribe("hub-notifier", events.Filter{
		EventTypes: []models.EventType{models.EventTypeJobStatusChanged},
	}, n.handleEvent)
	if err != nil {
		return nil, err
	}

	// Replies deferred while no bridge was connected are retried as soon
	// as the next client registers.
	err = publisher.Subscribe("hub-notifier-flush", events.Filter{
		EventTypes: []models.EventType{models.EventTypeNodeConnected},
	}, func(*models.Event) { n.flushPending(context.Background()) })
	if err != nil {
		return nil, err
	}

	return n, nil
}

func (n *Notifier) handleEvent(event *models.Event) {
	var payload models.JobStatusChangedPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		n.logger.Warn().Err(err).Str("job_id", event.EntityID).Msg("bad status payload")
		return
	}
	if !payload.Current.IsTerminal() {
		return
	}

	n.Notify(context.Background(), event.EntityID)
}

// Notify delivers the outcome reply for a terminal job, if a reply
// target is still pending for it. The target is only consumed once the
// reply reached at least one bridge; a job finishing while every bridge
// is reconnecting keeps its target for the flush on the next connect.
func (n *Notifier) Notify(ctx context.Context, jobID string) {
	target, ok := n.replies.Peek(jobID)
	if !ok {
		// REST- or CLI-created job, or a duplicate terminal event.
		return
	}

	j, err := n.jobs.Get(ctx, jobID)
	if err != nil {
		n.logger.Error().Err(err).Str("job_id", jobID).Msg("job lookup for reply failed")
		return
	}

	response := models.Response{
		Type:      models.MessageTypeResponse,
		Target:    target,
		Text:      FormatOutcome(j),
		Broadcast: target.Broadcast,
	}

	delivered := n.clients.Broadcast(ctx, response, "")
	if delivered == 0 {
		n.logger.Warn().Str("job_id", jobID).Str("platform", string(target.Platform)).
			Msg("no bridge connected, reply deferred")
		return
	}

	n.replies.Consume(jobID)
	n.logger.Info().Str("job_id", jobID).Str("status", string(j.Status)).
		Str("platform", string(target.Platform)).Int("bridges", delivered).
		Msg("outcome reply sent")
	n.metrics.RepliesSent.WithLabelValues(string(target.Platform)).Inc()
}

// flushPending retries the reply for every recorded target whose job has
// already finished. Targets for jobs still in flight are left alone.
func (n *Notifier) flushPending(ctx context.Context) {
	for _, jobID := range n.replies.Pending() {
		j, err := n.jobs.Get(ctx, jobID)
		if err != nil {
			n.logger.Error().Err(err).Str("job_id", jobID).Msg("job lookup for reply failed")
			continue
		}
		if !j.Status.IsTerminal() {
			continue
		}
		n.Notify(ctx, jobID)
	}
}

// FormatOutcome renders a job's terminal state for chat delivery.
func FormatOutcome(j *models.Job) string {
	switch j.Status {
	case models.JobStatusSucceeded:
		if j.ResultSummary != "" {
			return fmt.Sprintf("✅ Job %s succeeded: %s", j.ID, j.ResultSummary)
		}
		return fmt.Sprintf("✅ Job %s succeeded.", j.ID)

	case models.JobStatusFailed:
		if j.ErrorMessage != "" {
			return fmt.Sprintf("❌ Job %s failed: %s", j.ID, j.ErrorMessage)
		}
		return fmt.Sprintf("❌ Job %s failed.", j.ID)

	case models.JobStatusCancelled:
		return fmt.Sprintf("🚫 Job %s was cancelled.", j.ID)

	default:
		return fmt.Sprintf("Job %s is %s.", j.ID, j.Status)
	}
}
