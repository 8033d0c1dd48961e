package hub

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/codernetes/hub/internal/job"
	"github.com/codernetes/hub/internal/logging"
	"github.com/codernetes/hub/internal/models"
	"github.com/codernetes/hub/internal/registry"
)

// Dispatcher hands jobs to nodes. Pending jobs are matched to an
// available node (tag subset, target affinity) and assigned; queued jobs
// are delivered to their pinned node once it is connected. Delivery is
// tracked in memory, so after a hub restart queued jobs are re-sent and
// nodes deduplicate by job id.
type Dispatcher struct {
	nodes       *registry.Registry
	jobs        *job.Store
	interval    time.Duration
	workdirRoot string
	metrics     *Metrics
	logger      zerolog.Logger

	mu        sync.Mutex
	delivered map[string]bool // queued job id -> assignment sent
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(nodes *registry.Registry, jobs *job.Store, interval time.Duration, workdirRoot string, metrics *Metrics) *Dispatcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Dispatcher{
		nodes:       nodes,
		jobs:        jobs,
		interval:    interval,
		workdirRoot: workdirRoot,
		metrics:     metrics,
		logger:      logging.Component("dispatcher"),
		delivered:   make(map[string]bool),
	}
}

// Run dispatches until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info().Dur("interval", d.interval).Msg("dispatcher started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick runs one dispatch pass. Exported for tests.
func (d *Dispatcher) Tick(ctx context.Context) {
	queued, err := d.jobs.Queued(ctx)
	if err != nil {
		d.logger.Error().Err(err).Msg("listing queued jobs failed")
		return
	}
	d.pruneDelivered(queued)
	d.deliverQueued(ctx, queued)

	pending, err := d.jobs.Pending(ctx)
	if err != nil {
		d.logger.Error().Err(err).Msg("listing pending jobs failed")
		return
	}
	d.assignPending(ctx, pending)
}

// deliverQueued sends job.assign for queued jobs whose node is connected
// and which have not been handed over yet.
func (d *Dispatcher) deliverQueued(ctx context.Context, queued []*models.Job) {
	for _, j := range queued {
		if j.TargetNodeID == "" {
			// Queued without a target should not happen; send it back
			// through the pending path by leaving it alone.
			continue
		}

		conn, connected := d.nodes.Get(j.TargetNodeID)
		if !connected || conn.Status != models.ConnectionStatusOnline {
			// Node gone: forget the delivery so a reconnect re-sends.
			d.setDelivered(j.ID, false)
			continue
		}

		if d.isDelivered(j.ID) {
			continue
		}

		if err := d.sendAssignment(ctx, j); err != nil {
			d.logger.Warn().Err(err).Str("job_id", j.ID).Str("node_id", j.TargetNodeID).
				Msg("assignment delivery failed")
			continue
		}
		d.setDelivered(j.ID, true)
	}
}

// assignPending matches pending jobs to available nodes, oldest first.
func (d *Dispatcher) assignPending(ctx context.Context, pending []*models.Job) {
	if len(pending) == 0 {
		return
	}

	connections := d.nodes.List()
	busy := make(map[string]bool, len(connections))

	for _, j := range pending {
		nodeID := d.selectNode(ctx, j, connections, busy)
		if nodeID == "" {
			continue
		}

		if err := d.jobs.Assign(ctx, j.ID, nodeID); err != nil {
			// Lost a race with a cancel or another writer; skip.
			d.logger.Warn().Err(err).Str("job_id", j.ID).Msg("assign failed")
			continue
		}
		busy[nodeID] = true

		j.TargetNodeID = nodeID
		if err := d.sendAssignment(ctx, j); err != nil {
			// Still queued and pinned; the queued path retries delivery.
			d.logger.Warn().Err(err).Str("job_id", j.ID).Str("node_id", nodeID).
				Msg("assignment delivery failed, will retry")
			continue
		}
		d.setDelivered(j.ID, true)
		d.metrics.DispatchAssigned.Inc()
	}
}

// selectNode picks a connected, online, idle node whose tags cover the
// job's requested tags. A pinned job only matches its target.
func (d *Dispatcher) selectNode(ctx context.Context, j *models.Job, connections []models.NodeConnection, busy map[string]bool) string {
	for _, conn := range connections {
		if conn.Status != models.ConnectionStatusOnline {
			continue
		}
		if busy[conn.NodeID] {
			continue
		}
		if j.TargetNodeID != "" && conn.NodeID != j.TargetNodeID {
			continue
		}
		if !tagsSubset(j.RequestedTags, conn.Tags) {
			continue
		}

		active, err := d.jobs.ActiveOnNode(ctx, conn.NodeID)
		if err != nil {
			d.logger.Error().Err(err).Str("node_id", conn.NodeID).Msg("availability check failed")
			continue
		}
		if len(active) > 0 {
			busy[conn.NodeID] = true
			continue
		}

		return conn.NodeID
	}
	return ""
}

func (d *Dispatcher) sendAssignment(ctx context.Context, j *models.Job) error {
	assign := models.JobAssign{
		Type:          models.MessageTypeJobAssign,
		JobID:         j.ID,
		Prompt:        j.Prompt,
		Repositories:  j.Repositories,
		Workdir:       filepath.Join(d.workdirRoot, j.ID),
		Metadata:      j.Metadata,
		RequestedTags: j.RequestedTags,
		TargetNodeID:  j.TargetNodeID,
	}

	if err := d.nodes.Send(ctx, j.TargetNodeID, assign); err != nil {
		return err
	}

	d.logger.Info().Str("job_id", j.ID).Str("node_id", j.TargetNodeID).Msg("job delivered")
	return nil
}

// pruneDelivered drops tracking for jobs that are no longer queued.
func (d *Dispatcher) pruneDelivered(queued []*models.Job) {
	stillQueued := make(map[string]bool, len(queued))
	for _, j := range queued {
		stillQueued[j.ID] = true
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for id := range d.delivered {
		if !stillQueued[id] {
			delete(d.delivered, id)
		}
	}
}

func (d *Dispatcher) isDelivered(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.delivered[id]
}

func (d *Dispatcher) setDelivered(id string, delivered bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if delivered {
		d.delivered[id] = true
	} else {
		delete(d.delivered, id)
	}
}

// tagsSubset reports whether every requested tag is present on the node.
func tagsSubset(requested, available []string) bool {
	if len(requested) == 0 {
		return true
	}
	set := make(map[string]bool, len(available))
	for _, tag := range available {
		set[tag] = true
	}
	for _, tag := range requested {
		if !set[tag] {
			return false
		}
	}
	return true
}
