// Package registry tracks live node and bridge connections.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/codernetes/hub/internal/events"
	"github.com/codernetes/hub/internal/logging"
	"github.com/codernetes/hub/internal/models"
)

// Registry errors.
var (
	ErrDuplicateNode = errors.New("node id already connected")
	ErrNotConnected  = errors.New("node is not connected")
)

// Session is the transport half of a connection. The WebSocket server
// wraps its connections in this interface; tests substitute fakes.
type Session interface {
	// Send delivers one encoded message to the peer.
	Send(ctx context.Context, message any) error

	// Close tears down the transport.
	Close() error
}

// Prober is implemented by sessions that support liveness probes.
type Prober interface {
	// Probe checks the peer is responsive within the context deadline.
	Probe(ctx context.Context) error
}

// entry is the registry's live state for one connection.
type entry struct {
	session     Session
	nodeID      string
	displayName string
	tags        []string
	status      models.ConnectionStatus
	lastSeen    time.Time
	missedProbe int
}

func (e *entry) snapshot() models.NodeConnection {
	tags := make([]string, len(e.tags))
	copy(tags, e.tags)
	return models.NodeConnection{
		NodeID:      e.nodeID,
		Status:      e.status,
		LastSeen:    e.lastSeen,
		DisplayName: e.displayName,
		Tags:        tags,
	}
}

// Registry tracks connected nodes keyed by node ID. All methods are safe
// for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	publisher events.Publisher
	logger    zerolog.Logger
}

// New creates an empty Registry. The publisher may be nil.
func New(publisher events.Publisher) *Registry {
	return &Registry{
		entries:   make(map[string]*entry),
		publisher: publisher,
		logger:    logging.Component("registry"),
	}
}

// Register adds a connected node. Returns ErrDuplicateNode if the node ID
// is already connected; the caller rejects the new session in that case.
func (r *Registry) Register(ctx context.Context, nodeID string, hello models.NodeHello, session Session) (models.NodeConnection, error) {
	if nodeID == "" {
		return models.NodeConnection{}, errors.New("node id is required")
	}

	r.mu.Lock()
	if _, exists := r.entries[nodeID]; exists {
		r.mu.Unlock()
		return models.NodeConnection{}, ErrDuplicateNode
	}

	e := &entry{
		session:     session,
		nodeID:      nodeID,
		displayName: hello.DisplayName,
		tags:        append([]string(nil), hello.Tags...),
		status:      models.ConnectionStatusOnline,
		lastSeen:    time.Now().UTC(),
	}
	r.entries[nodeID] = e
	snap := e.snapshot()
	r.mu.Unlock()

	r.logger.Info().Str("node_id", nodeID).Str("display_name", hello.DisplayName).
		Strs("tags", hello.Tags).Msg("node connected")

	r.publish(ctx, models.EventTypeNodeConnected, nodeID)
	return snap, nil
}

// Unregister removes a node. Idempotent: removing an unknown node is a
// no-op. Returns true if the node was present.
func (r *Registry) Unregister(ctx context.Context, nodeID string) bool {
	r.mu.Lock()
	e, exists := r.entries[nodeID]
	if exists {
		delete(r.entries, nodeID)
	}
	r.mu.Unlock()

	if !exists {
		return false
	}

	_ = e.session.Close()
	r.logger.Info().Str("node_id", nodeID).Msg("node disconnected")
	r.publish(ctx, models.EventTypeNodeDisconnected, nodeID)
	return true
}

// Detach removes a connection without closing its session or publishing
// an event. Used when a connection is re-registered under another role,
// e.g. a generic client that announces itself as a node.
func (r *Registry) Detach(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[nodeID]; !exists {
		return false
	}
	delete(r.entries, nodeID)
	return true
}

// Send delivers a message to one node.
func (r *Registry) Send(ctx context.Context, nodeID string, message any) error {
	r.mu.RLock()
	e, exists := r.entries[nodeID]
	r.mu.RUnlock()

	if !exists {
		return ErrNotConnected
	}
	return e.session.Send(ctx, message)
}

// Broadcast delivers a message to every connected node except the one
// named by skipNodeID (empty = no skip). Delivery is best effort: a
// failed send is logged and the remaining nodes still receive the
// message. Returns the number of successful deliveries.
func (r *Registry) Broadcast(ctx context.Context, message any, skipNodeID string) int {
	r.mu.RLock()
	targets := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.nodeID == skipNodeID {
			continue
		}
		targets = append(targets, e)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, e := range targets {
		if err := e.session.Send(ctx, message); err != nil {
			r.logger.Warn().Err(err).Str("node_id", e.nodeID).Msg("broadcast send failed")
			continue
		}
		delivered++
	}
	return delivered
}

// Get returns a snapshot of one connection.
func (r *Registry) Get(nodeID string) (models.NodeConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.entries[nodeID]
	if !exists {
		return models.NodeConnection{}, false
	}
	return e.snapshot(), true
}

// List returns snapshots of all connections, sorted by node ID.
func (r *Registry) List() []models.NodeConnection {
	r.mu.RLock()
	snapshots := make([]models.NodeConnection, 0, len(r.entries))
	for _, e := range r.entries {
		snapshots = append(snapshots, e.snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].NodeID < snapshots[j].NodeID
	})
	return snapshots
}

// Count returns the number of connected nodes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Touch records activity from a node: last_seen advances and an
// unresponsive node returns to online.
func (r *Registry) Touch(ctx context.Context, nodeID string) {
	r.mu.Lock()
	e, exists := r.entries[nodeID]
	var recovered bool
	if exists {
		e.lastSeen = time.Now().UTC()
		e.missedProbe = 0
		if e.status == models.ConnectionStatusUnresponsive {
			e.status = models.ConnectionStatusOnline
			recovered = true
		}
	}
	r.mu.Unlock()

	if recovered {
		r.logger.Info().Str("node_id", nodeID).Msg("node recovered")
		r.publish(ctx, models.EventTypeNodeConnected, nodeID)
	}
}

// session returns the transport for a node, used by the health monitor.
func (r *Registry) session(nodeID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.entries[nodeID]
	if !exists {
		return nil, false
	}
	return e.session, true
}

// recordProbeMiss increments a node's missed-probe counter and marks it
// unresponsive once the threshold is reached. Returns the updated miss
// count and whether the node just crossed the threshold.
func (r *Registry) recordProbeMiss(ctx context.Context, nodeID string, threshold int) (int, bool) {
	r.mu.Lock()
	e, exists := r.entries[nodeID]
	if !exists {
		r.mu.Unlock()
		return 0, false
	}

	e.missedProbe++
	misses := e.missedProbe
	crossed := misses >= threshold && e.status != models.ConnectionStatusUnresponsive
	if crossed {
		e.status = models.ConnectionStatusUnresponsive
	}
	r.mu.Unlock()

	if crossed {
		r.logger.Warn().Str("node_id", nodeID).Int("missed_probes", misses).
			Msg("node marked unresponsive")
		r.publish(ctx, models.EventTypeNodeUnresponsive, nodeID)
	}
	return misses, crossed
}

func (r *Registry) publish(ctx context.Context, eventType models.EventType, nodeID string) {
	if r.publisher == nil {
		return
	}
	r.publisher.Publish(ctx, &models.Event{
		Type:       eventType,
		EntityType: models.EntityTypeNode,
		EntityID:   nodeID,
	})
}
