package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/codernetes/hub/internal/command"
	"github.com/codernetes/hub/internal/db"
	"github.com/codernetes/hub/internal/events"
	"github.com/codernetes/hub/internal/job"
	"github.com/codernetes/hub/internal/models"
	"github.com/codernetes/hub/internal/registry"
)

// fakeNodeSession is an in-process registry session for tests.
type fakeNodeSession struct {
	mu      sync.Mutex
	sent    []any
	sendErr error
}

func (s *fakeNodeSession) Send(_ context.Context, message any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, message)
	return nil
}

func (s *fakeNodeSession) Close() error { return nil }

func (s *fakeNodeSession) messages() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]any, len(s.sent))
	copy(out, s.sent)
	return out
}

// testHub bundles a fully wired hub over an in-memory database.
type testHub struct {
	jobs       *job.Store
	logs       *job.LogStore
	nodes      *registry.Registry
	clients    *registry.Registry
	inventory  *db.NodeRepository
	tokens     *db.TokenRepository
	replies    *command.ReplyStore
	publisher  *events.InMemoryPublisher
	metrics    *Metrics
	api        *API
	dispatcher *Dispatcher
}

func newTestHub(t *testing.T, policy string) *testHub {
	t.Helper()

	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	_, err = database.MigrateUp(context.Background())
	require.NoError(t, err)

	publisher := events.NewInMemoryPublisher()
	t.Cleanup(publisher.Close)

	nodes := registry.New(publisher)
	clients := registry.New(publisher)
	jobs := job.NewStore(db.NewJobRepository(database), publisher, policy)
	logs := job.NewLogStore(db.NewLogRepository(database), publisher)
	tokens := db.NewTokenRepository(database)
	inventory := db.NewNodeRepository(database)
	replies := command.NewReplyStore()
	cmdRouter := command.NewRouter(jobs, tokens, replies)

	promRegistry := prometheus.NewRegistry()
	metrics := NewMetrics(promRegistry)

	ws := NewServer(nodes, clients, jobs, logs, cmdRouter, inventory, metrics)
	api := NewAPI(jobs, logs, nodes, clients, inventory, tokens, ws, metrics, promRegistry)
	dispatcher := NewDispatcher(nodes, jobs, time.Second, "/tmp/codernetes-test", metrics)

	return &testHub{
		jobs:       jobs,
		logs:       logs,
		nodes:      nodes,
		clients:    clients,
		inventory:  inventory,
		tokens:     tokens,
		replies:    replies,
		publisher:  publisher,
		metrics:    metrics,
		api:        api,
		dispatcher: dispatcher,
	}
}

// connectNode registers a fake node session and returns it.
func (h *testHub) connectNode(t *testing.T, nodeID string, tags ...string) *fakeNodeSession {
	t.Helper()
	session := &fakeNodeSession{}
	_, err := h.nodes.Register(context.Background(), nodeID, models.NodeHello{
		Type:   models.MessageTypeNodeHello,
		NodeID: nodeID,
		Tags:   tags,
	}, session)
	require.NoError(t, err)
	return session
}
