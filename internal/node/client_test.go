package node

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codernetes/hub/internal/models"
)

// fakeHub upgrades connections and lets tests script the hub side.
type fakeHub struct {
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	received []any
}

func (h *fakeHub) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	h.mu.Lock()
	h.conn = conn
	h.mu.Unlock()

	welcome, _ := models.EncodeMessage(models.Welcome{Type: models.MessageTypeWelcome, ClientID: "session-1"})
	_ = conn.WriteMessage(websocket.TextMessage, welcome)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := models.DecodeMessage(data)
		if err != nil {
			continue
		}
		h.mu.Lock()
		h.received = append(h.received, msg)
		h.mu.Unlock()
	}
}

func (h *fakeHub) send(t *testing.T, message any) {
	t.Helper()
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	require.NotNil(t, conn)

	data, err := models.EncodeMessage(message)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func (h *fakeHub) inbound() []any {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]any, len(h.received))
	copy(out, h.received)
	return out
}

// statuses filters received job.status envelopes for one job.
func (h *fakeHub) statuses(jobID string) []models.JobStatusUpdate {
	var out []models.JobStatusUpdate
	for _, msg := range h.inbound() {
		if m, ok := msg.(*models.JobStatusUpdate); ok && m.JobID == jobID {
			out = append(out, *m)
		}
	}
	return out
}

func startClient(t *testing.T, cfg Config) *fakeHub {
	t.Helper()
	hub := &fakeHub{}
	server := httptest.NewServer(http.HandlerFunc(hub.handler))
	t.Cleanup(server.Close)

	cfg.HubURL = "ws" + strings.TrimPrefix(server.URL, "http")
	cfg.ReconnectDelay = 100 * time.Millisecond
	if cfg.WorkdirRoot == "" {
		cfg.WorkdirRoot = t.TempDir()
	}
	client := NewClient(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = client.Run(ctx) }()

	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return hub.conn != nil
	}, 5*time.Second, 10*time.Millisecond)

	return hub
}

func waitForHello(t *testing.T, hub *fakeHub) *models.NodeHello {
	t.Helper()
	var hello *models.NodeHello
	require.Eventually(t, func() bool {
		for _, msg := range hub.inbound() {
			if m, ok := msg.(*models.NodeHello); ok {
				hello = m
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	return hello
}

func TestClientAnnouncesAfterWelcome(t *testing.T) {
	hub := startClient(t, Config{
		NodeID:      "node-1",
		DisplayName: "builder",
		Tags:        []string{"linux", "gpu"},
	})

	hello := waitForHello(t, hub)
	assert.Equal(t, "node-1", hello.NodeID)
	assert.Equal(t, "builder", hello.DisplayName)
	assert.Equal(t, []string{"linux", "gpu"}, hello.Tags)
}

func TestClientFallsBackToSessionID(t *testing.T) {
	hub := startClient(t, Config{})

	hello := waitForHello(t, hub)
	assert.Equal(t, "session-1", hello.NodeID)
}

func TestClientRunsAssignedJob(t *testing.T) {
	hub := startClient(t, Config{
		NodeID:  "node-1",
		Command: []string{"sh", "-c", "echo done"},
	})
	waitForHello(t, hub)

	hub.send(t, models.JobAssign{
		Type:   models.MessageTypeJobAssign,
		JobID:  "job-1",
		Prompt: "build it",
	})

	require.Eventually(t, func() bool {
		statuses := hub.statuses("job-1")
		return len(statuses) >= 2 && statuses[len(statuses)-1].Status == models.JobStatusSucceeded
	}, 5*time.Second, 10*time.Millisecond)

	statuses := hub.statuses("job-1")
	assert.Equal(t, models.JobStatusRunning, statuses[0].Status)

	var sawOutput bool
	for _, msg := range hub.inbound() {
		if m, ok := msg.(*models.JobLog); ok && m.JobID == "job-1" && m.Message == "done" {
			sawOutput = true
		}
	}
	assert.True(t, sawOutput, "expected command output relayed as job.log")
}

func TestClientRejectsAssignmentWhileBusy(t *testing.T) {
	hub := startClient(t, Config{
		NodeID:  "node-1",
		Command: []string{"sleep", "30"},
	})
	waitForHello(t, hub)

	hub.send(t, models.JobAssign{Type: models.MessageTypeJobAssign, JobID: "job-a"})
	require.Eventually(t, func() bool {
		return len(hub.statuses("job-a")) == 1
	}, 5*time.Second, 10*time.Millisecond)

	hub.send(t, models.JobAssign{Type: models.MessageTypeJobAssign, JobID: "job-b"})
	require.Eventually(t, func() bool {
		return len(hub.statuses("job-b")) == 1
	}, 5*time.Second, 10*time.Millisecond)

	rejected := hub.statuses("job-b")[0]
	assert.Equal(t, models.JobStatusFailed, rejected.Status)
	assert.Equal(t, "node is busy", rejected.ErrorMessage)

	// Redelivery of the active assignment is acknowledged silently.
	hub.send(t, models.JobAssign{Type: models.MessageTypeJobAssign, JobID: "job-a"})
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, hub.statuses("job-a"), 1)

	hub.send(t, models.JobCancel{Type: models.MessageTypeJobCancel, JobID: "job-a", Reason: "operator request"})
	require.Eventually(t, func() bool {
		statuses := hub.statuses("job-a")
		return statuses[len(statuses)-1].Status == models.JobStatusCancelled
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClientIgnoresCancelForUnknownJob(t *testing.T) {
	hub := startClient(t, Config{NodeID: "node-1"})
	waitForHello(t, hub)

	hub.send(t, models.JobCancel{Type: models.MessageTypeJobCancel, JobID: "job-x"})
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, hub.statuses("job-x"))
}
