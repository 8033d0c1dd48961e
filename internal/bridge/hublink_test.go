package bridge

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
	received [][]byte
}

func (h *fakeHub) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	h.mu.Lock()
	h.conn = conn
	h.mu.Unlock()

	welcome, _ := models.EncodeMessage(models.Welcome{Type: models.MessageTypeWelcome, ClientID: "c1"})
	_ = conn.WriteMessage(websocket.TextMessage, welcome)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.mu.Lock()
		h.received = append(h.received, data)
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

func (h *fakeHub) inbound() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]byte, len(h.received))
	copy(out, h.received)
	return out
}

func TestHubLinkFiltersResponsesByPlatform(t *testing.T) {
	hub := &fakeHub{}
	server := httptest.NewServer(http.HandlerFunc(hub.handler))
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	var mu sync.Mutex
	var handled []models.Response
	link := NewHubLink(wsURL, models.PlatformSlack, 100*time.Millisecond, func(_ context.Context, response models.Response) {
		mu.Lock()
		handled = append(handled, response)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = link.Run(ctx) }()

	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return hub.conn != nil
	}, 5*time.Second, 10*time.Millisecond)

	hub.send(t, models.Response{
		Type:   models.MessageTypeResponse,
		Target: models.ReplyTarget{Platform: models.PlatformTelegram, ChatID: 1},
		Text:   "not for slack",
	})
	hub.send(t, models.Response{
		Type:   models.MessageTypeResponse,
		Target: models.ReplyTarget{Platform: models.PlatformSlack, Channel: "C1"},
		Text:   "for slack",
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "for slack", handled[0].Text)
}

func TestHubLinkSendCommand(t *testing.T) {
	hub := &fakeHub{}
	server := httptest.NewServer(http.HandlerFunc(hub.handler))
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	link := NewHubLink(wsURL, models.PlatformSlack, 100*time.Millisecond, nil)

	// Not connected yet.
	err := link.SendCommand(context.Background(), models.Command{Type: models.MessageTypeCommand})
	assert.ErrorIs(t, err, ErrHubNotConnected)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = link.Run(ctx) }()

	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return hub.conn != nil
	}, 5*time.Second, 10*time.Millisecond)

	cmd := models.Command{
		Type:   models.MessageTypeCommand,
		Source: models.CommandSource{Platform: models.PlatformSlack, Channel: "C1", User: "U1"},
		Text:   "run tests",
	}
	require.NoError(t, link.SendCommand(context.Background(), cmd))

	require.Eventually(t, func() bool {
		return len(hub.inbound()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	decoded, err := models.DecodeMessage(hub.inbound()[0])
	require.NoError(t, err)
	received, ok := decoded.(*models.Command)
	require.True(t, ok)
	assert.Equal(t, "run tests", received.Text)
}
