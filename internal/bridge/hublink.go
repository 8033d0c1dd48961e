// Package bridge relays chat-platform traffic to and from the hub.
// Each platform bridge owns one WebSocket connection to the hub: inbound
// chat messages become command envelopes, and response envelopes
// addressed to the platform are posted back to the chat.
package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/codernetes/hub/internal/logging"
	"github.com/codernetes/hub/internal/models"
)

// ErrHubNotConnected is returned when a command is forwarded while the
// hub connection is down. The chat message is dropped; the user retries.
var ErrHubNotConnected = errors.New("hub is not connected")

// ResponseHandler receives response envelopes addressed to the bridge's
// platform (or broadcast to every platform).
type ResponseHandler func(ctx context.Context, response models.Response)

// CommandSink forwards commands to the hub. Implemented by HubLink;
// platform tests substitute a recorder.
type CommandSink interface {
	SendCommand(ctx context.Context, cmd models.Command) error
}

// HubLink maintains a reconnecting WebSocket session with the hub.
type HubLink struct {
	url            string
	platform       models.Platform
	reconnectDelay time.Duration
	handler        ResponseHandler
	logger         zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewHubLink creates a link to the hub's /ws endpoint. The handler may
// be nil for send-only links.
func NewHubLink(url string, platform models.Platform, reconnectDelay time.Duration, handler ResponseHandler) *HubLink {
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	return &HubLink{
		url:            url,
		platform:       platform,
		reconnectDelay: reconnectDelay,
		handler:        handler,
		logger:         logging.Component("hublink").With().Str("platform", string(platform)).Logger(),
	}
}

// Run dials the hub and consumes messages until ctx is cancelled,
// redialing after reconnectDelay on any failure.
func (l *HubLink) Run(ctx context.Context) error {
	for {
		if err := l.runOnce(ctx); err != nil && ctx.Err() == nil {
			l.logger.Warn().Err(err).Dur("retry_in", l.reconnectDelay).Msg("hub connection lost")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.reconnectDelay):
		}
	}
}

func (l *HubLink) runOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, l.url, nil)
	cancel()
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()
		_ = conn.Close()
	}()

	l.logger.Info().Str("url", l.url).Msg("connected to hub")

	// Unblock the read loop when the context dies.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bridge stopped"),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		msg, err := models.DecodeMessage(data)
		if err != nil {
			l.logger.Debug().Err(err).Msg("undecodable hub message ignored")
			continue
		}

		switch m := msg.(type) {
		case *models.Welcome:
			l.logger.Debug().Str("client_id", m.ClientID).Msg("hub session established")
		case *models.Response:
			if l.handler == nil {
				continue
			}
			if m.Target.Platform != l.platform && m.Target.Platform != "" {
				continue
			}
			l.handler(ctx, *m)
		default:
			// Node-directed traffic; bridges ignore it.
		}
	}
}

// SendCommand forwards an inbound chat command to the hub.
func (l *HubLink) SendCommand(ctx context.Context, cmd models.Command) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return ErrHubNotConnected
	}

	data, err := models.EncodeMessage(cmd)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = l.conn.SetWriteDeadline(deadline)
	return l.conn.WriteMessage(websocket.TextMessage, data)
}
