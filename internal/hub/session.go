// Package hub implements the central daemon: WebSocket transport,
// dispatcher, REST API and outcome notification.
package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codernetes/hub/internal/models"
)

const (
	writeWait    = 10 * time.Second
	maxKeepAlive = 90 * time.Second
)

// wsSession adapts a gorilla connection to the registry's Session
// interface. Writes are serialized through a mutex; gorilla permits only
// one concurrent writer.
type wsSession struct {
	conn     *websocket.Conn
	clientID string

	writeMu sync.Mutex

	pongMu      sync.Mutex
	pongWaiters []chan struct{}

	closeOnce sync.Once
}

func newWSSession(conn *websocket.Conn, clientID string) *wsSession {
	s := &wsSession{conn: conn, clientID: clientID}

	conn.SetReadDeadline(time.Now().Add(maxKeepAlive))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(maxKeepAlive))
		s.notifyPong()
		return nil
	})

	return s
}

// Send marshals and writes one message. A write deadline prevents a dead
// peer from blocking the caller.
func (s *wsSession) Send(ctx context.Context, message any) error {
	data, err := models.EncodeMessage(message)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Probe sends a ping and waits for the pong within the context deadline.
func (s *wsSession) Probe(ctx context.Context) error {
	waiter := make(chan struct{}, 1)
	s.pongMu.Lock()
	s.pongWaiters = append(s.pongWaiters, waiter)
	s.pongMu.Unlock()
	defer s.removeWaiter(waiter)

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}

	s.writeMu.Lock()
	err := s.conn.WriteControl(websocket.PingMessage, nil, deadline)
	s.writeMu.Unlock()
	if err != nil {
		return err
	}

	select {
	case <-waiter:
		return nil
	case <-ctx.Done():
		return errors.New("probe timed out waiting for pong")
	}
}

// Close tears down the connection. Safe to call multiple times.
func (s *wsSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *wsSession) notifyPong() {
	s.pongMu.Lock()
	defer s.pongMu.Unlock()
	for _, waiter := range s.pongWaiters {
		select {
		case waiter <- struct{}{}:
		default:
		}
	}
}

func (s *wsSession) removeWaiter(waiter chan struct{}) {
	s.pongMu.Lock()
	defer s.pongMu.Unlock()
	for i, w := range s.pongWaiters {
		if w == waiter {
			s.pongWaiters = append(s.pongWaiters[:i], s.pongWaiters[i+1:]...)
			break
		}
	}
}
