// Package node implements the execution-node client. A node keeps one
// WebSocket session with the hub, announces itself with node.hello, and
// executes at most one assigned job at a time in a dedicated workdir.
package node

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

// ErrHubNotConnected is returned when an envelope is sent while the
// hub session is down.
var ErrHubNotConnected = errors.New("hub is not connected")

// Config holds the settings for one node client.
type Config struct {
	// HubURL is the hub WebSocket endpoint (ws://host:port/ws).
	HubURL string

	// NodeID identifies the node to the hub. When empty the hub's
	// session id from the welcome message is used.
	NodeID string

	// DisplayName is the human-friendly name announced to the hub.
	DisplayName string

	// Tags are the capability tags announced to the hub.
	Tags []string

	// WorkdirRoot is where per-job workdirs are created.
	WorkdirRoot string

	// Command is the argv executed per job. Empty skips execution and
	// the job succeeds after workdir preparation and cloning.
	Command []string

	// ReconnectDelay is the fixed wait between redial attempts.
	ReconnectDelay time.Duration
}

// Client is a reconnecting node session against the hub.
type Client struct {
	cfg    Config
	logger zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	jobMu       sync.Mutex
	activeJobID string
	cancelJob   context.CancelFunc
}

// NewClient creates a node client. Run must be called to connect.
func NewClient(cfg Config) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.WorkdirRoot == "" {
		cfg.WorkdirRoot = "/tmp/codernetes-jobs"
	}
	return &Client{
		cfg:    cfg,
		logger: logging.Component("node").With().Str("node_id", cfg.NodeID).Logger(),
	}
}

// Run dials the hub and serves assignments until ctx is cancelled,
// redialing after ReconnectDelay on any failure. A job survives a hub
// disconnect: execution continues and terminal reports are retried by
// the hub's redelivery on reconnect.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := c.runOnce(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn().Err(err).Dur("retry_in", c.cfg.ReconnectDelay).Msg("hub connection lost")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.HubURL, nil)
	cancel()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
	}()

	c.logger.Info().Str("url", c.cfg.HubURL).Msg("connected to hub")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "node stopped"),
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
			c.logger.Debug().Err(err).Msg("undecodable hub message ignored")
			continue
		}

		switch m := msg.(type) {
		case *models.Welcome:
			c.hello(ctx, m)
		case *models.JobAssign:
			c.handleAssign(ctx, *m)
		case *models.JobCancel:
			c.handleCancel(*m)
		default:
			// Bridge-directed traffic; nodes ignore it.
		}
	}
}

// hello announces the node's identity after the welcome handshake.
func (c *Client) hello(ctx context.Context, welcome *models.Welcome) {
	nodeID := c.cfg.NodeID
	if nodeID == "" {
		nodeID = welcome.ClientID
	}
	err := c.send(ctx, models.NodeHello{
		Type:        models.MessageTypeNodeHello,
		NodeID:      nodeID,
		DisplayName: c.cfg.DisplayName,
		Tags:        c.cfg.Tags,
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("node.hello send failed")
		return
	}
	c.logger.Info().Str("node_id", nodeID).Strs("tags", c.cfg.Tags).Msg("announced to hub")
}

// handleAssign starts the job unless the node is already busy. The hub
// redelivers assignments after reconnects, so a repeat of the active
// job id is acknowledged silently instead of rejected.
func (c *Client) handleAssign(ctx context.Context, assign models.JobAssign) {
	if assign.JobID == "" {
		c.logger.Warn().Msg("job.assign without job_id ignored")
		return
	}

	c.jobMu.Lock()
	if c.activeJobID == assign.JobID {
		c.jobMu.Unlock()
		c.logger.Debug().Str("job_id", assign.JobID).Msg("assignment redelivered, already running")
		return
	}
	if c.activeJobID != "" {
		c.jobMu.Unlock()
		c.logger.Warn().
			Str("job_id", assign.JobID).
			Str("active_job_id", c.activeJobID).
			Msg("rejecting assignment while busy")
		_ = c.send(ctx, models.JobStatusUpdate{
			Type:         models.MessageTypeJobStatus,
			JobID:        assign.JobID,
			Status:       models.JobStatusFailed,
			ErrorMessage: "node is busy",
		})
		return
	}

	// Job lifetime is detached from the session so a reconnect does
	// not kill a running command.
	jobCtx, cancel := context.WithCancel(context.Background())
	c.activeJobID = assign.JobID
	c.cancelJob = cancel
	c.jobMu.Unlock()

	c.logger.Info().Str("job_id", assign.JobID).Str("prompt", assign.Prompt).Msg("job accepted")
	_ = c.send(ctx, models.JobStatusUpdate{
		Type:          models.MessageTypeJobStatus,
		JobID:         assign.JobID,
		Status:        models.JobStatusRunning,
		ResultSummary: "job started",
	})

	runner := &executor{
		workdirRoot: c.cfg.WorkdirRoot,
		command:     c.cfg.Command,
		send:        c.send,
		logger:      c.logger,
	}
	go func() {
		defer cancel()
		runner.run(jobCtx, assign)

		c.jobMu.Lock()
		c.activeJobID = ""
		c.cancelJob = nil
		c.jobMu.Unlock()
	}()
}

// handleCancel kills the active job's process. Cancels for jobs the
// node is not running are ignored.
func (c *Client) handleCancel(cancel models.JobCancel) {
	c.jobMu.Lock()
	defer c.jobMu.Unlock()
	if cancel.JobID == "" || cancel.JobID != c.activeJobID || c.cancelJob == nil {
		return
	}
	c.logger.Info().Str("job_id", cancel.JobID).Str("reason", cancel.Reason).Msg("cancelling job")
	c.cancelJob()
}

// send writes an envelope to the hub session.
func (c *Client) send(ctx context.Context, msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrHubNotConnected
	}

	data, err := models.EncodeMessage(msg)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
