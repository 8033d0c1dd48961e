package hub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/codernetes/hub/internal/command"
	"github.com/codernetes/hub/internal/db"
	"github.com/codernetes/hub/internal/job"
	"github.com/codernetes/hub/internal/logging"
	"github.com/codernetes/hub/internal/models"
	"github.com/codernetes/hub/internal/registry"
)

// Server owns the WebSocket endpoint. Every connection starts as a
// generic client; a node.hello promotes it to a node. Clients that never
// say hello (the bridges) stay in the client set and receive response
// broadcasts.
type Server struct {
	nodes     *registry.Registry
	clients   *registry.Registry
	jobs      *job.Store
	logs      *job.LogStore
	router    *command.Router
	inventory *db.NodeRepository
	metrics   *Metrics
	upgrader  websocket.Upgrader
	logger    zerolog.Logger
}

// NewServer wires the WebSocket endpoint. inventory may be nil (no
// administrative records maintained).
func NewServer(nodes, clients *registry.Registry, jobs *job.Store, logs *job.LogStore, router *command.Router, inventory *db.NodeRepository, metrics *Metrics) *Server {
	return &Server{
		nodes:     nodes,
		clients:   clients,
		jobs:      jobs,
		logs:      logs,
		router:    router,
		inventory: inventory,
		metrics:   metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logging.Component("ws"),
	}
}

// HandleWS is the http handler for the WebSocket endpoint.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		return
	}

	clientID := uuid.New().String()
	session := newWSSession(conn, clientID)
	ctx := r.Context()

	if _, err := s.clients.Register(ctx, clientID, models.NodeHello{}, session); err != nil {
		s.logger.Error().Err(err).Msg("client registration failed")
		_ = session.Close()
		return
	}
	s.metrics.ConnectedBridges.Set(float64(s.clients.Count()))

	welcome := models.Welcome{Type: models.MessageTypeWelcome, ClientID: clientID}
	if err := session.Send(ctx, welcome); err != nil {
		s.logger.Warn().Err(err).Str("client_id", clientID).Msg("welcome send failed")
		s.dropConnection(ctx, clientID, "")
		return
	}

	s.readLoop(ctx, session, clientID, r.RemoteAddr)
}

// readLoop consumes messages until the socket closes. nodeID is empty
// until the peer sends node.hello.
func (s *Server) readLoop(ctx context.Context, session *wsSession, clientID, remoteAddr string) {
	var nodeID string

	defer func() {
		s.dropConnection(ctx, clientID, nodeID)
	}()

	for {
		_, data, err := session.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn().Err(err).Str("client_id", clientID).Msg("connection lost")
			}
			return
		}

		msg, err := models.DecodeMessage(data)
		if err != nil {
			s.logger.Warn().Err(err).Str("client_id", clientID).Msg("rejected message")
			continue
		}

		// Any decodable traffic counts as liveness.
		if nodeID != "" {
			s.nodes.Touch(ctx, nodeID)
		} else {
			s.clients.Touch(ctx, clientID)
		}

		switch m := msg.(type) {
		case *models.NodeHello:
			s.metrics.MessagesReceived.WithLabelValues(string(models.MessageTypeNodeHello)).Inc()
			if nodeID != "" {
				// Repeated hello refreshes the inventory record only.
				s.recordNodeOnline(ctx, nodeID, m, remoteAddr)
				continue
			}
			id, err := s.promoteToNode(ctx, session, clientID, m, remoteAddr)
			if err != nil {
				s.logger.Warn().Err(err).Str("client_id", clientID).Msg("node registration rejected")
				return
			}
			nodeID = id

		case *models.JobStatusUpdate:
			s.metrics.MessagesReceived.WithLabelValues(string(models.MessageTypeJobStatus)).Inc()
			s.handleJobStatus(ctx, nodeID, m)

		case *models.JobLog:
			s.metrics.MessagesReceived.WithLabelValues(string(models.MessageTypeJobLog)).Inc()
			s.handleJobLog(ctx, m)

		case *models.Command:
			s.metrics.MessagesReceived.WithLabelValues(string(models.MessageTypeCommand)).Inc()
			s.handleCommand(ctx, session, m)

		default:
			s.logger.Warn().Str("client_id", clientID).
				Msgf("ignoring unexpected %T message", msg)
		}
	}
}

// promoteToNode moves a client into the node registry under its announced id.
func (s *Server) promoteToNode(ctx context.Context, session *wsSession, clientID string, hello *models.NodeHello, remoteAddr string) (string, error) {
	nodeID := hello.NodeID
	if nodeID == "" {
		nodeID = clientID
	}

	s.clients.Detach(clientID)
	s.metrics.ConnectedBridges.Set(float64(s.clients.Count()))

	if _, err := s.nodes.Register(ctx, nodeID, *hello, session); err != nil {
		if errors.Is(err, registry.ErrDuplicateNode) {
			_ = session.Send(ctx, models.Welcome{
				Type:    models.MessageTypeWelcome,
				Message: fmt.Sprintf("node id %s is already connected", nodeID),
			})
		}
		_ = session.Close()
		return "", err
	}
	s.metrics.ConnectedNodes.Set(float64(s.nodes.Count()))

	s.recordNodeOnline(ctx, nodeID, hello, remoteAddr)
	return nodeID, nil
}

// recordNodeOnline upserts the administrative record for a connected node.
func (s *Server) recordNodeOnline(ctx context.Context, nodeID string, hello *models.NodeHello, remoteAddr string) {
	if s.inventory == nil {
		return
	}

	name := hello.DisplayName
	if name == "" {
		name = nodeID
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	record, err := s.inventory.GetByName(ctx, name)
	if errors.Is(err, db.ErrNodeNotFound) {
		record = &models.RemoteNodeRecord{
			ID:     nodeID,
			Name:   name,
			Host:   host,
			Tags:   hello.Tags,
			Status: models.NodeRecordStatusOnline,
		}
		if err := s.inventory.Create(ctx, record); err != nil {
			s.logger.Warn().Err(err).Str("node_id", nodeID).Msg("inventory create failed")
		}
		return
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("node_id", nodeID).Msg("inventory lookup failed")
		return
	}

	record.Host = host
	record.Tags = hello.Tags
	record.Status = models.NodeRecordStatusOnline
	if err := s.inventory.Update(ctx, record); err != nil {
		s.logger.Warn().Err(err).Str("node_id", nodeID).Msg("inventory update failed")
	}
}

func (s *Server) handleJobStatus(ctx context.Context, nodeID string, m *models.JobStatusUpdate) {
	if m.JobID == "" || m.Status == "" {
		s.logger.Warn().Str("node_id", nodeID).Msg("job.status missing job_id or status")
		return
	}

	status, err := models.ParseJobStatus(string(m.Status))
	if err != nil {
		s.logger.Warn().Str("node_id", nodeID).Str("status", string(m.Status)).Msg("unknown job status")
		return
	}

	_, err = s.jobs.UpdateStatus(ctx, m.JobID, status, db.StatusUpdate{
		ResultSummary: m.ResultSummary,
		ErrorMessage:  m.ErrorMessage,
		LogPath:       m.LogPath,
	})
	if err != nil {
		// Late and duplicate reports are expected after reconnects.
		s.logger.Warn().Err(err).Str("job_id", m.JobID).Str("node_id", nodeID).
			Str("status", string(status)).Msg("status update rejected")
		return
	}
	s.metrics.JobTransitions.WithLabelValues(string(status)).Inc()

	if s.inventory != nil && nodeID != "" {
		recordStatus := models.NodeRecordStatusOnline
		if status == models.JobStatusRunning {
			recordStatus = models.NodeRecordStatusBusy
		}
		if err := s.inventory.UpdateStatus(ctx, nodeID, recordStatus); err != nil && !errors.Is(err, db.ErrNodeNotFound) {
			s.logger.Warn().Err(err).Str("node_id", nodeID).Msg("inventory status update failed")
		}
	}
}

func (s *Server) handleJobLog(ctx context.Context, m *models.JobLog) {
	if m.JobID == "" {
		return
	}

	entry := &models.LogEntry{
		JobID:   m.JobID,
		Level:   models.NormalizeLogLevel(m.Level),
		Message: m.Message,
	}
	if err := s.logs.Append(ctx, entry); err != nil {
		s.logger.Error().Err(err).Str("job_id", m.JobID).Msg("log append failed")
		return
	}
	s.metrics.LogLinesStored.Inc()
}

// handleCommand dispatches a bridge command. Failures become an error
// reply to the originating session; success is acknowledged so the user
// sees the job id immediately.
func (s *Server) handleCommand(ctx context.Context, session *wsSession, m *models.Command) {
	target := m.Source.ReplyTarget()

	j, err := s.router.Dispatch(ctx, m.Source, m.Text)
	if err != nil {
		s.logger.Warn().Err(err).Str("platform", string(m.Source.Platform)).Msg("command rejected")
		reply := models.Response{
			Type:   models.MessageTypeResponse,
			Target: target,
			Text:   commandErrorText(err),
		}
		if sendErr := session.Send(ctx, reply); sendErr != nil {
			s.logger.Warn().Err(sendErr).Msg("error reply send failed")
		}
		return
	}
	s.metrics.JobsCreated.Inc()

	ack := models.Response{
		Type:   models.MessageTypeResponse,
		Target: target,
		Text:   fmt.Sprintf("Job %s accepted (%s).", j.ID, j.Status),
	}
	if err := session.Send(ctx, ack); err != nil {
		s.logger.Warn().Err(err).Str("job_id", j.ID).Msg("ack send failed")
	}
}

// commandErrorText renders a dispatch failure for the chat user.
func commandErrorText(err error) string {
	switch {
	case errors.Is(err, command.ErrParse):
		return "Could not understand that command. Include a prompt, e.g. `run tests repo=https://github.com/org/repo tags=linux`."
	case errors.Is(err, command.ErrCredentialRequired):
		return "No GitHub token registered for your account. Register one before referencing repositories."
	default:
		return fmt.Sprintf("Command failed: %v", err)
	}
}

// dropConnection cleans up after a socket closes, applying the
// disconnect policy when the peer was a node. The request context dies
// with the socket, so cleanup runs on a fresh one.
func (s *Server) dropConnection(_ context.Context, clientID, nodeID string) {
	ctx := context.Background()
	if nodeID == "" {
		if s.clients.Detach(clientID) {
			s.metrics.ConnectedBridges.Set(float64(s.clients.Count()))
		}
		return
	}

	if s.nodes.Unregister(ctx, nodeID) {
		s.metrics.ConnectedNodes.Set(float64(s.nodes.Count()))
	}

	if s.inventory != nil {
		if err := s.inventory.UpdateStatus(ctx, nodeID, models.NodeRecordStatusOffline); err != nil && !errors.Is(err, db.ErrNodeNotFound) {
			s.logger.Warn().Err(err).Str("node_id", nodeID).Msg("inventory offline update failed")
		}
	}

	if _, err := s.jobs.HandleNodeDown(ctx, nodeID); err != nil {
		s.logger.Error().Err(err).Str("node_id", nodeID).Msg("disconnect policy failed")
	}
}
