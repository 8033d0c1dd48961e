package hub

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/codernetes/hub/internal/db"
	"github.com/codernetes/hub/internal/job"
	"github.com/codernetes/hub/internal/logging"
	"github.com/codernetes/hub/internal/models"
	"github.com/codernetes/hub/internal/registry"
)

// API serves the hub's REST surface alongside the WebSocket endpoint.
type API struct {
	jobs      *job.Store
	logs      *job.LogStore
	nodes     *registry.Registry
	clients   *registry.Registry
	inventory *db.NodeRepository
	tokens    *db.TokenRepository
	ws        *Server
	metrics   *Metrics
	gatherer  prometheus.Gatherer
	startedAt time.Time
	logger    zerolog.Logger
}

// NewAPI assembles the REST layer. gatherer backs /metrics; pass the
// same registry the Metrics were created against.
func NewAPI(jobs *job.Store, logs *job.LogStore, nodes, clients *registry.Registry, inventory *db.NodeRepository, tokens *db.TokenRepository, ws *Server, metrics *Metrics, gatherer prometheus.Gatherer) *API {
	return &API{
		jobs:      jobs,
		logs:      logs,
		nodes:     nodes,
		clients:   clients,
		inventory: inventory,
		tokens:    tokens,
		ws:        ws,
		metrics:   metrics,
		gatherer:  gatherer,
		startedAt: time.Now(),
		logger:    logging.Component("api"),
	}
}

// Router builds the full HTTP mux, including the WebSocket upgrade path.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws", a.ws.HandleWS)
	r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", a.handleStatus)
		r.Post("/broadcast", a.handleBroadcast)
		r.Post("/send", a.handleSend)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", a.handleListJobs)
			r.Post("/", a.handleCreateJob)
			r.Get("/{id}", a.handleGetJob)
			r.Post("/{id}/status", a.handleJobStatus)
			r.Get("/{id}/logs", a.handleJobLogs)
		})

		r.Route("/nodes", func(r chi.Router) {
			r.Get("/", a.handleListNodes)
			r.Post("/", a.handleCreateNode)
			r.Delete("/{id}", a.handleDeleteNode)
			r.Post("/{id}/action", a.handleNodeAction)
		})

		r.Route("/github", func(r chi.Router) {
			r.Post("/token", a.handleSetToken)
			r.Get("/repos", a.handleListRepos)
		})
	})

	return r
}

func (a *API) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Warn().Err(err).Msg("response encode failed")
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, message string) {
	a.writeJSON(w, status, map[string]string{"error": message})
}

// handleStatus reports aggregate hub state for dashboards and probes.
func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := a.jobs.CountByStatus(r.Context())
	if err != nil {
		a.logger.Error().Err(err).Msg("job counts failed")
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	jobCounts := make(map[string]int, len(counts))
	for status, n := range counts {
		jobCounts[string(status)] = n
	}

	a.writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds":    int64(time.Since(a.startedAt).Seconds()),
		"connected_nodes":   a.nodes.Count(),
		"connected_bridges": a.clients.Count(),
		"jobs":              jobCounts,
	})
}

func (a *API) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var statusFilter *models.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := models.ParseJobStatus(raw)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		statusFilter = &status
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			a.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	jobs, err := a.jobs.List(r.Context(), statusFilter, limit)
	if err != nil {
		a.logger.Error().Err(err).Msg("job list failed")
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

type createJobRequest struct {
	Prompt        string                  `json:"prompt"`
	Origin        string                  `json:"origin,omitempty"`
	TargetNodeID  string                  `json:"target_node_id,omitempty"`
	RequestedTags []string                `json:"requested_tags,omitempty"`
	Repositories  []models.RepositorySpec `json:"repositories,omitempty"`
	Metadata      map[string]string       `json:"metadata,omitempty"`
}

func (a *API) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	j := &models.Job{
		Prompt:        req.Prompt,
		TargetNodeID:  req.TargetNodeID,
		RequestedTags: req.RequestedTags,
		Repositories:  req.Repositories,
		Metadata:      req.Metadata,
	}
	if j.Metadata == nil {
		j.Metadata = map[string]string{}
	}
	if _, ok := j.Metadata["origin"]; !ok {
		origin := req.Origin
		if origin == "" {
			origin = "api"
		}
		j.Metadata["origin"] = origin
	}

	if err := a.jobs.Create(r.Context(), j); err != nil {
		var validation *models.ValidationErrors
		if errors.As(err, &validation) {
			a.writeError(w, http.StatusBadRequest, validation.Error())
			return
		}
		a.logger.Error().Err(err).Msg("job create failed")
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	a.metrics.JobsCreated.Inc()
	a.writeJSON(w, http.StatusCreated, j)
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := a.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			a.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		a.logger.Error().Err(err).Msg("job get failed")
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	a.writeJSON(w, http.StatusOK, j)
}

type jobStatusRequest struct {
	Status        string `json:"status"`
	ResultSummary string `json:"result_summary,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
	LogPath       string `json:"log_path,omitempty"`
}

func (a *API) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req jobStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	status, err := models.ParseJobStatus(req.Status)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if status == models.JobStatusCancelled {
		a.cancelJob(w, r, id)
		return
	}

	j, err := a.jobs.UpdateStatus(r.Context(), id, status, db.StatusUpdate{
		ResultSummary: req.ResultSummary,
		ErrorMessage:  req.ErrorMessage,
		LogPath:       req.LogPath,
	})
	if err != nil {
		switch {
		case errors.Is(err, job.ErrJobNotFound):
			a.writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, job.ErrInvalidTransition):
			a.writeError(w, http.StatusConflict, err.Error())
		default:
			a.logger.Error().Err(err).Str("job_id", id).Msg("status update failed")
			a.writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	a.metrics.JobTransitions.WithLabelValues(string(status)).Inc()
	a.writeJSON(w, http.StatusOK, j)
}

// cancelJob flips the job to cancelled and, when it had already been handed
// to a node, relays the cancellation over that node's session. Relay failure
// does not fail the request: the job record is cancelled either way, and a
// disconnected node has its work reconciled on reconnect.
func (a *API) cancelJob(w http.ResponseWriter, r *http.Request, id string) {
	previous, err := a.jobs.Cancel(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, job.ErrJobNotFound):
			a.writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, job.ErrInvalidTransition):
			a.writeError(w, http.StatusConflict, err.Error())
		default:
			a.logger.Error().Err(err).Str("job_id", id).Msg("job cancel failed")
			a.writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	j, err := a.jobs.Get(r.Context(), id)
	if err != nil {
		a.logger.Error().Err(err).Str("job_id", id).Msg("job get failed")
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if (previous == models.JobStatusRunning || previous == models.JobStatusQueued) && j.TargetNodeID != "" {
		cancel := models.JobCancel{
			Type:   models.MessageTypeJobCancel,
			JobID:  id,
			Reason: "cancelled via api",
		}
		if err := a.nodes.Send(r.Context(), j.TargetNodeID, cancel); err != nil {
			a.logger.Debug().Err(err).Str("job_id", id).Str("node_id", j.TargetNodeID).
				Msg("cancel relay skipped")
		}
	}

	a.metrics.JobTransitions.WithLabelValues(string(models.JobStatusCancelled)).Inc()
	a.writeJSON(w, http.StatusOK, j)
}

func (a *API) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := a.jobs.Get(r.Context(), id); err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			a.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		a.logger.Error().Err(err).Msg("job get failed")
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// "after" is the documented cursor; "after_seq" remains as an alias for
	// older clients.
	afterSeq := int64(-1)
	raw := r.URL.Query().Get("after")
	if raw == "" {
		raw = r.URL.Query().Get("after_seq")
	}
	if raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, "after must be an integer")
			return
		}
		afterSeq = parsed
	}

	limit := 200
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			a.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	entries, err := a.logs.Read(r.Context(), id, afterSeq, limit)
	if err != nil {
		a.logger.Error().Err(err).Str("job_id", id).Msg("log read failed")
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "logs": entries, "count": len(entries)})
}

// nodeView joins an administrative record with its live connection state.
type nodeView struct {
	*models.RemoteNodeRecord
	Connected        bool                    `json:"connected"`
	ConnectionStatus models.ConnectionStatus `json:"connection_status,omitempty"`
}

func (a *API) handleListNodes(w http.ResponseWriter, r *http.Request) {
	records, err := a.inventory.List(r.Context())
	if err != nil {
		a.logger.Error().Err(err).Msg("node list failed")
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	live := make(map[string]models.NodeConnection)
	for _, conn := range a.nodes.List() {
		live[conn.NodeID] = conn
	}

	views := make([]nodeView, 0, len(records))
	for _, record := range records {
		view := nodeView{RemoteNodeRecord: record}
		if conn, ok := live[record.ID]; ok {
			view.Connected = true
			view.ConnectionStatus = conn.Status
		}
		views = append(views, view)
	}

	a.writeJSON(w, http.StatusOK, map[string]any{"nodes": views, "count": len(views)})
}

func (a *API) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	var record models.RemoteNodeRecord
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if record.ID == "" {
		record.ID = uuid.New().String()
	}

	if err := a.inventory.Create(r.Context(), &record); err != nil {
		var validation *models.ValidationErrors
		switch {
		case errors.As(err, &validation):
			a.writeError(w, http.StatusBadRequest, validation.Error())
		case errors.Is(err, db.ErrDuplicateNode):
			a.writeError(w, http.StatusConflict, "node name already registered")
		default:
			a.logger.Error().Err(err).Msg("node create failed")
			a.writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	a.writeJSON(w, http.StatusCreated, record)
}

func (a *API) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.inventory.Delete(r.Context(), id); err != nil {
		if errors.Is(err, db.ErrNodeNotFound) {
			a.writeError(w, http.StatusNotFound, "node not found")
			return
		}
		a.logger.Error().Err(err).Str("node_id", id).Msg("node delete failed")
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var nodeActions = map[string]models.NodeRecordStatus{
	"mark_online":      models.NodeRecordStatusOnline,
	"mark_offline":     models.NodeRecordStatusOffline,
	"mark_maintenance": models.NodeRecordStatusMaintenance,
	"mark_busy":        models.NodeRecordStatusBusy,
}

func (a *API) handleNodeAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var err error
	switch {
	case req.Action == "touch":
		// touch refreshes last_seen without changing the status
		var record *models.RemoteNodeRecord
		record, err = a.inventory.Get(r.Context(), id)
		if err == nil {
			err = a.inventory.UpdateStatus(r.Context(), id, record.Status)
		}
	default:
		status, ok := nodeActions[req.Action]
		if !ok {
			a.writeError(w, http.StatusBadRequest, "unknown action")
			return
		}
		err = a.inventory.UpdateStatus(r.Context(), id, status)
	}

	if err != nil {
		if errors.Is(err, db.ErrNodeNotFound) {
			a.writeError(w, http.StatusNotFound, "node not found")
			return
		}
		a.logger.Error().Err(err).Str("node_id", id).Msg("node action failed")
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	record, err := a.inventory.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	a.writeJSON(w, http.StatusOK, record)
}

func (a *API) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		a.writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	message := models.Response{
		Type:      models.MessageTypeResponse,
		Text:      req.Text,
		Broadcast: true,
	}
	delivered := a.clients.Broadcast(r.Context(), message, "")
	delivered += a.nodes.Broadcast(r.Context(), message, "")

	a.writeJSON(w, http.StatusOK, map[string]any{"delivered": delivered})
}

func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NodeID string `json:"node_id"`
		Text   string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NodeID == "" || req.Text == "" {
		a.writeError(w, http.StatusBadRequest, "node_id and text are required")
		return
	}

	message := models.Response{
		Type: models.MessageTypeResponse,
		Text: req.Text,
	}
	err := a.nodes.Send(r.Context(), req.NodeID, message)
	if errors.Is(err, registry.ErrNotConnected) {
		err = a.clients.Send(r.Context(), req.NodeID, message)
	}
	if err != nil {
		if errors.Is(err, registry.ErrNotConnected) {
			a.writeError(w, http.StatusNotFound, "no connected client with that id")
			return
		}
		a.logger.Warn().Err(err).Str("node_id", req.NodeID).Msg("send failed")
		a.writeError(w, http.StatusBadGateway, "delivery failed")
		return
	}

	a.writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (a *API) handleSetToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		Token  string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.Token == "" {
		a.writeError(w, http.StatusBadRequest, "user_id and token are required")
		return
	}

	if err := a.tokens.Set(r.Context(), req.UserID, "github", req.Token); err != nil {
		a.logger.Error().Err(err).Msg("token store failed")
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
}

func (a *API) handleListRepos(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		a.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	if _, err := a.tokens.Get(r.Context(), userID, "github"); err != nil {
		if errors.Is(err, db.ErrTokenNotFound) {
			a.writeError(w, http.StatusUnauthorized, "github token not found for user")
			return
		}
		a.logger.Error().Err(err).Msg("token lookup failed")
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// Placeholder inventory until the GitHub API client lands; the
	// token gate above is the part callers depend on.
	a.writeJSON(w, http.StatusOK, map[string]any{
		"repos": []map[string]string{
			{
				"name":           "example-repo",
				"full_name":      userID + "/example-repo",
				"url":            "https://github.com/example/example-repo",
				"default_branch": "main",
			},
			{
				"name":           "codex-tasks",
				"full_name":      userID + "/codex-tasks",
				"url":            "https://github.com/example/codex-tasks",
				"default_branch": "main",
			},
		},
	})
}
