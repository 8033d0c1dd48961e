package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/codernetes/hub/internal/command"
	"github.com/codernetes/hub/internal/config"
	"github.com/codernetes/hub/internal/db"
	"github.com/codernetes/hub/internal/events"
	"github.com/codernetes/hub/internal/job"
	"github.com/codernetes/hub/internal/models"
	"github.com/codernetes/hub/internal/registry"
)

// Options tweaks daemon construction, mainly for tests.
type Options struct {
	// WSPort overrides the configured WebSocket port when > 0.
	WSPort int

	// HTTPPort overrides the configured REST port when > 0.
	HTTPPort int

	// InMemoryDatabase replaces the file-backed database, for tests.
	InMemoryDatabase bool
}

// Daemon owns every long-running component of the hub process and their
// shared wiring.
type Daemon struct {
	cfg    *config.Config
	logger zerolog.Logger

	database  *db.DB
	publisher *events.InMemoryPublisher

	nodes         *registry.Registry
	clients       *registry.Registry
	monitor       *registry.HealthMonitor
	clientMonitor *registry.HealthMonitor

	jobs    *job.Store
	logs    *job.LogStore
	tokens  *db.TokenRepository
	replies *command.ReplyStore

	ws         *Server
	api        *API
	dispatcher *Dispatcher
	notifier   *Notifier
	metrics    *Metrics

	wsPort   int
	httpPort int
}

// New wires the full hub from configuration. Close releases the
// database; Run starts the servers and blocks until ctx is cancelled.
func New(cfg *config.Config, logger zerolog.Logger, opts Options) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   logger,
		wsPort:   cfg.Hub.Port,
		httpPort: cfg.Hub.HTTPPort,
	}
	if opts.WSPort > 0 {
		d.wsPort = opts.WSPort
	}
	if opts.HTTPPort > 0 {
		d.httpPort = opts.HTTPPort
	}

	var err error
	if opts.InMemoryDatabase {
		d.database, err = db.OpenInMemory()
	} else {
		d.database, err = db.Open(cfg.DatabasePath(), db.Options{
			MaxConnections: cfg.Database.MaxConnections,
			BusyTimeoutMs:  cfg.Database.BusyTimeoutMs,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	applied, err := d.database.MigrateUp(context.Background())
	if err != nil {
		_ = d.database.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	if applied > 0 {
		logger.Info().Int("migrations", applied).Msg("database schema updated")
	}

	d.publisher = events.NewInMemoryPublisher()
	d.nodes = registry.New(d.publisher)
	d.clients = registry.New(d.publisher)
	// Bridges are probed too: their sessions carry the same read
	// deadline as node sessions, so an idle bridge that is never pinged
	// would be torn down once the deadline expires.
	healthCfg := registry.HealthMonitorConfig{
		Interval:         cfg.Hub.HealthInterval,
		Timeout:          cfg.Hub.HealthTimeout,
		FailureThreshold: cfg.Hub.HealthFailureThreshold,
	}
	d.monitor = registry.NewHealthMonitor(d.nodes, healthCfg)
	d.clientMonitor = registry.NewHealthMonitor(d.clients, healthCfg)

	d.jobs = job.NewStore(db.NewJobRepository(d.database), d.publisher, string(cfg.Hub.DisconnectPolicy))
	d.logs = job.NewLogStore(db.NewLogRepository(d.database), d.publisher)
	d.tokens = db.NewTokenRepository(d.database)
	d.replies = command.NewReplyStore()

	promRegistry := prometheus.NewRegistry()
	d.metrics = NewMetrics(promRegistry)

	inventory := db.NewNodeRepository(d.database)
	router := command.NewRouter(d.jobs, d.tokens, d.replies)

	d.ws = NewServer(d.nodes, d.clients, d.jobs, d.logs, router, inventory, d.metrics)
	d.api = NewAPI(d.jobs, d.logs, d.nodes, d.clients, inventory, d.tokens, d.ws, d.metrics, promRegistry)
	d.dispatcher = NewDispatcher(d.nodes, d.jobs, cfg.Hub.DispatchInterval, cfg.Hub.JobWorkdirRoot, d.metrics)

	d.notifier, err = NewNotifier(d.publisher, d.jobs, d.replies, d.clients, d.metrics)
	if err != nil {
		_ = d.database.Close()
		return nil, fmt.Errorf("notifier setup failed: %w", err)
	}

	if err := d.subscribeUnresponsive(inventory); err != nil {
		_ = d.database.Close()
		return nil, fmt.Errorf("health subscription failed: %w", err)
	}

	return d, nil
}

// subscribeUnresponsive drops connections that stop answering probes.
// A bridge is simply unregistered; a node additionally has its inventory
// record marked offline and the disconnect policy applied to its jobs.
func (d *Daemon) subscribeUnresponsive(inventory *db.NodeRepository) error {
	return d.publisher.Subscribe("hub-unresponsive", events.Filter{
		EventTypes: []models.EventType{models.EventTypeNodeUnresponsive},
	}, func(event *models.Event) {
		ctx := context.Background()
		nodeID := event.EntityID

		if d.clients.Unregister(ctx, nodeID) {
			d.logger.Warn().Str("client_id", nodeID).Msg("dropping unresponsive bridge")
			d.metrics.ConnectedBridges.Set(float64(d.clients.Count()))
			return
		}

		d.logger.Warn().Str("node_id", nodeID).Msg("dropping unresponsive node")
		if d.nodes.Unregister(ctx, nodeID) {
			d.metrics.ConnectedNodes.Set(float64(d.nodes.Count()))
		}

		if err := inventory.UpdateStatus(ctx, nodeID, models.NodeRecordStatusOffline); err != nil && !errors.Is(err, db.ErrNodeNotFound) {
			d.logger.Error().Err(err).Str("node_id", nodeID).Msg("inventory update failed")
		}

		changed, err := d.jobs.HandleNodeDown(ctx, nodeID)
		if err != nil {
			d.logger.Error().Err(err).Str("node_id", nodeID).Msg("disconnect policy failed")
			return
		}
		if len(changed) > 0 {
			d.logger.Info().Strs("job_ids", changed).Msg("disconnect policy applied")
		}
	})
}

// Database exposes the underlying handle, mainly for tests.
func (d *Daemon) Database() *db.DB { return d.database }

// Jobs exposes the job store, mainly for tests.
func (d *Daemon) Jobs() *job.Store { return d.jobs }

// Router exposes the REST mux so tests can drive it with httptest.
func (d *Daemon) Router() http.Handler { return d.api.Router() }

func (d *Daemon) wsAddr() string {
	return fmt.Sprintf("%s:%d", d.cfg.Hub.Host, d.wsPort)
}

func (d *Daemon) httpAddr() string {
	host := d.cfg.Hub.HTTPHost
	if host == "" {
		host = d.cfg.Hub.Host
	}
	return fmt.Sprintf("%s:%d", host, d.httpPort)
}

// Run starts the WebSocket listener, REST API, health monitor, and
// dispatcher, then blocks until ctx is cancelled or a listener fails.
func (d *Daemon) Run(ctx context.Context) error {
	// The handshake is served at both / and /ws so clients may dial
	// ws://host:port with or without the path.
	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/", d.ws.HandleWS)
	wsMux.HandleFunc("/ws", d.ws.HandleWS)

	wsServer := &http.Server{Addr: d.wsAddr(), Handler: wsMux}
	apiServer := &http.Server{Addr: d.httpAddr(), Handler: d.api.Router()}

	errCh := make(chan error, 2)
	go func() {
		d.logger.Info().Str("addr", wsServer.Addr).Msg("websocket listener started")
		if err := wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("websocket listener: %w", err)
		}
	}()
	go func() {
		d.logger.Info().Str("addr", apiServer.Addr).Msg("api listener started")
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api listener: %w", err)
		}
	}()

	go d.monitor.Run(ctx)
	go d.clientMonitor.Run(ctx)
	go d.dispatcher.Run(ctx)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		d.logger.Error().Err(runErr).Msg("listener failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn().Err(err).Msg("websocket shutdown incomplete")
	}
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn().Err(err).Msg("api shutdown incomplete")
	}

	d.monitor.Stop()
	d.clientMonitor.Stop()
	d.logger.Info().Msg("hub stopped")
	return runErr
}

// Close releases resources not tied to Run's context.
func (d *Daemon) Close() error {
	d.publisher.Close()
	if d.database != nil {
		return d.database.Close()
	}
	return nil
}
