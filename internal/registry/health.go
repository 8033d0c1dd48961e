package registry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/codernetes/hub/internal/logging"
)

const maxConcurrentProbes = 8

// HealthMonitorConfig controls probing behaviour.
type HealthMonitorConfig struct {
	// Interval is how often all connections are probed.
	Interval time.Duration

	// Timeout bounds a single probe.
	Timeout time.Duration

	// FailureThreshold is how many consecutive misses mark a node
	// unresponsive. 1 means the first missed probe does.
	FailureThreshold int
}

// DefaultHealthMonitorConfig returns the default monitor settings.
func DefaultHealthMonitorConfig() HealthMonitorConfig {
	return HealthMonitorConfig{
		Interval:         15 * time.Second,
		Timeout:          5 * time.Second,
		FailureThreshold: 1,
	}
}

// HealthMonitor periodically probes every registered connection and marks
// nodes unresponsive when probes go unanswered. Sessions that do not
// implement Prober are skipped; their liveness comes from Touch alone.
type HealthMonitor struct {
	registry *Registry
	config   HealthMonitorConfig
	logger   zerolog.Logger

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewHealthMonitor creates a monitor for the given registry.
func NewHealthMonitor(registry *Registry, config HealthMonitorConfig) *HealthMonitor {
	if config.Interval <= 0 {
		config.Interval = DefaultHealthMonitorConfig().Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultHealthMonitorConfig().Timeout
	}
	if config.FailureThreshold < 1 {
		config.FailureThreshold = 1
	}

	return &HealthMonitor{
		registry: registry,
		config:   config,
		logger:   logging.Component("health"),
		stopped:  make(chan struct{}),
	}
}

// Run probes until the context is cancelled or Stop is called.
func (m *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.logger.Info().
		Dur("interval", m.config.Interval).
		Dur("timeout", m.config.Timeout).
		Int("failure_threshold", m.config.FailureThreshold).
		Msg("health monitor started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopped:
			return
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

// Stop terminates the monitor loop. Safe to call multiple times.
func (m *HealthMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopped) })
}

// probeAll probes every connection, bounded by a small semaphore so a
// slow node cannot serialize the whole sweep.
func (m *HealthMonitor) probeAll(ctx context.Context) {
	connections := m.registry.List()
	if len(connections) == 0 {
		return
	}

	sem := make(chan struct{}, maxConcurrentProbes)
	var wg sync.WaitGroup

	for _, conn := range connections {
		wg.Add(1)
		sem <- struct{}{}
		go func(nodeID string) {
			defer wg.Done()
			defer func() { <-sem }()
			m.probeOne(ctx, nodeID)
		}(conn.NodeID)
	}

	wg.Wait()
}

func (m *HealthMonitor) probeOne(ctx context.Context, nodeID string) {
	session, exists := m.registry.session(nodeID)
	if !exists {
		return
	}

	prober, ok := session.(Prober)
	if !ok {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	if err := prober.Probe(probeCtx); err != nil {
		misses, crossed := m.registry.recordProbeMiss(ctx, nodeID, m.config.FailureThreshold)
		m.logger.Debug().Err(err).Str("node_id", nodeID).Int("missed_probes", misses).
			Bool("threshold_crossed", crossed).Msg("probe failed")
		return
	}

	m.registry.Touch(ctx, nodeID)
}
