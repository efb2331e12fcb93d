/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/arbplane/arbplane/pkg/apis/core"
	"github.com/arbplane/arbplane/pkg/coordinator/alerts"
	"github.com/arbplane/arbplane/pkg/leadership"
	"github.com/arbplane/arbplane/pkg/providers/eventlog"
)

const (
	// MaxOpportunities caps the in-memory opportunity cache.
	MaxOpportunities = 1000
	// DefaultHealthReportInterval is how often the coordinator emits its own health.
	DefaultHealthReportInterval = 5 * time.Second
	// opportunityCleanupInterval is the batch cadence for pruning the cache.
	opportunityCleanupInterval = time.Second
)

type Config struct {
	ServiceName          string
	InstanceID           string
	HealthReportInterval time.Duration // default 5s
	// StaleAfter is how long a service may go silent before it is marked unhealthy.
	// Defaults to three report intervals.
	StaleAfter       time.Duration
	MaxOpportunities int
}

func (c Config) withDefaults() Config {
	if c.ServiceName == "" {
		c.ServiceName = "coordinator"
	}
	if c.HealthReportInterval <= 0 {
		c.HealthReportInterval = DefaultHealthReportInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 3 * c.HealthReportInterval
	}
	if c.MaxOpportunities <= 0 {
		c.MaxOpportunities = MaxOpportunities
	}
	return c
}

// Coordinator aggregates the detector fleet's streams into the system view the
// HTTP surface serves: per-service health, system metrics, and a bounded cache
// of recent opportunities.
type Coordinator struct {
	cfg      Config
	log      *eventlog.Client
	notifier *alerts.Notifier
	elector  *leadership.Elector
	clock    clock.PassiveClock
	logger   *zap.SugaredLogger

	running   atomic.Bool
	startedAt time.Time

	healthMu sync.RWMutex
	services map[string]core.ServiceHealth

	metricsMu sync.Mutex
	metrics   core.SystemMetrics

	oppMu         sync.Mutex
	opportunities map[string]*core.Opportunity

	gas *GasBaselines
}

func New(cfg Config, log *eventlog.Client, notifier *alerts.Notifier, elector *leadership.Elector, clk clock.PassiveClock, logger *zap.SugaredLogger) *Coordinator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	cfg = cfg.withDefaults()
	return &Coordinator{
		cfg:           cfg,
		log:           log,
		notifier:      notifier,
		elector:       elector,
		clock:         clk,
		logger:        logger.Named("coordinator"),
		services:      map[string]core.ServiceHealth{},
		opportunities: map[string]*core.Opportunity{},
		gas:           NewGasBaselines(),
	}
}

// Run drives the background maintenance tasks until the context is canceled.
// Stream consumers are run by the operator alongside this.
func (c *Coordinator) Run(ctx context.Context) error {
	c.startedAt = c.clock.Now()
	c.running.Store(true)
	defer c.running.Store(false)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.runHealthSweeper(ctx) })
	g.Go(func() error { return c.runOpportunityCleaner(ctx) })
	g.Go(func() error { return c.runSelfHealthReporter(ctx) })
	return g.Wait()
}

// IsRunning reports whether Run is active, for the readiness probe.
func (c *Coordinator) IsRunning() bool {
	return c.running.Load()
}

// IsLeader reports whether this instance currently holds the coordinator lease.
func (c *Coordinator) IsLeader() bool {
	return c.elector != nil && c.elector.IsLeader()
}

func (c *Coordinator) InstanceID() string {
	return c.cfg.InstanceID
}

// SystemHealth is the fraction of healthy services scaled to 0..100, or 100
// when nothing has reported yet.
func (c *Coordinator) SystemHealth() float64 {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	if len(c.services) == 0 {
		return 100
	}
	healthy := 0
	for _, svc := range c.services {
		if svc.Status == core.HealthHealthy {
			healthy++
		}
	}
	return 100 * float64(healthy) / float64(len(c.services))
}

// Services returns a snapshot of the health map.
func (c *Coordinator) Services() map[string]core.ServiceHealth {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	out := make(map[string]core.ServiceHealth, len(c.services))
	for name, svc := range c.services {
		out[name] = svc
	}
	return out
}

// Metrics returns a copy of the aggregated counters.
func (c *Coordinator) Metrics() core.SystemMetrics {
	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()
	return c.metrics
}

// GasBaseline exposes the tracked per-chain gas baseline.
func (c *Coordinator) GasBaseline(chain string) (float64, bool) {
	return c.gas.Baseline(chain)
}

// Notifier exposes the alert notifier for direct use by other subsystems.
func (c *Coordinator) Notifier() *alerts.Notifier {
	return c.notifier
}

// AlertHistory returns emitted alerts, newest first.
func (c *Coordinator) AlertHistory() []core.Alert {
	return c.notifier.History()
}

// ActiveCooldowns returns the cooldown keys currently suppressing alerts.
func (c *Coordinator) ActiveCooldowns() []string {
	return c.notifier.ActiveCooldowns()
}

// AcknowledgeAlert clears an alert cooldown, falling back to the system-scoped
// key, and reports whether anything was cleared.
func (c *Coordinator) AcknowledgeAlert(key string) bool {
	return c.notifier.Acknowledge(key)
}

// StreamFailureAlert is wired as the consumers' burst-failure callback.
func (c *Coordinator) StreamFailureAlert(stream string, errorCount int) {
	c.notifier.Notify(context.Background(), core.Alert{
		Type:     "STREAM_CONSUMER_FAILURE",
		Severity: core.SeverityCritical,
		Message:  fmt.Sprintf("consumer for %s failed %d consecutive reads", stream, errorCount),
		Data:     map[string]any{"streamName": stream, "errorCount": errorCount},
	})
}

// RequestRestart publishes a restart request for the named service. The fleet
// supervisor consumes the control stream and performs the actual restart.
func (c *Coordinator) RequestRestart(ctx context.Context, service string) error {
	_, err := c.log.Append(ctx, eventlog.StreamServiceControl, map[string]any{
		core.FieldType:    "restart",
		core.FieldService: service,
		"requestedBy":     c.cfg.InstanceID,
	})
	if err != nil {
		return fmt.Errorf("publishing restart request for %s, %w", service, err)
	}
	c.logger.Infow("restart requested", "service", service)
	return nil
}

// TopOpportunities returns up to limit cached opportunities, newest first.
// When the cache exceeds the limit a bounded heap keeps selection at O(n log k).
func (c *Coordinator) TopOpportunities(limit int) []*core.Opportunity {
	c.oppMu.Lock()
	defer c.oppMu.Unlock()
	if len(c.opportunities) <= limit {
		out := make([]*core.Opportunity, 0, len(c.opportunities))
		for _, opp := range c.opportunities {
			out = append(out, opp)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
		return out
	}
	return selectNewest(c.opportunities, limit)
}

func (c *Coordinator) runHealthSweeper(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.HealthReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.sweepStaleServices()
			systemHealthGauge.Set(c.SystemHealth())
		}
	}
}

func (c *Coordinator) sweepStaleServices() {
	now := c.clock.Now()
	c.healthMu.Lock()
	var wentStale []string
	for name, svc := range c.services {
		if svc.Status != core.HealthUnhealthy && now.Sub(svc.LastSeen) > c.cfg.StaleAfter {
			svc.Status = core.HealthUnhealthy
			c.services[name] = svc
			wentStale = append(wentStale, name)
		}
	}
	trackedServicesGauge.Set(float64(len(c.services)))
	c.healthMu.Unlock()
	for _, name := range wentStale {
		staleServicesTotal.Inc()
		c.notifier.Notify(context.Background(), core.Alert{
			Type:     "SERVICE_STALE",
			Service:  name,
			Severity: core.SeverityWarning,
			Message:  fmt.Sprintf("%s stopped reporting health", name),
		})
	}
}

func (c *Coordinator) runOpportunityCleaner(ctx context.Context) error {
	ticker := time.NewTicker(opportunityCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.pruneOpportunities()
		}
	}
}

// pruneOpportunities drops expired entries first, then the oldest by timestamp
// until the cache fits. Pruning is batched here, never inline per message.
func (c *Coordinator) pruneOpportunities() {
	now := c.clock.Now()
	c.oppMu.Lock()
	defer c.oppMu.Unlock()
	for id, opp := range c.opportunities {
		if opp.Expired(now) {
			delete(c.opportunities, id)
		}
	}
	if excess := len(c.opportunities) - c.cfg.MaxOpportunities; excess > 0 {
		for _, opp := range selectOldest(c.opportunities, excess) {
			delete(c.opportunities, opp.ID)
		}
	}
	opportunityCacheGauge.Set(float64(len(c.opportunities)))
}

func (c *Coordinator) runSelfHealthReporter(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.HealthReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			health := core.ServiceHealth{
				Service:   c.cfg.ServiceName,
				Status:    core.HealthHealthy,
				LastSeen:  c.clock.Now(),
				UptimeSec: c.clock.Now().Sub(c.startedAt).Seconds(),
			}
			if _, err := c.log.AppendJSON(ctx, eventlog.StreamHealth, health, map[string]string{
				core.FieldService: c.cfg.ServiceName,
			}); err != nil {
				c.logger.Errorw("failed to report own health", "error", err)
			}
		}
	}
}
