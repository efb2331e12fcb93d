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

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/arbplane/arbplane/pkg/apis/core"
	"github.com/arbplane/arbplane/pkg/engine/breaker"
	"github.com/arbplane/arbplane/pkg/engine/conflict"
	"github.com/arbplane/arbplane/pkg/engine/pipeline"
	"github.com/arbplane/arbplane/pkg/engine/queue"
	"github.com/arbplane/arbplane/pkg/engine/risk"
	"github.com/arbplane/arbplane/pkg/engine/strategy"
	"github.com/arbplane/arbplane/pkg/engine/tradelog"
	"github.com/arbplane/arbplane/pkg/leadership"
	"github.com/arbplane/arbplane/pkg/providers/eventlog"
	"github.com/arbplane/arbplane/pkg/providers/eventlog/consumer"
	"github.com/arbplane/arbplane/pkg/providers/kvstore"
)

const (
	// DefaultMinConfidence is the validation floor for accepting an opportunity.
	DefaultMinConfidence = 0.5
	// DefaultLeaderTTL is the engine leader lease duration.
	DefaultLeaderTTL = 30 * time.Second
	// consumerGroup is the engine's consumer group on stream:opportunities.
	consumerGroup        = "execution-engine"
	healthReportInterval = 5 * time.Second
)

// Config assembles an engine instance from the parsed options.
type Config struct {
	InstanceID    string
	ServiceName   string
	Region        string
	PrimaryRegion string
	Port          int
	Production    bool
	IsStandby     bool

	QueuePausedOnStart bool
	MinConfidence      float64

	SimulationMode     bool
	SimulationOverride string
	Simulation         strategy.SimulationConfig

	BreakerEnabled bool
	Breaker        breaker.Config

	RiskEnabled bool
	Risk        risk.Config

	Queue    queue.Config
	Pipeline pipeline.Config

	TradeLogDir string
}

// Engine owns the execution side: the opportunity consumer, the bounded queue,
// the pipeline, and the admin/health endpoint. One engine per region is leader
// at a time; standbys idle with a paused queue until promoted.
type Engine struct {
	cfg          Config
	log          *eventlog.Client
	store        *kvstore.Store
	locks        *kvstore.LockManager
	queue        *queue.Queue[*core.Opportunity]
	pipe         *pipeline.Pipeline
	breaker      *breaker.Breaker
	risk         *risk.Orchestrator
	factory      *strategy.Factory
	conflicts    *conflict.Tracker
	trades       *tradelog.Log
	stats        *core.EngineStats
	elector      *leadership.Elector
	regionHealth *leadership.RegionHealthManager
	logger       *zap.SugaredLogger

	running   atomic.Bool
	startedAt time.Time
}

// New wires the engine and enforces the startup invariants: simulation mode in
// production requires the literal override, and a risk initialization failure
// outside simulation mode fails the start.
func New(ctx context.Context, cfg Config, log *eventlog.Client, store *kvstore.Store, locks *kvstore.LockManager, logger *zap.SugaredLogger) (*Engine, error) {
	if cfg.MinConfidence == 0 {
		cfg.MinConfidence = DefaultMinConfidence
	}
	if cfg.Production && cfg.SimulationMode && cfg.SimulationOverride != "true" {
		return nil, fmt.Errorf("simulation mode is not allowed in production without SIMULATION_MODE_PRODUCTION_OVERRIDE=true")
	}

	e := &Engine{
		cfg:       cfg,
		log:       log,
		store:     store,
		locks:     locks,
		stats:     &core.EngineStats{},
		conflicts: conflict.NewTracker(clock.RealClock{}, 0),
		logger:    logger.Named("engine"),
	}

	if cfg.RiskEnabled {
		orch, err := risk.New(cfg.Risk, logger)
		if err != nil {
			if !cfg.SimulationMode {
				return nil, fmt.Errorf("risk management is mandatory outside simulation mode, %w", err)
			}
			e.logger.Warnw("risk management disabled", "error", err)
		} else {
			e.risk = orch
		}
	}

	if cfg.BreakerEnabled {
		e.breaker = breaker.New(cfg.Breaker, clock.RealClock{}, e.publishBreakerEvent)
	}

	cfg.Queue.StartPaused = cfg.IsStandby || cfg.QueuePausedOnStart
	e.queue = queue.New[*core.Opportunity](cfg.Queue,
		func(paused bool) { e.logger.Infow("queue pause state changed", "paused", paused) },
		func() { e.pipe.Notify() },
	)

	e.factory = strategy.NewFactory(strategy.Dependencies{Stats: e.stats})
	if cfg.SimulationMode {
		e.factory.RegisterForAll(strategy.NewSimulation(cfg.Simulation, logger))
	}

	if cfg.TradeLogDir != "" {
		trades, err := tradelog.New(cfg.TradeLogDir, nil)
		if err != nil {
			return nil, err
		}
		e.trades = trades
	}

	cfg.Pipeline.InstanceID = cfg.InstanceID
	e.pipe = pipeline.New(cfg.Pipeline, e.queue, e.breaker, e.risk, locks, e.conflicts, e.factory, log, e.trades, e.stats, logger)

	e.elector = leadership.NewElector(locks, leadership.EngineLeaderKey(cfg.PrimaryRegion), cfg.InstanceID, DefaultLeaderTTL, leadership.Callbacks{
		OnElected: func() {
			if !cfg.IsStandby {
				e.queue.Resume()
			}
		},
		OnLeadershipLost: func() { e.queue.Pause() },
	}, logger)
	e.regionHealth = leadership.NewRegionHealthManager(store, e.elector, leadership.RegionHealthConfig{
		Region:        cfg.Region,
		PrimaryRegion: cfg.PrimaryRegion,
	}, logger)
	e.regionHealth.OnActivateStandby = e.Activate

	return e, nil
}

// Activate brings a standby into service: the queue resumes and the cached
// strategy context is rebuilt against the promoted identity.
func (e *Engine) Activate() {
	e.logger.Infow("activating standby engine", "region", e.cfg.Region)
	e.factory.Invalidate()
	e.queue.Resume()
}

// Stats exposes the engine counters.
func (e *Engine) Stats() *core.EngineStats {
	return e.stats
}

// TradeLog exposes the persistent trade log, nil when disabled. The archiver
// runs against it.
func (e *Engine) TradeLog() *tradelog.Log {
	return e.trades
}

// Run drives every engine subsystem until the context is canceled.
func (e *Engine) Run(ctx context.Context) error {
	e.startedAt = time.Now()
	e.running.Store(true)
	defer e.running.Store(false)
	defer func() {
		if e.trades != nil {
			if err := e.trades.Close(); err != nil {
				e.logger.Errorw("failed to close trade log", "error", err)
			}
		}
	}()

	opportunities := consumer.New(e.log, consumer.Options{
		Stream:     eventlog.StreamOpportunities,
		Group:      consumerGroup,
		ConsumerID: e.cfg.InstanceID,
		OnStreamFailure: func(stream string, errorCount int) {
			e.publishStreamFailure(stream, errorCount)
		},
	}, e.opportunityHandler(), e.logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.elector.Run(ctx) })
	g.Go(func() error { return e.regionHealth.Run(ctx) })
	g.Go(func() error { return e.pipe.Run(ctx) })
	g.Go(func() error { return opportunities.Run(ctx) })
	g.Go(func() error { return e.runSelfHealthReporter(ctx) })
	g.Go(func() error { return e.runAdminServer(ctx) })
	return g.Wait()
}

// opportunityHandler validates and enqueues incoming opportunities. The ack is
// settled by the pipeline once the item reaches a terminal outcome; rejected
// and duplicate entries are acknowledged immediately.
func (e *Engine) opportunityHandler() consumer.Handler {
	return func(ctx context.Context, entry eventlog.Entry) error {
		opp, err := core.DecodeOpportunity(entry.Fields)
		if err != nil {
			e.stats.OpportunitiesReceived.Add(1)
			e.stats.OpportunitiesRejected.Add(1)
			e.logger.Warnw("dead-lettering malformed opportunity", "entry", entry.ID, "error", err)
			return multierr.Append(err, consumer.ErrDeadLetter)
		}
		e.stats.OpportunitiesReceived.Add(1)
		if err := core.ValidateOpportunity(opp, e.cfg.MinConfidence); err != nil {
			e.stats.OpportunitiesRejected.Add(1)
			e.logger.Debugw("rejecting opportunity", "opportunity", opp.ID, "error", err)
			return nil
		}
		if opp.Expired(time.Now()) {
			e.stats.OpportunitiesRejected.Add(1)
			return nil
		}
		if !e.pipe.MarkActive(opp.ID) {
			// A concurrent redelivery of an in-flight opportunity; drop this copy.
			return nil
		}
		opp.Status = core.OpportunityPending
		item := queue.Item[*core.Opportunity]{
			Value: opp,
			Ack: func(ok bool) {
				if !ok {
					// Withheld: the entry stays pending and re-delivers to the group.
					return
				}
				ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if err := e.log.Ack(ackCtx, entry.Stream, consumerGroup, entry.ID); err != nil {
					e.logger.Errorw("failed to ack opportunity", "entry", entry.ID, "error", err)
				}
			},
		}
		if err := e.queue.Enqueue(item); err != nil {
			e.pipe.Unmark(opp.ID)
			// Leave the entry pending; it re-delivers once the queue drains.
			return err
		}
		return consumer.ErrDeferAck
	}
}

func (e *Engine) publishBreakerEvent(event breaker.Event) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := e.log.AppendJSON(ctx, eventlog.StreamBreakerEvents, event, map[string]string{
			core.FieldService: e.cfg.ServiceName,
		}); err != nil {
			e.logger.Errorw("failed to publish breaker event", "error", err)
		}
	}()
}

func (e *Engine) publishStreamFailure(stream string, errorCount int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	alert := core.Alert{
		Type:      "STREAM_CONSUMER_FAILURE",
		Service:   e.cfg.ServiceName,
		Severity:  core.SeverityCritical,
		Message:   fmt.Sprintf("consumer for %s failed %d consecutive reads", stream, errorCount),
		Timestamp: time.Now(),
		Data:      map[string]any{"streamName": stream, "errorCount": errorCount},
	}
	if _, err := e.log.AppendJSON(ctx, eventlog.StreamHealth, alert, map[string]string{
		core.FieldType:    "alert",
		core.FieldService: e.cfg.ServiceName,
	}); err != nil {
		e.logger.Errorw("failed to publish stream failure alert", "error", err)
	}
}

func (e *Engine) runSelfHealthReporter(ctx context.Context) error {
	ticker := time.NewTicker(healthReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			health := core.ServiceHealth{
				Service:   e.cfg.ServiceName,
				Status:    core.HealthHealthy,
				LastSeen:  time.Now(),
				UptimeSec: time.Since(e.startedAt).Seconds(),
			}
			if _, err := e.log.AppendJSON(ctx, eventlog.StreamHealth, health, map[string]string{
				core.FieldService: e.cfg.ServiceName,
			}); err != nil {
				e.logger.Errorw("failed to report own health", "error", err)
			}
		}
	}
}

// runAdminServer serves liveness, readiness and the stats snapshot.
func (e *Engine) runAdminServer(ctx context.Context) error {
	r := chi.NewRouter()
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "alive"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		if e.running.Load() {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "isRunning": true})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "isRunning": false})
	})
	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		body := map[string]any{
			"stats":       e.stats.Snapshot(),
			"queueSize":   e.queue.Size(),
			"queuePaused": e.queue.IsPaused(),
			"isLeader":    e.elector.IsLeader(),
			"region":      e.cfg.Region,
		}
		if e.breaker != nil {
			body["circuitBreaker"] = e.breaker.Snapshot()
		}
		if e.risk != nil {
			body["drawdownState"] = e.risk.DrawdownState()
		}
		writeJSON(w, http.StatusOK, body)
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", e.cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("binding engine admin server on %s, %w", srv.Addr, err)
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("serving engine admin, %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
