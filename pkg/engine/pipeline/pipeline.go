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

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"

	"github.com/arbplane/arbplane/pkg/apis/core"
	"github.com/arbplane/arbplane/pkg/engine/breaker"
	"github.com/arbplane/arbplane/pkg/engine/conflict"
	"github.com/arbplane/arbplane/pkg/engine/queue"
	"github.com/arbplane/arbplane/pkg/engine/risk"
	"github.com/arbplane/arbplane/pkg/engine/strategy"
	"github.com/arbplane/arbplane/pkg/engine/tradelog"
	"github.com/arbplane/arbplane/pkg/providers/eventlog"
	"github.com/arbplane/arbplane/pkg/providers/kvstore"
)

const (
	// DefaultExecutionTimeout must stay below the lock TTL so a holder can never outlive
	// its lease mid-execution.
	DefaultExecutionTimeout = 55 * time.Second
	DefaultLockTTL          = 60 * time.Second
	DefaultMaxConcurrent    = 5
	DefaultDrainTimeout     = 30 * time.Second
)

// ErrDuplicate reports that the opportunity is already in flight; redeliveries are coalesced.
var ErrDuplicate = errors.New("opportunity already active")

// Config tunes the pipeline. Zero durations and counts take the defaults.
type Config struct {
	InstanceID       string
	MaxConcurrent    int
	ExecutionTimeout time.Duration
	LockTTL          time.Duration
	DrainTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.ExecutionTimeout == 0 {
		c.ExecutionTimeout = DefaultExecutionTimeout
	}
	if c.LockTTL == 0 {
		c.LockTTL = DefaultLockTTL
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	return c
}

// Pipeline drains the queue through validate → lock → gate → strategy → publish with
// bounded concurrency. The queue's item-available callback is the primary work signal; a
// one-second ticker is the safety net.
type Pipeline struct {
	cfg       Config
	queue     *queue.Queue[*core.Opportunity]
	breaker   *breaker.Breaker // nil when disabled
	risk      *risk.Orchestrator
	locks     *kvstore.LockManager
	conflicts *conflict.Tracker
	factory   *strategy.Factory
	log       *eventlog.Client
	trades    *tradelog.Log
	stats     *core.EngineStats
	logger    *zap.SugaredLogger

	sem  chan struct{}
	wake chan struct{}
	wg   sync.WaitGroup

	activeMu sync.Mutex
	active   map[string]struct{}
}

func New(cfg Config, q *queue.Queue[*core.Opportunity], cb *breaker.Breaker, riskOrch *risk.Orchestrator,
	locks *kvstore.LockManager, conflicts *conflict.Tracker, factory *strategy.Factory,
	log *eventlog.Client, trades *tradelog.Log, stats *core.EngineStats, logger *zap.SugaredLogger) *Pipeline {

	cfg = cfg.withDefaults()
	return &Pipeline{
		cfg:       cfg,
		queue:     q,
		breaker:   cb,
		risk:      riskOrch,
		locks:     locks,
		conflicts: conflicts,
		factory:   factory,
		log:       log,
		trades:    trades,
		stats:     stats,
		logger:    logger.Named("pipeline"),
		sem:       make(chan struct{}, cfg.MaxConcurrent),
		wake:      make(chan struct{}, 1),
		active:    map[string]struct{}{},
	}
}

// Notify is wired to the queue's onItemAvailable callback.
func (p *Pipeline) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// MarkActive coalesces concurrent redeliveries of the same opportunity. The caller owns
// the slot until the item finishes processing or Unmark is called.
func (p *Pipeline) MarkActive(opportunityID string) bool {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	if _, ok := p.active[opportunityID]; ok {
		return false
	}
	p.active[opportunityID] = struct{}{}
	return true
}

// Unmark releases a duplicate-suppression slot taken with MarkActive.
func (p *Pipeline) Unmark(opportunityID string) {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	delete(p.active, opportunityID)
}

// Run drives dispatch until ctx is canceled, then drains in-flight work up to the drain
// timeout. Items still running past the deadline are abandoned: their acks are withheld so
// the entries re-deliver after restart.
func (p *Pipeline) Run(ctx context.Context) error {
	// Workers outlive ctx by the drain timeout so in-flight executions can finish.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return p.drain(cancelWork)
		case <-p.wake:
		case <-ticker.C:
		}
		p.dispatch(workCtx)
	}
}

func (p *Pipeline) drain(cancelWork context.CancelFunc) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Infow("pipeline drained")
	case <-time.After(p.cfg.DrainTimeout):
		p.logger.Warnw("drain deadline exceeded, abandoning in-flight executions", "active", len(p.activeSnapshot()))
		cancelWork()
	}
	return nil
}

func (p *Pipeline) activeSnapshot() []string {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	return ids
}

// dispatch starts workers while both a concurrency slot and a queue item are available.
func (p *Pipeline) dispatch(ctx context.Context) {
	for {
		select {
		case p.sem <- struct{}{}:
		default:
			return
		}
		item, ok := p.queue.Dequeue()
		if !ok {
			<-p.sem
			return
		}
		p.wg.Add(1)
		go p.process(ctx, item)
	}
}

func (p *Pipeline) process(ctx context.Context, item queue.Item[*core.Opportunity]) {
	opp := item.Value
	defer func() {
		p.Unmark(opp.ID)
		<-p.sem
		p.wg.Done()
	}()
	settle := func(ok bool) {
		if item.Ack != nil {
			item.Ack(ok)
		}
	}

	if p.breaker != nil && !p.breaker.CanExecute() {
		p.stats.CircuitBreakerBlocks.Add(1)
		breakerBlocks.Inc()
		settle(true)
		return
	}

	if p.risk != nil {
		decision := p.risk.Evaluate(opp)
		if !decision.Allowed {
			p.recordRiskRejection(decision.Reason)
			p.releaseProbe()
			settle(true)
			return
		}
		if decision.Amount > 0 {
			opp.Amount = decision.Amount
		}
	}

	lockKey := "opp:" + opp.ID
	acquired, infraErr := p.acquireWithRecovery(ctx, lockKey, opp.ID)
	if infraErr != nil {
		p.logger.Errorw("lock infrastructure failure", "opportunity", opp.ID, "error", infraErr)
		p.releaseProbe()
		settle(false)
		return
	}
	if !acquired {
		// Another consumer owns it; leave the entry pending so the group retries.
		p.releaseProbe()
		settle(false)
		return
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := p.locks.Release(releaseCtx, lockKey, p.cfg.InstanceID); err != nil {
			p.logger.Errorw("failed to release opportunity lock", "opportunity", opp.ID, "error", err)
		}
	}()

	result, err := p.execute(ctx, opp)
	if err != nil {
		// Canceled mid-flight (shutdown past the drain deadline): withhold the ack so the
		// entry re-delivers after restart.
		p.logger.Warnw("execution abandoned", "opportunity", opp.ID, "error", err)
		settle(false)
		return
	}
	p.publish(ctx, opp, result)
	settle(true)
}

// releaseProbe hands back a half-open probe slot when the protected section was never
// entered, so no RecordSuccess or RecordFailure will settle it.
func (p *Pipeline) releaseProbe() {
	if p.breaker != nil {
		p.breaker.ReleaseProbe()
	}
}

// acquireWithRecovery takes the per-opportunity lock, consulting the conflict tracker on
// contention and force-releasing a stale holder at most once.
func (p *Pipeline) acquireWithRecovery(ctx context.Context, lockKey, opportunityID string) (bool, error) {
	res, err := p.locks.Acquire(ctx, lockKey, p.cfg.InstanceID, p.cfg.LockTTL)
	if err != nil {
		return false, err
	}
	if res.Acquired {
		p.conflicts.OnAcquired(opportunityID)
		return true, nil
	}
	p.stats.LockConflicts.Add(1)
	lockConflictsTotal.Inc()
	if !p.conflicts.RecordConflict(opportunityID) {
		return false, nil
	}
	p.logger.Warnw("force-releasing stale lock", "opportunity", opportunityID, "holder", res.HolderID)
	if err := p.locks.ForceRelease(ctx, lockKey); err != nil {
		return false, err
	}
	p.conflicts.RecordRecovery(opportunityID)
	p.stats.StaleLockRecoveries.Add(1)
	staleRecoveriesTotal.Inc()
	res, err = p.locks.Acquire(ctx, lockKey, p.cfg.InstanceID, p.cfg.LockTTL)
	if err != nil {
		return false, err
	}
	if res.Acquired {
		p.conflicts.OnAcquired(opportunityID)
	}
	return res.Acquired, nil
}

// execute dispatches to the strategy under the hard execution deadline. Only context
// cancellation (not expiry) is surfaced as an error; every other outcome becomes a result.
func (p *Pipeline) execute(ctx context.Context, opp *core.Opportunity) (*core.ExecutionResult, error) {
	strat, err := p.factory.ForOpportunity(opp)
	if err != nil {
		p.stats.OpportunitiesRejected.Add(1)
		return &core.ExecutionResult{
			OpportunityID: opp.ID,
			Success:       false,
			Error:         err.Error(),
			Timestamp:     time.Now(),
		}, nil
	}
	sctx, err := p.factory.Context()
	if err != nil {
		return nil, err
	}

	p.stats.ExecutionsStarted.Add(1)
	opp.Status = core.OpportunityExecuting
	start := time.Now()
	execCtx, cancel := context.WithTimeout(ctx, p.cfg.ExecutionTimeout)
	defer cancel()
	result, err := strat.Execute(execCtx, opp, sctx)
	executionDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		p.stats.ExecutionTimeouts.Add(1)
		result = &core.ExecutionResult{
			OpportunityID: opp.ID,
			Success:       false,
			Error:         "timeout",
			Timestamp:     time.Now(),
			Chain:         opp.SourceChain,
		}
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		result = &core.ExecutionResult{
			OpportunityID: opp.ID,
			Success:       false,
			Error:         err.Error(),
			Timestamp:     time.Now(),
			Chain:         opp.SourceChain,
		}
	}
	return result, nil
}

// publish appends the result to the event log and the trade log, then settles the breaker
// and risk trackers. The result append is retried; an accepted opportunity must eventually
// produce exactly one result entry.
func (p *Pipeline) publish(ctx context.Context, opp *core.Opportunity, result *core.ExecutionResult) {
	if err := retry.Do(func() error {
		_, err := p.log.AppendJSON(ctx, eventlog.StreamExecResults, result, map[string]string{
			core.FieldID:   result.OpportunityID,
			core.FieldType: string(opp.Type),
		})
		return err
	}, retry.Attempts(3), retry.Context(ctx)); err != nil {
		p.logger.Errorw("failed to publish execution result", "opportunity", opp.ID, "error", err)
	}
	if p.trades != nil {
		if err := p.trades.Append(result); err != nil {
			p.logger.Errorw("failed to write trade log", "opportunity", opp.ID, "error", err)
		}
	}
	if p.risk != nil {
		p.risk.RecordResult(result, opp.Type)
	}
	if result.Success {
		opp.Status = core.OpportunityExecuted
		p.stats.ExecutionsSucceeded.Add(1)
		executionsTotal.WithLabelValues("success").Inc()
		if p.breaker != nil {
			p.breaker.RecordSuccess()
		}
	} else {
		opp.Status = core.OpportunityFailed
		p.stats.ExecutionsFailed.Add(1)
		executionsTotal.WithLabelValues("failure").Inc()
		if p.breaker != nil {
			p.breaker.RecordFailure()
		}
	}
}

func (p *Pipeline) recordRiskRejection(reason risk.RejectReason) {
	riskRejections.WithLabelValues(string(reason)).Inc()
	switch reason {
	case risk.RejectDrawdown:
		p.stats.RiskDrawdownBlocks.Add(1)
	case risk.RejectExpectedValue:
		p.stats.RiskEVRejections.Add(1)
	case risk.RejectPositionSize:
		p.stats.RiskPositionSizeRejections.Add(1)
	default:
		p.logger.Warnw("unknown risk rejection reason", "reason", fmt.Sprint(reason))
	}
}
