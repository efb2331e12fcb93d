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

package leadership

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/arbplane/arbplane/pkg/providers/kvstore"
)

// CoordinatorLeaderKey is the lock key for the single active coordinator.
const CoordinatorLeaderKey = "coordinator:leader:lock"

// EngineLeaderKey returns the per-region lock key for the single active execution engine.
func EngineLeaderKey(region string) string {
	return fmt.Sprintf("execution-engine:leader:lock:%s", region)
}

// Callbacks observe leadership transitions. They are invoked from the elector's run loop
// and must not block.
type Callbacks struct {
	OnElected        func()
	OnLeadershipLost func()
}

// Elector runs the follower/leader state machine over the leader lock: followers attempt a
// set-if-absent acquisition on an interval; the leader renews at ttl/3 and demotes itself
// immediately when a renewal loses the fence. Only the leader performs cluster-side-effecting
// work; non-leaders keep serving reads.
type Elector struct {
	locks      *kvstore.LockManager
	key        string
	instanceID string
	ttl        time.Duration
	interval   time.Duration
	callbacks  Callbacks
	logger     *zap.SugaredLogger

	leader atomic.Bool
	// renewedAt is the unix-nano time of the last confirmed acquire or renew; once a
	// full TTL passes without confirmation the lease may have lapsed under another owner.
	renewedAt atomic.Int64
}

func NewElector(locks *kvstore.LockManager, key, instanceID string, ttl time.Duration, callbacks Callbacks, logger *zap.SugaredLogger) *Elector {
	return &Elector{
		locks:      locks,
		key:        key,
		instanceID: instanceID,
		ttl:        ttl,
		interval:   ttl / 3,
		callbacks:  callbacks,
		logger:     logger.Named("elector").With("key", key, "instance", instanceID),
	}
}

// IsLeader is a cheap, lock-free read of the current role.
func (e *Elector) IsLeader() bool {
	return e.leader.Load()
}

// InstanceID returns this instance's opaque identity, which is also the fencing token.
func (e *Elector) InstanceID() string {
	return e.instanceID
}

// Run drives the state machine until the context is canceled; held leadership is released
// on the way out.
func (e *Elector) Run(ctx context.Context) error {
	defer e.resign()
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	// Contend immediately rather than waiting out the first tick.
	e.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// TryAcquire makes a single acquisition attempt out of band of the run loop; the
// cross-region promote path uses it.
func (e *Elector) TryAcquire(ctx context.Context) (bool, error) {
	res, err := e.locks.Acquire(ctx, e.key, e.instanceID, e.ttl)
	if err != nil {
		return false, err
	}
	if res.Acquired || res.HolderID == e.instanceID {
		e.renewedAt.Store(time.Now().UnixNano())
		e.promote()
		return true, nil
	}
	return false, nil
}

func (e *Elector) tick(ctx context.Context) {
	if e.leader.Load() {
		ok, err := e.locks.Renew(ctx, e.key, e.instanceID, e.ttl)
		if err != nil {
			e.logger.Errorw("failed to renew leadership", "error", err)
			// The lease keeps expiring while the substrate is unreachable; once a
			// full TTL passes without a confirmed renewal, another instance may
			// hold the key, so leadership must be yielded.
			if time.Since(time.Unix(0, e.renewedAt.Load())) >= e.ttl {
				e.demote()
			}
			return
		}
		if !ok {
			// Lost the fence; someone else owns the key now.
			e.demote()
			return
		}
		e.renewedAt.Store(time.Now().UnixNano())
		return
	}
	res, err := e.locks.Acquire(ctx, e.key, e.instanceID, e.ttl)
	if err != nil {
		e.logger.Debugw("failed to contend for leadership", "error", err)
		return
	}
	if res.Acquired {
		e.renewedAt.Store(time.Now().UnixNano())
		e.promote()
	}
}

func (e *Elector) promote() {
	if e.leader.CompareAndSwap(false, true) {
		e.logger.Infow("acquired leadership")
		if e.callbacks.OnElected != nil {
			e.callbacks.OnElected()
		}
	}
}

func (e *Elector) demote() {
	if e.leader.CompareAndSwap(true, false) {
		e.logger.Warnw("lost leadership")
		if e.callbacks.OnLeadershipLost != nil {
			e.callbacks.OnLeadershipLost()
		}
	}
}

func (e *Elector) resign() {
	if !e.leader.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := e.locks.Release(ctx, e.key, e.instanceID); err != nil {
		e.logger.Errorw("failed to release leadership on shutdown", "error", err)
	}
	e.demote()
}
