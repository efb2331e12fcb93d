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

package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Fencing is enforced by comparing the stored owner id before touching the key, so a holder
// that lost its lease can never renew or release a lock someone else has since acquired.
var (
	renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)
)

// ErrLockHeld is returned by WithLock when the lock is owned by someone else.
var ErrLockHeld = errors.New("lock held by another owner")

// AcquireResult reports the outcome of an acquisition attempt. HolderID carries the current
// owner when the attempt failed.
type AcquireResult struct {
	Acquired bool
	HolderID string
}

// LockManager provides distributed locking over the K/V store with set-if-absent semantics
// and fenced renew/release.
type LockManager struct {
	rdb    redis.UniversalClient
	logger *zap.SugaredLogger
}

func NewLockManager(rdb redis.UniversalClient, logger *zap.SugaredLogger) *LockManager {
	return &LockManager{rdb: rdb, logger: logger.Named("locks")}
}

// Acquire attempts to take the lock for owner with the given TTL. On contention the current
// holder's id is returned.
func (m *LockManager) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (AcquireResult, error) {
	ok, err := m.rdb.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return AcquireResult{}, fmt.Errorf("acquiring lock %s, %w", key, err)
	}
	if ok {
		return AcquireResult{Acquired: true, HolderID: owner}, nil
	}
	holder, err := m.rdb.Get(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return AcquireResult{}, fmt.Errorf("reading holder of %s, %w", key, err)
	}
	return AcquireResult{Acquired: false, HolderID: holder}, nil
}

// Renew extends the TTL, succeeding only while owner still holds the lock.
func (m *LockManager) Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, m.rdb, []string{key}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("renewing lock %s, %w", key, err)
	}
	return n == 1, nil
}

// Release drops the lock, succeeding only while owner still holds it.
func (m *LockManager) Release(ctx context.Context, key, owner string) (bool, error) {
	n, err := releaseScript.Run(ctx, m.rdb, []string{key}, owner).Int64()
	if err != nil {
		return false, fmt.Errorf("releasing lock %s, %w", key, err)
	}
	return n == 1, nil
}

// ForceRelease drops the lock unconditionally. Only stale-holder recovery may use it.
func (m *LockManager) ForceRelease(ctx context.Context, key string) error {
	if err := m.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("force-releasing lock %s, %w", key, err)
	}
	return nil
}

// WithLock runs fn inside a scoped acquisition: the lock is released on every exit path and
// renewed on a ttl/3 schedule while fn runs. ErrLockHeld is returned when the lock is taken.
func (m *LockManager) WithLock(ctx context.Context, key, owner string, ttl time.Duration, fn func(ctx context.Context) error) error {
	res, err := m.Acquire(ctx, key, owner, ttl)
	if err != nil {
		return err
	}
	if !res.Acquired {
		return fmt.Errorf("%w: %s held by %s", ErrLockHeld, key, res.HolderID)
	}
	done := make(chan struct{})
	defer func() {
		close(done)
		// Release must not be skipped on cancellation.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := m.Release(releaseCtx, key, owner); err != nil {
			m.logger.Errorw("failed to release lock", "key", key, "error", err)
		}
	}()
	go func() {
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ok, err := m.Renew(ctx, key, owner, ttl)
				if err != nil {
					m.logger.Warnw("failed to renew lock", "key", key, "error", err)
				} else if !ok {
					m.logger.Warnw("lost lock while holding it", "key", key)
					return
				}
			}
		}
	}()
	return fn(ctx)
}
