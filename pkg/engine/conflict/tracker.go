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

package conflict

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"k8s.io/utils/clock"
)

const (
	// recordTTL evicts a record after this much silence on its key; every new conflict
	// refreshes it.
	recordTTL = 60 * time.Second
	// A holder is stale after staleMinConflicts conflicts inside the burst window.
	staleMinConflicts = 3
	staleWindowMin    = 20 * time.Second
	staleWindowMax    = 30 * time.Second
)

type record struct {
	FirstSeenAt time.Time
	Count       int
}

// Tracker watches repeated lock-acquisition conflicts per opportunity id and declares the
// holder stale when three or more conflicts accumulate inside the 20-30s burst window,
// meaning the holder is not making progress on work that should take seconds.
type Tracker struct {
	mu      sync.Mutex
	records *cache.Cache
	clock   clock.PassiveClock

	lockConflicts       atomic.Int64
	staleLockRecoveries atomic.Int64
}

func NewTracker(clk clock.PassiveClock, sweepInterval time.Duration) *Tracker {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if sweepInterval == 0 {
		sweepInterval = 30 * time.Second
	}
	return &Tracker{
		records: cache.New(recordTTL, sweepInterval),
		clock:   clk,
	}
}

// RecordConflict registers one failed acquisition and reports whether the current holder
// should be treated as stale and force-released.
func (t *Tracker) RecordConflict(opportunityID string) (stale bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lockConflicts.Add(1)
	now := t.clock.Now()
	r := &record{FirstSeenAt: now, Count: 1}
	if v, ok := t.records.Get(opportunityID); ok {
		r = v.(*record)
		r.Count++
	}
	// SetDefault also refreshes the eviction TTL on every conflict.
	t.records.SetDefault(opportunityID, r)
	age := now.Sub(r.FirstSeenAt)
	return r.Count >= staleMinConflicts && age >= staleWindowMin && age <= staleWindowMax
}

// RecordRecovery counts a forced release and clears the record so the next conflict starts
// a fresh window.
func (t *Tracker) RecordRecovery(opportunityID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.staleLockRecoveries.Add(1)
	t.records.Delete(opportunityID)
}

// OnAcquired clears the record after a successful acquisition.
func (t *Tracker) OnAcquired(opportunityID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records.Delete(opportunityID)
}

// Conflicts returns the total conflicts observed.
func (t *Tracker) Conflicts() int64 {
	return t.lockConflicts.Load()
}

// Recoveries returns the total forced releases.
func (t *Tracker) Recoveries() int64 {
	return t.staleLockRecoveries.Load()
}
