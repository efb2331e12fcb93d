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

package alerts

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

const (
	// DefaultCooldown is how long a cooldown key suppresses repeat alerts.
	DefaultCooldown = 5 * time.Minute
	// cleanupAge is how old an entry must be before the sweeper drops it.
	cleanupAge = time.Hour
	// cleanupSizeThreshold triggers an immediate sweep when the map outgrows it.
	cleanupSizeThreshold = 1000
	// cleanupInterval is the cadence of the periodic sweep.
	cleanupInterval = 10 * time.Minute
)

// CooldownStore lets an external owner (the alert notifier) take over cooldown
// bookkeeping. When a manager is built in delegate mode every decision is
// forwarded and the local map stays empty.
type CooldownStore interface {
	// ShouldSend reports whether the key is out of cooldown, and when it is,
	// records the send.
	ShouldSend(key string, now time.Time) bool
	// Acknowledge clears the key so the next alert passes immediately.
	// It reports whether the key was present.
	Acknowledge(key string) bool
}

// CooldownManager suppresses repeat alerts per cooldown key. It either owns a
// local map or delegates every decision to an injected store.
type CooldownManager struct {
	mu       sync.Mutex
	cooldown time.Duration
	clock    clock.PassiveClock
	lastSent map[string]time.Time
	delegate CooldownStore
}

func NewCooldownManager(cooldown time.Duration, clk clock.PassiveClock) *CooldownManager {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &CooldownManager{
		cooldown: cooldown,
		clock:    clk,
		lastSent: map[string]time.Time{},
	}
}

// NewDelegatingCooldownManager forwards all decisions to store.
func NewDelegatingCooldownManager(store CooldownStore) *CooldownManager {
	return &CooldownManager{delegate: store}
}

// ShouldSend reports whether an alert under key may go out now. A true result
// records the send, so callers must only ask when they intend to deliver.
func (m *CooldownManager) ShouldSend(key string) bool {
	if m.delegate != nil {
		return m.delegate.ShouldSend(key, time.Now())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	// A gap of exactly the cooldown still suppresses; the gap between two emissions
	// must be strictly greater.
	if last, ok := m.lastSent[key]; ok && now.Sub(last) <= m.cooldown {
		return false
	}
	m.lastSent[key] = now
	if len(m.lastSent) > cleanupSizeThreshold {
		m.cleanupLocked(now)
	}
	return true
}

// Acknowledge clears a cooldown key and reports whether it existed.
func (m *CooldownManager) Acknowledge(key string) bool {
	if m.delegate != nil {
		return m.delegate.Acknowledge(key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lastSent[key]; !ok {
		return false
	}
	delete(m.lastSent, key)
	return true
}

// ActiveKeys returns the keys currently tracked, for the API surface.
func (m *CooldownManager) ActiveKeys() []string {
	if m.delegate != nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.lastSent))
	for k := range m.lastSent {
		keys = append(keys, k)
	}
	return keys
}

// Run sweeps stale entries until the context is canceled. In delegate mode the
// owner cleans up and Run exits immediately.
func (m *CooldownManager) Run(stop <-chan struct{}) {
	if m.delegate != nil {
		return
	}
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			m.cleanupLocked(m.clock.Now())
			m.mu.Unlock()
		}
	}
}

func (m *CooldownManager) cleanupLocked(now time.Time) {
	for key, last := range m.lastSent {
		if now.Sub(last) > cleanupAge {
			delete(m.lastSent, key)
		}
	}
}
