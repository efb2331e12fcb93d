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

package breaker

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Event describes one state transition. Events reach the configured callback and, when
// wired, stream:circuit-breaker-events.
type Event struct {
	PreviousState       State     `json:"previousState"`
	NewState            State     `json:"newState"`
	Reason              string    `json:"reason"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	Timestamp           time.Time `json:"timestamp"`
}

// Metrics are the breaker's cumulative counters.
type Metrics struct {
	TimesTripped   int64         `json:"timesTripped"`
	TotalFailures  int64         `json:"totalFailures"`
	TotalSuccesses int64         `json:"totalSuccesses"`
	TotalOpenTime  time.Duration `json:"totalOpenTimeMs"`
}

// Snapshot is the full observable state, served over the admin API.
type Snapshot struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastStateChangeAt   time.Time `json:"lastStateChangeAt"`
	HalfOpenAttempts    int       `json:"halfOpenAttemptsUsed"`
	Metrics             Metrics   `json:"metrics"`
}

// Config tunes the breaker. Zero values take the documented defaults.
type Config struct {
	FailureThreshold    int           // default 5
	CooldownPeriod      time.Duration // default 5m
	HalfOpenMaxAttempts int           // default 1
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.CooldownPeriod == 0 {
		c.CooldownPeriod = 5 * time.Minute
	}
	if c.HalfOpenMaxAttempts == 0 {
		c.HalfOpenMaxAttempts = 1
	}
	return c
}

// Breaker is the CLOSED/OPEN/HALF_OPEN guard in front of strategy execution. State reads
// are cheap; transitions are serialized under one mutex.
type Breaker struct {
	mu    sync.Mutex
	cfg   Config
	clock clock.Clock

	state               State
	consecutiveFailures int
	lastStateChangeAt   time.Time
	openedAt            time.Time
	halfOpenAttempts    int
	metrics             Metrics

	onStateChange func(Event)
}

// New builds a closed breaker. onStateChange may be nil; it is invoked synchronously and
// must not call back into the breaker.
func New(cfg Config, clk clock.Clock, onStateChange func(Event)) *Breaker {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Breaker{
		cfg:               cfg.withDefaults(),
		clock:             clk,
		state:             StateClosed,
		lastStateChangeAt: clk.Now(),
		onStateChange:     onStateChange,
	}
}

// CanExecute reports whether a protected call may proceed. The first call after the OPEN
// cooldown elapses flips the breaker to HALF_OPEN and is allowed; HALF_OPEN allows up to
// HalfOpenMaxAttempts calls in total.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.clock.Now().Sub(b.openedAt) < b.cfg.CooldownPeriod {
			return false
		}
		b.transition(StateHalfOpen, "cooldown elapsed")
		b.halfOpenAttempts = 1
		return true
	case StateHalfOpen:
		if b.halfOpenAttempts >= b.cfg.HalfOpenMaxAttempts {
			return false
		}
		b.halfOpenAttempts++
		return true
	}
	return false
}

// ReleaseProbe returns an unused HALF_OPEN probe slot. Callers whose passing CanExecute
// was never followed by the protected section (risk rejection, lost lock) hand the slot
// back so the breaker cannot wedge with every probe consumed and no outcome recorded.
func (b *Breaker) ReleaseProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.halfOpenAttempts > 0 {
		b.halfOpenAttempts--
	}
}

// RecordSuccess resets the failure streak; in HALF_OPEN it closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics.TotalSuccesses++
	b.consecutiveFailures = 0
	if b.state == StateHalfOpen {
		b.transition(StateClosed, "half-open probe succeeded")
	}
}

// RecordFailure extends the failure streak; at the threshold (or on any HALF_OPEN failure)
// the breaker opens and the cooldown restarts.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics.TotalFailures++
	b.consecutiveFailures++
	switch b.state {
	case StateClosed:
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.trip("failure threshold reached")
		}
	case StateHalfOpen:
		b.trip("half-open probe failed")
	case StateOpen:
	}
}

// ForceOpen trips the breaker manually.
func (b *Breaker) ForceOpen(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		b.trip("forced open: " + reason)
	}
}

// ForceClose resets the breaker manually.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		b.consecutiveFailures = 0
		b.transition(StateClosed, "forced closed")
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot copies the observable state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.metrics
	if b.state == StateOpen {
		m.TotalOpenTime += b.clock.Now().Sub(b.openedAt)
	}
	return Snapshot{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		LastStateChangeAt:   b.lastStateChangeAt,
		HalfOpenAttempts:    b.halfOpenAttempts,
		Metrics:             m,
	}
}

// trip opens the breaker and restarts the cooldown. Callers hold b.mu.
func (b *Breaker) trip(reason string) {
	b.metrics.TimesTripped++
	b.openedAt = b.clock.Now()
	b.transition(StateOpen, reason)
}

// transition records the state change and emits the typed event. Callers hold b.mu.
func (b *Breaker) transition(to State, reason string) {
	now := b.clock.Now()
	if b.state == StateOpen && to != StateOpen {
		b.metrics.TotalOpenTime += now.Sub(b.openedAt)
	}
	event := Event{
		PreviousState:       b.state,
		NewState:            to,
		Reason:              reason,
		ConsecutiveFailures: b.consecutiveFailures,
		Timestamp:           now,
	}
	b.state = to
	b.lastStateChangeAt = now
	if to != StateHalfOpen {
		b.halfOpenAttempts = 0
	}
	if b.onStateChange != nil {
		b.onStateChange(event)
	}
}
