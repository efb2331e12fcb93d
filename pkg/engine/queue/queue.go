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

package queue

import (
	"errors"
	"sync"
)

// Defaults for the three watermarks.
const (
	DefaultMaxSize       = 1000
	DefaultHighWatermark = 800
	DefaultLowWatermark  = 200
)

var (
	ErrQueueFull   = errors.New("queue full")
	ErrBackpressed = errors.New("queue over high watermark")
)

// Config tunes the watermarks. Zero values take the defaults.
type Config struct {
	MaxSize       int
	HighWatermark int
	LowWatermark  int
	// StartPaused begins the queue manually paused; standby instances use this.
	StartPaused bool
}

func (c Config) withDefaults() Config {
	if c.MaxSize == 0 {
		c.MaxSize = DefaultMaxSize
	}
	if c.HighWatermark == 0 {
		c.HighWatermark = DefaultHighWatermark
	}
	if c.LowWatermark == 0 {
		c.LowWatermark = DefaultLowWatermark
	}
	return c
}

// Item is what the queue carries; a payload plus the callback that settles its event-log
// acknowledgment once the pipeline finishes with it.
type Item[T any] struct {
	Value T
	// Ack settles the originating message; nil when the item did not come off a stream.
	Ack func(ok bool)
}

// Queue is a bounded ordered sequence with backpressure: once size crosses the high
// watermark additions are rejected until it drains to the low watermark. Manual pause (for
// standby instances) is independent of backpressure pause; the queue reports paused when
// either flag is set.
type Queue[T any] struct {
	mu             sync.Mutex
	items          []Item[T]
	cfg            Config
	backpressured  bool
	manuallyPaused bool

	// onPauseStateChange observes the combined pause flag; onItemAvailable is the primary
	// work signal for the pipeline. Both fire outside the queue lock.
	onPauseStateChange func(paused bool)
	onItemAvailable    func()
}

func New[T any](cfg Config, onPauseStateChange func(bool), onItemAvailable func()) *Queue[T] {
	cfg = cfg.withDefaults()
	return &Queue[T]{
		cfg:                cfg,
		manuallyPaused:     cfg.StartPaused,
		onPauseStateChange: onPauseStateChange,
		onItemAvailable:    onItemAvailable,
	}
}

// CanEnqueue reports whether an addition would currently be accepted.
func (q *Queue[T]) CanEnqueue() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.backpressured && len(q.items) < q.cfg.MaxSize
}

// Enqueue appends the item, engaging backpressure when the size crosses the high watermark.
func (q *Queue[T]) Enqueue(item Item[T]) error {
	q.mu.Lock()
	if q.backpressured {
		q.mu.Unlock()
		return ErrBackpressed
	}
	if len(q.items) >= q.cfg.MaxSize {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.items = append(q.items, item)
	pauseChanged := false
	if len(q.items) >= q.cfg.HighWatermark {
		pauseChanged = q.setBackpressureLocked(true)
	}
	notify := !q.pausedLocked()
	q.mu.Unlock()

	if pauseChanged {
		q.firePauseStateChange()
	}
	if notify && q.onItemAvailable != nil {
		q.onItemAvailable()
	}
	return nil
}

// Dequeue pops the head, releasing backpressure once the size drains to the low watermark.
// It returns false when the queue is empty or paused.
func (q *Queue[T]) Dequeue() (Item[T], bool) {
	q.mu.Lock()
	if q.manuallyPaused || len(q.items) == 0 {
		q.mu.Unlock()
		return Item[T]{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	pauseChanged := false
	if q.backpressured && len(q.items) <= q.cfg.LowWatermark {
		pauseChanged = q.setBackpressureLocked(false)
	}
	q.mu.Unlock()

	if pauseChanged {
		q.firePauseStateChange()
	}
	return item, true
}

// Size returns the current depth.
func (q *Queue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsPaused reports the combined pause flag.
func (q *Queue[T]) IsPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pausedLocked()
}

// IsManuallyPaused reports only the manual flag.
func (q *Queue[T]) IsManuallyPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.manuallyPaused
}

// Pause sets the manual flag; calling it twice is indistinguishable from calling it once.
func (q *Queue[T]) Pause() {
	q.setManualPause(true)
}

// Resume clears the manual flag, idempotently, and re-signals item availability so the
// pipeline picks up anything that queued while paused.
func (q *Queue[T]) Resume() {
	q.setManualPause(false)
}

// Clear drops every queued item and releases backpressure.
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	q.items = nil
	pauseChanged := q.setBackpressureLocked(false)
	q.mu.Unlock()
	if pauseChanged {
		q.firePauseStateChange()
	}
}

func (q *Queue[T]) setManualPause(paused bool) {
	q.mu.Lock()
	if q.manuallyPaused == paused {
		q.mu.Unlock()
		return
	}
	before := q.pausedLocked()
	q.manuallyPaused = paused
	after := q.pausedLocked()
	hasWork := len(q.items) > 0
	q.mu.Unlock()

	if before != after {
		q.firePauseStateChange()
	}
	if !paused && hasWork && q.onItemAvailable != nil {
		q.onItemAvailable()
	}
}

// setBackpressureLocked flips the backpressure flag and reports whether the combined pause
// state changed. Callers hold q.mu.
func (q *Queue[T]) setBackpressureLocked(engaged bool) bool {
	if q.backpressured == engaged {
		return false
	}
	before := q.pausedLocked()
	q.backpressured = engaged
	return before != q.pausedLocked()
}

func (q *Queue[T]) pausedLocked() bool {
	return q.backpressured || q.manuallyPaused
}

func (q *Queue[T]) firePauseStateChange() {
	if q.onPauseStateChange != nil {
		q.onPauseStateChange(q.IsPaused())
	}
}
