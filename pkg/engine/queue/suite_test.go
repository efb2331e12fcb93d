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

package queue_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/arbplane/arbplane/pkg/engine/queue"
)

func TestQueue(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Queue")
}

var (
	q              *queue.Queue[int]
	pauseChanges   []bool
	itemsAvailable int
)

func newQueue(cfg queue.Config) *queue.Queue[int] {
	pauseChanges = nil
	itemsAvailable = 0
	return queue.New[int](cfg,
		func(paused bool) { pauseChanges = append(pauseChanges, paused) },
		func() { itemsAvailable++ },
	)
}

func fill(q *queue.Queue[int], n int) {
	for i := 0; i < n; i++ {
		Expect(q.Enqueue(queue.Item[int]{Value: i})).To(Succeed())
	}
}

var _ = Describe("Queue", func() {
	BeforeEach(func() {
		q = newQueue(queue.Config{MaxSize: 10, HighWatermark: 8, LowWatermark: 2})
	})

	It("should deliver items in order", func() {
		fill(q, 3)
		for i := 0; i < 3; i++ {
			item, ok := q.Dequeue()
			Expect(ok).To(BeTrue())
			Expect(item.Value).To(Equal(i))
		}
		_, ok := q.Dequeue()
		Expect(ok).To(BeFalse())
	})
	It("should signal item availability on enqueue", func() {
		fill(q, 2)
		Expect(itemsAvailable).To(Equal(2))
	})
	It("should engage backpressure at the high watermark", func() {
		fill(q, 8)
		Expect(q.IsPaused()).To(BeTrue())
		Expect(q.CanEnqueue()).To(BeFalse())
		Expect(q.Enqueue(queue.Item[int]{Value: 99})).To(MatchError(queue.ErrBackpressed))
		Expect(pauseChanges).To(Equal([]bool{true}))
	})
	It("should keep rejecting until drained to the low watermark", func() {
		fill(q, 8)
		for i := 0; i < 5; i++ {
			_, ok := q.Dequeue()
			Expect(ok).To(BeTrue())
		}
		// Size 3 is still above the low watermark.
		Expect(q.CanEnqueue()).To(BeFalse())
		_, ok := q.Dequeue()
		Expect(ok).To(BeTrue())
		Expect(q.CanEnqueue()).To(BeTrue())
		Expect(q.IsPaused()).To(BeFalse())
		Expect(pauseChanges).To(Equal([]bool{true, false}))
	})
	It("should still dequeue while backpressured", func() {
		fill(q, 8)
		_, ok := q.Dequeue()
		Expect(ok).To(BeTrue())
	})
	It("should block dequeue under manual pause but keep accepting", func() {
		fill(q, 1)
		q.Pause()
		_, ok := q.Dequeue()
		Expect(ok).To(BeFalse())
		Expect(q.Enqueue(queue.Item[int]{Value: 2})).To(Succeed())
		Expect(q.Size()).To(Equal(2))
	})
	It("should treat pause and resume as idempotent", func() {
		q.Pause()
		q.Pause()
		Expect(pauseChanges).To(Equal([]bool{true}))
		q.Resume()
		q.Resume()
		Expect(pauseChanges).To(Equal([]bool{true, false}))
	})
	It("should re-signal availability on resume", func() {
		q.Pause()
		fill(q, 2)
		signals := itemsAvailable
		q.Resume()
		Expect(itemsAvailable).To(Equal(signals + 1))
	})
	It("should report manual pause independently of backpressure", func() {
		fill(q, 8)
		Expect(q.IsPaused()).To(BeTrue())
		Expect(q.IsManuallyPaused()).To(BeFalse())
		q.Pause()
		Expect(q.IsManuallyPaused()).To(BeTrue())
	})
	It("should reject additions beyond the hard cap", func() {
		q = newQueue(queue.Config{MaxSize: 3, HighWatermark: 5, LowWatermark: 1})
		fill(q, 3)
		Expect(q.Enqueue(queue.Item[int]{Value: 99})).To(MatchError(queue.ErrQueueFull))
	})
	It("should drop everything on clear", func() {
		fill(q, 8)
		q.Clear()
		Expect(q.Size()).To(BeZero())
		Expect(q.IsPaused()).To(BeFalse())
	})
	It("should start manually paused when configured", func() {
		q = newQueue(queue.Config{MaxSize: 10, HighWatermark: 8, LowWatermark: 2, StartPaused: true})
		Expect(q.IsManuallyPaused()).To(BeTrue())
		fill(q, 1)
		_, ok := q.Dequeue()
		Expect(ok).To(BeFalse())
		q.Resume()
		_, ok = q.Dequeue()
		Expect(ok).To(BeTrue())
	})
})
