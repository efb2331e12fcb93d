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

package conflict_test

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/arbplane/arbplane/pkg/engine/conflict"
)

func TestConflict(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Conflict")
}

var (
	fakeClock *clocktesting.FakeClock
	tracker   *conflict.Tracker
)

var _ = Describe("Tracker", func() {
	BeforeEach(func() {
		fakeClock = clocktesting.NewFakeClock(time.Now())
		tracker = conflict.NewTracker(fakeClock, 0)
	})

	It("should not declare a holder stale on the first conflict", func() {
		Expect(tracker.RecordConflict("opp-1")).To(BeFalse())
	})
	It("should declare a holder stale after repeated conflicts inside the burst window", func() {
		Expect(tracker.RecordConflict("opp-1")).To(BeFalse())
		fakeClock.Step(8 * time.Second)
		Expect(tracker.RecordConflict("opp-1")).To(BeFalse())
		fakeClock.Step(8 * time.Second)
		// Third conflict at 16s: enough conflicts, but too early in the window.
		Expect(tracker.RecordConflict("opp-1")).To(BeFalse())
		fakeClock.Step(8 * time.Second)
		Expect(tracker.RecordConflict("opp-1")).To(BeTrue())
	})
	It("should not declare staleness once the window has passed", func() {
		tracker.RecordConflict("opp-1")
		tracker.RecordConflict("opp-1")
		fakeClock.Step(31 * time.Second)
		Expect(tracker.RecordConflict("opp-1")).To(BeFalse())
	})
	It("should track conflicts per opportunity independently", func() {
		tracker.RecordConflict("opp-1")
		tracker.RecordConflict("opp-1")
		fakeClock.Step(25 * time.Second)
		Expect(tracker.RecordConflict("opp-2")).To(BeFalse())
		Expect(tracker.RecordConflict("opp-1")).To(BeTrue())
	})
	It("should start a fresh window after a recovery", func() {
		tracker.RecordConflict("opp-1")
		tracker.RecordConflict("opp-1")
		fakeClock.Step(25 * time.Second)
		Expect(tracker.RecordConflict("opp-1")).To(BeTrue())
		tracker.RecordRecovery("opp-1")
		Expect(tracker.RecordConflict("opp-1")).To(BeFalse())
		Expect(tracker.Recoveries()).To(BeEquivalentTo(1))
	})
	It("should clear the record on successful acquisition", func() {
		tracker.RecordConflict("opp-1")
		tracker.RecordConflict("opp-1")
		tracker.OnAcquired("opp-1")
		fakeClock.Step(25 * time.Second)
		Expect(tracker.RecordConflict("opp-1")).To(BeFalse())
	})
	It("should count every conflict", func() {
		tracker.RecordConflict("opp-1")
		tracker.RecordConflict("opp-2")
		tracker.RecordConflict("opp-1")
		Expect(tracker.Conflicts()).To(BeEquivalentTo(3))
	})
})
