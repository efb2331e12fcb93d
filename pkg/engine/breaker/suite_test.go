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

package breaker_test

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/arbplane/arbplane/pkg/engine/breaker"
)

func TestBreaker(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Breaker")
}

var (
	fakeClock *clocktesting.FakeClock
	cb        *breaker.Breaker
	events    []breaker.Event
)

var _ = Describe("Breaker", func() {
	BeforeEach(func() {
		fakeClock = clocktesting.NewFakeClock(time.Now())
		events = nil
		cb = breaker.New(breaker.Config{
			FailureThreshold:    3,
			CooldownPeriod:      60 * time.Second,
			HalfOpenMaxAttempts: 1,
		}, fakeClock, func(e breaker.Event) { events = append(events, e) })
	})

	It("should start closed and allow execution", func() {
		Expect(cb.State()).To(Equal(breaker.StateClosed))
		Expect(cb.CanExecute()).To(BeTrue())
	})
	It("should stay closed below the failure threshold", func() {
		cb.RecordFailure()
		cb.RecordFailure()
		Expect(cb.State()).To(Equal(breaker.StateClosed))
		Expect(cb.CanExecute()).To(BeTrue())
	})
	It("should open at the failure threshold and block execution", func() {
		for i := 0; i < 3; i++ {
			cb.RecordFailure()
		}
		Expect(cb.State()).To(Equal(breaker.StateOpen))
		Expect(cb.CanExecute()).To(BeFalse())
		Expect(events).To(HaveLen(1))
		Expect(events[0].NewState).To(Equal(breaker.StateOpen))
	})
	It("should reset the failure count on success while closed", func() {
		cb.RecordFailure()
		cb.RecordFailure()
		cb.RecordSuccess()
		cb.RecordFailure()
		cb.RecordFailure()
		Expect(cb.State()).To(Equal(breaker.StateClosed))
	})
	It("should half-open after the cooldown and allow a single probe", func() {
		for i := 0; i < 3; i++ {
			cb.RecordFailure()
		}
		fakeClock.Step(61 * time.Second)
		Expect(cb.CanExecute()).To(BeTrue())
		Expect(cb.State()).To(Equal(breaker.StateHalfOpen))
		// The single half-open slot is consumed.
		Expect(cb.CanExecute()).To(BeFalse())
	})
	It("should allow another probe when a consumed slot is handed back", func() {
		for i := 0; i < 3; i++ {
			cb.RecordFailure()
		}
		fakeClock.Step(61 * time.Second)
		Expect(cb.CanExecute()).To(BeTrue())
		Expect(cb.CanExecute()).To(BeFalse())
		// The caller never reached the protected section, so the slot comes back.
		cb.ReleaseProbe()
		Expect(cb.CanExecute()).To(BeTrue())
		Expect(cb.State()).To(Equal(breaker.StateHalfOpen))
	})
	It("should close again when the half-open probe succeeds", func() {
		for i := 0; i < 3; i++ {
			cb.RecordFailure()
		}
		fakeClock.Step(61 * time.Second)
		Expect(cb.CanExecute()).To(BeTrue())
		cb.RecordSuccess()
		Expect(cb.State()).To(Equal(breaker.StateClosed))
		Expect(cb.CanExecute()).To(BeTrue())
	})
	It("should re-open when the half-open probe fails", func() {
		for i := 0; i < 3; i++ {
			cb.RecordFailure()
		}
		fakeClock.Step(61 * time.Second)
		Expect(cb.CanExecute()).To(BeTrue())
		cb.RecordFailure()
		Expect(cb.State()).To(Equal(breaker.StateOpen))
		Expect(cb.CanExecute()).To(BeFalse())
	})
	It("should not half-open before the cooldown elapses", func() {
		for i := 0; i < 3; i++ {
			cb.RecordFailure()
		}
		fakeClock.Step(59 * time.Second)
		Expect(cb.CanExecute()).To(BeFalse())
		Expect(cb.State()).To(Equal(breaker.StateOpen))
	})
	It("should support forced transitions", func() {
		cb.ForceOpen("manual intervention")
		Expect(cb.State()).To(Equal(breaker.StateOpen))
		Expect(cb.CanExecute()).To(BeFalse())
		cb.ForceClose()
		Expect(cb.State()).To(Equal(breaker.StateClosed))
		Expect(cb.CanExecute()).To(BeTrue())
	})
	It("should accumulate metrics across trips", func() {
		for i := 0; i < 3; i++ {
			cb.RecordFailure()
		}
		fakeClock.Step(61 * time.Second)
		Expect(cb.CanExecute()).To(BeTrue())
		cb.RecordSuccess()
		snapshot := cb.Snapshot()
		Expect(snapshot.Metrics.TimesTripped).To(BeEquivalentTo(1))
		Expect(snapshot.Metrics.TotalFailures).To(BeEquivalentTo(3))
		Expect(snapshot.Metrics.TotalSuccesses).To(BeEquivalentTo(1))
		Expect(snapshot.Metrics.TotalOpenTime).To(BeNumerically(">=", 61*time.Second))
	})
})
