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

package alerts_test

import (
	"context"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/arbplane/arbplane/pkg/apis/core"
	"github.com/arbplane/arbplane/pkg/coordinator/alerts"
	"github.com/arbplane/arbplane/pkg/providers/notification"
)

func TestAlerts(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Alerts")
}

var (
	ctx       = context.Background()
	fakeClock *clocktesting.FakeClock
	cooldowns *alerts.CooldownManager
	notifier  *alerts.Notifier
	channel   *fakeChannel
)

type fakeChannel struct {
	mu         sync.Mutex
	configured bool
	sent       []core.Alert
}

func (f *fakeChannel) Name() string       { return "fake" }
func (f *fakeChannel) IsConfigured() bool { return f.configured }

func (f *fakeChannel) Send(_ context.Context, alert core.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, alert)
	return nil
}

func (f *fakeChannel) Sent() []core.Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.Alert{}, f.sent...)
}

func serviceAlert(service string) core.Alert {
	return core.Alert{Type: "SERVICE_UNHEALTHY", Service: service, Severity: core.SeverityHigh, Message: "no heartbeat"}
}

var _ = Describe("CooldownManager", func() {
	BeforeEach(func() {
		fakeClock = clocktesting.NewFakeClock(time.Now())
		cooldowns = alerts.NewCooldownManager(5*time.Minute, fakeClock)
	})

	It("should suppress repeats inside the cooldown", func() {
		Expect(cooldowns.ShouldSend("SERVICE_UNHEALTHY_detector")).To(BeTrue())
		Expect(cooldowns.ShouldSend("SERVICE_UNHEALTHY_detector")).To(BeFalse())
		fakeClock.Step(4 * time.Minute)
		Expect(cooldowns.ShouldSend("SERVICE_UNHEALTHY_detector")).To(BeFalse())
		fakeClock.Step(time.Minute)
		// A gap of exactly the cooldown still suppresses.
		Expect(cooldowns.ShouldSend("SERVICE_UNHEALTHY_detector")).To(BeFalse())
		fakeClock.Step(time.Millisecond)
		Expect(cooldowns.ShouldSend("SERVICE_UNHEALTHY_detector")).To(BeTrue())
	})
	It("should track keys independently", func() {
		Expect(cooldowns.ShouldSend("a")).To(BeTrue())
		Expect(cooldowns.ShouldSend("b")).To(BeTrue())
		Expect(cooldowns.ActiveKeys()).To(ConsistOf("a", "b"))
	})
	It("should let an acknowledged key pass immediately", func() {
		Expect(cooldowns.ShouldSend("a")).To(BeTrue())
		Expect(cooldowns.Acknowledge("a")).To(BeTrue())
		Expect(cooldowns.ShouldSend("a")).To(BeTrue())
	})
	It("should report unknown keys on acknowledge", func() {
		Expect(cooldowns.Acknowledge("missing")).To(BeFalse())
	})
})

var _ = Describe("Notifier", func() {
	BeforeEach(func() {
		fakeClock = clocktesting.NewFakeClock(time.Now())
		cooldowns = alerts.NewCooldownManager(5*time.Minute, fakeClock)
		channel = &fakeChannel{configured: true}
		notifier = alerts.NewNotifier(cooldowns, []notification.Channel{channel}, fakeClock, zap.NewNop().Sugar())
	})

	It("should deliver to configured channels and stamp the timestamp", func() {
		Expect(notifier.Notify(ctx, serviceAlert("detector"))).To(BeTrue())
		sent := channel.Sent()
		Expect(sent).To(HaveLen(1))
		Expect(sent[0].Timestamp).To(BeTemporally("==", fakeClock.Now()))
	})
	It("should suppress a repeat alert for the same type and service", func() {
		Expect(notifier.Notify(ctx, serviceAlert("detector"))).To(BeTrue())
		Expect(notifier.Notify(ctx, serviceAlert("detector"))).To(BeFalse())
		Expect(notifier.Notify(ctx, serviceAlert("price-feed"))).To(BeTrue())
		Expect(channel.Sent()).To(HaveLen(2))
	})
	It("should skip unconfigured channels", func() {
		unconfigured := &fakeChannel{}
		notifier = alerts.NewNotifier(cooldowns, []notification.Channel{unconfigured}, fakeClock, zap.NewNop().Sugar())
		Expect(notifier.Notify(ctx, serviceAlert("detector"))).To(BeTrue())
		Expect(unconfigured.Sent()).To(BeEmpty())
	})
	It("should still emit with no channels at all", func() {
		notifier = alerts.NewNotifier(cooldowns, nil, fakeClock, zap.NewNop().Sugar())
		Expect(notifier.Notify(ctx, serviceAlert("detector"))).To(BeTrue())
		Expect(notifier.History()).To(HaveLen(1))
	})
	It("should return history most recent first", func() {
		Expect(notifier.Notify(ctx, serviceAlert("a"))).To(BeTrue())
		Expect(notifier.Notify(ctx, serviceAlert("b"))).To(BeTrue())
		history := notifier.History()
		Expect(history).To(HaveLen(2))
		Expect(history[0].Service).To(Equal("b"))
		Expect(history[1].Service).To(Equal("a"))
	})
	It("should acknowledge with the system suffix fallback", func() {
		Expect(notifier.Notify(ctx, core.Alert{Type: "STREAM_CONSUMER_FAILURE", Severity: core.SeverityCritical})).To(BeTrue())
		Expect(notifier.ActiveCooldowns()).To(ConsistOf("STREAM_CONSUMER_FAILURE_system"))
		Expect(notifier.Acknowledge("STREAM_CONSUMER_FAILURE")).To(BeTrue())
		Expect(notifier.ActiveCooldowns()).To(BeEmpty())
	})
	It("should report nothing cleared for unknown keys", func() {
		Expect(notifier.Acknowledge("nope")).To(BeFalse())
	})
})
