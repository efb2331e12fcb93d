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

package leadership_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/arbplane/arbplane/pkg/leadership"
	"github.com/arbplane/arbplane/pkg/providers/kvstore"
)

func TestLeadership(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Leadership")
}

var (
	ctx   = context.Background()
	mr    *miniredis.Miniredis
	rdb   *redis.Client
	store *kvstore.Store
	locks *kvstore.LockManager
)

var _ = BeforeEach(func() {
	var err error
	mr, err = miniredis.Run()
	Expect(err).ToNot(HaveOccurred())
	rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store = kvstore.NewStore(rdb)
	locks = kvstore.NewLockManager(rdb, zap.NewNop().Sugar())
})

var _ = AfterEach(func() {
	Expect(rdb.Close()).To(Succeed())
	mr.Close()
})

func newElector(instanceID string, callbacks leadership.Callbacks) *leadership.Elector {
	return leadership.NewElector(locks, leadership.CoordinatorLeaderKey, instanceID, 150*time.Millisecond, callbacks, zap.NewNop().Sugar())
}

func runElector(e *leadership.Elector) (stop func()) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer GinkgoRecover()
		Expect(e.Run(runCtx)).To(Succeed())
	}()
	return func() {
		cancel()
		Eventually(done).Should(BeClosed())
	}
}

var _ = Describe("Elector", func() {
	It("should win a free lock and fire the elected callback", func() {
		var elected atomic.Int32
		e := newElector("node-a", leadership.Callbacks{OnElected: func() { elected.Add(1) }})
		stop := runElector(e)
		defer stop()
		Eventually(e.IsLeader).Should(BeTrue())
		Expect(elected.Load()).To(BeEquivalentTo(1))
	})
	It("should leave a held lock with its owner", func() {
		_, err := locks.Acquire(ctx, leadership.CoordinatorLeaderKey, "node-a", time.Minute)
		Expect(err).ToNot(HaveOccurred())
		e := newElector("node-b", leadership.Callbacks{})
		stop := runElector(e)
		defer stop()
		Consistently(e.IsLeader, 200*time.Millisecond).Should(BeFalse())
	})
	It("should elect exactly one of two contenders", func() {
		a := newElector("node-a", leadership.Callbacks{})
		b := newElector("node-b", leadership.Callbacks{})
		stopA := runElector(a)
		defer stopA()
		stopB := runElector(b)
		defer stopB()
		Eventually(func() bool { return a.IsLeader() || b.IsLeader() }).Should(BeTrue())
		Consistently(func() bool { return a.IsLeader() && b.IsLeader() }, 200*time.Millisecond).Should(BeFalse())
	})
	It("should demote itself when the fence is lost", func() {
		var lost atomic.Int32
		e := newElector("node-a", leadership.Callbacks{OnLeadershipLost: func() { lost.Add(1) }})
		stop := runElector(e)
		defer stop()
		Eventually(e.IsLeader).Should(BeTrue())

		// Another instance takes the key over; the next renewal must fail the compare.
		Expect(store.Set(ctx, leadership.CoordinatorLeaderKey, "usurper", time.Minute)).To(Succeed())
		Eventually(e.IsLeader).Should(BeFalse())
		Expect(lost.Load()).To(BeEquivalentTo(1))
	})
	It("should yield leadership when renewals fail for a full lease", func() {
		var lost atomic.Int32
		e := newElector("node-a", leadership.Callbacks{OnLeadershipLost: func() { lost.Add(1) }})
		stop := runElector(e)
		defer stop()
		Eventually(e.IsLeader).Should(BeTrue())

		// The substrate goes dark: every renewal errors, so once the 150ms lease
		// could have lapsed the instance must stop claiming leadership.
		mr.SetError("substrate unreachable")
		Eventually(e.IsLeader, "2s").Should(BeFalse())
		Expect(lost.Load()).To(BeEquivalentTo(1))
		mr.SetError("")
	})
	It("should release the lock on shutdown", func() {
		e := newElector("node-a", leadership.Callbacks{})
		stop := runElector(e)
		Eventually(e.IsLeader).Should(BeTrue())
		stop()
		_, found, err := store.Get(ctx, leadership.CoordinatorLeaderKey)
		Expect(err).ToNot(HaveOccurred())
		Expect(found).To(BeFalse())
	})
	It("should acquire out of band with TryAcquire", func() {
		e := newElector("node-a", leadership.Callbacks{})
		ok, err := e.TryAcquire(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(e.IsLeader()).To(BeTrue())

		other := newElector("node-b", leadership.Callbacks{})
		ok, err = other.TryAcquire(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeFalse())
	})
})

var _ = Describe("RegionHealthManager", func() {
	var (
		elector   *leadership.Elector
		manager   *leadership.RegionHealthManager
		activated atomic.Int32
	)

	BeforeEach(func() {
		activated.Store(0)
		elector = leadership.NewElector(locks, leadership.EngineLeaderKey("us-east"), "engine-standby", time.Minute, leadership.Callbacks{}, zap.NewNop().Sugar())
		manager = leadership.NewRegionHealthManager(store, elector, leadership.RegionHealthConfig{
			Region:            "eu-west",
			PrimaryRegion:     "us-east",
			CheckInterval:     10 * time.Millisecond,
			FailoverThreshold: 3,
		}, zap.NewNop().Sugar())
		manager.OnActivateStandby = func() { activated.Add(1) }
	})

	runManager := func() (stop func()) {
		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			defer GinkgoRecover()
			Expect(manager.Run(runCtx)).To(Succeed())
		}()
		return func() {
			cancel()
			Eventually(done).Should(BeClosed())
		}
	}

	It("should publish its own region health", func() {
		stop := runManager()
		defer stop()
		Eventually(func() bool {
			_, found, err := store.Get(ctx, leadership.RegionHealthKey("eu-west"))
			Expect(err).ToNot(HaveOccurred())
			return found
		}).Should(BeTrue())
	})
	It("should not promote while the primary reports healthy", func() {
		Expect(store.Set(ctx, leadership.RegionHealthKey("us-east"), "healthy", 0)).To(Succeed())
		stop := runManager()
		defer stop()
		Consistently(elector.IsLeader, 100*time.Millisecond).Should(BeFalse())
		Expect(activated.Load()).To(BeZero())
	})
	It("should promote after the primary stays unhealthy past the threshold", func() {
		stop := runManager()
		defer stop()
		Eventually(elector.IsLeader).Should(BeTrue())
		Eventually(activated.Load).Should(BeEquivalentTo(1))
	})
	It("should not promote when the primary's lock is still held", func() {
		_, err := locks.Acquire(ctx, leadership.EngineLeaderKey("us-east"), "engine-primary", time.Minute)
		Expect(err).ToNot(HaveOccurred())
		stop := runManager()
		defer stop()
		Consistently(elector.IsLeader, 150*time.Millisecond).Should(BeFalse())
		Expect(activated.Load()).To(BeZero())
	})
})
