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

package kvstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/arbplane/arbplane/pkg/providers/kvstore"
)

func TestKVStore(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "KVStore")
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

var _ = Describe("Store", func() {
	It("should report absent keys without error", func() {
		_, ok, err := store.Get(ctx, "missing")
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeFalse())
	})
	It("should round-trip values", func() {
		Expect(store.Set(ctx, "k", "v", 0)).To(Succeed())
		val, ok, err := store.Get(ctx, "k")
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(val).To(Equal("v"))
	})
	It("should expire values after the TTL", func() {
		Expect(store.Set(ctx, "k", "v", time.Minute)).To(Succeed())
		mr.FastForward(61 * time.Second)
		_, ok, err := store.Get(ctx, "k")
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeFalse())
	})
	It("should only set-if-absent once", func() {
		ok, err := store.SetIfAbsent(ctx, "k", "first", time.Minute)
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeTrue())
		ok, err = store.SetIfAbsent(ctx, "k", "second", time.Minute)
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeFalse())
		val, _, err := store.Get(ctx, "k")
		Expect(err).ToNot(HaveOccurred())
		Expect(val).To(Equal("first"))
	})
	It("should delete keys", func() {
		Expect(store.Set(ctx, "k", "v", 0)).To(Succeed())
		Expect(store.Del(ctx, "k")).To(Succeed())
		_, ok, err := store.Get(ctx, "k")
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeFalse())
	})
	It("should increment counters", func() {
		n, err := store.Incr(ctx, "counter")
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(BeEquivalentTo(1))
		n, err = store.Incr(ctx, "counter")
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(BeEquivalentTo(2))
	})
})

var _ = Describe("LockManager", func() {
	It("should acquire a free lock", func() {
		res, err := locks.Acquire(ctx, "lock:opp:1", "engine-a", time.Minute)
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Acquired).To(BeTrue())
		Expect(res.HolderID).To(Equal("engine-a"))
	})
	It("should report the holder on contention", func() {
		_, err := locks.Acquire(ctx, "lock:opp:1", "engine-a", time.Minute)
		Expect(err).ToNot(HaveOccurred())
		res, err := locks.Acquire(ctx, "lock:opp:1", "engine-b", time.Minute)
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Acquired).To(BeFalse())
		Expect(res.HolderID).To(Equal("engine-a"))
	})
	It("should renew only for the current holder", func() {
		_, err := locks.Acquire(ctx, "lock:opp:1", "engine-a", time.Minute)
		Expect(err).ToNot(HaveOccurred())
		ok, err := locks.Renew(ctx, "lock:opp:1", "engine-a", time.Minute)
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeTrue())
		ok, err = locks.Renew(ctx, "lock:opp:1", "engine-b", time.Minute)
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeFalse())
	})
	It("should release only for the current holder", func() {
		_, err := locks.Acquire(ctx, "lock:opp:1", "engine-a", time.Minute)
		Expect(err).ToNot(HaveOccurred())
		ok, err := locks.Release(ctx, "lock:opp:1", "engine-b")
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeFalse())
		ok, err = locks.Release(ctx, "lock:opp:1", "engine-a")
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeTrue())
		res, err := locks.Acquire(ctx, "lock:opp:1", "engine-b", time.Minute)
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Acquired).To(BeTrue())
	})
	It("should force-release regardless of the holder", func() {
		_, err := locks.Acquire(ctx, "lock:opp:1", "engine-a", time.Minute)
		Expect(err).ToNot(HaveOccurred())
		Expect(locks.ForceRelease(ctx, "lock:opp:1")).To(Succeed())
		res, err := locks.Acquire(ctx, "lock:opp:1", "engine-b", time.Minute)
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Acquired).To(BeTrue())
	})
	It("should free the lock after the TTL lapses", func() {
		_, err := locks.Acquire(ctx, "lock:opp:1", "engine-a", time.Minute)
		Expect(err).ToNot(HaveOccurred())
		mr.FastForward(61 * time.Second)
		res, err := locks.Acquire(ctx, "lock:opp:1", "engine-b", time.Minute)
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Acquired).To(BeTrue())
	})
	It("should scope the lock to the callback in WithLock", func() {
		ran := false
		Expect(locks.WithLock(ctx, "lock:opp:1", "engine-a", time.Minute, func(ctx context.Context) error {
			ran = true
			res, err := locks.Acquire(ctx, "lock:opp:1", "engine-b", time.Minute)
			Expect(err).ToNot(HaveOccurred())
			Expect(res.Acquired).To(BeFalse())
			return nil
		})).To(Succeed())
		Expect(ran).To(BeTrue())
		res, err := locks.Acquire(ctx, "lock:opp:1", "engine-b", time.Minute)
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Acquired).To(BeTrue())
	})
	It("should surface contention from WithLock", func() {
		_, err := locks.Acquire(ctx, "lock:opp:1", "engine-a", time.Minute)
		Expect(err).ToNot(HaveOccurred())
		err = locks.WithLock(ctx, "lock:opp:1", "engine-b", time.Minute, func(ctx context.Context) error {
			Fail("callback must not run without the lock")
			return nil
		})
		Expect(err).To(MatchError(kvstore.ErrLockHeld))
	})
})
