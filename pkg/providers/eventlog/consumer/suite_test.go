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

package consumer_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/arbplane/arbplane/pkg/providers/eventlog"
	"github.com/arbplane/arbplane/pkg/providers/eventlog/consumer"
)

func TestConsumer(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Consumer")
}

var (
	ctx    = context.Background()
	mr     *miniredis.Miniredis
	rdb    *redis.Client
	client *eventlog.Client
)

const stream = eventlog.StreamOpportunities

type recorder struct {
	mu      sync.Mutex
	entries []eventlog.Entry
	result  error
}

func (r *recorder) handle(_ context.Context, entry eventlog.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return r.result
}

func (r *recorder) Entries() []eventlog.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]eventlog.Entry{}, r.entries...)
}

func runConsumer(opts consumer.Options, handler consumer.Handler) (stop func()) {
	c := consumer.New(client, opts, handler, zap.NewNop().Sugar())
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer GinkgoRecover()
		Expect(c.Run(runCtx)).To(Succeed())
	}()
	return func() {
		cancel()
		Eventually(done).Should(BeClosed())
	}
}

func options() consumer.Options {
	return consumer.Options{
		Stream:        stream,
		Group:         "g",
		ConsumerID:    "c1",
		Block:         time.Millisecond,
		ClaimInterval: time.Hour,
	}
}

func pendingCount() int64 {
	p, err := client.Pending(ctx, stream, "g")
	Expect(err).ToNot(HaveOccurred())
	return p.Count
}

var _ = BeforeEach(func() {
	var err error
	mr, err = miniredis.Run()
	Expect(err).ToNot(HaveOccurred())
	rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client = eventlog.NewClient(rdb)
})

var _ = AfterEach(func() {
	Expect(rdb.Close()).To(Succeed())
	mr.Close()
})

var _ = Describe("Consumer", func() {
	It("should dispatch entries and acknowledge on success", func() {
		rec := &recorder{}
		stop := runConsumer(options(), rec.handle)
		defer stop()

		_, err := client.Append(ctx, stream, map[string]any{"data": "1"})
		Expect(err).ToNot(HaveOccurred())
		Eventually(rec.Entries).Should(HaveLen(1))
		Eventually(pendingCount).Should(BeZero())
	})
	It("should leave deferred entries pending", func() {
		rec := &recorder{result: consumer.ErrDeferAck}
		stop := runConsumer(options(), rec.handle)
		defer stop()

		_, err := client.Append(ctx, stream, map[string]any{"data": "1"})
		Expect(err).ToNot(HaveOccurred())
		Eventually(rec.Entries).Should(HaveLen(1))
		Consistently(pendingCount, 100*time.Millisecond).Should(BeEquivalentTo(1))
	})
	It("should dead-letter an entry that keeps failing", func() {
		rec := &recorder{result: errors.New("decode failure")}
		opts := options()
		opts.MaxDeliveries = 1
		stop := runConsumer(opts, rec.handle)
		defer stop()

		_, err := client.Append(ctx, stream, map[string]any{"data": "broken"})
		Expect(err).ToNot(HaveOccurred())
		Eventually(rec.Entries).ShouldNot(BeEmpty())
		Eventually(func() int64 {
			n, err := client.Len(ctx, eventlog.StreamDeadLetter)
			Expect(err).ToNot(HaveOccurred())
			return n
		}).Should(BeEquivalentTo(1))
		Eventually(pendingCount).Should(BeZero())
	})
	It("should dead-letter an unparseable entry on first delivery", func() {
		rec := &recorder{result: fmt.Errorf("missing data field, %w", consumer.ErrDeadLetter)}
		stop := runConsumer(options(), rec.handle)
		defer stop()

		_, err := client.Append(ctx, stream, map[string]any{"data": "broken"})
		Expect(err).ToNot(HaveOccurred())
		Eventually(func() int64 {
			n, err := client.Len(ctx, eventlog.StreamDeadLetter)
			Expect(err).ToNot(HaveOccurred())
			return n
		}).Should(BeEquivalentTo(1))
		Eventually(pendingCount).Should(BeZero())
		// One delivery is enough; the entry never comes back.
		Consistently(rec.Entries, 100*time.Millisecond).Should(HaveLen(1))
	})
	It("should reclaim entries stranded by a dead consumer", func() {
		Expect(client.CreateGroup(ctx, stream, "g", eventlog.GroupStartBeginning)).To(Succeed())
		_, err := client.Append(ctx, stream, map[string]any{"data": "1"})
		Expect(err).ToNot(HaveOccurred())
		_, err = client.ReadGroup(ctx, stream, "g", "dead", 10, time.Millisecond)
		Expect(err).ToNot(HaveOccurred())
		mr.FastForward(2 * time.Minute)

		rec := &recorder{}
		opts := options()
		opts.ClaimInterval = 10 * time.Millisecond
		opts.ClaimMinIdle = time.Minute
		stop := runConsumer(opts, rec.handle)
		defer stop()

		Eventually(rec.Entries).Should(HaveLen(1))
		Eventually(pendingCount).Should(BeZero())
	})
	It("should expire failure counters alongside the claim window", func() {
		rec := &recorder{result: errors.New("transient failure")}
		opts := options()
		opts.MaxDeliveries = 2
		opts.ClaimInterval = 10 * time.Millisecond
		opts.ClaimMinIdle = 50 * time.Millisecond
		stop := runConsumer(opts, rec.handle)
		defer stop()

		_, err := client.Append(ctx, stream, map[string]any{"data": "x"})
		Expect(err).ToNot(HaveOccurred())
		// Each redelivery arrives only after the previous failure's counter has
		// expired, so the count restarts and the entry keeps retrying instead of
		// dead-lettering at the second delivery.
		Eventually(rec.Entries, "2s").Should(HaveLen(2))
		Consistently(func() int64 {
			n, err := client.Len(ctx, eventlog.StreamDeadLetter)
			Expect(err).ToNot(HaveOccurred())
			return n
		}, 300*time.Millisecond).Should(BeZero())
	})
	It("should report the unacknowledged backlog as lag", func() {
		rec := &recorder{result: consumer.ErrDeferAck}
		c := consumer.New(client, options(), rec.handle, zap.NewNop().Sugar())
		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			defer GinkgoRecover()
			Expect(c.Run(runCtx)).To(Succeed())
		}()
		defer func() {
			cancel()
			Eventually(done).Should(BeClosed())
		}()

		for i := 0; i < 3; i++ {
			_, err := client.Append(ctx, stream, map[string]any{"data": "x"})
			Expect(err).ToNot(HaveOccurred())
		}
		Eventually(func() int64 {
			lag, err := c.Lag(ctx)
			Expect(err).ToNot(HaveOccurred())
			return lag.Count
		}).Should(BeEquivalentTo(3))
	})
})
