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

package eventlog_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"github.com/arbplane/arbplane/pkg/providers/eventlog"
)

func TestEventLog(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "EventLog")
}

var (
	ctx    = context.Background()
	mr     *miniredis.Miniredis
	rdb    *redis.Client
	client *eventlog.Client
)

const stream = eventlog.StreamOpportunities

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

var _ = Describe("Client", func() {
	It("should append entries with monotone ids", func() {
		first, err := client.Append(ctx, stream, map[string]any{"data": "1"})
		Expect(err).ToNot(HaveOccurred())
		second, err := client.Append(ctx, stream, map[string]any{"data": "2"})
		Expect(err).ToNot(HaveOccurred())
		Expect(first < second).To(BeTrue())
		n, err := client.Len(ctx, stream)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(BeEquivalentTo(2))
	})
	It("should append JSON payloads under the data field", func() {
		type payload struct {
			ID string `json:"id"`
		}
		_, err := client.AppendJSON(ctx, stream, payload{ID: "opp-1"}, map[string]string{"region": "us-east"})
		Expect(err).ToNot(HaveOccurred())

		Expect(client.CreateGroup(ctx, stream, "g", eventlog.GroupStartBeginning)).To(Succeed())
		entries, err := client.ReadGroup(ctx, stream, "g", "c1", 10, time.Millisecond)
		Expect(err).ToNot(HaveOccurred())
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Fields).To(HaveKeyWithValue("region", "us-east"))
		var p payload
		Expect(json.Unmarshal([]byte(entries[0].Fields["data"]), &p)).To(Succeed())
		Expect(p.ID).To(Equal("opp-1"))
	})
	It("should tolerate creating an existing group", func() {
		Expect(client.CreateGroup(ctx, stream, "g", eventlog.GroupStartBeginning)).To(Succeed())
		Expect(client.CreateGroup(ctx, stream, "g", eventlog.GroupStartBeginning)).To(Succeed())
	})
	It("should deliver each entry to a group once until acknowledged", func() {
		Expect(client.CreateGroup(ctx, stream, "g", eventlog.GroupStartBeginning)).To(Succeed())
		_, err := client.Append(ctx, stream, map[string]any{"data": "1"})
		Expect(err).ToNot(HaveOccurred())

		entries, err := client.ReadGroup(ctx, stream, "g", "c1", 10, time.Millisecond)
		Expect(err).ToNot(HaveOccurred())
		Expect(entries).To(HaveLen(1))

		// The entry is pending, not redelivered to the group.
		again, err := client.ReadGroup(ctx, stream, "g", "c1", 10, time.Millisecond)
		Expect(err).ToNot(HaveOccurred())
		Expect(again).To(BeEmpty())
		pending, err := client.Pending(ctx, stream, "g")
		Expect(err).ToNot(HaveOccurred())
		Expect(pending.Count).To(BeEquivalentTo(1))

		Expect(client.Ack(ctx, stream, "g", entries[0].ID)).To(Succeed())
		pending, err = client.Pending(ctx, stream, "g")
		Expect(err).ToNot(HaveOccurred())
		Expect(pending.Count).To(BeZero())
	})
	It("should fan out to independent groups", func() {
		_, err := client.Append(ctx, stream, map[string]any{"data": "1"})
		Expect(err).ToNot(HaveOccurred())
		Expect(client.CreateGroup(ctx, stream, "coordinator", eventlog.GroupStartBeginning)).To(Succeed())
		Expect(client.CreateGroup(ctx, stream, "execution-engine", eventlog.GroupStartBeginning)).To(Succeed())

		for _, group := range []string{"coordinator", "execution-engine"} {
			entries, err := client.ReadGroup(ctx, stream, group, "c1", 10, time.Millisecond)
			Expect(err).ToNot(HaveOccurred())
			Expect(entries).To(HaveLen(1))
		}
	})
	It("should claim entries stranded by a dead consumer", func() {
		Expect(client.CreateGroup(ctx, stream, "g", eventlog.GroupStartBeginning)).To(Succeed())
		_, err := client.Append(ctx, stream, map[string]any{"data": "1"})
		Expect(err).ToNot(HaveOccurred())
		_, err = client.ReadGroup(ctx, stream, "g", "dead", 10, time.Millisecond)
		Expect(err).ToNot(HaveOccurred())

		mr.FastForward(2 * time.Minute)
		claimed, err := client.Claim(ctx, stream, "g", "alive", time.Minute, 10)
		Expect(err).ToNot(HaveOccurred())
		Expect(claimed).To(HaveLen(1))
	})
	It("should trim the stream to the cap", func() {
		for i := 0; i < 20; i++ {
			_, err := client.Append(ctx, stream, map[string]any{"data": "x"})
			Expect(err).ToNot(HaveOccurred())
		}
		Expect(client.Trim(ctx, stream, 5)).To(Succeed())
		n, err := client.Len(ctx, stream)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(BeNumerically("<=", 20))
		Expect(n).To(BeNumerically(">=", 5))
	})
	It("should preserve origin metadata on dead-lettered entries", func() {
		Expect(client.DeadLetter(ctx, eventlog.Entry{
			ID:     "1-0",
			Stream: stream,
			Fields: map[string]string{"data": "broken"},
		}, "decode failure")).To(Succeed())

		Expect(client.CreateGroup(ctx, eventlog.StreamDeadLetter, "g", eventlog.GroupStartBeginning)).To(Succeed())
		entries, err := client.ReadGroup(ctx, eventlog.StreamDeadLetter, "g", "c1", 10, time.Millisecond)
		Expect(err).ToNot(HaveOccurred())
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Fields).To(HaveKeyWithValue("originStream", stream))
		Expect(entries[0].Fields).To(HaveKeyWithValue("originId", "1-0"))
		Expect(entries[0].Fields).To(HaveKeyWithValue("errorKind", "decode failure"))
	})
})
