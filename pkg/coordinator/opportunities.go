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

package coordinator

import (
	"container/heap"
	"sort"

	"github.com/arbplane/arbplane/pkg/apis/core"
)

// oppHeap orders opportunities by timestamp; newest reports true when the root
// should be the oldest retained entry (keep-newest selection) and vice versa.
type oppHeap struct {
	items  []*core.Opportunity
	newest bool
}

func (h *oppHeap) Len() int { return len(h.items) }
func (h *oppHeap) Less(i, j int) bool {
	if h.newest {
		return h.items[i].Timestamp.Before(h.items[j].Timestamp)
	}
	return h.items[i].Timestamp.After(h.items[j].Timestamp)
}
func (h *oppHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *oppHeap) Push(x any)    { h.items = append(h.items, x.(*core.Opportunity)) }
func (h *oppHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

// selectNewest returns the k newest opportunities sorted newest first, without
// sorting the whole map.
func selectNewest(opportunities map[string]*core.Opportunity, k int) []*core.Opportunity {
	h := &oppHeap{newest: true, items: make([]*core.Opportunity, 0, k)}
	for _, opp := range opportunities {
		if h.Len() < k {
			heap.Push(h, opp)
			continue
		}
		if opp.Timestamp.After(h.items[0].Timestamp) {
			h.items[0] = opp
			heap.Fix(h, 0)
		}
	}
	out := h.items
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// selectOldest returns the k oldest opportunities, for eviction.
func selectOldest(opportunities map[string]*core.Opportunity, k int) []*core.Opportunity {
	h := &oppHeap{newest: false, items: make([]*core.Opportunity, 0, k)}
	for _, opp := range opportunities {
		if h.Len() < k {
			heap.Push(h, opp)
			continue
		}
		if opp.Timestamp.Before(h.items[0].Timestamp) {
			h.items[0] = opp
			heap.Fix(h, 0)
		}
	}
	return h.items
}
