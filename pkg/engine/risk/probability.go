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

package risk

import (
	"sync"

	"github.com/arbplane/arbplane/pkg/apis/core"
)

// ProbabilityTracker estimates per-opportunity-type success probability from observed
// execution results, with Laplace smoothing so unseen types start at the prior.
type ProbabilityTracker struct {
	mu        sync.RWMutex
	prior     float64
	attempts  map[core.OpportunityType]int64
	successes map[core.OpportunityType]int64
}

func NewProbabilityTracker(prior float64) *ProbabilityTracker {
	return &ProbabilityTracker{
		prior:     prior,
		attempts:  map[core.OpportunityType]int64{},
		successes: map[core.OpportunityType]int64{},
	}
}

// Record feeds one execution outcome into the estimate.
func (t *ProbabilityTracker) Record(typ core.OpportunityType, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts[typ]++
	if success {
		t.successes[typ]++
	}
}

// Estimate returns the smoothed success probability for the type.
func (t *ProbabilityTracker) Estimate(typ core.OpportunityType) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := t.attempts[typ]
	// One pseudo-observation at the prior.
	return (float64(t.successes[typ]) + t.prior) / (float64(n) + 1)
}
