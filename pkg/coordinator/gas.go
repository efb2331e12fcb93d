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
	"time"

	"github.com/patrickmn/go-cache"
)

const (
	gasBaselineTTL     = 10 * time.Minute
	gasBaselineCleanup = time.Minute
	// gasEwmaAlpha weights the newest observation in the running baseline.
	gasEwmaAlpha = 0.2
)

// GasBaselines keeps a decayed per-chain gas price baseline fed from price
// updates. Chains that go quiet age out via the cache TTL.
type GasBaselines struct {
	cache *cache.Cache
}

func NewGasBaselines() *GasBaselines {
	return &GasBaselines{cache: cache.New(gasBaselineTTL, gasBaselineCleanup)}
}

// Record folds one gas price observation into the chain's baseline.
func (g *GasBaselines) Record(chain string, gasPrice float64) {
	if chain == "" || gasPrice <= 0 {
		return
	}
	baseline := gasPrice
	if prev, ok := g.cache.Get(chain); ok {
		baseline = gasEwmaAlpha*gasPrice + (1-gasEwmaAlpha)*prev.(float64)
	}
	g.cache.SetDefault(chain, baseline)
}

// Baseline returns the current baseline for the chain, if any observation is recent.
func (g *GasBaselines) Baseline(chain string) (float64, bool) {
	v, ok := g.cache.Get(chain)
	if !ok {
		return 0, false
	}
	return v.(float64), true
}
