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

package strategy

import (
	"fmt"
	"sync"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/arbplane/arbplane/pkg/apis/core"
)

// Dependencies is everything the cached strategy context is built from. It is hashed so the
// context is rebuilt only when a dependency actually changed (standby activation, restart).
type Dependencies struct {
	Providers map[string]ChainProvider `hash:"ignore"`
	Wallets   map[string]string
	Nonces    NonceManager      `hash:"ignore"`
	Bridges   BridgeRouter      `hash:"ignore"`
	Stats     *core.EngineStats `hash:"ignore"`
	// Generation is bumped on activation and restart so ignored collaborators still
	// invalidate the cache.
	Generation uint64
}

// Factory maps opportunity types to strategies and owns the cached immutable context.
type Factory struct {
	mu         sync.Mutex
	strategies map[core.OpportunityType]Strategy
	deps       Dependencies
	cached     *Context
	cachedHash uint64
}

func NewFactory(deps Dependencies) *Factory {
	return &Factory{
		strategies: map[core.OpportunityType]Strategy{},
		deps:       deps,
	}
}

// Register binds a strategy to an opportunity type, replacing any previous binding.
func (f *Factory) Register(typ core.OpportunityType, s Strategy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strategies[typ] = s
}

// RegisterForAll binds a strategy to every known opportunity type; simulation mode uses it.
func (f *Factory) RegisterForAll(s Strategy) {
	for _, typ := range []core.OpportunityType{
		core.OpportunityCrossDex, core.OpportunityCrossChain, core.OpportunityBackrun, core.OpportunityLiquidity,
	} {
		f.Register(typ, s)
	}
}

// ForOpportunity selects the strategy for the opportunity's type.
func (f *Factory) ForOpportunity(opp *core.Opportunity) (Strategy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.strategies[opp.Type]
	if !ok {
		return nil, fmt.Errorf("no strategy registered for opportunity type %q", opp.Type)
	}
	return s, nil
}

// Context returns the shared strategy context, rebuilding it when the dependency hash
// changed since the last call.
func (f *Factory) Context() (*Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hash, err := hashstructure.Hash(f.deps, hashstructure.FormatV2, nil)
	if err != nil {
		return nil, fmt.Errorf("hashing strategy dependencies, %w", err)
	}
	if f.cached == nil || hash != f.cachedHash {
		f.cached = &Context{
			Providers: f.deps.Providers,
			Wallets:   f.deps.Wallets,
			Nonces:    f.deps.Nonces,
			Bridges:   f.deps.Bridges,
			Stats:     f.deps.Stats,
		}
		f.cachedHash = hash
	}
	return f.cached, nil
}

// Invalidate bumps the dependency generation so the next Context call rebuilds.
func (f *Factory) Invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deps.Generation++
}
