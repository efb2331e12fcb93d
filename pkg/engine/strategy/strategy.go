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
	"context"

	"github.com/arbplane/arbplane/pkg/apis/core"
)

// ChainProvider submits transactions to one chain. Implementations (RPC clients, MEV
// bundles) live outside this module.
type ChainProvider interface {
	ChainID() string
	SubmitTransaction(ctx context.Context, payload []byte) (txHash string, err error)
}

// NonceManager hands out transaction nonces per chain and wallet.
type NonceManager interface {
	Next(ctx context.Context, chain, wallet string) (uint64, error)
}

// BridgeRouter moves funds between chains for cross-chain strategies.
type BridgeRouter interface {
	Route(ctx context.Context, sourceChain, destChain string, amount float64) (transferID string, err error)
}

// Context carries the immutable collaborators a strategy executes against. A single cached
// instance is shared between invocations and rebuilt only when a dependency changes.
type Context struct {
	Providers map[string]ChainProvider
	Wallets   map[string]string
	Nonces    NonceManager
	Bridges   BridgeRouter
	Stats     *core.EngineStats
}

// Strategy executes one opportunity. Implementations must honor ctx cancellation; the
// pipeline caps every invocation with a deadline shorter than the lock TTL.
type Strategy interface {
	Name() string
	Execute(ctx context.Context, opp *core.Opportunity, sctx *Context) (*core.ExecutionResult, error)
}
