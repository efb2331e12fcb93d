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
	"crypto/rand"
	"encoding/hex"
	"fmt"
	mathrand "math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arbplane/arbplane/pkg/apis/core"
)

// SimulationConfig tunes the synthetic execution path. Defaults mirror the environment
// contract (EXECUTION_SIMULATION_*).
type SimulationConfig struct {
	SuccessRate       float64       // default 0.85
	Latency           time.Duration // default 500ms
	GasUsed           int64         // default 200000
	GasCostMultiplier float64       // default 0.1
	ProfitVariance    float64       // default 0.2
	LogResults        bool
}

func (c SimulationConfig) withDefaults() SimulationConfig {
	if c.SuccessRate == 0 {
		c.SuccessRate = 0.85
	}
	if c.Latency == 0 {
		c.Latency = 500 * time.Millisecond
	}
	if c.GasUsed == 0 {
		c.GasUsed = 200000
	}
	if c.GasCostMultiplier == 0 {
		c.GasCostMultiplier = 0.1
	}
	if c.ProfitVariance == 0 {
		c.ProfitVariance = 0.2
	}
	return c
}

// Simulation is the deterministic synthetic strategy used for local development and load
// testing: it sleeps a jittered latency, draws an outcome against the success rate, and
// fabricates gas numbers and a unique transaction hash.
type Simulation struct {
	cfg    SimulationConfig
	logger *zap.SugaredLogger

	mu  sync.Mutex
	rng *mathrand.Rand
}

func NewSimulation(cfg SimulationConfig, logger *zap.SugaredLogger) *Simulation {
	return &Simulation{
		cfg:    cfg.withDefaults(),
		logger: logger.Named("simulation"),
		rng:    mathrand.New(mathrand.NewSource(time.Now().UnixNano())),
	}
}

func (s *Simulation) Name() string { return "simulation" }

func (s *Simulation) Execute(ctx context.Context, opp *core.Opportunity, _ *Context) (*core.ExecutionResult, error) {
	if opp.ID == "" {
		return &core.ExecutionResult{
			Success:   false,
			Error:     "ERR_INVALID_OPPORTUNITY",
			Timestamp: time.Now(),
		}, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.jitteredLatency()):
	}
	s.mu.Lock()
	success := s.rng.Float64() < s.cfg.SuccessRate
	variance := 1 - s.cfg.ProfitVariance + s.rng.Float64()*2*s.cfg.ProfitVariance
	s.mu.Unlock()

	result := &core.ExecutionResult{
		OpportunityID: opp.ID,
		Success:       success,
		GasUsed:       s.cfg.GasUsed,
		GasCost:       opp.ExpectedProfit * s.cfg.GasCostMultiplier,
		Timestamp:     time.Now(),
		Chain:         opp.SourceChain,
		Dex:           opp.SourceDex,
	}
	if success {
		result.ActualProfit = opp.ExpectedProfit * variance
		hash, err := randomTxHash()
		if err != nil {
			return nil, fmt.Errorf("generating simulated tx hash, %w", err)
		}
		result.TransactionHash = hash
	} else {
		result.Error = "simulated execution failure"
	}
	if s.cfg.LogResults {
		s.logger.Infow("simulated execution",
			"opportunity", opp.ID, "success", success, "profit", result.ActualProfit, "gasCost", result.GasCost)
	}
	return result, nil
}

// jitteredLatency spreads the configured latency by ±30%.
func (s *Simulation) jitteredLatency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	jitter := 0.7 + s.rng.Float64()*0.6
	return time.Duration(float64(s.cfg.Latency) * jitter)
}

// randomTxHash draws 32 bytes from crypto/rand, making collisions within a run
// vanishingly unlikely.
func randomTxHash() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(buf[:]), nil
}
