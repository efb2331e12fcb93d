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

package core

import "sync/atomic"

// EngineStats is the execution engine's in-memory stats object. Fields are updated with
// atomics so pipeline workers never contend on a lock for bookkeeping.
type EngineStats struct {
	OpportunitiesReceived      atomic.Int64
	OpportunitiesRejected      atomic.Int64
	ExecutionsStarted          atomic.Int64
	ExecutionsSucceeded        atomic.Int64
	ExecutionsFailed           atomic.Int64
	ExecutionTimeouts          atomic.Int64
	CircuitBreakerBlocks       atomic.Int64
	RiskDrawdownBlocks         atomic.Int64
	RiskEVRejections           atomic.Int64
	RiskPositionSizeRejections atomic.Int64
	LockConflicts              atomic.Int64
	StaleLockRecoveries        atomic.Int64
}

// EngineStatsSnapshot is the JSON-friendly copy served over the admin API.
type EngineStatsSnapshot struct {
	OpportunitiesReceived      int64 `json:"opportunitiesReceived"`
	OpportunitiesRejected      int64 `json:"opportunitiesRejected"`
	ExecutionsStarted          int64 `json:"executionsStarted"`
	ExecutionsSucceeded        int64 `json:"executionsSucceeded"`
	ExecutionsFailed           int64 `json:"executionsFailed"`
	ExecutionTimeouts          int64 `json:"executionTimeouts"`
	CircuitBreakerBlocks       int64 `json:"circuitBreakerBlocks"`
	RiskDrawdownBlocks         int64 `json:"riskDrawdownBlocks"`
	RiskEVRejections           int64 `json:"riskEVRejections"`
	RiskPositionSizeRejections int64 `json:"riskPositionSizeRejections"`
	LockConflicts              int64 `json:"lockConflicts"`
	StaleLockRecoveries        int64 `json:"staleLockRecoveries"`
}

// Snapshot copies the counters.
func (s *EngineStats) Snapshot() EngineStatsSnapshot {
	return EngineStatsSnapshot{
		OpportunitiesReceived:      s.OpportunitiesReceived.Load(),
		OpportunitiesRejected:      s.OpportunitiesRejected.Load(),
		ExecutionsStarted:          s.ExecutionsStarted.Load(),
		ExecutionsSucceeded:        s.ExecutionsSucceeded.Load(),
		ExecutionsFailed:           s.ExecutionsFailed.Load(),
		ExecutionTimeouts:          s.ExecutionTimeouts.Load(),
		CircuitBreakerBlocks:       s.CircuitBreakerBlocks.Load(),
		RiskDrawdownBlocks:         s.RiskDrawdownBlocks.Load(),
		RiskEVRejections:           s.RiskEVRejections.Load(),
		RiskPositionSizeRejections: s.RiskPositionSizeRejections.Load(),
		LockConflicts:              s.LockConflicts.Load(),
		StaleLockRecoveries:        s.StaleLockRecoveries.Load(),
	}
}
