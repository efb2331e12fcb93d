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

import (
	"errors"
	"fmt"
	"math"
)

// Error kinds of the processing plane. Handlers convert any failure to one of these at the
// outermost pipeline step; the kind decides whether the originating message is acknowledged.
var (
	ErrInvalidOpportunity = errors.New("INVALID_OPPORTUNITY")
	ErrLockNotAcquired    = errors.New("LOCK_NOT_ACQUIRED")
	ErrExecutionTimeout   = errors.New("EXECUTION_TIMEOUT")
	ErrStrategyFailure    = errors.New("STRATEGY_ERROR")
	ErrCircuitOpen        = errors.New("CB_BLOCKED")
	ErrRiskRejected       = errors.New("RISK_REJECTED")
	ErrInfra              = errors.New("INFRA_ERROR")
)

// ValidateOpportunity applies the edge validation gate: non-empty id, confidence at or above
// the configured threshold, and a finite non-negative expected profit.
func ValidateOpportunity(o *Opportunity, minConfidence float64) error {
	if o == nil {
		return fmt.Errorf("%w: nil opportunity", ErrInvalidOpportunity)
	}
	if o.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidOpportunity)
	}
	if o.Confidence < minConfidence {
		return fmt.Errorf("%w: confidence %.3f below threshold %.3f", ErrInvalidOpportunity, o.Confidence, minConfidence)
	}
	if math.IsNaN(o.ExpectedProfit) || math.IsInf(o.ExpectedProfit, 0) || o.ExpectedProfit < 0 {
		return fmt.Errorf("%w: expected profit %v not finite and non-negative", ErrInvalidOpportunity, o.ExpectedProfit)
	}
	return nil
}
