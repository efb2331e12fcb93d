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

package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	executionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arbplane",
		Subsystem: "engine",
		Name:      "executions_total",
		Help:      "Finished strategy executions by result.",
	}, []string{"result"})
	executionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "arbplane",
		Subsystem: "engine",
		Name:      "execution_duration_seconds",
		Help:      "Wall time of strategy executions.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})
	breakerBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "arbplane",
		Subsystem: "engine",
		Name:      "circuit_breaker_blocks_total",
		Help:      "Opportunities dropped because the circuit breaker was open.",
	})
	riskRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arbplane",
		Subsystem: "engine",
		Name:      "risk_rejections_total",
		Help:      "Opportunities refused by a risk gate, by reason.",
	}, []string{"reason"})
	lockConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "arbplane",
		Subsystem: "engine",
		Name:      "lock_conflicts_total",
		Help:      "Distributed lock acquisition conflicts.",
	})
	staleRecoveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "arbplane",
		Subsystem: "engine",
		Name:      "stale_lock_recoveries_total",
		Help:      "Locks force-released from presumed-crashed holders.",
	})
)
