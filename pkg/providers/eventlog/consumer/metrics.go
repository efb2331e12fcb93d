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

package consumer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	entriesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arbplane",
		Subsystem: "consumer",
		Name:      "entries_processed_total",
		Help:      "Entries handled and acknowledged, per stream.",
	}, []string{"stream"})
	entriesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arbplane",
		Subsystem: "consumer",
		Name:      "entries_failed_total",
		Help:      "Handler failures that left the entry pending for redelivery, per stream.",
	}, []string{"stream"})
	entriesDeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arbplane",
		Subsystem: "consumer",
		Name:      "entries_dead_lettered_total",
		Help:      "Entries moved to the dead-letter stream, per originating stream.",
	}, []string{"stream"})
	readErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arbplane",
		Subsystem: "consumer",
		Name:      "read_errors_total",
		Help:      "Infrastructure errors reading from the event log, per stream.",
	}, []string{"stream"})
)
