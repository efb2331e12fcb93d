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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	systemHealthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "arbplane",
		Subsystem: "coordinator",
		Name:      "system_health",
		Help:      "Derived system health, 0 to 100.",
	})
	trackedServicesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "arbplane",
		Subsystem: "coordinator",
		Name:      "tracked_services",
		Help:      "Services currently present in the health map.",
	})
	opportunityCacheGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "arbplane",
		Subsystem: "coordinator",
		Name:      "opportunity_cache_size",
		Help:      "Opportunities retained in memory.",
	})
	staleServicesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "arbplane",
		Subsystem: "coordinator",
		Name:      "stale_services_total",
		Help:      "Services marked unknown after missing health reports.",
	})
)
