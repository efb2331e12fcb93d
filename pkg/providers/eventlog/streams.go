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

package eventlog

// Stream names shared by the detector fleet, the coordinator, and the execution engine.
// These are part of the wire contract and must not change.
const (
	StreamHealth           = "stream:health"
	StreamOpportunities    = "stream:opportunities"
	StreamWhaleAlerts      = "stream:whale-alerts"
	StreamSwapEvents       = "stream:swap-events"
	StreamVolumeAggregates = "stream:volume-aggregates"
	StreamPriceUpdates     = "stream:price-updates"
	StreamExecRequests     = "stream:execution-requests"
	StreamExecResults      = "stream:execution-results"
	StreamDeadLetter       = "stream:dlq"
	StreamBreakerEvents    = "stream:circuit-breaker-events"
	StreamServiceControl   = "stream:service-control"
)

// GroupStartBeginning and GroupStartTail are the two cursor positions a consumer group
// can be created from.
const (
	GroupStartBeginning = "0"
	GroupStartTail      = "$"
)
