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
	"time"
)

// OpportunityType tags a candidate arbitrage action with the strategy family that can execute it.
type OpportunityType string

const (
	OpportunityCrossDex   OpportunityType = "cross-dex"
	OpportunityCrossChain OpportunityType = "cross-chain"
	OpportunityBackrun    OpportunityType = "backrun"
	OpportunityLiquidity  OpportunityType = "liquidity"
)

// OpportunityStatus is the only field of an opportunity the engine is allowed to mutate.
type OpportunityStatus string

const (
	OpportunityPending   OpportunityStatus = "pending"
	OpportunityExecuting OpportunityStatus = "executing"
	OpportunityExecuted  OpportunityStatus = "executed"
	OpportunityFailed    OpportunityStatus = "failed"
	OpportunityExpired   OpportunityStatus = "expired"
)

// Opportunity is a candidate arbitrage action produced by the detector fleet. Detectors create
// them, the engine reads them and mutates status only.
type Opportunity struct {
	ID             string            `json:"id"`
	Type           OpportunityType   `json:"type"`
	SourceChain    string            `json:"sourceChain,omitempty"`
	DestChain      string            `json:"destChain,omitempty"`
	SourceDex      string            `json:"sourceDex,omitempty"`
	DestDex        string            `json:"destDex,omitempty"`
	ExpectedProfit float64           `json:"expectedProfit"`
	Confidence     float64           `json:"confidence"`
	Amount         float64           `json:"amount,omitempty"`
	Status         OpportunityStatus `json:"status,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	ExpiresAt      *time.Time        `json:"expiresAt,omitempty"`
}

// Expired reports whether the opportunity carries an expiry that has passed.
func (o *Opportunity) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && now.After(*o.ExpiresAt)
}

// HealthStatus is the coarse state a service reports for itself, or that the coordinator
// derives when reports go stale.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// ServiceHealth is the per-service record the coordinator maintains from stream:health.
type ServiceHealth struct {
	Service     string       `json:"service"`
	Status      HealthStatus `json:"status"`
	LastSeen    time.Time    `json:"lastSeen"`
	UptimeSec   float64      `json:"uptimeSec,omitempty"`
	MemoryBytes int64        `json:"memoryBytes,omitempty"`
	CPUPercent  float64      `json:"cpuPercent,omitempty"`
}

// AlertSeverity orders alerts for routing and display.
type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityWarning  AlertSeverity = "warning"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is a candidate notification. Two alerts sharing a cooldown key
// (type + service, "system" when the service is empty) are never emitted
// within the configured cooldown of each other.
type Alert struct {
	Type      string         `json:"type"`
	Service   string         `json:"service,omitempty"`
	Message   string         `json:"message,omitempty"`
	Severity  AlertSeverity  `json:"severity"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// CooldownKey returns the key under which this alert is rate limited.
func (a Alert) CooldownKey() string {
	service := a.Service
	if service == "" {
		service = "system"
	}
	return a.Type + "_" + service
}

// ExecutionResult is appended exactly once per accepted opportunity, success or failure.
type ExecutionResult struct {
	OpportunityID   string    `json:"opportunityId"`
	Success         bool      `json:"success"`
	TransactionHash string    `json:"transactionHash,omitempty"`
	ActualProfit    float64   `json:"actualProfit"`
	GasUsed         int64     `json:"gasUsed,omitempty"`
	GasCost         float64   `json:"gasCost,omitempty"`
	Error           string    `json:"error,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	Chain           string    `json:"chain,omitempty"`
	Dex             string    `json:"dex,omitempty"`
}

// SystemMetrics aggregates the counters the coordinator derives from the event streams.
type SystemMetrics struct {
	OpportunitiesDetected int64   `json:"opportunitiesDetected"`
	ExecutionsSucceeded   int64   `json:"executionsSucceeded"`
	ExecutionsFailed      int64   `json:"executionsFailed"`
	TotalProfit           float64 `json:"totalProfit"`
	TotalGasCost          float64 `json:"totalGasCost"`
	WhaleAlerts           int64   `json:"whaleAlerts"`
	SwapEvents            int64   `json:"swapEvents"`
	SwapVolume            float64 `json:"swapVolume"`
	VolumeAggregates      int64   `json:"volumeAggregates"`
	PriceUpdates          int64   `json:"priceUpdates"`
}
