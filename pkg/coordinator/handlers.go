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
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/multierr"

	"github.com/arbplane/arbplane/pkg/apis/core"
	"github.com/arbplane/arbplane/pkg/providers/eventlog"
	"github.com/arbplane/arbplane/pkg/providers/eventlog/consumer"
)

// HealthHandler folds service health reports into the health map.
func (c *Coordinator) HealthHandler() consumer.Handler {
	return func(ctx context.Context, entry eventlog.Entry) error {
		health, err := core.DecodeServiceHealth(entry.Fields)
		if err != nil {
			c.logger.Warnw("dead-lettering malformed health event", "entry", entry.ID, "error", err)
			return multierr.Append(err, consumer.ErrDeadLetter)
		}
		health.LastSeen = c.clock.Now()
		c.healthMu.Lock()
		previous, known := c.services[health.Service]
		c.services[health.Service] = *health
		c.healthMu.Unlock()
		if health.Status == core.HealthUnhealthy && (!known || previous.Status != core.HealthUnhealthy) {
			c.notifier.Notify(ctx, core.Alert{
				Type:     "SERVICE_UNHEALTHY",
				Service:  health.Service,
				Severity: core.SeverityHigh,
				Message:  fmt.Sprintf("%s reported unhealthy", health.Service),
			})
		}
		return nil
	}
}

// OpportunityHandler caches detected opportunities and counts them. Pruning is
// left entirely to the batch cleaner.
func (c *Coordinator) OpportunityHandler() consumer.Handler {
	return func(ctx context.Context, entry eventlog.Entry) error {
		opp, err := core.DecodeOpportunity(entry.Fields)
		if err != nil {
			c.logger.Warnw("dead-lettering malformed opportunity", "entry", entry.ID, "error", err)
			return multierr.Append(err, consumer.ErrDeadLetter)
		}
		if opp.ID == "" {
			c.logger.Warnw("dropping opportunity without id", "entry", entry.ID)
			return nil
		}
		c.oppMu.Lock()
		c.opportunities[opp.ID] = opp
		c.oppMu.Unlock()
		c.metricsMu.Lock()
		c.metrics.OpportunitiesDetected++
		c.metricsMu.Unlock()
		return nil
	}
}

// ResultHandler aggregates execution results into the system metrics.
func (c *Coordinator) ResultHandler() consumer.Handler {
	return func(ctx context.Context, entry eventlog.Entry) error {
		result, err := core.DecodeExecutionResult(entry.Fields)
		if err != nil {
			c.logger.Warnw("dead-lettering malformed execution result", "entry", entry.ID, "error", err)
			return multierr.Append(err, consumer.ErrDeadLetter)
		}
		c.metricsMu.Lock()
		if result.Success {
			c.metrics.ExecutionsSucceeded++
			c.metrics.TotalProfit += result.ActualProfit
		} else {
			c.metrics.ExecutionsFailed++
		}
		c.metrics.TotalGasCost += result.GasCost
		c.metricsMu.Unlock()
		return nil
	}
}

type whaleAlertEvent struct {
	Chain     string  `json:"chain,omitempty"`
	Token     string  `json:"token,omitempty"`
	AmountUSD float64 `json:"amountUsd,omitempty"`
}

// WhaleAlertHandler counts whale movements and surfaces the very large ones.
func (c *Coordinator) WhaleAlertHandler(alertThresholdUSD float64) consumer.Handler {
	return func(ctx context.Context, entry eventlog.Entry) error {
		c.metricsMu.Lock()
		c.metrics.WhaleAlerts++
		c.metricsMu.Unlock()
		var event whaleAlertEvent
		if raw, ok := entry.Fields[core.FieldData]; ok {
			if err := json.Unmarshal([]byte(raw), &event); err != nil {
				c.logger.Warnw("dead-lettering unparseable whale alert", "entry", entry.ID, "error", err)
				return multierr.Append(err, consumer.ErrDeadLetter)
			}
		}
		if alertThresholdUSD > 0 && event.AmountUSD >= alertThresholdUSD {
			c.notifier.Notify(ctx, core.Alert{
				Type:     "WHALE_MOVEMENT",
				Severity: core.SeverityWarning,
				Message:  fmt.Sprintf("whale moved %.0f USD of %s on %s", event.AmountUSD, event.Token, event.Chain),
				Data:     map[string]any{"chain": event.Chain, "token": event.Token, "amountUsd": event.AmountUSD},
			})
		}
		return nil
	}
}

type swapEvent struct {
	AmountUSD float64 `json:"amountUsd,omitempty"`
}

// SwapEventHandler counts swaps and accumulates their USD volume.
func (c *Coordinator) SwapEventHandler() consumer.Handler {
	return func(ctx context.Context, entry eventlog.Entry) error {
		var event swapEvent
		if raw, ok := entry.Fields[core.FieldData]; ok {
			_ = json.Unmarshal([]byte(raw), &event)
		}
		c.metricsMu.Lock()
		c.metrics.SwapEvents++
		c.metrics.SwapVolume += event.AmountUSD
		c.metricsMu.Unlock()
		return nil
	}
}

// VolumeAggregateHandler counts volume aggregate snapshots.
func (c *Coordinator) VolumeAggregateHandler() consumer.Handler {
	return func(ctx context.Context, entry eventlog.Entry) error {
		c.metricsMu.Lock()
		c.metrics.VolumeAggregates++
		c.metricsMu.Unlock()
		return nil
	}
}

type priceUpdateEvent struct {
	Chain    string  `json:"chain,omitempty"`
	GasPrice float64 `json:"gasPrice,omitempty"`
}

// PriceUpdateHandler counts price updates and feeds the gas baseline tracker.
func (c *Coordinator) PriceUpdateHandler() consumer.Handler {
	return func(ctx context.Context, entry eventlog.Entry) error {
		c.metricsMu.Lock()
		c.metrics.PriceUpdates++
		c.metricsMu.Unlock()
		var event priceUpdateEvent
		if raw, ok := entry.Fields[core.FieldData]; ok {
			if err := json.Unmarshal([]byte(raw), &event); err != nil {
				return nil
			}
		}
		c.gas.Record(event.Chain, event.GasPrice)
		return nil
	}
}
