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

package alerts

import (
	"context"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/arbplane/arbplane/pkg/apis/core"
	"github.com/arbplane/arbplane/pkg/providers/notification"
)

const maxHistory = 1000

// Notifier routes alerts through the cooldown manager and fans them out to
// every configured channel in parallel. Delivery failures are logged, never
// propagated; an alert is considered emitted once it clears the cooldown.
type Notifier struct {
	cooldowns *CooldownManager
	channels  []notification.Channel
	clock     clock.PassiveClock
	logger    *zap.SugaredLogger

	mu      sync.Mutex
	history []core.Alert

	warnedNoChannels sync.Once
}

func NewNotifier(cooldowns *CooldownManager, channels []notification.Channel, clk clock.PassiveClock, logger *zap.SugaredLogger) *Notifier {
	if clk == nil {
		clk = clock.RealClock{}
	}
	configured := lo.Filter(channels, func(c notification.Channel, _ int) bool { return c.IsConfigured() })
	return &Notifier{
		cooldowns: cooldowns,
		channels:  configured,
		clock:     clk,
		logger:    logger.Named("alerts"),
	}
}

// Notify emits the alert unless its cooldown key is still suppressed. It
// reports whether the alert went out.
func (n *Notifier) Notify(ctx context.Context, alert core.Alert) bool {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = n.clock.Now()
	}
	if !n.cooldowns.ShouldSend(alert.CooldownKey()) {
		return false
	}
	n.record(alert)
	n.logger.Infow("alert emitted", "type", alert.Type, "severity", alert.Severity, "service", alert.Service, "message", alert.Message)
	if len(n.channels) == 0 {
		n.warnedNoChannels.Do(func() {
			n.logger.Warn("no notification channels configured, alerts are log-only")
		})
		return true
	}
	var wg sync.WaitGroup
	for _, channel := range n.channels {
		wg.Add(1)
		go func(c notification.Channel) {
			defer wg.Done()
			if err := c.Send(ctx, alert); err != nil {
				n.logger.Errorw("failed to deliver alert", "channel", c.Name(), "type", alert.Type, "error", err)
			}
		}(channel)
	}
	wg.Wait()
	return true
}

// Acknowledge clears the cooldown for key, retrying with the system suffix
// when the bare key is unknown. It reports whether anything was cleared.
func (n *Notifier) Acknowledge(key string) bool {
	if n.cooldowns.Acknowledge(key) {
		return true
	}
	return n.cooldowns.Acknowledge(key + "_system")
}

// History returns emitted alerts, most recent first.
func (n *Notifier) History() []core.Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]core.Alert, len(n.history))
	for i, a := range n.history {
		out[len(n.history)-1-i] = a
	}
	return out
}

// ActiveCooldowns exposes the currently suppressed keys.
func (n *Notifier) ActiveCooldowns() []string {
	return n.cooldowns.ActiveKeys()
}

func (n *Notifier) record(alert core.Alert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.history = append(n.history, alert)
	if len(n.history) > maxHistory {
		n.history = n.history[len(n.history)-maxHistory:]
	}
}
