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

package leadership

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/arbplane/arbplane/pkg/providers/kvstore"
)

// RegionHealthKey is where each region publishes its own aggregate health.
func RegionHealthKey(region string) string {
	return fmt.Sprintf("region:health:%s", region)
}

const regionHealthy = "healthy"

// RegionHealthConfig tunes the standby promotion watcher.
type RegionHealthConfig struct {
	Region            string
	PrimaryRegion     string
	CheckInterval     time.Duration // default 10s
	HealthTTL         time.Duration // default 3x CheckInterval
	FailoverThreshold int           // consecutive unhealthy checks before promoting, default 3
}

func (c RegionHealthConfig) withDefaults() RegionHealthConfig {
	if c.CheckInterval == 0 {
		c.CheckInterval = 10 * time.Second
	}
	if c.HealthTTL == 0 {
		c.HealthTTL = 3 * c.CheckInterval
	}
	if c.FailoverThreshold == 0 {
		c.FailoverThreshold = 3
	}
	return c
}

// RegionHealthManager implements cross-region promote: a standby watches the per-region
// health keys and, once its own region has been healthy and the primary unhealthy for
// FailoverThreshold consecutive checks, contends for the primary's leader lock. On success
// the standby is activated via the callback.
type RegionHealthManager struct {
	store   *kvstore.Store
	elector *Elector
	cfg     RegionHealthConfig
	logger  *zap.SugaredLogger

	// OnActivateStandby fires once per successful promotion.
	OnActivateStandby func()

	consecutiveUnhealthy int
}

func NewRegionHealthManager(store *kvstore.Store, elector *Elector, cfg RegionHealthConfig, logger *zap.SugaredLogger) *RegionHealthManager {
	return &RegionHealthManager{
		store:   store,
		elector: elector,
		cfg:     cfg.withDefaults(),
		logger:  logger.Named("regionhealth").With("region", cfg.Region, "primary", cfg.PrimaryRegion),
	}
}

// Run publishes this region's health and evaluates the failover condition on each tick.
func (m *RegionHealthManager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

func (m *RegionHealthManager) check(ctx context.Context) {
	if err := m.store.Set(ctx, RegionHealthKey(m.cfg.Region), regionHealthy, m.cfg.HealthTTL); err != nil {
		m.logger.Errorw("failed to publish region health", "error", err)
		return
	}
	if m.cfg.PrimaryRegion == "" || m.cfg.PrimaryRegion == m.cfg.Region || m.elector.IsLeader() {
		return
	}
	primary, found, err := m.store.Get(ctx, RegionHealthKey(m.cfg.PrimaryRegion))
	if err != nil {
		m.logger.Errorw("failed to read primary region health", "error", err)
		return
	}
	if found && primary == regionHealthy {
		m.consecutiveUnhealthy = 0
		return
	}
	m.consecutiveUnhealthy++
	m.logger.Warnw("primary region unhealthy", "consecutive", m.consecutiveUnhealthy, "threshold", m.cfg.FailoverThreshold)
	if m.consecutiveUnhealthy < m.cfg.FailoverThreshold {
		return
	}
	promoted, err := m.elector.TryAcquire(ctx)
	if err != nil {
		m.logger.Errorw("failed to contend for primary leadership", "error", err)
		return
	}
	if promoted {
		m.consecutiveUnhealthy = 0
		m.logger.Infow("promoted standby to active")
		if m.OnActivateStandby != nil {
			m.OnActivateStandby()
		}
	}
}
