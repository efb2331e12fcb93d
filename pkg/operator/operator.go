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

package operator

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/arbplane/arbplane/pkg/operator/options"
	"github.com/arbplane/arbplane/pkg/providers/eventlog"
	"github.com/arbplane/arbplane/pkg/providers/kvstore"
)

// Operator holds the process-wide dependencies both binaries share: the
// parsed options, the logger, the event-log and K/V substrate, and an
// instance identity for leases and health reports.
type Operator struct {
	Options    *options.Options
	Logger     *zap.SugaredLogger
	Redis      redis.UniversalClient
	EventLog   *eventlog.Client
	KVStore    *kvstore.Store
	Clock      clock.Clock
	InstanceID string
}

// NewOperator connects the shared substrate. A substrate that stays
// unreachable after retries fails startup.
func NewOperator(ctx context.Context, opts *options.Options) (*Operator, error) {
	logger, err := NewLogger(opts.LogLevel, opts.IsProduction())
	if err != nil {
		return nil, err
	}
	redisOpts, err := redis.ParseURL(opts.KVStoreURL)
	if err != nil {
		return nil, fmt.Errorf("parsing kv store url, %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	if err := retry.Do(func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err()
	}, retry.Attempts(5), retry.Delay(time.Second), retry.Context(ctx)); err != nil {
		return nil, fmt.Errorf("connecting to kv store, %w", err)
	}
	instanceID := fmt.Sprintf("%s-%s-%s", serviceName(opts), opts.RegionID, uuid.NewString()[:8])
	logger.Infow("substrate connected", "instanceId", instanceID, "region", opts.RegionID)
	return &Operator{
		Options:    opts,
		Logger:     logger,
		Redis:      rdb,
		EventLog:   eventlog.NewClient(rdb),
		KVStore:    kvstore.NewStore(rdb),
		Clock:      clock.RealClock{},
		InstanceID: instanceID,
	}, nil
}

// RunMetricsServer serves the prometheus endpoint until the context is canceled.
func (o *Operator) RunMetricsServer(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", o.Options.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("binding metrics server on %s, %w", srv.Addr, err)
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("serving metrics, %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Close releases the substrate connection.
func (o *Operator) Close() error {
	return o.Redis.Close()
}

func serviceName(opts *options.Options) string {
	if opts.ServiceName != "" {
		return opts.ServiceName
	}
	return "arbplane"
}
