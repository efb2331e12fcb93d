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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arbplane/arbplane/pkg/coordinator"
	"github.com/arbplane/arbplane/pkg/coordinator/alerts"
	"github.com/arbplane/arbplane/pkg/coordinator/apiserver"
	"github.com/arbplane/arbplane/pkg/leadership"
	"github.com/arbplane/arbplane/pkg/operator"
	"github.com/arbplane/arbplane/pkg/operator/options"
	"github.com/arbplane/arbplane/pkg/providers/eventlog"
	"github.com/arbplane/arbplane/pkg/providers/eventlog/consumer"
	"github.com/arbplane/arbplane/pkg/providers/kvstore"
	"github.com/arbplane/arbplane/pkg/providers/notification"
)

const leaderTTL = 30 * time.Second

func main() {
	opts := options.New().MustParse()
	if opts.ServiceName == "" {
		opts.ServiceName = "coordinator"
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	op, err := operator.NewOperator(ctx, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start coordinator: %v\n", err)
		os.Exit(1)
	}
	defer op.Close()
	logger := op.Logger

	locks := kvstore.NewLockManager(op.Redis, logger)
	elector := leadership.NewElector(locks, leadership.CoordinatorLeaderKey, op.InstanceID, leaderTTL, leadership.Callbacks{}, logger)

	channels := []notification.Channel{
		notification.NewSlackChannel(opts.SlackWebhookURL),
		notification.NewDiscordChannel(opts.DiscordWebhookURL),
	}
	cooldowns := alerts.NewCooldownManager(opts.AlertCooldown, nil)
	notifier := alerts.NewNotifier(cooldowns, channels, nil, logger)

	coord := coordinator.New(coordinator.Config{
		ServiceName: opts.ServiceName,
		InstanceID:  op.InstanceID,
	}, op.EventLog, notifier, elector, nil, logger)

	api := apiserver.New(apiserver.Config{
		Port:             opts.CoordinatorPort,
		Tokens:           opts.Tokens(),
		RestartAllowList: opts.RestartAllowList,
	}, coord, logger)

	consumers := []*consumer.Consumer{
		newConsumer(op, coord, eventlog.StreamHealth, coord.HealthHandler()),
		newConsumer(op, coord, eventlog.StreamOpportunities, coord.OpportunityHandler()),
		newConsumer(op, coord, eventlog.StreamExecResults, coord.ResultHandler()),
		newConsumer(op, coord, eventlog.StreamWhaleAlerts, coord.WhaleAlertHandler(opts.WhaleAlertThresholdUSD)),
		newConsumer(op, coord, eventlog.StreamSwapEvents, coord.SwapEventHandler()),
		newConsumer(op, coord, eventlog.StreamVolumeAggregates, coord.VolumeAggregateHandler()),
		newConsumer(op, coord, eventlog.StreamPriceUpdates, coord.PriceUpdateHandler()),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return elector.Run(ctx) })
	g.Go(func() error { return coord.Run(ctx) })
	g.Go(func() error { return api.Run(ctx) })
	g.Go(func() error { return op.RunMetricsServer(ctx) })
	g.Go(func() error {
		cooldowns.Run(ctx.Done())
		return nil
	})
	for _, c := range consumers {
		c := c
		g.Go(func() error { return c.Run(ctx) })
	}

	if err := g.Wait(); err != nil {
		logger.Errorw("coordinator exited with error", "error", err)
		os.Exit(1)
	}
	logger.Infow("coordinator shut down")
}

func newConsumer(op *operator.Operator, coord *coordinator.Coordinator, stream string, handler consumer.Handler) *consumer.Consumer {
	return consumer.New(op.EventLog, consumer.Options{
		Stream:          stream,
		Group:           "coordinator",
		ConsumerID:      op.InstanceID,
		OnStreamFailure: coord.StreamFailureAlert,
	}, handler, op.Logger)
}
