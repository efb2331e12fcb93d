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

	"golang.org/x/sync/errgroup"

	"github.com/arbplane/arbplane/pkg/engine"
	"github.com/arbplane/arbplane/pkg/engine/breaker"
	"github.com/arbplane/arbplane/pkg/engine/pipeline"
	"github.com/arbplane/arbplane/pkg/engine/queue"
	"github.com/arbplane/arbplane/pkg/engine/risk"
	"github.com/arbplane/arbplane/pkg/engine/strategy"
	"github.com/arbplane/arbplane/pkg/engine/tradelog"
	"github.com/arbplane/arbplane/pkg/operator"
	"github.com/arbplane/arbplane/pkg/operator/options"
	"github.com/arbplane/arbplane/pkg/providers/kvstore"
)

func main() {
	opts := options.New().MustParse()
	if opts.ServiceName == "" {
		opts.ServiceName = "execution-engine"
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	op, err := operator.NewOperator(ctx, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start execution engine: %v\n", err)
		os.Exit(1)
	}
	defer op.Close()
	logger := op.Logger

	locks := kvstore.NewLockManager(op.Redis, logger)
	eng, err := engine.New(ctx, engine.Config{
		InstanceID:         op.InstanceID,
		ServiceName:        opts.ServiceName,
		Region:             opts.RegionID,
		PrimaryRegion:      opts.PrimaryRegionID,
		Port:               opts.EnginePort,
		Production:         opts.IsProduction(),
		IsStandby:          opts.IsStandby,
		QueuePausedOnStart: opts.QueuePausedOnStart,
		SimulationMode:     opts.SimulationMode,
		SimulationOverride: opts.SimulationProductionOverride,
		Simulation: strategy.SimulationConfig{
			SuccessRate:       opts.SimulationSuccessRate,
			Latency:           opts.SimulationLatency,
			GasUsed:           opts.SimulationGasUsed,
			GasCostMultiplier: opts.SimulationGasCostMultiplier,
			ProfitVariance:    opts.SimulationProfitVariance,
			LogResults:        opts.SimulationLog,
		},
		BreakerEnabled: opts.CircuitBreakerEnabled,
		Breaker: breaker.Config{
			FailureThreshold:    opts.CircuitBreakerThreshold,
			CooldownPeriod:      opts.CircuitBreakerCooldown,
			HalfOpenMaxAttempts: opts.CircuitBreakerHalfOpen,
		},
		RiskEnabled: opts.RiskEnabled,
		Risk: risk.Config{
			InitialBankroll:  opts.RiskInitialBankroll,
			EVThreshold:      opts.RiskEVThreshold,
			KellyMaxFraction: opts.RiskKellyMaxFraction,
		},
		Queue: queue.Config{},
		Pipeline: pipeline.Config{
			DrainTimeout: opts.ShutdownDrainTimeout,
		},
		TradeLogDir: opts.TradeLogDir,
	}, op.EventLog, op.KVStore, locks, logger)
	if err != nil {
		logger.Errorw("failed to start execution engine", "error", err)
		os.Exit(1)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(ctx) })
	g.Go(func() error { return op.RunMetricsServer(ctx) })
	if opts.ArchiveBucket != "" && eng.TradeLog() != nil {
		archiver, err := tradelog.NewArchiver(ctx, eng.TradeLog(), tradelog.ArchiverConfig{
			Bucket:   opts.ArchiveBucket,
			Prefix:   opts.ArchivePrefix,
			Endpoint: opts.ArchiveEndpoint,
			Interval: opts.ArchiveInterval,
		}, logger)
		if err != nil {
			logger.Errorw("failed to start trade log archiver", "error", err)
			os.Exit(1)
		}
		g.Go(func() error { return archiver.Run(ctx) })
	}

	if err := g.Wait(); err != nil {
		logger.Errorw("execution engine exited with error", "error", err)
		os.Exit(1)
	}
	logger.Infow("execution engine shut down")
}
