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

package options

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"

	"github.com/arbplane/arbplane/pkg/utils/env"
)

type Environment string

const (
	Production  Environment = "production"
	Development Environment = "development"
	Test        Environment = "test"
)

// Options for running the coordinator and execution-engine binaries
type Options struct {
	*flag.FlagSet
	// Shared
	NodeEnv              string
	ServiceName          string
	RegionID             string
	PrimaryRegionID      string
	KVStoreURL           string
	LogLevel             string
	MetricsPort          int
	CoordinatorPort      int
	EnginePort           int
	ShutdownDrainTimeout time.Duration
	// Engine
	IsStandby                    bool
	QueuePausedOnStart           bool
	SimulationMode               bool
	SimulationProductionOverride string
	SimulationSuccessRate        float64
	SimulationLatency            time.Duration
	SimulationGasUsed            int64
	SimulationGasCostMultiplier  float64
	SimulationProfitVariance     float64
	SimulationLog                bool
	CircuitBreakerEnabled        bool
	CircuitBreakerThreshold      int
	CircuitBreakerCooldown       time.Duration
	CircuitBreakerHalfOpen       int
	RiskEnabled                  bool
	RiskInitialBankroll          float64
	RiskEVThreshold              float64
	RiskKellyMaxFraction         float64
	TradeLogDir                  string
	ArchiveBucket                string
	ArchiveEndpoint              string
	ArchivePrefix                string
	ArchiveInterval              time.Duration
	// Coordinator
	AlertCooldown          time.Duration
	WhaleAlertThresholdUSD float64
	OperatorToken          string
	ReaderToken            string
	RestartAllowListFile   string
	RestartAllowList       []string
	// Notifications
	DiscordWebhookURL string
	SlackWebhookURL   string
	AlertEmail        string
}

// New creates an Options struct and registers CLI flags and environment variables to fill-in the Options struct fields
func New() *Options {
	opts := &Options{}
	f := flag.NewFlagSet("arbplane", flag.ContinueOnError)
	opts.FlagSet = f

	// Shared
	f.StringVar(&opts.NodeEnv, "node-env", env.WithDefaultString("NODE_ENV", string(Development)), "The deployment environment, one of production, development, test")
	f.StringVar(&opts.ServiceName, "service-name", env.WithDefaultString("SERVICE_NAME", ""), "The service name reported on stream:health; defaults per binary")
	f.StringVar(&opts.RegionID, "region-id", env.WithDefaultString("REGION_ID", "us-east"), "The region this instance runs in")
	f.StringVar(&opts.PrimaryRegionID, "primary-region-id", env.WithDefaultString("PRIMARY_REGION_ID", "us-east"), "The region whose engine leads execution while healthy")
	f.StringVar(&opts.KVStoreURL, "kv-store-url", env.WithDefaultString("REDIS_URL", "redis://localhost:6379"), "The URL of the shared event-log and K/V substrate")
	f.StringVar(&opts.LogLevel, "log-level", env.WithDefaultString("LOG_LEVEL", "info"), "The minimum log level")
	f.IntVar(&opts.MetricsPort, "metrics-port", env.WithDefaultInt("METRICS_PORT", 8090), "The port the prometheus endpoint binds to")
	f.IntVar(&opts.CoordinatorPort, "coordinator-port", env.WithDefaultInt("COORDINATOR_PORT", 3000), "The port the coordinator API binds to")
	f.IntVar(&opts.EnginePort, "engine-port", env.WithDefaultInt("EXECUTION_ENGINE_PORT", 3005), "The port the engine health endpoint binds to")
	f.DurationVar(&opts.ShutdownDrainTimeout, "shutdown-drain-timeout", env.WithDefaultDuration("SHUTDOWN_DRAIN_TIMEOUT_MS", 30*time.Second), "How long in-flight executions may finish after shutdown begins")

	// Engine
	f.BoolVar(&opts.IsStandby, "is-standby", env.WithDefaultBool("IS_STANDBY", false), "Start the engine as a standby that activates on primary-region failure")
	f.BoolVar(&opts.QueuePausedOnStart, "queue-paused-on-start", env.WithDefaultBool("QUEUE_PAUSED_ON_START", false), "Start the engine with the execution queue manually paused")
	f.BoolVar(&opts.SimulationMode, "simulation-mode", env.WithDefaultBool("EXECUTION_SIMULATION_MODE", true), "Execute opportunities against the simulation strategy instead of live chains")
	f.StringVar(&opts.SimulationProductionOverride, "simulation-production-override", env.WithDefaultString("SIMULATION_MODE_PRODUCTION_OVERRIDE", ""), "Must be the literal string true to allow simulation mode in production")
	f.Float64Var(&opts.SimulationSuccessRate, "simulation-success-rate", env.WithDefaultFloat64("EXECUTION_SIMULATION_SUCCESS_RATE", 0.85), "Probability that a simulated execution succeeds")
	f.DurationVar(&opts.SimulationLatency, "simulation-latency", env.WithDefaultDuration("EXECUTION_SIMULATION_LATENCY_MS", 500*time.Millisecond), "Base latency of a simulated execution")
	f.Int64Var(&opts.SimulationGasUsed, "simulation-gas-used", env.WithDefaultInt64("EXECUTION_SIMULATION_GAS_USED", 200000), "Gas units reported by simulated executions")
	f.Float64Var(&opts.SimulationGasCostMultiplier, "simulation-gas-cost-multiplier", env.WithDefaultFloat64("EXECUTION_SIMULATION_GAS_COST_MULTIPLIER", 0.1), "Fraction of expected profit charged as simulated gas cost")
	f.Float64Var(&opts.SimulationProfitVariance, "simulation-profit-variance", env.WithDefaultFloat64("EXECUTION_SIMULATION_PROFIT_VARIANCE", 0.2), "Relative variance applied to simulated realized profit")
	f.BoolVar(&opts.SimulationLog, "simulation-log", env.WithDefaultBool("EXECUTION_SIMULATION_LOG", false), "Log each simulated execution result")
	f.BoolVar(&opts.CircuitBreakerEnabled, "circuit-breaker-enabled", env.WithDefaultBool("CIRCUIT_BREAKER_ENABLED", true), "Gate executions behind the circuit breaker")
	f.IntVar(&opts.CircuitBreakerThreshold, "circuit-breaker-failure-threshold", env.WithDefaultInt("CIRCUIT_BREAKER_FAILURE_THRESHOLD", 5), "Consecutive failures before the breaker opens")
	f.DurationVar(&opts.CircuitBreakerCooldown, "circuit-breaker-cooldown", env.WithDefaultDuration("CIRCUIT_BREAKER_COOLDOWN_MS", 5*time.Minute), "How long the breaker stays open before probing")
	f.IntVar(&opts.CircuitBreakerHalfOpen, "circuit-breaker-half-open-attempts", env.WithDefaultInt("CIRCUIT_BREAKER_HALF_OPEN_ATTEMPTS", 1), "Probe executions allowed while half-open")
	f.BoolVar(&opts.RiskEnabled, "risk-enabled", env.WithDefaultBool("RISK_ENABLED", true), "Gate executions behind the risk orchestrator")
	f.Float64Var(&opts.RiskInitialBankroll, "risk-initial-bankroll", env.WithDefaultFloat64("RISK_INITIAL_BANKROLL", 10000), "Starting bankroll for drawdown tracking and position sizing")
	f.Float64Var(&opts.RiskEVThreshold, "risk-ev-threshold", env.WithDefaultFloat64("RISK_EV_THRESHOLD", 0), "Minimum expected value an opportunity must clear")
	f.Float64Var(&opts.RiskKellyMaxFraction, "risk-kelly-max-fraction", env.WithDefaultFloat64("RISK_KELLY_MAX_FRACTION", 0.25), "Cap on the Kelly position size as a fraction of bankroll")
	f.StringVar(&opts.TradeLogDir, "trade-log-dir", env.WithDefaultString("TRADE_LOG_DIR", "data/trades"), "Directory holding the line-delimited trade log")
	f.StringVar(&opts.ArchiveBucket, "archive-bucket", env.WithDefaultString("ARCHIVE_BUCKET", ""), "S3-compatible bucket receiving rotated trade logs; empty disables archiving")
	f.StringVar(&opts.ArchiveEndpoint, "archive-endpoint", env.WithDefaultString("ARCHIVE_ENDPOINT", ""), "Endpoint URL for S3-compatible storage such as R2; empty means plain S3")
	f.StringVar(&opts.ArchivePrefix, "archive-prefix", env.WithDefaultString("ARCHIVE_PREFIX", "trade-logs"), "Key prefix for archived trade logs")
	f.DurationVar(&opts.ArchiveInterval, "archive-interval", env.WithDefaultDuration("ARCHIVE_INTERVAL_MS", time.Hour), "How often rotated trade logs are uploaded")

	// Coordinator
	f.DurationVar(&opts.AlertCooldown, "alert-cooldown", env.WithDefaultDuration("ALERT_COOLDOWN_MS", 5*time.Minute), "Minimum spacing between alerts sharing a cooldown key")
	f.Float64Var(&opts.WhaleAlertThresholdUSD, "whale-alert-threshold-usd", env.WithDefaultFloat64("WHALE_ALERT_THRESHOLD_USD", 1000000), "USD size at which a whale movement raises an alert")
	f.StringVar(&opts.OperatorToken, "operator-token", env.WithDefaultString("API_OPERATOR_TOKEN", ""), "Bearer token granting the operator role on the API")
	f.StringVar(&opts.ReaderToken, "reader-token", env.WithDefaultString("API_READER_TOKEN", ""), "Bearer token granting read access on the API")
	f.StringVar(&opts.RestartAllowListFile, "restart-allowlist-file", env.WithDefaultString("RESTART_ALLOWLIST_FILE", ""), "TOML file naming the services the restart endpoint accepts")

	// Notifications
	f.StringVar(&opts.DiscordWebhookURL, "discord-webhook-url", env.WithDefaultString("DISCORD_WEBHOOK_URL", ""), "Discord webhook receiving alerts")
	f.StringVar(&opts.SlackWebhookURL, "slack-webhook-url", env.WithDefaultString("SLACK_WEBHOOK_URL", ""), "Slack webhook receiving alerts")
	f.StringVar(&opts.AlertEmail, "alert-email", env.WithDefaultString("ALERT_EMAIL", ""), "Email address receiving alerts")
	return opts
}

// MustParse reads the user passed flags, environment variables, and default values.
// Options are validated and panics if an error is returned
func (o *Options) MustParse() *Options {
	err := o.Parse(os.Args[1:])

	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		panic(err)
	}
	if err := o.loadRestartAllowList(); err != nil {
		panic(err)
	}
	if err := o.Validate(); err != nil {
		panic(err)
	}
	return o
}

func (o *Options) Validate() (err error) {
	switch Environment(o.NodeEnv) {
	case Production, Development, Test:
	default:
		err = multierr.Append(err, fmt.Errorf("NODE_ENV may only be production, development or test"))
	}
	if o.SimulationSuccessRate < 0 || o.SimulationSuccessRate > 1 {
		err = multierr.Append(err, fmt.Errorf("EXECUTION_SIMULATION_SUCCESS_RATE must be within [0, 1]"))
	}
	if o.SimulationProfitVariance < 0 {
		err = multierr.Append(err, fmt.Errorf("EXECUTION_SIMULATION_PROFIT_VARIANCE must be non-negative"))
	}
	if o.CircuitBreakerThreshold <= 0 {
		err = multierr.Append(err, fmt.Errorf("CIRCUIT_BREAKER_FAILURE_THRESHOLD must be positive"))
	}
	if o.RiskKellyMaxFraction <= 0 || o.RiskKellyMaxFraction > 1 {
		err = multierr.Append(err, fmt.Errorf("RISK_KELLY_MAX_FRACTION must be within (0, 1]"))
	}
	for _, port := range []int{o.MetricsPort, o.CoordinatorPort, o.EnginePort} {
		if port <= 0 || port > 65535 {
			err = multierr.Append(err, fmt.Errorf("port %d out of range", port))
		}
	}
	return err
}

// IsProduction reports whether the binary runs with NODE_ENV=production.
func (o *Options) IsProduction() bool {
	return Environment(o.NodeEnv) == Production
}

// Tokens returns the bearer-token-to-role map the API server consumes.
func (o *Options) Tokens() map[string]string {
	tokens := map[string]string{}
	if o.OperatorToken != "" {
		tokens[o.OperatorToken] = "operator"
	}
	if o.ReaderToken != "" {
		tokens[o.ReaderToken] = "reader"
	}
	return tokens
}

type restartAllowListFile struct {
	Services []string `toml:"services"`
}

// defaultRestartAllowList covers the fleet when no file is configured.
var defaultRestartAllowList = []string{
	"coordinator",
	"execution-engine",
	"detector",
	"whale-watcher",
	"price-feed",
}

func (o *Options) loadRestartAllowList() error {
	if o.RestartAllowListFile == "" {
		o.RestartAllowList = defaultRestartAllowList
		return nil
	}
	raw, err := os.ReadFile(o.RestartAllowListFile)
	if err != nil {
		return fmt.Errorf("reading restart allow-list, %w", err)
	}
	parsed := restartAllowListFile{}
	if err := toml.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("parsing restart allow-list, %w", err)
	}
	o.RestartAllowList = parsed.Services
	return nil
}
