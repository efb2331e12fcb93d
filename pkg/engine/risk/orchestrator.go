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

package risk

import (
	"fmt"
	"math"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/arbplane/arbplane/pkg/apis/core"
)

// RejectReason names which gate refused an opportunity; the pipeline keys its counters on it.
type RejectReason string

const (
	RejectDrawdown      RejectReason = "drawdown"
	RejectExpectedValue RejectReason = "expected-value"
	RejectPositionSize  RejectReason = "position-size"
)

// Decision is the orchestrator's verdict for one opportunity. When allowed, Amount carries
// the Kelly-sized position that overrides the opportunity's requested amount.
type Decision struct {
	Allowed bool
	Reason  RejectReason
	Amount  float64
}

// Config tunes the risk orchestrator.
type Config struct {
	InitialBankroll  float64 // required, > 0
	CautionDrawdown  float64 // fraction of peak, default 0.1
	HaltDrawdown     float64 // fraction of peak, default 0.2
	EVThreshold      float64 // minimum expected value to trade, default 0
	KellyMaxFraction float64 // cap on the Kelly fraction, default 0.25
	PriorSuccessRate float64 // probability prior for unseen types, default 0.5
}

func (c Config) withDefaults() Config {
	if c.CautionDrawdown == 0 {
		c.CautionDrawdown = 0.1
	}
	if c.HaltDrawdown == 0 {
		c.HaltDrawdown = 0.2
	}
	if c.KellyMaxFraction == 0 {
		c.KellyMaxFraction = 0.25
	}
	if c.PriorSuccessRate == 0 {
		c.PriorSuccessRate = 0.5
	}
	return c
}

func (c Config) validate() (err error) {
	if c.InitialBankroll <= 0 || math.IsNaN(c.InitialBankroll) {
		err = multierr.Append(err, fmt.Errorf("initial bankroll must be positive, got %v", c.InitialBankroll))
	}
	if c.HaltDrawdown <= c.CautionDrawdown {
		err = multierr.Append(err, fmt.Errorf("halt drawdown %v must exceed caution drawdown %v", c.HaltDrawdown, c.CautionDrawdown))
	}
	if c.KellyMaxFraction < 0 || c.KellyMaxFraction > 1 {
		err = multierr.Append(err, fmt.Errorf("kelly max fraction must be in [0,1], got %v", c.KellyMaxFraction))
	}
	if c.PriorSuccessRate < 0 || c.PriorSuccessRate > 1 {
		err = multierr.Append(err, fmt.Errorf("prior success rate must be in [0,1], got %v", c.PriorSuccessRate))
	}
	return err
}

// Orchestrator chains the drawdown breaker, the expected-value gate, and the Kelly position
// sizer, with the probability tracker informing the EV calculation.
type Orchestrator struct {
	cfg      Config
	drawdown *DrawdownBreaker
	tracker  *ProbabilityTracker
	logger   *zap.SugaredLogger
}

// New validates the configuration; the engine fails fast on an error here when not running
// in simulation mode.
func New(cfg Config, logger *zap.SugaredLogger) (*Orchestrator, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("initializing risk management, %w", err)
	}
	return &Orchestrator{
		cfg:      cfg,
		drawdown: NewDrawdownBreaker(cfg.InitialBankroll, cfg.CautionDrawdown, cfg.HaltDrawdown),
		tracker:  NewProbabilityTracker(cfg.PriorSuccessRate),
		logger:   logger.Named("risk"),
	}, nil
}

// Evaluate runs the gates in order: drawdown, expected value, position size.
func (o *Orchestrator) Evaluate(opp *core.Opportunity) Decision {
	if o.drawdown.State() == DrawdownHalt {
		return Decision{Allowed: false, Reason: RejectDrawdown}
	}
	p := o.tracker.Estimate(opp.Type)
	ev := o.expectedValue(opp, p)
	if ev < o.cfg.EVThreshold {
		o.logger.Debugw("rejecting on expected value", "opportunity", opp.ID, "ev", ev, "threshold", o.cfg.EVThreshold)
		return Decision{Allowed: false, Reason: RejectExpectedValue}
	}
	size := o.positionSize(opp, p)
	if size <= 0 {
		return Decision{Allowed: false, Reason: RejectPositionSize}
	}
	return Decision{Allowed: true, Amount: size}
}

// RecordResult feeds a finished execution back into the probability tracker and bankroll.
func (o *Orchestrator) RecordResult(res *core.ExecutionResult, typ core.OpportunityType) {
	o.tracker.Record(typ, res.Success)
	if res.Success {
		o.drawdown.RecordPnL(res.ActualProfit - res.GasCost)
	} else {
		o.drawdown.RecordPnL(-res.GasCost)
	}
}

// DrawdownState exposes the breaker level for the admin surface.
func (o *Orchestrator) DrawdownState() DrawdownState {
	return o.drawdown.State()
}

// expectedValue weighs the profit against the gas burned on failure: losing attempts still
// pay for gas.
func (o *Orchestrator) expectedValue(opp *core.Opportunity, p float64) float64 {
	gasCost := opp.ExpectedProfit * 0.1 // detector-side estimate when none is carried
	return p*opp.ExpectedProfit - (1-p)*gasCost
}

// positionSize applies the Kelly criterion against the current bankroll, capped at the
// configured max fraction. A non-positive fraction means no edge: do not trade.
func (o *Orchestrator) positionSize(opp *core.Opportunity, p float64) float64 {
	if opp.Amount <= 0 {
		return 0
	}
	// b is the win/loss ratio of the wager; the loss on failure is the gas estimate.
	loss := opp.ExpectedProfit * 0.1
	if loss <= 0 {
		return math.Min(opp.Amount, o.drawdown.Bankroll()*o.cfg.KellyMaxFraction)
	}
	b := opp.ExpectedProfit / loss
	f := p - (1-p)/b
	if f <= 0 {
		return 0
	}
	f = math.Min(f, o.cfg.KellyMaxFraction)
	return math.Min(opp.Amount, o.drawdown.Bankroll()*f)
}
