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
	"sync"
)

// DrawdownState is the drawdown breaker's position in its escalation ladder.
type DrawdownState string

const (
	DrawdownNormal  DrawdownState = "NORMAL"
	DrawdownCaution DrawdownState = "CAUTION"
	DrawdownHalt    DrawdownState = "HALT"
)

// DrawdownBreaker tracks realized PnL against the high-water bankroll and refuses trading
// outright once the drawdown from peak exceeds the halt fraction.
type DrawdownBreaker struct {
	mu          sync.Mutex
	bankroll    float64
	peak        float64
	cautionFrac float64
	haltFrac    float64
}

func NewDrawdownBreaker(initialBankroll, cautionFrac, haltFrac float64) *DrawdownBreaker {
	return &DrawdownBreaker{
		bankroll:    initialBankroll,
		peak:        initialBankroll,
		cautionFrac: cautionFrac,
		haltFrac:    haltFrac,
	}
}

// RecordPnL applies one realized profit (or loss) to the bankroll.
func (d *DrawdownBreaker) RecordPnL(delta float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bankroll += delta
	if d.bankroll > d.peak {
		d.peak = d.bankroll
	}
}

// State derives the current escalation level from the drawdown fraction.
func (d *DrawdownBreaker) State() DrawdownState {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.peak <= 0 {
		return DrawdownHalt
	}
	drawdown := (d.peak - d.bankroll) / d.peak
	switch {
	case drawdown >= d.haltFrac:
		return DrawdownHalt
	case drawdown >= d.cautionFrac:
		return DrawdownCaution
	default:
		return DrawdownNormal
	}
}

// Bankroll returns the current bankroll, the position sizer's base.
func (d *DrawdownBreaker) Bankroll() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bankroll
}
