package domain

import (
	"math"
	"time"
)

// CooldownReason explains why a symbol is temporarily untradeable.
type CooldownReason string

const (
	CooldownPostExit   CooldownReason = "post-exit"
	CooldownPostStop   CooldownReason = "post-stop"
	CooldownLossStreak CooldownReason = "loss-streak"
)

// Cooldown blocks new entries on a symbol until NotBefore.
type Cooldown struct {
	Symbol    string         `json:"symbol"`
	NotBefore time.Time      `json:"not_before"`
	Reason    CooldownReason `json:"reason"`
}

// Active reports whether the cooldown still applies at the given time.
func (c Cooldown) Active(now time.Time) bool {
	return now.Before(c.NotBefore)
}

// Position is an open perpetual position. Size is signed: positive for
// long, negative for short. Only the trading engine and the fast exit
// monitor mutate positions, and the monitor only under the position mutex.
type Position struct {
	Symbol       string    `json:"symbol"`
	Size         float64   `json:"size"`
	EntryPrice   float64   `json:"entry_price"`
	EntryTime    time.Time `json:"entry_time"`
	EntryATR     float64   `json:"entry_atr"`
	StopPrice    float64   `json:"stop_price"`
	InitialRisk  float64   `json:"initial_risk"` // R: entry-to-stop distance in price units
	HighWater    float64   `json:"high_water"`   // best price seen since entry (longs: max, shorts: min)
	BreakevenSet bool      `json:"breakeven_set"`
	TakenTargets []int     `json:"taken_targets,omitempty"` // indices of consumed profit-target levels
	Adopted      bool      `json:"adopted,omitempty"`       // re-adopted from exchange at startup
	PendingExit  string    `json:"pending_exit,omitempty"`  // exit reason while a full close awaits fill
	ExitPrice    float64   `json:"exit_price,omitempty"`    // reference price of the pending exit
	RealizedPnL  float64   `json:"realized_pnl,omitempty"`  // banked PnL from partial closes
}

// IsLong reports whether the position is long.
func (p *Position) IsLong() bool {
	return p.Size > 0
}

// Direction returns +1 for long, -1 for short, 0 for flat.
func (p *Position) Direction() float64 {
	switch {
	case p.Size > 0:
		return 1
	case p.Size < 0:
		return -1
	default:
		return 0
	}
}

// UnrealizedR returns the profit at the given price in units of initial
// risk R. Positive means the trade is in profit.
func (p *Position) UnrealizedR(price float64) float64 {
	if p.InitialRisk <= 0 {
		return 0
	}
	return (price - p.EntryPrice) / p.InitialRisk * p.Direction()
}

// TargetTaken reports whether the profit-target level at idx was consumed.
func (p *Position) TargetTaken(idx int) bool {
	for _, taken := range p.TakenTargets {
		if taken == idx {
			return true
		}
	}
	return false
}

// StopValid reports whether the stop sits strictly on the loss side of entry.
// A breakeven stop at the entry price is also accepted.
func (p *Position) StopValid() bool {
	if p.StopPrice <= 0 {
		return false
	}
	if p.IsLong() {
		return p.StopPrice <= p.EntryPrice || p.BreakevenSet
	}
	return p.StopPrice >= p.EntryPrice || p.BreakevenSet
}

// SymbolStats tracks per-symbol trading quality. WinRateEMA and
// ProfitFactorEMA are exponentially smoothed so recent performance
// dominates; raw counters are kept for reporting.
type SymbolStats struct {
	Trades            int       `json:"trades"`
	Wins              int       `json:"wins"`
	Losses            int       `json:"losses"`
	PnLSum            float64   `json:"pnl_sum"`
	GrossProfit       float64   `json:"gross_profit"`
	GrossLoss         float64   `json:"gross_loss"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	WinRateEMA        float64   `json:"win_rate_ema"`
	ProfitFactorEMA   float64   `json:"profit_factor_ema"`
	LastTradeAt       time.Time `json:"last_trade_at"`
}

// RecordTrade folds a realized trade PnL into the stats.
// alpha is the EMA smoothing factor in (0, 1].
func (s *SymbolStats) RecordTrade(pnl float64, alpha float64, at time.Time) {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.2
	}
	s.Trades++
	s.PnLSum += pnl
	s.LastTradeAt = at

	win := 0.0
	if pnl > 0 {
		s.Wins++
		s.GrossProfit += pnl
		s.ConsecutiveLosses = 0
		win = 1.0
	} else {
		s.Losses++
		s.GrossLoss += math.Abs(pnl)
		s.ConsecutiveLosses++
	}

	if s.Trades == 1 {
		s.WinRateEMA = win
	} else {
		s.WinRateEMA = alpha*win + (1-alpha)*s.WinRateEMA
	}

	pf := s.instantProfitFactor()
	if s.Trades == 1 {
		s.ProfitFactorEMA = pf
	} else {
		s.ProfitFactorEMA = alpha*pf + (1-alpha)*s.ProfitFactorEMA
	}
}

// instantProfitFactor returns the cumulative gross profit / gross loss,
// capped so a streak with no losses does not produce Inf.
func (s *SymbolStats) instantProfitFactor() float64 {
	const pfCap = 10.0
	if s.GrossLoss == 0 {
		if s.GrossProfit > 0 {
			return pfCap
		}
		return 1.0
	}
	pf := s.GrossProfit / s.GrossLoss
	if pf > pfCap {
		pf = pfCap
	}
	return pf
}

// AvgWin returns the average winning trade PnL (0 with no wins).
func (s *SymbolStats) AvgWin() float64 {
	if s.Wins == 0 {
		return 0
	}
	return s.GrossProfit / float64(s.Wins)
}

// AvgLoss returns the average losing trade PnL as a positive number.
func (s *SymbolStats) AvgLoss() float64 {
	if s.Losses == 0 {
		return 0
	}
	return s.GrossLoss / float64(s.Losses)
}
