package strategy

import (
	"fmt"

	"github.com/skalibog/bfma/internal/calc"
	"github.com/skalibog/bfma/internal/config"
	"github.com/skalibog/bfma/pkg/models"
)

// FakeBreakoutReversal is the only strategy overriding the shared
// ATR-based stop distance: it stops beyond the swept extreme itself, not
// a fixed multiple of ATR from entry.
type FakeBreakoutReversal struct {
	sweepPct      float64
	wickBodyRatio float64
	stopBufferATR float64
	minATRPct     float64
	cfg           config.StrategyConfig
}

func NewFakeBreakoutReversal(strategies config.StrategiesConfig) *FakeBreakoutReversal {
	return &FakeBreakoutReversal{
		sweepPct:      strategies.SweepPct,
		wickBodyRatio: strategies.WickBodyRatio,
		stopBufferATR: strategies.StopBufferATR,
		minATRPct:     strategies.MinATRPct,
		cfg:           strategies.FakeBreakoutReversal,
	}
}

func (s *FakeBreakoutReversal) Name() string { return "fake_breakout_reversal" }

func (s *FakeBreakoutReversal) Generate(ctx models.SignalContext) *models.ProposalCard {
	if !s.cfg.Enabled || !ctx.ATR15mOk || len(ctx.RecentClosed) < 21 {
		return nil
	}
	if !ctx.KlineFresh {
		return nil
	}

	latest := ctx.RecentClosed[len(ctx.RecentClosed)-1]
	if ctx.ATR15m < s.minATRPct*ctx.Price {
		return nil
	}

	prev20High, prev20Low, ok := calc.Last20mHighLow(ctx.RecentClosed)
	if !ok {
		return nil
	}

	body := maxFloat(abs(latest.Close-latest.Open), 1e-9)
	upperWick := maxFloat(0, latest.High-maxFloat(latest.Open, latest.Close))
	lowerWick := maxFloat(0, minFloat(latest.Open, latest.Close)-latest.Low)

	sweepHigh := latest.High > prev20High*(1+s.sweepPct) &&
		latest.Close < prev20High &&
		(upperWick/body) >= s.wickBodyRatio
	sweepLow := latest.Low < prev20Low*(1-s.sweepPct) &&
		latest.Close > prev20Low &&
		(lowerWick/body) >= s.wickBodyRatio

	if !sweepHigh && !sweepLow {
		return nil
	}

	side := models.Long
	if sweepHigh {
		side = models.Short
	}
	entry := ctx.Price

	var stop, sweepPctVal, wickRatio, reclaimLevel float64
	if sweepHigh {
		stop = latest.High + s.stopBufferATR*ctx.ATR15m
		sweepPctVal = (latest.High / prev20High) - 1
		wickRatio = upperWick / body
		reclaimLevel = prev20High
	} else {
		stop = latest.Low - s.stopBufferATR*ctx.ATR15m
		sweepPctVal = 1 - (latest.Low / prev20Low)
		wickRatio = lowerWick / body
		reclaimLevel = prev20Low
	}

	positionUSDT, positionOk := calc.PositionUSDT(entry, stop, s.cfg.MaxRiskUSDT)
	confidence := clampConfidence(50.0 + wickRatio*10.0 + sweepPctVal*10000.0)

	return &models.ProposalCard{
		Symbol:          ctx.Symbol,
		Strategy:        s.Name(),
		Side:            side,
		Entry:           entry,
		Stop:            stop,
		LeverageSuggest: s.cfg.LeverageSuggest,
		PositionUSDT:    positionUSDT,
		PositionUSDTOk:  positionOk,
		MaxRiskUSDT:     s.cfg.MaxRiskUSDT,
		TTLMinutes:      s.cfg.TTLMinutes,
		Rationale: fmt.Sprintf(
			"prev_20m_high=%.4f, prev_20m_low=%.4f, sweep_pct=%.4f%%, wick_body=%.2f, reclaim=%.4f -> %s",
			prev20High, prev20Low, sweepPctVal*100, wickRatio, reclaimLevel, side,
		),
		Priority:    s.cfg.Priority,
		Confidence:  confidence,
		CreatedAtMs: ctx.NowMs,
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
