package strategy

import (
	"fmt"

	"github.com/skalibog/bfma/internal/calc"
	"github.com/skalibog/bfma/internal/config"
	"github.com/skalibog/bfma/pkg/models"
)

// VolBreakout fires on a 5m return spike or an ATR expansion relative to
// its own baseline, following whichever direction the 5m return points.
type VolBreakout struct {
	returnThreshold    float64
	atrSpikeMultiplier float64
	cfg                config.StrategyConfig
}

func NewVolBreakout(strategies config.StrategiesConfig) *VolBreakout {
	return &VolBreakout{
		returnThreshold:    strategies.ReturnThreshold,
		atrSpikeMultiplier: strategies.ATRSpikeMultiplier,
		cfg:                strategies.VolBreakout,
	}
}

func (s *VolBreakout) Name() string { return "vol_breakout_card" }

func (s *VolBreakout) Generate(ctx models.SignalContext) *models.ProposalCard {
	if !s.cfg.Enabled || !ctx.Ret5mOk || !ctx.ATR15mOk || !ctx.ATRBaseOk {
		return nil
	}
	if !ctx.KlineFresh {
		return nil
	}

	returnTrigger := abs(ctx.Ret5m) > s.returnThreshold
	atrTrigger := ctx.ATR15m > ctx.ATRBaseline*s.atrSpikeMultiplier
	if !returnTrigger && !atrTrigger {
		return nil
	}

	side := models.Short
	if ctx.Ret5m >= 0 {
		side = models.Long
	}
	entry := ctx.Price
	stop := defaultStop(side, entry, ctx.ATR15m)

	positionUSDT, positionOk := calc.PositionUSDT(entry, stop, s.cfg.MaxRiskUSDT)

	scoreReturn := abs(ctx.Ret5m) / maxFloat(s.returnThreshold, 1e-9)
	scoreATR := ctx.ATR15m / maxFloat(ctx.ATRBaseline, 1e-9)
	confidence := clampConfidence(40.0 + scoreReturn*20.0 + scoreATR*10.0)

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
			"return_5m=%.4f%% (th=%.2f%%), atr_15m=%.4f vs baseline=%.4f",
			ctx.Ret5m*100, s.returnThreshold*100, ctx.ATR15m, ctx.ATRBaseline,
		),
		Priority:    s.cfg.Priority,
		Confidence:  confidence,
		CreatedAtMs: ctx.NowMs,
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
