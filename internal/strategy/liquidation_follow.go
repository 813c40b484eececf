package strategy

import (
	"fmt"

	"github.com/skalibog/bfma/internal/calc"
	"github.com/skalibog/bfma/internal/config"
	"github.com/skalibog/bfma/pkg/models"
)

// LiquidationFollow trend-follows when OI is expanding fast, the 5m return
// is meaningful, and funding direction agrees with the return direction.
type LiquidationFollow struct {
	oiDeltaPctThreshold float64
	returnThreshold     float64
	cfg                 config.StrategyConfig
}

func NewLiquidationFollow(strategies config.StrategiesConfig) *LiquidationFollow {
	return &LiquidationFollow{
		oiDeltaPctThreshold: strategies.OIDeltaPct,
		returnThreshold:     strategies.ReturnThreshold,
		cfg:                 strategies.LiquidationFollow,
	}
}

func (s *LiquidationFollow) Name() string { return "liquidation_follow" }

func (s *LiquidationFollow) Generate(ctx models.SignalContext) *models.ProposalCard {
	if !s.cfg.Enabled || !ctx.OIDeltaOk || !ctx.Ret5mOk || !ctx.ATR15mOk {
		return nil
	}
	if !ctx.FundingFresh || !ctx.OIFresh {
		return nil
	}

	trendDir := -1
	if ctx.Ret5m > 0 {
		trendDir = 1
	}
	fundingDir := -1
	if ctx.FundingRate > 0 {
		fundingDir = 1
	}
	aligned := trendDir == fundingDir

	trigger := ctx.OIDelta15mPct >= s.oiDeltaPctThreshold && abs(ctx.Ret5m) >= s.returnThreshold && aligned
	if !trigger {
		return nil
	}

	side := models.Short
	if ctx.Ret5m > 0 {
		side = models.Long
	}
	entry := ctx.Price
	stop := defaultStop(side, entry, ctx.ATR15m)

	positionUSDT, positionOk := calc.PositionUSDT(entry, stop, s.cfg.MaxRiskUSDT)

	confidence := clampConfidence(40.0 +
		(ctx.OIDelta15mPct/maxFloat(s.oiDeltaPctThreshold, 1e-9))*25.0 +
		abs(ctx.Ret5m)*1000.0)

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
			"oi_delta_15m=%.2f%%, funding=%.6f, return_5m=%.2f%%, aligned_trend=%v",
			ctx.OIDelta15mPct*100, ctx.FundingRate, ctx.Ret5m*100, aligned,
		),
		Priority:    s.cfg.Priority,
		Confidence:  confidence,
		CreatedAtMs: ctx.NowMs,
	}
}
