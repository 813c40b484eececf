package strategy

import (
	"fmt"

	"github.com/skalibog/bfma/internal/calc"
	"github.com/skalibog/bfma/internal/config"
	"github.com/skalibog/bfma/pkg/models"
)

// FundingOiSkew emits a counter-trend card when funding is extreme, OI is
// z-score-crowded, and funding sign agrees with the 5m return sign.
type FundingOiSkew struct {
	fundingExtreme    float64
	oiZScoreThreshold float64
	cfg               config.StrategyConfig
}

func NewFundingOiSkew(strategies config.StrategiesConfig) *FundingOiSkew {
	return &FundingOiSkew{
		fundingExtreme:    strategies.FundingExtreme,
		oiZScoreThreshold: strategies.OIZScoreThreshold,
		cfg:               strategies.FundingOiSkew,
	}
}

func (s *FundingOiSkew) Name() string { return "funding_oi_skew" }

func (s *FundingOiSkew) Generate(ctx models.SignalContext) *models.ProposalCard {
	if !s.cfg.Enabled || !ctx.OIZScoreOk || !ctx.Ret5mOk || !ctx.ATR15mOk {
		return nil
	}
	if !ctx.FundingFresh || !ctx.OIFresh {
		return nil
	}

	funding := ctx.FundingRate
	crowdedLong := funding > 0 && ctx.Ret5m > 0
	crowdedShort := funding < 0 && ctx.Ret5m < 0

	if abs(funding) < s.fundingExtreme {
		return nil
	}
	if ctx.OIZScore < s.oiZScoreThreshold {
		return nil
	}
	if !crowdedLong && !crowdedShort {
		return nil
	}

	side := models.Long
	if crowdedLong {
		side = models.Short
	}
	entry := ctx.Price
	stop := defaultStop(side, entry, ctx.ATR15m)

	positionUSDT, positionOk := calc.PositionUSDT(entry, stop, s.cfg.MaxRiskUSDT)

	confidence := clampConfidence(45.0 + (abs(funding)/maxFloat(s.fundingExtreme, 1e-9))*20.0 + ctx.OIZScore*10.0)

	crowd := "short"
	if crowdedLong {
		crowd = "long"
	}
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
			"funding=%.6f, oi_zscore_15m=%.2f, crowded=%s -> contrarian %s",
			funding, ctx.OIZScore, crowd, side,
		),
		Priority:    s.cfg.Priority,
		Confidence:  confidence,
		CreatedAtMs: ctx.NowMs,
	}
}
