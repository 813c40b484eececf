package strategy

import (
	"testing"

	"github.com/skalibog/bfma/internal/config"
	"github.com/skalibog/bfma/pkg/models"
)

func testStrategiesConfig() config.StrategiesConfig {
	return config.StrategiesConfig{
		FakeBreakoutReversal: config.StrategyConfig{Enabled: true, Priority: 100, LeverageSuggest: 50, TTLMinutes: 5, MaxRiskUSDT: 10},
		FundingOiSkew:        config.StrategyConfig{Enabled: true, Priority: 80, LeverageSuggest: 35, TTLMinutes: 12, MaxRiskUSDT: 10},
		LiquidationFollow:    config.StrategyConfig{Enabled: true, Priority: 60, LeverageSuggest: 30, TTLMinutes: 10, MaxRiskUSDT: 10},
		VolBreakout:          config.StrategyConfig{Enabled: true, Priority: 40, LeverageSuggest: 20, TTLMinutes: 15, MaxRiskUSDT: 10},
		SweepPct:             0.001,
		WickBodyRatio:        1.5,
		StopBufferATR:        0.3,
		MinATRPct:            0.0005,
		FundingExtreme:       0.0005,
		OIZScoreThreshold:    2.0,
		OIDeltaPct:           0.05,
		ReturnThreshold:      0.01,
		ATRSpikeMultiplier:   1.8,
	}
}

func TestVolBreakoutFiresOnReturnSpike(t *testing.T) {
	s := NewVolBreakout(testStrategiesConfig())
	ctx := models.SignalContext{
		Price: 100, Ret5m: 0.02, Ret5mOk: true,
		ATR15m: 1, ATR15mOk: true, ATRBaseline: 1, ATRBaseOk: true,
		KlineFresh: true,
	}
	card := s.Generate(ctx)
	if card == nil {
		t.Fatalf("expected a card on a return spike above threshold")
	}
	if card.Side != models.Long {
		t.Fatalf("expected long side for a positive return, got %s", card.Side)
	}
}

func TestVolBreakoutSkipsWhenDisabled(t *testing.T) {
	cfg := testStrategiesConfig()
	cfg.VolBreakout.Enabled = false
	s := NewVolBreakout(cfg)
	ctx := models.SignalContext{Price: 100, Ret5m: 0.05, Ret5mOk: true, ATR15m: 1, ATR15mOk: true, ATRBaseline: 1, ATRBaseOk: true, KlineFresh: true}
	if card := s.Generate(ctx); card != nil {
		t.Fatalf("expected nil when strategy is disabled")
	}
}

func TestVolBreakoutSelfGatesOnStaleKline(t *testing.T) {
	s := NewVolBreakout(testStrategiesConfig())
	ctx := models.SignalContext{
		Price: 100, Ret5m: 0.05, Ret5mOk: true,
		ATR15m: 1, ATR15mOk: true, ATRBaseline: 1, ATRBaseOk: true,
		KlineFresh: false,
	}
	if card := s.Generate(ctx); card != nil {
		t.Fatalf("expected nil when KlineFresh is false")
	}
}

func TestVolBreakoutSelfGatesOnMissingIndicators(t *testing.T) {
	s := NewVolBreakout(testStrategiesConfig())
	ctx := models.SignalContext{Price: 100, Ret5m: 0.05, Ret5mOk: false}
	if card := s.Generate(ctx); card != nil {
		t.Fatalf("expected nil when Ret5mOk is false")
	}
}

func TestFundingOiSkewContrarianOnCrowdedLong(t *testing.T) {
	s := NewFundingOiSkew(testStrategiesConfig())
	ctx := models.SignalContext{
		Price: 100, FundingRate: 0.001, Ret5m: 0.01, Ret5mOk: true,
		OIZScore: 2.5, OIZScoreOk: true, ATR15m: 1, ATR15mOk: true,
		FundingFresh: true, OIFresh: true,
	}
	card := s.Generate(ctx)
	if card == nil {
		t.Fatalf("expected a contrarian card for crowded-long funding")
	}
	if card.Side != models.Short {
		t.Fatalf("expected short side for crowded-long condition, got %s", card.Side)
	}
}

func TestFundingOiSkewSelfGatesOnStaleFunding(t *testing.T) {
	s := NewFundingOiSkew(testStrategiesConfig())
	ctx := models.SignalContext{
		Price: 100, FundingRate: 0.001, Ret5m: 0.01, Ret5mOk: true,
		OIZScore: 2.5, OIZScoreOk: true, ATR15m: 1, ATR15mOk: true,
		FundingFresh: false, OIFresh: true,
	}
	if card := s.Generate(ctx); card != nil {
		t.Fatalf("expected nil when FundingFresh is false")
	}
}

func TestLiquidationFollowRequiresAlignment(t *testing.T) {
	s := NewLiquidationFollow(testStrategiesConfig())
	ctx := models.SignalContext{
		Price: 100, Ret5m: 0.02, Ret5mOk: true, FundingRate: -0.0001, // misaligned with positive return
		OIDelta15mPct: 0.1, OIDeltaOk: true, ATR15m: 1, ATR15mOk: true,
		FundingFresh: true, OIFresh: true,
	}
	if card := s.Generate(ctx); card != nil {
		t.Fatalf("expected nil when funding direction disagrees with return direction")
	}
}

func TestLiquidationFollowFiresWhenAligned(t *testing.T) {
	s := NewLiquidationFollow(testStrategiesConfig())
	ctx := models.SignalContext{
		Price: 100, Ret5m: 0.02, Ret5mOk: true, FundingRate: 0.0001,
		OIDelta15mPct: 0.1, OIDeltaOk: true, ATR15m: 1, ATR15mOk: true,
		FundingFresh: true, OIFresh: true,
	}
	card := s.Generate(ctx)
	if card == nil {
		t.Fatalf("expected a card when trend and funding align")
	}
	if card.Side != models.Long {
		t.Fatalf("expected long side for a positive aligned return, got %s", card.Side)
	}
}

func TestLiquidationFollowSelfGatesOnStaleOI(t *testing.T) {
	s := NewLiquidationFollow(testStrategiesConfig())
	ctx := models.SignalContext{
		Price: 100, Ret5m: 0.02, Ret5mOk: true, FundingRate: 0.0001,
		OIDelta15mPct: 0.1, OIDeltaOk: true, ATR15m: 1, ATR15mOk: true,
		FundingFresh: true, OIFresh: false,
	}
	if card := s.Generate(ctx); card != nil {
		t.Fatalf("expected nil when OIFresh is false")
	}
}

func TestLiquidationFollowUsesConfiguredReturnThreshold(t *testing.T) {
	cfg := testStrategiesConfig()
	cfg.ReturnThreshold = 0.05
	s := NewLiquidationFollow(cfg)
	ctx := models.SignalContext{
		Price: 100, Ret5m: 0.02, Ret5mOk: true, FundingRate: 0.0001,
		OIDelta15mPct: 0.1, OIDeltaOk: true, ATR15m: 1, ATR15mOk: true,
		FundingFresh: true, OIFresh: true,
	}
	if card := s.Generate(ctx); card != nil {
		t.Fatalf("expected nil when return_5m is below the configured return threshold")
	}
}

func TestFakeBreakoutReversalSweepHigh(t *testing.T) {
	s := NewFakeBreakoutReversal(testStrategiesConfig())
	var closed []models.Candle1m
	for i := 0; i < 20; i++ {
		closed = append(closed, models.Candle1m{
			OpenTimeMs: int64(i) * 60_000, Open: 100, High: 101, Low: 99, Close: 100,
			CloseTimeMs: int64(i+1) * 60_000, IsClosed: true,
		})
	}
	sweep := models.Candle1m{
		OpenTimeMs: 20 * 60_000, Open: 100.5, High: 103, Low: 100.4, Close: 100.6,
		CloseTimeMs: 21 * 60_000, IsClosed: true,
	}
	closed = append(closed, sweep)

	ctx := models.SignalContext{
		Symbol: "BTCUSDT", Price: 100.6, NowMs: 21 * 60_000,
		ATR15m: 1, ATR15mOk: true, RecentClosed: closed, KlineFresh: true,
	}
	card := s.Generate(ctx)
	if card == nil {
		t.Fatalf("expected a sweep-high reversal card")
	}
	if card.Side != models.Short {
		t.Fatalf("expected short side reversing a swept high, got %s", card.Side)
	}
	if card.Stop <= sweep.High {
		t.Fatalf("expected stop beyond the swept high, got stop=%.4f high=%.4f", card.Stop, sweep.High)
	}
}

func TestFakeBreakoutReversalStaleKlineIsSkipped(t *testing.T) {
	s := NewFakeBreakoutReversal(testStrategiesConfig())
	closed := make([]models.Candle1m, 21)
	for i := range closed {
		closed[i] = models.Candle1m{OpenTimeMs: int64(i) * 60_000, Open: 100, High: 103, Low: 99, Close: 100, CloseTimeMs: int64(i+1) * 60_000, IsClosed: true}
	}
	ctx := models.SignalContext{
		ATR15m: 1, ATR15mOk: true, RecentClosed: closed,
		NowMs: closed[len(closed)-1].CloseTimeMs, KlineFresh: false,
	}
	if card := s.Generate(ctx); card != nil {
		t.Fatalf("expected nil for a stale latest kline")
	}
}
