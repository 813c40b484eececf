package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/skalibog/bfma/internal/arbitrator"
	"github.com/skalibog/bfma/internal/config"
	"github.com/skalibog/bfma/internal/datastore"
	"github.com/skalibog/bfma/internal/risk"
	"github.com/skalibog/bfma/internal/strategy"
	"github.com/skalibog/bfma/pkg/logger"
	"github.com/skalibog/bfma/pkg/models"
)

type fakeDispatcher struct {
	calls []models.ProposalCard
}

func (f *fakeDispatcher) Dispatch(_ context.Context, card models.ProposalCard) {
	f.calls = append(f.calls, card)
}

func flatCandle(openMs int64) models.Candle1m {
	return models.Candle1m{OpenTimeMs: openMs, Open: 100, High: 100, Low: 100, Close: 100, CloseTimeMs: openMs + 60_000, IsClosed: true}
}

func TestBuildSignalContextPopulatesIndicatorsWithEnoughHistory(t *testing.T) {
	ds := datastore.New([]string{"BTCUSDT"})
	for i := 0; i < 300; i++ {
		ds.AppendCandle("BTCUSDT", flatCandle(int64(i)*60_000))
	}
	ds.UpdatePrice("BTCUSDT", models.PriceTick{Price: 100, EventTimeMs: 300 * 60_000})

	s := &SignalService{ds: ds}
	freshness := models.SignalContext{NowMs: 300 * 60_000}
	sigCtx := s.buildSignalContext("BTCUSDT", time.UnixMilli(300*60_000), freshness)

	if sigCtx.Symbol != "BTCUSDT" || sigCtx.Price != 100 {
		t.Fatalf("expected symbol/price to be populated, got %+v", sigCtx)
	}
	if !sigCtx.Ret5mOk {
		t.Fatalf("expected Ret5mOk with 300 candles of history")
	}
	if !sigCtx.ATR15mOk {
		t.Fatalf("expected ATR15mOk with 300 candles of history")
	}
}

func TestBuildSignalContextSkipsIndicatorsWithSparseHistory(t *testing.T) {
	ds := datastore.New([]string{"BTCUSDT"})
	ds.AppendCandle("BTCUSDT", flatCandle(0))
	ds.UpdatePrice("BTCUSDT", models.PriceTick{Price: 100, EventTimeMs: 60_000})

	s := &SignalService{ds: ds}
	sigCtx := s.buildSignalContext("BTCUSDT", time.UnixMilli(60_000), models.SignalContext{NowMs: 60_000})

	if sigCtx.Price != 100 {
		t.Fatalf("expected price to still be populated below the ATR warmup floor")
	}
	if sigCtx.Ret5mOk || sigCtx.ATR15mOk {
		t.Fatalf("expected indicators to stay unset below the warmup floor, got %+v", sigCtx)
	}
}

func TestMaybeEmitHeartbeatThrottlesPerSymbol(t *testing.T) {
	dispatch := &fakeDispatcher{}
	s := New(nil, nil, nil, nil, nil, nil, dispatch, config.ServiceConfig{}, config.TestEmitConfig{Enabled: true, IntervalSeconds: 60})

	now := time.UnixMilli(0)
	s.maybeEmitHeartbeat(context.Background(), "BTCUSDT", now, "trace-1")
	if len(dispatch.calls) != 1 {
		t.Fatalf("expected one heartbeat dispatched, got %d", len(dispatch.calls))
	}
	if dispatch.calls[0].Strategy != "heartbeat" || dispatch.calls[0].Priority != -1 {
		t.Fatalf("expected a tagged, negative-priority heartbeat card, got %+v", dispatch.calls[0])
	}

	s.maybeEmitHeartbeat(context.Background(), "BTCUSDT", now.Add(10*time.Second), "trace-2")
	if len(dispatch.calls) != 1 {
		t.Fatalf("expected the throttle to suppress a call within the interval, got %d", len(dispatch.calls))
	}

	s.maybeEmitHeartbeat(context.Background(), "BTCUSDT", now.Add(61*time.Second), "trace-3")
	if len(dispatch.calls) != 2 {
		t.Fatalf("expected a heartbeat once the interval elapsed, got %d", len(dispatch.calls))
	}
}

func TestMaybeEmitHeartbeatIsPerSymbol(t *testing.T) {
	dispatch := &fakeDispatcher{}
	s := New(nil, nil, nil, nil, nil, nil, dispatch, config.ServiceConfig{}, config.TestEmitConfig{Enabled: true, IntervalSeconds: 60})

	now := time.UnixMilli(0)
	s.maybeEmitHeartbeat(context.Background(), "BTCUSDT", now, "trace-1")
	s.maybeEmitHeartbeat(context.Background(), "ETHUSDT", now, "trace-2")
	if len(dispatch.calls) != 2 {
		t.Fatalf("expected each symbol to get its own heartbeat, got %d", len(dispatch.calls))
	}
}

func TestMaybeEmitHeartbeatNoDispatcherDoesNotPanic(t *testing.T) {
	s := New(nil, nil, nil, nil, nil, nil, nil, config.ServiceConfig{}, config.TestEmitConfig{Enabled: true, IntervalSeconds: 60})
	s.maybeEmitHeartbeat(context.Background(), "BTCUSDT", time.UnixMilli(0), "trace-1")
}

func testRiskEngineForService(t *testing.T) *risk.Engine {
	t.Helper()
	dir := t.TempDir()
	e, err := risk.New(config.RiskConfig{
		MaxCardsPerDay:   10,
		MaxDailyLossUSDT: 100,
		RiskStatePath:    filepath.Join(dir, "risk_state.json"),
	})
	if err != nil {
		t.Fatalf("risk.New: %v", err)
	}
	return e
}

func firingSignalContext(priceFresh bool) models.SignalContext {
	return models.SignalContext{
		Symbol: "BTCUSDT", PriceFresh: priceFresh, KlineFresh: true,
		Price: 100, Ret5m: 0.05, Ret5mOk: true,
		ATR15m: 1, ATR15mOk: true, ATRBaseline: 1, ATRBaseOk: true,
	}
}

func TestRunPipelineSkipsOnStalePrice(t *testing.T) {
	dispatch := &fakeDispatcher{}
	vb := strategy.NewVolBreakout(config.StrategiesConfig{
		VolBreakout: config.StrategyConfig{Enabled: true, Priority: 40, LeverageSuggest: 20, TTLMinutes: 15, MaxRiskUSDT: 10},
	})
	arb := arbitrator.New(config.ArbitratorConfig{DedupeWindowSeconds: 60, EntrySimilarPct: 0.001, StopSimilarPct: 0.002},
		func(string) (time.Time, bool) { return time.Time{}, false })
	s := New(nil, nil, nil, []strategy.Strategy{vb}, arb, testRiskEngineForService(t), dispatch, config.ServiceConfig{}, config.TestEmitConfig{})

	log := logger.With("trace-stale", "")
	s.runPipeline(context.Background(), "BTCUSDT", time.Now(), firingSignalContext(false), "trace-stale", log)

	if len(dispatch.calls) != 0 {
		t.Fatalf("expected no dispatch when PriceFresh is false, got %d calls", len(dispatch.calls))
	}
}

func TestRunPipelineDispatchesWhenPriceFresh(t *testing.T) {
	dispatch := &fakeDispatcher{}
	vb := strategy.NewVolBreakout(config.StrategiesConfig{
		VolBreakout: config.StrategyConfig{Enabled: true, Priority: 40, LeverageSuggest: 20, TTLMinutes: 15, MaxRiskUSDT: 10},
	})
	arb := arbitrator.New(config.ArbitratorConfig{DedupeWindowSeconds: 60, EntrySimilarPct: 0.001, StopSimilarPct: 0.002},
		func(string) (time.Time, bool) { return time.Time{}, false })
	s := New(nil, nil, nil, []strategy.Strategy{vb}, arb, testRiskEngineForService(t), dispatch, config.ServiceConfig{}, config.TestEmitConfig{})

	log := logger.With("trace-fresh", "")
	s.runPipeline(context.Background(), "BTCUSDT", time.Now(), firingSignalContext(true), "trace-fresh", log)

	if len(dispatch.calls) != 1 {
		t.Fatalf("expected one dispatch when PriceFresh is true and a strategy fires, got %d calls", len(dispatch.calls))
	}
}

func TestPanicErrorMessageNamesTheSymbol(t *testing.T) {
	err := xerrorsFromPanic("BTCUSDT", "boom")
	if err == nil || err.Error() != "panic evaluating symbol BTCUSDT" {
		t.Fatalf("unexpected panic error: %v", err)
	}
}
