// Package service owns the per-symbol tick loop: pull freshness +
// indicators into a SignalContext, run the strategy registry, arbitrate to
// at most one card, gate it through risk, and hand a survivor off to audit
// and notify. Grounded on original_source's service.py evaluate_symbol/
// run_forever orchestration and the teacher's per-symbol
// WaitGroup-fan-out-with-mutex-guarded-results-map shape from
// internal/analysis/aggregator/analyzer.go (see DESIGN.md).
package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/skalibog/bfma/internal/arbitrator"
	"github.com/skalibog/bfma/internal/calc"
	"github.com/skalibog/bfma/internal/config"
	"github.com/skalibog/bfma/internal/datastore"
	"github.com/skalibog/bfma/internal/risk"
	"github.com/skalibog/bfma/internal/sourcemanager"
	"github.com/skalibog/bfma/internal/strategy"
	"github.com/skalibog/bfma/pkg/logger"
	"github.com/skalibog/bfma/pkg/models"
)

// Dispatcher receives arbitration winners for delivery (notify) and, best
// effort, an audit trail write. Kept as a narrow interface so service does
// not import internal/notify or internal/audit directly.
type Dispatcher interface {
	Dispatch(ctx context.Context, card models.ProposalCard)
}

// HealthDispatcher receives periodic health summaries. SignalService does
// not hold one; cmd/bfma wires a HealthDispatcher into SourceManager's
// health sink instead.
type HealthDispatcher interface {
	DispatchHealth(ctx context.Context, h models.HealthSummary)
}

// SignalService is the top-level per-symbol evaluation loop.
type SignalService struct {
	symbols    []string
	ds         *datastore.Store
	sm         *sourcemanager.Manager
	strategies []strategy.Strategy
	arb        *arbitrator.Arbitrator
	risk       *risk.Engine
	dispatch   Dispatcher

	cfg      config.ServiceConfig
	testEmit config.TestEmitConfig

	lastEmit map[string]time.Time
	mu       sync.Mutex
}

// New wires the fixed pipeline: sourcemanager -> calc -> strategies ->
// arbitrator -> risk -> dispatch.
func New(
	symbols []string,
	ds *datastore.Store,
	sm *sourcemanager.Manager,
	strategies []strategy.Strategy,
	arb *arbitrator.Arbitrator,
	riskEngine *risk.Engine,
	dispatch Dispatcher,
	cfg config.ServiceConfig,
	testEmit config.TestEmitConfig,
) *SignalService {
	return &SignalService{
		symbols:    symbols,
		ds:         ds,
		sm:         sm,
		strategies: strategies,
		arb:        arb,
		risk:       riskEngine,
		dispatch:   dispatch,
		cfg:        cfg,
		testEmit:   testEmit,
		lastEmit:   make(map[string]time.Time),
	}
}

// RunForever ticks every cfg.PollSeconds until ctx is cancelled, evaluating
// every symbol concurrently on each tick and combining any per-symbol
// panics/errors into one returned error at shutdown.
func (s *SignalService) RunForever(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(s.cfg.PollSeconds) * time.Second)
	defer ticker.Stop()

	var shutdownErr error
	for {
		select {
		case <-ctx.Done():
			return shutdownErr
		case now := <-ticker.C:
			if err := s.tick(ctx, now); err != nil {
				shutdownErr = multierr.Append(shutdownErr, err)
			}
		}
	}
}

// tick evaluates every configured symbol concurrently, isolating one
// symbol's panic or error from the others.
func (s *SignalService) tick(ctx context.Context, now time.Time) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs error

	for _, symbol := range s.symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logger.Error("panic evaluating symbol", zap.String("symbol", symbol), zap.Any("recover", r))
					mu.Lock()
					errs = multierr.Append(errs, xerrorsFromPanic(symbol, r))
					mu.Unlock()
				}
			}()
			s.evaluateSymbol(ctx, symbol, now)
		}(symbol)
	}
	wg.Wait()
	return errs
}

// evaluateSymbol runs the full per-symbol pipeline for one tick: refresh
// freshness state, build the SignalContext, skip the symbol outright on a
// stale price, run every strategy, arbitrate, gate through risk, and
// dispatch a survivor.
func (s *SignalService) evaluateSymbol(ctx context.Context, symbol string, now time.Time) {
	traceID := uuid.NewString()
	log := logger.With(traceID, "")

	freshness := s.sm.Refresh(ctx, symbol, now)
	sigCtx := s.buildSignalContext(symbol, now, freshness)
	s.runPipeline(ctx, symbol, now, sigCtx, traceID, log)
}

// runPipeline is evaluateSymbol's post-freshness half, split out so the
// gate-then-generate-then-arbitrate-then-risk logic can be exercised
// directly against a hand-built SignalContext.
func (s *SignalService) runPipeline(ctx context.Context, symbol string, now time.Time, sigCtx models.SignalContext, traceID string, log *zap.Logger) {
	if !sigCtx.PriceFresh {
		log.Debug("skipping symbol on stale price", zap.String("symbol", symbol))
		return
	}

	if s.testEmit.Enabled {
		s.maybeEmitHeartbeat(ctx, symbol, now, traceID)
	}

	var candidates []models.ProposalCard
	for _, strat := range s.strategies {
		card := strat.Generate(sigCtx)
		if card == nil {
			continue
		}
		card.TraceID = traceID
		candidates = append(candidates, *card)
	}
	if len(candidates) == 0 {
		return
	}

	winner := s.arb.ChooseBest(symbol, candidates, now)
	if winner == nil {
		return
	}

	decision := s.risk.Evaluate(symbol, now)
	if decision.Blocked {
		log.Debug("card blocked by risk engine",
			zap.String("symbol", symbol), zap.String("strategy", winner.Strategy), zap.String("reason", decision.Reason))
		return
	}

	if err := s.risk.RecordTrigger(symbol, now); err != nil {
		log.Warn("failed to persist risk trigger", zap.Error(err))
	}

	log.Info("card dispatched",
		zap.String("symbol", symbol), zap.String("strategy", winner.Strategy),
		zap.String("side", string(winner.Side)), zap.Float64("confidence", winner.Confidence))

	if s.dispatch != nil {
		s.dispatch.Dispatch(ctx, *winner)
	}
}

// buildSignalContext folds current DataStore state through internal/calc
// into the immutable per-tick view strategies evaluate against.
func (s *SignalService) buildSignalContext(symbol string, now time.Time, freshness models.SignalContext) models.SignalContext {
	snap := s.ds.Snapshot(symbol)
	nowMs := freshness.NowMs

	ctx := freshness
	ctx.Symbol = symbol
	ctx.Price = snap.LatestPrice.Price
	ctx.RecentClosed = snap.Candles
	ctx.FundingRate = snap.LatestFunding.LastFundingRate
	ctx.MarkPrice = snap.LatestFunding.MarkPrice
	ctx.OI = snap.LatestOI.OIValue

	if len(snap.Candles) < calc.MinOneMinuteBarsForATR {
		return ctx
	}

	ctx.Ret5m, ctx.Ret5mOk = calc.Return5m(snap.Candles)

	candles15m := calc.Aggregate15m(snap.Candles)
	ctx.ATR15m, ctx.ATR15mOk, ctx.ATRBaseline, ctx.ATRBaseOk = calc.ATR15m(candles15m)

	ctx.OIZScore, ctx.OIZScoreOk = calc.OIZScore(snap.OIHistory)
	ctx.OIDelta15mPct, ctx.OIDeltaOk = calc.OIDelta15mPct(snap.OIHistory, nowMs)

	ctx.Last20mHigh, ctx.Last20mLow, _ = calc.Last20mHighLow(snap.Candles)

	return ctx
}

// maybeEmitHeartbeat dispatches an opt-in synthetic card tagged
// strategy:"heartbeat" on its own interval, bypassing RiskEngine entirely,
// adopted from original_source's test-emit feature (see DESIGN.md).
func (s *SignalService) maybeEmitHeartbeat(ctx context.Context, symbol string, now time.Time, traceID string) {
	s.mu.Lock()
	last, ok := s.lastEmit[symbol]
	interval := time.Duration(s.testEmit.IntervalSeconds) * time.Second
	if ok && now.Sub(last) < interval {
		s.mu.Unlock()
		return
	}
	s.lastEmit[symbol] = now
	s.mu.Unlock()

	if s.dispatch == nil {
		return
	}
	s.dispatch.Dispatch(ctx, models.ProposalCard{
		Symbol:      symbol,
		Strategy:    "heartbeat",
		Side:        models.Long,
		Rationale:   "test_emit heartbeat, not a trading signal",
		Priority:    -1,
		CreatedAtMs: now.UnixMilli(),
		TraceID:     traceID,
	})
}

func xerrorsFromPanic(symbol string, r interface{}) error {
	return &panicError{symbol: symbol, recovered: r}
}

type panicError struct {
	symbol    string
	recovered interface{}
}

func (e *panicError) Error() string {
	return "panic evaluating symbol " + e.symbol
}
