// Package sourcemanager drives WS ingestion when healthy and REST polling
// when not, detects staleness, performs REST-backfill state-sync on
// recovery, and reports a periodic per-symbol health summary. Grounded on
// original_source's SourceManager/ClockSync (see DESIGN.md for the
// deviations spec.md's literal wording requires).
package sourcemanager

import (
	"context"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/skalibog/bfma/internal/config"
	"github.com/skalibog/bfma/internal/datastore"
	"github.com/skalibog/bfma/internal/exchange"
	"github.com/skalibog/bfma/pkg/logger"
	"github.com/skalibog/bfma/pkg/models"
)

type mode int

const (
	modeWS mode = iota
	modeREST
)

func (m mode) String() string {
	if m == modeWS {
		return "ws"
	}
	return "rest"
}

// Manager is the dual-mode ingestion controller. service.tick evaluates
// every symbol concurrently and each goroutine calls Refresh on this same
// shared Manager, so mu guards every field below it — mirroring
// datastore.Store and risk.Engine, which each serialize their own state the
// same way.
type Manager struct {
	symbols []string
	ds      *datastore.Store
	rest    *exchange.REST
	ws      *exchange.WS
	cfg     config.SourceManagerConfig
	clock   *clockSync

	mu           sync.Mutex
	mode         mode
	wsGoodTicks  int
	wsConnected  bool
	backoff      *backoff.Backoff
	wsNextRetry  time.Time

	lastRESTPricePoll time.Time
	lastRESTKlinePoll time.Time
	lastPremiumPoll   time.Time
	lastFundingPoll   time.Time
	lastOIPoll        time.Time
	lastHealthLog     time.Time

	healthSink func(models.HealthSummary)
}

// SetHealthSink registers a callback invoked with each symbol's
// HealthSummary whenever the periodic health log fires. Optional: nil is
// the default and simply skips forwarding.
func (m *Manager) SetHealthSink(sink func(models.HealthSummary)) {
	m.healthSink = sink
}

// New builds a Manager preferring WS mode. It does no I/O: the initial
// state-sync and WS connect happen in Bootstrap.
func New(symbols []string, ds *datastore.Store, rest *exchange.REST, ws *exchange.WS, cfg config.SourceManagerConfig, clockCfg config.ClockConfig) *Manager {
	m := &Manager{
		symbols: symbols,
		ds:      ds,
		rest:    rest,
		ws:      ws,
		cfg:     cfg,
		clock:   newClockSync(rest, clockCfg),
		mode:    modeWS,
		backoff: &backoff.Backoff{
			Min: time.Duration(cfg.WSBackoffMinMs) * time.Millisecond,
			Max: time.Duration(cfg.WSBackoffMaxMs) * time.Millisecond,
		},
	}
	return m
}

// Bootstrap performs the initial REST state-sync and opens the WS session.
// Called once at startup, before the tick loop begins.
func (m *Manager) Bootstrap(ctx context.Context, now time.Time) {
	m.clock.Refresh(ctx, now, true)
	if !m.stateSync(ctx, now, m.cfg.StateSyncKlines) {
		logger.Warn("bootstrap state sync failed")
	}
	if err := m.ws.Start(); err != nil {
		logger.Warn("initial ws connect failed, starting in rest mode", zap.Error(err))
		m.mode = modeREST
	} else {
		m.wsConnected = true
	}
}

// Refresh drains any pending WS events, evaluates staleness, polls
// derivative endpoints on their own cadences, and — while in REST mode —
// polls price/klines and attempts WS recovery. It returns the resulting
// freshness flags for symbol.
func (m *Manager) Refresh(ctx context.Context, symbol string, now time.Time) models.SignalContext {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clock.Refresh(ctx, now, false)
	m.drainWSEvents(now)
	m.evaluateStaleness(now)
	m.pollDerivatives(ctx, now)

	if m.mode == modeREST {
		m.pollRESTPrice(ctx, now)
		m.pollRESTKlines(ctx, now)
		m.attemptWSRecover(ctx, now)
	}

	m.logHealthIfNeeded(now)

	return m.freshnessContext(symbol, now)
}

func (m *Manager) drainWSEvents(now time.Time) {
	if m.mode != modeWS || !m.wsConnected {
		return
	}
	for {
		select {
		case ev, ok := <-m.ws.Events():
			if !ok {
				return
			}
			m.applyEvent(ev, now)
			if ev.Kind == models.StreamEventErr {
				m.switchMode(modeREST, ev.Symbol, "stream_error", now)
				m.ws.Close()
				m.wsConnected = false
				return
			}
		default:
			return
		}
	}
}

func (m *Manager) applyEvent(ev models.StreamEvent, now time.Time) {
	switch ev.Kind {
	case models.StreamEventPriceTick:
		m.ds.UpdatePrice(ev.Symbol, ev.Price)
	case models.StreamEventCandleUpdate:
		m.ds.AppendCandle(ev.Symbol, ev.Candle)
	}
}

// pollDerivatives fans out each due derivative endpoint across every symbol
// concurrently via errgroup; one symbol's failure is logged and does not
// cancel its siblings' requests.
func (m *Manager) pollDerivatives(ctx context.Context, now time.Time) {
	if now.Sub(m.lastPremiumPoll) >= time.Duration(m.cfg.PremiumIndexPollSeconds)*time.Second {
		g, gctx := errgroup.WithContext(ctx)
		for _, symbol := range m.symbols {
			symbol := symbol
			g.Go(func() error {
				snap, err := m.rest.GetPremiumIndex(gctx, symbol)
				if err != nil {
					logger.Warn("premium index poll failed", zap.String("symbol", symbol), zap.Error(err))
					return nil
				}
				m.ds.SetFunding(symbol, snap)
				return nil
			})
		}
		_ = g.Wait()
		m.lastPremiumPoll = now
	}

	if now.Sub(m.lastFundingPoll) >= time.Duration(m.cfg.FundingPollSeconds)*time.Second {
		g, gctx := errgroup.WithContext(ctx)
		for _, symbol := range m.symbols {
			symbol := symbol
			g.Go(func() error {
				history, err := m.rest.GetFundingHistory(gctx, symbol, 3)
				if err != nil {
					logger.Warn("funding history poll failed", zap.String("symbol", symbol), zap.Error(err))
					return nil
				}
				m.ds.SetFundingHistory(symbol, history)
				return nil
			})
		}
		_ = g.Wait()
		m.lastFundingPoll = now
	}

	if now.Sub(m.lastOIPoll) >= time.Duration(m.cfg.OIPollSeconds)*time.Second {
		g, gctx := errgroup.WithContext(ctx)
		for _, symbol := range m.symbols {
			symbol := symbol
			g.Go(func() error {
				oi, err := m.rest.GetOpenInterest(gctx, symbol)
				if err != nil {
					logger.Warn("open interest poll failed", zap.String("symbol", symbol), zap.Error(err))
					return nil
				}
				m.ds.SetOpenInterest(symbol, oi)
				return nil
			})
		}
		_ = g.Wait()
		m.lastOIPoll = now
	}
}

func (m *Manager) pollRESTPrice(ctx context.Context, now time.Time) {
	if now.Sub(m.lastRESTPricePoll) < time.Duration(m.cfg.RESTPricePollSeconds)*time.Second {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, symbol := range m.symbols {
		symbol := symbol
		g.Go(func() error {
			tick, err := m.rest.GetPrice(gctx, symbol)
			if err != nil {
				logger.Warn("rest price poll failed", zap.String("symbol", symbol), zap.Error(err))
				return nil
			}
			m.ds.UpdatePrice(symbol, tick)
			return nil
		})
	}
	_ = g.Wait()
	m.lastRESTPricePoll = now
}

func (m *Manager) pollRESTKlines(ctx context.Context, now time.Time) {
	if now.Sub(m.lastRESTKlinePoll) < time.Duration(m.cfg.RESTKlinePollSeconds)*time.Second {
		return
	}
	m.stateSync(ctx, now, maxInt(120, m.cfg.StateSyncKlines))
	m.lastRESTKlinePoll = now
}

// stateSync fetches klines for every symbol concurrently and merges each
// into the datastore as it arrives.
func (m *Manager) stateSync(ctx context.Context, now time.Time, limit int) bool {
	var mu sync.Mutex
	ok := true
	g, gctx := errgroup.WithContext(ctx)
	for _, symbol := range m.symbols {
		symbol := symbol
		g.Go(func() error {
			candles, err := m.rest.GetKlines(gctx, symbol, limit)
			if err != nil {
				logger.Warn("state sync failed", zap.String("symbol", symbol), zap.Error(err))
				mu.Lock()
				ok = false
				mu.Unlock()
				return nil
			}
			m.ds.MergeKlines(symbol, candles)
			return nil
		})
	}
	_ = g.Wait()
	return ok
}

func (m *Manager) attemptWSRecover(ctx context.Context, now time.Time) {
	if now.Before(m.wsNextRetry) {
		return
	}

	if !m.wsConnected {
		if err := m.ws.Start(); err != nil {
			m.wsNextRetry = now.Add(m.backoff.Duration())
			logger.Warn("ws reconnect failed", zap.Error(err))
			return
		}
		m.wsConnected = true
		m.backoff.Reset()
	}

	staleThreshold := time.Duration(m.cfg.StaleSeconds) * time.Second
drain:
	for {
		select {
		case ev, ok := <-m.ws.Events():
			if !ok {
				break drain
			}
			m.applyEvent(ev, now)
			if ev.Kind == models.StreamEventPriceTick {
				m.wsGoodTicks = nextGoodTicks(m.wsGoodTicks, ev.Price.EventTimeMs, now, staleThreshold)
			}
			if ev.Kind == models.StreamEventErr {
				m.ws.Close()
				m.wsConnected = false
				m.wsNextRetry = now.Add(m.backoff.Duration())
				m.wsGoodTicks = 0
				return
			}
		default:
			break drain
		}
	}

	if m.wsGoodTicks >= m.cfg.WSRecoverGoodTicks {
		if m.stateSync(ctx, now, m.cfg.StateSyncKlines) {
			m.switchMode(modeWS, "*", "recovered", now)
			m.wsGoodTicks = 0
		}
	}
}

// nextGoodTicks folds one price-tick event into the running consecutive-
// fresh-tick streak: a fresh tick extends it, a stale one breaks it back to
// zero, so WSRecoverGoodTicks always measures a genuine run, never a total.
func nextGoodTicks(current int, tickEventTimeMs int64, now time.Time, staleThreshold time.Duration) int {
	if now.Sub(time.UnixMilli(tickEventTimeMs)) <= staleThreshold {
		return current + 1
	}
	return 0
}

// evaluateStaleness implements the WS->REST failover triggers from
// spec.md §4.4 conditions 2 and 3, checked against price event time and
// kline *close* time (spec.md's literal wording, not original_source's
// receive-time — see DESIGN.md).
func (m *Manager) evaluateStaleness(now time.Time) {
	if m.mode != modeWS {
		return
	}
	nowMs := m.clock.CorrectedNowMs(now)
	for _, symbol := range m.symbols {
		ages := m.ds.Ages(symbol, nowMs)
		if ages.PriceAgeMs > int64(m.cfg.StaleSeconds)*1000 {
			m.switchMode(modeREST, symbol, "price_stale", now)
			return
		}
		if ages.KlineAgeMs > m.cfg.KlineStaleMs {
			m.switchMode(modeREST, symbol, "kline_stale", now)
			return
		}
	}
}

func (m *Manager) switchMode(to mode, symbol, reason string, now time.Time) {
	if m.mode == to {
		return
	}
	from := m.mode
	m.mode = to
	logger.Warn("source_mode_switch",
		zap.String("from", from.String()), zap.String("to", to.String()),
		zap.String("reason", reason), zap.String("symbol", symbol))
}

func (m *Manager) freshnessContext(symbol string, now time.Time) models.SignalContext {
	nowMs := m.clock.CorrectedNowMs(now)
	ages := m.ds.Ages(symbol, nowMs)
	clockState, _ := m.clock.State(now)

	return models.SignalContext{
		Symbol:       symbol,
		NowMs:        nowMs,
		PriceFresh:   ages.PriceAgeMs >= 0 && ages.PriceAgeMs <= int64(m.cfg.StaleSeconds)*1000,
		KlineFresh:   ages.KlineAgeMs >= 0 && ages.KlineAgeMs <= m.cfg.KlineStaleMs,
		FundingFresh: ages.FundingAgeMs >= 0 && ages.FundingAgeMs <= int64(m.cfg.PremiumIndexPollSeconds)*3*1000,
		OIFresh:      ages.OIAgeMs >= 0 && ages.OIAgeMs <= int64(m.cfg.OIPollSeconds)*3*1000,
		ClockState:   clockState,
	}
}

func (m *Manager) logHealthIfNeeded(now time.Time) models.HealthSummary {
	if now.Sub(m.lastHealthLog) < time.Duration(m.cfg.HealthSummaryIntervalSec)*time.Second {
		return models.HealthSummary{}
	}
	m.lastHealthLog = now

	nowMs := m.clock.CorrectedNowMs(now)
	clockState, syncAge := m.clock.State(now)

	var last models.HealthSummary
	for _, symbol := range m.symbols {
		ages := m.ds.Ages(symbol, nowMs)
		ages = clampFutureAges(symbol, ages)
		snap := m.ds.Snapshot(symbol)
		summary := models.HealthSummary{
			Symbol:              symbol,
			Mode:                m.mode.String(),
			PriceAgeMs:          ages.PriceAgeMs,
			KlineAgeMs:          ages.KlineAgeMs,
			FundingAgeMs:        ages.FundingAgeMs,
			OIAgeMs:             ages.OIAgeMs,
			BufferSize:          len(snap.Candles),
			ClockState:          clockState,
			LastServerSyncAgeMs: syncAge,
			Timestamp:           now,
		}
		logger.Info("health_summary",
			zap.String("symbol", symbol), zap.String("mode", summary.Mode),
			zap.Int64("price_age_ms", summary.PriceAgeMs), zap.Int64("kline_age_ms", summary.KlineAgeMs),
			zap.Int64("funding_age_ms", summary.FundingAgeMs), zap.Int64("oi_age_ms", summary.OIAgeMs),
			zap.Int("buffer_size", summary.BufferSize), zap.String("clock_state", clockState.String()))
		if m.healthSink != nil {
			m.healthSink(summary)
		}
		last = summary
	}
	return last
}

// clampFutureAges clamps ages that imply a timestamp in the future to 0 and
// logs a warning, per spec.md §4.4.
func clampFutureAges(symbol string, ages models.SymbolAges) models.SymbolAges {
	clamp := func(name string, v int64) int64 {
		if v < 0 {
			logger.Warn("timestamp_in_future", zap.String("symbol", symbol), zap.String("field", name), zap.Int64("ahead_ms", -v))
			return 0
		}
		return v
	}
	return models.SymbolAges{
		PriceAgeMs:   clamp("price", ages.PriceAgeMs),
		KlineAgeMs:   clamp("kline", ages.KlineAgeMs),
		FundingAgeMs: clamp("funding", ages.FundingAgeMs),
		OIAgeMs:      clamp("oi", ages.OIAgeMs),
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
