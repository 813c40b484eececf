// Package datastore holds the thread-safe, in-memory per-symbol state that
// SourceManager writes to and SignalContext construction reads a consistent
// snapshot of.
package datastore

import (
	"sort"
	"sync"

	"github.com/skalibog/bfma/pkg/models"
)

const (
	candleBufferCapacity   = 500
	oiHistoryCapacity      = 24
	fundingHistoryCapacity = 30
)

type symbolEntry struct {
	mu    sync.Mutex
	state models.SymbolState
}

// Store is the DataStore: one mutex per symbol so BTCUSDT and ETHUSDT
// writers never contend, and no ordering across symbols is implied.
type Store struct {
	mu      sync.RWMutex // guards the symbols map itself, not its entries
	symbols map[string]*symbolEntry
}

// New builds an empty store seeded with the given symbols.
func New(symbols []string) *Store {
	s := &Store{symbols: make(map[string]*symbolEntry, len(symbols))}
	for _, sym := range symbols {
		s.symbols[sym] = &symbolEntry{state: models.SymbolState{Symbol: sym}}
	}
	return s
}

func (s *Store) entry(symbol string) *symbolEntry {
	s.mu.RLock()
	e, ok := s.symbols[symbol]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.symbols[symbol]; ok {
		return e
	}
	e = &symbolEntry{state: models.SymbolState{Symbol: symbol}}
	s.symbols[symbol] = e
	return e
}

// UpdatePrice applies a price tick if it is not older than the currently
// stored one (monotonic per symbol).
func (s *Store) UpdatePrice(symbol string, tick models.PriceTick) {
	e := s.entry(symbol)
	e.mu.Lock()
	defer e.mu.Unlock()
	if tick.EventTimeMs < e.state.LatestPrice.EventTimeMs {
		return
	}
	e.state.LatestPrice = tick
}

// AppendCandle inserts a closed candle in order (deduping by open time) or
// replaces the in-progress slot for a non-closed update. Only closed
// candles advance LastKlineCloseTsMs — a re-emitted non-closed candle for
// an already-closed bar never rewinds it.
func (s *Store) AppendCandle(symbol string, c models.Candle1m) {
	e := s.entry(symbol)
	e.mu.Lock()
	defer e.mu.Unlock()

	if !c.IsClosed {
		e.state.InProgressCandle = &c
		return
	}

	candles := e.state.Candles
	idx := sort.Search(len(candles), func(i int) bool { return candles[i].OpenTimeMs >= c.OpenTimeMs })
	switch {
	case idx < len(candles) && candles[idx].OpenTimeMs == c.OpenTimeMs:
		candles[idx] = c
	case idx == len(candles):
		candles = append(candles, c)
	default:
		candles = append(candles, models.Candle1m{})
		copy(candles[idx+1:], candles[idx:])
		candles[idx] = c
	}
	if len(candles) > candleBufferCapacity {
		candles = candles[len(candles)-candleBufferCapacity:]
	}
	e.state.Candles = candles

	if c.OpenTimeMs >= inProgressOpenTime(e.state.InProgressCandle) {
		e.state.InProgressCandle = nil
	}
	if c.CloseTimeMs > e.state.LastKlineCloseTsMs {
		e.state.LastKlineCloseTsMs = c.CloseTimeMs
	}
}

// MergeKlines bulk-applies a sequence of closed candles, preserving
// ordering and deduplication. Applying the same sequence twice yields the
// same buffer content as one application (idempotent).
func (s *Store) MergeKlines(symbol string, candles []models.Candle1m) {
	for _, c := range candles {
		c.IsClosed = true
		s.AppendCandle(symbol, c)
	}
}

// SetFunding applies a funding/mark snapshot if not older than the stored
// one.
func (s *Store) SetFunding(symbol string, f models.FundingSnapshot) {
	e := s.entry(symbol)
	e.mu.Lock()
	defer e.mu.Unlock()
	if f.EventTimeMs < e.state.LatestFunding.EventTimeMs {
		return
	}
	e.state.LatestFunding = f
}

// SetFundingHistory merges a batch of recent funding-rate settlements into
// the bounded history ring, deduping by EventTimeMs and keeping it ordered
// oldest-first, mirroring SetOpenInterest's ring behavior.
func (s *Store) SetFundingHistory(symbol string, history []models.FundingSnapshot) {
	if len(history) == 0 {
		return
	}
	e := s.entry(symbol)
	e.mu.Lock()
	defer e.mu.Unlock()

	merged := append([]models.FundingSnapshot(nil), e.state.FundingHistory...)
	for _, f := range history {
		idx := sort.Search(len(merged), func(i int) bool { return merged[i].EventTimeMs >= f.EventTimeMs })
		switch {
		case idx < len(merged) && merged[idx].EventTimeMs == f.EventTimeMs:
			merged[idx] = f
		case idx == len(merged):
			merged = append(merged, f)
		default:
			merged = append(merged, models.FundingSnapshot{})
			copy(merged[idx+1:], merged[idx:])
			merged[idx] = f
		}
	}
	if len(merged) > fundingHistoryCapacity {
		merged = merged[len(merged)-fundingHistoryCapacity:]
	}
	e.state.FundingHistory = merged
}

// SetOpenInterest applies the latest OI reading and pushes it to the
// bounded history ring.
func (s *Store) SetOpenInterest(symbol string, oi models.OpenInterestSnapshot) {
	e := s.entry(symbol)
	e.mu.Lock()
	defer e.mu.Unlock()
	if oi.EventTimeMs < e.state.LatestOI.EventTimeMs {
		return
	}
	e.state.LatestOI = oi
	e.state.OIHistory = append(e.state.OIHistory, oi)
	if len(e.state.OIHistory) > oiHistoryCapacity {
		e.state.OIHistory = e.state.OIHistory[len(e.state.OIHistory)-oiHistoryCapacity:]
	}
}

// Snapshot returns a deep-enough copy of a symbol's state: callers may not
// observe later mutations through it.
func (s *Store) Snapshot(symbol string) models.SymbolState {
	e := s.entry(symbol)
	e.mu.Lock()
	defer e.mu.Unlock()

	cp := e.state
	cp.Candles = append([]models.Candle1m(nil), e.state.Candles...)
	cp.OIHistory = append([]models.OpenInterestSnapshot(nil), e.state.OIHistory...)
	cp.FundingHistory = append([]models.FundingSnapshot(nil), e.state.FundingHistory...)
	if e.state.InProgressCandle != nil {
		ip := *e.state.InProgressCandle
		cp.InProgressCandle = &ip
	}
	return cp
}

// Ages reports the freshness, in milliseconds, of each stream relative to
// now. Ages implied to be in the future are clamped to 0 by the caller
// (SourceManager), which also emits the timestamp_in_future warning.
func (s *Store) Ages(symbol string, nowMs int64) models.SymbolAges {
	snap := s.Snapshot(symbol)
	return models.SymbolAges{
		PriceAgeMs:   nowMs - snap.LatestPrice.EventTimeMs,
		KlineAgeMs:   nowMs - snap.LastKlineCloseTsMs,
		FundingAgeMs: nowMs - snap.LatestFunding.EventTimeMs,
		OIAgeMs:      nowMs - snap.LatestOI.EventTimeMs,
	}
}

func inProgressOpenTime(c *models.Candle1m) int64 {
	if c == nil {
		return 0
	}
	return c.OpenTimeMs
}
