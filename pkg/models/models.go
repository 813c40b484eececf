package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle1m is one closed or in-progress one-minute OHLCV bar.
type Candle1m struct {
	OpenTimeMs  int64
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64
	CloseTimeMs int64
	IsClosed    bool
}

// Candle15m is a 15-minute bar aggregated from the fifteen closed Candle1m
// entries of one window aligned to a 15-minute epoch boundary.
type Candle15m struct {
	OpenTimeMs int64
	Open       float64
	High       float64
	Low        float64
	Close      float64
}

// PriceTick is a single best-bid/ask-derived price observation.
type PriceTick struct {
	Symbol         string
	Price          float64
	EventTimeMs    int64
	ReceivedTimeMs int64
}

// FundingSnapshot is the latest premium-index reading: mark price plus the
// most recent funding rate.
type FundingSnapshot struct {
	MarkPrice         float64
	LastFundingRate   float64
	NextFundingTimeMs int64
	EventTimeMs       int64
}

// OpenInterestSnapshot is a single open-interest observation.
type OpenInterestSnapshot struct {
	OIValue     float64
	EventTimeMs int64
}

// ClockState reflects whether the local clock is trusted to be in sync with
// the exchange server clock.
type ClockState int

const (
	ClockNormal ClockState = iota
	ClockDegraded
)

func (c ClockState) String() string {
	if c == ClockDegraded {
		return "degraded"
	}
	return "normal"
}

// Side is the direction of a proposed position.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// StreamEventKind discriminates the payload carried by a StreamEvent.
type StreamEventKind int

const (
	StreamEventPriceTick StreamEventKind = iota
	StreamEventCandleUpdate
	StreamEventErr
)

// StreamEvent is the tagged-union event ExchangeClientWS delivers on its
// event channel. Exactly one of Price/Candle/Err is populated, selected by
// Kind.
type StreamEvent struct {
	Kind   StreamEventKind
	Symbol string
	Price  PriceTick
	Candle Candle1m
	Err    error
}

// SymbolState is the per-symbol state DataStore owns: latest observations
// plus enough history for indicator computation.
type SymbolState struct {
	Symbol             string
	LatestPrice        PriceTick
	Candles            []Candle1m // ring buffer, ordered by OpenTimeMs, closed candles only
	InProgressCandle   *Candle1m
	LatestFunding      FundingSnapshot
	FundingHistory     []FundingSnapshot
	LatestOI           OpenInterestSnapshot
	OIHistory          []OpenInterestSnapshot
	LastKlineCloseTsMs int64
}

// SymbolAges reports how stale, in milliseconds, each stream is relative to
// a reference "now".
type SymbolAges struct {
	PriceAgeMs   int64
	KlineAgeMs   int64
	FundingAgeMs int64
	OIAgeMs      int64
}

// SignalContext is the immutable, per-tick view strategies evaluate against.
// Absent optional numeric fields are represented via the accompanying *Ok
// booleans rather than sentinel numbers, so "no ATR yet" can never be
// mistaken for "ATR is zero".
type SignalContext struct {
	Symbol string
	NowMs  int64
	Price  float64

	Ret5m   float64
	Ret5mOk bool

	ATR15m      float64
	ATR15mOk    bool
	ATRBaseline float64
	ATRBaseOk   bool

	FundingRate float64
	MarkPrice   float64

	OI            float64
	OIZScore      float64
	OIZScoreOk    bool
	OIDelta15mPct float64
	OIDeltaOk     bool

	Last20mHigh   float64
	Last20mLow    float64
	RecentClosed  []Candle1m // closed 1m candles feeding the strategies

	PriceFresh   bool
	KlineFresh   bool
	FundingFresh bool
	OIFresh      bool

	ClockState ClockState
}

// ProposalCard is the structured decision artifact a strategy emits and the
// arbitrator selects at most one of, per symbol per tick.
type ProposalCard struct {
	Symbol          string
	Strategy        string
	Side            Side
	Entry           float64
	Stop            float64
	LeverageSuggest int
	PositionUSDT    float64
	PositionUSDTOk  bool
	MaxRiskUSDT     float64
	TTLMinutes      int
	Rationale       string
	Priority        int
	Confidence      float64
	CreatedAtMs     int64
	TraceID         string
}

// RiskDecision is the structured result of RiskEngine.Evaluate: never an
// error, so a blocked card is an ordinary control-flow value.
type RiskDecision struct {
	Blocked bool
	Reason  string
}

// RiskState is RiskEngine's persisted, atomically-rewritten state.
// RealizedPnLToday is decimal-backed since it accumulates across every
// RecordPnL call for the day and a float64 running total would drift.
type RiskState struct {
	DayKey           string           `json:"day_key"`
	CardsToday       int              `json:"cards_today"`
	RealizedPnLToday decimal.Decimal  `json:"realized_pnl_today"`
	LastTriggerAtMs  map[string]int64 `json:"last_trigger_at_ms"`
}

// HealthSummary is SourceManager's periodic per-symbol status report.
type HealthSummary struct {
	Symbol               string
	Mode                 string
	PriceAgeMs           int64
	KlineAgeMs           int64
	FundingAgeMs         int64
	OIAgeMs              int64
	BufferSize           int
	ClockState           ClockState
	LastServerSyncAgeMs  int64
	Timestamp            time.Time
}
