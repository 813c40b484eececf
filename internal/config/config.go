package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/apapsch/go-jsonmerge/v2"
	"gopkg.in/yaml.v2"

	"github.com/skalibog/bfma/pkg/logger"
	"go.uber.org/zap"
)

// Config is the full application configuration.
type Config struct {
	Exchange      ExchangeConfig      `yaml:"exchange"`
	Symbols       []string            `yaml:"symbols"`
	Service       ServiceConfig       `yaml:"service"`
	SourceManager SourceManagerConfig `yaml:"source_manager"`
	Calc          CalcConfig          `yaml:"calc"`
	Strategies    StrategiesConfig    `yaml:"strategies"`
	Arbitrator    ArbitratorConfig    `yaml:"arbitrator"`
	Risk          RiskConfig          `yaml:"risk"`
	Audit         AuditConfig         `yaml:"audit"`
	Notify        NotifyConfig        `yaml:"notify"`
	Clock         ClockConfig         `yaml:"clock"`
	TestEmit      TestEmitConfig      `yaml:"test_emit"`
}

// ExchangeConfig holds exchange API connection settings.
type ExchangeConfig struct {
	APIKey        string `yaml:"api_key"`
	APISecret     string `yaml:"api_secret"`
	Testnet       bool   `yaml:"testnet"`
	RESTTimeoutMs int    `yaml:"rest_timeout_ms"`
	KlineLimit    int    `yaml:"kline_limit"`
}

// ServiceConfig holds tick-loop orchestration settings.
type ServiceConfig struct {
	PollSeconds int `yaml:"poll_seconds"`
}

// SourceManagerConfig holds WS/REST failover and freshness thresholds.
type SourceManagerConfig struct {
	StaleSeconds             int   `yaml:"stale_seconds"`
	KlineStaleMs             int64 `yaml:"kline_stale_ms"`
	WSRecoverGoodTicks       int   `yaml:"ws_recover_good_ticks"`
	WSBackoffMinMs           int   `yaml:"ws_backoff_min_ms"`
	WSBackoffMaxMs           int   `yaml:"ws_backoff_max_ms"`
	RESTPricePollSeconds     int   `yaml:"rest_price_poll_seconds"`
	RESTKlinePollSeconds     int   `yaml:"rest_kline_poll_seconds"`
	StateSyncKlines          int   `yaml:"state_sync_klines"`
	PremiumIndexPollSeconds  int   `yaml:"premiumindex_poll_seconds"`
	FundingPollSeconds       int   `yaml:"funding_poll_seconds"`
	OIPollSeconds            int   `yaml:"oi_poll_seconds"`
	HealthSummaryIntervalSec int   `yaml:"health_summary_interval_seconds"`
}

// ClockConfig holds clock-skew sanity check settings.
type ClockConfig struct {
	ServerTimeRefreshSec       int   `yaml:"server_time_refresh_sec"`
	MaxClockErrorMs            int64 `yaml:"max_clock_error_ms"`
	ClockDegradedTTLMs         int64 `yaml:"clock_degraded_ttl_ms"`
	ServerTimeDegradedRetrySec int   `yaml:"server_time_degraded_retry_sec"`
}

// CalcConfig holds thresholds for the pure calculation functions.
type CalcConfig struct {
	OIZScoreBaselineWindows int `yaml:"oi_zscore_baseline_windows"`
	OIHistoryMinSamples     int `yaml:"oi_history_min_samples"`
}

// StrategyConfig holds the per-strategy tunables spec.md §6 enumerates,
// plus the per-strategy TTL/leverage granularity adopted from
// original_source (see DESIGN.md).
type StrategyConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Priority        int     `yaml:"priority"`
	LeverageSuggest int     `yaml:"leverage_suggest"`
	TTLMinutes      int     `yaml:"ttl_minutes"`
	MaxRiskUSDT     float64 `yaml:"max_risk_usdt"`
}

// StrategiesConfig groups the four strategy configs plus their shared
// thresholds.
type StrategiesConfig struct {
	FakeBreakoutReversal StrategyConfig `yaml:"fake_breakout_reversal"`
	FundingOiSkew        StrategyConfig `yaml:"funding_oi_skew"`
	LiquidationFollow    StrategyConfig `yaml:"liquidation_follow"`
	VolBreakout          StrategyConfig `yaml:"vol_breakout"`

	SweepPct           float64 `yaml:"sweep_pct"`
	WickBodyRatio      float64 `yaml:"wick_body_ratio"`
	StopBufferATR      float64 `yaml:"stop_buffer_atr"`
	MinATRPct          float64 `yaml:"min_atr_pct"`
	FundingExtreme     float64 `yaml:"funding_extreme"`
	OIZScoreThreshold  float64 `yaml:"oi_zscore_threshold"`
	OIDeltaPct         float64 `yaml:"oi_delta_pct"`
	ReturnThreshold    float64 `yaml:"return_threshold"`
	ATRSpikeMultiplier float64 `yaml:"atr_spike_multiplier"`
}

// ArbitratorConfig holds dedupe/similarity thresholds.
type ArbitratorConfig struct {
	DedupeWindowSeconds int     `yaml:"dedupe_window_seconds"`
	EntrySimilarPct     float64 `yaml:"entry_similar_pct"`
	StopSimilarPct      float64 `yaml:"stop_similar_pct"`
}

// RiskConfig holds gate thresholds and persisted-state file paths.
type RiskConfig struct {
	KillSwitch                  bool    `yaml:"kill_switch"`
	MaxCardsPerDay              int     `yaml:"max_cards_per_day"`
	MaxDailyLossUSDT            float64 `yaml:"max_daily_loss_usdt"`
	CooldownAfterTriggerMinutes int     `yaml:"cooldown_after_trigger_minutes"`
	RiskStatePath               string  `yaml:"risk_state_path"`
	PnLCSVPath                  string  `yaml:"pnl_csv_path"`
}

// AuditConfig holds the optional write-behind audit sink settings.
type AuditConfig struct {
	Enabled      bool   `yaml:"enabled"`
	InfluxURL    string `yaml:"influx_url"`
	InfluxToken  string `yaml:"influx_token"`
	Org          string `yaml:"org"`
	Bucket       string `yaml:"bucket"`
}

// NotifyConfig holds the outbound notification transport settings.
type NotifyConfig struct {
	PostbackURL string `yaml:"postback_url"`
}

// TestEmitConfig holds the opt-in heartbeat-card settings, adopted from
// original_source (see DESIGN.md).
type TestEmitConfig struct {
	Enabled          bool `yaml:"enabled"`
	IntervalSeconds  int  `yaml:"interval_seconds"`
}

func defaultsJSON() []byte {
	return []byte(`{
  "exchange": {"testnet": false, "rest_timeout_ms": 10000, "kline_limit": 500},
  "symbols": ["BTCUSDT", "ETHUSDT"],
  "service": {"poll_seconds": 1},
  "source_manager": {
    "stale_seconds": 5,
    "kline_stale_ms": 90000,
    "ws_recover_good_ticks": 3,
    "ws_backoff_min_ms": 500,
    "ws_backoff_max_ms": 30000,
    "rest_price_poll_seconds": 2,
    "rest_kline_poll_seconds": 5,
    "state_sync_klines": 500,
    "premiumindex_poll_seconds": 15,
    "funding_poll_seconds": 60,
    "oi_poll_seconds": 60,
    "health_summary_interval_seconds": 60
  },
  "clock": {
    "server_time_refresh_sec": 300,
    "max_clock_error_ms": 2000,
    "clock_degraded_ttl_ms": 60000,
    "server_time_degraded_retry_sec": 30
  },
  "calc": {"oi_zscore_baseline_windows": 96, "oi_history_min_samples": 10},
  "strategies": {
    "fake_breakout_reversal": {"enabled": true, "priority": 100, "leverage_suggest": 50, "ttl_minutes": 5, "max_risk_usdt": 10},
    "funding_oi_skew": {"enabled": true, "priority": 80, "leverage_suggest": 35, "ttl_minutes": 12, "max_risk_usdt": 10},
    "liquidation_follow": {"enabled": true, "priority": 60, "leverage_suggest": 30, "ttl_minutes": 10, "max_risk_usdt": 10},
    "vol_breakout": {"enabled": true, "priority": 40, "leverage_suggest": 20, "ttl_minutes": 15, "max_risk_usdt": 10},
    "sweep_pct": 0.001,
    "wick_body_ratio": 1.5,
    "stop_buffer_atr": 0.3,
    "min_atr_pct": 0.0005,
    "funding_extreme": 0.0005,
    "oi_zscore_threshold": 2.0,
    "oi_delta_pct": 0.05,
    "return_threshold": 0.01,
    "atr_spike_multiplier": 1.8
  },
  "arbitrator": {"dedupe_window_seconds": 60, "entry_similar_pct": 0.001, "stop_similar_pct": 0.002},
  "risk": {
    "kill_switch": false,
    "max_cards_per_day": 20,
    "max_daily_loss_usdt": 200,
    "cooldown_after_trigger_minutes": 30,
    "risk_state_path": "risk_state.json",
    "pnl_csv_path": "pnl_ledger.csv"
  },
  "audit": {"enabled": false},
  "notify": {},
  "test_emit": {"enabled": false, "interval_seconds": 900}
}`)
}

// Load reads a YAML config file, merges it over the built-in defaults, and
// returns the resulting Config. A missing file is not an error: defaults
// alone are returned.
func Load(path string) (*Config, error) {
	merger := jsonmerge.Merger{}

	overrideJSON := []byte(`{}`)
	if data, err := os.ReadFile(path); err == nil {
		var raw map[string]interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config yaml %s: %w", path, err)
		}
		overrideJSON, err = yamlMapToJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("normalize config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var defaultsData, overrideData interface{}
	if err := json.Unmarshal(defaultsJSON(), &defaultsData); err != nil {
		return nil, fmt.Errorf("parse config defaults: %w", err)
	}
	if err := json.Unmarshal(overrideJSON, &overrideData); err != nil {
		return nil, fmt.Errorf("parse config overrides: %w", err)
	}
	mergedData := merger.Merge(defaultsData, overrideData)
	merged, err := json.Marshal(mergedData)
	if err != nil {
		return nil, fmt.Errorf("merge config defaults: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(merged, &cfg); err != nil {
		return nil, fmt.Errorf("decode merged config: %w", err)
	}

	logger.Info("configuration loaded", zap.String("path", path), zap.Strings("symbols", cfg.Symbols))
	return &cfg, nil
}

// yamlMapToJSON converts a yaml.v2-decoded map (which nests
// map[interface{}]interface{}) into JSON bytes, recursively normalizing keys
// to strings so encoding/json can marshal it.
func yamlMapToJSON(raw map[string]interface{}) ([]byte, error) {
	return json.Marshal(normalizeYAML(raw))
}

func normalizeYAML(v interface{}) interface{} {
	switch v := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(v))
		for k, val := range v {
			m[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return m
	case map[string]interface{}:
		m := make(map[string]interface{}, len(v))
		for k, val := range v {
			m[k] = normalizeYAML(val)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(v))
		for i, val := range v {
			s[i] = normalizeYAML(val)
		}
		return s
	default:
		return v
	}
}
