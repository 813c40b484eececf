// Package risk gates dispatch by kill-switch, daily card count, daily
// realized loss, and per-symbol cooldown, and persists its state
// atomically so a crash between steps never leaves a half-written file.
package risk

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/skalibog/bfma/internal/config"
	"github.com/skalibog/bfma/pkg/logger"
	"github.com/skalibog/bfma/pkg/models"
	"go.uber.org/zap"
)

// Engine implements spec §4.8's ordered gate chain over a flat, atomically
// persisted RiskState (day_key, cards_today, realized_pnl_today,
// last_trigger_at_ms), superseding original_source's nested per-day schema
// and non-atomic json.dump (see DESIGN.md).
type Engine struct {
	cfg config.RiskConfig

	mu    sync.Mutex
	state models.RiskState
}

// New loads (or initializes) the persisted RiskState.
func New(cfg config.RiskConfig) (*Engine, error) {
	e := &Engine{cfg: cfg}
	if err := e.load(); err != nil {
		return nil, err
	}
	return e, nil
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Evaluate runs the gate chain in spec order: kill_switch -> day-rollover
// reset -> cards_today>=max -> realized_pnl<=-max_daily_loss -> cooldown.
// Day rollover is reset before gating, per spec's testable property.
func (e *Engine) Evaluate(symbol string, now time.Time) models.RiskDecision {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cfg.KillSwitch {
		return models.RiskDecision{Blocked: true, Reason: "kill_switch"}
	}

	e.resetIfNewDayLocked(now)

	if e.state.CardsToday >= e.cfg.MaxCardsPerDay {
		return models.RiskDecision{Blocked: true, Reason: "max_cards_per_day_exceeded"}
	}
	maxLoss := decimal.NewFromFloat(-e.cfg.MaxDailyLossUSDT)
	if e.state.RealizedPnLToday.LessThanOrEqual(maxLoss) {
		return models.RiskDecision{Blocked: true, Reason: "max_daily_loss_exceeded"}
	}

	if lastMs, ok := e.state.LastTriggerAtMs[symbol]; ok {
		cooldownMs := int64(e.cfg.CooldownAfterTriggerMinutes) * 60_000
		if now.UnixMilli()-lastMs < cooldownMs {
			return models.RiskDecision{Blocked: true, Reason: "cooldown"}
		}
	}

	return models.RiskDecision{Blocked: false, Reason: "ok"}
}

// RecordTrigger increments the daily count, stamps the symbol's last
// trigger time, and persists the state atomically.
func (e *Engine) RecordTrigger(symbol string, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.resetIfNewDayLocked(now)
	e.state.CardsToday++
	if e.state.LastTriggerAtMs == nil {
		e.state.LastTriggerAtMs = make(map[string]int64)
	}
	e.state.LastTriggerAtMs[symbol] = now.UnixMilli()
	return e.persistLocked()
}

// RecordPnL appends a realized-PnL event to the append-only ledger and
// folds it into today's running total.
func (e *Engine) RecordPnL(symbol string, usdt float64, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.resetIfNewDayLocked(now)
	e.state.RealizedPnLToday = e.state.RealizedPnLToday.Add(decimal.NewFromFloat(usdt))
	if err := e.appendPnLLedgerLocked(symbol, usdt, now); err != nil {
		logger.Warn("pnl ledger append failed", zap.Error(err))
	}
	return e.persistLocked()
}

// LastTriggerAt is the LastDispatchLookup Arbitrator is wired to, per
// original_source's dependency-injected lookup pattern (see DESIGN.md).
func (e *Engine) LastTriggerAt(symbol string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ms, ok := e.state.LastTriggerAtMs[symbol]
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func (e *Engine) resetIfNewDayLocked(now time.Time) {
	today := dayKey(now)
	if e.state.DayKey == today {
		return
	}
	e.state.DayKey = today
	e.state.CardsToday = 0
	e.state.RealizedPnLToday = decimal.Zero
}

func (e *Engine) load() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := os.ReadFile(e.cfg.RiskStatePath)
	if os.IsNotExist(err) {
		e.state = models.RiskState{DayKey: dayKey(time.Now()), RealizedPnLToday: decimal.Zero, LastTriggerAtMs: make(map[string]int64)}
		return e.persistLocked()
	}
	if err != nil {
		return fmt.Errorf("read risk state %s: %w", e.cfg.RiskStatePath, err)
	}

	var state models.RiskState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("decode risk state %s: %w", e.cfg.RiskStatePath, err)
	}
	if state.LastTriggerAtMs == nil {
		state.LastTriggerAtMs = make(map[string]int64)
	}
	e.state = state
	return nil
}

// persistLocked writes RiskState via temp-file-plus-rename so a crash
// between steps never leaves a half-written file.
func (e *Engine) persistLocked() error {
	data, err := json.MarshalIndent(e.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal risk state: %w", err)
	}

	dir := filepath.Dir(e.cfg.RiskStatePath)
	tmp, err := os.CreateTemp(dir, ".risk_state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp risk state: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp risk state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp risk state: %w", err)
	}
	if err := os.Rename(tmpPath, e.cfg.RiskStatePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename risk state into place: %w", err)
	}
	return nil
}

func (e *Engine) appendPnLLedgerLocked(symbol string, usdt float64, now time.Time) error {
	if e.cfg.PnLCSVPath == "" {
		return nil
	}
	needsHeader := false
	if _, err := os.Stat(e.cfg.PnLCSVPath); os.IsNotExist(err) {
		needsHeader = true
	}

	f, err := os.OpenFile(e.cfg.PnLCSVPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if needsHeader {
		if err := w.Write([]string{"timestamp_ms", "symbol", "usdt"}); err != nil {
			return err
		}
	}
	usdtStr := decimal.NewFromFloat(usdt).StringFixed(8)
	return w.Write([]string{strconv.FormatInt(now.UnixMilli(), 10), symbol, usdtStr})
}
