package risk

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skalibog/bfma/internal/config"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	cfg := config.RiskConfig{
		MaxCardsPerDay:              3,
		MaxDailyLossUSDT:            50,
		CooldownAfterTriggerMinutes: 30,
		RiskStatePath:               filepath.Join(dir, "risk_state.json"),
		PnLCSVPath:                  filepath.Join(dir, "pnl_ledger.csv"),
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestEvaluateAllowsWhenClear(t *testing.T) {
	e := testEngine(t)
	decision := e.Evaluate("BTCUSDT", time.Now())
	if decision.Blocked {
		t.Fatalf("expected an unblocked decision, got reason=%s", decision.Reason)
	}
}

func TestEvaluateBlocksOnKillSwitch(t *testing.T) {
	e := testEngine(t)
	e.cfg.KillSwitch = true
	decision := e.Evaluate("BTCUSDT", time.Now())
	if !decision.Blocked || decision.Reason != "kill_switch" {
		t.Fatalf("expected kill_switch block, got %+v", decision)
	}
}

func TestEvaluateBlocksOnMaxCardsPerDay(t *testing.T) {
	e := testEngine(t)
	now := time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC) // all four timestamps fall on one UTC day
	for i := 0; i < 3; i++ {
		if err := e.RecordTrigger("BTCUSDT", now.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatalf("RecordTrigger: %v", err)
		}
	}
	decision := e.Evaluate("ETHUSDT", now.Add(4*time.Hour))
	if !decision.Blocked || decision.Reason != "max_cards_per_day_exceeded" {
		t.Fatalf("expected max_cards_per_day_exceeded, got %+v", decision)
	}
}

func TestEvaluateBlocksOnMaxDailyLoss(t *testing.T) {
	e := testEngine(t)
	now := time.Now()
	if err := e.RecordPnL("BTCUSDT", -60, now); err != nil {
		t.Fatalf("RecordPnL: %v", err)
	}
	decision := e.Evaluate("BTCUSDT", now)
	if !decision.Blocked || decision.Reason != "max_daily_loss_exceeded" {
		t.Fatalf("expected max_daily_loss_exceeded, got %+v", decision)
	}
}

func TestEvaluateBlocksOnCooldown(t *testing.T) {
	e := testEngine(t)
	now := time.Now()
	if err := e.RecordTrigger("BTCUSDT", now); err != nil {
		t.Fatalf("RecordTrigger: %v", err)
	}
	decision := e.Evaluate("BTCUSDT", now.Add(5*time.Minute))
	if !decision.Blocked || decision.Reason != "cooldown" {
		t.Fatalf("expected cooldown, got %+v", decision)
	}
	// a different symbol is unaffected by BTCUSDT's cooldown
	decision = e.Evaluate("ETHUSDT", now.Add(5*time.Minute))
	if decision.Blocked {
		t.Fatalf("expected ETHUSDT to be unblocked, got reason=%s", decision.Reason)
	}
}

func TestDayRolloverResetsCounters(t *testing.T) {
	e := testEngine(t)
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		if err := e.RecordTrigger("BTCUSDT", now); err != nil {
			t.Fatalf("RecordTrigger: %v", err)
		}
	}
	nextDay := now.Add(25 * time.Hour)
	decision := e.Evaluate("BTCUSDT", nextDay)
	if decision.Blocked {
		t.Fatalf("expected the new day to reset the daily card count, got reason=%s", decision.Reason)
	}
}

func TestPersistenceSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	cfg := config.RiskConfig{
		MaxCardsPerDay:   10,
		MaxDailyLossUSDT: 100,
		RiskStatePath:    filepath.Join(dir, "risk_state.json"),
	}
	e1, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := time.Now()
	if err := e1.RecordTrigger("BTCUSDT", now); err != nil {
		t.Fatalf("RecordTrigger: %v", err)
	}

	e2, err := New(cfg)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, ok := e2.LastTriggerAt("BTCUSDT"); !ok {
		t.Fatalf("expected the reloaded engine to see the persisted trigger")
	}
}

func TestPersistLockedWritesAtomically(t *testing.T) {
	e := testEngine(t)
	if err := e.RecordTrigger("BTCUSDT", time.Now()); err != nil {
		t.Fatalf("RecordTrigger: %v", err)
	}
	if _, err := os.Stat(e.cfg.RiskStatePath); err != nil {
		t.Fatalf("expected risk state file to exist: %v", err)
	}
	entries, err := os.ReadDir(filepath.Dir(e.cfg.RiskStatePath))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) == ".tmp" {
			t.Fatalf("expected no leftover temp file, found %s", entry.Name())
		}
	}
}
