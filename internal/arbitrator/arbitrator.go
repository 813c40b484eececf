// Package arbitrator collapses one symbol's candidate proposal cards down
// to at most one winner per tick: a dedupe window against the last
// dispatch, similarity clustering within each side, and a deterministic
// tie-break.
package arbitrator

import (
	"math"
	"sort"
	"time"

	"github.com/skalibog/bfma/internal/config"
	"github.com/skalibog/bfma/pkg/logger"
	"go.uber.org/zap"

	"github.com/skalibog/bfma/pkg/models"
)

// LastDispatchLookup returns the time a card was last dispatched for a
// symbol, and whether one has ever been dispatched. The Arbitrator does not
// own this registry — it is injected from RiskEngine's own trigger state,
// following original_source's `last_sent_lookup` wiring (see DESIGN.md).
type LastDispatchLookup func(symbol string) (time.Time, bool)

// Arbitrator implements spec §4.7's dedupe + similarity-collapse +
// tie-break algorithm.
type Arbitrator struct {
	cfg      config.ArbitratorConfig
	lastSent LastDispatchLookup
}

// New builds an Arbitrator. lastSent is typically RiskEngine.LastTriggerAt.
func New(cfg config.ArbitratorConfig, lastSent LastDispatchLookup) *Arbitrator {
	return &Arbitrator{cfg: cfg, lastSent: lastSent}
}

// ChooseBest returns the single winning card for one symbol's tick, or nil.
func (a *Arbitrator) ChooseBest(symbol string, cards []models.ProposalCard, now time.Time) *models.ProposalCard {
	if len(cards) == 0 {
		return nil
	}

	if last, ok := a.lastSent(symbol); ok && now.Sub(last) <= time.Duration(a.cfg.DedupeWindowSeconds)*time.Second {
		logger.Debug("arbitration dropped", zap.String("symbol", symbol), zap.String("reason", "dedupe_window"))
		return nil
	}

	kept := a.dedupeSimilar(cards)
	if len(kept) == 0 {
		return nil
	}

	sortByTieBreak(kept)
	winner := kept[0]
	logger.Debug("arbitration winner",
		zap.String("symbol", symbol),
		zap.String("strategy", winner.Strategy),
		zap.String("side", string(winner.Side)),
		zap.Int("priority", winner.Priority),
		zap.Float64("confidence", winner.Confidence))
	return &winner
}

// dedupeSimilar groups candidates by side; within a side, two cards are
// "similar" (and the weaker one dropped) if both their entry AND stop
// prices are within the configured percentage of each other. spec.md §4.7
// requires AND here, where original_source used OR (see DESIGN.md).
func (a *Arbitrator) dedupeSimilar(cards []models.ProposalCard) []models.ProposalCard {
	ordered := append([]models.ProposalCard(nil), cards...)
	sortByTieBreak(ordered)

	var kept []models.ProposalCard
	for _, card := range ordered {
		duplicate := false
		for _, existing := range kept {
			if existing.Side != card.Side {
				continue
			}
			entryClose := math.Abs(existing.Entry-card.Entry)/math.Max(existing.Entry, 1e-9) <= a.cfg.EntrySimilarPct
			stopClose := math.Abs(existing.Stop-card.Stop)/math.Max(math.Abs(existing.Stop), 1e-9) <= a.cfg.StopSimilarPct
			if entryClose && stopClose {
				duplicate = true
				logger.Debug("arbitration dropped similar candidate",
					zap.String("strategy", card.Strategy), zap.String("winner", existing.Strategy))
				break
			}
		}
		if !duplicate {
			kept = append(kept, card)
		}
	}
	return kept
}

// sortByTieBreak orders cards best-first: higher priority, then higher
// confidence, then shorter ttl, then lexicographically smaller strategy
// name for determinism (the 4th key spec.md adds over original_source's
// 3-key sort — see DESIGN.md).
func sortByTieBreak(cards []models.ProposalCard) {
	sort.SliceStable(cards, func(i, j int) bool {
		a, b := cards[i], cards[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.TTLMinutes != b.TTLMinutes {
			return a.TTLMinutes < b.TTLMinutes
		}
		return a.Strategy < b.Strategy
	})
}
