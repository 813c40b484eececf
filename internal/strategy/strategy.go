// Package strategy holds the pluggable pure predicates that turn a
// SignalContext into zero-or-one candidate ProposalCard. Every strategy
// self-gates: if a required indicator is absent or stale, it returns nil
// rather than raising an error.
package strategy

import "github.com/skalibog/bfma/pkg/models"

// Strategy mirrors the teacher's Analyzer family: an ordered, pluggable set
// of implementations behind one operation. Registration order affects
// nothing besides the deterministic tie-break the arbitrator applies on
// equal priority/confidence/ttl.
type Strategy interface {
	Name() string
	Generate(ctx models.SignalContext) *models.ProposalCard
}

const defaultStopMultiplier = 1.2

// defaultStop applies the shared stop-distance rule (LONG: entry -
// 1.2*atr_15m; SHORT: entry + 1.2*atr_15m). fake_breakout_reversal is the
// only strategy overriding this.
func defaultStop(side models.Side, entry, atr15m float64) float64 {
	if side == models.Long {
		return entry - defaultStopMultiplier*atr15m
	}
	return entry + defaultStopMultiplier*atr15m
}

func clampConfidence(c float64) float64 {
	if c > 100 {
		return 100
	}
	if c < 0 {
		return 0
	}
	return c
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
