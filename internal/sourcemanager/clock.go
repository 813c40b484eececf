package sourcemanager

import (
	"context"
	"sync"
	"time"

	"github.com/skalibog/bfma/internal/config"
	"github.com/skalibog/bfma/internal/exchange"
	"github.com/skalibog/bfma/pkg/logger"
	"github.com/skalibog/bfma/pkg/models"
	"go.uber.org/zap"
)

// clockSync tracks local-vs-exchange clock skew and degrades gracefully
// when the exchange's server-time endpoint is unreachable, grounded on
// original_source's ClockSync (see DESIGN.md; simplified to the
// normal/degraded model spec.md §4.4 asks for).
type clockSync struct {
	rest *exchange.REST
	cfg  config.ClockConfig

	mu             sync.Mutex
	state          models.ClockState
	skewMs         int64
	lastSyncAt     time.Time
	degradedUntil  time.Time
	nextRefreshAt  time.Time
}

func newClockSync(rest *exchange.REST, cfg config.ClockConfig) *clockSync {
	return &clockSync{rest: rest, cfg: cfg, state: models.ClockDegraded}
}

// Refresh fetches server time and updates skew if the refresh interval has
// elapsed (or force is set).
func (c *clockSync) Refresh(ctx context.Context, now time.Time, force bool) {
	c.mu.Lock()
	interval := time.Duration(c.cfg.ServerTimeRefreshSec) * time.Second
	if c.state == models.ClockDegraded {
		interval = time.Duration(c.cfg.ServerTimeDegradedRetrySec) * time.Second
	}
	if !force && now.Before(c.nextRefreshAt) {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	serverMs, err := c.rest.GetServerTime(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if c.state != models.ClockDegraded {
			logger.Warn("clock state degraded", zap.Error(err))
		}
		c.state = models.ClockDegraded
		c.degradedUntil = now.Add(time.Duration(c.cfg.ClockDegradedTTLMs) * time.Millisecond)
		c.nextRefreshAt = now.Add(time.Duration(c.cfg.ServerTimeDegradedRetrySec) * time.Second)
		return
	}

	skew := serverMs - now.UnixMilli()
	c.skewMs = skew
	c.lastSyncAt = now

	if absInt64(skew) > c.cfg.MaxClockErrorMs {
		if c.state != models.ClockDegraded {
			logger.Warn("clock skew exceeds threshold, entering degraded state", zap.Int64("skew_ms", skew))
		}
		c.state = models.ClockDegraded
		c.degradedUntil = now.Add(time.Duration(c.cfg.ClockDegradedTTLMs) * time.Millisecond)
	} else if c.state == models.ClockDegraded && now.After(c.degradedUntil) {
		c.state = models.ClockNormal
	} else if c.state == models.ClockDegraded {
		// still within the mandatory degraded TTL even though this sync
		// succeeded within tolerance
	} else {
		c.state = models.ClockNormal
	}
	c.nextRefreshAt = now.Add(interval)
}

// State returns the current clock state and last-sync age in ms.
func (c *clockSync) State(now time.Time) (models.ClockState, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastSyncAt.IsZero() {
		return c.state, -1
	}
	return c.state, now.Sub(c.lastSyncAt).Milliseconds()
}

// CorrectedNowMs applies the last known skew estimate, in every clock state.
func (c *clockSync) CorrectedNowMs(now time.Time) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.UnixMilli() + c.skewMs
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
