// Package audit is the optional, best-effort write-behind trail for
// dispatched cards and health summaries. It is never on the decision path:
// a write failure is logged and swallowed, never propagated back to
// SignalService. Repurposed from the teacher's internal/storage/influxdb.go
// InfluxDBStorage, which was a primary candle store there — here
// internal/datastore fills that role and this package only records what
// already happened (see DESIGN.md).
package audit

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/skalibog/bfma/internal/config"
	"github.com/skalibog/bfma/pkg/models"
)

// Sink writes dispatched cards and health summaries to InfluxDB. A disabled
// Sink (returned when config.AuditConfig.Enabled is false) is safe to call
// every method on — they all become no-ops.
type Sink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	enabled  bool
}

// New connects to InfluxDB when cfg.Enabled, verifying reachability with a
// health check. Returns a disabled Sink, never nil, when auditing is turned
// off, so callers never need a presence check before using one.
func New(cfg config.AuditConfig) (*Sink, error) {
	if !cfg.Enabled {
		return &Sink{enabled: false}, nil
	}

	client := influxdb2.NewClient(cfg.InfluxURL, cfg.InfluxToken)
	health, err := client.Health(context.Background())
	if err != nil {
		return nil, fmt.Errorf("connect to influxdb: %w", err)
	}
	if health == nil || health.Status != "pass" {
		return nil, fmt.Errorf("influxdb not healthy: %+v", health)
	}

	return &Sink{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		enabled:  true,
	}, nil
}

// Close flushes pending writes and releases the client.
func (s *Sink) Close() {
	if !s.enabled {
		return
	}
	s.writeAPI.Flush()
	s.client.Close()
}

// RecordCard writes one dispatched ProposalCard as a point. Write errors
// surface asynchronously on the write API's own error channel, which this
// package does not drain — a dropped audit point never blocks or fails
// dispatch.
func (s *Sink) RecordCard(card models.ProposalCard) {
	if !s.enabled {
		return
	}
	point := influxdb2.NewPoint(
		"proposal_cards",
		map[string]string{
			"symbol":   card.Symbol,
			"strategy": card.Strategy,
			"side":     string(card.Side),
		},
		map[string]interface{}{
			"entry":         card.Entry,
			"stop":          card.Stop,
			"confidence":    card.Confidence,
			"priority":      card.Priority,
			"position_usdt": card.PositionUSDT,
			"trace_id":      card.TraceID,
			"rationale":     card.Rationale,
		},
		time.UnixMilli(card.CreatedAtMs),
	)
	s.writeAPI.WritePoint(point)
}

// RecordHealth writes a periodic per-symbol health summary as a point.
func (s *Sink) RecordHealth(h models.HealthSummary) {
	if !s.enabled {
		return
	}
	point := influxdb2.NewPoint(
		"health_summaries",
		map[string]string{
			"symbol": h.Symbol,
			"mode":   h.Mode,
		},
		map[string]interface{}{
			"price_age_ms":   h.PriceAgeMs,
			"kline_age_ms":   h.KlineAgeMs,
			"funding_age_ms": h.FundingAgeMs,
			"oi_age_ms":      h.OIAgeMs,
			"buffer_size":    h.BufferSize,
			"clock_state":    h.ClockState.String(),
		},
		h.Timestamp,
	)
	s.writeAPI.WritePoint(point)
}
