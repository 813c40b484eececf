// Package notify delivers dispatched ProposalCards to whatever's listening
// downstream. Grounded on original_source's PostbackClient (single
// HTTP POST, enabled iff a URL is configured) — the Telegram sibling
// transport is not built here since spec.md's Non-goals exclude chat-app
// delivery (see DESIGN.md).
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/skalibog/bfma/internal/audit"
	"github.com/skalibog/bfma/internal/config"
	"github.com/skalibog/bfma/pkg/logger"
	"github.com/skalibog/bfma/pkg/models"
)

// PostbackNotifier implements service.Dispatcher: it POSTs each dispatched
// card as JSON and, best-effort, forwards it and any health summary to an
// audit sink. A card send failure is logged, never returned — dispatch is
// fire-and-forget from SignalService's point of view.
type PostbackNotifier struct {
	url     string
	client  *http.Client
	enabled bool
	sink    *audit.Sink
}

// New builds a PostbackNotifier. A blank cfg.PostbackURL yields a disabled
// notifier that only forwards to the audit sink.
func New(cfg config.NotifyConfig, sink *audit.Sink) *PostbackNotifier {
	return &PostbackNotifier{
		url:     cfg.PostbackURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		enabled: cfg.PostbackURL != "",
		sink:    sink,
	}
}

// Dispatch satisfies service.Dispatcher.
func (n *PostbackNotifier) Dispatch(ctx context.Context, card models.ProposalCard) {
	if n.sink != nil {
		n.sink.RecordCard(card)
	}
	if !n.enabled {
		logger.Info("card dispatched (no postback url configured)",
			zap.String("symbol", card.Symbol), zap.String("strategy", card.Strategy))
		return
	}
	if err := n.post(ctx, card); err != nil {
		logger.Warn("postback delivery failed",
			zap.String("symbol", card.Symbol), zap.String("strategy", card.Strategy), zap.Error(err))
	}
}

// DispatchHealth satisfies service.HealthDispatcher, forwarding summaries
// only to the audit sink — health data is not postback-worthy.
func (n *PostbackNotifier) DispatchHealth(ctx context.Context, h models.HealthSummary) {
	if n.sink != nil {
		n.sink.RecordHealth(h)
	}
}

func (n *PostbackNotifier) post(ctx context.Context, card models.ProposalCard) error {
	body, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("marshal card: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build postback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("postback request: %w", err)
	}
	defer resp.Body.Close()

	latency := time.Since(start)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("postback status %d after %s", resp.StatusCode, latency)
	}
	logger.Debug("postback delivered", zap.Int("status", resp.StatusCode), zap.Duration("latency", latency))
	return nil
}
