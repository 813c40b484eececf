package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/skalibog/bfma/internal/arbitrator"
	"github.com/skalibog/bfma/internal/audit"
	"github.com/skalibog/bfma/internal/config"
	"github.com/skalibog/bfma/internal/datastore"
	"github.com/skalibog/bfma/internal/exchange"
	"github.com/skalibog/bfma/internal/notify"
	"github.com/skalibog/bfma/internal/risk"
	"github.com/skalibog/bfma/internal/service"
	"github.com/skalibog/bfma/internal/sourcemanager"
	"github.com/skalibog/bfma/internal/strategy"
	"github.com/skalibog/bfma/pkg/logger"
	"github.com/skalibog/bfma/pkg/models"
)

func main() {
	logger.Init()
	defer logger.GetLogger().Sync()

	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	ds := datastore.New(cfg.Symbols)
	rest := exchange.NewREST(cfg.Exchange)
	ws := exchange.NewWS(cfg.Symbols)
	defer ws.Close()

	riskEngine, err := risk.New(cfg.Risk)
	if err != nil {
		logger.Fatal("failed to initialize risk engine", zap.Error(err))
	}

	arb := arbitrator.New(cfg.Arbitrator, riskEngine.LastTriggerAt)

	strategies := []strategy.Strategy{
		strategy.NewFakeBreakoutReversal(cfg.Strategies),
		strategy.NewFundingOiSkew(cfg.Strategies),
		strategy.NewLiquidationFollow(cfg.Strategies),
		strategy.NewVolBreakout(cfg.Strategies),
	}

	auditSink, err := audit.New(cfg.Audit)
	if err != nil {
		logger.Fatal("failed to initialize audit sink", zap.Error(err))
	}
	defer auditSink.Close()

	notifier := notify.New(cfg.Notify, auditSink)

	sm := sourcemanager.New(cfg.Symbols, ds, rest, ws, cfg.SourceManager, cfg.Clock)
	sm.SetHealthSink(func(h models.HealthSummary) { notifier.DispatchHealth(ctx, h) })

	sm.Bootstrap(ctx, time.Now())

	svc := service.New(cfg.Symbols, ds, sm, strategies, arb, riskEngine, notifier, cfg.Service, cfg.TestEmit)

	logger.Info("bfma starting", zap.Strings("symbols", cfg.Symbols))
	if err := svc.RunForever(ctx); err != nil {
		logger.Error("service stopped with errors", zap.Error(err))
	}
	logger.Info("bfma stopped")
}
