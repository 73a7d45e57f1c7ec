package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"paper_trader/internal/accounting"
	"paper_trader/internal/config"
	"paper_trader/internal/execution"
	"paper_trader/internal/marketdata"
	"paper_trader/internal/notify"
	"paper_trader/internal/oms"
	"paper_trader/internal/orchestrator"
	"paper_trader/internal/pricing"
	"paper_trader/internal/risk"
	"paper_trader/internal/server"
	"paper_trader/internal/store"
	"paper_trader/internal/strategy"
	"paper_trader/pkg/logging"
	"paper_trader/pkg/telemetry"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/paper_server.yaml", "Path to configuration file")
	port := flag.Int("port", 0, "HTTP port (overrides config)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("paper_server version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.App.HTTPPort = *port
	}

	logger, err := logging.NewZapLogger(cfg.App.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobalLogger(logger)

	logger.Info("Starting paper_server",
		"version", version,
		"symbol", cfg.MarketData.Symbol,
		"timeframe", cfg.MarketData.Timeframe,
		"provider", cfg.MarketData.Provider,
		"port", cfg.App.HTTPPort,
	)

	tele, err := telemetry.Setup(cfg.App.Name)
	if err != nil {
		logger.Warn("Failed to initialize telemetry (metrics disabled)", "error", err)
	}

	st, err := store.Open(cfg.App.DatabasePath, logger)
	if err != nil {
		logger.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx := context.Background()
	account, err := st.EnsureAccount(ctx, cfg.Account.Currency,
		decimal.NewFromFloat(cfg.Account.Leverage),
		decimal.NewFromFloat(cfg.Account.InitialBalance),
		time.Now().UTC())
	if err != nil {
		logger.Error("Failed to ensure account", "error", err)
		os.Exit(1)
	}
	logger.Info("Account ready", "account_id", account.ID, "balance", account.Balance.String())

	provider, err := marketdata.NewProvider(cfg.MarketData.Provider, logger)
	if err != nil {
		logger.Error("Failed to create market data provider", "error", err)
		os.Exit(1)
	}

	tf := cfg.Timeframe()
	ingester := marketdata.NewIngester(st, provider,
		cfg.MarketData.IngestOverlapCandle, cfg.MarketData.InitialBackfillDays, logger)
	pruner := marketdata.NewPruner(st, logger)

	priceEngine := pricing.NewEngine(cfg.Execution.SpreadPips, cfg.Execution.SlippagePips, cfg.Execution.PipSize)
	riskEngine := risk.NewEngine(cfg.Execution.PipSize, cfg.Execution.ContractSize,
		cfg.RiskLimits(account.ID), logger)
	execEngine := execution.NewEngine(st, priceEngine, logger)
	acctEngine := accounting.NewEngine(st, priceEngine, cfg.Execution.ContractSize, logger)

	runner := strategy.NewRunner(st, cfg.Strategy.WarmupLimit, logger)
	emaAtr, err := strategy.NewEmaAtr(strategy.EmaAtrParams{
		FastPeriod:      cfg.Strategy.EmaFastPeriod,
		SlowPeriod:      cfg.Strategy.EmaSlowPeriod,
		ATRPeriod:       cfg.Strategy.ATRPeriod,
		ATRSLMult:       cfg.Strategy.ATRSLMult,
		ATRTPMult:       cfg.Strategy.ATRTPMult,
		CooldownCandles: cfg.Strategy.CooldownCandles,
	})
	if err != nil {
		logger.Error("Invalid strategy parameters", "error", err)
		os.Exit(1)
	}
	runner.Register(emaAtr)

	orderManager := oms.NewManager(st, riskEngine, execEngine, account.ID, tf,
		cfg.Execution.PipSize, cfg.OMS.MinQty, cfg.OMS.AllowedSymbols, logger)

	notifier := notify.NewWebhookNotifier(cfg.App.WebhookURL, logger)
	service := orchestrator.NewService(st, runner, execEngine, acctEngine, orderManager,
		notifier, account.ID, cfg.OMS.DefaultOrderQty, logger)
	controller := orchestrator.NewController(service, ingester, pruner, st,
		cfg.MarketData.Symbol, tf, cfg.Loop.CycleSchedule, cfg.Loop.PruneSchedule,
		cfg.MarketData.RetentionDays, logger)

	srv := server.NewServer(cfg.App.HTTPPort, server.Deps{
		Store:         st,
		Ingester:      ingester,
		Pruner:        pruner,
		OMS:           orderManager,
		Risk:          riskEngine,
		Accounting:    acctEngine,
		Service:       service,
		Controller:    controller,
		Strategies:    runner,
		AccountID:     account.ID,
		Symbol:        cfg.MarketData.Symbol,
		Timeframe:     tf,
		RetentionDays: cfg.MarketData.RetentionDays,
	}, logger)

	if cfg.Loop.Enabled {
		if err := controller.Start(""); err != nil {
			logger.Error("Failed to start live loop", "error", err)
			os.Exit(1)
		}
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down...")

		controller.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server exited with error", "error", err)
	}

	if tele != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tele.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Telemetry shutdown failed", "error", err)
		}
	}
	logger.Info("paper_server stopped")
}

// loadConfig reads the YAML file, falling back to built-in defaults when the
// file does not exist.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.LoadConfig(path)
}
