package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"positionEngine/config"
	"positionEngine/internal/adapters/binanceclient"
	"positionEngine/internal/adapters/logger"
	"positionEngine/internal/adapters/paper"
	"positionEngine/internal/adapters/sqlite"
	"positionEngine/internal/app"
	"positionEngine/internal/domain"
	"positionEngine/internal/ports"
	"positionEngine/internal/utils"
)

var (
	hoursBack = flag.Float64("hours", 0, "look-back window in hours (0 uses AUDIT_LOOKBACK)")
	outFile   = flag.String("out", "", "write missed executions to this CSV file")
	timeout   = flag.Duration("timeout", 5*time.Minute, "audit timeout")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}
	appLogger := logger.New(logger.Options{Level: cfg.LogLevel, Console: true, Service: "position-audit"})

	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: appLogger, QuoteAsset: cfg.QuoteAsset})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err)
	}
	defer repo.Close()

	feed, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		Logger:     appLogger,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}

	// The audit never closes anything; the simulator only satisfies the engine wiring.
	executor, err := paper.NewSimulator(cfg.Paper, repo, appLogger)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize paper simulator: %v", err)
	}
	engine, err := app.NewEngine(cfg, appLogger, repo, feed, executor, nil)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize engine: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	missed, err := engine.CheckMissedExecutions(ctx, *hoursBack)
	if err != nil {
		appLogger.Error(ctx, err, "Audit failed")
		os.Exit(1)
	}

	fmt.Print(engine.FormatMissedExecutions(missed))
	printLedger(ctx, repo, cfg.QuoteAsset, missed)

	if *outFile != "" {
		if err := utils.WriteMissedExecutionsToCSV(missed, *outFile); err != nil {
			appLogger.Error(ctx, err, "Error writing CSV")
			os.Exit(1)
		}
		appLogger.Info(ctx, "Saved to", map[string]interface{}{"filename": *outFile})
	}
}

// printLedger shows the paper balance and the latest settlements for every symbol in the report.
func printLedger(ctx context.Context, trades ports.TradeRepository, asset string, missed []domain.MissedExecution) {
	balance, err := trades.GetBalance(ctx, asset)
	if err != nil {
		log.Printf("failed to read %s balance: %v", asset, err)
		return
	}
	fmt.Printf("Paper balance: %.2f %s\n", balance, asset)

	seen := make(map[string]bool)
	for _, m := range missed {
		if seen[m.Symbol] {
			continue
		}
		seen[m.Symbol] = true
		recent, err := trades.FindTradesBySymbol(ctx, m.Symbol, 5)
		if err != nil {
			log.Printf("failed to load trades for %s: %v", m.Symbol, err)
			continue
		}
		for _, t := range recent {
			fmt.Printf("  settled %s trade %d %s exit %v pnl %.2f (%s)\n",
				t.Symbol, t.TradeID, t.Side, t.ExitPrice, t.PNL, t.CloseReason)
		}
	}
}
