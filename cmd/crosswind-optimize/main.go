// Package main runs one walk-forward optimization pass against exchange
// history and, when the deploy gates pass, promotes the winning parameters
// as a new versioned config. The trading daemon picks the promoted version
// up on its next restart.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jbeckert/crosswind/internal/clients/bybit"
	"github.com/jbeckert/crosswind/internal/config"
	"github.com/jbeckert/crosswind/internal/exchange"
	"github.com/jbeckert/crosswind/internal/optimizer"
	"github.com/jbeckert/crosswind/internal/rollout"
	"github.com/jbeckert/crosswind/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "base config file; the active promoted version is the search baseline")
	seed := flag.Int64("seed", 0, "rng seed for reproducible runs, 0 derives one from the clock")
	dryRun := flag.Bool("dry-run", false, "search and judge but never promote")
	flag.Parse()

	cfg, activePath, err := config.LoadActive(filepath.Dir(*configPath), *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty, Dir: cfg.Paths.LogsDir})
	log.Info().Str("config", activePath).Int64("seed", *seed).Msg("Starting optimization run")

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	// Instrument listings and klines are public endpoints, no keys needed.
	rps := 0.0
	if cfg.Data.APIThrottleSleepMS > 0 {
		rps = 1000.0 / float64(cfg.Data.APIThrottleSleepMS)
	}
	client := bybit.NewClient(bybit.ClientConfig{
		BaseURL:           cfg.Exchange.BaseURL,
		Testnet:           cfg.Exchange.Testnet,
		RecvWindowMS:      cfg.Exchange.RecvWindowMS,
		RequestsPerSecond: rps,
	}, log)
	adapter := exchange.NewBybitAdapter(client, exchange.AdapterConfig{
		Quote:           cfg.Exchange.Quote,
		MaxSymbols:      cfg.Exchange.MaxSymbols,
		MinUSDVolume24h: cfg.Exchange.MinUSDVolume24h,
		MinPrice:        cfg.Exchange.MinPrice,
		MaxPerRequest:   cfg.Data.MaxCandlesPerRequest,
		MaxPages:        cfg.Data.MaxPaginationRequests,
		Throttle:        time.Duration(cfg.Data.APIThrottleSleepMS) * time.Millisecond,
	}, nil, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	outcome, err := optimizer.NewRunner(cfg, adapter, log, *seed).Run(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Optimization run failed")
	}

	report, err := json.MarshalIndent(outcome, "", "  ")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to encode outcome")
	}
	fmt.Println(string(report))

	if !outcome.Deploy {
		log.Info().Str("reason", outcome.Reason).Msg("No promotion")
		return
	}
	if *dryRun {
		log.Info().Str("reason", outcome.Reason).Msg("Deploy gates passed, skipping promotion (dry run)")
		return
	}

	applied := optimizer.Apply(*cfg, outcome.Best.Vector)
	mgr := rollout.NewManager(filepath.Dir(*configPath), *configPath, log)
	version, err := mgr.Promote(&applied, rollout.Metadata{
		Params:              outcome.Best.Params,
		BaselineSharpe:      outcome.Baseline.MeanSharpe,
		CandidateSharpe:     outcome.Best.MeanSharpe,
		BaselineAnnualized:  outcome.Baseline.MeanAnnualized,
		CandidateAnnualized: outcome.Best.MeanAnnualized,
		TailP95MaxDD:        outcome.Best.MC.P95MaxDD,
		Segments:            len(outcome.Segments),
		Trials:              outcome.Trials,
		Reason:              outcome.Reason,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Promotion failed")
	}
	log.Info().Str("id", version.ID).Str("config", version.ConfigPath).Msg("Promoted optimized configuration")
	fmt.Printf("promoted version %s (restart the daemon to apply)\n", version.ID)
}
