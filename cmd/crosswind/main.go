// Package main runs the crosswind daemon: hourly cross-sectional momentum
// rebalances, the fast exit monitor, scheduled upkeep jobs and a local ops
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jbeckert/crosswind/internal/backup"
	"github.com/jbeckert/crosswind/internal/carry"
	"github.com/jbeckert/crosswind/internal/clients/bybit"
	"github.com/jbeckert/crosswind/internal/config"
	"github.com/jbeckert/crosswind/internal/database"
	"github.com/jbeckert/crosswind/internal/engine"
	"github.com/jbeckert/crosswind/internal/exchange"
	"github.com/jbeckert/crosswind/internal/execution"
	"github.com/jbeckert/crosswind/internal/exits"
	"github.com/jbeckert/crosswind/internal/marketdata"
	"github.com/jbeckert/crosswind/internal/metrics"
	"github.com/jbeckert/crosswind/internal/notify"
	"github.com/jbeckert/crosswind/internal/risk"
	"github.com/jbeckert/crosswind/internal/scheduler"
	"github.com/jbeckert/crosswind/internal/server"
	"github.com/jbeckert/crosswind/internal/signals"
	"github.com/jbeckert/crosswind/internal/sizing"
	"github.com/jbeckert/crosswind/internal/state"
	"github.com/jbeckert/crosswind/internal/universe"
	"github.com/jbeckert/crosswind/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "base config file; a promoted version under <dir>/optimized overrides it")
	flag.Parse()

	cfg, activePath, err := config.LoadActive(filepath.Dir(*configPath), *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty, Dir: cfg.Paths.LogsDir})
	log.Info().Str("config", activePath).Msg("Starting crosswind")

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	secrets := config.LoadSecrets()

	db, err := database.New(database.Config{
		Path:    cfg.Data.Cache.Path,
		Profile: database.ProfileStandard,
		Name:    "market data cache",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open candle cache")
	}
	defer db.Close()

	candles, err := marketdata.NewCandleRepository(db.Conn())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to init candle cache")
	}
	snapshots, err := marketdata.NewSnapshotRepository(db.Conn())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to init snapshot cache")
	}

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	store := state.NewStore(cfg.Paths.StatePath, log)
	doc := store.Load()

	breaker := risk.NewAPIBreaker(cfg.Risk.APICircuitBreaker, log)
	breaker.Restore(doc.Breaker)
	riskCtl := risk.NewController(cfg.Risk, breaker, log)

	rps := 0.0
	if cfg.Data.APIThrottleSleepMS > 0 {
		rps = 1000.0 / float64(cfg.Data.APIThrottleSleepMS)
	}
	client := bybit.NewClient(bybit.ClientConfig{
		BaseURL:           cfg.Exchange.BaseURL,
		Testnet:           cfg.Exchange.Testnet,
		APIKey:            secrets.BybitAPIKey,
		APISecret:         secrets.BybitAPISecret,
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
	}, breaker, log)

	data := marketdata.NewService(adapter, candles, snapshots, cfg.Data, log)

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 2*time.Minute)
	reconciler := state.NewReconciler(adapter, data, cfg.Risk, cfg.Exchange.StopTimeframe, log)
	if err := reconciler.Reconcile(startupCtx, store); err != nil {
		// Entries stay blocked until a later cycle reconciles cleanly.
		log.Error().Err(err).Msg("Startup reconciliation failed")
		riskCtl.SetReconcileFailed(true)
	}
	cancelStartup()

	var discord *notify.Discord
	if cfg.Notifications.DiscordEnabled && secrets.DiscordWebhookURL != "" {
		discord = notify.NewDiscord(secrets.DiscordWebhookURL, cfg.Notifications.QueueSize, m, log)
	}

	uploader, err := backup.NewUploader(context.Background(), cfg.Backup, secrets, log)
	if err != nil {
		log.Warn().Err(err).Msg("S3 backups disabled")
	}

	uni := universe.NewService(adapter, log)
	sig := signals.NewEngine(cfg.Signals, cfg.Filters, cfg.Exchange.Timeframe, cfg.Risk.ATRPeriod, nil, log)
	siz := sizing.NewEngine(cfg.Sizing, cfg.Signals, cfg.Risk, cfg.Liquidity, cfg.Exchange.Timeframe, log)
	car := carry.NewEngine(cfg.Carry, log)
	planner := execution.NewPlanner(cfg.Execution, log)
	executor := execution.NewExecutor(adapter, cfg.Execution, log)

	engDeps := engine.Deps{
		Adapter:  adapter,
		Data:     data,
		Universe: uni,
		Store:    store,
		Risk:     riskCtl,
		Breaker:  breaker,
		Signals:  sig,
		Sizing:   siz,
		Carry:    car,
		Planner:  planner,
		Executor: executor,
		Metrics:  m,
	}
	monDeps := exits.Deps{
		Adapter:     adapter,
		Bars:        data,
		Store:       store,
		Executor:    executor,
		Instruments: adapter,
		Metrics:     m,
	}
	if discord != nil {
		engDeps.Notifier = discord
		monDeps.Notifier = discord
	}
	eng := engine.NewEngine(engDeps, cfg, log)
	mon := exits.NewMonitor(monDeps, cfg, log)

	sched := scheduler.New(log)
	var reportNotifier scheduler.Notifier
	if discord != nil {
		reportNotifier = discord
	}
	jobs := []struct {
		schedule string
		job      scheduler.Job
	}{
		{scheduler.DailyReportSchedule, scheduler.NewDailyReportJob(store, reportNotifier, log)},
		{scheduler.StateBackupSchedule, scheduler.NewStateBackupJob(store, cfg.Backup.Dir, uploader, log)},
		{scheduler.CacheMaintenanceSchedule, scheduler.NewCacheMaintenanceJob(data, snapshots, db.Conn(), log)},
	}
	for _, j := range jobs {
		if err := sched.AddJob(j.schedule, j.job); err != nil {
			log.Fatal().Err(err).Str("job", j.job.Name()).Msg("Failed to register job")
		}
	}
	sched.Start()

	var srv *server.Server
	if cfg.Server.Enabled {
		srv = server.New(cfg.Server, server.Deps{
			Store:    store,
			Breaker:  breaker,
			CacheDB:  db.Conn(),
			Gatherer: promReg,
		}, log)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Ops server failed")
			}
		}()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		eng.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		mon.Run(runCtx)
	}()

	if discord != nil {
		discord.Send("crosswind started, config " + filepath.Base(activePath))
	}
	log.Info().Msg("Crosswind running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutdown signal received")

	cancel()
	wg.Wait()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Ops server shutdown failed")
		}
	}
	sched.Stop()

	if err := store.Update(func(d *state.Document) { d.Breaker = breaker.Snapshot() }); err != nil {
		log.Error().Err(err).Msg("Failed to persist final state")
	}

	if discord != nil {
		discord.Send("crosswind stopped")
		discord.Close()
	}
	log.Info().Msg("Crosswind stopped")
}
