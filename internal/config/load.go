package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Names used by the versioned-config layout under Paths.ConfigDir.
const (
	OptimizedDirName  = "optimized"
	BackupsDirName    = "backups"
	ActivePointerFile = "ACTIVE"
)

// Secrets holds values that must never appear in YAML files.
type Secrets struct {
	BybitAPIKey       string
	BybitAPISecret    string
	DiscordWebhookURL string
	S3AccessKey       string
	S3SecretKey       string
}

// LoadSecrets reads secrets from the environment, loading a .env file first
// when one exists in the working directory. The S3 pair is only needed for
// S3-compatible stores outside the AWS default credential chain.
func LoadSecrets() Secrets {
	_ = godotenv.Load()
	return Secrets{
		BybitAPIKey:       os.Getenv("BYBIT_API_KEY"),
		BybitAPISecret:    os.Getenv("BYBIT_API_SECRET"),
		DiscordWebhookURL: os.Getenv("DISCORD_WEBHOOK_URL"),
		S3AccessKey:       os.Getenv("S3_ACCESS_KEY_ID"),
		S3SecretKey:       os.Getenv("S3_SECRET_ACCESS_KEY"),
	}
}

// Default returns the configuration used when a field is absent from the
// YAML file. Values follow the shipped config.yaml.
func Default() Config {
	return Config{
		LogLevel:  "info",
		LogPretty: false,
		Exchange: ExchangeConfig{
			Name:            "bybit",
			Quote:           "USDT",
			Timeframe:       "1h",
			StopTimeframe:   "5m",
			MaxSymbols:      40,
			MinUSDVolume24h: 20_000_000,
			MinPrice:        0.001,
			CandlesLimit:    400,
			RecvWindowMS:    5000,
		},
		Data: DataConfig{
			MaxCandlesPerRequest:  1000,
			MaxCandlesTotal:       20_000,
			APIThrottleSleepMS:    250,
			MaxPaginationRequests: 40,
			Cache: CacheConfig{
				Path:           "data/ohlcv.db",
				RetentionDays:  400,
				SnapshotTTLSec: 60,
			},
			Validation: ValidationConfig{
				Enabled:        true,
				SpikeZScoreMax: 12,
				SpikeWindow:    96,
				MaxGapRatio:    0.05,
			},
		},
		Signals: SignalsConfig{
			Lookbacks:          []int{24, 72, 168},
			LookbackWeights:    []float64{0.5, 0.3, 0.2},
			SignalPower:        1.25,
			VolLookback:        72,
			KMin:               4,
			KMax:               8,
			MarketNeutral:      true,
			EntryZScoreMin:     0.4,
			MinBreadthFraction: 0.15,
		},
		Filters: FiltersConfig{
			Regime: RegimeFilterConfig{
				Enabled:           true,
				EMALen:            96,
				SlopeBars:         24,
				SlopeMinBPSPerDay: 10,
				Directional:       false,
			},
			ADX: ADXFilterConfig{
				Enabled: false,
				Period:  14,
				MinADX:  18,
			},
			Symbol: SymbolFilterConfig{
				Enabled:         true,
				MinTrades:       6,
				MinWinRate:      0.25,
				MinProfitFactor: 0.6,
				EMAAlpha:        0.2,
			},
			VolatilityEntry: VolatilityEntryConfig{
				Enabled:       false,
				ExpansionMult: 1.2,
				ATRLookback:   96,
			},
			BlackoutHoursUTC: nil,
		},
		Sizing: SizingConfig{
			GrossLeverage:     1.0,
			MaxWeightPerAsset: 0.20,
			NotionalCapUSDT:   25_000,
			VolTarget: VolTargetConfig{
				Enabled:       true,
				TargetAnnVol:  0.25,
				LookbackHours: 168,
				MinScale:      0.5,
				MaxScale:      1.5,
			},
			Kelly: KellyConfig{
				Enabled:   false,
				Fraction:  0.5,
				MaxMult:   1.5,
				MinTrades: 10,
			},
			Correlation: CorrelationConfig{
				Enabled:              true,
				LookbackHours:        168,
				MaxAllowedCorr:       0.85,
				MaxHighCorrPositions: 3,
			},
			VolatilityRegime: VolatilityRegimeConfig{
				Enabled:          true,
				ProxySymbol:      "BTC/USDT:USDT",
				ATRPeriod:        14,
				BaselineLookback: 168,
				HighVolMult:      2.0,
				MaxScaleDown:     0.4,
			},
			MaxOpenPositionsHard: 12,
		},
		Risk: RiskConfig{
			MaxDailyLossPct:         5,
			DailyLossTrailing:       false,
			MaxPortfolioDrawdownPct: 15,
			PortfolioDDWindowDays:   30,
			LongTermDD: LongTermDDConfig{
				Enabled:     true,
				Warn90DPct:  20,
				Warn180DPct: 25,
				Warn365DPct: 30,
			},
			SizingMode:          "inverse_vol",
			RiskPerTradePct:     0.75,
			ATRPeriod:           14,
			ATRMultSL:           2.0,
			CatastrophicATRMult: 4.0,
			TrailingEnabled:     true,
			TrailATRMult:        1.0,
			BreakevenAfterR:     1.0,
			ProfitTargets: []ProfitTarget{
				{RMultiple: 1.0, ExitPct: 33},
				{RMultiple: 2.0, ExitPct: 50},
			},
			MaxHoursInTrade: 72,
			NoProgress: NoProgressConfig{
				Enabled:        false,
				MinHoldMinutes: 360,
				MaxAbsR:        0.15,
			},
			FastCheckSeconds: 2,
			APICircuitBreaker: CircuitBreakerConfig{
				MaxErrors:       5,
				WindowSeconds:   300,
				CooldownSeconds: 600,
			},
			MarginSoftLimitPct: 60,
			MarginHardLimitPct: 85,
			MarginAction:       "pause",
			Cooldowns: CooldownConfig{
				PostExitMinutes:        30,
				PostStopMinutes:        120,
				StreakPauseAfterLosses: 3,
				StreakPauseMinutes:     720,
			},
		},
		Execution: ExecutionConfig{
			RebalanceMinute:       2,
			PollSeconds:           10,
			OrderType:             "limit",
			PostOnly:              true,
			MinNotionalUSDT:       10,
			MinRebalanceDeltaBPS:  15,
			FlattenOnEmptySignals: false,
			SpreadGuard: SpreadGuardConfig{
				MaxSpreadBPS: 8,
			},
			DynamicOffset: DynamicOffsetConfig{
				BaseBPS:        1.0,
				PerSpreadCoeff: 0.25,
				MaxBPS:         5.0,
			},
			Microstructure: MicrostructureConfig{
				MinOBI:               -0.4,
				MinTopOfBookDepthUSD: 5_000,
			},
			StaleOrders: StaleOrdersConfig{
				MaxAgeSec:       240,
				RepriceIfFarBPS: 12,
			},
		},
		Liquidity: LiquidityConfig{
			ADVCapPct: 0.5,
		},
		Carry: CarryConfig{
			Enabled:       false,
			BudgetFrac:    0.25,
			FundingWeight: 0.7,
			BasisWeight:   0.3,
		},
		Notifications: NotificationsConfig{
			DiscordEnabled: false,
			QueueSize:      64,
		},
		Optimizer: OptimizerConfig{
			Symbols:     nil, // empty = current cached universe
			Timeframe:   "1h",
			TrainDays:   120,
			OOSDays:     30,
			EmbargoDays: 2,
			Segments:    4,
			Trials:      120,
			SeedTrials:  30,
			Gamma:       0.25,
			TopK:        3,
			Objective: ObjectiveConfig{
				WSharpe:        1.0,
				WCAGR:          0.5,
				WCalmar:        0.5,
				LambdaTurnover: 0.1,
			},
			Costs: CostsConfig{
				FeeBPS:          5.5,
				SlippageBPS:     2.0,
				FundingBPSDaily: 1.0,
			},
			MonteCarlo: MonteCarloConfig{
				Runs:             400,
				BlockBars:        48,
				CostPerturbRange: 0.3,
				TailDDLimitPct:   30,
				MaxDDIncreasePct: 10,
			},
			Gates: DeployGatesConfig{
				MinImproveSharpe:     0.1,
				MinImproveAnnualized: 0.02,
			},
			BadComboPath: "data/bad_combos.json",
		},
		Server: ServerConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:8787",
		},
		Backup: BackupConfig{
			Dir: "backups",
		},
		Paths: PathsConfig{
			StatePath: "data/state.json",
			LogsDir:   "logs",
			ConfigDir: "config",
		},
	}
}

// Load reads the YAML file at path over the defaults. Unknown fields are an
// error so misspelled keys fail at startup instead of silently using
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// ActiveConfigPath resolves the live config file. When the optimizer has
// promoted a version, the pointer file under <configDir>/optimized/ACTIVE
// names it; otherwise fallbackPath is returned.
func ActiveConfigPath(configDir, fallbackPath string) string {
	pointer := filepath.Join(configDir, OptimizedDirName, ActivePointerFile)
	data, err := os.ReadFile(pointer)
	if err != nil {
		return fallbackPath
	}
	name := strings.TrimSpace(string(data))
	if name == "" {
		return fallbackPath
	}
	candidate := filepath.Join(configDir, OptimizedDirName, filepath.Base(name))
	if _, err := os.Stat(candidate); err != nil {
		return fallbackPath
	}
	return candidate
}

// LoadActive loads the promoted config version when one exists, falling
// back to the base file.
func LoadActive(configDir, fallbackPath string) (*Config, string, error) {
	path := ActiveConfigPath(configDir, fallbackPath)
	cfg, err := Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// Validate range-checks the configuration. It returns the first problem
// found.
func (c *Config) Validate() error {
	if c.Exchange.Name != "bybit" {
		return fmt.Errorf("exchange.name %q is not supported", c.Exchange.Name)
	}
	if TimeframeDuration(c.Exchange.Timeframe) == 0 {
		return fmt.Errorf("exchange.timeframe %q is not recognised", c.Exchange.Timeframe)
	}
	if TimeframeDuration(c.Exchange.StopTimeframe) == 0 {
		return fmt.Errorf("exchange.stop_timeframe %q is not recognised", c.Exchange.StopTimeframe)
	}
	if c.Exchange.MaxSymbols <= 0 {
		return errors.New("exchange.max_symbols must be positive")
	}
	if len(c.Signals.Lookbacks) == 0 {
		return errors.New("signals.lookbacks must not be empty")
	}
	if len(c.Signals.LookbackWeights) != len(c.Signals.Lookbacks) {
		return errors.New("signals.lookback_weights must match signals.lookbacks in length")
	}
	if c.Signals.SignalPower <= 0 {
		return errors.New("signals.signal_power must be positive")
	}
	if c.Signals.KMin <= 0 || c.Signals.KMax < c.Signals.KMin {
		return errors.New("signals.k_min must be positive and k_max >= k_min")
	}
	if c.Sizing.GrossLeverage <= 0 {
		return errors.New("sizing.gross_leverage must be positive")
	}
	if c.Sizing.MaxWeightPerAsset <= 0 || c.Sizing.MaxWeightPerAsset > 1 {
		return errors.New("sizing.max_weight_per_asset must be in (0, 1]")
	}
	if c.Sizing.MaxOpenPositionsHard <= 0 {
		return errors.New("sizing.max_open_positions_hard must be positive")
	}
	if c.Risk.MaxDailyLossPct <= 0 || c.Risk.MaxDailyLossPct >= 100 {
		return errors.New("risk.max_daily_loss_pct must be in (0, 100)")
	}
	if c.Risk.MaxPortfolioDrawdownPct <= 0 || c.Risk.MaxPortfolioDrawdownPct >= 100 {
		return errors.New("risk.max_portfolio_drawdown_pct must be in (0, 100)")
	}
	if c.Risk.SizingMode != SizingModeInverseVol && c.Risk.SizingMode != SizingModeFixedRisk {
		return fmt.Errorf("risk.sizing_mode %q must be inverse_vol or fixed_risk", c.Risk.SizingMode)
	}
	if c.Risk.ATRMultSL <= 0 {
		return errors.New("risk.atr_mult_sl must be positive")
	}
	if c.Risk.CatastrophicATRMult < c.Risk.ATRMultSL {
		return errors.New("risk.catastrophic_atr_mult must be >= risk.atr_mult_sl")
	}
	for i, pt := range c.Risk.ProfitTargets {
		if pt.RMultiple <= 0 || pt.ExitPct <= 0 || pt.ExitPct > 100 {
			return fmt.Errorf("risk.profit_targets[%d] must have positive r_multiple and exit_pct in (0, 100]", i)
		}
		if i > 0 && pt.RMultiple <= c.Risk.ProfitTargets[i-1].RMultiple {
			return errors.New("risk.profit_targets must be strictly increasing in r_multiple")
		}
	}
	if c.Risk.FastCheckSeconds <= 0 {
		return errors.New("risk.fast_check_seconds must be positive")
	}
	if cb := c.Risk.APICircuitBreaker; cb.MaxErrors <= 0 || cb.WindowSeconds <= 0 || cb.CooldownSeconds <= 0 {
		return errors.New("risk.api_circuit_breaker fields must be positive")
	}
	if c.Risk.MarginSoftLimitPct <= 0 || c.Risk.MarginHardLimitPct <= c.Risk.MarginSoftLimitPct {
		return errors.New("risk.margin limits must satisfy 0 < soft < hard")
	}
	if c.Risk.MarginAction != MarginActionPause && c.Risk.MarginAction != MarginActionLiquidate {
		return fmt.Errorf("risk.margin_action %q must be pause or liquidate", c.Risk.MarginAction)
	}
	if c.Execution.RebalanceMinute < 0 || c.Execution.RebalanceMinute > 59 {
		return errors.New("execution.rebalance_minute must be in [0, 59]")
	}
	if c.Execution.PollSeconds <= 0 {
		return errors.New("execution.poll_seconds must be positive")
	}
	if c.Execution.OrderType != "limit" {
		return fmt.Errorf("execution.order_type %q is not supported", c.Execution.OrderType)
	}
	if c.Carry.Enabled && (c.Carry.BudgetFrac < 0 || c.Carry.BudgetFrac > 1) {
		return errors.New("carry.budget_frac must be in [0, 1]")
	}
	for _, h := range c.Filters.BlackoutHoursUTC {
		if h < 0 || h > 23 {
			return fmt.Errorf("filters.blackout_hours_utc contains invalid hour %d", h)
		}
	}
	if c.Data.MaxCandlesPerRequest <= 0 || c.Data.MaxPaginationRequests <= 0 {
		return errors.New("data pagination fields must be positive")
	}
	if c.Optimizer.TrainDays <= 0 || c.Optimizer.OOSDays <= 0 || c.Optimizer.Segments <= 0 {
		return errors.New("optimizer window fields must be positive")
	}
	if c.Optimizer.EmbargoDays < 0 {
		return errors.New("optimizer.embargo_days must not be negative")
	}
	if c.Optimizer.Gamma <= 0 || c.Optimizer.Gamma >= 1 {
		return errors.New("optimizer.gamma must be in (0, 1)")
	}
	if c.Paths.StatePath == "" {
		return errors.New("paths.state_path must be set")
	}
	return nil
}
