// Package config defines the crosswind configuration tree.
// Config is loaded from a YAML file; secrets (API keys, webhook URLs) come
// only from the environment, optionally via a .env file.
package config

import "time"

// Config is the top-level configuration. Maps directly to the YAML file
// structure. All *_pct fields are percentages (5 = 5%), all *_frac fields
// are fractions (0.25 = 25%), all *_bps fields are basis points.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogPretty bool   `yaml:"log_pretty"`

	Exchange      ExchangeConfig      `yaml:"exchange"`
	Data          DataConfig          `yaml:"data"`
	Signals       SignalsConfig       `yaml:"signals"`
	Filters       FiltersConfig       `yaml:"filters"`
	Sizing        SizingConfig        `yaml:"sizing"`
	Risk          RiskConfig          `yaml:"risk"`
	Execution     ExecutionConfig     `yaml:"execution"`
	Liquidity     LiquidityConfig     `yaml:"liquidity"`
	Carry         CarryConfig         `yaml:"carry"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Optimizer     OptimizerConfig     `yaml:"optimizer"`
	Server        ServerConfig        `yaml:"server"`
	Backup        BackupConfig        `yaml:"backup"`
	Paths         PathsConfig         `yaml:"paths"`
}

// ExchangeConfig selects the venue and the instrument universe filters.
type ExchangeConfig struct {
	Name            string  `yaml:"name"`              // only "bybit" is supported
	BaseURL         string  `yaml:"base_url"`          // override for testnet or proxies
	Testnet         bool    `yaml:"testnet"`           // use the testnet base URL when no override given
	Quote           string  `yaml:"quote"`             // quote currency filter, e.g. "USDT"
	Timeframe       string  `yaml:"timeframe"`         // signal timeframe, e.g. "1h"
	StopTimeframe   string  `yaml:"stop_timeframe"`    // fast monitor timeframe, e.g. "5m"
	MaxSymbols      int     `yaml:"max_symbols"`       // universe cap after filtering
	MinUSDVolume24h float64 `yaml:"min_usd_volume_24h"`
	MinPrice        float64 `yaml:"min_price"`
	CandlesLimit    int     `yaml:"candles_limit"` // bars fetched per symbol per cycle
	RecvWindowMS    int     `yaml:"recv_window_ms"`
}

// DataConfig controls pagination, throttling and the OHLCV cache.
type DataConfig struct {
	MaxCandlesPerRequest  int              `yaml:"max_candles_per_request"`
	MaxCandlesTotal       int              `yaml:"max_candles_total"`
	APIThrottleSleepMS    int              `yaml:"api_throttle_sleep_ms"`
	MaxPaginationRequests int              `yaml:"max_pagination_requests"`
	Cache                 CacheConfig      `yaml:"cache"`
	Validation            ValidationConfig `yaml:"validation"`
}

// CacheConfig locates the sqlite OHLCV cache.
type CacheConfig struct {
	Path           string `yaml:"path"`
	RetentionDays  int    `yaml:"retention_days"`
	SnapshotTTLSec int    `yaml:"snapshot_ttl_sec"` // TTL for ticker/funding snapshots
}

// ValidationConfig tunes the bar validator.
type ValidationConfig struct {
	Enabled        bool    `yaml:"enabled"`
	SpikeZScoreMax float64 `yaml:"spike_zscore_max"`
	SpikeWindow    int     `yaml:"spike_window"`
	MaxGapRatio    float64 `yaml:"max_gap_ratio"` // skip symbol for the cycle above this missing-bar ratio
}

// SignalsConfig drives the cross-sectional momentum engine.
type SignalsConfig struct {
	Lookbacks          []int     `yaml:"lookbacks"`        // in bars of the signal timeframe
	LookbackWeights    []float64 `yaml:"lookback_weights"` // same length as Lookbacks
	SignalPower        float64   `yaml:"signal_power"`
	VolLookback        int       `yaml:"vol_lookback"`
	KMin               int       `yaml:"k_min"`
	KMax               int       `yaml:"k_max"`
	MarketNeutral      bool      `yaml:"market_neutral"`
	EntryZScoreMin     float64   `yaml:"entry_zscore_min"`
	MinBreadthFraction float64   `yaml:"min_breadth_fraction"`
}

// FiltersConfig gates individual instruments out of the signal table.
type FiltersConfig struct {
	Regime           RegimeFilterConfig    `yaml:"regime_filter"`
	ADX              ADXFilterConfig       `yaml:"adx_filter"`
	Symbol           SymbolFilterConfig    `yaml:"symbol_filter"`
	VolatilityEntry  VolatilityEntryConfig `yaml:"volatility_entry"`
	BlackoutHoursUTC []int                 `yaml:"blackout_hours_utc"`
}

// RegimeFilterConfig requires a minimum EMA trend slope.
type RegimeFilterConfig struct {
	Enabled           bool    `yaml:"enabled"`
	EMALen            int     `yaml:"ema_len"`
	SlopeBars         int     `yaml:"slope_bars"`
	SlopeMinBPSPerDay float64 `yaml:"slope_min_bps_per_day"`
	Directional       bool    `yaml:"directional"` // require slope sign to match signal sign
}

// ADXFilterConfig requires a minimum trend strength. Off by default.
type ADXFilterConfig struct {
	Enabled bool    `yaml:"enabled"`
	Period  int     `yaml:"period"`
	MinADX  float64 `yaml:"min_adx"`
}

// SymbolFilterConfig drops instruments with poor recent trading stats.
type SymbolFilterConfig struct {
	Enabled         bool    `yaml:"enabled"`
	MinTrades       int     `yaml:"min_trades"` // stats ignored below this sample size
	MinWinRate      float64 `yaml:"min_win_rate"`
	MinProfitFactor float64 `yaml:"min_profit_factor"`
	EMAAlpha        float64 `yaml:"ema_alpha"`
}

// VolatilityEntryConfig requires ATR expansion before entries.
type VolatilityEntryConfig struct {
	Enabled       bool    `yaml:"enabled"`
	ExpansionMult float64 `yaml:"expansion_mult"`
	ATRLookback   int     `yaml:"atr_lookback"`
}

// SizingConfig turns signals into target weights.
type SizingConfig struct {
	GrossLeverage        float64                `yaml:"gross_leverage"`
	MaxWeightPerAsset    float64                `yaml:"max_weight_per_asset"`
	NotionalCapUSDT      float64                `yaml:"notional_cap_usdt"`
	VolTarget            VolTargetConfig        `yaml:"vol_target"`
	Kelly                KellyConfig            `yaml:"kelly"`
	Correlation          CorrelationConfig      `yaml:"correlation"`
	VolatilityRegime     VolatilityRegimeConfig `yaml:"volatility_regime"`
	MaxOpenPositionsHard int                    `yaml:"max_open_positions_hard"`
}

// VolTargetConfig scales the whole book toward a target annualized vol.
type VolTargetConfig struct {
	Enabled       bool    `yaml:"enabled"`
	TargetAnnVol  float64 `yaml:"target_ann_vol"` // fraction, e.g. 0.25
	LookbackHours int     `yaml:"lookback_hours"`
	MinScale      float64 `yaml:"min_scale"`
	MaxScale      float64 `yaml:"max_scale"`
}

// KellyConfig multiplies weights by a fractional-Kelly factor per symbol.
type KellyConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Fraction  float64 `yaml:"fraction"`  // e.g. 0.5 for half-Kelly
	MaxMult   float64 `yaml:"max_mult"`  // cap on the resulting multiplier
	MinTrades int     `yaml:"min_trades"`
}

// CorrelationConfig limits clusters of highly correlated positions.
type CorrelationConfig struct {
	Enabled              bool    `yaml:"enabled"`
	LookbackHours        int     `yaml:"lookback_hours"`
	MaxAllowedCorr       float64 `yaml:"max_allowed_corr"`
	MaxHighCorrPositions int     `yaml:"max_high_corr_positions"`
}

// VolatilityRegimeConfig scales the book down when the proxy's ATR spikes.
type VolatilityRegimeConfig struct {
	Enabled          bool    `yaml:"enabled"`
	ProxySymbol      string  `yaml:"proxy_symbol"` // e.g. "BTC/USDT:USDT"
	ATRPeriod        int     `yaml:"atr_period"`
	BaselineLookback int     `yaml:"baseline_lookback"`
	HighVolMult      float64 `yaml:"high_vol_mult"`
	MaxScaleDown     float64 `yaml:"max_scale_down"`
}

// Sizing modes accepted by RiskConfig.SizingMode.
const (
	SizingModeInverseVol = "inverse_vol"
	SizingModeFixedRisk  = "fixed_risk"
)

// Margin actions accepted by RiskConfig.MarginAction.
const (
	MarginActionPause     = "pause"
	MarginActionLiquidate = "liquidate"
)

// RiskConfig holds kill-switches, stop parameters and the circuit breaker.
// The optimizer never touches the limits in this section.
type RiskConfig struct {
	MaxDailyLossPct         float64               `yaml:"max_daily_loss_pct"`
	DailyLossTrailing       bool                  `yaml:"daily_loss_trailing"` // measure from day high instead of day start
	MaxPortfolioDrawdownPct float64               `yaml:"max_portfolio_drawdown_pct"`
	PortfolioDDWindowDays   int                   `yaml:"portfolio_dd_window_days"`
	LongTermDD              LongTermDDConfig      `yaml:"long_term_dd"`
	SizingMode              string                `yaml:"sizing_mode"` // "inverse_vol" or "fixed_risk"
	RiskPerTradePct         float64               `yaml:"risk_per_trade_pct"`
	ATRPeriod               int                   `yaml:"atr_period"`
	ATRMultSL               float64               `yaml:"atr_mult_sl"`
	CatastrophicATRMult     float64               `yaml:"catastrophic_atr_mult"`
	TrailingEnabled         bool                  `yaml:"trailing_enabled"`
	TrailATRMult            float64               `yaml:"trail_atr_mult"`
	BreakevenAfterR         float64               `yaml:"breakeven_after_r"`
	ProfitTargets           []ProfitTarget        `yaml:"profit_targets"`
	MaxHoursInTrade         float64               `yaml:"max_hours_in_trade"`
	NoProgress              NoProgressConfig      `yaml:"no_progress"`
	FastCheckSeconds        int                   `yaml:"fast_check_seconds"`
	APICircuitBreaker       CircuitBreakerConfig  `yaml:"api_circuit_breaker"`
	MarginSoftLimitPct      float64               `yaml:"margin_soft_limit_pct"`
	MarginHardLimitPct      float64               `yaml:"margin_hard_limit_pct"`
	MarginAction            string                `yaml:"margin_action"` // "pause" or "liquidate"
	Cooldowns               CooldownConfig        `yaml:"cooldowns"`
}

// ProfitTarget is one rung of the R-multiple partial-exit ladder.
type ProfitTarget struct {
	RMultiple float64 `yaml:"r_multiple"`
	ExitPct   float64 `yaml:"exit_pct"` // percent of current size to close
}

// LongTermDDConfig emits warnings (never pauses) on long-horizon drawdowns.
type LongTermDDConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Warn90DPct  float64 `yaml:"warn_90d_pct"`
	Warn180DPct float64 `yaml:"warn_180d_pct"`
	Warn365DPct float64 `yaml:"warn_365d_pct"`
}

// NoProgressConfig closes stale positions that never went anywhere.
type NoProgressConfig struct {
	Enabled        bool    `yaml:"enabled"`
	MinHoldMinutes int     `yaml:"min_hold_minutes"`
	MaxAbsR        float64 `yaml:"max_abs_r"`
}

// CircuitBreakerConfig trips trading after repeated adapter failures.
type CircuitBreakerConfig struct {
	MaxErrors       int `yaml:"max_errors"`
	WindowSeconds   int `yaml:"window_seconds"`
	CooldownSeconds int `yaml:"cooldown_seconds"`
}

// CooldownConfig sets re-entry delays after exits.
type CooldownConfig struct {
	PostExitMinutes        int `yaml:"post_exit_minutes"`
	PostStopMinutes        int `yaml:"post_stop_minutes"`
	StreakPauseAfterLosses int `yaml:"streak_pause_after_losses"`
	StreakPauseMinutes     int `yaml:"streak_pause_minutes"`
}

// ExecutionConfig controls the order lifecycle.
type ExecutionConfig struct {
	RebalanceMinute       int                  `yaml:"rebalance_minute"`
	PollSeconds           int                  `yaml:"poll_seconds"`
	OrderType             string               `yaml:"order_type"` // only "limit" is supported
	PostOnly              bool                 `yaml:"post_only"`
	MinNotionalUSDT       float64              `yaml:"min_notional_usdt"`
	MinRebalanceDeltaBPS  float64              `yaml:"min_rebalance_delta_bps"`
	FlattenOnEmptySignals bool                 `yaml:"flatten_on_empty_signals"`
	SpreadGuard           SpreadGuardConfig    `yaml:"spread_guard"`
	DynamicOffset         DynamicOffsetConfig  `yaml:"dynamic_offset"`
	Microstructure        MicrostructureConfig `yaml:"microstructure"`
	StaleOrders           StaleOrdersConfig    `yaml:"stale_orders"`
}

// SpreadGuardConfig skips entries into wide markets.
type SpreadGuardConfig struct {
	MaxSpreadBPS float64 `yaml:"max_spread_bps"`
}

// DynamicOffsetConfig prices maker orders inside or behind the touch.
type DynamicOffsetConfig struct {
	BaseBPS        float64 `yaml:"base_bps"`
	PerSpreadCoeff float64 `yaml:"per_spread_coeff"`
	MaxBPS         float64 `yaml:"max_bps"`
}

// MicrostructureConfig gates entries on book quality.
type MicrostructureConfig struct {
	MinOBI               float64 `yaml:"min_obi"` // signed toward the trade direction
	MinTopOfBookDepthUSD float64 `yaml:"min_top_of_book_depth_usd"`
}

// StaleOrdersConfig cancels unfilled orders that aged or drifted.
type StaleOrdersConfig struct {
	MaxAgeSec      int     `yaml:"max_age_sec"`
	RepriceIfFarBPS float64 `yaml:"reprice_if_far_bps"`
}

// LiquidityConfig caps participation against traded volume.
type LiquidityConfig struct {
	ADVCapPct float64 `yaml:"adv_cap_pct"` // max position notional as % of 24h volume
}

// CarryConfig blends a funding/basis carry sleeve into the momentum book.
type CarryConfig struct {
	Enabled       bool    `yaml:"enabled"`
	BudgetFrac    float64 `yaml:"budget_frac"` // 0..1 share of gross allocated to carry
	FundingWeight float64 `yaml:"funding_weight"`
	BasisWeight   float64 `yaml:"basis_weight"`
}

// NotificationsConfig switches outbound notifications. The webhook URL
// itself comes from the environment.
type NotificationsConfig struct {
	DiscordEnabled bool `yaml:"discord_enabled"`
	QueueSize      int  `yaml:"queue_size"`
}

// OptimizerConfig drives the walk-forward optimizer binary.
type OptimizerConfig struct {
	Symbols      []string              `yaml:"symbols"`
	Timeframe    string                `yaml:"timeframe"`
	TrainDays    int                   `yaml:"train_days"`
	OOSDays      int                   `yaml:"oos_days"`
	EmbargoDays  int                   `yaml:"embargo_days"`
	Segments     int                   `yaml:"segments"`
	Trials       int                   `yaml:"trials"`
	SeedTrials   int                   `yaml:"seed_trials"`
	Gamma        float64               `yaml:"gamma"` // good/bad split quantile for the sampler
	TopK         int                   `yaml:"top_k"` // per-segment candidates promoted to OOS
	Objective    ObjectiveConfig       `yaml:"objective"`
	Costs        CostsConfig           `yaml:"costs"`
	MonteCarlo   MonteCarloConfig      `yaml:"montecarlo"`
	Gates        DeployGatesConfig     `yaml:"gates"`
	BadComboPath string                `yaml:"bad_combo_path"`
}

// ObjectiveConfig weights the training objective.
type ObjectiveConfig struct {
	WSharpe        float64 `yaml:"w_sharpe"`
	WCAGR          float64 `yaml:"w_cagr"`
	WCalmar        float64 `yaml:"w_calmar"`
	LambdaTurnover float64 `yaml:"lambda_turnover"`
}

// CostsConfig is the backtest cost model.
type CostsConfig struct {
	FeeBPS          float64 `yaml:"fee_bps"`           // per side
	SlippageBPS     float64 `yaml:"slippage_bps"`      // per side
	FundingBPSDaily float64 `yaml:"funding_bps_daily"` // applied to gross exposure
}

// MonteCarloConfig stresses OOS results with bootstrapped sequences and
// perturbed costs.
type MonteCarloConfig struct {
	Runs             int     `yaml:"runs"`
	BlockBars        int     `yaml:"block_bars"`
	CostPerturbRange float64 `yaml:"cost_perturb_range"` // ±fraction applied to fees/slippage/funding
	TailDDLimitPct   float64 `yaml:"tail_dd_limit_pct"`  // reject candidates whose p95 max-DD exceeds this
	MaxDDIncreasePct float64 `yaml:"max_dd_increase_pct"` // vs baseline MC max-DD
}

// DeployGatesConfig must all pass before a candidate is promoted.
type DeployGatesConfig struct {
	MinImproveSharpe     float64 `yaml:"min_improve_sharpe"`
	MinImproveAnnualized float64 `yaml:"min_improve_annualized"` // fraction, e.g. 0.02
}

// ServerConfig exposes the ops HTTP endpoints.
type ServerConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// BackupConfig controls local and S3 snapshots.
type BackupConfig struct {
	Dir        string `yaml:"dir"`
	S3Bucket   string `yaml:"s3_bucket"` // empty disables S3 uploads
	S3Prefix   string `yaml:"s3_prefix"`
	S3Region   string `yaml:"s3_region"`
	S3Endpoint string `yaml:"s3_endpoint"` // set for S3-compatible stores (MinIO, R2)
}

// PathsConfig locates runtime files.
type PathsConfig struct {
	StatePath string `yaml:"state_path"`
	LogsDir   string `yaml:"logs_dir"`
	ConfigDir string `yaml:"config_dir"` // root for optimized/ and backups/
}

// Timeframe durations recognised by TimeframeDuration.
var timeframes = map[string]time.Duration{
	"1m": time.Minute, "3m": 3 * time.Minute, "5m": 5 * time.Minute,
	"15m": 15 * time.Minute, "30m": 30 * time.Minute,
	"1h": time.Hour, "2h": 2 * time.Hour, "4h": 4 * time.Hour,
	"6h": 6 * time.Hour, "12h": 12 * time.Hour, "1d": 24 * time.Hour,
}

// TimeframeDuration converts a timeframe string to its bar duration.
// Unknown strings return 0.
func TimeframeDuration(tf string) time.Duration {
	return timeframes[tf]
}
