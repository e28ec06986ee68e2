package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "config.yaml", `
log_level: debug
exchange:
  max_symbols: 10
  testnet: true
risk:
  max_daily_loss_pct: 3
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 10, cfg.Exchange.MaxSymbols)
	assert.True(t, cfg.Exchange.Testnet)
	assert.Equal(t, 3.0, cfg.Risk.MaxDailyLossPct)

	// Fields absent from the file keep their defaults.
	assert.Equal(t, "USDT", cfg.Exchange.Quote)
	assert.Equal(t, "1h", cfg.Exchange.Timeframe)
	assert.Equal(t, 14, cfg.Risk.ATRPeriod)
	assert.Equal(t, 4, cfg.Signals.KMin)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "config.yaml", "log_levle: debug\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_levle")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "config.yaml", `
exchange:
  max_symbols: -1
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_symbols")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open")
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "unsupported exchange",
			mutate:  func(c *Config) { c.Exchange.Name = "binance" },
			wantErr: "is not supported",
		},
		{
			name:    "unknown timeframe",
			mutate:  func(c *Config) { c.Exchange.Timeframe = "7h" },
			wantErr: "not recognised",
		},
		{
			name:    "unknown stop timeframe",
			mutate:  func(c *Config) { c.Exchange.StopTimeframe = "90s" },
			wantErr: "not recognised",
		},
		{
			name:    "lookback weights length mismatch",
			mutate:  func(c *Config) { c.Signals.LookbackWeights = []float64{1} },
			wantErr: "must match",
		},
		{
			name:    "k range inverted",
			mutate:  func(c *Config) { c.Signals.KMin = 8; c.Signals.KMax = 4 },
			wantErr: "k_max >= k_min",
		},
		{
			name:    "weight cap above one",
			mutate:  func(c *Config) { c.Sizing.MaxWeightPerAsset = 1.5 },
			wantErr: "(0, 1]",
		},
		{
			name:    "unknown sizing mode",
			mutate:  func(c *Config) { c.Risk.SizingMode = "martingale" },
			wantErr: "sizing_mode",
		},
		{
			name:    "catastrophic stop tighter than initial",
			mutate:  func(c *Config) { c.Risk.CatastrophicATRMult = 1 },
			wantErr: "catastrophic_atr_mult",
		},
		{
			name: "profit targets out of order",
			mutate: func(c *Config) {
				c.Risk.ProfitTargets = []ProfitTarget{
					{RMultiple: 2, ExitPct: 50},
					{RMultiple: 1, ExitPct: 50},
				}
			},
			wantErr: "strictly increasing",
		},
		{
			name:    "margin limits inverted",
			mutate:  func(c *Config) { c.Risk.MarginSoftLimitPct = 90 },
			wantErr: "margin limits",
		},
		{
			name:    "rebalance minute out of range",
			mutate:  func(c *Config) { c.Execution.RebalanceMinute = 60 },
			wantErr: "[0, 59]",
		},
		{
			name:    "market orders unsupported",
			mutate:  func(c *Config) { c.Execution.OrderType = "market" },
			wantErr: "not supported",
		},
		{
			name:    "blackout hour out of range",
			mutate:  func(c *Config) { c.Filters.BlackoutHoursUTC = []int{3, 24} },
			wantErr: "invalid hour",
		},
		{
			name:    "gamma out of range",
			mutate:  func(c *Config) { c.Optimizer.Gamma = 1 },
			wantErr: "gamma",
		},
		{
			name:    "missing state path",
			mutate:  func(c *Config) { c.Paths.StatePath = "" },
			wantErr: "state_path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestActiveConfigPath(t *testing.T) {
	dir := t.TempDir()
	base := writeConfig(t, dir, "config.yaml", "log_level: warn\n")
	optimized := filepath.Join(dir, OptimizedDirName)

	// No pointer file yet.
	assert.Equal(t, base, ActiveConfigPath(dir, base))

	promoted := writeConfig(t, optimized, "config_a.yaml", "log_level: error\n")

	// Empty pointer falls back.
	writeConfig(t, optimized, ActivePointerFile, "\n")
	assert.Equal(t, base, ActiveConfigPath(dir, base))

	// Pointer naming a missing version falls back.
	writeConfig(t, optimized, ActivePointerFile, "config_gone.yaml\n")
	assert.Equal(t, base, ActiveConfigPath(dir, base))

	// Valid pointer resolves inside the optimized directory.
	writeConfig(t, optimized, ActivePointerFile, "config_a.yaml\n")
	assert.Equal(t, promoted, ActiveConfigPath(dir, base))

	// Only the base name of the pointer entry is honoured.
	writeConfig(t, optimized, ActivePointerFile, "../../etc/config_a.yaml\n")
	assert.Equal(t, promoted, ActiveConfigPath(dir, base))
}

func TestLoadActivePrefersPromotedVersion(t *testing.T) {
	dir := t.TempDir()
	base := writeConfig(t, dir, "config.yaml", "log_level: warn\n")
	optimized := filepath.Join(dir, OptimizedDirName)
	promoted := writeConfig(t, optimized, "config_b.yaml", "log_level: error\n")
	writeConfig(t, optimized, ActivePointerFile, "config_b.yaml\n")

	cfg, path, err := LoadActive(dir, base)
	require.NoError(t, err)
	assert.Equal(t, promoted, path)
	assert.Equal(t, "error", cfg.LogLevel)

	require.NoError(t, os.Remove(filepath.Join(optimized, ActivePointerFile)))

	cfg, path, err = LoadActive(dir, base)
	require.NoError(t, err)
	assert.Equal(t, base, path)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoadSecretsReadsEnvironment(t *testing.T) {
	t.Setenv("BYBIT_API_KEY", "key-1")
	t.Setenv("BYBIT_API_SECRET", "secret-1")
	t.Setenv("DISCORD_WEBHOOK_URL", "https://discord.test/hook")
	t.Setenv("S3_ACCESS_KEY_ID", "ak")
	t.Setenv("S3_SECRET_ACCESS_KEY", "sk")

	s := LoadSecrets()
	assert.Equal(t, "key-1", s.BybitAPIKey)
	assert.Equal(t, "secret-1", s.BybitAPISecret)
	assert.Equal(t, "https://discord.test/hook", s.DiscordWebhookURL)
	assert.Equal(t, "ak", s.S3AccessKey)
	assert.Equal(t, "sk", s.S3SecretKey)
}

func TestTimeframeDuration(t *testing.T) {
	assert.Equal(t, time.Hour, TimeframeDuration("1h"))
	assert.Equal(t, 5*time.Minute, TimeframeDuration("5m"))
	assert.Equal(t, 24*time.Hour, TimeframeDuration("1d"))
	assert.Equal(t, time.Duration(0), TimeframeDuration("2w"))
}
