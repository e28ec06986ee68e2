package risk

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbeckert/crosswind/internal/config"
	"github.com/jbeckert/crosswind/internal/domain"
	"github.com/jbeckert/crosswind/internal/state"
)

var testNow = time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

func testController(mutate func(*config.RiskConfig)) *Controller {
	cfg := config.Default().Risk
	cfg.LongTermDD.Enabled = false
	if mutate != nil {
		mutate(&cfg)
	}
	breaker := NewAPIBreaker(cfg.APICircuitBreaker, zerolog.Nop())
	return NewController(cfg, breaker, zerolog.Nop())
}

// healthyDoc returns a document with day anchors at the given start equity
// and a matching equity history sample.
func healthyDoc(startEquity float64) *state.Document {
	doc := state.NewDocument()
	doc.RollDay(testNow, startEquity)
	doc.RecordEquity(testNow, startEquity)
	return doc
}

func margin(equity, ratio float64) domain.MarginInfo {
	return domain.MarginInfo{Equity: equity, UsedMargin: equity * ratio, MarginRatio: ratio}
}

func TestAllGatesClearAllowsEntries(t *testing.T) {
	c := testController(nil)
	doc := healthyDoc(10000)

	d := c.Evaluate(testNow, doc, margin(10000, 0.2), false)

	assert.True(t, d.CanEnter)
	assert.Empty(t, d.Reason)
	assert.False(t, d.Liquidate)
}

func TestDailyLossPausesUntilUTCMidnight(t *testing.T) {
	c := testController(func(cfg *config.RiskConfig) {
		cfg.MaxDailyLossPct = 5
	})
	doc := healthyDoc(10000)

	d := c.Evaluate(testNow, doc, margin(9499, 0.2), false)

	require.False(t, d.CanEnter)
	assert.Equal(t, ReasonDailyLoss, d.Reason)

	wantResume := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, wantResume, d.ResumeAt)
	assert.Equal(t, wantResume, doc.PausedUntil)
	assert.Equal(t, ReasonDailyLoss, doc.PausedReason)

	// Still paused later the same day even if equity recovers.
	later := testNow.Add(6 * time.Hour)
	d = c.Evaluate(later, doc, margin(9900, 0.2), false)
	assert.False(t, d.CanEnter)

	// The next UTC day trades again.
	nextDay := wantResume.Add(time.Minute)
	doc.RollDay(nextDay, 9900)
	d = c.Evaluate(nextDay, doc, margin(9900, 0.2), false)
	assert.True(t, d.CanEnter)
	assert.Empty(t, doc.PausedReason)
}

func TestDailyLossJustUnderLimitAllows(t *testing.T) {
	c := testController(func(cfg *config.RiskConfig) {
		cfg.MaxDailyLossPct = 5
	})
	doc := healthyDoc(10000)

	d := c.Evaluate(testNow, doc, margin(9501, 0.2), false)

	assert.True(t, d.CanEnter)
}

func TestTrailingDailyLossMeasuresFromDayHigh(t *testing.T) {
	doc := healthyDoc(10000)
	doc.RollDay(testNow, 11000) // intraday high

	// 10400 is up on the day but 5.45% off the high.
	c := testController(func(cfg *config.RiskConfig) {
		cfg.MaxDailyLossPct = 5
		cfg.DailyLossTrailing = true
	})
	d := c.Evaluate(testNow, doc, margin(10400, 0.2), false)
	assert.False(t, d.CanEnter)
	assert.Equal(t, ReasonDailyLoss, d.Reason)

	// Without trailing the same equity passes.
	doc2 := healthyDoc(10000)
	doc2.RollDay(testNow, 11000)
	c2 := testController(func(cfg *config.RiskConfig) {
		cfg.MaxDailyLossPct = 5
		cfg.DailyLossTrailing = false
	})
	d = c2.Evaluate(testNow, doc2, margin(10400, 0.2), false)
	assert.True(t, d.CanEnter)
}

func TestDrawdownGateLatchesUntilRecovery(t *testing.T) {
	c := testController(func(cfg *config.RiskConfig) {
		cfg.MaxDailyLossPct = 50 // keep the daily gate out of the way
		cfg.MaxPortfolioDrawdownPct = 15
		cfg.PortfolioDDWindowDays = 30
	})
	doc := state.NewDocument()
	doc.RecordEquity(testNow.AddDate(0, 0, -10), 10000)
	doc.RollDay(testNow, 8400)

	// 16% below the window high trips the gate.
	d := c.Evaluate(testNow, doc, margin(8400, 0.2), false)
	require.False(t, d.CanEnter)
	assert.Equal(t, ReasonDrawdown, d.Reason)
	assert.True(t, doc.DrawdownTripped)

	// Recovering to 14% is not enough: the latch needs 80% of the
	// threshold, i.e. 12%.
	d = c.Evaluate(testNow.Add(time.Hour), doc, margin(8600, 0.2), false)
	assert.False(t, d.CanEnter)
	assert.True(t, doc.DrawdownTripped)

	// At 11.9% drawdown the latch releases.
	d = c.Evaluate(testNow.Add(2*time.Hour), doc, margin(8810, 0.2), false)
	assert.True(t, d.CanEnter)
	assert.False(t, doc.DrawdownTripped)
}

func TestMarginHardLimitLiquidatesWhenConfigured(t *testing.T) {
	c := testController(func(cfg *config.RiskConfig) {
		cfg.MarginHardLimitPct = 85
		cfg.MarginAction = config.MarginActionLiquidate
	})
	doc := healthyDoc(10000)

	d := c.Evaluate(testNow, doc, margin(10000, 0.9), false)

	require.False(t, d.CanEnter)
	assert.Equal(t, ReasonMarginHard, d.Reason)
	assert.True(t, d.Liquidate)
}

func TestMarginHardLimitPausesByDefault(t *testing.T) {
	c := testController(func(cfg *config.RiskConfig) {
		cfg.MarginHardLimitPct = 85
		cfg.MarginAction = config.MarginActionPause
	})
	doc := healthyDoc(10000)

	d := c.Evaluate(testNow, doc, margin(10000, 0.9), false)

	require.False(t, d.CanEnter)
	assert.False(t, d.Liquidate)
}

func TestMarginSoftLimitBlocksOnlyEntries(t *testing.T) {
	c := testController(func(cfg *config.RiskConfig) {
		cfg.MarginSoftLimitPct = 60
		cfg.MarginHardLimitPct = 85
	})
	doc := healthyDoc(10000)

	d := c.Evaluate(testNow, doc, margin(10000, 0.7), false)

	require.False(t, d.CanEnter)
	assert.Equal(t, ReasonMarginSoft, d.Reason)
	assert.False(t, d.Liquidate)
	// Soft-limit blocks are per cycle, never persisted.
	assert.True(t, doc.PausedUntil.IsZero())
}

func TestEmergencyStopBlocksEntries(t *testing.T) {
	c := testController(nil)
	doc := healthyDoc(10000)

	d := c.Evaluate(testNow, doc, margin(10000, 0.2), true)

	require.False(t, d.CanEnter)
	assert.Equal(t, ReasonEmergencyStop, d.Reason)
}

func TestReconcileFailureBlocksEntries(t *testing.T) {
	c := testController(nil)
	doc := healthyDoc(10000)

	c.SetReconcileFailed(true)
	d := c.Evaluate(testNow, doc, margin(10000, 0.2), false)
	require.False(t, d.CanEnter)
	assert.Equal(t, ReasonReconcileFailed, d.Reason)

	c.SetReconcileFailed(false)
	d = c.Evaluate(testNow, doc, margin(10000, 0.2), false)
	assert.True(t, d.CanEnter)
}

func TestOpenBreakerBlocksEntries(t *testing.T) {
	c := testController(func(cfg *config.RiskConfig) {
		cfg.APICircuitBreaker = config.CircuitBreakerConfig{MaxErrors: 2, WindowSeconds: 300, CooldownSeconds: 600}
	})
	doc := healthyDoc(10000)

	c.breaker.RecordFailure(testNow, "http")
	c.breaker.RecordFailure(testNow.Add(time.Second), "http")

	d := c.Evaluate(testNow.Add(2*time.Second), doc, margin(10000, 0.2), false)

	require.False(t, d.CanEnter)
	assert.Equal(t, ReasonBreakerOpen, d.Reason)
	assert.Equal(t, c.breaker.OpenUntil(), d.ResumeAt)
}

func TestPersistedPauseHoldsAcrossRestart(t *testing.T) {
	c := testController(nil)
	doc := healthyDoc(10000)
	doc.PausedUntil = testNow.Add(3 * time.Hour)
	doc.PausedReason = ReasonDailyLoss

	d := c.Evaluate(testNow, doc, margin(10000, 0.2), false)
	require.False(t, d.CanEnter)
	assert.Equal(t, ReasonDailyLoss, d.Reason)
	assert.Equal(t, doc.PausedUntil, d.ResumeAt)

	d = c.Evaluate(testNow.Add(4*time.Hour), doc, margin(10000, 0.2), false)
	assert.True(t, d.CanEnter)
}

func TestLongTermDrawdownWarnsWithoutBlocking(t *testing.T) {
	c := testController(func(cfg *config.RiskConfig) {
		cfg.LongTermDD = config.LongTermDDConfig{Enabled: true, Warn90DPct: 20, Warn180DPct: 30, Warn365DPct: 40}
	})
	doc := state.NewDocument()
	doc.RecordEquity(testNow.AddDate(0, 0, -60), 13000)
	doc.RollDay(testNow, 10000)

	d := c.Evaluate(testNow, doc, margin(10000, 0.2), false)

	assert.True(t, d.CanEnter)
	require.Len(t, d.Warnings, 1)
	assert.Contains(t, d.Warnings[0], "90d drawdown")
}
