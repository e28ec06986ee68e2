package scheduler

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbeckert/crosswind/internal/domain"
	"github.com/jbeckert/crosswind/internal/state"
)

type stubNotifier struct {
	messages []string
}

func (n *stubNotifier) Send(text string) {
	n.messages = append(n.messages, text)
}

func reportTestStore(t *testing.T) *state.Store {
	t.Helper()
	return state.NewStore(filepath.Join(t.TempDir(), "state.json"), zerolog.Nop())
}

func TestDailyReportComposesSummary(t *testing.T) {
	store := reportTestStore(t)
	now := time.Date(2026, 8, 25, 0, 5, 0, 0, time.UTC)

	require.NoError(t, store.Update(func(doc *state.Document) {
		doc.RecordEquity(now.Add(-25*time.Hour), 10000)
		doc.RecordEquity(now.Add(-time.Hour), 10250)
		doc.Positions["BTCUSDT"] = &domain.Position{Symbol: "BTCUSDT", Size: 0.5, EntryPrice: 60000}
		doc.Positions["ETHUSDT"] = &domain.Position{Symbol: "ETHUSDT", Size: -2.5, EntryPrice: 3000, PendingExit: "trail"}
		doc.FundingPaid["BTCUSDT"] = 8.5
		doc.FundingPaid["ETHUSDT"] = 3.84
		doc.PausedUntil = now.Add(14 * time.Hour)
		doc.PausedReason = "daily_loss"
		doc.DrawdownTripped = true
		doc.SetCooldown(domain.Cooldown{Symbol: "SOLUSDT", NotBefore: now.Add(time.Hour), Reason: domain.CooldownPostStop})
	}))

	notifier := &stubNotifier{}
	job := NewDailyReportJob(store, notifier, zerolog.Nop())
	job.now = func() time.Time { return now }

	require.NoError(t, job.Run())
	require.Len(t, notifier.messages, 1)

	msg := notifier.messages[0]
	assert.Contains(t, msg, "daily report 2026-08-25")
	assert.Contains(t, msg, "equity 10250.00 USDT (+2.50% on the day)")
	assert.Contains(t, msg, "positions (2)")
	assert.Contains(t, msg, "BTCUSDT +0.5 @ 60000")
	assert.Contains(t, msg, "ETHUSDT -2.5 @ 3000 (exiting: trail)")
	assert.Contains(t, msg, "funding paid to date 12.34 USDT")
	assert.Contains(t, msg, "entries paused: daily_loss until 14:05 UTC")
	assert.Contains(t, msg, "drawdown gate tripped")
	assert.Contains(t, msg, "cooldowns on 1 symbols")

	// Positions come out alphabetically.
	assert.Less(t, strings.Index(msg, "BTCUSDT +0.5"), strings.Index(msg, "ETHUSDT -2.5"))
}

func TestDailyReportEmptyState(t *testing.T) {
	store := reportTestStore(t)
	notifier := &stubNotifier{}
	job := NewDailyReportJob(store, notifier, zerolog.Nop())

	require.NoError(t, job.Run())
	require.Len(t, notifier.messages, 1)

	msg := notifier.messages[0]
	assert.Contains(t, msg, "no equity recorded yet")
	assert.Contains(t, msg, "positions (0)")
	assert.NotContains(t, msg, "funding paid")
	assert.NotContains(t, msg, "entries paused")
}

func TestDailyReportWithoutNotifierIsNoop(t *testing.T) {
	job := NewDailyReportJob(reportTestStore(t), nil, zerolog.Nop())
	require.NoError(t, job.Run())
}
