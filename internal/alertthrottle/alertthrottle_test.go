package alertthrottle

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestShouldSend_FirstAlertAllowed(t *testing.T) {
	th := New(5 * time.Minute)
	ok, reason := th.ShouldSend("ADA_USDT", SideBuy, decimal.NewFromFloat(0.5), true, decimal.NewFromFloat(1.0))
	assert.True(t, ok)
	assert.Equal(t, "first_alert", reason)
}

func TestShouldSend_DirectionChangeNeverThrottled(t *testing.T) {
	th := New(5 * time.Minute)
	th.Commit("ADA_USDT", SideBuy, decimal.NewFromFloat(0.5), time.Now())

	ok, reason := th.ShouldSend("ADA_USDT", SideSell, decimal.NewFromFloat(0.5), true, decimal.NewFromFloat(1.0))
	assert.True(t, ok)
	assert.Equal(t, "direction_change", reason)
}

// A direction change overrides the returning side's own cooldown: a
// BUY straight after a more recent SELL is allowed even though the BUY
// side's state is still inside its window.
func TestShouldSend_DirectionChangeOverridesOwnCooldown(t *testing.T) {
	th := New(5 * time.Minute)
	now := time.Now()
	th.Commit("ADA_USDT", SideBuy, decimal.NewFromFloat(0.500), now.Add(-time.Minute))
	th.Commit("ADA_USDT", SideSell, decimal.NewFromFloat(0.505), now)

	ok, reason := th.ShouldSend("ADA_USDT", SideBuy, decimal.NewFromFloat(0.505), true, decimal.NewFromFloat(5.0))
	assert.True(t, ok)
	assert.Equal(t, "direction_change", reason)
}

// trade_enabled=false branch: only price-change matters, no cooldown.
func TestShouldSend_TradeDisabled_PriceChangeOnly(t *testing.T) {
	th := New(5 * time.Minute)
	now := time.Now()
	th.Commit("ADA_USDT", SideBuy, decimal.NewFromFloat(0.500), now)

	ok, _ := th.ShouldSend("ADA_USDT", SideBuy, decimal.NewFromFloat(0.503), false, decimal.NewFromFloat(1.0))
	assert.False(t, ok, "0.6%% move under 1%% threshold should not send even with no cooldown concept")

	ok2, _ := th.ShouldSend("ADA_USDT", SideBuy, decimal.NewFromFloat(0.510), false, decimal.NewFromFloat(1.0))
	assert.True(t, ok2, "2%% move clears threshold")
}

// trade_enabled=true branch: either cooldown elapsed OR price change.
func TestShouldSend_TradeEnabled_CooldownOrPriceChange(t *testing.T) {
	th := New(100 * time.Millisecond)
	now := time.Now()
	th.Commit("ADA_USDT", SideBuy, decimal.NewFromFloat(0.500), now)

	ok, _ := th.ShouldSend("ADA_USDT", SideBuy, decimal.NewFromFloat(0.501), true, decimal.NewFromFloat(5.0))
	assert.False(t, ok, "neither cooldown elapsed nor price moved enough")

	time.Sleep(150 * time.Millisecond)
	ok2, reason := th.ShouldSend("ADA_USDT", SideBuy, decimal.NewFromFloat(0.501), true, decimal.NewFromFloat(5.0))
	assert.True(t, ok2)
	assert.Equal(t, "cooldown_elapsed", reason)
}

// Commit happens before the (simulated) send; a faulting send must not
// cause the next tick to re-send, since state was already written.
func TestCommit_WriteBeforeSend_NoResendAfterFailedSend(t *testing.T) {
	th := New(5 * time.Minute)
	now := time.Now()

	ok, _ := th.ShouldSend("ADA_USDT", SideBuy, decimal.NewFromFloat(0.5), true, decimal.NewFromFloat(1.0))
	assert.True(t, ok)
	th.Commit("ADA_USDT", SideBuy, decimal.NewFromFloat(0.5), now)

	simulateSendFailure := func() error { return assert.AnError }
	_ = simulateSendFailure()

	ok2, reason := th.ShouldSend("ADA_USDT", SideBuy, decimal.NewFromFloat(0.5), true, decimal.NewFromFloat(1.0))
	assert.False(t, ok2)
	assert.Equal(t, "cooldown_and_price_change_insufficient", reason)
}
