package pipeline

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestBasisSync_HighSpreadFlaggedWithoutDesync(t *testing.T) {
	b := NewBasisSync(nopLogger{})
	obs := b.Evaluate("BTCUSDT", decimal.NewFromInt(100), decimal.NewFromInt(99))
	assert.True(t, obs.HighSpread)
	assert.False(t, obs.DesyncCritical)
}

func TestBasisSync_NormalSpreadNotFlagged(t *testing.T) {
	b := NewBasisSync(nopLogger{})
	obs := b.Evaluate("BTCUSDT", decimal.NewFromInt(100), decimal.NewFromFloat(99.99))
	assert.False(t, obs.HighSpread)
}

func TestBasisSync_DesyncRequiresSustainedWindow(t *testing.T) {
	b := NewBasisSync(nopLogger{})
	b.sustainWindow = 10 * time.Millisecond

	obs := b.Evaluate("BTCUSDT", decimal.NewFromInt(110), decimal.NewFromInt(100))
	assert.False(t, obs.DesyncCritical, "first breach should only arm the tracker")

	time.Sleep(20 * time.Millisecond)
	obs = b.Evaluate("BTCUSDT", decimal.NewFromInt(110), decimal.NewFromInt(100))
	assert.True(t, obs.DesyncCritical)
}

func TestShouldForceFill(t *testing.T) {
	armedAt := time.Now().Add(-5 * time.Second)
	assert.True(t, ShouldForceFill(armedAt, 2*time.Second, true))
	assert.False(t, ShouldForceFill(armedAt, 2*time.Second, false))
	assert.False(t, ShouldForceFill(time.Now(), 2*time.Second, true))
}
