package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tcmofashi/MaiMBot/types"
)

func TestDelay_ExponentialGrowthCapped(t *testing.T) {
	p := Policy{MaxRetries: 5, InitialDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2}

	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 8*time.Second, p.Delay(4))
	assert.Equal(t, 10*time.Second, p.Delay(5), "capped at MaxDelay")
	assert.Equal(t, 10*time.Second, p.Delay(50))
}

func TestDelay_JitterStaysInRange(t *testing.T) {
	p := Policy{MaxRetries: 3, InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2, Jitter: true}
	for i := 0; i < 100; i++ {
		d := p.Delay(2)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.Less(t, d, 2*time.Second)
	}
}

func TestShouldRetry(t *testing.T) {
	p := Policy{MaxRetries: 2}
	transient := types.NewError(types.ErrProviderTransient, "overloaded")
	terminal := types.NewError(types.ErrProviderTerminal, "bad request")

	assert.True(t, p.ShouldRetry(transient, 1))
	assert.True(t, p.ShouldRetry(transient, 2))
	assert.False(t, p.ShouldRetry(transient, 3), "retry budget exhausted")
	assert.False(t, p.ShouldRetry(terminal, 1), "terminal errors never retry")
	assert.False(t, p.ShouldRetry(errors.New("unclassified"), 1))
}

func TestDelay_DefaultsAppliedForZeroPolicy(t *testing.T) {
	var p Policy
	assert.Equal(t, time.Second, p.Delay(1))
}
