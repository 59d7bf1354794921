package ranking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"authcore/internal/credtypes"
)

func f(v float64) *float64 { return &v }
func i(v int64) *int64     { return &v }

func TestDrainRateUsesWindowDurationAndResetIn(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	limit := &credtypes.UsageLimit{
		UsedFraction: f(0.3),
		Window: &credtypes.UsageWindow{
			DurationMs: i(18_000_000),
			ResetInMs:  i(9_000_000),
		},
	}
	// elapsed = 18_000_000 - 9_000_000 = 9_000_000ms = 2.5h
	rate := DrainRate(limit, 0, now)
	assert.InDelta(t, 0.3/2.5, rate, 1e-9)
}

func TestDrainRateFallsBackToUsedFractionWhenElapsedNonPositive(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	limit := &credtypes.UsageLimit{
		UsedFraction: f(0.5),
		Window: &credtypes.UsageWindow{
			DurationMs: i(1000),
			ResetInMs:  i(5000), // resetIn > duration clamps elapsed to 0
		},
	}
	assert.Equal(t, 0.5, DrainRate(limit, 0, now))
}

func TestDrainRateUsesDefaultDurationWhenOmitted(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	limit := &credtypes.UsageLimit{
		UsedFraction: f(0.4),
		Window:       &credtypes.UsageWindow{ResetInMs: i(0)},
	}
	rate := DrainRate(limit, int64(time.Hour/time.Millisecond), now)
	assert.InDelta(t, 0.4, rate, 1e-9)
}

func TestDrainRateNilLimitIsZero(t *testing.T) {
	assert.Equal(t, 0.0, DrainRate(nil, 0, time.Now()))
}
