// Package ranking implements the ranking strategy contract (C5): a
// per-provider policy that identifies a report's short-term/long-term
// quota windows and whether the account currently carries a priority
// boost, and computes the drain-rate figures §4.6.6 sorts candidates by.
package ranking

import (
	"math"
	"time"

	"authcore/internal/credtypes"
)

// Strategy is the per-provider plugin contract.
type Strategy interface {
	// FindWindowLimits identifies the limit representing the short-term
	// ceiling (primary) and the longer-term ceiling (secondary), if present.
	FindWindowLimits(report *credtypes.UsageReport) (primary, secondary *credtypes.UsageLimit)

	// HasPriorityBoost reports whether primary indicates a preferred
	// account state that should outrank all non-boosted peers.
	HasPriorityBoost(primary *credtypes.UsageLimit) bool

	// WindowDefaults supplies fallback window durations used when a report
	// omits window.durationMs.
	WindowDefaults() (primaryMs, secondaryMs int64)
}

// Registry resolves a Strategy by provider id.
type Registry struct {
	plugins map[string]Strategy
}

func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Strategy)}
}

func (r *Registry) Register(provider string, strategy Strategy) {
	r.plugins[provider] = strategy
}

func (r *Registry) Lookup(provider string) Strategy {
	if r == nil {
		return nil
	}
	return r.plugins[provider]
}

// DrainRate computes usedFraction / elapsedHours for limit, using
// defaultDurationMs when the limit omits window.durationMs. If elapsed
// hours are non-positive or non-finite, the drain rate is just the used
// fraction (matching the spec's fallback).
func DrainRate(limit *credtypes.UsageLimit, defaultDurationMs int64, now time.Time) float64 {
	if limit == nil {
		return 0
	}
	usedFraction := 0.0
	if limit.UsedFraction != nil {
		usedFraction = *limit.UsedFraction
	}

	durationMs := defaultDurationMs
	var resetInMs int64
	if limit.Window != nil {
		if limit.Window.DurationMs != nil {
			durationMs = *limit.Window.DurationMs
		}
		switch {
		case limit.Window.ResetInMs != nil:
			resetInMs = *limit.Window.ResetInMs
		case limit.Window.ResetsAt != nil:
			resetInMs = limit.Window.ResetsAt.Sub(now).Milliseconds()
		}
	}

	elapsedMs := clamp(durationMs-resetInMs, 0, durationMs)
	elapsedHours := float64(elapsedMs) / float64(time.Hour/time.Millisecond)

	if elapsedHours <= 0 || math.IsNaN(elapsedHours) || math.IsInf(elapsedHours, 0) {
		return usedFraction
	}
	return usedFraction / elapsedHours
}

func clamp(v, lo, hi int64) int64 {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
