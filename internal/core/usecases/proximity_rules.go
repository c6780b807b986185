package usecases

import (
	"math"

	"github.com/samirrijal/bilbotrack/internal/core/domain"
)

// ProximityThresholds parameterize one distance update, in meters.
type ProximityThresholds struct {
	// MinChange is the smallest distance change that counts as an update.
	// Changes at or below it are treated as GPS jitter.
	MinChange float64
	// GeometryFactor is the slack allowed before a growing distance counts
	// as receding, covering road geometry that bends away from the stop.
	GeometryFactor float64
	// StopProximity is how close the vehicle must have come for a passage.
	StopProximity float64
	// MovingAway is how far past the minimum the vehicle must be for a passage.
	MovingAway float64
}

// PollingThresholds apply to updates computed from the vehicle feed.
var PollingThresholds = ProximityThresholds{
	MinChange:      50,
	GeometryFactor: 100,
	StopProximity:  300,
	MovingAway:     100,
}

// PushThresholds apply to distances reported by push notifications. Any
// change in distance is an update here.
var PushThresholds = ProximityThresholds{
	MinChange:      0,
	GeometryFactor: 100,
	StopProximity:  30,
	MovingAway:     50,
}

// StepResult is the outcome of applying one distance sample.
type StepResult struct {
	Alert   domain.ProximityAlert
	Changed bool
	// NewlyPassed is set only on the sample that flips StopPassed.
	NewlyPassed bool
}

// Step applies newDistance to a. The input is not modified.
func (t ProximityThresholds) Step(a domain.ProximityAlert, newDistance float64, nowMillis int64) StepResult {
	if math.Abs(newDistance-a.Distance) <= t.MinChange {
		return StepResult{Alert: a}
	}

	next := a
	next.IsApproaching = newDistance-t.GeometryFactor < a.Distance
	next.MinimumDistance = math.Min(a.MinimumDistance, newDistance)

	newlyPassed := false
	if !a.StopPassed &&
		next.MinimumDistance < t.StopProximity &&
		!next.IsApproaching &&
		newDistance-next.MinimumDistance > t.MovingAway {
		next.StopPassed = true
		newlyPassed = true
	}

	next.PreviousDistance = a.Distance
	next.Distance = newDistance
	next.Timestamp = nowMillis

	return StepResult{Alert: next, Changed: true, NewlyPassed: newlyPassed}
}
