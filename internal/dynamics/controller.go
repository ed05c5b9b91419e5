package dynamics

import (
	"gonum.org/v1/gonum/stat"

	"govmon/internal/config"
)

// coherenceWindow is the number of recent coherence samples the
// controller averages over.
const coherenceWindow = 10

// AdjustLambda1 runs one PI controller evaluation against the recent
// coherence history and returns the updated state. It is a no-op unless
// the agent is past warm-up and on the controller cadence.
//
// Antiwindup is by output clipping only: the integral keeps accumulating
// even when lambda1 is pinned at a bound.
func AdjustLambda1(s State, th config.Thresholds) State {
	if s.UpdateCount <= th.WarmupUpdates {
		return s
	}
	if th.ControllerCadence <= 0 || s.UpdateCount%th.ControllerCadence != 0 {
		return s
	}
	n := len(s.History.Coherence)
	if n == 0 {
		return s
	}
	window := s.History.Coherence
	if n > coherenceWindow {
		window = window[n-coherenceWindow:]
	}

	e := th.TargetCoherence - stat.Mean(window, nil)
	s.PIIntegral += e
	s.Lambda1 = Clip(s.Lambda1+th.ControllerKp*e+th.ControllerKi*s.PIIntegral, th.Lambda1Min, th.Lambda1Max)
	return s
}
