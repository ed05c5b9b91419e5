package monitor

import (
	"gonum.org/v1/gonum/stat"

	"govmon/internal/config"
	"govmon/internal/dynamics"
	"govmon/internal/types"
)

// Guidance strings are deliberately supportive. The monitor's job is to
// keep agents effective, not to scold them; wording here is part of the
// external contract.
const (
	guidanceSafe    = "Looking steady - keep going."
	guidanceCaution = "Complexity is building - let's pause and regroup before the next step."
	guidancePause   = "Let's take a break here. A reviewer can help untangle this; nothing is lost."
)

// voidWindow is how many recent |V| samples feed the adaptive threshold.
const voidWindow = 50

// voidLimit returns the effective void threshold: the configured base
// before warm-up, and after warm-up an adaptive band derived from the
// agent's own |V| history (mean + 3 sigma, never below the base).
func voidLimit(s dynamics.State, th config.Thresholds) float64 {
	if s.UpdateCount <= th.WarmupUpdates || len(s.History.V) == 0 {
		return th.VoidThreshold
	}
	v := s.History.V
	if len(v) > voidWindow {
		v = v[len(v)-voidWindow:]
	}
	absV := make([]float64, len(v))
	for i, x := range v {
		absV[i] = abs(x)
	}
	mean, std := stat.MeanStdDev(absV, nil)
	adaptive := mean + 3*std
	if adaptive < th.VoidThreshold {
		return th.VoidThreshold
	}
	return adaptive
}

// classify maps the post-integration state and attention score onto the
// operational recommendation.
func classify(s dynamics.State, attention float64, th config.Thresholds) types.Decision {
	limit := voidLimit(s, th)
	switch {
	case s.Coherence < th.CoherenceCritical:
		return types.Decision{
			Action:   types.ActionPause,
			Verdict:  types.VerdictHighRisk,
			Reason:   "coherence below critical threshold",
			Guidance: guidancePause,
		}
	case abs(s.V) > limit:
		return types.Decision{
			Action:   types.ActionPause,
			Verdict:  types.VerdictHighRisk,
			Reason:   "void integral outside safe band",
			Guidance: guidancePause,
		}
	case attention > th.RiskRevise:
		return types.Decision{
			Action:   types.ActionProceed,
			Verdict:  types.VerdictCaution,
			Reason:   "attention elevated",
			Guidance: guidanceCaution,
		}
	case attention > th.RiskApprove:
		return types.Decision{
			Action:   types.ActionProceed,
			Verdict:  types.VerdictCaution,
			Reason:   "attention above approval band",
			Guidance: guidanceCaution,
		}
	default:
		return types.Decision{
			Action:   types.ActionProceed,
			Verdict:  types.VerdictSafe,
			Reason:   "all signals nominal",
			Guidance: guidanceSafe,
		}
	}
}

// healthWindow is how many recent attention samples band health.
const healthWindow = 10

// healthStatus bands the agent's history: healthy needs both a calm
// recent mean and current coherence above the healthy floor.
func healthStatus(s dynamics.State, th config.Thresholds) types.HealthStatus {
	att := s.History.Attention
	if len(att) == 0 {
		return types.HealthHealthy
	}
	if len(att) > healthWindow {
		att = att[len(att)-healthWindow:]
	}
	mean := stat.Mean(att, nil)
	switch {
	case mean < th.HealthyMax && s.Coherence >= th.HealthyMax:
		return types.HealthHealthy
	case mean < th.ModerateMax:
		return types.HealthModerate
	default:
		return types.HealthCritical
	}
}

// samplingParams suggests LLM sampling adjustments from the state: high
// entropy argues for a lower temperature, strong coherence affords more
// freedom. Advisory only.
func samplingParams(s dynamics.State) map[string]float64 {
	temperature := dynamics.Clip(0.9-0.6*s.S, 0.1, 1.0)
	topP := dynamics.Clip(0.5+0.5*s.Coherence, 0.5, 1.0)
	return map[string]float64{
		"temperature": temperature,
		"top_p":       topP,
	}
}
