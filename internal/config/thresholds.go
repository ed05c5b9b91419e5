package config

// Thresholds are the runtime-tunable classification parameters. Unlike
// Config they may change while the server runs: set_thresholds writes
// them to <data>/thresholds.json and the monitor hot-reloads on change.
type Thresholds struct {
	// Classification bands.
	CoherenceCritical float64 `json:"coherence_critical"` // pause below this
	VoidThreshold     float64 `json:"void_threshold"`     // pause when |V| exceeds
	RiskRevise        float64 `json:"risk_revise"`        // caution band upper
	RiskApprove       float64 `json:"risk_approve"`       // caution band lower

	// Health bands over mean recent attention.
	HealthyMax  float64 `json:"healthy_max"`
	ModerateMax float64 `json:"moderate_max"`

	// Adaptive lambda1 controller.
	TargetCoherence   float64 `json:"target_coherence"`
	ControllerKp      float64 `json:"controller_kp"`
	ControllerKi      float64 `json:"controller_ki"`
	ControllerCadence int     `json:"controller_cadence"`
	WarmupUpdates     int     `json:"warmup_updates"`
	Lambda1Min        float64 `json:"lambda1_min"`
	Lambda1Max        float64 `json:"lambda1_max"`

	// Attention blend weights. phi carries most of the signal; the legacy
	// heuristic is retained for continuity with earlier deployments.
	PhiWeight    float64 `json:"phi_weight"`
	LegacyWeight float64 `json:"legacy_weight"`

	// phi component weights (rescaled inputs, each in [0,1]).
	PhiLengthWeight     float64 `json:"phi_length_weight"`
	PhiComplexityWeight float64 `json:"phi_complexity_weight"`
	PhiCoherenceWeight  float64 `json:"phi_coherence_weight"`
	PhiKeywordWeight    float64 `json:"phi_keyword_weight"`
}

// DefaultThresholds returns the tuned defaults. The phi weights satisfy
// the seed scenarios; they are deliberately exposed through
// get_thresholds rather than frozen.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CoherenceCritical: 0.40,
		VoidThreshold:     0.15,
		RiskRevise:        0.60,
		RiskApprove:       0.35,

		HealthyMax:  0.48,
		ModerateMax: 0.70,

		TargetCoherence:   0.55,
		ControllerKp:      0.5,
		ControllerKi:      0.05,
		ControllerCadence: 10,
		WarmupUpdates:     100,
		Lambda1Min:        0.09,
		Lambda1Max:        0.30,

		PhiWeight:    0.7,
		LegacyWeight: 0.3,

		PhiLengthWeight:     0.25,
		PhiComplexityWeight: 0.35,
		PhiCoherenceWeight:  0.25,
		PhiKeywordWeight:    0.15,
	}
}

// Clamped returns a copy with every band forced into sane ranges so a
// hand-edited thresholds.json cannot wedge classification.
func (t Thresholds) Clamped() Thresholds {
	clip01 := func(v float64) float64 {
		if v < 0 {
			return 0
		}
		if v > 1 {
			return 1
		}
		return v
	}
	t.CoherenceCritical = clip01(t.CoherenceCritical)
	t.RiskRevise = clip01(t.RiskRevise)
	t.RiskApprove = clip01(t.RiskApprove)
	t.HealthyMax = clip01(t.HealthyMax)
	t.ModerateMax = clip01(t.ModerateMax)
	t.TargetCoherence = clip01(t.TargetCoherence)
	if t.VoidThreshold <= 0 {
		t.VoidThreshold = DefaultThresholds().VoidThreshold
	}
	if t.Lambda1Min <= 0 || t.Lambda1Max <= t.Lambda1Min {
		d := DefaultThresholds()
		t.Lambda1Min, t.Lambda1Max = d.Lambda1Min, d.Lambda1Max
	}
	if t.ControllerCadence <= 0 {
		t.ControllerCadence = DefaultThresholds().ControllerCadence
	}
	if t.WarmupUpdates < 0 {
		t.WarmupUpdates = 0
	}
	return t
}
