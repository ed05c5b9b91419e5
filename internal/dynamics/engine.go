// Package dynamics integrates the per-agent thermodynamic state: four
// coupled ODEs stepped with forward Euler, plus the PI controller that
// adapts lambda1 toward a coherence target. Everything here is pure —
// no I/O, no clocks, no global state — so a step is reproducible from
// its inputs alone.
package dynamics

import "math"

// Params holds the ODE coefficients. The defaults are the tuned operating
// point; they are not exposed for runtime mutation (unlike thresholds).
type Params struct {
	Alpha   float64 // E relaxation toward I
	BetaE   float64 // entropy drag on E
	GammaE  float64 // drift forcing on E
	K       float64 // entropy drag on I
	BetaI   float64 // coherence support of I
	GammaI  float64 // logistic self-limit on I
	Mu      float64 // entropy decay
	Lambda2 float64 // coherence sink on S
	BetaC   float64 // complexity forcing on S
	Kappa   float64 // E-I imbalance driving V
	Delta   float64 // void decay
	Sigma   float64 // coherence kernel width
	Dt      float64 // Euler step
}

// DefaultParams returns the production coefficients.
func DefaultParams() Params {
	return Params{
		Alpha:   0.4,
		BetaE:   0.1,
		GammaE:  0.05,
		K:       0.1,
		BetaI:   0.3,
		GammaI:  0.25,
		Mu:      0.8,
		Lambda2: 0.1,
		BetaC:   0.15,
		Kappa:   0.3,
		Delta:   0.4,
		Sigma:   0.1,
		Dt:      0.1,
	}
}

// Input is one integration step's exogenous signal.
type Input struct {
	Complexity float64    // clipped to [0,1] before use
	Drift      [3]float64 // externally observed deviation; zero by default
}

// Coherence is the Gaussian kernel C(V) = exp(-V^2 / (2 sigma^2)).
func Coherence(v, sigma float64) float64 {
	return math.Exp(-(v * v) / (2 * sigma * sigma))
}

// Clip01 clips v to [0,1].
func Clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Clip clips v to [lo,hi].
func Clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Step advances the state one Euler step. E, I, S are clipped to [0,1]
// after integration; V is left unclipped. The returned coherence is
// computed from the post-step V.
func Step(s State, in Input, p Params) State {
	complexity := Clip01(in.Complexity)
	driftSq := in.Drift[0]*in.Drift[0] + in.Drift[1]*in.Drift[1] + in.Drift[2]*in.Drift[2]
	c := Coherence(s.V, p.Sigma)

	dE := p.Alpha*(s.I-s.E) - p.BetaE*s.E*s.S + p.GammaE*s.E*driftSq
	dI := -p.K*s.S + p.BetaI*s.I*c - p.GammaI*s.I*(1-s.I)
	dS := -p.Mu*s.S + s.Lambda1*driftSq - p.Lambda2*c + p.BetaC*complexity
	dV := p.Kappa*(s.E-s.I) - p.Delta*s.V

	next := s
	next.E = Clip01(s.E + p.Dt*dE)
	next.I = Clip01(s.I + p.Dt*dI)
	next.S = Clip01(s.S + p.Dt*dS)
	next.V = s.V + p.Dt*dV
	next.Coherence = Coherence(next.V, p.Sigma)
	next.Time = s.Time + p.Dt
	return next
}
