package dynamics

import "govmon/internal/types"

// State is the per-agent thermodynamic state. Coherence is derived from V
// but carried on the struct so snapshots are self-describing.
type State struct {
	E         float64 `json:"E"`
	I         float64 `json:"I"`
	S         float64 `json:"S"`
	V         float64 `json:"V"`
	Coherence float64 `json:"coherence"`
	Lambda1   float64 `json:"lambda1"`
	Time      float64 `json:"time"`

	UpdateCount int     `json:"update_count"`
	PIIntegral  float64 `json:"pi_integral"`

	// LastPhi is the primary attention component of the most recent
	// update, carried so metrics reads need not re-derive it.
	LastPhi float64 `json:"last_phi"`

	History History `json:"history"`
}

// History holds the parallel per-update series. All slices share one
// length equal to UpdateCount; in memory they may exceed the persistence
// cap and are trimmed at serialization time.
type History struct {
	E          []float64         `json:"E"`
	I          []float64         `json:"I"`
	S          []float64         `json:"S"`
	V          []float64         `json:"V"`
	Coherence  []float64         `json:"coherence"`
	Attention  []float64         `json:"attention"`
	Lambda1    []float64         `json:"lambda1"`
	Decision   []string          `json:"decision"`
	Timestamps []types.Timestamp `json:"timestamps"`
}

// NewState returns the initial state for a freshly registered agent:
// balanced E/I, moderate entropy, zero void.
func NewState() State {
	p := DefaultParams()
	return State{
		E:         0.5,
		I:         0.5,
		S:         0.25,
		V:         0,
		Coherence: Coherence(0, p.Sigma),
		Lambda1:   0.125,
	}
}

// Len returns the number of recorded history entries.
func (h History) Len() int {
	return len(h.E)
}

// Append records one completed update across every series.
func (h *History) Append(s State, attention float64, decision string, at types.Timestamp) {
	h.E = append(h.E, s.E)
	h.I = append(h.I, s.I)
	h.S = append(h.S, s.S)
	h.V = append(h.V, s.V)
	h.Coherence = append(h.Coherence, s.Coherence)
	h.Attention = append(h.Attention, attention)
	h.Lambda1 = append(h.Lambda1, s.Lambda1)
	h.Decision = append(h.Decision, decision)
	h.Timestamps = append(h.Timestamps, at)
}

// Tail returns a copy of the history trimmed to the last n entries.
// Used at serialization; the in-memory history is left untouched.
func (h History) Tail(n int) History {
	if n <= 0 || h.Len() <= n {
		return h
	}
	start := h.Len() - n
	return History{
		E:          append([]float64(nil), h.E[start:]...),
		I:          append([]float64(nil), h.I[start:]...),
		S:          append([]float64(nil), h.S[start:]...),
		V:          append([]float64(nil), h.V[start:]...),
		Coherence:  append([]float64(nil), h.Coherence[start:]...),
		Attention:  append([]float64(nil), h.Attention[start:]...),
		Lambda1:    append([]float64(nil), h.Lambda1[start:]...),
		Decision:   append([]string(nil), h.Decision[start:]...),
		Timestamps: append([]types.Timestamp(nil), h.Timestamps[start:]...),
	}
}

// Capped returns a copy of the state with history trimmed to cap entries,
// ready for persistence.
func (s State) Capped(cap int) State {
	s.History = s.History.Tail(cap)
	return s
}

// Consistent reports whether every history series has the same length.
func (h History) Consistent() bool {
	n := len(h.E)
	return len(h.I) == n && len(h.S) == n && len(h.V) == n &&
		len(h.Coherence) == n && len(h.Attention) == n &&
		len(h.Lambda1) == n && len(h.Decision) == n && len(h.Timestamps) == n
}
