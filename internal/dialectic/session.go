// Package dialectic runs the structured recovery protocol for paused
// agents: thesis from the paused agent, antithesis from a selected
// reviewer, bounded synthesis rounds, and a resolution executed exactly
// once. Sessions double as the dispute channel for knowledge-graph
// discoveries.
package dialectic

import (
	"strings"

	"govmon/internal/types"
)

// SessionState is the protocol position of one session.
type SessionState string

const (
	StateAwaitingThesis     SessionState = "awaiting_thesis"
	StateAwaitingAntithesis SessionState = "awaiting_antithesis"
	StateNegotiating        SessionState = "negotiating"
	StateResolved           SessionState = "resolved"
	StateBlocked            SessionState = "blocked"
	StateTimedOut           SessionState = "timed_out"
)

// Terminal reports whether the session can no longer advance.
func (s SessionState) Terminal() bool {
	switch s {
	case StateResolved, StateBlocked, StateTimedOut:
		return true
	}
	return false
}

// DisputeType qualifies a discovery-dispute session.
type DisputeType string

const (
	DisputeChallenge    DisputeType = "dispute"
	DisputeCorrection   DisputeType = "correction"
	DisputeVerification DisputeType = "verification"
)

// Valid reports whether d is a known dispute type.
func (d DisputeType) Valid() bool {
	switch d {
	case DisputeChallenge, DisputeCorrection, DisputeVerification:
		return true
	}
	return false
}

// Resolution actions.
const (
	ActionResume   = "resume"
	ActionBlock    = "block"
	ActionEscalate = "escalate"
)

// Condition is one resolution condition. Recognized kinds are applied
// during execution; anything else is kept verbatim for later inspection.
type Condition struct {
	Raw     string `json:"raw"`
	Kind    string `json:"kind,omitempty"`
	Value   string `json:"value,omitempty"`
	Applied bool   `json:"applied"`
}

// parseCondition recognizes the condition grammar the resolver can act
// on: "tag:<tag>" adds a tag to the recovering agent, "note:<text>"
// appends to its notes. Everything else stays verbatim.
func parseCondition(raw string) Condition {
	c := Condition{Raw: raw}
	trimmed := strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(trimmed, "tag:"):
		c.Kind = "tag"
		c.Value = strings.TrimSpace(strings.TrimPrefix(trimmed, "tag:"))
	case strings.HasPrefix(trimmed, "note:"):
		c.Kind = "note"
		c.Value = strings.TrimSpace(strings.TrimPrefix(trimmed, "note:"))
	}
	return c
}

// Resolution is the terminal outcome of a session.
type Resolution struct {
	Action     string      `json:"action"` // resume | block | escalate
	Conditions []Condition `json:"conditions,omitempty"`
	Notes      string      `json:"notes,omitempty"`
}

// Session is one dialectic record, persisted per session under
// dialectic_sessions/.
type Session struct {
	ID              string       `json:"id"`
	PausedAgentID   string       `json:"paused_agent_id"`
	ReviewerAgentID string       `json:"reviewer_agent_id"`
	State           SessionState `json:"state"`
	Reason          string       `json:"reason,omitempty"`

	Thesis          string `json:"thesis,omitempty"`
	Antithesis      string `json:"antithesis,omitempty"`
	SynthesisRounds int    `json:"synthesis_rounds"`

	// Discovery-dispute mode.
	DiscoveryID string      `json:"discovery_id,omitempty"`
	DisputeType DisputeType `json:"dispute_type,omitempty"`

	// SelfRecovery marks sessions where no reviewer was available and
	// the server supplies the antithesis from metrics.
	SelfRecovery bool `json:"self_recovery,omitempty"`

	CreatedAt      types.Timestamp `json:"created_at"`
	LastActivityAt types.Timestamp `json:"last_activity_at"`

	Resolution         *Resolution `json:"resolution,omitempty"`
	ResolutionExecuted bool        `json:"resolution_executed,omitempty"`
}

func (s *Session) clone() *Session {
	c := *s
	if s.Resolution != nil {
		r := *s.Resolution
		r.Conditions = append([]Condition(nil), s.Resolution.Conditions...)
		c.Resolution = &r
	}
	return &c
}
