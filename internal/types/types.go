// Package types holds the shared vocabulary of the governance monitor:
// agent lifecycle states, classification outcomes, lifecycle events, and
// the tool-error taxonomy. It has no dependencies on other govmon packages
// so that every layer can speak the same types without import cycles.
package types

import (
	"fmt"
	"strings"
	"time"
)

// AgentStatus represents the lifecycle state of a monitored agent.
type AgentStatus string

const (
	StatusActive       AgentStatus = "active"
	StatusWaitingInput AgentStatus = "waiting_input"
	StatusPaused       AgentStatus = "paused"
	StatusArchived     AgentStatus = "archived"
	StatusDeleted      AgentStatus = "deleted"
)

// Valid reports whether s is a known lifecycle status.
func (s AgentStatus) Valid() bool {
	switch s {
	case StatusActive, StatusWaitingInput, StatusPaused, StatusArchived, StatusDeleted:
		return true
	}
	return false
}

// Action is the operational recommendation attached to an update.
type Action string

const (
	ActionProceed Action = "proceed"
	ActionRevise  Action = "revise"
	ActionPause   Action = "pause"
)

// Verdict qualifies an action with a risk band.
type Verdict string

const (
	VerdictSafe     Verdict = "safe"
	VerdictCaution  Verdict = "caution"
	VerdictHighRisk Verdict = "high-risk"
)

// Decision is the classification outcome for a single update.
type Decision struct {
	Action   Action  `json:"action"`
	Verdict  Verdict `json:"verdict"`
	Reason   string  `json:"reason"`
	Guidance string  `json:"guidance,omitempty"`
}

// HealthStatus bands an agent's recent attention history.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthModerate HealthStatus = "moderate"
	HealthCritical HealthStatus = "critical"
)

// LifecycleEvent is one entry in an agent's append-only lifecycle log.
type LifecycleEvent struct {
	Event     string    `json:"event"`
	Timestamp Timestamp `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// PioneerTag marks agents protected from deletion.
const PioneerTag = "pioneer"

// Timestamp serializes as ISO-8601 UTC with microseconds and no zone
// suffix, matching the on-disk format of the metadata and state files.
type Timestamp struct {
	time.Time
}

// TimestampLayout is the wire layout for Timestamp values.
const TimestampLayout = "2006-01-02T15:04:05.000000"

// Now returns the current time as a Timestamp in UTC, truncated to
// microseconds so that a marshal/parse round trip is exact.
func Now() Timestamp {
	return Timestamp{time.Now().UTC().Truncate(time.Microsecond)}
}

// At wraps a time.Time as a Timestamp, normalizing to UTC.
func At(t time.Time) Timestamp {
	return Timestamp{t.UTC()}
}

// Equal reports whether two Timestamps denote the same instant.
func (t Timestamp) Equal(u Timestamp) bool {
	return t.Time.Equal(u.Time)
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return []byte(`"` + t.UTC().Format(TimestampLayout) + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler. Accepts the native layout,
// RFC 3339, and the empty string (zero value) for forward compatibility
// with older state files.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range []string{TimestampLayout, "2006-01-02T15:04:05", time.RFC3339Nano, time.RFC3339} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}
