package registry

import (
	"time"

	"govmon/internal/logging"
	"govmon/internal/types"
)

// Loop patterns, checked in order on every incoming update before
// integration. The incoming attempt counts toward the timing windows.
// First match wins.
type loopPattern struct {
	name     string
	cooldown time.Duration
	match    func(a *AgentMetadata, now types.Timestamp) bool
}

var loopPatterns = []loopPattern{
	{
		name:     "rapid-fire",
		cooldown: 5 * time.Second,
		match: func(a *AgentMetadata, now types.Timestamp) bool {
			return updatesWithin(a, now, 300*time.Millisecond) >= 2
		},
	},
	{
		name:     "recursive-pause",
		cooldown: 15 * time.Second,
		match: func(a *AgentMetadata, now types.Timestamp) bool {
			return updatesWithin(a, now, 10*time.Second) >= 3 && pausesInLast(a, 3) >= 2
		},
	},
	{
		name:     "rapid-with-pauses",
		cooldown: 15 * time.Second,
		match: func(a *AgentMetadata, now types.Timestamp) bool {
			return updatesWithin(a, now, 5*time.Second) >= 4 && pausesInLast(a, 4) >= 1
		},
	},
	{
		name:     "decision-loop",
		cooldown: 30 * time.Second,
		match: func(a *AgentMetadata, now types.Timestamp) bool {
			return allDecisions(a, 5, string(types.ActionPause)) || allDecisions(a, 15, string(types.ActionProceed))
		},
	},
	{
		name:     "slow-stuck",
		cooldown: 30 * time.Second,
		match: func(a *AgentMetadata, now types.Timestamp) bool {
			return updatesWithin(a, now, time.Minute) >= 3 && pausesInLast(a, 3) >= 1
		},
	},
	{
		name:     "extended-loop",
		cooldown: 30 * time.Second,
		match: func(a *AgentMetadata, now types.Timestamp) bool {
			return updatesWithin(a, now, 2*time.Minute) >= 5 && pausesInLast(a, 5) >= 1
		},
	},
}

// updatesWithin counts committed updates inside the window ending at
// now, plus one for the incoming attempt itself.
func updatesWithin(a *AgentMetadata, now types.Timestamp, window time.Duration) int {
	cutoff := now.Add(-window)
	n := 1 // the incoming attempt
	for _, ts := range a.RecentUpdateTimestamps {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// pausesInLast counts pause decisions among the last n committed ones.
func pausesInLast(a *AgentMetadata, n int) int {
	d := a.RecentDecisions
	if len(d) > n {
		d = d[len(d)-n:]
	}
	count := 0
	for _, v := range d {
		if v == string(types.ActionPause) {
			count++
		}
	}
	return count
}

// allDecisions reports whether the last n committed decisions exist and
// all equal want.
func allDecisions(a *AgentMetadata, n int, want string) bool {
	d := a.RecentDecisions
	if len(d) < n {
		return false
	}
	for _, v := range d[len(d)-n:] {
		if v != want {
			return false
		}
	}
	return true
}

// CheckLoop evaluates an incoming update attempt against the active
// cooldown and the loop patterns. On a pattern match the cooldown is set
// and persisted, and a LOOP_COOLDOWN rejection disclosing remaining time
// is returned. Returns nil when the update may proceed.
func (r *Registry) CheckLoop(agentID string, now types.Timestamp) *types.ToolError {
	a, ok := r.Get(agentID)
	if !ok {
		return types.NotFound("agent", agentID)
	}

	// An unexpired cooldown blocks regardless of pattern state.
	if !a.LoopCooldownUntil.IsZero() && a.LoopCooldownUntil.After(now.Time) {
		remaining := a.LoopCooldownUntil.Sub(now.Time).Seconds()
		return types.LoopCooldown("cooldown active", remaining)
	}

	for _, p := range loopPatterns {
		if p.match(a, now) {
			until := types.At(now.Add(p.cooldown))
			if err := r.Mutate(agentID, func(m *AgentMetadata) error {
				m.LoopCooldownUntil = until
				return nil
			}); err != nil {
				return types.Internal()
			}
			logging.Get(logging.CategoryLifecycle).Warn(
				"agent %s tripped loop pattern %s; cooldown %v", agentID, p.name, p.cooldown)
			return types.LoopCooldown(p.name, p.cooldown.Seconds())
		}
	}
	return nil
}
