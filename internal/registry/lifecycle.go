package registry

import (
	"fmt"

	"govmon/internal/logging"
	"govmon/internal/types"
)

// SetStatus transitions an agent's lifecycle status, appending a
// lifecycle event and forcing an immediate metadata save. Status changes
// are never debounced: a crash must not leave the on-disk status behind
// the in-memory one.
func (r *Registry) SetStatus(agentID string, status types.AgentStatus, event, reason string) error {
	if !status.Valid() {
		return types.Validation("unknown status %q", status)
	}

	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return types.NotFound("agent", agentID)
	}
	if a.Status == types.StatusDeleted {
		r.mu.Unlock()
		return types.StateViolation("agent %q is deleted", agentID)
	}

	now := types.Now()
	prev := a.Status
	a.Status = status
	switch status {
	case types.StatusPaused:
		a.PausedAt = now
	case types.StatusArchived:
		a.ArchivedAt = now
	case types.StatusActive:
		a.PausedAt = types.Timestamp{}
		a.ArchivedAt = types.Timestamp{}
	}
	a.LifecycleEvents = append(a.LifecycleEvents, types.LifecycleEvent{
		Event:     event,
		Timestamp: now,
		Reason:    reason,
	})
	r.mu.Unlock()

	if err := r.saveLocked(); err != nil {
		return fmt.Errorf("persisting status change: %w", err)
	}
	logging.Get(logging.CategoryLifecycle).Info("agent %s: %s -> %s (%s)", agentID, prev, status, event)
	return nil
}

// AppendEvent records a lifecycle event without a status change.
func (r *Registry) AppendEvent(agentID, event, reason string) error {
	return r.Mutate(agentID, func(a *AgentMetadata) error {
		a.LifecycleEvents = append(a.LifecycleEvents, types.LifecycleEvent{
			Event:     event,
			Timestamp: types.Now(),
			Reason:    reason,
		})
		return nil
	})
}

// Delete tombstones an agent. Pioneer-tagged agents are protected; the
// tombstone is retained so the id cannot be silently reused.
func (r *Registry) Delete(agentID, reason string) error {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return types.NotFound("agent", agentID)
	}
	if a.HasTag(types.PioneerTag) {
		r.mu.Unlock()
		return types.StateViolation("agent %q carries the %s tag and cannot be deleted", agentID, types.PioneerTag)
	}
	now := types.Now()
	a.Status = types.StatusDeleted
	a.APIKeyHash = ""
	a.LifecycleEvents = append(a.LifecycleEvents, types.LifecycleEvent{
		Event:     "deleted",
		Timestamp: now,
		Reason:    reason,
	})
	r.mu.Unlock()

	if err := r.saveLocked(); err != nil {
		return fmt.Errorf("persisting deletion: %w", err)
	}
	logging.Get(logging.CategoryLifecycle).Info("agent %s deleted (%s)", agentID, reason)
	return nil
}

// UpdateTags replaces an agent's tags. The pioneer tag, once present,
// cannot be removed this way.
func (r *Registry) UpdateTags(agentID string, tags []string) error {
	return r.Mutate(agentID, func(a *AgentMetadata) error {
		if a.HasTag(types.PioneerTag) {
			keep := false
			for _, t := range tags {
				if t == types.PioneerTag {
					keep = true
				}
			}
			if !keep {
				tags = append(tags, types.PioneerTag)
			}
		}
		a.Tags = tags
		return nil
	})
}

// UpdateNotes sets or appends to an agent's notes.
func (r *Registry) UpdateNotes(agentID, notes, mode string) error {
	return r.Mutate(agentID, func(a *AgentMetadata) error {
		switch mode {
		case "", "append":
			if a.Notes != "" {
				a.Notes += "\n"
			}
			a.Notes += notes
		case "replace":
			a.Notes = notes
		default:
			return types.Validation("notes_mode must be append or replace")
		}
		return nil
	})
}

// RecordUpdate appends the decision and timestamp rings after a
// successful update and bumps counters. Rejected updates never reach
// this point, so the rings only reflect committed history.
func (r *Registry) RecordUpdate(agentID string, action types.Action, at types.Timestamp) error {
	return r.Mutate(agentID, func(a *AgentMetadata) error {
		a.TotalUpdates++
		a.LastUpdateAt = at
		a.RecentDecisions = appendRing(a.RecentDecisions, string(action), DecisionRingCap)
		a.RecentUpdateTimestamps = appendRingTS(a.RecentUpdateTimestamps, at, TimestampRingCap)
		return nil
	})
}

func appendRing(ring []string, v string, max int) []string {
	ring = append(ring, v)
	if len(ring) > max {
		ring = ring[len(ring)-max:]
	}
	return ring
}

func appendRingTS(ring []types.Timestamp, v types.Timestamp, max int) []types.Timestamp {
	ring = append(ring, v)
	if len(ring) > max {
		ring = ring[len(ring)-max:]
	}
	return ring
}
