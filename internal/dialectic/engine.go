package dialectic

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"govmon/internal/config"
	"govmon/internal/knowledge"
	"govmon/internal/logging"
	"govmon/internal/monitor"
	"govmon/internal/registry"
	"govmon/internal/storage"
	"govmon/internal/types"
)

// Engine owns all dialectic sessions and drives the protocol.
type Engine struct {
	store *storage.Store
	locks *storage.LockManager
	reg   *registry.Registry
	mon   *monitor.Manager
	graph *knowledge.Graph

	maxRounds         int
	maxAntithesisWait time.Duration
	reviewerCooldown  time.Duration

	// now is swappable so timeout behavior is testable.
	now func() types.Timestamp

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewEngine loads persisted sessions and returns a ready engine.
func NewEngine(store *storage.Store, locks *storage.LockManager, reg *registry.Registry, mon *monitor.Manager, graph *knowledge.Graph, cfg config.DialecticConfig) (*Engine, error) {
	e := &Engine{
		store:             store,
		locks:             locks,
		reg:               reg,
		mon:               mon,
		graph:             graph,
		maxRounds:         cfg.MaxSynthesisRounds,
		maxAntithesisWait: config.Duration(cfg.MaxAntithesisWait, 2*time.Hour),
		reviewerCooldown:  config.Duration(cfg.ReviewerCooldown, 24*time.Hour),
		now:               types.Now,
		sessions:          make(map[string]*Session),
	}
	if e.maxRounds <= 0 {
		e.maxRounds = 5
	}

	ids, err := store.SessionIDs()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		var s Session
		found, err := storage.ReadJSON(store.SessionPath(id), &s)
		if err != nil {
			return nil, fmt.Errorf("loading session %s: %w", id, err)
		}
		if found {
			e.sessions[s.ID] = &s
		}
	}
	if len(e.sessions) > 0 {
		logging.Get(logging.CategoryDialectic).Info("loaded %d dialectic sessions", len(e.sessions))
	}
	return e, nil
}

func (e *Engine) persistSession(s *Session) error {
	return storage.WriteJSONAtomic(e.store.SessionPath(s.ID), s)
}

// ActiveSessionFor returns the non-terminal session where agentID is the
// paused party, if any.
func (e *Engine) ActiveSessionFor(agentID string) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.sessions {
		e.checkTimeoutLocked(context.Background(), s)
		if s.PausedAgentID == agentID && !s.State.Terminal() {
			return s.clone(), true
		}
	}
	return nil, false
}

// RequestReview opens a session for a paused agent, or a discovery
// dispute when discoveryID is given. Returns the created session with
// its reviewer already selected.
func (e *Engine) RequestReview(ctx context.Context, agentID, reason, discoveryID string, disputeType DisputeType) (*Session, error) {
	meta, ok := e.reg.Get(agentID)
	if !ok {
		return nil, types.NotFound("agent", agentID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, s := range e.sessions {
		if s.PausedAgentID == agentID && !s.State.Terminal() {
			return nil, types.StateViolation("agent %q already has session %s in state %s", agentID, s.ID, s.State)
		}
	}

	s := &Session{
		ID:             "dlx_" + uuid.NewString(),
		PausedAgentID:  agentID,
		State:          StateAwaitingThesis,
		Reason:         reason,
		CreatedAt:      e.now(),
		LastActivityAt: e.now(),
	}

	if discoveryID != "" {
		// Discovery dispute: the reviewer is the discovery's author.
		d, ok := e.graph.Get(discoveryID)
		if !ok {
			return nil, types.NotFound("discovery", discoveryID)
		}
		if disputeType == "" {
			disputeType = DisputeChallenge
		}
		if !disputeType.Valid() {
			return nil, types.Validation("unknown dispute_type %q", disputeType)
		}
		s.DiscoveryID = discoveryID
		s.DisputeType = disputeType
		s.ReviewerAgentID = d.AgentID
		if _, err := e.graph.UpdateStatus(ctx, discoveryID, knowledge.StatusDisputed, "", s.ID); err != nil {
			return nil, err
		}
	} else {
		if meta.Status != types.StatusPaused {
			return nil, types.StateViolation("agent %q is %s; dialectic review requires a paused agent", agentID, meta.Status)
		}
		reviewer, found := e.selectReviewerLocked(ctx, meta)
		if found {
			s.ReviewerAgentID = reviewer
		} else {
			s.ReviewerAgentID = agentID
			s.SelfRecovery = true
		}
	}

	if s.ReviewerAgentID != agentID {
		// Reviewer bookkeeping feeds the 24h-repeat exclusion and the
		// review-count tie break.
		err := e.reg.Mutate(s.ReviewerAgentID, func(a *registry.AgentMetadata) error {
			if a.LastReviewed == nil {
				a.LastReviewed = make(map[string]types.Timestamp)
			}
			a.LastReviewed[agentID] = e.now()
			a.ReviewCount++
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	if err := e.persistSession(s); err != nil {
		return nil, err
	}
	e.sessions[s.ID] = s
	logging.Get(logging.CategoryDialectic).Info("session %s opened for %s (reviewer=%s self=%v)", s.ID, agentID, s.ReviewerAgentID, s.SelfRecovery)
	return s.clone(), nil
}

// selectReviewerLocked scores candidates for a paused agent. Returns
// false when nobody qualifies and the session must self-recover.
func (e *Engine) selectReviewerLocked(ctx context.Context, paused *registry.AgentMetadata) (string, bool) {
	busy := make(map[string]bool)
	for _, s := range e.sessions {
		if !s.State.Terminal() {
			busy[s.ReviewerAgentID] = true
		}
	}

	type candidate struct {
		id          string
		score       float64
		reviewCount int
	}
	var candidates []candidate
	cutoff := e.now().Add(-e.reviewerCooldown)

	for _, a := range e.reg.All() {
		if a.AgentID == paused.AgentID || busy[a.AgentID] {
			continue
		}
		if a.Status != types.StatusActive && a.Status != types.StatusWaitingInput {
			continue
		}
		if last, ok := a.LastReviewed[paused.AgentID]; ok && last.After(cutoff) {
			continue
		}

		coherence, attention := 1.0, 0.0
		if m, err := e.mon.GetMetrics(ctx, a.AgentID); err == nil {
			coherence = m.State.Coherence
			attention = m.CurrentRisk
		}
		candidates = append(candidates, candidate{
			id:          a.AgentID,
			score:       coherence + (1 - attention) + tagOverlap(a.Tags, paused.Tags),
			reviewCount: a.ReviewCount,
		})
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].reviewCount < candidates[j].reviewCount
	})
	return candidates[0].id, true
}

func tagOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	n := 0
	for _, t := range b {
		if set[t] {
			n++
		}
	}
	return float64(n) / float64(len(b))
}

// GetSession returns a snapshot, applying the antithesis timeout first.
func (e *Engine) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[sessionID]
	if !ok {
		return nil, types.NotFound("session", sessionID)
	}
	e.checkTimeoutLocked(ctx, s)
	return s.clone(), nil
}

// Sessions returns snapshots of every session, newest first.
func (e *Engine) Sessions() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt.Time) })
	return out
}

// checkTimeoutLocked expires a session stuck waiting for its antithesis
// and executes the escalate resolution. Caller holds e.mu.
func (e *Engine) checkTimeoutLocked(ctx context.Context, s *Session) {
	if s.State != StateAwaitingAntithesis {
		return
	}
	if e.now().Sub(s.LastActivityAt.Time) <= e.maxAntithesisWait {
		return
	}
	s.State = StateTimedOut
	s.Resolution = &Resolution{
		Action: ActionEscalate,
		Notes:  fmt.Sprintf("antithesis not received within %s", e.maxAntithesisWait),
	}
	e.executeResolutionLocked(ctx, s)
	if err := e.persistSession(s); err != nil {
		logging.Get(logging.CategoryDialectic).Error("persisting timed-out session %s: %v", s.ID, err)
	}
	logging.Get(logging.CategoryDialectic).Warn("session %s timed out awaiting antithesis", s.ID)
}

// SubmitThesis records the paused agent's account and advances the
// session. Self-recovery sessions receive a server antithesis at once.
func (e *Engine) SubmitThesis(ctx context.Context, sessionID, callerID, text string) (*Session, error) {
	if text == "" {
		return nil, types.Validation("thesis text is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[sessionID]
	if !ok {
		return nil, types.NotFound("session", sessionID)
	}
	if s.State != StateAwaitingThesis {
		return nil, types.StateViolation("session %s is %s, not awaiting_thesis", sessionID, s.State)
	}
	if callerID != s.PausedAgentID {
		return nil, types.Validation("thesis must come from %s", s.PausedAgentID)
	}

	s.Thesis = text
	s.LastActivityAt = e.now()
	if s.SelfRecovery {
		s.Antithesis = e.cannedAntithesis(ctx, s.PausedAgentID)
		s.State = StateNegotiating
	} else {
		s.State = StateAwaitingAntithesis
	}
	if err := e.persistSession(s); err != nil {
		return nil, err
	}
	return s.clone(), nil
}

// SubmitAntithesis records the reviewer's counter-account.
func (e *Engine) SubmitAntithesis(ctx context.Context, sessionID, callerID, text string) (*Session, error) {
	if text == "" {
		return nil, types.Validation("antithesis text is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[sessionID]
	if !ok {
		return nil, types.NotFound("session", sessionID)
	}
	e.checkTimeoutLocked(ctx, s)
	if s.State != StateAwaitingAntithesis {
		return nil, types.StateViolation("session %s is %s, not awaiting_antithesis", sessionID, s.State)
	}
	if callerID != s.ReviewerAgentID {
		return nil, types.Validation("antithesis must come from reviewer %s", s.ReviewerAgentID)
	}

	s.Antithesis = text
	s.State = StateNegotiating
	s.LastActivityAt = e.now()
	if err := e.persistSession(s); err != nil {
		return nil, err
	}
	return s.clone(), nil
}

// SubmitSynthesis consumes one negotiation round. Agreement resolves the
// session with a resume resolution; exhausting the round budget blocks
// it. Both terminal paths execute their resolution before returning.
func (e *Engine) SubmitSynthesis(ctx context.Context, sessionID, callerID, text string, agrees bool, conditions []string, notes string) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[sessionID]
	if !ok {
		return nil, types.NotFound("session", sessionID)
	}
	if s.State != StateNegotiating {
		return nil, types.StateViolation("session %s is %s, not negotiating", sessionID, s.State)
	}
	if callerID != s.PausedAgentID && callerID != s.ReviewerAgentID {
		return nil, types.Validation("synthesis must come from a session participant")
	}

	s.SynthesisRounds++
	s.LastActivityAt = e.now()

	switch {
	case agrees:
		parsed := make([]Condition, 0, len(conditions))
		for _, raw := range conditions {
			parsed = append(parsed, parseCondition(raw))
		}
		s.State = StateResolved
		s.Resolution = &Resolution{Action: ActionResume, Conditions: parsed, Notes: notes}
		e.executeResolutionLocked(ctx, s)
	case s.SynthesisRounds >= e.maxRounds:
		s.State = StateBlocked
		s.Resolution = &Resolution{
			Action: ActionBlock,
			Notes:  fmt.Sprintf("no agreement after %d rounds", s.SynthesisRounds),
		}
		e.executeResolutionLocked(ctx, s)
	default:
		// Still negotiating; the disagreement text becomes the new thesis
		// for the next round.
		if text != "" {
			s.Thesis = text
		}
	}

	if err := e.persistSession(s); err != nil {
		return nil, err
	}
	return s.clone(), nil
}

// SelfRecovery opens and pre-seeds a session for a paused agent with no
// reviewer involvement: the server supplies thesis and antithesis from
// metrics and the session starts in negotiating.
func (e *Engine) SelfRecovery(ctx context.Context, agentID, reason string) (*Session, error) {
	meta, ok := e.reg.Get(agentID)
	if !ok {
		return nil, types.NotFound("agent", agentID)
	}
	if meta.Status != types.StatusPaused {
		return nil, types.StateViolation("agent %q is %s; self recovery requires a paused agent", agentID, meta.Status)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.sessions {
		if s.PausedAgentID == agentID && !s.State.Terminal() {
			return nil, types.StateViolation("agent %q already has session %s in state %s", agentID, s.ID, s.State)
		}
	}

	s := &Session{
		ID:              "dlx_" + uuid.NewString(),
		PausedAgentID:   agentID,
		ReviewerAgentID: agentID,
		State:           StateNegotiating,
		Reason:          reason,
		SelfRecovery:    true,
		Thesis:          "self recovery requested: " + reason,
		CreatedAt:       e.now(),
		LastActivityAt:  e.now(),
	}
	s.Antithesis = e.cannedAntithesis(ctx, agentID)

	if err := e.persistSession(s); err != nil {
		return nil, err
	}
	e.sessions[s.ID] = s
	logging.Get(logging.CategoryDialectic).Info("self-recovery session %s opened for %s", s.ID, agentID)
	return s.clone(), nil
}

// cannedAntithesis summarizes the agent's metrics as the server-side
// counterpoint for self-recovery sessions.
func (e *Engine) cannedAntithesis(ctx context.Context, agentID string) string {
	m, err := e.mon.GetMetrics(ctx, agentID)
	if err != nil {
		return "Automatic review: metrics unavailable; recommend a cautious resume with small, verifiable steps."
	}
	return fmt.Sprintf(
		"Automatic review: coherence=%.3f, recent attention=%.3f, health=%s. The pause looks recoverable if the next steps stay small and avoid the pattern that raised attention.",
		m.State.Coherence, m.CurrentRisk, m.HealthStatus)
}

// executeResolutionLocked applies a terminal session's resolution exactly
// once: recognized conditions, the agent transition, and the discovery
// cross-update. Caller holds e.mu and has already set State/Resolution.
func (e *Engine) executeResolutionLocked(ctx context.Context, s *Session) {
	if s.ResolutionExecuted || s.Resolution == nil {
		return
	}
	log := logging.Get(logging.CategoryDialectic)

	for i := range s.Resolution.Conditions {
		c := &s.Resolution.Conditions[i]
		switch c.Kind {
		case "tag":
			err := e.reg.Mutate(s.PausedAgentID, func(a *registry.AgentMetadata) error {
				if !a.HasTag(c.Value) {
					a.Tags = append(a.Tags, c.Value)
				}
				return nil
			})
			c.Applied = err == nil
		case "note":
			c.Applied = e.reg.UpdateNotes(s.PausedAgentID, c.Value, "append") == nil
		default:
			// Unrecognized conditions stay verbatim, unapplied.
		}
	}

	switch s.Resolution.Action {
	case ActionResume:
		if meta, ok := e.reg.Get(s.PausedAgentID); ok && meta.Status == types.StatusPaused {
			if err := e.reg.SetStatus(s.PausedAgentID, types.StatusActive, "resumed (dialectic)", "session "+s.ID); err != nil {
				log.Error("resuming %s after session %s: %v", s.PausedAgentID, s.ID, err)
			}
		}
		if s.DiscoveryID != "" {
			if _, err := e.graph.UpdateStatus(ctx, s.DiscoveryID, knowledge.StatusResolved, "resolved via dialectic session "+s.ID, ""); err != nil {
				log.Error("resolving discovery %s: %v", s.DiscoveryID, err)
			}
		}
	case ActionBlock:
		if err := e.reg.AppendEvent(s.PausedAgentID, "dialectic blocked", "session "+s.ID); err != nil {
			log.Error("recording block for %s: %v", s.PausedAgentID, err)
		}
		if s.DiscoveryID != "" {
			// The dispute failed; the discovery stands.
			if _, err := e.graph.UpdateStatus(ctx, s.DiscoveryID, knowledge.StatusOpen, "verified correct (session "+s.ID+")", ""); err != nil {
				log.Error("reopening discovery %s: %v", s.DiscoveryID, err)
			}
		}
	case ActionEscalate:
		if err := e.reg.AppendEvent(s.PausedAgentID, "dialectic escalated", "session "+s.ID); err != nil {
			log.Error("recording escalation for %s: %v", s.PausedAgentID, err)
		}
	}

	s.ResolutionExecuted = true
	log.Info("session %s resolved: action=%s rounds=%d", s.ID, s.Resolution.Action, s.SynthesisRounds)
}
