// Package monitor runs the per-agent update pipeline: dynamics
// integration, attention scoring, classification, history bookkeeping,
// and state persistence, all serialized under the agent's lock. It also
// owns the live threshold store.
package monitor

import (
	"context"
	"fmt"
	"sync"

	"gonum.org/v1/gonum/stat"

	"govmon/internal/config"
	"govmon/internal/dynamics"
	"govmon/internal/logging"
	"govmon/internal/registry"
	"govmon/internal/storage"
	"govmon/internal/types"
)

// UpdateRequest carries one update's inputs.
type UpdateRequest struct {
	ResponseText string
	Complexity   *float64    // self-reported, optional
	Drift        *[3]float64 // optional, zero when absent
	Confidence   *float64    // optional, discounts the self-reported complexity
}

// StateSnapshot is the client-visible view of the dynamics state.
type StateSnapshot struct {
	E           float64 `json:"E"`
	I           float64 `json:"I"`
	S           float64 `json:"S"`
	V           float64 `json:"V"`
	Coherence   float64 `json:"coherence"`
	Lambda1     float64 `json:"lambda1"`
	Time        float64 `json:"time"`
	UpdateCount int     `json:"update_count"`
}

func snapshot(s dynamics.State) StateSnapshot {
	return StateSnapshot{
		E: s.E, I: s.I, S: s.S, V: s.V,
		Coherence:   s.Coherence,
		Lambda1:     s.Lambda1,
		Time:        s.Time,
		UpdateCount: s.UpdateCount,
	}
}

// UpdateResult is the outcome of one processed (or simulated) update.
type UpdateResult struct {
	State        StateSnapshot      `json:"state"`
	Decision     types.Decision     `json:"decision"`
	HealthStatus types.HealthStatus `json:"health_status"`

	Attention float64 `json:"attention_score"`
	// Deprecated alias; always equals Attention. Kept until the next
	// major version.
	RiskScore float64 `json:"risk_score"`
	Phi       float64 `json:"phi"`

	ComplexityUsed float64            `json:"complexity_used"`
	SamplingParams map[string]float64 `json:"sampling_params"`
}

// Metrics is the snapshot served by get_governance_metrics.
type Metrics struct {
	State        StateSnapshot      `json:"state"`
	HealthStatus types.HealthStatus `json:"health_status"`
	CurrentRisk  float64            `json:"current_risk"`
	MeanRisk     float64            `json:"mean_risk"`

	// Attention mirrors CurrentRisk; RiskScore is the deprecated alias,
	// equal by the same rule as in UpdateResult.
	Attention float64 `json:"attention_score"`
	RiskScore float64 `json:"risk_score"`
	Phi       float64 `json:"phi"`

	Verdict   types.Verdict  `json:"verdict"`
	Decisions map[string]int `json:"decision_statistics"`
	Lambda1   float64        `json:"lambda1"`
}

// Manager owns the in-memory monitors and their persistence.
type Manager struct {
	store      *storage.Store
	locks      *storage.LockManager
	reg        *registry.Registry
	thresholds *ThresholdStore
	params     dynamics.Params

	historyCap       int
	maxResponseBytes int

	mu       sync.Mutex
	monitors map[string]*dynamics.State
}

// NewManager wires the monitor layer.
func NewManager(store *storage.Store, locks *storage.LockManager, reg *registry.Registry, th *ThresholdStore, limits config.LimitsConfig) *Manager {
	return &Manager{
		store:            store,
		locks:            locks,
		reg:              reg,
		thresholds:       th,
		params:           dynamics.DefaultParams(),
		historyCap:       limits.HistoryCap,
		maxResponseBytes: limits.MaxResponseBytes,
		monitors:         make(map[string]*dynamics.State),
	}
}

// Thresholds exposes the live threshold store.
func (m *Manager) Thresholds() *ThresholdStore { return m.thresholds }

// loadState returns the agent's state, reading through to disk on first
// touch. Caller must hold the per-agent lock.
func (m *Manager) loadState(agentID string) (*dynamics.State, error) {
	m.mu.Lock()
	if s, ok := m.monitors[agentID]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	s := dynamics.NewState()
	found, err := storage.ReadJSON(m.store.AgentStatePath(agentID), &s)
	if err != nil {
		return nil, fmt.Errorf("loading state for %s: %w", agentID, err)
	}
	if found && !s.History.Consistent() {
		// History is authoritative; a corrupt file must not poison the
		// monitor. Start fresh rather than guess.
		logging.Get(logging.CategoryMonitor).Error("inconsistent history for %s; resetting state", agentID)
		s = dynamics.NewState()
	}
	m.mu.Lock()
	m.monitors[agentID] = &s
	m.mu.Unlock()
	return &s, nil
}

// persistState writes the capped state. Caller must hold the agent lock.
func (m *Manager) persistState(agentID string, s *dynamics.State) error {
	return storage.WriteJSONAtomic(m.store.AgentStatePath(agentID), s.Capped(m.historyCap))
}

// checkAdmissible verifies status and input preconditions common to
// process and simulate. Returns the metadata snapshot on success.
func (m *Manager) checkAdmissible(agentID string, req UpdateRequest) (*registry.AgentMetadata, *types.ToolError) {
	if verr := registry.ValidateAgentID(agentID); verr != nil {
		return nil, verr
	}
	if len(req.ResponseText) > m.maxResponseBytes {
		return nil, types.Validation("response_text exceeds %d bytes", m.maxResponseBytes)
	}
	meta, ok := m.reg.Get(agentID)
	if !ok {
		return nil, types.NotFound("agent", agentID)
	}
	switch meta.Status {
	case types.StatusDeleted:
		return nil, types.StateViolation("agent %q is deleted", agentID)
	case types.StatusPaused:
		return nil, &types.ToolError{
			Code:    types.CodeStateViolation,
			Message: fmt.Sprintf("agent %q is paused pending review", agentID),
			Recovery: &types.Recovery{
				Action:       "Open a dialectic review or attempt a direct resume",
				RelatedTools: []string{"request_dialectic_review", "direct_resume_if_safe"},
				Workflow:     "request_dialectic_review -> submit_thesis -> submit_antithesis -> submit_synthesis",
			},
		}
	}
	return meta, nil
}

// ProcessUpdate runs the full pipeline for one update. Steps, in order:
// admission checks, loop detection, integration, controller, attention,
// classification, history append, persistence, lifecycle side effects.
func (m *Manager) ProcessUpdate(ctx context.Context, agentID string, req UpdateRequest) (*UpdateResult, error) {
	timer := logging.StartTimer(logging.CategoryMonitor, "process_update "+agentID)
	defer timer.Stop()

	meta, terr := m.checkAdmissible(agentID, req)
	if terr != nil {
		return nil, terr
	}
	now := types.Now()

	// Loop detection runs before integration; a rejected update leaves
	// no trace in history.
	if terr := m.reg.CheckLoop(agentID, now); terr != nil {
		return nil, terr
	}

	lock, err := m.locks.Acquire(ctx, storage.AgentLockName(agentID))
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	state, err := m.loadState(agentID)
	if err != nil {
		return nil, err
	}

	th := m.thresholds.Get()
	result, next := m.evaluate(*state, req, th)
	next.UpdateCount++
	next = dynamics.AdjustLambda1(next, th)
	next.History.Append(next, result.Attention, string(result.Decision.Action), now)
	result.State = snapshot(next)

	if err := m.persistState(agentID, &next); err != nil {
		return nil, err
	}
	*state = next

	if err := m.reg.RecordUpdate(agentID, result.Decision.Action, now); err != nil {
		return nil, err
	}

	// Lifecycle side effects; each forces a synchronous metadata save.
	// An archived agent always resumes first, so the resume event lands
	// in the log even when the same update immediately pauses it.
	if meta.Status == types.StatusArchived {
		if err := m.reg.SetStatus(agentID, types.StatusActive, "resumed (auto)", "update received while archived"); err != nil {
			return nil, err
		}
	}
	switch {
	case result.Decision.Action == types.ActionPause:
		if err := m.reg.SetStatus(agentID, types.StatusPaused, "paused", result.Decision.Reason); err != nil {
			return nil, err
		}
	case meta.Status == types.StatusWaitingInput:
		if err := m.reg.SetStatus(agentID, types.StatusActive, "resumed", "update received"); err != nil {
			return nil, err
		}
	}

	result.HealthStatus = healthStatus(next, th)
	return result, nil
}

// Simulate computes the next state and decision without persisting
// anything. Repeated calls with equal inputs return equal results.
func (m *Manager) Simulate(ctx context.Context, agentID string, req UpdateRequest) (*UpdateResult, error) {
	if _, terr := m.checkAdmissible(agentID, req); terr != nil {
		return nil, terr
	}

	lock, err := m.locks.Acquire(ctx, storage.AgentLockName(agentID))
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	state, err := m.loadState(agentID)
	if err != nil {
		return nil, err
	}

	th := m.thresholds.Get()
	result, next := m.evaluate(*state, req, th)
	next.UpdateCount++
	result.State = snapshot(next)
	result.HealthStatus = healthStatus(next, th)
	return result, nil
}

// evaluate runs the pure part of the pipeline: complexity derivation,
// one integration step, attention, and classification.
func (m *Manager) evaluate(state dynamics.State, req UpdateRequest, th config.Thresholds) (*UpdateResult, dynamics.State) {
	sig := analyzeText(req.ResponseText)

	// Coherence movement across the previous update feeds the derived
	// complexity: a lurching trajectory reads as complexity even when the
	// caller under-reports it.
	var coherenceDelta float64
	if n := len(state.History.Coherence); n >= 2 {
		coherenceDelta = state.History.Coherence[n-1] - state.History.Coherence[n-2]
	}
	derived := deriveComplexity(sig, coherenceDelta)
	complexity := effectiveComplexity(req.Complexity, req.Confidence, derived)

	in := dynamics.Input{Complexity: complexity}
	if req.Drift != nil {
		in.Drift = *req.Drift
	}
	next := dynamics.Step(state, in, m.params)

	phiVal := phi(sig, complexity, next.Coherence, th)
	legacy := legacyHeuristic(sig, complexity, next.Coherence, next.S)
	attention := attentionScore(phiVal, legacy, th)
	decision := classify(next, attention, th)
	next.LastPhi = phiVal

	return &UpdateResult{
		Decision:       decision,
		Attention:      attention,
		RiskScore:      attention,
		Phi:            phiVal,
		ComplexityUsed: complexity,
		SamplingParams: samplingParams(next),
	}, next
}

// GetMetrics serves the current governance snapshot for an agent.
func (m *Manager) GetMetrics(ctx context.Context, agentID string) (*Metrics, error) {
	meta, ok := m.reg.Get(agentID)
	if !ok {
		return nil, types.NotFound("agent", agentID)
	}

	lock, err := m.locks.Acquire(ctx, storage.AgentLockName(agentID))
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	state, err := m.loadState(agentID)
	if err != nil {
		return nil, err
	}
	th := m.thresholds.Get()

	att := state.History.Attention
	var current, mean float64
	if len(att) > 0 {
		current = att[len(att)-1]
		window := att
		if len(window) > healthWindow {
			window = window[len(window)-healthWindow:]
		}
		mean = stat.Mean(window, nil)
	}

	stats := make(map[string]int)
	for _, d := range state.History.Decision {
		stats[d]++
	}

	verdict := types.VerdictSafe
	if n := len(meta.RecentDecisions); n > 0 {
		switch types.Action(meta.RecentDecisions[n-1]) {
		case types.ActionPause:
			verdict = types.VerdictHighRisk
		case types.ActionRevise:
			verdict = types.VerdictCaution
		}
	}

	return &Metrics{
		State:        snapshot(*state),
		HealthStatus: healthStatus(*state, th),
		CurrentRisk:  current,
		MeanRisk:     mean,
		Attention:    current,
		RiskScore:    current,
		Phi:          state.LastPhi,
		Verdict:      verdict,
		Decisions:    stats,
		Lambda1:      state.Lambda1,
	}, nil
}

// Reset discards an agent's dynamics state in memory and on disk.
func (m *Manager) Reset(ctx context.Context, agentID string) error {
	if _, ok := m.reg.Get(agentID); !ok {
		return types.NotFound("agent", agentID)
	}
	lock, err := m.locks.Acquire(ctx, storage.AgentLockName(agentID))
	if err != nil {
		return err
	}
	defer lock.Release()

	fresh := dynamics.NewState()
	if err := m.persistState(agentID, &fresh); err != nil {
		return err
	}
	m.mu.Lock()
	m.monitors[agentID] = &fresh
	m.mu.Unlock()
	logging.Get(logging.CategoryMonitor).Info("monitor reset for %s", agentID)
	return nil
}

// Evict drops the in-memory monitor only; the state file stays. Used
// when archiving without keeping the agent resident.
func (m *Manager) Evict(agentID string) {
	m.mu.Lock()
	delete(m.monitors, agentID)
	m.mu.Unlock()
}

// DropState removes the in-memory and on-disk state (agent deletion).
func (m *Manager) DropState(agentID string) error {
	m.mu.Lock()
	delete(m.monitors, agentID)
	m.mu.Unlock()
	return m.store.DeleteAgentState(agentID)
}

// DirectResumeIfSafe resumes a paused agent without a dialectic when its
// latest metrics sit inside the tier-1 band: coherence at or above the
// critical floor, attention below the revise band, and |V| inside the
// void threshold.
func (m *Manager) DirectResumeIfSafe(ctx context.Context, agentID string) error {
	meta, ok := m.reg.Get(agentID)
	if !ok {
		return types.NotFound("agent", agentID)
	}
	if meta.Status != types.StatusPaused {
		return types.StateViolation("agent %q is %s, not paused", agentID, meta.Status)
	}

	lock, err := m.locks.Acquire(ctx, storage.AgentLockName(agentID))
	if err != nil {
		return err
	}
	defer lock.Release()

	state, err := m.loadState(agentID)
	if err != nil {
		return err
	}
	th := m.thresholds.Get()

	var attention float64
	if n := len(state.History.Attention); n > 0 {
		attention = state.History.Attention[n-1]
	}
	if state.Coherence < th.CoherenceCritical || attention >= th.RiskRevise || abs(state.V) > voidLimit(*state, th) {
		return types.StateViolation(
			"metrics outside the safe band (coherence=%.3f attention=%.3f |V|=%.3f); a dialectic review is required",
			state.Coherence, attention, abs(state.V))
	}
	return m.reg.SetStatus(agentID, types.StatusActive, "resumed (direct)", "tier-1 safe resume")
}
