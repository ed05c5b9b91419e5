package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"govmon/internal/config"
	"govmon/internal/dynamics"
	"govmon/internal/registry"
	"govmon/internal/storage"
	"govmon/internal/types"
)

func newTestManager(t *testing.T) (*Manager, *registry.Registry, *storage.Store) {
	t.Helper()
	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)
	locks := storage.NewLockManager(store.LocksDir(), 10*time.Millisecond, 2*time.Second, time.Minute)
	reg, err := registry.NewRegistry(store, locks, time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	th, err := NewThresholdStore(store.ThresholdsPath())
	require.NoError(t, err)
	m := NewManager(store, locks, reg, th, config.DefaultConfig().Limits)
	return m, reg, store
}

func register(t *testing.T, reg *registry.Registry, id string) {
	t.Helper()
	_, _, err := reg.RegisterKey(context.Background(), id, false)
	require.NoError(t, err)
}

func f(v float64) *float64 { return &v }

func TestProcessUpdate_FirstUpdateSafe(t *testing.T) {
	m, reg, store := newTestManager(t)
	register(t, reg, "alpha")

	res, err := m.ProcessUpdate(context.Background(), "alpha", UpdateRequest{
		ResponseText: "hello",
		Complexity:   f(0.1),
	})
	require.NoError(t, err)
	require.Equal(t, types.ActionProceed, res.Decision.Action)
	require.Equal(t, types.VerdictSafe, res.Decision.Verdict)
	require.Equal(t, 1, res.State.UpdateCount)
	require.Equal(t, res.Attention, res.RiskScore, "risk_score alias must equal attention_score")

	// State file exists and re-parses to the same capped state.
	var onDisk dynamics.State
	found, err := storage.ReadJSON(store.AgentStatePath("alpha"), &onDisk)
	require.NoError(t, err)
	require.True(t, found)

	m.mu.Lock()
	inMemory := m.monitors["alpha"].Capped(100)
	m.mu.Unlock()
	if diff := cmp.Diff(inMemory, onDisk); diff != "" {
		t.Errorf("state round trip mismatch:\n%s", diff)
	}
}

func TestProcessUpdate_HistoriesStayParallel(t *testing.T) {
	m, reg, _ := newTestManager(t)
	register(t, reg, "alpha")
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		_, err := m.ProcessUpdate(ctx, "alpha", UpdateRequest{ResponseText: "step", Complexity: f(0.2)})
		require.NoError(t, err)
		// Loop detector: space updates out of the rapid-fire window.
		time.Sleep(350 * time.Millisecond)
	}

	meta, _ := reg.Get("alpha")
	m.mu.Lock()
	h := m.monitors["alpha"].History
	m.mu.Unlock()

	require.True(t, h.Consistent())
	require.Equal(t, meta.TotalUpdates, h.Len(), "total_updates must equal history length")
}

func TestProcessUpdate_HighComplexityRaisesEntropy(t *testing.T) {
	m, reg, _ := newTestManager(t)
	register(t, reg, "calm")
	register(t, reg, "busy")
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := m.ProcessUpdate(ctx, "calm", UpdateRequest{ResponseText: "ok", Complexity: f(0.1)})
		require.NoError(t, err)
		_, err = m.ProcessUpdate(ctx, "busy", UpdateRequest{ResponseText: "ok", Complexity: f(0.9)})
		require.NoError(t, err)
		time.Sleep(350 * time.Millisecond)
	}

	m.mu.Lock()
	calm, busy := m.monitors["calm"].History.S, m.monitors["busy"].History.S
	m.mu.Unlock()

	mean := func(v []float64) float64 {
		var sum float64
		for _, x := range v {
			sum += x
		}
		return sum / float64(len(v))
	}
	gap := mean(busy) - mean(calm)
	require.GreaterOrEqual(t, gap, 0.05, "sustained complexity must raise mean entropy")
}

func TestProcessUpdate_LoopCooldownWritesNoHistory(t *testing.T) {
	m, reg, _ := newTestManager(t)
	register(t, reg, "gamma")
	ctx := context.Background()

	_, err := m.ProcessUpdate(ctx, "gamma", UpdateRequest{ResponseText: "one"})
	require.NoError(t, err)

	_, err = m.ProcessUpdate(ctx, "gamma", UpdateRequest{ResponseText: "two"})
	require.Error(t, err)
	terr, ok := err.(*types.ToolError)
	require.True(t, ok)
	require.Equal(t, types.CodeLoopCooldown, terr.Code)
	require.LessOrEqual(t, terr.RemainingSeconds, 5.0)

	m.mu.Lock()
	h := m.monitors["gamma"].History
	m.mu.Unlock()
	require.Equal(t, 1, h.Len(), "rejected update must leave no history entry")

	meta, _ := reg.Get("gamma")
	require.Equal(t, 1, meta.TotalUpdates)
}

func TestProcessUpdate_RejectsOversizeText(t *testing.T) {
	m, reg, _ := newTestManager(t)
	register(t, reg, "alpha")

	big := make([]byte, 50001)
	for i := range big {
		big[i] = 'x'
	}
	_, err := m.ProcessUpdate(context.Background(), "alpha", UpdateRequest{ResponseText: string(big)})
	require.Error(t, err)
	require.Equal(t, types.CodeValidation, err.(*types.ToolError).Code)
}

func TestProcessUpdate_VoidForcesPause(t *testing.T) {
	m, reg, store := newTestManager(t)
	register(t, reg, "delta")
	ctx := context.Background()

	// Seed a state already deep in the void; the next update must trip
	// the circuit breaker.
	s := dynamics.NewState()
	s.V = 0.5
	s.Coherence = dynamics.Coherence(s.V, dynamics.DefaultParams().Sigma)
	require.NoError(t, storage.WriteJSONAtomic(store.AgentStatePath("delta"), s))

	res, err := m.ProcessUpdate(ctx, "delta", UpdateRequest{ResponseText: "continuing"})
	require.NoError(t, err)
	require.Equal(t, types.ActionPause, res.Decision.Action)
	require.Equal(t, types.VerdictHighRisk, res.Decision.Verdict)
	require.NotEmpty(t, res.Decision.Guidance)

	meta, _ := reg.Get("delta")
	require.Equal(t, types.StatusPaused, meta.Status)
	require.False(t, meta.PausedAt.IsZero())

	// A paused agent rejects further updates with recovery guidance.
	_, err = m.ProcessUpdate(ctx, "delta", UpdateRequest{ResponseText: "still here"})
	require.Error(t, err)
	terr := err.(*types.ToolError)
	require.Equal(t, types.CodeStateViolation, terr.Code)
	require.NotNil(t, terr.Recovery)
	require.Contains(t, terr.Recovery.RelatedTools, "request_dialectic_review")
}

func TestProcessUpdate_ArchivedPauseStillLogsAutoResume(t *testing.T) {
	m, reg, store := newTestManager(t)
	register(t, reg, "relic")
	require.NoError(t, reg.SetStatus("relic", types.StatusArchived, "archived", "test"))

	// Deep in the void: the wake-up update itself classifies as a pause.
	s := dynamics.NewState()
	s.V = 0.5
	s.Coherence = dynamics.Coherence(s.V, dynamics.DefaultParams().Sigma)
	require.NoError(t, storage.WriteJSONAtomic(store.AgentStatePath("relic"), s))

	res, err := m.ProcessUpdate(context.Background(), "relic", UpdateRequest{ResponseText: "back"})
	require.NoError(t, err)
	require.Equal(t, types.ActionPause, res.Decision.Action)

	meta, _ := reg.Get("relic")
	require.Equal(t, types.StatusPaused, meta.Status)

	// The resume precedes the pause in the event log; neither is lost.
	events := make([]string, 0, len(meta.LifecycleEvents))
	for _, ev := range meta.LifecycleEvents {
		events = append(events, ev.Event)
	}
	require.Contains(t, events, "resumed (auto)")
	require.Contains(t, events, "paused")
	require.Less(t,
		indexOf(events, "resumed (auto)"), indexOf(events, "paused"))
}

func indexOf(ss []string, want string) int {
	for i, s := range ss {
		if s == want {
			return i
		}
	}
	return -1
}

func TestGetMetrics_CarriesAttentionAndPhi(t *testing.T) {
	m, reg, _ := newTestManager(t)
	register(t, reg, "alpha")
	ctx := context.Background()

	res, err := m.ProcessUpdate(ctx, "alpha", UpdateRequest{
		ResponseText: "refactor the deadlock with a mutex",
		Complexity:   f(0.4),
	})
	require.NoError(t, err)
	require.Greater(t, res.Phi, 0.0)

	metrics, err := m.GetMetrics(ctx, "alpha")
	require.NoError(t, err)
	require.Equal(t, res.Attention, metrics.Attention)
	require.Equal(t, metrics.CurrentRisk, metrics.Attention)
	require.Equal(t, metrics.Attention, metrics.RiskScore)
	require.Equal(t, res.Phi, metrics.Phi)
}

func TestProcessUpdate_ArchivedAutoResumes(t *testing.T) {
	m, reg, _ := newTestManager(t)
	register(t, reg, "sleeper")
	require.NoError(t, reg.SetStatus("sleeper", types.StatusArchived, "archived", "test"))

	_, err := m.ProcessUpdate(context.Background(), "sleeper", UpdateRequest{ResponseText: "back"})
	require.NoError(t, err)

	meta, _ := reg.Get("sleeper")
	require.Equal(t, types.StatusActive, meta.Status)

	var sawAutoResume bool
	for _, ev := range meta.LifecycleEvents {
		if ev.Event == "resumed (auto)" {
			sawAutoResume = true
		}
	}
	require.True(t, sawAutoResume, "auto-resume must append a lifecycle event")
}

func TestSimulate_NoSideEffects(t *testing.T) {
	m, reg, store := newTestManager(t)
	register(t, reg, "alpha")
	ctx := context.Background()

	req := UpdateRequest{ResponseText: "what if", Complexity: f(0.4)}
	first, err := m.Simulate(ctx, "alpha", req)
	require.NoError(t, err)
	second, err := m.Simulate(ctx, "alpha", req)
	require.NoError(t, err)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("simulate is not repeatable:\n%s", diff)
	}

	// Nothing persisted, nothing recorded.
	var onDisk dynamics.State
	found, err := storage.ReadJSON(store.AgentStatePath("alpha"), &onDisk)
	require.NoError(t, err)
	require.False(t, found, "simulate must not write the state file")

	meta, _ := reg.Get("alpha")
	require.Zero(t, meta.TotalUpdates)
}

func TestDirectResumeIfSafe(t *testing.T) {
	m, reg, store := newTestManager(t)
	ctx := context.Background()

	// Unsafe: paused deep in the void.
	register(t, reg, "unsafe")
	s := dynamics.NewState()
	s.V = 0.5
	s.Coherence = dynamics.Coherence(s.V, dynamics.DefaultParams().Sigma)
	require.NoError(t, storage.WriteJSONAtomic(store.AgentStatePath("unsafe"), s))
	require.NoError(t, reg.SetStatus("unsafe", types.StatusPaused, "paused", "test"))
	require.Error(t, m.DirectResumeIfSafe(ctx, "unsafe"))

	// Safe: paused but with nominal metrics.
	register(t, reg, "safe")
	require.NoError(t, storage.WriteJSONAtomic(store.AgentStatePath("safe"), dynamics.NewState()))
	require.NoError(t, reg.SetStatus("safe", types.StatusPaused, "paused", "test"))
	require.NoError(t, m.DirectResumeIfSafe(ctx, "safe"))

	meta, _ := reg.Get("safe")
	require.Equal(t, types.StatusActive, meta.Status)

	// Not paused at all: state violation.
	require.Error(t, m.DirectResumeIfSafe(ctx, "safe"))
}

func TestReset(t *testing.T) {
	m, reg, _ := newTestManager(t)
	register(t, reg, "alpha")
	ctx := context.Background()

	_, err := m.ProcessUpdate(ctx, "alpha", UpdateRequest{ResponseText: "work", Complexity: f(0.5)})
	require.NoError(t, err)
	require.NoError(t, m.Reset(ctx, "alpha"))

	metrics, err := m.GetMetrics(ctx, "alpha")
	require.NoError(t, err)
	require.Zero(t, metrics.State.UpdateCount)
}

func TestThresholdStore_SetAndReload(t *testing.T) {
	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)

	ts, err := NewThresholdStore(store.ThresholdsPath())
	require.NoError(t, err)
	require.Equal(t, config.DefaultThresholds(), ts.Get())

	custom := config.DefaultThresholds()
	custom.RiskRevise = 0.55
	require.NoError(t, ts.Set(custom))
	require.Equal(t, 0.55, ts.Get().RiskRevise)

	// A fresh store sees the persisted values.
	reloaded, err := NewThresholdStore(store.ThresholdsPath())
	require.NoError(t, err)
	require.Equal(t, 0.55, reloaded.Get().RiskRevise)
}

func TestThresholdStore_HotReload(t *testing.T) {
	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)

	ts, err := NewThresholdStore(store.ThresholdsPath())
	require.NoError(t, err)
	require.NoError(t, ts.Watch())
	defer ts.Close()

	edited := config.DefaultThresholds()
	edited.RiskApprove = 0.30
	require.NoError(t, storage.WriteJSONAtomic(store.ThresholdsPath(), edited))

	require.Eventually(t, func() bool {
		return ts.Get().RiskApprove == 0.30
	}, 3*time.Second, 20*time.Millisecond, "edit on disk must hot-reload")
}

func TestAttention_DerivedComplexityGuardsUnderReporting(t *testing.T) {
	sig := analyzeText("```go\ncode\n```\nrefactor the deadlock with a mutex and fix the race")
	derived := deriveComplexity(sig, 0)
	require.Greater(t, derived, 0.2, "code plus keywords must register as complexity")

	// Self-report below the derived value is overridden.
	require.Equal(t, derived, effectiveComplexity(f(0.01), nil, derived))
	// Self-report above wins.
	require.Equal(t, 0.95, effectiveComplexity(f(0.95), nil, derived))
	// Out-of-range self-reports are clipped, not trusted.
	require.Equal(t, 1.0, effectiveComplexity(f(7.0), nil, derived))
}

func TestAttention_ConfidenceDiscountsSelfReport(t *testing.T) {
	derived := 0.2

	// Full confidence leaves the self-report intact.
	require.Equal(t, 0.9, effectiveComplexity(f(0.9), f(1.0), derived))
	// Zero confidence collapses it to the derived estimate.
	require.Equal(t, derived, effectiveComplexity(f(0.9), f(0.0), derived))
	// Partial confidence lands between the two.
	got := effectiveComplexity(f(0.9), f(0.5), derived)
	require.Greater(t, got, derived)
	require.Less(t, got, 0.9)
	// Confidence never rescues an under-report below the derived floor.
	require.Equal(t, derived, effectiveComplexity(f(0.05), f(1.0), derived))
}

func TestHealthBands(t *testing.T) {
	th := config.DefaultThresholds()

	s := dynamics.NewState()
	require.Equal(t, types.HealthHealthy, healthStatus(s, th))

	for i := 0; i < 10; i++ {
		s.History.Attention = append(s.History.Attention, 0.65)
	}
	require.Equal(t, types.HealthModerate, healthStatus(s, th))

	s.History.Attention = nil
	for i := 0; i < 10; i++ {
		s.History.Attention = append(s.History.Attention, 0.9)
	}
	require.Equal(t, types.HealthCritical, healthStatus(s, th))
}
