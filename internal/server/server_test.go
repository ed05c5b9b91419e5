package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"govmon/internal/config"
	"govmon/internal/dialectic"
	"govmon/internal/dynamics"
	"govmon/internal/knowledge"
	"govmon/internal/registry"
	"govmon/internal/storage"
	"govmon/internal/types"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Server.MetadataDebounce = "1h" // only forced saves hit disk in tests
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func dispatch(t *testing.T, s *Server, tool, agentID, apiKey string, args interface{}) *Response {
	t.Helper()
	var raw json.RawMessage
	if args != nil {
		data, err := json.Marshal(args)
		require.NoError(t, err)
		raw = data
	}
	return s.Dispatch(context.Background(), &Request{Tool: tool, Args: raw, AgentID: agentID, APIKey: apiKey})
}

func registerAgent(t *testing.T, s *Server, id string) string {
	t.Helper()
	resp := dispatch(t, s, "get_agent_api_key", id, "", nil)
	require.True(t, resp.Success, "register %s: %s", id, resp.Error)
	data := resp.Data.(map[string]interface{})
	require.Equal(t, true, data["is_new"])
	return data["api_key"].(string)
}

func TestRegisterAndUpdate(t *testing.T) {
	s := newTestServer(t)
	key := registerAgent(t, s, "alpha")

	resp := dispatch(t, s, "process_agent_update", "alpha", key, map[string]interface{}{
		"response_text": "hello",
		"complexity":    0.1,
	})
	require.True(t, resp.Success, resp.Error)

	result := resp.Data.(*updateResponse)
	require.Equal(t, types.ActionProceed, result.Decision.Action)
	require.Equal(t, types.VerdictSafe, result.Decision.Verdict)
	require.Equal(t, 1, result.State.UpdateCount)

	// The state file exists and re-parses.
	var onDisk dynamics.State
	found, err := storage.ReadJSON(s.store.AgentStatePath("alpha"), &onDisk)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 1, onDisk.UpdateCount)
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)
	registerAgent(t, s, "alpha")

	resp := dispatch(t, s, "process_agent_update", "alpha", "wrong-key", map[string]interface{}{
		"response_text": "hello",
	})
	require.False(t, resp.Success)
	require.Equal(t, types.CodeAuthFailed, resp.ErrorCode)
	require.NotNil(t, resp.Recovery)

	// Re-registering without force_new refuses to reissue.
	resp = dispatch(t, s, "get_agent_api_key", "alpha", "", nil)
	require.False(t, resp.Success)
	require.Equal(t, types.CodeAuthFailed, resp.ErrorCode)
}

func TestKeyRotation(t *testing.T) {
	s := newTestServer(t)
	key := registerAgent(t, s, "alpha")

	// Rotation without the current key is refused.
	resp := dispatch(t, s, "get_agent_api_key", "alpha", "bogus", map[string]interface{}{"force_new": true})
	require.False(t, resp.Success)
	require.Equal(t, types.CodeAuthFailed, resp.ErrorCode)

	resp = dispatch(t, s, "get_agent_api_key", "alpha", key, map[string]interface{}{"force_new": true})
	require.True(t, resp.Success, resp.Error)
	newKey := resp.Data.(map[string]interface{})["api_key"].(string)
	require.NotEqual(t, key, newKey)

	// The old key no longer authenticates.
	resp = dispatch(t, s, "process_agent_update", "alpha", key, map[string]interface{}{"response_text": "hi"})
	require.Equal(t, types.CodeAuthFailed, resp.ErrorCode)
}

func TestListAgentsFilters(t *testing.T) {
	s := newTestServer(t)
	registerAgent(t, s, "alpha")
	betaKey := registerAgent(t, s, "beta")
	registerAgent(t, s, "gamma")

	resp := dispatch(t, s, "update_agent_metadata", "beta", betaKey, map[string]interface{}{
		"tags": []string{"pioneer"},
	})
	require.True(t, resp.Success, resp.Error)

	resp = dispatch(t, s, "list_agents", "", "", nil)
	require.True(t, resp.Success, resp.Error)
	data := resp.Data.(map[string]interface{})
	agents := data["agents"].([]*registry.AgentMetadata)
	require.Len(t, agents, 3)
	for _, a := range agents {
		require.Empty(t, a.APIKeyHash)
	}

	resp = dispatch(t, s, "list_agents", "", "", map[string]interface{}{"named_only": true})
	require.True(t, resp.Success, resp.Error)
	agents = resp.Data.(map[string]interface{})["agents"].([]*registry.AgentMetadata)
	require.Len(t, agents, 1)
	require.Equal(t, "beta", agents[0].AgentID)

	resp = dispatch(t, s, "list_agents", "", "", map[string]interface{}{"limit": 2})
	require.True(t, resp.Success, resp.Error)
	agents = resp.Data.(map[string]interface{})["agents"].([]*registry.AgentMetadata)
	require.Len(t, agents, 2)

	resp = dispatch(t, s, "list_agents", "", "", map[string]interface{}{"status": "bogus"})
	require.False(t, resp.Success)
	require.Equal(t, types.CodeValidation, resp.ErrorCode)
}

func TestUnknownTool(t *testing.T) {
	s := newTestServer(t)
	resp := dispatch(t, s, "frobnicate", "", "", nil)
	require.False(t, resp.Success)
	require.Equal(t, types.CodeValidation, resp.ErrorCode)
}

func TestLoopCooldownScenario(t *testing.T) {
	s := newTestServer(t)
	key := registerAgent(t, s, "gamma")

	resp := dispatch(t, s, "process_agent_update", "gamma", key, map[string]interface{}{"response_text": "one"})
	require.True(t, resp.Success, resp.Error)

	resp = dispatch(t, s, "process_agent_update", "gamma", key, map[string]interface{}{"response_text": "two"})
	require.False(t, resp.Success)
	require.Equal(t, types.CodeLoopCooldown, resp.ErrorCode)
	require.Greater(t, resp.RemainingSeconds, 0.0)
	require.LessOrEqual(t, resp.RemainingSeconds, 5.0)

	// No second history entry was written.
	var onDisk dynamics.State
	found, err := storage.ReadJSON(s.store.AgentStatePath("gamma"), &onDisk)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 1, onDisk.History.Len())
}

func TestPauseAndDialecticRecoveryScenario(t *testing.T) {
	s := newTestServer(t)
	deltaKey := registerAgent(t, s, "delta")
	reviewerKey := registerAgent(t, s, "rho")

	// Seed delta's state deep in the void so the next update pauses it.
	seed := dynamics.NewState()
	seed.V = 0.5
	seed.Coherence = dynamics.Coherence(seed.V, dynamics.DefaultParams().Sigma)
	require.NoError(t, storage.WriteJSONAtomic(s.store.AgentStatePath("delta"), seed))

	resp := dispatch(t, s, "process_agent_update", "delta", deltaKey, map[string]interface{}{"response_text": "continuing"})
	require.True(t, resp.Success, resp.Error)
	require.Equal(t, types.ActionPause, resp.Data.(*updateResponse).Decision.Action)

	meta, _ := s.reg.Get("delta")
	require.Equal(t, types.StatusPaused, meta.Status)
	require.False(t, meta.PausedAt.IsZero())

	// Open the review and run thesis -> antithesis -> synthesis(agrees).
	resp = dispatch(t, s, "request_dialectic_review", "delta", deltaKey, map[string]interface{}{"reason": "test"})
	require.True(t, resp.Success, resp.Error)
	session := resp.Data.(*dialectic.Session)
	require.Equal(t, "rho", session.ReviewerAgentID)

	resp = dispatch(t, s, "submit_thesis", "delta", deltaKey, map[string]interface{}{
		"session_id": session.ID, "thesis": "I drifted into an unproductive loop",
	})
	require.True(t, resp.Success, resp.Error)

	resp = dispatch(t, s, "submit_antithesis", "rho", reviewerKey, map[string]interface{}{
		"session_id": session.ID, "antithesis": "the drift came from stale assumptions",
	})
	require.True(t, resp.Success, resp.Error)

	resp = dispatch(t, s, "submit_synthesis", "delta", deltaKey, map[string]interface{}{
		"session_id": session.ID, "synthesis": "agreed", "agrees": true,
	})
	require.True(t, resp.Success, resp.Error)
	final := resp.Data.(*dialectic.Session)
	require.Equal(t, dialectic.StateResolved, final.State)
	require.Equal(t, dialectic.ActionResume, final.Resolution.Action)

	// Delta is active again with a lifecycle event naming the session.
	meta, _ = s.reg.Get("delta")
	require.Equal(t, types.StatusActive, meta.Status)
	last := meta.LifecycleEvents[len(meta.LifecycleEvents)-1]
	require.Contains(t, last.Reason, session.ID)
}

func TestKnowledgeRateLimitScenario(t *testing.T) {
	s := newTestServer(t)
	key := registerAgent(t, s, "eps")

	for i := 0; i < 10; i++ {
		resp := dispatch(t, s, "store_knowledge_graph", "eps", key, map[string]interface{}{
			"type":    "insight",
			"summary": fmt.Sprintf("observation %d", i),
		})
		require.True(t, resp.Success, "store %d: %s", i, resp.Error)
	}

	resp := dispatch(t, s, "store_knowledge_graph", "eps", key, map[string]interface{}{
		"type": "insight", "summary": "one too many",
	})
	require.False(t, resp.Success)
	require.Equal(t, types.CodeRateLimited, resp.ErrorCode)
	require.False(t, resp.ResetAt.IsZero(), "rate limit must carry reset_at")
}

func TestConcurrentCreationScenario(t *testing.T) {
	s := newTestServer(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			resp := s.Dispatch(context.Background(), &Request{
				Tool:    "get_agent_api_key",
				AgentID: fmt.Sprintf("agent-%d", n),
			})
			if !resp.Success {
				t.Errorf("agent-%d: %s", n, resp.Error)
			}
		}(i)
	}
	wg.Wait()

	// All ten ids survived to the persisted metadata file.
	var onDisk map[string]json.RawMessage
	found, err := storage.ReadJSON(s.store.MetadataPath(), &onDisk)
	require.NoError(t, err)
	require.True(t, found)
	for i := 0; i < 10; i++ {
		require.Contains(t, onDisk, fmt.Sprintf("agent-%d", i))
	}
}

func TestKnowledgeSearchAndDetails(t *testing.T) {
	s := newTestServer(t)
	key := registerAgent(t, s, "author")

	resp := dispatch(t, s, "store_knowledge_graph", "author", key, map[string]interface{}{
		"type": "bug_found", "summary": "watcher drops events on rename",
		"severity": "high", "tags": []string{"fsnotify"},
	})
	require.True(t, resp.Success, resp.Error)
	d := resp.Data.(map[string]interface{})["discovery"].(*knowledge.Discovery)
	require.Equal(t, knowledge.SeverityHigh, d.Severity, "authenticated caller may claim high severity")

	// Anonymous callers may not claim high severity.
	resp = dispatch(t, s, "store_knowledge_graph", "anon", "", map[string]interface{}{
		"type": "bug_found", "summary": "everything is on fire", "severity": "critical",
	})
	require.False(t, resp.Success)
	require.Equal(t, types.CodeValidation, resp.ErrorCode)

	resp = dispatch(t, s, "search_knowledge_graph", "", "", map[string]interface{}{
		"tags": []string{"fsnotify"},
	})
	require.True(t, resp.Success, resp.Error)
	found := resp.Data.(map[string]interface{})
	require.Equal(t, 1, found["count"])

	resp = dispatch(t, s, "get_discovery_details", "", "", map[string]interface{}{
		"discovery_id": d.ID,
	})
	require.True(t, resp.Success, resp.Error)
	details := resp.Data.(map[string]interface{})["discovery"].(*knowledge.Discovery)
	require.Equal(t, d.ID, details.ID)

	resp = dispatch(t, s, "get_discovery_details", "", "", map[string]interface{}{
		"discovery_id": "disc_missing",
	})
	require.Equal(t, types.CodeNotFound, resp.ErrorCode)
}

func TestThresholdTools(t *testing.T) {
	s := newTestServer(t)
	key := registerAgent(t, s, "admin")

	resp := dispatch(t, s, "get_thresholds", "", "", nil)
	require.True(t, resp.Success)
	th := resp.Data.(config.Thresholds)
	require.Equal(t, 0.60, th.RiskRevise)

	th.RiskRevise = 0.55
	resp = dispatch(t, s, "set_thresholds", "admin", key, th)
	require.True(t, resp.Success, resp.Error)
	require.Equal(t, 0.55, resp.Data.(config.Thresholds).RiskRevise)

	// A critical caller may not change thresholds.
	seed := dynamics.NewState()
	seed.UpdateCount = 10
	for i := 0; i < 10; i++ {
		seed.History.Append(seed, 0.9, "proceed", types.Now())
	}
	require.NoError(t, storage.WriteJSONAtomic(s.store.AgentStatePath("sick"), seed))
	sickKey := registerAgent(t, s, "sick")

	resp = dispatch(t, s, "set_thresholds", "sick", sickKey, th)
	require.False(t, resp.Success)
	require.Equal(t, types.CodeStateViolation, resp.ErrorCode)
}

func TestAdminTools(t *testing.T) {
	s := newTestServer(t)
	registerAgent(t, s, "alpha")

	resp := dispatch(t, s, "health_check", "", "", nil)
	require.True(t, resp.Success)
	health := resp.Data.(map[string]interface{})
	require.Equal(t, "ok", health["status"])
	require.Equal(t, 1, health["agents"])

	resp = dispatch(t, s, "get_server_info", "", "", nil)
	require.True(t, resp.Success)
	info := resp.Data.(map[string]interface{})
	require.Equal(t, "govmon", info["name"])

	resp = dispatch(t, s, "list_tools", "", "", nil)
	require.True(t, resp.Success)
	tools := resp.Data.([]ToolInfo)
	require.GreaterOrEqual(t, len(tools), 30)

	resp = dispatch(t, s, "cleanup_stale_locks", "", "", nil)
	require.True(t, resp.Success, resp.Error)
}

func TestUsageStatsRecorded(t *testing.T) {
	s := newTestServer(t)
	registerAgent(t, s, "alpha")
	dispatch(t, s, "health_check", "", "", nil)
	dispatch(t, s, "frobnicate", "", "", nil)

	resp := dispatch(t, s, "get_tool_usage_stats", "", "", nil)
	require.True(t, resp.Success, resp.Error)
	stats := resp.Data.(map[string]interface{})["stats"].([]ToolStats)
	require.NotEmpty(t, stats)

	byTool := map[string]ToolStats{}
	for _, st := range stats {
		byTool[st.Tool] = st
	}
	require.Equal(t, 1, byTool["health_check"].Calls)
	require.Equal(t, 1, byTool["frobnicate"].Failures)
}

func TestWorkspaceHealthAggregates(t *testing.T) {
	s := newTestServer(t)
	keyA := registerAgent(t, s, "a1")
	registerAgent(t, s, "a2")

	resp := dispatch(t, s, "process_agent_update", "a1", keyA, map[string]interface{}{"response_text": "working"})
	require.True(t, resp.Success, resp.Error)

	resp = dispatch(t, s, "get_workspace_health", "", "", nil)
	require.True(t, resp.Success, resp.Error)
	health := resp.Data.(workspaceHealth)
	require.Equal(t, 2, health.Agents)
	require.Equal(t, 2, health.ByStatus["active"])
}

func TestServeStdio(t *testing.T) {
	s := newTestServer(t)

	var in bytes.Buffer
	for _, req := range []Request{
		{Tool: "get_agent_api_key", AgentID: "wire-agent", RequestID: "r1"},
		{Tool: "health_check", RequestID: "r2"},
		{Tool: "nope", RequestID: "r3"},
	} {
		line, err := json.Marshal(req)
		require.NoError(t, err)
		in.Write(line)
		in.WriteByte('\n')
	}

	var out bytes.Buffer
	require.NoError(t, s.Serve(context.Background(), &in, &out))

	responses := map[string]map[string]interface{}{}
	dec := json.NewDecoder(&out)
	for dec.More() {
		var resp map[string]interface{}
		require.NoError(t, dec.Decode(&resp))
		responses[resp["request_id"].(string)] = resp
	}
	require.Len(t, responses, 3)
	require.Equal(t, true, responses["r1"]["success"])
	require.Equal(t, true, responses["r2"]["success"])
	require.Equal(t, false, responses["r3"]["success"])
	require.Equal(t, types.CodeValidation, responses["r3"]["error_code"])

	// Malformed input gets an envelope, not a dropped line.
	var badIn bytes.Buffer
	badIn.WriteString("{not json}\n")
	var badOut bytes.Buffer
	require.NoError(t, s.Serve(context.Background(), &badIn, &badOut))
	require.Contains(t, badOut.String(), types.CodeValidation)
}

func TestServeSurvivesOversizedLine(t *testing.T) {
	s := newTestServer(t)

	var in bytes.Buffer
	in.Write(bytes.Repeat([]byte("a"), maxLineBytes+1))
	in.WriteByte('\n')
	line, err := json.Marshal(Request{Tool: "health_check", RequestID: "after"})
	require.NoError(t, err)
	in.Write(line)
	in.WriteByte('\n')

	var out bytes.Buffer
	require.NoError(t, s.Serve(context.Background(), &in, &out))

	var sawReject, sawAfter bool
	dec := json.NewDecoder(&out)
	for dec.More() {
		var resp map[string]interface{}
		require.NoError(t, dec.Decode(&resp))
		switch resp["request_id"] {
		case "after":
			sawAfter = true
			require.Equal(t, true, resp["success"])
		default:
			sawReject = true
			require.Equal(t, false, resp["success"])
			require.Equal(t, types.CodeValidation, resp["error_code"])
		}
	}
	require.True(t, sawReject, "oversized line must be answered, not dropped")
	require.True(t, sawAfter, "the reader must keep serving after an oversized line")
}
