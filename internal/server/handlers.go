package server

import (
	"context"
	"sort"
	"time"

	"govmon/internal/dialectic"
	"govmon/internal/knowledge"
	"govmon/internal/monitor"
	"govmon/internal/registry"
	"govmon/internal/storage"
	"govmon/internal/types"
)

// registerTools builds the dispatch table. Every tool the server speaks
// is listed here; the transport and dispatcher know nothing else.
func (s *Server) registerTools() {
	for _, def := range []*toolDef{
		{Name: "get_agent_api_key", Description: "Register an agent and issue its API key", Class: timeoutDefault, Handler: s.handleGetAPIKey},
		{Name: "process_agent_update", Description: "Run one update through the governance pipeline", Class: timeoutUpdate, RequiresAuth: true, Handler: s.handleProcessUpdate},
		{Name: "simulate_update", Description: "Evaluate an update without persisting anything", Class: timeoutUpdate, RequiresAuth: true, Handler: s.handleSimulateUpdate},
		{Name: "get_governance_metrics", Description: "Current dynamics state and decision statistics", Class: timeoutDefault, Handler: s.handleGetMetrics},
		{Name: "list_agents", Description: "List known agents, optionally by status", Class: timeoutAdmin, Handler: s.handleListAgents},
		{Name: "get_agent_metadata", Description: "Full metadata record for one agent", Class: timeoutAdmin, Handler: s.handleGetAgentMetadata},
		{Name: "update_agent_metadata", Description: "Update an agent's tags or notes", Class: timeoutDefault, RequiresAuth: true, Handler: s.handleUpdateAgentMetadata},
		{Name: "archive_agent", Description: "Archive an idle agent", Class: timeoutDefault, RequiresAuth: true, Handler: s.handleArchiveAgent},
		{Name: "delete_agent", Description: "Delete an agent (tombstoned; pioneers protected)", Class: timeoutDefault, RequiresAuth: true, Handler: s.handleDeleteAgent},
		{Name: "mark_response_complete", Description: "Mark the agent as waiting for input", Class: timeoutDefault, RequiresAuth: true, Handler: s.handleMarkComplete},
		{Name: "direct_resume_if_safe", Description: "Resume a paused agent when metrics are nominal", Class: timeoutDefault, RequiresAuth: true, Handler: s.handleDirectResume},
		{Name: "reset_monitor", Description: "Reset an agent's dynamics state", Class: timeoutDefault, RequiresAuth: true, Handler: s.handleResetMonitor},

		{Name: "request_dialectic_review", Description: "Open a dialectic session for a paused agent or a discovery dispute", Class: timeoutDefault, RequiresAuth: true, Handler: s.handleRequestReview},
		{Name: "submit_thesis", Description: "Submit the paused agent's account", Class: timeoutDefault, RequiresAuth: true, Handler: s.handleSubmitThesis},
		{Name: "submit_antithesis", Description: "Submit the reviewer's counter-account", Class: timeoutDefault, RequiresAuth: true, Handler: s.handleSubmitAntithesis},
		{Name: "submit_synthesis", Description: "Submit a synthesis round", Class: timeoutDefault, RequiresAuth: true, Handler: s.handleSubmitSynthesis},
		{Name: "get_dialectic_session", Description: "Fetch one dialectic session", Class: timeoutAdmin, Handler: s.handleGetSession},
		{Name: "self_recovery", Description: "Open a server-reviewed recovery session", Class: timeoutDefault, RequiresAuth: true, Handler: s.handleSelfRecovery},

		{Name: "store_knowledge_graph", Description: "Store a discovery", Class: timeoutDefault, Handler: s.handleStoreKnowledge},
		{Name: "search_knowledge_graph", Description: "Search discoveries with filters", Class: timeoutDefault, Handler: s.handleSearchKnowledge},
		{Name: "get_knowledge_graph", Description: "Graph summary and recent discoveries", Class: timeoutAdmin, Handler: s.handleGetKnowledge},
		{Name: "find_similar_discoveries_graph", Description: "Similarity search over discoveries", Class: timeoutDefault, Handler: s.handleFindSimilar},
		{Name: "update_discovery_status_graph", Description: "Transition a discovery's status", Class: timeoutDefault, RequiresAuth: true, Handler: s.handleUpdateDiscoveryStatus},
		{Name: "get_discovery_details", Description: "One discovery with resolved cross references", Class: timeoutAdmin, Handler: s.handleGetDiscovery},

		{Name: "get_thresholds", Description: "Current runtime thresholds", Class: timeoutAdmin, Handler: s.handleGetThresholds},
		{Name: "set_thresholds", Description: "Replace runtime thresholds", Class: timeoutDefault, RequiresAuth: true, Handler: s.handleSetThresholds},

		{Name: "health_check", Description: "Server liveness and component counts", Class: timeoutAdmin, Handler: s.handleHealthCheck},
		{Name: "get_server_info", Description: "Server identity and configuration surface", Class: timeoutAdmin, Handler: s.handleServerInfo},
		{Name: "get_workspace_health", Description: "Aggregate health across all agents", Class: timeoutDefault, Handler: s.handleWorkspaceHealth},
		{Name: "cleanup_stale_locks", Description: "Remove lock files held by dead processes", Class: timeoutDefault, Handler: s.handleCleanupLocks},
		{Name: "list_tools", Description: "The dispatch table", Class: timeoutAdmin, Handler: s.handleListTools},
		{Name: "get_tool_usage_stats", Description: "Aggregated per-tool call statistics", Class: timeoutAdmin, Handler: s.handleUsageStats},
	} {
		s.register(def)
	}
}

// agentFrom resolves the target agent: explicit args value first, then
// the envelope agent_id.
func agentFrom(req *Request, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return req.AgentID
}

// --- registration and lifecycle ---

func (s *Server) handleGetAPIKey(ctx context.Context, req *Request) (interface{}, error) {
	var args struct {
		AgentID  string `json:"agent_id"`
		ForceNew bool   `json:"force_new"`
	}
	if terr := decodeArgs(req, &args); terr != nil {
		return nil, terr
	}
	id := agentFrom(req, args.AgentID)
	// Key rotation is only available to a caller holding the current key.
	if args.ForceNew && !s.reg.Authenticate(id, req.APIKey) {
		return nil, types.AuthFailed("rotating a key requires the current api_key")
	}
	key, isNew, err := s.reg.RegisterKey(ctx, id, args.ForceNew)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"agent_id": id, "api_key": key, "is_new": isNew}, nil
}

// updateResponse is process_agent_update's payload: the monitor result
// plus surfaced peer discoveries.
type updateResponse struct {
	*monitor.UpdateResult
	SurfacedDiscoveries []knowledge.Surfaced `json:"surfaced_discoveries,omitempty"`
}

type updateArgs struct {
	AgentID      string      `json:"agent_id"`
	ResponseText string      `json:"response_text"`
	Complexity   *float64    `json:"complexity,omitempty"`
	Drift        *[3]float64 `json:"drift,omitempty"`
	Confidence   *float64    `json:"confidence,omitempty"`
}

func (a updateArgs) request() monitor.UpdateRequest {
	return monitor.UpdateRequest{
		ResponseText: a.ResponseText,
		Complexity:   a.Complexity,
		Drift:        a.Drift,
		Confidence:   a.Confidence,
	}
}

func (s *Server) handleProcessUpdate(ctx context.Context, req *Request) (interface{}, error) {
	var args updateArgs
	if terr := decodeArgs(req, &args); terr != nil {
		return nil, terr
	}
	id := agentFrom(req, args.AgentID)

	result, err := s.mon.ProcessUpdate(ctx, id, args.request())
	if err != nil {
		return nil, err
	}

	var tags []string
	if meta, ok := s.reg.Get(id); ok {
		tags = meta.Tags
	}
	return &updateResponse{
		UpdateResult:        result,
		SurfacedDiscoveries: s.graph.Relevant(id, tags, args.ResponseText, 3),
	}, nil
}

func (s *Server) handleSimulateUpdate(ctx context.Context, req *Request) (interface{}, error) {
	var args updateArgs
	if terr := decodeArgs(req, &args); terr != nil {
		return nil, terr
	}
	return s.mon.Simulate(ctx, agentFrom(req, args.AgentID), args.request())
}

func (s *Server) handleGetMetrics(ctx context.Context, req *Request) (interface{}, error) {
	var args struct {
		AgentID string `json:"agent_id"`
	}
	if terr := decodeArgs(req, &args); terr != nil {
		return nil, terr
	}
	return s.mon.GetMetrics(ctx, agentFrom(req, args.AgentID))
}

func (s *Server) handleListAgents(ctx context.Context, req *Request) (interface{}, error) {
	var args struct {
		Status     string `json:"status,omitempty"`
		Limit      int    `json:"limit,omitempty"`
		RecentDays *int   `json:"recent_days,omitempty"`
		NamedOnly  bool   `json:"named_only,omitempty"`
	}
	if terr := decodeArgs(req, &args); terr != nil {
		return nil, terr
	}
	if args.Status != "" && !types.AgentStatus(args.Status).Valid() {
		return nil, types.Validation("unknown status %q", args.Status)
	}
	limit := args.Limit
	if limit <= 0 {
		limit = s.cfg.Limits.ListAgentsDefault
	}
	recentDays := 7
	if args.RecentDays != nil {
		recentDays = *args.RecentDays
	}
	var cutoff time.Time
	if recentDays > 0 {
		cutoff = time.Now().AddDate(0, 0, -recentDays)
	}

	agents := s.reg.All()
	sort.Slice(agents, func(i, j int) bool {
		return agents[i].LastUpdateAt.After(agents[j].LastUpdateAt.Time)
	})
	out := make([]*registry.AgentMetadata, 0, limit)
	for _, a := range agents {
		if args.Status != "" && string(a.Status) != args.Status {
			continue
		}
		if !cutoff.IsZero() {
			// Fresh registrations have no updates yet; fall back to creation.
			seen := a.LastUpdateAt.Time
			if seen.IsZero() {
				seen = a.CreatedAt.Time
			}
			if seen.Before(cutoff) {
				continue
			}
		}
		if args.NamedOnly && len(a.Tags) == 0 && a.Notes == "" {
			continue
		}
		// Key hashes never leave the server.
		a.APIKeyHash = ""
		out = append(out, a)
		if len(out) == limit {
			break
		}
	}
	return map[string]interface{}{"agents": out, "total": s.reg.Count()}, nil
}

func (s *Server) handleGetAgentMetadata(ctx context.Context, req *Request) (interface{}, error) {
	var args struct {
		AgentID string `json:"agent_id"`
	}
	if terr := decodeArgs(req, &args); terr != nil {
		return nil, terr
	}
	id := agentFrom(req, args.AgentID)
	meta, ok := s.reg.Get(id)
	if !ok {
		return nil, types.NotFound("agent", id)
	}
	meta.APIKeyHash = ""
	return meta, nil
}

func (s *Server) handleUpdateAgentMetadata(ctx context.Context, req *Request) (interface{}, error) {
	var args struct {
		AgentID   string   `json:"agent_id"`
		Tags      []string `json:"tags,omitempty"`
		Notes     *string  `json:"notes,omitempty"`
		NotesMode string   `json:"notes_mode,omitempty"` // append | replace
	}
	if terr := decodeArgs(req, &args); terr != nil {
		return nil, terr
	}
	id := agentFrom(req, args.AgentID)
	if args.Tags != nil {
		if err := s.reg.UpdateTags(id, args.Tags); err != nil {
			return nil, err
		}
	}
	if args.Notes != nil {
		mode := args.NotesMode
		if mode == "" {
			mode = "replace"
		}
		if err := s.reg.UpdateNotes(id, *args.Notes, mode); err != nil {
			return nil, err
		}
	}
	meta, ok := s.reg.Get(id)
	if !ok {
		return nil, types.NotFound("agent", id)
	}
	meta.APIKeyHash = ""
	return meta, nil
}

func (s *Server) handleArchiveAgent(ctx context.Context, req *Request) (interface{}, error) {
	var args struct {
		AgentID      string `json:"agent_id"`
		Reason       string `json:"reason,omitempty"`
		KeepInMemory bool   `json:"keep_in_memory,omitempty"`
	}
	if terr := decodeArgs(req, &args); terr != nil {
		return nil, terr
	}
	id := agentFrom(req, args.AgentID)
	if err := s.reg.SetStatus(id, types.StatusArchived, "archived", args.Reason); err != nil {
		return nil, err
	}
	if !args.KeepInMemory {
		s.mon.Evict(id)
	}
	return map[string]interface{}{"agent_id": id, "status": types.StatusArchived}, nil
}

// deleteBackup is the bundle written before a backed-up deletion.
type deleteBackup struct {
	Metadata *registry.AgentMetadata `json:"metadata"`
	State    interface{}             `json:"state,omitempty"`
	SavedAt  types.Timestamp         `json:"saved_at"`
}

func (s *Server) handleDeleteAgent(ctx context.Context, req *Request) (interface{}, error) {
	var args struct {
		AgentID     string `json:"agent_id"`
		Confirm     bool   `json:"confirm"`
		BackupFirst bool   `json:"backup_first,omitempty"`
		Reason      string `json:"reason,omitempty"`
	}
	if terr := decodeArgs(req, &args); terr != nil {
		return nil, terr
	}
	if !args.Confirm {
		return nil, types.Validation("delete_agent requires confirm=true")
	}
	id := agentFrom(req, args.AgentID)

	var backupPath string
	if args.BackupFirst {
		meta, ok := s.reg.Get(id)
		if !ok {
			return nil, types.NotFound("agent", id)
		}
		bundle := deleteBackup{Metadata: meta, SavedAt: types.Now()}
		var state map[string]interface{}
		if found, err := storage.ReadJSON(s.store.AgentStatePath(id), &state); err == nil && found {
			bundle.State = state
		}
		backupPath = s.store.BackupPath(id, bundle.SavedAt.Format("20060102T150405"))
		if err := storage.WriteJSONAtomic(backupPath, bundle); err != nil {
			return nil, err
		}
	}

	if err := s.reg.Delete(id, args.Reason); err != nil {
		return nil, err
	}
	if err := s.mon.DropState(id); err != nil {
		return nil, err
	}
	resp := map[string]interface{}{"agent_id": id, "status": types.StatusDeleted}
	if backupPath != "" {
		resp["backup_path"] = backupPath
	}
	return resp, nil
}

func (s *Server) handleMarkComplete(ctx context.Context, req *Request) (interface{}, error) {
	var args struct {
		AgentID string `json:"agent_id"`
		Summary string `json:"summary,omitempty"`
	}
	if terr := decodeArgs(req, &args); terr != nil {
		return nil, terr
	}
	id := agentFrom(req, args.AgentID)
	if err := s.reg.SetStatus(id, types.StatusWaitingInput, "response complete", args.Summary); err != nil {
		return nil, err
	}
	return map[string]interface{}{"agent_id": id, "status": types.StatusWaitingInput}, nil
}

func (s *Server) handleDirectResume(ctx context.Context, req *Request) (interface{}, error) {
	var args struct {
		AgentID string `json:"agent_id"`
	}
	if terr := decodeArgs(req, &args); terr != nil {
		return nil, terr
	}
	id := agentFrom(req, args.AgentID)
	if err := s.mon.DirectResumeIfSafe(ctx, id); err != nil {
		return nil, err
	}
	return map[string]interface{}{"agent_id": id, "status": types.StatusActive}, nil
}

func (s *Server) handleResetMonitor(ctx context.Context, req *Request) (interface{}, error) {
	var args struct {
		AgentID string `json:"agent_id"`
	}
	if terr := decodeArgs(req, &args); terr != nil {
		return nil, terr
	}
	id := agentFrom(req, args.AgentID)
	if err := s.mon.Reset(ctx, id); err != nil {
		return nil, err
	}
	return map[string]interface{}{"agent_id": id, "reset": true}, nil
}

// --- dialectic ---

func (s *Server) handleRequestReview(ctx context.Context, req *Request) (interface{}, error) {
	var args struct {
		AgentID     string `json:"agent_id"`
		Reason      string `json:"reason"`
		DiscoveryID string `json:"discovery_id,omitempty"`
		DisputeType string `json:"dispute_type,omitempty"`
	}
	if terr := decodeArgs(req, &args); terr != nil {
		return nil, terr
	}
	return s.eng.RequestReview(ctx, agentFrom(req, args.AgentID), args.Reason, args.DiscoveryID, dialectic.DisputeType(args.DisputeType))
}

func (s *Server) handleSubmitThesis(ctx context.Context, req *Request) (interface{}, error) {
	var args struct {
		SessionID string `json:"session_id"`
		AgentID   string `json:"agent_id"`
		Thesis    string `json:"thesis"`
	}
	if terr := decodeArgs(req, &args); terr != nil {
		return nil, terr
	}
	return s.eng.SubmitThesis(ctx, args.SessionID, agentFrom(req, args.AgentID), args.Thesis)
}

func (s *Server) handleSubmitAntithesis(ctx context.Context, req *Request) (interface{}, error) {
	var args struct {
		SessionID  string `json:"session_id"`
		AgentID    string `json:"agent_id"`
		Antithesis string `json:"antithesis"`
	}
	if terr := decodeArgs(req, &args); terr != nil {
		return nil, terr
	}
	return s.eng.SubmitAntithesis(ctx, args.SessionID, agentFrom(req, args.AgentID), args.Antithesis)
}

func (s *Server) handleSubmitSynthesis(ctx context.Context, req *Request) (interface{}, error) {
	var args struct {
		SessionID  string   `json:"session_id"`
		AgentID    string   `json:"agent_id"`
		Synthesis  string   `json:"synthesis,omitempty"`
		Agrees     bool     `json:"agrees"`
		Conditions []string `json:"conditions,omitempty"`
		Notes      string   `json:"notes,omitempty"`
	}
	if terr := decodeArgs(req, &args); terr != nil {
		return nil, terr
	}
	return s.eng.SubmitSynthesis(ctx, args.SessionID, agentFrom(req, args.AgentID), args.Synthesis, args.Agrees, args.Conditions, args.Notes)
}

func (s *Server) handleGetSession(ctx context.Context, req *Request) (interface{}, error) {
	var args struct {
		SessionID string `json:"session_id"`
	}
	if terr := decodeArgs(req, &args); terr != nil {
		return nil, terr
	}
	return s.eng.GetSession(ctx, args.SessionID)
}

func (s *Server) handleSelfRecovery(ctx context.Context, req *Request) (interface{}, error) {
	var args struct {
		AgentID string `json:"agent_id"`
		Reason  string `json:"reason,omitempty"`
	}
	if terr := decodeArgs(req, &args); terr != nil {
		return nil, terr
	}
	return s.eng.SelfRecovery(ctx, agentFrom(req, args.AgentID), args.Reason)
}

// --- knowledge graph ---

func (s *Server) handleStoreKnowledge(ctx context.Context, req *Request) (interface{}, error) {
	var args struct {
		AgentID            string   `json:"agent_id"`
		Type               string   `json:"type"`
		Summary            string   `json:"summary"`
		Details            string   `json:"details,omitempty"`
		Severity           string   `json:"severity,omitempty"`
		Tags               []string `json:"tags,omitempty"`
		RelatedFiles       []string `json:"related_files,omitempty"`
		RelatedDiscoveries []string `json:"related_discoveries,omitempty"`
		CheckDuplicates    bool     `json:"check_duplicates,omitempty"`
	}
	if terr := decodeArgs(req, &args); terr != nil {
		return nil, terr
	}
	id := agentFrom(req, args.AgentID)

	d, warnings, err := s.graph.Store(ctx, knowledge.StoreRequest{
		AgentID:            id,
		Type:               knowledge.DiscoveryType(args.Type),
		Summary:            args.Summary,
		Details:            args.Details,
		Severity:           knowledge.Severity(args.Severity),
		Tags:               args.Tags,
		RelatedFiles:       args.RelatedFiles,
		RelatedDiscoveries: args.RelatedDiscoveries,
		CheckDuplicates:    args.CheckDuplicates,
		Authenticated:      req.APIKey != "" && s.reg.Authenticate(id, req.APIKey),
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"discovery": d, "warnings": warnings}, nil
}

func (s *Server) handleSearchKnowledge(ctx context.Context, req *Request) (interface{}, error) {
	var args struct {
		AgentID   string   `json:"agent_id,omitempty"`
		Type      string   `json:"type,omitempty"`
		Severity  string   `json:"severity,omitempty"`
		Status    string   `json:"status,omitempty"`
		Tags      []string `json:"tags,omitempty"`
		Text      string   `json:"text,omitempty"`
		Limit     int      `json:"limit,omitempty"`
		SortBy    string   `json:"sort_by,omitempty"`
		SortOrder string   `json:"sort_order,omitempty"`
	}
	if terr := decodeArgs(req, &args); terr != nil {
		return nil, terr
	}
	limit := args.Limit
	if limit <= 0 || limit > s.cfg.Limits.SearchLimit {
		limit = s.cfg.Limits.SearchLimit
	}
	results, err := s.graph.Search(knowledge.Query{
		AgentID:   args.AgentID,
		Type:      knowledge.DiscoveryType(args.Type),
		Severity:  knowledge.Severity(args.Severity),
		Status:    knowledge.Status(args.Status),
		Tags:      args.Tags,
		Text:      args.Text,
		Limit:     limit,
		SortBy:    args.SortBy,
		SortOrder: args.SortOrder,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"discoveries": results, "count": len(results)}, nil
}

func (s *Server) handleGetKnowledge(ctx context.Context, req *Request) (interface{}, error) {
	var args struct {
		Limit int `json:"limit,omitempty"`
	}
	if terr := decodeArgs(req, &args); terr != nil {
		return nil, terr
	}
	limit := args.Limit
	if limit <= 0 {
		limit = 20
	}
	recent, err := s.graph.Search(knowledge.Query{Limit: limit})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"total": s.graph.Count(), "recent": recent}, nil
}

func (s *Server) handleFindSimilar(ctx context.Context, req *Request) (interface{}, error) {
	var args struct {
		Summary   string  `json:"summary"`
		Threshold float64 `json:"threshold,omitempty"`
		Limit     int     `json:"limit,omitempty"`
	}
	if terr := decodeArgs(req, &args); terr != nil {
		return nil, terr
	}
	if args.Summary == "" {
		return nil, types.Validation("summary is required")
	}
	threshold := args.Threshold
	if threshold <= 0 {
		threshold = 0.3
	}
	return s.graph.FindSimilar(args.Summary, threshold, args.Limit), nil
}

func (s *Server) handleUpdateDiscoveryStatus(ctx context.Context, req *Request) (interface{}, error) {
	var args struct {
		DiscoveryID    string `json:"discovery_id"`
		Status         string `json:"status"`
		ResolutionNote string `json:"resolution_note,omitempty"`
		SessionID      string `json:"session_id,omitempty"`
	}
	if terr := decodeArgs(req, &args); terr != nil {
		return nil, terr
	}
	return s.graph.UpdateStatus(ctx, args.DiscoveryID, knowledge.Status(args.Status), args.ResolutionNote, args.SessionID)
}

func (s *Server) handleGetDiscovery(ctx context.Context, req *Request) (interface{}, error) {
	var args struct {
		DiscoveryID string `json:"discovery_id"`
	}
	if terr := decodeArgs(req, &args); terr != nil {
		return nil, terr
	}
	d, ok := s.graph.Get(args.DiscoveryID)
	if !ok {
		return nil, types.NotFound("discovery", args.DiscoveryID)
	}
	return map[string]interface{}{"discovery": d, "related": s.graph.Related(args.DiscoveryID)}, nil
}

// --- thresholds and administration ---

func (s *Server) handleGetThresholds(ctx context.Context, req *Request) (interface{}, error) {
	return s.mon.Thresholds().Get(), nil
}

func (s *Server) handleSetThresholds(ctx context.Context, req *Request) (interface{}, error) {
	// Threshold changes from a degraded caller are refused: an agent in
	// trouble must not loosen its own guardrails.
	metrics, err := s.mon.GetMetrics(ctx, req.AgentID)
	if err == nil {
		if metrics.HealthStatus == types.HealthCritical || metrics.CurrentRisk > s.mon.Thresholds().Get().RiskRevise {
			return nil, types.StateViolation(
				"caller %q is %s (attention=%.3f); threshold changes refused",
				req.AgentID, metrics.HealthStatus, metrics.CurrentRisk)
		}
	}

	next := s.mon.Thresholds().Get()
	if terr := decodeArgs(req, &next); terr != nil {
		return nil, terr
	}
	if err := s.mon.Thresholds().Set(next); err != nil {
		return nil, err
	}
	return s.mon.Thresholds().Get(), nil
}

func (s *Server) handleHealthCheck(ctx context.Context, req *Request) (interface{}, error) {
	return map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"agents":         s.reg.Count(),
		"discoveries":    s.graph.Count(),
		"sessions":       len(s.eng.Sessions()),
	}, nil
}

func (s *Server) handleServerInfo(ctx context.Context, req *Request) (interface{}, error) {
	return map[string]interface{}{
		"name":       s.cfg.Name,
		"version":    s.cfg.Version,
		"data_dir":   s.cfg.DataDir,
		"started_at": types.At(s.startedAt),
		"tools":      len(s.tools),
	}, nil
}

// workspaceHealth is the aggregate returned by get_workspace_health.
type workspaceHealth struct {
	Agents    int            `json:"agents"`
	ByStatus  map[string]int `json:"by_status"`
	ByHealth  map[string]int `json:"by_health"`
	Paused    []string       `json:"paused,omitempty"`
	MeanRisk  float64        `json:"mean_risk"`
	Critical  []string       `json:"critical,omitempty"`
	Sessions  int            `json:"open_sessions"`
	Knowledge int            `json:"discoveries"`
}

func (s *Server) handleWorkspaceHealth(ctx context.Context, req *Request) (interface{}, error) {
	out := workspaceHealth{
		ByStatus:  make(map[string]int),
		ByHealth:  make(map[string]int),
		Knowledge: s.graph.Count(),
	}
	for _, sess := range s.eng.Sessions() {
		if !sess.State.Terminal() {
			out.Sessions++
		}
	}

	var riskSum float64
	var riskN int
	for _, a := range s.reg.All() {
		if a.Status == types.StatusDeleted {
			continue
		}
		out.Agents++
		out.ByStatus[string(a.Status)]++
		if a.Status == types.StatusPaused {
			out.Paused = append(out.Paused, a.AgentID)
		}
		m, err := s.mon.GetMetrics(ctx, a.AgentID)
		if err != nil {
			continue
		}
		out.ByHealth[string(m.HealthStatus)]++
		if m.HealthStatus == types.HealthCritical {
			out.Critical = append(out.Critical, a.AgentID)
		}
		riskSum += m.CurrentRisk
		riskN++
	}
	if riskN > 0 {
		out.MeanRisk = riskSum / float64(riskN)
	}
	sort.Strings(out.Paused)
	sort.Strings(out.Critical)
	return out, nil
}

func (s *Server) handleCleanupLocks(ctx context.Context, req *Request) (interface{}, error) {
	removed, err := s.locks.ReapStale()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"removed": removed, "count": len(removed)}, nil
}

func (s *Server) handleListTools(ctx context.Context, req *Request) (interface{}, error) {
	return s.ListTools(), nil
}

func (s *Server) handleUsageStats(ctx context.Context, req *Request) (interface{}, error) {
	var args struct {
		Tool string `json:"tool,omitempty"`
	}
	if terr := decodeArgs(req, &args); terr != nil {
		return nil, terr
	}
	stats, err := s.usage.Stats(args.Tool)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"stats": stats}, nil
}
