package server

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"govmon/internal/config"
	"govmon/internal/dialectic"
	"govmon/internal/knowledge"
	"govmon/internal/logging"
	"govmon/internal/monitor"
	"govmon/internal/registry"
	"govmon/internal/storage"
	"govmon/internal/types"
)

// Timeout classes. The dispatcher enforces these; handlers never manage
// their own deadlines.
type timeoutClass int

const (
	timeoutDefault timeoutClass = iota // 30s
	timeoutUpdate                      // 60s, the integration pipeline
	timeoutAdmin                       // 10s, quick admin reads
)

// handlerFunc is the uniform tool handler signature. Returned errors are
// either *types.ToolError (passed through) or internal (logged and
// sanitized).
type handlerFunc func(ctx context.Context, req *Request) (interface{}, error)

// toolDef is one row of the dispatch table.
type toolDef struct {
	Name        string
	Description string
	Class       timeoutClass
	// RequiresAuth demands a valid agent_id + api_key pair before the
	// handler runs.
	RequiresAuth bool
	Handler      handlerFunc
}

// Server wires every component behind the tool surface.
type Server struct {
	cfg   *config.Config
	store *storage.Store
	locks *storage.LockManager
	reg   *registry.Registry
	mon   *monitor.Manager
	graph *knowledge.Graph
	eng   *dialectic.Engine
	usage *UsageTracker

	startedAt time.Time
	tools     map[string]*toolDef

	defaultTimeout time.Duration
	updateTimeout  time.Duration
	adminTimeout   time.Duration
}

// New assembles a Server from loaded configuration. The data directory
// tree is created as needed.
func New(cfg *config.Config) (*Server, error) {
	store, err := storage.NewStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	locks := storage.NewLockManager(
		store.LocksDir(),
		config.Duration(cfg.Locks.PollInterval, 100*time.Millisecond),
		config.Duration(cfg.Locks.Deadline, 5*time.Second),
		config.Duration(cfg.Locks.StaleAge, 5*time.Minute),
	)
	reg, err := registry.NewRegistry(store, locks, config.Duration(cfg.Server.MetadataDebounce, 500*time.Millisecond))
	if err != nil {
		return nil, err
	}
	th, err := monitor.NewThresholdStore(store.ThresholdsPath())
	if err != nil {
		return nil, err
	}
	mon := monitor.NewManager(store, locks, reg, th, cfg.Limits)
	graph, err := knowledge.NewGraph(store, locks, reg, cfg.Limits.StoresPerHour)
	if err != nil {
		return nil, err
	}
	eng, err := dialectic.NewEngine(store, locks, reg, mon, graph, cfg.Dialectic)
	if err != nil {
		return nil, err
	}
	usage, err := NewUsageTracker(store.UsageDBPath())
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:            cfg,
		store:          store,
		locks:          locks,
		reg:            reg,
		mon:            mon,
		graph:          graph,
		eng:            eng,
		usage:          usage,
		startedAt:      time.Now(),
		defaultTimeout: config.Duration(cfg.Server.DefaultToolTimeout, 30*time.Second),
		updateTimeout:  config.Duration(cfg.Server.UpdateToolTimeout, 60*time.Second),
		adminTimeout:   config.Duration(cfg.Server.AdminToolTimeout, 10*time.Second),
	}
	s.registerTools()
	return s, nil
}

// WatchThresholds starts the threshold hot-reload watcher.
func (s *Server) WatchThresholds() error {
	return s.mon.Thresholds().Watch()
}

// Close flushes metadata and releases resources.
func (s *Server) Close() error {
	s.mon.Thresholds().Close()
	err := s.reg.Close()
	if uerr := s.usage.Close(); err == nil {
		err = uerr
	}
	logging.CloseAll()
	return err
}

func (s *Server) timeoutFor(class timeoutClass) time.Duration {
	switch class {
	case timeoutUpdate:
		return s.updateTimeout
	case timeoutAdmin:
		return s.adminTimeout
	default:
		return s.defaultTimeout
	}
}

// Dispatch runs one request through auth, timeout, and the handler, and
// always returns a well-formed envelope.
func (s *Server) Dispatch(ctx context.Context, req *Request) *Response {
	started := time.Now()
	log := logging.Get(logging.CategoryTools)

	def, ok := s.tools[req.Tool]
	if !ok {
		terr := types.Validation("unknown tool %q", req.Tool)
		s.usage.Record(req.Tool, req.AgentID, false, terr.Code, time.Since(started))
		return errResponse(req.RequestID, terr)
	}

	if def.RequiresAuth {
		if req.AgentID == "" || req.APIKey == "" || !s.reg.Authenticate(req.AgentID, req.APIKey) {
			terr := types.AuthFailed("invalid agent_id or api_key")
			s.usage.Record(req.Tool, req.AgentID, false, terr.Code, time.Since(started))
			return errResponse(req.RequestID, terr)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeoutFor(def.Class))
	defer cancel()

	type outcome struct {
		data interface{}
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic in %s: %v\n%s", def.Name, r, debug.Stack())
				done <- outcome{err: types.Internal()}
			}
		}()
		data, err := def.Handler(ctx, req)
		done <- outcome{data: data, err: err}
	}()

	var resp *Response
	select {
	case <-ctx.Done():
		terr := &types.ToolError{
			Code:      types.CodeTimeout,
			Message:   fmt.Sprintf("%s exceeded its %s timeout", def.Name, s.timeoutFor(def.Class)),
			Retryable: true,
		}
		resp = errResponse(req.RequestID, terr)
	case out := <-done:
		if out.err != nil {
			resp = errResponse(req.RequestID, sanitize(def.Name, out.err))
		} else {
			resp = okResponse(req.RequestID, out.data)
		}
	}

	s.usage.Record(def.Name, req.AgentID, resp.Success, resp.ErrorCode, time.Since(started))
	if !resp.Success {
		log.Warn("%s -> %s: %s", def.Name, resp.ErrorCode, resp.Error)
	}
	return resp
}

// sanitize converts handler errors into client-safe ToolErrors. Internal
// errors keep their detail in the logs only.
func sanitize(tool string, err error) *types.ToolError {
	if terr, ok := err.(*types.ToolError); ok {
		return terr
	}
	logging.Get(logging.CategoryTools).Error("%s: %v", tool, err)
	return types.Internal()
}

// decodeArgs unmarshals request args into the handler's struct.
func decodeArgs(req *Request, v interface{}) *types.ToolError {
	if len(req.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Args, v); err != nil {
		return types.Validation("malformed args: %v", err)
	}
	return nil
}

// ToolInfo describes one table entry for list_tools.
type ToolInfo struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	RequiresAuth bool   `json:"requires_auth"`
	TimeoutMS    int64  `json:"timeout_ms"`
}

// ListTools returns the table sorted by name.
func (s *Server) ListTools() []ToolInfo {
	out := make([]ToolInfo, 0, len(s.tools))
	for _, def := range s.tools {
		out = append(out, ToolInfo{
			Name:         def.Name,
			Description:  def.Description,
			RequiresAuth: def.RequiresAuth,
			TimeoutMS:    s.timeoutFor(def.Class).Milliseconds(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Server) register(def *toolDef) {
	if s.tools == nil {
		s.tools = make(map[string]*toolDef)
	}
	s.tools[def.Name] = def
}
