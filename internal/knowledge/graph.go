// Package knowledge maintains the shared discovery graph: a single JSON
// snapshot on disk with in-memory secondary indices, rate-limited writes,
// similarity search, and the relevance surfacing fed into update
// responses.
package knowledge

import (
	"context"
	"fmt"
	"sync"

	"govmon/internal/logging"
	"govmon/internal/registry"
	"govmon/internal/storage"
	"govmon/internal/types"
)

// DiscoveryType categorizes a graph node.
type DiscoveryType string

const (
	TypeBugFound    DiscoveryType = "bug_found"
	TypeInsight     DiscoveryType = "insight"
	TypePattern     DiscoveryType = "pattern"
	TypeImprovement DiscoveryType = "improvement"
	TypeQuestion    DiscoveryType = "question"
)

// Valid reports whether t is a known discovery type.
func (t DiscoveryType) Valid() bool {
	switch t {
	case TypeBugFound, TypeInsight, TypePattern, TypeImprovement, TypeQuestion:
		return true
	}
	return false
}

// Severity grades a discovery's impact.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Rank orders severities for sorting; higher is more severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// Status is a discovery's lifecycle state.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
	StatusArchived Status = "archived"
	StatusDisputed Status = "disputed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusResolved, StatusArchived, StatusDisputed:
		return true
	}
	return false
}

// Discovery is one knowledge-graph node. Cross references are stored as
// ids, never pointers, and resolved through the indices at read time.
type Discovery struct {
	ID                 string        `json:"id"`
	AgentID            string        `json:"agent_id"`
	Type               DiscoveryType `json:"type"`
	Summary            string        `json:"summary"`
	Details            string        `json:"details,omitempty"`
	Severity           Severity      `json:"severity"`
	Status             Status        `json:"status"`
	Tags               []string      `json:"tags,omitempty"`
	RelatedFiles       []string      `json:"related_files,omitempty"`
	RelatedDiscoveries []string      `json:"related_discoveries,omitempty"`

	CreatedAt      types.Timestamp `json:"created_at"`
	ResolvedAt     types.Timestamp `json:"resolved_at,omitempty"`
	ResolutionNote string          `json:"resolution_note,omitempty"`

	// DisputeSessionID links the dialectic session when status=disputed.
	DisputeSessionID string `json:"dispute_session_id,omitempty"`
}

func (d *Discovery) clone() *Discovery {
	c := *d
	c.Tags = append([]string(nil), d.Tags...)
	c.RelatedFiles = append([]string(nil), d.RelatedFiles...)
	c.RelatedDiscoveries = append([]string(nil), d.RelatedDiscoveries...)
	return &c
}

// HasTag reports whether the discovery carries tag.
func (d *Discovery) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// snapshotFile is the on-disk shape of the graph.
type snapshotFile struct {
	Discoveries []*Discovery    `json:"discoveries"`
	UpdatedAt   types.Timestamp `json:"updated_at"`
}

// Graph is the in-memory knowledge graph plus its persistence.
type Graph struct {
	store         *storage.Store
	locks         *storage.LockManager
	reg           *registry.Registry
	storesPerHour int

	mu          sync.RWMutex
	discoveries []*Discovery
	byID        map[string]*Discovery
	byTag       map[string][]*Discovery
	byType      map[DiscoveryType][]*Discovery
	byAgent     map[string][]*Discovery
	byStatus    map[Status][]*Discovery

	// anonStores tracks the rolling store window for callers that are
	// not registered agents; registered agents are tracked in their
	// metadata record instead.
	anonStores map[string][]types.Timestamp
}

// NewGraph loads the graph snapshot and builds the indices.
func NewGraph(store *storage.Store, locks *storage.LockManager, reg *registry.Registry, storesPerHour int) (*Graph, error) {
	g := &Graph{
		store:         store,
		locks:         locks,
		reg:           reg,
		storesPerHour: storesPerHour,
		byID:          make(map[string]*Discovery),
		byTag:         make(map[string][]*Discovery),
		byType:        make(map[DiscoveryType][]*Discovery),
		byAgent:       make(map[string][]*Discovery),
		byStatus:      make(map[Status][]*Discovery),
		anonStores:    make(map[string][]types.Timestamp),
	}
	var snap snapshotFile
	if _, err := storage.ReadJSON(store.KnowledgePath(), &snap); err != nil {
		return nil, fmt.Errorf("loading knowledge graph: %w", err)
	}
	for _, d := range snap.Discoveries {
		g.indexLocked(d)
	}
	logging.Get(logging.CategoryKnowledge).Info("knowledge graph loaded: %d discoveries", len(g.discoveries))
	return g, nil
}

// indexLocked appends d and updates all indices. Caller holds g.mu (or
// is still single-threaded during load).
func (g *Graph) indexLocked(d *Discovery) {
	g.discoveries = append(g.discoveries, d)
	g.byID[d.ID] = d
	g.byType[d.Type] = append(g.byType[d.Type], d)
	g.byAgent[d.AgentID] = append(g.byAgent[d.AgentID], d)
	g.byStatus[d.Status] = append(g.byStatus[d.Status], d)
	for _, tag := range d.Tags {
		g.byTag[tag] = append(g.byTag[tag], d)
	}
}

// reindexStatusLocked moves d between status buckets.
func (g *Graph) reindexStatusLocked(d *Discovery, from, to Status) {
	bucket := g.byStatus[from]
	for i, x := range bucket {
		if x == d {
			g.byStatus[from] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	g.byStatus[to] = append(g.byStatus[to], d)
}

// persist writes the snapshot under the knowledge file lock. Caller must
// hold g.mu at least for reading.
func (g *Graph) persist(ctx context.Context) error {
	lock, err := g.locks.Acquire(ctx, storage.KnowledgeLockName)
	if err != nil {
		return err
	}
	defer lock.Release()
	snap := snapshotFile{Discoveries: g.discoveries, UpdatedAt: types.Now()}
	return storage.WriteJSONAtomic(g.store.KnowledgePath(), snap)
}

// newID derives a unique id from the creation timestamp. Collisions in
// the same microsecond get a numeric suffix.
func (g *Graph) newID(at types.Timestamp) string {
	base := "disc_" + at.UTC().Format("20060102T150405.000000")
	id := base
	for n := 2; ; n++ {
		if _, taken := g.byID[id]; !taken {
			return id
		}
		id = fmt.Sprintf("%s_%d", base, n)
	}
}

// StoreRequest carries the inputs of one store operation.
type StoreRequest struct {
	AgentID            string
	Type               DiscoveryType
	Summary            string
	Details            string
	Severity           Severity
	Tags               []string
	RelatedFiles       []string
	RelatedDiscoveries []string

	// CheckDuplicates asks for similarity warnings; they never block.
	CheckDuplicates bool
	// Authenticated is set by the dispatcher when the caller presented a
	// valid api_key for AgentID.
	Authenticated bool
}

// Warning flags a likely duplicate found during store.
type Warning struct {
	DiscoveryID string  `json:"discovery_id"`
	Summary     string  `json:"summary"`
	Score       float64 `json:"score"`
}

// Store validates, rate-limits, appends, and persists a new discovery.
// Returned warnings are advisory duplicates; the store still succeeded.
func (g *Graph) Store(ctx context.Context, req StoreRequest) (*Discovery, []Warning, error) {
	if req.AgentID == "" {
		return nil, nil, types.Validation("agent_id is required")
	}
	if req.Summary == "" {
		return nil, nil, types.Validation("summary is required")
	}
	if !req.Type.Valid() {
		return nil, nil, types.Validation("unknown discovery type %q", req.Type)
	}
	if req.Severity == "" {
		req.Severity = SeverityLow
	}
	if !req.Severity.Valid() {
		return nil, nil, types.Validation("unknown severity %q", req.Severity)
	}
	// High-impact claims need a verified author. Anonymous callers are
	// limited to low/medium.
	if (req.Severity == SeverityHigh || req.Severity == SeverityCritical) && !req.Authenticated {
		return nil, nil, types.Validation("severity %q requires an authenticated agent", req.Severity)
	}

	now := types.Now()
	if terr := g.checkStoreLimit(req.AgentID, now); terr != nil {
		return nil, nil, terr
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var warnings []Warning
	if req.CheckDuplicates {
		for _, sd := range g.similarLocked(req.Summary, req.Tags, duplicateThreshold, 5) {
			warnings = append(warnings, Warning{
				DiscoveryID: sd.Discovery.ID,
				Summary:     sd.Discovery.Summary,
				Score:       sd.Score,
			})
		}
	}

	d := &Discovery{
		ID:                 g.newID(now),
		AgentID:            req.AgentID,
		Type:               req.Type,
		Summary:            req.Summary,
		Details:            req.Details,
		Severity:           req.Severity,
		Status:             StatusOpen,
		Tags:               append([]string(nil), req.Tags...),
		RelatedFiles:       append([]string(nil), req.RelatedFiles...),
		RelatedDiscoveries: append([]string(nil), req.RelatedDiscoveries...),
		CreatedAt:          now,
	}
	g.indexLocked(d)
	if err := g.persist(ctx); err != nil {
		return nil, nil, err
	}
	logging.Get(logging.CategoryKnowledge).Info("stored %s (%s/%s) by %s", d.ID, d.Type, d.Severity, d.AgentID)
	return d.clone(), warnings, nil
}

// checkStoreLimit enforces the per-agent sliding window. Registered
// agents are tracked in their metadata; anonymous callers in memory.
func (g *Graph) checkStoreLimit(agentID string, now types.Timestamp) *types.ToolError {
	if _, ok := g.reg.Get(agentID); ok {
		return g.reg.CheckStoreLimit(agentID, g.storesPerHour, now)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := now.Add(-registry.StoreWindow)
	window := g.anonStores[agentID][:0:0]
	for _, ts := range g.anonStores[agentID] {
		if ts.After(cutoff) {
			window = append(window, ts)
		}
	}
	if len(window) >= g.storesPerHour {
		g.anonStores[agentID] = window
		return types.RateLimited("knowledge store", types.At(window[0].Add(registry.StoreWindow)))
	}
	g.anonStores[agentID] = append(window, now)
	return nil
}

// Get returns a copy of the discovery with the given id.
func (g *Graph) Get(id string) (*Discovery, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.byID[id]
	if !ok {
		return nil, false
	}
	return d.clone(), true
}

// Related resolves a discovery's cross references, skipping dangling ids.
func (g *Graph) Related(id string) []*Discovery {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.byID[id]
	if !ok {
		return nil
	}
	var out []*Discovery
	for _, rid := range d.RelatedDiscoveries {
		if r, ok := g.byID[rid]; ok {
			out = append(out, r.clone())
		}
	}
	return out
}

// Count returns the number of discoveries in the graph.
func (g *Graph) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.discoveries)
}

// UpdateStatus transitions a discovery. Setting the same status twice is
// a no-op; disputing requires the dialectic session id; archived
// discoveries cannot be disputed.
func (g *Graph) UpdateStatus(ctx context.Context, id string, status Status, resolutionNote, sessionID string) (*Discovery, error) {
	if !status.Valid() {
		return nil, types.Validation("unknown status %q", status)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	d, ok := g.byID[id]
	if !ok {
		return nil, types.NotFound("discovery", id)
	}
	if d.Status == status {
		return d.clone(), nil
	}
	if status == StatusDisputed {
		if d.Status == StatusArchived {
			return nil, types.StateViolation("archived discovery %s cannot be disputed", id)
		}
		if sessionID == "" {
			return nil, types.Validation("disputing a discovery requires session_id")
		}
	}

	from := d.Status
	d.Status = status
	switch status {
	case StatusResolved:
		d.ResolvedAt = types.Now()
		if resolutionNote != "" {
			d.ResolutionNote = resolutionNote
		}
	case StatusDisputed:
		d.DisputeSessionID = sessionID
	default:
		if resolutionNote != "" {
			d.ResolutionNote = resolutionNote
		}
	}
	g.reindexStatusLocked(d, from, status)

	if err := g.persist(ctx); err != nil {
		return nil, err
	}
	logging.Get(logging.CategoryKnowledge).Info("discovery %s: %s -> %s", id, from, status)
	return d.clone(), nil
}

// StoresRemaining reports how many stores the agent has left this hour.
func (g *Graph) StoresRemaining(agentID string, now types.Timestamp) int {
	used := g.reg.StoresInWindow(agentID, now)
	if used == 0 {
		g.mu.RLock()
		cutoff := now.Add(-registry.StoreWindow)
		for _, ts := range g.anonStores[agentID] {
			if ts.After(cutoff) {
				used++
			}
		}
		g.mu.RUnlock()
	}
	if used >= g.storesPerHour {
		return 0
	}
	return g.storesPerHour - used
}
