// Package registry owns agent metadata: identity, lifecycle status,
// API-key hashes, rate counters, and the ring buffers backing loop
// detection. All mutation goes through the Registry so the shared
// metadata file stays consistent; other components read through
// snapshots. Writes are debounced except for agent creation and status
// changes, which force an immediate synchronous save.
package registry

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"govmon/internal/logging"
	"govmon/internal/storage"
	"govmon/internal/types"
)

// Ring buffer capacities. Decisions keep 20 so the decision-loop pattern
// can inspect its 15-entry window; timestamps keep 20 for the timing
// patterns.
const (
	DecisionRingCap  = 20
	TimestampRingCap = 20
	StoreRingCap     = 20
)

// AgentMetadata is one agent's durable record in the shared metadata file.
type AgentMetadata struct {
	AgentID    string            `json:"agent_id"`
	APIKeyHash string            `json:"api_key_hash,omitempty"`
	Status     types.AgentStatus `json:"status"`

	CreatedAt    types.Timestamp `json:"created_at"`
	LastUpdateAt types.Timestamp `json:"last_update_at"`
	ArchivedAt   types.Timestamp `json:"archived_at,omitempty"`
	PausedAt     types.Timestamp `json:"paused_at,omitempty"`

	TotalUpdates    int                    `json:"total_updates"`
	LifecycleEvents []types.LifecycleEvent `json:"lifecycle_events"`

	Tags  []string `json:"tags,omitempty"`
	Notes string   `json:"notes,omitempty"`

	RecentDecisions        []string          `json:"recent_decisions"`
	RecentUpdateTimestamps []types.Timestamp `json:"recent_update_timestamps"`
	RecentStoreTimestamps  []types.Timestamp `json:"recent_store_timestamps"`

	LoopCooldownUntil types.Timestamp `json:"loop_cooldown_until,omitempty"`

	// Dialectic bookkeeping for reviewer selection.
	LastReviewed map[string]types.Timestamp `json:"last_reviewed,omitempty"` // reviewed agent -> when
	ReviewCount  int                        `json:"review_count,omitempty"`
}

// HasTag reports whether the agent carries the given tag.
func (a *AgentMetadata) HasTag(tag string) bool {
	for _, t := range a.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand outside the registry lock.
func (a *AgentMetadata) Clone() *AgentMetadata {
	c := *a
	c.LifecycleEvents = append([]types.LifecycleEvent(nil), a.LifecycleEvents...)
	c.Tags = append([]string(nil), a.Tags...)
	c.RecentDecisions = append([]string(nil), a.RecentDecisions...)
	c.RecentUpdateTimestamps = append([]types.Timestamp(nil), a.RecentUpdateTimestamps...)
	c.RecentStoreTimestamps = append([]types.Timestamp(nil), a.RecentStoreTimestamps...)
	if a.LastReviewed != nil {
		c.LastReviewed = make(map[string]types.Timestamp, len(a.LastReviewed))
		for k, v := range a.LastReviewed {
			c.LastReviewed[k] = v
		}
	}
	return &c
}

var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateAgentID rejects ids that cannot safely name a state file.
func ValidateAgentID(id string) *types.ToolError {
	if !agentIDPattern.MatchString(id) || strings.Contains(id, "..") {
		return types.Validation("agent_id must match %s", agentIDPattern.String())
	}
	return nil
}

// Registry is the in-process metadata map plus its persistence policy.
type Registry struct {
	store *storage.Store
	locks *storage.LockManager

	mu     sync.RWMutex
	agents map[string]*AgentMetadata

	saveMu    sync.Mutex
	saveTimer *time.Timer
	debounce  time.Duration
	closed    bool
}

// NewRegistry loads the shared metadata file and returns a ready registry.
func NewRegistry(store *storage.Store, locks *storage.LockManager, debounce time.Duration) (*Registry, error) {
	r := &Registry{
		store:    store,
		locks:    locks,
		agents:   make(map[string]*AgentMetadata),
		debounce: debounce,
	}
	found, err := storage.ReadJSON(store.MetadataPath(), &r.agents)
	if err != nil {
		return nil, fmt.Errorf("loading metadata: %w", err)
	}
	if found {
		logging.Get(logging.CategoryStore).Info("loaded metadata for %d agents", len(r.agents))
	}
	return r, nil
}

// Get returns a snapshot of one agent's metadata.
func (r *Registry) Get(agentID string) (*AgentMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// All returns snapshots of every agent record.
func (r *Registry) All() []*AgentMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*AgentMetadata, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.Clone())
	}
	return out
}

// Count returns the number of known agents, tombstones included.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Mutate applies fn to an agent's record under the registry lock and
// schedules a debounced save. Returns NOT_FOUND if the agent is unknown.
func (r *Registry) Mutate(agentID string, fn func(*AgentMetadata) error) error {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return types.NotFound("agent", agentID)
	}
	err := fn(a)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.scheduleSave()
	return nil
}

// RegisterKey creates the agent record if needed and issues its API key.
// The plaintext key is returned exactly once; only the salted hash is
// retained. Rotation of an existing key requires forceNew plus a prior
// successful authentication by the dispatcher.
func (r *Registry) RegisterKey(ctx context.Context, agentID string, forceNew bool) (key string, isNew bool, err error) {
	if verr := ValidateAgentID(agentID); verr != nil {
		return "", false, verr
	}

	r.mu.Lock()
	a, exists := r.agents[agentID]
	if exists && a.Status == types.StatusDeleted {
		// Deletion clears the key hash; a tombstoned id must not be
		// quietly revivable through re-registration.
		r.mu.Unlock()
		return "", false, types.StateViolation("agent %q is deleted", agentID)
	}
	if exists && a.APIKeyHash != "" && !forceNew {
		r.mu.Unlock()
		return "", false, types.AuthFailed("agent already registered; pass force_new to rotate the key")
	}

	key, hash, err := newAPIKey()
	if err != nil {
		r.mu.Unlock()
		return "", false, fmt.Errorf("generating api key: %w", err)
	}

	if !exists {
		now := types.Now()
		a = &AgentMetadata{
			AgentID:   agentID,
			Status:    types.StatusActive,
			CreatedAt: now,
			LifecycleEvents: []types.LifecycleEvent{
				{Event: "created", Timestamp: now},
			},
		}
		r.agents[agentID] = a
		isNew = true
	}
	a.APIKeyHash = hash
	r.mu.Unlock()

	// Creation and key rotation both force a synchronous save; a crash
	// between registration and the next debounce tick must not lose the
	// record.
	if err := r.saveLocked(); err != nil {
		return "", false, err
	}
	logging.Get(logging.CategoryLifecycle).Info("agent %s registered (new=%v)", agentID, isNew)
	return key, isNew, nil
}

// Authenticate verifies an api_key against the stored salted hash.
func (r *Registry) Authenticate(agentID, key string) bool {
	r.mu.RLock()
	a, ok := r.agents[agentID]
	var stored string
	if ok {
		stored = a.APIKeyHash
	}
	r.mu.RUnlock()
	if !ok || stored == "" {
		return false
	}
	salt, want, ok := splitHash(stored)
	if !ok {
		return false
	}
	got := hashKey(salt, key)
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

// newAPIKey mints a random key and its salted hash ("salt$hash" hex).
func newAPIKey() (key, stored string, err error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	salt := make([]byte, 8)
	if _, err := rand.Read(salt); err != nil {
		return "", "", err
	}
	key = hex.EncodeToString(raw)
	saltHex := hex.EncodeToString(salt)
	return key, saltHex + "$" + hashKey(saltHex, key), nil
}

func hashKey(saltHex, key string) string {
	sum := sha256.Sum256([]byte(saltHex + ":" + key))
	return hex.EncodeToString(sum[:])
}

func splitHash(stored string) (salt, hash string, ok bool) {
	parts := strings.SplitN(stored, "$", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// scheduleSave coalesces metadata writes over the debounce window.
func (r *Registry) scheduleSave() {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()
	if r.closed {
		return
	}
	if r.saveTimer != nil {
		return // a save is already pending; it will pick up this change
	}
	r.saveTimer = time.AfterFunc(r.debounce, func() {
		r.saveMu.Lock()
		r.saveTimer = nil
		closed := r.closed
		r.saveMu.Unlock()
		if closed {
			return
		}
		if err := r.saveLocked(); err != nil {
			logging.Get(logging.CategoryStore).Error("debounced metadata save: %v", err)
		}
	})
}

// ForceSave persists metadata immediately, bypassing the debounce.
func (r *Registry) ForceSave() error {
	return r.saveLocked()
}

// saveLocked serializes the metadata map under the metadata file lock.
func (r *Registry) saveLocked() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	lock, err := r.locks.Acquire(ctx, storage.MetadataLockName)
	if err != nil {
		return err
	}
	defer lock.Release()

	r.mu.RLock()
	snapshot := make(map[string]*AgentMetadata, len(r.agents))
	for id, a := range r.agents {
		snapshot[id] = a.Clone()
	}
	r.mu.RUnlock()

	return storage.WriteJSONAtomic(r.store.MetadataPath(), snapshot)
}

// Close flushes any pending debounced save and stops the timer.
func (r *Registry) Close() error {
	r.saveMu.Lock()
	r.closed = true
	if r.saveTimer != nil {
		r.saveTimer.Stop()
		r.saveTimer = nil
	}
	r.saveMu.Unlock()
	return r.saveLocked()
}
