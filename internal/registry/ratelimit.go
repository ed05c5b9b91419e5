package registry

import (
	"time"

	"govmon/internal/types"
)

// StoreWindow is the rolling window for knowledge-graph store limits.
const StoreWindow = time.Hour

// CheckStoreLimit enforces the per-agent knowledge-store rate limit: at
// most maxStores within the rolling window. On success the attempt is
// recorded; on rejection the error carries the reset time (when the
// oldest in-window attempt ages out).
func (r *Registry) CheckStoreLimit(agentID string, maxStores int, now types.Timestamp) *types.ToolError {
	var reject *types.ToolError
	err := r.Mutate(agentID, func(a *AgentMetadata) error {
		cutoff := now.Add(-StoreWindow)
		inWindow := a.RecentStoreTimestamps[:0:0]
		for _, ts := range a.RecentStoreTimestamps {
			if ts.After(cutoff) {
				inWindow = append(inWindow, ts)
			}
		}
		if len(inWindow) >= maxStores {
			reject = types.RateLimited("knowledge store", types.At(inWindow[0].Add(StoreWindow)))
			a.RecentStoreTimestamps = inWindow
			return nil
		}
		a.RecentStoreTimestamps = appendRingTS(inWindow, now, maxStores+StoreRingCap)
		return nil
	})
	if err != nil {
		if terr, ok := err.(*types.ToolError); ok {
			return terr
		}
		return types.Internal()
	}
	return reject
}

// StoresInWindow counts an agent's knowledge stores inside the rolling
// window, for reporting.
func (r *Registry) StoresInWindow(agentID string, now types.Timestamp) int {
	a, ok := r.Get(agentID)
	if !ok {
		return 0
	}
	cutoff := now.Add(-StoreWindow)
	n := 0
	for _, ts := range a.RecentStoreTimestamps {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}
