package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store maps logical persistence surfaces onto the data directory.
// Layout is part of the external contract:
//
//	data/agent_metadata.json
//	data/agents/<agent_id>_state.json
//	data/knowledge_graph.json
//	data/dialectic_sessions/<session_id>.json
//	data/locks/<name>.lock
//	data/backups/<agent_id>_<ts>.json
type Store struct {
	root string
}

// NewStore creates a Store rooted at dir, creating the directory tree.
func NewStore(dir string) (*Store, error) {
	s := &Store{root: dir}
	for _, sub := range []string{"", "agents", "dialectic_sessions", "locks", "backups", "logs"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
	}
	return s, nil
}

// Root returns the data directory.
func (s *Store) Root() string { return s.root }

// MetadataPath is the shared metadata file for all agents.
func (s *Store) MetadataPath() string {
	return filepath.Join(s.root, "agent_metadata.json")
}

// AgentStatePath is the per-agent thermodynamic state file.
func (s *Store) AgentStatePath(agentID string) string {
	return filepath.Join(s.root, "agents", agentID+"_state.json")
}

// KnowledgePath is the knowledge graph snapshot.
func (s *Store) KnowledgePath() string {
	return filepath.Join(s.root, "knowledge_graph.json")
}

// SessionPath is a per-session dialectic record.
func (s *Store) SessionPath(sessionID string) string {
	return filepath.Join(s.root, "dialectic_sessions", sessionID+".json")
}

// SessionIDs lists the ids of all persisted dialectic sessions.
func (s *Store) SessionIDs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "dialectic_sessions"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".") {
			ids = append(ids, strings.TrimSuffix(name, ".json"))
		}
	}
	return ids, nil
}

// LocksDir is the advisory lock file directory.
func (s *Store) LocksDir() string {
	return filepath.Join(s.root, "locks")
}

// LogsDir is where the categorized logs live.
func (s *Store) LogsDir() string {
	return filepath.Join(s.root, "logs")
}

// ThresholdsPath is the runtime-tunable thresholds file.
func (s *Store) ThresholdsPath() string {
	return filepath.Join(s.root, "thresholds.json")
}

// UsageDBPath is the SQLite tool-usage statistics database.
func (s *Store) UsageDBPath() string {
	return filepath.Join(s.root, "usage.db")
}

// BackupPath is the pre-deletion backup bundle for an agent.
func (s *Store) BackupPath(agentID, stamp string) string {
	return filepath.Join(s.root, "backups", agentID+"_"+stamp+".json")
}

// DeleteAgentState removes an agent's state file. Missing files are not
// an error: deletion must be idempotent.
func (s *Store) DeleteAgentState(agentID string) error {
	err := os.Remove(s.AgentStatePath(agentID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing state file: %w", err)
	}
	return nil
}
