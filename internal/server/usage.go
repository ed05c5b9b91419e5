package server

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"govmon/internal/logging"
	"govmon/internal/types"
)

// UsageTracker records per-call tool statistics in a local SQLite
// database. Recording failures are logged, never surfaced: statistics
// must not break tool calls.
type UsageTracker struct {
	db *sql.DB
}

// NewUsageTracker opens (and migrates) the usage database at path.
func NewUsageTracker(path string) (*UsageTracker, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening usage db: %w", err)
	}
	// The tracker is the only writer; a single connection avoids
	// SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	const schema = `
CREATE TABLE IF NOT EXISTS tool_usage (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	tool        TEXT NOT NULL,
	agent_id    TEXT,
	success     INTEGER NOT NULL,
	error_code  TEXT,
	duration_ms INTEGER NOT NULL,
	called_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tool_usage_tool ON tool_usage(tool);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating usage db: %w", err)
	}
	return &UsageTracker{db: db}, nil
}

// Record stores one completed tool call.
func (u *UsageTracker) Record(tool, agentID string, success bool, errorCode string, duration time.Duration) {
	if u == nil || u.db == nil {
		return
	}
	ok := 0
	if success {
		ok = 1
	}
	_, err := u.db.Exec(
		`INSERT INTO tool_usage (tool, agent_id, success, error_code, duration_ms, called_at) VALUES (?, ?, ?, ?, ?, ?)`,
		tool, agentID, ok, errorCode, duration.Milliseconds(), types.Now().Format(types.TimestampLayout),
	)
	if err != nil {
		logging.Get(logging.CategoryTools).Warn("recording usage for %s: %v", tool, err)
	}
}

// ToolStats aggregates one tool's recorded calls.
type ToolStats struct {
	Tool           string  `json:"tool"`
	Calls          int     `json:"calls"`
	Failures       int     `json:"failures"`
	MeanDurationMS float64 `json:"mean_duration_ms"`
}

// Stats returns aggregates, optionally filtered to one tool.
func (u *UsageTracker) Stats(tool string) ([]ToolStats, error) {
	query := `SELECT tool, COUNT(*), COUNT(*) - SUM(success), AVG(duration_ms) FROM tool_usage`
	var args []interface{}
	if tool != "" {
		query += ` WHERE tool = ?`
		args = append(args, tool)
	}
	query += ` GROUP BY tool ORDER BY COUNT(*) DESC`

	rows, err := u.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying usage stats: %w", err)
	}
	defer rows.Close()

	var out []ToolStats
	for rows.Next() {
		var s ToolStats
		if err := rows.Scan(&s.Tool, &s.Calls, &s.Failures, &s.MeanDurationMS); err != nil {
			return nil, fmt.Errorf("scanning usage row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (u *UsageTracker) Close() error {
	if u == nil || u.db == nil {
		return nil
	}
	return u.db.Close()
}
