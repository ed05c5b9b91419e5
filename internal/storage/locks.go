package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"govmon/internal/logging"
	"govmon/internal/types"
)

// Lock ordering: the per-agent lock is the only outer lock. The metadata
// and knowledge locks are leaves, never held while acquiring another
// lock, so no cycle is possible.

// MetadataLockName is the single global metadata lock.
const MetadataLockName = "metadata"

// KnowledgeLockName guards the knowledge graph write path.
const KnowledgeLockName = "knowledge"

// AgentLockName returns the per-agent state lock name.
func AgentLockName(agentID string) string {
	return "agent_" + agentID
}

// LockManager hands out advisory file locks under <data>/locks. Locks
// are flock(2)-backed so they exclude other server processes as well as
// concurrent goroutines in this one.
type LockManager struct {
	dir      string
	poll     time.Duration
	deadline time.Duration
	staleAge time.Duration
}

// NewLockManager creates a manager over dir with the given acquisition
// parameters.
func NewLockManager(dir string, poll, deadline, staleAge time.Duration) *LockManager {
	return &LockManager{dir: dir, poll: poll, deadline: deadline, staleAge: staleAge}
}

// Lock is a held advisory lock. Release is idempotent and must run on
// every exit path; callers pair Acquire with defer Release.
type Lock struct {
	name     string
	path     string
	fl       *flock.Flock
	released bool
}

// Acquire polls for the named lock until the deadline or ctx expiry.
// On timeout it returns a retryable LOCK_TIMEOUT ToolError.
func (m *LockManager) Acquire(ctx context.Context, name string) (*Lock, error) {
	path := filepath.Join(m.dir, name+".lock")
	fl := flock.New(path)
	log := logging.Get(logging.CategoryLocks)

	deadline := time.Now().Add(m.deadline)
	for {
		locked, err := fl.TryLock()
		if err != nil {
			return nil, fmt.Errorf("locking %s: %w", name, err)
		}
		if locked {
			// Record owner PID for stale-lock diagnosis by other processes.
			if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
				log.Debug("writing pid into %s: %v", name, err)
			}
			log.Debug("acquired %s", name)
			return &Lock{name: name, path: path, fl: fl}, nil
		}
		if time.Now().After(deadline) {
			log.Warn("timeout acquiring %s after %v", name, m.deadline)
			return nil, types.LockTimeout(name)
		}
		select {
		case <-ctx.Done():
			return nil, types.LockTimeout(name)
		case <-time.After(m.poll):
		}
	}
}

// Release drops the lock. Safe to call more than once.
func (l *Lock) Release() {
	if l == nil || l.released {
		return
	}
	l.released = true
	if err := l.fl.Unlock(); err != nil {
		logging.Get(logging.CategoryLocks).Warn("releasing %s: %v", l.name, err)
	}
}

// ReapStale removes lock files older than the stale age whose recorded
// owner PID no longer exists. flock itself releases on process death, so
// this is hygiene for the lock directory, run at startup and on demand.
func (m *LockManager) ReapStale() (removed []string, err error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing lock dir: %w", err)
	}
	log := logging.Get(logging.CategoryLocks)

	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".lock") {
			continue
		}
		path := filepath.Join(m.dir, e.Name())
		info, err := e.Info()
		if err != nil || time.Since(info.ModTime()) < m.staleAge {
			continue
		}
		if pid, ok := lockOwner(path); ok && pidAlive(pid) {
			continue
		}
		// Old and ownerless. Take the lock before unlinking so a live
		// holder that simply never wrote its pid is not disturbed.
		fl := flock.New(path)
		locked, err := fl.TryLock()
		if err != nil || !locked {
			continue
		}
		if err := os.Remove(path); err == nil {
			removed = append(removed, e.Name())
			log.Info("reaped stale lock %s", e.Name())
		}
		fl.Unlock()
	}
	return removed, nil
}

// lockOwner reads the PID recorded in a lock file.
func lockOwner(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// pidAlive reports whether a process with the given pid exists.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || err == syscall.EPERM
}
