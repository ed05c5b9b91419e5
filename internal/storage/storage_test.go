package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type sample struct {
	Name  string         `json:"name"`
	Count int            `json:"count"`
	Tags  []string       `json:"tags"`
	Sub   map[string]int `json:"sub"`
}

func TestWriteJSONAtomic_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.json")
	want := sample{Name: "alpha", Count: 3, Tags: []string{"a", "b"}, Sub: map[string]int{"x": 1}}

	if err := WriteJSONAtomic(path, want); err != nil {
		t.Fatalf("WriteJSONAtomic: %v", err)
	}

	var got sample
	found, err := ReadJSON(path, &got)
	if err != nil || !found {
		t.Fatalf("ReadJSON: found=%v err=%v", found, err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch:\n%s", diff)
	}
}

func TestWriteJSONAtomic_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.json")
	for i := 0; i < 5; i++ {
		if err := WriteJSONAtomic(path, sample{Count: i}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
	if len(entries) != 1 {
		t.Errorf("expected only the target file, got %d entries", len(entries))
	}
}

func TestWriteJSONAtomic_OverwritesWholeFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.json")

	big := sample{Name: strings.Repeat("x", 4096)}
	if err := WriteJSONAtomic(path, big); err != nil {
		t.Fatal(err)
	}
	small := sample{Name: "tiny"}
	if err := WriteJSONAtomic(path, small); err != nil {
		t.Fatal(err)
	}

	var got sample
	if _, err := ReadJSON(path, &got); err != nil {
		t.Fatalf("file corrupt after overwrite: %v", err)
	}
	if got.Name != "tiny" {
		t.Errorf("stale content after overwrite")
	}
}

func TestReadJSON_MissingFile(t *testing.T) {
	var got sample
	found, err := ReadJSON(filepath.Join(t.TempDir(), "absent.json"), &got)
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if found {
		t.Error("found=true for missing file")
	}
}

func TestStore_Layout(t *testing.T) {
	root := t.TempDir()
	s, err := NewStore(root)
	if err != nil {
		t.Fatal(err)
	}

	if got := s.AgentStatePath("alpha"); got != filepath.Join(root, "agents", "alpha_state.json") {
		t.Errorf("AgentStatePath = %s", got)
	}
	if got := s.SessionPath("sess-1"); got != filepath.Join(root, "dialectic_sessions", "sess-1.json") {
		t.Errorf("SessionPath = %s", got)
	}
	for _, sub := range []string{"agents", "dialectic_sessions", "locks", "backups"} {
		if _, err := os.Stat(filepath.Join(root, sub)); err != nil {
			t.Errorf("missing subdir %s: %v", sub, err)
		}
	}
}

func TestStore_SessionIDs(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"s1", "s2"} {
		if err := WriteJSONAtomic(s.SessionPath(id), sample{Name: id}); err != nil {
			t.Fatal(err)
		}
	}
	ids, err := s.SessionIDs()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Errorf("SessionIDs = %v", ids)
	}
}

func TestLockManager_ExclusionAndTimeout(t *testing.T) {
	dir := t.TempDir()
	m := NewLockManager(dir, 10*time.Millisecond, 150*time.Millisecond, time.Minute)
	ctx := context.Background()

	held, err := m.Acquire(ctx, MetadataLockName)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer held.Release()

	start := time.Now()
	_, err = m.Acquire(ctx, MetadataLockName)
	if err == nil {
		t.Fatal("second acquire should time out while lock is held")
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("acquire returned before deadline: %v", elapsed)
	}

	held.Release()
	relock, err := m.Acquire(ctx, MetadataLockName)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	relock.Release()
}

func TestLockManager_ReleaseIdempotent(t *testing.T) {
	m := NewLockManager(t.TempDir(), 10*time.Millisecond, time.Second, time.Minute)
	l, err := m.Acquire(context.Background(), AgentLockName("alpha"))
	if err != nil {
		t.Fatal(err)
	}
	l.Release()
	l.Release() // must not panic or error
}

func TestLockManager_ReapStale(t *testing.T) {
	dir := t.TempDir()
	m := NewLockManager(dir, 10*time.Millisecond, time.Second, 50*time.Millisecond)

	// A stale lock: dead PID, old mtime.
	stale := filepath.Join(dir, "agent_ghost.lock")
	if err := os.WriteFile(stale, []byte("999999"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	os.Chtimes(stale, old, old)

	// A fresh lock held by this process must survive.
	live, err := m.Acquire(context.Background(), MetadataLockName)
	if err != nil {
		t.Fatal(err)
	}
	defer live.Release()

	removed, err := m.ReapStale()
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 || removed[0] != "agent_ghost.lock" {
		t.Errorf("removed = %v", removed)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale lock file still present")
	}
	if _, err := os.Stat(filepath.Join(dir, "metadata.lock")); err != nil {
		t.Error("live lock file was reaped")
	}
}
