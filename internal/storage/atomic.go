// Package storage provides the durable surfaces of the governance
// monitor: atomic JSON file persistence (write-temp + fsync + rename)
// and advisory file locks with ordered acquisition and stale-lock
// reaping. Higher layers decide what to persist; this package only
// guarantees that a reader never observes a partial write.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"govmon/internal/logging"
)

// WriteJSONAtomic writes v as JSON to path atomically: the bytes land in
// a temp file in the same directory, the file is fsynced, renamed over
// the target, and the directory entry is fsynced. The temp file never
// crosses a filesystem boundary.
func WriteJSONAtomic(path string, v interface{}) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}
	syncDir(dir)
	return nil
}

// syncDir fsyncs a directory so the rename itself is durable. Errors are
// logged, not returned: some filesystems reject directory fsync and the
// rename has already committed.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		logging.Get(logging.CategoryStore).Debug("directory fsync on %s: %v", dir, err)
	}
}

// ReadJSON loads JSON from path into out. Returns found=false when the
// file does not exist.
func ReadJSON(path string, out interface{}) (found bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return true, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return true, nil
}
