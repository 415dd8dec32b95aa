// Package db implements the JSON snapshot driver.
package db

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/wkchat/wkchat/store"
)

// FileDriver persists the snapshot as one JSON document, replaced atomically
// on every save.
type FileDriver struct {
	path string
}

// NewFileDriver creates a driver writing to the given canonical path.
func NewFileDriver(path string) *FileDriver {
	return &FileDriver{path: path}
}

// Path returns the canonical snapshot location.
func (d *FileDriver) Path() string {
	return d.path
}

// Load reads the snapshot. A missing file returns (nil, nil); an unreadable
// or structurally invalid file returns an error the store downgrades to a
// fresh state.
func (d *FileDriver) Load() (*store.Snapshot, error) {
	data, err := os.ReadFile(d.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "read snapshot %s", d.path)
	}
	var snap store.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errors.Wrapf(err, "parse snapshot %s", d.path)
	}
	if snap.SchemaVersion <= 0 {
		return nil, errors.Errorf("snapshot %s has no schema version", d.path)
	}
	return &snap, nil
}

// Save writes to a uniquely named temp file in the same directory, syncs it,
// then renames over the canonical path. A reader of the canonical path never
// observes a partial write; a crash before the rename leaves the previous
// snapshot intact.
func (d *FileDriver) Save(snap *store.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}
	dir := filepath.Dir(d.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create data dir %s", dir)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(d.path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp snapshot")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "write temp snapshot")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "sync temp snapshot")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "close temp snapshot")
	}
	if err := os.Rename(tmpName, d.path); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "replace snapshot %s", d.path)
	}
	return nil
}
