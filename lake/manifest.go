package lake

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/xiaoniaoyouhuajiang/fstorage/schema"
)

const (
	manifestFileName = "MANIFEST"
	currentFileName  = "CURRENT"
	manifestFormat   = 1
)

// Column is the schema summary of one table column.
type Column struct {
	Name     string           `json:"name"`
	Type     schema.FieldType `json:"type"`
	Nullable bool             `json:"nullable"`
}

// dataFile describes a single parquet file belonging to a table version.
type dataFile struct {
	Name string `json:"name"`
	Rows int64  `json:"rows"`
}

// tableManifest describes the state of one table at a specific version.
// Commits are atomic: a new MANIFEST-<version> file is written first, then
// the CURRENT pointer is renamed over. A failed write leaves CURRENT (and
// therefore the table) at its previous version.
type tableManifest struct {
	Format  int        `json:"format"`
	Version int64      `json:"version"`
	Columns []Column   `json:"columns"`
	Files   []dataFile `json:"files"`
}

// manifestStore manages the manifest files of a single table directory.
//
// mu guards the manifest files themselves; writeMu serializes whole
// write batches (load, data file, save) so that concurrent writers to the
// same table cannot both build on the same base version. Syncs on
// different scopes run concurrently and commonly target the same table.
type manifestStore struct {
	mu      sync.Mutex
	writeMu sync.Mutex
	dir     string
}

func newManifestStore(dir string) *manifestStore {
	return &manifestStore{dir: dir}
}

// Load returns the current manifest, or an empty version-0 manifest when the
// table has never been committed.
func (s *manifestStore) Load() (*tableManifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := os.ReadFile(filepath.Join(s.dir, currentFileName))
	if os.IsNotExist(err) {
		return &tableManifest{Format: manifestFormat, Version: 0}, nil
	}
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(s.dir, string(content)))
	if err != nil {
		return nil, err
	}

	var m tableManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.Format != manifestFormat {
		return nil, fmt.Errorf("lake: unsupported manifest format %d (expected %d)", m.Format, manifestFormat)
	}
	return &m, nil
}

// Save atomically commits a new manifest version.
func (s *manifestStore) Save(m *tableManifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.Format = manifestFormat

	filename := fmt.Sprintf("%s-%06d.json", manifestFileName, m.Version)
	path := filepath.Join(s.dir, filename)

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}

	if err := writeFileSync(path, data); err != nil {
		return err
	}
	if err := syncDir(s.dir); err != nil {
		return err
	}

	if err := writeFileSync(filepath.Join(s.dir, currentFileName), []byte(filename)); err != nil {
		return err
	}
	return syncDir(s.dir)
}

// writeFileSync writes data to path via a temp file, fsync and rename.
func writeFileSync(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func syncDir(dir string) error {
	f, err := os.OpenFile(dir, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
