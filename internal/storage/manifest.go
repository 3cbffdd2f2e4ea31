package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/trade-engine/hist-ingest/pkg/schema"
)

// Manifest appends one JSON line per produced file.
type Manifest struct {
	path string
	mu   sync.Mutex
}

func NewManifest(path string) *Manifest {
	return &Manifest{path: path}
}

func (m *Manifest) Path() string {
	return m.path
}

// Append writes entry as a single line. Lines are small enough that O_APPEND
// keeps them whole.
func (m *Manifest) Append(entry schema.ManifestEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := createDirIfNotExists(filepath.Dir(m.path)); err != nil {
		return err
	}

	jsonData, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest entry: %w", err)
	}

	file, err := os.OpenFile(m.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open manifest file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(jsonData, '\n')); err != nil {
		return fmt.Errorf("failed to write to manifest: %w", err)
	}
	return nil
}
