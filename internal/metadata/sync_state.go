// Package metadata persists bookkeeping about past runs.
package metadata

import (
	"errors"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/trade-engine/hist-ingest/internal/storage"
	"github.com/trade-engine/hist-ingest/pkg/schema"
)

// SyncState records when each symbol/kind was last mirrored completely, i.e.
// a batch ended with every listed archive on disk. Failures are not recorded;
// a failed archive is simply listed again next run.
type SyncState struct {
	mu      sync.RWMutex
	Symbols map[string]map[schema.DataKind]time.Time
}

// syncStateFileModel is a YAML-friendly representation of SyncState.
type syncStateFileModel struct {
	Symbols map[string]map[string]string `yaml:"symbols"`
}

// LoadSyncState loads the state from the given YAML file. If the file does
// not exist it returns an empty state without error.
func LoadSyncState(path string) (*SyncState, error) {
	ss := &SyncState{
		Symbols: make(map[string]map[schema.DataKind]time.Time),
	}

	if path == "" {
		return ss, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return ss, nil
	}
	if err != nil {
		return nil, err
	}

	var fileModel syncStateFileModel
	if err := yaml.Unmarshal(data, &fileModel); err != nil {
		return nil, err
	}

	for symbol, kinds := range fileModel.Symbols {
		for kind, value := range kinds {
			if ts, err := time.Parse(time.RFC3339, value); err == nil {
				ss.update(symbol, schema.DataKind(kind), ts)
			}
		}
	}

	return ss, nil
}

// Save writes the state to path atomically.
func (ss *SyncState) Save(path string) error {
	if path == "" {
		return errors.New("state path is empty")
	}

	ss.mu.RLock()
	fileModel := syncStateFileModel{
		Symbols: make(map[string]map[string]string, len(ss.Symbols)),
	}
	for symbol, kinds := range ss.Symbols {
		fileModel.Symbols[symbol] = make(map[string]string, len(kinds))
		for kind, ts := range kinds {
			fileModel.Symbols[symbol][string(kind)] = ts.UTC().Format(time.RFC3339)
		}
	}
	ss.mu.RUnlock()

	data, err := yaml.Marshal(&fileModel)
	if err != nil {
		return err
	}
	return storage.WriteFileAtomic(path, data)
}

// LastSync returns when symbol/kind was last mirrored completely.
func (ss *SyncState) LastSync(symbol string, kind schema.DataKind) (time.Time, bool) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	if kinds, ok := ss.Symbols[symbol]; ok {
		ts, exists := kinds[kind]
		return ts, exists
	}
	return time.Time{}, false
}

// Update sets the last sync time for symbol/kind.
func (ss *SyncState) Update(symbol string, kind schema.DataKind, ts time.Time) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.update(symbol, kind, ts)
}

func (ss *SyncState) update(symbol string, kind schema.DataKind, ts time.Time) {
	if ss.Symbols == nil {
		ss.Symbols = make(map[string]map[schema.DataKind]time.Time)
	}
	if ss.Symbols[symbol] == nil {
		ss.Symbols[symbol] = make(map[schema.DataKind]time.Time)
	}
	ss.Symbols[symbol][kind] = ts.UTC()
}
