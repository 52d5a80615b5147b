package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FilePersister stores snapshots as a JSON file, written atomically via
// rename.
type FilePersister struct {
	path string
}

// NewFilePersister stores snapshots under dir.
func NewFilePersister(dir string) (*FilePersister, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}
	return &FilePersister{path: filepath.Join(dir, "state.json")}, nil
}

// Save writes the snapshot to disk.
func (p *FilePersister) Save(s *Snapshot) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("state marshal: %w", err)
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("state write: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("state rename: %w", err)
	}
	return nil
}

// Load reads the last snapshot. A missing file returns an empty
// snapshot, not an error.
func (p *FilePersister) Load() (*Snapshot, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Snapshot{
				Muds:     make(map[string]*MudInfo),
				Channels: make(map[string]*ChannelInfo),
			}, nil
		}
		return nil, fmt.Errorf("state read: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("state unmarshal: %w", err)
	}
	if snap.Muds == nil {
		snap.Muds = make(map[string]*MudInfo)
	}
	if snap.Channels == nil {
		snap.Channels = make(map[string]*ChannelInfo)
	}
	return &snap, nil
}
