package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	regionFileName   = "disk.img"
	metadataFileName = "metadata.json"
)

// metadata is the persisted record of one disk.
// Reloading it must reproduce an identical block map.
type metadata struct {
	NodeID     string        `json:"node_id"`
	BlockSize  int           `json:"block_size"`
	BlockCount int           `json:"block_count"`
	Blocks     []blockRecord `json:"blocks"`
	Streams    []Stream      `json:"streams"`
}

type blockRecord struct {
	Index int        `json:"index"`
	State BlockState `json:"state"`
	Owner string     `json:"owner_stream_id,omitempty"`
}

// writeMetadata replaces the metadata file atomically (temp file + rename)
func writeMetadata(path string, m metadata) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), metadataFileName+".*")
	if err != nil {
		return fmt.Errorf("create metadata temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close metadata: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// readMetadata loads a metadata file. A missing file returns os.ErrNotExist.
func readMetadata(path string) (metadata, error) {
	var m metadata
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("decode metadata %s: %w", path, err)
	}
	return m, nil
}
