package coordinator

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

var (
	// ErrFileNotFound is returned for file ids missing from the catalog
	ErrFileNotFound = errors.New("file not found")

	// ErrChunkUnavailable is returned when a chunk's host cannot serve it
	ErrChunkUnavailable = errors.New("chunk unavailable")
)

// Chunk is one fixed-size slice of an uploaded file, stored as one stream on one node
type Chunk struct {
	ID         string `json:"chunk_id"`
	HostNodeID string `json:"host_node_id"`
	Checksum   string `json:"checksum"`
	Index      int    `json:"index"`
	Offset     int64  `json:"offset"`
	Size       int64  `json:"size_bytes"`
}

// DistributedFile is an uploaded file and where its chunks live.
// Chunks cover [0, Size) in order with no gaps or overlaps.
type DistributedFile struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"file_id"`
	Name      string    `json:"name"`
	Checksum  string    `json:"checksum"`
	Chunks    []Chunk   `json:"chunks"`
	Size      int64     `json:"total_size_bytes"`
}

func (f DistributedFile) clone() DistributedFile {
	f.Chunks = append([]Chunk(nil), f.Chunks...)
	return f
}

// span is the byte range of one chunk
type span struct {
	index  int
	offset int64
	size   int64
}

// split cuts size bytes into chunkSize pieces; the last may be shorter and an empty file has none
func split(size int64, chunkSize int) []span {
	if chunkSize <= 0 {
		return nil
	}
	var spans []span
	for off, i := int64(0), 0; off < size; off, i = off+int64(chunkSize), i+1 {
		spans = append(spans, span{index: i, offset: off, size: min(int64(chunkSize), size-off)})
	}
	return spans
}

// chunkID names chunk i of a file
func chunkID(fileID string, i int) string {
	return fmt.Sprintf("%s-%d", fileID, i)
}

// Catalog records every distributed file.
// Thread-safe: All methods are safe for concurrent access.
type Catalog struct {
	files map[string]*DistributedFile
	mu    sync.RWMutex
}

// NewCatalog creates an empty catalog
func NewCatalog() *Catalog {
	return &Catalog{files: make(map[string]*DistributedFile)}
}

// Add records f, replacing any file with the same id
func (c *Catalog) Add(f DistributedFile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := f.clone()
	c.files[f.ID] = &cp
}

// Get returns a copy of the file
func (c *Catalog) Get(fileID string) (DistributedFile, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.files[fileID]
	if !ok {
		return DistributedFile{}, fmt.Errorf("%w: %s", ErrFileNotFound, fileID)
	}
	return f.clone(), nil
}

// Remove drops the file and returns what it held
func (c *Catalog) Remove(fileID string) (DistributedFile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.files[fileID]
	if !ok {
		return DistributedFile{}, fmt.Errorf("%w: %s", ErrFileNotFound, fileID)
	}
	delete(c.files, fileID)
	return *f, nil
}

// List returns every file, oldest first
func (c *Catalog) List() []DistributedFile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]DistributedFile, 0, len(c.files))
	for _, f := range c.files {
		out = append(out, f.clone())
	}
	slices.SortFunc(out, func(a, b DistributedFile) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// ChunksOn returns every chunk hosted by nodeID
func (c *Catalog) ChunksOn(nodeID string) []Chunk {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Chunk
	for _, f := range c.files {
		for _, ch := range f.Chunks {
			if ch.HostNodeID == nodeID {
				out = append(out, ch)
			}
		}
	}
	slices.SortFunc(out, func(a, b Chunk) int { return strings.Compare(a.ID, b.ID) })
	return out
}
