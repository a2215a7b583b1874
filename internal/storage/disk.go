package storage

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// DefaultCapacity is the default size of a virtual disk (2GiB)
const DefaultCapacity int64 = 2 << 30

var (
	// ErrNotFound is returned when a stream id is unknown to the disk
	ErrNotFound = errors.New("stream not found")

	// ErrStreamExists is returned when writing a stream id that is already stored
	ErrStreamExists = errors.New("stream already exists")

	// ErrCorrupt is returned when stored bytes no longer match the stream checksum
	ErrCorrupt = errors.New("stream checksum mismatch")

	// ErrGeometryMismatch is returned when persisted metadata was written for another disk shape
	ErrGeometryMismatch = errors.New("disk geometry does not match metadata")

	// ErrClosed is returned by operations on a closed disk
	ErrClosed = errors.New("disk closed")
)

// Stream is a stored object's on-disk representation.
// Blocks lists block indexes in payload order; they need not be contiguous.
type Stream struct {
	ID        string    `json:"stream_id"`
	Name      string    `json:"name"`
	Size      int64     `json:"total_size_bytes"`
	Blocks    []int     `json:"block_indexes"`
	Checksum  string    `json:"checksum"`
	CreatedAt time.Time `json:"created_at"`
}

// Options configures the geometry of a disk
type Options struct {
	Capacity  int64 // Total bytes (default 2GiB)
	BlockSize int   // Bytes per block (default 64KiB)
}

func (o Options) withDefaults() Options {
	if o.Capacity <= 0 {
		o.Capacity = DefaultCapacity
	}
	if o.BlockSize <= 0 {
		o.BlockSize = DefaultBlockSize
	}
	return o
}

// Info summarizes disk utilization
type Info struct {
	NodeID          string  `json:"node_id"`
	CapacityBytes   int64   `json:"capacity_bytes"`
	BlockSize       int     `json:"block_size"`
	TotalBlocks     int     `json:"total_blocks"`
	AllocatedBlocks int     `json:"allocated_blocks"`
	OccupiedBlocks  int     `json:"occupied_blocks"`
	FreeBlocks      int     `json:"free_blocks"`
	UsedBytes       int64   `json:"used_bytes"`
	FreeBytes       int64   `json:"free_bytes"`
	Streams         int     `json:"streams"`
	Utilization     float64 `json:"utilization_percent"`
}

// BlockMap is the block-state table of one disk
type BlockMap struct {
	NodeID    string     `json:"node_id"`
	BlockSize int        `json:"block_size"`
	Stats     BlockStats `json:"stats"`
	Blocks    []Block    `json:"blocks"`
}

// Disk stores named byte streams as block sequences on one BlockStore.
// A disk opened with Open persists its metadata after every structural change;
// a disk from OpenMemory keeps everything in memory.
// Thread-safe: all methods may be called concurrently.
type Disk struct {
	store     *BlockStore
	region    Region
	streams   map[string]*Stream
	nodeID    string
	metaPath  string // empty for memory disks
	mu        sync.RWMutex
	usedBytes int64
	closed    bool
}

// Open opens the disk stored in dir, creating disk.img and metadata.json when absent.
// Existing metadata is reloaded and must match the requested geometry.
func Open(dir, nodeID string, opts Options) (*Disk, error) {
	opts = opts.withDefaults()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create disk dir %s: %w", dir, err)
	}

	region, err := OpenFileRegion(filepath.Join(dir, regionFileName), opts.Capacity)
	if err != nil {
		return nil, err
	}
	d, err := newDisk(region, nodeID, opts.BlockSize)
	if err != nil {
		region.Close()
		return nil, err
	}
	d.metaPath = filepath.Join(dir, metadataFileName)

	m, err := readMetadata(d.metaPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		err = d.persistLocked()
	case err == nil:
		err = d.load(m)
	}
	if err != nil {
		region.Close()
		return nil, err
	}
	return d, nil
}

// OpenMemory creates a disk backed by a sparse MemoryRegion with no persistence
func OpenMemory(nodeID string, opts Options) (*Disk, error) {
	opts = opts.withDefaults()
	return newDisk(NewMemoryRegion(opts.Capacity), nodeID, opts.BlockSize)
}

func newDisk(region Region, nodeID string, blockSize int) (*Disk, error) {
	store, err := NewBlockStore(region, blockSize)
	if err != nil {
		return nil, err
	}
	return &Disk{
		store:   store,
		region:  region,
		streams: make(map[string]*Stream),
		nodeID:  nodeID,
	}, nil
}

// Write stores data as a new stream.
// It allocates ceil(len(data)/blockSize) blocks atomically or fails with ErrOutOfSpace.
func (d *Disk) Write(streamID, name string, data []byte) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return Stream{}, ErrClosed
	}
	if _, exists := d.streams[streamID]; exists {
		return Stream{}, fmt.Errorf("%w: %s", ErrStreamExists, streamID)
	}

	blockSize := d.store.BlockSize()
	indexes, err := d.store.Allocate(d.store.BlocksFor(int64(len(data))), streamID)
	if err != nil {
		return Stream{}, err
	}

	for i, idx := range indexes {
		end := min((i+1)*blockSize, len(data))
		if err := d.store.WriteBlock(idx, data[i*blockSize:end]); err != nil {
			d.store.Free(indexes)
			return Stream{}, err
		}
	}
	if err := d.store.MarkOccupied(indexes); err != nil {
		d.store.Free(indexes)
		return Stream{}, err
	}

	s := &Stream{
		ID:        streamID,
		Name:      name,
		Size:      int64(len(data)),
		Blocks:    indexes,
		Checksum:  Checksum(data),
		CreatedAt: time.Now().UTC(),
	}
	d.streams[streamID] = s
	d.usedBytes += s.Size

	if err := d.persistLocked(); err != nil {
		delete(d.streams, streamID)
		d.usedBytes -= s.Size
		d.store.Free(indexes)
		return Stream{}, err
	}
	return s.clone(), nil
}

// Read returns the stream's bytes, walking its blocks in order
func (d *Disk) Read(streamID string) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil, ErrClosed
	}
	s, ok := d.streams[streamID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, streamID)
	}

	var buf bytes.Buffer
	buf.Grow(len(s.Blocks) * d.store.BlockSize())
	for _, idx := range s.Blocks {
		block, err := d.store.ReadBlock(idx)
		if err != nil {
			return nil, err
		}
		buf.Write(block)
	}
	data := buf.Bytes()[:s.Size]
	if Checksum(data) != s.Checksum {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, streamID)
	}
	return data, nil
}

// Delete frees the stream's blocks and drops its metadata.
// Freed bytes are not overwritten.
func (d *Disk) Delete(streamID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	s, ok := d.streams[streamID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, streamID)
	}
	if err := d.store.Free(s.Blocks); err != nil {
		return err
	}
	delete(d.streams, streamID)
	d.usedBytes -= s.Size
	return d.persistLocked()
}

// Stat returns a copy of the stream record
func (d *Disk) Stat(streamID string) (Stream, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s, ok := d.streams[streamID]
	if !ok {
		return Stream{}, fmt.Errorf("%w: %s", ErrNotFound, streamID)
	}
	return s.clone(), nil
}

// Streams lists all stored streams ordered by id
func (d *Disk) Streams() []Stream {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Stream, 0, len(d.streams))
	for _, s := range d.streams {
		out = append(out, s.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Info returns utilization figures
func (d *Disk) Info() Info {
	d.mu.RLock()
	defer d.mu.RUnlock()

	stats := d.store.Stats()
	capacity := d.region.Size()
	blockSize := d.store.BlockSize()
	return Info{
		NodeID:          d.nodeID,
		CapacityBytes:   capacity,
		BlockSize:       blockSize,
		TotalBlocks:     stats.Total,
		AllocatedBlocks: stats.Used(),
		OccupiedBlocks:  stats.Occupied,
		FreeBlocks:      stats.Free,
		UsedBytes:       d.usedBytes,
		FreeBytes:       int64(stats.Free) * int64(blockSize),
		Streams:         len(d.streams),
		Utilization:     float64(stats.Used()) / float64(stats.Total) * 100,
	}
}

// BlockMap returns the full block-state table
func (d *Disk) BlockMap() BlockMap {
	return BlockMap{
		NodeID:    d.nodeID,
		BlockSize: d.store.BlockSize(),
		Stats:     d.store.Stats(),
		Blocks:    d.store.Blocks(),
	}
}

// Flush writes metadata and syncs the region
func (d *Disk) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	if err := d.persistLocked(); err != nil {
		return err
	}
	return d.region.Sync()
}

// Close flushes and releases the disk. Closing twice is a no-op.
func (d *Disk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	perr := d.persistLocked()
	if err := d.region.Close(); err != nil {
		return err
	}
	return perr
}

// persistLocked writes the metadata record; mu must be held
func (d *Disk) persistLocked() error {
	if d.metaPath == "" {
		return nil
	}
	streams := make([]Stream, 0, len(d.streams))
	for _, s := range d.streams {
		streams = append(streams, *s)
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i].ID < streams[j].ID })

	return writeMetadata(d.metaPath, metadata{
		NodeID:     d.nodeID,
		BlockSize:  d.store.BlockSize(),
		BlockCount: d.store.BlockCount(),
		Blocks:     d.store.snapshot(),
		Streams:    streams,
	})
}

// load restores state from persisted metadata after validating it
func (d *Disk) load(m metadata) error {
	if m.BlockSize != d.store.BlockSize() || m.BlockCount != d.store.BlockCount() {
		return fmt.Errorf("%w: have %dx%d, metadata %dx%d", ErrGeometryMismatch,
			d.store.BlockCount(), d.store.BlockSize(), m.BlockCount, m.BlockSize)
	}
	if err := d.store.restore(m.Blocks); err != nil {
		return err
	}

	streams := make(map[string]*Stream, len(m.Streams))
	var used int64
	for i := range m.Streams {
		s := m.Streams[i]
		if want := d.store.BlocksFor(s.Size); want != len(s.Blocks) {
			return fmt.Errorf("stream %s: %d bytes need %d blocks, metadata lists %d", s.ID, s.Size, want, len(s.Blocks))
		}
		for _, idx := range s.Blocks {
			if idx < 0 || idx >= len(m.Blocks) || m.Blocks[idx].Owner != s.ID || m.Blocks[idx].State == BlockFree {
				return fmt.Errorf("stream %s: block %d is not owned by it", s.ID, idx)
			}
		}
		streams[s.ID] = &s
		used += s.Size
	}
	d.streams = streams
	d.usedBytes = used
	return nil
}

func (s *Stream) clone() Stream {
	c := *s
	c.Blocks = append([]int(nil), s.Blocks...)
	return c
}

// Checksum returns the hex sha256 of data
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
