package storage

import (
	"errors"
	"fmt"
	"sync"
)

// DefaultBlockSize is the fixed block size of a virtual disk (64KiB)
const DefaultBlockSize = 64 * 1024

var (
	// ErrOutOfSpace is returned when an allocation needs more free blocks than exist
	ErrOutOfSpace = errors.New("out of space")

	// ErrInvalidBlock is returned for block indexes outside the disk or in the wrong state
	ErrInvalidBlock = errors.New("invalid block")
)

// BlockState is the allocation state of a single block
type BlockState int

const (
	// BlockFree means the block can be handed out by Allocate
	BlockFree BlockState = iota
	// BlockAllocated means the block is reserved for a stream but holds no payload yet
	BlockAllocated
	// BlockOccupied means the block holds stream payload
	BlockOccupied
)

var blockStateNames = [...]string{"FREE", "ALLOCATED", "OCCUPIED"}

func (s BlockState) String() string {
	if s < 0 || int(s) >= len(blockStateNames) {
		return fmt.Sprintf("BlockState(%d)", int(s))
	}
	return blockStateNames[s]
}

// MarshalText encodes the state by name so metadata files stay readable
func (s BlockState) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(blockStateNames) {
		return nil, fmt.Errorf("unknown block state %d", int(s))
	}
	return []byte(blockStateNames[s]), nil
}

// UnmarshalText decodes a state name
func (s *BlockState) UnmarshalText(text []byte) error {
	for i, name := range blockStateNames {
		if name == string(text) {
			*s = BlockState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown block state %q", text)
}

// Block describes one fixed-size block of a disk
type Block struct {
	Index  int        `json:"index"`
	Offset int64      `json:"offset"`
	Size   int        `json:"size"`
	State  BlockState `json:"state"`
	Owner  string     `json:"owner_stream_id,omitempty"`
}

// BlockStats summarizes block usage.
// Free + Allocated + Occupied == Total always holds.
type BlockStats struct {
	Total     int `json:"total"`
	Free      int `json:"free"`
	Allocated int `json:"allocated"`
	Occupied  int `json:"occupied"`
}

// Used returns the number of non-free blocks
func (s BlockStats) Used() int { return s.Allocated + s.Occupied }

// BlockStore is a fixed-size block allocator over a Region.
// The block count is derived from the region size at construction and never changes.
// Thread-safe: all methods may be called concurrently.
type BlockStore struct {
	region    Region
	states    []BlockState
	owners    []string
	mu        sync.RWMutex
	blockSize int
	free      int
}

// NewBlockStore creates a block store with every block free
func NewBlockStore(region Region, blockSize int) (*BlockStore, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("block size must be positive, got %d", blockSize)
	}
	count := int(region.Size() / int64(blockSize))
	if count == 0 {
		return nil, fmt.Errorf("region of %d bytes holds no %d-byte blocks", region.Size(), blockSize)
	}
	return &BlockStore{
		region:    region,
		states:    make([]BlockState, count),
		owners:    make([]string, count),
		blockSize: blockSize,
		free:      count,
	}, nil
}

// BlockSize returns the size of every block in bytes
func (b *BlockStore) BlockSize() int { return b.blockSize }

// BlockCount returns the fixed number of blocks
func (b *BlockStore) BlockCount() int { return len(b.states) }

// BlocksFor returns how many blocks a payload of size bytes needs
func (b *BlockStore) BlocksFor(size int64) int {
	return int((size + int64(b.blockSize) - 1) / int64(b.blockSize))
}

// Allocate reserves n free blocks for owner, lowest index first.
// Allocation is all-or-nothing: on ErrOutOfSpace no block changes state.
func (b *BlockStore) Allocate(n int, owner string) ([]int, error) {
	if n < 0 {
		return nil, fmt.Errorf("cannot allocate %d blocks", n)
	}
	if n == 0 {
		return nil, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if n > b.free {
		return nil, fmt.Errorf("%w: need %d blocks, %d free", ErrOutOfSpace, n, b.free)
	}

	indexes := make([]int, 0, n)
	for i := 0; i < len(b.states) && len(indexes) < n; i++ {
		if b.states[i] == BlockFree {
			indexes = append(indexes, i)
		}
	}
	for _, i := range indexes {
		b.states[i] = BlockAllocated
		b.owners[i] = owner
	}
	b.free -= n
	return indexes, nil
}

// Free returns blocks to the free list. Already-free blocks are skipped.
// Block contents are left untouched.
func (b *BlockStore) Free(indexes []int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkRange(indexes); err != nil {
		return err
	}
	for _, i := range indexes {
		if b.states[i] == BlockFree {
			continue
		}
		b.states[i] = BlockFree
		b.owners[i] = ""
		b.free++
	}
	return nil
}

// MarkOccupied flags reserved blocks as holding payload
func (b *BlockStore) MarkOccupied(indexes []int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkRange(indexes); err != nil {
		return err
	}
	for _, i := range indexes {
		if b.states[i] == BlockFree {
			return fmt.Errorf("%w: block %d is free", ErrInvalidBlock, i)
		}
	}
	for _, i := range indexes {
		b.states[i] = BlockOccupied
	}
	return nil
}

// WriteBlock writes data at the block's byte offset, zero-padding to a full block
func (b *BlockStore) WriteBlock(index int, data []byte) error {
	if len(data) > b.blockSize {
		return fmt.Errorf("%d bytes do not fit in a %d-byte block", len(data), b.blockSize)
	}

	b.mu.RLock()
	if err := b.checkRange([]int{index}); err != nil {
		b.mu.RUnlock()
		return err
	}
	state := b.states[index]
	b.mu.RUnlock()
	if state == BlockFree {
		return fmt.Errorf("%w: block %d is not allocated", ErrInvalidBlock, index)
	}

	buf := data
	if len(data) < b.blockSize {
		buf = make([]byte, b.blockSize)
		copy(buf, data)
	}
	if _, err := b.region.WriteAt(buf, b.offset(index)); err != nil {
		return fmt.Errorf("write block %d: %w", index, err)
	}
	return nil
}

// ReadBlock returns the full contents of a block
func (b *BlockStore) ReadBlock(index int) ([]byte, error) {
	b.mu.RLock()
	err := b.checkRange([]int{index})
	b.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, b.blockSize)
	if _, err := b.region.ReadAt(buf, b.offset(index)); err != nil {
		return nil, fmt.Errorf("read block %d: %w", index, err)
	}
	return buf, nil
}

// Stats returns current block usage counts
func (b *BlockStore) Stats() BlockStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := BlockStats{Total: len(b.states), Free: b.free}
	for _, s := range b.states {
		if s == BlockOccupied {
			stats.Occupied++
		}
	}
	stats.Allocated = stats.Total - stats.Free - stats.Occupied
	return stats
}

// Blocks returns a copy of the full block table
func (b *BlockStore) Blocks() []Block {
	b.mu.RLock()
	defer b.mu.RUnlock()

	blocks := make([]Block, len(b.states))
	for i, s := range b.states {
		blocks[i] = Block{
			Index:  i,
			Offset: b.offset(i),
			Size:   b.blockSize,
			State:  s,
			Owner:  b.owners[i],
		}
	}
	return blocks
}

// snapshot captures the block table in its persisted form
func (b *BlockStore) snapshot() []blockRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()

	records := make([]blockRecord, len(b.states))
	for i, s := range b.states {
		records[i] = blockRecord{Index: i, State: s, Owner: b.owners[i]}
	}
	return records
}

// restore replaces the block table with persisted records
func (b *BlockStore) restore(records []blockRecord) error {
	if len(records) != len(b.states) {
		return fmt.Errorf("%w: %d block records for %d blocks", ErrGeometryMismatch, len(records), len(b.states))
	}

	states := make([]BlockState, len(records))
	owners := make([]string, len(records))
	free := 0
	for i, r := range records {
		if r.Index != i {
			return fmt.Errorf("block record %d has index %d", i, r.Index)
		}
		states[i] = r.State
		owners[i] = r.Owner
		if r.State == BlockFree {
			free++
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.states, b.owners, b.free = states, owners, free
	return nil
}

func (b *BlockStore) offset(index int) int64 {
	return int64(index) * int64(b.blockSize)
}

// checkRange must be called with mu held
func (b *BlockStore) checkRange(indexes []int) error {
	for _, i := range indexes {
		if i < 0 || i >= len(b.states) {
			return fmt.Errorf("%w: index %d outside [0, %d)", ErrInvalidBlock, i, len(b.states))
		}
	}
	return nil
}
