package storage

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// ErrOutOfRange is returned when an access falls outside the region
var ErrOutOfRange = errors.New("access outside region")

// Region is the byte-addressable backing area of a virtual disk.
// All implementations must be thread-safe for concurrent access
type Region interface {
	// ReadAt reads len(p) bytes starting at off
	ReadAt(p []byte, off int64) (int, error)

	// WriteAt writes p starting at off
	WriteAt(p []byte, off int64) (int, error)

	// Size returns the fixed capacity of the region in bytes
	Size() int64

	// Sync flushes buffered writes to stable storage
	Sync() error

	// Close releases the region
	Close() error
}

// FileRegion implements Region over a sparse file on the host filesystem.
// This is the "disk.img" of a virtual node.
type FileRegion struct {
	f    *os.File
	size int64
}

// OpenFileRegion opens (or creates) the file at path and sizes it to size bytes.
// The file is truncated rather than written so the host only pays for blocks
// that are actually used.
func OpenFileRegion(path string, size int64) (*FileRegion, error) {
	if size <= 0 {
		return nil, fmt.Errorf("region size must be positive, got %d", size)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open region %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat region %s: %w", path, err)
	}
	if info.Size() != size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("size region %s: %w", path, err)
		}
	}
	return &FileRegion{f: f, size: size}, nil
}

// ReadAt reads from the backing file
func (r *FileRegion) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > r.size {
		return 0, ErrOutOfRange
	}
	return r.f.ReadAt(p, off)
}

// WriteAt writes to the backing file
func (r *FileRegion) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > r.size {
		return 0, ErrOutOfRange
	}
	return r.f.WriteAt(p, off)
}

// Size returns the region capacity
func (r *FileRegion) Size() int64 { return r.size }

// Sync flushes the backing file
func (r *FileRegion) Sync() error { return r.f.Sync() }

// Close closes the backing file
func (r *FileRegion) Close() error { return r.f.Close() }

// memoryPageSize is the granularity of MemoryRegion's sparse pages
const memoryPageSize = 64 * 1024

// MemoryRegion implements Region with sparse in-memory pages.
// Pages are created on first write; unwritten ranges read as zeros.
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryRegion struct {
	mu    sync.RWMutex
	pages map[int64][]byte // page number -> page bytes
	size  int64
}

// NewMemoryRegion creates a sparse in-memory region of the given size
func NewMemoryRegion(size int64) *MemoryRegion {
	return &MemoryRegion{
		pages: make(map[int64][]byte),
		size:  size,
	}
}

// ReadAt copies bytes out of the sparse pages
func (m *MemoryRegion) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > m.size {
		return 0, ErrOutOfRange
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for n < len(p) {
		pos := off + int64(n)
		pageNum, pageOff := pos/memoryPageSize, pos%memoryPageSize
		span := min(int64(len(p)-n), memoryPageSize-pageOff)
		if page, ok := m.pages[pageNum]; ok {
			copy(p[n:n+int(span)], page[pageOff:pageOff+span])
		} else {
			clear(p[n : n+int(span)])
		}
		n += int(span)
	}
	return n, nil
}

// WriteAt copies bytes into the sparse pages, allocating them as needed
func (m *MemoryRegion) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > m.size {
		return 0, ErrOutOfRange
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for n < len(p) {
		pos := off + int64(n)
		pageNum, pageOff := pos/memoryPageSize, pos%memoryPageSize
		span := min(int64(len(p)-n), memoryPageSize-pageOff)
		page, ok := m.pages[pageNum]
		if !ok {
			page = make([]byte, memoryPageSize)
			m.pages[pageNum] = page
		}
		copy(page[pageOff:pageOff+span], p[n:n+int(span)])
		n += int(span)
	}
	return n, nil
}

// Size returns the region capacity
func (m *MemoryRegion) Size() int64 { return m.size }

// Sync is a no-op for memory regions
func (m *MemoryRegion) Sync() error { return nil }

// Close drops all pages
func (m *MemoryRegion) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages = make(map[int64][]byte)
	return nil
}

// residentPages reports how many pages have been materialized
func (m *MemoryRegion) residentPages() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pages)
}
