package storage

import (
	"bytes"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMemoryRegion tests the sparse in-memory region
func TestMemoryRegion(t *testing.T) {
	t.Run("unwritten bytes read as zeros", func(t *testing.T) {
		region := NewMemoryRegion(4 * memoryPageSize)

		buf := bytes.Repeat([]byte{0xff}, 100)
		n, err := region.ReadAt(buf, 1000)
		require.NoError(t, err)
		assert.Equal(t, 100, n)
		assert.Equal(t, make([]byte, 100), buf)
		assert.Equal(t, 0, region.residentPages())
	})

	t.Run("write spanning pages", func(t *testing.T) {
		region := NewMemoryRegion(4 * memoryPageSize)

		data := bytes.Repeat([]byte("abcdefgh"), 1024)
		off := int64(memoryPageSize - 10)
		_, err := region.WriteAt(data, off)
		require.NoError(t, err)
		assert.Equal(t, 2, region.residentPages())

		got := make([]byte, len(data))
		_, err = region.ReadAt(got, off)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("out of range access", func(t *testing.T) {
		region := NewMemoryRegion(1024)

		_, err := region.WriteAt(make([]byte, 10), 1020)
		assert.ErrorIs(t, err, ErrOutOfRange)
		_, err = region.ReadAt(make([]byte, 1), -1)
		assert.ErrorIs(t, err, ErrOutOfRange)
	})

	t.Run("concurrent writers", func(t *testing.T) {
		region := NewMemoryRegion(16 * memoryPageSize)

		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				page := bytes.Repeat([]byte{byte(i)}, memoryPageSize)
				_, err := region.WriteAt(page, int64(i)*memoryPageSize)
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		for i := 0; i < 16; i++ {
			got := make([]byte, 1)
			_, err := region.ReadAt(got, int64(i)*memoryPageSize+7)
			require.NoError(t, err)
			assert.Equal(t, byte(i), got[0])
		}
	})
}

// TestFileRegion tests the sparse file region
func TestFileRegion(t *testing.T) {
	path := filepath.Join(t.TempDir(), regionFileName)

	region, err := OpenFileRegion(path, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), region.Size())

	_, err = region.WriteAt([]byte("hello"), 4096)
	require.NoError(t, err)
	require.NoError(t, region.Sync())
	require.NoError(t, region.Close())

	// Reopen and read back
	region, err = OpenFileRegion(path, 1<<20)
	require.NoError(t, err)
	defer region.Close()

	got := make([]byte, 5)
	_, err = region.ReadAt(got, 4096)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	_, err = region.ReadAt(got, 1<<20-2)
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = OpenFileRegion(filepath.Join(t.TempDir(), "bad.img"), 0)
	assert.Error(t, err)
}
