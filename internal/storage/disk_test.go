package storage

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return buf
}

func newMemoryDisk(t *testing.T, blocks int) *Disk {
	t.Helper()
	d, err := OpenMemory("node-1", Options{Capacity: int64(blocks * DefaultBlockSize)})
	require.NoError(t, err)
	return d
}

// TestDiskGeometry tests the default disk shape
func TestDiskGeometry(t *testing.T) {
	d, err := Open(t.TempDir(), "node-1", Options{})
	require.NoError(t, err)
	defer d.Close()

	info := d.Info()
	assert.Equal(t, DefaultCapacity, info.CapacityBytes)
	assert.Equal(t, 32768, info.TotalBlocks)
	assert.Equal(t, 32768, info.FreeBlocks)

	// 65537 bytes spill one byte into a second block
	s, err := d.Write("s1", "s1", randomBytes(t, 65537))
	require.NoError(t, err)
	assert.Len(t, s.Blocks, 2)
	assert.Equal(t, 2, d.Info().AllocatedBlocks)
}

// TestDiskRoundTrip tests that reading returns exactly what was written
func TestDiskRoundTrip(t *testing.T) {
	sizes := []int{0, 1, DefaultBlockSize - 1, DefaultBlockSize, DefaultBlockSize + 1, 5*DefaultBlockSize + 123}

	d := newMemoryDisk(t, 32)
	for _, size := range sizes {
		data := randomBytes(t, size)
		id := fmt.Sprintf("s-%d", size)

		s, err := d.Write(id, "file", data)
		require.NoError(t, err, "size %d", size)
		assert.Equal(t, int64(size), s.Size)
		assert.Len(t, s.Blocks, (size+DefaultBlockSize-1)/DefaultBlockSize)

		got, err := d.Read(id)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(data, got), "size %d round trip", size)

		require.NoError(t, d.Delete(id))
	}
	assert.Equal(t, 32, d.Info().FreeBlocks)
}

// TestDiskErrors tests error categories
func TestDiskErrors(t *testing.T) {
	d := newMemoryDisk(t, 4)

	_, err := d.Read("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, d.Delete("missing"), ErrNotFound)
	_, err = d.Stat("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = d.Write("big", "big", make([]byte, 5*DefaultBlockSize))
	assert.ErrorIs(t, err, ErrOutOfSpace)
	assert.Equal(t, 4, d.Info().FreeBlocks, "failed write allocates nothing")

	_, err = d.Write("s", "s", []byte("x"))
	require.NoError(t, err)
	_, err = d.Write("s", "s", []byte("y"))
	assert.ErrorIs(t, err, ErrStreamExists)

	require.NoError(t, d.Close())
	_, err = d.Read("s")
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, d.Close(), "second close is a no-op")
}

// TestDiskDeleteReusesBlocks tests that deleted blocks serve later writes
func TestDiskDeleteReusesBlocks(t *testing.T) {
	d := newMemoryDisk(t, 4)

	first, err := d.Write("a", "a", make([]byte, 3*DefaultBlockSize))
	require.NoError(t, err)
	_, err = d.Write("b", "b", make([]byte, 2*DefaultBlockSize))
	assert.ErrorIs(t, err, ErrOutOfSpace)

	require.NoError(t, d.Delete("a"))

	second, err := d.Write("b", "b", make([]byte, 2*DefaultBlockSize))
	require.NoError(t, err)
	assert.Equal(t, first.Blocks[:2], second.Blocks)
}

// TestDiskNonContiguousStream tests reassembly across scattered blocks
func TestDiskNonContiguousStream(t *testing.T) {
	d := newMemoryDisk(t, 6)

	for _, id := range []string{"a", "b", "c"} {
		_, err := d.Write(id, id, make([]byte, DefaultBlockSize))
		require.NoError(t, err)
	}
	require.NoError(t, d.Delete("a"))
	require.NoError(t, d.Delete("c"))

	data := randomBytes(t, 3*DefaultBlockSize+10)
	s, err := d.Write("x", "x", data)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 3, 4}, s.Blocks)

	got, err := d.Read("x")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

// TestDiskUsageInvariant tests that non-free blocks match the streams' needs
func TestDiskUsageInvariant(t *testing.T) {
	d := newMemoryDisk(t, 64)

	sizes := map[string]int{"a": 10, "b": DefaultBlockSize * 3, "c": DefaultBlockSize*2 + 1}
	wantBlocks := 0
	var wantBytes int64
	for id, size := range sizes {
		_, err := d.Write(id, id, make([]byte, size))
		require.NoError(t, err)
		wantBlocks += (size + DefaultBlockSize - 1) / DefaultBlockSize
		wantBytes += int64(size)
	}

	info := d.Info()
	assert.Equal(t, wantBlocks, info.AllocatedBlocks)
	assert.Equal(t, wantBlocks, info.OccupiedBlocks)
	assert.Equal(t, wantBytes, info.UsedBytes)
	assert.Equal(t, 3, info.Streams)

	bm := d.BlockMap()
	owned := 0
	for _, b := range bm.Blocks {
		if b.State != BlockFree {
			owned++
			assert.Contains(t, sizes, b.Owner)
		}
	}
	assert.Equal(t, wantBlocks, owned)
}

// TestDiskPersistence tests that reopening reproduces an identical block map
func TestDiskPersistence(t *testing.T) {
	dir := t.TempDir()
	opts := Options{Capacity: 16 * DefaultBlockSize}

	d, err := Open(dir, "node-1", opts)
	require.NoError(t, err)

	payloads := map[string][]byte{
		"a": randomBytes(t, DefaultBlockSize+5),
		"b": randomBytes(t, 10),
		"c": randomBytes(t, 3*DefaultBlockSize),
	}
	for _, id := range []string{"a", "b", "c"} {
		_, err := d.Write(id, "name-"+id, payloads[id])
		require.NoError(t, err)
	}
	require.NoError(t, d.Delete("b"))

	wantMap := d.BlockMap()
	wantStreams := d.Streams()
	require.NoError(t, d.Close())

	_, err = os.Stat(filepath.Join(dir, metadataFileName))
	require.NoError(t, err)

	reopened, err := Open(dir, "node-1", opts)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, wantMap, reopened.BlockMap())
	gotStreams := reopened.Streams()
	require.Len(t, gotStreams, len(wantStreams))
	for i := range wantStreams {
		assert.Equal(t, wantStreams[i].ID, gotStreams[i].ID)
		assert.Equal(t, wantStreams[i].Blocks, gotStreams[i].Blocks)
		assert.Equal(t, wantStreams[i].Size, gotStreams[i].Size)
		assert.Equal(t, wantStreams[i].Checksum, gotStreams[i].Checksum)
	}

	for _, id := range []string{"a", "c"} {
		got, err := reopened.Read(id)
		require.NoError(t, err)
		assert.Equal(t, payloads[id], got)
	}
	_, err = reopened.Read("b")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestDiskGeometryMismatch tests that metadata for another shape is rejected
func TestDiskGeometryMismatch(t *testing.T) {
	dir := t.TempDir()

	d, err := Open(dir, "node-1", Options{Capacity: 8 * DefaultBlockSize})
	require.NoError(t, err)
	require.NoError(t, d.Close())

	_, err = Open(dir, "node-1", Options{Capacity: 16 * DefaultBlockSize})
	assert.ErrorIs(t, err, ErrGeometryMismatch)
}

// TestDiskDetectsCorruption tests checksum verification on read
func TestDiskDetectsCorruption(t *testing.T) {
	d := newMemoryDisk(t, 4)

	s, err := d.Write("a", "a", []byte("important"))
	require.NoError(t, err)

	_, err = d.region.WriteAt([]byte("IMPORTANT"), int64(s.Blocks[0])*DefaultBlockSize)
	require.NoError(t, err)

	_, err = d.Read("a")
	assert.ErrorIs(t, err, ErrCorrupt)
}
