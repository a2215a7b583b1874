package storage

import (
	"encoding/json"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBlockStore(t *testing.T, blocks int) *BlockStore {
	t.Helper()
	store, err := NewBlockStore(NewMemoryRegion(int64(blocks*DefaultBlockSize)), DefaultBlockSize)
	require.NoError(t, err)
	return store
}

// TestNewBlockStore tests geometry derivation
func TestNewBlockStore(t *testing.T) {
	tests := []struct {
		name      string
		capacity  int64
		blockSize int
		want      int
		wantErr   bool
	}{
		{name: "default geometry", capacity: DefaultCapacity, blockSize: DefaultBlockSize, want: 32768},
		{name: "partial trailing block ignored", capacity: 3*DefaultBlockSize + 100, blockSize: DefaultBlockSize, want: 3},
		{name: "zero block size", capacity: 1 << 20, blockSize: 0, wantErr: true},
		{name: "region smaller than a block", capacity: 100, blockSize: DefaultBlockSize, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := NewBlockStore(NewMemoryRegion(tt.capacity), tt.blockSize)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, store.BlockCount())
			assert.Equal(t, BlockStats{Total: tt.want, Free: tt.want}, store.Stats())
		})
	}
}

// TestAllocate tests first-fit allocation
func TestAllocate(t *testing.T) {
	t.Run("lowest indexes first", func(t *testing.T) {
		store := newTestBlockStore(t, 8)

		got, err := store.Allocate(3, "a")
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1, 2}, got)

		got, err = store.Allocate(2, "b")
		require.NoError(t, err)
		assert.Equal(t, []int{3, 4}, got)
	})

	t.Run("reuses holes before the tail", func(t *testing.T) {
		store := newTestBlockStore(t, 8)

		_, err := store.Allocate(6, "a")
		require.NoError(t, err)
		require.NoError(t, store.Free([]int{1, 3}))

		got, err := store.Allocate(3, "b")
		require.NoError(t, err)
		assert.Equal(t, []int{1, 3, 6}, got)
	})

	t.Run("out of space is all-or-nothing", func(t *testing.T) {
		store := newTestBlockStore(t, 4)

		_, err := store.Allocate(3, "a")
		require.NoError(t, err)

		_, err = store.Allocate(2, "b")
		assert.ErrorIs(t, err, ErrOutOfSpace)
		assert.Equal(t, BlockStats{Total: 4, Free: 1, Allocated: 3}, store.Stats())
	})

	t.Run("zero blocks", func(t *testing.T) {
		store := newTestBlockStore(t, 4)

		got, err := store.Allocate(0, "a")
		require.NoError(t, err)
		assert.Empty(t, got)
		assert.Equal(t, 4, store.Stats().Free)
	})

	t.Run("negative count", func(t *testing.T) {
		store := newTestBlockStore(t, 4)

		_, err := store.Allocate(-1, "a")
		assert.Error(t, err)
	})
}

// TestFree tests returning blocks to the free list
func TestFree(t *testing.T) {
	store := newTestBlockStore(t, 4)

	idx, err := store.Allocate(2, "a")
	require.NoError(t, err)

	require.NoError(t, store.Free(idx))
	assert.Equal(t, 4, store.Stats().Free)

	// Freeing again is a no-op
	require.NoError(t, store.Free(idx))
	assert.Equal(t, 4, store.Stats().Free)

	assert.ErrorIs(t, store.Free([]int{9}), ErrInvalidBlock)

	for _, b := range store.Blocks() {
		assert.Equal(t, BlockFree, b.State)
		assert.Empty(t, b.Owner)
	}
}

// TestBlockAccountingInvariant drives random allocate/free sequences and
// checks used + free == total after every step
func TestBlockAccountingInvariant(t *testing.T) {
	const total = 64
	store := newTestBlockStore(t, total)
	rng := rand.New(rand.NewPCG(1, 2))

	var held [][]int
	for step := 0; step < 500; step++ {
		if len(held) > 0 && rng.IntN(2) == 0 {
			i := rng.IntN(len(held))
			require.NoError(t, store.Free(held[i]))
			held = append(held[:i], held[i+1:]...)
		} else {
			idx, err := store.Allocate(rng.IntN(8)+1, "s")
			if err != nil {
				require.ErrorIs(t, err, ErrOutOfSpace)
			} else {
				held = append(held, idx)
			}
		}

		stats := store.Stats()
		require.Equal(t, total, stats.Used()+stats.Free, "step %d", step)

		inUse := 0
		for _, h := range held {
			inUse += len(h)
		}
		require.Equal(t, inUse, stats.Used(), "step %d", step)
	}
}

// TestBlockIO tests reading and writing block payloads
func TestBlockIO(t *testing.T) {
	store := newTestBlockStore(t, 4)

	// Writing a free block is rejected
	assert.ErrorIs(t, store.WriteBlock(0, []byte("x")), ErrInvalidBlock)

	idx, err := store.Allocate(1, "a")
	require.NoError(t, err)

	require.NoError(t, store.WriteBlock(idx[0], []byte("payload")))
	got, err := store.ReadBlock(idx[0])
	require.NoError(t, err)
	assert.Len(t, got, DefaultBlockSize)
	assert.Equal(t, "payload", string(got[:7]))
	assert.Equal(t, make([]byte, DefaultBlockSize-7), got[7:], "tail is zero padded")

	assert.Error(t, store.WriteBlock(idx[0], make([]byte, DefaultBlockSize+1)))

	require.NoError(t, store.MarkOccupied(idx))
	assert.Equal(t, BlockStats{Total: 4, Free: 3, Occupied: 1}, store.Stats())
	assert.ErrorIs(t, store.MarkOccupied([]int{3}), ErrInvalidBlock)
}

// TestBlockStateJSON tests that states are persisted by name
func TestBlockStateJSON(t *testing.T) {
	data, err := json.Marshal(Block{Index: 1, State: BlockOccupied, Owner: "s1"})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"OCCUPIED"`)

	var b Block
	require.NoError(t, json.Unmarshal(data, &b))
	assert.Equal(t, BlockOccupied, b.State)

	assert.Error(t, json.Unmarshal([]byte(`{"state":"BROKEN"}`), &b))
	assert.Equal(t, "BlockState(7)", BlockState(7).String())
}
