package node

import (
	"errors"
	"time"

	"github.com/dreamware/cloudsim/internal/rpc"
	"github.com/dreamware/cloudsim/internal/scheduler"
	"github.com/dreamware/cloudsim/internal/storage"
)

// RPC method names served by every node
const (
	MethodPing          = "ping"
	MethodStorageInfo   = "get_storage_info"
	MethodStoreChunk    = "store_chunk"
	MethodFetchChunk    = "fetch_chunk"
	MethodDeleteChunk   = "delete_chunk"
	MethodListChunks    = "list_chunks"
	MethodBlockMap      = "block_map"
	MethodListProcesses = "list_processes"
	MethodNodeStats     = "node_stats"
	MethodKillProcess   = "kill_process"
	MethodDiscover      = "discover"
)

// ErrChecksumMismatch is returned when chunk bytes do not match their declared checksum
var ErrChecksumMismatch = errors.New("chunk checksum mismatch")

func init() {
	rpc.RegisterError("out_of_space", storage.ErrOutOfSpace)
	rpc.RegisterError("not_found", storage.ErrNotFound)
	rpc.RegisterError("stream_exists", storage.ErrStreamExists)
	rpc.RegisterError("corrupt", storage.ErrCorrupt)
	rpc.RegisterError("disk_closed", storage.ErrClosed)
	rpc.RegisterError("checksum_mismatch", ErrChecksumMismatch)
	rpc.RegisterError("no_such_process", scheduler.ErrNoSuchProcess)
	rpc.RegisterError("illegal_transition", scheduler.ErrIllegalTransition)
}

// PingResult answers ping
type PingResult struct {
	Time   time.Time `json:"time"`
	NodeID string    `json:"node_id"`
	Addr   string    `json:"addr"`
}

// StoreChunkParams carries one chunk to its host
type StoreChunkParams struct {
	ChunkID  string `json:"chunk_id"`
	FileID   string `json:"file_id"`
	Name     string `json:"name"`
	Checksum string `json:"checksum"`
	Data     []byte `json:"data"`
}

// StoreChunkResult describes where a chunk landed
type StoreChunkResult struct {
	ChunkID   string `json:"chunk_id"`
	Checksum  string `json:"checksum"`
	Blocks    []int  `json:"block_indexes"`
	Size      int64  `json:"size"`
	Duplicate bool   `json:"duplicate"` // already stored with the same checksum
}

// ChunkParams names a chunk
type ChunkParams struct {
	ChunkID string `json:"chunk_id"`
}

// FetchChunkResult returns a chunk's bytes
type FetchChunkResult struct {
	ChunkID  string `json:"chunk_id"`
	Checksum string `json:"checksum"`
	Data     []byte `json:"data"`
}

// StatsResult answers node_stats
type StatsResult struct {
	NodeID    string          `json:"node_id"`
	Stats     Stats           `json:"stats"`
	Scheduler scheduler.Stats `json:"scheduler"`
}

// KillProcessParams names a process on the receiving node
type KillProcessParams struct {
	PID int `json:"pid"`
}

// Peer is another node reachable on the network
type Peer struct {
	NodeID string `json:"node_id"`
	Addr   string `json:"addr"`
}

// DiscoverResult lists the Online peers known to the network, by node id
type DiscoverResult struct {
	NodeID string `json:"node_id"`
	Peers  []Peer `json:"peers"`
}
