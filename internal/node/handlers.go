package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"golang.org/x/exp/slices"

	"github.com/dreamware/cloudsim/internal/rpc"
	"github.com/dreamware/cloudsim/internal/storage"
)

func (n *Node) registerHandlers() {
	n.server.Handle(MethodPing, n.handlePing)
	n.server.Handle(MethodStorageInfo, n.handleStorageInfo)
	n.server.Handle(MethodStoreChunk, n.handleStoreChunk)
	n.server.Handle(MethodFetchChunk, n.handleFetchChunk)
	n.server.Handle(MethodDeleteChunk, n.handleDeleteChunk)
	n.server.Handle(MethodListChunks, n.handleListChunks)
	n.server.Handle(MethodBlockMap, n.handleBlockMap)
	n.server.Handle(MethodListProcesses, n.handleListProcesses)
	n.server.Handle(MethodNodeStats, n.handleNodeStats)
	n.server.Handle(MethodKillProcess, n.handleKillProcess)
	n.server.Handle(MethodDiscover, n.handleDiscover)
}

func (n *Node) handlePing(ctx context.Context, _ json.RawMessage) (any, error) {
	return PingResult{NodeID: n.id, Addr: n.ep.Addr(), Time: n.opts.Now()}, nil
}

func (n *Node) handleStorageInfo(ctx context.Context, _ json.RawMessage) (any, error) {
	return n.disk.Info(), nil
}

// handleStoreChunk writes a chunk as a stream named by its chunk id.
// Storing the same chunk id with the same checksum again succeeds without writing.
func (n *Node) handleStoreChunk(ctx context.Context, raw json.RawMessage) (any, error) {
	var p StoreChunkParams
	if err := rpc.Params(raw, &p); err != nil {
		return nil, err
	}
	if p.ChunkID == "" {
		return nil, fmt.Errorf("%w: missing chunk_id", rpc.ErrBadParams)
	}
	sum := storage.Checksum(p.Data)
	if p.Checksum != "" && p.Checksum != sum {
		return nil, fmt.Errorf("%w: chunk %s", ErrChecksumMismatch, p.ChunkID)
	}

	if existing, err := n.disk.Stat(p.ChunkID); err == nil {
		if existing.Checksum != sum {
			return nil, fmt.Errorf("%w: chunk %s with different content", storage.ErrStreamExists, p.ChunkID)
		}
		return storeResult(existing, true), nil
	}

	name := p.Name
	if name == "" {
		name = p.ChunkID
	}
	s, err := n.disk.Write(p.ChunkID, name, p.Data)
	if err != nil {
		return nil, fmt.Errorf("store chunk %s: %w", p.ChunkID, err)
	}
	atomic.AddUint64(&n.stats.Ops.ChunksStored, 1)
	atomic.AddUint64(&n.stats.Traffic.BytesIn, uint64(len(p.Data)))
	return storeResult(s, false), nil
}

func storeResult(s storage.Stream, duplicate bool) StoreChunkResult {
	return StoreChunkResult{
		ChunkID:   s.ID,
		Checksum:  s.Checksum,
		Blocks:    s.Blocks,
		Size:      s.Size,
		Duplicate: duplicate,
	}
}

func (n *Node) handleFetchChunk(ctx context.Context, raw json.RawMessage) (any, error) {
	var p ChunkParams
	if err := rpc.Params(raw, &p); err != nil {
		return nil, err
	}
	s, err := n.disk.Stat(p.ChunkID)
	if err != nil {
		return nil, err
	}
	data, err := n.disk.Read(p.ChunkID)
	if err != nil {
		return nil, err
	}
	atomic.AddUint64(&n.stats.Ops.ChunksServed, 1)
	return FetchChunkResult{ChunkID: s.ID, Checksum: s.Checksum, Data: data}, nil
}

// handleDeleteChunk frees a chunk. Deleting a missing chunk succeeds so cleanup can be retried.
func (n *Node) handleDeleteChunk(ctx context.Context, raw json.RawMessage) (any, error) {
	var p ChunkParams
	if err := rpc.Params(raw, &p); err != nil {
		return nil, err
	}
	err := n.disk.Delete(p.ChunkID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return map[string]bool{"deleted": false}, nil
	case err != nil:
		return nil, err
	}
	atomic.AddUint64(&n.stats.Ops.ChunksDeleted, 1)
	return map[string]bool{"deleted": true}, nil
}

func (n *Node) handleListChunks(ctx context.Context, _ json.RawMessage) (any, error) {
	return n.disk.Streams(), nil
}

func (n *Node) handleBlockMap(ctx context.Context, _ json.RawMessage) (any, error) {
	return n.disk.BlockMap(), nil
}

// handleListProcesses runs inside a scheduler step, so the node lock is already held
func (n *Node) handleListProcesses(ctx context.Context, _ json.RawMessage) (any, error) {
	return n.sched.Processes(), nil
}

func (n *Node) handleNodeStats(ctx context.Context, _ json.RawMessage) (any, error) {
	return StatsResult{
		NodeID:    n.id,
		Stats:     n.stats.snapshot(),
		Scheduler: n.sched.Stats(),
	}, nil
}

// handleKillProcess fails a Ready or Waiting process. The calling RPC process
// is the one Running, so it can never kill itself.
func (n *Node) handleKillProcess(ctx context.Context, raw json.RawMessage) (any, error) {
	var p KillProcessParams
	if err := rpc.Params(raw, &p); err != nil {
		return nil, err
	}
	if p.PID <= 0 {
		return nil, fmt.Errorf("%w: pid must be positive", rpc.ErrBadParams)
	}
	info, err := n.sched.Kill(p.PID)
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (n *Node) handleDiscover(ctx context.Context, _ json.RawMessage) (any, error) {
	res := DiscoverResult{NodeID: n.id, Peers: []Peer{}}
	if n.opts.Peers == nil {
		return res, nil
	}
	for id, addr := range n.opts.Peers() {
		if id == n.id {
			continue
		}
		res.Peers = append(res.Peers, Peer{NodeID: id, Addr: addr})
	}
	slices.SortFunc(res.Peers, func(a, b Peer) int { return strings.Compare(a.NodeID, b.NodeID) })
	return res, nil
}
