package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/cloudsim/internal/cluster"
	"github.com/dreamware/cloudsim/internal/network"
	"github.com/dreamware/cloudsim/internal/node"
	"github.com/dreamware/cloudsim/internal/rpc"
	"github.com/dreamware/cloudsim/internal/storage"
	"github.com/dreamware/cloudsim/internal/transfer"
)

// ClientID is the network identity of the coordinator's own endpoint.
// It is the source of every upload transfer.
const ClientID = "coordinator"

// cleanupTimeout bounds the best-effort deletes after a failed upload
const cleanupTimeout = 10 * time.Second

var (
	// ErrUnknownNode is returned for node ids that are not part of the cluster
	ErrUnknownNode = errors.New("unknown node")

	// ErrNodeRunning is returned by RestartNode for a node that was not stopped
	ErrNodeRunning = errors.New("node is running")
)

// Status is the cluster overview returned by Cluster.Status
type Status struct {
	Nodes     []cluster.NodeInfo `json:"nodes"`
	Network   network.Info       `json:"network"`
	Transfers transfer.Stats     `json:"transfers"`
	Files     int                `json:"files"`
}

// member is one node slot of the cluster
type member struct {
	node    *node.Node
	disk    *storage.Disk
	port    int
	stopped bool
}

// Cluster owns one simulated storage cluster: the shared network, every
// node with its disk, the transfer simulator and the file catalog.
//
// Architecture:
//
//	┌──────────────────────── Cluster ────────────────────────┐
//	│  Placer   Catalog   HealthMonitor   transfer.Simulator  │
//	│     │                                                   │
//	│  rpc.Client ── network.Manager ── node-1 … node-N       │
//	│  (coordinator)   (10.0.0.0/24)      (disk, scheduler)   │
//	└─────────────────────────────────────────────────────────┘
//
// Every node-facing operation is an RPC over the simulated network, so loss,
// retries and liveness apply to the coordinator exactly as to the nodes.
// Several clusters can coexist in one process.
// Thread-safe: All methods are safe for concurrent access.
type Cluster struct {
	cfg      cluster.Config
	net      *network.Manager
	sim      *transfer.Simulator
	client   *rpc.Client
	clientEP *network.Endpoint
	monitor  *HealthMonitor
	placer   *Placer
	catalog  *Catalog
	members  map[string]*member
	ctx      context.Context
	cancel   context.CancelFunc
	order    []string // node ids in creation order
	mu       sync.RWMutex
	closed   bool
}

// Start validates cfg and brings up a cluster of cfg.Nodes nodes named
// node-1 … node-N, listening on BasePort+1 … BasePort+N.
// With cfg.DataDir set every disk lives in DataDir/<node id> and reloads
// whatever was stored there; otherwise disks are in memory.
//
// The nodes run until Shutdown or until ctx is cancelled.
//
// Example:
//
//	c, err := coordinator.Start(ctx, cluster.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Shutdown(context.Background())
func Start(ctx context.Context, cfg cluster.Config) (*Cluster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mgr, err := network.NewManager(network.Config{
		PoolBase:          cfg.Network.PoolBase,
		PoolSize:          cfg.Network.PoolSize,
		AckTimeout:        cfg.Network.AckTimeout,
		MaxRetries:        cfg.Network.MaxRetries,
		LossProbability:   cfg.Network.LossProbability,
		HeartbeatInterval: cfg.Network.HeartbeatInterval,
		SuspectAfter:      cfg.Network.SuspectAfter,
		InboxSize:         cfg.Network.InboxSize,
		Seed:              cfg.Seed,
	})
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithCancel(ctx)
	c := &Cluster{
		cfg: cfg,
		net: mgr,
		sim: transfer.NewSimulator(transfer.Config{
			RateBps:         cfg.Transfer.RateBps,
			Latency:         cfg.Transfer.Latency,
			LossProbability: cfg.Transfer.LossProbability,
			MaxAttempts:     cfg.Transfer.MaxAttempts,
			Seed:            cfg.Seed + 1,
		}),
		placer:  NewPlacer(),
		catalog: NewCatalog(),
		members: make(map[string]*member),
		ctx:     cctx,
		cancel:  cancel,
	}

	for i := 1; i <= cfg.Nodes; i++ {
		id := cluster.NodeID(i)
		m := &member{port: cfg.BasePort + i}
		if err := c.startMember(id, m); err != nil {
			if m.disk != nil {
				m.disk.Close()
			}
			c.Shutdown(context.Background())
			return nil, fmt.Errorf("start %s: %w", id, err)
		}
		c.members[id] = m
		c.order = append(c.order, id)
	}

	c.clientEP, err = mgr.AttachClient(ClientID)
	if err != nil {
		c.Shutdown(context.Background())
		return nil, err
	}
	c.client = rpc.NewClient(c.clientEP, mgr, cfg.RPCTimeout)
	go c.client.Run(cctx)

	c.monitor = NewHealthMonitor(mgr.Liveness(), cfg.Network.HeartbeatInterval)
	c.monitor.SetOnOffline(c.reportOffline)
	go c.monitor.Start(cctx)

	log.Printf("cluster started: %d nodes, %d byte disks, %d byte blocks, %d byte chunks",
		cfg.Nodes, cfg.CapacityBytes, cfg.BlockSize, cfg.ChunkSize)
	return c, nil
}

// startMember opens the member's disk if needed, attaches it to the network and starts its node
func (c *Cluster) startMember(id string, m *member) error {
	if m.disk == nil {
		disk, err := c.openDisk(id)
		if err != nil {
			return err
		}
		m.disk = disk
	}

	ep, err := c.net.Attach(id, m.port)
	if err != nil {
		return err
	}
	n := node.New(ep, m.disk, node.Options{
		Simulator:         c.sim,
		TickInterval:      c.cfg.TickInterval,
		HeartbeatInterval: c.cfg.Network.HeartbeatInterval,
		Peers:             c.onlinePeers,
	})
	if err := n.Start(c.ctx); err != nil {
		ep.Close()
		return err
	}
	m.node = n
	m.stopped = false
	return nil
}

func (c *Cluster) openDisk(id string) (*storage.Disk, error) {
	opts := storage.Options{Capacity: c.cfg.CapacityBytes, BlockSize: c.cfg.BlockSize}
	if c.cfg.DataDir == "" {
		return storage.OpenMemory(id, opts)
	}
	return storage.Open(filepath.Join(c.cfg.DataDir, id), id, opts)
}

// Config returns the configuration the cluster was started with
func (c *Cluster) Config() cluster.Config {
	return c.cfg
}

// ListNodes describes every node in creation order
func (c *Cluster) ListNodes() []cluster.NodeInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]cluster.NodeInfo, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.describe(id, c.members[id]))
	}
	return out
}

// describe builds the status line of one member; mu must be held
func (c *Cluster) describe(id string, m *member) cluster.NodeInfo {
	var lastHB time.Time
	if lv := c.net.Liveness().Get(id); lv != nil {
		lastHB = lv.LastHeartbeat
	}
	return m.node.Info(c.net.Status(id), lastHB)
}

// Status returns nodes, network counters, transfer totals and the file count
func (c *Cluster) Status() Status {
	return Status{
		Nodes:     c.ListNodes(),
		Network:   c.net.Info(),
		Transfers: c.sim.Stats(),
		Files:     len(c.catalog.List()),
	}
}

// Upload reads the file at path and distributes it under its base name
func (c *Cluster) Upload(ctx context.Context, path string) (DistributedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DistributedFile{}, fmt.Errorf("upload %s: %w", path, err)
	}
	return c.UploadBytes(ctx, filepath.Base(path), data)
}

// UploadBytes splits data into chunks and places them round robin across
// Online nodes. Each chunk is moved by a simulated transfer, retried up to
// the transfer attempt limit, and then stored with store_chunk.
//
// Any failed chunk aborts the upload: chunks already placed are deleted on a
// best-effort basis and nothing is added to the catalog.
func (c *Cluster) UploadBytes(ctx context.Context, name string, data []byte) (DistributedFile, error) {
	if err := c.checkOpen(); err != nil {
		return DistributedFile{}, err
	}

	f := DistributedFile{
		ID:        uuid.NewString(),
		Name:      name,
		Size:      int64(len(data)),
		Checksum:  storage.Checksum(data),
		CreatedAt: time.Now().UTC(),
	}

	var placed []Chunk
	for _, sp := range split(f.Size, c.cfg.ChunkSize) {
		piece := data[sp.offset : sp.offset+sp.size]

		host, err := c.placer.Next(c.ListNodes())
		if err != nil {
			c.cleanup(ctx, placed)
			return DistributedFile{}, fmt.Errorf("upload %s: chunk %d: %w", name, sp.index, err)
		}

		ch := Chunk{
			ID:         chunkID(f.ID, sp.index),
			Index:      sp.index,
			Offset:     sp.offset,
			Size:       sp.size,
			HostNodeID: host,
			Checksum:   storage.Checksum(piece),
		}
		if err := c.placeChunk(ctx, f, ch, piece); err != nil {
			c.cleanup(ctx, placed)
			return DistributedFile{}, fmt.Errorf("upload %s: chunk %d: %w", name, sp.index, err)
		}
		placed = append(placed, ch)
	}

	f.Chunks = placed
	c.catalog.Add(f)
	log.Printf("coordinator: uploaded %s as %s (%d bytes, %d chunks)", name, f.ID, f.Size, len(f.Chunks))
	return f.clone(), nil
}

// placeChunk simulates moving the chunk to its host, then stores it there
func (c *Cluster) placeChunk(ctx context.Context, f DistributedFile, ch Chunk, piece []byte) error {
	if err := c.transferChunk(ctx, ch); err != nil {
		return err
	}

	var res node.StoreChunkResult
	return c.client.Call(ctx, ch.HostNodeID, node.MethodStoreChunk, node.StoreChunkParams{
		ChunkID:  ch.ID,
		FileID:   f.ID,
		Name:     fmt.Sprintf("%s#%d", f.Name, ch.Index),
		Checksum: ch.Checksum,
		Data:     piece,
	}, &res)
}

// transferChunk runs transfer attempts until one completes or the attempt limit is hit
func (c *Cluster) transferChunk(ctx context.Context, ch Chunk) error {
	var lastErr error
	for attempt := 1; attempt <= c.sim.MaxAttempts(); attempt++ {
		t, err := c.sim.Start(transfer.Request{
			ChunkID:      ch.ID,
			SourceNodeID: ClientID,
			DestNodeID:   ch.HostNodeID,
			SizeBytes:    ch.Size,
			Attempt:      attempt,
		})
		if err == nil {
			t, err = c.sim.Wait(ctx, t.ID)
		}
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			// Cancelled by the caller; the transfer must not linger InProgress
			_ = c.sim.Cancel(t.ID)
			return err
		}
		lastErr = err
		log.Printf("coordinator: transfer of %s to %s failed (attempt %d/%d): %v",
			ch.ID, ch.HostNodeID, attempt, c.sim.MaxAttempts(), err)
	}
	return lastErr
}

// cleanup deletes chunks of an aborted upload. Failures are logged, not returned.
func (c *Cluster) cleanup(ctx context.Context, placed []Chunk) {
	if len(placed) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	for _, ch := range placed {
		if err := c.client.Call(ctx, ch.HostNodeID, node.MethodDeleteChunk, node.ChunkParams{ChunkID: ch.ID}, nil); err != nil {
			log.Printf("coordinator: cleanup of %s on %s failed: %v", ch.ID, ch.HostNodeID, err)
		}
	}
	log.Printf("coordinator: cleaned up %d chunks of aborted upload", len(placed))
}

// Download fetches every chunk of fileID from its host in order and
// reassembles the file. A host that is Offline or cannot be reached makes
// the whole download fail with ErrChunkUnavailable; there is no repair.
func (c *Cluster) Download(ctx context.Context, fileID string) ([]byte, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	f, err := c.catalog.Get(fileID)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(int(f.Size))
	for _, ch := range f.Chunks {
		data, err := c.fetchChunk(ctx, ch)
		if err != nil {
			return nil, fmt.Errorf("download %s: %w", fileID, err)
		}
		buf.Write(data)
	}

	if sum := storage.Checksum(buf.Bytes()); sum != f.Checksum {
		return nil, fmt.Errorf("download %s: %w: file checksum %s, want %s", fileID, storage.ErrCorrupt, sum, f.Checksum)
	}
	return buf.Bytes(), nil
}

func (c *Cluster) fetchChunk(ctx context.Context, ch Chunk) ([]byte, error) {
	if c.net.Status(ch.HostNodeID) == cluster.StatusOffline {
		return nil, fmt.Errorf("%w: %s: host %s is offline", ErrChunkUnavailable, ch.ID, ch.HostNodeID)
	}

	var res node.FetchChunkResult
	err := c.client.Call(ctx, ch.HostNodeID, node.MethodFetchChunk, node.ChunkParams{ChunkID: ch.ID}, &res)
	switch {
	case errors.Is(err, rpc.ErrUnreachable), errors.Is(err, network.ErrDeliveryFailed), errors.Is(err, rpc.ErrTimeout):
		return nil, fmt.Errorf("%w: %s: %w", ErrChunkUnavailable, ch.ID, err)
	case err != nil:
		return nil, err
	}

	if sum := storage.Checksum(res.Data); sum != ch.Checksum {
		return nil, fmt.Errorf("%w: chunk %s from %s", storage.ErrCorrupt, ch.ID, ch.HostNodeID)
	}
	return res.Data, nil
}

// DeleteFile removes every chunk of fileID from its host, then drops the
// file from the catalog. If any chunk cannot be deleted the file stays
// listed so the delete can be retried; chunks already gone are not an error.
func (c *Cluster) DeleteFile(ctx context.Context, fileID string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	f, err := c.catalog.Get(fileID)
	if err != nil {
		return err
	}

	var errs []error
	for _, ch := range f.Chunks {
		if err := c.client.Call(ctx, ch.HostNodeID, node.MethodDeleteChunk, node.ChunkParams{ChunkID: ch.ID}, nil); err != nil {
			errs = append(errs, fmt.Errorf("chunk %s on %s: %w", ch.ID, ch.HostNodeID, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("delete %s: %w", fileID, err)
	}

	if _, err := c.catalog.Remove(fileID); err != nil {
		return err
	}
	log.Printf("coordinator: deleted %s (%d chunks)", fileID, len(f.Chunks))
	return nil
}

// Files lists the catalog, oldest upload first
func (c *Cluster) Files() []DistributedFile {
	return c.catalog.List()
}

// File returns one catalog entry
func (c *Cluster) File(fileID string) (DistributedFile, error) {
	return c.catalog.Get(fileID)
}

// BlockMap asks nodeID for its block-state table
func (c *Cluster) BlockMap(ctx context.Context, nodeID string) (storage.BlockMap, error) {
	var bm storage.BlockMap
	if err := c.call(ctx, nodeID, node.MethodBlockMap, nil, &bm); err != nil {
		return storage.BlockMap{}, err
	}
	return bm, nil
}

// StorageInfo asks nodeID for its disk utilization
func (c *Cluster) StorageInfo(ctx context.Context, nodeID string) (storage.Info, error) {
	var info storage.Info
	if err := c.call(ctx, nodeID, node.MethodStorageInfo, nil, &info); err != nil {
		return storage.Info{}, err
	}
	return info, nil
}

// onlinePeers answers discover for every node: the Online nodes and their addresses
func (c *Cluster) onlinePeers() map[string]string {
	info := c.net.Info()
	peers := make(map[string]string, info.OnlineNodes)
	for id, status := range info.Statuses {
		if status == cluster.StatusOnline && id != ClientID {
			peers[id] = info.Addresses[id]
		}
	}
	return peers
}

// Ping returns the round-trip time of a ping RPC to nodeID.
// An Offline node fails with rpc.ErrUnreachable without a delivery attempt.
func (c *Cluster) Ping(ctx context.Context, nodeID string) (time.Duration, error) {
	start := time.Now()
	if err := c.call(ctx, nodeID, node.MethodPing, nil, nil); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// RPC invokes any method on nodeID with raw JSON params and returns the raw result
func (c *Cluster) RPC(ctx context.Context, nodeID, method string, params json.RawMessage) (json.RawMessage, error) {
	var p any
	if len(params) > 0 {
		p = params
	}
	var out json.RawMessage
	if err := c.call(ctx, nodeID, method, p, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// call checks that nodeID belongs to the cluster before calling it
func (c *Cluster) call(ctx context.Context, nodeID, method string, params, result any) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	c.mu.RLock()
	_, ok := c.members[nodeID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	return c.client.Call(ctx, nodeID, method, params, result)
}

// Transfers lists every transfer in start order with current progress
func (c *Cluster) Transfers() []transfer.Transfer {
	return c.sim.Transfers()
}

// TransferStats summarizes the transfer history
func (c *Cluster) TransferStats() transfer.Stats {
	return c.sim.Stats()
}

// NetworkInfo returns addresses, statuses and traffic counters
func (c *Cluster) NetworkInfo() network.Info {
	return c.net.Info()
}

// Events returns recent liveness transitions
func (c *Cluster) Events() []StatusEvent {
	return c.monitor.Events()
}

// Node returns the running node with the given id
func (c *Cluster) Node(nodeID string) (*node.Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.members[nodeID]
	if !ok || m.stopped {
		return nil, false
	}
	return m.node, true
}

// StopNode halts nodeID as if it crashed: its endpoint stops accepting
// traffic and its heartbeats stop, so it turns Suspect and then Offline.
// Its disk stays intact for RestartNode.
func (c *Cluster) StopNode(nodeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.members[nodeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	if m.stopped {
		return nil
	}
	m.node.Stop()
	m.stopped = true
	log.Printf("coordinator: stopped %s", nodeID)
	return nil
}

// RestartNode brings a stopped node back on its old address.
// A file-backed disk is closed and reopened from its metadata.
func (c *Cluster) RestartNode(nodeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.members[nodeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	if !m.stopped {
		return fmt.Errorf("%w: %s", ErrNodeRunning, nodeID)
	}
	if c.cfg.DataDir != "" {
		if err := m.disk.Close(); err != nil {
			return fmt.Errorf("close disk of %s: %w", nodeID, err)
		}
		m.disk = nil
	}
	if err := c.startMember(nodeID, m); err != nil {
		return fmt.Errorf("restart %s: %w", nodeID, err)
	}
	log.Printf("coordinator: restarted %s", nodeID)
	return nil
}

// reportOffline logs the chunks that became unavailable with nodeID
func (c *Cluster) reportOffline(nodeID string) {
	if chunks := c.catalog.ChunksOn(nodeID); len(chunks) > 0 {
		log.Printf("coordinator: %s is offline, %d chunks unavailable", nodeID, len(chunks))
	}
}

func (c *Cluster) checkOpen() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return fmt.Errorf("cluster: %w", context.Canceled)
	}
	return nil
}

// Shutdown stops every node's scheduler and closes the disks, which flushes
// their metadata. It returns ctx.Err() if ctx ends before all nodes stop.
// Calling Shutdown twice is a no-op.
func (c *Cluster) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	members := make([]*member, 0, len(c.members))
	for _, id := range c.order {
		members = append(members, c.members[id])
	}
	c.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		if c.monitor != nil {
			c.monitor.Stop()
		}
		var errs []error
		for _, m := range members {
			if m.node != nil && !m.stopped {
				m.node.Stop()
			}
			if m.disk != nil {
				if err := m.disk.Close(); err != nil {
					errs = append(errs, err)
				}
			}
		}
		if c.clientEP != nil {
			c.clientEP.Close()
		}
		c.cancel()
		done <- errors.Join(errs...)
	}()

	select {
	case err := <-done:
		log.Printf("cluster shut down")
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
