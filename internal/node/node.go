package node

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/dreamware/cloudsim/internal/cluster"
	"github.com/dreamware/cloudsim/internal/network"
	"github.com/dreamware/cloudsim/internal/rpc"
	"github.com/dreamware/cloudsim/internal/scheduler"
	"github.com/dreamware/cloudsim/internal/storage"
	"github.com/dreamware/cloudsim/internal/transfer"
)

// Defaults for Options
const (
	DefaultTickInterval  = 10 * time.Millisecond
	DefaultDriveInterval = 100 * time.Millisecond

	// maxStepsPerWake bounds the scheduler steps run after one wakeup
	maxStepsPerWake = 64
)

// ErrAlreadyStarted is returned by Start on a running node
var ErrAlreadyStarted = errors.New("node already started")

// Options configures a node's background work
type Options struct {
	// Simulator is advanced by the transfer-driver process; nil disables it.
	Simulator *transfer.Simulator

	// OnData receives DATA messages; nil counts and discards them.
	OnData func(msg network.Message)

	// Peers returns node id -> address of the Online nodes; nil means none are known.
	Peers func() map[string]string

	// Now is the scheduler clock. Defaults to time.Now.
	Now func() time.Time

	// TickInterval is how often the scheduler runs without inbound traffic.
	TickInterval time.Duration

	// HeartbeatInterval is the sleep of the heartbeat daemon.
	HeartbeatInterval time.Duration

	// DriveInterval is the sleep of the transfer-driver process.
	DriveInterval time.Duration
}

// Node is one virtual storage server.
//
// A node owns its disk exclusively and runs a single goroutine. Inbound
// messages and timer ticks are turned into scheduler processes, and only
// scheduler steps touch the disk, so handlers never run concurrently.
//
// Background processes:
//
//	heartbeat        DAEMON  priority 9  announce liveness every interval
//	transfer-driver  SYSTEM  priority 6  advance transfers arriving here
//	reply:<id>       SYSTEM  priority 7  deliver one RPC response with retries
//	rpc:<method>     USER    priority 5  run one RPC handler
type Node struct {
	// ep is this node's attachment to the simulated network.
	ep *network.Endpoint

	// disk holds every chunk stored on this node.
	// Mutated only from scheduler steps.
	disk *storage.Disk

	// sched interleaves the node's processes.
	// Protected by mu.
	sched *scheduler.Scheduler

	// server holds the RPC handlers and the replay cache.
	server *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	stats  Stats
	opts   Options
	id     string
	mu     sync.Mutex
}

// New creates a stopped node serving disk over ep
func New(ep *network.Endpoint, disk *storage.Disk, opts Options) *Node {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = time.Second
	}
	if opts.DriveInterval <= 0 {
		opts.DriveInterval = DefaultDriveInterval
	}

	n := &Node{
		id:     ep.NodeID(),
		ep:     ep,
		disk:   disk,
		sched:  scheduler.New(ep.NodeID()),
		server: rpc.NewServer(),
		opts:   opts,
	}
	n.registerHandlers()
	return n
}

// ID returns the node id
func (n *Node) ID() string { return n.id }

// Endpoint returns the node's network endpoint
func (n *Node) Endpoint() *network.Endpoint { return n.ep }

// Disk returns the node's disk
func (n *Node) Disk() *storage.Disk { return n.disk }

// Methods lists the RPC methods this node serves
func (n *Node) Methods() []string { return n.server.Methods() }

// Start spawns the background processes and runs the node loop until Stop or ctx ends
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.done != nil {
		return ErrAlreadyStarted
	}
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.done = make(chan struct{})

	if _, err := n.sched.Spawn("heartbeat", scheduler.KindDaemon, priorityHeartbeat, n.heartbeatStep); err != nil {
		return err
	}
	if n.opts.Simulator != nil {
		if _, err := n.sched.Spawn("transfer-driver", scheduler.KindSystem, priorityDriver, n.driveStep); err != nil {
			return err
		}
	}

	go n.run(n.ctx, n.ep.Inbox())
	log.Printf("node[%s] started at %s", n.id, n.ep.Addr())
	return nil
}

// Stop halts the node loop and closes its endpoint, which looks like a crash
// to the rest of the cluster. The disk stays open.
func (n *Node) Stop() {
	n.mu.Lock()
	cancel, done := n.cancel, n.done
	n.mu.Unlock()

	n.ep.Close()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Printf("node[%s] stopped", n.id)
}

func (n *Node) run(ctx context.Context, inbox <-chan network.Message) {
	defer close(n.done)

	ticker := time.NewTicker(n.opts.TickInterval)
	defer ticker.Stop()

	n.step()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-inbox:
			n.receive(msg)
			n.step()
		case <-ticker.C:
			n.step()
		}
	}
}

// step runs scheduler ticks until nothing is ready or the per-wake bound is hit
func (n *Node) step() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i := 0; i < maxStepsPerWake; i++ {
		if _, ran := n.sched.Tick(n.opts.Now()); !ran {
			return
		}
	}
}

// Tick runs exactly one scheduler step outside the node loop
func (n *Node) Tick() (scheduler.ProcessInfo, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sched.Tick(n.opts.Now())
}

// Processes lists the node's live processes
func (n *Node) Processes() []scheduler.ProcessInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sched.Processes()
}

// SchedulerStats returns the scheduler counters
func (n *Node) SchedulerStats() scheduler.Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sched.Stats()
}

// Stats returns the node's operation and traffic counters
func (n *Node) Stats() Stats {
	return n.stats.snapshot()
}

// Info describes the node for status listings
func (n *Node) Info(status cluster.NodeStatus, lastHeartbeat time.Time) cluster.NodeInfo {
	di := n.disk.Info()
	return cluster.NodeInfo{
		ID:            n.id,
		IP:            n.ep.IP(),
		Port:          n.ep.Port(),
		Status:        status,
		LastHeartbeat: lastHeartbeat,
		UsedBytes:     di.UsedBytes,
		CapacityBytes: di.CapacityBytes,
		UsedBlocks:    di.AllocatedBlocks,
		TotalBlocks:   di.TotalBlocks,
		Streams:       di.Streams,
	}
}
