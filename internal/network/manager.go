package network

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreamware/cloudsim/internal/cluster"
)

var (
	// ErrDeliveryFailed is returned when a message is not acknowledged after every retry
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrUnknownAddress is returned when no endpoint holds the destination address
	ErrUnknownAddress = errors.New("unknown address")

	// ErrEndpointClosed is returned when sending from a closed endpoint
	ErrEndpointClosed = errors.New("endpoint closed")

	// ErrAlreadyAttached is returned when attaching a node that has an open endpoint
	ErrAlreadyAttached = errors.New("node already attached")

	// errDropped marks a message lost in transit; never returned to callers
	errDropped = errors.New("message dropped")
)

// Config tunes the simulated network
type Config struct {
	PoolBase          string
	PoolSize          int
	AckTimeout        time.Duration // first ack wait; doubles per retry
	MaxRetries        int
	LossProbability   float64
	HeartbeatInterval time.Duration
	SuspectAfter      int
	InboxSize         int
	Seed              uint64
}

func (c Config) withDefaults() Config {
	if c.PoolBase == "" {
		c.PoolBase = "10.0.0.0"
	}
	if c.PoolSize == 0 {
		c.PoolSize = 254
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 200 * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Second
	}
	if c.SuspectAfter <= 0 {
		c.SuspectAfter = 3
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 256
	}
	return c
}

// Stats counts traffic through the manager
type Stats struct {
	Sent       uint64 `json:"sent"`
	Delivered  uint64 `json:"delivered"`
	Dropped    uint64 `json:"dropped"`
	Retries    uint64 `json:"retries"`
	Acked      uint64 `json:"acked"`
	Heartbeats uint64 `json:"heartbeats"`
	Failed     uint64 `json:"failed"`
}

// Info summarizes the network for status displays
type Info struct {
	Statuses    map[string]cluster.NodeStatus `json:"statuses"`
	Addresses   map[string]string             `json:"addresses"` // node id -> ip:port
	Stats       Stats                         `json:"stats"`
	TotalNodes  int                           `json:"total_nodes"`
	OnlineNodes int                           `json:"online_nodes"`
	PoolInUse   int                           `json:"pool_in_use"`
	PoolSize    int                           `json:"pool_size"`
	Loss        float64                       `json:"loss_probability"`
}

// Manager is the in-process network shared by every node of one cluster.
// It owns addressing, delivery with acknowledgment and retry, loss injection,
// and the liveness registry fed by heartbeats.
// Thread-safe: All methods are safe for concurrent access.
type Manager struct {
	pool     *IPPool
	liveness *Liveness
	byIP     map[string]*Endpoint
	byNode   map[string]*Endpoint
	pending  map[string]chan struct{} // message id -> ack signal
	rng      *rand.Rand
	now      func() time.Time
	cfg      Config
	mu       sync.RWMutex
	pmu      sync.Mutex
	rngMu    sync.Mutex

	sent, delivered, dropped, retries, acked, heartbeats, failed atomic.Uint64
}

// Option customizes a Manager
type Option func(*Manager)

// WithClock replaces time.Now for message timestamps and liveness
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a network with an empty address table
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	cfg = cfg.withDefaults()
	if cfg.LossProbability < 0 || cfg.LossProbability >= 1 {
		return nil, fmt.Errorf("loss probability %v out of range [0,1)", cfg.LossProbability)
	}
	pool, err := NewIPPool(cfg.PoolBase, cfg.PoolSize)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:     cfg,
		pool:    pool,
		byIP:    make(map[string]*Endpoint),
		byNode:  make(map[string]*Endpoint),
		pending: make(map[string]chan struct{}),
		rng:     rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.liveness = NewLiveness(cfg.HeartbeatInterval, cfg.SuspectAfter, m.now)
	return m, nil
}

// Liveness returns the heartbeat registry
func (m *Manager) Liveness() *Liveness {
	return m.liveness
}

// HeartbeatInterval returns the configured heartbeat period
func (m *Manager) HeartbeatInterval() time.Duration {
	return m.cfg.HeartbeatInterval
}

// Attach gives nodeID an address and an inbox, and starts tracking its liveness.
// Attaching a node whose endpoint was closed reopens it on the same address.
func (m *Manager) Attach(nodeID string, port int) (*Endpoint, error) {
	ep, err := m.attach(nodeID, port)
	if err != nil {
		return nil, err
	}
	m.liveness.Track(nodeID)
	return ep, nil
}

// AttachClient attaches an endpoint that is not liveness-tracked, such as the coordinator
func (m *Manager) AttachClient(id string) (*Endpoint, error) {
	return m.attach(id, 0)
}

func (m *Manager) attach(nodeID string, port int) (*Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ep, ok := m.byNode[nodeID]; ok {
		if !ep.Closed() {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyAttached, nodeID)
		}
		ep.reopen(m.cfg.InboxSize)
		log.Printf("network: reattached %s at %s", nodeID, ep.Addr())
		return ep, nil
	}

	ip, err := m.pool.Allocate(nodeID)
	if err != nil {
		return nil, err
	}
	ep := newEndpoint(m, nodeID, ip, port, m.cfg.InboxSize)
	m.byIP[ip] = ep
	m.byNode[nodeID] = ep
	return ep, nil
}

// Detach closes nodeID's endpoint and returns its address to the pool
func (m *Manager) Detach(nodeID string) {
	m.mu.Lock()
	ep, ok := m.byNode[nodeID]
	if ok {
		delete(m.byNode, nodeID)
		delete(m.byIP, ep.ip)
		m.pool.Release(nodeID)
	}
	m.mu.Unlock()

	if ok {
		ep.Close()
	}
	m.liveness.Forget(nodeID)
}

// Endpoint returns nodeID's endpoint
func (m *Manager) Endpoint(nodeID string) (*Endpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.byNode[nodeID]
	return ep, ok
}

// Address returns nodeID's ip
func (m *Manager) Address(nodeID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.byNode[nodeID]
	if !ok {
		return "", false
	}
	return ep.ip, true
}

// NodeFor returns the node holding ip
func (m *Manager) NodeFor(ip string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.byIP[ip]
	if !ok {
		return "", false
	}
	return ep.nodeID, true
}

// Status returns nodeID's liveness state. Untracked endpoints are reported Online.
func (m *Manager) Status(nodeID string) cluster.NodeStatus {
	if s, ok := m.liveness.Status(nodeID); ok {
		return s
	}
	return cluster.StatusOnline
}

// Send moves msg to its destination.
// Messages that require an ack are retransmitted with doubling waits
// (AckTimeout, 2*AckTimeout, ...) until acknowledged or MaxRetries is
// exhausted, which returns ErrDeliveryFailed. Cancelling ctx stops retries.
// Unacknowledged messages are fire-and-forget: loss is silent.
func (m *Manager) Send(ctx context.Context, msg Message) error {
	if msg.ID == "" {
		return fmt.Errorf("send %s: message has no id", msg.Type)
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = m.now()
	}

	if !msg.RequiresAck {
		if err := m.deliver(msg); err != nil && !errors.Is(err, errDropped) {
			return err
		}
		return nil
	}

	acked := make(chan struct{}, 1)
	m.pmu.Lock()
	m.pending[msg.ID] = acked
	m.pmu.Unlock()
	defer func() {
		m.pmu.Lock()
		delete(m.pending, msg.ID)
		m.pmu.Unlock()
	}()

	wait := m.cfg.AckTimeout
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			m.retries.Add(1)
		}
		if err := m.deliver(msg); err != nil && !errors.Is(err, errDropped) {
			return err
		}

		timer := time.NewTimer(wait)
		select {
		case <-acked:
			timer.Stop()
			return nil
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		wait *= 2
	}

	m.failed.Add(1)
	return fmt.Errorf("%w: %s after %d attempts", ErrDeliveryFailed, msg, m.cfg.MaxRetries+1)
}

// deliver performs one transmission attempt
func (m *Manager) deliver(msg Message) error {
	m.sent.Add(1)

	if msg.Type == MessageHeartbeat {
		if nodeID, ok := m.NodeFor(msg.SourceIP); ok {
			m.heartbeats.Add(1)
			m.liveness.RecordHeartbeat(nodeID)
		}
		return nil
	}

	if msg.Type.lossy() && m.lose() {
		m.dropped.Add(1)
		return errDropped
	}

	m.mu.RLock()
	dest, ok := m.byIP[msg.DestIP]
	src, srcOK := m.byIP[msg.SourceIP]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAddress, msg.DestIP)
	}
	if dest.Closed() {
		m.dropped.Add(1)
		return errDropped
	}
	if srcOK {
		m.liveness.Observe(src.nodeID)
	}

	if msg.Type == MessageAck {
		m.resolve(msg.CorrelationID)
		return nil
	}

	if !dest.enqueue(msg) {
		m.dropped.Add(1)
		return errDropped
	}
	m.delivered.Add(1)

	if msg.RequiresAck {
		ack := NewMessage(MessageAck, dest.ip, msg.SourceIP, nil)
		ack.CorrelationID = msg.ID
		ack.SentAt = m.now()
		_ = m.deliver(ack)
	}
	return nil
}

func (m *Manager) resolve(messageID string) {
	m.pmu.Lock()
	ch, ok := m.pending[messageID]
	m.pmu.Unlock()
	if !ok {
		return
	}
	m.acked.Add(1)
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (m *Manager) lose() bool {
	if m.cfg.LossProbability == 0 {
		return false
	}
	m.rngMu.Lock()
	defer m.rngMu.Unlock()
	return m.rng.Float64() < m.cfg.LossProbability
}

// Stats returns the traffic counters
func (m *Manager) Stats() Stats {
	return Stats{
		Sent:       m.sent.Load(),
		Delivered:  m.delivered.Load(),
		Dropped:    m.dropped.Load(),
		Retries:    m.retries.Load(),
		Acked:      m.acked.Load(),
		Heartbeats: m.heartbeats.Load(),
		Failed:     m.failed.Load(),
	}
}

// Info returns addresses, statuses and counters for every tracked node
func (m *Manager) Info() Info {
	m.liveness.Sweep()
	tracked := m.liveness.All()

	m.mu.RLock()
	ids := make([]string, 0, len(m.byNode))
	addrs := make(map[string]string, len(m.byNode))
	for id, ep := range m.byNode {
		if _, ok := tracked[id]; !ok {
			continue
		}
		ids = append(ids, id)
		addrs[id] = ep.Addr()
	}
	m.mu.RUnlock()
	sort.Strings(ids)

	info := Info{
		Statuses:   make(map[string]cluster.NodeStatus, len(ids)),
		Addresses:  addrs,
		Stats:      m.Stats(),
		TotalNodes: len(ids),
		PoolInUse:  m.pool.InUse(),
		PoolSize:   m.pool.Size(),
		Loss:       m.cfg.LossProbability,
	}
	for _, id := range ids {
		status := tracked[id].Status
		info.Statuses[id] = status
		if status == cluster.StatusOnline {
			info.OnlineNodes++
		}
	}
	return info
}
