package network

import (
	"log"
	"sync"
	"time"

	"github.com/dreamware/cloudsim/internal/cluster"
)

// NodeLiveness tracks the heartbeat state of a single node.
// Thread-safe: Protected by Liveness's mutex when accessed.
type NodeLiveness struct {
	LastHeartbeat time.Time          // Timestamp of the last heartbeat received
	LastSeen      time.Time          // Timestamp of the last message of any type
	NodeID        string             // Unique identifier of the node
	Status        cluster.NodeStatus // online, suspect or offline
	Missed        int                // Whole heartbeat intervals elapsed since LastSeen
}

// StatusChange is reported when a node moves between liveness states
type StatusChange struct {
	NodeID string
	From   cluster.NodeStatus
	To     cluster.NodeStatus
}

// Liveness derives node status from heartbeat timing.
// A node is Suspect after suspectAfter (k) missed intervals and Offline after 2k.
// Any observed message restores it to Online immediately.
// Thread-safe: All methods are safe for concurrent access.
type Liveness struct {
	nodes        map[string]*NodeLiveness
	now          func() time.Time
	onChange     func(StatusChange)
	interval     time.Duration
	suspectAfter int
	mu           sync.Mutex
}

// NewLiveness creates a registry with the given heartbeat interval and suspect threshold k.
// now is the clock used for every timestamp; nil means time.Now.
//
// Example:
//
//	lv := NewLiveness(time.Second, 3, nil)
//	lv.Track("node-1")
//	lv.RecordHeartbeat("node-1")
func NewLiveness(interval time.Duration, suspectAfter int, now func() time.Time) *Liveness {
	if now == nil {
		now = time.Now
	}
	if suspectAfter < 1 {
		suspectAfter = 1
	}
	return &Liveness{
		nodes:        make(map[string]*NodeLiveness),
		now:          now,
		interval:     interval,
		suspectAfter: suspectAfter,
	}
}

// SetOnChange sets the callback invoked after every status transition.
// The callback runs without the registry lock held.
func (l *Liveness) SetOnChange(fn func(StatusChange)) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

// Track starts monitoring nodeID as Online from now
func (l *Liveness) Track(nodeID string) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.nodes[nodeID] = &NodeLiveness{
		NodeID:        nodeID,
		Status:        cluster.StatusOnline,
		LastHeartbeat: now,
		LastSeen:      now,
	}
}

// Forget stops monitoring nodeID
func (l *Liveness) Forget(nodeID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.nodes, nodeID)
}

// RecordHeartbeat notes a heartbeat from nodeID
func (l *Liveness) RecordHeartbeat(nodeID string) {
	l.touch(nodeID, true)
}

// Observe notes any other message from nodeID
func (l *Liveness) Observe(nodeID string) {
	l.touch(nodeID, false)
}

func (l *Liveness) touch(nodeID string, heartbeat bool) {
	now := l.now()

	l.mu.Lock()
	n, ok := l.nodes[nodeID]
	if !ok {
		l.mu.Unlock()
		return
	}
	n.LastSeen = now
	if heartbeat {
		n.LastHeartbeat = now
	}
	n.Missed = 0
	change, changed := l.setStatus(n, cluster.StatusOnline)
	cb := l.onChange
	l.mu.Unlock()

	if changed {
		log.Printf("liveness: %s recovered (%s -> %s)", nodeID, change.From, change.To)
		if cb != nil {
			cb(change)
		}
	}
}

// Sweep re-evaluates every tracked node against the clock and returns the transitions made
func (l *Liveness) Sweep() []StatusChange {
	now := l.now()

	l.mu.Lock()
	var changes []StatusChange
	for _, n := range l.nodes {
		if c, ok := l.evaluate(n, now); ok {
			changes = append(changes, c)
		}
	}
	cb := l.onChange
	l.mu.Unlock()

	for _, c := range changes {
		log.Printf("liveness: %s %s -> %s", c.NodeID, c.From, c.To)
		if cb != nil {
			cb(c)
		}
	}
	return changes
}

// Status evaluates nodeID against the clock and returns its current state
func (l *Liveness) Status(nodeID string) (cluster.NodeStatus, bool) {
	now := l.now()

	l.mu.Lock()
	n, ok := l.nodes[nodeID]
	if !ok {
		l.mu.Unlock()
		return "", false
	}
	change, changed := l.evaluate(n, now)
	status := n.Status
	cb := l.onChange
	l.mu.Unlock()

	if changed {
		log.Printf("liveness: %s %s -> %s", change.NodeID, change.From, change.To)
		if cb != nil {
			cb(change)
		}
	}
	return status, true
}

// Get returns a copy of nodeID's record, or nil when not tracked
func (l *Liveness) Get(nodeID string) *NodeLiveness {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, ok := l.nodes[nodeID]
	if !ok {
		return nil
	}
	c := *n
	return &c
}

// All returns copies of every tracked record keyed by node id
func (l *Liveness) All() map[string]NodeLiveness {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]NodeLiveness, len(l.nodes))
	for id, n := range l.nodes {
		out[id] = *n
	}
	return out
}

// evaluate applies the k/2k thresholds to n; mu must be held
func (l *Liveness) evaluate(n *NodeLiveness, now time.Time) (StatusChange, bool) {
	if l.interval <= 0 {
		return StatusChange{}, false
	}
	n.Missed = int(now.Sub(n.LastSeen) / l.interval)

	status := cluster.StatusOnline
	switch {
	case n.Missed >= 2*l.suspectAfter:
		status = cluster.StatusOffline
	case n.Missed >= l.suspectAfter:
		status = cluster.StatusSuspect
	}
	return l.setStatus(n, status)
}

func (l *Liveness) setStatus(n *NodeLiveness, to cluster.NodeStatus) (StatusChange, bool) {
	if n.Status == to {
		return StatusChange{}, false
	}
	c := StatusChange{NodeID: n.NodeID, From: n.Status, To: to}
	n.Status = to
	return c, true
}
