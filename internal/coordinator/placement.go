package coordinator

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dreamware/cloudsim/internal/cluster"
)

// ErrNoAvailableNodes is returned when no node is Online at placement time
var ErrNoAvailableNodes = errors.New("no available nodes")

// Placer assigns chunks to nodes round robin.
//
// The cursor rotates across calls and uploads, so consecutive chunks land on
// consecutive nodes. Suspect and Offline nodes are skipped without consuming
// a turn of the nodes after them.
//
// Example with five nodes where node-2 is Suspect:
//
//	Next → node-1, Next → node-3, Next → node-4, Next → node-5, Next → node-1
//
// Thread-safe: All methods are safe for concurrent access.
type Placer struct {
	mu     sync.Mutex
	cursor int // index of the next node to try
}

// NewPlacer creates a placer starting at the first node
func NewPlacer() *Placer {
	return &Placer{}
}

// Next returns the id of the next Online node in nodes.
// nodes must be in cluster order (node-1 first).
func (p *Placer) Next(nodes []cluster.NodeInfo) (string, error) {
	if len(nodes) == 0 {
		return "", fmt.Errorf("%w: cluster has no nodes", ErrNoAvailableNodes)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < len(nodes); i++ {
		idx := (p.cursor + i) % len(nodes)
		if nodes[idx].Status == cluster.StatusOnline {
			p.cursor = (idx + 1) % len(nodes)
			return nodes[idx].ID, nil
		}
	}
	return "", fmt.Errorf("%w: 0 of %d nodes online", ErrNoAvailableNodes, len(nodes))
}

// Reset moves the cursor back to the first node
func (p *Placer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursor = 0
}
