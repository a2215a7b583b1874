package cluster

import (
	"fmt"
	"time"
)

// NodeStatus is the liveness state of a node as seen by the network layer
type NodeStatus string

const (
	// StatusOnline means the node was heard from within the last k heartbeat intervals
	StatusOnline NodeStatus = "online"
	// StatusSuspect means the node missed at least k consecutive heartbeat intervals
	StatusSuspect NodeStatus = "suspect"
	// StatusOffline means the node missed at least 2k consecutive heartbeat intervals
	StatusOffline NodeStatus = "offline"
)

// NodeInfo is the externally visible description of one virtual node
type NodeInfo struct {
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	ID            string     `json:"id"`
	IP            string     `json:"ip"`
	Status        NodeStatus `json:"status"`
	Port          int        `json:"port"`
	UsedBytes     int64      `json:"used_bytes"`
	CapacityBytes int64      `json:"capacity_bytes"`
	UsedBlocks    int        `json:"used_blocks"`
	TotalBlocks   int        `json:"total_blocks"`
	Streams       int        `json:"streams"`
}

// Addr returns the node's ip:port
func (n NodeInfo) Addr() string {
	return fmt.Sprintf("%s:%d", n.IP, n.Port)
}

// NodeID returns the canonical id of the i-th node (1-based)
func NodeID(i int) string {
	return fmt.Sprintf("node-%d", i)
}
