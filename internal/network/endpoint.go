package network

import (
	"context"
	"fmt"
	"sync"
)

// Endpoint is one attached host: an address plus an inbox.
// Closing it simulates a crash; traffic to a closed endpoint is dropped.
type Endpoint struct {
	mgr    *Manager
	inbox  chan Message
	nodeID string
	ip     string
	port   int
	mu     sync.RWMutex
	closed bool
}

func newEndpoint(mgr *Manager, nodeID, ip string, port, inboxSize int) *Endpoint {
	return &Endpoint{
		mgr:    mgr,
		nodeID: nodeID,
		ip:     ip,
		port:   port,
		inbox:  make(chan Message, inboxSize),
	}
}

// NodeID returns the owner of the endpoint
func (e *Endpoint) NodeID() string { return e.nodeID }

// IP returns the virtual address
func (e *Endpoint) IP() string { return e.ip }

// Port returns the virtual port
func (e *Endpoint) Port() int { return e.port }

// Addr returns ip:port
func (e *Endpoint) Addr() string { return fmt.Sprintf("%s:%d", e.ip, e.port) }

// Inbox returns the channel of delivered messages.
// Acks and heartbeats are consumed by the manager and never appear here.
func (e *Endpoint) Inbox() <-chan Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.inbox
}

// NewMessage builds a message from this endpoint to destIP
func (e *Endpoint) NewMessage(typ MessageType, destIP string, payload []byte) Message {
	return NewMessage(typ, e.ip, destIP, payload)
}

// Send transmits msg through the manager. See Manager.Send.
func (e *Endpoint) Send(ctx context.Context, msg Message) error {
	if e.Closed() {
		return fmt.Errorf("%w: %s", ErrEndpointClosed, e.nodeID)
	}
	msg.SourceIP = e.ip
	return e.mgr.Send(ctx, msg)
}

// Heartbeat announces that this endpoint's host is alive
func (e *Endpoint) Heartbeat(ctx context.Context) error {
	return e.Send(ctx, e.NewMessage(MessageHeartbeat, "", nil))
}

// Close marks the endpoint down and discards queued messages. Closing twice is a no-op.
func (e *Endpoint) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for {
		select {
		case <-e.inbox:
		default:
			return
		}
	}
}

// Closed reports whether the endpoint is down
func (e *Endpoint) Closed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

func (e *Endpoint) reopen(inboxSize int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = false
	e.inbox = make(chan Message, inboxSize)
}

// enqueue appends msg to the inbox without blocking; false means dropped
func (e *Endpoint) enqueue(msg Message) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return false
	}
	select {
	case e.inbox <- msg:
		return true
	default:
		return false
	}
}
