package rpc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dreamware/cloudsim/internal/cluster"
	"github.com/dreamware/cloudsim/internal/network"
)

// DefaultTimeout bounds a call when the client is built without one
const DefaultTimeout = 5 * time.Second

// Directory resolves node ids for the client. *network.Manager implements it.
type Directory interface {
	Status(nodeID string) cluster.NodeStatus
	Address(nodeID string) (string, bool)
}

// Client issues calls from one endpoint and matches responses by correlation id
type Client struct {
	ep      *network.Endpoint
	dir     Directory
	pending map[string]chan Response
	timeout time.Duration
	mu      sync.Mutex
}

// NewClient creates a client sending from ep
func NewClient(ep *network.Endpoint, dir Directory, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		ep:      ep,
		dir:     dir,
		pending: make(map[string]chan Response),
		timeout: timeout,
	}
}

// Run reads the endpoint inbox and routes responses until ctx is done.
// It is needed when the client owns its endpoint.
func (c *Client) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.ep.Inbox():
			if !c.Deliver(msg) {
				log.Printf("rpc[%s]: ignoring %s", c.ep.NodeID(), msg)
			}
		}
	}
}

// Deliver hands a received RPC_RESPONSE to the waiting call.
// It reports false for anything that is not a response to a pending call.
func (c *Client) Deliver(msg network.Message) bool {
	if msg.Type != network.MessageRPCResponse {
		return false
	}
	resp, err := DecodeResponse(msg.Payload)
	if err != nil {
		log.Printf("rpc[%s]: %v", c.ep.NodeID(), err)
		return false
	}

	c.mu.Lock()
	ch, ok := c.pending[msg.CorrelationID]
	c.mu.Unlock()
	if !ok {
		// late or duplicate response
		return true
	}
	select {
	case ch <- resp:
	default:
	}
	return true
}

// Call invokes method on nodeID and decodes the result into result (may be nil).
// An Offline target fails with ErrUnreachable before anything is sent.
// The whole call, including delivery retries, is bounded by the client timeout.
func (c *Client) Call(ctx context.Context, nodeID, method string, params, result any) error {
	if c.dir.Status(nodeID) == cluster.StatusOffline {
		return fmt.Errorf("%w: %s", ErrUnreachable, nodeID)
	}
	ip, ok := c.dir.Address(nodeID)
	if !ok {
		return fmt.Errorf("%w: %s has no address", ErrUnreachable, nodeID)
	}

	payload, err := EncodeRequest(method, params)
	if err != nil {
		return err
	}
	msg := c.ep.NewMessage(network.MessageRPCRequest, ip, payload)

	ch := make(chan Response, 1)
	c.mu.Lock()
	c.pending[msg.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
	}()

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.ep.Send(callCtx, msg); err != nil {
		return c.wrap(ctx, nodeID, method, err)
	}

	select {
	case resp := <-ch:
		if err := resp.Decode(result); err != nil {
			return fmt.Errorf("%s on %s: %w", method, nodeID, err)
		}
		return nil
	case <-callCtx.Done():
		return c.wrap(ctx, nodeID, method, callCtx.Err())
	}
}

// wrap maps the call deadline to ErrTimeout and keeps caller cancellation as is
func (c *Client) wrap(ctx context.Context, nodeID, method string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = ErrTimeout
	}
	return fmt.Errorf("%s on %s: %w", method, nodeID, err)
}
