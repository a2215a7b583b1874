package node

import (
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/dreamware/cloudsim/internal/network"
	"github.com/dreamware/cloudsim/internal/rpc"
	"github.com/dreamware/cloudsim/internal/scheduler"
)

// Process priorities
const (
	priorityHeartbeat = 9
	priorityReply     = 7
	priorityDriver    = 6
	priorityRPC       = 5
)

// receive turns one inbound message into scheduler work; mu must not be held
func (n *Node) receive(msg network.Message) {
	switch msg.Type {
	case network.MessageRPCRequest:
		n.receiveRequest(msg)
	case network.MessageData:
		atomic.AddUint64(&n.stats.Traffic.DataMessages, 1)
		atomic.AddUint64(&n.stats.Traffic.BytesIn, uint64(len(msg.Payload)))
		if n.opts.OnData != nil {
			n.opts.OnData(msg)
		}
	default:
		log.Printf("node[%s] ignoring %s", n.id, msg)
	}
}

func (n *Node) receiveRequest(msg network.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if resp, ok := n.server.Cached(msg.ID); ok {
		atomic.AddUint64(&n.stats.Ops.Replays, 1)
		n.spawnReply(msg, resp)
		return
	}

	req, err := rpc.DecodeRequest(msg.Payload)
	if err != nil {
		n.spawnReply(msg, rpc.Response{Error: err.Error(), Code: rpc.CodeBadParams})
		return
	}

	_, err = n.sched.Spawn("rpc:"+req.Method, scheduler.KindUser, priorityRPC, func(time.Time) scheduler.Result {
		atomic.AddUint64(&n.stats.Ops.RPCs, 1)
		resp := n.server.Dispatch(n.ctx, msg.ID, req)
		n.spawnReply(msg, resp)
		return scheduler.Exit()
	})
	if err != nil {
		log.Printf("node[%s] spawn rpc:%s: %v", n.id, req.Method, err)
	}
}

// spawnReply starts a process that delivers resp for request msg; mu must be held
func (n *Node) spawnReply(req network.Message, resp rpc.Response) {
	reply := n.ep.NewMessage(network.MessageRPCResponse, req.SourceIP, resp.Encode())
	reply.CorrelationID = req.ID

	var (
		started bool
		sent    atomic.Bool
		sendErr error
	)
	step := func(now time.Time) scheduler.Result {
		if !started {
			// hand the message to the network and wait for its ack
			started = true
			go func() {
				sendErr = n.ep.Send(n.ctx, reply)
				sent.Store(true)
			}()
			return scheduler.Block(func(time.Time) bool { return sent.Load() })
		}

		atomic.AddUint64(&n.stats.Traffic.Replies, 1)
		if sendErr != nil {
			atomic.AddUint64(&n.stats.Traffic.ReplyFails, 1)
			return scheduler.Fail(fmt.Errorf("reply to %s: %w", req.ID, sendErr))
		}
		atomic.AddUint64(&n.stats.Traffic.BytesOut, uint64(len(reply.Payload)))
		return scheduler.Exit()
	}

	name := "reply:" + req.ID
	if _, err := n.sched.Spawn(name, scheduler.KindSystem, priorityReply, step); err != nil {
		log.Printf("node[%s] spawn %s: %v", n.id, name, err)
	}
}

// heartbeatStep announces liveness and sleeps one interval
func (n *Node) heartbeatStep(now time.Time) scheduler.Result {
	if err := n.ep.Heartbeat(n.ctx); err != nil {
		return scheduler.Fail(fmt.Errorf("heartbeat: %w", err))
	}
	atomic.AddUint64(&n.stats.Traffic.Heartbeats, 1)
	return scheduler.Sleep(now.Add(n.opts.HeartbeatInterval))
}

// driveStep completes due transfers whose destination is this node
func (n *Node) driveStep(now time.Time) scheduler.Result {
	for _, t := range n.opts.Simulator.AdvanceFor(n.id) {
		log.Printf("node[%s] transfer %s of chunk %s completed", n.id, t.ID, t.ChunkID)
	}
	return scheduler.Sleep(now.Add(n.opts.DriveInterval))
}
