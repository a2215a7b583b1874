// Package network simulates the network that connects CloudSim's virtual nodes.
//
// # Overview
//
// There are no sockets. Every node attaches to one shared Manager, receives a
// virtual IPv4 address from an IPPool (10.0.0.1 upward) and an Endpoint whose
// inbox is a buffered channel. Sending a message is a synchronous enqueue into
// the destination inbox, which gives FIFO order for every sender/receiver pair.
//
//	node-1 (10.0.0.1)                              node-2 (10.0.0.2)
//	      │  Send                                        ▲
//	      ▼                                              │ enqueue
//	┌───────────────────────────────────────────────────────┐
//	│ Manager: loss ─▶ route ─▶ inbox ─▶ auto-ack ─▶ retry  │
//	│          Liveness (heartbeats, k and 2k thresholds)   │
//	└───────────────────────────────────────────────────────┘
//
// # Delivery
//
// Data and RPC messages require an acknowledgment. The receiving endpoint acks
// as soon as the message is queued, and the manager resolves the ack against
// the sender's pending message id. Without an ack the sender retransmits the
// same message after AckTimeout, 2*AckTimeout, 4*AckTimeout and so on, up to
// MaxRetries times, and then fails with ErrDeliveryFailed. Retransmission
// means a receiver may see the same message id more than once.
//
// With LossProbability p > 0 each transmission of a Data, Ack, RpcRequest or
// RpcResponse message is dropped with probability p, drawn from a seeded
// generator. Heartbeats are not subject to loss.
//
// A closed endpoint models a crashed host: traffic to it disappears.
//
// # Liveness
//
// Heartbeats are consumed by the Manager and recorded in its Liveness
// registry. With heartbeat interval I and threshold k a node is Suspect once
// k*I has passed without hearing from it and Offline after 2k*I. Any message
// delivered from the node, including an ack, restores it to Online.
//
// # Concurrency
//
// Manager, Endpoint, IPPool and Liveness are safe for concurrent use. Send
// blocks only while waiting for acks and always honors its context.
package network
