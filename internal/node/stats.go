package node

import "sync/atomic"

// Stats tracks what a node has done since it started
type Stats struct {
	Ops     OperationStats `json:"ops"`
	Traffic TrafficStats   `json:"traffic"`
}

// OperationStats counts handler activity
type OperationStats struct {
	RPCs          uint64 `json:"rpcs"`           // Requests dispatched to handlers
	Replays       uint64 `json:"replays"`        // Re-delivered requests answered from cache
	ChunksStored  uint64 `json:"chunks_stored"`  // store_chunk calls that wrote a stream
	ChunksServed  uint64 `json:"chunks_served"`  // fetch_chunk calls that returned data
	ChunksDeleted uint64 `json:"chunks_deleted"` // delete_chunk calls that freed a stream
}

// TrafficStats counts bytes and messages
type TrafficStats struct {
	BytesIn      uint64 `json:"bytes_in"`
	BytesOut     uint64 `json:"bytes_out"`
	DataMessages uint64 `json:"data_messages"`
	Heartbeats   uint64 `json:"heartbeats"`
	Replies      uint64 `json:"replies"`
	ReplyFails   uint64 `json:"reply_failures"`
}

// snapshot reads every counter atomically
func (s *Stats) snapshot() Stats {
	return Stats{
		Ops: OperationStats{
			RPCs:          atomic.LoadUint64(&s.Ops.RPCs),
			Replays:       atomic.LoadUint64(&s.Ops.Replays),
			ChunksStored:  atomic.LoadUint64(&s.Ops.ChunksStored),
			ChunksServed:  atomic.LoadUint64(&s.Ops.ChunksServed),
			ChunksDeleted: atomic.LoadUint64(&s.Ops.ChunksDeleted),
		},
		Traffic: TrafficStats{
			BytesIn:      atomic.LoadUint64(&s.Traffic.BytesIn),
			BytesOut:     atomic.LoadUint64(&s.Traffic.BytesOut),
			DataMessages: atomic.LoadUint64(&s.Traffic.DataMessages),
			Heartbeats:   atomic.LoadUint64(&s.Traffic.Heartbeats),
			Replies:      atomic.LoadUint64(&s.Traffic.Replies),
			ReplyFails:   atomic.LoadUint64(&s.Traffic.ReplyFails),
		},
	}
}
