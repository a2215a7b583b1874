// Package cluster holds the types shared by every layer of the simulator:
// node identity and status, and the cluster configuration.
//
// # Node Status
//
// A node is Online while its heartbeats arrive. It becomes Suspect after
// k missed heartbeat intervals and Offline after 2k. Any message from the
// node restores it to Online immediately.
//
//	           k missed           2k missed
//	Online ───────────► Suspect ───────────► Offline
//	  ▲                    │                    │
//	  └────────────────────┴────────────────────┘
//	              any message received
//
// # Configuration
//
// Config starts from DefaultConfig, is optionally overlaid with a YAML file
// by LoadConfig, and then with CLOUDSIM_* environment variables by ApplyEnv.
// Validate rejects shapes the simulator cannot run.
//
//	nodes: 5
//	capacity_bytes: 2147483648
//	block_size: 65536
//	chunk_size: 1048576
//	network:
//	  heartbeat_interval: 1s
//	  suspect_after: 3
//	  loss_probability: 0.05
//	transfer:
//	  rate_bps: 65536
//	  latency: 50ms
package cluster
