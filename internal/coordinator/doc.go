// Package coordinator runs a complete simulated storage cluster in one
// process and exposes the commands an operator shell issues against it:
// start, status, upload, download, delete, block maps, ping, raw RPC,
// transfer inspection and shutdown.
//
// # Overview
//
// A Cluster is an explicitly owned value. Nothing is global, so tests can
// start several clusters side by side. Start creates the shared network,
// N nodes with one disk each, the coordinator's own client endpoint and the
// liveness monitor.
//
//	┌──────────────────────────────────────────┐
//	│              COORDINATOR                 │
//	├──────────────────────────────────────────┤
//	│  Catalog        file id → chunks → hosts │
//	│  Placer         round robin over Online  │
//	│  HealthMonitor  periodic liveness sweep  │
//	│  rpc.Client     calls over the network   │
//	└────────────────────┬─────────────────────┘
//	                     │ network.Manager
//	      ┌──────────────┼──────────────┐
//	      │              │              │
//	┌─────▼─────┐  ┌─────▼─────┐  ┌─────▼─────┐
//	│  node-1   │  │  node-2   │  │  node-N   │
//	│ 10.0.0.1  │  │ 10.0.0.2  │  │ 10.0.0.N  │
//	│ disk      │  │ disk      │  │ disk      │
//	└───────────┘  └───────────┘  └───────────┘
//
// # Upload
//
// The file is cut into ChunkSize pieces; the last piece may be shorter and
// an empty file has no chunks. For every chunk, in order:
//
//  1. The Placer picks the next Online node after its cursor.
//  2. A simulated transfer moves the chunk there. A lost attempt is retried
//     up to the transfer attempt limit.
//  3. store_chunk writes the chunk as a stream named by its chunk id.
//
// A failure at any step aborts the upload. Chunks already stored are deleted
// on a best-effort basis and the catalog is left untouched.
//
// # Download
//
// Chunks are fetched from their recorded hosts strictly in order and checked
// against their checksums. A host that is Offline, or that cannot be reached
// within the retry budget, fails the download with ErrChunkUnavailable.
// Chunks are never repaired or re-replicated.
//
// # Failure Injection
//
// StopNode halts a node as if it crashed. Its heartbeats stop, so it turns
// Suspect after k heartbeat intervals and Offline after 2k. RestartNode
// brings it back on the same address; a file-backed disk is reopened from
// its metadata first.
//
// # Errors
//
// Every command returns an error wrapping one of the package sentinels or
// those of storage, network, rpc and transfer. Category reduces any of them
// to one name such as "OutOfSpace" or "Unreachable" for display.
package coordinator
