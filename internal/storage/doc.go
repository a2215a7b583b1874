// Package storage implements the virtual disk of a CloudSim node: a fixed-size
// block allocator over a backing byte region, and named byte streams stored as
// ordered block sequences on top of it.
//
// # Overview
//
// Every virtual node owns exactly one Disk. A Disk is laid out on the host as
// two files inside the node's directory:
//
//	<data-dir>/<node-id>/
//	    disk.img       sparse file, truncated to the disk capacity
//	    metadata.json  block map + stream table, rewritten after every change
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│                Disk                 │
//	│   Write / Read / Delete streams     │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│             BlockStore              │
//	│ Allocate / Free / MarkOccupied      │
//	│ ReadBlock / WriteBlock              │
//	└─────────────────────────────────────┘
//	                 │
//	       ┌─────────┴─────────┐
//	       ▼                   ▼
//	┌────────────┐      ┌──────────────┐
//	│ FileRegion │      │ MemoryRegion │
//	│ (disk.img) │      │ (sparse map) │
//	└────────────┘      └──────────────┘
//
// # Block lifecycle
//
//	FREE ──Allocate──▶ ALLOCATED ──MarkOccupied──▶ OCCUPIED
//	  ▲                                               │
//	  └──────────────────────Free─────────────────────┘
//
// Allocation is first-fit over the block table, lowest index first, and is
// all-or-nothing: a request that does not fit fails with ErrOutOfSpace and
// leaves every block untouched. Freeing does not scrub block contents.
//
// # Geometry
//
// Block size defaults to 64KiB and capacity to 2GiB, giving 32768 blocks.
// The block count is fixed when the disk is created; reopening a disk with a
// different geometry fails with ErrGeometryMismatch.
//
// # Persistence
//
// The metadata record is replaced atomically (temp file + rename) after every
// allocation or free, so reopening a disk reproduces an identical block map.
// Memory disks (OpenMemory) skip persistence and are intended for tests.
//
// # Concurrency
//
// BlockStore and Disk are safe for concurrent use. In the cluster each disk
// is only mutated by its owning node's scheduler, one handler at a time.
package storage
