// Package memory manages a node's persistent-memory region.
/*
 * Copyright (c) 2022-2024, Hill Authors. All rights reserved.
 */
package memory

import (
	"unsafe"

	"github.com/Dicridon/hillstore/cmn"
	"github.com/Dicridon/hillstore/rdma"
)

const (
	// RemoteRegions bounds how many peer sub-regions one worker can ring
	// through.
	RemoteRegions = 32

	// RemoteRegionSize caps one peer sub-region; the allocator packs its
	// object counter and cursor into 32 bits each.
	RemoteRegionSize = 4 * cmn.GiB
)

// RemoteAllocator hands out chunks from one peer PM sub-region. Not
// thread-safe: worker-local use only. The counter/cursor pair shares one
// word so a single store updates both.
type RemoteAllocator struct {
	base uint64 // RemotePointer raw value
	meta uint64 // counter:32 | cursor:32
}

func (r *RemoteAllocator) counter() uint64 { return r.meta >> 32 }
func (r *RemoteAllocator) cursor() uint64  { return r.meta & 0xffffffff }

func (r *RemoteAllocator) SetBase(base RemotePointer) {
	r.base = uint64(base)
	r.meta = 0
	Persist(unsafe.Pointer(r), unsafe.Sizeof(*r))
}

// Allocate bumps the cursor; on exhaustion *ptr is left null. The address
// written into *ptr is a remote-tagged PolymorphicPointer payload, so it
// can go straight into a WAL entry and an index leaf.
func (r *RemoteAllocator) Allocate(size uint64, ptr *uint64) {
	size = (size + 7) &^ 7
	if r.base == 0 || r.cursor()+size > RemoteRegionSize {
		return
	}
	*ptr = r.base + r.cursor()
	Fence()
	r.meta = (r.counter()+1)<<32 | (r.cursor() + size)
	Persist(unsafe.Pointer(&r.meta), 8)
}

func (r *RemoteAllocator) Available() bool {
	return r.base != 0 && r.cursor() < RemoteRegionSize
}

// Free drops one reference; remote chunks are never coalesced.
func (r *RemoteAllocator) Free() {
	if c := r.counter(); c > 0 {
		r.meta = (c-1)<<32 | r.cursor()
		Persist(unsafe.Pointer(&r.meta), 8)
	}
}

func (r *RemoteAllocator) IsEmpty() bool { return r.counter() == 0 }

// agentHeader is the agent's fixed PM footprint, re-initialized on every
// start: chunks a crashed node left in peer PM are reclaimed by the peer's
// own allocator recovery.
type agentHeader struct {
	allocators [cmn.WorkerNum][RemoteRegions]RemoteAllocator
	cursors    [cmn.WorkerNum]uint64
}

// AgentSize is the PM footprint of the RemoteMemoryAgent.
const AgentSize = uint64(unsafe.Sizeof(agentHeader{}))

// PeerConnections is the engine-owned channel table the agent borrows.
type PeerConnections [cmn.WorkerNum][cmn.MaxNode]rdma.Context

// RemoteMemoryAgent places values in peer PM when the local region is
// exhausted: it owns per-worker rings of remote allocators and borrows the
// engine's RDMA channels.
type RemoteMemoryAgent struct {
	header *agentHeader
	peers  *PeerConnections
}

// MakeAgent formats the PM at addr for the agent.
func MakeAgent(addr uint64, peers *PeerConnections) *RemoteMemoryAgent {
	h := (*agentHeader)(unsafe.Pointer(uintptr(addr)))
	*h = agentHeader{}
	Persist(unsafe.Pointer(h), unsafe.Sizeof(*h))
	return &RemoteMemoryAgent{header: h, peers: peers}
}

// AddRegion rings in another peer sub-region for the worker.
func (a *RemoteMemoryAgent) AddRegion(id int, base RemotePointer) bool {
	h := a.header
	for i := range h.allocators[id] {
		if h.allocators[id][i].base == 0 {
			h.allocators[id][i].SetBase(base)
			return true
		}
	}
	return false
}

// Allocate serves from the current ring slot, advancing past exhausted
// regions; with none left *ptr stays null.
func (a *RemoteMemoryAgent) Allocate(id int, size uint64, ptr *uint64) {
	h := a.header
	for h.cursors[id] < RemoteRegions {
		alloc := &h.allocators[id][h.cursors[id]]
		alloc.Allocate(size, ptr)
		if *ptr != 0 {
			return
		}
		h.cursors[id]++
		Persist(unsafe.Pointer(&h.cursors[id]), 8)
	}
}

func (a *RemoteMemoryAgent) Available(id int) bool {
	h := a.header
	return h.cursors[id] < RemoteRegions && h.allocators[id][h.cursors[id]].Available()
}

// Free drops a reference on the region owning ptr; no coalescing.
func (a *RemoteMemoryAgent) Free(id int, ptr RemotePointer) {
	h := a.header
	for i := range h.allocators[id] {
		alloc := &h.allocators[id][i]
		base := RemotePointer(alloc.base)
		if base.IsNull() || base.NodeID() != ptr.NodeID() {
			continue
		}
		off := ptr.Address()
		if off >= base.Address() && off < base.Address()+RemoteRegionSize {
			alloc.Free()
			return
		}
	}
}

// SetPeerConnection records the channel to node for the worker.
func (a *RemoteMemoryAgent) SetPeerConnection(id, node int, ctx rdma.Context) {
	a.peers[id][node] = ctx
}

// PeerConnection yields the RDMA channel the worker holds to node.
func (a *RemoteMemoryAgent) PeerConnection(id, node int) rdma.Context {
	return a.peers[id][node]
}
