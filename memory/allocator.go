// Package memory manages a node's persistent-memory region.
/*
 * Copyright (c) 2022-2024, Hill Authors. All rights reserved.
 */
package memory

import (
	"unsafe"

	"github.com/Dicridon/hillstore/cmn"
	"github.com/Dicridon/hillstore/cmn/debug"
)

const (
	AllocatorMagic = uint64(0xabcddcbaabcddcba)

	// preallocation pulls pages from the global heap or free list in batches
	preallocation = 10
)

// RecoveryStatus is the outcome of Allocator.Recover.
type RecoveryStatus int

const (
	RecoveryOk RecoveryStatus = iota
	RecoveryCorrupted
	RecoveryNoAllocator
)

// allocatorHeader lives in the first page of the allocator's PM area. All
// page slots hold absolute PM addresses; zero means none.
type allocatorHeader struct {
	magic     uint64
	totalSize uint64
	freelist  uint64 // reusable pages, global
	base      uint64 // first data page
	cursor    uint64 // unexplored pages, bump
	end       uint64 // first address past the last whole page

	freeLists    [cmn.WorkerNum]uint64 // per-worker free pages
	pendingLists [cmn.WorkerNum]uint64 // parked by unregister, merged on re-register
	busyPages    [cmn.WorkerNum]uint64 // page currently serving allocations
	toBeFreed    [cmn.WorkerNum]uint64 // frees in flight
	inUse        [cmn.WorkerNum]uint32
}

// Allocator manages a continuous PM region at page granularity. The region
// is 16KiB-aligned internally; the first bytes hold the header. It manages
// this node's own memory only — peer memory goes through RemoteAllocator.
type Allocator struct {
	header *allocatorHeader
}

func headerAt(base uint64) *allocatorHeader {
	return (*allocatorHeader)(unsafe.Pointer(uintptr(base)))
}

// MakeAllocator formats the PM at base as a fresh allocator.
func MakeAllocator(base, size uint64) *Allocator {
	h := headerAt(base)
	h.magic = AllocatorMagic
	h.totalSize = size
	h.freelist = 0

	first := (base + uint64(unsafe.Sizeof(allocatorHeader{})) + PageSize - 1) & PageMask
	h.base = first
	h.cursor = first
	h.end = (base + size) & PageMask

	for i := range h.freeLists {
		h.freeLists[i] = 0
		h.pendingLists[i] = 0
		h.busyPages[i] = 0
		h.toBeFreed[i] = 0
		h.inUse[i] = 0
	}
	Persist(unsafe.Pointer(h), unsafe.Sizeof(*h))
	return &Allocator{header: h}
}

// RecoverAllocator attaches to the PM at base, recovering a previous
// allocator if one is found, formatting a fresh one otherwise.
func RecoverAllocator(base, size uint64) (*Allocator, error) {
	a := &Allocator{header: headerAt(base)}
	switch a.Recover() {
	case RecoveryOk:
		return a, nil
	case RecoveryCorrupted:
		return nil, cmn.ErrCorrupted
	default:
		return MakeAllocator(base, size), nil
	}
}

// RegisterWorker claims a worker slot in [0, WorkerNum), merging back any
// pages parked by a previous de-registration.
func (a *Allocator) RegisterWorker() (int, error) {
	h := a.header
	for i := range h.inUse {
		if h.inUse[i] == 0 {
			h.inUse[i] = 1
			a.mergePending(i)
			return i, nil
		}
	}
	return -1, cmn.ErrNoSlot
}

// UnregisterWorker parks the worker's busy page on its pending list and
// releases the slot.
func (a *Allocator) UnregisterWorker(id int) {
	if id < 0 || id >= cmn.WorkerNum {
		return
	}
	h := a.header
	if h.busyPages[id] != 0 {
		h.pendingLists[id] = h.busyPages[id]
		Fence()
		h.busyPages[id] = 0
		Fence()
	}
	h.inUse[id] = 0
}

func (a *Allocator) mergePending(id int) {
	h := a.header
	if h.pendingLists[id] == 0 {
		return
	}
	p := PageAt(h.pendingLists[id])
	p.LinkNext(h.freeLists[id])
	Fence()
	h.freeLists[id] = h.pendingLists[id]
	Fence()
	h.pendingLists[id] = 0
	Fence()
}

// Allocate returns in *ptr a PM chunk of at least size bytes, 8-byte
// aligned, living until freed. On OOM *ptr is left null; callers must test
// and propagate NoMemory. The out-pointer is how the chunk stays bound to
// its WAL entry: the allocator writes the address straight into the log.
func (a *Allocator) Allocate(id int, size uint64, ptr *uint64) {
	debug.Assertf(size <= MaxAllocSize, "oversized allocation: %d", size)
	h := a.header

	for {
		if busy := h.busyPages[id]; busy != 0 {
			PageAt(busy).Allocate(size, ptr)
			if *ptr != 0 {
				return
			}
		}

		// the busy page lacks space: pop the worker free list, refilling
		// it from the global free list or the bump cursor when drained
		if h.freeLists[id] == 0 && !a.refill(id) {
			return
		}

		head := h.freeLists[id]
		h.busyPages[id] = head // intent slot, checked on recovery
		Fence()
		h.freeLists[id] = PageAt(head).Next()
		Fence()
		PageAt(head).LinkNext(0)
	}
}

func (a *Allocator) refill(id int) bool {
	h := a.header
	if h.freelist != 0 {
		begin, end := h.freelist, h.freelist
		for i := 0; i < preallocation-1; i++ {
			next := PageAt(end).Next()
			if next == 0 {
				break
			}
			end = next
		}
		h.freeLists[id] = begin
		Fence()
		h.freelist = PageAt(end).Next()
		Fence()
		PageAt(end).LinkNext(0)
		return true
	}

	// from the global heap
	if h.cursor == 0 || h.cursor+preallocation*PageSize > h.end {
		return false
	}
	cursor := h.cursor
	for i := uint64(0); i < preallocation; i++ {
		next := uint64(0)
		if i != preallocation-1 {
			next = cursor + (i+1)*PageSize
		}
		MakePage(cursor+i*PageSize, next)
	}
	Fence()
	// recovery checks worker free lists against the cursor: if they match,
	// the cursor never advanced past this batch
	h.freeLists[id] = cursor
	Fence()
	h.cursor = cursor + preallocation*PageSize
	Fence()
	return true
}

// Free returns a chunk to its owning page; an emptied page is linked onto
// the worker's free list. A pointer the allocator does not own is ignored.
func (a *Allocator) Free(id int, ptr uint64) {
	if ptr == 0 {
		return
	}
	h := a.header
	page := PageOf(ptr)
	addr := page.Address()
	if addr < h.base || addr >= h.end {
		return
	}

	h.toBeFreed[id] = addr // intent slot, checked on recovery
	Fence()
	if page.Free(ptr) {
		page.ResetCursors()
		page.LinkNext(h.freeLists[id])
		Fence()
		h.freeLists[id] = addr
		Fence()
	}
	h.toBeFreed[id] = 0
	Fence()
}

// Recover makes the allocator header self-consistent after a crash. The
// five passes are idempotent and converge in one sweep: every in-flight
// operation wrote its intent slot before any state change and cleared it
// only after the change was persisted.
func (a *Allocator) Recover() RecoveryStatus {
	h := a.header
	if h.magic != AllocatorMagic {
		return RecoveryNoAllocator
	}
	if h.base == 0 || h.cursor < h.base || h.cursor > h.end {
		return RecoveryCorrupted
	}

	a.recoverPendingLists()
	a.recoverGlobalHeap()
	a.recoverFreeLists()
	a.recoverPendingLists()
	a.recoverToBeFreed()

	for i := range h.inUse {
		h.inUse[i] = 0
	}
	Fence()
	return RecoveryOk
}

// an interrupted de-registration left the busy page parked on the pending
// list: finish by splicing it into the worker free list
func (a *Allocator) recoverPendingLists() {
	h := a.header
	for i := range h.pendingLists {
		if h.pendingLists[i] != 0 && h.pendingLists[i] == h.busyPages[i] {
			busy := PageAt(h.busyPages[i])
			busy.LinkNext(h.freeLists[i])
			Fence()
			h.freeLists[i] = h.busyPages[i]
			h.busyPages[i] = 0
			h.pendingLists[i] = 0
			Fence()
		}
	}
}

// a worker free list matching the bump cursor means the cursor never
// advanced past an in-flight batch
func (a *Allocator) recoverGlobalHeap() {
	h := a.header
	for i := range h.freeLists {
		if h.freeLists[i] != 0 && h.freeLists[i] == h.cursor {
			h.cursor += preallocation * PageSize
			Fence()
		}
	}
}

// a busy page matching the free-list head means the pop was interrupted
func (a *Allocator) recoverFreeLists() {
	h := a.header
	for i := range h.busyPages {
		if h.busyPages[i] != 0 && h.busyPages[i] == h.freeLists[i] {
			h.freeLists[i] = PageAt(h.busyPages[i]).Next()
			Fence()
			PageAt(h.busyPages[i]).LinkNext(0)
		}
	}
}

// a free in flight: the page was linked but the list head not updated
func (a *Allocator) recoverToBeFreed() {
	h := a.header
	for i := range h.toBeFreed {
		if h.toBeFreed[i] == 0 {
			continue
		}
		page := PageAt(h.toBeFreed[i])
		if page.Next() != 0 {
			h.freeLists[i] = h.toBeFreed[i]
			Fence()
		}
		h.toBeFreed[i] = 0
		Fence()
	}
}

// LinkFreePages hands pages reclaimed by WAL recovery to a worker.
func (a *Allocator) LinkFreePages(id int, pages []uint64) {
	h := a.header
	for _, addr := range pages {
		page := PageAt(addr)
		page.ResetCursors()
		page.LinkNext(h.freeLists[id])
		Fence()
		h.freeLists[id] = addr
		Fence()
	}
}

// Base returns the first data-page address; used by layout code and tests.
func (a *Allocator) Base() uint64 { return a.header.base }

// InHeap reports whether addr falls inside the allocator's page area.
func (a *Allocator) InHeap(addr uint64) bool {
	return addr >= a.header.base && addr < a.header.end
}
