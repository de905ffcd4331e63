// Package memory manages a node's persistent-memory region.
/*
 * Copyright (c) 2022-2024, Hill Authors. All rights reserved.
 */
package memory

import (
	"testing"

	"github.com/Dicridon/hillstore/cmn"
	"github.com/Dicridon/hillstore/tools/tassert"
)

const testRegionSize = 8 * cmn.MiB

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	region := NewDRAM(testRegionSize)
	return MakeAllocator(region.Base(), testRegionSize)
}

func TestRegisterWorker(t *testing.T) {
	a := newTestAllocator(t)
	seen := make(map[int]bool)
	for i := 0; i < cmn.WorkerNum; i++ {
		id, err := a.RegisterWorker()
		tassert.CheckFatal(t, err)
		tassert.Fatalf(t, !seen[id], "slot %d handed out twice", id)
		seen[id] = true
	}
	if _, err := a.RegisterWorker(); err != cmn.ErrNoSlot {
		t.Fatalf("expected ErrNoSlot, got %v", err)
	}
	a.UnregisterWorker(13)
	id, err := a.RegisterWorker()
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, id == 13, "expected freed slot 13, got %d", id)
}

func TestAllocateAligned(t *testing.T) {
	a := newTestAllocator(t)
	id, err := a.RegisterWorker()
	tassert.CheckFatal(t, err)

	var ptr uint64
	for _, size := range []uint64{1, 7, 8, 63, 100, 4000} {
		ptr = 0
		a.Allocate(id, size, &ptr)
		tassert.Fatalf(t, ptr != 0, "allocation of %d bytes failed", size)
		tassert.Fatalf(t, ptr&7 == 0, "pointer %#x not 8-byte aligned", ptr)
		tassert.Fatalf(t, PageOf(ptr).Address() == ptr&PageMask,
			"page mask does not recover the owning page")
	}
}

func TestAllocateFillsPages(t *testing.T) {
	a := newTestAllocator(t)
	id, err := a.RegisterWorker()
	tassert.CheckFatal(t, err)

	// more than one page worth of chunks
	pages := make(map[uint64]int)
	for i := 0; i < 100; i++ {
		var ptr uint64
		a.Allocate(id, 1024, &ptr)
		tassert.Fatalf(t, ptr != 0, "allocation %d failed", i)
		pages[ptr&PageMask]++
	}
	tassert.Fatalf(t, len(pages) > 1, "100KiB of chunks fit one page")
	for addr, n := range pages {
		page := PageAt(addr)
		tassert.Fatalf(t, int(page.Valid()) == n,
			"page %#x valid %d != %d chunks", addr, page.Valid(), n)
	}
}

func TestFreeReclaimsEmptyPage(t *testing.T) {
	a := newTestAllocator(t)
	id, err := a.RegisterWorker()
	tassert.CheckFatal(t, err)

	var ptrs []uint64
	var ptr uint64
	a.Allocate(id, 512, &ptr)
	page := PageOf(ptr)
	ptrs = append(ptrs, ptr)
	for {
		ptr = 0
		a.Allocate(id, 512, &ptr)
		tassert.Fatalf(t, ptr != 0, "allocation failed")
		if PageOf(ptr).Address() != page.Address() {
			break
		}
		ptrs = append(ptrs, ptr)
	}

	for _, p := range ptrs {
		a.Free(id, p)
	}
	tassert.Fatalf(t, page.Valid() == 0, "page not empty after freeing everything")

	// double free of a reclaimed chunk is a no-op
	a.Free(id, ptrs[0])
	tassert.Fatalf(t, page.Valid() == 0, "double free changed the page")
}

func TestAllocateOOM(t *testing.T) {
	region := NewDRAM(64 * PageSize)
	a := MakeAllocator(region.Base(), 64*PageSize)
	id, err := a.RegisterWorker()
	tassert.CheckFatal(t, err)

	var last uint64
	for i := 0; ; i++ {
		var ptr uint64
		a.Allocate(id, PageSize/2, &ptr)
		if ptr == 0 {
			break
		}
		last = ptr
		tassert.Fatalf(t, i < 1000, "allocator never ran out")
	}
	tassert.Fatalf(t, last != 0, "nothing was ever allocated")

	// further requests keep failing without corrupting state
	var ptr uint64
	a.Allocate(id, PageSize/2, &ptr)
	tassert.Fatalf(t, ptr == 0, "allocation succeeded past OOM")
}

func TestRecoverFreshRegion(t *testing.T) {
	region := NewDRAM(testRegionSize)
	a := &Allocator{header: headerAt(region.Base())}
	tassert.Fatalf(t, a.Recover() == RecoveryNoAllocator,
		"zeroed region recovered as an allocator")
}

func TestRecoverIdempotent(t *testing.T) {
	a := newTestAllocator(t)
	id, err := a.RegisterWorker()
	tassert.CheckFatal(t, err)
	for i := 0; i < 50; i++ {
		var ptr uint64
		a.Allocate(id, 1000, &ptr)
		tassert.Fatalf(t, ptr != 0, "allocation failed")
	}

	tassert.Fatalf(t, a.Recover() == RecoveryOk, "recovery failed")
	snapshot := *a.header
	tassert.Fatalf(t, a.Recover() == RecoveryOk, "second recovery failed")
	tassert.Fatalf(t, snapshot == *a.header, "recovery is not idempotent")
}

func TestRecoverInterruptedPop(t *testing.T) {
	a := newTestAllocator(t)
	id, err := a.RegisterWorker()
	tassert.CheckFatal(t, err)
	var ptr uint64
	a.Allocate(id, 64, &ptr)
	tassert.Fatalf(t, ptr != 0, "allocation failed")

	// fake a crash mid-pop: the busy page was recorded but the free list
	// head never advanced
	h := a.header
	busy := h.busyPages[id]
	PageAt(busy).LinkNext(h.freeLists[id])
	h.freeLists[id] = busy

	tassert.Fatalf(t, a.Recover() == RecoveryOk, "recovery failed")
	tassert.Fatalf(t, h.freeLists[id] != busy, "free list still holds the busy page")
	tassert.Fatalf(t, PageAt(busy).Next() == 0, "busy page still linked")
}

func TestRecoverInterruptedUnregister(t *testing.T) {
	a := newTestAllocator(t)
	id, err := a.RegisterWorker()
	tassert.CheckFatal(t, err)
	var ptr uint64
	a.Allocate(id, 64, &ptr)
	tassert.Fatalf(t, ptr != 0, "allocation failed")

	// fake a crash mid-unregister: busy parked on pending, slot not freed
	h := a.header
	busy := h.busyPages[id]
	h.pendingLists[id] = busy

	tassert.Fatalf(t, a.Recover() == RecoveryOk, "recovery failed")
	tassert.Fatalf(t, h.busyPages[id] == 0, "busy page survived de-registration")
	tassert.Fatalf(t, h.pendingLists[id] == 0, "pending list not cleared")
	tassert.Fatalf(t, h.freeLists[id] == busy, "busy page not spliced into the free list")
}
