// Package memory manages a node's persistent-memory region.
/*
 * Copyright (c) 2022-2024, Hill Authors. All rights reserved.
 */
package memory

import (
	"unsafe"

	"github.com/Dicridon/hillstore/cmn/debug"
)

// A Page (16KiB) is the basic allocation granularity; finer-grained
// allocation is performed within a page by a single worker, so no
// concurrency control is needed inside one.
//
//	|--------------------------------|
//	| records | valid | hdrc | recc  |
//	|--------------------------------|
//	| record headers ... ->          |
//	|                                |
//	|          <- ... records        |
//	|--------------------------------|
//	|              NEXT              |
//	|--------------------------------|
//
// Record headers grow up from the page header, payloads grow down from the
// next pointer. Free pages are linked through NEXT.
const (
	PageSize = 16 * 1024
	PageMask = ^uint64(PageSize - 1)

	pageHeaderSize   = 16
	recordHeaderSize = 2
	nextPtrSize      = 8

	// MaxAllocSize is the largest chunk one page can carve out after its
	// own bookkeeping.
	MaxAllocSize = (PageSize - pageHeaderSize - nextPtrSize - recordHeaderSize) &^ 7
)

// RecordHeader is a compact offset of one live record within its page;
// zero means reclaimed.
type RecordHeader struct {
	Offset uint16
}

type pageHeader struct {
	records      uint16 // allocations attempted
	valid        uint16 // allocations still live
	headerCursor uint32 // next record-header slot, grows up
	recordCursor uint32 // next record payload, grows down
	_            uint32
}

type Page struct {
	header  pageHeader
	content [PageSize - pageHeaderSize - nextPtrSize]byte
	next    uint64
}

// PageAt casts a 16KiB-aligned PM address to a page view.
func PageAt(addr uint64) *Page {
	debug.Assert(addr&^PageMask == 0, "page address not aligned")
	return (*Page)(unsafe.Pointer(uintptr(addr)))
}

// PageOf returns the page owning a live allocation.
func PageOf(addr uint64) *Page {
	return (*Page)(unsafe.Pointer(uintptr(addr & PageMask)))
}

// MakePage formats the PM at addr as an empty page linked to next.
func MakePage(addr, next uint64) *Page {
	p := PageAt(addr)
	p.header.records = 0
	p.header.valid = 0
	p.header.headerCursor = pageHeaderSize
	p.header.recordCursor = PageSize - nextPtrSize
	p.next = next
	Persist(unsafe.Pointer(p), pageHeaderSize)
	return p
}

func (p *Page) Address() uint64 {
	return uint64(uintptr(unsafe.Pointer(p)))
}

func (p *Page) headers() []RecordHeader {
	base := unsafe.Pointer(uintptr(unsafe.Pointer(p)) + pageHeaderSize)
	return unsafe.Slice((*RecordHeader)(base), int(p.header.records))
}

func (p *Page) IsEmpty() bool { return p.header.valid == 0 }

// Allocate carves size bytes out of the page, 8-byte aligned. On success
// *ptr receives the chunk's address; on insufficient space *ptr is left
// untouched.
func (p *Page) Allocate(size uint64, ptr *uint64) {
	size = (size + 7) &^ 7
	snap := p.header
	if uint64(snap.recordCursor)-uint64(snap.headerCursor) < size+recordHeaderSize {
		return
	}

	snap.recordCursor -= uint32(size)
	hdr := (*RecordHeader)(unsafe.Pointer(uintptr(unsafe.Pointer(p)) + uintptr(snap.headerCursor)))
	hdr.Offset = uint16(snap.recordCursor)
	snap.headerCursor += recordHeaderSize
	snap.records++
	snap.valid++

	*ptr = p.Address() + uint64(snap.recordCursor)
	Fence()
	p.header = snap
	Persist(unsafe.Pointer(p), pageHeaderSize)
}

// Free reclaims the record at addr. Reports whether the page became empty.
// A pointer the page does not own is ignored.
func (p *Page) Free(addr uint64) bool {
	offset := uint16(addr - p.Address())
	hdrs := p.headers()
	for i := range hdrs {
		if hdrs[i].Offset == offset {
			hdrs[i].Offset = 0
			p.header.valid--
			Persist(unsafe.Pointer(p), pageHeaderSize)
			return p.header.valid == 0
		}
	}
	return false
}

// ResetCursors rewinds an empty page for reuse.
func (p *Page) ResetCursors() {
	p.header.records = 0
	p.header.valid = 0
	p.header.headerCursor = pageHeaderSize
	p.header.recordCursor = PageSize - nextPtrSize
	Persist(unsafe.Pointer(p), pageHeaderSize)
}

// RecomputeValid recounts live record headers, restoring the valid counter
// after WAL recovery zeroed reclaimed headers.
func (p *Page) RecomputeValid() uint16 {
	var valid uint16
	for _, h := range p.headers() {
		if h.Offset != 0 {
			valid++
		}
	}
	p.header.valid = valid
	Persist(unsafe.Pointer(p), pageHeaderSize)
	return valid
}

// ZeroRecordHeader clears the record header matching offset, if any.
func (p *Page) ZeroRecordHeader(offset uint16) {
	hdrs := p.headers()
	for i := range hdrs {
		if hdrs[i].Offset == offset {
			hdrs[i].Offset = 0
			Persist(unsafe.Pointer(&hdrs[i]), recordHeaderSize)
			return
		}
	}
}

func (p *Page) Next() uint64 { return p.next }

func (p *Page) LinkNext(next uint64) {
	p.next = next
	Persist(unsafe.Pointer(&p.next), nextPtrSize)
}

// Valid exposes the live-record counter for recovery checks.
func (p *Page) Valid() uint16 { return p.header.valid }

// Records exposes the attempted-allocation counter.
func (p *Page) Records() uint16 { return p.header.records }
