// Package wal implements the per-worker write-ahead log that makes
// allocator and index mutations crash-consistent.
/*
 * Copyright (c) 2022-2024, Hill Authors. All rights reserved.
 */
package wal

import (
	"unsafe"

	"github.com/Dicridon/hillstore/cmn"
	"github.com/Dicridon/hillstore/cmn/debug"
	"github.com/Dicridon/hillstore/memory"
)

const (
	RegionNum  = cmn.WorkerNum
	BatchSize  = 8
	RegionSize = 64

	RegionsMagic = uint64(0x1357246813572468)
)

// Op tags what a log entry guards.
type Op uint8

const (
	OpInsert Op = iota
	OpUpdate
	OpDelete
	OpNodeSplit
	OpUnknown
)

// Status of a log entry. An entry that is Uncommitted with a non-null
// address is exactly an allocation a crash must reclaim.
type Status uint8

const (
	StatusNone Status = iota
	StatusUncommitted
	StatusCommitted
)

// Entry lives in PM. Address doubles as the allocator's out-pointer: the
// allocator writes the chunk address straight into the entry, so the entry
// is the sole durable record of an in-flight allocation.
type Entry struct {
	Address uint64
	Op      Op
	Status  Status
	_       [6]byte
}

const entrySize = 16

// Region is a ring of log entries owned by exactly one worker while in
// use. cursor is the next slot, checkpointed the reclamation watermark.
type Region struct {
	checkpointed uint64
	cursor       uint64
	entries      [BatchSize * RegionSize]Entry
}

// Regions is the PM layout at the beginning of the engine's data area.
type Regions struct {
	magic   uint64
	regions [RegionNum]Region
}

// RegionsSize is the PM footprint of the WAL.
const RegionsSize = uint64(unsafe.Sizeof(Regions{}))

func regionsAt(addr uint64) *Regions {
	return (*Regions)(unsafe.Pointer(uintptr(addr)))
}

// MakeLog appends an uncommitted entry with a null address and returns the
// address slot for the allocator to fill in.
func (r *Region) MakeLog(op Op) *uint64 {
	debug.Assert(r.cursor < uint64(len(r.entries)), "log region overrun")
	e := &r.entries[r.cursor]
	e.Address = 0
	memory.Fence()
	e.Op = op
	e.Status = StatusUncommitted
	memory.Persist(unsafe.Pointer(e), entrySize)
	r.cursor++
	memory.Persist(unsafe.Pointer(&r.cursor), 8)
	return &e.Address
}

// Checkpoint marks everything up to the cursor committed and rewinds the
// ring.
func (r *Region) Checkpoint() {
	for i := r.checkpointed; i < r.cursor; i++ {
		r.entries[i].Status = StatusCommitted
	}
	r.checkpointed = 0
	memory.Fence()
	r.cursor = 0
	memory.Persist(unsafe.Pointer(&r.cursor), 8)
}

// Recover reclaims every chunk referenced by an uncommitted entry: the
// record header is zeroed, then each touched page has its valid counter
// recomputed. Pages that come out empty are rewound and returned so the
// caller can link them onto a worker free list.
func (r *Region) Recover() []uint64 {
	var (
		touched = make(map[uint64]struct{})
		freed   []uint64
	)
	for i := r.checkpointed; i < r.cursor; i++ {
		e := &r.entries[i]
		if e.Status != StatusUncommitted || e.Address == 0 {
			continue
		}
		page := memory.PageOf(e.Address)
		page.ZeroRecordHeader(uint16(e.Address - page.Address()))
		touched[page.Address()] = struct{}{}
	}
	for addr := range touched {
		page := memory.PageAt(addr)
		if page.RecomputeValid() == 0 {
			page.ResetCursors()
			freed = append(freed, addr)
		}
	}
	r.checkpointed = 0
	memory.Fence()
	r.cursor = 0
	memory.Persist(unsafe.Pointer(&r.cursor), 8)
	return freed
}

func makeRegions(addr uint64) *Regions {
	rs := regionsAt(addr)
	for i := range rs.regions {
		r := &rs.regions[i]
		for j := range r.entries {
			r.entries[j] = Entry{}
		}
		r.checkpointed = 0
		r.cursor = 0
	}
	rs.magic = RegionsMagic
	memory.Persist(unsafe.Pointer(rs), uintptr(RegionsSize))
	return rs
}

// Logger fronts the PM log regions with per-worker batching state.
type Logger struct {
	regions  *Regions
	inUse    [RegionNum]bool
	counters [RegionNum]uint64
}

// MakeLogger formats the PM at addr as fresh log regions.
func MakeLogger(addr uint64) *Logger {
	return &Logger{regions: makeRegions(addr)}
}

// RecoverLogger replays any existing log regions at addr before handing
// back a usable logger. The per-region freed pages are returned keyed by
// worker so the caller can link them into the allocator.
func RecoverLogger(addr uint64) (*Logger, [][]uint64) {
	rs := regionsAt(addr)
	if rs.magic != RegionsMagic {
		return MakeLogger(addr), nil
	}
	freed := make([][]uint64, RegionNum)
	for i := range rs.regions {
		freed[i] = rs.regions[i].Recover()
	}
	return &Logger{regions: rs}, freed
}

// RegisterWorker binds a log region.
func (l *Logger) RegisterWorker() (int, error) {
	for i := range l.inUse {
		if !l.inUse[i] {
			l.inUse[i] = true
			return i, nil
		}
	}
	return -1, cmn.ErrNoSlot
}

// UnregisterWorker checkpoints and releases the region.
func (l *Logger) UnregisterWorker(id int) {
	if id < 0 || id >= RegionNum {
		return
	}
	l.regions.regions[id].Checkpoint()
	l.inUse[id] = false
	l.counters[id] = 0
}

// MakeLog appends an entry to the worker's region; see Region.MakeLog.
func (l *Logger) MakeLog(id int, op Op) *uint64 {
	return l.regions.regions[id].MakeLog(op)
}

// Commit counts one logical operation; a full batch checkpoints the
// region. Callers may commit after every operation; checkpointing is
// coalesced.
func (l *Logger) Commit(id int) {
	l.counters[id]++
	if l.counters[id] == BatchSize {
		l.counters[id] = 0
		l.regions.regions[id].Checkpoint()
	}
}

// Checkpoint force-commits the worker's region.
func (l *Logger) Checkpoint(id int) {
	l.counters[id] = 0
	l.regions.regions[id].Checkpoint()
}
