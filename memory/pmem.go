// Package memory manages a node's persistent-memory region: the page
// allocator, local and remote pointers, and the remote memory agent.
/*
 * Copyright (c) 2022-2024, Hill Authors. All rights reserved.
 */
package memory

import (
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// A Region is the node's mapped PM. The mapping is established once at
// startup and lives for the process; all PM addresses handed out by the
// allocator point into it. When no pmem file is configured the region is
// plain DRAM, which keeps the exact same code paths minus durability.
type Region struct {
	buf  []byte
	base uint64
	file *os.File
}

// MapFile maps (creating if needed) a pmem file of the given size.
func MapFile(path string, size uint64) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, errors.Wrapf(err, "open pmem file %s", path)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "size pmem file %s", path)
	}
	buf, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "map pmem file %s", path)
	}
	return &Region{buf: buf, base: uint64(uintptr(unsafe.Pointer(&buf[0]))), file: f}, nil
}

// NewDRAM allocates an anonymous region. Used when no pmem file is
// configured and throughout the tests.
func NewDRAM(size uint64) *Region {
	// over-allocate so the first page can be 16KiB-aligned
	buf := make([]byte, size+PageSize)
	return &Region{buf: buf, base: uint64(uintptr(unsafe.Pointer(&buf[0])))}
}

func (r *Region) Base() uint64 { return r.base }
func (r *Region) Size() uint64 { return uint64(len(r.buf)) }

// Bytes exposes the raw mapping; the transport layer serves one-sided
// peer operations against it.
func (r *Region) Bytes() []byte { return r.buf }

// Sync flushes a file-backed region to media. On real PM hardware the
// store fences below are what order the writes; msync is the durability
// point for the file-backed emulation.
func (r *Region) Sync() error {
	if r.file == nil {
		return nil
	}
	return unix.Msync(r.buf, unix.MS_SYNC)
}

func (r *Region) Unmap() error {
	if r.file == nil {
		r.buf = nil
		return nil
	}
	err := unix.Munmap(r.buf)
	r.file.Close()
	return err
}

var fenceWord uint64

// Fence orders preceding PM stores before subsequent ones.
func Fence() { atomic.AddUint64(&fenceWord, 1) }

// Persist stands in for flushing [p, p+size) to PM. It only fences, so
// that crash-consistency ordering within the region holds; it does not
// write anything back to media. A file-backed region is flushed by
// Region.Sync, which Engine.Stop calls.
func Persist(p unsafe.Pointer, size uintptr) {
	_ = size
	Fence()
}
