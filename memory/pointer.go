// Package memory manages a node's persistent-memory region.
/*
 * Copyright (c) 2022-2024, Hill Authors. All rights reserved.
 */
package memory

import "unsafe"

// Pointer encoding. A local pointer is a canonical 48-bit virtual address
// stored verbatim. A remote pointer has the top two bits set to 0b10, the
// next six bits holding the node id and the low 56 bits the offset within
// that node's PM region:
//
//	63 62 61          56 55                                            0
//	-------------------------------------------------------------------
//	| 1 0 |   node id   |                 address                      |
//	-------------------------------------------------------------------
const (
	remoteBits     = uint64(0x2)
	remoteBitsMask = uint64(0xc000000000000000)
	remoteAddrMask = ^uint64(0xffff000000000000)
	nodeIDMask     = uint64(0x3f)
)

// RemotePointer addresses a chunk inside a peer's PM region.
type RemotePointer uint64

// MakeRemotePointer embeds node into the high bits of address.
func MakeRemotePointer(node int, address uint64) RemotePointer {
	value := address & remoteAddrMask
	meta := (remoteBits << 6) | (uint64(node) & nodeIDMask)
	return RemotePointer(meta<<56 | value)
}

func (r RemotePointer) NodeID() int { return int((uint64(r) >> 56) & nodeIDMask) }

// Address sign-extends the 48-bit payload, yielding the offset (or the
// canonical address) within the owning node's region.
func (r RemotePointer) Address() uint64 {
	return uint64(int64(r<<16) >> 16)
}

func (r RemotePointer) IsNull() bool { return r == 0 }

// PolymorphicPointer is a tagged 64-bit handle addressing either local PM
// (a verbatim virtual address) or a peer's PM (a RemotePointer). The
// encoding is stable across processes: these values are persisted inside
// index leaves.
type PolymorphicPointer uint64

func MakeLocalPointer(addr uint64) PolymorphicPointer { return PolymorphicPointer(addr) }

func MakeRemote(node int, address uint64) PolymorphicPointer {
	return PolymorphicPointer(MakeRemotePointer(node, address))
}

func (p PolymorphicPointer) IsRemote() bool {
	return (uint64(p)&remoteBitsMask)>>62 == remoteBits
}

func (p PolymorphicPointer) IsLocal() bool { return !p.IsRemote() }
func (p PolymorphicPointer) IsNull() bool  { return p == 0 }

// NodeID is meaningful only for remote pointers.
func (p PolymorphicPointer) NodeID() int { return RemotePointer(p).NodeID() }

// Remote reinterprets the handle as a RemotePointer.
func (p PolymorphicPointer) Remote() RemotePointer { return RemotePointer(p) }

// LocalAddr returns the raw local virtual address. Never dereference a
// remote pointer without routing through the agent.
func (p PolymorphicPointer) LocalAddr() uint64 { return uint64(p) }

// Raw returns the 64-bit payload, for persistence and equality.
func (p PolymorphicPointer) Raw() uint64 { return uint64(p) }

// AsAddress sign-extends the 48-bit payload so the result can be
// dereferenced locally; on a remote pointer this yields the remote offset.
func (p PolymorphicPointer) AsAddress() uint64 {
	return uint64(int64(p<<16) >> 16)
}

// BytesAt gives a byte view of local memory; addr must be a live local
// address of at least size bytes.
func BytesAt(addr, size uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), size)
}
