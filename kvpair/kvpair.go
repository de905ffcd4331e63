// Package kvpair implements the self-describing byte blob keys and values
// are stored as.
/*
 * Copyright (c) 2022-2024, Hill Authors. All rights reserved.
 */
package kvpair

import (
	"unsafe"

	"github.com/Dicridon/hillstore/cmn/debug"
	"github.com/Dicridon/hillstore/memory"
)

// HeaderSize is the CompactString overhead inside an allocated chunk.
const HeaderSize = 2

// MaxLength bounds the payload; the length field is 15 bits.
const MaxLength = 1<<15 - 1

// CompactString is a length-prefixed byte blob living inside a PM chunk:
// a {valid:1, length:15} header followed by length bytes. The length is
// meant to be copied into the index so searches can skip PM accesses.
type CompactString struct {
	header uint16
	// payload follows the header in the same chunk
}

// At casts a chunk address to its CompactString view.
func At(addr uint64) *CompactString {
	return (*CompactString)(unsafe.Pointer(uintptr(addr)))
}

// MakeString writes bytes into the chunk at addr and validates the header
// last, store-release style, so a torn write never reads as valid.
func MakeString(addr uint64, bytes []byte) *CompactString {
	debug.Assertf(len(bytes) <= MaxLength, "string too long: %d", len(bytes))
	s := At(addr)
	s.header = uint16(len(bytes)) & MaxLength
	copy(s.payload(len(bytes)), bytes)
	memory.Persist(unsafe.Pointer(s), uintptr(HeaderSize+len(bytes)))
	s.header |= 1 << 15
	memory.Persist(unsafe.Pointer(s), HeaderSize)
	return s
}

// Size returns the total chunk footprint for a payload of n bytes.
func Size(n int) uint64 { return uint64(HeaderSize + n) }

func (s *CompactString) payload(n int) []byte {
	base := unsafe.Pointer(uintptr(unsafe.Pointer(s)) + HeaderSize)
	return unsafe.Slice((*byte)(base), n)
}

func (s *CompactString) IsValid() bool { return s.header>>15 == 1 }
func (s *CompactString) Len() int      { return int(s.header & MaxLength) }

func (s *CompactString) Invalidate() {
	s.header &^= 1 << 15
	memory.Persist(unsafe.Pointer(s), HeaderSize)
}

// Bytes returns the payload view; the slice aliases PM.
func (s *CompactString) Bytes() []byte { return s.payload(s.Len()) }

// Compare orders lexicographically with tie-break by length: on an equal
// prefix the shorter string is smaller.
func (s *CompactString) Compare(rhs []byte) int {
	return CompareBytes(s.Bytes(), rhs)
}

// CompareBytes is the ordering every index structure uses.
func CompareBytes(lhs, rhs []byte) int {
	n := len(lhs)
	if len(rhs) < n {
		n = len(rhs)
	}
	for i := 0; i < n; i++ {
		if lhs[i] < rhs[i] {
			return -1
		}
		if lhs[i] > rhs[i] {
			return 1
		}
	}
	switch {
	case len(lhs) < len(rhs):
		return -1
	case len(lhs) > len(rhs):
		return 1
	default:
		return 0
	}
}
