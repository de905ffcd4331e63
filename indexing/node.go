// Package indexing implements the concurrent ordered index: a B+-tree
// variant with PM-resident leaves and DRAM-resident inner nodes.
/*
 * Copyright (c) 2022-2024, Hill Authors. All rights reserved.
 */
package indexing

import (
	"sync/atomic"
	"unsafe"

	"github.com/Dicridon/hillstore/kvpair"
	"github.com/Dicridon/hillstore/memory"
)

const (
	// Degree is the tree order; every node holds at most Degree-1 keys.
	Degree     = 16
	NumHighKey = Degree - 1
)

// Node pointers are packed into a single word so the root and every child
// slot can be published with one atomic store: tag in the high 16 bits,
// canonical 48-bit address below.
type nodeType uint64

const (
	nodeNone nodeType = iota
	nodeLeaf
	nodeInner
)

type nodePointer uint64

const nodeAddrMask = uint64(1)<<48 - 1

func packLeaf(l *LeafNode) nodePointer {
	return nodePointer(uint64(nodeLeaf)<<48 | uint64(uintptr(unsafe.Pointer(l)))&nodeAddrMask)
}

func packInner(n *InnerNode) nodePointer {
	return nodePointer(uint64(nodeInner)<<48 | uint64(uintptr(unsafe.Pointer(n)))&nodeAddrMask)
}

func (p nodePointer) typ() nodeType { return nodeType(p >> 48) }
func (p nodePointer) isNull() bool  { return p == 0 }
func (p nodePointer) isLeaf() bool  { return p.typ() == nodeLeaf }
func (p nodePointer) isInner() bool { return p.typ() == nodeInner }

func (p nodePointer) addr() uintptr {
	// sign-extend the canonical address
	return uintptr(int64(uint64(p)<<16) >> 16)
}

func (p nodePointer) leaf() *LeafNode   { return (*LeafNode)(unsafe.Pointer(p.addr())) }
func (p nodePointer) inner() *InnerNode { return (*InnerNode)(unsafe.Pointer(p.addr())) }

func (p nodePointer) setParent(n *InnerNode) {
	if p.isLeaf() {
		p.leaf().SetParent(n)
	} else {
		p.inner().parent = n
	}
}

// LeafNode lives in PM. Slots are left-packed and sorted by key; keys are
// CompactString addresses, values PolymorphicPointer payloads, and the
// fingerprint is a 64-bit hash of the key bytes that lets a search skip
// most PM comparisons. The parent back-pointer references a DRAM inner
// node and is rebuilt whenever the tree reshapes.
type LeafNode struct {
	parent       uint64
	fingerprints [NumHighKey]uint64
	keys         [NumHighKey]uint64
	values       [NumHighKey]uint64
	valueSizes   [NumHighKey]uint64
}

// LeafNodeSize is the PM allocation footprint of one leaf.
const LeafNodeSize = uint64(unsafe.Sizeof(LeafNode{}))

// MakeLeaf formats the chunk at addr as an empty leaf.
func MakeLeaf(addr uint64) *LeafNode {
	l := (*LeafNode)(unsafe.Pointer(uintptr(addr)))
	*l = LeafNode{}
	memory.Persist(unsafe.Pointer(l), unsafe.Sizeof(*l))
	return l
}

func (l *LeafNode) Address() uint64 {
	return uint64(uintptr(unsafe.Pointer(l)))
}

func (l *LeafNode) Parent() *InnerNode {
	return (*InnerNode)(unsafe.Pointer(uintptr(atomic.LoadUint64(&l.parent))))
}

func (l *LeafNode) SetParent(n *InnerNode) {
	atomic.StoreUint64(&l.parent, uint64(uintptr(unsafe.Pointer(n))))
}

func (l *LeafNode) IsFull() bool {
	return atomic.LoadUint64(&l.keys[NumHighKey-1]) != 0
}

func (l *LeafNode) keyAt(i int) *kvpair.CompactString {
	addr := atomic.LoadUint64(&l.keys[i])
	if addr == 0 {
		return nil
	}
	return kvpair.At(addr)
}

// InnerNode lives in DRAM and only routes: keys are sorted ascending,
// child i covers keys strictly less than keys[i], the last occupied child
// covers the rest. Key and child slots are published with word-sized
// stores so concurrent readers never see a torn value.
type InnerNode struct {
	parent   *InnerNode
	keys     [NumHighKey]uint64
	children [Degree]uint64
}

func MakeInner() *InnerNode { return &InnerNode{} }

func (n *InnerNode) IsFull() bool {
	return atomic.LoadUint64(&n.keys[NumHighKey-1]) != 0
}

func (n *InnerNode) keyAt(i int) *kvpair.CompactString {
	addr := atomic.LoadUint64(&n.keys[i])
	if addr == 0 {
		return nil
	}
	return kvpair.At(addr)
}

func (n *InnerNode) childAt(i int) nodePointer {
	return nodePointer(atomic.LoadUint64(&n.children[i]))
}

func (n *InnerNode) setKey(i int, addr uint64) {
	atomic.StoreUint64(&n.keys[i], addr)
}

func (n *InnerNode) setChild(i int, p nodePointer) {
	atomic.StoreUint64(&n.children[i], uint64(p))
}
