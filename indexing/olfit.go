// Package indexing implements the concurrent ordered index.
/*
 * Copyright (c) 2022-2024, Hill Authors. All rights reserved.
 */
package indexing

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/OneOfOne/xxhash"
	"github.com/pkg/errors"

	"github.com/Dicridon/hillstore/kvpair"
	"github.com/Dicridon/hillstore/memory"
	"github.com/Dicridon/hillstore/wal"
)

// OpStatus is the outcome of one index operation.
type OpStatus int

const (
	Ok OpStatus = iota
	Failed
	Retry
	NoMemory
	NeedSplit
	RepeatInsert
	Unknown
)

func (s OpStatus) String() string {
	switch s {
	case Ok:
		return "ok"
	case Failed:
		return "failed"
	case Retry:
		return "retry"
	case NoMemory:
		return "no-memory"
	case NeedSplit:
		return "need-split"
	case RepeatInsert:
		return "repeat-insert"
	default:
		return "unknown"
	}
}

// OLFIT is the per-node ordered map from key bytes to value handles.
// Traversals are lock-free; mutations are sharded among workers by the
// range group, so two writers never race on one leaf.
type OLFIT struct {
	root   atomic.Uint64 // packed nodePointer, published by replacement
	alloc  *memory.Allocator
	logger *wal.Logger
	agent  *memory.RemoteMemoryAgent

	// inner nodes are DRAM-only; the arena pins every one of them so the
	// packed child words never dangle
	arenaMtx sync.Mutex
	arena    []*InnerNode
}

// MakeOLFIT bootstraps a tree whose root is a single leaf created via one
// log+allocate round trip.
func MakeOLFIT(alloc *memory.Allocator, logger *wal.Logger) (*OLFIT, error) {
	atid, err := alloc.RegisterWorker()
	if err != nil {
		return nil, err
	}
	ltid, err := logger.RegisterWorker()
	if err != nil {
		alloc.UnregisterWorker(atid)
		return nil, err
	}
	if atid != ltid {
		alloc.UnregisterWorker(atid)
		logger.UnregisterWorker(ltid)
		return nil, errors.New("allocator and logger worker slots diverge")
	}
	defer func() {
		alloc.UnregisterWorker(atid)
		logger.UnregisterWorker(ltid)
	}()

	t := &OLFIT{alloc: alloc, logger: logger}
	slot := logger.MakeLog(atid, wal.OpNodeSplit)
	// crashing between these calls is fine: either no allocation happened
	// yet, or WAL recovery reclaims the chunk via the log entry
	alloc.Allocate(atid, LeafNodeSize, slot)
	if *slot == 0 {
		return nil, errors.New("no memory for the root leaf")
	}
	root := MakeLeaf(*slot)
	logger.Commit(atid)
	t.root.Store(uint64(packLeaf(root)))
	return t, nil
}

// EnableAgent routes value allocation through the agent once the local
// allocator is exhausted.
func (t *OLFIT) EnableAgent(agent *memory.RemoteMemoryAgent) { t.agent = agent }

func (t *OLFIT) makeInner() *InnerNode {
	n := MakeInner()
	t.arenaMtx.Lock()
	t.arena = append(t.arena, n)
	t.arenaMtx.Unlock()
	return n
}

// descend on the first strictly-greater key, else the last occupied child
func findNext(n *InnerNode, k []byte) nodePointer {
	i := 0
	for ; i < NumHighKey; i++ {
		key := n.keyAt(i)
		if key == nil || key.Compare(k) > 0 {
			return n.childAt(i)
		}
	}
	return n.childAt(i)
}

func (t *OLFIT) traverse(k []byte) *LeafNode {
	cur := nodePointer(t.root.Load())
	for !cur.isLeaf() {
		next := findNext(cur.inner(), k)
		if next.isNull() {
			// torn traversal during a concurrent split: re-enter from root
			next = nodePointer(t.root.Load())
		}
		cur = next
	}
	return cur.leaf()
}

// getPos locates k's slot; -1 when absent. The fingerprint filter skips PM
// key comparisons.
func (t *OLFIT) getPos(k []byte) (*LeafNode, int) {
	leaf := t.traverse(k)
	fp := xxhash.Checksum64(k)
	for i := 0; i < NumHighKey; i++ {
		key := leaf.keyAt(i)
		if key == nil {
			return leaf, -1
		}
		if leaf.fingerprints[i] != fp {
			continue
		}
		if key.Compare(k) == 0 {
			return leaf, i
		}
	}
	return leaf, -1
}

// Search returns the value handle for k, or a null handle on miss.
func (t *OLFIT) Search(k []byte) (memory.PolymorphicPointer, uint64) {
	leaf, i := t.getPos(k)
	if i < 0 {
		return 0, 0
	}
	return memory.PolymorphicPointer(atomic.LoadUint64(&leaf.values[i])), leaf.valueSizes[i]
}

// Insert stores (k, v), returning the durable pointer of the stored value.
func (t *OLFIT) Insert(tid int, k, v []byte) (OpStatus, memory.PolymorphicPointer) {
	// keys must fit a local page; values that do not can still go remote
	if len(k) == 0 || kvpair.Size(len(k)) > memory.MaxAllocSize || len(v) > kvpair.MaxLength {
		return Failed, 0
	}
	leaf := t.traverse(k)
	if !leaf.IsFull() {
		return t.leafInsert(tid, leaf, k, v)
	}

	newLeaf, vp, st := t.splitLeaf(tid, leaf, k, v)
	if newLeaf == nil {
		return st, 0
	}

	// root is a leaf
	if leaf.Parent() == nil {
		newRoot := t.makeInner()
		newRoot.setKey(0, atomic.LoadUint64(&newLeaf.keys[0]))
		newRoot.setChild(0, packLeaf(leaf))
		newRoot.setChild(1, packLeaf(newLeaf))
		leaf.SetParent(newRoot)
		newLeaf.SetParent(newRoot)
		t.root.Store(uint64(packInner(newRoot)))
		return st, vp
	}

	if pst := t.pushUp(newLeaf); pst != Ok {
		return pst, vp
	}
	return st, vp
}

// leafInsert places (k, v) into a non-full leaf. Ordering per worker:
// WAL append, allocate, payload write, commit — the log entry's address
// slot is the out-pointer the allocator fills.
func (t *OLFIT) leafInsert(tid int, l *LeafNode, k, v []byte) (OpStatus, memory.PolymorphicPointer) {
	if l.IsFull() {
		return NeedSplit, 0
	}

	i := 0
	for ; i < NumHighKey; i++ {
		key := l.keyAt(i)
		if key == nil {
			break
		}
		c := key.Compare(k)
		if c > 0 {
			break
		}
		if c == 0 {
			return RepeatInsert, 0
		}
	}

	for j := NumHighKey - 1; j > i; j-- {
		atomic.StoreUint64(&l.keys[j], atomic.LoadUint64(&l.keys[j-1]))
		l.fingerprints[j] = l.fingerprints[j-1]
		atomic.StoreUint64(&l.values[j], atomic.LoadUint64(&l.values[j-1]))
		l.valueSizes[j] = l.valueSizes[j-1]
	}
	atomic.StoreUint64(&l.keys[i], 0)
	atomic.StoreUint64(&l.values[i], 0)

	slot := t.logger.MakeLog(tid, wal.OpInsert)
	t.alloc.Allocate(tid, kvpair.Size(len(k)), slot)
	if *slot == 0 {
		t.unshift(l, i)
		return NoMemory, 0
	}
	kvpair.MakeString(*slot, k)
	l.fingerprints[i] = xxhash.Checksum64(k)
	atomic.StoreUint64(&l.keys[i], *slot)
	t.logger.Commit(tid)

	// crashing between the two commits is fine: a key that cannot find its
	// value reads as a miss and the chunks are reclaimed on recovery
	st, vp := t.writeValue(tid, l, i, v)
	if st != Ok {
		keyAddr := atomic.LoadUint64(&l.keys[i])
		atomic.StoreUint64(&l.keys[i], 0)
		t.unshift(l, i)
		t.alloc.Free(tid, keyAddr)
		return st, 0
	}
	t.logger.Commit(tid)
	return Ok, vp
}

// writeValue logs and allocates the value chunk — locally when possible,
// through the agent otherwise — and publishes it in slot i.
func (t *OLFIT) writeValue(tid int, l *LeafNode, i int, v []byte) (OpStatus, memory.PolymorphicPointer) {
	var (
		slot  = t.logger.MakeLog(tid, wal.OpInsert)
		total = kvpair.Size(len(v))
	)
	if total <= memory.MaxAllocSize {
		t.alloc.Allocate(tid, total, slot)
	}
	if *slot != 0 {
		kvpair.MakeString(*slot, v)
		vp := memory.MakeLocalPointer(*slot)
		l.valueSizes[i] = total
		atomic.StoreUint64(&l.values[i], vp.Raw())
		return Ok, vp
	}
	if t.agent == nil {
		return NoMemory, 0
	}

	t.agent.Allocate(tid, total, slot)
	if *slot == 0 {
		return NoMemory, 0
	}
	vp := memory.PolymorphicPointer(*slot)
	conn := t.agent.PeerConnection(tid, vp.NodeID())
	if conn == nil {
		return Failed, 0
	}
	buf := make([]byte, total)
	kvpair.MakeString(uint64(uintptr(unsafe.Pointer(&buf[0]))), v)
	if err := conn.PostWrite(buf, vp.Remote().Address()); err != nil {
		return Failed, 0
	}
	if err := conn.PollCompletionOnce(); err != nil {
		// the remote chunk is leaked until the peer recovers its allocator
		return Failed, 0
	}
	l.valueSizes[i] = total
	atomic.StoreUint64(&l.values[i], vp.Raw())
	return Ok, vp
}

func (t *OLFIT) unshift(l *LeafNode, i int) {
	for j := i; j < NumHighKey-1; j++ {
		atomic.StoreUint64(&l.keys[j], atomic.LoadUint64(&l.keys[j+1]))
		l.fingerprints[j] = l.fingerprints[j+1]
		atomic.StoreUint64(&l.values[j], atomic.LoadUint64(&l.values[j+1]))
		l.valueSizes[j] = l.valueSizes[j+1]
	}
	atomic.StoreUint64(&l.keys[NumHighKey-1], 0)
	atomic.StoreUint64(&l.values[NumHighKey-1], 0)
	l.fingerprints[NumHighKey-1] = 0
	l.valueSizes[NumHighKey-1] = 0
}

// splitLeaf allocates a sibling under a NodeSplit entry, migrates the
// upper half and inserts (k, v) into whichever side owns its position.
// Once committed the split is recovery-complete: inner nodes are DRAM-only
// and reconstructible from leaves, so a crash before push-up is safe.
func (t *OLFIT) splitLeaf(tid int, l *LeafNode, k, v []byte) (*LeafNode, memory.PolymorphicPointer, OpStatus) {
	slot := t.logger.MakeLog(tid, wal.OpNodeSplit)
	t.alloc.Allocate(tid, LeafNodeSize, slot)
	if *slot == 0 {
		return nil, 0, NoMemory
	}
	n := MakeLeaf(*slot)
	n.SetParent(l.Parent())
	memory.Fence()

	i := 0
	for ; i < NumHighKey; i++ {
		if l.keyAt(i).Compare(k) > 0 {
			break
		}
	}

	split := NumHighKey / 2
	if i < split {
		split--
	}
	for j := split; j < NumHighKey; j++ {
		atomic.StoreUint64(&n.keys[j-split], atomic.LoadUint64(&l.keys[j]))
		n.fingerprints[j-split] = l.fingerprints[j]
		atomic.StoreUint64(&n.values[j-split], atomic.LoadUint64(&l.values[j]))
		n.valueSizes[j-split] = l.valueSizes[j]
	}
	memory.Persist(unsafe.Pointer(n), unsafe.Sizeof(*n))
	for j := split; j < NumHighKey; j++ {
		atomic.StoreUint64(&l.keys[j], 0)
		atomic.StoreUint64(&l.values[j], 0)
		l.fingerprints[j] = 0
		l.valueSizes[j] = 0
	}

	var (
		st OpStatus
		vp memory.PolymorphicPointer
	)
	if i < NumHighKey/2 {
		st, vp = t.leafInsert(tid, l, k, v)
	} else {
		st, vp = t.leafInsert(tid, n, k, v)
	}
	t.logger.Commit(tid)
	return n, vp, st
}

// innerInsert places (splitKey, child) into a non-full inner node; child
// covers keys on the right of splitKey.
func innerInsert(n *InnerNode, splitKey uint64, child nodePointer) OpStatus {
	if n.IsFull() {
		return NeedSplit
	}
	sk := kvpair.At(splitKey)
	i := 0
	for ; i < NumHighKey; i++ {
		key := n.keyAt(i)
		if key == nil || sk.Compare(key.Bytes()) < 0 {
			break
		}
	}
	for j := NumHighKey - 1; j > i; j-- {
		n.setKey(j, atomic.LoadUint64(&n.keys[j-1]))
		n.setChild(j+1, n.childAt(j))
	}
	n.setKey(i, splitKey)
	n.setChild(i+1, child)
	child.setParent(n)
	return Ok
}

// splitInner splits a full inner node around the incoming (splitKey,
// child) and returns the new right node plus the key to push further up.
func (t *OLFIT) splitInner(l *InnerNode, splitKey uint64, child nodePointer) (*InnerNode, uint64) {
	right := t.makeInner()
	right.parent = l.parent

	splitPos := Degree / 2
	sk := kvpair.At(splitKey)
	i := 0
	for ; i < NumHighKey; i++ {
		if sk.Compare(l.keyAt(i).Bytes()) < 0 {
			break
		}
	}

	if i == splitPos {
		// the incoming key is itself the one pushed up
		right.setChild(0, child)
		child.setParent(right)
		for j := i; j < NumHighKey; j++ {
			right.setKey(j-i, atomic.LoadUint64(&l.keys[j]))
			l.setKey(j, 0)
			right.setChild(j-i+1, l.childAt(j+1))
			right.childAt(j-i+1).setParent(right)
			l.setChild(j+1, 0)
		}
		return right, splitKey
	}

	var (
		realSplitPos = splitPos
		start        int
		target       *InnerNode
	)
	if i < splitPos {
		// the key left of splitPos moves up; the incoming pair lands left
		start = splitPos
		realSplitPos = splitPos - 1
		target = l
	} else {
		start = splitPos + 1
		target = right
	}

	retKey := atomic.LoadUint64(&l.keys[realSplitPos])
	j := start
	for ; j < NumHighKey; j++ {
		right.setKey(j-start, atomic.LoadUint64(&l.keys[j]))
		l.setKey(j, 0)
		right.setChild(j-start, l.childAt(j))
		right.childAt(j-start).setParent(right)
		l.setChild(j, 0)
	}
	right.setChild(j-start, l.childAt(j))
	right.childAt(j-start).setParent(right)
	l.setChild(j, 0)
	l.setKey(realSplitPos, 0)
	innerInsert(target, splitKey, child)
	return right, retKey
}

// pushUp walks the split key toward the root, splitting full ancestors,
// and publishes a fresh root when the walk falls off the top.
func (t *OLFIT) pushUp(newLeaf *LeafNode) OpStatus {
	var (
		newNode  = packLeaf(newLeaf)
		splitKey = atomic.LoadUint64(&newLeaf.keys[0])
		inner    = newLeaf.Parent()
	)
	for inner != nil {
		if !inner.IsFull() {
			innerInsert(inner, splitKey, newNode)
			newNode.setParent(inner)
			return Ok
		}
		right, nextKey := t.splitInner(inner, splitKey, newNode)
		newNode = packInner(right)
		splitKey = nextKey
		if inner.parent == nil {
			newRoot := t.makeInner()
			newRoot.setKey(0, splitKey)
			newRoot.setChild(0, packInner(inner))
			newRoot.setChild(1, newNode)
			inner.parent = newRoot
			newNode.setParent(newRoot)
			t.root.Store(uint64(packInner(newRoot)))
			return Ok
		}
		inner = inner.parent
	}
	return Ok
}

// Update replaces k's value with a freshly allocated chunk and frees the
// old one.
func (t *OLFIT) Update(tid int, k, v []byte) (OpStatus, memory.PolymorphicPointer) {
	if len(v) > kvpair.MaxLength {
		return Failed, 0
	}
	leaf, i := t.getPos(k)
	if i < 0 {
		return Failed, 0
	}

	var (
		slot  = t.logger.MakeLog(tid, wal.OpUpdate)
		total = kvpair.Size(len(v))
		old   = memory.PolymorphicPointer(atomic.LoadUint64(&leaf.values[i]))
	)
	if total <= memory.MaxAllocSize {
		t.alloc.Allocate(tid, total, slot)
	}
	if *slot == 0 && t.agent != nil {
		return t.updateRemote(tid, leaf, i, v, slot, old)
	}
	if *slot == 0 {
		return NoMemory, 0
	}
	kvpair.MakeString(*slot, v)
	vp := memory.MakeLocalPointer(*slot)
	leaf.valueSizes[i] = total
	atomic.StoreUint64(&leaf.values[i], vp.Raw())
	t.logger.Commit(tid)
	t.freeValue(tid, old)
	return Ok, vp
}

func (t *OLFIT) updateRemote(tid int, leaf *LeafNode, i int, v []byte,
	slot *uint64, old memory.PolymorphicPointer) (OpStatus, memory.PolymorphicPointer) {
	total := kvpair.Size(len(v))
	t.agent.Allocate(tid, total, slot)
	if *slot == 0 {
		return NoMemory, 0
	}
	vp := memory.PolymorphicPointer(*slot)
	conn := t.agent.PeerConnection(tid, vp.NodeID())
	if conn == nil {
		return Failed, 0
	}
	buf := make([]byte, total)
	kvpair.MakeString(uint64(uintptr(unsafe.Pointer(&buf[0]))), v)
	if err := conn.PostWrite(buf, vp.Remote().Address()); err != nil {
		return Failed, 0
	}
	if err := conn.PollCompletionOnce(); err != nil {
		return Failed, 0
	}
	leaf.valueSizes[i] = total
	atomic.StoreUint64(&leaf.values[i], vp.Raw())
	t.logger.Commit(tid)
	t.freeValue(tid, old)
	return Ok, vp
}

func (t *OLFIT) freeValue(tid int, p memory.PolymorphicPointer) {
	if p.IsNull() {
		return
	}
	if p.IsLocal() {
		t.alloc.Free(tid, p.LocalAddr())
	} else if t.agent != nil {
		t.agent.Free(tid, p.Remote())
	}
}

// Remove deletes k, reclaiming its key and value chunks.
func (t *OLFIT) Remove(tid int, k []byte) OpStatus {
	leaf, i := t.getPos(k)
	if i < 0 {
		return Failed
	}

	t.logger.MakeLog(tid, wal.OpDelete)
	var (
		keyAddr = atomic.LoadUint64(&leaf.keys[i])
		old     = memory.PolymorphicPointer(atomic.LoadUint64(&leaf.values[i]))
	)
	t.unshift(leaf, i)
	t.logger.Commit(tid)

	t.alloc.Free(tid, keyAddr)
	t.freeValue(tid, old)
	return Ok
}

// Scan returns the value handles of up to n keys >= start, in key order.
func (t *OLFIT) Scan(start []byte, n int) []memory.PolymorphicPointer {
	out := make([]memory.PolymorphicPointer, 0, n)
	t.scanNode(nodePointer(t.root.Load()), start, n, &out)
	return out
}

// ScanRange returns the value handles of every key in [start, end], with
// sizes, in key order.
func (t *OLFIT) ScanRange(start, end []byte) ([]memory.PolymorphicPointer, []uint64) {
	var (
		out   []memory.PolymorphicPointer
		sizes []uint64
	)
	t.scanRangeNode(nodePointer(t.root.Load()), start, end, &out, &sizes)
	return out, sizes
}

func (t *OLFIT) scanRangeNode(p nodePointer, start, end []byte,
	out *[]memory.PolymorphicPointer, sizes *[]uint64) bool {
	if p.isNull() {
		return true
	}
	if p.isLeaf() {
		leaf := p.leaf()
		for i := 0; i < NumHighKey; i++ {
			key := leaf.keyAt(i)
			if key == nil {
				return true
			}
			if key.Compare(start) < 0 {
				continue
			}
			if key.Compare(end) > 0 {
				return false
			}
			*out = append(*out, memory.PolymorphicPointer(atomic.LoadUint64(&leaf.values[i])))
			*sizes = append(*sizes, leaf.valueSizes[i])
		}
		return true
	}
	inner := p.inner()
	i := 0
	for ; i < NumHighKey; i++ {
		key := inner.keyAt(i)
		if key == nil || key.Compare(start) > 0 {
			break
		}
	}
	for ; i <= NumHighKey; i++ {
		if !t.scanRangeNode(inner.childAt(i), start, end, out, sizes) {
			return false
		}
	}
	return true
}

// scanNode collects in order; reports whether the walk should continue.
func (t *OLFIT) scanNode(p nodePointer, start []byte, n int, out *[]memory.PolymorphicPointer) bool {
	if p.isNull() {
		return true
	}
	if p.isLeaf() {
		leaf := p.leaf()
		for i := 0; i < NumHighKey; i++ {
			key := leaf.keyAt(i)
			if key == nil {
				return true
			}
			if key.Compare(start) < 0 {
				continue
			}
			*out = append(*out, memory.PolymorphicPointer(atomic.LoadUint64(&leaf.values[i])))
			if len(*out) == n {
				return false
			}
		}
		return true
	}

	inner := p.inner()
	i := 0
	for ; i < NumHighKey; i++ {
		key := inner.keyAt(i)
		if key == nil || key.Compare(start) > 0 {
			break
		}
	}
	for ; i <= NumHighKey; i++ {
		if !t.scanNode(inner.childAt(i), start, n, out) {
			return false
		}
	}
	return true
}
