// Package indexing implements the concurrent ordered index.
/*
 * Copyright (c) 2022-2024, Hill Authors. All rights reserved.
 */
package indexing

import (
	"bytes"
	"fmt"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/Dicridon/hillstore/cmn"
	"github.com/Dicridon/hillstore/kvpair"
	"github.com/Dicridon/hillstore/memory"
	"github.com/Dicridon/hillstore/rdma"
	"github.com/Dicridon/hillstore/tools/tassert"
	"github.com/Dicridon/hillstore/wal"
)

type testEnv struct {
	region *memory.Region
	alloc  *memory.Allocator
	logger *wal.Logger
	tree   *OLFIT
	tid    int
}

func newTestEnv(t *testing.T, heap uint64) *testEnv {
	t.Helper()
	region := memory.NewDRAM(wal.RegionsSize + heap)
	logger := wal.MakeLogger(region.Base())
	alloc := memory.MakeAllocator(region.Base()+wal.RegionsSize, heap)
	tree, err := MakeOLFIT(alloc, logger)
	tassert.CheckFatal(t, err)
	tid, err := alloc.RegisterWorker()
	tassert.CheckFatal(t, err)
	ltid, err := logger.RegisterWorker()
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, tid == ltid, "worker slots diverge")
	return &testEnv{region: region, alloc: alloc, logger: logger, tree: tree, tid: tid}
}

func (e *testEnv) mustInsert(t *testing.T, k, v string) {
	t.Helper()
	st, ptr := e.tree.Insert(e.tid, []byte(k), []byte(v))
	tassert.Fatalf(t, st == Ok, "insert %q: %s", k, st)
	tassert.Fatalf(t, !ptr.IsNull(), "insert %q returned a null handle", k)
}

func (e *testEnv) lookup(t *testing.T, k string) (string, bool) {
	t.Helper()
	ptr, size := e.tree.Search([]byte(k))
	if ptr.IsNull() || size == 0 {
		return "", false
	}
	tassert.Fatalf(t, ptr.IsLocal(), "unexpected remote handle for %q", k)
	return string(kvpair.At(ptr.LocalAddr()).Bytes()), true
}

func TestInsertSearchSingleLeaf(t *testing.T) {
	e := newTestEnv(t, 8*cmn.MiB)
	// ten fixed-width keys, value = key
	keys := make([]string, 10)
	for i := range keys {
		keys[i] = fmt.Sprintf("1000000000000000000%d", i)
	}
	for _, k := range keys {
		e.mustInsert(t, k, k)
	}
	for _, k := range keys {
		v, ok := e.lookup(t, k)
		tassert.Fatalf(t, ok, "%q not found", k)
		tassert.Fatalf(t, v == k, "%q dereferenced to %q", k, v)
	}
	if _, ok := e.lookup(t, "19999999999999999999"); ok {
		t.Fatal("found a key that was never inserted")
	}
}

func TestRepeatInsert(t *testing.T) {
	e := newTestEnv(t, 8*cmn.MiB)
	e.mustInsert(t, "k", "v1")
	st, _ := e.tree.Insert(e.tid, []byte("k"), []byte("v2"))
	tassert.Fatalf(t, st == RepeatInsert, "second insert: %s", st)
	v, ok := e.lookup(t, "k")
	tassert.Fatalf(t, ok && v == "v1", "value clobbered: %q", v)
}

func TestLeafSplitAndScan(t *testing.T) {
	e := newTestEnv(t, 8*cmn.MiB)
	// out-of-order inserts across several leaves
	var keys []string
	for i := 0; i < 2*Degree; i++ {
		keys = append(keys, fmt.Sprintf("key-%04d", (i*7)%(2*Degree)))
	}
	for _, k := range keys {
		e.mustInsert(t, k, "val-"+k)
	}

	root := nodePointer(e.tree.root.Load())
	tassert.Fatalf(t, root.isInner(), "tree never split")

	ptrs := e.tree.Scan([]byte("key-0000"), 2*Degree)
	tassert.Fatalf(t, len(ptrs) == 2*Degree, "scan returned %d of %d", len(ptrs), 2*Degree)
	for i, ptr := range ptrs {
		want := fmt.Sprintf("val-key-%04d", i)
		got := string(kvpair.At(ptr.LocalAddr()).Bytes())
		tassert.Fatalf(t, got == want, "scan[%d] = %q, want %q", i, got, want)
	}

	// every key remains reachable through the split tree
	for _, k := range keys {
		v, ok := e.lookup(t, k)
		tassert.Fatalf(t, ok, "%q lost after split", k)
		tassert.Fatalf(t, v == "val-"+k, "%q = %q", k, v)
	}
}

func TestSplitPartition(t *testing.T) {
	e := newTestEnv(t, 8*cmn.MiB)
	for i := 0; i < Degree; i++ {
		e.mustInsert(t, fmt.Sprintf("p%02d", i), "v")
	}
	root := nodePointer(e.tree.root.Load())
	tassert.Fatalf(t, root.isInner(), "no split after %d inserts", Degree)

	inner := root.inner()
	splitKey := inner.keyAt(0)
	tassert.Fatalf(t, splitKey != nil, "root has no split key")

	var (
		left  = inner.childAt(0).leaf()
		right = inner.childAt(1).leaf()
		total int
	)
	for i := 0; i < NumHighKey; i++ {
		if k := left.keyAt(i); k != nil {
			tassert.Fatalf(t, k.Compare(splitKey.Bytes()) < 0,
				"left key %q not below split key %q", k.Bytes(), splitKey.Bytes())
			total++
		}
		if k := right.keyAt(i); k != nil {
			tassert.Fatalf(t, k.Compare(splitKey.Bytes()) >= 0,
				"right key %q below split key %q", k.Bytes(), splitKey.Bytes())
			total++
		}
	}
	tassert.Fatalf(t, total == Degree, "split lost keys: %d != %d", total, Degree)
	tassert.Fatal(t, bytes.Equal(splitKey.Bytes(), right.keyAt(0).Bytes()),
		"split key is not the first key of the new leaf")
}

func TestDeepTreeOrdering(t *testing.T) {
	e := newTestEnv(t, 32*cmn.MiB)
	const n = 1000
	// insert in a scrambled but deterministic order
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("key-%06d", (i*577)%n)
		e.mustInsert(t, k, k)
	}

	ptrs := e.tree.Scan([]byte("key-000000"), n)
	tassert.Fatalf(t, len(ptrs) == n, "scan returned %d of %d", len(ptrs), n)
	prev := ""
	for _, ptr := range ptrs {
		got := string(kvpair.At(ptr.LocalAddr()).Bytes())
		tassert.Fatalf(t, prev < got, "scan out of order: %q after %q", got, prev)
		prev = got
	}

	ptrs, sizes := e.tree.ScanRange([]byte("key-000100"), []byte("key-000199"))
	tassert.Fatalf(t, len(ptrs) == 100, "range scan returned %d of 100", len(ptrs))
	for i, size := range sizes {
		tassert.Fatalf(t, size == kvpair.Size(len("key-000100")),
			"range scan size[%d] = %d", i, size)
	}
}

func TestUpdate(t *testing.T) {
	e := newTestEnv(t, 8*cmn.MiB)
	e.mustInsert(t, "k", "before")
	st, ptr := e.tree.Update(e.tid, []byte("k"), []byte("after-with-more-bytes"))
	tassert.Fatalf(t, st == Ok, "update: %s", st)
	tassert.Fatalf(t, !ptr.IsNull(), "update returned a null handle")

	v, ok := e.lookup(t, "k")
	tassert.Fatalf(t, ok && v == "after-with-more-bytes", "update not visible: %q", v)

	st, _ = e.tree.Update(e.tid, []byte("absent"), []byte("x"))
	tassert.Fatalf(t, st == Failed, "update of absent key: %s", st)
}

func TestRemove(t *testing.T) {
	e := newTestEnv(t, 8*cmn.MiB)
	for i := 0; i < 10; i++ {
		e.mustInsert(t, fmt.Sprintf("r%02d", i), "v")
	}
	tassert.Fatalf(t, e.tree.Remove(e.tid, []byte("r05")) == Ok, "remove failed")
	if _, ok := e.lookup(t, "r05"); ok {
		t.Fatal("removed key still findable")
	}
	for _, k := range []string{"r00", "r04", "r06", "r09"} {
		_, ok := e.lookup(t, k)
		tassert.Fatalf(t, ok, "%q lost by the removal", k)
	}
	tassert.Fatalf(t, e.tree.Remove(e.tid, []byte("r05")) == Failed, "double remove succeeded")
}

func TestInsertNoMemory(t *testing.T) {
	// a heap of a few pages only: inserts must eventually surface
	// NoMemory rather than corrupt the tree
	e := newTestEnv(t, 16*memory.PageSize)
	var (
		ok  int
		hit bool
	)
	for i := 0; i < 10000; i++ {
		st, _ := e.tree.Insert(e.tid, []byte(fmt.Sprintf("k%06d", i)), bytes.Repeat([]byte("x"), 1024))
		if st == Ok {
			ok++
			continue
		}
		tassert.Fatalf(t, st == NoMemory, "unexpected status %s", st)
		hit = true
		break
	}
	tassert.Fatal(t, hit, "allocator never ran out")
	tassert.Fatalf(t, ok > 0, "nothing was ever inserted")

	// the populated part of the tree is intact
	v, ok2 := e.lookup(t, "k000000")
	tassert.Fatalf(t, ok2 && v == string(bytes.Repeat([]byte("x"), 1024)), "survivor lost")
}

func TestInsertThroughAgent(t *testing.T) {
	// local heap small, peer region large: once local PM is exhausted the
	// value goes to the peer and comes back as a remote handle
	const peerNode = 7
	e := newTestEnv(t, 40*memory.PageSize)

	peerRegion := memory.NewDRAM(8 * cmn.MiB)
	agentRegion := memory.NewDRAM(memory.AgentSize + memory.PageSize)
	peers := &memory.PeerConnections{}
	agent := memory.MakeAgent(agentRegion.Base(), peers)
	agent.SetPeerConnection(e.tid, peerNode,
		rdma.NewMemContext(peerRegion.Bytes(), peerRegion.Base()))
	tassert.Fatal(t, agent.AddRegion(e.tid, memory.MakeRemotePointer(peerNode, peerRegion.Base())),
		"agent rejected the peer region")
	e.tree.EnableAgent(agent)

	var (
		remote  memory.PolymorphicPointer
		payload = bytes.Repeat([]byte("y"), 12*1024)
	)
	for i := 0; i < 200 && remote.IsNull(); i++ {
		st, ptr := e.tree.Insert(e.tid, []byte(fmt.Sprintf("big%04d", i)), payload)
		if st != Ok {
			tassert.Fatalf(t, st == NoMemory, "unexpected status %s", st)
			break
		}
		if ptr.IsRemote() {
			remote = ptr
		}
	}
	tassert.Fatal(t, !remote.IsNull(), "no value was ever placed remotely")
	tassert.Fatalf(t, remote.NodeID() == peerNode, "remote handle on node %d", remote.NodeID())

	// the peer region holds the bytes the agent shipped over
	got := kvpair.At(remote.Remote().Address())
	tassert.Fatal(t, got.IsValid(), "remote value not valid")
	tassert.Fatal(t, bytes.Equal(got.Bytes(), payload), "remote value bytes differ")
}

func TestDurabilityAcrossRecovery(t *testing.T) {
	e := newTestEnv(t, 8*cmn.MiB)
	keys := make([]string, 50)
	for i := range keys {
		keys[i] = fmt.Sprintf("durable-%03d", i)
		e.mustInsert(t, keys[i], "value-"+keys[i])
	}
	e.logger.Checkpoint(e.tid)

	// a clean restart: the WAL replays (nothing uncommitted) and the
	// allocator re-checks its header; PM contents are untouched
	_, freed := wal.RecoverLogger(e.region.Base())
	for _, pages := range freed {
		tassert.Fatalf(t, len(pages) == 0, "clean restart reclaimed pages")
	}
	tassert.Fatalf(t, e.alloc.Recover() == memory.RecoveryOk, "allocator recovery failed")

	for _, k := range keys {
		v, ok := e.lookup(t, k)
		tassert.Fatalf(t, ok, "%q lost across recovery", k)
		tassert.Fatalf(t, v == "value-"+k, "%q = %q after recovery", k, v)
	}
}

func TestCrashBetweenAllocateAndCommit(t *testing.T) {
	e := newTestEnv(t, 8*cmn.MiB)
	e.mustInsert(t, "pre", "existing")
	e.logger.Checkpoint(e.tid)

	// hand-run the first half of an insert: log the intent, allocate the
	// key chunk, then crash before commit
	slot := e.logger.MakeLog(e.tid, wal.OpInsert)
	e.alloc.Allocate(e.tid, kvpair.Size(len("doomed")), slot)
	tassert.Fatalf(t, *slot != 0, "allocation failed")
	page := memory.PageOf(*slot)
	validBefore := page.Valid() // includes the doomed chunk

	wal.RecoverLogger(e.region.Base())
	tassert.Fatalf(t, page.Valid() == validBefore-1,
		"valid %d after recovery, want %d", page.Valid(), validBefore-1)

	// the committed key is still there, the doomed one is not findable
	v, ok := e.lookup(t, "pre")
	tassert.Fatalf(t, ok && v == "existing", "committed key lost")
	if _, ok := e.lookup(t, "doomed"); ok {
		t.Fatal("uncommitted key is findable")
	}
}

func TestConcurrentSearchDuringInsert(t *testing.T) {
	e := newTestEnv(t, 32*cmn.MiB)
	const n = 500
	for i := 0; i < n; i++ {
		e.mustInsert(t, fmt.Sprintf("stable-%04d", i), "v")
	}

	var group errgroup.Group
	for r := 0; r < 4; r++ {
		group.Go(func() error {
			for i := 0; i < n; i++ {
				k := []byte(fmt.Sprintf("stable-%04d", i))
				if ptr, _ := e.tree.Search(k); ptr.IsNull() {
					return fmt.Errorf("lost %s mid-insert", k)
				}
			}
			return nil
		})
	}
	group.Go(func() error {
		for i := 0; i < n; i++ {
			st, _ := e.tree.Insert(e.tid, []byte(fmt.Sprintf("zz-%04d", i)), []byte("v"))
			if st != Ok {
				return fmt.Errorf("insert zz-%04d: %s", i, st)
			}
		}
		return nil
	})
	tassert.CheckFatal(t, group.Wait())
}
