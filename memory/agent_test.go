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

func newTestAgent(t *testing.T) *RemoteMemoryAgent {
	t.Helper()
	region := NewDRAM(AgentSize + PageSize)
	return MakeAgent(region.Base(), &PeerConnections{})
}

func TestAgentAllocate(t *testing.T) {
	a := newTestAgent(t)
	base := uint64(0x10000)
	tassert.Fatal(t, a.AddRegion(0, MakeRemotePointer(3, base)), "add region failed")
	tassert.Fatal(t, a.Available(0), "fresh region not available")

	var p1, p2 uint64
	a.Allocate(0, 100, &p1)
	a.Allocate(0, 100, &p2)
	tassert.Fatalf(t, p1 != 0 && p2 != 0, "allocation failed")

	r1, r2 := PolymorphicPointer(p1), PolymorphicPointer(p2)
	tassert.Fatal(t, r1.IsRemote() && r2.IsRemote(), "handles not remote")
	tassert.Fatalf(t, r1.NodeID() == 3, "node id %d", r1.NodeID())
	// 8-byte aligned bump within the region
	tassert.Fatalf(t, r2.AsAddress()-r1.AsAddress() == 104, "cursor bumped by %d",
		r2.AsAddress()-r1.AsAddress())
}

func TestAgentRingCapacity(t *testing.T) {
	a := newTestAgent(t)
	for i := 0; i < RemoteRegions; i++ {
		tassert.Fatal(t, a.AddRegion(1, MakeRemotePointer(2, uint64(0x100000*(i+1)))),
			"add region failed")
	}
	tassert.Fatal(t, !a.AddRegion(1, MakeRemotePointer(2, 0x9900000)),
		"ring accepted more than its capacity")
}

func TestAgentFreeRefcountsOnly(t *testing.T) {
	a := newTestAgent(t)
	base := uint64(0x20000)
	a.AddRegion(5, MakeRemotePointer(9, base))

	var p1, p2 uint64
	a.Allocate(5, 64, &p1)
	a.Allocate(5, 64, &p2)
	a.Free(5, RemotePointer(p1))

	// freeing does not coalesce: the next allocation still bumps forward
	var p3 uint64
	a.Allocate(5, 64, &p3)
	tassert.Fatalf(t, PolymorphicPointer(p3).AsAddress() > PolymorphicPointer(p2).AsAddress(),
		"free coalesced remote memory")
}

func TestAgentExhaustion(t *testing.T) {
	a := newTestAgent(t)
	// no regions at all: allocation must leave the pointer null
	var ptr uint64
	a.Allocate(cmn.WorkerNum-1, 64, &ptr)
	tassert.Fatalf(t, ptr == 0, "allocation without regions succeeded")
}
