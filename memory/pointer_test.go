// Package memory manages a node's persistent-memory region.
/*
 * Copyright (c) 2022-2024, Hill Authors. All rights reserved.
 */
package memory

import (
	"testing"

	"github.com/Dicridon/hillstore/tools/tassert"
)

func TestLocalPointerRoundTrip(t *testing.T) {
	addrs := []uint64{0x1000, 0x7fff_dead_beef, 0x0000_7fff_ffff_fff8}
	for _, addr := range addrs {
		p := MakeLocalPointer(addr)
		tassert.Fatalf(t, p.IsLocal(), "%#x should be local", addr)
		tassert.Fatalf(t, !p.IsRemote(), "%#x should not be remote", addr)
		tassert.Fatalf(t, p.LocalAddr() == addr, "round trip %#x != %#x", p.LocalAddr(), addr)
	}
}

func TestRemotePointerEncoding(t *testing.T) {
	p := MakeRemote(7, 0x1000)
	tassert.Fatalf(t, p.IsRemote(), "expected remote")
	tassert.Fatalf(t, !p.IsLocal(), "remote pointer claims local")
	tassert.Fatalf(t, p.NodeID() == 7, "node id %d != 7", p.NodeID())

	raw := p.Raw()
	tassert.Fatalf(t, raw>>62 == 0b10, "top bits %#b", raw>>62)
	tassert.Fatalf(t, (raw>>56)&0x3f == 0b000111, "node bits %#b", (raw>>56)&0x3f)
	tassert.Fatalf(t, p.AsAddress() == 0x1000, "offset %#x != 0x1000", p.AsAddress())
}

func TestRemotePointerAllNodes(t *testing.T) {
	for node := 1; node < 64; node++ {
		p := MakeRemote(node, 0xdead000)
		tassert.Fatalf(t, p.NodeID() == node, "node %d decoded as %d", node, p.NodeID())
		tassert.Fatalf(t, p.IsRemote(), "node %d not remote", node)
	}
}

func TestNullPointer(t *testing.T) {
	var p PolymorphicPointer
	tassert.Fatal(t, p.IsNull(), "zero value should be null")
	tassert.Fatal(t, p.IsLocal(), "null pointer should read as local")
}
