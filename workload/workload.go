// Package workload generates keys for benchmarks and smoke tests.
/*
 * Copyright (c) 2022-2024, Hill Authors. All rights reserved.
 */
package workload

import (
	"math/rand"
	"strconv"

	"github.com/Dicridon/hillstore/tools/trand"
)

// KeyBase puts every generated key in a fixed-width decimal space so that
// lexicographic and numeric order agree.
const KeyBase = uint64(10000000000000000000)

// UniqueKeys returns n distinct ordered keys starting at KeyBase+offset.
func UniqueKeys(n, offset uint64) []string {
	out := make([]string, n)
	for i := uint64(0); i < n; i++ {
		out[i] = strconv.FormatUint(KeyBase+offset+i, 10)
	}
	return out
}

// ShuffledKeys returns UniqueKeys in random order.
func ShuffledKeys(n, offset uint64) []string {
	out := UniqueKeys(n, offset)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// Values returns n random values of the given size.
func Values(n int, size int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = trand.Bytes(size)
	}
	return out
}
