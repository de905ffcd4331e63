// Package readcache implements the DRAM LRU of recently read value
// handles.
/*
 * Copyright (c) 2022-2024, Hill Authors. All rights reserved.
 */
package readcache

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestReadCache(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "ReadCache Suite")
}
