// Package readcache implements the DRAM LRU of recently read value
// handles.
/*
 * Copyright (c) 2022-2024, Hill Authors. All rights reserved.
 */
package readcache

import (
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/Dicridon/hillstore/memory"
)

var _ = Describe("Cache", func() {
	var cache *Cache

	handle := func(i uint64) memory.PolymorphicPointer {
		return memory.MakeLocalPointer(0x1000 + i*8)
	}

	BeforeEach(func() {
		cache = NewCache(2)
	})

	Describe("get", func() {
		It("should miss on an empty cache", func() {
			Expect(cache.Get("nope")).To(BeNil())
		})

		It("should hit after insert", func() {
			cache.Insert("k1", handle(1), 64)
			item := cache.Get("k1")
			Expect(item).NotTo(BeNil())
			Expect(item.ValuePtr).To(Equal(handle(1)))
			Expect(item.ValueSize).To(BeEquivalentTo(64))
		})

		It("should track the hit ratio", func() {
			cache.Insert("k1", handle(1), 64)
			cache.Get("k1")
			cache.Get("absent")
			Expect(cache.HitRatio()).To(BeNumerically("~", 0.5))
		})
	})

	Describe("eviction", func() {
		It("should evict the least recently used entry at capacity", func() {
			cache.Insert("k1", handle(1), 1)
			cache.Insert("k2", handle(2), 2)
			cache.Insert("k3", handle(3), 3)

			Expect(cache.Get("k1")).To(BeNil())
			Expect(cache.Get("k2")).NotTo(BeNil())
			Expect(cache.Get("k3")).NotTo(BeNil())
			Expect(cache.Len()).To(Equal(2))
		})

		It("should keep a recently touched entry", func() {
			cache.Insert("k1", handle(1), 1)
			cache.Insert("k2", handle(2), 2)
			Expect(cache.Get("k1")).NotTo(BeNil()) // k1 becomes most recent
			cache.Insert("k3", handle(3), 3)

			Expect(cache.Get("k2")).To(BeNil())
			Expect(cache.Get("k1")).NotTo(BeNil())
		})

		It("should cap the entry count", func() {
			for i := uint64(0); i < 10; i++ {
				cache.Insert(string(rune('a'+i)), handle(i), i)
			}
			Expect(cache.Len()).To(Equal(2))
		})
	})

	Describe("ttl", func() {
		It("should expire entries after the ttl", func() {
			cache.Insert("k2", handle(2), 2)
			Expect(cache.Get("k2")).NotTo(BeNil())

			time.Sleep(TTL + 100*time.Millisecond)
			Expect(cache.Get("k2")).To(BeNil())
			Expect(cache.Len()).To(BeZero())
		})
	})
})
