// Package readcache implements the DRAM LRU of recently read value
// handles.
/*
 * Copyright (c) 2022-2024, Hill Authors. All rights reserved.
 */
package readcache

import (
	"container/list"
	"time"

	"github.com/Dicridon/hillstore/cmn/mono"
	"github.com/Dicridon/hillstore/memory"
)

const (
	// DefaultCapacity is a hard cap on the entry count.
	DefaultCapacity = 1_000_000

	// TTL after which a hit turns into a miss.
	TTL = 2 * time.Second
)

// Item is one cached read: the key, the durable value handle and its
// size, and the absolute monotonic expiry.
type Item struct {
	Key       string
	ValuePtr  memory.PolymorphicPointer
	ValueSize uint64
	expire    int64
}

// Cache is an LRU by count with per-item TTL. Not concurrency-safe on its
// own: the store server fronts it with a lock.
type Cache struct {
	index    map[string]*list.Element
	order    *list.List // front = most recent
	capacity int

	hit      uint64
	accessed uint64
}

func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		index:    make(map[string]*list.Element, capacity),
		order:    list.New(),
		capacity: capacity,
	}
}

// Get returns the item for key, refreshing its LRU position; an expired
// item is evicted and reads as a miss.
func (c *Cache) Get(key string) *Item {
	c.accessed++
	el, ok := c.index[key]
	if !ok {
		return nil
	}
	item := el.Value.(*Item)
	if mono.NanoTime() > item.expire {
		c.order.Remove(el)
		delete(c.index, key)
		return nil
	}
	c.order.MoveToFront(el)
	c.hit++
	return item
}

// Insert caches a freshly read handle, evicting the LRU tail at capacity.
func (c *Cache) Insert(key string, value memory.PolymorphicPointer, size uint64) {
	if el, ok := c.index[key]; ok {
		item := el.Value.(*Item)
		item.ValuePtr = value
		item.ValueSize = size
		item.expire = mono.NanoTime() + int64(TTL)
		c.order.MoveToFront(el)
		return
	}
	if c.order.Len() == c.capacity {
		tail := c.order.Back()
		delete(c.index, tail.Value.(*Item).Key)
		c.order.Remove(tail)
	}
	item := &Item{
		Key:       key,
		ValuePtr:  value,
		ValueSize: size,
		expire:    mono.NanoTime() + int64(TTL),
	}
	c.index[key] = c.order.PushFront(item)
}

// Len returns the current entry count.
func (c *Cache) Len() int { return c.order.Len() }

// HitRatio is hits over accesses since creation.
func (c *Cache) HitRatio() float64 {
	if c.accessed == 0 {
		return 0
	}
	return float64(c.hit) / float64(c.accessed)
}
