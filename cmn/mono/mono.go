// Package mono provides a monotonic clock.
/*
 * Copyright (c) 2022-2024, Hill Authors. All rights reserved.
 */
package mono

import "time"

var started = time.Now()

// NanoTime returns nanoseconds since process start; the value never goes
// backwards and survives wall-clock adjustments.
func NanoTime() int64 { return int64(time.Since(started)) }

// Since returns the nanoseconds elapsed since a NanoTime reading.
func Since(ns int64) int64 { return NanoTime() - ns }
