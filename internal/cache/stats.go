/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package cache

import (
	"sort"
	"sync/atomic"

	"pagecache/internal/lock"
	"pagecache/internal/storage/disk"
)

type counters struct {
	fetches          atomic.Uint64
	hits             atomic.Uint64
	misses           atomic.Uint64
	reads            atomic.Uint64
	writes           atomic.Uint64
	forcedWrites     atomic.Uint64
	precedenceWrites atomic.Uint64
	evictions        atomic.Uint64
	dirtySkips       atomic.Uint64
	blockingNotes    atomic.Uint64
	downgrades       atomic.Uint64
	rollovers        atomic.Uint64
	latchTimeouts    atomic.Uint64
	bgWrites         atomic.Uint64
}

// Stats is a snapshot of cache activity.
type Stats struct {
	Buffers         int
	Free            int
	Dirty           int
	PrecedenceEdges int
	Shadows         int

	Fetches      uint64
	Hits         uint64
	Misses       uint64
	Reads        uint64
	Writes       uint64
	ForcedWrites uint64
	// PrecedenceWrites counts high pages written early because an edge
	// would have closed a cycle or the search budget ran out.
	PrecedenceWrites uint64
	Evictions        uint64
	DirtySkips       uint64
	BlockingNotes    uint64
	Downgrades       uint64
	Rollovers        uint64
	LatchTimeouts    uint64
	BgWrites         uint64

	IOSuspended bool
	BackupState string
	Checkpoints int64
}

// HitRatio returns hits over fetches.
func (s Stats) HitRatio() float64 {
	if s.Fetches == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Fetches)
}

// Stats returns current statistics.
func (c *Cache) Stats() Stats {
	return Stats{
		Buffers:          len(c.descs),
		Free:             c.freeCount(),
		Dirty:            int(c.dirtyCount.Load()),
		PrecedenceEdges:  c.edgeCount(),
		Shadows:          c.store.Len() - 1,
		Fetches:          c.stats.fetches.Load(),
		Hits:             c.stats.hits.Load(),
		Misses:           c.stats.misses.Load(),
		Reads:            c.stats.reads.Load(),
		Writes:           c.stats.writes.Load(),
		ForcedWrites:     c.stats.forcedWrites.Load(),
		PrecedenceWrites: c.stats.precedenceWrites.Load(),
		Evictions:        c.stats.evictions.Load(),
		DirtySkips:       c.stats.dirtySkips.Load(),
		BlockingNotes:    c.stats.blockingNotes.Load(),
		Downgrades:       c.stats.downgrades.Load(),
		Rollovers:        c.stats.rollovers.Load(),
		LatchTimeouts:    c.stats.latchTimeouts.Load(),
		BgWrites:         c.stats.bgWrites.Load(),
		IOSuspended:      c.suspended.Load(),
		BackupState:      c.backup.State().String(),
		Checkpoints:      c.checkpoints.CheckpointCount(),
	}
}

// PageInfo describes one resident page.
type PageInfo struct {
	Key        disk.PageKey
	Flags      string
	UseCount   int32
	Lock       lock.Level
	Generation uint64
	Dest       string
}

// Resident lists the pages currently in the cache, in page order.
func (c *Cache) Resident() []PageInfo {
	var out []PageInfo
	c.index.Range(func(key disk.PageKey, idx int32) bool {
		d := c.descs[idx]
		d.mu.Lock()
		if d.bound && d.key == key {
			out = append(out, PageInfo{
				Key:        key,
				Flags:      d.flags.String(),
				UseCount:   d.useCount,
				Lock:       d.lockLevel,
				Generation: d.gen,
				Dest:       d.dest.String(),
			})
		}
		d.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out
}
