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
	"time"

	"pagecache/internal/backup"
	"pagecache/internal/lock"
	"pagecache/internal/storage/disk"
)

// lookupOrClaim returns d latched for s. On a miss a descriptor is taken
// from the free pool or preempted and published under key; claimed is then
// true and d is latched exclusively with a read pending.
//
// Two sessions missing on the same page both claim a slot, but only one
// LoadOrStore wins. The loser returns its slot and latches the winner's
// descriptor like any other hit.
func (s *Session) lookupOrClaim(key disk.PageKey, exclusive bool, wait time.Duration) (*descriptor, bool, error) {
	c := s.c
	for {
		if idx, ok := c.index.Load(key); ok {
			d := c.descs[idx]
			err := s.latch(d, exclusive, key, wait)
			if err == errStale {
				continue
			}
			if err != nil {
				return nil, false, err
			}
			return d, false, nil
		}

		idx, err := c.allocate(s, wait)
		if err != nil {
			return nil, false, err
		}
		d := c.descs[idx]
		d.mu.Lock()
		d.key = key
		d.bound = true
		d.flags = flagReadPending
		d.lockLevel = lock.None
		d.gen = 0
		d.mu.Unlock()

		if _, loaded := c.index.LoadOrStore(key, idx); loaded {
			d.mu.Lock()
			d.bound = false
			d.flags = 0
			s.dropLocked(d)
			d.mu.Unlock()
			c.pushFree(idx)
			continue
		}
		return d, true, nil
	}
}

// unbind detaches d from its page: edges, LRU position, index entry, dirty
// set and external lock. Caller holds d exclusively.
func (c *Cache) unbind(d *descriptor) {
	c.purgeEdges(d)
	c.lruUnlink(d)

	d.mu.Lock()
	key, bound, level := d.key, d.bound, d.lockLevel
	d.bound = false
	d.flags = 0
	d.lockLevel = lock.None
	d.blockingWanted = lock.None
	d.txnMask = 0
	d.dest = backup.Main
	d.mu.Unlock()

	if !bound {
		return
	}
	idx := d.idx
	c.index.Compute(key, func(old int32, loaded bool) (int32, bool) {
		// Only remove the entry if it still points at this descriptor.
		if loaded && old == idx {
			return 0, true
		}
		return old, !loaded
	})
	c.removeDirty(idx)
	if level != lock.None {
		c.locks.Release(c.owner, key)
	}
}

// discard unbinds a descriptor s holds exclusively and returns it to the
// free pool.
func (c *Cache) discard(s *Session, d *descriptor) {
	c.unbind(d)
	d.mu.Lock()
	s.dropLocked(d)
	d.mu.Unlock()
	c.pushFree(d.idx)
}

// resident returns the descriptor currently bound to key, if any.
func (c *Cache) resident(key disk.PageKey) (*descriptor, bool) {
	idx, ok := c.index.Load(key)
	if !ok {
		return nil, false
	}
	return c.descs[idx], true
}
