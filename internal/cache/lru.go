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

	perrors "pagecache/internal/errors"
)

/*
LRU and Buffer Preemption
=========================

Released descriptors are not linked into the LRU directly. Release pushes
them onto a lock-free pending chain with a CAS on pendingHead; whoever next
takes lruMu drains the chain and moves each entry to the recent end (or to
the tail when the releaser hinted reclaim). Releasing a hot page therefore
never touches lruMu.

	head (recent) ◀──▶ ... ◀──▶ tail (victim end)
	                                   ▲
	             selectVictim walks ───┘

Victim selection walks from the tail, skipping latched descriptors. Clean
pages are taken at once. Dirty ones are counted; once MaxDirtySkips have been
passed the background writer is woken and the oldest dirty candidates are
written in place, precedence permitting.
*/

// availablePoll bounds how long a session waiting for a buffer sleeps
// between attempts.
const availablePoll = 10 * time.Millisecond

func (c *Cache) pushFree(idx int32) {
	c.freeMu.Lock()
	c.free = append(c.free, idx)
	c.freeMu.Unlock()
	c.signalAvailable()
}

func (c *Cache) popFree() (int32, bool) {
	c.freeMu.Lock()
	defer c.freeMu.Unlock()
	n := len(c.free)
	if n == 0 {
		return noIndex, false
	}
	idx := c.free[n-1]
	c.free = c.free[:n-1]
	return idx, true
}

func (c *Cache) freeCount() int {
	c.freeMu.Lock()
	defer c.freeMu.Unlock()
	return len(c.free)
}

func (c *Cache) signalAvailable() {
	select {
	case c.available <- struct{}{}:
	default:
	}
}

// pushLRU queues d for the LRU without taking lruMu.
func (c *Cache) pushLRU(d *descriptor, reclaim bool) {
	if reclaim {
		d.reclaim.Store(true)
	}
	if !d.inPending.CompareAndSwap(false, true) {
		return
	}
	for {
		head := c.pendingHead.Load()
		d.pendingNext.Store(head)
		if c.pendingHead.CompareAndSwap(head, d.idx) {
			return
		}
	}
}

// drainPendingLocked links every queued descriptor into the LRU in release
// order. Caller holds lruMu.
func (c *Cache) drainPendingLocked() {
	chain := c.drainBuf[:0]
	for idx := c.pendingHead.Swap(noIndex); idx != noIndex; {
		d := c.descs[idx]
		chain = append(chain, idx)
		next := d.pendingNext.Load()
		d.inPending.Store(false)
		idx = next
	}
	// The chain is newest first.
	for i := len(chain) - 1; i >= 0; i-- {
		d := c.descs[chain[i]]
		reclaim := d.reclaim.Swap(false)
		if _, bound, _ := d.snapshot(); !bound {
			continue
		}
		c.unlinkLocked(d)
		if reclaim {
			c.linkTailLocked(d)
		} else {
			c.linkHeadLocked(d)
		}
	}
	c.drainBuf = chain[:0]
}

func (c *Cache) linkHeadLocked(d *descriptor) {
	d.prev = noIndex
	d.next = c.lruHead
	if c.lruHead != noIndex {
		c.descs[c.lruHead].prev = d.idx
	}
	c.lruHead = d.idx
	if c.lruTail == noIndex {
		c.lruTail = d.idx
	}
	d.inLRU = true
}

func (c *Cache) linkTailLocked(d *descriptor) {
	d.next = noIndex
	d.prev = c.lruTail
	if c.lruTail != noIndex {
		c.descs[c.lruTail].next = d.idx
	}
	c.lruTail = d.idx
	if c.lruHead == noIndex {
		c.lruHead = d.idx
	}
	d.inLRU = true
}

func (c *Cache) unlinkLocked(d *descriptor) {
	if !d.inLRU {
		return
	}
	if d.prev != noIndex {
		c.descs[d.prev].next = d.next
	} else {
		c.lruHead = d.next
	}
	if d.next != noIndex {
		c.descs[d.next].prev = d.prev
	} else {
		c.lruTail = d.prev
	}
	d.prev, d.next = noIndex, noIndex
	d.inLRU = false
}

func (c *Cache) lruUnlink(d *descriptor) {
	c.lruMu.Lock()
	c.unlinkLocked(d)
	c.lruMu.Unlock()
}

// allocate returns an unbound descriptor latched exclusively by s, waiting
// up to wait for one to become available.
func (c *Cache) allocate(s *Session, wait time.Duration) (int32, error) {
	var deadline time.Time
	if wait > 0 {
		deadline = time.Now().Add(wait)
	}
	for {
		if idx, ok := c.popFree(); ok {
			d := c.descs[idx]
			d.mu.Lock()
			s.claimLocked(d)
			d.mu.Unlock()
			c.checkWatermark()
			return idx, nil
		}

		if idx := c.selectVictim(s); idx != noIndex {
			c.stats.evictions.Add(1)
			c.checkWatermark()
			return idx, nil
		}

		if wait == 0 {
			return noIndex, perrors.NoBuffers(len(c.descs))
		}
		pause := availablePoll
		if wait > 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return noIndex, perrors.NoBuffers(len(c.descs))
			}
			if remaining < pause {
				pause = remaining
			}
		}
		timer := time.NewTimer(pause)
		select {
		case <-c.available:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// selectVictim preempts the least recently used unlatched descriptor. It
// returns noIndex when every candidate is latched or cannot be written yet.
func (c *Cache) selectVictim(s *Session) int32 {
	var dirty []int32

	c.lruMu.Lock()
	c.drainPendingLocked()
	skips := 0
	for idx := c.lruTail; idx != noIndex; {
		d := c.descs[idx]
		prev := d.prev

		d.mu.Lock()
		if d.useCount > 0 || !d.bound {
			d.mu.Unlock()
			idx = prev
			continue
		}
		if d.flags&flagDirty != 0 {
			d.mu.Unlock()
			dirty = append(dirty, idx)
			skips++
			c.stats.dirtySkips.Add(1)
			if skips >= c.opts.MaxDirtySkips {
				break
			}
			idx = prev
			continue
		}
		s.claimLocked(d)
		d.mu.Unlock()
		c.unlinkLocked(d)
		c.lruMu.Unlock()

		c.unbind(d)
		return idx
	}
	c.lruMu.Unlock()

	if len(dirty) == 0 {
		return noIndex
	}
	c.wakeWriter()

	for _, idx := range dirty {
		d := c.descs[idx]
		d.mu.Lock()
		if d.useCount > 0 || !d.bound || d.flags&flagDirty == 0 {
			d.mu.Unlock()
			continue
		}
		s.claimLocked(d)
		d.mu.Unlock()

		// A failed write has already been logged and left the page
		// not-valid; the next pass can take it as a clean victim.
		if err := c.writeBuffer(s, d); err != nil {
			d.mu.Lock()
			s.dropLocked(d)
			d.mu.Unlock()
			continue
		}
		c.unbind(d)
		return idx
	}
	return noIndex
}

// checkWatermark wakes the background writer when clean buffers run low.
func (c *Cache) checkWatermark() {
	total := len(c.descs)
	clean := total - int(c.dirtyCount.Load())
	if float64(clean) < c.opts.FreeWatermark*float64(total) {
		c.wakeWriter()
	}
}

func (c *Cache) wakeWriter() {
	select {
	case c.bgWake <- struct{}{}:
	default:
	}
}
