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
	"pagecache/internal/lock"
	"pagecache/internal/storage/disk"
)

/*
Careful Write Ordering
======================

An edge low → high says high must reach disk no later than low. Pages that
point at freshly allocated pages use it so that a crash never leaves a
pointer to garbage.

	   low (points at high)
	    │
	    │ higher[]            lower[]
	    ▼
	   high (must be written first)

Edges live in one pool addressed by index. Each edge is referenced from the
low page's higher list and the high page's lower list. Writing high clears
the edge at once and drops it from high's list; low's list drops it the next
time it is walked. The slot returns to the free pool when both references are
gone.

A high page whose write fails never reaches disk, so its lows may not
either: they are marked not-valid along with it, transitively.

Establishing an edge first searches the graph, at most PrecedenceBudget
nodes:

  - high already reachable from low: nothing to do
  - low reachable from high, or budget spent: high is written now
  - otherwise the edge is installed

All of this runs under precMu. precMu may be taken before a descriptor's mu,
never after.
*/

type edge struct {
	low, high int32
	cleared   bool
	refs      int8
}

// blockingNote is a blocking request waiting for the dispatcher.
type blockingNote struct {
	key    disk.PageKey
	wanted lock.Level
}

func (c *Cache) newEdgeLocked(low, high int32) int32 {
	e := edge{low: low, high: high, refs: 2}
	if n := len(c.freeEdges); n > 0 {
		idx := c.freeEdges[n-1]
		c.freeEdges = c.freeEdges[:n-1]
		c.edges[idx] = e
		return idx
	}
	c.edges = append(c.edges, e)
	return int32(len(c.edges) - 1)
}

func (c *Cache) dropRefLocked(e int32) {
	c.edges[e].refs--
	if c.edges[e].refs == 0 {
		c.freeEdges = append(c.freeEdges, e)
	}
}

func (c *Cache) clearEdgeLocked(e int32) {
	if !c.edges[e].cleared {
		c.edges[e].cleared = true
		c.liveEdges--
	}
}

// compactLocked removes cleared edges from list, dropping this side's
// reference.
func (c *Cache) compactLocked(list []int32) []int32 {
	out := list[:0]
	for _, e := range list {
		if c.edges[e].cleared {
			c.dropRefLocked(e)
			continue
		}
		out = append(out, e)
	}
	return out
}

// reachesLocked reports whether to can be reached from from along higher
// edges. budget is shared between calls and exhausted reports it ran out.
func (c *Cache) reachesLocked(from, to int32, budget *int) (found, exhausted bool) {
	c.searchEpoch++
	epoch := c.searchEpoch
	stack := append(c.searchStack[:0], from)
	defer func() { c.searchStack = stack[:0] }()

	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		d := c.descs[n]
		if d.mark == epoch {
			continue
		}
		d.mark = epoch
		if *budget <= 0 {
			return false, true
		}
		*budget--
		for _, e := range d.higher {
			ed := c.edges[e]
			if ed.cleared {
				continue
			}
			if ed.high == to {
				return true, false
			}
			stack = append(stack, ed.high)
		}
	}
	return false, false
}

// establish records that high must be written no later than low. s holds
// low exclusively. A high page that is not resident or not dirty is already
// on disk and needs no edge.
func (c *Cache) establish(s *Session, low *descriptor, highKey disk.PageKey) error {
	high, ok := c.resident(highKey)
	if !ok || high == low {
		return nil
	}

	c.precMu.Lock()
	high.mu.Lock()
	ready := high.bound && high.key == highKey && high.flags&flagDirty != 0
	high.mu.Unlock()
	if !ready {
		c.precMu.Unlock()
		return nil
	}

	budget := c.opts.PrecedenceBudget
	found, exhausted := c.reachesLocked(low.idx, high.idx, &budget)
	if found {
		c.precMu.Unlock()
		return nil
	}
	inverse := false
	if !exhausted {
		inverse, exhausted = c.reachesLocked(high.idx, low.idx, &budget)
	}
	if !inverse && !exhausted {
		high.lower = c.compactLocked(high.lower)
		e := c.newEdgeLocked(low.idx, high.idx)
		low.higher = append(low.higher, e)
		high.lower = append(high.lower, e)
		c.liveEdges++
		c.precMu.Unlock()
		return nil
	}
	c.precMu.Unlock()

	lowKey, _, _ := low.snapshot()
	reason := "cycle"
	if exhausted {
		reason = "budget"
	}
	c.stats.precedenceWrites.Add(1)
	c.logger.Warn("Precedence not installable, writing high page now",
		"low", lowKey, "high", highKey, "reason", reason)
	return c.forceWrite(s, high, highKey)
}

// forceWrite writes high immediately, ignoring its own precedence.
func (c *Cache) forceWrite(s *Session, high *descriptor, key disk.PageKey) error {
	err := s.latch(high, false, key, c.opts.LatchWait)
	if err == errStale {
		return nil
	}
	if err != nil {
		return err
	}
	err = c.physicalWrite(s, high, true)
	if uerr := s.unlatchOne(high, releaseQuiet, false); err == nil {
		err = uerr
	}
	return err
}

// pendingHighs returns the pages that must be written before d.
func (c *Cache) pendingHighs(d *descriptor) []int32 {
	c.precMu.Lock()
	defer c.precMu.Unlock()
	d.higher = c.compactLocked(d.higher)
	if len(d.higher) == 0 {
		return nil
	}
	out := make([]int32, len(d.higher))
	for i, e := range d.higher {
		out[i] = c.edges[e].high
	}
	return out
}

func (c *Cache) hasHighs(d *descriptor) bool {
	c.precMu.Lock()
	defer c.precMu.Unlock()
	d.higher = c.compactLocked(d.higher)
	return len(d.higher) > 0
}

// clearPrecedence runs after d reached disk. Every edge ending at d is
// satisfied; lows that were waiting on it to answer a blocking request get
// their request re-posted.
func (c *Cache) clearPrecedence(d *descriptor) {
	var repost []blockingNote

	c.precMu.Lock()
	for _, e := range d.lower {
		if !c.edges[e].cleared {
			c.clearEdgeLocked(e)
			low := c.descs[c.edges[e].low]
			low.mu.Lock()
			if low.bound && low.flags&flagBlocking != 0 {
				repost = append(repost, blockingNote{key: low.key, wanted: low.blockingWanted})
			}
			low.mu.Unlock()
		}
		c.dropRefLocked(e)
	}
	d.lower = d.lower[:0]
	c.precMu.Unlock()

	for _, n := range repost {
		c.postBlocking(n)
	}
}

// abandonLowers runs after d failed to reach disk. Every dirty page that
// had to follow d, directly or through other pages, becomes not-valid and
// leaves the dirty set, so it can never reach disk ahead of content that
// does not exist there. It returns the abandoned pages and the union of
// their transaction masks.
func (c *Cache) abandonLowers(d *descriptor) ([]disk.PageKey, uint64) {
	var (
		lows    []disk.PageKey
		dropped []int32
		mask    uint64
		repost  []blockingNote
	)

	c.precMu.Lock()
	stack := []*descriptor{d}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range n.lower {
			if !c.edges[e].cleared {
				c.clearEdgeLocked(e)
				low := c.descs[c.edges[e].low]
				low.mu.Lock()
				if low.bound && low.flags&flagDirty != 0 {
					low.flags |= flagNotValid
					low.flags &^= flagDirty | flagMustWrite | flagSystemDirty
					mask |= low.txnMask
					low.txnMask = 0
					lows = append(lows, low.key)
					dropped = append(dropped, low.idx)
					stack = append(stack, low)
				}
				if low.bound && low.flags&flagBlocking != 0 {
					repost = append(repost, blockingNote{key: low.key, wanted: low.blockingWanted})
				}
				low.mu.Unlock()
			}
			c.dropRefLocked(e)
		}
		n.lower = n.lower[:0]
	}
	c.precMu.Unlock()

	for _, idx := range dropped {
		c.removeDirty(idx)
	}
	for _, n := range repost {
		c.postBlocking(n)
	}
	return lows, mask
}

// purgeEdges clears every edge touching d. Used when d leaves the cache.
func (c *Cache) purgeEdges(d *descriptor) {
	c.precMu.Lock()
	for _, e := range d.higher {
		c.clearEdgeLocked(e)
		c.dropRefLocked(e)
	}
	d.higher = d.higher[:0]
	c.precMu.Unlock()

	c.clearPrecedence(d)
}

// edgeCount returns the number of uncleared edges.
func (c *Cache) edgeCount() int {
	c.precMu.Lock()
	defer c.precMu.Unlock()
	return c.liveEdges
}
