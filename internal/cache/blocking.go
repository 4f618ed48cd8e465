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
	"context"
	stderrors "errors"

	perrors "pagecache/internal/errors"
	"pagecache/internal/lock"
	"pagecache/internal/storage/disk"
)

/*
Blocking Notifications
======================

The lock manager calls onBlocking on an arbitrary goroutine when another
owner wants a page this cache holds. The callback only queues the request;
a single dispatcher goroutine handles the queue:

	lock manager ──onBlocking──▶ blockCh ──▶ dispatcher ──▶ handleBlocking

  - page not resident or already compatible: nothing to do
  - page latched by a session: flag it; the last release services it
  - page unlatched: latch it, write it if dirty, downgrade the lock

A dirty page whose higher pages are busy cannot be written yet. Those
higher pages are marked must-write so whoever holds them writes them on
release, and clearing their precedence re-posts this request.
*/

// blockingQueue is the capacity of the dispatcher queue.
const blockingQueue = 1024

// onBlocking is the lock manager callback.
func (c *Cache) onBlocking(key disk.PageKey, wanted lock.Level) {
	c.stats.blockingNotes.Add(1)
	c.postBlocking(blockingNote{key: key, wanted: wanted})
}

// postBlocking queues n without blocking the caller.
func (c *Cache) postBlocking(n blockingNote) {
	select {
	case c.blockCh <- n:
		return
	default:
	}
	go func() {
		select {
		case c.blockCh <- n:
		case <-c.ctx.Done():
		}
	}()
}

// dispatchBlocking is the dispatcher goroutine.
func (c *Cache) dispatchBlocking(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-c.blockCh:
			c.handleBlocking(n)
		}
	}
}

// targetLevel is the level this cache may keep when another owner wants
// wanted.
func targetLevel(wanted lock.Level) lock.Level {
	if wanted == lock.Read {
		return lock.Read
	}
	return lock.None
}

func (c *Cache) handleBlocking(n blockingNote) {
	target := targetLevel(n.wanted)
	log := c.logger.With("page", n.key, "wanted", n.wanted)
	// A page that left the cache released its lock when it was unbound.
	d, ok := c.resident(n.key)
	if !ok {
		return
	}

	d.mu.Lock()
	if !d.bound || d.key != n.key {
		d.mu.Unlock()
		return
	}
	if d.lockLevel <= target {
		d.flags &^= flagBlocking
		d.blockingWanted = lock.None
		d.mu.Unlock()
		return
	}
	d.flags |= flagBlocking
	if n.wanted > d.blockingWanted {
		d.blockingWanted = n.wanted
	}
	if holders := d.useCount; holders > 0 {
		d.mu.Unlock()
		log.Debug("Blocking request deferred to holder", "holders", holders)
		return
	}
	bs := c.blockSession
	bs.claimLocked(d)
	d.mu.Unlock()

	if err := c.serviceBlocking(bs, d); err != nil {
		log.Error("Blocking request failed", "error", err)
	}
	bs.unlatchOne(d, releaseSilent, false)
}

// serviceBlocking answers a pending blocking request on d: write it if
// dirty, then lower the external lock. s holds d and is its only borrower.
func (c *Cache) serviceBlocking(s *Session, d *descriptor) error {
	key, _, flags := d.snapshot()
	if flags&flagBlocking == 0 {
		return nil
	}

	if flags&flagDirty != 0 {
		err := c.writeBuffer(s, d)
		var nr *notReadyError
		if stderrors.As(err, &nr) {
			if flags&flagMustWrite == 0 {
				c.propagateBlocking(nr.high)
				return nil
			}
			err = c.physicalWrite(s, d, true)
		}
		if perrors.IsSuspended(err) {
			// Still dirty and valid; the lock stays until write-back resumes.
			return err
		}
		if err != nil {
			// The content is gone; other owners must not wait on it.
			d.mu.Lock()
			level := d.lockLevel
			d.lockLevel = lock.None
			d.flags &^= flagBlocking
			d.blockingWanted = lock.None
			d.mu.Unlock()
			if level != lock.None {
				c.locks.Release(c.owner, key)
			}
			return err
		}
	}

	d.mu.Lock()
	target := targetLevel(d.blockingWanted)
	level := d.lockLevel
	if level > target {
		d.lockLevel = target
	}
	d.flags &^= flagBlocking
	d.blockingWanted = lock.None
	d.mu.Unlock()

	if level > target {
		c.locks.Downgrade(c.owner, key, target)
		c.stats.downgrades.Add(1)
		c.logger.Debug("Page lock downgraded", "page", key, "from", level, "to", target)
	}
	return nil
}

// propagateBlocking asks the holder of a busy higher page to write it on
// release.
func (c *Cache) propagateBlocking(high int32) {
	hd := c.descs[high]
	hd.mu.Lock()
	if hd.bound && hd.flags&flagDirty != 0 {
		hd.flags |= flagMustWrite
	}
	hd.mu.Unlock()
}
