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
	stderrors "errors"

	"pagecache/internal/backup"
	perrors "pagecache/internal/errors"
	"pagecache/internal/logging"
	"pagecache/internal/storage/disk"
)

// notReadyError reports a write that has to wait for a higher page the
// caller could not latch.
type notReadyError struct {
	high int32
}

func (e *notReadyError) Error() string {
	return "precedence not resolved"
}

func isNotReady(err error) bool {
	var nr *notReadyError
	return stderrors.As(err, &nr)
}

// scratch is the per-transfer buffer pair: a sealed copy of the page and
// its encoded slot.
type scratch struct {
	page disk.Page
	slot []byte
}

func (c *Cache) getScratch() *scratch {
	return c.scratch.Get().(*scratch)
}

// writeBuffer writes d after every page it depends on. Higher pages are
// latched without waiting; one that is busy makes the result a
// notReadyError. s holds d.
func (c *Cache) writeBuffer(s *Session, d *descriptor) error {
	budget := c.opts.PrecedenceBudget
	return c.writeOrdered(s, d, &budget)
}

func (c *Cache) writeOrdered(s *Session, d *descriptor, budget *int) error {
	if err := c.suspendedErr(); err != nil {
		return err
	}
	for _, h := range c.pendingHighs(d) {
		if *budget <= 0 {
			return &notReadyError{high: h}
		}
		*budget--

		hd := c.descs[h]
		key, bound, _ := hd.snapshot()
		if !bound {
			continue
		}
		if err := s.latch(hd, false, key, 0); err != nil {
			if err == errStale {
				continue
			}
			return &notReadyError{high: h}
		}
		err := c.writeOrdered(s, hd, budget)
		s.unlatchOne(hd, releaseQuiet, false)
		if err != nil {
			return err
		}
	}
	return c.physicalWrite(s, d, false)
}

// physicalWrite seals, encodes and stores d. forced marks a write that
// goes out while d still has unwritten higher pages. s holds d, so the
// content cannot change underneath.
func (c *Cache) physicalWrite(s *Session, d *descriptor, forced bool) error {
	if err := c.suspendedErr(); err != nil {
		return err
	}

	d.ioMu.Lock()
	defer d.ioMu.Unlock()

	d.mu.Lock()
	if d.flags&flagDirty == 0 {
		d.mu.Unlock()
		return nil
	}
	key, dest, gen := d.key, d.dest, d.gen
	d.mu.Unlock()

	// Dirtied before the backup froze the main store.
	if !dest.Difference && c.backup.State() != backup.StateNormal {
		var err error
		if dest, err = c.backup.ReserveDestination(key); err != nil {
			return err
		}
	}

	if forced && c.hasHighs(d) {
		c.stats.forcedWrites.Add(1)
		c.logger.Warn("Writing page ahead of its precedence", "page", key)
	}

	sc := c.getScratch()
	defer c.scratch.Put(sc)
	sc.page.CopyFrom(d.page)
	sc.page.Seal(key, gen+1)
	if err := c.codec.Encode(key, sc.page.Data(), sc.slot); err != nil {
		return err
	}

	if err := c.writeSlot(key, dest, sc.slot); err != nil {
		return c.writeFailed(d, key, err)
	}

	d.mu.Lock()
	d.gen = gen + 1
	d.flags &^= flagDirty | flagMustWrite | flagSystemDirty | flagFaked
	d.txnMask = 0
	d.dest = backup.Main
	d.mu.Unlock()

	c.removeDirty(d.idx)
	c.clearPrecedence(d)
	c.stats.writes.Add(1)
	return nil
}

// writeSlot stores an encoded slot at its tagged destination. A failing
// main store is rolled over to the next shadow up to ShadowRetries times.
func (c *Cache) writeSlot(key disk.PageKey, dest backup.Destination, slot []byte) error {
	if dest.Difference {
		return c.backup.WriteDifference(key, dest, slot)
	}
	for attempt := 0; ; attempt++ {
		primary := c.store.Current()
		err := c.store.WriteSlot(key, slot)
		if err == nil {
			return nil
		}
		if attempt >= c.opts.ShadowRetries || !c.rollover(primary, err) {
			return err
		}
	}
}

func (c *Cache) readSlot(key disk.PageKey, slot []byte) error {
	for attempt := 0; ; attempt++ {
		primary := c.store.Current()
		err := c.store.ReadSlot(key, slot)
		if err == nil {
			return nil
		}
		if attempt >= c.opts.ShadowRetries || !c.rollover(primary, err) {
			return err
		}
	}
}

// rollover retires failed after an I/O error. It reports whether another
// store is available to retry on.
func (c *Cache) rollover(failed disk.Store, cause error) bool {
	if perrors.IsCorruption(cause) {
		return false
	}
	next, err := c.store.Rollover(failed)
	if err != nil {
		c.logger.Error("No shadow left to take over", "failed", failed.Name(), "error", cause)
		return false
	}
	if next != failed {
		c.stats.rollovers.Add(1)
	}
	return true
}

// writeFailed handles a physical write that could not be completed. The
// content is marked not-valid so it is never propagated, the transactions
// that touched it are poisoned and write-back is suspended. Pages that had
// to follow d to disk are abandoned with it.
func (c *Cache) writeFailed(d *descriptor, key disk.PageKey, cause error) error {
	c.suspend(cause)

	d.mu.Lock()
	d.flags |= flagNotValid
	d.flags &^= flagDirty | flagMustWrite | flagSystemDirty
	mask := d.txnMask
	d.txnMask = 0
	d.mu.Unlock()
	c.removeDirty(d.idx)

	lows, lowMask := c.abandonLowers(d)
	c.poisoned.Or(mask | lowMask)

	log := c.logger.With("page", key)
	log.Error("Page write failed, write-back suspended", "error", cause, "abandoned", len(lows))
	if len(lows) > 0 && c.logger.Enabled(logging.DEBUG) {
		for _, low := range lows {
			log.Debug("Dependent page abandoned", "low", low)
		}
	}
	return cause
}

// readPage loads d from the backup difference file or the store, decodes
// and verifies it. s holds d exclusively.
func (c *Cache) readPage(d *descriptor, key disk.PageKey) error {
	sc := c.getScratch()
	defer c.scratch.Put(sc)

	found, err := c.backup.ReadCurrent(key, sc.slot)
	if err == nil && !found {
		err = c.readSlot(key, sc.slot)
	}
	if err != nil {
		return err
	}
	if err := c.codec.Decode(key, sc.slot, d.page.Data()); err != nil {
		return err
	}
	if err := d.page.Verify(key); err != nil {
		return err
	}

	d.mu.Lock()
	d.gen = d.page.Generation()
	d.flags &^= flagReadPending | flagNotValid
	d.mu.Unlock()
	c.stats.reads.Add(1)
	return nil
}

// markDirty tags d as modified by s. The backup destination is reserved
// when the page turns dirty and kept until it is written.
func (c *Cache) markDirty(s *Session, d *descriptor, mustWrite, isSystem bool) error {
	d.ioMu.Lock()
	defer d.ioMu.Unlock()

	key, _, flags := d.snapshot()
	if flags&flagNotValid != 0 {
		return perrors.IOSuspended(nil).WithDetail("page " + key.String() + " is not valid")
	}
	wasDirty := flags&flagDirty != 0

	var dest backup.Destination
	if !wasDirty {
		var err error
		if dest, err = c.backup.ReserveDestination(key); err != nil {
			return err
		}
	}

	d.mu.Lock()
	if !wasDirty {
		d.dest = dest
		d.flags |= flagDirty
	}
	if mustWrite {
		d.flags |= flagMustWrite
	}
	if isSystem {
		d.flags |= flagSystemDirty
	}
	d.txnMask |= s.txnBit()
	d.mu.Unlock()

	if !wasDirty {
		c.addDirty(d.idx)
		c.checkWatermark()
	}
	return nil
}

func (c *Cache) addDirty(idx int32) {
	c.dirtyMu.Lock()
	if _, ok := c.dirty[idx]; !ok {
		c.dirty[idx] = struct{}{}
		c.dirtyCount.Add(1)
	}
	c.dirtyMu.Unlock()
}

func (c *Cache) removeDirty(idx int32) {
	c.dirtyMu.Lock()
	if _, ok := c.dirty[idx]; ok {
		delete(c.dirty, idx)
		c.dirtyCount.Add(-1)
	}
	c.dirtyMu.Unlock()
}

func (c *Cache) dirtySnapshot() []int32 {
	c.dirtyMu.Lock()
	defer c.dirtyMu.Unlock()
	out := make([]int32, 0, len(c.dirty))
	for idx := range c.dirty {
		out = append(out, idx)
	}
	return out
}

// suspend stops write-back until ResumeIO.
func (c *Cache) suspend(cause error) {
	c.suspendMu.Lock()
	if c.suspendCause == nil {
		c.suspendCause = cause
	}
	c.suspendMu.Unlock()
	c.suspended.Store(true)
}

func (c *Cache) suspendedErr() error {
	if !c.suspended.Load() {
		return nil
	}
	c.suspendMu.Lock()
	defer c.suspendMu.Unlock()
	return perrors.IOSuspended(c.suspendCause)
}
