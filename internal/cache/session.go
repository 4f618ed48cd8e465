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
	"fmt"
	"time"

	perrors "pagecache/internal/errors"
	"pagecache/internal/lock"
	"pagecache/internal/storage/disk"
)

// Intent says what the caller will do with a fetched page.
type Intent int

const (
	// IntentRead takes a shared latch and at least a read lock.
	IntentRead Intent = iota
	// IntentWrite takes the exclusive latch and the write lock.
	IntentWrite
	// IntentNew is IntentWrite for a page being allocated: nothing is read
	// and the buffer starts zeroed.
	IntentNew
)

// String returns the intent name.
func (i Intent) String() string {
	switch i {
	case IntentRead:
		return "read"
	case IntentWrite:
		return "write"
	case IntentNew:
		return "new"
	default:
		return fmt.Sprintf("intent(%d)", int(i))
	}
}

// Wait values accepted by every call that can block.
const (
	NoWait      time.Duration = 0
	WaitForever time.Duration = -1
)

// Session is the caller context: it owns latches and carries the
// transaction number recorded on pages it dirties. A session is used by one
// goroutine at a time.
type Session struct {
	c    *Cache
	txn  uint64
	held map[int32]hold
}

// NewSession returns a session for transaction txn.
func (c *Cache) NewSession(txn uint64) *Session {
	return &Session{c: c, txn: txn, held: make(map[int32]hold)}
}

// Txn returns the session's transaction number.
func (s *Session) Txn() uint64 {
	return s.txn
}

// txnBit is the session's bit in page transaction masks.
func (s *Session) txnBit() uint64 {
	return 1 << (s.txn % 64)
}

// TxnBit returns the mask bit of transaction txn, for Flush.
func TxnBit(txn uint64) uint64 {
	return 1 << (txn % 64)
}

// Poisoned reports whether a page this session's transaction dirtied was
// lost to a write failure.
func (s *Session) Poisoned() bool {
	return s.c.poisoned.Load()&s.txnBit() != 0
}

// Held returns the number of pages the session has latched.
func (s *Session) Held() int {
	return len(s.held)
}

// Fetch latches key for intent, reading it if needed.
func (s *Session) Fetch(key disk.PageKey, intent Intent, wait time.Duration) (*Buffer, error) {
	return s.FetchTyped(key, intent, disk.PageTypeUndefined, wait)
}

// FetchTyped is Fetch with a page type check. A page of another type is
// reported as corruption. With IntentNew the buffer is formatted as
// pageType.
func (s *Session) FetchTyped(key disk.PageKey, intent Intent, pageType byte, wait time.Duration) (*Buffer, error) {
	c := s.c
	if c.closed.Load() {
		return nil, perrors.Closed("cache")
	}
	c.stats.fetches.Add(1)

	exclusive := intent != IntentRead
	downgrade := false
	for {
		d, claimed, err := s.lookupOrClaim(key, exclusive, wait)
		if err != nil {
			if perrors.Is(err, perrors.ErrCodeLatchTimeout) {
				c.stats.latchTimeouts.Add(1)
			}
			return nil, err
		}

		if claimed && intent == IntentRead {
			downgrade = true
		}

		want := c.lockLevelFor(intent)
		d.mu.Lock()
		flags, level := d.flags, d.lockLevel
		d.mu.Unlock()

		load := intent != IntentNew && (flags&(flagReadPending|flagNotValid) != 0 ||
			(want != lock.None && level == lock.None && flags&(flagFaked|flagDirty) == 0))

		if (load || want > level) && !s.holdsExclusive(d) {
			// Reading or raising the lock needs the exclusive latch.
			s.unlatchOne(d, releaseSilent, false)
			exclusive = true
			downgrade = true
			continue
		}

		if want > level {
			// Publish the level first so a blocking request that races the
			// grant is deferred to this holder instead of dropped.
			d.mu.Lock()
			d.lockLevel = want
			d.mu.Unlock()
			if err := c.locks.Acquire(c.owner, key, want, c.lockWait(wait)); err != nil {
				d.mu.Lock()
				d.lockLevel = level
				d.mu.Unlock()
				if claimed {
					c.discard(s, d)
				} else {
					s.unlatchOne(d, releaseQuiet, false)
				}
				return nil, err
			}
		}

		if intent == IntentNew {
			d.page.Reset()
			if pageType != disk.PageTypeUndefined {
				d.page.Format(key, pageType)
			}
			d.mu.Lock()
			d.flags |= flagFaked
			d.flags &^= flagReadPending | flagNotValid
			d.mu.Unlock()
		} else if load {
			if err := c.readPage(d, key); err != nil {
				c.discard(s, d)
				s.Unwind()
				c.logger.Error("Page read failed", "page", key, "error", err)
				return nil, err
			}
		}

		if pageType != disk.PageTypeUndefined && intent != IntentNew {
			if got := d.page.Type(); got != pageType && got != disk.PageTypeUndefined {
				s.Unwind()
				return nil, perrors.PageTypeMismatch(key.String(), pageType, got)
			}
		}

		if downgrade {
			if h := s.held[d.idx]; h.exclusive && h.depth == 1 {
				d.mu.Lock()
				s.downgradeLocked(d)
				d.mu.Unlock()
			}
		}
		if claimed {
			c.stats.misses.Add(1)
		} else {
			c.stats.hits.Add(1)
		}
		return &d.buf, nil
	}
}

// heldDescriptor returns the descriptor for key if s holds it, exclusively
// when exclusive is set.
func (s *Session) heldDescriptor(key disk.PageKey, exclusive bool) (*descriptor, error) {
	if d, ok := s.c.resident(key); ok {
		if h, held := s.held[d.idx]; held && (!exclusive || h.exclusive) {
			return d, nil
		}
	}
	required := "shared"
	if exclusive {
		required = "exclusively"
	}
	return nil, perrors.NotLatched(key.String(), required)
}

// MarkDirty records that the session modified key. mustWrite forces the
// page out on its last release; isSystem makes it part of every system
// flush.
func (s *Session) MarkDirty(key disk.PageKey, mustWrite, isSystem bool) error {
	d, err := s.heldDescriptor(key, true)
	if err != nil {
		return err
	}
	return s.c.markDirty(s, d, mustWrite, isSystem)
}

// EstablishPrecedence requires high to be written no later than low. The
// session must hold low exclusively.
func (s *Session) EstablishPrecedence(low, high disk.PageKey) error {
	d, err := s.heldDescriptor(low, true)
	if err != nil {
		return err
	}
	err = s.c.establish(s, d, high)
	if err != nil && perrors.IsEscalated(err) {
		s.Unwind()
	}
	return err
}

// Release gives back one borrow of key. When it was the last borrow in the
// cache a must-write page, a page others are blocked on, or (with
// WriteOnRelease) any dirty page is written first. reclaim hints that the
// page will not be needed soon.
func (s *Session) Release(key disk.PageKey, reclaim bool) error {
	d, err := s.heldDescriptor(key, false)
	if err != nil {
		return err
	}
	err = s.unlatchOne(d, releaseNormal, reclaim)
	if err != nil && perrors.IsEscalated(err) {
		s.Unwind()
	}
	return err
}

// Handoff latches to and then releases from, so the caller is never left
// holding neither page.
func (s *Session) Handoff(from, to disk.PageKey, intent Intent, wait time.Duration) (*Buffer, error) {
	if _, err := s.heldDescriptor(from, false); err != nil {
		return nil, err
	}
	buf, err := s.Fetch(to, intent, wait)
	if err != nil {
		return nil, err
	}
	if err := s.Release(from, false); err != nil {
		return nil, err
	}
	return buf, nil
}

// Forget drops a page fetched with IntentNew without writing it.
func (s *Session) Forget(key disk.PageKey) error {
	d, err := s.heldDescriptor(key, true)
	if err != nil {
		return err
	}
	if !d.has(flagFaked) {
		return perrors.NotFaked(key.String())
	}
	s.c.discard(s, d)
	return nil
}

// Unwind releases everything the session holds without writing. Pages
// fetched with IntentNew and never written are forgotten.
func (s *Session) Unwind() {
	for idx, h := range s.held {
		d := s.c.descs[idx]
		if h.exclusive && d.has(flagFaked) {
			s.c.discard(s, d)
			continue
		}
		h.depth = 1
		s.held[idx] = h
		s.unlatchOne(d, releaseQuiet, false)
	}
}

// Flush writes the session's share of dirty pages. Pages the session holds
// itself are written too. A failure that escalates unwinds the session.
func (s *Session) Flush(scope Scope, txnMask uint64) error {
	err := s.c.flush(s, scope, txnMask)
	if err != nil && perrors.IsEscalated(err) {
		s.Unwind()
	}
	return err
}

// finishRelease processes the end of s's borrow on d and drops the latch.
func (c *Cache) finishRelease(s *Session, d *descriptor, kind releaseKind, reclaim bool) error {
	var err error
	var seen bufferFlag
	repost := false
	var note blockingNote

	for attempt := 0; ; attempt++ {
		d.mu.Lock()
		last := d.useCount == 1
		flags := d.flags
		note = blockingNote{key: d.key, wanted: d.blockingWanted}
		pending := flags & (flagMustWrite | flagBlocking) &^ seen
		if !last || kind != releaseNormal || err != nil || attempt > 1 || (attempt > 0 && pending == 0) {
			repost = last && kind == releaseQuiet && flags&flagBlocking != 0
			s.dropLocked(d)
			d.mu.Unlock()
			break
		}
		d.mu.Unlock()
		seen |= flags & (flagMustWrite | flagBlocking)

		switch {
		case flags&flagBlocking != 0:
			err = c.serviceBlocking(s, d)
		case flags&flagMustWrite != 0, flags&flagDirty != 0 && c.opts.WriteOnRelease:
			err = c.writeForRelease(s, d, flags)
		}
	}

	if repost {
		c.postBlocking(note)
	}
	c.pushLRU(d, reclaim)
	c.signalAvailable()
	return err
}

// writeForRelease writes d on its last release. A must-write page goes out
// even when its higher pages are busy.
func (c *Cache) writeForRelease(s *Session, d *descriptor, flags bufferFlag) error {
	err := c.writeBuffer(s, d)
	if isNotReady(err) {
		if flags&flagMustWrite == 0 {
			return nil
		}
		err = c.physicalWrite(s, d, true)
	}
	return err
}

func (c *Cache) lockLevelFor(intent Intent) lock.Level {
	if c.HasFlag(FlagExclusive) {
		return lock.None
	}
	if intent == IntentRead {
		return lock.Read
	}
	return lock.Write
}

func (c *Cache) lockWait(wait time.Duration) time.Duration {
	if wait < 0 {
		return c.opts.LockWait
	}
	return wait
}
