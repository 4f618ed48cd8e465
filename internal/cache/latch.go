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
	"time"

	perrors "pagecache/internal/errors"
	"pagecache/internal/storage/disk"
)

// errStale means the descriptor was rebound to another page while the
// caller waited for it. The caller looks the page up again.
var errStale = stderrors.New("descriptor rebound")

// hold is one session's claim on a descriptor.
type hold struct {
	exclusive bool
	depth     int32
}

// releaseKind selects what happens when a session's last borrow goes.
type releaseKind int

const (
	// releaseNormal runs must-write, write-on-release and blocking work.
	releaseNormal releaseKind = iota
	// releaseQuiet skips writes; a pending blocking request is re-posted.
	releaseQuiet
	// releaseSilent only drops the latch.
	releaseSilent
)

// tryLatchLocked grants s the latch on d if it is compatible. Caller holds
// d.mu.
func (s *Session) tryLatchLocked(d *descriptor, exclusive bool) bool {
	h, held := s.held[d.idx]
	if held {
		if h.exclusive || !exclusive {
			h.depth++
			s.held[d.idx] = h
			return true
		}
		// Promotion of a shared hold needs every other reader gone.
		if d.shared == 1 && d.excl == nil {
			d.shared = 0
			d.excl = s
			h.exclusive = true
			h.depth++
			s.held[d.idx] = h
			return true
		}
		return false
	}

	if exclusive {
		if d.excl != nil || d.shared > 0 {
			return false
		}
		d.excl = s
	} else {
		if d.excl != nil {
			return false
		}
		d.shared++
	}
	d.useCount++
	s.held[d.idx] = hold{exclusive: exclusive, depth: 1}
	return true
}

// latch acquires d for s. key is the page the caller looked up; if d no
// longer holds it the result is errStale.
func (s *Session) latch(d *descriptor, exclusive bool, key disk.PageKey, wait time.Duration) error {
	if h, ok := s.held[d.idx]; ok && exclusive && !h.exclusive && wait < 0 {
		// Two readers promoting at once would wait on each other forever.
		wait = s.c.opts.LatchWait
	}

	var deadline time.Time
	if wait > 0 {
		deadline = time.Now().Add(wait)
	}

	d.mu.Lock()
	for {
		if !d.bound || d.key != key {
			d.mu.Unlock()
			return errStale
		}
		if s.tryLatchLocked(d, exclusive) {
			d.mu.Unlock()
			return nil
		}
		if wait == 0 {
			d.mu.Unlock()
			return perrors.LatchTimeout(key.String())
		}

		ch := d.wake
		d.waiters++
		d.mu.Unlock()

		if wait > 0 {
			remaining := time.Until(deadline)
			timer := time.NewTimer(remaining)
			select {
			case <-ch:
			case <-timer.C:
			}
			timer.Stop()
		} else {
			<-ch
		}

		d.mu.Lock()
		d.waiters--
		if wait > 0 && !time.Now().Before(deadline) {
			if d.bound && d.key == key && s.tryLatchLocked(d, exclusive) {
				d.mu.Unlock()
				return nil
			}
			d.mu.Unlock()
			return perrors.LatchTimeout(key.String())
		}
	}
}

// claimLocked latches an unheld descriptor exclusively for s. Caller holds
// d.mu and has checked that nobody holds it.
func (s *Session) claimLocked(d *descriptor) {
	d.excl = s
	d.useCount++
	s.held[d.idx] = hold{exclusive: true, depth: 1}
}

// dropLocked removes every borrow s has on d. Caller holds d.mu.
func (s *Session) dropLocked(d *descriptor) {
	h, ok := s.held[d.idx]
	if !ok {
		return
	}
	delete(s.held, d.idx)
	if h.exclusive {
		d.excl = nil
	} else {
		d.shared--
	}
	d.useCount--
	d.broadcastLocked()
}

// downgradeLocked turns s's exclusive latch on d into a shared one.
func (s *Session) downgradeLocked(d *descriptor) {
	h, ok := s.held[d.idx]
	if !ok || !h.exclusive {
		return
	}
	h.exclusive = false
	s.held[d.idx] = h
	d.excl = nil
	d.shared = 1
	d.broadcastLocked()
}

func (s *Session) holdsExclusive(d *descriptor) bool {
	h, ok := s.held[d.idx]
	return ok && h.exclusive
}

// unlatchOne gives back one borrow. When it was the session's last one the
// descriptor goes through release processing of the given kind.
func (s *Session) unlatchOne(d *descriptor, kind releaseKind, reclaim bool) error {
	h, ok := s.held[d.idx]
	if !ok {
		return nil
	}
	if h.depth > 1 {
		h.depth--
		s.held[d.idx] = h
		return nil
	}
	return s.c.finishRelease(s, d, kind, reclaim)
}
