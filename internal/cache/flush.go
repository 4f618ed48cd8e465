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
	"sort"
	"strings"

	perrors "pagecache/internal/errors"
	"pagecache/internal/storage/disk"
)

// Scope selects the pages a flush writes.
type Scope int

const (
	// FlushTransaction writes pages whose transaction mask meets the given
	// mask.
	FlushTransaction Scope = iota
	// FlushSystem writes pages dirtied by the system transaction.
	FlushSystem
	// FlushAll writes every dirty page.
	FlushAll
	// FlushReleaseAndUnlock writes every dirty page, then drops every
	// unlatched page and its external lock.
	FlushReleaseAndUnlock
)

// String returns the scope name.
func (s Scope) String() string {
	switch s {
	case FlushTransaction:
		return "transaction"
	case FlushSystem:
		return "system"
	case FlushAll:
		return "all"
	case FlushReleaseAndUnlock:
		return "release-and-unlock"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// Flush writes the dirty pages in scope. txnMask is only used by
// FlushTransaction.
func (c *Cache) Flush(scope Scope, txnMask uint64) error {
	s := c.NewSession(0)
	defer s.Unwind()
	return c.flush(s, scope, txnMask)
}

type flushCandidate struct {
	key disk.PageKey
	d   *descriptor
}

// flush writes candidates in page order. Each pass writes every candidate
// with no unwritten higher page; a pass that writes nothing falls back to a
// forced pass over what is left, so the loop always ends.
//
// A candidate another session keeps latched past LatchWait is set aside so
// the rest can proceed. Set-aside pages get one more attempt, before any
// forced pass since the others may be waiting on them; pages still busy
// after that are reported in a latch timeout once everything else is
// written.
func (c *Cache) flush(s *Session, scope Scope, txnMask uint64) error {
	if err := c.suspendedErr(); err != nil {
		return err
	}

	pending := c.flushCandidates(scope, txnMask)
	var busy []flushCandidate
	retried := false
	written := 0
	for {
		if len(pending) == 0 {
			if retried || len(busy) == 0 {
				break
			}
			pending, busy, retried = busy, nil, true
			continue
		}
		next, n, err := c.flushPass(s, pending, false, &busy)
		written += n
		if err != nil {
			return err
		}
		if n == 0 && len(next) > 0 {
			if len(busy) > 0 && !retried {
				pending = sortCandidates(append(busy, next...))
				busy, retried = nil, true
				continue
			}
			_, n, err = c.flushPass(s, next, true, &busy)
			written += n
			if err != nil {
				return err
			}
			next = nil
		}
		pending = next
	}

	if scope == FlushReleaseAndUnlock {
		c.releaseUnlatched(s)
	}
	if written > 0 {
		c.logger.Debug("Flush complete", "scope", scope, "written", written, "busy", len(busy))
	}
	if len(busy) > 0 {
		pages := make([]string, len(busy))
		for i, fc := range busy {
			pages[i] = fc.key.String()
		}
		c.logger.Warn("Flush left pages held by other sessions", "pages", strings.Join(pages, ","))
		return perrors.LatchTimeout(strings.Join(pages, ", ")).
			WithHint("Every other page in scope was written; flush again once the holders release")
	}
	return nil
}

// flushPass runs flushOne over list. Without force, candidates that still
// have unwritten higher pages or whose higher pages are busy are returned
// in next. Candidates that cannot be latched in time go to busy.
func (c *Cache) flushPass(s *Session, list []flushCandidate, force bool, busy *[]flushCandidate) (next []flushCandidate, written int, err error) {
	for _, fc := range list {
		if !c.stillDirty(fc) {
			continue
		}
		if !force && c.hasHighs(fc.d) {
			next = append(next, fc)
			continue
		}
		ok, deferred, ferr := c.flushOne(s, fc, force)
		switch {
		case perrors.Is(ferr, perrors.ErrCodeLatchTimeout):
			*busy = append(*busy, fc)
		case ferr != nil:
			return nil, written, ferr
		case deferred:
			next = append(next, fc)
		case ok:
			written++
		}
	}
	return next, written, nil
}

func (c *Cache) flushCandidates(scope Scope, txnMask uint64) []flushCandidate {
	var out []flushCandidate
	for _, idx := range c.dirtySnapshot() {
		d := c.descs[idx]
		d.mu.Lock()
		match := d.bound && d.flags&flagDirty != 0
		switch scope {
		case FlushTransaction:
			match = match && d.txnMask&txnMask != 0
		case FlushSystem:
			match = match && d.flags&flagSystemDirty != 0
		}
		if match {
			out = append(out, flushCandidate{key: d.key, d: d})
		}
		d.mu.Unlock()
	}
	return sortCandidates(out)
}

func sortCandidates(list []flushCandidate) []flushCandidate {
	sort.Slice(list, func(i, j int) bool { return list[i].key.Less(list[j].key) })
	return list
}

func (c *Cache) stillDirty(fc flushCandidate) bool {
	key, bound, flags := fc.d.snapshot()
	return bound && key == fc.key && flags&flagDirty != 0
}

// flushOne writes one candidate after its higher pages. Without force a
// busy higher page defers the candidate; with force it is written anyway.
func (c *Cache) flushOne(s *Session, fc flushCandidate, force bool) (written, deferred bool, err error) {
	if err := s.latch(fc.d, false, fc.key, c.opts.LatchWait); err != nil {
		if err == errStale {
			return false, false, nil
		}
		return false, false, err
	}
	defer s.unlatchOne(fc.d, releaseQuiet, false)

	err = c.writeBuffer(s, fc.d)
	if isNotReady(err) {
		if !force {
			return false, true, nil
		}
		err = c.physicalWrite(s, fc.d, true)
	}
	return err == nil, false, err
}

// releaseUnlatched drops every page nobody holds, together with its lock.
func (c *Cache) releaseUnlatched(s *Session) {
	dropped := 0
	for _, d := range c.descs {
		d.mu.Lock()
		if !d.bound || d.useCount > 0 || d.flags&flagDirty != 0 {
			d.mu.Unlock()
			continue
		}
		s.claimLocked(d)
		d.mu.Unlock()
		c.discard(s, d)
		dropped++
	}
	c.logger.Debug("Released unlatched pages", "count", dropped)
}
