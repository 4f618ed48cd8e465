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
	"time"
)

// backgroundWriter writes old dirty pages so that eviction finds clean
// ones. It runs every BgWriterInterval and whenever the free watermark is
// crossed.
func (c *Cache) backgroundWriter(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.BgWriterInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-c.bgWake:
		}
		if c.suspended.Load() || c.HasFlag(FlagNoBackgroundWrites) {
			continue
		}
		if n := c.writeOldest(c.bgSession, c.opts.BgWriterMaxPages); n > 0 {
			c.logger.Debug("Background writer round", "written", n)
		}
	}
}

// writeOldest writes up to max dirty unlatched pages from the LRU tail.
// Pages whose higher pages are busy are skipped.
func (c *Cache) writeOldest(s *Session, max int) int {
	var candidates []flushCandidate
	c.lruMu.Lock()
	c.drainPendingLocked()
	for idx := c.lruTail; idx != noIndex && len(candidates) < max; idx = c.descs[idx].prev {
		d := c.descs[idx]
		d.mu.Lock()
		if d.bound && d.useCount == 0 && d.flags&flagDirty != 0 {
			candidates = append(candidates, flushCandidate{key: d.key, d: d})
		}
		d.mu.Unlock()
	}
	c.lruMu.Unlock()

	written := 0
	for _, fc := range candidates {
		if err := s.latch(fc.d, false, fc.key, NoWait); err != nil {
			continue
		}
		err := c.writeBuffer(s, fc.d)
		s.unlatchOne(fc.d, releaseQuiet, false)
		switch {
		case err == nil:
			written++
		case isNotReady(err):
		default:
			// Suspended or failed; the failure has been logged.
			c.stats.bgWrites.Add(uint64(written))
			return written
		}
	}
	c.stats.bgWrites.Add(uint64(written))
	return written
}
