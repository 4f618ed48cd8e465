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

/*
Package lock implements the page lock manager shared by every cache that
opens the same store.

Each attached cache is one Owner. An owner holds a page at level None, Read
or Write. Read is shared between owners; Write excludes everyone else.

Blocking Notifications:
=======================

When a request cannot be granted, every owner standing in the way receives
a blocking callback naming the page and the level the requester wants.
Callbacks run on their own goroutine, never on the requester's, and may
arrive while the holder is in the middle of using the page. The holder is
expected to write the page if needed and then Downgrade or Release.

Waits:

	wait == 0   fail immediately (NoWait)
	wait <  0   wait until granted or deadlocked (WaitForever)
	wait >  0   wait at most that long

Deadlock Detection:
===================

Waiting owners form a wait-for graph. A request that would close a cycle
is refused with a deadlock error instead of waiting. Deadlocks are never
retried here; the caller decides.
*/
package lock

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	perrors "pagecache/internal/errors"
	"pagecache/internal/logging"
	"pagecache/internal/storage/disk"
)

// Level is a page lock level.
type Level int8

const (
	None Level = iota
	Read
	Write
)

// String returns the level name.
func (l Level) String() string {
	switch l {
	case None:
		return "none"
	case Read:
		return "read"
	case Write:
		return "write"
	default:
		return fmt.Sprintf("level(%d)", int8(l))
	}
}

// Wait values.
const (
	NoWait      time.Duration = 0
	WaitForever time.Duration = -1
)

// OwnerID identifies a lock owner.
type OwnerID uuid.UUID

// NewOwnerID returns a fresh random owner id.
func NewOwnerID() OwnerID {
	return OwnerID(uuid.New())
}

// String returns the canonical uuid text.
func (o OwnerID) String() string {
	return uuid.UUID(o).String()
}

// BlockingFunc is called when another owner wants key at level wanted.
type BlockingFunc func(key disk.PageKey, wanted Level)

type waiter struct {
	owner   OwnerID
	level   Level
	ready   chan struct{}
	granted bool
}

type entry struct {
	holders map[OwnerID]Level
	waiters []*waiter
}

// Manager grants page locks to owners.
type Manager struct {
	logger *logging.Logger

	mu       sync.Mutex
	locks    map[disk.PageKey]*entry
	blocking map[OwnerID]BlockingFunc
	waitsFor map[OwnerID]map[OwnerID]struct{}

	stats Stats
}

// Stats counts lock manager activity.
type Stats struct {
	Grants    uint64
	Waits     uint64
	Timeouts  uint64
	Deadlocks uint64
	Blocks    uint64
}

// NewManager creates an empty lock manager.
func NewManager() *Manager {
	return &Manager{
		logger:   logging.NewLogger("lock"),
		locks:    make(map[disk.PageKey]*entry),
		blocking: make(map[OwnerID]BlockingFunc),
		waitsFor: make(map[OwnerID]map[OwnerID]struct{}),
	}
}

// RegisterBlocking installs the blocking callback for owner.
func (m *Manager) RegisterBlocking(owner OwnerID, fn BlockingFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fn == nil {
		delete(m.blocking, owner)
		return
	}
	m.blocking[owner] = fn
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Held returns the level owner holds on key.
func (m *Manager) Held(owner OwnerID, key disk.PageKey) Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.locks[key]; ok {
		return e.holders[owner]
	}
	return None
}

func compatible(a, b Level) bool {
	return a == None || b == None || (a == Read && b == Read)
}

// conflicts returns the owners whose hold prevents owner from getting level.
func (e *entry) conflicts(owner OwnerID, level Level) []OwnerID {
	var out []OwnerID
	for o, held := range e.holders {
		if o != owner && !compatible(held, level) {
			out = append(out, o)
		}
	}
	return out
}

// Acquire obtains key at level for owner. Holding a lower level converts.
func (m *Manager) Acquire(owner OwnerID, key disk.PageKey, level Level, wait time.Duration) error {
	if level == None {
		return nil
	}

	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{holders: make(map[OwnerID]Level)}
		m.locks[key] = e
	}
	held := e.holders[owner]
	if held >= level {
		m.mu.Unlock()
		return nil
	}

	blockers := e.conflicts(owner, level)
	// Conversions go ahead of queued requests; fresh requests respect FIFO.
	if len(blockers) == 0 && (held != None || len(e.waiters) == 0) {
		e.holders[owner] = level
		m.stats.Grants++
		m.mu.Unlock()
		return nil
	}

	m.notifyLocked(key, level, blockers)

	if wait == NoWait {
		m.stats.Timeouts++
		m.mu.Unlock()
		return perrors.LockTimeout(key.String())
	}

	m.setWaitsLocked(owner, e, level)
	if m.cycleLocked(owner) {
		delete(m.waitsFor, owner)
		m.stats.Deadlocks++
		m.mu.Unlock()
		m.logger.Warn("Deadlock detected", "owner", owner, "page", key, "level", level)
		return perrors.Deadlock(key.String())
	}

	w := &waiter{owner: owner, level: level, ready: make(chan struct{})}
	if held != None {
		e.waiters = append([]*waiter{w}, e.waiters...)
	} else {
		e.waiters = append(e.waiters, w)
	}
	m.stats.Waits++
	m.mu.Unlock()

	var timeout <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-w.ready:
		return nil
	case <-timeout:
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if w.granted {
		return nil
	}
	m.removeWaiterLocked(key, w)
	delete(m.waitsFor, owner)
	m.stats.Timeouts++
	return perrors.LockTimeout(key.String())
}

// Convert raises owner's level on key. It is Acquire under another name for
// callers that know they already hold the page.
func (m *Manager) Convert(owner OwnerID, key disk.PageKey, level Level, wait time.Duration) error {
	return m.Acquire(owner, key, level, wait)
}

// Downgrade lowers owner's level on key. Downgrading to None releases.
func (m *Manager) Downgrade(owner OwnerID, key disk.PageKey, level Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[key]
	if !ok {
		return
	}
	held, ok := e.holders[owner]
	if !ok || held <= level {
		return
	}
	if level == None {
		delete(e.holders, owner)
	} else {
		e.holders[owner] = level
	}
	m.grantLocked(key, e)
}

// Release drops owner's lock on key.
func (m *Manager) Release(owner OwnerID, key disk.PageKey) {
	m.Downgrade(owner, key, None)
}

// ReleaseAll drops every lock owner holds and forgets its callback.
func (m *Manager) ReleaseAll(owner OwnerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, e := range m.locks {
		if _, ok := e.holders[owner]; ok {
			delete(e.holders, owner)
			m.grantLocked(key, e)
		}
	}
	delete(m.blocking, owner)
}

// grantLocked wakes waiters that are now compatible, in queue order.
func (m *Manager) grantLocked(key disk.PageKey, e *entry) {
	for len(e.waiters) > 0 {
		w := e.waiters[0]
		blockers := e.conflicts(w.owner, w.level)
		if len(blockers) > 0 {
			m.setWaitsLocked(w.owner, e, w.level)
			m.notifyLocked(key, w.level, blockers)
			break
		}
		e.waiters = e.waiters[1:]
		e.holders[w.owner] = w.level
		w.granted = true
		delete(m.waitsFor, w.owner)
		m.stats.Grants++
		close(w.ready)
	}
	if len(e.holders) == 0 && len(e.waiters) == 0 {
		delete(m.locks, key)
	}
}

func (m *Manager) removeWaiterLocked(key disk.PageKey, w *waiter) {
	e, ok := m.locks[key]
	if !ok {
		return
	}
	for i, x := range e.waiters {
		if x == w {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			break
		}
	}
	// The head may have changed.
	m.grantLocked(key, e)
}

// notifyLocked posts blocking callbacks to blockers on their own goroutines.
func (m *Manager) notifyLocked(key disk.PageKey, wanted Level, blockers []OwnerID) {
	for _, o := range blockers {
		fn, ok := m.blocking[o]
		if !ok {
			continue
		}
		m.stats.Blocks++
		go fn(key, wanted)
	}
}

func (m *Manager) setWaitsLocked(owner OwnerID, e *entry, level Level) {
	edges := make(map[OwnerID]struct{})
	for _, o := range e.conflicts(owner, level) {
		edges[o] = struct{}{}
	}
	m.waitsFor[owner] = edges
}

// cycleLocked reports whether owner can reach itself in the wait-for graph.
func (m *Manager) cycleLocked(owner OwnerID) bool {
	seen := make(map[OwnerID]bool)
	stack := make([]OwnerID, 0, len(m.waitsFor[owner]))
	for o := range m.waitsFor[owner] {
		stack = append(stack, o)
	}
	for len(stack) > 0 {
		o := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if o == owner {
			return true
		}
		if seen[o] {
			continue
		}
		seen[o] = true
		for next := range m.waitsFor[o] {
			stack = append(stack, next)
		}
	}
	return false
}
