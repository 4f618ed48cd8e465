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
Package backup redirects page writes while a physical backup is running.

Backup States:
==============

	Normal ──BeginBackup──▶ Stalled ──EndBackup──▶ Merge ──▶ Normal

  - Normal: every write goes to the main store.
  - Stalled: the main store is frozen so it can be copied. Writes go to a
    difference file; each page gets one slot there on first use.
  - Merge: new writes go to the main store again while the difference
    file is copied back, one page at a time.

The cache asks ReserveDestination when a page turns dirty and keeps the
answer with the page. The write later goes to that destination even if the
state has moved on, so one logical change never lands in two places.

Reads consult ReadCurrent first. A page with a live difference slot is read
from there; otherwise the main store holds the latest content.

The difference map lives in memory. A crash during a backup loses it along
with the backup itself.
*/
package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	perrors "pagecache/internal/errors"
	"pagecache/internal/logging"
	"pagecache/internal/storage/disk"
)

// State is the backup state.
type State int32

const (
	StateNormal State = iota
	StateStalled
	StateMerge
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateStalled:
		return "stalled"
	case StateMerge:
		return "merge"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Destination says where a dirty page must be written.
type Destination struct {
	Difference bool
	Offset     int64
}

// Main is the destination of the main store.
var Main = Destination{}

// String formats the destination for logs.
func (d Destination) String() string {
	if !d.Difference {
		return "main"
	}
	return fmt.Sprintf("diff@%d", d.Offset)
}

// DifferenceFileName is the name of the difference file inside the backup dir.
const DifferenceFileName = "backup.diff"

// Manager tracks backup state and owns the difference file.
type Manager struct {
	dir    string
	main   disk.Store
	logger *logging.Logger

	state atomic.Int32

	// mu guards the map, the file and state transitions.
	mu      sync.Mutex
	diff    *os.File
	offsets map[disk.PageKey]int64
	written map[disk.PageKey]bool
	next    int64
	merged  int64
}

// New creates a backup manager. dir holds the difference file while a
// backup runs; main is the store difference pages are merged into.
func New(dir string, main disk.Store) *Manager {
	return &Manager{
		dir:     dir,
		main:    main,
		logger:  logging.NewLogger("backup"),
		offsets: make(map[disk.PageKey]int64),
		written: make(map[disk.PageKey]bool),
	}
}

// State returns the current backup state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Pending returns the number of pages held in the difference file.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.offsets)
}

// Merged returns the number of pages merged by the last EndBackup.
func (m *Manager) Merged() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.merged
}

// ReserveDestination decides where the next write of key goes.
func (m *Manager) ReserveDestination(key disk.PageKey) (Destination, error) {
	if m.State() == StateNormal {
		return Main, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.State() {
	case StateStalled:
		if off, ok := m.offsets[key]; ok {
			return Destination{Difference: true, Offset: off}, nil
		}
		off := m.next
		m.next += int64(m.main.SlotSize())
		m.offsets[key] = off
		return Destination{Difference: true, Offset: off}, nil
	case StateMerge:
		// The main store copy becomes authoritative once this page is
		// written there, so the difference slot must not be merged later.
		delete(m.offsets, key)
		delete(m.written, key)
	}
	return Main, nil
}

// WriteDifference writes slot at a difference offset reserved for key.
func (m *Manager) WriteDifference(key disk.PageKey, dest Destination, slot []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.diff == nil {
		return perrors.IOFailure("write difference", key.String(), os.ErrClosed)
	}
	if _, err := m.diff.WriteAt(slot, dest.Offset); err != nil {
		return perrors.IOFailure("write difference", key.String(), err)
	}
	if off, ok := m.offsets[key]; ok && off == dest.Offset {
		m.written[key] = true
	}
	return nil
}

// ReadCurrent reads key from the difference file if it holds the latest
// copy. It reports false when the caller must read the main store.
func (m *Manager) ReadCurrent(key disk.PageKey, slot []byte) (bool, error) {
	if m.State() == StateNormal {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	off, ok := m.offsets[key]
	if !ok || !m.written[key] || m.diff == nil {
		return false, nil
	}
	if _, err := m.diff.ReadAt(slot, off); err != nil {
		return false, perrors.IOFailure("read difference", key.String(), err)
	}
	return true, nil
}

// BeginBackup freezes the main store. flush runs first so that every page
// dirtied before the switch is already in the main store.
func (m *Manager) BeginBackup(flush func() error) error {
	m.mu.Lock()
	if m.State() != StateNormal {
		m.mu.Unlock()
		return perrors.InvalidValue("backup", "already in state "+m.State().String())
	}
	m.mu.Unlock()

	if flush != nil {
		if err := flush(); err != nil {
			return err
		}
	}
	if err := m.main.Sync(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return perrors.IOFailure("mkdir", m.dir, err)
	}
	path := filepath.Join(m.dir, DifferenceFileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return perrors.IOFailure("open", path, err)
	}
	m.diff = f
	m.next = 0
	m.offsets = make(map[disk.PageKey]int64)
	m.written = make(map[disk.PageKey]bool)
	m.state.Store(int32(StateStalled))
	m.logger.Info("Backup started, main store frozen", "diff", path)
	return nil
}

// EndBackup merges the difference file into the main store and returns to
// normal. flush runs after new writes are pointed back at the main store so
// pages still tagged for the difference file land there before the merge.
func (m *Manager) EndBackup(flush func() error) error {
	m.mu.Lock()
	if m.State() != StateStalled {
		m.mu.Unlock()
		return perrors.InvalidValue("backup", "not running")
	}
	m.state.Store(int32(StateMerge))
	m.merged = 0
	m.mu.Unlock()

	if flush != nil {
		if err := flush(); err != nil {
			return err
		}
	}

	m.mu.Lock()
	keys := make([]disk.PageKey, 0, len(m.offsets))
	for k := range m.offsets {
		keys = append(keys, k)
	}
	m.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	slot := make([]byte, m.main.SlotSize())
	for _, key := range keys {
		if err := m.mergeOne(key, slot); err != nil {
			return err
		}
	}
	if err := m.main.Sync(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	path := m.diff.Name()
	m.diff.Close()
	m.diff = nil
	os.Remove(path)
	m.offsets = make(map[disk.PageKey]int64)
	m.written = make(map[disk.PageKey]bool)
	m.state.Store(int32(StateNormal))
	m.logger.Info("Backup ended", "merged", m.merged)
	return nil
}

// mergeOne copies one page back under mu so a concurrent reservation of the
// same page waits until the copy is in the main store.
func (m *Manager) mergeOne(key disk.PageKey, slot []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	off, ok := m.offsets[key]
	if !ok {
		return nil
	}
	if !m.written[key] {
		delete(m.offsets, key)
		return nil
	}
	if _, err := m.diff.ReadAt(slot, off); err != nil {
		return perrors.IOFailure("read difference", key.String(), err)
	}
	if err := m.main.WriteSlot(key, slot); err != nil {
		return err
	}
	delete(m.offsets, key)
	delete(m.written, key)
	m.merged++
	return nil
}

// Close releases the difference file, if any.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.diff != nil {
		err := m.diff.Close()
		m.diff = nil
		return err
	}
	return nil
}
