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

package disk

import (
	"fmt"
	"sync"
	"time"

	perrors "pagecache/internal/errors"
)

// Fault decides whether an I/O on key fails. A nil return lets it proceed.
type Fault func(key PageKey) error

// MemStore is an in-memory Store. It records every write in order and
// accepts fault hooks, which makes it the store of choice for tests.
type MemStore struct {
	name     string
	slotSize int

	mu         sync.Mutex
	slots      map[PageKey][]byte
	writeLog   []PageKey
	reads      map[PageKey]int
	readFault  Fault
	writeFault Fault
	readDelay  time.Duration
	syncs      int
	closed     bool
}

// NewMemStore creates an empty in-memory store.
func NewMemStore(name string, slotOverhead int) *MemStore {
	return &MemStore{
		name:     name,
		slotSize: PageSize + slotOverhead,
		slots:    make(map[PageKey][]byte),
		reads:    make(map[PageKey]int),
	}
}

// Name returns the store name.
func (m *MemStore) Name() string { return m.name }

// SlotSize returns the slot size.
func (m *MemStore) SlotSize() int { return m.slotSize }

// ReadSlot copies the stored slot into buf.
func (m *MemStore) ReadSlot(key PageKey, buf []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return perrors.Closed(m.name)
	}
	if len(buf) != m.slotSize {
		m.mu.Unlock()
		return perrors.InvalidValue("buf", fmt.Sprintf("length %d, expected %d", len(buf), m.slotSize))
	}
	m.reads[key]++
	fault, delay := m.readFault, m.readDelay
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fault != nil {
		if err := fault(key); err != nil {
			return perrors.IOFailure("read", key.String(), err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if data, ok := m.slots[key]; ok {
		copy(buf, data)
	} else {
		clear(buf)
	}
	return nil
}

// WriteSlot stores a copy of buf.
func (m *MemStore) WriteSlot(key PageKey, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return perrors.Closed(m.name)
	}
	if len(buf) != m.slotSize {
		return perrors.InvalidValue("buf", fmt.Sprintf("length %d, expected %d", len(buf), m.slotSize))
	}
	if m.writeFault != nil {
		if err := m.writeFault(key); err != nil {
			return perrors.IOFailure("write", key.String(), err)
		}
	}
	m.slots[key] = append([]byte(nil), buf...)
	m.writeLog = append(m.writeLog, key)
	return nil
}

// Sync counts sync calls.
func (m *MemStore) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncs++
	return nil
}

// Close marks the store closed.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// SetReadFault installs a hook consulted before every read.
func (m *MemStore) SetReadFault(f Fault) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readFault = f
}

// SetWriteFault installs a hook consulted before every write.
func (m *MemStore) SetWriteFault(f Fault) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeFault = f
}

// SetReadDelay makes every read sleep for d before returning.
func (m *MemStore) SetReadDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readDelay = d
}

// FailWrites returns a Fault that fails every write of key.
func FailWrites(key PageKey, err error) Fault {
	return func(k PageKey) error {
		if k == key {
			return err
		}
		return nil
	}
}

// WriteLog returns the keys written so far, in order.
func (m *MemStore) WriteLog() []PageKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PageKey(nil), m.writeLog...)
}

// WriteCount returns how many times key was written.
func (m *MemStore) WriteCount(key PageKey) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, k := range m.writeLog {
		if k == key {
			n++
		}
	}
	return n
}

// ReadCount returns how many times key was read.
func (m *MemStore) ReadCount(key PageKey) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads[key]
}

// SyncCount returns how many times Sync was called.
func (m *MemStore) SyncCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncs
}

// Slot returns a copy of the stored slot for key, or nil.
func (m *MemStore) Slot(key PageKey) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if data, ok := m.slots[key]; ok {
		return append([]byte(nil), data...)
	}
	return nil
}

// ResetLog clears the write log and read counters.
func (m *MemStore) ResetLog() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeLog = nil
	m.reads = make(map[PageKey]int)
}
