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
	"strings"
	"sync"
	"sync/atomic"

	"pagecache/internal/backup"
	"pagecache/internal/lock"
	"pagecache/internal/storage/disk"
)

// bufferFlag is the per-descriptor state bitset.
type bufferFlag uint32

const (
	flagDirty bufferFlag = 1 << iota
	flagMustWrite
	flagFaked
	flagReadPending
	flagNotValid
	flagSystemDirty
	flagBlocking
)

var flagNames = []struct {
	flag bufferFlag
	name string
}{
	{flagDirty, "dirty"},
	{flagMustWrite, "must-write"},
	{flagFaked, "faked"},
	{flagReadPending, "read-pending"},
	{flagNotValid, "not-valid"},
	{flagSystemDirty, "system-dirty"},
	{flagBlocking, "blocking"},
}

// String lists the set flags, for logs and the shell.
func (f bufferFlag) String() string {
	if f == 0 {
		return "clean"
	}
	var names []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			names = append(names, fn.name)
		}
	}
	return strings.Join(names, "|")
}

const noIndex int32 = -1

// descriptor is one slot of the fixed buffer pool. Descriptors are created
// once by New and addressed by idx for the lifetime of the cache.
type descriptor struct {
	idx  int32
	page *disk.Page
	buf  Buffer

	// ioMu is held across a physical write and by MarkDirty.
	ioMu sync.Mutex

	// mu guards the fields below. It is never held across a wait.
	mu             sync.Mutex
	key            disk.PageKey
	bound          bool
	flags          bufferFlag
	excl           *Session
	shared         int32
	useCount       int32
	waiters        int32
	wake           chan struct{}
	gen            uint64
	txnMask        uint64
	dest           backup.Destination
	lockLevel      lock.Level
	blockingWanted lock.Level

	// Guarded by Cache.lruMu.
	prev, next int32
	inLRU      bool

	// Lock-free pending chain feeding the LRU.
	inPending   atomic.Bool
	pendingNext atomic.Int32
	reclaim     atomic.Bool

	// Guarded by Cache.precMu. higher holds edges where this page is the
	// low end, lower the edges where it is the high end.
	higher []int32
	lower  []int32
	mark   uint64
}

func newDescriptor(c *Cache, idx int32) *descriptor {
	d := &descriptor{
		idx:  idx,
		page: new(disk.Page),
		wake: make(chan struct{}),
		prev: noIndex,
		next: noIndex,
	}
	d.pendingNext.Store(noIndex)
	d.buf = Buffer{c: c, d: d}
	return d
}

// broadcastLocked wakes every latch waiter. Caller holds d.mu.
func (d *descriptor) broadcastLocked() {
	if d.waiters == 0 {
		return
	}
	close(d.wake)
	d.wake = make(chan struct{})
}

// snapshot returns the identity and flags under d.mu.
func (d *descriptor) snapshot() (disk.PageKey, bool, bufferFlag) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.key, d.bound, d.flags
}

func (d *descriptor) has(f bufferFlag) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flags&f != 0
}

// Buffer is the caller's handle on a latched page. It stays valid until the
// session releases the page.
type Buffer struct {
	c *Cache
	d *descriptor
}

// Key returns the page identity.
func (b *Buffer) Key() disk.PageKey {
	b.d.mu.Lock()
	defer b.d.mu.Unlock()
	return b.d.key
}

// Page returns the cached page.
func (b *Buffer) Page() *disk.Page {
	return b.d.page
}

// Payload returns the bytes after the page header.
func (b *Buffer) Payload() []byte {
	return b.d.page.Payload()
}

// Dirty reports whether the page has unwritten changes.
func (b *Buffer) Dirty() bool {
	return b.d.has(flagDirty)
}
