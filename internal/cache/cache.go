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
Package cache implements the page buffer cache.

A fixed pool of buffer descriptors holds copies of on-disk pages. Sessions
fetch pages under an in-process latch (shared or exclusive) and, unless the
cache runs with FlagExclusive, under an external page lock from the lock
manager shared with other caches on the same store.

Architecture Overview:
======================

	┌──────────────────────────────────────────────────────────────┐
	│ Session: Fetch / MarkDirty / EstablishPrecedence / Release   │
	├──────────────────────────────────────────────────────────────┤
	│ hash index (xsync.MapOf)  ──▶  descriptor pool [idx]         │
	│   latch + flags + lock level + backup destination per slot   │
	├───────────────┬──────────────────┬───────────────────────────┤
	│ LRU + pending │ precedence graph │ dirty set                 │
	│ chain         │ (edge pool)      │                           │
	├───────────────┴──────────────────┴───────────────────────────┤
	│ write-back: codec ─▶ backup redirect ─▶ shadow set ─▶ store   │
	├──────────────────────────────────────────────────────────────┤
	│ background: blocking dispatcher, writer, checkpoint          │
	└──────────────────────────────────────────────────────────────┘

Page Lifecycle:
===============

 1. Fetch misses: a free or preempted descriptor is published in the index
    with a read pending, the external lock is taken, the slot is read,
    decoded and verified.

 2. The holder modifies the page and calls MarkDirty. The backup boundary
    picks the write destination at this point.

 3. Pages that point at new pages call EstablishPrecedence so the new page
    reaches disk first.

 4. Release returns the latch. Dirty pages normally stay cached until a
    flush, the background writer, eviction or another owner's blocking
    request writes them.

Lock Ordering:
==============

	precMu ─▶ descriptor.mu
	lruMu  ─▶ descriptor.mu
	descriptor.ioMu ─▶ precMu

No lock is held while waiting for a latch, an external lock or I/O, except
ioMu, which covers exactly one physical write.

Error Handling:
===============

Latch and lock timeouts are returned as they are; the caller decides whether
to Unwind. I/O, codec and page validation failures unwind the session before
they are returned. A failed write suspends all write-back until ResumeIO.
*/
package cache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"

	"pagecache/internal/backup"
	"pagecache/internal/codec"
	perrors "pagecache/internal/errors"
	"pagecache/internal/lock"
	"pagecache/internal/logging"
	"pagecache/internal/shadow"
	"pagecache/internal/storage/disk"
)

// Cache is a page buffer cache attached to one store.
type Cache struct {
	opts   Options
	logger *logging.Logger

	descs []*descriptor
	index *xsync.MapOf[disk.PageKey, int32]

	store  *shadow.Set
	codec  codec.Codec
	backup *backup.Manager
	locks  *lock.Manager
	owner  lock.OwnerID

	freeMu    sync.Mutex
	free      []int32
	available chan struct{}

	lruMu       sync.Mutex
	lruHead     int32
	lruTail     int32
	pendingHead atomic.Int32
	drainBuf    []int32

	precMu      sync.Mutex
	edges       []edge
	freeEdges   []int32
	liveEdges   int
	searchEpoch uint64
	searchStack []int32

	dirtyMu    sync.Mutex
	dirty      map[int32]struct{}
	dirtyCount atomic.Int64

	suspended    atomic.Bool
	suspendMu    sync.Mutex
	suspendCause error
	poisoned     atomic.Uint64

	flags   atomic.Uint32
	closed  atomic.Bool
	started atomic.Bool

	scratch sync.Pool

	blockCh      chan blockingNote
	blockSession *Session
	bgWake       chan struct{}
	bgSession    *Session
	checkpoints  *CheckpointManager

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	stats counters
}

// New builds a cache over opts.Store. Background work starts with Start.
func New(opts Options) (*Cache, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}

	c := &Cache{
		opts:      opts,
		logger:    logging.NewLogger("cache"),
		index:     xsync.NewMapOf[disk.PageKey, int32](),
		store:     shadow.New(opts.Store, opts.Shadows...),
		codec:     opts.Codec,
		locks:     opts.Locks,
		owner:     lock.NewOwnerID(),
		available: make(chan struct{}, 1),
		lruHead:   noIndex,
		lruTail:   noIndex,
		dirty:     make(map[int32]struct{}),
		blockCh:   make(chan blockingNote, blockingQueue),
		bgWake:    make(chan struct{}, 1),
	}
	c.pendingHead.Store(noIndex)
	c.backup = backup.New(opts.BackupDir, c.store)

	slotSize := c.store.SlotSize()
	c.scratch.New = func() any {
		return &scratch{slot: make([]byte, slotSize)}
	}

	c.descs = make([]*descriptor, opts.Buffers)
	c.free = make([]int32, 0, opts.Buffers)
	for i := opts.Buffers - 1; i >= 0; i-- {
		c.descs[i] = newDescriptor(c, int32(i))
		c.free = append(c.free, int32(i))
	}

	c.blockSession = c.NewSession(0)
	c.bgSession = c.NewSession(0)
	c.checkpoints = newCheckpointManager(c, opts.CheckpointDir, opts.CheckpointInterval)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.locks.RegisterBlocking(c.owner, c.onBlocking)

	c.logger.Info("Page cache created",
		"buffers", opts.Buffers,
		"codec", c.codec.Name(),
		"store", opts.Store.Name(),
		"shadows", len(opts.Shadows),
		"owner", c.owner)
	return c, nil
}

// Start launches the blocking dispatcher, the background writer and the
// checkpoint loop.
func (c *Cache) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	g, ctx := errgroup.WithContext(c.ctx)
	c.group = g
	g.Go(func() error { return c.dispatchBlocking(ctx) })
	g.Go(func() error { return c.backgroundWriter(ctx) })
	g.Go(func() error { return c.checkpoints.run(ctx) })
}

// Close stops background work, writes every dirty page, releases all
// external locks and closes the stores.
func (c *Cache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.locks.RegisterBlocking(c.owner, nil)
	c.cancel()
	var firstErr error
	if c.group != nil {
		if err := c.group.Wait(); err != nil {
			firstErr = err
		}
	}

	if err := c.Flush(FlushReleaseAndUnlock, 0); err != nil && firstErr == nil {
		firstErr = err
	}
	c.locks.ReleaseAll(c.owner)
	if err := c.store.Sync(); err != nil && firstErr == nil && !c.suspended.Load() {
		firstErr = err
	}
	if err := c.backup.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	c.logger.Info("Page cache closed", "owner", c.owner)
	return firstErr
}

// Owner returns the cache's lock owner id.
func (c *Cache) Owner() lock.OwnerID {
	return c.owner
}

// Buffers returns the pool size.
func (c *Cache) Buffers() int {
	return len(c.descs)
}

// Suspended reports whether write-back is suspended.
func (c *Cache) Suspended() bool {
	return c.suspended.Load()
}

// ResumeIO clears a write-back suspension after the operator fixed its
// cause. Pages marked not-valid stay that way until they are read again.
func (c *Cache) ResumeIO() {
	c.suspendMu.Lock()
	cause := c.suspendCause
	c.suspendCause = nil
	c.suspendMu.Unlock()
	if c.suspended.CompareAndSwap(true, false) {
		c.logger.Info("Write-back resumed", "cause", cause)
		c.wakeWriter()
	}
}

// Checkpoint flushes every dirty page, syncs the store and records a
// checkpoint marker.
func (c *Cache) Checkpoint() error {
	return c.checkpoints.Checkpoint()
}

// Checkpoints returns the checkpoint manager.
func (c *Cache) Checkpoints() *CheckpointManager {
	return c.checkpoints
}

// BeginBackup freezes the main store. Pages dirtied from now on are written
// to the difference file.
func (c *Cache) BeginBackup() error {
	if c.closed.Load() {
		return perrors.Closed("cache")
	}
	return c.backup.BeginBackup(func() error { return c.Flush(FlushAll, 0) })
}

// EndBackup merges the difference file back into the main store.
func (c *Cache) EndBackup() error {
	if c.closed.Load() {
		return perrors.Closed("cache")
	}
	return c.backup.EndBackup(func() error { return c.Flush(FlushAll, 0) })
}

// BackupState returns the backup state.
func (c *Cache) BackupState() backup.State {
	return c.backup.State()
}

// Store returns the store set pages are written to.
func (c *Cache) Store() disk.Store {
	return c.store
}
