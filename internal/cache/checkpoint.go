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

/*
Checkpoints
===========

A checkpoint writes every dirty page, syncs the store set and records a
marker file, so the store on disk is complete as of the marker's timestamp.

 1. Take the checkpoint lock (one checkpoint at a time)
 2. Flush(FlushAll)
 3. Sync the store and its shadows
 4. Write checkpoint.marker
 5. Update counters

Checkpoint Marker File:

	Offset  Size  Field
	------  ----  -----
	0       8     Timestamp (Unix nanoseconds)
	8       4     Pages written by this checkpoint

Checkpoints run every CheckpointInterval while the cache is started, and
once more when it is closed. They never run while write-back is suspended.
*/

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	perrors "pagecache/internal/errors"
)

// MarkerFileName is the checkpoint marker inside the checkpoint directory.
const MarkerFileName = "checkpoint.marker"

// CheckpointManager runs periodic checkpoints for a cache.
type CheckpointManager struct {
	cache           *Cache
	checkpointDir   string
	interval        time.Duration
	mu              sync.Mutex
	lastCheckpoint  atomic.Int64
	checkpointCount atomic.Int64
}

func newCheckpointManager(c *Cache, dir string, interval time.Duration) *CheckpointManager {
	return &CheckpointManager{
		cache:         c,
		checkpointDir: dir,
		interval:      interval,
	}
}

func (cm *CheckpointManager) run(ctx context.Context) error {
	if cm.interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := cm.Checkpoint(); err != nil && !perrors.IsSuspended(err) {
				cm.cache.logger.Error("Checkpoint failed", "error", err)
			}
		case <-ctx.Done():
			// Final checkpoint before stopping
			if err := cm.Checkpoint(); err != nil && !perrors.IsSuspended(err) {
				cm.cache.logger.Error("Final checkpoint failed", "error", err)
			}
			return nil
		}
	}
}

// Checkpoint performs a checkpoint operation.
func (cm *CheckpointManager) Checkpoint() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	c := cm.cache
	before := c.stats.writes.Load()
	start := time.Now()

	if err := c.Flush(FlushAll, 0); err != nil {
		return err
	}
	if err := c.store.Sync(); err != nil {
		return err
	}
	written := c.stats.writes.Load() - before

	if cm.checkpointDir != "" {
		if err := cm.writeCheckpointMarker(uint32(written)); err != nil {
			return err
		}
	}

	cm.lastCheckpoint.Store(time.Now().Unix())
	cm.checkpointCount.Add(1)
	c.logger.Info("Checkpoint complete", "written", written, "duration", time.Since(start))
	return nil
}

func (cm *CheckpointManager) writeCheckpointMarker(written uint32) error {
	if err := os.MkdirAll(cm.checkpointDir, 0755); err != nil {
		return perrors.IOFailure("mkdir", cm.checkpointDir, err)
	}
	markerPath := filepath.Join(cm.checkpointDir, MarkerFileName)
	f, err := os.Create(markerPath)
	if err != nil {
		return perrors.IOFailure("create", markerPath, err)
	}
	defer f.Close()

	data := make([]byte, 12)
	binary.BigEndian.PutUint64(data[0:8], uint64(time.Now().UnixNano()))
	binary.BigEndian.PutUint32(data[8:12], written)

	if _, err := f.Write(data); err != nil {
		return perrors.IOFailure("write", markerPath, err)
	}
	return f.Sync()
}

// ReadMarker returns the time and page count recorded in dir's marker.
func ReadMarker(dir string) (time.Time, uint32, error) {
	path := filepath.Join(dir, MarkerFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, 0, err
	}
	if len(data) < 12 {
		return time.Time{}, 0, perrors.InvalidFile(path, "short checkpoint marker")
	}
	ts := int64(binary.BigEndian.Uint64(data[0:8]))
	return time.Unix(0, ts), binary.BigEndian.Uint32(data[8:12]), nil
}

// LastCheckpoint returns the Unix timestamp of the last checkpoint.
func (cm *CheckpointManager) LastCheckpoint() int64 {
	return cm.lastCheckpoint.Load()
}

// CheckpointCount returns the number of checkpoints performed.
func (cm *CheckpointManager) CheckpointCount() int64 {
	return cm.checkpointCount.Load()
}
