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
	"runtime"
	"time"

	"pagecache/internal/codec"
	"pagecache/internal/config"
	perrors "pagecache/internal/errors"
	"pagecache/internal/lock"
	"pagecache/internal/storage/disk"
)

// Options configures a Cache. Stores, codec and lock manager are supplied by
// the caller; the tuning knobs normally come from OptionsFromConfig.
type Options struct {
	// Store is the main page store. Shadows mirror it and take over when it
	// fails.
	Store   disk.Store
	Shadows []disk.Store

	// Codec transforms pages on their way to and from the store. Nil means
	// codec.Null.
	Codec codec.Codec

	// Locks is the lock manager shared with other caches attached to the
	// same store. Nil gives the cache a private manager.
	Locks *lock.Manager

	Buffers          int
	LatchWait        time.Duration
	LockWait         time.Duration
	FreeWatermark    float64
	MaxDirtySkips    int
	PrecedenceBudget int
	WriteOnRelease   bool
	ShadowRetries    int

	// BackupDir holds the difference file while a backup runs.
	BackupDir string

	BgWriterInterval time.Duration
	BgWriterMaxPages int

	// CheckpointInterval of zero disables periodic checkpoints. Explicit
	// Checkpoint calls still work.
	CheckpointInterval time.Duration
	CheckpointDir      string
}

// DefaultOptions returns the tuning defaults without any store.
func DefaultOptions() Options {
	return OptionsFromConfig(config.DefaultConfig())
}

// OptionsFromConfig maps a validated configuration onto cache options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Buffers:            cfg.Buffers,
		LatchWait:          cfg.LatchWait(),
		LockWait:           cfg.LockWait(),
		FreeWatermark:      cfg.FreeWatermark,
		MaxDirtySkips:      cfg.MaxDirtySkips,
		PrecedenceBudget:   cfg.PrecedenceBudget,
		WriteOnRelease:     cfg.WriteOnRelease,
		ShadowRetries:      cfg.ShadowRetries,
		BackupDir:          cfg.BackupDir,
		BgWriterInterval:   time.Duration(cfg.BgWriterIntervalMs) * time.Millisecond,
		BgWriterMaxPages:   cfg.BgWriterMaxPages,
		CheckpointInterval: time.Duration(cfg.CheckpointSecs) * time.Second,
		CheckpointDir:      cfg.DataDir,
	}
}

// CalculateOptimalPoolSize sizes the pool from the memory the runtime has
// obtained from the OS: a quarter of it, between 256 and 131072 buffers.
func CalculateOptimalPoolSize() int {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	availableBytes := memStats.Sys
	if availableBytes == 0 {
		availableBytes = 1 << 30
	}
	pages := int(availableBytes / 4 / disk.PageSize)

	const minPages = 256
	const maxPages = 131072
	if pages < minPages {
		pages = minPages
	}
	if pages > maxPages {
		pages = maxPages
	}
	return pages
}

func (o *Options) normalize() error {
	if o.Store == nil {
		return perrors.InvalidValue("store", "a page store is required")
	}
	if o.Codec == nil {
		o.Codec = codec.Null{}
	}
	if o.Locks == nil {
		o.Locks = lock.NewManager()
	}
	if o.Buffers <= 0 {
		o.Buffers = CalculateOptimalPoolSize()
	}
	if o.Buffers < config.MinBuffers {
		return perrors.InvalidValue("buffers", fmt.Sprintf("must be at least %d", config.MinBuffers))
	}
	if o.LatchWait <= 0 {
		o.LatchWait = time.Second
	}
	if o.LockWait == 0 {
		o.LockWait = 5 * time.Second
	}
	if o.FreeWatermark < 0 || o.FreeWatermark >= 1 {
		return perrors.InvalidValue("free_watermark", "must be in [0, 1)")
	}
	if o.MaxDirtySkips <= 0 {
		o.MaxDirtySkips = 16
	}
	if o.PrecedenceBudget <= 0 {
		o.PrecedenceBudget = 256
	}
	if o.ShadowRetries < 0 {
		o.ShadowRetries = 0
	}
	if o.BgWriterInterval <= 0 {
		o.BgWriterInterval = 200 * time.Millisecond
	}
	if o.BgWriterMaxPages <= 0 {
		o.BgWriterMaxPages = 64
	}

	want := disk.PageSize + o.Codec.Overhead()
	stores := append([]disk.Store{o.Store}, o.Shadows...)
	for _, s := range stores {
		if s.SlotSize() != want {
			return perrors.InvalidValue("store", fmt.Sprintf("%s has slot size %d, codec %s needs %d",
				s.Name(), s.SlotSize(), o.Codec.Name(), want))
		}
	}
	return nil
}
