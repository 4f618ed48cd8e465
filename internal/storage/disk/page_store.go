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
Page Store Implementation
=========================

A PageStore keeps one file per table space inside a directory. Each file
starts with a header block followed by fixed-size slots, one per page:

	┌─────────────────────────────────────────────────────────────┐
	│                    File Header (8KB)                        │
	│  [Magic: "PCAC"] [Version] [SlotSize] [Key fingerprint]     │
	├─────────────────────────────────────────────────────────────┤
	│                    Slot 0                                   │
	├─────────────────────────────────────────────────────────────┤
	│                    Slot 1                                   │
	├─────────────────────────────────────────────────────────────┤
	│                       ...                                   │
	└─────────────────────────────────────────────────────────────┘

File Header Format:

	Offset  Size  Field
	------  ----  -----
	0       4     Magic number (0x50434143 = "PCAC")
	4       4     Version number (currently 1)
	8       4     Slot size
	12      4     Fingerprint length
	16      n     Fingerprint of the page codec key (empty when plain)

The slot size grows with the codec overhead, so an encrypted space cannot
be opened with the plain codec and vice versa. A fingerprint mismatch is
reported as a wrong key rather than as corruption.

Page Addressing:

	offset = FileHeaderSize + PageNumber * SlotSize

Slots past the end of the file read as zeros.
*/
package disk

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	perrors "pagecache/internal/errors"
)

// File header constants
const (
	PageStoreMagic   uint32 = 0x50434143 // "PCAC"
	PageStoreVersion uint32 = 1
	FileHeaderSize   int64  = PageSize

	maxFingerprint = 64
)

// PageStoreOptions configures a PageStore.
type PageStoreOptions struct {
	// SlotOverhead is added to PageSize to form the slot size.
	SlotOverhead int
	// Fingerprint identifies the codec key. Empty for the plain codec.
	Fingerprint []byte
	// ReadOnly opens existing files without creating new ones.
	ReadOnly bool
}

// PageStore is a Store backed by one file per space.
type PageStore struct {
	dir      string
	slotSize int
	opts     PageStoreOptions

	mu     sync.RWMutex
	files  map[SpaceID]*os.File
	closed bool
}

// OpenPageStore opens or creates a page store in dir.
func OpenPageStore(dir string, opts PageStoreOptions) (*PageStore, error) {
	if len(opts.Fingerprint) > maxFingerprint {
		return nil, perrors.InvalidValue("fingerprint", "longer than 64 bytes")
	}
	if !opts.ReadOnly {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, perrors.IOFailure("mkdir", dir, err)
		}
	}
	ps := &PageStore{
		dir:      dir,
		slotSize: PageSize + opts.SlotOverhead,
		opts:     opts,
		files:    make(map[SpaceID]*os.File),
	}
	// Validate every space already present so a wrong key fails at open.
	spaces, err := ps.Spaces()
	if err != nil {
		return nil, err
	}
	for _, space := range spaces {
		if _, err := ps.file(space); err != nil {
			ps.Close()
			return nil, err
		}
	}
	return ps, nil
}

// SpaceFileName returns the file name used for a space.
func SpaceFileName(space SpaceID) string {
	return fmt.Sprintf("space_%05d.pcd", space)
}

// Name returns the store directory.
func (ps *PageStore) Name() string {
	return ps.dir
}

// SlotSize returns the on-disk size of one page.
func (ps *PageStore) SlotSize() int {
	return ps.slotSize
}

// Spaces lists the spaces that have a file in the store directory.
func (ps *PageStore) Spaces() ([]SpaceID, error) {
	entries, err := os.ReadDir(ps.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, perrors.IOFailure("readdir", ps.dir, err)
	}
	var spaces []SpaceID
	for _, e := range entries {
		var id uint16
		if _, err := fmt.Sscanf(e.Name(), "space_%05d.pcd", &id); err == nil {
			spaces = append(spaces, SpaceID(id))
		}
	}
	sort.Slice(spaces, func(i, j int) bool { return spaces[i] < spaces[j] })
	return spaces, nil
}

// PageCount returns the number of slots allocated in a space file.
func (ps *PageStore) PageCount(space SpaceID) (uint32, error) {
	f, err := ps.file(space)
	if err != nil {
		return 0, err
	}
	info, err := f.Stat()
	if err != nil {
		return 0, perrors.IOFailure("stat", f.Name(), err)
	}
	size := info.Size() - FileHeaderSize
	if size <= 0 {
		return 0, nil
	}
	return uint32((size + int64(ps.slotSize) - 1) / int64(ps.slotSize)), nil
}

func (ps *PageStore) file(space SpaceID) (*os.File, error) {
	ps.mu.RLock()
	f, ok := ps.files[space]
	closed := ps.closed
	ps.mu.RUnlock()
	if closed {
		return nil, perrors.Closed("page store")
	}
	if ok {
		return f, nil
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if f, ok := ps.files[space]; ok {
		return f, nil
	}

	path := filepath.Join(ps.dir, SpaceFileName(space))
	flags := os.O_RDWR | os.O_CREATE
	if ps.opts.ReadOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, perrors.IOFailure("open", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, perrors.IOFailure("stat", path, err)
	}
	if info.Size() == 0 && !ps.opts.ReadOnly {
		err = ps.writeHeader(f)
	} else {
		err = ps.readHeader(f, path)
	}
	if err != nil {
		f.Close()
		return nil, err
	}
	ps.files[space] = f
	return f, nil
}

func (ps *PageStore) writeHeader(f *os.File) error {
	header := make([]byte, FileHeaderSize)
	binary.BigEndian.PutUint32(header[0:4], PageStoreMagic)
	binary.BigEndian.PutUint32(header[4:8], PageStoreVersion)
	binary.BigEndian.PutUint32(header[8:12], uint32(ps.slotSize))
	binary.BigEndian.PutUint32(header[12:16], uint32(len(ps.opts.Fingerprint)))
	copy(header[16:], ps.opts.Fingerprint)
	if _, err := f.WriteAt(header, 0); err != nil {
		return perrors.IOFailure("write header", f.Name(), err)
	}
	if err := f.Sync(); err != nil {
		return perrors.IOFailure("sync", f.Name(), err)
	}
	return nil
}

func (ps *PageStore) readHeader(f *os.File, path string) error {
	header := make([]byte, FileHeaderSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		return perrors.InvalidFile(path, "short header")
	}
	if binary.BigEndian.Uint32(header[0:4]) != PageStoreMagic {
		return perrors.InvalidFile(path, "bad magic")
	}
	if v := binary.BigEndian.Uint32(header[4:8]); v != PageStoreVersion {
		return perrors.InvalidFile(path, fmt.Sprintf("version %d", v))
	}
	fpLen := binary.BigEndian.Uint32(header[12:16])
	if fpLen > maxFingerprint {
		return perrors.InvalidFile(path, "bad fingerprint length")
	}
	if !bytes.Equal(header[16:16+fpLen], ps.opts.Fingerprint) {
		return perrors.WrongKey(path)
	}
	if s := binary.BigEndian.Uint32(header[8:12]); int(s) != ps.slotSize {
		return perrors.InvalidFile(path, fmt.Sprintf("slot size %d, expected %d", s, ps.slotSize))
	}
	return nil
}

func (ps *PageStore) slotOffset(page PageNumber) int64 {
	return FileHeaderSize + int64(page)*int64(ps.slotSize)
}

// ReadSlot reads the slot of key into buf.
func (ps *PageStore) ReadSlot(key PageKey, buf []byte) error {
	if len(buf) != ps.slotSize {
		return perrors.InvalidValue("buf", fmt.Sprintf("length %d, expected %d", len(buf), ps.slotSize))
	}
	f, err := ps.file(key.Space)
	if err != nil {
		return err
	}
	n, err := f.ReadAt(buf, ps.slotOffset(key.Page))
	if err == io.EOF {
		clear(buf[n:])
		return nil
	}
	if err != nil {
		return perrors.IOFailure("read", key.String(), err)
	}
	return nil
}

// WriteSlot writes buf into the slot of key.
func (ps *PageStore) WriteSlot(key PageKey, buf []byte) error {
	if len(buf) != ps.slotSize {
		return perrors.InvalidValue("buf", fmt.Sprintf("length %d, expected %d", len(buf), ps.slotSize))
	}
	if ps.opts.ReadOnly {
		return perrors.IOFailure("write", key.String(), os.ErrPermission)
	}
	f, err := ps.file(key.Space)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(buf, ps.slotOffset(key.Page)); err != nil {
		return perrors.IOFailure("write", key.String(), err)
	}
	return nil
}

// Sync flushes all open space files.
func (ps *PageStore) Sync() error {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	for _, f := range ps.files {
		if err := f.Sync(); err != nil {
			return perrors.IOFailure("sync", f.Name(), err)
		}
	}
	return nil
}

// Close closes all space files.
func (ps *PageStore) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return nil
	}
	ps.closed = true
	var firstErr error
	for space, f := range ps.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = perrors.IOFailure("close", f.Name(), err)
		}
		delete(ps.files, space)
	}
	return firstErr
}
