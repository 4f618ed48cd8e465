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
Package disk implements the physical page layer underneath the buffer cache.

Page-Based Storage Overview:
============================

Every transfer between memory and stable storage moves one fixed-size page.
A page is addressed by a PageKey: the table space it belongs to and its page
number inside that space. The cache never looks inside the payload; it only
needs the small header below to validate what came back from disk.

Page Layout:

	┌─────────────────────────────────────────────────────────────────┐
	│                    Page Header (32 bytes)                       │
	│  [Type | Flags | Space | PageNumber | Generation | Checksum]     │
	├─────────────────────────────────────────────────────────────────┤
	│                                                                 │
	│                    Payload (owned by the caller)                │
	│                                                                 │
	└─────────────────────────────────────────────────────────────────┘

Header Format:

	Offset  Size  Field
	------  ----  -----
	0       1     Page type (0 = unformatted)
	1       1     Flags
	2       2     Space ID
	4       4     Page number
	8       8     Generation (one more on every write)
	16      8     Checksum (xxhash64 of the page with this field zeroed)
	24      8     Reserved

A page that is entirely zero has never been written. It verifies cleanly
and reports type 0, so reading past the end of a space yields an
unformatted page rather than an error.

The identity stamped into the header is checked on read. A page that lands
in the wrong slot fails verification even when its checksum is intact.
*/
package disk

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	perrors "pagecache/internal/errors"
)

// Page size constants
const (
	// PageSize is the size of each page in bytes.
	PageSize = 8192

	// PageHeaderSize is the size of the page header in bytes.
	PageHeaderSize = 32
)

// Page types
const (
	PageTypeUndefined byte = 0 // Unformatted; matches any expected type
	PageTypeData      byte = 1 // Data page
	PageTypeFree      byte = 2 // Free space inventory page
	PageTypeIndex     byte = 3 // Index page
	PageTypeMeta      byte = 4 // Space metadata page
	PageTypePointer   byte = 5 // Page pointer page
)

const (
	offType       = 0
	offFlags      = 1
	offSpace      = 2
	offPage       = 4
	offGeneration = 8
	offChecksum   = 16
)

// SpaceID identifies a table space.
type SpaceID uint16

// PageNumber is the position of a page inside its space.
type PageNumber uint32

// PageKey is the identity of a page.
type PageKey struct {
	Space SpaceID
	Page  PageNumber
}

// String formats the key as space:page.
func (k PageKey) String() string {
	return fmt.Sprintf("%d:%d", k.Space, k.Page)
}

// Less orders keys by space, then page number.
func (k PageKey) Less(o PageKey) bool {
	if k.Space != o.Space {
		return k.Space < o.Space
	}
	return k.Page < o.Page
}

// PageHeader contains the metadata stored at the start of each page.
type PageHeader struct {
	Type       byte
	Flags      byte
	Key        PageKey
	Generation uint64
	Checksum   uint64
}

// Page is one page-sized buffer.
type Page struct {
	data [PageSize]byte
}

// NewPage creates a new zeroed page formatted with the given key and type.
func NewPage(key PageKey, pageType byte) *Page {
	p := &Page{}
	p.Format(key, pageType)
	return p
}

// Format clears the page and writes a fresh header.
func (p *Page) Format(key PageKey, pageType byte) {
	p.data = [PageSize]byte{}
	p.data[offType] = pageType
	p.stamp(key)
}

// Reset zeroes the whole page.
func (p *Page) Reset() {
	p.data = [PageSize]byte{}
}

// Header returns the page header.
func (p *Page) Header() PageHeader {
	return PageHeader{
		Type:  p.data[offType],
		Flags: p.data[offFlags],
		Key: PageKey{
			Space: SpaceID(binary.BigEndian.Uint16(p.data[offSpace:])),
			Page:  PageNumber(binary.BigEndian.Uint32(p.data[offPage:])),
		},
		Generation: binary.BigEndian.Uint64(p.data[offGeneration:]),
		Checksum:   binary.BigEndian.Uint64(p.data[offChecksum:]),
	}
}

// Type returns the page type.
func (p *Page) Type() byte {
	return p.data[offType]
}

// SetType sets the page type.
func (p *Page) SetType(t byte) {
	p.data[offType] = t
}

// Generation returns the number of times the page has been sealed.
func (p *Page) Generation() uint64 {
	return binary.BigEndian.Uint64(p.data[offGeneration:])
}

func (p *Page) stamp(key PageKey) {
	binary.BigEndian.PutUint16(p.data[offSpace:], uint16(key.Space))
	binary.BigEndian.PutUint32(p.data[offPage:], uint32(key.Page))
}

// Seal stamps the identity and generation and computes the checksum.
// Writers seal a private copy once per physical write.
func (p *Page) Seal(key PageKey, generation uint64) {
	p.stamp(key)
	binary.BigEndian.PutUint64(p.data[offGeneration:], generation)
	binary.BigEndian.PutUint64(p.data[offChecksum:], 0)
	binary.BigEndian.PutUint64(p.data[offChecksum:], xxhash.Sum64(p.data[:]))
}

// Verify checks the checksum and stamped identity of a page read from disk.
func (p *Page) Verify(key PageKey) error {
	if p.IsZero() {
		return nil
	}
	stored := binary.BigEndian.Uint64(p.data[offChecksum:])
	binary.BigEndian.PutUint64(p.data[offChecksum:], 0)
	computed := xxhash.Sum64(p.data[:])
	binary.BigEndian.PutUint64(p.data[offChecksum:], stored)

	if stored != computed {
		return perrors.ChecksumMismatch(key.String(), stored, computed)
	}
	if got := p.Header().Key; got != key {
		return perrors.ChecksumMismatch(key.String(), stored, computed).
			WithDetail(fmt.Sprintf("page %s carries identity %s", key, got))
	}
	return nil
}

// IsZero reports whether the page has never been written.
func (p *Page) IsZero() bool {
	for _, b := range p.data {
		if b != 0 {
			return false
		}
	}
	return true
}

// Payload returns the caller-owned part of the page.
func (p *Page) Payload() []byte {
	return p.data[PageHeaderSize:]
}

// Data returns the raw page data.
func (p *Page) Data() []byte {
	return p.data[:]
}

// SetData sets the raw page data from a byte slice.
func (p *Page) SetData(data []byte) {
	copy(p.data[:], data)
}

// CopyFrom copies another page into p.
func (p *Page) CopyFrom(o *Page) {
	p.data = o.data
}
