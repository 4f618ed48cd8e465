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
Package codec transforms pages on their way to and from stable storage.

Every physical read and write in the cache passes through a Codec:

	page (PageSize) ──Encode──▶ slot (PageSize + Overhead) ──▶ Store
	page (PageSize) ◀──Decode── slot (PageSize + Overhead) ◀── Store

Two codecs are provided:
  - Null: the slot is the page
  - AES: AES-256-GCM with a random nonce per write and the page identity
    as additional authenticated data

A failure in either direction is reported as a codec failure. It is never
retried and never passes partially transformed content to the caller.

A slot that is entirely zero was never written. Both codecs decode it to a
zero page.
*/
package codec

import (
	"pagecache/internal/storage/disk"
)

// Codec encodes pages into store slots and back.
type Codec interface {
	// Name identifies the codec in logs and on the CLI.
	Name() string

	// Overhead is the number of bytes a slot carries beyond PageSize.
	Overhead() int

	// Fingerprint identifies the key material. Stores persist it and refuse
	// to open with a different one. The Null codec returns nil.
	Fingerprint() []byte

	// Encode writes the encoded form of page into slot.
	// len(page) == PageSize and len(slot) == PageSize+Overhead().
	Encode(key disk.PageKey, page, slot []byte) error

	// Decode writes the page held in slot into page.
	Decode(key disk.PageKey, slot, page []byte) error
}

// Null is the identity codec.
type Null struct{}

// Name returns "none".
func (Null) Name() string { return "none" }

// Overhead returns 0.
func (Null) Overhead() int { return 0 }

// Fingerprint returns nil.
func (Null) Fingerprint() []byte { return nil }

// Encode copies page into slot.
func (Null) Encode(_ disk.PageKey, page, slot []byte) error {
	copy(slot, page)
	return nil
}

// Decode copies slot into page.
func (Null) Decode(_ disk.PageKey, slot, page []byte) error {
	copy(page, slot)
	return nil
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
