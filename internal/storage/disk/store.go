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

// Store moves encoded page slots to and from stable storage.
//
// A slot is PageSize bytes plus whatever the codec adds. Reading a slot
// that was never written fills buf with zeros. Implementations must be
// safe for concurrent use; the cache serializes writes of one key itself.
type Store interface {
	// Name identifies the store in logs.
	Name() string

	// SlotSize is the length of buf for ReadSlot and WriteSlot.
	SlotSize() int

	ReadSlot(key PageKey, buf []byte) error
	WriteSlot(key PageKey, buf []byte) error

	// Sync makes every completed write durable.
	Sync() error
	Close() error
}
