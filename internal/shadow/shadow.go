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
Package shadow keeps secondary copies of the page store.

A Set is an ordered list of stores. The first live member is the primary;
reads come from it and writes go to it first, then to every later member.
A shadow that fails a mirrored write is dropped from the set with a
warning. A primary that fails is replaced only when the caller asks for a
Rollover, so the caller controls how often the same write is retried.
*/
package shadow

import (
	"sync"

	perrors "pagecache/internal/errors"
	"pagecache/internal/logging"
	"pagecache/internal/storage/disk"
)

// Set is a primary store plus its shadows. It implements disk.Store.
type Set struct {
	logger *logging.Logger

	mu      sync.RWMutex
	members []disk.Store
}

// New creates a set with primary first.
func New(primary disk.Store, shadows ...disk.Store) *Set {
	members := append([]disk.Store{primary}, shadows...)
	return &Set{
		logger:  logging.NewLogger("shadow"),
		members: members,
	}
}

// Current returns the primary.
func (s *Set) Current() disk.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.members[0]
}

// Len returns the number of live members.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members)
}

// Rollover retires failed and promotes the next member. If failed is no
// longer the primary another caller already rolled over and the current
// primary is returned.
func (s *Set) Rollover(failed disk.Store) (disk.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members[0] != failed {
		return s.members[0], nil
	}
	if len(s.members) == 1 {
		return nil, perrors.ShadowUnavailable()
	}
	s.members = s.members[1:]
	s.logger.Warn("Primary store failed, shadow promoted",
		"failed", failed.Name(), "primary", s.members[0].Name(), "remaining", len(s.members)-1)
	failed.Close()
	return s.members[0], nil
}

// Name returns the primary's name.
func (s *Set) Name() string {
	return s.Current().Name()
}

// SlotSize returns the slot size shared by all members.
func (s *Set) SlotSize() int {
	return s.Current().SlotSize()
}

// ReadSlot reads from the primary.
func (s *Set) ReadSlot(key disk.PageKey, buf []byte) error {
	return s.Current().ReadSlot(key, buf)
}

// WriteSlot writes to the primary, then mirrors to the shadows.
func (s *Set) WriteSlot(key disk.PageKey, buf []byte) error {
	s.mu.RLock()
	members := append([]disk.Store(nil), s.members...)
	s.mu.RUnlock()

	if err := members[0].WriteSlot(key, buf); err != nil {
		return err
	}
	for _, shadow := range members[1:] {
		if err := shadow.WriteSlot(key, buf); err != nil {
			s.drop(shadow, err)
		}
	}
	return nil
}

func (s *Set) drop(shadow disk.Store, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.members {
		if i > 0 && m == shadow {
			s.members = append(s.members[:i:i], s.members[i+1:]...)
			s.logger.Warn("Shadow dropped after write failure", "shadow", shadow.Name(), "error", cause)
			shadow.Close()
			return
		}
	}
}

// Sync syncs every member. A shadow that fails is dropped.
func (s *Set) Sync() error {
	s.mu.RLock()
	members := append([]disk.Store(nil), s.members...)
	s.mu.RUnlock()

	if err := members[0].Sync(); err != nil {
		return err
	}
	for _, shadow := range members[1:] {
		if err := shadow.Sync(); err != nil {
			s.drop(shadow, err)
		}
	}
	return nil
}

// Close closes every member.
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, m := range s.members {
		if err := m.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
