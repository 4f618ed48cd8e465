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

// Flag is a cache-wide mode bit.
type Flag uint32

const (
	// FlagExclusive means this cache is the only one attached to the store.
	// No external locks are taken while it is set.
	FlagExclusive Flag = 1 << iota
	// FlagNoBackgroundWrites pauses the background writer.
	FlagNoBackgroundWrites
)

// WithFlag sets f and returns a function that restores the previous state.
// Nested guards for the same flag unwind correctly when restored in
// reverse order.
//
//	restore := c.WithFlag(cache.FlagNoBackgroundWrites)
//	defer restore()
func (c *Cache) WithFlag(f Flag) (restore func()) {
	prev := c.flags.Or(uint32(f))
	return func() {
		if prev&uint32(f) == 0 {
			c.flags.And(^uint32(f))
		}
	}
}

// HasFlag reports whether f is set.
func (c *Cache) HasFlag(f Flag) bool {
	return c.flags.Load()&uint32(f) != 0
}
