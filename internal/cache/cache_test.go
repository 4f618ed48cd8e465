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
	"bytes"
	"errors"
	"math/rand"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pagecache/internal/backup"
	"pagecache/internal/codec"
	perrors "pagecache/internal/errors"
	"pagecache/internal/lock"
	"pagecache/internal/logging"
	"pagecache/internal/storage/disk"
)

func TestMain(m *testing.M) {
	logging.SetGlobalLevel(logging.ERROR)
	os.Exit(m.Run())
}

// keepOpen lets several caches, one after another, share a MemStore.
type keepOpen struct {
	*disk.MemStore
}

func (keepOpen) Close() error { return nil }

func key(n int) disk.PageKey {
	return disk.PageKey{Space: 1, Page: disk.PageNumber(n)}
}

func newTestCache(t *testing.T, store disk.Store, mutate func(*Options)) *Cache {
	t.Helper()
	opts := DefaultOptions()
	opts.Store = store
	opts.Buffers = 32
	opts.BackupDir = t.TempDir()
	opts.CheckpointDir = ""
	opts.CheckpointInterval = 0
	opts.LatchWait = 200 * time.Millisecond
	opts.LockWait = 200 * time.Millisecond
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// writePage fetches k for writing, stores text in its payload and marks it
// dirty. The page stays latched.
func writePage(t *testing.T, s *Session, k disk.PageKey, text string) {
	t.Helper()
	buf, err := s.Fetch(k, IntentWrite, NoWait)
	if err != nil {
		t.Fatalf("Fetch %v failed: %v", k, err)
	}
	copy(buf.Payload(), text)
	if err := s.MarkDirty(k, false, false); err != nil {
		t.Fatalf("MarkDirty %v failed: %v", k, err)
	}
}

func payloadText(buf *Buffer, n int) string {
	return string(buf.Payload()[:n])
}

func indexOf(log []disk.PageKey, k disk.PageKey) int {
	for i, l := range log {
		if l == k {
			return i
		}
	}
	return -1
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"no store", func(o *Options) { o.Store = nil }},
		{"too few buffers", func(o *Options) { o.Buffers = 2 }},
		{"bad watermark", func(o *Options) { o.FreeWatermark = 1.5 }},
		{"slot size mismatch", func(o *Options) { o.Codec = mustAES(t) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			opts.Store = disk.NewMemStore("main", 0)
			opts.BackupDir = t.TempDir()
			tt.mutate(&opts)
			if _, err := New(opts); !perrors.Is(err, perrors.ErrCodeInvalidValue) {
				t.Errorf("Expected invalid value error, got %v", err)
			}
		})
	}
}

func mustAES(t *testing.T) codec.Codec {
	t.Helper()
	c, err := codec.NewAES(codec.Config{Key: bytes.Repeat([]byte{7}, 32)})
	if err != nil {
		t.Fatalf("NewAES failed: %v", err)
	}
	return c
}

func TestFetchMissThenHit(t *testing.T) {
	store := disk.NewMemStore("main", 0)
	c := newTestCache(t, store, nil)
	s := c.NewSession(1)
	p := key(1)

	if _, err := s.Fetch(p, IntentRead, NoWait); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if err := s.Release(p, false); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := s.Fetch(p, IntentRead, NoWait); err != nil {
		t.Fatalf("Second fetch failed: %v", err)
	}
	s.Release(p, false)

	if n := store.ReadCount(p); n != 1 {
		t.Errorf("Expected 1 read, got %d", n)
	}
	stats := c.Stats()
	if stats.Misses != 1 || stats.Hits != 1 {
		t.Errorf("Expected 1 miss and 1 hit, got %d and %d", stats.Misses, stats.Hits)
	}
	if stats.HitRatio() != 0.5 {
		t.Errorf("Expected hit ratio 0.5, got %f", stats.HitRatio())
	}
}

func TestPrecedenceWritesHighFirst(t *testing.T) {
	store := disk.NewMemStore("main", 0)
	c := newTestCache(t, store, nil)
	s := c.NewSession(1)
	p, q := key(1), key(2)

	buf, err := s.Fetch(q, IntentNew, NoWait)
	if err != nil {
		t.Fatalf("Fetch new failed: %v", err)
	}
	copy(buf.Payload(), "child")
	if err := s.MarkDirty(q, false, false); err != nil {
		t.Fatal(err)
	}
	writePage(t, s, p, "parent")
	if err := s.EstablishPrecedence(p, q); err != nil {
		t.Fatalf("EstablishPrecedence failed: %v", err)
	}
	if n := c.Stats().PrecedenceEdges; n != 1 {
		t.Errorf("Expected 1 edge, got %d", n)
	}
	s.Release(p, false)
	s.Release(q, false)

	if err := c.Flush(FlushAll, 0); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	log := store.WriteLog()
	qi, pi := indexOf(log, q), indexOf(log, p)
	if qi < 0 || pi < 0 {
		t.Fatalf("Expected both pages written, got log %v", log)
	}
	if qi > pi {
		t.Errorf("Expected %v before %v, got log %v", q, p, log)
	}
	stats := c.Stats()
	if stats.ForcedWrites != 0 {
		t.Errorf("Expected no forced writes, got %d", stats.ForcedWrites)
	}
	if stats.PrecedenceEdges != 0 {
		t.Errorf("Expected edges cleared, got %d", stats.PrecedenceEdges)
	}
}

func TestPrecedenceAlreadyWrittenHigh(t *testing.T) {
	store := disk.NewMemStore("main", 0)
	c := newTestCache(t, store, nil)
	s := c.NewSession(1)
	p, q := key(1), key(2)

	writePage(t, s, p, "parent")
	if _, err := s.Fetch(q, IntentRead, NoWait); err != nil {
		t.Fatal(err)
	}
	// q is clean: nothing to order against.
	if err := s.EstablishPrecedence(p, q); err != nil {
		t.Fatalf("EstablishPrecedence failed: %v", err)
	}
	if n := c.Stats().PrecedenceEdges; n != 0 {
		t.Errorf("Expected no edge for a clean page, got %d", n)
	}
	if err := s.EstablishPrecedence(q, p); !errors.Is(err, perrors.ErrNotLatched) {
		t.Errorf("Expected not latched for a shared low page, got %v", err)
	}
	s.Unwind()
}

func TestPrecedenceCycleForcesWrite(t *testing.T) {
	store := disk.NewMemStore("main", 0)
	c := newTestCache(t, store, nil)
	s := c.NewSession(1)
	p, q := key(1), key(2)

	writePage(t, s, p, "p")
	writePage(t, s, q, "q")
	if err := s.EstablishPrecedence(p, q); err != nil {
		t.Fatal(err)
	}
	if err := s.EstablishPrecedence(q, p); err != nil {
		t.Fatalf("Expected the cycle to be broken by a write, got %v", err)
	}

	if n := store.WriteCount(p); n != 1 {
		t.Errorf("Expected %v written immediately, got %d writes", p, n)
	}
	stats := c.Stats()
	if stats.PrecedenceWrites != 1 {
		t.Errorf("Expected 1 precedence write, got %d", stats.PrecedenceWrites)
	}
	if stats.ForcedWrites != 1 {
		t.Errorf("Expected 1 forced write, got %d", stats.ForcedWrites)
	}
	if stats.PrecedenceEdges != 1 {
		t.Errorf("Expected the original edge to remain, got %d", stats.PrecedenceEdges)
	}
	s.Unwind()

	if err := c.Flush(FlushAll, 0); err != nil {
		t.Fatal(err)
	}
	if n := c.Stats().PrecedenceEdges; n != 0 {
		t.Errorf("Expected no edges after flush, got %d", n)
	}
}

func TestPrecedenceBudgetExhausted(t *testing.T) {
	store := disk.NewMemStore("main", 0)
	c := newTestCache(t, store, func(o *Options) { o.PrecedenceBudget = 1 })
	s := c.NewSession(1)
	p, q := key(1), key(2)

	writePage(t, s, p, "p")
	writePage(t, s, q, "q")
	if err := s.EstablishPrecedence(p, q); err != nil {
		t.Fatal(err)
	}
	if n := store.WriteCount(q); n != 1 {
		t.Errorf("Expected high page written when the budget runs out, got %d writes", n)
	}
	stats := c.Stats()
	if stats.PrecedenceWrites != 1 || stats.ForcedWrites != 0 {
		t.Errorf("Expected 1 precedence write and no forced write, got %d and %d",
			stats.PrecedenceWrites, stats.ForcedWrites)
	}
	if stats.PrecedenceEdges != 0 {
		t.Errorf("Expected no edge, got %d", stats.PrecedenceEdges)
	}
	s.Unwind()
}

func TestConcurrentMissReadsOnce(t *testing.T) {
	store := disk.NewMemStore("main", 0)
	store.SetReadDelay(50 * time.Millisecond)
	c := newTestCache(t, store, func(o *Options) { o.LatchWait = 2 * time.Second })
	p := key(7)

	var wg sync.WaitGroup
	bufs := make([]*Buffer, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := c.NewSession(uint64(i + 1))
			bufs[i], errs[i] = s.Fetch(p, IntentRead, WaitForever)
			if errs[i] == nil {
				s.Release(p, false)
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Reader %d failed: %v", i, err)
		}
	}
	if bufs[0].d != bufs[1].d {
		t.Error("Expected both readers to share one buffer")
	}
	if n := store.ReadCount(p); n != 1 {
		t.Errorf("Expected 1 physical read, got %d", n)
	}
	if n := c.Stats().Reads; n != 1 {
		t.Errorf("Expected 1 read in stats, got %d", n)
	}
}

func TestWriteFailureSuspendsIO(t *testing.T) {
	store := disk.NewMemStore("main", 0)
	c := newTestCache(t, store, nil)
	p := key(3)
	store.SetWriteFault(disk.FailWrites(p, errors.New("disk full")))

	s := c.NewSession(3)
	writePage(t, s, p, "lost")
	s.Release(p, false)

	err := c.Flush(FlushAll, 0)
	if !errors.Is(err, perrors.ErrIOFailure) {
		t.Fatalf("Expected I/O failure, got %v", err)
	}
	if !c.Suspended() || !c.Stats().IOSuspended {
		t.Error("Expected write-back suspended")
	}
	if !s.Poisoned() {
		t.Error("Expected the writing transaction to be poisoned")
	}
	if c.NewSession(4).Poisoned() {
		t.Error("Expected an unrelated transaction not to be poisoned")
	}

	resident := c.Resident()
	if len(resident) != 1 || !strings.Contains(resident[0].Flags, "not-valid") {
		t.Errorf("Expected %v resident and not valid, got %+v", p, resident)
	}
	if n := c.Stats().Dirty; n != 0 {
		t.Errorf("Expected no dirty pages, got %d", n)
	}

	if err := c.Flush(FlushAll, 0); !perrors.IsSuspended(err) {
		t.Errorf("Expected suspended error, got %v", err)
	}

	store.SetWriteFault(nil)
	c.ResumeIO()
	if c.Suspended() {
		t.Error("Expected write-back resumed")
	}

	// The lost content is never written; a new fetch reloads the page.
	buf, err := s.Fetch(p, IntentRead, NoWait)
	if err != nil {
		t.Fatalf("Fetch after resume failed: %v", err)
	}
	if payloadText(buf, 4) == "lost" {
		t.Error("Expected the failed content to be discarded")
	}
	s.Release(p, false)
	if n := store.WriteCount(p); n != 0 {
		t.Errorf("Expected no successful write, got %d", n)
	}
}

func residentFlags(c *Cache, k disk.PageKey) string {
	for _, info := range c.Resident() {
		if info.Key == k {
			return info.Flags
		}
	}
	return ""
}

func TestFailedHighAbandonsLows(t *testing.T) {
	store := disk.NewMemStore("main", 0)
	c := newTestCache(t, store, nil)
	s := c.NewSession(1)
	low, high, lowest := key(1), key(2), key(3)
	store.SetWriteFault(disk.FailWrites(high, errors.New("disk full")))

	buf, err := s.Fetch(high, IntentNew, NoWait)
	if err != nil {
		t.Fatalf("Fetch new failed: %v", err)
	}
	copy(buf.Payload(), "child")
	if err := s.MarkDirty(high, false, false); err != nil {
		t.Fatal(err)
	}
	writePage(t, s, low, "points at child")
	if err := s.EstablishPrecedence(low, high); err != nil {
		t.Fatalf("EstablishPrecedence failed: %v", err)
	}
	writePage(t, s, lowest, "points at parent")
	if err := s.EstablishPrecedence(lowest, low); err != nil {
		t.Fatalf("EstablishPrecedence failed: %v", err)
	}
	for _, k := range []disk.PageKey{low, high, lowest} {
		s.Release(k, false)
	}

	if err := c.Flush(FlushAll, 0); !errors.Is(err, perrors.ErrIOFailure) {
		t.Fatalf("Expected I/O failure, got %v", err)
	}
	for _, k := range []disk.PageKey{low, high, lowest} {
		if flags := residentFlags(c, k); !strings.Contains(flags, "not-valid") {
			t.Errorf("Expected %v not valid, got flags %q", k, flags)
		}
	}
	stats := c.Stats()
	if stats.Dirty != 0 {
		t.Errorf("Expected no dirty pages, got %d", stats.Dirty)
	}
	if stats.PrecedenceEdges != 0 {
		t.Errorf("Expected edges gone, got %d", stats.PrecedenceEdges)
	}
	if !s.Poisoned() {
		t.Error("Expected the transaction poisoned")
	}

	store.SetWriteFault(nil)
	c.ResumeIO()
	if err := c.Flush(FlushAll, 0); err != nil {
		t.Fatalf("Flush after resume failed: %v", err)
	}
	for _, k := range []disk.PageKey{low, high, lowest} {
		if n := store.WriteCount(k); n != 0 {
			t.Errorf("Expected %v never written, got %d writes", k, n)
		}
	}
}

func TestSessionFlushFailureUnwinds(t *testing.T) {
	store := disk.NewMemStore("main", 0)
	c := newTestCache(t, store, nil)
	s := c.NewSession(1)
	p, q := key(1), key(2)
	store.SetWriteFault(disk.FailWrites(p, errors.New("disk full")))

	writePage(t, s, p, "lost")
	writePage(t, s, q, "other")
	if err := s.Flush(FlushTransaction, TxnBit(1)); !errors.Is(err, perrors.ErrIOFailure) {
		t.Fatalf("Expected I/O failure, got %v", err)
	}
	if n := s.Held(); n != 0 {
		t.Errorf("Expected the session to hold nothing, got %d", n)
	}
	if !c.Suspended() {
		t.Error("Expected write-back suspended")
	}

	s2 := c.NewSession(2)
	if _, err := s2.Fetch(q, IntentWrite, NoWait); err != nil {
		t.Errorf("Expected %v free after unwind, got %v", q, err)
	} else {
		s2.Release(q, false)
	}
}

func TestBlockingRequestDowngradesOnRelease(t *testing.T) {
	shared := disk.NewMemStore("shared", 0)
	locks := lock.NewManager()
	withLocks := func(o *Options) {
		o.Locks = locks
		o.LockWait = 2 * time.Second
	}
	c1 := newTestCache(t, keepOpen{shared}, withLocks)
	c2 := newTestCache(t, keepOpen{shared}, withLocks)
	c1.Start()
	c2.Start()
	p := key(9)

	s1 := c1.NewSession(1)
	writePage(t, s1, p, "hello")

	done := make(chan string, 1)
	errc := make(chan error, 1)
	go func() {
		s2 := c2.NewSession(2)
		buf, err := s2.Fetch(p, IntentRead, 2*time.Second)
		if err != nil {
			errc <- err
			return
		}
		done <- payloadText(buf, 5)
		s2.Release(p, false)
	}()

	waitFor(t, "blocking flag", func() bool {
		for _, info := range c1.Resident() {
			if info.Key == p && strings.Contains(info.Flags, "blocking") {
				return true
			}
		}
		return false
	})
	if lvl := locks.Held(c1.Owner(), p); lvl != lock.Write {
		t.Errorf("Expected the holder to keep its write lock, got %v", lvl)
	}
	if n := shared.WriteCount(p); n != 0 {
		t.Errorf("Expected no write while latched, got %d", n)
	}

	if err := s1.Release(p, false); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	select {
	case text := <-done:
		if text != "hello" {
			t.Errorf("Expected 'hello', got '%s'", text)
		}
	case err := <-errc:
		t.Fatalf("Reader failed: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("Reader never got the page")
	}

	if lvl := locks.Held(c1.Owner(), p); lvl != lock.Read {
		t.Errorf("Expected the holder downgraded to read, got %v", lvl)
	}
	if n := c1.Stats().Downgrades; n != 1 {
		t.Errorf("Expected 1 downgrade, got %d", n)
	}
	if n := shared.WriteCount(p); n != 1 {
		t.Errorf("Expected 1 write, got %d", n)
	}
}

func TestBlockingRequestOnUnlatchedPage(t *testing.T) {
	shared := disk.NewMemStore("shared", 0)
	locks := lock.NewManager()
	withLocks := func(o *Options) { o.Locks = locks }
	c1 := newTestCache(t, keepOpen{shared}, withLocks)
	c2 := newTestCache(t, keepOpen{shared}, withLocks)
	c1.Start()
	p := key(10)

	s1 := c1.NewSession(1)
	writePage(t, s1, p, "dirty")
	s1.Release(p, false)

	s2 := c2.NewSession(2)
	buf, err := s2.Fetch(p, IntentWrite, 2*time.Second)
	if err != nil {
		t.Fatalf("Fetch from second cache failed: %v", err)
	}
	if text := payloadText(buf, 5); text != "dirty" {
		t.Errorf("Expected 'dirty', got '%s'", text)
	}
	s2.Release(p, false)

	if lvl := locks.Held(c1.Owner(), p); lvl != lock.None {
		t.Errorf("Expected the first cache to give up its lock, got %v", lvl)
	}
}

func TestWaitFailuresAreDistinct(t *testing.T) {
	shared := disk.NewMemStore("shared", 0)
	locks := lock.NewManager()
	withLocks := func(o *Options) { o.Locks = locks }
	c1 := newTestCache(t, keepOpen{shared}, withLocks)
	c2 := newTestCache(t, keepOpen{shared}, withLocks)
	c1.Start()
	c2.Start()
	p, q := key(20), key(21)

	s1 := c1.NewSession(1)
	writePage(t, s1, p, "one")
	s2 := c2.NewSession(2)
	writePage(t, s2, q, "two")

	// Same cache, page latched by another session.
	_, latchErr := c1.NewSession(3).Fetch(p, IntentRead, 20*time.Millisecond)
	// Other cache, page locked by a holder that keeps it latched.
	_, lockErr := c2.NewSession(4).Fetch(p, IntentRead, 20*time.Millisecond)

	// c2 waits on c1 for p; c1 asking for q closes the cycle.
	waits := locks.Stats().Waits
	waited := make(chan error, 1)
	go func() {
		_, err := s2.Fetch(p, IntentWrite, 2*time.Second)
		waited <- err
	}()
	waitFor(t, "lock wait", func() bool { return locks.Stats().Waits > waits })
	_, deadlockErr := s1.Fetch(q, IntentWrite, 2*time.Second)

	tests := []struct {
		name string
		err  error
		code perrors.ErrorCode
	}{
		{"latch timeout", latchErr, perrors.ErrCodeLatchTimeout},
		{"lock timeout", lockErr, perrors.ErrCodeLockTimeout},
		{"deadlock", deadlockErr, perrors.ErrCodeDeadlock},
	}
	for _, tt := range tests {
		if got := perrors.CodeOf(tt.err); got != tt.code {
			t.Errorf("%s: expected code %d, got %d (%v)", tt.name, tt.code, got, tt.err)
		}
	}
	if perrors.IsDeadlock(latchErr) || perrors.IsDeadlock(lockErr) {
		t.Error("Expected timeouts not to report as deadlock")
	}
	if perrors.IsTimeout(deadlockErr) {
		t.Error("Expected the deadlock not to report as a timeout")
	}
	if perrors.IsEscalated(latchErr) || perrors.IsEscalated(lockErr) || perrors.IsEscalated(deadlockErr) {
		t.Error("Expected wait failures not to escalate")
	}
	if s1.Held() != 1 {
		t.Errorf("Expected the deadlocked session to keep its page, got %d held", s1.Held())
	}

	s1.Release(p, false)
	select {
	case err := <-waited:
		if err != nil {
			t.Errorf("Expected the waiter granted after release, got %v", err)
		} else {
			s2.Release(p, false)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Waiter never got the page")
	}
	s2.Release(q, false)
}

func TestExclusiveLatch(t *testing.T) {
	c := newTestCache(t, disk.NewMemStore("main", 0), nil)
	p := key(1)
	s1, s2 := c.NewSession(1), c.NewSession(2)

	if _, err := s1.Fetch(p, IntentWrite, NoWait); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		intent Intent
		wait   time.Duration
	}{
		{IntentRead, NoWait},
		{IntentWrite, NoWait},
		{IntentRead, 20 * time.Millisecond},
	}
	for _, tt := range tests {
		if _, err := s2.Fetch(p, tt.intent, tt.wait); !errors.Is(err, perrors.ErrLatchTimeout) {
			t.Errorf("%v with wait %v: expected latch timeout, got %v", tt.intent, tt.wait, err)
		}
	}
	if n := c.Stats().LatchTimeouts; n != uint64(len(tests)) {
		t.Errorf("Expected %d latch timeouts, got %d", len(tests), n)
	}

	s1.Release(p, false)
	if _, err := s2.Fetch(p, IntentRead, NoWait); err != nil {
		t.Errorf("Expected fetch after release to succeed, got %v", err)
	}
	s2.Release(p, false)
}

func TestSharedLatch(t *testing.T) {
	c := newTestCache(t, disk.NewMemStore("main", 0), nil)
	p := key(1)
	s1, s2, s3 := c.NewSession(1), c.NewSession(2), c.NewSession(3)

	if _, err := s1.Fetch(p, IntentRead, NoWait); err != nil {
		t.Fatal(err)
	}
	if _, err := s2.Fetch(p, IntentRead, NoWait); err != nil {
		t.Errorf("Expected a second reader to share the page, got %v", err)
	}
	if _, err := s3.Fetch(p, IntentWrite, NoWait); !errors.Is(err, perrors.ErrLatchTimeout) {
		t.Errorf("Expected writer to be excluded by readers, got %v", err)
	}
	if err := s1.MarkDirty(p, false, false); !errors.Is(err, perrors.ErrNotLatched) {
		t.Errorf("Expected MarkDirty under a shared latch to fail, got %v", err)
	}
	s1.Release(p, false)
	s2.Release(p, false)
	if _, err := s3.Fetch(p, IntentWrite, NoWait); err != nil {
		t.Errorf("Expected writer after readers left, got %v", err)
	}
	s3.Release(p, false)
}

func TestRecursiveLatch(t *testing.T) {
	c := newTestCache(t, disk.NewMemStore("main", 0), nil)
	p := key(1)
	s1, s2 := c.NewSession(1), c.NewSession(2)

	for i := 0; i < 2; i++ {
		if _, err := s1.Fetch(p, IntentWrite, NoWait); err != nil {
			t.Fatalf("Fetch %d failed: %v", i, err)
		}
	}
	if _, err := s1.Fetch(p, IntentRead, NoWait); err != nil {
		t.Fatalf("Expected a read under own write latch, got %v", err)
	}
	s1.Release(p, false)
	s1.Release(p, false)
	if _, err := s2.Fetch(p, IntentRead, NoWait); !errors.Is(err, perrors.ErrLatchTimeout) {
		t.Errorf("Expected page still held after partial release, got %v", err)
	}
	s1.Release(p, false)
	if s1.Held() != 0 {
		t.Errorf("Expected nothing held, got %d", s1.Held())
	}
	if _, err := s2.Fetch(p, IntentRead, NoWait); err != nil {
		t.Errorf("Expected fetch after full release, got %v", err)
	}
	s2.Release(p, false)
}

func TestReleaseWithoutChangesDoesNotWrite(t *testing.T) {
	store := disk.NewMemStore("main", 0)
	c := newTestCache(t, store, func(o *Options) { o.WriteOnRelease = true })
	s := c.NewSession(1)
	p := key(4)

	for _, intent := range []Intent{IntentRead, IntentWrite} {
		if _, err := s.Fetch(p, intent, NoWait); err != nil {
			t.Fatal(err)
		}
		if err := s.Release(p, false); err != nil {
			t.Fatal(err)
		}
	}
	if n := store.WriteCount(p); n != 0 {
		t.Errorf("Expected no writes, got %d", n)
	}
	if err := s.Release(p, false); !errors.Is(err, perrors.ErrNotLatched) {
		t.Errorf("Expected not latched on extra release, got %v", err)
	}
}

func TestMustWriteOnRelease(t *testing.T) {
	store := disk.NewMemStore("main", 0)
	c := newTestCache(t, store, nil)
	s := c.NewSession(1)
	p, q := key(1), key(2)

	writePage(t, s, p, "keep")
	s.Release(p, false)
	if n := store.WriteCount(p); n != 0 {
		t.Errorf("Expected a plain dirty page to stay cached, got %d writes", n)
	}

	writePage(t, s, q, "now")
	if err := s.MarkDirty(q, true, false); err != nil {
		t.Fatal(err)
	}
	s.Release(q, false)
	if n := store.WriteCount(q); n != 1 {
		t.Errorf("Expected must-write page written on release, got %d writes", n)
	}
}

func TestMustWriteReleaseFailureUnwinds(t *testing.T) {
	store := disk.NewMemStore("main", 0)
	c := newTestCache(t, store, nil)
	s := c.NewSession(1)
	p, q := key(1), key(2)
	store.SetWriteFault(disk.FailWrites(p, errors.New("disk full")))

	writePage(t, s, q, "held")
	writePage(t, s, p, "urgent")
	if err := s.MarkDirty(p, true, false); err != nil {
		t.Fatal(err)
	}

	if err := s.Release(p, false); !errors.Is(err, perrors.ErrIOFailure) {
		t.Fatalf("Expected I/O failure from release, got %v", err)
	}
	if n := s.Held(); n != 0 {
		t.Errorf("Expected the session to hold nothing, got %d", n)
	}
	if !c.Suspended() {
		t.Error("Expected write-back suspended")
	}
	if !s.Poisoned() {
		t.Error("Expected the transaction poisoned")
	}
	if flags := residentFlags(c, p); !strings.Contains(flags, "not-valid") {
		t.Errorf("Expected %v not valid, got flags %q", p, flags)
	}
	if n := store.WriteCount(p); n != 0 {
		t.Errorf("Expected no successful write, got %d", n)
	}
}

func TestWriteOnReleaseOption(t *testing.T) {
	store := disk.NewMemStore("main", 0)
	c := newTestCache(t, store, func(o *Options) { o.WriteOnRelease = true })
	s := c.NewSession(1)
	p := key(1)

	writePage(t, s, p, "eager")
	s.Release(p, false)
	if n := store.WriteCount(p); n != 1 {
		t.Errorf("Expected 1 write, got %d", n)
	}
	if n := c.Stats().Dirty; n != 0 {
		t.Errorf("Expected no dirty pages, got %d", n)
	}
}

func TestNoBuffers(t *testing.T) {
	c := newTestCache(t, disk.NewMemStore("main", 0), func(o *Options) { o.Buffers = 8 })
	s := c.NewSession(1)

	for i := 0; i < 8; i++ {
		if _, err := s.Fetch(key(i), IntentWrite, NoWait); err != nil {
			t.Fatalf("Fetch %d failed: %v", i, err)
		}
	}
	if _, err := s.Fetch(key(8), IntentRead, 20*time.Millisecond); !errors.Is(err, perrors.ErrNoBuffers) {
		t.Fatalf("Expected no buffers, got %v", err)
	}
	if s.Held() != 8 {
		t.Errorf("Expected 8 pages held, got %d", s.Held())
	}

	s.Release(key(0), false)
	if _, err := s.Fetch(key(8), IntentRead, NoWait); err != nil {
		t.Errorf("Expected fetch after a release, got %v", err)
	}
	if n := c.Stats().Evictions; n != 1 {
		t.Errorf("Expected 1 eviction, got %d", n)
	}
	s.Unwind()
}

func TestEvictionWritesOldestDirtyPage(t *testing.T) {
	store := disk.NewMemStore("main", 0)
	c := newTestCache(t, store, func(o *Options) { o.Buffers = 8 })
	s := c.NewSession(1)

	for i := 0; i < 8; i++ {
		writePage(t, s, key(i), "page")
		s.Release(key(i), false)
	}
	if _, err := s.Fetch(key(8), IntentNew, NoWait); err != nil {
		t.Fatalf("Fetch with all pages dirty failed: %v", err)
	}
	s.Release(key(8), false)

	if n := store.WriteCount(key(0)); n != 1 {
		t.Errorf("Expected the least recently used page written, got %d writes", n)
	}
	for i := 1; i < 8; i++ {
		if n := store.WriteCount(key(i)); n != 0 {
			t.Errorf("Expected %v still cached, got %d writes", key(i), n)
		}
	}
	if n := c.Stats().DirtySkips; n == 0 {
		t.Error("Expected dirty pages to be skipped")
	}

	buf, err := s.Fetch(key(0), IntentRead, NoWait)
	if err != nil {
		t.Fatalf("Refetch failed: %v", err)
	}
	if text := payloadText(buf, 4); text != "page" {
		t.Errorf("Expected 'page' after eviction, got '%s'", text)
	}
	s.Release(key(0), false)
	if n := store.ReadCount(key(0)); n != 2 {
		t.Errorf("Expected the evicted page read again, got %d reads", n)
	}
}

func TestReclaimHint(t *testing.T) {
	c := newTestCache(t, disk.NewMemStore("main", 0), func(o *Options) { o.Buffers = 8 })
	s := c.NewSession(1)

	for i := 0; i < 8; i++ {
		if _, err := s.Fetch(key(i), IntentRead, NoWait); err != nil {
			t.Fatal(err)
		}
		s.Release(key(i), i == 5)
	}
	if _, err := s.Fetch(key(8), IntentRead, NoWait); err != nil {
		t.Fatal(err)
	}
	s.Release(key(8), false)

	for _, info := range c.Resident() {
		if info.Key == key(5) {
			t.Errorf("Expected %v reclaimed first", key(5))
		}
	}
}

func TestForget(t *testing.T) {
	store := disk.NewMemStore("main", 0)
	c := newTestCache(t, store, nil)
	s := c.NewSession(1)
	p, q := key(1), key(2)

	if _, err := s.Fetch(p, IntentNew, NoWait); err != nil {
		t.Fatal(err)
	}
	s.MarkDirty(p, false, false)
	if err := s.Forget(p); err != nil {
		t.Fatalf("Forget failed: %v", err)
	}
	if len(c.Resident()) != 0 {
		t.Errorf("Expected nothing resident, got %+v", c.Resident())
	}
	if s.Held() != 0 {
		t.Errorf("Expected nothing held, got %d", s.Held())
	}
	if err := c.Flush(FlushAll, 0); err != nil {
		t.Fatal(err)
	}
	if n := store.WriteCount(p); n != 0 {
		t.Errorf("Expected forgotten page never written, got %d", n)
	}

	if _, err := s.Fetch(q, IntentWrite, NoWait); err != nil {
		t.Fatal(err)
	}
	if err := s.Forget(q); !errors.Is(err, perrors.ErrNotFaked) {
		t.Errorf("Expected not faked, got %v", err)
	}
	s.Release(q, false)
}

func TestUnwindForgetsNewPages(t *testing.T) {
	store := disk.NewMemStore("main", 0)
	c := newTestCache(t, store, nil)
	s := c.NewSession(1)

	if _, err := s.Fetch(key(1), IntentNew, NoWait); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Fetch(key(2), IntentRead, NoWait); err != nil {
		t.Fatal(err)
	}
	s.Unwind()

	if s.Held() != 0 {
		t.Errorf("Expected nothing held, got %d", s.Held())
	}
	resident := c.Resident()
	if len(resident) != 1 || resident[0].Key != key(2) {
		t.Errorf("Expected only %v resident, got %+v", key(2), resident)
	}
}

func TestHandoff(t *testing.T) {
	c := newTestCache(t, disk.NewMemStore("main", 0), nil)
	s1, s2 := c.NewSession(1), c.NewSession(2)
	p, q := key(1), key(2)

	if _, err := s1.Fetch(p, IntentRead, NoWait); err != nil {
		t.Fatal(err)
	}
	buf, err := s1.Handoff(p, q, IntentRead, NoWait)
	if err != nil {
		t.Fatalf("Handoff failed: %v", err)
	}
	if buf.Key() != q {
		t.Errorf("Expected %v, got %v", q, buf.Key())
	}
	if s1.Held() != 1 {
		t.Errorf("Expected 1 page held, got %d", s1.Held())
	}
	if _, err := s2.Fetch(p, IntentWrite, NoWait); err != nil {
		t.Errorf("Expected %v free after handoff, got %v", p, err)
	}
	if _, err := s1.Handoff(key(5), p, IntentRead, NoWait); !errors.Is(err, perrors.ErrNotLatched) {
		t.Errorf("Expected handoff from an unheld page to fail, got %v", err)
	}
	s1.Unwind()
	s2.Unwind()
}

func TestPageTypeCheck(t *testing.T) {
	c := newTestCache(t, disk.NewMemStore("main", 0), nil)
	s := c.NewSession(1)
	p := key(1)

	if _, err := s.FetchTyped(p, IntentNew, disk.PageTypeData, NoWait); err != nil {
		t.Fatal(err)
	}
	s.MarkDirty(p, false, false)
	s.Release(p, false)

	_, err := s.FetchTyped(p, IntentRead, disk.PageTypeIndex, NoWait)
	if !errors.Is(err, perrors.ErrPageTypeMismatch) {
		t.Fatalf("Expected page type mismatch, got %v", err)
	}
	if s.Held() != 0 {
		t.Errorf("Expected the session unwound, got %d held", s.Held())
	}
	buf, err := s.FetchTyped(p, IntentRead, disk.PageTypeData, NoWait)
	if err != nil {
		t.Fatalf("Expected matching type to succeed, got %v", err)
	}
	if buf.Page().Type() != disk.PageTypeData {
		t.Errorf("Expected data page, got type %d", buf.Page().Type())
	}
	s.Release(p, false)

	// Unformatted pages match any type.
	if _, err := s.FetchTyped(key(2), IntentRead, disk.PageTypeIndex, NoWait); err != nil {
		t.Errorf("Expected an unformatted page to match, got %v", err)
	}
	s.Unwind()
}

func TestChecksumMismatchOnRead(t *testing.T) {
	store := disk.NewMemStore("main", 0)
	p := key(1)

	c1 := newTestCache(t, keepOpen{store}, nil)
	s1 := c1.NewSession(1)
	writePage(t, s1, p, "original")
	s1.Release(p, false)
	if err := c1.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	raw := store.Slot(p)
	raw[disk.PageHeaderSize+1] ^= 0xFF
	if err := store.WriteSlot(p, raw); err != nil {
		t.Fatal(err)
	}

	c2 := newTestCache(t, keepOpen{store}, nil)
	s2 := c2.NewSession(2)
	_, err := s2.Fetch(p, IntentRead, NoWait)
	if !perrors.IsCorruption(err) {
		t.Fatalf("Expected corruption, got %v", err)
	}
	if s2.Held() != 0 {
		t.Errorf("Expected nothing held, got %d", s2.Held())
	}
	if len(c2.Resident()) != 0 {
		t.Errorf("Expected the bad page dropped, got %+v", c2.Resident())
	}
}

func TestPersistAcrossCaches(t *testing.T) {
	store := disk.NewMemStore("main", 0)

	c1 := newTestCache(t, keepOpen{store}, nil)
	s1 := c1.NewSession(1)
	for i := 0; i < 20; i++ {
		writePage(t, s1, key(i), "page-"+string(rune('a'+i)))
		if i > 0 {
			if err := s1.EstablishPrecedence(key(i-1), key(i)); err != nil {
				t.Fatal(err)
			}
		}
	}
	s1.Unwind()
	if err := c1.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	log := store.WriteLog()
	if len(log) != 20 {
		t.Fatalf("Expected 20 writes, got %d", len(log))
	}
	for i := 1; i < 20; i++ {
		if indexOf(log, key(i)) > indexOf(log, key(i-1)) {
			t.Errorf("Expected %v before %v", key(i), key(i-1))
		}
	}

	c2 := newTestCache(t, keepOpen{store}, nil)
	s2 := c2.NewSession(2)
	for i := 0; i < 20; i++ {
		buf, err := s2.Fetch(key(i), IntentRead, NoWait)
		if err != nil {
			t.Fatalf("Fetch %v failed: %v", key(i), err)
		}
		want := "page-" + string(rune('a'+i))
		if got := payloadText(buf, len(want)); got != want {
			t.Errorf("Expected '%s', got '%s'", want, got)
		}
		if buf.Page().Generation() != 1 {
			t.Errorf("Expected generation 1, got %d", buf.Page().Generation())
		}
		s2.Release(key(i), false)
	}
}

func TestEncryptedPages(t *testing.T) {
	aes := mustAES(t)
	store := disk.NewMemStore("main", aes.Overhead())
	p := key(1)

	c1 := newTestCache(t, keepOpen{store}, func(o *Options) { o.Codec = aes })
	s1 := c1.NewSession(1)
	writePage(t, s1, p, "top secret")
	s1.Release(p, false)
	if err := c1.Close(); err != nil {
		t.Fatal(err)
	}

	if bytes.Contains(store.Slot(p), []byte("top secret")) {
		t.Error("Expected the slot to be encrypted")
	}

	c2 := newTestCache(t, keepOpen{store}, func(o *Options) { o.Codec = aes })
	s2 := c2.NewSession(2)
	buf, err := s2.Fetch(p, IntentRead, NoWait)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if text := payloadText(buf, 10); text != "top secret" {
		t.Errorf("Expected 'top secret', got '%s'", text)
	}
	s2.Release(p, false)

	other, err := codec.NewAES(codec.Config{Passphrase: "wrong"})
	if err != nil {
		t.Fatal(err)
	}
	c3 := newTestCache(t, keepOpen{store}, func(o *Options) { o.Codec = other })
	if _, err := c3.NewSession(3).Fetch(p, IntentRead, NoWait); !errors.Is(err, perrors.ErrCodecFailure) {
		t.Errorf("Expected codec failure with the wrong key, got %v", err)
	}
}

func TestBackupRedirectsWrites(t *testing.T) {
	store := disk.NewMemStore("main", 0)
	c := newTestCache(t, store, nil)
	s := c.NewSession(1)
	p := key(1)

	if err := c.BeginBackup(); err != nil {
		t.Fatalf("BeginBackup failed: %v", err)
	}
	if c.BackupState() != backup.StateStalled {
		t.Errorf("Expected stalled, got %v", c.BackupState())
	}

	writePage(t, s, p, "during")
	s.Release(p, false)
	if err := c.Flush(FlushAll, 0); err != nil {
		t.Fatal(err)
	}
	if n := store.WriteCount(p); n != 0 {
		t.Errorf("Expected main store untouched during backup, got %d writes", n)
	}

	// Evicted and read back, the page comes from the difference file.
	if err := c.Flush(FlushReleaseAndUnlock, 0); err != nil {
		t.Fatal(err)
	}
	buf, err := s.Fetch(p, IntentRead, NoWait)
	if err != nil {
		t.Fatal(err)
	}
	if text := payloadText(buf, 6); text != "during" {
		t.Errorf("Expected 'during', got '%s'", text)
	}
	s.Release(p, false)

	if err := c.EndBackup(); err != nil {
		t.Fatalf("EndBackup failed: %v", err)
	}
	if c.BackupState() != backup.StateNormal {
		t.Errorf("Expected normal, got %v", c.BackupState())
	}
	if n := store.WriteCount(p); n != 1 {
		t.Errorf("Expected the page merged into the main store, got %d writes", n)
	}
	if !bytes.Contains(store.Slot(p), []byte("during")) {
		t.Error("Expected merged content in the main store")
	}
}

func TestShadowTakesOver(t *testing.T) {
	main := disk.NewMemStore("main", 0)
	shadow := disk.NewMemStore("shadow", 0)
	c := newTestCache(t, main, func(o *Options) {
		o.Shadows = []disk.Store{shadow}
		o.ShadowRetries = 1
	})
	s := c.NewSession(1)
	p := key(1)

	main.SetWriteFault(func(disk.PageKey) error { return errors.New("device gone") })
	writePage(t, s, p, "mirrored")
	s.Release(p, false)
	if err := c.Flush(FlushAll, 0); err != nil {
		t.Fatalf("Expected the shadow to take over, got %v", err)
	}
	if n := shadow.WriteCount(p); n != 1 {
		t.Errorf("Expected 1 shadow write, got %d", n)
	}
	stats := c.Stats()
	if stats.Rollovers != 1 {
		t.Errorf("Expected 1 rollover, got %d", stats.Rollovers)
	}
	if stats.Shadows != 0 {
		t.Errorf("Expected no shadows left, got %d", stats.Shadows)
	}
	if c.Suspended() {
		t.Error("Expected write-back to continue")
	}
}

func TestFlushScopes(t *testing.T) {
	store := disk.NewMemStore("main", 0)
	c := newTestCache(t, store, nil)
	s1, s2, s3 := c.NewSession(1), c.NewSession(2), c.NewSession(3)

	writePage(t, s1, key(1), "one")
	s1.Release(key(1), false)
	writePage(t, s2, key(2), "two")
	s2.Release(key(2), false)
	writePage(t, s3, key(3), "sys")
	s3.MarkDirty(key(3), false, true)
	s3.Release(key(3), false)

	if err := c.Flush(FlushTransaction, TxnBit(1)); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		key  disk.PageKey
		want int
	}{
		{key(1), 1},
		{key(2), 0},
		{key(3), 0},
	}
	for _, tt := range tests {
		if n := store.WriteCount(tt.key); n != tt.want {
			t.Errorf("After transaction flush %v: expected %d writes, got %d", tt.key, tt.want, n)
		}
	}

	if err := c.Flush(FlushSystem, 0); err != nil {
		t.Fatal(err)
	}
	if n := store.WriteCount(key(3)); n != 1 {
		t.Errorf("Expected system page written, got %d", n)
	}
	if n := store.WriteCount(key(2)); n != 0 {
		t.Errorf("Expected user page untouched by system flush, got %d", n)
	}

	if err := c.Flush(FlushReleaseAndUnlock, 0); err != nil {
		t.Fatal(err)
	}
	if n := store.WriteCount(key(2)); n != 1 {
		t.Errorf("Expected remaining page written, got %d", n)
	}
	if len(c.Resident()) != 0 {
		t.Errorf("Expected nothing resident, got %+v", c.Resident())
	}
	if n := c.Stats().Free; n != c.Buffers() {
		t.Errorf("Expected all %d buffers free, got %d", c.Buffers(), n)
	}
}

func TestSessionFlushWritesHeldPages(t *testing.T) {
	store := disk.NewMemStore("main", 0)
	c := newTestCache(t, store, nil)
	s := c.NewSession(1)
	p := key(1)

	writePage(t, s, p, "held")
	if err := s.Flush(FlushTransaction, TxnBit(1)); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if n := store.WriteCount(p); n != 1 {
		t.Errorf("Expected held page written, got %d", n)
	}
	if s.Held() != 1 {
		t.Errorf("Expected the page still held, got %d", s.Held())
	}
	s.Release(p, false)
}

func TestFlushSkipsBusyPages(t *testing.T) {
	store := disk.NewMemStore("main", 0)
	c := newTestCache(t, store, func(o *Options) { o.LatchWait = 20 * time.Millisecond })
	holder, other := c.NewSession(1), c.NewSession(2)
	busy, free := key(1), key(2)

	writePage(t, holder, busy, "in use")
	writePage(t, other, free, "idle")
	other.Release(free, false)

	err := c.Flush(FlushAll, 0)
	if !errors.Is(err, perrors.ErrLatchTimeout) {
		t.Fatalf("Expected latch timeout for the busy page, got %v", err)
	}
	if !strings.Contains(err.Error(), busy.String()) {
		t.Errorf("Expected the busy page named in %q", err.Error())
	}
	if n := store.WriteCount(free); n != 1 {
		t.Errorf("Expected the unlatched page written, got %d writes", n)
	}
	if n := store.WriteCount(busy); n != 0 {
		t.Errorf("Expected the busy page left alone, got %d writes", n)
	}
	if c.Suspended() {
		t.Error("Expected a busy page not to suspend write-back")
	}

	holder.Release(busy, false)
	if err := c.Flush(FlushAll, 0); err != nil {
		t.Fatalf("Flush after release failed: %v", err)
	}
	if n := store.WriteCount(busy); n != 1 {
		t.Errorf("Expected the released page written, got %d writes", n)
	}
}

func TestBusyHighWrittenBeforeLowOnRetry(t *testing.T) {
	store := disk.NewMemStore("main", 0)
	c := newTestCache(t, store, func(o *Options) { o.LatchWait = 500 * time.Millisecond })
	holder := c.NewSession(1)
	low, high := key(1), key(2)

	buf, err := holder.Fetch(high, IntentNew, NoWait)
	if err != nil {
		t.Fatalf("Fetch new failed: %v", err)
	}
	copy(buf.Payload(), "child")
	if err := holder.MarkDirty(high, false, false); err != nil {
		t.Fatal(err)
	}
	writePage(t, holder, low, "parent")
	if err := holder.EstablishPrecedence(low, high); err != nil {
		t.Fatal(err)
	}
	holder.Release(low, false)

	// The holder lets go while the flush waits on its retry.
	go func() {
		time.Sleep(750 * time.Millisecond)
		holder.Release(high, false)
	}()

	if err := c.Flush(FlushAll, 0); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	log := store.WriteLog()
	hi, li := indexOf(log, high), indexOf(log, low)
	if hi < 0 || li < 0 || hi > li {
		t.Errorf("Expected %v before %v, got log %v", high, low, log)
	}
	if n := c.Stats().ForcedWrites; n != 0 {
		t.Errorf("Expected no forced writes, got %d", n)
	}
}

func TestFlags(t *testing.T) {
	c := newTestCache(t, disk.NewMemStore("main", 0), nil)

	r1 := c.WithFlag(FlagNoBackgroundWrites)
	r2 := c.WithFlag(FlagNoBackgroundWrites)
	r2()
	if !c.HasFlag(FlagNoBackgroundWrites) {
		t.Error("Expected flag kept by the outer guard")
	}
	r1()
	if c.HasFlag(FlagNoBackgroundWrites) {
		t.Error("Expected flag cleared")
	}

	restore := c.WithFlag(FlagExclusive)
	s := c.NewSession(1)
	p := key(1)
	if _, err := s.Fetch(p, IntentWrite, NoWait); err != nil {
		t.Fatal(err)
	}
	if lvl := c.locks.Held(c.Owner(), p); lvl != lock.None {
		t.Errorf("Expected no external lock in exclusive mode, got %v", lvl)
	}
	s.Release(p, false)
	restore()

	if _, err := s.Fetch(key(2), IntentWrite, NoWait); err != nil {
		t.Fatal(err)
	}
	if lvl := c.locks.Held(c.Owner(), key(2)); lvl != lock.Write {
		t.Errorf("Expected write lock, got %v", lvl)
	}
	s.Release(key(2), false)
}

func TestCheckpoint(t *testing.T) {
	store := disk.NewMemStore("main", 0)
	dir := t.TempDir()
	c := newTestCache(t, store, func(o *Options) { o.CheckpointDir = dir })
	s := c.NewSession(1)

	for i := 0; i < 3; i++ {
		writePage(t, s, key(i), "ckpt")
		s.Release(key(i), false)
	}
	if err := c.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}

	ts, written, err := ReadMarker(dir)
	if err != nil {
		t.Fatalf("ReadMarker failed: %v", err)
	}
	if written != 3 {
		t.Errorf("Expected 3 pages in marker, got %d", written)
	}
	if time.Since(ts) > time.Minute {
		t.Errorf("Expected a recent timestamp, got %v", ts)
	}
	if store.SyncCount() == 0 {
		t.Error("Expected the store synced")
	}
	if n := c.Stats().Checkpoints; n != 1 {
		t.Errorf("Expected 1 checkpoint, got %d", n)
	}
	if c.Checkpoints().LastCheckpoint() == 0 {
		t.Error("Expected last checkpoint time set")
	}
}

func TestBackgroundWriter(t *testing.T) {
	store := disk.NewMemStore("main", 0)
	c := newTestCache(t, store, func(o *Options) { o.BgWriterInterval = 10 * time.Millisecond })
	restore := c.WithFlag(FlagNoBackgroundWrites)
	c.Start()
	s := c.NewSession(1)
	p := key(1)

	writePage(t, s, p, "bg")
	s.Release(p, false)
	time.Sleep(50 * time.Millisecond)
	if n := store.WriteCount(p); n != 0 {
		t.Errorf("Expected no background write while paused, got %d", n)
	}

	restore()
	waitFor(t, "background write", func() bool { return store.WriteCount(p) == 1 })
	if n := c.Stats().BgWrites; n == 0 {
		t.Error("Expected background writes counted")
	}
}

func TestClose(t *testing.T) {
	store := disk.NewMemStore("main", 0)
	c := newTestCache(t, keepOpen{store}, nil)
	c.Start()
	s := c.NewSession(1)
	p := key(1)

	writePage(t, s, p, "final")
	s.Release(p, false)
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if n := store.WriteCount(p); n != 1 {
		t.Errorf("Expected dirty page written on close, got %d", n)
	}
	if lvl := c.locks.Held(c.Owner(), p); lvl != lock.None {
		t.Errorf("Expected locks released, got %v", lvl)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Expected second close to be a no-op, got %v", err)
	}
	if _, err := s.Fetch(p, IntentRead, NoWait); !errors.Is(err, perrors.ErrClosed) {
		t.Errorf("Expected closed, got %v", err)
	}
}

func TestConcurrentAccess(t *testing.T) {
	store := disk.NewMemStore("main", 0)
	c := newTestCache(t, store, func(o *Options) {
		o.Buffers = 16
		o.LatchWait = 2 * time.Second
	})

	const workers = 8
	const pages = 32
	var writers, readers [pages]atomic.Int32
	var violations atomic.Int32

	var wg sync.WaitGroup
	errc := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			s := c.NewSession(uint64(w + 1))
			for i := 0; i < 200; i++ {
				n := rng.Intn(pages)
				k := key(n)
				write := rng.Intn(3) == 0
				intent := IntentRead
				if write {
					intent = IntentWrite
				}
				buf, err := s.Fetch(k, intent, 2*time.Second)
				if err != nil {
					errc <- err
					return
				}
				if buf.Key() != k {
					violations.Add(1)
				}
				if write {
					if writers[n].Add(1) != 1 || readers[n].Load() != 0 {
						violations.Add(1)
					}
					buf.Payload()[0] = byte(n)
					s.MarkDirty(k, false, false)
					writers[n].Add(-1)
				} else {
					readers[n].Add(1)
					if writers[n].Load() != 0 {
						violations.Add(1)
					}
					if b := buf.Payload()[0]; b != 0 && b != byte(n) {
						violations.Add(1)
					}
					readers[n].Add(-1)
				}
				if err := s.Release(k, rng.Intn(8) == 0); err != nil {
					errc <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errc)
	for err := range errc {
		t.Fatalf("Worker failed: %v", err)
	}
	if n := violations.Load(); n != 0 {
		t.Errorf("Expected no latch violations, got %d", n)
	}

	seen := make(map[disk.PageKey]bool)
	for _, info := range c.Resident() {
		if seen[info.Key] {
			t.Errorf("Expected %v resident once", info.Key)
		}
		seen[info.Key] = true
		if info.UseCount != 0 {
			t.Errorf("Expected %v unlatched, got use count %d", info.Key, info.UseCount)
		}
	}
	if len(seen) > c.Buffers() {
		t.Errorf("Expected at most %d resident pages, got %d", c.Buffers(), len(seen))
	}
	if err := c.Flush(FlushAll, 0); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if n := c.Stats().Dirty; n != 0 {
		t.Errorf("Expected no dirty pages, got %d", n)
	}
}

func TestOptionsFromConfigDefaults(t *testing.T) {
	opts := DefaultOptions()
	if opts.WriteOnRelease {
		t.Error("Expected write on release off by default")
	}
	if opts.FreeWatermark <= 0 || opts.FreeWatermark >= 1 {
		t.Errorf("Expected watermark in (0, 1), got %f", opts.FreeWatermark)
	}
	if n := CalculateOptimalPoolSize(); n < 256 || n > 131072 {
		t.Errorf("Expected pool size within bounds, got %d", n)
	}
}

func TestFlagString(t *testing.T) {
	tests := []struct {
		flags bufferFlag
		want  string
	}{
		{0, "clean"},
		{flagDirty, "dirty"},
		{flagDirty | flagBlocking, "dirty|blocking"},
		{flagFaked | flagMustWrite, "must-write|faked"},
	}
	for _, tt := range tests {
		if got := tt.flags.String(); got != tt.want {
			t.Errorf("Expected %q, got %q", tt.want, got)
		}
	}
}
