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


package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pagecache/internal/cache"
	"pagecache/internal/codec"
	"pagecache/internal/config"
	perrors "pagecache/internal/errors"
	"pagecache/internal/logging"
	"pagecache/internal/storage/disk"
)

func newTestEnv(t *testing.T) *runtimeEnv {
	t.Helper()
	logging.SetGlobalLevel(logging.ERROR)

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Buffers = 16
	cfg.CheckpointSecs = 0
	cfg.LatchWaitMs = 200
	cfg.LockWaitMs = 200

	cd := codec.Null{}
	primary, shadows, err := openStores(cfg, cd)
	if err != nil {
		t.Fatalf("openStores failed: %v", err)
	}
	env, err := startCache(cfg, cd, primary, shadows)
	if err != nil {
		t.Fatalf("startCache failed: %v", err)
	}
	return env
}

func newTestShell(t *testing.T) (*shell, *bytes.Buffer) {
	t.Helper()
	env := newTestEnv(t)
	var out bytes.Buffer
	sh := newShell(env, 1, &out)
	t.Cleanup(func() {
		sh.session.Unwind()
		if err := env.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return sh, &out
}

func mustExec(t *testing.T, sh *shell, lines ...string) {
	t.Helper()
	for _, line := range lines {
		if err := sh.exec(line); err != nil {
			t.Fatalf("%q failed: %v", line, err)
		}
	}
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		in      string
		want    disk.PageKey
		wantErr bool
	}{
		{"7", disk.PageKey{Space: 1, Page: 7}, false},
		{"3:12", disk.PageKey{Space: 3, Page: 12}, false},
		{"0:0", disk.PageKey{Space: 0, Page: 0}, false},
		{"x", disk.PageKey{}, true},
		{"70000:1", disk.PageKey{}, true},
		{"1:", disk.PageKey{}, true},
	}
	for _, tt := range tests {
		got, err := parseKey(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseKey(%q): Expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseKey(%q): unexpected error %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseKey(%q): Expected %v, got %v", tt.in, tt.want, got)
		}
	}
}

func TestParseScope(t *testing.T) {
	tests := []struct {
		args      []string
		wantScope cache.Scope
		wantMask  uint64
		wantErr   bool
	}{
		{nil, cache.FlushAll, 0, false},
		{[]string{"system"}, cache.FlushSystem, 0, false},
		{[]string{"release"}, cache.FlushReleaseAndUnlock, 0, false},
		{[]string{"txn", "5"}, cache.FlushTransaction, cache.TxnBit(5), false},
		{[]string{"txn"}, 0, 0, true},
		{[]string{"bogus"}, 0, 0, true},
	}
	for _, tt := range tests {
		scope, mask, err := parseScope(tt.args)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseScope(%v): Expected error", tt.args)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseScope(%v): unexpected error %v", tt.args, err)
			continue
		}
		if scope != tt.wantScope || mask != tt.wantMask {
			t.Errorf("parseScope(%v): Expected %s/%d, got %s/%d", tt.args, tt.wantScope, tt.wantMask, scope, mask)
		}
	}
}

func TestShellWriteFlushShow(t *testing.T) {
	sh, out := newTestShell(t)

	mustExec(t, sh,
		"fetch 3 write",
		"put 3 hello world",
		"release 3",
		"flush all",
	)
	if n, err := sh.env.store.PageCount(1); err != nil || n < 4 {
		t.Fatalf("Expected at least 4 slots in space 1, got %d (%v)", n, err)
	}

	out.Reset()
	mustExec(t, sh, "fetch 3", "show 3")
	if !strings.Contains(out.String(), `"hello world"`) {
		t.Errorf("Expected payload in output, got %q", out.String())
	}
	mustExec(t, sh, "release 3")
	if len(sh.held) != 0 {
		t.Errorf("Expected no held pages, got %d", len(sh.held))
	}
}

func TestShellRecursiveFetch(t *testing.T) {
	sh, out := newTestShell(t)

	mustExec(t, sh, "fetch 1:5", "fetch 1:5", "held")
	if !strings.Contains(out.String(), "1:5 x2") {
		t.Errorf("Expected recursive hold in output, got %q", out.String())
	}
	mustExec(t, sh, "release 5")
	if sh.depth[disk.PageKey{Space: 1, Page: 5}] != 1 {
		t.Errorf("Expected depth 1 after one release")
	}
	mustExec(t, sh, "release 5")
	if len(sh.held) != 0 {
		t.Errorf("Expected no held pages, got %d", len(sh.held))
	}
}

func TestShellPutRequiresFetch(t *testing.T) {
	sh, _ := newTestShell(t)

	err := sh.exec("put 9 text")
	if !perrors.Is(err, perrors.ErrCodeInvalidValue) {
		t.Errorf("Expected invalid value error, got %v", err)
	}
}

func TestShellUnknownCommand(t *testing.T) {
	sh, _ := newTestShell(t)

	if err := sh.exec("frobnicate"); !perrors.Is(err, perrors.ErrCodeInvalidValue) {
		t.Errorf("Expected invalid value error, got %v", err)
	}
	if err := sh.exec("quit"); err != errQuit {
		t.Errorf("Expected errQuit, got %v", err)
	}
	if err := sh.exec("   "); err != nil {
		t.Errorf("Expected blank line to be ignored, got %v", err)
	}
}

func TestShellUnwind(t *testing.T) {
	sh, _ := newTestShell(t)

	mustExec(t, sh, "new 8", "put 8 scratch", "fetch 9", "unwind")
	if len(sh.held) != 0 {
		t.Errorf("Expected no held pages after unwind, got %d", len(sh.held))
	}
	if sh.session.Held() != 0 {
		t.Errorf("Expected session to hold nothing, got %d", sh.session.Held())
	}
}

func TestShellBackupCopy(t *testing.T) {
	sh, out := newTestShell(t)
	dst := filepath.Join(t.TempDir(), "copy")

	mustExec(t, sh, "fetch 2 write", "put 2 before backup", "release 2")
	mustExec(t, sh, "backup copy "+dst)

	if !strings.Contains(out.String(), "Backup state: normal") {
		t.Errorf("Expected normal state after copy, got %q", out.String())
	}
	if _, err := os.Stat(filepath.Join(dst, disk.SpaceFileName(1))); err != nil {
		t.Errorf("Expected copied space file: %v", err)
	}
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	dir := t.TempDir()
	fileCfg := config.DefaultConfig()
	fileCfg.DataDir = filepath.Join(dir, "from-file")
	fileCfg.Buffers = 32
	fileCfg.LogLevel = "error"
	path := filepath.Join(dir, "pagecache.conf")
	if err := fileCfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile failed: %v", err)
	}

	g := &Globals{Config: path, DataDir: filepath.Join(dir, "from-flag"), Buffers: -1}
	cfg, err := g.loadConfig()
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.DataDir != g.DataDir {
		t.Errorf("Expected data dir %s, got %s", g.DataDir, cfg.DataDir)
	}
	if cfg.Buffers != 32 {
		t.Errorf("Expected buffers from file 32, got %d", cfg.Buffers)
	}

	g.Buffers = 64
	cfg, err = g.loadConfig()
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Buffers != 64 {
		t.Errorf("Expected buffers from flag 64, got %d", cfg.Buffers)
	}
}

func TestNewCodec(t *testing.T) {
	cfg := config.DefaultConfig()
	cd, err := newCodec(cfg)
	if err != nil || cd.Overhead() != 0 {
		t.Fatalf("Expected plain codec, got %v (%v)", cd, err)
	}

	cfg.EncryptionEnabled = true
	cfg.EncryptionPassphrase = "correct horse"
	cd, err = newCodec(cfg)
	if err != nil {
		t.Fatalf("newCodec failed: %v", err)
	}
	if cd.Overhead() == 0 || len(cd.Fingerprint()) == 0 {
		t.Errorf("Expected AES codec with overhead and fingerprint")
	}
}
