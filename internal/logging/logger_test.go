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

package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func withGlobal(t *testing.T, level Level, jsonMode bool) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetGlobalOutput(&buf)
	SetGlobalLevel(level)
	SetJSONMode(jsonMode)
	t.Cleanup(func() {
		cfg := DefaultConfig()
		SetGlobalOutput(cfg.Output)
		SetGlobalLevel(cfg.Level)
		SetJSONMode(cfg.JSONMode)
	})
	return &buf
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"error":   ERROR,
		"bogus":   INFO,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q): expected %v, got %v", in, want, got)
		}
	}
}

func TestTextFieldsAreSorted(t *testing.T) {
	buf := withGlobal(t, DEBUG, false)

	NewLogger("cache").Info("Page written", "page", "1:7", "bytes", 8192, "attempt", 1)

	line := buf.String()
	a := strings.Index(line, "attempt=1")
	b := strings.Index(line, "bytes=8192")
	p := strings.Index(line, "page=1:7")
	if a < 0 || b < 0 || p < 0 {
		t.Fatalf("Expected all fields in %q", line)
	}
	if !(a < b && b < p) {
		t.Errorf("Expected fields in key order, got %q", line)
	}
	if strings.Contains(line, "\033[") {
		t.Errorf("Expected no color codes for a non-terminal sink, got %q", line)
	}
}

func TestLevelFiltering(t *testing.T) {
	buf := withGlobal(t, WARN, false)

	logger := NewLogger("lock")
	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Errorf("Expected DEBUG and INFO to be filtered, got %q", buf.String())
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("Expected WARN to be written, got %q", buf.String())
	}
	if logger.Enabled(INFO) {
		t.Error("Expected INFO to be disabled at WARN level")
	}
}

type pageKey struct{ space, number int }

func (k pageKey) String() string { return fmt.Sprintf("%d:%d", k.space, k.number) }

func TestJSONDerivedLogger(t *testing.T) {
	buf := withGlobal(t, DEBUG, true)

	base := NewLogger("backup")
	base.With("state", "stalled").Info("Difference page written",
		"page", pageKey{2, 9}, "error", errors.New("disk full"))

	var entry Entry
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("Expected JSON output, got %q: %v", buf.String(), err)
	}
	if entry.Component != "backup" {
		t.Errorf("Expected component 'backup', got '%s'", entry.Component)
	}
	if entry.Fields["state"] != "stalled" || entry.Fields["page"] != "2:9" {
		t.Errorf("Expected derived and call fields, got %v", entry.Fields)
	}
	if entry.Fields["error"] != "disk full" {
		t.Errorf("Expected error written as text, got %v", entry.Fields["error"])
	}

	buf.Reset()
	base.Info("Plain entry")
	if strings.Contains(buf.String(), "stalled") {
		t.Errorf("Expected With to leave the receiver unchanged, got %q", buf.String())
	}
}

func TestCallFieldsOverrideDerived(t *testing.T) {
	buf := withGlobal(t, DEBUG, false)

	NewLogger("cache").With("page", "1:1", "attempt", 1).Warn("Retrying", "attempt", 2)

	line := buf.String()
	if !strings.Contains(line, "attempt=2") || strings.Contains(line, "attempt=1") {
		t.Errorf("Expected the call field to win, got %q", line)
	}
	if !strings.Contains(line, "page=1:1") {
		t.Errorf("Expected the derived field, got %q", line)
	}
}

func TestConfigureFollowedByExistingLoggers(t *testing.T) {
	buf := withGlobal(t, ERROR, false)
	logger := NewLogger("lock")

	logger.Info("before")
	Configure(Config{Level: DEBUG})
	logger.Info("after")

	if strings.Contains(buf.String(), "before") {
		t.Errorf("Expected INFO filtered before Configure, got %q", buf.String())
	}
	if !strings.Contains(buf.String(), "after") {
		t.Errorf("Expected Configure to keep the sink and lower the level, got %q", buf.String())
	}
	if !logger.Enabled(DEBUG) {
		t.Error("Expected DEBUG enabled after Configure")
	}
	if Current().Output != buf {
		t.Error("Expected a nil Output to keep the current sink")
	}
}
