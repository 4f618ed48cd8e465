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
Package logging provides the structured logger used by every storage
component.

Each component ("cache", "lock", "backup", "shadow") gets its own Logger.
Level, sink and text or JSON mode are process-wide and may change while
the process runs, for example when the server reloads its configuration.
A Logger reads them on every call, so loggers created at startup follow
a reload without being rebuilt.

Fields are written in key order so that two runs of the same workload
produce comparable logs. Values that are errors or fmt.Stringers (page
keys, lock levels) are written in their string form in both modes.

Usage:

	logger := logging.NewLogger("cache")
	logger.Info("Checkpoint complete", "pages", 128, "duration_ms", 4.2)

	pageLog := logger.With("page", key)
	pageLog.Error("Page write failed", "error", err)
*/
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	// DEBUG level for detailed debugging information.
	DEBUG Level = iota
	// INFO level for general operational information.
	INFO
	// WARN level for warning conditions.
	WARN
	// ERROR level for error conditions.
	ERROR
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

// String returns the string representation of the log level.
func (l Level) String() string {
	if l < DEBUG || l > ERROR {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLevel parses a level name case-insensitively. Unknown names map
// to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// Entry represents a single log entry with all its metadata.
type Entry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Config is the process-wide logging setup.
type Config struct {
	Level    Level
	Output   io.Writer
	JSONMode bool
}

// DefaultConfig returns the default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:    INFO,
		Output:   os.Stdout,
		JSONMode: false,
	}
}

var (
	globalConfig = DefaultConfig()
	globalMu     sync.RWMutex

	// writeMu keeps lines from different loggers whole on a shared sink.
	writeMu sync.Mutex
)

// Configure replaces the level and mode. A nil Output keeps the current
// sink.
func Configure(cfg Config) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if cfg.Output == nil {
		cfg.Output = globalConfig.Output
	}
	globalConfig = cfg
}

// Current returns the process-wide configuration in effect.
func Current() Config {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalConfig
}

// SetGlobalLevel sets the global log level.
func SetGlobalLevel(level Level) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalConfig.Level = level
}

// SetGlobalOutput sets the global log output.
func SetGlobalOutput(w io.Writer) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalConfig.Output = w
}

// SetJSONMode enables or disables JSON output mode.
func SetJSONMode(enabled bool) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalConfig.JSONMode = enabled
}

// Logger writes entries for one component. A Logger derived with With
// carries fields that are added to every entry it writes.
type Logger struct {
	component string
	fields    []interface{}
}

// NewLogger creates a new Logger for the specified component.
func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

// Enabled reports whether messages at level would be written. Callers use
// it to skip building expensive fields.
func (l *Logger) Enabled(level Level) bool {
	return level >= Current().Level
}

// With returns a logger that adds args to every entry. The receiver is
// not changed.
func (l *Logger) With(args ...interface{}) *Logger {
	fields := make([]interface{}, 0, len(l.fields)+len(args))
	fields = append(fields, l.fields...)
	fields = append(fields, args...)
	return &Logger{component: l.component, fields: fields}
}

// Debug logs a message at DEBUG level.
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.log(DEBUG, msg, args)
}

// Info logs a message at INFO level.
func (l *Logger) Info(msg string, args ...interface{}) {
	l.log(INFO, msg, args)
}

// Warn logs a message at WARN level.
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.log(WARN, msg, args)
}

// Error logs a message at ERROR level.
func (l *Logger) Error(msg string, args ...interface{}) {
	l.log(ERROR, msg, args)
}

func (l *Logger) log(level Level, msg string, args []interface{}) {
	cfg := Current()
	if level < cfg.Level {
		return
	}

	entry := Entry{
		Timestamp: time.Now().UTC(),
		Level:     level.String(),
		Component: l.component,
		Message:   msg,
	}
	if len(l.fields)+len(args) > 0 {
		entry.Fields = make(map[string]interface{}, (len(l.fields)+len(args))/2+1)
		addFields(entry.Fields, l.fields)
		addFields(entry.Fields, args)
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if cfg.JSONMode {
		writeJSON(cfg.Output, entry)
	} else {
		writeText(cfg.Output, entry)
	}
}

// addFields copies key-value pairs into fields. Later keys win, so call
// arguments override the fields of a derived logger.
func addFields(fields map[string]interface{}, args []interface{}) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("arg%d", i)
		}
		fields[key] = fieldValue(args[i+1])
	}
	if len(args)%2 != 0 {
		fields["extra"] = fieldValue(args[len(args)-1])
	}
}

// fieldValue renders errors and Stringers as text. encoding/json would
// otherwise write an error as {} and a page key as its struct fields.
func fieldValue(v interface{}) interface{} {
	switch x := v.(type) {
	case nil:
		return nil
	case error:
		return x.Error()
	case fmt.Stringer:
		return x.String()
	default:
		return v
	}
}

func writeJSON(w io.Writer, entry Entry) {
	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(w, "ERROR: failed to marshal log entry: %v\n", err)
		return
	}
	fmt.Fprintln(w, string(data))
}

var levelColors = [...]string{"\033[36m", "\033[32m", "\033[33m", "\033[31m"}

// writeText writes one line:
//
//	2006-01-02T15:04:05.000Z [LEVEL] [component] message key=value ...
//
// Colors are used only on a terminal sink.
func writeText(w io.Writer, entry Entry) {
	color, reset := "", ""
	if w == os.Stdout || w == os.Stderr {
		if lvl := ParseLevel(entry.Level); entry.Level == lvl.String() {
			color, reset = levelColors[lvl], "\033[0m"
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s[%-5s]%s [%s] %s",
		entry.Timestamp.Format("2006-01-02T15:04:05.000Z"),
		color, entry.Level, reset, entry.Component, entry.Message)

	keys := make([]string, 0, len(entry.Fields))
	for k := range entry.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%v", k, entry.Fields[k])
	}
	fmt.Fprintln(w, sb.String())
}
