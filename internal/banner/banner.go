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
Package banner prints the pagecache startup banner and a compact overview of
the effective configuration.

The ASCII art is embedded at compile time from banner.txt. Colors use ANSI
escape sequences; pass Plain to PrintConfigTo when writing to something that
is not a terminal.

Usage:

	banner.PrintConfigTo(os.Stdout, cfg, banner.Color)
*/
package banner

import (
	_ "embed" // Required for the //go:embed directive
	"fmt"
	"io"
	"runtime"
	"strings"

	"pagecache/internal/config"
	"pagecache/internal/storage/disk"
)

//go:embed banner.txt
var banner string

// ANSI escape codes for terminal text formatting.
const (
	AnsiRed    = "\033[31m"
	AnsiGreen  = "\033[32m"
	AnsiYellow = "\033[33m"
	AnsiCyan   = "\033[36m"
	AnsiReset  = "\033[0m"
	AnsiBold   = "\033[1m"
	AnsiDim    = "\033[2m"
)

// Version information reported by the banner and the CLI.
const (
	Version   = "01.26.14"
	Copyright = "(c)2026 Firefly Software Solutions Inc"
	License   = "Licensed under Apache 2.0"
)

// Style selects colored or plain output.
type Style bool

const (
	Plain Style = false
	Color Style = true
)

// painter applies ANSI codes only when the style is Color.
type painter Style

func (p painter) c(code, s string) string {
	if !p {
		return s
	}
	return code + s + AnsiReset
}

// PrintTo writes the logo, version and license lines.
func PrintTo(w io.Writer, style Style) {
	p := painter(style)
	fmt.Fprintln(w, p.c(AnsiRed, strings.TrimRight(banner, "\n")))
	fmt.Fprintln(w, p.c(AnsiRed+AnsiBold, ":: pagecache ::                 (v"+Version+")"))
	fmt.Fprintln(w, p.c(AnsiGreen+AnsiBold, Copyright))
	fmt.Fprintln(w, p.c(AnsiGreen+AnsiBold, License))
	fmt.Fprintln(w)
}

// PrintConfigTo writes the banner followed by the configuration overview.
func PrintConfigTo(w io.Writer, cfg *config.Config, style Style) {
	p := painter(style)
	PrintTo(w, style)

	fmt.Fprint(w, "  "+p.c(AnsiDim, "Config: "))
	if cfg.ConfigFile != "" {
		fmt.Fprintln(w, p.c(AnsiYellow, cfg.ConfigFile))
	} else {
		fmt.Fprintln(w, p.c(AnsiDim, "defaults + environment"))
	}
	fmt.Fprintln(w)

	const lineWidth = 78

	printSectionHeader(w, p, "Storage", lineWidth)
	printRow2(w, p.kv("Data", cfg.DataDir), p.kv("Backup", orNone(p, cfg.BackupDir)))
	shadows := p.c(AnsiDim, "none")
	if len(cfg.ShadowDirs) > 0 {
		shadows = p.c(AnsiGreen, fmt.Sprintf("%d", len(cfg.ShadowDirs)))
	}
	printRow2(w, p.kv("Shadows", shadows), p.kv("Retries", fmt.Sprintf("%d", cfg.ShadowRetries)))
	fmt.Fprintln(w)

	printSectionHeader(w, p, "Buffers", lineWidth)
	printRow3(w,
		p.kv("Pool", formatPool(cfg.Buffers)),
		p.kv("Latch wait", cfg.LatchWait().String()),
		p.kv("Lock wait", cfg.LockWait().String()))
	printRow3(w,
		p.kv("Free mark", fmt.Sprintf("%.2f", cfg.FreeWatermark)),
		p.kv("Dirty skips", fmt.Sprintf("%d", cfg.MaxDirtySkips)),
		p.kv("Precedence", fmt.Sprintf("%d", cfg.PrecedenceBudget)))
	fmt.Fprintln(w)

	printSectionHeader(w, p, "Write-back", lineWidth)
	checkpoint := p.c(AnsiDim, "off")
	if cfg.CheckpointSecs > 0 {
		checkpoint = fmt.Sprintf("%ds", cfg.CheckpointSecs)
	}
	printRow3(w,
		p.kv("On release", p.enabled(cfg.WriteOnRelease)),
		p.kv("Writer", fmt.Sprintf("%dms/%d", cfg.BgWriterIntervalMs, cfg.BgWriterMaxPages)),
		p.kv("Checkpoint", checkpoint))
	fmt.Fprintln(w)

	printSectionHeader(w, p, "Security", lineWidth)
	encryption := p.c(AnsiYellow, "off")
	if cfg.EncryptionEnabled {
		encryption = p.c(AnsiGreen, "AES-256-GCM")
	}
	printRow2(w, p.kv("Encryption", encryption), p.kv("Metrics", orNone(p, cfg.MetricsAddr)))
	fmt.Fprintln(w)

	printSectionHeader(w, p, "Runtime", lineWidth)
	printRow3(w,
		p.kv("CPUs", fmt.Sprintf("%d", runtime.NumCPU())),
		p.kv("GOMAXPROCS", fmt.Sprintf("%d", runtime.GOMAXPROCS(0))),
		p.kv("Log", cfg.LogLevel))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "  "+p.c(AnsiDim, Copyright))
	fmt.Fprintln(w)
}

func (p painter) kv(key, value string) string {
	return p.c(AnsiDim, key+":") + " " + value
}

func (p painter) enabled(on bool) string {
	if on {
		return p.c(AnsiGreen, "on")
	}
	return p.c(AnsiDim, "off")
}

func orNone(p painter, s string) string {
	if s == "" {
		return p.c(AnsiDim, "none")
	}
	return s
}

func printSectionHeader(w io.Writer, p painter, title string, width int) {
	titleLen := len(title) + 4 // "[ title ]"
	leftPad := 2
	rightPad := width - leftPad - titleLen
	if rightPad < 0 {
		rightPad = 0
	}
	fmt.Fprintf(w, "  %s[ %s ]%s\n",
		p.c(AnsiDim, strings.Repeat("-", leftPad)),
		p.c(AnsiCyan+AnsiBold, title),
		p.c(AnsiDim, strings.Repeat("-", rightPad)))
}

func printRow3(w io.Writer, col1, col2, col3 string) {
	fmt.Fprintf(w, "  %-32s %-26s %s\n", col1, col2, col3)
}

func printRow2(w io.Writer, col1, col2 string) {
	fmt.Fprintf(w, "  %-40s %s\n", col1, col2)
}

// formatPool renders a buffer count with the memory it pins.
func formatPool(buffers int) string {
	if buffers == 0 {
		return "auto"
	}
	return fmt.Sprintf("%d (%s)", buffers, formatBytes(int64(buffers)*disk.PageSize))
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.0f%cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
