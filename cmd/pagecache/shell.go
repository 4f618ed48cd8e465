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

/*
Page Shell
==========

The shell drives one cache session by hand. Pages are named space:page, or
just page for space 1.

	fetch 1:7 write        latch page 1:7 exclusively
	put 1:7 hello          overwrite the payload and mark the page dirty
	precede 1:7 1:9        1:9 must reach disk before 1:7
	release 1:7            return the latch
	flush all              write every dirty page
	resident               list cached pages

Pages fetched in the shell stay latched until they are released, forgotten
or the session is unwound.
*/

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"pagecache/internal/cache"
	perrors "pagecache/internal/errors"
	"pagecache/internal/storage/disk"
)

// errQuit ends the shell loop.
var errQuit = errors.New("quit")

// defaultSpace is used for page names without a space.
const defaultSpace disk.SpaceID = 1

var shellCommands = []string{
	"help", "fetch", "new", "put", "show", "dirty", "precede", "release",
	"handoff", "forget", "unwind", "held", "flush", "checkpoint", "backup",
	"resume", "stats", "resident", "quit",
}

// shell executes page commands against one session.
type shell struct {
	env     *runtimeEnv
	session *cache.Session
	out     io.Writer

	held  map[disk.PageKey]*cache.Buffer
	depth map[disk.PageKey]int
}

func newShell(env *runtimeEnv, txn uint64, out io.Writer) *shell {
	return &shell{
		env:     env,
		session: env.cache.NewSession(txn),
		out:     out,
		held:    make(map[disk.PageKey]*cache.Buffer),
		depth:   make(map[disk.PageKey]int),
	}
}

// parseKey parses "space:page" or "page".
func parseKey(s string) (disk.PageKey, error) {
	space := defaultSpace
	pageText := s
	if i := strings.IndexByte(s, ':'); i >= 0 {
		n, err := strconv.ParseUint(s[:i], 10, 16)
		if err != nil {
			return disk.PageKey{}, perrors.InvalidValue("page", "bad space in "+s)
		}
		space = disk.SpaceID(n)
		pageText = s[i+1:]
	}
	n, err := strconv.ParseUint(pageText, 10, 32)
	if err != nil {
		return disk.PageKey{}, perrors.InvalidValue("page", "bad page number in "+s)
	}
	return disk.PageKey{Space: space, Page: disk.PageNumber(n)}, nil
}

func parseIntent(s string) (cache.Intent, error) {
	switch strings.ToLower(s) {
	case "", "read", "r":
		return cache.IntentRead, nil
	case "write", "w":
		return cache.IntentWrite, nil
	case "new", "n":
		return cache.IntentNew, nil
	default:
		return 0, perrors.InvalidValue("intent", "expected read, write or new")
	}
}

func parseScope(args []string) (cache.Scope, uint64, error) {
	if len(args) == 0 {
		return cache.FlushAll, 0, nil
	}
	switch strings.ToLower(args[0]) {
	case "all":
		return cache.FlushAll, 0, nil
	case "system":
		return cache.FlushSystem, 0, nil
	case "release":
		return cache.FlushReleaseAndUnlock, 0, nil
	case "txn":
		if len(args) < 2 {
			return 0, 0, perrors.InvalidValue("flush", "txn needs a transaction number")
		}
		txn, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return 0, 0, perrors.InvalidValue("flush", "bad transaction number "+args[1])
		}
		return cache.FlushTransaction, cache.TxnBit(txn), nil
	default:
		return 0, 0, perrors.InvalidValue("flush", "expected all, system, release or txn N")
	}
}

// exec runs one command line.
func (sh *shell) exec(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "help", "?":
		sh.help()
		return nil
	case "quit", "exit", `\q`:
		return errQuit
	case "fetch":
		if len(args) < 1 {
			return usage("fetch PAGE [read|write|new]")
		}
		intent, err := parseIntent(arg(args, 1))
		if err != nil {
			return err
		}
		return sh.fetch(args[0], intent)
	case "new":
		if len(args) < 1 {
			return usage("new PAGE")
		}
		return sh.fetch(args[0], cache.IntentNew)
	case "put":
		if len(args) < 2 {
			return usage("put PAGE TEXT")
		}
		return sh.put(args[0], strings.Join(args[1:], " "))
	case "show":
		if len(args) < 1 {
			return usage("show PAGE")
		}
		return sh.show(args[0])
	case "dirty":
		if len(args) < 1 {
			return usage("dirty PAGE [must]")
		}
		key, err := parseKey(args[0])
		if err != nil {
			return err
		}
		return sh.session.MarkDirty(key, arg(args, 1) == "must", false)
	case "precede":
		if len(args) < 2 {
			return usage("precede LOW HIGH")
		}
		low, err := parseKey(args[0])
		if err != nil {
			return err
		}
		high, err := parseKey(args[1])
		if err != nil {
			return err
		}
		return sh.session.EstablishPrecedence(low, high)
	case "release":
		if len(args) < 1 {
			return usage("release PAGE [reclaim]")
		}
		return sh.release(args[0], arg(args, 1) == "reclaim")
	case "handoff":
		if len(args) < 2 {
			return usage("handoff FROM TO [read|write]")
		}
		intent, err := parseIntent(arg(args, 2))
		if err != nil {
			return err
		}
		return sh.handoff(args[0], args[1], intent)
	case "forget":
		if len(args) < 1 {
			return usage("forget PAGE")
		}
		key, err := parseKey(args[0])
		if err != nil {
			return err
		}
		if err := sh.session.Forget(key); err != nil {
			return err
		}
		sh.drop(key, true)
		return nil
	case "unwind":
		sh.session.Unwind()
		sh.held = make(map[disk.PageKey]*cache.Buffer)
		sh.depth = make(map[disk.PageKey]int)
		fmt.Fprintln(sh.out, "Session unwound")
		return nil
	case "held":
		sh.printHeld()
		return nil
	case "flush":
		scope, mask, err := parseScope(args)
		if err != nil {
			return err
		}
		if err := sh.session.Flush(scope, mask); err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "Flushed (%s)\n", scope)
		return nil
	case "checkpoint":
		if err := sh.env.cache.Checkpoint(); err != nil {
			return err
		}
		fmt.Fprintln(sh.out, "Checkpoint complete")
		return nil
	case "backup":
		return sh.backup(args)
	case "resume":
		sh.env.cache.ResumeIO()
		fmt.Fprintln(sh.out, "Write-back resumed")
		return nil
	case "stats":
		printStats(sh.out, sh.env.cache.Stats(), sh.env.locks.Stats())
		return nil
	case "resident":
		printResident(sh.out, sh.env.cache.Resident())
		return nil
	default:
		return perrors.InvalidValue("command", "unknown command "+fields[0]).WithHint("type help")
	}
}

func arg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

func usage(text string) error {
	return perrors.InvalidValue("usage", text)
}

func (sh *shell) fetch(name string, intent cache.Intent) error {
	key, err := parseKey(name)
	if err != nil {
		return err
	}
	buf, err := sh.session.Fetch(key, intent, cache.WaitForever)
	if err != nil {
		return err
	}
	sh.held[key] = buf
	sh.depth[key]++
	fmt.Fprintf(sh.out, "Fetched %s (%s, generation %d)\n", key, intent, buf.Page().Generation())
	return nil
}

func (sh *shell) buffer(name string) (disk.PageKey, *cache.Buffer, error) {
	key, err := parseKey(name)
	if err != nil {
		return key, nil, err
	}
	buf, ok := sh.held[key]
	if !ok {
		return key, nil, perrors.InvalidValue("page", key.String()+" is not held by the shell").WithHint("fetch the page first")
	}
	return key, buf, nil
}

func (sh *shell) put(name, text string) error {
	key, buf, err := sh.buffer(name)
	if err != nil {
		return err
	}
	payload := buf.Payload()
	if len(text) > len(payload) {
		return perrors.InvalidValue("text", fmt.Sprintf("longer than %d bytes", len(payload)))
	}
	clear(payload)
	copy(payload, text)
	return sh.session.MarkDirty(key, false, false)
}

func (sh *shell) show(name string) error {
	_, buf, err := sh.buffer(name)
	if err != nil {
		return err
	}
	h := buf.Page().Header()
	payload := buf.Payload()
	end := 0
	for end < len(payload) && payload[end] != 0 {
		end++
	}
	fmt.Fprintf(sh.out, "%s type=%d generation=%d dirty=%t\n", h.Key, h.Type, h.Generation, buf.Dirty())
	fmt.Fprintf(sh.out, "%q\n", payload[:end])
	return nil
}

func (sh *shell) release(name string, reclaim bool) error {
	key, err := parseKey(name)
	if err != nil {
		return err
	}
	if err := sh.session.Release(key, reclaim); err != nil {
		return err
	}
	sh.drop(key, false)
	return nil
}

func (sh *shell) handoff(from, to string, intent cache.Intent) error {
	fromKey, err := parseKey(from)
	if err != nil {
		return err
	}
	toKey, err := parseKey(to)
	if err != nil {
		return err
	}
	buf, err := sh.session.Handoff(fromKey, toKey, intent, cache.WaitForever)
	if err != nil {
		return err
	}
	sh.drop(fromKey, false)
	sh.held[toKey] = buf
	sh.depth[toKey]++
	fmt.Fprintf(sh.out, "Handed off %s to %s\n", fromKey, toKey)
	return nil
}

// drop forgets one latch on key, or all of them.
func (sh *shell) drop(key disk.PageKey, all bool) {
	sh.depth[key]--
	if all || sh.depth[key] <= 0 {
		delete(sh.depth, key)
		delete(sh.held, key)
	}
}

func (sh *shell) backup(args []string) error {
	switch arg(args, 0) {
	case "begin":
		if err := sh.env.cache.BeginBackup(); err != nil {
			return err
		}
	case "end":
		if err := sh.env.cache.EndBackup(); err != nil {
			return err
		}
	case "copy":
		if len(args) < 2 {
			return usage("backup copy DIR")
		}
		n, err := runBackup(sh.env, args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "Backed up %d space files to %s\n", n, args[1])
	case "", "state":
	default:
		return usage("backup [begin|end|state|copy DIR]")
	}
	fmt.Fprintf(sh.out, "Backup state: %s\n", sh.env.cache.BackupState())
	return nil
}

func (sh *shell) printHeld() {
	if len(sh.held) == 0 {
		fmt.Fprintln(sh.out, "No pages held")
		return
	}
	keys := make([]disk.PageKey, 0, len(sh.held))
	for k := range sh.held {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	for _, k := range keys {
		fmt.Fprintf(sh.out, "%s x%d\n", k, sh.depth[k])
	}
}

func (sh *shell) help() {
	fmt.Fprint(sh.out, `Pages are named SPACE:PAGE, or PAGE for space 1.

  fetch PAGE [read|write|new]   latch a page
  new PAGE                      latch a fresh zeroed page
  put PAGE TEXT                 overwrite the payload and mark dirty
  show PAGE                     print header and payload text
  dirty PAGE [must]             mark dirty (must: write on release)
  precede LOW HIGH              write HIGH before LOW
  release PAGE [reclaim]        return a latch
  handoff FROM TO [read|write]  release FROM and latch TO
  forget PAGE                   drop a page without writing it
  unwind                        release everything the session holds
  held                          list latched pages
  flush [all|system|release|txn N]
  checkpoint                    flush, sync and record a marker
  backup [begin|end|state|copy DIR]
  resume                        resume write-back after a failure
  stats                         cache statistics
  resident                      resident pages
  quit                          leave the shell
`)
}

func historyFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".pagecache_history")
}

func newReadline() (*readline.Instance, error) {
	items := make([]readline.PrefixCompleterInterface, 0, len(shellCommands))
	for _, cmd := range shellCommands {
		items = append(items, readline.PcItem(cmd))
	}
	return readline.NewEx(&readline.Config{
		Prompt:            "pagecache> ",
		HistoryFile:       historyFilePath(),
		AutoComplete:      readline.NewPrefixCompleter(items...),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
}

// runShell reads commands until quit or EOF. Pages still held are released
// on the way out.
func runShell(env *runtimeEnv, txn uint64) error {
	rl, err := newReadline()
	if err != nil {
		return err
	}
	defer rl.Close()

	sh := newShell(env, txn, rl.Stdout())
	defer sh.session.Unwind()
	fmt.Fprintln(sh.out, "Type help for commands.")

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			fmt.Fprintln(sh.out, "(Use quit or Ctrl+D to exit)")
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := sh.exec(line); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			fmt.Fprintln(sh.out, perrors.FormatError(err))
		}
	}
}
