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
Command pagecache operates a page store through the buffer cache.

Commands:

	pagecache init                 Create the store and write a config file
	pagecache stat                 Print spaces, cache statistics and resident pages
	pagecache shell                Interactive page shell (fetch, write, flush, ...)
	pagecache serve                Run the cache with /metrics and /health until interrupted
	pagecache checkpoint           Flush everything and record a checkpoint marker
	pagecache backup --to DIR      Copy a consistent image of the store while it stays writable
	pagecache version              Print version information

Configuration is loaded from defaults, then the config file, then PAGECACHE_*
environment variables, then command-line flags. When encryption is enabled and
PAGECACHE_ENCRYPTION_PASSPHRASE is unset, the passphrase is read from the
terminal.
*/
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/alecthomas/kong"
	"golang.org/x/term"

	"pagecache/internal/banner"
	"pagecache/internal/cache"
	"pagecache/internal/codec"
	"pagecache/internal/config"
	perrors "pagecache/internal/errors"
	"pagecache/internal/health"
	"pagecache/internal/lock"
	"pagecache/internal/logging"
	"pagecache/internal/metrics"
	"pagecache/internal/storage/disk"
)

// defaultAdminAddr is used by serve when no metrics address is configured.
const defaultAdminAddr = "127.0.0.1:9464"

// Globals are the flags shared by every command. Flags that are set
// override the config file and the environment.
type Globals struct {
	Config      string `name:"config" short:"c" help:"Path to configuration file" type:"path"`
	DataDir     string `name:"data-dir" short:"d" help:"Directory holding the page files" type:"path"`
	Buffers     int    `name:"buffers" short:"b" help:"Number of buffers (0 = auto)" default:"-1"`
	LogLevel    string `name:"log-level" help:"Log level: debug, info, warn, error"`
	LogJSON     bool   `name:"log-json" help:"Enable JSON log output"`
	MetricsAddr string `name:"metrics-addr" help:"Listen address for /metrics and /health"`
	NoBanner    bool   `name:"no-banner" help:"Do not print the startup banner"`
}

// CLI defines the command-line interface for pagecache.
type CLI struct {
	Globals

	Init       InitCmd       `cmd:"" help:"Create the page store and save the configuration"`
	Stat       StatCmd       `cmd:"" help:"Print store and cache statistics"`
	Shell      ShellCmd      `cmd:"" help:"Start the interactive page shell"`
	Serve      ServeCmd      `cmd:"" help:"Run the cache with metrics and health endpoints"`
	Checkpoint CheckpointCmd `cmd:"" help:"Write all dirty pages and record a checkpoint"`
	Backup     BackupCmd     `cmd:"" help:"Copy the store while it stays writable"`
	Version    VersionCmd    `cmd:"" help:"Print version information"`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("pagecache"),
		kong.Description("Page buffer cache over a file-per-space page store."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&cli.Globals); err != nil {
		fmt.Fprintln(os.Stderr, perrors.FormatError(err))
		os.Exit(1)
	}
}

// loadConfig resolves the effective configuration and applies logging.
func (g *Globals) loadConfig() (*config.Config, error) {
	mgr, err := g.loadManager()
	if err != nil {
		return nil, err
	}
	return g.effective(mgr)
}

// loadManager reads the config file and the environment.
func (g *Globals) loadManager() (*config.Manager, error) {
	mgr := config.NewManager()
	if g.Config != "" {
		if err := mgr.LoadFromFile(g.Config); err != nil {
			return nil, err
		}
		mgr.LoadFromEnv()
	} else if err := mgr.Load(); err != nil {
		return nil, err
	}
	return mgr, nil
}

// effective lays the flags that were set over mgr's configuration,
// validates the result and applies its logging settings.
func (g *Globals) effective(mgr *config.Manager) (*config.Config, error) {
	cfg := mgr.Get()
	if g.DataDir != "" {
		cfg.DataDir = g.DataDir
	}
	if g.Buffers >= 0 {
		cfg.Buffers = g.Buffers
	}
	if g.LogLevel != "" {
		cfg.LogLevel = g.LogLevel
	}
	if g.LogJSON {
		cfg.LogJSON = true
	}
	if g.MetricsAddr != "" {
		cfg.MetricsAddr = g.MetricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logging.Configure(logging.Config{
		Level:    logging.ParseLevel(cfg.LogLevel),
		JSONMode: cfg.LogJSON,
	})
	return cfg, nil
}

// watchReload makes a reload of env's configuration take effect. Only the
// logging settings follow a reload; the cache keeps the geometry and waits
// it was opened with until restart.
func (g *Globals) watchReload(env *runtimeEnv) {
	env.mgr.OnReload(func(*config.Config) {
		cfg, err := g.effective(env.mgr)
		if err != nil {
			env.logger.Error("Reloaded configuration rejected", "error", err)
			return
		}
		if cfg.Buffers != env.cfg.Buffers || cfg.DataDir != env.cfg.DataDir {
			env.logger.Warn("Storage settings changed; restart to apply",
				"data_dir", cfg.DataDir, "buffers", cfg.Buffers)
		}
		env.logger.Info("Configuration reloaded", "log_level", cfg.LogLevel, "log_json", cfg.LogJSON)
	})
}

// resolvePassphrase fills in the encryption passphrase from the terminal
// when the configuration and environment did not provide one.
func resolvePassphrase(cfg *config.Config, confirm bool) error {
	if !cfg.EncryptionEnabled || cfg.EncryptionPassphrase != "" {
		return nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return perrors.InvalidValue("encryption_passphrase",
			"encryption is enabled but no passphrase was provided").
			WithHint("set " + config.EnvEncryptionPassphrase)
	}
	fmt.Fprint(os.Stderr, "Encryption passphrase: ")
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return err
	}
	if len(pass) == 0 {
		return perrors.InvalidValue("encryption_passphrase", "empty passphrase")
	}
	if confirm {
		fmt.Fprint(os.Stderr, "Confirm passphrase: ")
		again, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return err
		}
		if string(again) != string(pass) {
			return perrors.InvalidValue("encryption_passphrase", "passphrases do not match")
		}
	}
	cfg.EncryptionPassphrase = string(pass)
	return nil
}

// newCodec returns the page codec the configuration asks for.
func newCodec(cfg *config.Config) (codec.Codec, error) {
	if !cfg.EncryptionEnabled {
		return codec.Null{}, nil
	}
	return codec.NewAES(codec.Config{Passphrase: cfg.EncryptionPassphrase})
}

// openStores opens the main store and every shadow with the codec's slot
// layout.
func openStores(cfg *config.Config, cd codec.Codec) (*disk.PageStore, []disk.Store, error) {
	opts := disk.PageStoreOptions{
		SlotOverhead: cd.Overhead(),
		Fingerprint:  cd.Fingerprint(),
	}
	primary, err := disk.OpenPageStore(cfg.DataDir, opts)
	if err != nil {
		return nil, nil, err
	}
	var shadows []disk.Store
	for _, dir := range cfg.ShadowDirs {
		s, err := disk.OpenPageStore(dir, opts)
		if err != nil {
			closeStores(primary, shadows)
			return nil, nil, err
		}
		shadows = append(shadows, s)
	}
	return primary, shadows, nil
}

func closeStores(primary disk.Store, shadows []disk.Store) error {
	err := primary.Close()
	for _, s := range shadows {
		if serr := s.Close(); serr != nil && err == nil {
			err = serr
		}
	}
	return err
}

// runtimeEnv is an open cache and everything it was built from.
type runtimeEnv struct {
	mgr    *config.Manager
	cfg    *config.Config
	store  *disk.PageStore
	locks  *lock.Manager
	cache  *cache.Cache
	logger *logging.Logger
}

// openCache loads the configuration, opens the stores and starts a cache
// over them.
func (g *Globals) openCache() (*runtimeEnv, error) {
	mgr, err := g.loadManager()
	if err != nil {
		return nil, err
	}
	cfg, err := g.effective(mgr)
	if err != nil {
		return nil, err
	}
	if err := resolvePassphrase(cfg, false); err != nil {
		return nil, err
	}
	cd, err := newCodec(cfg)
	if err != nil {
		return nil, err
	}
	primary, shadows, err := openStores(cfg, cd)
	if err != nil {
		return nil, err
	}
	env, err := startCache(cfg, cd, primary, shadows)
	if err != nil {
		return nil, err
	}
	env.mgr = mgr
	return env, nil
}

// startCache builds and starts a cache over already opened stores.
func startCache(cfg *config.Config, cd codec.Codec, primary *disk.PageStore, shadows []disk.Store) (*runtimeEnv, error) {
	locks := lock.NewManager()
	opts := cache.OptionsFromConfig(cfg)
	opts.Store = primary
	opts.Shadows = shadows
	opts.Codec = cd
	opts.Locks = locks
	if opts.BackupDir == "" {
		opts.BackupDir = filepath.Join(cfg.DataDir, "backup")
	}

	c, err := cache.New(opts)
	if err != nil {
		closeStores(primary, shadows)
		return nil, err
	}
	c.Start()
	return &runtimeEnv{
		cfg:    cfg,
		store:  primary,
		locks:  locks,
		cache:  c,
		logger: logging.NewLogger("cli"),
	}, nil
}

// Close writes back and closes the cache and its stores.
func (e *runtimeEnv) Close() error {
	return e.cache.Close()
}

// InitCmd creates the data directory, the shadow directories and a config
// file describing them.
type InitCmd struct {
	Encrypt bool   `help:"Encrypt pages at rest with AES-256-GCM"`
	Output  string `name:"output" short:"o" help:"Where to write the config file (default: <data-dir>/pagecache.conf)" type:"path"`
	Force   bool   `help:"Overwrite an existing config file"`
}

func (c *InitCmd) Run(g *Globals) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	if c.Encrypt {
		cfg.EncryptionEnabled = true
	}
	path := c.Output
	if path == "" {
		path = filepath.Join(cfg.DataDir, "pagecache.conf")
	}
	if _, err := os.Stat(path); err == nil && !c.Force {
		return perrors.InvalidValue("output", path+" already exists").WithHint("use --force to overwrite")
	}

	if err := resolvePassphrase(cfg, true); err != nil {
		return err
	}
	cd, err := newCodec(cfg)
	if err != nil {
		return err
	}
	primary, shadows, err := openStores(cfg, cd)
	if err != nil {
		return err
	}
	if err := closeStores(primary, shadows); err != nil {
		return err
	}
	if err := cfg.SaveToFile(path); err != nil {
		return err
	}

	if !g.NoBanner {
		banner.PrintConfigTo(os.Stdout, cfg, bannerStyle())
	}
	fmt.Printf("Initialized page store in %s\n", cfg.DataDir)
	fmt.Printf("Configuration written to %s\n", path)
	if cfg.EncryptionEnabled && os.Getenv(config.EnvEncryptionPassphrase) == "" {
		fmt.Printf("Set %s before starting to avoid the prompt.\n", config.EnvEncryptionPassphrase)
	}
	return nil
}

// StatCmd prints the spaces in the store and the statistics of a cache
// opened over it.
type StatCmd struct {
	Resident bool `help:"Also list resident pages"`
}

func (c *StatCmd) Run(g *Globals) error {
	env, err := g.openCache()
	if err != nil {
		return err
	}
	defer env.Close()

	if err := printSpaces(os.Stdout, env.store); err != nil {
		return err
	}
	fmt.Println()
	printStats(os.Stdout, env.cache.Stats(), env.locks.Stats())
	if c.Resident {
		fmt.Println()
		printResident(os.Stdout, env.cache.Resident())
	}
	if at, written, err := cache.ReadMarker(env.cfg.DataDir); err == nil {
		fmt.Printf("\nLast checkpoint: %s (%d pages)\n", at.Format("2006-01-02 15:04:05"), written)
	}
	return nil
}

// ShellCmd starts the interactive page shell.
type ShellCmd struct {
	Txn uint64 `help:"Transaction number for the shell session" default:"1"`
}

func (c *ShellCmd) Run(g *Globals) error {
	env, err := g.openCache()
	if err != nil {
		return err
	}
	defer env.Close()
	if !g.NoBanner {
		banner.PrintTo(os.Stdout, bannerStyle())
	}
	return runShell(env, c.Txn)
}

// ServeCmd keeps a started cache open with the admin endpoints until it is
// interrupted. SIGHUP reloads the configuration.
type ServeCmd struct{}

func (c *ServeCmd) Run(g *Globals) error {
	env, err := g.openCache()
	if err != nil {
		return err
	}
	defer env.Close()
	if !g.NoBanner {
		banner.PrintConfigTo(os.Stdout, env.cfg, bannerStyle())
	}

	addr := env.cfg.MetricsAddr
	if addr == "" {
		addr = defaultAdminAddr
	}
	srv, checker := newAdminServer(addr, env)
	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Stop()
	g.watchReload(env)

	env.logger.Info("Page cache serving", "data_dir", env.cfg.DataDir, "admin", addr)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			if err := env.mgr.Reload(); err != nil {
				env.logger.Error("Configuration reload failed", "error", err)
			}
			env.logger.Info("Health after reload", "healthy", checker.IsHealthy())
			continue
		}
		env.logger.Info("Shutting down", "signal", sig.String(), "healthy", checker.IsHealthy())
		break
	}
	return nil
}

// newAdminServer mounts the health endpoints next to /metrics.
func newAdminServer(addr string, env *runtimeEnv) (*metrics.Server, *health.Checker) {
	reg := metrics.NewRegistry(metrics.NewCollector(env.cache, env.locks))
	checker := health.NewChecker(banner.Version)
	health.RegisterCacheChecks(checker, env.cache)
	srv := metrics.NewServer(addr, reg)
	srv.Handle("/health", checker.Handler())
	srv.Handle("/health/", checker.Handler())
	return srv, checker
}

// CheckpointCmd runs one checkpoint and prints the marker.
type CheckpointCmd struct{}

func (c *CheckpointCmd) Run(g *Globals) error {
	env, err := g.openCache()
	if err != nil {
		return err
	}
	defer env.Close()
	if err := env.cache.Checkpoint(); err != nil {
		return err
	}
	at, written, err := cache.ReadMarker(env.cfg.DataDir)
	if err != nil {
		return err
	}
	fmt.Printf("Checkpoint recorded at %s (%d pages written)\n", at.Format("2006-01-02 15:04:05"), written)
	return nil
}

// BackupCmd copies every space file while the store is frozen. Writes made
// during the copy go to the difference file and are merged afterwards.
type BackupCmd struct {
	To string `name:"to" required:"" help:"Destination directory" type:"path"`
}

func (c *BackupCmd) Run(g *Globals) error {
	env, err := g.openCache()
	if err != nil {
		return err
	}
	defer env.Close()

	copied, err := runBackup(env, c.To)
	if err != nil {
		return err
	}
	fmt.Printf("Backed up %d space files to %s\n", copied, c.To)
	return nil
}

// runBackup freezes the main store, copies its space files into dst and
// merges the difference file back.
func runBackup(env *runtimeEnv, dst string) (int, error) {
	if err := env.cache.BeginBackup(); err != nil {
		return 0, err
	}
	copied, copyErr := copySpaces(env.store, env.cfg.DataDir, dst)
	if err := env.cache.EndBackup(); err != nil {
		return copied, err
	}
	return copied, copyErr
}

// copySpaces copies the space files of ps from dir into dst.
func copySpaces(ps *disk.PageStore, dir, dst string) (int, error) {
	spaces, err := ps.Spaces()
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(dst, 0755); err != nil {
		return 0, perrors.IOFailure("mkdir", dst, err)
	}
	for i, space := range spaces {
		name := disk.SpaceFileName(space)
		if err := copyFile(filepath.Join(dir, name), filepath.Join(dst, name)); err != nil {
			return i, err
		}
	}
	return len(spaces), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return perrors.IOFailure("open", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return perrors.IOFailure("create", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return perrors.IOFailure("copy", dst, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return perrors.IOFailure("sync", dst, err)
	}
	return out.Close()
}

// VersionCmd prints the version.
type VersionCmd struct{}

func (c *VersionCmd) Run(g *Globals) error {
	fmt.Printf("pagecache version %s\n", banner.Version)
	return nil
}

func bannerStyle() banner.Style {
	return banner.Style(term.IsTerminal(int(os.Stdout.Fd())))
}

func printSpaces(w io.Writer, ps *disk.PageStore) error {
	spaces, err := ps.Spaces()
	if err != nil {
		return err
	}
	sort.Slice(spaces, func(i, j int) bool { return spaces[i] < spaces[j] })
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SPACE\tFILE\tPAGES")
	for _, space := range spaces {
		n, err := ps.PageCount(space)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\n", space, disk.SpaceFileName(space), n)
	}
	return tw.Flush()
}

func printStats(w io.Writer, s cache.Stats, ls lock.Stats) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Buffers\t%d (free %d, dirty %d)\n", s.Buffers, s.Free, s.Dirty)
	fmt.Fprintf(tw, "Fetches\t%d (hits %d, misses %d, ratio %.2f)\n", s.Fetches, s.Hits, s.Misses, s.HitRatio())
	fmt.Fprintf(tw, "Reads\t%d\n", s.Reads)
	fmt.Fprintf(tw, "Writes\t%d (forced %d, precedence %d, background %d)\n",
		s.Writes, s.ForcedWrites, s.PrecedenceWrites, s.BgWrites)
	fmt.Fprintf(tw, "Evictions\t%d (dirty skips %d)\n", s.Evictions, s.DirtySkips)
	fmt.Fprintf(tw, "Precedence edges\t%d\n", s.PrecedenceEdges)
	fmt.Fprintf(tw, "Blocking notes\t%d (downgrades %d)\n", s.BlockingNotes, s.Downgrades)
	fmt.Fprintf(tw, "Locks\tgrants %d, waits %d, timeouts %d, deadlocks %d\n",
		ls.Grants, ls.Waits, ls.Timeouts, ls.Deadlocks)
	fmt.Fprintf(tw, "Shadows\t%d (rollovers %d)\n", s.Shadows, s.Rollovers)
	fmt.Fprintf(tw, "Backup\t%s\n", s.BackupState)
	fmt.Fprintf(tw, "Write-back\t%s\n", suspendedText(s.IOSuspended))
	fmt.Fprintf(tw, "Checkpoints\t%d\n", s.Checkpoints)
	tw.Flush()
}

func suspendedText(suspended bool) string {
	if suspended {
		return "SUSPENDED"
	}
	return "running"
}

func printResident(w io.Writer, pages []cache.PageInfo) {
	if len(pages) == 0 {
		fmt.Fprintln(w, "No resident pages")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PAGE\tFLAGS\tUSE\tLOCK\tGEN\tDEST")
	for _, p := range pages {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\t%s\n", p.Key, p.Flags, p.UseCount, p.Lock, p.Generation, p.Dest)
	}
	tw.Flush()
}
