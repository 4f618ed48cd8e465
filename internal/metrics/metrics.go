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
Package metrics exports page cache statistics to Prometheus.

METRIC CATEGORIES:
==================
  - Buffers: pool size, free, dirty, precedence edges
  - Fetches: total, hits, misses, physical reads
  - Writes: total, forced, precedence, background, evictions
  - Blocking: notifications, lock downgrades
  - Lock manager: grants, waits, timeouts, deadlocks
  - State: write-back suspended, backup state, shadows left

PROMETHEUS ENDPOINT:
====================
Metrics are exposed at /metrics in Prometheus text format.

EXAMPLE METRICS:
================

	pagecache_fetches_total 12345
	pagecache_hits_total 11021
	pagecache_writes_total{kind="forced"} 3
	pagecache_buffers{state="dirty"} 42
	pagecache_io_suspended 0
*/
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pagecache/internal/cache"
	"pagecache/internal/lock"
	"pagecache/internal/logging"
)

const namespace = "pagecache"

// CacheSource is anything that reports cache statistics.
type CacheSource interface {
	Stats() cache.Stats
}

// LockSource is anything that reports lock manager statistics.
type LockSource interface {
	Stats() lock.Stats
}

// Collector is a prometheus.Collector reading a cache snapshot on every
// scrape.
type Collector struct {
	cache CacheSource
	locks LockSource

	buffers       *prometheus.Desc
	fetches       *prometheus.Desc
	hits          *prometheus.Desc
	misses        *prometheus.Desc
	reads         *prometheus.Desc
	writes        *prometheus.Desc
	evictions     *prometheus.Desc
	dirtySkips    *prometheus.Desc
	blockingNotes *prometheus.Desc
	downgrades    *prometheus.Desc
	rollovers     *prometheus.Desc
	latchTimeouts *prometheus.Desc
	edges         *prometheus.Desc
	suspended     *prometheus.Desc
	backupState   *prometheus.Desc
	shadows       *prometheus.Desc
	checkpoints   *prometheus.Desc
	lockEvents    *prometheus.Desc
}

// NewCollector builds a collector over c. locks may be nil.
func NewCollector(c CacheSource, locks LockSource) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		cache:         c,
		locks:         locks,
		buffers:       desc("buffers", "Buffer descriptors by state.", "state"),
		fetches:       desc("fetches_total", "Page fetches."),
		hits:          desc("hits_total", "Fetches served from the cache."),
		misses:        desc("misses_total", "Fetches that needed a free or preempted buffer."),
		reads:         desc("reads_total", "Physical page reads."),
		writes:        desc("writes_total", "Physical page writes by kind.", "kind"),
		evictions:     desc("evictions_total", "Buffers preempted for another page."),
		dirtySkips:    desc("dirty_skips_total", "Dirty pages passed over while looking for a victim."),
		blockingNotes: desc("blocking_notes_total", "Blocking notifications received from the lock manager."),
		downgrades:    desc("lock_downgrades_total", "External locks lowered for other owners."),
		rollovers:     desc("shadow_rollovers_total", "Shadow stores promoted after a main store failure."),
		latchTimeouts: desc("latch_timeouts_total", "Fetches that timed out waiting for a latch."),
		edges:         desc("precedence_edges", "Uncleared precedence edges."),
		suspended:     desc("io_suspended", "1 while write-back is suspended."),
		backupState:   desc("backup_state", "1 for the current backup state.", "state"),
		shadows:       desc("shadows", "Shadow stores still mirroring the main store."),
		checkpoints:   desc("checkpoints_total", "Completed checkpoints."),
		lockEvents:    desc("lock_events_total", "Lock manager events by kind.", "kind"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.buffers, c.fetches, c.hits, c.misses, c.reads, c.writes,
		c.evictions, c.dirtySkips, c.blockingNotes, c.downgrades,
		c.rollovers, c.latchTimeouts, c.edges, c.suspended,
		c.backupState, c.shadows, c.checkpoints,
	} {
		ch <- d
	}
	if c.locks != nil {
		ch <- c.lockEvents
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.cache.Stats()

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	gauge(c.buffers, float64(s.Buffers), "total")
	gauge(c.buffers, float64(s.Free), "free")
	gauge(c.buffers, float64(s.Dirty), "dirty")
	gauge(c.edges, float64(s.PrecedenceEdges))
	gauge(c.shadows, float64(s.Shadows))

	counter(c.fetches, s.Fetches)
	counter(c.hits, s.Hits)
	counter(c.misses, s.Misses)
	counter(c.reads, s.Reads)
	counter(c.writes, s.Writes, "all")
	counter(c.writes, s.ForcedWrites, "forced")
	counter(c.writes, s.PrecedenceWrites, "precedence")
	counter(c.writes, s.BgWrites, "background")
	counter(c.evictions, s.Evictions)
	counter(c.dirtySkips, s.DirtySkips)
	counter(c.blockingNotes, s.BlockingNotes)
	counter(c.downgrades, s.Downgrades)
	counter(c.rollovers, s.Rollovers)
	counter(c.latchTimeouts, s.LatchTimeouts)
	counter(c.checkpoints, uint64(s.Checkpoints))

	suspended := 0.0
	if s.IOSuspended {
		suspended = 1
	}
	gauge(c.suspended, suspended)
	for _, state := range []string{"normal", "stalled", "merge"} {
		v := 0.0
		if s.BackupState == state {
			v = 1
		}
		gauge(c.backupState, v, state)
	}

	if c.locks != nil {
		ls := c.locks.Stats()
		counter(c.lockEvents, ls.Grants, "grant")
		counter(c.lockEvents, ls.Waits, "wait")
		counter(c.lockEvents, ls.Timeouts, "timeout")
		counter(c.lockEvents, ls.Deadlocks, "deadlock")
		counter(c.lockEvents, ls.Blocks, "blocking")
	}
}

// NewRegistry returns a registry holding the collector and the Go runtime
// collectors.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}

// Server provides an HTTP server for Prometheus metrics.
type Server struct {
	addr   string
	mux    *http.ServeMux
	server *http.Server
	logger *logging.Logger
}

// NewServer creates a metrics server on addr serving reg at /metrics. An
// empty addr disables it.
func NewServer(addr string, reg *prometheus.Registry) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &Server{
		addr:   addr,
		mux:    mux,
		logger: logging.NewLogger("metrics"),
	}
}

// Handle mounts an extra handler, such as the health endpoints. Call it
// before Start.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Handler returns the server's mux.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start starts the metrics HTTP server.
func (s *Server) Start() error {
	if s.addr == "" {
		s.logger.Info("Metrics server disabled")
		return nil
	}

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.logger.Info("Starting metrics server", "addr", s.addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server error", "error", err)
		}
	}()

	return nil
}

// Stop stops the metrics HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.logger.Info("Stopping metrics server")
	return s.server.Shutdown(ctx)
}
