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
Package health provides health check endpoints for a page cache.

ENDPOINTS:
==========

	GET /health       - Overall health check
	GET /health/live  - Liveness check (is the process running?)
	GET /health/ready - Readiness check (can the cache take writes?)

STATUS VALUES:
==============
  - healthy: All checks pass
  - degraded: Some non-critical checks fail (backup running, shadows lost)
  - unhealthy: Critical checks fail (write-back suspended)

The endpoints are served next to /metrics on the admin address.
*/
package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"pagecache/internal/cache"
	"pagecache/internal/logging"
)

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult represents the result of a health check.
type CheckResult struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency int64  `json:"latency_ms"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    Status        `json:"status"`
	Timestamp string        `json:"timestamp"`
	Version   string        `json:"version,omitempty"`
	Checks    []CheckResult `json:"checks,omitempty"`
}

// Check is a function that performs a health check.
type Check func() CheckResult

// Checker manages health checks.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]Check
	version string
	logger  *logging.Logger
}

// NewChecker creates a new health checker.
func NewChecker(version string) *Checker {
	return &Checker{
		checks:  make(map[string]Check),
		version: version,
		logger:  logging.NewLogger("health"),
	}
}

// RegisterCheck registers a health check.
func (c *Checker) RegisterCheck(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// RunChecks runs all registered health checks.
func (c *Checker) RunChecks() HealthResponse {
	c.mu.RLock()
	defer c.mu.RUnlock()

	response := HealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   c.version,
		Checks:    make([]CheckResult, 0, len(c.checks)),
	}

	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		check := c.checks[name]
		start := time.Now()
		result := check()
		result.Name = name
		result.Latency = time.Since(start).Milliseconds()
		response.Checks = append(response.Checks, result)

		// Update overall status
		if result.Status == StatusUnhealthy {
			response.Status = StatusUnhealthy
		} else if result.Status == StatusDegraded && response.Status == StatusHealthy {
			response.Status = StatusDegraded
		}
	}

	return response
}

// IsHealthy returns true if all checks pass.
func (c *Checker) IsHealthy() bool {
	response := c.RunChecks()
	return response.Status == StatusHealthy
}

// Handler returns the health endpoints.
func (c *Checker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", c.handleHealth)
	mux.HandleFunc("/health/live", c.handleLiveness)
	mux.HandleFunc("/health/ready", c.handleReadiness)
	return mux
}

// handleHealth handles the /health endpoint.
func (c *Checker) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := c.RunChecks()

	w.Header().Set("Content-Type", "application/json")
	if response.Status != StatusHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		c.logger.Warn("Failed to encode health response", "error", err)
	}
}

// handleLiveness handles the /health/live endpoint.
func (c *Checker) handleLiveness(w http.ResponseWriter, r *http.Request) {
	// Liveness just checks if the process is running
	response := HealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   c.version,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleReadiness handles the /health/ready endpoint. A degraded cache is
// still ready.
func (c *Checker) handleReadiness(w http.ResponseWriter, r *http.Request) {
	response := c.RunChecks()

	w.Header().Set("Content-Type", "application/json")
	if response.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(response)
}

// Common health checks

// StatsSource is anything that reports cache statistics.
type StatsSource interface {
	Stats() cache.Stats
}

// WriteBackCheck is unhealthy while write-back is suspended.
func WriteBackCheck(src StatsSource) Check {
	return func() CheckResult {
		if src.Stats().IOSuspended {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "write-back suspended after an I/O failure",
			}
		}
		return CheckResult{Status: StatusHealthy}
	}
}

// BuffersCheck is degraded when every buffer is dirty, since fetches then
// have to write before they can read.
func BuffersCheck(src StatsSource) Check {
	return func() CheckResult {
		s := src.Stats()
		msg := fmt.Sprintf("%d/%d dirty, %d free", s.Dirty, s.Buffers, s.Free)
		if s.Buffers > 0 && s.Dirty >= s.Buffers {
			return CheckResult{Status: StatusDegraded, Message: msg}
		}
		return CheckResult{Status: StatusHealthy, Message: msg}
	}
}

// BackupCheck is degraded while a backup keeps the main store frozen.
func BackupCheck(src StatsSource) Check {
	return func() CheckResult {
		state := src.Stats().BackupState
		if state != "normal" {
			return CheckResult{Status: StatusDegraded, Message: "backup " + state}
		}
		return CheckResult{Status: StatusHealthy, Message: state}
	}
}

// ShadowCheck is degraded once the main store has been replaced by a
// shadow.
func ShadowCheck(src StatsSource) Check {
	return func() CheckResult {
		s := src.Stats()
		if s.Rollovers > 0 {
			return CheckResult{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("%d rollovers, %d shadows left", s.Rollovers, s.Shadows),
			}
		}
		return CheckResult{Status: StatusHealthy, Message: fmt.Sprintf("%d shadows", s.Shadows)}
	}
}

// RegisterCacheChecks registers every cache check on c.
func RegisterCacheChecks(c *Checker, src StatsSource) {
	c.RegisterCheck("write_back", WriteBackCheck(src))
	c.RegisterCheck("buffers", BuffersCheck(src))
	c.RegisterCheck("backup", BackupCheck(src))
	c.RegisterCheck("shadows", ShadowCheck(src))
}
