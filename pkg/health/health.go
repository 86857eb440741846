// Copyright (c) Ken Bannister
// SPDX-License-Identifier: MPL-2.0

// Package health provides liveness and readiness endpoints with named
// component checks.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check is the result of a single component check.
type Check struct {
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	Message     string    `json:"message,omitempty"`
	LastChecked time.Time `json:"last_checked"`
	DurationMS  float64   `json:"duration_ms"`
}

// CheckFunc probes one component.
type CheckFunc func(ctx context.Context) error

// Info identifies the running process in health responses.
type Info struct {
	Service string
	Version string
	Started time.Time
}

// Checker manages component checks. Check results are cached for the
// configured TTL.
type Checker struct {
	info   Info
	mu     sync.RWMutex
	checks map[string]CheckFunc
	cache  map[string]*Check
	ttl    time.Duration
}

// NewChecker creates a health checker. A zero cacheTTL means 10s.
func NewChecker(info Info, cacheTTL time.Duration) *Checker {
	if cacheTTL == 0 {
		cacheTTL = 10 * time.Second
	}
	if info.Started.IsZero() {
		info.Started = time.Now()
	}
	return &Checker{
		info:   info,
		checks: make(map[string]CheckFunc),
		cache:  make(map[string]*Check),
		ttl:    cacheTTL,
	}
}

// Register adds a component check.
func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Health runs all checks and returns the overall status. All checks
// failing means unhealthy; some failing means degraded.
func (c *Checker) Health(ctx context.Context) (Status, []Check) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var checks []Check
	failed := 0

	for name, checkFunc := range c.checks {
		// Check cache
		if cached, ok := c.cache[name]; ok && time.Since(cached.LastChecked) < c.ttl {
			checks = append(checks, *cached)
			if cached.Status != StatusHealthy {
				failed++
			}
			continue
		}

		start := time.Now()
		err := checkFunc(ctx)

		check := &Check{
			Name:        name,
			LastChecked: time.Now(),
			DurationMS:  float64(time.Since(start)) / float64(time.Millisecond),
		}

		if err != nil {
			check.Status = StatusUnhealthy
			check.Message = err.Error()
			failed++
		} else {
			check.Status = StatusHealthy
		}

		c.cache[name] = check
		checks = append(checks, *check)
	}

	switch {
	case failed == 0:
		return StatusHealthy, checks
	case failed == len(c.checks):
		return StatusUnhealthy, checks
	default:
		return StatusDegraded, checks
	}
}

// Routes mounts the health endpoints on mux: /health, /health/live
// and /health/ready.
func (c *Checker) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", c.HTTPHandler())
	mux.HandleFunc("/health/live", LivenessHandler())
	mux.HandleFunc("/health/ready", c.ReadinessHandler())
}

type response struct {
	Service string  `json:"service,omitempty"`
	Version string  `json:"version,omitempty"`
	Uptime  string  `json:"uptime"`
	Status  Status  `json:"status"`
	Checks  []Check `json:"checks,omitempty"`
}

func (c *Checker) respond(w http.ResponseWriter, code int, status Status, checks []Check) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(response{
		Service: c.info.Service,
		Version: c.info.Version,
		Uptime:  time.Since(c.info.Started).Round(time.Second).String(),
		Status:  status,
		Checks:  checks,
	})
}

// HTTPHandler reports overall health. Degraded still returns 200;
// only unhealthy returns 503.
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status, checks := c.Health(ctx)

		code := http.StatusOK
		if status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.respond(w, code, status, checks)
	}
}

// LivenessHandler returns a simple liveness probe.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
		})
	}
}

// ReadinessHandler refuses traffic unless every check passes.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status, checks := c.Health(ctx)

		code := http.StatusOK
		if status != StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		c.respond(w, code, status, checks)
	}
}
