// Package health reports whether the agent can do its job and tracks
// per-network failure streaks.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"grimm.is/dhcpagent/internal/clock"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a single health check.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ms"`
}

// Report represents the overall health report.
type Report struct {
	Status    Status           `json:"status"`
	Checks    map[string]Check `json:"checks"`
	Timestamp time.Time        `json:"timestamp"`
}

// Checker performs health checks.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
	cache  *Report
	ttl    time.Duration
}

// CheckFunc is a function that performs a health check.
type CheckFunc func(ctx context.Context) Check

// NewChecker creates a checker with no checks registered.
func NewChecker() *Checker {
	return &Checker{
		checks: make(map[string]CheckFunc),
		ttl:    5 * time.Second,
	}
}

// Register adds a health check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
	c.cache = nil
}

// Check runs all health checks and returns a report.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.RLock()
	if c.cache != nil && time.Since(c.cache.Timestamp) < c.ttl {
		report := *c.cache
		c.mu.RUnlock()
		return report
	}
	checkFuncs := make(map[string]CheckFunc, len(c.checks))
	for name, fn := range c.checks {
		checkFuncs[name] = fn
	}
	c.mu.RUnlock()

	checks := make(map[string]Check)
	overallStatus := StatusHealthy

	var wg sync.WaitGroup
	var mu sync.Mutex
	for name, fn := range checkFuncs {
		wg.Add(1)
		go func(name string, fn CheckFunc) {
			defer wg.Done()
			check := fn(ctx)
			check.Name = name

			mu.Lock()
			checks[name] = check
			if check.Status == StatusUnhealthy {
				overallStatus = StatusUnhealthy
			} else if check.Status == StatusDegraded && overallStatus != StatusUnhealthy {
				overallStatus = StatusDegraded
			}
			mu.Unlock()
		}(name, fn)
	}
	wg.Wait()

	report := Report{
		Status:    overallStatus,
		Checks:    checks,
		Timestamp: clock.Now(),
	}

	c.mu.Lock()
	c.cache = &report
	c.mu.Unlock()
	return report
}

// Handler returns an HTTP handler for health checks.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		report := c.Check(ctx)

		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(report)
	}
}

// CheckDir verifies the agent can write to dir.
func CheckDir(dir string) CheckFunc {
	return func(ctx context.Context) Check {
		start := clock.Now()
		check := Check{LastChecked: start}

		f, err := os.CreateTemp(dir, ".health-*")
		if err != nil {
			check.Status = StatusUnhealthy
			check.Message = fmt.Sprintf("%s not writable: %v", dir, err)
		} else {
			f.Close()
			os.Remove(f.Name())
			check.Status = StatusHealthy
			check.Message = filepath.Clean(dir) + " writable"
		}

		check.Duration = time.Since(start)
		return check
	}
}

// CheckBinary verifies an external program can be found.
func CheckBinary(name string) CheckFunc {
	return func(ctx context.Context) Check {
		start := clock.Now()
		check := Check{LastChecked: start}

		path, err := exec.LookPath(name)
		if err != nil {
			check.Status = StatusUnhealthy
			check.Message = fmt.Sprintf("%s not found: %v", name, err)
		} else {
			check.Status = StatusHealthy
			check.Message = path
		}

		check.Duration = time.Since(start)
		return check
	}
}

// CheckFreshness degrades when last() is older than maxAge, e.g. when no
// resync pass has completed recently. A zero time means "not yet" and is
// reported healthy during startup.
func CheckFreshness(last func() time.Time, maxAge time.Duration) CheckFunc {
	return func(ctx context.Context) Check {
		now := clock.Now()
		check := Check{LastChecked: now, Status: StatusHealthy}

		t := last()
		switch {
		case t.IsZero():
			check.Message = "no pass completed yet"
		case now.Sub(t) > maxAge:
			check.Status = StatusDegraded
			check.Message = fmt.Sprintf("last success %s ago", now.Sub(t).Round(time.Second))
		default:
			check.Message = fmt.Sprintf("last success %s ago", now.Sub(t).Round(time.Second))
		}
		return check
	}
}
