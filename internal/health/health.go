// Package health aggregates component health for the exam client:
// whether camera monitoring is degraded, how many staged records await
// sync, and whether the countdown is live.
package health

import (
	"context"
	"sync"
	"time"
)

// Status represents the health of a component.
type Status string

const (
	// StatusHealthy indicates the component is fully functional.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates reduced function (camera unavailable,
	// sync backlog) that does not block the exam.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates the component is not functioning.
	StatusUnhealthy Status = "unhealthy"
	// StatusUnknown indicates the component has not been checked yet.
	StatusUnknown Status = "unknown"
)

// CheckResult is one component's health snapshot.
type CheckResult struct {
	Status      Status    `json:"status"`
	Message     string    `json:"message,omitempty"`
	LastChecked time.Time `json:"last_checked"`
}

// Check probes one component.
type Check func(ctx context.Context) CheckResult

// Checker runs registered component checks.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]Check
	results map[string]CheckResult
}

// NewChecker creates an empty checker.
func NewChecker() *Checker {
	return &Checker{
		checks:  make(map[string]Check),
		results: make(map[string]CheckResult),
	}
}

// Register adds a component check.
func (c *Checker) Register(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
	c.results[name] = CheckResult{Status: StatusUnknown}
}

// Run executes every check and returns the results by component name.
func (c *Checker) Run(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	checks := make(map[string]Check, len(c.checks))
	for name, check := range c.checks {
		checks[name] = check
	}
	c.mu.RUnlock()

	results := make(map[string]CheckResult, len(checks))
	for name, check := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		res := check(checkCtx)
		cancel()
		res.LastChecked = time.Now()
		results[name] = res
	}

	c.mu.Lock()
	for name, res := range results {
		c.results[name] = res
	}
	c.mu.Unlock()

	return results
}

// Overall reduces the most recent results to a single status: any
// unhealthy wins, then any degraded, else healthy.
func (c *Checker) Overall() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.results) == 0 {
		return StatusUnknown
	}

	overall := StatusHealthy
	for _, res := range c.results {
		switch res.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded, StatusUnknown:
			overall = StatusDegraded
		}
	}
	return overall
}
